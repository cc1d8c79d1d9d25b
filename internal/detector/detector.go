// Package detector 实现报警检测引擎：每种报警类型一个独立状态机，
// 对 (报警类型, 指标快照, 时间戳) 应用 sustain / hysteresis 判定，
// 只输出 Outcome 值，不做任何 I/O（效果由 orchestrator 解释执行）
package detector

import (
	"math"
	"time"

	"visionpulse-alert/internal/models"
	"visionpulse-alert/internal/window"

	"go.uber.org/zap"
)

// Outcome 单次评估结果
type Outcome int

const (
	NoChange Outcome = iota
	Trigger
	Resolve
)

// String 输出结果名称
func (o Outcome) String() string {
	switch o {
	case Trigger:
		return "trigger"
	case Resolve:
		return "resolve"
	default:
		return "no_change"
	}
}

// missingLogInterval SignalMissing 日志限流间隔（每类型每分钟最多一条）
const missingLogInterval = time.Minute

// state 单个报警类型的检测状态（引擎私有，只由自身 update 修改）
type state struct {
	sustainStart    *time.Time
	hysteresisStart *time.Time
	active          bool
	activeSince     *time.Time
}

// Engine 报警检测引擎
// 会话开始时创建，会话结束时整体丢弃；所有状态仅对当前会话有效
type Engine struct {
	rules        models.RuleSet
	sessionStart time.Time
	logger       *zap.Logger

	states map[models.AlertType]*state

	// 眨眼频率窗口
	blinkLongWindow  *window.SlidingWindow // low_blink_rate 120秒窗口
	blinkHighLong    *window.SlidingWindow // high_blink_rate 120秒窗口
	blinkHighShort   *window.SlidingWindow // high_blink_rate 30秒窗口
	blinkWindowAlpha float64

	// 分心事件环（记录事件完成时刻）
	distractionEvents *window.SlidingWindow
	distractionStart  *time.Time

	// 头部姿态历史与基线标定
	pose     *poseTracker
	lastYawn int

	// SignalMissing 日志限流
	missingLoggedAt map[models.AlertType]time.Time
}

// NewEngine 创建检测引擎（sessionStart 用于基线标定与会话时长门槛）
func NewEngine(rules models.RuleSet, sessionStart time.Time, logger *zap.Logger) *Engine {
	e := &Engine{
		rules:             rules,
		sessionStart:      sessionStart,
		logger:            logger,
		states:            make(map[models.AlertType]*state),
		blinkLongWindow:   window.NewSlidingWindow(240),
		blinkHighLong:     window.NewSlidingWindow(240),
		blinkHighShort:    window.NewSlidingWindow(60),
		blinkWindowAlpha:  window.DefaultAlpha,
		distractionEvents: window.NewSlidingWindow(100),
		pose:              newPoseTracker(sessionStart),
		missingLoggedAt:   make(map[models.AlertType]time.Time),
	}
	for _, t := range models.AllAlertTypes {
		e.states[t] = &state{}
	}
	return e
}

// Update 用当前快照评估指定类型，返回 Trigger / Resolve / NoChange
// effectiveAge 为会话有效时长（扣除暂停），由 session 层只读提供
func (e *Engine) Update(t models.AlertType, snap *models.MetricsSnapshot, effectiveAge time.Duration, now time.Time) Outcome {
	rule, ok := e.rules.Get(t)
	if !ok {
		return NoChange
	}
	st := e.states[t]
	if st == nil {
		return NoChange
	}

	switch t {
	case models.AlertFrequentDistraction:
		return e.updateFrequentDistraction(st, rule, snap, now)
	case models.AlertYawn:
		return e.updateYawn(snap)
	}

	cond := e.condition(t, rule, snap, effectiveAge, now)
	sustain := rule.SustainSeconds
	if t == models.AlertMicrosleep {
		// 闭眼时长可配，越界值收敛到安全范围而不是报错
		sustain = math.Max(microsleepMinSeconds, math.Min(microsleepMaxSeconds, rule.Thresholds.MicrosleepSeconds))
	}
	if rule.UsesHysteresis {
		return e.hysteresisLogic(st, cond, sustain, rule.HysteresisSeconds, now)
	}
	return e.sustainLogic(st, cond, sustain, now)
}

// sustainLogic 持续判定：条件连续为真满 sustain 秒触发；条件一旦为假立即解除（无粘滞）
func (e *Engine) sustainLogic(st *state, cond bool, sustain float64, now time.Time) Outcome {
	if cond {
		if st.sustainStart == nil {
			ts := now
			st.sustainStart = &ts
		}
		if now.Sub(*st.sustainStart).Seconds() >= sustain && !st.active {
			st.active = true
			ts := now
			st.activeSince = &ts
			return Trigger
		}
	} else {
		st.sustainStart = nil
		if st.active {
			st.active = false
			st.activeSince = nil
			return Resolve
		}
	}
	return NoChange
}

// hysteresisLogic 滞回判定：触发同 sustain；解除要求条件连续为假满 hysteresis 秒，
// 期间条件短暂闪回为真会清零解除计时（一帧误检不得立即解除）
func (e *Engine) hysteresisLogic(st *state, cond bool, sustain, hysteresis float64, now time.Time) Outcome {
	if cond {
		st.hysteresisStart = nil
		if st.sustainStart == nil {
			ts := now
			st.sustainStart = &ts
		}
		if now.Sub(*st.sustainStart).Seconds() >= sustain && !st.active {
			st.active = true
			ts := now
			st.activeSince = &ts
			return Trigger
		}
		return NoChange
	}

	st.sustainStart = nil
	if !st.active {
		return NoChange
	}
	if st.hysteresisStart == nil {
		ts := now
		st.hysteresisStart = &ts
	}
	if now.Sub(*st.hysteresisStart).Seconds() >= hysteresis {
		st.active = false
		st.activeSince = nil
		st.hysteresisStart = nil
		return Resolve
	}
	return NoChange
}

// updateFrequentDistraction 基于离散事件计数：单次分心持续 3-10 秒记为一个事件，
// 滑动 5 分钟窗口内事件数达到 min_events 触发；无持续计时
func (e *Engine) updateFrequentDistraction(st *state, rule models.AlertRule, snap *models.MetricsSnapshot, now time.Time) Outcome {
	th := rule.Thresholds

	if snap.Distracted && snap.FaceDetected() {
		if e.distractionStart == nil {
			ts := now
			e.distractionStart = &ts
		}
	} else if e.distractionStart != nil {
		dur := now.Sub(*e.distractionStart).Seconds()
		if dur >= th.MinEventDurationSec && dur <= th.MaxEventDurationSec {
			e.distractionEvents.Push(1.0, now)
		}
		e.distractionStart = nil
	}

	count := e.distractionEvents.CountInWindow(now, time.Duration(th.EventWindowSeconds*float64(time.Second)))
	cond := count >= th.MinEvents
	return e.sustainLogic(st, cond, rule.SustainSeconds, now)
}

// updateYawn 哈欠计数器增量即触发（瞬时事件，无 sustain、无解除）
func (e *Engine) updateYawn(snap *models.MetricsSnapshot) Outcome {
	if snap.YawnCount > e.lastYawn {
		e.lastYawn = snap.YawnCount
		return Trigger
	}
	return NoChange
}

// IsActive 指定类型当前是否处于激活状态
func (e *Engine) IsActive(t models.AlertType) bool {
	st := e.states[t]
	return st != nil && st.active
}

// ActiveSince 返回激活起始时间（未激活时 ok=false）
func (e *Engine) ActiveSince(t models.AlertType) (time.Time, bool) {
	st := e.states[t]
	if st == nil || !st.active || st.activeSince == nil {
		return time.Time{}, false
	}
	return *st.activeSince, true
}

// Resolve 外部强制解除（手动确认、会话恢复视为显式 all-clear）
func (e *Engine) Resolve(t models.AlertType) {
	st := e.states[t]
	if st == nil {
		return
	}
	st.active = false
	st.sustainStart = nil
	st.hysteresisStart = nil
	st.activeSince = nil
}

// ResetAll 清空全部检测状态与缓冲（会话结束时调用）
func (e *Engine) ResetAll() {
	for _, st := range e.states {
		st.active = false
		st.sustainStart = nil
		st.hysteresisStart = nil
		st.activeSince = nil
	}
	e.blinkLongWindow.Clear()
	e.blinkHighLong.Clear()
	e.blinkHighShort.Clear()
	e.distractionEvents.Clear()
	e.distractionStart = nil
	e.pose = newPoseTracker(e.sessionStart)
	e.lastYawn = 0
}

// logSignalMissing 缺失信号按类型限流记录（缺数据不是错误，按条件不满足处理）
func (e *Engine) logSignalMissing(t models.AlertType, field string, now time.Time) {
	if last, ok := e.missingLoggedAt[t]; ok && now.Sub(last) < missingLogInterval {
		return
	}
	e.missingLoggedAt[t] = now
	e.logger.Warn("Signal missing for detector, treating condition as false",
		zap.String("alert_type", string(t)),
		zap.String("field", field),
	)
}
