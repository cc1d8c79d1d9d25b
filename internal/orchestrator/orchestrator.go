// Package orchestrator 报警编排器：对检测引擎的输出做优先级仲裁、冷却与上限过滤、
// 事件持久化（update-or-create）、自动暂停与休息提醒调度。
// 每个会话一个实例，会话结束时整体丢弃（不存在跨会话共享状态）
package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"visionpulse-alert/internal/detector"
	"visionpulse-alert/internal/metrics"
	"visionpulse-alert/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// 无人消费的非关键报警超过该时长自动清理
const undeliveredCleanupSeconds = 10.0

// EventStore 报警事件持久化接口（由 repository.AlertEventsRepository 实现）
type EventStore interface {
	GetOpenAlertEvent(ctx context.Context, sessionID string, alertType models.AlertType) (*models.AlertEvent, error)
	CreateAlertEvent(ctx context.Context, event *models.AlertEvent) (*models.AlertEvent, error)
	UpdateRepeat(ctx context.Context, eventID string, repeatedAt time.Time) error
	ResolveAlertEvent(ctx context.Context, eventID string, method models.ResolutionMethod, resolvedAt time.Time) error
	ResolveAllOpen(ctx context.Context, sessionID string, method models.ResolutionMethod, resolvedAt time.Time) ([]string, error)
	CountCreatedInLastHour(ctx context.Context, sessionID string, alertType models.AlertType, now time.Time) (int, error)
}

// trackingEntry 每类型的编排器私有跟踪状态
// 对应事件解除或会话结束时整体清零
type trackingEntry struct {
	repetitionCount int
	totalCount      int
	lastTriggerTime *time.Time // 引擎 Trigger 转换时刻（冷却过滤基准）
	firstDetection  *time.Time
	eventID         string // 当前未解除事件的行ID（空=无）
	eventCreatedAt  *time.Time
	deliveredCount  int
	lastDeliveredAt *time.Time
	autoPaused      bool
}

func (e *trackingEntry) reset() {
	*e = trackingEntry{}
}

// alertMessages 各类型的提示文案
var alertMessages = map[models.AlertType]string{
	models.AlertMicrosleep:          "Microsleep detected - wake up and take a break",
	models.AlertFatigue:             "Visual fatigue detected - rest your eyes",
	models.AlertLowBlinkRate:        "Blink rate is low - remember to blink",
	models.AlertHighBlinkRate:       "Blink rate is high - your eyes may be strained",
	models.AlertFrequentDistraction: "Frequent distraction detected - try to refocus",
	models.AlertMicroRhythm:         "Early drowsiness signs detected",
	models.AlertHeadTension:         "Your head has been still for a while - stretch your neck",
	models.AlertDriverAbsent:        "No face detected",
	models.AlertMultiplePeople:      "Multiple people detected",
	models.AlertCameraOccluded:      "Camera appears to be blocked",
	models.AlertYawn:                "Yawn detected - consider a short break",
	models.AlertLowLight:            "Lighting is too dim - brighten your workspace",
	models.AlertBreakReminder:       "Time for a break - you have been focused for a while",
}

// Orchestrator 会话级报警编排器
type Orchestrator struct {
	sessionID string
	rules     models.RuleSet
	engine    *detector.Engine
	store     EventStore
	logger    *zap.Logger

	breakInterval time.Duration

	mu          sync.Mutex
	tracking    map[models.AlertType]*trackingEntry
	nextBreakAt time.Duration // 下次休息提醒的有效时长点
	ended       bool
}

// New 创建编排器（engine 由调用方按同一规则集构建）
func New(sessionID string, rules models.RuleSet, engine *detector.Engine, store EventStore, breakInterval time.Duration, logger *zap.Logger) *Orchestrator {
	o := &Orchestrator{
		sessionID:     sessionID,
		rules:         rules,
		engine:        engine,
		store:         store,
		logger:        logger.With(zap.String("session_id", sessionID)),
		breakInterval: breakInterval,
		tracking:      make(map[models.AlertType]*trackingEntry),
		nextBreakAt:   breakInterval,
	}
	for _, t := range models.AllAlertTypes {
		o.tracking[t] = &trackingEntry{}
	}
	return o
}

// plannedResolve 锁内决定、锁外执行的解除动作
type plannedResolve struct {
	alertType models.AlertType
	eventID   string
	method    models.ResolutionMethod
}

// plannedSelect 本周期选中的报警
type plannedSelect struct {
	alertType models.AlertType
}

// tickPlan 一次评估在锁内产出的全部待执行动作
type tickPlan struct {
	resolves      []plannedResolve
	selected      *plannedSelect
	breakDue      bool
	pauseReason   models.PauseReason // != none 时请求暂停
	autoPauseType models.AlertType
}

// Tick 执行一个编排周期
// 状态变更在内部互斥锁内完成，持久化 I/O 在锁外执行
// 暂停的会话不应调用本方法（由 session 层在暂停期间跳过评估）
func (o *Orchestrator) Tick(ctx context.Context, snap *models.MetricsSnapshot, effectiveAge time.Duration, now time.Time) (*models.TickResult, error) {
	result := &models.TickResult{
		Session: models.SessionEvent{Paused: false, Reason: models.PauseReasonNone},
	}

	o.mu.Lock()
	if o.ended {
		o.mu.Unlock()
		return result, nil
	}
	plan := o.evaluate(snap, effectiveAge, now)
	o.mu.Unlock()

	o.commit(ctx, plan, result, now)
	return result, nil
}

// evaluate 锁内阶段：推进所有检测状态机并产出执行计划
func (o *Orchestrator) evaluate(snap *models.MetricsSnapshot, effectiveAge time.Duration, now time.Time) tickPlan {
	plan := tickPlan{pauseReason: models.PauseReasonNone}

	// 离岗 / 多人最先评估：任一激活则短路本周期的其余评估
	// （人不在或身份不明时其余信号不可用）
	shortCircuit := models.AlertType("")
	for _, t := range []models.AlertType{models.AlertDriverAbsent, models.AlertMultiplePeople} {
		out := o.engine.Update(t, snap, effectiveAge, now)
		o.noteOutcome(&plan, t, out, now)
		if shortCircuit == "" && o.engine.IsActive(t) {
			shortCircuit = t
		}
	}

	if shortCircuit != "" {
		o.evaluateAbsence(&plan, shortCircuit, now)
		return plan
	}

	// 其余类型全部评估，收集候选
	type candidate struct {
		alertType models.AlertType
		since     time.Time
		fresh     bool // 本周期刚触发
	}
	var candidates []candidate
	for _, t := range models.AllAlertTypes {
		switch t {
		case models.AlertDriverAbsent, models.AlertMultiplePeople, models.AlertBreakReminder:
			continue
		}
		out := o.engine.Update(t, snap, effectiveAge, now)
		o.noteOutcome(&plan, t, out, now)

		active := o.engine.IsActive(t)
		if out != detector.Trigger && !active {
			continue
		}
		since := now
		if s, ok := o.engine.ActiveSince(t); ok {
			since = s
		} else if lt := o.tracking[t].lastTriggerTime; lt != nil {
			since = *lt
		}
		candidates = append(candidates, candidate{alertType: t, since: since, fresh: out == detector.Trigger})
	}

	// 冷却过滤：距上次 Trigger 不足 cooldown 的已激活类型本周期不参选
	// （本周期刚触发的报警豁免，冷却只限制持续报警的重复参选节奏）
	selectable := candidates[:0]
	for _, c := range candidates {
		rule := o.rules[c.alertType]
		entry := o.tracking[c.alertType]
		if !c.fresh && rule.CooldownSeconds > 0 && entry.lastTriggerTime != nil &&
			now.Sub(*entry.lastTriggerTime).Seconds() < rule.CooldownSeconds {
			continue
		}
		selectable = append(selectable, c)
	}

	// 最低优先级数值胜出，同级取最近触发者
	var best *candidate
	for i := range selectable {
		c := &selectable[i]
		if best == nil {
			best = c
			continue
		}
		bp, cp := best.alertType.Priority(), c.alertType.Priority()
		if cp < bp || (cp == bp && c.since.After(best.since)) {
			best = c
		}
	}
	if best != nil {
		plan.selected = &plannedSelect{alertType: best.alertType}
	}

	// 休息提醒独立调度，不参与优先级竞争，可与选中报警同周期输出
	if o.breakInterval > 0 && effectiveAge >= o.nextBreakAt {
		plan.breakDue = true
		o.nextBreakAt += o.breakInterval
	}

	// 长时间无人消费的非关键报警自动清理
	o.planUndeliveredCleanup(&plan, now)

	return plan
}

// evaluateAbsence 短路分支：检查自动暂停条件，或继续输出该报警
func (o *Orchestrator) evaluateAbsence(plan *tickPlan, t models.AlertType, now time.Time) {
	entry := o.tracking[t]
	rule := o.rules[t]

	if entry.autoPaused {
		return
	}
	if entry.firstDetection != nil &&
		now.Sub(*entry.firstDetection).Seconds() >= rule.HysteresisTimeoutSeconds {
		// 条件持续超过 hysteresis_timeout：请求暂停，事件以 auto_pause 解除
		entry.autoPaused = true
		entry.repetitionCount = rule.MaxRepetitions
		plan.pauseReason = pauseReasonFor(t)
		plan.autoPauseType = t
		return
	}
	plan.selected = &plannedSelect{alertType: t}
}

// noteOutcome 记录单类型评估结果的跟踪簿记
func (o *Orchestrator) noteOutcome(plan *tickPlan, t models.AlertType, out detector.Outcome, now time.Time) {
	entry := o.tracking[t]
	switch out {
	case detector.Trigger:
		ts := now
		entry.lastTriggerTime = &ts
		entry.totalCount++
		if entry.firstDetection == nil {
			entry.firstDetection = &ts
		}
		metrics.AlertsTriggered.WithLabelValues(string(t)).Inc()
	case detector.Resolve:
		if entry.eventID != "" {
			plan.resolves = append(plan.resolves, plannedResolve{
				alertType: t,
				eventID:   entry.eventID,
				method:    models.ResolutionHysteresis,
			})
		}
		entry.reset()
	}
}

// planUndeliveredCleanup 未被消费端取走的非关键报警超时清理
func (o *Orchestrator) planUndeliveredCleanup(plan *tickPlan, now time.Time) {
	for t, entry := range o.tracking {
		rule := o.rules[t]
		if entry.eventID == "" || entry.deliveredCount > 0 || rule.AutoPause {
			continue
		}
		if t.Priority() <= 1 || entry.eventCreatedAt == nil {
			continue
		}
		if now.Sub(*entry.eventCreatedAt).Seconds() > undeliveredCleanupSeconds {
			plan.resolves = append(plan.resolves, plannedResolve{
				alertType: t,
				eventID:   entry.eventID,
				method:    models.ResolutionAutoCleanup,
			})
			o.engine.Resolve(t)
			entry.reset()
			// 被清理的类型本周期不得再建档
			if plan.selected != nil && plan.selected.alertType == t {
				plan.selected = nil
			}
		}
	}
}

// commit 锁外阶段：执行计划中的持久化动作并组装输出
func (o *Orchestrator) commit(ctx context.Context, plan tickPlan, result *models.TickResult, now time.Time) {
	for _, res := range plan.resolves {
		if err := o.retryOnce(func() error {
			return o.store.ResolveAlertEvent(ctx, res.eventID, res.method, now)
		}); err != nil {
			o.logger.Error("Failed to resolve alert event",
				zap.String("event_id", res.eventID),
				zap.String("alert_type", string(res.alertType)),
				zap.Error(err))
			metrics.PersistenceErrors.WithLabelValues("resolve").Inc()
			continue
		}
		result.ResolvedAlertIDs = append(result.ResolvedAlertIDs, res.eventID)
		metrics.AlertsResolved.WithLabelValues(string(res.alertType), string(res.method)).Inc()
	}

	if plan.pauseReason != models.PauseReasonNone {
		o.commitAutoPause(ctx, plan, result, now)
	}

	if plan.selected != nil {
		if sel := o.commitSelected(ctx, plan.selected.alertType, now); sel != nil {
			result.Selected = sel
		}
	}

	if plan.breakDue {
		if rem := o.commitBreakReminder(ctx, now); rem != nil {
			result.BreakReminder = rem
		}
	}
}

// commitAutoPause 自动暂停落库：事件重复计数补到位后以 auto_pause 解除
func (o *Orchestrator) commitAutoPause(ctx context.Context, plan tickPlan, result *models.TickResult, now time.Time) {
	t := plan.autoPauseType

	open, err := o.loadOrHealOpenEvent(ctx, t, now)
	if err != nil {
		o.logger.Error("Failed to load open event for auto-pause",
			zap.String("alert_type", string(t)), zap.Error(err))
		metrics.PersistenceErrors.WithLabelValues("auto_pause").Inc()
	}
	if open != nil {
		if err := o.retryOnce(func() error {
			return o.store.UpdateRepeat(ctx, open.ID, now)
		}); err != nil {
			o.logger.Error("Failed to bump repeat before auto-pause",
				zap.String("event_id", open.ID), zap.Error(err))
		}
		if err := o.retryOnce(func() error {
			return o.store.ResolveAlertEvent(ctx, open.ID, models.ResolutionAutoPause, now)
		}); err != nil {
			o.logger.Error("Failed to resolve auto-pause event",
				zap.String("event_id", open.ID), zap.Error(err))
			metrics.PersistenceErrors.WithLabelValues("auto_pause").Inc()
		} else {
			result.ResolvedAlertIDs = append(result.ResolvedAlertIDs, open.ID)
			metrics.AlertsResolved.WithLabelValues(string(t), string(models.ResolutionAutoPause)).Inc()
		}
	}

	o.mu.Lock()
	if !o.ended {
		// 会话已结束时抑制迟到的暂停副作用
		result.Session = models.SessionEvent{Paused: true, Reason: plan.pauseReason}
		entry := o.tracking[t]
		entry.eventID = ""
		entry.eventCreatedAt = nil
	}
	o.mu.Unlock()

	if result.Session.Paused {
		o.logger.Info("Auto-pause requested",
			zap.String("alert_type", string(t)),
			zap.String("reason", string(plan.pauseReason)))
		metrics.AutoPauses.WithLabelValues(string(plan.pauseReason)).Inc()
	}
}

// commitSelected 选中报警的 update-or-create 与输出组装
func (o *Orchestrator) commitSelected(ctx context.Context, t models.AlertType, now time.Time) *models.SelectedAlert {
	rule := o.rules[t]

	open, err := o.loadOrHealOpenEvent(ctx, t, now)
	if err != nil {
		metrics.PersistenceErrors.WithLabelValues("select").Inc()
		return nil
	}

	if open == nil {
		// 新建：受每小时上限约束（按行创建计数）
		// 自动暂停类型豁免，恢复监测后条件再现必须能重新建档
		if rule.MaxRepetitionsPerHour > 0 && !rule.AutoPause {
			count, err := o.store.CountCreatedInLastHour(ctx, o.sessionID, t, now)
			if err != nil {
				o.logger.Error("Failed to count events for hourly cap",
					zap.String("alert_type", string(t)), zap.Error(err))
				metrics.PersistenceErrors.WithLabelValues("count").Inc()
				return nil
			}
			if count >= rule.MaxRepetitionsPerHour {
				metrics.AlertsSuppressed.WithLabelValues(string(t), "hourly_cap").Inc()
				return nil
			}
		}
		created, err := o.createEvent(ctx, t, now)
		if err != nil {
			o.logger.Error("Failed to create alert event",
				zap.String("alert_type", string(t)), zap.Error(err))
			metrics.PersistenceErrors.WithLabelValues("create").Inc()
			return nil
		}
		open = created
	}

	o.mu.Lock()
	entry := o.tracking[t]
	entry.eventID = open.ID
	createdAt := open.CreatedAt
	entry.eventCreatedAt = &createdAt
	deliveredCount := entry.deliveredCount
	lastDelivered := entry.lastDeliveredAt
	o.mu.Unlock()

	// 播报节拍：首次投递立即播，此后按 repeat_interval
	playAudio := true
	nextDue := rule.RepeatIntervalSeconds
	if deliveredCount > 0 && lastDelivered != nil && rule.RepeatIntervalSeconds > 0 {
		elapsed := now.Sub(*lastDelivered).Seconds()
		if elapsed < rule.RepeatIntervalSeconds {
			playAudio = false
			nextDue = rule.RepeatIntervalSeconds - elapsed
		}
	}

	return &models.SelectedAlert{
		ID:               open.ID,
		Type:             t,
		Level:            t.Level(),
		Message:          alertMessages[t],
		Priority:         t.Priority(),
		RepeatCount:      open.RepeatCount,
		PlayAudio:        playAudio,
		NextDueInSeconds: nextDue,
		TriggeredAt:      open.TriggeredAt,
	}
}

// commitBreakReminder 休息提醒：持久化为 info 级事件，不受冷却与上限约束
func (o *Orchestrator) commitBreakReminder(ctx context.Context, now time.Time) *models.SelectedAlert {
	t := models.AlertBreakReminder

	open, err := o.loadOrHealOpenEvent(ctx, t, now)
	if err != nil {
		metrics.PersistenceErrors.WithLabelValues("break_reminder").Inc()
		return nil
	}
	if open == nil {
		open, err = o.createEvent(ctx, t, now)
		if err != nil {
			o.logger.Error("Failed to create break reminder event", zap.Error(err))
			metrics.PersistenceErrors.WithLabelValues("break_reminder").Inc()
			return nil
		}
	}

	o.mu.Lock()
	entry := o.tracking[t]
	entry.eventID = open.ID
	createdAt := open.CreatedAt
	entry.eventCreatedAt = &createdAt
	o.mu.Unlock()

	return &models.SelectedAlert{
		ID:          open.ID,
		Type:        t,
		Level:       models.LevelInfo,
		Message:     alertMessages[t],
		Priority:    t.Priority(),
		RepeatCount: open.RepeatCount,
		PlayAudio:   true,
		TriggeredAt: open.TriggeredAt,
	}
}

// loadOrHealOpenEvent 加载未解除事件；内存认为有事件而库中没有时记录状态损坏并自愈
// （返回 nil 让调用方走新建路径重建行）
func (o *Orchestrator) loadOrHealOpenEvent(ctx context.Context, t models.AlertType, now time.Time) (*models.AlertEvent, error) {
	open, err := o.store.GetOpenAlertEvent(ctx, o.sessionID, t)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	entry := o.tracking[t]
	corrupt := open == nil && entry.eventID != ""
	if corrupt {
		entry.eventID = ""
		entry.eventCreatedAt = nil
	}
	o.mu.Unlock()

	if corrupt {
		corruption := &models.StateCorruption{
			SessionID: o.sessionID,
			AlertType: t,
			Detail:    "tracked event missing from storage, recreating",
		}
		o.logger.Warn("Self-healing tracking state", zap.Error(corruption))
	}
	return open, nil
}

// createEvent 新建事件行（唯一冲突时仓库层返回现存行）
func (o *Orchestrator) createEvent(ctx context.Context, t models.AlertType, now time.Time) (*models.AlertEvent, error) {
	event := &models.AlertEvent{
		ID:          uuid.New().String(),
		SessionID:   o.sessionID,
		AlertType:   t,
		Level:       t.Level(),
		Message:     alertMessages[t],
		TriggeredAt: now,
		Metadata:    json.RawMessage("{}"),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	var created *models.AlertEvent
	err := o.retryOnce(func() error {
		var createErr error
		created, createErr = o.store.CreateAlertEvent(ctx, event)
		return createErr
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// retryOnce 持久化失败重试一次，仍失败则放弃本周期输出（检测计时不受影响）
func (o *Orchestrator) retryOnce(op func() error) error {
	if err := op(); err != nil {
		o.logger.Warn("Persistence operation failed, retrying once", zap.Error(err))
		return op()
	}
	return nil
}

func pauseReasonFor(t models.AlertType) models.PauseReason {
	switch t {
	case models.AlertDriverAbsent:
		return models.PauseReasonAbsence
	case models.AlertMultiplePeople:
		return models.PauseReasonMultiplePeople
	default:
		return models.PauseReasonNone
	}
}
