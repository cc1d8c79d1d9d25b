package models

import (
	"fmt"
)

// Thresholds 各类型的检测阈值（集中定义，替代散落的临时字段）
type Thresholds struct {
	// microsleep
	MicrosleepSeconds float64 `json:"microsleep_seconds,omitempty"` // 闭眼持续时长（5-15秒可配）

	// fatigue
	EARThreshold float64 `json:"ear_threshold,omitempty"`
	BlinkRateMin float64 `json:"blink_rate_min,omitempty"`

	// low_blink_rate / high_blink_rate
	WindowSeconds      float64 `json:"window_seconds,omitempty"`       // 长窗口（120秒）
	ShortWindowSeconds float64 `json:"short_window_seconds,omitempty"` // 短窗口（30秒）
	BlinkRateThreshold float64 `json:"blink_rate_threshold,omitempty"` // low_blink_rate 阈值
	Threshold1         float64 `json:"threshold1,omitempty"`           // high_blink_rate 长窗口阈值
	Threshold2         float64 `json:"threshold2,omitempty"`           // high_blink_rate 短窗口阈值
	MinSessionSeconds  float64 `json:"min_session_seconds,omitempty"`  // 有效会话时长门槛

	// frequent_distraction
	MinEvents           int     `json:"min_events,omitempty"`
	EventWindowSeconds  float64 `json:"event_window_seconds,omitempty"`
	MinEventDurationSec float64 `json:"min_event_duration_sec,omitempty"`
	MaxEventDurationSec float64 `json:"max_event_duration_sec,omitempty"`

	// micro_rhythm
	ScoreThreshold float64 `json:"score_threshold,omitempty"`

	// head_tension
	VarianceThreshold float64 `json:"variance_threshold,omitempty"` // 度
	PoseWindowSeconds float64 `json:"pose_window_seconds,omitempty"`

	// low_light
	LowLightThreshold float64 `json:"low_light_threshold,omitempty"` // 0-255
}

// AlertRule 单个报警类型的生效配置（每次会话开始时从用户配置合并加载一次）
type AlertRule struct {
	Type                     AlertType  `json:"type"`
	SustainSeconds           float64    `json:"sustain_seconds"`
	UsesHysteresis           bool       `json:"uses_hysteresis"`
	HysteresisSeconds        float64    `json:"hysteresis_seconds"` // 仅 UsesHysteresis 时有意义
	CooldownSeconds          float64    `json:"cooldown_seconds"`
	RepeatIntervalSeconds    float64    `json:"repeat_interval_seconds"`
	MaxRepetitionsPerHour    int        `json:"max_repetitions_per_hour"`
	MaxRepetitions           int        `json:"max_repetitions"` // 自动暂停前允许的未解除重复次数（0=不限制）
	HysteresisTimeoutSeconds float64    `json:"hysteresis_timeout_seconds"`
	AutoPause                bool       `json:"auto_pause"`
	HasExercise              bool       `json:"has_exercise"` // 是否绑定休息练习（影响解除方式）
	Thresholds               Thresholds `json:"thresholds"`
}

// RuleSet 会话生效的全量规则（AlertType 为键的封闭映射）
type RuleSet map[AlertType]AlertRule

// DefaultRules 返回默认规则集
// driver_absent / multiple_people 固定 max_repetitions=1（单次重复即触发自动暂停，
// 不复现历史上的 3 次阈值路径）
func DefaultRules() RuleSet {
	return RuleSet{
		AlertMicrosleep: {
			Type:                  AlertMicrosleep,
			SustainSeconds:        5.0,
			CooldownSeconds:       5,
			RepeatIntervalSeconds: 5,
			MaxRepetitionsPerHour: 3,
			HasExercise:           true,
			Thresholds:            Thresholds{MicrosleepSeconds: 5.0},
		},
		AlertFatigue: {
			Type:                  AlertFatigue,
			SustainSeconds:        10.0,
			CooldownSeconds:       5,
			RepeatIntervalSeconds: 5,
			MaxRepetitionsPerHour: 3,
			HasExercise:           true,
			Thresholds:            Thresholds{EARThreshold: 0.15, BlinkRateMin: 15},
		},
		AlertLowBlinkRate: {
			Type:                  AlertLowBlinkRate,
			SustainSeconds:        0, // 窗口统计本身已去抖
			CooldownSeconds:       5,
			RepeatIntervalSeconds: 5,
			MaxRepetitionsPerHour: 3,
			HasExercise:           true,
			Thresholds: Thresholds{
				WindowSeconds:      120,
				BlinkRateThreshold: 12,
				MinSessionSeconds:  90,
			},
		},
		AlertHighBlinkRate: {
			Type:                  AlertHighBlinkRate,
			SustainSeconds:        30.0,
			CooldownSeconds:       5,
			RepeatIntervalSeconds: 5,
			MaxRepetitionsPerHour: 3,
			HasExercise:           true,
			Thresholds: Thresholds{
				WindowSeconds:      120,
				ShortWindowSeconds: 30,
				Threshold1:         30,
				Threshold2:         28,
			},
		},
		AlertFrequentDistraction: {
			Type:                  AlertFrequentDistraction,
			SustainSeconds:        0, // 基于事件计数，无持续计时
			CooldownSeconds:       5,
			RepeatIntervalSeconds: 5,
			MaxRepetitionsPerHour: 3,
			HasExercise:           true,
			Thresholds: Thresholds{
				MinEvents:           4,
				EventWindowSeconds:  300,
				MinEventDurationSec: 3,
				MaxEventDurationSec: 10,
			},
		},
		AlertMicroRhythm: {
			Type:                  AlertMicroRhythm,
			SustainSeconds:        5.0, // 固定
			CooldownSeconds:       5,
			RepeatIntervalSeconds: 5,
			MaxRepetitionsPerHour: 3,
			HasExercise:           true,
			Thresholds:            Thresholds{ScoreThreshold: 50},
		},
		AlertHeadTension: {
			Type:                  AlertHeadTension,
			SustainSeconds:        10.0,
			CooldownSeconds:       5,
			RepeatIntervalSeconds: 5,
			MaxRepetitionsPerHour: 3,
			HasExercise:           true,
			Thresholds: Thresholds{
				VarianceThreshold: 2.0,
				PoseWindowSeconds: 180,
				MinSessionSeconds: 600,
			},
		},
		AlertDriverAbsent: {
			Type:                     AlertDriverAbsent,
			SustainSeconds:           2.0,
			UsesHysteresis:           true,
			HysteresisSeconds:        5.0,
			MaxRepetitionsPerHour:    1,
			MaxRepetitions:           1,
			HysteresisTimeoutSeconds: 30.0,
			AutoPause:                true,
		},
		AlertMultiplePeople: {
			Type:                     AlertMultiplePeople,
			SustainSeconds:           1.5,
			UsesHysteresis:           true,
			HysteresisSeconds:        5.0,
			MaxRepetitionsPerHour:    1,
			MaxRepetitions:           1,
			HysteresisTimeoutSeconds: 30.0,
			AutoPause:                true,
		},
		AlertCameraOccluded: {
			Type:                     AlertCameraOccluded,
			SustainSeconds:           2.5,
			UsesHysteresis:           true,
			HysteresisSeconds:        5.0,
			CooldownSeconds:          5,
			RepeatIntervalSeconds:    5,
			MaxRepetitionsPerHour:    12,
			HysteresisTimeoutSeconds: 30.0,
		},
		AlertYawn: {
			Type:                  AlertYawn,
			SustainSeconds:        0, // 计数器增量即触发
			MaxRepetitionsPerHour: 12,
		},
		AlertLowLight: {
			Type:                  AlertLowLight,
			SustainSeconds:        5.0,
			CooldownSeconds:       5,
			RepeatIntervalSeconds: 5,
			MaxRepetitionsPerHour: 3,
			Thresholds:            Thresholds{LowLightThreshold: 70},
		},
		AlertBreakReminder: {
			Type:                  AlertBreakReminder,
			RepeatIntervalSeconds: 1200, // 20分钟
		},
	}
}

// Validate 校验规则集完整性（会话开始前调用，失败视为 ConfigurationError，阻止建会话）
func (rs RuleSet) Validate() error {
	for _, t := range AllAlertTypes {
		rule, ok := rs[t]
		if !ok {
			return fmt.Errorf("missing alert rule for type %q", t)
		}
		if rule.Type != t {
			return fmt.Errorf("alert rule type mismatch: key=%q rule=%q", t, rule.Type)
		}
		if rule.SustainSeconds < 0 || rule.CooldownSeconds < 0 || rule.RepeatIntervalSeconds < 0 {
			return fmt.Errorf("alert rule for %q has negative duration", t)
		}
		if rule.UsesHysteresis && rule.HysteresisSeconds <= 0 {
			return fmt.Errorf("alert rule for %q uses hysteresis but hysteresis_seconds is not positive", t)
		}
		if !rule.UsesHysteresis && rule.HysteresisSeconds != 0 {
			return fmt.Errorf("alert rule for %q sets hysteresis_seconds without uses_hysteresis", t)
		}
		if rule.AutoPause && rule.MaxRepetitions <= 0 {
			return fmt.Errorf("alert rule for %q enables auto_pause without max_repetitions", t)
		}
	}
	return nil
}

// Get 按类型取规则（不存在时返回零值与 false）
func (rs RuleSet) Get(t AlertType) (AlertRule, bool) {
	rule, ok := rs[t]
	return rule, ok
}
