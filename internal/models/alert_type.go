package models

// AlertType 报警类型（封闭枚举）
type AlertType string

const (
	AlertMicrosleep          AlertType = "microsleep"           // 微睡眠
	AlertFatigue             AlertType = "fatigue"              // 视觉疲劳
	AlertLowBlinkRate        AlertType = "low_blink_rate"       // 眨眼频率过低
	AlertHighBlinkRate       AlertType = "high_blink_rate"      // 眨眼频率过高
	AlertFrequentDistraction AlertType = "frequent_distraction" // 频繁分心
	AlertMicroRhythm         AlertType = "micro_rhythm"         // 早期困倦节律
	AlertHeadTension         AlertType = "head_tension"         // 颈部僵硬
	AlertDriverAbsent        AlertType = "driver_absent"        // 用户离开
	AlertMultiplePeople      AlertType = "multiple_people"      // 多人出现
	AlertCameraOccluded      AlertType = "camera_occluded"      // 摄像头遮挡
	AlertYawn                AlertType = "yawn"                 // 打哈欠
	AlertLowLight            AlertType = "low_light"            // 光照不足
	AlertBreakReminder       AlertType = "break_reminder"       // 休息提醒
)

// AllAlertTypes 评估顺序固定的全部报警类型
// driver_absent / multiple_people 必须最先评估（Orchestrator 的短路逻辑依赖该顺序）
var AllAlertTypes = []AlertType{
	AlertDriverAbsent,
	AlertMultiplePeople,
	AlertMicrosleep,
	AlertFatigue,
	AlertLowBlinkRate,
	AlertHighBlinkRate,
	AlertCameraOccluded,
	AlertFrequentDistraction,
	AlertMicroRhythm,
	AlertHeadTension,
	AlertYawn,
	AlertLowLight,
	AlertBreakReminder,
}

// alertPriorities 优先级（1=critical … 5=low；break_reminder 永远最低且不阻塞其他报警）
var alertPriorities = map[AlertType]int{
	AlertMicrosleep:          1,
	AlertFatigue:             1,
	AlertLowBlinkRate:        2,
	AlertHighBlinkRate:       2,
	AlertDriverAbsent:        2,
	AlertMultiplePeople:      2,
	AlertCameraOccluded:      3,
	AlertFrequentDistraction: 3,
	AlertMicroRhythm:         3,
	AlertYawn:                3,
	AlertHeadTension:         4,
	AlertLowLight:            4,
	AlertBreakReminder:       5,
}

// Priority 返回优先级（未知类型返回 5）
func (t AlertType) Priority() int {
	if p, ok := alertPriorities[t]; ok {
		return p
	}
	return 5
}

// Valid 检查是否为已知报警类型
func (t AlertType) Valid() bool {
	_, ok := alertPriorities[t]
	return ok
}

// AlertLevel 报警级别
type AlertLevel string

const (
	LevelCritical AlertLevel = "critical"
	LevelHigh     AlertLevel = "high"
	LevelMedium   AlertLevel = "medium"
	LevelLow      AlertLevel = "low"
	LevelInfo     AlertLevel = "info"
)

// alertLevels 各类型的固定报警级别
var alertLevels = map[AlertType]AlertLevel{
	AlertMicrosleep:          LevelCritical,
	AlertFatigue:             LevelHigh,
	AlertLowBlinkRate:        LevelLow,
	AlertHighBlinkRate:       LevelLow,
	AlertFrequentDistraction: LevelMedium,
	AlertMicroRhythm:         LevelMedium,
	AlertHeadTension:         LevelLow,
	AlertDriverAbsent:        LevelHigh,
	AlertMultiplePeople:      LevelHigh,
	AlertCameraOccluded:      LevelMedium,
	AlertYawn:                LevelMedium,
	AlertLowLight:            LevelLow,
	AlertBreakReminder:       LevelInfo,
}

// Level 返回报警级别
func (t AlertType) Level() AlertLevel {
	if l, ok := alertLevels[t]; ok {
		return l
	}
	return LevelMedium
}

// ResolutionMethod 报警解除方式
type ResolutionMethod string

const (
	ResolutionHysteresis  ResolutionMethod = "hysteresis"   // 条件稳定消失后自动解除
	ResolutionExercise    ResolutionMethod = "exercise"     // 完成休息练习后解除
	ResolutionAutoPause   ResolutionMethod = "auto_pause"   // 自动暂停时解除
	ResolutionManual      ResolutionMethod = "manual"       // 用户手动确认
	ResolutionAutoCleanup ResolutionMethod = "auto_cleanup" // 会话结束/过期清理
	ResolutionShown       ResolutionMethod = "shown"        // 简单提示类报警，播报一次即解除
)

// PauseReason 会话暂停原因
type PauseReason string

const (
	PauseReasonNone           PauseReason = "none"
	PauseReasonManual         PauseReason = "manual"
	PauseReasonExercise       PauseReason = "exercise"
	PauseReasonAbsence        PauseReason = "absence"
	PauseReasonMultiplePeople PauseReason = "multiple_people"
)
