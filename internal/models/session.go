package models

import (
	"encoding/json"
	"time"
)

// 会话状态
const (
	SessionStatusActive      = "active"
	SessionStatusPaused      = "paused"
	SessionStatusCompleted   = "completed"
	SessionStatusInterrupted = "interrupted"
)

// MonitorSession 监测会话（对应 monitor_sessions 表，只存聚合指标，不存帧）
type MonitorSession struct {
	ID        string     `json:"id" db:"id"`
	UserID    string     `json:"user_id" db:"user_id"`
	StartTime time.Time  `json:"start_time" db:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty" db:"end_time"`
	Status    string     `json:"status" db:"status"`

	// 时长（秒）
	TotalDuration     float64 `json:"total_duration" db:"total_duration"`
	EffectiveDuration float64 `json:"effective_duration" db:"effective_duration"`
	PauseDuration     float64 `json:"pause_duration" db:"pause_duration"`

	// 聚合指标
	TotalBlinks   int      `json:"total_blinks" db:"total_blinks"`
	TotalYawns    int      `json:"total_yawns" db:"total_yawns"`
	TotalAlerts   int      `json:"total_alerts" db:"total_alerts"`
	AvgEAR        *float64 `json:"avg_ear,omitempty" db:"avg_ear"`
	FocusPercent  *float64 `json:"focus_percent,omitempty" db:"focus_percent"`
	AvgHeadYaw    *float64 `json:"avg_head_yaw,omitempty" db:"avg_head_yaw"`
	AvgHeadPitch  *float64 `json:"avg_head_pitch,omitempty" db:"avg_head_pitch"`
	AvgBrightness *float64 `json:"avg_brightness,omitempty" db:"avg_brightness"`

	FinalMetrics json.RawMessage `json:"final_metrics,omitempty" db:"final_metrics"` // JSONB
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// SessionPause 会话暂停区间（对应 session_pauses 表，追加写）
// 不变量：同一会话最多一个 resume_time IS NULL 的开放暂停
type SessionPause struct {
	ID         string     `json:"id" db:"id"`
	SessionID  string     `json:"session_id" db:"session_id"`
	PauseTime  time.Time  `json:"pause_time" db:"pause_time"`
	ResumeTime *time.Time `json:"resume_time,omitempty" db:"resume_time"`
	Reason     string     `json:"reason" db:"reason"`
}

// Duration 暂停时长（开放暂停以 now 截断）
func (p *SessionPause) Duration(now time.Time) time.Duration {
	if p.ResumeTime != nil {
		return p.ResumeTime.Sub(p.PauseTime)
	}
	return now.Sub(p.PauseTime)
}

// SessionSummary 会话结束时生成的摘要
type SessionSummary struct {
	SessionID         string   `json:"session_id"`
	StartTime         string   `json:"start_time"`
	EndTime           string   `json:"end_time"`
	TotalDuration     float64  `json:"total_duration"`
	EffectiveDuration float64  `json:"effective_duration"`
	PauseDuration     float64  `json:"pause_duration"`
	TotalBlinks       int      `json:"total_blinks"`
	TotalYawns        int      `json:"total_yawns"`
	TotalAlerts       int      `json:"total_alerts"`
	AvgEAR            *float64 `json:"avg_ear,omitempty"`
	FocusPercent      *float64 `json:"focus_percent,omitempty"`
	AvgBlinkRate      float64  `json:"avg_blink_rate"`
}
