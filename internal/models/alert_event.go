package models

import (
	"encoding/json"
	"time"
)

// AlertEvent 报警事件（对应 alert_events 表，一行对应一次逻辑发生）
// 不变量：同一 (session_id, alert_type) 最多只有一行 resolved_at IS NULL 的记录；
// 同类型报警在未解除期间再次发生时更新原行，绝不新建
type AlertEvent struct {
	ID               string            `json:"id" db:"id"`
	SessionID        string            `json:"session_id" db:"session_id"`
	AlertType        AlertType         `json:"alert_type" db:"alert_type"`
	Level            AlertLevel        `json:"level" db:"level"`
	Message          string            `json:"message" db:"message"`
	TriggeredAt      time.Time         `json:"triggered_at" db:"triggered_at"`
	ResolvedAt       *time.Time        `json:"resolved_at,omitempty" db:"resolved_at"`
	ResolutionMethod *ResolutionMethod `json:"resolution_method,omitempty" db:"resolution_method"`
	RepeatCount      int               `json:"repeat_count" db:"repeat_count"`
	LastRepeatedAt   *time.Time        `json:"last_repeated_at,omitempty" db:"last_repeated_at"`
	Metadata         json.RawMessage   `json:"metadata" db:"metadata"` // JSONB
	CreatedAt        time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at" db:"updated_at"`
}

// Resolved 是否已解除
func (e *AlertEvent) Resolved() bool {
	return e.ResolvedAt != nil
}

// SelectedAlert 单个采样周期对外输出的报警描述（交给上层投递，传输方式不属于核心）
type SelectedAlert struct {
	ID               string                 `json:"id"`
	Type             AlertType              `json:"type"`
	Level            AlertLevel             `json:"level"`
	Message          string                 `json:"message"`
	Priority         int                    `json:"priority"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
	RepeatCount      int                    `json:"repeat_count"`
	PlayAudio        bool                   `json:"play_audio"`
	NextDueInSeconds float64                `json:"next_due_in_seconds"`
	TriggeredAt      time.Time              `json:"triggered_at"`
}

// SessionEvent 会话状态变更输出
type SessionEvent struct {
	Paused bool        `json:"paused"`
	Reason PauseReason `json:"reason"`
}

// TickResult 一次编排周期的全部对外输出
type TickResult struct {
	Selected         *SelectedAlert `json:"selected,omitempty"`
	BreakReminder    *SelectedAlert `json:"break_reminder,omitempty"`
	ResolvedAlertIDs []string       `json:"resolved_alert_ids,omitempty"`
	Session          SessionEvent   `json:"session"`
}
