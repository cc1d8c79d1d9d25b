package models

import "time"

// 交互层经 Redis 命令队列下发的动作
const (
	CommandStart       = "start"
	CommandPause       = "pause"
	CommandResume      = "resume"
	CommandEnd         = "end"
	CommandDelivered   = "delivered"
	CommandAcknowledge = "acknowledge"
)

// SessionCommand 会话控制命令
type SessionCommand struct {
	Action            string `json:"action"`
	UserID            string `json:"user_id,omitempty"`
	EventID           string `json:"event_id,omitempty"`
	Reason            string `json:"reason,omitempty"`
	ExerciseCompleted bool   `json:"exercise_completed,omitempty"`
}

// SessionState 当前会话状态（发布到固定键，感知管线据此确定快照写入位置）
type SessionState struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id,omitempty"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
