package models

import (
	"errors"
	"fmt"
)

// ErrSessionNotFound 会话不存在或已结束
var ErrSessionNotFound = errors.New("session not found")

// ErrEventNotFound 报警事件不存在
var ErrEventNotFound = errors.New("alert event not found")

// ConfigurationError 规则配置非法：会话开始前校验失败，阻止建会话
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid alert configuration: %s", e.Reason)
}

// PersistenceConflict 唯一约束冲突：同一 (session, alert_type) 已存在未解除事件，
// 调用方应重新加载现存行并转为更新路径
type PersistenceConflict struct {
	SessionID string
	AlertType AlertType
}

func (e *PersistenceConflict) Error() string {
	return fmt.Sprintf("open alert event already exists: session=%s type=%s", e.SessionID, e.AlertType)
}

// StateCorruption 内存跟踪状态与数据库不一致：编排器丢弃跟踪条目并从数据库重建
type StateCorruption struct {
	SessionID string
	AlertType AlertType
	Detail    string
}

func (e *StateCorruption) Error() string {
	return fmt.Sprintf("tracking state corrupt: session=%s type=%s: %s", e.SessionID, e.AlertType, e.Detail)
}
