package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"visionpulse-alert/internal/models"

	"go.uber.org/zap"
)

// SessionsRepository 监测会话仓库
type SessionsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSessionsRepository 创建会话仓库
func NewSessionsRepository(db *sql.DB, logger *zap.Logger) *SessionsRepository {
	return &SessionsRepository{
		db:     db,
		logger: logger,
	}
}

// CreateSession 创建会话记录
func (r *SessionsRepository) CreateSession(ctx context.Context, session *models.MonitorSession) error {
	if session == nil {
		return fmt.Errorf("session is required")
	}
	if session.UserID == "" {
		return fmt.Errorf("user_id is required")
	}

	query := `
		INSERT INTO monitor_sessions (
			id,
			user_id,
			start_time,
			status,
			created_at
		) VALUES (
			$1, $2, $3, $4, $5
		)
	`

	_, err := r.db.ExecContext(ctx,
		query,
		session.ID,
		session.UserID,
		session.StartTime,
		session.Status,
		session.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetSession 根据ID获取会话
func (r *SessionsRepository) GetSession(ctx context.Context, sessionID string) (*models.MonitorSession, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session_id is required")
	}

	query := `
		SELECT
			id,
			user_id,
			start_time,
			end_time,
			status,
			total_duration,
			effective_duration,
			pause_duration,
			total_blinks,
			total_yawns,
			total_alerts,
			avg_ear,
			focus_percent,
			final_metrics,
			created_at
		FROM monitor_sessions
		WHERE id = $1
	`

	var session models.MonitorSession
	var endTime sql.NullTime
	var avgEAR, focusPercent sql.NullFloat64
	var finalMetrics []byte

	err := r.db.QueryRowContext(ctx, query, sessionID).Scan(
		&session.ID,
		&session.UserID,
		&session.StartTime,
		&endTime,
		&session.Status,
		&session.TotalDuration,
		&session.EffectiveDuration,
		&session.PauseDuration,
		&session.TotalBlinks,
		&session.TotalYawns,
		&session.TotalAlerts,
		&avgEAR,
		&focusPercent,
		&finalMetrics,
		&session.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	// 处理可空字段
	if endTime.Valid {
		session.EndTime = &endTime.Time
	}
	if avgEAR.Valid {
		session.AvgEAR = &avgEAR.Float64
	}
	if focusPercent.Valid {
		session.FocusPercent = &focusPercent.Float64
	}
	if len(finalMetrics) > 0 {
		session.FinalMetrics = finalMetrics
	} else {
		session.FinalMetrics = json.RawMessage("{}")
	}

	return &session, nil
}

// UpdateSessionStatus 更新会话状态（active / paused）
func (r *SessionsRepository) UpdateSessionStatus(ctx context.Context, sessionID, status string) error {
	if sessionID == "" {
		return fmt.Errorf("session_id is required")
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE monitor_sessions SET status = $1 WHERE id = $2 AND end_time IS NULL`,
		status, sessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return models.ErrSessionNotFound
	}
	return nil
}

// EndSession 结束会话：写入结束时刻、状态与全部聚合指标
func (r *SessionsRepository) EndSession(ctx context.Context, session *models.MonitorSession) error {
	if session == nil {
		return fmt.Errorf("session is required")
	}
	if session.EndTime == nil {
		return fmt.Errorf("end_time is required")
	}

	finalMetrics := session.FinalMetrics
	if len(finalMetrics) == 0 {
		finalMetrics = json.RawMessage("{}")
	}

	query := `
		UPDATE monitor_sessions
		SET end_time = $1,
		    status = $2,
		    total_duration = $3,
		    effective_duration = $4,
		    pause_duration = $5,
		    total_blinks = $6,
		    total_yawns = $7,
		    total_alerts = $8,
		    avg_ear = $9,
		    focus_percent = $10,
		    final_metrics = $11
		WHERE id = $12
		  AND end_time IS NULL
	`

	result, err := r.db.ExecContext(ctx,
		query,
		session.EndTime,
		session.Status,
		session.TotalDuration,
		session.EffectiveDuration,
		session.PauseDuration,
		session.TotalBlinks,
		session.TotalYawns,
		session.TotalAlerts,
		session.AvgEAR,
		session.FocusPercent,
		finalMetrics,
		session.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return models.ErrSessionNotFound
	}
	return nil
}

// InterruptStaleSessions 清理超时未结束的遗留会话（服务启动时调用），返回清理数量
func (r *SessionsRepository) InterruptStaleSessions(ctx context.Context, olderThan time.Duration, now time.Time) (int, error) {
	query := `
		UPDATE monitor_sessions
		SET end_time = $1,
		    status = $2
		WHERE end_time IS NULL
		  AND start_time < $3
	`

	result, err := r.db.ExecContext(ctx, query, now, models.SessionStatusInterrupted, now.Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to interrupt stale sessions: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected > 0 {
		r.logger.Warn("Interrupted stale sessions", zap.Int64("count", rowsAffected))
	}
	return int(rowsAffected), nil
}

// CreatePause 记录暂停区间开始
func (r *SessionsRepository) CreatePause(ctx context.Context, pause *models.SessionPause) error {
	if pause == nil {
		return fmt.Errorf("pause is required")
	}
	if pause.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}

	query := `
		INSERT INTO session_pauses (
			id,
			session_id,
			pause_time,
			reason
		) VALUES (
			$1, $2, $3, $4
		)
	`

	_, err := r.db.ExecContext(ctx, query, pause.ID, pause.SessionID, pause.PauseTime, pause.Reason)
	if err != nil {
		return fmt.Errorf("failed to create session pause: %w", err)
	}
	return nil
}

// ClosePause 关闭会话的开放暂停区间（不存在开放暂停时为空操作）
func (r *SessionsRepository) ClosePause(ctx context.Context, sessionID string, resumeTime time.Time) error {
	if sessionID == "" {
		return fmt.Errorf("session_id is required")
	}

	query := `
		UPDATE session_pauses
		SET resume_time = $1
		WHERE session_id = $2
		  AND resume_time IS NULL
	`

	_, err := r.db.ExecContext(ctx, query, resumeTime, sessionID)
	if err != nil {
		return fmt.Errorf("failed to close session pause: %w", err)
	}
	return nil
}

// ListPauses 查询会话全部暂停区间（按开始时间升序）
func (r *SessionsRepository) ListPauses(ctx context.Context, sessionID string) ([]*models.SessionPause, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session_id is required")
	}

	query := `
		SELECT id, session_id, pause_time, resume_time, reason
		FROM session_pauses
		WHERE session_id = $1
		ORDER BY pause_time ASC
	`

	rows, err := r.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query session pauses: %w", err)
	}
	defer rows.Close()

	pauses := []*models.SessionPause{}
	for rows.Next() {
		var pause models.SessionPause
		var resumeTime sql.NullTime
		if err := rows.Scan(&pause.ID, &pause.SessionID, &pause.PauseTime, &resumeTime, &pause.Reason); err != nil {
			return nil, fmt.Errorf("failed to scan session pause: %w", err)
		}
		if resumeTime.Valid {
			pause.ResumeTime = &resumeTime.Time
		}
		pauses = append(pauses, &pause)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate session pauses: %w", err)
	}
	return pauses, nil
}
