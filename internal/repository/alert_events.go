package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"visionpulse-alert/internal/metrics"
	"visionpulse-alert/internal/models"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// pgUniqueViolation PostgreSQL 唯一约束冲突错误码
const pgUniqueViolation = "23505"

// AlertEventsRepository 报警事件仓库
// alert_events 表带部分唯一索引 UNIQUE (session_id, alert_type) WHERE resolved_at IS NULL，
// 这是"同一会话同一类型最多一条未解除事件"不变量的最终保证
type AlertEventsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAlertEventsRepository 创建报警事件仓库
func NewAlertEventsRepository(db *sql.DB, logger *zap.Logger) *AlertEventsRepository {
	return &AlertEventsRepository{
		db:     db,
		logger: logger,
	}
}

const alertEventColumns = `
	id,
	session_id,
	alert_type,
	level,
	message,
	triggered_at,
	resolved_at,
	resolution_method,
	repeat_count,
	last_repeated_at,
	metadata,
	created_at,
	updated_at
`

func scanAlertEvent(row interface{ Scan(...interface{}) error }) (*models.AlertEvent, error) {
	var event models.AlertEvent
	var resolvedAt, lastRepeatedAt sql.NullTime
	var resolutionMethod sql.NullString
	var metadata []byte

	err := row.Scan(
		&event.ID,
		&event.SessionID,
		&event.AlertType,
		&event.Level,
		&event.Message,
		&event.TriggeredAt,
		&resolvedAt,
		&resolutionMethod,
		&event.RepeatCount,
		&lastRepeatedAt,
		&metadata,
		&event.CreatedAt,
		&event.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	// 处理可空字段
	if resolvedAt.Valid {
		event.ResolvedAt = &resolvedAt.Time
	}
	if resolutionMethod.Valid {
		m := models.ResolutionMethod(resolutionMethod.String)
		event.ResolutionMethod = &m
	}
	if lastRepeatedAt.Valid {
		event.LastRepeatedAt = &lastRepeatedAt.Time
	}

	// 处理 JSONB 字段
	if len(metadata) > 0 {
		event.Metadata = metadata
	} else {
		event.Metadata = json.RawMessage("{}")
	}

	return &event, nil
}

// GetOpenAlertEvent 获取会话内指定类型的未解除事件（不存在返回 nil, nil）
func (r *AlertEventsRepository) GetOpenAlertEvent(ctx context.Context, sessionID string, alertType models.AlertType) (*models.AlertEvent, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session_id is required")
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM alert_events
		WHERE session_id = $1
		  AND alert_type = $2
		  AND resolved_at IS NULL
	`, alertEventColumns)

	event, err := scanAlertEvent(r.db.QueryRowContext(ctx, query, sessionID, alertType))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query open alert event: %w", err)
	}
	return event, nil
}

// CreateAlertEvent 创建报警事件
// 命中部分唯一索引时不报错，而是重新加载现存的未解除行返回给调用方，
// 由调用方转为更新路径（两实例并发评估同一会话时的兜底）
func (r *AlertEventsRepository) CreateAlertEvent(ctx context.Context, event *models.AlertEvent) (*models.AlertEvent, error) {
	if event == nil {
		return nil, fmt.Errorf("event is required")
	}
	if event.SessionID == "" {
		return nil, fmt.Errorf("session_id is required")
	}

	metadata := event.Metadata
	if len(metadata) == 0 {
		metadata = json.RawMessage("{}")
	}

	query := `
		INSERT INTO alert_events (
			id,
			session_id,
			alert_type,
			level,
			message,
			triggered_at,
			repeat_count,
			metadata,
			created_at,
			updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		)
	`

	_, err := r.db.ExecContext(ctx,
		query,
		event.ID,
		event.SessionID,
		event.AlertType,
		event.Level,
		event.Message,
		event.TriggeredAt,
		event.RepeatCount,
		metadata,
		event.CreatedAt,
		event.UpdatedAt,
	)

	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pgUniqueViolation {
			metrics.PersistenceConflicts.Inc()
			r.logger.Warn("Open alert event already exists, reloading",
				zap.String("session_id", event.SessionID),
				zap.String("alert_type", string(event.AlertType)))
			existing, loadErr := r.GetOpenAlertEvent(ctx, event.SessionID, event.AlertType)
			if loadErr != nil {
				return nil, loadErr
			}
			if existing == nil {
				// 冲突行在重载前已被解除，按冲突上报由调用方重试
				return nil, &models.PersistenceConflict{SessionID: event.SessionID, AlertType: event.AlertType}
			}
			return existing, nil
		}
		return nil, fmt.Errorf("failed to create alert event: %w", err)
	}

	return event, nil
}

// UpdateRepeat 报警重复发生：递增 repeat_count 并刷新 last_repeated_at
func (r *AlertEventsRepository) UpdateRepeat(ctx context.Context, eventID string, repeatedAt time.Time) error {
	if eventID == "" {
		return fmt.Errorf("event_id is required")
	}

	query := `
		UPDATE alert_events
		SET repeat_count = repeat_count + 1,
		    last_repeated_at = $1,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = $2
		  AND resolved_at IS NULL
	`

	result, err := r.db.ExecContext(ctx, query, repeatedAt, eventID)
	if err != nil {
		return fmt.Errorf("failed to update alert event repeat: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return models.ErrEventNotFound
	}
	return nil
}

// ResolveAlertEvent 解除报警事件（幂等：已解除的行不再改写）
func (r *AlertEventsRepository) ResolveAlertEvent(ctx context.Context, eventID string, method models.ResolutionMethod, resolvedAt time.Time) error {
	if eventID == "" {
		return fmt.Errorf("event_id is required")
	}

	query := `
		UPDATE alert_events
		SET resolved_at = $1,
		    resolution_method = $2,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = $3
		  AND resolved_at IS NULL
	`

	result, err := r.db.ExecContext(ctx, query, resolvedAt, method, eventID)
	if err != nil {
		return fmt.Errorf("failed to resolve alert event: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return models.ErrEventNotFound
	}
	return nil
}

// ResolveAllOpen 解除会话内全部未解除事件（会话结束时的清理），返回解除的事件ID
func (r *AlertEventsRepository) ResolveAllOpen(ctx context.Context, sessionID string, method models.ResolutionMethod, resolvedAt time.Time) ([]string, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session_id is required")
	}

	query := `
		UPDATE alert_events
		SET resolved_at = $1,
		    resolution_method = $2,
		    updated_at = CURRENT_TIMESTAMP
		WHERE session_id = $3
		  AND resolved_at IS NULL
		RETURNING id
	`

	rows, err := r.db.QueryContext(ctx, query, resolvedAt, method, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve open alert events: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan resolved event id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate resolved event ids: %w", err)
	}
	return ids, nil
}

// CountCreatedInLastHour 统计会话内指定类型最近一小时创建的事件数（每小时上限用）
// 计数按行创建时刻，不按重复播报次数
func (r *AlertEventsRepository) CountCreatedInLastHour(ctx context.Context, sessionID string, alertType models.AlertType, now time.Time) (int, error) {
	if sessionID == "" {
		return 0, fmt.Errorf("session_id is required")
	}

	query := `
		SELECT COUNT(*)
		FROM alert_events
		WHERE session_id = $1
		  AND alert_type = $2
		  AND created_at > $3
	`

	var count int
	err := r.db.QueryRowContext(ctx, query, sessionID, alertType, now.Add(-time.Hour)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count alert events: %w", err)
	}
	return count, nil
}

// ListSessionEvents 查询会话全部报警事件（按触发时间倒序）
func (r *AlertEventsRepository) ListSessionEvents(ctx context.Context, sessionID string) ([]*models.AlertEvent, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session_id is required")
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM alert_events
		WHERE session_id = $1
		ORDER BY triggered_at DESC
	`, alertEventColumns)

	rows, err := r.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query session alert events: %w", err)
	}
	defer rows.Close()

	events := []*models.AlertEvent{}
	for rows.Next() {
		event, err := scanAlertEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alert events: %w", err)
	}
	return events, nil
}

// CountSessionEvents 统计会话报警总数（会话摘要用）
func (r *AlertEventsRepository) CountSessionEvents(ctx context.Context, sessionID string) (int, error) {
	if sessionID == "" {
		return 0, fmt.Errorf("session_id is required")
	}

	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM alert_events WHERE session_id = $1`,
		sessionID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count session alert events: %w", err)
	}
	return count, nil
}
