package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"visionpulse-alert/internal/models"

	"go.uber.org/zap"
)

// RulesRepository 用户报警规则仓库
// alert_rules 表按 (user_id, alert_type) 存放 JSONB 覆盖项，缺省类型回落到默认规则
type RulesRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewRulesRepository 创建规则仓库
func NewRulesRepository(db *sql.DB, logger *zap.Logger) *RulesRepository {
	return &RulesRepository{
		db:     db,
		logger: logger,
	}
}

// GetUserRules 加载用户生效规则：默认规则 + 用户覆盖项合并
// 覆盖 JSON 是部分文档，先反序列化到默认规则副本上，未出现的字段保持默认值
func (r *RulesRepository) GetUserRules(ctx context.Context, userID string) (models.RuleSet, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id is required")
	}

	rules := models.DefaultRules()

	query := `
		SELECT alert_type, config
		FROM alert_rules
		WHERE user_id = $1
	`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query user alert rules: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var alertType models.AlertType
		var config []byte
		if err := rows.Scan(&alertType, &config); err != nil {
			return nil, fmt.Errorf("failed to scan alert rule: %w", err)
		}

		base, ok := rules[alertType]
		if !ok {
			// 未知类型的遗留行：跳过并告警，不拖垮会话创建
			r.logger.Warn("Ignoring alert rule for unknown type",
				zap.String("user_id", userID),
				zap.String("alert_type", string(alertType)))
			continue
		}

		if len(config) > 0 {
			if err := json.Unmarshal(config, &base); err != nil {
				return nil, &models.ConfigurationError{
					Reason: fmt.Sprintf("malformed rule config for %q: %v", alertType, err),
				}
			}
		}
		base.Type = alertType
		rules[alertType] = base
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alert rules: %w", err)
	}

	if err := rules.Validate(); err != nil {
		return nil, &models.ConfigurationError{Reason: err.Error()}
	}
	return rules, nil
}
