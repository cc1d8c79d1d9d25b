package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"visionpulse-alert/internal/config"
	"visionpulse-alert/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// CacheManager Redis 缓存管理器
// 感知管线按会话写入指标快照，报警服务读取快照并回写待播报报警
type CacheManager struct {
	config      *config.Config
	redisClient *redis.Client
	logger      *zap.Logger
}

// NewCacheManager 创建缓存管理器
func NewCacheManager(
	cfg *config.Config,
	redisClient *redis.Client,
	logger *zap.Logger,
) *CacheManager {
	return &CacheManager{
		config:      cfg,
		redisClient: redisClient,
		logger:      logger,
	}
}

// GetMetricsSnapshot 读取会话的实时指标快照（键不存在返回 nil, nil）
func (c *CacheManager) GetMetricsSnapshot(ctx context.Context, sessionID string) (*models.MetricsSnapshot, error) {
	key := fmt.Sprintf("%s%s%s",
		c.config.Alert.Cache.MetricsKeyPrefix,
		sessionID,
		c.config.Alert.Cache.MetricsSuffix,
	)

	val, err := c.redisClient.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get metrics snapshot: %w", err)
	}

	var snap models.MetricsSnapshot
	if err := json.Unmarshal([]byte(val), &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metrics snapshot: %w", err)
	}

	return &snap, nil
}

// PublishTickResult 回写一次评估周期的输出（有 TTL，消费端自取自清）
func (c *CacheManager) PublishTickResult(ctx context.Context, sessionID string, result *models.TickResult) error {
	key := fmt.Sprintf("%s%s%s",
		c.config.Alert.Cache.AlertKeyPrefix,
		sessionID,
		c.config.Alert.Cache.AlertSuffix,
	)

	jsonData, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal tick result: %w", err)
	}

	err = c.redisClient.Set(
		ctx,
		key,
		jsonData,
		time.Duration(c.config.Alert.Cache.AlertTTL)*time.Second,
	).Err()
	if err != nil {
		return fmt.Errorf("failed to set alert cache: %w", err)
	}

	c.logger.Debug("Published tick result",
		zap.String("session_id", sessionID),
		zap.String("key", key),
		zap.Bool("has_selected", result.Selected != nil),
	)

	return nil
}

// ClearSession 会话结束时清理该会话的缓存键
func (c *CacheManager) ClearSession(ctx context.Context, sessionID string) error {
	metricsKey := fmt.Sprintf("%s%s%s",
		c.config.Alert.Cache.MetricsKeyPrefix, sessionID, c.config.Alert.Cache.MetricsSuffix)
	alertKey := fmt.Sprintf("%s%s%s",
		c.config.Alert.Cache.AlertKeyPrefix, sessionID, c.config.Alert.Cache.AlertSuffix)

	if err := c.redisClient.Del(ctx, metricsKey, alertKey).Err(); err != nil {
		return fmt.Errorf("failed to clear session cache: %w", err)
	}
	return nil
}

// PopCommand 取出一条会话控制命令（队列为空返回 nil, nil）
// 交互层 LPUSH、本服务 RPOP，先进先出
func (c *CacheManager) PopCommand(ctx context.Context) (*models.SessionCommand, error) {
	val, err := c.redisClient.RPop(ctx, c.config.Alert.Cache.CommandsKey).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to pop session command: %w", err)
	}

	var cmd models.SessionCommand
	if err := json.Unmarshal([]byte(val), &cmd); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session command: %w", err)
	}
	return &cmd, nil
}

// PublishSessionState 发布当前会话状态（无 TTL，感知管线轮询读取）
func (c *CacheManager) PublishSessionState(ctx context.Context, state *models.SessionState) error {
	jsonData, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal session state: %w", err)
	}
	if err := c.redisClient.Set(ctx, c.config.Alert.Cache.CurrentSessionKey, jsonData, 0).Err(); err != nil {
		return fmt.Errorf("failed to set session state: %w", err)
	}
	return nil
}

// GetActiveSessionIDs 扫描 Redis 中存在指标快照的会话ID
func (c *CacheManager) GetActiveSessionIDs(ctx context.Context) ([]string, error) {
	pattern := fmt.Sprintf("%s*%s",
		c.config.Alert.Cache.MetricsKeyPrefix,
		c.config.Alert.Cache.MetricsSuffix,
	)

	var sessionIDs []string
	iter := c.redisClient.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		// 去掉前缀和后缀得到 session_id
		sessionID := key[len(c.config.Alert.Cache.MetricsKeyPrefix):]
		sessionID = sessionID[:len(sessionID)-len(c.config.Alert.Cache.MetricsSuffix)]
		sessionIDs = append(sessionIDs, sessionID)
	}

	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan keys: %w", err)
	}

	return sessionIDs, nil
}
