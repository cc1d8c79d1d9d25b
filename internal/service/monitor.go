// Package service 组装监测服务：数据库/Redis 连接、仓库层、会话管理器与评估主循环
package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"visionpulse-alert/internal/config"
	"visionpulse-alert/internal/consumer"
	"visionpulse-alert/internal/metrics"
	"visionpulse-alert/internal/models"
	"visionpulse-alert/internal/repository"
	"visionpulse-alert/internal/session"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// 每个评估周期最多消化的控制命令数，防止命令风暴饿死评估
const maxCommandsPerTick = 16

// MonitorService 监测报警服务（整合各层）
type MonitorService struct {
	config      *config.Config
	db          *sql.DB
	redisClient *redis.Client
	logger      *zap.Logger

	cacheManager  *consumer.CacheManager
	sessionsRepo  *repository.SessionsRepository
	eventsRepo    *repository.AlertEventsRepository
	rulesRepo     *repository.RulesRepository
	manager       *session.Manager
	metricsServer *metrics.Server
}

// NewMonitorService 创建监测服务
func NewMonitorService(cfg *config.Config, logger *zap.Logger) (*MonitorService, error) {
	// 1. 连接数据库
	db, err := sql.Open("postgres", cfg.Database.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdle)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// 2. 连接 Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	// 3. Repository 层
	sessionsRepo := repository.NewSessionsRepository(db, logger)
	eventsRepo := repository.NewAlertEventsRepository(db, logger)
	rulesRepo := repository.NewRulesRepository(db, logger)

	// 4. 缓存与会话管理
	cacheManager := consumer.NewCacheManager(cfg, redisClient, logger)
	manager := session.NewManager(
		sessionsRepo,
		rulesRepo,
		eventsRepo,
		time.Duration(cfg.Alert.BreakIntervalSec)*time.Second,
		time.Duration(cfg.Alert.StaleSessionHours)*time.Hour,
		logger,
	)

	return &MonitorService{
		config:        cfg,
		db:            db,
		redisClient:   redisClient,
		logger:        logger,
		cacheManager:  cacheManager,
		sessionsRepo:  sessionsRepo,
		eventsRepo:    eventsRepo,
		rulesRepo:     rulesRepo,
		manager:       manager,
		metricsServer: metrics.NewServer(cfg.Metrics.Addr, logger),
	}, nil
}

// Start 启动服务主循环（阻塞直到 ctx 取消）
func (s *MonitorService) Start(ctx context.Context) error {
	s.logger.Info("Starting monitor service",
		zap.Int("poll_interval_ms", s.config.Alert.PollIntervalMs),
	)

	s.metricsServer.Start()
	s.sweepOrphanedCaches(ctx)

	ticker := time.NewTicker(time.Duration(s.config.Alert.PollIntervalMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Monitor service loop stopped")
			return nil
		case <-ticker.C:
			s.runTick(ctx, time.Now().UTC())
		}
	}
}

// sweepOrphanedCaches 启动时清理上次运行遗留的会话缓存键
// 启动时刻没有活动会话，任何残留的快照/报警键都属于已中断的会话
func (s *MonitorService) sweepOrphanedCaches(ctx context.Context) {
	ids, err := s.cacheManager.GetActiveSessionIDs(ctx)
	if err != nil {
		s.logger.Warn("Failed to scan for orphaned session caches", zap.Error(err))
		return
	}
	for _, id := range ids {
		if err := s.cacheManager.ClearSession(ctx, id); err != nil {
			s.logger.Warn("Failed to clear orphaned session cache",
				zap.String("session_id", id), zap.Error(err))
		}
	}
	if len(ids) > 0 {
		s.logger.Info("Cleared orphaned session caches", zap.Int("count", len(ids)))
	}
}

// runTick 一个服务周期：先消化控制命令，再评估活动会话
func (s *MonitorService) runTick(ctx context.Context, now time.Time) {
	s.drainCommands(ctx, now)

	sessionID, ok := s.manager.ActiveSessionID()
	if !ok {
		return
	}

	if s.manager.Paused() {
		// 暂停中不读快照不评估，只回报冻结状态
		result, err := s.manager.Tick(ctx, &models.MetricsSnapshot{}, now)
		if err != nil {
			return
		}
		s.publish(ctx, sessionID, result)
		return
	}

	snap, err := s.cacheManager.GetMetricsSnapshot(ctx, sessionID)
	if err != nil {
		s.logger.Error("Failed to read metrics snapshot",
			zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	if snap == nil {
		return
	}
	if now.Unix()-snap.Timestamp > int64(s.config.Alert.SnapshotMaxAgeSec) {
		metrics.SnapshotsStale.Inc()
		return
	}

	started := time.Now()
	result, err := s.manager.Tick(ctx, snap, now)
	metrics.TickDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		if !errors.Is(err, session.ErrNoActiveSession) {
			s.logger.Error("Tick failed",
				zap.String("session_id", sessionID), zap.Error(err))
		}
		return
	}

	if result.Session.Paused && result.Session.Reason != models.PauseReasonNone {
		s.publishState(ctx, &models.SessionState{
			SessionID: sessionID,
			Status:    models.SessionStatusPaused,
			Reason:    string(result.Session.Reason),
			UpdatedAt: now,
		})
	}

	s.publish(ctx, sessionID, result)
}

// drainCommands 消化交互层下发的控制命令
func (s *MonitorService) drainCommands(ctx context.Context, now time.Time) {
	for i := 0; i < maxCommandsPerTick; i++ {
		cmd, err := s.cacheManager.PopCommand(ctx)
		if err != nil {
			s.logger.Error("Failed to pop session command", zap.Error(err))
			return
		}
		if cmd == nil {
			return
		}
		if err := s.handleCommand(ctx, cmd, now); err != nil {
			s.logger.Error("Failed to handle session command",
				zap.String("action", cmd.Action), zap.Error(err))
		}
	}
}

func (s *MonitorService) handleCommand(ctx context.Context, cmd *models.SessionCommand, now time.Time) error {
	switch cmd.Action {
	case models.CommandStart:
		sessionID, err := s.manager.Start(ctx, cmd.UserID, now)
		if err != nil {
			return err
		}
		s.publishState(ctx, &models.SessionState{
			SessionID: sessionID,
			UserID:    cmd.UserID,
			Status:    models.SessionStatusActive,
			UpdatedAt: now,
		})
		return nil

	case models.CommandPause:
		reason := models.PauseReason(cmd.Reason)
		if reason == "" {
			reason = models.PauseReasonManual
		}
		if err := s.manager.Pause(ctx, reason, now); err != nil {
			return err
		}
		if sessionID, ok := s.manager.ActiveSessionID(); ok {
			s.publishState(ctx, &models.SessionState{
				SessionID: sessionID,
				Status:    models.SessionStatusPaused,
				Reason:    string(reason),
				UpdatedAt: now,
			})
		}
		return nil

	case models.CommandResume:
		if err := s.manager.Resume(ctx, now); err != nil {
			return err
		}
		if sessionID, ok := s.manager.ActiveSessionID(); ok {
			s.publishState(ctx, &models.SessionState{
				SessionID: sessionID,
				Status:    models.SessionStatusActive,
				UpdatedAt: now,
			})
		}
		return nil

	case models.CommandEnd:
		sessionID, _ := s.manager.ActiveSessionID()
		summary, err := s.manager.End(ctx, now)
		if err != nil {
			return err
		}
		if err := s.cacheManager.ClearSession(ctx, sessionID); err != nil {
			s.logger.Warn("Failed to clear session cache",
				zap.String("session_id", sessionID), zap.Error(err))
		}
		s.publishState(ctx, &models.SessionState{
			SessionID: sessionID,
			Status:    models.SessionStatusCompleted,
			UpdatedAt: now,
		})
		s.logger.Info("Session summary",
			zap.String("session_id", summary.SessionID),
			zap.Float64("effective_duration", summary.EffectiveDuration),
			zap.Int("total_alerts", summary.TotalAlerts))
		return nil

	case models.CommandDelivered:
		return s.manager.NotifyDelivered(ctx, cmd.EventID, now)

	case models.CommandAcknowledge:
		return s.manager.Acknowledge(ctx, cmd.EventID, cmd.ExerciseCompleted, now)
	}

	return fmt.Errorf("unknown session command %q", cmd.Action)
}

func (s *MonitorService) publish(ctx context.Context, sessionID string, result *models.TickResult) {
	if err := s.cacheManager.PublishTickResult(ctx, sessionID, result); err != nil {
		s.logger.Error("Failed to publish tick result",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (s *MonitorService) publishState(ctx context.Context, state *models.SessionState) {
	if err := s.cacheManager.PublishSessionState(ctx, state); err != nil {
		s.logger.Error("Failed to publish session state",
			zap.String("session_id", state.SessionID), zap.Error(err))
	}
}

// Stop 停止服务并释放资源
func (s *MonitorService) Stop() error {
	s.logger.Info("Stopping monitor service")

	if err := s.metricsServer.Stop(); err != nil {
		s.logger.Error("Failed to stop metrics server", zap.Error(err))
	}

	if err := s.db.Close(); err != nil {
		s.logger.Error("Failed to close database", zap.Error(err))
	}
	if err := s.redisClient.Close(); err != nil {
		s.logger.Error("Failed to close redis", zap.Error(err))
	}
	return nil
}
