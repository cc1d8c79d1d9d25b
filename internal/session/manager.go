// Package session 管理监测会话生命周期：创建、暂停/恢复、结束与摘要聚合。
// 每个服务实例同一时刻至多一个活动会话，检测引擎与编排器随会话创建、随会话丢弃
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"visionpulse-alert/internal/detector"
	"visionpulse-alert/internal/metrics"
	"visionpulse-alert/internal/models"
	"visionpulse-alert/internal/orchestrator"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrNoActiveSession      = errors.New("no active session")
	ErrSessionAlreadyActive = errors.New("a session is already active")
)

// SessionStore 会话持久化接口（由 repository.SessionsRepository 实现）
type SessionStore interface {
	CreateSession(ctx context.Context, session *models.MonitorSession) error
	UpdateSessionStatus(ctx context.Context, sessionID, status string) error
	EndSession(ctx context.Context, session *models.MonitorSession) error
	InterruptStaleSessions(ctx context.Context, olderThan time.Duration, now time.Time) (int, error)
	CreatePause(ctx context.Context, pause *models.SessionPause) error
	ClosePause(ctx context.Context, sessionID string, resumeTime time.Time) error
}

// RuleSource 用户规则加载接口（由 repository.RulesRepository 实现）
type RuleSource interface {
	GetUserRules(ctx context.Context, userID string) (models.RuleSet, error)
}

// EventStore 编排器所需的事件仓库，外加会话摘要用的计数
type EventStore interface {
	orchestrator.EventStore
	CountSessionEvents(ctx context.Context, sessionID string) (int, error)
}

// aggregates 逐帧累计的会话统计（带离群过滤）
type aggregates struct {
	frameCount  int
	focusFrames int

	earSum   float64
	earCount int

	yawSum    float64
	pitchSum  float64
	poseCount int

	brightSum   float64
	brightCount int

	totalBlinks int
	totalYawns  int
}

// observe 累计一帧快照；无效值（EAR 越界、姿态超 90 度、亮度非正）不参与均值
func (a *aggregates) observe(snap *models.MetricsSnapshot) {
	a.frameCount++
	if snap.Focused {
		a.focusFrames++
	}
	if snap.AvgEAR > 0 && snap.AvgEAR <= 1 {
		a.earSum += snap.AvgEAR
		a.earCount++
	}
	if snap.FaceDetected() && math.Abs(snap.HeadYaw) <= 90 && math.Abs(snap.HeadPitch) <= 90 {
		a.yawSum += snap.HeadYaw
		a.pitchSum += snap.HeadPitch
		a.poseCount++
	}
	if snap.Brightness > 0 {
		a.brightSum += snap.Brightness
		a.brightCount++
	}
	// 帧内计数器为会话累计值，取最大而非求和
	if snap.TotalBlinks > a.totalBlinks {
		a.totalBlinks = snap.TotalBlinks
	}
	if snap.YawnCount > a.totalYawns {
		a.totalYawns = snap.YawnCount
	}
}

// activeSession 活动会话的内存状态
type activeSession struct {
	id        string
	userID    string
	startTime time.Time

	pauseReason models.PauseReason
	pauseStart  *time.Time
	pausedTotal time.Duration

	orch     *orchestrator.Orchestrator
	stats    aggregates
	lastSnap *models.MetricsSnapshot
}

// effectiveDuration 有效时长 = 墙钟时长 - 已结束暂停总和 - 当前开放暂停
func (s *activeSession) effectiveDuration(now time.Time) time.Duration {
	eff := now.Sub(s.startTime) - s.pausedTotal
	if s.pauseStart != nil {
		eff -= now.Sub(*s.pauseStart)
	}
	if eff < 0 {
		eff = 0
	}
	return eff
}

// Manager 会话生命周期管理器
type Manager struct {
	sessions SessionStore
	rules    RuleSource
	events   EventStore
	logger   *zap.Logger

	breakInterval time.Duration
	staleAfter    time.Duration

	mu      sync.Mutex
	current *activeSession
}

// NewManager 创建会话管理器
func NewManager(sessions SessionStore, rules RuleSource, events EventStore, breakInterval, staleAfter time.Duration, logger *zap.Logger) *Manager {
	return &Manager{
		sessions:      sessions,
		rules:         rules,
		events:        events,
		logger:        logger,
		breakInterval: breakInterval,
		staleAfter:    staleAfter,
	}
}

// Start 开始新会话：加载并校验用户规则（失败即拒绝建会话）、
// 中断遗留的过期会话，然后构建全新的检测引擎与编排器
func (m *Manager) Start(ctx context.Context, userID string, now time.Time) (string, error) {
	m.mu.Lock()
	if m.current != nil {
		m.mu.Unlock()
		return "", ErrSessionAlreadyActive
	}
	m.mu.Unlock()

	rules, err := m.rules.GetUserRules(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("load user rules: %w", err)
	}

	if interrupted, err := m.sessions.InterruptStaleSessions(ctx, m.staleAfter, now); err != nil {
		m.logger.Warn("Failed to interrupt stale sessions", zap.Error(err))
	} else if interrupted > 0 {
		m.logger.Info("Interrupted stale sessions", zap.Int("count", interrupted))
	}

	record := &models.MonitorSession{
		ID:        uuid.New().String(),
		UserID:    userID,
		StartTime: now,
		Status:    models.SessionStatusActive,
		CreatedAt: now,
	}
	if err := m.sessions.CreateSession(ctx, record); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}

	engine := detector.NewEngine(rules, now, m.logger)
	orch := orchestrator.New(record.ID, rules, engine, m.events, m.breakInterval, m.logger)

	m.mu.Lock()
	m.current = &activeSession{
		id:        record.ID,
		userID:    userID,
		startTime: now,
		orch:      orch,
	}
	m.mu.Unlock()

	metrics.SessionsStarted.Inc()
	metrics.SessionsActive.Set(1)
	m.logger.Info("Session started",
		zap.String("session_id", record.ID),
		zap.String("user_id", userID))
	return record.ID, nil
}

// Tick 推进活动会话一个编排周期
// 暂停中的会话不做任何评估，计时冻结，只回报暂停状态
func (m *Manager) Tick(ctx context.Context, snap *models.MetricsSnapshot, now time.Time) (*models.TickResult, error) {
	m.mu.Lock()
	s := m.current
	if s == nil {
		m.mu.Unlock()
		return nil, ErrNoActiveSession
	}
	if s.pauseStart != nil {
		reason := s.pauseReason
		m.mu.Unlock()
		return &models.TickResult{
			Session: models.SessionEvent{Paused: true, Reason: reason},
		}, nil
	}
	s.stats.observe(snap)
	s.lastSnap = snap
	effAge := s.effectiveDuration(now)
	orch := s.orch
	m.mu.Unlock()

	result, err := orch.Tick(ctx, snap, effAge, now)
	if err != nil {
		return nil, err
	}

	if result.Session.Paused {
		// 编排器请求的自动暂停：本地簿记先行，持久化失败不回滚状态
		if err := m.applyPause(ctx, s, result.Session.Reason, now); err != nil {
			m.logger.Error("Failed to persist auto-pause", zap.Error(err))
		}
	}
	return result, nil
}

// Pause 手动暂停（幂等：已暂停时直接返回）
func (m *Manager) Pause(ctx context.Context, reason models.PauseReason, now time.Time) error {
	m.mu.Lock()
	s := m.current
	m.mu.Unlock()
	if s == nil {
		return ErrNoActiveSession
	}
	return m.applyPause(ctx, s, reason, now)
}

// applyPause 共享的暂停路径：内存状态先落位，再写暂停区间与会话状态
func (m *Manager) applyPause(ctx context.Context, s *activeSession, reason models.PauseReason, now time.Time) error {
	m.mu.Lock()
	if m.current != s {
		// 会话已在暂停生效前结束，抑制迟到的副作用
		m.mu.Unlock()
		return nil
	}
	if s.pauseStart != nil {
		m.mu.Unlock()
		return nil
	}
	ts := now
	s.pauseStart = &ts
	s.pauseReason = reason
	m.mu.Unlock()

	pause := &models.SessionPause{
		ID:        uuid.New().String(),
		SessionID: s.id,
		PauseTime: now,
		Reason:    string(reason),
	}
	if err := m.sessions.CreatePause(ctx, pause); err != nil {
		return fmt.Errorf("create pause: %w", err)
	}
	if err := m.sessions.UpdateSessionStatus(ctx, s.id, models.SessionStatusPaused); err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	m.logger.Info("Session paused",
		zap.String("session_id", s.id),
		zap.String("reason", string(reason)))
	return nil
}

// Resume 恢复监测：关闭开放暂停、清除自动暂停状态并强制解除离岗/多人报警
func (m *Manager) Resume(ctx context.Context, now time.Time) error {
	m.mu.Lock()
	s := m.current
	if s == nil {
		m.mu.Unlock()
		return ErrNoActiveSession
	}
	if s.pauseStart == nil {
		m.mu.Unlock()
		return nil
	}
	s.pausedTotal += now.Sub(*s.pauseStart)
	s.pauseStart = nil
	s.pauseReason = models.PauseReasonNone
	m.mu.Unlock()

	if err := m.sessions.ClosePause(ctx, s.id, now); err != nil {
		m.logger.Error("Failed to close pause interval", zap.Error(err))
	}
	if err := m.sessions.UpdateSessionStatus(ctx, s.id, models.SessionStatusActive); err != nil {
		m.logger.Error("Failed to mark session active", zap.Error(err))
	}

	s.orch.ClearAbsence(ctx, now)
	m.logger.Info("Session resumed", zap.String("session_id", s.id))
	return nil
}

// End 结束会话：清理未解除事件、汇总统计并落库，之后重置全部内存状态
func (m *Manager) End(ctx context.Context, now time.Time) (*models.SessionSummary, error) {
	m.mu.Lock()
	s := m.current
	if s == nil {
		m.mu.Unlock()
		return nil, ErrNoActiveSession
	}
	m.current = nil
	openPause := s.pauseStart != nil
	if openPause {
		s.pausedTotal += now.Sub(*s.pauseStart)
		s.pauseStart = nil
	}
	m.mu.Unlock()

	if openPause {
		if err := m.sessions.ClosePause(ctx, s.id, now); err != nil {
			m.logger.Error("Failed to close pause at session end", zap.Error(err))
		}
	}

	if _, err := s.orch.Close(ctx, now); err != nil {
		m.logger.Error("Failed to clean up open alerts at session end", zap.Error(err))
	}

	totalAlerts, err := m.events.CountSessionEvents(ctx, s.id)
	if err != nil {
		m.logger.Warn("Failed to count session alerts", zap.Error(err))
	}

	record := m.buildRecord(s, totalAlerts, now)
	if err := m.sessions.EndSession(ctx, record); err != nil {
		metrics.PersistenceErrors.WithLabelValues("end_session").Inc()
		return nil, fmt.Errorf("end session: %w", err)
	}

	metrics.SessionsEnded.WithLabelValues(models.SessionStatusCompleted).Inc()
	metrics.SessionsActive.Set(0)
	m.logger.Info("Session ended",
		zap.String("session_id", s.id),
		zap.Float64("effective_duration", record.EffectiveDuration),
		zap.Int("total_alerts", totalAlerts))

	return buildSummary(record), nil
}

// buildRecord 由内存状态组装会话终态
func (m *Manager) buildRecord(s *activeSession, totalAlerts int, now time.Time) *models.MonitorSession {
	total := now.Sub(s.startTime)
	endTime := now

	record := &models.MonitorSession{
		ID:                s.id,
		UserID:            s.userID,
		StartTime:         s.startTime,
		EndTime:           &endTime,
		Status:            models.SessionStatusCompleted,
		TotalDuration:     total.Seconds(),
		EffectiveDuration: (total - s.pausedTotal).Seconds(),
		PauseDuration:     s.pausedTotal.Seconds(),
		TotalBlinks:       s.stats.totalBlinks,
		TotalYawns:        s.stats.totalYawns,
		TotalAlerts:       totalAlerts,
	}
	if record.EffectiveDuration < 0 {
		record.EffectiveDuration = 0
	}
	if s.stats.earCount > 0 {
		v := s.stats.earSum / float64(s.stats.earCount)
		record.AvgEAR = &v
	}
	if s.stats.frameCount > 0 {
		v := 100 * float64(s.stats.focusFrames) / float64(s.stats.frameCount)
		record.FocusPercent = &v
	}
	if s.stats.poseCount > 0 {
		yaw := s.stats.yawSum / float64(s.stats.poseCount)
		pitch := s.stats.pitchSum / float64(s.stats.poseCount)
		record.AvgHeadYaw = &yaw
		record.AvgHeadPitch = &pitch
	}
	if s.stats.brightCount > 0 {
		v := s.stats.brightSum / float64(s.stats.brightCount)
		record.AvgBrightness = &v
	}
	if s.lastSnap != nil {
		if raw, err := json.Marshal(s.lastSnap); err == nil {
			record.FinalMetrics = raw
		}
	}
	return record
}

func buildSummary(record *models.MonitorSession) *models.SessionSummary {
	summary := &models.SessionSummary{
		SessionID:         record.ID,
		StartTime:         record.StartTime.Format(time.RFC3339),
		TotalDuration:     record.TotalDuration,
		EffectiveDuration: record.EffectiveDuration,
		PauseDuration:     record.PauseDuration,
		TotalBlinks:       record.TotalBlinks,
		TotalYawns:        record.TotalYawns,
		TotalAlerts:       record.TotalAlerts,
		AvgEAR:            record.AvgEAR,
		FocusPercent:      record.FocusPercent,
	}
	if record.EndTime != nil {
		summary.EndTime = record.EndTime.Format(time.RFC3339)
	}
	if record.EffectiveDuration > 0 {
		summary.AvgBlinkRate = float64(record.TotalBlinks) / (record.EffectiveDuration / 60)
	}
	return summary
}

// NotifyDelivered 投递回执透传给活动会话的编排器
func (m *Manager) NotifyDelivered(ctx context.Context, eventID string, now time.Time) error {
	m.mu.Lock()
	s := m.current
	m.mu.Unlock()
	if s == nil {
		return ErrNoActiveSession
	}
	return s.orch.NotifyDelivered(ctx, eventID, now)
}

// Acknowledge 用户确认透传给活动会话的编排器
func (m *Manager) Acknowledge(ctx context.Context, eventID string, exerciseCompleted bool, now time.Time) error {
	m.mu.Lock()
	s := m.current
	m.mu.Unlock()
	if s == nil {
		return ErrNoActiveSession
	}
	return s.orch.Acknowledge(ctx, eventID, exerciseCompleted, now)
}

// ActiveSessionID 当前活动会话ID（无会话时 ok=false）
func (m *Manager) ActiveSessionID() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return "", false
	}
	return m.current.id, true
}

// Paused 活动会话是否处于暂停
func (m *Manager) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil && m.current.pauseStart != nil
}

// EffectiveDuration 活动会话的有效时长
func (m *Manager) EffectiveDuration(now time.Time) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return 0, ErrNoActiveSession
	}
	return m.current.effectiveDuration(now), nil
}
