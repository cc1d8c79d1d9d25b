package orchestrator

import (
	"context"
	"time"

	"visionpulse-alert/internal/metrics"
	"visionpulse-alert/internal/models"

	"go.uber.org/zap"
)

// NotifyDelivered 消费端播报完成回执：更新重复簿记
// 简单提示类（无练习、无迟滞、非自动暂停）报警播报一次即以 shown 解除
func (o *Orchestrator) NotifyDelivered(ctx context.Context, eventID string, now time.Time) error {
	o.mu.Lock()
	var alertType models.AlertType
	found := false
	for t, entry := range o.tracking {
		if entry.eventID == eventID {
			alertType = t
			found = true
			entry.repetitionCount++
			entry.deliveredCount++
			ts := now
			entry.lastDeliveredAt = &ts
			break
		}
	}
	o.mu.Unlock()

	if !found {
		return models.ErrEventNotFound
	}

	if err := o.retryOnce(func() error {
		return o.store.UpdateRepeat(ctx, eventID, now)
	}); err != nil {
		o.logger.Error("Failed to record alert delivery",
			zap.String("event_id", eventID), zap.Error(err))
		metrics.PersistenceErrors.WithLabelValues("repeat").Inc()
		return err
	}

	rule := o.rules[alertType]
	if rule.HasExercise || rule.UsesHysteresis || rule.AutoPause {
		return nil
	}

	// shown 解除
	if err := o.retryOnce(func() error {
		return o.store.ResolveAlertEvent(ctx, eventID, models.ResolutionShown, now)
	}); err != nil {
		o.logger.Error("Failed to resolve shown alert",
			zap.String("event_id", eventID), zap.Error(err))
		metrics.PersistenceErrors.WithLabelValues("resolve").Inc()
		return err
	}
	metrics.AlertsResolved.WithLabelValues(string(alertType), string(models.ResolutionShown)).Inc()

	o.mu.Lock()
	o.engine.Resolve(alertType)
	o.tracking[alertType].reset()
	o.mu.Unlock()
	return nil
}

// Acknowledge 用户确认报警：完成练习时以 exercise 解除，否则 manual
// 同时强制清除检测器的激活状态，避免下周期重建
func (o *Orchestrator) Acknowledge(ctx context.Context, eventID string, exerciseCompleted bool, now time.Time) error {
	o.mu.Lock()
	var alertType models.AlertType
	found := false
	for t, entry := range o.tracking {
		if entry.eventID == eventID {
			alertType = t
			found = true
			break
		}
	}
	o.mu.Unlock()

	if !found {
		return models.ErrEventNotFound
	}

	method := models.ResolutionManual
	if exerciseCompleted {
		method = models.ResolutionExercise
	}

	if err := o.retryOnce(func() error {
		return o.store.ResolveAlertEvent(ctx, eventID, method, now)
	}); err != nil {
		o.logger.Error("Failed to acknowledge alert",
			zap.String("event_id", eventID), zap.Error(err))
		metrics.PersistenceErrors.WithLabelValues("resolve").Inc()
		return err
	}
	metrics.AlertsResolved.WithLabelValues(string(alertType), string(method)).Inc()

	o.mu.Lock()
	o.engine.Resolve(alertType)
	o.tracking[alertType].reset()
	o.mu.Unlock()

	o.logger.Info("Alert acknowledged",
		zap.String("event_id", eventID),
		zap.String("alert_type", string(alertType)),
		zap.String("method", string(method)))
	return nil
}

// ClearAbsence 恢复监测时强制解除离岗/多人状态并清除其自动暂停标记
// 解除后这两类报警如条件仍满足会重新开始计时
func (o *Orchestrator) ClearAbsence(ctx context.Context, now time.Time) {
	var toResolve []plannedResolve

	o.mu.Lock()
	for _, t := range []models.AlertType{models.AlertDriverAbsent, models.AlertMultiplePeople} {
		entry := o.tracking[t]
		if entry.eventID != "" {
			toResolve = append(toResolve, plannedResolve{
				alertType: t,
				eventID:   entry.eventID,
				method:    models.ResolutionAutoPause,
			})
		}
		o.engine.Resolve(t)
		entry.reset()
	}
	o.mu.Unlock()

	for _, res := range toResolve {
		if err := o.retryOnce(func() error {
			return o.store.ResolveAlertEvent(ctx, res.eventID, res.method, now)
		}); err != nil {
			o.logger.Error("Failed to resolve absence alert on resume",
				zap.String("event_id", res.eventID), zap.Error(err))
			metrics.PersistenceErrors.WithLabelValues("resolve").Inc()
			continue
		}
		metrics.AlertsResolved.WithLabelValues(string(res.alertType), string(res.method)).Inc()
	}
}

// Close 会话终结：置终结标记（抑制在途暂停副作用）、清理所有未解除事件并清空跟踪状态
// 返回被清理的事件ID
func (o *Orchestrator) Close(ctx context.Context, now time.Time) ([]string, error) {
	o.mu.Lock()
	if o.ended {
		o.mu.Unlock()
		return nil, nil
	}
	o.ended = true
	for _, entry := range o.tracking {
		entry.reset()
	}
	o.engine.ResetAll()
	o.mu.Unlock()

	var ids []string
	err := o.retryOnce(func() error {
		var resolveErr error
		ids, resolveErr = o.store.ResolveAllOpen(ctx, o.sessionID, models.ResolutionAutoCleanup, now)
		return resolveErr
	})
	if err != nil {
		o.logger.Error("Failed to resolve open alerts at session end", zap.Error(err))
		metrics.PersistenceErrors.WithLabelValues("resolve_all").Inc()
		return nil, err
	}
	metrics.AlertsResolved.WithLabelValues("all", string(models.ResolutionAutoCleanup)).Add(float64(len(ids)))
	return ids, nil
}

// OpenEventID 返回指定类型当前跟踪的未解除事件ID（无则为空串）
func (o *Orchestrator) OpenEventID(t models.AlertType) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.tracking[t].eventID
}
