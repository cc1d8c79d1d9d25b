package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"visionpulse-alert/internal/detector"
	"visionpulse-alert/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testStart = time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)

// fakeStore 内存事件仓库，记录创建次数供断言
type fakeStore struct {
	mu      sync.Mutex
	events  map[string]*models.AlertEvent
	order   []string
	creates map[models.AlertType]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		events:  make(map[string]*models.AlertEvent),
		creates: make(map[models.AlertType]int),
	}
}

func (s *fakeStore) GetOpenAlertEvent(_ context.Context, sessionID string, alertType models.AlertType) (*models.AlertEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.order) - 1; i >= 0; i-- {
		ev := s.events[s.order[i]]
		if ev.SessionID == sessionID && ev.AlertType == alertType && ev.ResolvedAt == nil {
			copied := *ev
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) CreateAlertEvent(_ context.Context, event *models.AlertEvent) (*models.AlertEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *event
	s.events[event.ID] = &copied
	s.order = append(s.order, event.ID)
	s.creates[event.AlertType]++
	out := copied
	return &out, nil
}

func (s *fakeStore) UpdateRepeat(_ context.Context, eventID string, repeatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[eventID]
	if !ok || ev.ResolvedAt != nil {
		return models.ErrEventNotFound
	}
	ev.RepeatCount++
	ts := repeatedAt
	ev.LastRepeatedAt = &ts
	return nil
}

func (s *fakeStore) ResolveAlertEvent(_ context.Context, eventID string, method models.ResolutionMethod, resolvedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[eventID]
	if !ok {
		return models.ErrEventNotFound
	}
	if ev.ResolvedAt != nil {
		return nil
	}
	ts := resolvedAt
	ev.ResolvedAt = &ts
	ev.ResolutionMethod = &method
	return nil
}

func (s *fakeStore) ResolveAllOpen(_ context.Context, sessionID string, method models.ResolutionMethod, resolvedAt time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, id := range s.order {
		ev := s.events[id]
		if ev.SessionID == sessionID && ev.ResolvedAt == nil {
			ts := resolvedAt
			m := method
			ev.ResolvedAt = &ts
			ev.ResolutionMethod = &m
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *fakeStore) CountCreatedInLastHour(_ context.Context, sessionID string, alertType models.AlertType, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, ev := range s.events {
		if ev.SessionID == sessionID && ev.AlertType == alertType && ev.CreatedAt.After(now.Add(-time.Hour)) {
			count++
		}
	}
	return count, nil
}

func (s *fakeStore) createCount(t models.AlertType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creates[t]
}

func (s *fakeStore) eventByType(t models.AlertType) *models.AlertEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.order) - 1; i >= 0; i-- {
		if ev := s.events[s.order[i]]; ev.AlertType == t {
			copied := *ev
			return &copied
		}
	}
	return nil
}

func newTestOrchestrator(t *testing.T, store EventStore, breakInterval time.Duration) *Orchestrator {
	t.Helper()
	rules := models.DefaultRules()
	require.NoError(t, rules.Validate())
	logger := zap.NewNop()
	engine := detector.NewEngine(rules, testStart, logger)
	return New("sess-1", rules, engine, store, breakInterval, logger)
}

// tickAt 在会话开始后 sec 秒处执行一次周期（无暂停，有效时长=墙钟时长）
func tickAt(t *testing.T, o *Orchestrator, snap *models.MetricsSnapshot, sec float64) *models.TickResult {
	t.Helper()
	elapsed := time.Duration(sec * float64(time.Second))
	now := testStart.Add(elapsed)
	snap.Timestamp = now.Unix()
	res, err := o.Tick(context.Background(), snap, elapsed, now)
	require.NoError(t, err)
	return res
}

func normalSnap() *models.MetricsSnapshot {
	return &models.MetricsSnapshot{
		FacesCount:   1,
		EyesDetected: true,
		AvgEAR:       0.30,
		Brightness:   150,
	}
}

func closedEyesSnap() *models.MetricsSnapshot {
	s := normalSnap()
	s.EyesClosed = true
	return s
}

func darkSnap() *models.MetricsSnapshot {
	s := normalSnap()
	s.Brightness = 50
	return s
}

func absentSnap() *models.MetricsSnapshot {
	return &models.MetricsSnapshot{Brightness: 150}
}

func occludedSnap() *models.MetricsSnapshot {
	return &models.MetricsSnapshot{
		FacesCount: 1,
		Brightness: 150,
	}
}

func TestPriorityArbitrationPrefersLowerTier(t *testing.T) {
	store := newFakeStore()
	o := newTestOrchestrator(t, store, 0)

	// 闭眼且光线不足：microsleep（一级）与 low_light（四级）同时在 5 秒处触发
	snap := closedEyesSnap()
	snap.Brightness = 50

	var firstSelected *models.SelectedAlert
	for sec := 0.0; sec <= 6.0; sec += 0.5 {
		res := tickAt(t, o, snap, sec)
		if res.Selected != nil && firstSelected == nil {
			firstSelected = res.Selected
		}
	}

	require.NotNil(t, firstSelected)
	assert.Equal(t, models.AlertMicrosleep, firstSelected.Type)
	assert.Equal(t, models.LevelCritical, firstSelected.Level)
	assert.True(t, firstSelected.PlayAudio)

	// 落选类型不得持久化
	assert.Equal(t, 1, store.createCount(models.AlertMicrosleep))
	assert.Equal(t, 0, store.createCount(models.AlertLowLight))
}

func TestBreakReminderRidesAlongWithSelectedAlert(t *testing.T) {
	store := newFakeStore()
	o := newTestOrchestrator(t, store, 5*time.Second)

	snap := closedEyesSnap()
	var combined *models.TickResult
	for sec := 0.0; sec <= 5.0; sec += 0.5 {
		res := tickAt(t, o, snap, sec)
		if res.Selected != nil && res.BreakReminder != nil {
			combined = res
		}
	}

	require.NotNil(t, combined, "expected a tick with both a selected alert and a break reminder")
	assert.Equal(t, models.AlertMicrosleep, combined.Selected.Type)
	assert.Equal(t, models.AlertBreakReminder, combined.BreakReminder.Type)
	assert.Equal(t, models.LevelInfo, combined.BreakReminder.Level)
}

func TestAutoPauseExactness(t *testing.T) {
	store := newFakeStore()
	o := newTestOrchestrator(t, store, 0)

	pauseTicks := 0
	var pauseReason models.PauseReason
	for sec := 0.0; sec <= 40.0; sec += 0.5 {
		res := tickAt(t, o, absentSnap(), sec)
		if res.Session.Paused {
			pauseTicks++
			pauseReason = res.Session.Reason
		}
	}

	// 恰好一次暂停请求、恰好一条事件、重复计数为 1、以 auto_pause 解除
	assert.Equal(t, 1, pauseTicks)
	assert.Equal(t, models.PauseReasonAbsence, pauseReason)
	assert.Equal(t, 1, store.createCount(models.AlertDriverAbsent))

	ev := store.eventByType(models.AlertDriverAbsent)
	require.NotNil(t, ev)
	assert.Equal(t, 1, ev.RepeatCount)
	require.NotNil(t, ev.ResolutionMethod)
	assert.Equal(t, models.ResolutionAutoPause, *ev.ResolutionMethod)
}

func TestAbsenceShortCircuitsOtherAlerts(t *testing.T) {
	store := newFakeStore()
	o := newTestOrchestrator(t, store, 0)

	// 无人且光线不足：离岗激活后 low_light 不得参选
	snap := absentSnap()
	snap.Brightness = 50

	for sec := 0.0; sec <= 10.0; sec += 0.5 {
		res := tickAt(t, o, snap, sec)
		if res.Selected != nil {
			assert.Equal(t, models.AlertDriverAbsent, res.Selected.Type)
		}
	}
	assert.Equal(t, 0, store.createCount(models.AlertLowLight))
}

func TestAtMostOneOpenEventPerType(t *testing.T) {
	store := newFakeStore()
	o := newTestOrchestrator(t, store, 0)

	for sec := 0.0; sec <= 30.0; sec += 0.5 {
		tickAt(t, o, closedEyesSnap(), sec)
	}

	assert.Equal(t, 1, store.createCount(models.AlertMicrosleep))
	ev := store.eventByType(models.AlertMicrosleep)
	require.NotNil(t, ev)
	assert.Nil(t, ev.ResolvedAt)
}

func TestHourlyCapBlocksFurtherCreations(t *testing.T) {
	store := newFakeStore()
	o := newTestOrchestrator(t, store, 0)

	// 四个触发-恢复循环：第 4 次创建应被每小时上限（3）抑制
	sec := 0.0
	step := func(snap *models.MetricsSnapshot, dur float64) {
		for end := sec + dur; sec < end; sec += 0.5 {
			tickAt(t, o, snap, sec)
		}
	}
	for cycle := 0; cycle < 4; cycle++ {
		step(closedEyesSnap(), 6.0) // 睁眼前已触发并建档
		step(normalSnap(), 2.0)     // 条件消失，事件迟滞外立即解除
	}

	assert.Equal(t, 3, store.createCount(models.AlertMicrosleep))
}

func TestConditionClearResolvesOpenEvent(t *testing.T) {
	store := newFakeStore()
	o := newTestOrchestrator(t, store, 0)

	for sec := 0.0; sec <= 6.0; sec += 0.5 {
		tickAt(t, o, closedEyesSnap(), sec)
	}
	ev := store.eventByType(models.AlertMicrosleep)
	require.NotNil(t, ev)
	require.Nil(t, ev.ResolvedAt)

	res := tickAt(t, o, normalSnap(), 6.5)
	assert.Contains(t, res.ResolvedAlertIDs, ev.ID)

	ev = store.eventByType(models.AlertMicrosleep)
	require.NotNil(t, ev.ResolvedAt)
	assert.Equal(t, models.ResolutionHysteresis, *ev.ResolutionMethod)
	assert.Empty(t, o.OpenEventID(models.AlertMicrosleep))
}

func TestHysteresisResolveMarksMethod(t *testing.T) {
	store := newFakeStore()
	o := newTestOrchestrator(t, store, 0)

	// 遮挡 2.5 秒触发并投递，回到正常后需连续 5 秒才解除
	var eventID string
	for sec := 0.0; sec <= 3.0; sec += 0.5 {
		res := tickAt(t, o, occludedSnap(), sec)
		if res.Selected != nil && eventID == "" {
			eventID = res.Selected.ID
			require.NoError(t, o.NotifyDelivered(context.Background(), eventID, testStart.Add(time.Duration(sec*float64(time.Second)))))
		}
	}
	require.NotEmpty(t, eventID)

	var resolvedAt float64
	for sec := 3.5; sec <= 10.0; sec += 0.5 {
		res := tickAt(t, o, normalSnap(), sec)
		if len(res.ResolvedAlertIDs) > 0 {
			resolvedAt = sec
			break
		}
	}

	require.NotZero(t, resolvedAt)
	assert.GreaterOrEqual(t, resolvedAt, 8.5, "hysteresis should hold the alert for 5 seconds after the condition clears")

	ev := store.eventByType(models.AlertCameraOccluded)
	require.NotNil(t, ev.ResolvedAt)
	assert.Equal(t, models.ResolutionHysteresis, *ev.ResolutionMethod)
}

func TestNotifyDeliveredResolvesSimpleAlert(t *testing.T) {
	store := newFakeStore()
	o := newTestOrchestrator(t, store, 0)

	var selected *models.SelectedAlert
	for sec := 0.0; sec <= 5.5 && selected == nil; sec += 0.5 {
		res := tickAt(t, o, darkSnap(), sec)
		selected = res.Selected
	}
	require.NotNil(t, selected)
	require.Equal(t, models.AlertLowLight, selected.Type)

	require.NoError(t, o.NotifyDelivered(context.Background(), selected.ID, testStart.Add(6*time.Second)))

	ev := store.eventByType(models.AlertLowLight)
	require.NotNil(t, ev.ResolvedAt)
	assert.Equal(t, models.ResolutionShown, *ev.ResolutionMethod)
	assert.Equal(t, 1, ev.RepeatCount)
	assert.Empty(t, o.OpenEventID(models.AlertLowLight))
}

func TestNotifyDeliveredKeepsExerciseAlertOpen(t *testing.T) {
	store := newFakeStore()
	o := newTestOrchestrator(t, store, 0)

	var selected *models.SelectedAlert
	for sec := 0.0; sec <= 5.5 && selected == nil; sec += 0.5 {
		res := tickAt(t, o, closedEyesSnap(), sec)
		selected = res.Selected
	}
	require.NotNil(t, selected)

	require.NoError(t, o.NotifyDelivered(context.Background(), selected.ID, testStart.Add(6*time.Second)))

	ev := store.eventByType(models.AlertMicrosleep)
	assert.Nil(t, ev.ResolvedAt, "exercise-bound alerts stay open until acknowledged")
	assert.Equal(t, 1, ev.RepeatCount)
}

func TestAcknowledgeWithExercise(t *testing.T) {
	store := newFakeStore()
	o := newTestOrchestrator(t, store, 0)

	var selected *models.SelectedAlert
	for sec := 0.0; sec <= 5.5 && selected == nil; sec += 0.5 {
		res := tickAt(t, o, closedEyesSnap(), sec)
		selected = res.Selected
	}
	require.NotNil(t, selected)

	require.NoError(t, o.Acknowledge(context.Background(), selected.ID, true, testStart.Add(7*time.Second)))

	ev := store.eventByType(models.AlertMicrosleep)
	require.NotNil(t, ev.ResolvedAt)
	assert.Equal(t, models.ResolutionExercise, *ev.ResolutionMethod)
	assert.Empty(t, o.OpenEventID(models.AlertMicrosleep))
}

func TestAcknowledgeUnknownEvent(t *testing.T) {
	store := newFakeStore()
	o := newTestOrchestrator(t, store, 0)

	err := o.Acknowledge(context.Background(), "missing-id", false, testStart)
	assert.ErrorIs(t, err, models.ErrEventNotFound)
}

func TestUndeliveredAlertAutoCleanup(t *testing.T) {
	store := newFakeStore()
	o := newTestOrchestrator(t, store, 0)

	// low_light 在 5 秒触发建档，始终无人投递：超过 10 秒后自动清理
	var eventID string
	var cleanedAt float64
	for sec := 0.0; sec <= 20.0; sec += 0.5 {
		res := tickAt(t, o, darkSnap(), sec)
		if res.Selected != nil && eventID == "" {
			eventID = res.Selected.ID
		}
		if eventID != "" && cleanedAt == 0 {
			for _, id := range res.ResolvedAlertIDs {
				if id == eventID {
					cleanedAt = sec
				}
			}
		}
	}

	require.NotEmpty(t, eventID)
	require.NotZero(t, cleanedAt)
	assert.Greater(t, cleanedAt, 15.0)

	ev := store.eventByType(models.AlertLowLight)
	require.NotNil(t, ev.ResolvedAt)
	assert.Equal(t, models.ResolutionAutoCleanup, *ev.ResolutionMethod)
}

func TestRepeatPacingFollowsRepeatInterval(t *testing.T) {
	store := newFakeStore()
	o := newTestOrchestrator(t, store, 0)

	var eventID string
	var audioTicks []float64
	for sec := 0.0; sec <= 25.0; sec += 0.5 {
		res := tickAt(t, o, closedEyesSnap(), sec)
		if res.Selected == nil {
			continue
		}
		if eventID == "" {
			eventID = res.Selected.ID
		}
		if res.Selected.PlayAudio {
			audioTicks = append(audioTicks, sec)
			now := testStart.Add(time.Duration(sec * float64(time.Second)))
			require.NoError(t, o.NotifyDelivered(context.Background(), eventID, now))
		}
	}

	// 投递后 repeat_interval（5 秒）内不得再次播报
	require.GreaterOrEqual(t, len(audioTicks), 2)
	for i := 1; i < len(audioTicks); i++ {
		assert.GreaterOrEqual(t, audioTicks[i]-audioTicks[i-1], 5.0)
	}
}

func TestClearAbsenceAllowsRetrigger(t *testing.T) {
	store := newFakeStore()
	o := newTestOrchestrator(t, store, 0)

	for sec := 0.0; sec <= 5.0; sec += 0.5 {
		tickAt(t, o, absentSnap(), sec)
	}
	require.Equal(t, 1, store.createCount(models.AlertDriverAbsent))

	o.ClearAbsence(context.Background(), testStart.Add(5*time.Second))

	ev := store.eventByType(models.AlertDriverAbsent)
	require.NotNil(t, ev.ResolvedAt)
	assert.Empty(t, o.OpenEventID(models.AlertDriverAbsent))

	// 条件仍满足时从零重新计时，2 秒后再次触发
	for sec := 5.5; sec <= 8.0; sec += 0.5 {
		tickAt(t, o, absentSnap(), sec)
	}
	assert.Equal(t, 2, store.createCount(models.AlertDriverAbsent))
}

func TestCloseResolvesOpenAlertsAndSilencesTicks(t *testing.T) {
	store := newFakeStore()
	o := newTestOrchestrator(t, store, 0)

	for sec := 0.0; sec <= 6.0; sec += 0.5 {
		tickAt(t, o, closedEyesSnap(), sec)
	}
	ev := store.eventByType(models.AlertMicrosleep)
	require.NotNil(t, ev)
	require.Nil(t, ev.ResolvedAt)

	ids, err := o.Close(context.Background(), testStart.Add(7*time.Second))
	require.NoError(t, err)
	assert.Contains(t, ids, ev.ID)

	ev = store.eventByType(models.AlertMicrosleep)
	require.NotNil(t, ev.ResolvedAt)
	assert.Equal(t, models.ResolutionAutoCleanup, *ev.ResolutionMethod)

	// 终结后的周期不再产生任何输出
	res := tickAt(t, o, closedEyesSnap(), 8.0)
	assert.Nil(t, res.Selected)
	assert.Empty(t, res.ResolvedAlertIDs)
	assert.False(t, res.Session.Paused)
}

func TestCloseIsIdempotent(t *testing.T) {
	store := newFakeStore()
	o := newTestOrchestrator(t, store, 0)

	_, err := o.Close(context.Background(), testStart)
	require.NoError(t, err)
	ids, err := o.Close(context.Background(), testStart.Add(time.Second))
	require.NoError(t, err)
	assert.Empty(t, ids)
}
