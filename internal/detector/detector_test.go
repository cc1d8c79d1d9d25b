package detector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"visionpulse-alert/internal/models"
)

var testStart = time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	rules := models.DefaultRules()
	require.NoError(t, rules.Validate())
	return NewEngine(rules, testStart, zap.NewNop())
}

// 正常快照：单人、睁眼、各项指标在健康范围
func normalSnap() *models.MetricsSnapshot {
	return &models.MetricsSnapshot{
		FacesCount:    1,
		EyesDetected:  true,
		AvgEAR:        0.30,
		BlinkRateLong: 16,
		BlinkRateEWMA: 16,
		HeadYaw:       2,
		HeadPitch:     -3,
		Brightness:    120,
		Focused:       true,
	}
}

func TestMicrosleepTriggersAtExactSustain(t *testing.T) {
	e := newTestEngine(t)
	closed := normalSnap()
	closed.EyesClosed = true
	closed.AvgEAR = 0.05

	// 闭眼 0 到 4.9 秒均不触发
	for i := 0; i < 50; i++ {
		now := testStart.Add(time.Duration(i) * 100 * time.Millisecond)
		out := e.Update(models.AlertMicrosleep, closed, time.Duration(i)*100*time.Millisecond, now)
		assert.Equal(t, NoChange, out, "tick %d", i)
	}

	// 恰好 5.0 秒触发
	now := testStart.Add(5 * time.Second)
	assert.Equal(t, Trigger, e.Update(models.AlertMicrosleep, closed, 5*time.Second, now))
	assert.True(t, e.IsActive(models.AlertMicrosleep))

	// 睁眼立即解除，无粘滞
	now = now.Add(100 * time.Millisecond)
	assert.Equal(t, Resolve, e.Update(models.AlertMicrosleep, normalSnap(), 5100*time.Millisecond, now))
	assert.False(t, e.IsActive(models.AlertMicrosleep))
}

func TestMicrosleepInterruptedSustainResets(t *testing.T) {
	e := newTestEngine(t)
	closed := normalSnap()
	closed.EyesClosed = true

	// 闭眼 4 秒后睁眼一帧，计时必须清零
	for i := 0; i <= 40; i++ {
		now := testStart.Add(time.Duration(i) * 100 * time.Millisecond)
		e.Update(models.AlertMicrosleep, closed, 0, now)
	}
	e.Update(models.AlertMicrosleep, normalSnap(), 0, testStart.Add(4100*time.Millisecond))

	// 再闭眼 4.9 秒仍不触发
	resume := testStart.Add(4200 * time.Millisecond)
	for i := 0; i < 49; i++ {
		now := resume.Add(time.Duration(i) * 100 * time.Millisecond)
		assert.Equal(t, NoChange, e.Update(models.AlertMicrosleep, closed, 0, now))
	}
}

func TestDriverAbsentHysteresis(t *testing.T) {
	e := newTestEngine(t)
	absent := &models.MetricsSnapshot{FacesCount: 0}
	present := normalSnap()

	// 离开 2 秒触发
	e.Update(models.AlertDriverAbsent, absent, 0, testStart)
	out := e.Update(models.AlertDriverAbsent, absent, 0, testStart.Add(2*time.Second))
	require.Equal(t, Trigger, out)

	// 回来 3 秒（不足 5 秒滞回）又离开：解除计时清零，不解除
	back := testStart.Add(3 * time.Second)
	assert.Equal(t, NoChange, e.Update(models.AlertDriverAbsent, present, 0, back))
	assert.Equal(t, NoChange, e.Update(models.AlertDriverAbsent, present, 0, back.Add(3*time.Second)))
	assert.Equal(t, NoChange, e.Update(models.AlertDriverAbsent, absent, 0, back.Add(3100*time.Millisecond)))
	assert.True(t, e.IsActive(models.AlertDriverAbsent))

	// 再次回来并持续满 5 秒才解除
	again := back.Add(4 * time.Second)
	assert.Equal(t, NoChange, e.Update(models.AlertDriverAbsent, present, 0, again))
	assert.Equal(t, Resolve, e.Update(models.AlertDriverAbsent, present, 0, again.Add(5*time.Second)))
	assert.False(t, e.IsActive(models.AlertDriverAbsent))
}

func TestDriverAbsentFlickerDoesNotTrigger(t *testing.T) {
	e := newTestEngine(t)
	absent := &models.MetricsSnapshot{FacesCount: 0}
	present := normalSnap()

	// 1→0(1秒)→1→0：从未连续缺席满 2 秒，不得触发
	e.Update(models.AlertDriverAbsent, present, 0, testStart)
	e.Update(models.AlertDriverAbsent, absent, 0, testStart.Add(1*time.Second))
	assert.Equal(t, NoChange, e.Update(models.AlertDriverAbsent, absent, 0, testStart.Add(2*time.Second)))
	assert.Equal(t, NoChange, e.Update(models.AlertDriverAbsent, present, 0, testStart.Add(2100*time.Millisecond)))
	assert.Equal(t, NoChange, e.Update(models.AlertDriverAbsent, absent, 0, testStart.Add(3*time.Second)))
	assert.Equal(t, NoChange, e.Update(models.AlertDriverAbsent, absent, 0, testStart.Add(4900*time.Millisecond)))
	assert.False(t, e.IsActive(models.AlertDriverAbsent))
}

func TestLowBlinkRateRespectsSessionGate(t *testing.T) {
	e := newTestEngine(t)
	slow := normalSnap()
	slow.BlinkRateLong = 8
	slow.BlinkRateEWMA = 7

	// 有效时长不足 90 秒期间绝不触发
	for i := 0; i < 90; i++ {
		now := testStart.Add(time.Duration(i) * time.Second)
		out := e.Update(models.AlertLowBlinkRate, slow, time.Duration(i)*time.Second, now)
		assert.Equal(t, NoChange, out, "second %d", i)
	}

	// 95 秒：窗口均值 8 < 12 且平滑值 < 12，触发
	now := testStart.Add(95 * time.Second)
	assert.Equal(t, Trigger, e.Update(models.AlertLowBlinkRate, slow, 95*time.Second, now))
}

func TestHighBlinkRateDualWindow(t *testing.T) {
	e := newTestEngine(t)
	rapid := normalSnap()
	rapid.BlinkRateLong = 35
	rapid.BlinkRateShort = 32

	var out Outcome
	for i := 0; i <= 30; i++ {
		now := testStart.Add(time.Duration(i) * time.Second)
		out = e.Update(models.AlertHighBlinkRate, rapid, time.Duration(i)*time.Second, now)
		if i < 30 {
			assert.Equal(t, NoChange, out, "second %d", i)
		}
	}
	assert.Equal(t, Trigger, out)
}

func TestFatigueSuppressedDuringMicrosleep(t *testing.T) {
	e := newTestEngine(t)
	tired := normalSnap()
	tired.AvgEAR = 0.12
	tired.BlinkRateLong = 16

	// 叠加 microsleep 标志时疲劳条件不成立
	tired.MicrosleepActive = true
	for i := 0; i <= 110; i++ {
		now := testStart.Add(time.Duration(i) * time.Second)
		assert.Equal(t, NoChange, e.Update(models.AlertFatigue, tired, 0, now))
	}

	// 去掉标志后重新计时，满 10 秒触发
	tired.MicrosleepActive = false
	base := testStart.Add(120 * time.Second)
	for i := 0; i < 10; i++ {
		assert.Equal(t, NoChange, e.Update(models.AlertFatigue, tired, 0, base.Add(time.Duration(i)*time.Second)))
	}
	assert.Equal(t, Trigger, e.Update(models.AlertFatigue, tired, 0, base.Add(10*time.Second)))
}

func TestFrequentDistractionEventCounting(t *testing.T) {
	e := newTestEngine(t)
	away := normalSnap()
	away.Distracted = true
	focused := normalSnap()

	now := testStart
	// 3 次 5 秒分心：每次以恢复专注收尾记为一个事件
	for ev := 0; ev < 3; ev++ {
		e.Update(models.AlertFrequentDistraction, away, 0, now)
		now = now.Add(5 * time.Second)
		out := e.Update(models.AlertFrequentDistraction, focused, 0, now)
		assert.Equal(t, NoChange, out, "event %d", ev)
		now = now.Add(10 * time.Second)
	}

	// 第 4 个事件完成即触发
	e.Update(models.AlertFrequentDistraction, away, 0, now)
	now = now.Add(5 * time.Second)
	assert.Equal(t, Trigger, e.Update(models.AlertFrequentDistraction, focused, 0, now))
}

func TestFrequentDistractionIgnoresOutOfRangeEvents(t *testing.T) {
	e := newTestEngine(t)
	away := normalSnap()
	away.Distracted = true
	focused := normalSnap()

	now := testStart
	// 过短（1秒）和过长（20秒，视为走神离岗另算）的分心都不计入
	for ev := 0; ev < 6; ev++ {
		e.Update(models.AlertFrequentDistraction, away, 0, now)
		now = now.Add(1 * time.Second)
		e.Update(models.AlertFrequentDistraction, focused, 0, now)
		now = now.Add(2 * time.Second)
	}
	e.Update(models.AlertFrequentDistraction, away, 0, now)
	now = now.Add(20 * time.Second)
	assert.Equal(t, NoChange, e.Update(models.AlertFrequentDistraction, focused, 0, now))
	assert.False(t, e.IsActive(models.AlertFrequentDistraction))
}

func TestYawnIncrementTriggers(t *testing.T) {
	e := newTestEngine(t)
	snap := normalSnap()

	snap.YawnCount = 0
	assert.Equal(t, NoChange, e.Update(models.AlertYawn, snap, 0, testStart))
	snap.YawnCount = 1
	assert.Equal(t, Trigger, e.Update(models.AlertYawn, snap, 0, testStart.Add(time.Second)))
	// 计数不变不重复触发
	assert.Equal(t, NoChange, e.Update(models.AlertYawn, snap, 0, testStart.Add(2*time.Second)))
	snap.YawnCount = 3
	assert.Equal(t, Trigger, e.Update(models.AlertYawn, snap, 0, testStart.Add(3*time.Second)))
}

func TestCameraOccludedFrontalGate(t *testing.T) {
	e := newTestEngine(t)
	occluded := true

	// 侧头超过 25 度时遮挡标志被姿态门槛拦截
	turned := normalSnap()
	turned.Occluded = &occluded
	turned.HeadYaw = 40
	for i := 0; i <= 60; i++ {
		now := testStart.Add(time.Duration(i) * 100 * time.Millisecond)
		assert.Equal(t, NoChange, e.Update(models.AlertCameraOccluded, turned, 0, now))
	}

	// 近正面姿态下持续 2.5 秒触发
	frontal := normalSnap()
	frontal.Occluded = &occluded
	base := testStart.Add(10 * time.Second)
	e.Update(models.AlertCameraOccluded, frontal, 0, base)
	assert.Equal(t, Trigger, e.Update(models.AlertCameraOccluded, frontal, 0, base.Add(2500*time.Millisecond)))
}

func TestMicroRhythmScore(t *testing.T) {
	drowsy := &models.MetricsSnapshot{
		FacesCount:      1,
		EyesDetected:    true,
		AvgEAR:          0.12,
		BlinkDurationMs: 400,
		HeadPitch:       -30,
		BlinkRateEWMA:   25,
	}
	assert.GreaterOrEqual(t, microRhythmScore(drowsy), 50.0)

	alert := normalSnap()
	assert.Less(t, microRhythmScore(alert), 50.0)
}

func TestMicroRhythmSustain(t *testing.T) {
	e := newTestEngine(t)
	drowsy := normalSnap()
	drowsy.AvgEAR = 0.12
	drowsy.BlinkDurationMs = 400
	drowsy.HeadPitch = -30
	drowsy.BlinkRateEWMA = 25

	for i := 0; i < 5; i++ {
		now := testStart.Add(time.Duration(i) * time.Second)
		assert.Equal(t, NoChange, e.Update(models.AlertMicroRhythm, drowsy, 0, now))
	}
	assert.Equal(t, Trigger, e.Update(models.AlertMicroRhythm, drowsy, 0, testStart.Add(5*time.Second)))
}

func TestHeadTensionLowVariance(t *testing.T) {
	e := newTestEngine(t)
	rigid := normalSnap()
	rigid.HeadYaw = 1
	rigid.HeadPitch = -1

	// 前 15 秒只做基线标定，窗口样本不足，不可能触发
	var out Outcome
	triggeredAt := -1
	for i := 0; i <= 700; i++ {
		now := testStart.Add(time.Duration(i) * time.Second)
		age := time.Duration(i) * time.Second
		out = e.Update(models.AlertHeadTension, rigid, age, now)
		if out == Trigger {
			triggeredAt = i
			break
		}
	}
	require.Equal(t, Trigger, out)
	// 600 秒会话门槛 + 10 秒 sustain 之前不得触发
	assert.GreaterOrEqual(t, triggeredAt, 610)
}

func TestHeadTensionMovementPreventsTrigger(t *testing.T) {
	e := newTestEngine(t)

	// 头部持续大幅摆动，方差高于阈值
	for i := 0; i <= 700; i++ {
		snap := normalSnap()
		if i%2 == 0 {
			snap.HeadYaw, snap.HeadPitch = 12, -10
		} else {
			snap.HeadYaw, snap.HeadPitch = -12, 10
		}
		now := testStart.Add(time.Duration(i) * time.Second)
		out := e.Update(models.AlertHeadTension, snap, time.Duration(i)*time.Second, now)
		assert.Equal(t, NoChange, out, "second %d", i)
	}
}

func TestLowLightCondition(t *testing.T) {
	e := newTestEngine(t)
	dark := normalSnap()
	dark.Brightness = 40

	e.Update(models.AlertLowLight, dark, 0, testStart)
	assert.Equal(t, Trigger, e.Update(models.AlertLowLight, dark, 0, testStart.Add(10*time.Second)))

	// 亮度恢复立即解除
	bright := normalSnap()
	assert.Equal(t, Resolve, e.Update(models.AlertLowLight, bright, 0, testStart.Add(20*time.Second)))
}

func TestResolveForcesInactive(t *testing.T) {
	e := newTestEngine(t)
	absent := &models.MetricsSnapshot{FacesCount: 0}

	e.Update(models.AlertDriverAbsent, absent, 0, testStart)
	require.Equal(t, Trigger, e.Update(models.AlertDriverAbsent, absent, 0, testStart.Add(2*time.Second)))

	e.Resolve(models.AlertDriverAbsent)
	assert.False(t, e.IsActive(models.AlertDriverAbsent))
	_, ok := e.ActiveSince(models.AlertDriverAbsent)
	assert.False(t, ok)
}

func TestResetAllClearsState(t *testing.T) {
	e := newTestEngine(t)
	closed := normalSnap()
	closed.EyesClosed = true

	e.Update(models.AlertMicrosleep, closed, 0, testStart)
	require.Equal(t, Trigger, e.Update(models.AlertMicrosleep, closed, 0, testStart.Add(5*time.Second)))

	e.ResetAll()
	assert.False(t, e.IsActive(models.AlertMicrosleep))

	// 重置后重新满 5 秒才能再次触发
	base := testStart.Add(10 * time.Second)
	e.Update(models.AlertMicrosleep, closed, 0, base)
	assert.Equal(t, NoChange, e.Update(models.AlertMicrosleep, closed, 0, base.Add(4900*time.Millisecond)))
	assert.Equal(t, Trigger, e.Update(models.AlertMicrosleep, closed, 0, base.Add(5*time.Second)))
}
