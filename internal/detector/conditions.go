package detector

import (
	"math"
	"sort"
	"time"

	"visionpulse-alert/internal/models"
	"visionpulse-alert/internal/window"
)

// 摄像头遮挡判定的近正面姿态门槛（度）
const (
	occlusionMaxYaw   = 25.0
	occlusionMaxPitch = 20.0
)

// microsleep 闭眼时长的可配范围（秒）
const (
	microsleepMinSeconds = 2.0
	microsleepMaxSeconds = 15.0
)

// condition 推导指定类型在当前快照下的条件真值
// 缺失的数值信号一律按"条件不满足"处理（缺数据本身就是信息，喂给 driver_absent）
func (e *Engine) condition(t models.AlertType, rule models.AlertRule, snap *models.MetricsSnapshot, effectiveAge time.Duration, now time.Time) bool {
	th := rule.Thresholds

	switch t {
	case models.AlertDriverAbsent:
		return snap.FacesCount == 0

	case models.AlertMultiplePeople:
		return snap.FacesCount > 1

	case models.AlertMicrosleep:
		// 只在真正检测到眼部时判定，与遮挡标志无关
		return snap.FaceDetected() && snap.EyesDetected && snap.EyesClosed

	case models.AlertFatigue:
		if !snap.EyesDetected {
			return false
		}
		if snap.AvgEAR <= 0 || snap.AvgEAR > 1 {
			e.logSignalMissing(t, "avg_ear", now)
			return false
		}
		microsleeping := snap.MicrosleepActive || e.IsActive(models.AlertMicrosleep)
		return snap.AvgEAR < th.EARThreshold &&
			snap.BlinkRateLong >= th.BlinkRateMin &&
			!microsleeping

	case models.AlertLowBlinkRate:
		if !snap.FaceDetected() {
			return false
		}
		e.blinkLongWindow.Push(snap.BlinkRateLong, now)
		if effectiveAge.Seconds() < th.MinSessionSeconds {
			return false
		}
		winDur := time.Duration(th.WindowSeconds * float64(time.Second))
		mean := e.blinkLongWindow.MeanInWindow(now, winDur)
		smoothed := window.Smooth(e.blinkLongWindow.Values(), e.blinkWindowAlpha)
		return mean < th.BlinkRateThreshold && smoothed < th.BlinkRateThreshold

	case models.AlertHighBlinkRate:
		if !snap.FaceDetected() {
			return false
		}
		e.blinkHighLong.Push(snap.BlinkRateLong, now)
		e.blinkHighShort.Push(snap.BlinkRateShort, now)
		longMean := e.blinkHighLong.MeanInWindow(now, time.Duration(th.WindowSeconds*float64(time.Second)))
		shortMean := e.blinkHighShort.MeanInWindow(now, time.Duration(th.ShortWindowSeconds*float64(time.Second)))
		return longMean > th.Threshold1 && shortMean > th.Threshold2

	case models.AlertCameraOccluded:
		// 限定近正面姿态，避免侧头被误判为遮挡
		if math.Abs(snap.HeadYaw) > occlusionMaxYaw || math.Abs(snap.HeadPitch) > occlusionMaxPitch {
			return false
		}
		if snap.OcclusionFlag() {
			return true
		}
		microsleeping := snap.MicrosleepActive || e.IsActive(models.AlertMicrosleep)
		return snap.FaceDetected() && !snap.EyesDetected && !snap.EyesClosed && !microsleeping

	case models.AlertMicroRhythm:
		if !snap.FaceDetected() || !snap.EyesDetected {
			return false
		}
		return microRhythmScore(snap) >= th.ScoreThreshold

	case models.AlertHeadTension:
		return e.headTensionCondition(th, snap, effectiveAge, now)

	case models.AlertLowLight:
		if snap.Brightness <= 0 {
			e.logSignalMissing(t, "brightness", now)
			return false
		}
		return snap.Brightness < th.LowLightThreshold
	}

	return false
}

// microRhythmScore 加权困倦节律评分（0-100）
// 构成：EAR 30 分、眨眼时长 20 分、头部下垂 25 分、眨眼频率 25 分
func microRhythmScore(snap *models.MetricsSnapshot) float64 {
	score := 0.0

	// EAR 低于 0.25 开始计分，0.15 以下满分
	score += 30 * clamp01((0.25-snap.AvgEAR)/0.10)

	// 眨眼时长超过 150ms 开始计分，400ms 以上满分（困倦时眨眼变慢）
	score += 20 * clamp01((snap.BlinkDurationMs-150)/250)

	// 低头（pitch 为负表示下垂），30 度以上满分
	if snap.HeadPitch < 0 {
		score += 25 * clamp01(-snap.HeadPitch/30)
	}

	// 眨眼频率偏离 12-20 次/分钟的正常带
	rate := snap.BlinkRateEWMA
	switch {
	case rate > 20:
		score += 25 * clamp01((rate-20)/15)
	case rate > 0 && rate < 12:
		score += 25 * clamp01((12-rate)/8)
	}

	return score
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// 头部姿态基线标定与方差追踪参数
const (
	baselineWindowSeconds = 15.0 // 会话前 15 秒采集基线
	baselineMaxAngle      = 15.0 // 合格样本的 |yaw|/|pitch| 上限（度）
	baselineMinSamples    = 5    // 合格样本不足时回退 0°/0°
	poseBufferCapacity    = 360
)

// poseSample 姿态样本
type poseSample struct {
	yaw, pitch float64
	at         time.Time
}

// poseTracker 头部姿态历史、正面基线与 EMA 平滑方差
type poseTracker struct {
	sessionStart time.Time

	calibrating      bool
	calibSamples     []poseSample
	baseYaw, basePit float64

	samples     []poseSample
	varianceEMA *window.EWMA
}

func newPoseTracker(sessionStart time.Time) *poseTracker {
	return &poseTracker{
		sessionStart: sessionStart,
		calibrating:  true,
		varianceEMA:  window.NewEWMA(window.DefaultAlpha),
	}
}

// push 喂入姿态样本：前 15 秒累积基线候选，此后维护滑动历史
func (p *poseTracker) push(yaw, pitch float64, now time.Time) {
	if p.calibrating {
		if now.Sub(p.sessionStart).Seconds() <= baselineWindowSeconds {
			if math.Abs(yaw) <= baselineMaxAngle && math.Abs(pitch) <= baselineMaxAngle {
				p.calibSamples = append(p.calibSamples, poseSample{yaw: yaw, pitch: pitch, at: now})
			}
			return
		}
		p.finishCalibration()
	}
	p.samples = append(p.samples, poseSample{yaw: yaw, pitch: pitch, at: now})
	if len(p.samples) > poseBufferCapacity {
		p.samples = p.samples[len(p.samples)-poseBufferCapacity:]
	}
}

// finishCalibration 计算正面基线：合格样本的中位数，不足 5 个回退 0°/0°
func (p *poseTracker) finishCalibration() {
	p.calibrating = false
	if len(p.calibSamples) < baselineMinSamples {
		p.baseYaw, p.basePit = 0, 0
		p.calibSamples = nil
		return
	}
	yaws := make([]float64, len(p.calibSamples))
	pitches := make([]float64, len(p.calibSamples))
	for i, s := range p.calibSamples {
		yaws[i] = s.yaw
		pitches[i] = s.pitch
	}
	p.baseYaw = median(yaws)
	p.basePit = median(pitches)
	p.calibSamples = nil
}

// variance 相对基线的 yaw+pitch 方差（标准差之和，度），EMA 平滑后返回
// 窗口内样本不足时 ok=false
func (p *poseTracker) variance(windowSec float64, now time.Time) (float64, bool) {
	cutoff := now.Add(-time.Duration(windowSec * float64(time.Second)))
	var yaws, pitches []float64
	for _, s := range p.samples {
		if !s.at.Before(cutoff) {
			yaws = append(yaws, s.yaw-p.baseYaw)
			pitches = append(pitches, s.pitch-p.basePit)
		}
	}
	if len(yaws) < 10 {
		return 0, false
	}
	raw := std(yaws) + std(pitches)
	return p.varianceEMA.Push(raw), true
}

// headTensionCondition 颈部僵硬：有效会话时长满 600 秒后，
// 相对正面基线的姿态方差（EMA 平滑）持续低于阈值
func (e *Engine) headTensionCondition(th models.Thresholds, snap *models.MetricsSnapshot, effectiveAge time.Duration, now time.Time) bool {
	if !snap.FaceDetected() {
		return false
	}
	if math.Abs(snap.HeadYaw) > 90 || math.Abs(snap.HeadPitch) > 90 {
		e.logSignalMissing(models.AlertHeadTension, "head_pose", now)
		return false
	}
	e.pose.push(snap.HeadYaw, snap.HeadPitch, now)

	if effectiveAge.Seconds() < th.MinSessionSeconds {
		return false
	}
	v, ok := e.pose.variance(th.PoseWindowSeconds, now)
	if !ok {
		return false
	}
	return v < th.VarianceThreshold
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

func std(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var mean float64
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	var acc float64
	for _, v := range values {
		d := v - mean
		acc += d * d
	}
	return math.Sqrt(acc / float64(len(values)))
}
