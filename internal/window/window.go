// Package window 提供固定容量的时间序列滑动窗口与指数平滑，
// 用于从逐帧噪声样本中推导稳定速率（如 眨眼次数/分钟）
package window

import (
	"math"
	"time"
)

// sample 窗口内单个样本
type sample struct {
	value float64
	at    time.Time
}

// SlidingWindow 固定容量环形缓冲，按时间顺序保存数值样本
// 空窗口的所有统计量约定返回 0.0（下游的 mean() < threshold 比较依赖该约定）
type SlidingWindow struct {
	buf   []sample
	head  int // 下一个写入位置
	count int
}

// NewSlidingWindow 创建容量为 capacity 的滑动窗口
func NewSlidingWindow(capacity int) *SlidingWindow {
	if capacity <= 0 {
		capacity = 1
	}
	return &SlidingWindow{buf: make([]sample, capacity)}
}

// Push 追加样本，容量满时静默丢弃最旧样本
func (w *SlidingWindow) Push(value float64, at time.Time) {
	w.buf[w.head] = sample{value: value, at: at}
	w.head = (w.head + 1) % len(w.buf)
	if w.count < len(w.buf) {
		w.count++
	}
}

// Count 当前样本数
func (w *SlidingWindow) Count() int {
	return w.count
}

// Sum 样本和（空窗口为 0.0）
func (w *SlidingWindow) Sum() float64 {
	var sum float64
	w.each(func(s sample) {
		sum += s.value
	})
	return sum
}

// Mean 样本均值（空窗口为 0.0）
func (w *SlidingWindow) Mean() float64 {
	if w.count == 0 {
		return 0.0
	}
	return w.Sum() / float64(w.count)
}

// Std 样本标准差（总体标准差，空窗口为 0.0）
func (w *SlidingWindow) Std() float64 {
	if w.count == 0 {
		return 0.0
	}
	mean := w.Mean()
	var acc float64
	w.each(func(s sample) {
		d := s.value - mean
		acc += d * d
	})
	return math.Sqrt(acc / float64(w.count))
}

// CountInWindow 统计 [now-window, now] 区间内的样本数
func (w *SlidingWindow) CountInWindow(now time.Time, window time.Duration) int {
	cutoff := now.Add(-window)
	n := 0
	w.each(func(s sample) {
		if !s.at.Before(cutoff) && !s.at.After(now) {
			n++
		}
	})
	return n
}

// MeanInWindow 统计 [now-window, now] 区间内样本的均值（无样本为 0.0）
func (w *SlidingWindow) MeanInWindow(now time.Time, window time.Duration) float64 {
	cutoff := now.Add(-window)
	var sum float64
	n := 0
	w.each(func(s sample) {
		if !s.at.Before(cutoff) && !s.at.After(now) {
			sum += s.value
			n++
		}
	})
	if n == 0 {
		return 0.0
	}
	return sum / float64(n)
}

// Values 按时间顺序（旧到新）返回全部样本值
func (w *SlidingWindow) Values() []float64 {
	out := make([]float64, 0, w.count)
	w.each(func(s sample) {
		out = append(out, s.value)
	})
	return out
}

// Clear 清空窗口
func (w *SlidingWindow) Clear() {
	w.head = 0
	w.count = 0
}

// each 按时间顺序遍历样本
func (w *SlidingWindow) each(fn func(sample)) {
	start := w.head - w.count
	if start < 0 {
		start += len(w.buf)
	}
	for i := 0; i < w.count; i++ {
		fn(w.buf[(start+i)%len(w.buf)])
	}
}

// DefaultAlpha EWMA 默认平滑系数
const DefaultAlpha = 0.3

// EWMA 指数加权移动平均：smoothed' = α·x + (1-α)·smoothed
type EWMA struct {
	alpha  float64
	value  float64
	primed bool
}

// NewEWMA 创建平滑系数为 alpha 的 EWMA（alpha 非法时回退默认值）
func NewEWMA(alpha float64) *EWMA {
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultAlpha
	}
	return &EWMA{alpha: alpha}
}

// Push 喂入样本，返回平滑后的值；首个样本直接作为初值
func (e *EWMA) Push(x float64) float64 {
	if !e.primed {
		e.value = x
		e.primed = true
		return e.value
	}
	e.value = e.alpha*x + (1-e.alpha)*e.value
	return e.value
}

// Value 当前平滑值（未喂入样本时为 0.0）
func (e *EWMA) Value() float64 {
	if !e.primed {
		return 0.0
	}
	return e.value
}

// Reset 重置
func (e *EWMA) Reset() {
	e.value = 0
	e.primed = false
}

// Smooth 对序列做一次 EWMA 折叠（空序列返回 0.0）
func Smooth(values []float64, alpha float64) float64 {
	if len(values) == 0 {
		return 0.0
	}
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultAlpha
	}
	avg := values[0]
	for _, x := range values[1:] {
		avg = alpha*x + (1-alpha)*avg
	}
	return avg
}
