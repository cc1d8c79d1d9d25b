package models

// MetricsSnapshot 感知管线每个采样周期写入缓存的指标快照
// 核心不假设这些值如何计算，只依赖声明范围：EAR ∈ (0,1]，角度为度，亮度 0-255
type MetricsSnapshot struct {
	Timestamp int64 `json:"timestamp"` // Unix 时间戳（秒）

	// 人脸 / 眼部
	FacesCount   int     `json:"faces_count"`
	EyesDetected bool    `json:"eyes_detected"`
	EyesClosed   bool    `json:"eyes_closed"`
	AvgEAR       float64 `json:"avg_ear"`

	// 眨眼
	BlinkDetected   bool    `json:"blink_detected"`
	BlinkDurationMs float64 `json:"blink_duration_ms,omitempty"`
	BlinkRateShort  float64 `json:"blink_rate_short"` // 30秒窗口（次/分钟）
	BlinkRateLong   float64 `json:"blink_rate_long"`  // 120秒窗口（次/分钟）
	BlinkRateEWMA   float64 `json:"blink_rate_ewma"`

	// 头部姿态（度）
	HeadYaw   float64 `json:"head_yaw"`
	HeadPitch float64 `json:"head_pitch"`
	HeadRoll  float64 `json:"head_roll,omitempty"`

	// 环境
	Brightness float64 `json:"brightness"` // 0-255
	Occluded   *bool   `json:"occluded,omitempty"`

	// 状态标志
	MicrosleepActive   bool    `json:"microsleep_active"`
	MicrosleepDuration float64 `json:"microsleep_duration,omitempty"` // 秒
	Distracted         bool    `json:"distracted"`
	Focused            bool    `json:"focused"`

	// 累计计数
	YawnCount   int `json:"yawn_count"`
	TotalBlinks int `json:"total_blinks"`
}

// FaceDetected 是否检测到至少一张人脸
func (s *MetricsSnapshot) FaceDetected() bool {
	return s.FacesCount > 0
}

// OcclusionFlag 感知层的显式遮挡标志（缺失视为 false）
func (s *MetricsSnapshot) OcclusionFlag() bool {
	return s.Occluded != nil && *s.Occluded
}
