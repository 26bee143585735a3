package filter

import (
	"wisefido-sedentary/internal/models"

	"gonum.org/v1/gonum/stat"
)

// DefaultWindow 默认窗口大小（10Hz 下约 1 秒）
const DefaultWindow = 10

// Smoother 滑动窗口均值滤波器
// 窗口为 FIFO，保存最近 min(W, n) 个原始加速度值，最旧的先被淘汰
// 非并发安全，只由管道的单个 goroutine 使用
type Smoother struct {
	size   int
	window []float64
}

// NewSmoother 创建滤波器，size <= 0 时使用默认窗口
func NewSmoother(size int) *Smoother {
	if size <= 0 {
		size = DefaultWindow
	}
	return &Smoother{
		size:   size,
		window: make([]float64, 0, size),
	}
}

// Ingest 加入一个采样并返回当前窗口均值
func (s *Smoother) Ingest(sample models.RawSample) models.SmoothedSample {
	if len(s.window) == s.size {
		copy(s.window, s.window[1:])
		s.window = s.window[:s.size-1]
	}
	s.window = append(s.window, sample.AccelDelta)

	return models.SmoothedSample{
		ObservedAt:    sample.ObservedAt,
		SmoothedAccel: stat.Mean(s.window, nil),
	}
}

// Window 返回窗口内容副本（按到达顺序）
func (s *Smoother) Window() []float64 {
	out := make([]float64, len(s.window))
	copy(out, s.window)
	return out
}

// Size 窗口容量
func (s *Smoother) Size() int {
	return s.size
}
