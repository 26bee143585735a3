package fallback

import (
	"context"
	"sync/atomic"
	"time"

	"wisefido-sedentary/internal/metrics"
	"wisefido-sedentary/internal/models"

	"go.uber.org/zap"
)

// Mode 上游模式
type Mode int

const (
	// ModeLive 由真实传感器供数
	ModeLive Mode = iota
	// ModeFallback 由回放引擎供数
	ModeFallback
)

func (m Mode) String() string {
	if m == ModeFallback {
		return "fallback"
	}
	return "live"
}

// Replayer 回放引擎接口
type Replayer interface {
	Start(ctx context.Context, out chan<- models.Sample) bool
	Stop()
}

// MonitorConfig 监测配置
type MonitorConfig struct {
	Timeout       time.Duration
	CheckInterval time.Duration
	Disabled      bool
}

// Monitor Liveness Monitor / Fallback Controller
// Run 所在的 goroutine 是 FallbackStatus 和当前供数方的唯一所有者，
// 也是管道输入通道的唯一写入方：真实采样和回放样本都经由它转发
type Monitor struct {
	cfg     MonitorConfig
	replay  Replayer
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time

	status atomic.Pointer[models.FallbackStatus]

	// 只在 Run 中访问
	mode        Mode
	lastReal    time.Time
	enteredAt   time.Time
	transitions uint64
}

// NewMonitor 创建监测器，replay 为 nil 时等同于禁用回放
func NewMonitor(cfg MonitorConfig, replay Replayer, m *metrics.Metrics, logger *zap.Logger) *Monitor {
	if m == nil {
		m = metrics.NewNop()
	}
	if replay == nil {
		cfg.Disabled = true
	}
	mon := &Monitor{
		cfg:     cfg,
		replay:  replay,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
	mon.lastReal = mon.now()
	mon.publishStatus()
	return mon
}

// Status 返回 FallbackStatus 快照
func (m *Monitor) Status() models.FallbackStatus {
	return *m.status.Load()
}

// Run 转发采样直到 ctx 取消
// samples 关闭后继续监测（此时只能由回放供数）
func (m *Monitor) Run(ctx context.Context, samples <-chan models.RawSample, out chan<- models.Sample) error {
	replayCh := make(chan models.Sample)

	m.lastReal = m.now()
	m.publishStatus()

	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()
	defer m.stopReplay()

	m.logger.Info("Liveness monitor started",
		zap.Duration("timeout", m.cfg.Timeout),
		zap.Duration("check_interval", m.cfg.CheckInterval),
		zap.Bool("fallback_disabled", m.cfg.Disabled),
	)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Liveness monitor stopped")
			return nil

		case raw, ok := <-samples:
			if !ok {
				m.logger.Warn("Sample source closed")
				samples = nil
				continue
			}
			m.observe()
			if !m.forward(ctx, out, models.LiveSample(raw)) {
				return nil
			}

		case s := <-replayCh:
			if m.mode != ModeFallback {
				continue
			}
			if !m.forward(ctx, out, s) {
				return nil
			}

		case <-ticker.C:
			m.check(ctx, replayCh)
		}
	}
}

// observe 记录真实采样，处于回放模式时立即切回实时
func (m *Monitor) observe() {
	m.lastReal = m.now()
	if m.mode == ModeFallback {
		m.leaveFallback()
		return
	}
	m.publishStatus()
}

// check 周期检测无数据时长，已处于回放模式时不做任何事
func (m *Monitor) check(ctx context.Context, replayCh chan<- models.Sample) {
	if m.cfg.Disabled || m.mode == ModeFallback {
		return
	}
	gap := m.now().Sub(m.lastReal)
	if gap <= m.cfg.Timeout {
		return
	}
	m.enterFallback(ctx, replayCh, gap)
}

func (m *Monitor) enterFallback(ctx context.Context, replayCh chan<- models.Sample, gap time.Duration) {
	m.mode = ModeFallback
	m.enteredAt = m.now()
	m.transitions++
	m.publishStatus()

	m.metrics.FallbackActive.Set(1)
	m.metrics.FallbackTransitions.WithLabelValues(ModeFallback.String()).Inc()
	m.logger.Warn("No sensor data, switching to fallback replay",
		zap.Duration("gap", gap),
		zap.Time("last_real_sample_at", m.lastReal),
	)

	m.replay.Start(ctx, replayCh)
}

func (m *Monitor) leaveFallback() {
	m.stopReplay()

	m.mode = ModeLive
	m.transitions++
	duration := m.now().Sub(m.enteredAt)
	m.enteredAt = time.Time{}
	m.publishStatus()

	m.metrics.FallbackActive.Set(0)
	m.metrics.FallbackTransitions.WithLabelValues(ModeLive.String()).Inc()
	m.logger.Info("Sensor data resumed, leaving fallback",
		zap.Duration("fallback_duration", duration),
	)
}

func (m *Monitor) stopReplay() {
	if m.replay != nil {
		m.replay.Stop()
	}
}

// forward 写入管道输入，ctx 取消时返回 false
func (m *Monitor) forward(ctx context.Context, out chan<- models.Sample, s models.Sample) bool {
	select {
	case out <- s:
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *Monitor) publishStatus() {
	st := &models.FallbackStatus{
		Active:           m.mode == ModeFallback,
		Mode:             m.mode.String(),
		Disabled:         m.cfg.Disabled,
		LastRealSampleAt: m.lastReal,
		Transitions:      m.transitions,
	}
	if m.mode == ModeFallback {
		entered := m.enteredAt
		st.EnteredAt = &entered
	}
	m.status.Store(st)
}
