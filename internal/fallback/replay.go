package fallback

import (
	"context"
	"sync"
	"time"

	"wisefido-sedentary/internal/metrics"
	"wisefido-sedentary/internal/models"

	"go.uber.org/zap"
)

// HistoryReader 读取最近的历史事件（时间正序）
// 由 repository.SedentaryLogRepository 和 consumer.CacheSink 实现
type HistoryReader interface {
	RecentEvents(ctx context.Context, limit int) ([]models.ProcessedEvent, error)
}

// ReplayConfig 回放配置
type ReplayConfig struct {
	BatchSize int
	Interval  time.Duration
	// Loop 为 true 时批次播放完后从头循环，否则停止（回放模式保持，直到真实数据恢复）
	Loop bool
}

// ReplayEngine 回放引擎
// 按时间顺序重新发布已分类的历史事件，每 Interval 一条
type ReplayEngine struct {
	history HistoryReader
	cfg     ReplayConfig
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	emitted uint64
}

// NewReplayEngine 创建回放引擎
func NewReplayEngine(history HistoryReader, cfg ReplayConfig, m *metrics.Metrics, logger *zap.Logger) *ReplayEngine {
	if m == nil {
		m = metrics.NewNop()
	}
	return &ReplayEngine{
		history: history,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
	}
}

// Start 启动回放，已在运行时不做任何事并返回 false
func (r *ReplayEngine) Start(ctx context.Context, out chan<- models.Sample) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done != nil {
		select {
		case <-r.done:
			// 上一轮已结束
		default:
			return false
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.cancel = cancel
	r.done = done

	go r.run(runCtx, out, done)
	return true
}

// Stop 停止回放并等待 goroutine 退出
// 返回后不会再有任何回放样本被发送
func (r *ReplayEngine) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running 是否正在回放
func (r *ReplayEngine) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done == nil {
		return false
	}
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

// Emitted 累计发送的回放样本数
func (r *ReplayEngine) Emitted() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.emitted
}

func (r *ReplayEngine) run(ctx context.Context, out chan<- models.Sample, done chan struct{}) {
	defer close(done)

	events, err := r.history.RecentEvents(ctx, r.cfg.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Warn("Failed to read replay history, waiting for live data",
				zap.Error(err),
			)
		}
		return
	}
	if len(events) == 0 {
		r.logger.Warn("No historical data available for replay, waiting for live data")
		return
	}

	r.logger.Info("Replay started",
		zap.Int("events", len(events)),
		zap.Duration("interval", r.cfg.Interval),
		zap.Bool("loop", r.cfg.Loop),
	)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	first := true
	for pass := 1; ; pass++ {
		for i, ev := range events {
			if !first {
				select {
				case <-ticker.C:
				case <-ctx.Done():
					r.logger.Info("Replay stopped", zap.Int("pass", pass), zap.Int("position", i))
					return
				}
			}
			first = false

			select {
			case out <- models.ReplaySample(ev):
				r.metrics.ReplayedSamples.Inc()
				r.mu.Lock()
				r.emitted++
				r.mu.Unlock()
			case <-ctx.Done():
				r.logger.Info("Replay stopped", zap.Int("pass", pass), zap.Int("position", i))
				return
			}
		}

		if !r.cfg.Loop {
			r.logger.Info("Replay batch exhausted", zap.Int("events", len(events)))
			return
		}
		r.logger.Debug("Replay batch restarting", zap.Int("pass", pass+1))
	}
}
