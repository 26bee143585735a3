package source

import (
	"context"
	"time"

	"wisefido-sedentary/internal/metrics"
	"wisefido-sedentary/internal/models"

	"go.uber.org/zap"
)

// Source 原始采样来源
// Run 阻塞直到 ctx 取消或来源结束，解析成功的采样写入 out
type Source interface {
	Name() string
	Run(ctx context.Context, out chan<- models.RawSample) error
}

// decoder 解析一行输入，失败的行丢弃并计数
type decoder struct {
	source  string
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

func newDecoder(source string, m *metrics.Metrics, logger *zap.Logger) decoder {
	if m == nil {
		m = metrics.NewNop()
	}
	return decoder{
		source:  source,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

func (d decoder) decode(line []byte) (models.RawSample, bool) {
	sample, err := models.ParseRawSample(line, d.now())
	if err != nil {
		d.metrics.SamplesMalformed.WithLabelValues(d.source).Inc()
		d.logger.Warn("Dropping malformed sample",
			zap.String("source", d.source),
			zap.ByteString("line", truncate(line, 128)),
			zap.Error(err),
		)
		return models.RawSample{}, false
	}
	d.metrics.SamplesAccepted.WithLabelValues(d.source).Inc()
	return sample, true
}

// emit 发送采样，ctx 取消时返回 false
func emit(ctx context.Context, out chan<- models.RawSample, sample models.RawSample) bool {
	select {
	case out <- sample:
		return true
	case <-ctx.Done():
		return false
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}

// backoff 指数退避（1s 起，最大 30s）
type backoff struct {
	initial time.Duration
	max     time.Duration
	current time.Duration
}

func newBackoff(initial, limit time.Duration) *backoff {
	return &backoff{initial: initial, max: limit, current: initial}
}

// next 返回本次等待时长并翻倍
func (b *backoff) next() time.Duration {
	d := b.current
	b.current *= 2
	if b.current > b.max {
		b.current = b.max
	}
	return d
}

func (b *backoff) reset() {
	b.current = b.initial
}

// sleep 等待 d，ctx 取消时返回 false
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
