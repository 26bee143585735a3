package pipeline

import (
	"context"

	"wisefido-sedentary/internal/classifier"
	"wisefido-sedentary/internal/filter"
	"wisefido-sedentary/internal/metrics"
	"wisefido-sedentary/internal/models"

	"go.uber.org/zap"
)

// Publisher 事件发布接口（由 hub.Hub 实现，必须非阻塞）
type Publisher interface {
	Publish(ev models.ProcessedEvent)
}

// Pipeline 平滑 -> 分类 -> 发布
// 实时采样经过滤波器和分类器；回放样本携带已分类的历史事件，直接发布，
// 不修改滤波窗口和分类上下文
type Pipeline struct {
	smoother   *filter.Smoother
	classifier *classifier.Classifier
	publisher  Publisher
	metrics    *metrics.Metrics
	logger     *zap.Logger

	context models.ClassifierContext
}

// New 创建管道
func New(smoother *filter.Smoother, c *classifier.Classifier, publisher Publisher, m *metrics.Metrics, logger *zap.Logger) *Pipeline {
	if m == nil {
		m = metrics.NewNop()
	}
	return &Pipeline{
		smoother:   smoother,
		classifier: c,
		publisher:  publisher,
		metrics:    m,
		logger:     logger,
		context:    models.InitialContext(),
	}
}

// Run 处理输入直到 ctx 取消或输入关闭
func (p *Pipeline) Run(ctx context.Context, in <-chan models.Sample) error {
	p.logger.Info("Pipeline started",
		zap.Int("smoothing_window", p.smoother.Size()),
	)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Pipeline stopped")
			return nil
		case s, ok := <-in:
			if !ok {
				p.logger.Info("Pipeline input closed")
				return nil
			}
			p.Process(s)
		}
	}
}

// Process 处理一个输入并发布结果，被丢弃时返回 false
func (p *Pipeline) Process(s models.Sample) (models.ProcessedEvent, bool) {
	if s.Origin == models.OriginReplay {
		ev := s.Archived
		ev.Origin = models.OriginReplay
		p.publisher.Publish(ev)
		return ev, true
	}

	raw := s.Raw
	if !raw.Valid() {
		p.metrics.SamplesMalformed.WithLabelValues("pipeline").Inc()
		p.logger.Warn("Dropping sample with non-finite acceleration",
			zap.Time("observed_at", raw.ObservedAt),
		)
		return models.ProcessedEvent{}, false
	}

	smoothed := p.smoother.Ingest(raw)
	next, ev := p.classifier.Classify(raw.MotionFlag, smoothed, p.context)

	if next.State != p.context.State {
		p.logger.Debug("Activity state changed",
			zap.String("from", string(p.context.State)),
			zap.String("to", string(next.State)),
			zap.Uint64("timer", next.InactivitySeconds),
		)
	}
	if next.AlertFired && !p.context.AlertFired {
		p.logger.Info("Inactivity alert raised",
			zap.Uint64("timer", next.InactivitySeconds),
		)
	}
	p.context = next

	p.publisher.Publish(ev)
	return ev, true
}

// ClassifierContext 当前分类上下文副本（只能在 Run 未运行时调用）
func (p *Pipeline) ClassifierContext() models.ClassifierContext {
	return p.context
}
