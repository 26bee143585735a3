package consumer

import (
	"context"
	"time"

	"wisefido-sedentary/internal/hub"
	"wisefido-sedentary/internal/metrics"
	"wisefido-sedentary/internal/models"

	"go.uber.org/zap"
)

// writeTimeout 单次写入超时
const writeTimeout = 3 * time.Second

// handleFunc 处理一条事件
type handleFunc func(ctx context.Context, ev models.ProcessedEvent) error

// runSubscription 消费订阅直到 ctx 取消或订阅关闭
// 写入失败只记录日志和指标，不重试、不中断
func runSubscription(ctx context.Context, sub *hub.Subscription, sink string, m *metrics.Metrics, logger *zap.Logger, handle handleFunc) error {
	defer sub.Close()

	logger.Info("Sink started",
		zap.String("sink", sink),
		zap.String("subscriber_id", sub.ID()),
	)

	var lastDropped uint64
	for {
		select {
		case <-ctx.Done():
			logger.Info("Sink stopped", zap.String("sink", sink))
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				logger.Info("Sink subscription closed", zap.String("sink", sink))
				return nil
			}

			if dropped := sub.Dropped(); dropped != lastDropped {
				logger.Warn("Sink lagging behind hub",
					zap.String("sink", sink),
					zap.Uint64("dropped_total", dropped),
					zap.Uint64("dropped_since_last", dropped-lastDropped),
				)
				lastDropped = dropped
			}

			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := handle(writeCtx, ev)
			cancel()
			if err != nil {
				m.SinkFailures.WithLabelValues(sink).Inc()
				logger.Error("Sink write failed",
					zap.String("sink", sink),
					zap.String("state", string(ev.State)),
					zap.Time("observed_at", ev.ObservedAt),
					zap.Error(err),
				)
			}
		}
	}
}
