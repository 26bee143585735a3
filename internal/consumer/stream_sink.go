package consumer

import (
	"context"
	"encoding/json"
	"fmt"

	rediscommon "wisefido-sedentary/internal/common/redis"
	"wisefido-sedentary/internal/hub"
	"wisefido-sedentary/internal/metrics"
	"wisefido-sedentary/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// StreamSink 将实时事件镜像到 Redis Stream，供下游分析任务读取
type StreamSink struct {
	redisClient *redis.Client
	stream      string
	maxLen      int64
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

// NewStreamSink 创建 Stream 消费者
func NewStreamSink(redisClient *redis.Client, stream string, maxLen int64, m *metrics.Metrics, logger *zap.Logger) *StreamSink {
	if m == nil {
		m = metrics.NewNop()
	}
	return &StreamSink{
		redisClient: redisClient,
		stream:      stream,
		maxLen:      maxLen,
		metrics:     m,
		logger:      logger,
	}
}

// Run 消费 Hub 订阅
func (s *StreamSink) Run(ctx context.Context, sub *hub.Subscription) error {
	return runSubscription(ctx, sub, "stream", s.metrics, s.logger, s.Store)
}

// Store 发布一条实时事件（回放事件不进入 Stream）
func (s *StreamSink) Store(ctx context.Context, ev models.ProcessedEvent) error {
	if ev.Replayed() {
		return nil
	}
	if _, err := rediscommon.PublishJSONToStream(ctx, s.redisClient, s.stream, s.maxLen, ev); err != nil {
		return fmt.Errorf("failed to publish event to stream %s: %w", s.stream, err)
	}
	return nil
}

// RecentEvents 读取 Stream 中最新的 limit 条事件（时间正序）
func (s *StreamSink) RecentEvents(ctx context.Context, limit int) ([]models.ProcessedEvent, error) {
	msgs, err := rediscommon.ReadRange(ctx, s.redisClient, s.stream, int64(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to read stream %s: %w", s.stream, err)
	}

	events := make([]models.ProcessedEvent, 0, len(msgs))
	for _, msg := range msgs {
		data, _ := msg.Values["data"].(string)
		var ev models.ProcessedEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			s.logger.Warn("Skipping malformed stream entry",
				zap.String("stream", s.stream),
				zap.String("id", msg.ID),
				zap.Error(err),
			)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}
