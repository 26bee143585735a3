package consumer

import (
	"context"
	"encoding/json"
	"fmt"

	"wisefido-sedentary/internal/hub"
	"wisefido-sedentary/internal/metrics"
	"wisefido-sedentary/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// cachedEvent 缓存格式：事件 JSON 加上 Hub 序号
type cachedEvent struct {
	models.ProcessedEvent
	Seq uint64 `json:"seq,omitempty"`
}

// CacheSink 最近历史缓存（Redis 列表，最新的在表头，按 limit 裁剪）
type CacheSink struct {
	redisClient *redis.Client
	key         string
	limit       int
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

// NewCacheSink 创建缓存消费者
func NewCacheSink(redisClient *redis.Client, key string, limit int, m *metrics.Metrics, logger *zap.Logger) *CacheSink {
	if m == nil {
		m = metrics.NewNop()
	}
	return &CacheSink{
		redisClient: redisClient,
		key:         key,
		limit:       limit,
		metrics:     m,
		logger:      logger,
	}
}

// Run 消费 Hub 订阅
func (c *CacheSink) Run(ctx context.Context, sub *hub.Subscription) error {
	return runSubscription(ctx, sub, "cache", c.metrics, c.logger, c.Store)
}

// Store 写入一条事件并裁剪到 limit
func (c *CacheSink) Store(ctx context.Context, ev models.ProcessedEvent) error {
	data, err := json.Marshal(cachedEvent{ProcessedEvent: ev, Seq: ev.Seq})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	_, err = c.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, c.key, data)
		pipe.LTrim(ctx, c.key, 0, int64(c.limit-1))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to cache event: %w", err)
	}
	return nil
}

// RecentEvents 读取最近 limit 条事件（时间正序）
// limit <= 0 或超过缓存上限时按缓存上限读取
func (c *CacheSink) RecentEvents(ctx context.Context, limit int) ([]models.ProcessedEvent, error) {
	if limit <= 0 || limit > c.limit {
		limit = c.limit
	}

	items, err := c.redisClient.LRange(ctx, c.key, 0, int64(limit-1)).Result()
	if err != nil {
		if err == redis.Nil {
			return []models.ProcessedEvent{}, nil
		}
		return nil, fmt.Errorf("failed to read cached history: %w", err)
	}

	events := make([]models.ProcessedEvent, 0, len(items))
	// 列表头部是最新事件，倒序遍历得到时间正序
	for i := len(items) - 1; i >= 0; i-- {
		var cached cachedEvent
		if err := json.Unmarshal([]byte(items[i]), &cached); err != nil {
			c.logger.Warn("Skipping malformed cached event",
				zap.String("key", c.key),
				zap.Error(err),
			)
			continue
		}
		ev := cached.ProcessedEvent
		ev.Seq = cached.Seq
		events = append(events, ev)
	}
	return events, nil
}
