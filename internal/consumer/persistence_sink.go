package consumer

import (
	"context"

	"wisefido-sedentary/internal/hub"
	"wisefido-sedentary/internal/metrics"
	"wisefido-sedentary/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventAppender 持久化接口（由 repository.SedentaryLogRepository 实现）
type EventAppender interface {
	Append(ctx context.Context, ev models.ProcessedEvent) error
	AppendUserReading(ctx context.Context, userID uuid.UUID, ev models.ProcessedEvent) error
}

// PersistenceSink 追加每条事件到数据库
type PersistenceSink struct {
	repo            EventAppender
	userID          *uuid.UUID // 非空时同时写入 sensor_data
	persistReplayed bool
	metrics         *metrics.Metrics
	logger          *zap.Logger
}

// NewPersistenceSink 创建持久化消费者
// persistReplayed 为 false 时跳过回放事件，避免历史被重复追加
func NewPersistenceSink(repo EventAppender, userID *uuid.UUID, persistReplayed bool, m *metrics.Metrics, logger *zap.Logger) *PersistenceSink {
	if m == nil {
		m = metrics.NewNop()
	}
	return &PersistenceSink{
		repo:            repo,
		userID:          userID,
		persistReplayed: persistReplayed,
		metrics:         m,
		logger:          logger,
	}
}

// Run 消费 Hub 订阅
func (p *PersistenceSink) Run(ctx context.Context, sub *hub.Subscription) error {
	return runSubscription(ctx, sub, "persistence", p.metrics, p.logger, p.Store)
}

// Store 写入一条事件
func (p *PersistenceSink) Store(ctx context.Context, ev models.ProcessedEvent) error {
	if ev.Replayed() && !p.persistReplayed {
		return nil
	}

	if err := p.repo.Append(ctx, ev); err != nil {
		return err
	}

	if p.userID != nil {
		if err := p.repo.AppendUserReading(ctx, *p.userID, ev); err != nil {
			return err
		}
	}
	return nil
}
