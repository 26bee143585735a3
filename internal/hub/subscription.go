package hub

import (
	"sync/atomic"

	"wisefido-sedentary/internal/models"

	"go.uber.org/zap"
)

// Subscription 单个订阅者的有序事件视图
type Subscription struct {
	id   string
	name string
	ch   chan models.ProcessedEvent
	hub  *Hub

	dropped atomic.Uint64
}

// ID 订阅ID
func (s *Subscription) ID() string {
	return s.id
}

// Name 订阅者名称
func (s *Subscription) Name() string {
	return s.name
}

// Events 事件通道，取消订阅或 Hub 关闭后被关闭
func (s *Subscription) Events() <-chan models.ProcessedEvent {
	return s.ch
}

// Dropped 因缓冲已满被丢弃的事件数（lag 计数）
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close 取消订阅（幂等），不影响其他订阅者
func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
}

// deliver 投递事件，缓冲满时丢弃最旧的一条
// 只在 Hub 持锁时调用，因此只有一个发送方
func (s *Subscription) deliver(ev models.ProcessedEvent) {
	for {
		select {
		case s.ch <- ev:
			return
		default:
		}

		select {
		case <-s.ch:
			if s.dropped.Add(1) == 1 {
				s.hub.logger.Warn("Subscriber lagging, dropping oldest events",
					zap.String("subscriber_id", s.id),
					zap.String("subscriber", s.name),
				)
			}
			s.hub.metrics.SubscriberDropped.WithLabelValues(s.name).Inc()
		default:
			// 订阅者刚好读走了一条，重试发送
		}
	}
}
