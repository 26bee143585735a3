package hub

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"wisefido-sedentary/internal/metrics"
	"wisefido-sedentary/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultBuffer 默认每个订阅者的缓冲大小
const DefaultBuffer = 256

// ErrHubClosed Hub 已关闭
var ErrHubClosed = errors.New("hub closed")

// Hub 事件广播器
// 每个订阅者有独立的有界缓冲；缓冲满时丢弃最旧的未投递事件并累加丢弃计数，发布方从不阻塞
type Hub struct {
	mu     sync.Mutex
	subs   map[string]*Subscription
	buffer int
	closed bool
	seq    uint64

	published atomic.Uint64

	metrics *metrics.Metrics
	logger  *zap.Logger
}

// New 创建 Hub
func New(buffer int, m *metrics.Metrics, logger *zap.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Hub{
		subs:   make(map[string]*Subscription),
		buffer: buffer,
		// 以启动时间为起点，重启后的序号仍大于缓存中旧进程写入的序号
		seq:     uint64(time.Now().UnixNano()),
		metrics: m,
		logger:  logger,
	}
}

// Subscribe 注册订阅者，name 用于日志和指标
// 新订阅者从空缓冲开始，不会收到订阅之前发布的事件
func (h *Hub) Subscribe(name string) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrHubClosed
	}

	sub := &Subscription{
		id:   uuid.NewString(),
		name: name,
		ch:   make(chan models.ProcessedEvent, h.buffer),
		hub:  h,
	}
	h.subs[sub.id] = sub
	h.metrics.Subscribers.Set(float64(len(h.subs)))

	h.logger.Debug("Subscriber attached",
		zap.String("subscriber_id", sub.id),
		zap.String("subscriber", name),
		zap.Int("buffer", h.buffer),
	)
	return sub, nil
}

// Publish 发布事件到所有订阅者（非阻塞）
// 持锁期间分配序号并完成所有投递，保证每个订阅者看到的顺序与发布顺序一致
func (h *Hub) Publish(ev models.ProcessedEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}

	h.seq++
	ev.Seq = h.seq
	h.published.Add(1)
	h.metrics.EventsPublished.WithLabelValues(ev.Origin.String()).Inc()

	for _, sub := range h.subs {
		sub.deliver(ev)
	}
}

// Published 已发布事件总数
func (h *Hub) Published() uint64 {
	return h.published.Load()
}

// SubscriberCount 当前订阅者数量
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// SubscriberStats 订阅者诊断信息
type SubscriberStats struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Pending int    `json:"pending"`
	Dropped uint64 `json:"dropped"`
}

// Stats 返回所有订阅者的诊断信息（按名称排序）
func (h *Hub) Stats() []SubscriberStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	stats := make([]SubscriberStats, 0, len(h.subs))
	for _, sub := range h.subs {
		stats = append(stats, SubscriberStats{
			ID:      sub.id,
			Name:    sub.name,
			Pending: len(sub.ch),
			Dropped: sub.dropped.Load(),
		})
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Name == stats[j].Name {
			return stats[i].ID < stats[j].ID
		}
		return stats[i].Name < stats[j].Name
	})
	return stats
}

// Close 关闭 Hub 及所有订阅（幂等）
// 订阅者可继续读完缓冲中剩余的事件
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		close(sub.ch)
		delete(h.subs, id)
	}
	h.metrics.Subscribers.Set(0)
}

// unsubscribe 移除订阅并关闭其通道
func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[sub.id]; !ok {
		return
	}
	delete(h.subs, sub.id)
	close(sub.ch)
	h.metrics.Subscribers.Set(float64(len(h.subs)))

	h.logger.Debug("Subscriber detached",
		zap.String("subscriber_id", sub.id),
		zap.String("subscriber", sub.name),
		zap.Uint64("dropped", sub.dropped.Load()),
	)
}
