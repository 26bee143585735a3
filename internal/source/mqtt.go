package source

import (
	"context"
	"sync"

	"wisefido-sedentary/internal/common/mqtt"
	"wisefido-sedentary/internal/metrics"
	"wisefido-sedentary/internal/models"

	"go.uber.org/zap"
)

// MQTTSubscriber MQTT 订阅接口（由 common/mqtt.Client 实现）
type MQTTSubscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topics ...string) error
}

// MQTTSource MQTT 采样来源，每条消息一个 JSON 对象
type MQTTSource struct {
	client  MQTTSubscriber
	topic   string
	qos     byte
	decoder decoder
	logger  *zap.Logger
}

// NewMQTTSource 创建 MQTT 来源
func NewMQTTSource(client MQTTSubscriber, topic string, qos byte, m *metrics.Metrics, logger *zap.Logger) *MQTTSource {
	return &MQTTSource{
		client:  client,
		topic:   topic,
		qos:     qos,
		decoder: newDecoder("mqtt", m, logger),
		logger:  logger,
	}
}

// Name 来源名称
func (s *MQTTSource) Name() string {
	return "mqtt"
}

// Run 订阅主题直到 ctx 取消
// 返回之后 paho 仍可能回调已分发的消息，这些消息被丢弃，不会再写入 out
func (s *MQTTSource) Run(ctx context.Context, out chan<- models.RawSample) error {
	var (
		mu      sync.Mutex
		stopped bool
	)
	handler := func(topic string, payload []byte) error {
		sample, ok := s.decoder.decode(payload)
		if !ok {
			return nil
		}
		mu.Lock()
		defer mu.Unlock()
		if stopped {
			return nil
		}
		emit(ctx, out, sample)
		return nil
	}

	if err := s.client.Subscribe(s.topic, s.qos, handler); err != nil {
		return err
	}
	s.logger.Info("Subscribed to sample topic",
		zap.String("topic", s.topic),
		zap.Uint8("qos", s.qos),
	)

	<-ctx.Done()

	if err := s.client.Unsubscribe(s.topic); err != nil {
		s.logger.Warn("Failed to unsubscribe sample topic",
			zap.String("topic", s.topic),
			zap.Error(err),
		)
	}

	mu.Lock()
	stopped = true
	mu.Unlock()
	return nil
}
