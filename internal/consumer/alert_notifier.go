package consumer

import (
	"context"
	"fmt"
	"time"

	"wisefido-sedentary/internal/hub"
	"wisefido-sedentary/internal/metrics"
	"wisefido-sedentary/internal/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// AlertNotification webhook 请求体
type AlertNotification struct {
	Type              string    `json:"type"`
	State             string    `json:"state"`
	InactivitySeconds uint64    `json:"timer"`
	ObservedAt        time.Time `json:"timestamp"`
	Message           string    `json:"message"`
}

// AlertNotifier 从电平触发的 alert 标志派生边沿通知（false -> true 时发送一次）
// 回放事件不参与边沿判断
type AlertNotifier struct {
	client  *resty.Client
	url     string
	metrics *metrics.Metrics
	logger  *zap.Logger

	// 只在 Run 的 goroutine 中访问
	alerting bool
}

// NewAlertNotifier 创建报警通知器
func NewAlertNotifier(url string, m *metrics.Metrics, logger *zap.Logger) *AlertNotifier {
	if m == nil {
		m = metrics.NewNop()
	}
	client := resty.New().
		SetTimeout(writeTimeout).
		SetHeader("Content-Type", "application/json")

	return &AlertNotifier{
		client:  client,
		url:     url,
		metrics: m,
		logger:  logger,
	}
}

// Run 消费 Hub 订阅
func (n *AlertNotifier) Run(ctx context.Context, sub *hub.Subscription) error {
	return runSubscription(ctx, sub, "alert_webhook", n.metrics, n.logger, n.Handle)
}

// Handle 处理一条事件，仅在报警上升沿发送通知
func (n *AlertNotifier) Handle(ctx context.Context, ev models.ProcessedEvent) error {
	if ev.Replayed() {
		return nil
	}

	rising := ev.Alert && !n.alerting
	n.alerting = ev.Alert
	if !rising {
		return nil
	}

	body := AlertNotification{
		Type:              "sedentary_alert",
		State:             string(ev.State),
		InactivitySeconds: ev.InactivitySeconds,
		ObservedAt:        ev.ObservedAt,
		Message:           fmt.Sprintf("inactive for %d ticks", ev.InactivitySeconds),
	}

	resp, err := n.client.R().
		SetContext(ctx).
		SetBody(body).
		Post(n.url)
	if err != nil {
		return fmt.Errorf("failed to post alert: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("alert webhook returned status %d", resp.StatusCode())
	}

	n.logger.Info("Sedentary alert sent",
		zap.Uint64("timer", ev.InactivitySeconds),
		zap.Time("observed_at", ev.ObservedAt),
	)
	return nil
}
