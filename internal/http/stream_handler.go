package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"wisefido-sedentary/internal/hub"
	"wisefido-sedentary/internal/models"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// sseEventName 事件名，与前端保持一致
	sseEventName   = "sensor-data"
	sseLagEvent    = "lag"
	wsWriteTimeout = 5 * time.Second
	wsReadLimit    = 512
)

// EventSubscriber 订阅接口（hub.Hub）
type EventSubscriber interface {
	Subscribe(name string) (*hub.Subscription, error)
}

// HistoryReader 最近历史（consumer.CacheSink）
type HistoryReader interface {
	RecentEvents(ctx context.Context, limit int) ([]models.ProcessedEvent, error)
}

// StreamOptions 事件流选项
type StreamOptions struct {
	HistoryLimit int
	SkipHistory  bool
	KeepAlive    time.Duration
}

// StreamHandler 实时事件流（SSE / WebSocket）
// 新连接先订阅 Hub 再读取缓存的最近历史（可关闭），历史与实时之间没有空隙；
// 序号不大于历史最后一条的实时事件已随历史发送，直接跳过
type StreamHandler struct {
	events   EventSubscriber
	history  HistoryReader
	opts     StreamOptions
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewStreamHandler 创建事件流处理器，history 可为 nil
func NewStreamHandler(events EventSubscriber, history HistoryReader, opts StreamOptions, logger *zap.Logger) *StreamHandler {
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 15 * time.Second
	}
	return &StreamHandler{
		events:  events,
		history: history,
		opts:    opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// 看板与 API 不同源
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// seed 读取初始历史，失败时返回空（不影响实时流）
func (s *StreamHandler) seed(ctx context.Context) []models.ProcessedEvent {
	if s.opts.SkipHistory || s.history == nil {
		return nil
	}
	events, err := s.history.RecentEvents(ctx, s.opts.HistoryLimit)
	if err != nil {
		s.logger.Warn("Failed to load history for new subscriber", zap.Error(err))
		return nil
	}
	return events
}

// ServeSSE Server-Sent Events
func (s *StreamHandler) ServeSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	sub, err := s.events.Subscribe("sse")
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	history := s.seed(ctx)

	s.logger.Info("SSE client connected",
		zap.String("subscriber_id", sub.ID()),
		zap.String("remote_addr", r.RemoteAddr),
		zap.Int("history", len(history)),
	)

	for _, ev := range history {
		if err := writeSSE(w, sseEventName, ev); err != nil {
			return
		}
	}
	flusher.Flush()
	seen := lastSeq(history)

	keepAlive := time.NewTicker(s.opts.KeepAlive)
	defer keepAlive.Stop()

	var lastDropped uint64
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("SSE client disconnected", zap.String("subscriber_id", sub.ID()))
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if dropped := sub.Dropped(); dropped != lastDropped {
				lastDropped = dropped
				if err := writeSSE(w, sseLagEvent, map[string]uint64{"dropped": dropped}); err != nil {
					return
				}
			}
			if ev.Seq <= seen {
				continue
			}
			if err := writeSSE(w, sseEventName, ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// lastSeq 历史中最大的 Hub 序号
func lastSeq(history []models.ProcessedEvent) uint64 {
	var seq uint64
	for _, ev := range history {
		if ev.Seq > seq {
			seq = ev.Seq
		}
	}
	return seq
}

func writeSSE(w http.ResponseWriter, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

// lagMessage WebSocket 上的丢弃通知
type lagMessage struct {
	Type    string `json:"type"`
	Dropped uint64 `json:"dropped"`
}

// ServeWebSocket WebSocket 事件流，每条事件一个文本帧
func (s *StreamHandler) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub, err := s.events.Subscribe("websocket")
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(wsWriteTimeout))
		return
	}
	defer sub.Close()
	history := s.seed(ctx)

	s.logger.Info("WebSocket client connected",
		zap.String("subscriber_id", sub.ID()),
		zap.String("remote_addr", r.RemoteAddr),
	)

	// 读循环只用于感知客户端断开
	conn.SetReadLimit(wsReadLimit)
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for _, ev := range history {
		if err := s.writeWS(conn, ev); err != nil {
			return
		}
	}
	seen := lastSeq(history)

	ping := time.NewTicker(s.opts.KeepAlive)
	defer ping.Stop()

	var lastDropped uint64
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("WebSocket client disconnected", zap.String("subscriber_id", sub.ID()))
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case ev, ok := <-sub.Events():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(wsWriteTimeout))
				return
			}
			if dropped := sub.Dropped(); dropped != lastDropped {
				lastDropped = dropped
				if err := s.writeWS(conn, lagMessage{Type: sseLagEvent, Dropped: dropped}); err != nil {
					return
				}
			}
			if ev.Seq <= seen {
				continue
			}
			if err := s.writeWS(conn, ev); err != nil {
				return
			}
		}
	}
}

func (s *StreamHandler) writeWS(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(v)
}
