package httpapi

import (
	"net/http"
	"strconv"

	"wisefido-sedentary/internal/hub"
	"wisefido-sedentary/internal/models"

	"go.uber.org/zap"
)

// FallbackStatusProvider 回放状态来源（fallback.Monitor）
type FallbackStatusProvider interface {
	Status() models.FallbackStatus
}

// HubInspector Hub 诊断接口
type HubInspector interface {
	Stats() []hub.SubscriberStats
	Published() uint64
}

const (
	defaultStreamCount = 20
	maxStreamCount     = 1000
)

// StatusHandler 诊断接口
type StatusHandler struct {
	fallback FallbackStatusProvider
	hub      HubInspector
	stream   HistoryReader // Stream 镜像（consumer.StreamSink），未启用时为 nil
	logger   *zap.Logger
}

// NewStatusHandler 创建诊断处理器，stream 可为 nil
func NewStatusHandler(fallback FallbackStatusProvider, h HubInspector, stream HistoryReader, logger *zap.Logger) *StatusHandler {
	return &StatusHandler{
		fallback: fallback,
		hub:      h,
		stream:   stream,
		logger:   logger,
	}
}

// Health 存活检查
func (s *StatusHandler) Health(w http.ResponseWriter, _ *http.Request) {
	status := s.fallback.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"mode":        status.Mode,
		"subscribers": len(s.hub.Stats()),
		"published":   s.hub.Published(),
	})
}

// FallbackStatus 返回 FallbackStatus
func (s *StatusHandler) FallbackStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.fallback.Status())
}

// Subscribers 返回每个订阅者的缓冲与丢弃计数
func (s *StatusHandler) Subscribers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"published":   s.hub.Published(),
		"subscribers": s.hub.Stats(),
	})
}

// StreamRecent 返回 Stream 镜像中最新的事件，?count=N（默认 20，最大 1000）
func (s *StatusHandler) StreamRecent(w http.ResponseWriter, r *http.Request) {
	if s.stream == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "stream mirror disabled"})
		return
	}

	count := defaultStreamCount
	if v := r.URL.Query().Get("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "count must be a positive integer"})
			return
		}
		count = min(n, maxStreamCount)
	}

	events, err := s.stream.RecentEvents(r.Context(), count)
	if err != nil {
		s.logger.Error("Failed to read stream mirror", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "failed to read stream"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":  len(events),
		"events": events,
	})
}
