package httpapi

import (
	"net/http"

	"go.uber.org/zap"
)

// Router 使用标准库 http.ServeMux
type Router struct {
	mux    *http.ServeMux
	logger *zap.Logger
}

// NewRouter 创建路由
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		mux:    http.NewServeMux(),
		logger: logger,
	}
}

// Handle 注册处理函数
func (r *Router) Handle(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, h)
}

// HandleHandler 支持 http.Handler 接口（用于 /metrics）
func (r *Router) HandleHandler(pattern string, h http.Handler) {
	r.mux.Handle(pattern, h)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// RegisterStreamRoutes 注册实时事件流路由
func (r *Router) RegisterStreamRoutes(s *StreamHandler) {
	r.Handle("/events", getOnly(s.ServeSSE))
	r.Handle("/ws", getOnly(s.ServeWebSocket))
}

// RegisterStatusRoutes 注册诊断路由
func (r *Router) RegisterStatusRoutes(s *StatusHandler) {
	r.Handle("/health", getOnly(s.Health))
	r.Handle("/api/fallback/status", getOnly(s.FallbackStatus))
	r.Handle("/api/hub/subscribers", getOnly(s.Subscribers))
	r.Handle("/api/stream/recent", getOnly(s.StreamRecent))
}

func getOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h(w, req)
	}
}
