package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"wisefido-sedentary/internal/classifier"
	"wisefido-sedentary/internal/common/database"
	"wisefido-sedentary/internal/common/mqtt"
	rediscommon "wisefido-sedentary/internal/common/redis"
	"wisefido-sedentary/internal/config"
	"wisefido-sedentary/internal/consumer"
	"wisefido-sedentary/internal/fallback"
	"wisefido-sedentary/internal/filter"
	httpapi "wisefido-sedentary/internal/http"
	"wisefido-sedentary/internal/hub"
	"wisefido-sedentary/internal/metrics"
	"wisefido-sedentary/internal/models"
	"wisefido-sedentary/internal/pipeline"
	"wisefido-sedentary/internal/repository"
	"wisefido-sedentary/internal/source"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// 通道缓冲：来源 -> Monitor -> 管道
const channelBuffer = 64

// sink Hub 下游消费者
type sink interface {
	Run(ctx context.Context, sub *hub.Subscription) error
}

type namedSink struct {
	name string
	sink sink
}

// SedentaryService 久坐监测服务
type SedentaryService struct {
	config      *config.Config
	logger      *zap.Logger
	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *mqtt.Client

	metrics  *metrics.Metrics
	hub      *hub.Hub
	pipeline *pipeline.Pipeline
	monitor  *fallback.Monitor
	source   source.Source
	sinks    []namedSink
	handler  http.Handler
	server   *Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSedentaryService 连接外部依赖并组装服务
func NewSedentaryService(cfg *config.Config, logger *zap.Logger) (*SedentaryService, error) {
	ctx := context.Background()

	// 初始化数据库
	db, err := database.NewPostgresDB(ctx, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// 初始化Redis
	redisClient := rediscommon.NewRedisClient(&cfg.Redis)
	if err := rediscommon.Ping(ctx, redisClient); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	var mqttClient *mqtt.Client
	if cfg.Source.Kind == config.SourceMQTT {
		mqttClient, err = mqtt.NewClient(&cfg.MQTT, logger)
		if err != nil {
			redisClient.Close()
			db.Close()
			return nil, err
		}
	}

	s, err := newSedentaryService(cfg, db, redisClient, mqttClient, logger)
	if err != nil {
		if mqttClient != nil {
			mqttClient.Disconnect()
		}
		redisClient.Close()
		db.Close()
		return nil, err
	}
	s.server = NewServer(cfg.Server.Address, s.handler, logger)
	return s, nil
}

// newSedentaryService 用已连接的客户端组装服务（不启动任何 goroutine）
func newSedentaryService(cfg *config.Config, db *sql.DB, redisClient *redis.Client, mqttClient *mqtt.Client, logger *zap.Logger) (*SedentaryService, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	cls, err := classifier.NewClassifier(classifier.Thresholds{
		Fidget:            cfg.Classifier.FidgetThreshold,
		Active:            cfg.Classifier.ActiveThreshold,
		AlertLimitSeconds: uint64(cfg.Classifier.AlertLimitSeconds),
	})
	if err != nil {
		return nil, err
	}

	repo := repository.NewSedentaryLogRepository(db, logger)
	if cfg.Sinks.EnsureSchema {
		if err := repo.EnsureSchema(context.Background()); err != nil {
			return nil, err
		}
	}

	var userID *uuid.UUID
	if cfg.Sinks.DefaultUserID != "" {
		id, err := uuid.Parse(cfg.Sinks.DefaultUserID)
		if err != nil {
			return nil, fmt.Errorf("invalid DEFAULT_USER_ID %q: %w", cfg.Sinks.DefaultUserID, err)
		}
		userID = &id
	}

	eventHub := hub.New(cfg.Sinks.SubscriberBuffer, m, logger)
	cacheSink := consumer.NewCacheSink(redisClient, cfg.Sinks.HistoryKey, cfg.Sinks.SensorHistoryLimit, m, logger)

	sinks := []namedSink{
		{name: "cache", sink: cacheSink},
		{name: "persistence", sink: consumer.NewPersistenceSink(repo, userID, cfg.Sinks.PersistReplayed, m, logger)},
	}
	var streamReader httpapi.HistoryReader
	if cfg.Sinks.StreamName != "" {
		streamSink := consumer.NewStreamSink(redisClient, cfg.Sinks.StreamName, cfg.Sinks.StreamMaxLen, m, logger)
		streamReader = streamSink
		sinks = append(sinks, namedSink{name: "stream", sink: streamSink})
	}
	if cfg.Sinks.AlertWebhookURL != "" {
		sinks = append(sinks, namedSink{
			name: "alert-webhook",
			sink: consumer.NewAlertNotifier(cfg.Sinks.AlertWebhookURL, m, logger),
		})
	}

	// 回放引擎，禁用时 Monitor 不会进入回放
	var replayer fallback.Replayer
	if !cfg.Fallback.Disabled {
		var history fallback.HistoryReader = repo
		if cfg.Fallback.HistorySource == config.HistoryCache {
			history = cacheSink
		}
		replayer = fallback.NewReplayEngine(history, fallback.ReplayConfig{
			BatchSize: cfg.Fallback.BatchSize,
			Interval:  cfg.ReplayInterval(),
			Loop:      cfg.Fallback.Loop,
		}, m, logger)
	}
	monitor := fallback.NewMonitor(fallback.MonitorConfig{
		Timeout:       cfg.FallbackTimeout(),
		CheckInterval: cfg.FallbackCheckInterval(),
		Disabled:      cfg.Fallback.Disabled,
	}, replayer, m, logger)

	src, err := buildSource(cfg, mqttClient, m, logger)
	if err != nil {
		return nil, err
	}

	router := httpapi.NewRouter(logger)
	router.RegisterStreamRoutes(httpapi.NewStreamHandler(eventHub, cacheSink, httpapi.StreamOptions{
		HistoryLimit: cfg.Sinks.SensorHistoryLimit,
		SkipHistory:  cfg.Sinks.SkipHistory,
	}, logger))
	router.RegisterStatusRoutes(httpapi.NewStatusHandler(monitor, eventHub, streamReader, logger))
	router.HandleHandler("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return &SedentaryService{
		config:      cfg,
		logger:      logger,
		db:          db,
		redisClient: redisClient,
		mqttClient:  mqttClient,
		metrics:     m,
		hub:         eventHub,
		pipeline:    pipeline.New(filter.NewSmoother(cfg.Classifier.SmoothingWindow), cls, eventHub, m, logger),
		monitor:     monitor,
		source:      src,
		sinks:       sinks,
		handler:     router,
	}, nil
}

// buildSource 按 SOURCE_KIND 创建采样来源，none 返回 nil
func buildSource(cfg *config.Config, mqttClient *mqtt.Client, m *metrics.Metrics, logger *zap.Logger) (source.Source, error) {
	switch cfg.Source.Kind {
	case config.SourceSerial:
		return source.NewSerialSource(cfg.Source.SerialPort, cfg.Source.BaudRate, source.OpenSerialPort, m, logger), nil
	case config.SourceMQTT:
		if mqttClient == nil {
			return nil, errors.New("mqtt source requires a connected MQTT client")
		}
		return source.NewMQTTSource(mqttClient, cfg.MQTT.Topic, cfg.MQTT.QoS, m, logger), nil
	case config.SourceLogFile:
		interval := time.Duration(cfg.Source.LogIntervalMs) * time.Millisecond
		return source.NewLogFileSource(cfg.Source.LogPath, interval, m, logger), nil
	case config.SourceNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown sample source %q", cfg.Source.Kind)
	}
}

// Handler HTTP 路由
func (s *SedentaryService) Handler() http.Handler {
	return s.handler
}

// Status 当前回放状态
func (s *SedentaryService) Status() models.FallbackStatus {
	return s.monitor.Status()
}

// Start 启动所有组件（非阻塞）
// 下游消费者先于来源订阅，保证不会错过第一条事件
func (s *SedentaryService) Start(ctx context.Context) error {
	s.logger.Info("Starting sedentary service components",
		zap.String("source", s.config.Source.Kind),
		zap.Bool("fallback_disabled", s.config.Fallback.Disabled),
		zap.Bool("replay_loop", s.config.Fallback.Loop),
		zap.String("replay_history", s.config.Fallback.HistorySource),
	)

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for _, ns := range s.sinks {
		ns := ns
		sub, err := s.hub.Subscribe(ns.name)
		if err != nil {
			cancel()
			return fmt.Errorf("failed to subscribe %s sink: %w", ns.name, err)
		}
		s.spawn(ns.name, func() error { return ns.sink.Run(ctx, sub) })
	}

	rawCh := make(chan models.RawSample, channelBuffer)
	sampleCh := make(chan models.Sample, channelBuffer)

	s.spawn("pipeline", func() error { return s.pipeline.Run(ctx, sampleCh) })
	s.spawn("monitor", func() error { return s.monitor.Run(ctx, rawCh, sampleCh) })

	if s.source != nil {
		s.spawn("source", func() error {
			// 来源是 rawCh 唯一的写入方
			defer close(rawCh)
			return s.source.Run(ctx, rawCh)
		})
	} else {
		s.logger.Warn("No sample source configured, relying on replay only")
	}

	if s.server != nil {
		go func() {
			if err := s.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("HTTP server failed", zap.Error(err))
			}
		}()
	}

	s.logger.Info("Sedentary service started successfully")
	return nil
}

func (s *SedentaryService) spawn(name string, run func() error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := run(); err != nil {
			s.logger.Error("Component stopped with error",
				zap.String("component", name),
				zap.Error(err),
			)
			return
		}
		s.logger.Debug("Component stopped", zap.String("component", name))
	}()
}

// Stop 停止服务
// 先关闭 Hub 让事件流连接结束，再关闭 HTTP 服务和外部连接
func (s *SedentaryService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping sedentary service")

	if s.cancel != nil {
		s.cancel()
	}
	s.hub.Close()

	if s.server != nil {
		if err := s.server.Stop(ctx); err != nil {
			s.logger.Error("Error stopping HTTP server", zap.Error(err))
		}
	}

	s.wg.Wait()

	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}

	// 关闭Redis
	if err := rediscommon.Close(s.redisClient); err != nil {
		s.logger.Error("Error closing Redis client", zap.Error(err))
	}

	// 关闭数据库
	if err := database.Close(s.db); err != nil {
		s.logger.Error("Error closing database connection", zap.Error(err))
	}

	s.logger.Info("Sedentary service stopped")
	return nil
}
