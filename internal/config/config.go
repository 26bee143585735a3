package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"wisefido-sedentary/internal/classifier"
	"wisefido-sedentary/internal/common/config"

	"gopkg.in/yaml.v3"
)

// 采样来源
const (
	SourceSerial  = "serial"
	SourceMQTT    = "mqtt"
	SourceLogFile = "logfile"
	SourceNone    = "none"
)

// 回放历史来源
const (
	HistoryDatabase = "database"
	HistoryCache    = "cache"
)

// Config 久坐监测服务配置
type Config struct {
	Database config.DatabaseConfig `yaml:"database"`
	Redis    config.RedisConfig    `yaml:"redis"`
	MQTT     config.MQTTConfig     `yaml:"mqtt"`

	// 分类配置
	Classifier struct {
		FidgetThreshold   float64 `yaml:"fidgetThreshold"`
		ActiveThreshold   float64 `yaml:"activeThreshold"`
		AlertLimitSeconds int64   `yaml:"alertLimitSeconds"`
		SmoothingWindow   int     `yaml:"smoothingWindow"`
	} `yaml:"classifier"`

	// 回放配置
	Fallback struct {
		Disabled         bool   `yaml:"disableFallback"`
		TimeoutSeconds   int    `yaml:"fallbackTimeoutSeconds"`
		CheckIntervalMs  int    `yaml:"fallbackCheckIntervalMs"`
		BatchSize        int    `yaml:"fallbackBatchSize"`
		ReplayIntervalMs int    `yaml:"replayIntervalMs"`
		Loop             bool   `yaml:"replayLoop"`
		HistorySource    string `yaml:"replayHistorySource"`
	} `yaml:"fallback"`

	// 采样来源
	Source struct {
		Kind          string `yaml:"kind"`
		SerialPort    string `yaml:"serialPort"`
		BaudRate      int    `yaml:"baudRate"`
		LogPath       string `yaml:"logPath"`
		LogIntervalMs int    `yaml:"logIntervalMs"`
	} `yaml:"source"`

	// 下游消费者
	Sinks struct {
		HistoryKey         string `yaml:"historyKey"`
		SensorHistoryLimit int    `yaml:"sensorHistoryLimit"`
		SkipHistory        bool   `yaml:"skipHistory"`
		SubscriberBuffer   int    `yaml:"subscriberBuffer"`
		PersistReplayed    bool   `yaml:"persistReplayed"`
		EnsureSchema       bool   `yaml:"ensureSchema"`
		DefaultUserID      string `yaml:"defaultUserId"`
		StreamName         string `yaml:"streamName"`
		StreamMaxLen       int64  `yaml:"streamMaxLen"`
		AlertWebhookURL    string `yaml:"alertWebhookUrl"`
	} `yaml:"sinks"`

	Server struct {
		Address string `yaml:"address"`
	} `yaml:"server"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Load 加载配置：默认值 -> CONFIG_FILE(YAML) -> 环境变量 -> 校验
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.loadEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default 默认配置
func Default() *Config {
	cfg := &Config{}

	cfg.Database.Host = "localhost"
	cfg.Database.Port = 5432
	cfg.Database.User = "postgres"
	cfg.Database.Password = "postgres"
	cfg.Database.Database = "sedentary"
	cfg.Database.SSLMode = "disable"
	cfg.Database.MaxConns = 5

	cfg.Redis.Addr = "localhost:6379"

	cfg.MQTT.Broker = "tcp://localhost:1883"
	cfg.MQTT.ClientID = "wisefido-sedentary"
	cfg.MQTT.Topic = "sensors/sedentary"
	cfg.MQTT.QoS = 1

	cfg.Classifier.FidgetThreshold = 0.020
	cfg.Classifier.ActiveThreshold = 0.040
	cfg.Classifier.AlertLimitSeconds = 1200
	cfg.Classifier.SmoothingWindow = 10

	cfg.Fallback.TimeoutSeconds = 10
	cfg.Fallback.CheckIntervalMs = 1000
	cfg.Fallback.BatchSize = 500
	cfg.Fallback.ReplayIntervalMs = 100
	cfg.Fallback.HistorySource = HistoryDatabase

	cfg.Source.Kind = SourceSerial
	cfg.Source.SerialPort = "/dev/ttyUSB0"
	cfg.Source.BaudRate = 115200
	cfg.Source.LogIntervalMs = 50

	cfg.Sinks.HistoryKey = "sensor_history"
	cfg.Sinks.SensorHistoryLimit = 500
	cfg.Sinks.SubscriberBuffer = 256
	cfg.Sinks.StreamMaxLen = 10000

	cfg.Server.Address = "0.0.0.0:8000"

	cfg.Log.Level = "info"
	cfg.Log.Format = "json"

	return cfg
}

// loadFile 从 YAML 文件覆盖配置
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// loadEnv 从环境变量覆盖配置
func (c *Config) loadEnv() {
	c.Database.LoadFromEnv("DB")
	c.Database.URL = getEnv("DATABASE_URL", c.Database.URL)
	c.Redis.LoadFromEnv("REDIS")
	c.MQTT.LoadFromEnv("MQTT")

	c.Classifier.FidgetThreshold = getEnvFloat("THRESH_FIDGET", c.Classifier.FidgetThreshold)
	c.Classifier.ActiveThreshold = getEnvFloat("THRESH_ACTIVE", c.Classifier.ActiveThreshold)
	c.Classifier.AlertLimitSeconds = int64(getEnvInt("ALERT_LIMIT_SECONDS", int(c.Classifier.AlertLimitSeconds)))
	c.Classifier.SmoothingWindow = getEnvInt("SMOOTHING_WINDOW", c.Classifier.SmoothingWindow)

	c.Fallback.Disabled = getEnvBool("DISABLE_FALLBACK", c.Fallback.Disabled)
	c.Fallback.TimeoutSeconds = getEnvInt("FALLBACK_TIMEOUT_SECONDS", c.Fallback.TimeoutSeconds)
	c.Fallback.CheckIntervalMs = getEnvInt("FALLBACK_CHECK_INTERVAL_MS", c.Fallback.CheckIntervalMs)
	c.Fallback.BatchSize = getEnvInt("FALLBACK_BATCH_SIZE", c.Fallback.BatchSize)
	c.Fallback.ReplayIntervalMs = getEnvInt("FALLBACK_REPLAY_INTERVAL_MS", c.Fallback.ReplayIntervalMs)
	c.Fallback.Loop = getEnvBool("FALLBACK_REPLAY_LOOP", c.Fallback.Loop)
	c.Fallback.HistorySource = getEnv("FALLBACK_HISTORY_SOURCE", c.Fallback.HistorySource)

	c.Source.Kind = getEnv("SOURCE_KIND", c.Source.Kind)
	c.Source.SerialPort = getEnv("SERIAL_PORT", c.Source.SerialPort)
	c.Source.BaudRate = getEnvInt("BAUD_RATE", c.Source.BaudRate)
	c.Source.LogPath = getEnv("REPLAY_LOG_PATH", c.Source.LogPath)
	c.Source.LogIntervalMs = getEnvInt("REPLAY_SPEED_MS", c.Source.LogIntervalMs)

	c.Sinks.HistoryKey = getEnv("SENSOR_HISTORY_KEY", c.Sinks.HistoryKey)
	c.Sinks.SensorHistoryLimit = getEnvInt("SENSOR_HISTORY_LIMIT", c.Sinks.SensorHistoryLimit)
	c.Sinks.SkipHistory = getEnvBool("SKIP_HISTORY", c.Sinks.SkipHistory)
	c.Sinks.SubscriberBuffer = getEnvInt("SUBSCRIBER_BUFFER", c.Sinks.SubscriberBuffer)
	c.Sinks.PersistReplayed = getEnvBool("PERSIST_REPLAYED", c.Sinks.PersistReplayed)
	c.Sinks.EnsureSchema = getEnvBool("DB_ENSURE_SCHEMA", c.Sinks.EnsureSchema)
	c.Sinks.DefaultUserID = getEnv("DEFAULT_USER_ID", c.Sinks.DefaultUserID)
	c.Sinks.StreamName = getEnv("STREAM_NAME", c.Sinks.StreamName)
	c.Sinks.StreamMaxLen = int64(getEnvInt("STREAM_MAX_LEN", int(c.Sinks.StreamMaxLen)))
	c.Sinks.AlertWebhookURL = getEnv("ALERT_WEBHOOK_URL", c.Sinks.AlertWebhookURL)

	c.Server.Address = getEnv("SERVER_ADDRESS", c.Server.Address)

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
}

// Validate 校验配置，任何错误都会阻止服务启动
func (c *Config) Validate() error {
	if c.Classifier.FidgetThreshold >= c.Classifier.ActiveThreshold {
		return fmt.Errorf("%w: fidget=%v active=%v", classifier.ErrInvalidThresholds,
			c.Classifier.FidgetThreshold, c.Classifier.ActiveThreshold)
	}
	if c.Classifier.AlertLimitSeconds < 0 {
		return fmt.Errorf("alert limit must not be negative, got %d", c.Classifier.AlertLimitSeconds)
	}
	if c.Classifier.SmoothingWindow <= 0 {
		return fmt.Errorf("smoothing window must be positive, got %d", c.Classifier.SmoothingWindow)
	}
	if c.Fallback.TimeoutSeconds <= 0 {
		return fmt.Errorf("fallback timeout must be positive, got %d", c.Fallback.TimeoutSeconds)
	}
	if c.Fallback.CheckIntervalMs <= 0 {
		return fmt.Errorf("fallback check interval must be positive, got %d", c.Fallback.CheckIntervalMs)
	}
	if c.Fallback.BatchSize <= 0 {
		return fmt.Errorf("fallback batch size must be positive, got %d", c.Fallback.BatchSize)
	}
	if c.Fallback.ReplayIntervalMs <= 0 {
		return fmt.Errorf("replay interval must be positive, got %d", c.Fallback.ReplayIntervalMs)
	}
	switch c.Fallback.HistorySource {
	case HistoryDatabase, HistoryCache:
	default:
		return fmt.Errorf("unknown replay history source %q", c.Fallback.HistorySource)
	}
	switch c.Source.Kind {
	case SourceSerial, SourceMQTT, SourceNone:
	case SourceLogFile:
		if c.Source.LogPath == "" {
			return errors.New("REPLAY_LOG_PATH is required for the logfile source")
		}
	default:
		return fmt.Errorf("unknown sample source %q", c.Source.Kind)
	}
	if c.Sinks.SensorHistoryLimit <= 0 {
		return fmt.Errorf("sensor history limit must be positive, got %d", c.Sinks.SensorHistoryLimit)
	}
	if c.Sinks.SubscriberBuffer <= 0 {
		return fmt.Errorf("subscriber buffer must be positive, got %d", c.Sinks.SubscriberBuffer)
	}
	return nil
}

// FallbackTimeout 无数据判定时长
func (c *Config) FallbackTimeout() time.Duration {
	return time.Duration(c.Fallback.TimeoutSeconds) * time.Second
}

// FallbackCheckInterval 检测周期
func (c *Config) FallbackCheckInterval() time.Duration {
	return time.Duration(c.Fallback.CheckIntervalMs) * time.Millisecond
}

// ReplayInterval 回放间隔
func (c *Config) ReplayInterval() time.Duration {
	return time.Duration(c.Fallback.ReplayIntervalMs) * time.Millisecond
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.Atoi(value); err == nil {
			return v
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.ParseFloat(value, 64); err == nil {
			return v
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.ParseBool(value); err == nil {
			return v
		}
	}
	return defaultValue
}
