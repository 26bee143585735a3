package source

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"time"

	"wisefido-sedentary/internal/metrics"
	"wisefido-sedentary/internal/models"

	"go.uber.org/zap"
)

// LogFileSource 按固定间隔回放日志文件中的采样
// 行格式为 JSON 对象，可带 "[timestamp] " 前缀；文件读完后来源结束
type LogFileSource struct {
	path     string
	interval time.Duration
	decoder  decoder
	logger   *zap.Logger
}

// NewLogFileSource 创建日志文件来源
func NewLogFileSource(path string, interval time.Duration, m *metrics.Metrics, logger *zap.Logger) *LogFileSource {
	return &LogFileSource{
		path:     path,
		interval: interval,
		decoder:  newDecoder("logfile", m, logger),
		logger:   logger,
	}
}

// Name 来源名称
func (l *LogFileSource) Name() string {
	return "logfile"
}

// Run 读取整个文件
func (l *LogFileSource) Run(ctx context.Context, out chan<- models.RawSample) error {
	f, err := os.Open(l.path)
	if err != nil {
		return fmt.Errorf("failed to open replay log %s: %w", l.path, err)
	}
	defer f.Close()

	l.logger.Info("Replaying sample log",
		zap.String("path", l.path),
		zap.Duration("interval", l.interval),
	)

	var emitted int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		sample, ok := l.decoder.decode(scanner.Bytes())
		if !ok {
			continue
		}
		if emitted > 0 && l.interval > 0 && !sleep(ctx, l.interval) {
			return nil
		}
		if !emit(ctx, out, sample) {
			return nil
		}
		emitted++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read replay log %s: %w", l.path, err)
	}

	l.logger.Info("Sample log exhausted",
		zap.String("path", l.path),
		zap.Int("samples", emitted),
	)
	return nil
}
