package source

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"time"

	"wisefido-sedentary/internal/metrics"
	"wisefido-sedentary/internal/models"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

// PortOpener 打开串口，测试中可替换
type PortOpener func(path string, mode *serial.Mode) (io.ReadCloser, error)

// OpenSerialPort 使用 go.bug.st/serial 打开串口
func OpenSerialPort(path string, mode *serial.Mode) (io.ReadCloser, error) {
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}
	return port, nil
}

// SerialSource 串口采样来源（每行一个 JSON 对象）
// 串口断开后按指数退避重连，断开期间由 Liveness Monitor 负责回放
type SerialSource struct {
	path    string
	mode    *serial.Mode
	open    PortOpener
	decoder decoder
	logger  *zap.Logger

	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewSerialSource 创建串口来源，8N1
func NewSerialSource(path string, baudRate int, open PortOpener, m *metrics.Metrics, logger *zap.Logger) *SerialSource {
	if open == nil {
		open = OpenSerialPort
	}
	return &SerialSource{
		path: path,
		mode: &serial.Mode{
			BaudRate: baudRate,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		},
		open:           open,
		decoder:        newDecoder("serial", m, logger),
		logger:         logger,
		initialBackoff: time.Second,
		maxBackoff:     30 * time.Second,
	}
}

// Name 来源名称
func (s *SerialSource) Name() string {
	return "serial"
}

// Run 读取串口直到 ctx 取消
func (s *SerialSource) Run(ctx context.Context, out chan<- models.RawSample) error {
	bo := newBackoff(s.initialBackoff, s.maxBackoff)

	for {
		if ctx.Err() != nil {
			return nil
		}

		port, err := s.open(s.path, s.mode)
		if err != nil {
			wait := bo.next()
			s.logger.Warn("Failed to open serial port, retrying",
				zap.String("port", s.path),
				zap.Duration("retry_in", wait),
				zap.Error(err),
			)
			if !sleep(ctx, wait) {
				return nil
			}
			continue
		}

		s.logger.Info("Serial port opened",
			zap.String("port", s.path),
			zap.Int("baud_rate", s.mode.BaudRate),
		)

		readErr := s.readPort(ctx, port, out, bo)
		if ctx.Err() != nil {
			return nil
		}

		wait := bo.next()
		s.logger.Warn("Serial port closed, reconnecting",
			zap.String("port", s.path),
			zap.Duration("retry_in", wait),
			zap.Error(readErr),
		)
		if !sleep(ctx, wait) {
			return nil
		}
	}
}

// readPort 逐行读取，直到端口出错或 ctx 取消
func (s *SerialSource) readPort(ctx context.Context, port io.ReadCloser, out chan<- models.RawSample, bo *backoff) error {
	// ctx 取消时关闭端口以解除阻塞的 Read
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			port.Close()
		case <-stop:
		}
	}()
	defer port.Close()

	scanner := bufio.NewScanner(port)
	for scanner.Scan() {
		sample, ok := s.decoder.decode(scanner.Bytes())
		if !ok {
			continue
		}
		bo.reset()
		if !emit(ctx, out, sample) {
			return ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read serial port: %w", err)
	}
	return io.EOF
}
