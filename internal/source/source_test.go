package source

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"wisefido-sedentary/internal/common/mqtt"
	"wisefido-sedentary/internal/metrics"
	"wisefido-sedentary/internal/models"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
	"go.uber.org/zap"
)

func collect(t *testing.T, out <-chan models.RawSample, n int) []models.RawSample {
	t.Helper()
	var got []models.RawSample
	timeout := time.After(3 * time.Second)
	for len(got) < n {
		select {
		case s := <-out:
			got = append(got, s)
		case <-timeout:
			t.Fatalf("timed out after %d of %d samples", len(got), n)
		}
	}
	return got
}

// pipePort 用 io.Pipe 模拟串口
type pipePort struct {
	*io.PipeReader
	once sync.Once
}

func (p *pipePort) Close() error {
	p.once.Do(func() { p.PipeReader.Close() })
	return nil
}

func TestSerialSource_ReadsLinesAndDropsMalformed(t *testing.T) {
	pr, pw := io.Pipe()
	var gotPath string
	var gotMode *serial.Mode
	opener := func(path string, mode *serial.Mode) (io.ReadCloser, error) {
		gotPath, gotMode = path, mode
		return &pipePort{PipeReader: pr}, nil
	}

	m := metrics.NewNop()
	src := NewSerialSource("/dev/ttyACM0", 115200, opener, m, zap.NewNop())
	out := make(chan models.RawSample, 8)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx, out) }()

	go func() {
		io.WriteString(pw, `{"ts":"08:00:00","pir":0,"acc":0.004}`+"\n")
		io.WriteString(pw, "garbage\n")
		io.WriteString(pw, `{"ts":"08:00:01","pir":1,"acc":0.09}`+"\n")
	}()

	got := collect(t, out, 2)
	assert.False(t, got[0].MotionFlag)
	assert.True(t, got[1].MotionFlag)
	assert.Equal(t, "/dev/ttyACM0", gotPath)
	assert.Equal(t, 115200, gotMode.BaudRate)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SamplesMalformed.WithLabelValues("serial")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SamplesAccepted.WithLabelValues("serial")))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serial source did not stop")
	}
}

func TestSerialSource_ReconnectsAfterOpenFailure(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	opener := func(string, *serial.Mode) (io.ReadCloser, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return nil, errors.New("no such device")
		}
		return io.NopCloser(strings.NewReader(`{"pir":0,"acc":0.01}` + "\n")), nil
	}

	src := NewSerialSource("/dev/ttyUSB9", 9600, opener, nil, zap.NewNop())
	src.initialBackoff = time.Millisecond
	src.maxBackoff = 4 * time.Millisecond

	out := make(chan models.RawSample, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go src.Run(ctx, out)

	got := collect(t, out, 1)
	assert.InDelta(t, 0.01, got[0].AccelDelta, 1e-12)

	mu.Lock()
	assert.GreaterOrEqual(t, attempts, 3)
	mu.Unlock()
}

func TestBackoff(t *testing.T) {
	bo := newBackoff(time.Second, 30*time.Second)
	var waits []time.Duration
	for i := 0; i < 7; i++ {
		waits = append(waits, bo.next())
	}
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}, waits)

	bo.reset()
	assert.Equal(t, time.Second, bo.next())
}

func TestLogFileSource_ReplaysInOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "samples.log")
	content := strings.Join([]string{
		`[2026-03-14 08:00:00] {"ts":"08:00:00","pir":0,"acc":0.001}`,
		`[2026-03-14 08:00:00] not a sample`,
		`{"ts":"08:00:01","pir":0,"acc":0.002}`,
		``,
		`{"ts":"08:00:02","pir":1,"acc":0.003}`,
	}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	m := metrics.NewNop()
	src := NewLogFileSource(path, time.Millisecond, m, zap.NewNop())
	out := make(chan models.RawSample, 8)

	require.NoError(t, src.Run(context.Background(), out))
	close(out)

	var accs []float64
	for s := range out {
		accs = append(accs, s.AccelDelta)
	}
	assert.Equal(t, []float64{0.001, 0.002, 0.003}, accs)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SamplesMalformed.WithLabelValues("logfile")))
}

func TestLogFileSource_MissingFile(t *testing.T) {
	src := NewLogFileSource(filepath.Join(t.TempDir(), "missing.log"), 0, nil, zap.NewNop())
	err := src.Run(context.Background(), make(chan models.RawSample, 1))
	assert.Error(t, err)
}

func TestLogFileSource_StopsOnCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "samples.log")
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat(`{"pir":0,"acc":0.001}`+"\n", 100)), 0o600))

	src := NewLogFileSource(path, time.Hour, nil, zap.NewNop())
	out := make(chan models.RawSample, 8)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- src.Run(ctx, out) }()
	collect(t, out, 1)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("log file source did not stop")
	}
}

// fakeMQTT 记录订阅的 handler
type fakeMQTT struct {
	mu           sync.Mutex
	handler      mqtt.MessageHandler
	topic        string
	unsubscribed []string
	subscribed   chan struct{}
}

func (f *fakeMQTT) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	f.mu.Lock()
	f.topic, f.handler = topic, handler
	f.mu.Unlock()
	close(f.subscribed)
	return nil
}

func (f *fakeMQTT) Unsubscribe(topics ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, topics...)
	return nil
}

func TestMQTTSource_DecodesMessages(t *testing.T) {
	client := &fakeMQTT{subscribed: make(chan struct{})}
	src := NewMQTTSource(client, "ward/3/wrist", 1, nil, zap.NewNop())
	out := make(chan models.RawSample, 4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx, out) }()

	<-client.subscribed
	client.mu.Lock()
	handler := client.handler
	client.mu.Unlock()

	require.NoError(t, handler("ward/3/wrist", []byte(`{"ts":"09:00:00","pir":1,"acc":0.2}`)))
	require.NoError(t, handler("ward/3/wrist", []byte(`{"pir":1}`)))

	got := collect(t, out, 1)
	assert.True(t, got[0].MotionFlag)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, []string{"ward/3/wrist"}, client.unsubscribed)
	assert.Equal(t, "ward/3/wrist", client.topic)
}

func TestMQTTSource_LateMessagesAfterStopAreDropped(t *testing.T) {
	client := &fakeMQTT{subscribed: make(chan struct{})}
	src := NewMQTTSource(client, "ward/3/wrist", 1, nil, zap.NewNop())
	out := make(chan models.RawSample, 4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx, out) }()

	<-client.subscribed
	client.mu.Lock()
	handler := client.handler
	client.mu.Unlock()

	cancel()
	require.NoError(t, <-done)
	// 来源结束后由调用方关闭输出通道
	close(out)

	for i := 0; i < 200; i++ {
		assert.NotPanics(t, func() {
			_ = handler("ward/3/wrist", []byte(`{"pir":0,"acc":0.001}`))
		})
	}
	_, open := <-out
	assert.False(t, open)
}
