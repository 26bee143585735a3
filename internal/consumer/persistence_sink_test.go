package consumer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"wisefido-sedentary/internal/hub"
	"wisefido-sedentary/internal/metrics"
	"wisefido-sedentary/internal/models"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeAppender 记录写入的事件
type fakeAppender struct {
	mu        sync.Mutex
	events    []models.ProcessedEvent
	userRows  []uuid.UUID
	appendErr error
}

func (f *fakeAppender) Append(_ context.Context, ev models.ProcessedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return f.appendErr
	}
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeAppender) AppendUserReading(_ context.Context, userID uuid.UUID, _ models.ProcessedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.userRows = append(f.userRows, userID)
	return nil
}

func (f *fakeAppender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func TestPersistenceSink_SkipsReplayedByDefault(t *testing.T) {
	repo := &fakeAppender{}
	sink := NewPersistenceSink(repo, nil, false, nil, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, sink.Store(ctx, testEvent(1)))
	require.NoError(t, sink.Store(ctx, models.ReplaySample(testEvent(2)).Archived))

	require.Len(t, repo.events, 1)
	assert.Equal(t, uint64(1), repo.events[0].InactivitySeconds)
}

func TestPersistenceSink_PersistReplayed(t *testing.T) {
	repo := &fakeAppender{}
	sink := NewPersistenceSink(repo, nil, true, nil, zap.NewNop())

	require.NoError(t, sink.Store(context.Background(), models.ReplaySample(testEvent(2)).Archived))
	assert.Len(t, repo.events, 1)
}

func TestPersistenceSink_MirrorsUserReading(t *testing.T) {
	repo := &fakeAppender{}
	userID := uuid.New()
	sink := NewPersistenceSink(repo, &userID, false, nil, zap.NewNop())

	require.NoError(t, sink.Store(context.Background(), testEvent(1)))
	assert.Equal(t, []uuid.UUID{userID}, repo.userRows)
}

func TestPersistenceSink_FailureDoesNotStopConsumption(t *testing.T) {
	repo := &fakeAppender{appendErr: errors.New("pool exhausted")}
	m := metrics.NewNop()
	sink := NewPersistenceSink(repo, nil, false, m, zap.NewNop())

	h := hub.New(16, nil, zap.NewNop())
	sub, _ := h.Subscribe("persistence")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sink.Run(ctx, sub)

	h.Publish(testEvent(1))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.SinkFailures.WithLabelValues("persistence")) == 1
	}, 2*time.Second, 5*time.Millisecond)

	repo.mu.Lock()
	repo.appendErr = nil
	repo.mu.Unlock()

	h.Publish(testEvent(2))
	require.Eventually(t, func() bool { return repo.count() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestPersistenceSink_StopsWhenSubscriptionClosed(t *testing.T) {
	sink := NewPersistenceSink(&fakeAppender{}, nil, false, nil, zap.NewNop())
	h := hub.New(4, nil, zap.NewNop())
	sub, _ := h.Subscribe("persistence")

	done := make(chan error, 1)
	go func() { done <- sink.Run(context.Background(), sub) }()

	h.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sink did not stop after hub close")
	}
}
