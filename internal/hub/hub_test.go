package hub

import (
	"errors"
	"sync"
	"testing"
	"time"

	"wisefido-sedentary/internal/metrics"
	"wisefido-sedentary/internal/models"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func event(seq int) models.ProcessedEvent {
	return models.ProcessedEvent{
		State:             models.StateSedentary,
		InactivitySeconds: uint64(seq),
		ObservedAt:        time.Unix(int64(seq), 0).UTC(),
	}
}

func drain(sub *Subscription) []uint64 {
	var out []uint64
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev.InactivitySeconds)
		default:
			return out
		}
	}
}

func seqRange(from, to int) []uint64 {
	var out []uint64
	for i := from; i < to; i++ {
		out = append(out, uint64(i))
	}
	return out
}

func TestHub_EverySubscriberSeesPublishOrder(t *testing.T) {
	h := New(1000, nil, zap.NewNop())

	subs := make([]*Subscription, 3)
	for i := range subs {
		sub, err := h.Subscribe("viewer")
		require.NoError(t, err)
		subs[i] = sub
	}

	for i := 0; i < 500; i++ {
		h.Publish(event(i))
	}

	want := seqRange(0, 500)
	for _, sub := range subs {
		if diff := cmp.Diff(want, drain(sub)); diff != "" {
			t.Errorf("subscriber %s order mismatch (-want +got):\n%s", sub.ID(), diff)
		}
		assert.Equal(t, uint64(0), sub.Dropped())
	}
	assert.Equal(t, uint64(500), h.Published())
}

func TestHub_SlowSubscriberDropsOldest(t *testing.T) {
	m := metrics.NewNop()
	h := New(4, m, zap.NewNop())

	slow, err := h.Subscribe("slow")
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		h.Publish(event(i))
	}

	assert.Equal(t, uint64(6), slow.Dropped())
	assert.Equal(t, []uint64{6, 7, 8, 9}, drain(slow))
	assert.Equal(t, 6.0, testutil.ToFloat64(m.SubscriberDropped.WithLabelValues("slow")))
}

func TestHub_SlowSubscriberDoesNotAffectOthers(t *testing.T) {
	h := New(8, nil, zap.NewNop())

	slow, err := h.Subscribe("slow")
	require.NoError(t, err)
	fast, err := h.Subscribe("fast")
	require.NoError(t, err)

	var got []uint64
	for i := 0; i < 100; i++ {
		h.Publish(event(i))
		got = append(got, drain(fast)...)
	}

	assert.Equal(t, seqRange(0, 100), got)
	assert.Equal(t, uint64(0), fast.Dropped())
	assert.Equal(t, uint64(92), slow.Dropped())
	assert.Equal(t, seqRange(92, 100), drain(slow))
}

func TestHub_LateSubscriberStartsEmpty(t *testing.T) {
	h := New(16, nil, zap.NewNop())

	h.Publish(event(1))
	h.Publish(event(2))

	late, err := h.Subscribe("late")
	require.NoError(t, err)
	assert.Empty(t, drain(late))

	h.Publish(event(3))
	assert.Equal(t, []uint64{3}, drain(late))
}

func TestHub_UnsubscribeIsolated(t *testing.T) {
	m := metrics.NewNop()
	h := New(16, m, zap.NewNop())

	a, _ := h.Subscribe("a")
	b, _ := h.Subscribe("b")
	assert.Equal(t, 2, h.SubscriberCount())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Subscribers))

	h.Publish(event(1))
	a.Close()
	a.Close()

	h.Publish(event(2))

	// a 的通道已关闭，缓冲中剩余的事件仍可读出
	ev, ok := <-a.Events()
	require.True(t, ok)
	assert.Equal(t, uint64(1), ev.InactivitySeconds)
	_, ok = <-a.Events()
	assert.False(t, ok)

	assert.Equal(t, []uint64{1, 2}, drain(b))
	assert.Equal(t, 1, h.SubscriberCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Subscribers))
}

func TestHub_Close(t *testing.T) {
	h := New(4, nil, zap.NewNop())
	sub, _ := h.Subscribe("viewer")

	h.Close()
	h.Close()
	h.Publish(event(1))

	_, ok := <-sub.Events()
	assert.False(t, ok)

	_, err := h.Subscribe("viewer")
	assert.True(t, errors.Is(err, ErrHubClosed))

	// 关闭后取消订阅不会 panic
	sub.Close()
}

func TestHub_Stats(t *testing.T) {
	h := New(2, nil, zap.NewNop())
	_, _ = h.Subscribe("persistence")
	_, _ = h.Subscribe("cache")

	for i := 0; i < 5; i++ {
		h.Publish(event(i))
	}

	stats := h.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "cache", stats[0].Name)
	assert.Equal(t, "persistence", stats[1].Name)
	for _, s := range stats {
		assert.Equal(t, 2, s.Pending)
		assert.Equal(t, uint64(3), s.Dropped)
	}
}

// 并发发布、订阅、取消订阅时每个订阅者看到的序列严格递增
func TestHub_ConcurrentOrdering(t *testing.T) {
	h := New(32, nil, zap.NewNop())
	const total = 5000

	var wg sync.WaitGroup
	errs := make(chan string, 16)

	for c := 0; c < 8; c++ {
		sub, err := h.Subscribe("consumer")
		require.NoError(t, err)

		wg.Add(1)
		go func(sub *Subscription, slow bool) {
			defer wg.Done()
			last := -1
			for ev := range sub.Events() {
				if int(ev.InactivitySeconds) <= last {
					errs <- "out of order delivery"
					return
				}
				last = int(ev.InactivitySeconds)
				if slow {
					time.Sleep(10 * time.Microsecond)
				}
			}
		}(sub, c%2 == 0)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			sub, err := h.Subscribe("churn")
			if err != nil {
				return
			}
			drain(sub)
			sub.Close()
		}
	}()

	for i := 0; i < total; i++ {
		h.Publish(event(i))
	}
	h.Close()
	wg.Wait()
	close(errs)

	for e := range errs {
		t.Error(e)
	}
}

func TestHub_PublishAssignsIncreasingSeq(t *testing.T) {
	h := New(16, nil, zap.NewNop())
	sub, err := h.Subscribe("viewer")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		h.Publish(event(i))
	}

	var last uint64
	for i := 0; i < 5; i++ {
		ev := <-sub.Events()
		assert.Greater(t, ev.Seq, last)
		last = ev.Seq
	}
}
