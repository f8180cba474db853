package observability

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/normlens/orchestrator/internal/metrics"
)

func TestEmitNeverBlocksWhenFull(t *testing.T) {
	s := NewSink(2, zap.NewNop())
	defer s.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10_000; i++ {
			s.Emit(Event{RunID: "run-1", Stage: "dispatch"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a full buffer")
	}
}

func TestSubscriberReceivesEvents(t *testing.T) {
	s := NewSink(64, zap.NewNop())
	defer s.Close()

	ch, cancel := s.Subscribe()
	defer cancel()

	s.Emit(Event{RunID: "run-1", Stage: "planning", Message: "start"})

	select {
	case ev := <-ch:
		assert.Equal(t, "run-1", ev.RunID)
		assert.Equal(t, "planning", ev.Stage)
		assert.False(t, ev.At.IsZero())
	case <-time.After(time.Second):
		t.Fatal("subscriber received nothing")
	}
}

func TestCancelledSubscriberChannelCloses(t *testing.T) {
	s := NewSink(64, zap.NewNop())
	defer s.Close()

	ch, cancel := s.Subscribe()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
}

func TestCloseDrainsBufferedEvents(t *testing.T) {
	s := NewSink(64, zap.NewNop())
	ch, cancel := s.Subscribe()
	defer cancel()

	for i := 0; i < 10; i++ {
		s.Emit(Event{RunID: "run-1", Stage: "fuse"})
	}
	s.Close()

	received := 0
	for range ch {
		received++
	}
	require.Equal(t, 10, received, "events emitted before Close are delivered")
}

func TestCloseIsIdempotent(t *testing.T) {
	s := NewSink(8, zap.NewNop())
	s.Close()
	s.Close()
}

func TestStatsAggregateRunEvents(t *testing.T) {
	s := NewSink(64, zap.NewNop())

	s.Emit(Event{RunID: "run-1", Stage: "run_started"})
	s.Emit(Event{RunID: "run-1", Stage: "run_completed",
		Fields: map[string]interface{}{"mode": "direct", "elapsed_ms": int64(120)}})
	s.Emit(Event{RunID: "run-2", Stage: "run_started"})
	s.Emit(Event{RunID: "run-2", Stage: "run_completed",
		Fields: map[string]interface{}{"mode": "degraded", "elapsed_ms": int64(80)}})
	s.Emit(Event{RunID: "run-3", Stage: "run_started"})
	s.Emit(Event{RunID: "run-3", Stage: "scope_denied"})
	s.Close()

	snap := s.Stats()
	assert.Equal(t, int64(3), snap.RunsStarted)
	assert.Equal(t, int64(2), snap.RunsCompleted)
	assert.Equal(t, int64(1), snap.ScopeDenied)
	assert.Equal(t, int64(1), snap.ByMode["direct"])
	assert.Equal(t, int64(1), snap.ByMode["degraded"])
	assert.Equal(t, int64(100), snap.AvgElapsedMs)
	assert.False(t, snap.LastRunAt.IsZero())
}

func TestEmitCountsEventsByStage(t *testing.T) {
	s := NewSink(8, zap.NewNop())
	before := testutil.ToFloat64(metrics.SinkEventsEmitted.WithLabelValues("planning"))

	s.Emit(Event{RunID: "run-1", Stage: "planning"})
	s.Close()

	after := testutil.ToFloat64(metrics.SinkEventsEmitted.WithLabelValues("planning"))
	assert.Equal(t, before+1, after)
}

func TestEmitRacingCloseDoesNotPanic(t *testing.T) {
	s := NewSink(4, zap.NewNop())

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				s.Emit(Event{RunID: "run-1", Stage: "dispatching"})
			}
		}()
	}
	s.Close()
	wg.Wait()
}
