// Package observability carries run progress events off the hot path. Emit
// never blocks: events go into a bounded buffer and a single worker fans them
// out to the log and to any live subscribers. When the buffer is full the
// event is dropped and counted, never waited for.
package observability

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/normlens/orchestrator/internal/metrics"
)

// Event is one pipeline progress record.
type Event struct {
	RunID    string                 `json:"run_id"`
	TenantID string                 `json:"tenant_id,omitempty"`
	Stage    string                 `json:"stage"`
	Message  string                 `json:"message,omitempty"`
	Fields   map[string]interface{} `json:"fields,omitempty"`
	At       time.Time              `json:"at"`
}

// Sink is the non-blocking event pipe.
type Sink struct {
	ch     chan Event
	logger *zap.Logger
	stats  *stats

	mu          sync.Mutex
	subscribers map[int]chan Event
	nextSub     int
	closed      bool

	done chan struct{}
}

// NewSink starts the sink worker. buffer bounds how many events may be in
// flight before Emit starts dropping.
func NewSink(buffer int, logger *zap.Logger) *Sink {
	if buffer <= 0 {
		buffer = 1024
	}
	s := &Sink{
		ch:          make(chan Event, buffer),
		logger:      logger,
		stats:       newStats(),
		subscribers: make(map[int]chan Event),
		done:        make(chan struct{}),
	}
	go s.run()
	return s
}

// Emit queues an event. It returns immediately whether or not the event fit.
func (s *Sink) Emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	// The send happens under the same lock Close takes before closing the
	// channel, so a straggling Emit can never hit a closed channel.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		metrics.SinkEventsDropped.Inc()
		return
	}
	select {
	case s.ch <- ev:
		metrics.SinkEventsEmitted.WithLabelValues(ev.Stage).Inc()
	default:
		metrics.SinkEventsDropped.Inc()
	}
}

// Stats reports run activity aggregated from the events seen so far.
func (s *Sink) Stats() Snapshot {
	return s.stats.snapshot()
}

// Subscribe registers a live event consumer. Slow subscribers miss events
// rather than slowing the sink down. The returned cancel func must be called.
func (s *Sink) Subscribe() (<-chan Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSub
	s.nextSub++
	ch := make(chan Event, 64)
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	s.subscribers[id] = ch

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Close stops intake, drains the buffer, and closes all subscriber channels.
func (s *Sink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()

	<-s.done

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sub := range s.subscribers {
		delete(s.subscribers, id)
		close(sub)
	}
}

func (s *Sink) run() {
	defer close(s.done)
	for ev := range s.ch {
		s.stats.observe(ev)
		s.logger.Debug("Run event",
			zap.String("run_id", ev.RunID),
			zap.String("stage", ev.Stage),
			zap.String("message", ev.Message),
			zap.Any("fields", ev.Fields),
		)
		s.mu.Lock()
		for _, sub := range s.subscribers {
			select {
			case sub <- ev:
			default:
			}
		}
		s.mu.Unlock()
	}
}
