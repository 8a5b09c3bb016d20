package logging

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Event is one session-level occurrence drained to the logging consumer.
type Event struct {
	SessionID string
	Kind      string
	Detail    string
	At        time.Time
}

// Sink is a bounded multi-producer single-consumer event queue. Producers
// never block: when the queue is full the oldest event is dropped and the
// drop counter advances.
type Sink struct {
	ch      chan Event
	dropped atomic.Uint64
	onDrop  func()

	closeOnce sync.Once
	done      chan struct{}
}

func NewSink(capacity int, logger zerolog.Logger, onDrop func()) *Sink {
	if capacity <= 0 {
		capacity = 256
	}
	s := &Sink{
		ch:     make(chan Event, capacity),
		onDrop: onDrop,
		done:   make(chan struct{}),
	}
	go s.consume(logger)
	return s
}

func (s *Sink) Emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case s.ch <- ev:
		return
	default:
	}

	// Full: discard the oldest entry, then try once more.
	select {
	case <-s.ch:
		s.recordDrop()
	default:
	}
	select {
	case s.ch <- ev:
	default:
		s.recordDrop()
	}
}

func (s *Sink) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Sink) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

func (s *Sink) recordDrop() {
	s.dropped.Add(1)
	if s.onDrop != nil {
		s.onDrop()
	}
}

func (s *Sink) consume(logger zerolog.Logger) {
	for {
		select {
		case ev := <-s.ch:
			logger.Debug().
				Str("session", ev.SessionID).
				Str("event", ev.Kind).
				Str("detail", ev.Detail).
				Time("at", ev.At).
				Msg("session_event")
		case <-s.done:
			// Drain what is already queued, then stop.
			for {
				select {
				case ev := <-s.ch:
					logger.Debug().
						Str("session", ev.SessionID).
						Str("event", ev.Kind).
						Str("detail", ev.Detail).
						Time("at", ev.At).
						Msg("session_event")
				default:
					return
				}
			}
		}
	}
}
