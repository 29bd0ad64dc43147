package monitoring

import (
	"time"

	"go.uber.org/zap"
)

// AttemptEvent describes one dispatch attempt outcome. Events flow one way:
// the health tracker's record path produces them, a single sink goroutine
// consumes them. There are no other subscribers.
type AttemptEvent struct {
	RequestID string
	Provider  string
	Model     string
	Category  string
	Stage     string
	Latency   time.Duration
	Success   bool
	ErrorKind string
	Streamed  bool
	InputTok  int
	OutputTok int
	Timestamp time.Time
}

// AttemptStore persists attempt events; satisfied by the gorm repository.
type AttemptStore interface {
	SaveAttempt(evt AttemptEvent) error
}

// Sink consumes AttemptEvents over a bounded channel, updating the metrics
// counters and best-effort persisting each event.
type Sink struct {
	ch      chan AttemptEvent
	monitor *Monitor
	store   AttemptStore // nil disables persistence
	logger  *zap.Logger
	done    chan struct{}
}

// NewSink creates and starts the sink. store may be nil.
func NewSink(monitor *Monitor, store AttemptStore, logger *zap.Logger) *Sink {
	s := &Sink{
		ch:      make(chan AttemptEvent, 256),
		monitor: monitor,
		store:   store,
		logger:  logger.With(zap.String("component", "attempt-sink")),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

// Publish enqueues an event without blocking; events are dropped with a log
// line when the buffer is full.
func (s *Sink) Publish(evt AttemptEvent) {
	select {
	case s.ch <- evt:
	default:
		s.logger.Warn("Attempt event buffer full, dropping event",
			zap.String("provider", evt.Provider),
		)
	}
}

// Close drains and stops the sink.
func (s *Sink) Close() {
	close(s.ch)
	<-s.done
}

func (s *Sink) run() {
	defer close(s.done)
	for evt := range s.ch {
		s.monitor.RecordAttempt(evt)
		if s.store != nil {
			if err := s.store.SaveAttempt(evt); err != nil {
				s.logger.Warn("Failed to persist attempt", zap.Error(err))
			}
		}
	}
}
