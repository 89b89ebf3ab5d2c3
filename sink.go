package apiclient

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// AttemptRecord describes one transport attempt.
type AttemptRecord struct {
	RequestID string
	Method    string
	URL       string
	Status    int
	Kind      Kind // empty on success
	Error     string
	Attempt   int
	Duration  time.Duration
	Timestamp time.Time
}

// AttemptSink receives attempt records. The pipeline always calls it through an
// AsyncSink, so implementations may block.
type AttemptSink interface {
	Record(rec AttemptRecord)
}

// AttemptSinkFunc adapts a function to the AttemptSink interface.
type AttemptSinkFunc func(rec AttemptRecord)

// Record implements AttemptSink.
func (f AttemptSinkFunc) Record(rec AttemptRecord) {
	f(rec)
}

// SlogSink writes attempt records to a slog.Logger.
// Successes and cancellations log at debug, failures at warn.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink creates a sink over logger.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger}
}

// Record implements AttemptSink.
func (s *SlogSink) Record(rec AttemptRecord) {
	level := slog.LevelDebug
	if rec.Kind != "" && rec.Kind != KindCancelled {
		level = slog.LevelWarn
	}

	attrs := []slog.Attr{
		slog.String("request_id", rec.RequestID),
		slog.String("method", rec.Method),
		slog.String("url", rec.URL),
		slog.Int("status", rec.Status),
		slog.Int("attempt", rec.Attempt),
		slog.Duration("duration", rec.Duration),
		slog.Time("timestamp", rec.Timestamp),
	}
	if rec.Kind != "" {
		attrs = append(attrs,
			slog.String("kind", string(rec.Kind)),
			slog.String("error", rec.Error))
	}

	s.logger.LogAttrs(context.Background(), level, "api request attempt", attrs...)
}

// ZerologSink writes attempt records to a zerolog.Logger.
type ZerologSink struct {
	logger zerolog.Logger
}

// NewZerologSink creates a sink over logger.
func NewZerologSink(logger zerolog.Logger) *ZerologSink {
	return &ZerologSink{logger: logger}
}

// Record implements AttemptSink.
func (s *ZerologSink) Record(rec AttemptRecord) {
	ev := s.logger.Debug()
	if rec.Kind != "" && rec.Kind != KindCancelled {
		ev = s.logger.Warn()
	}

	ev = ev.Str("request_id", rec.RequestID).
		Str("method", rec.Method).
		Str("url", rec.URL).
		Int("status", rec.Status).
		Int("attempt", rec.Attempt).
		Dur("duration", rec.Duration).
		Time("timestamp", rec.Timestamp)
	if rec.Kind != "" {
		ev = ev.Str("kind", string(rec.Kind)).Str("error", rec.Error)
	}
	ev.Msg("api request attempt")
}

// AsyncSink decouples the pipeline from a possibly slow sink. Records are buffered and
// delivered in order by a single goroutine; when the buffer is full they are dropped.
type AsyncSink struct {
	next    AttemptSink
	records chan AttemptRecord
	done    chan struct{}
	metrics *Metrics

	mu     sync.RWMutex
	closed bool
}

// NewAsyncSink starts delivering records to next.
func NewAsyncSink(next AttemptSink, buffer int, metrics *Metrics) *AsyncSink {
	if buffer <= 0 {
		buffer = 1
	}
	s := &AsyncSink{
		next:    next,
		records: make(chan AttemptRecord, buffer),
		done:    make(chan struct{}),
		metrics: metrics,
	}
	go s.run()
	return s
}

func (s *AsyncSink) run() {
	defer close(s.done)
	for rec := range s.records {
		s.next.Record(rec)
	}
}

// Record implements AttemptSink. It never blocks.
func (s *AsyncSink) Record(rec AttemptRecord) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}

	select {
	case s.records <- rec:
	default:
		s.metrics.recordSinkDrop()
	}
}

// Close stops accepting records and waits for buffered ones to be delivered.
func (s *AsyncSink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.closed = true
	close(s.records)
	s.mu.Unlock()
	<-s.done
}
