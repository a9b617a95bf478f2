// ABOUTME: Authentication failure event and the sinks that receive it
// ABOUTME: Provides a slog sink, a persistent store sink and a fan-out combinator

package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/codix/cdx-agent/internal/store"
)

// Event describes one rejected request. It never carries the shared secret or
// any signature, computed or supplied.
type Event struct {
	Reason          string
	RemoteAddress   string
	Path            string
	Method          string
	TimestampHeader string
	UserAgent       string
	OccurredAt      time.Time
}

// Sink receives audit events. Implementations must be safe for concurrent use.
type Sink interface {
	Record(ctx context.Context, e Event) error
}

// LogSink writes events to a structured logger at warn level.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink. Pass nil logger for default.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "audit")}
}

// Record logs the event.
func (s *LogSink) Record(ctx context.Context, e Event) error {
	s.logger.WarnContext(ctx, "authentication failed",
		"reason", e.Reason,
		"remote_address", e.RemoteAddress,
		"path", e.Path,
		"method", e.Method,
		"timestamp_header", e.TimestampHeader,
		"user_agent", e.UserAgent,
	)
	return nil
}

// FailureAppender persists authentication failures.
type FailureAppender interface {
	AppendAuthFailure(ctx context.Context, f *store.AuthFailure) error
}

// StoreSink persists events through a FailureAppender.
type StoreSink struct {
	store FailureAppender
}

// NewStoreSink creates a StoreSink backed by s.
func NewStoreSink(s FailureAppender) *StoreSink {
	return &StoreSink{store: s}
}

// Record appends the event to the store.
func (s *StoreSink) Record(ctx context.Context, e Event) error {
	return s.store.AppendAuthFailure(ctx, &store.AuthFailure{
		Reason:          e.Reason,
		RemoteAddress:   e.RemoteAddress,
		Path:            e.Path,
		Method:          e.Method,
		TimestampHeader: e.TimestampHeader,
		UserAgent:       e.UserAgent,
		OccurredAt:      e.OccurredAt,
	})
}

// Multi fans an event out to every sink. All sinks are attempted; their
// errors are joined.
type Multi []Sink

// Record forwards e to each sink in order.
func (m Multi) Record(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
