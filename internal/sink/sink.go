// Package sink delivers normalized changes to their destinations.
package sink

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/couchtail/couchtail/internal/feed"
)

// Sink accepts one change and returns once it is durably queued for
// downstream processing. Apply may block to exert backpressure; the
// consumer treats that as an ordinary blocking call.
type Sink interface {
	Apply(ctx context.Context, change *feed.Change) error
	Close() error
}

// LogSink logs each change. It is the default destination when nothing
// else is configured, and a cheap tracing tap otherwise.
type LogSink struct {
	logger *zap.Logger
}

var _ Sink = (*LogSink)(nil)

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Apply(_ context.Context, change *feed.Change) error {
	s.logger.Info("change",
		zap.String("database", change.Database),
		zap.String("id", change.ID),
		zap.String("action", string(change.Action)),
		zap.String("seq", change.Seq),
	)
	return nil
}

func (s *LogSink) Close() error { return nil }

// Multi fans one change out to several sinks in order. The first Apply
// error wins; later sinks do not see the change.
type Multi struct {
	sinks []Sink
}

var _ Sink = (*Multi)(nil)

func NewMulti(sinks ...Sink) *Multi {
	return &Multi{sinks: sinks}
}

func (m *Multi) Apply(ctx context.Context, change *feed.Change) error {
	for _, s := range m.sinks {
		if err := s.Apply(ctx, change); err != nil {
			return err
		}
	}
	return nil
}

func (m *Multi) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
