package feed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/couchtail/couchtail/internal/sequence"
)

// State of one consumer. Not persisted; scoped to one run.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateStreaming  State = "streaming"
	StateBackoff    State = "backoff"
	StateTerminated State = "terminated"
)

// Sink receives normalized changes. It returns once the change is durably
// queued downstream and may block to apply backpressure.
type Sink interface {
	Apply(ctx context.Context, change *Change) error
}

// ConsumerOptions tune one consumer run.
type ConsumerOptions struct {
	Database string

	// InitialSince overrides the persisted position when non-empty.
	InitialSince string

	KeepRevision bool

	// Reconnect re-opens the feed after a failure or server-side feed
	// close, waiting ReconnectDelay in between. When disabled, the first
	// failure terminates the run.
	Reconnect      bool
	ReconnectDelay time.Duration
}

// Status is a point-in-time snapshot of one consumer.
type Status struct {
	Database   string    `json:"database"`
	State      State     `json:"state"`
	Position   string    `json:"position"`
	Processed  uint64    `json:"processed"`
	Heartbeats uint64    `json:"heartbeats"`
	Malformed  uint64    `json:"malformed"`
	Connects   uint64    `json:"connects"`
	LastError  string    `json:"last_error,omitempty"`
	StartedAt  time.Time `json:"started_at,omitzero"`
}

// Consumer drives one database's change feed: connect, stream, decode,
// hand off, checkpoint, and reconnect with a fixed delay on failure.
// All feed state is owned by the single Run goroutine; the mutex only
// guards the Status snapshot.
type Consumer struct {
	opener  Opener
	store   sequence.Store
	sink    Sink
	decoder *Decoder
	opts    ConsumerOptions
	logger  *zap.Logger

	// Caps malformed-record warnings so a poisoned feed cannot flood
	// the log; skipped records are still counted.
	warnLimit *rate.Limiter

	mu     sync.Mutex
	status Status
}

func NewConsumer(opener Opener, store sequence.Store, sink Sink, opts ConsumerOptions, logger *zap.Logger) *Consumer {
	return &Consumer{
		opener: opener,
		store:  store,
		sink:   sink,
		decoder: &Decoder{
			Database:     opts.Database,
			KeepRevision: opts.KeepRevision,
		},
		opts:      opts,
		logger:    logger.With(zap.String("database", opts.Database)),
		warnLimit: rate.NewLimiter(rate.Every(time.Second), 5),
		status: Status{
			Database: opts.Database,
			State:    StateIdle,
		},
	}
}

// Status returns a snapshot of the consumer's state.
func (c *Consumer) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Run drives the feed until ctx is cancelled or the run terminates.
// Checkpoint and sink failures are fatal and returned; transport failures
// never escape the loop while reconnection is enabled.
func (c *Consumer) Run(ctx context.Context) error {
	position := c.opts.InitialSince
	if position == "" {
		position = c.store.Read()
	}
	c.update(func(s *Status) {
		s.Position = position
		s.StartedAt = time.Now()
	})

	c.logger.Info("starting feed consumer", zap.String("since", position))

	for {
		c.setState(StateConnecting)
		c.update(func(s *Status) { s.Connects++ })

		body, err := c.opener.Open(ctx, c.position())
		if err != nil {
			if ctx.Err() != nil {
				c.setState(StateTerminated)
				return ctx.Err()
			}
			c.recordError(err)
			if errors.Is(err, ErrDatabaseNotFound) {
				c.logger.Warn("database does not exist, retrying anyway", zap.Error(err))
			} else {
				c.logger.Warn("feed connection failed", zap.Error(err))
			}
			if cont, berr := c.backoff(ctx, err); !cont {
				return berr
			}
			continue
		}

		c.setState(StateStreaming)
		retry, err := c.stream(ctx, body)
		_ = body.Close()

		if !retry {
			c.setState(StateTerminated)
			if err != nil {
				c.recordError(err)
				c.logger.Error("feed consumer terminated", zap.Error(err))
			}
			return err
		}
		if err != nil {
			c.recordError(err)
			c.logger.Warn("feed stream interrupted", zap.Error(err))
		}
		if cont, berr := c.backoff(ctx, err); !cont {
			return berr
		}
	}
}

// stream processes one open connection. It returns retry=true when the
// run should go through backoff and reconnect, and retry=false with the
// final error (possibly nil on cancellation) when the run is over.
func (c *Consumer) stream(ctx context.Context, body io.Reader) (retry bool, err error) {
	tokenizer := &LineTokenizer{}
	buf := make([]byte, 8<<10)

	for {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			for _, record := range tokenizer.Feed(buf[:n]) {
				if ctx.Err() != nil {
					return false, ctx.Err()
				}
				done, perr := c.process(ctx, record)
				if perr != nil {
					return false, perr
				}
				if done {
					return true, nil
				}
			}
		}

		if readErr != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			// EOF and transport errors alike: the connection is gone,
			// resume from the checkpoint.
			return true, fmt.Errorf("reading feed: %w", readErr)
		}
	}
}

// process handles one raw record. done=true means the server closed the
// logical feed (last_seq seen); a non-nil error is fatal to the run.
// The checkpoint is written only after the sink accepted the change, so
// a crash can duplicate at most the record in flight, never lose one.
func (c *Consumer) process(ctx context.Context, record []byte) (done bool, err error) {
	if len(bytes.TrimSpace(record)) == 0 {
		// Heartbeat keep-alive.
		c.update(func(s *Status) { s.Heartbeats++ })
		return false, nil
	}

	change, control, err := c.decoder.Decode(record)
	if err != nil {
		c.update(func(s *Status) { s.Malformed++ })
		if c.warnLimit.Allow() {
			c.logger.Warn("skipping malformed record", zap.Error(err))
		}
		return false, nil
	}

	if control != nil {
		if control.LastSeq != "" {
			c.update(func(s *Status) { s.Position = control.LastSeq })
			if err := c.store.Write(control.LastSeq); err != nil {
				return false, fmt.Errorf("persisting position: %w", err)
			}
		}
		c.logger.Info("feed closed by server", zap.String("last_seq", control.LastSeq))
		return true, nil
	}

	if err := c.sink.Apply(ctx, change); err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, fmt.Errorf("delivering change: %w", err)
	}

	c.update(func(s *Status) {
		s.Processed++
		s.Position = change.Seq
	})
	if err := c.store.Write(change.Seq); err != nil {
		return false, fmt.Errorf("persisting position: %w", err)
	}
	return false, nil
}

// backoff waits the fixed reconnect delay. cont=false ends the run: with
// the triggering cause when reconnection is disabled (nil for a clean
// server-side feed close), or with the cancellation error.
func (c *Consumer) backoff(ctx context.Context, cause error) (cont bool, err error) {
	if !c.opts.Reconnect {
		c.setState(StateTerminated)
		if cause == nil {
			// Server-side feed close with reconnect off is a clean stop.
			c.logger.Info("reconnect disabled, stopping")
			return false, nil
		}
		c.logger.Error("reconnect disabled, terminating", zap.Error(cause))
		return false, cause
	}

	c.setState(StateBackoff)
	c.logger.Info("reconnecting after delay", zap.Duration("delay", c.opts.ReconnectDelay))

	if c.opts.ReconnectDelay <= 0 {
		if err := ctx.Err(); err != nil {
			c.setState(StateTerminated)
			return false, err
		}
		return true, nil
	}
	select {
	case <-ctx.Done():
		c.setState(StateTerminated)
		return false, ctx.Err()
	case <-time.After(c.opts.ReconnectDelay):
		return true, nil
	}
}

func (c *Consumer) setState(state State) {
	c.mu.Lock()
	changed := c.status.State != state
	c.status.State = state
	c.mu.Unlock()
	if changed {
		c.logger.Debug("state changed", zap.String("state", string(state)))
	}
}

func (c *Consumer) position() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status.Position
}

func (c *Consumer) recordError(err error) {
	c.update(func(s *Status) { s.LastError = err.Error() })
}

func (c *Consumer) update(fn func(*Status)) {
	c.mu.Lock()
	fn(&c.status)
	c.mu.Unlock()
}
