package txn

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ksred/klear-market/internal/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseBackoff = 50 * time.Millisecond
	DefaultMaxBackoff  = 1 * time.Second
)

// UnitOfWork performs reads and writes against the transaction handle. It
// must not touch any other database handle.
type UnitOfWork func(tx *gorm.DB) error

// Coordinator runs units of work atomically, retrying the whole unit when
// the store reports a transient conflict.
type Coordinator struct {
	db          *gorm.DB
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	txOptions   *sql.TxOptions
	sleep       func(ctx context.Context, d time.Duration) error
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithMaxAttempts bounds the number of times a unit of work is run.
func WithMaxAttempts(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithBackoff sets the initial and maximum delay between attempts.
func WithBackoff(base, max time.Duration) Option {
	return func(c *Coordinator) {
		if base > 0 {
			c.baseBackoff = base
		}
		if max > 0 {
			c.maxBackoff = max
		}
	}
}

// WithSleep replaces the backoff sleep, mainly for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Coordinator) {
		c.sleep = fn
	}
}

// NewCoordinator creates a coordinator over db. Transactions run with
// serializable isolation on postgres; sqlite is already single-writer.
func NewCoordinator(db *gorm.DB, opts ...Option) *Coordinator {
	c := &Coordinator{
		db:          db,
		maxAttempts: DefaultMaxAttempts,
		baseBackoff: DefaultBaseBackoff,
		maxBackoff:  DefaultMaxBackoff,
		sleep:       sleepWithContext,
	}
	if db != nil && db.Dialector != nil && db.Dialector.Name() == "postgres" {
		c.txOptions = &sql.TxOptions{Isolation: sql.LevelSerializable}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DB returns the non-transactional handle for plain reads.
func (c *Coordinator) DB() *gorm.DB {
	return c.db
}

// RunAtomic commits every write made by fn together or not at all. Transient
// conflicts are retried with exponential backoff; any other error, including
// domain errors, is returned unchanged after the first attempt.
func (c *Coordinator) RunAtomic(ctx context.Context, op string, fn UnitOfWork) error {
	logger := log.With().
		Str("service", "txn").
		Str("op", op).
		Logger()

	delay := c.baseBackoff
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		err := c.runOnce(ctx, fn)
		if err == nil {
			if attempt > 1 {
				logger.Debug().Int("attempt", attempt).Msg("unit of work committed after retry")
			}
			return nil
		}

		if !IsTransient(err) {
			return err
		}
		lastErr = err

		if attempt == c.maxAttempts {
			break
		}

		logger.Debug().
			Err(err).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("transient conflict, retrying unit of work")

		if err := c.sleep(ctx, delay); err != nil {
			return err
		}
		delay *= 2
		if delay > c.maxBackoff {
			delay = c.maxBackoff
		}
	}

	logger.Warn().
		Err(lastErr).
		Int("attempts", c.maxAttempts).
		Msg("retry budget exhausted")

	return fmt.Errorf("%w: %s after %d attempts: %v", types.ErrSettlementFailed, op, c.maxAttempts, lastErr)
}

func (c *Coordinator) runOnce(ctx context.Context, fn UnitOfWork) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("unit of work panicked: %v", r)
		}
	}()

	if c.txOptions != nil {
		return c.db.WithContext(ctx).Transaction(fn, c.txOptions)
	}
	return c.db.WithContext(ctx).Transaction(fn)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
