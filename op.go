package kvdict

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// RecoveryUnit scopes a unit of work on one engine. Writes become durable on
// Commit and are undone on Abort; either way the unit can then start the
// next unit of work.
type RecoveryUnit interface {
	ID() uuid.UUID
	ReadOnly() bool
	Commit() error
	Abort() error

	// RegisterChange schedules ch to learn the outcome of the current unit
	// of work. Rollbacks run in reverse registration order.
	RegisterChange(ch Change)
}

type Change interface {
	Commit()
	Rollback()
}

// changeList is the bookkeeping shared by recovery unit implementations.
type changeList []Change

func (l *changeList) commitAll() {
	for _, ch := range *l {
		ch.Commit()
	}
	*l = (*l)[:0]
}

func (l *changeList) rollbackAll() {
	for i := len(*l) - 1; i >= 0; i-- {
		(*l)[i].Rollback()
	}
	*l = (*l)[:0]
}

// Op is the current operation handle. It is passed explicitly to every
// dictionary, cursor, index and record store call, and carries the context
// used for cancellation, the recovery unit and a logger.
type Op struct {
	ctx    context.Context
	ru     RecoveryUnit
	logger *slog.Logger
}

// NewOp starts an operation with a fresh recovery unit of eng.
func NewOp(ctx context.Context, eng Engine, readOnly bool) *Op {
	return NewOpWithRecoveryUnit(ctx, eng.NewRecoveryUnit(readOnly), nil)
}

func NewOpWithRecoveryUnit(ctx context.Context, ru RecoveryUnit, logger *slog.Logger) *Op {
	if ctx == nil {
		ctx = context.Background()
	}
	logger = orDefaultLogger(logger).With(slog.String("ru", ru.ID().String()))
	return &Op{ctx: ctx, ru: ru, logger: logger}
}

func (op *Op) Context() context.Context   { return op.ctx }
func (op *Op) ID() uuid.UUID              { return op.ru.ID() }
func (op *Op) RecoveryUnit() RecoveryUnit { return op.ru }
func (op *Op) Logger() *slog.Logger       { return op.logger }
func (op *Op) Commit() error              { return op.ru.Commit() }
func (op *Op) Abort() error               { return op.ru.Abort() }
func (op *Op) checkForInterrupt() error   { return op.ctx.Err() }
func (op *Op) debugEnabled() bool         { return op.logger.Enabled(op.ctx, slog.LevelDebug) }

func (op *Op) WithContext(ctx context.Context) *Op {
	op2 := *op
	op2.ctx = ctx
	return &op2
}

type RetryOptions struct {
	ReadOnly bool

	// MaxAttempts limits the number of tries; zero means DefaultMaxAttempts.
	MaxAttempts int

	// Backoff is the first pause after a write conflict; it doubles up to
	// MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration

	Logger *slog.Logger
}

const DefaultMaxAttempts = 100

// RunOp runs fn in a new operation and commits it. A write conflict, whether
// returned by fn or by the commit, aborts the recovery unit and restarts fn
// from scratch. Any other error aborts and is returned; so is a panic, as an
// error carrying the stack.
func RunOp(ctx context.Context, eng Engine, o RetryOptions, fn func(op *Op) error) error {
	if o.MaxAttempts == 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.Backoff == 0 {
		o.Backoff = time.Millisecond
	}
	if o.MaxBackoff == 0 {
		o.MaxBackoff = 100 * time.Millisecond
	}
	logger := orDefaultLogger(o.Logger)

	backoff := o.Backoff
	for attempt := 1; ; attempt++ {
		op := NewOpWithRecoveryUnit(ctx, eng.NewRecoveryUnit(o.ReadOnly), logger)
		err := safelyCall(fn, op)
		if err == nil {
			err = op.Commit()
			if err == nil {
				return nil
			}
		}
		abortErr := op.Abort()
		if !IsRetryable(err) || attempt >= o.MaxAttempts {
			return errors.Join(err, abortErr)
		}
		writeConflictRetries.Inc()
		logger.LogAttrs(ctx, slog.LevelDebug, "kvdict: write conflict, retrying", slog.Int("attempt", attempt), slog.Duration("backoff", backoff), slog.Any("err", err))

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return errors.Join(err, ctx.Err())
		case <-t.C:
		}
		backoff = min(backoff*2, o.MaxBackoff)
	}
}
