// Package guard bounds slow model calls: a small fixed pool of workers and a
// hard wall-clock limit per call.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"
)

const (
	DefaultPoolSize = 4
	DefaultTimeout  = 60 * time.Second
)

// ErrTimeout is returned when a call does not finish within the configured limit.
// Waiting for a free worker counts against the same limit.
var ErrTimeout = errors.New("guard: call timed out")

type Pool struct {
	sem     *semaphore.Weighted
	size    int
	timeout time.Duration
	logger  *slog.Logger
}

func New(size int, timeout time.Duration, logger *slog.Logger) (*Pool, error) {
	if size < 0 {
		return nil, fmt.Errorf("guard: pool size must not be negative, got %d", size)
	}
	if timeout < 0 {
		return nil, fmt.Errorf("guard: timeout must not be negative, got %s", timeout)
	}
	if size == 0 {
		size = DefaultPoolSize
	}
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		sem:     semaphore.NewWeighted(int64(size)),
		size:    size,
		timeout: timeout,
		logger:  logger,
	}, nil
}

func (p *Pool) Size() int { return p.size }

func (p *Pool) Timeout() time.Duration { return p.timeout }

// Do runs fn on a pooled worker and waits at most the configured timeout for it.
//
// On timeout the context passed to fn is cancelled and Do returns ErrTimeout
// immediately. fn itself keeps running until it notices the cancellation; its
// result is discarded and its worker slot is released only when it returns.
func (p *Pool) Do(ctx context.Context, fn func(context.Context) error) error {
	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, p.timeout)

	if err := p.sem.Acquire(callCtx, 1); err != nil {
		cancel()
		return p.failure(ctx, start, "waiting for worker", err)
	}

	done := make(chan error, 1)
	go func() {
		defer p.sem.Release(1)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("guard: call panicked: %v", r)
			}
		}()
		done <- fn(callCtx)
	}()

	select {
	case err := <-done:
		return p.result(ctx, start, err)
	case <-callCtx.Done():
		// The worker cancels callCtx after it has sent its result.
		select {
		case err := <-done:
			return p.result(ctx, start, err)
		default:
		}
		return p.failure(ctx, start, "running", callCtx.Err())
	}
}

func (p *Pool) result(ctx context.Context, start time.Time, err error) error {
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return p.failure(ctx, start, "running", err)
	}
	return err
}

func (p *Pool) failure(ctx context.Context, start time.Time, stage string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	p.logger.WarnContext(ctx, "guarded call abandoned",
		"stage", stage,
		"elapsed", time.Since(start).Round(time.Millisecond),
		"timeout", p.timeout,
		"err", err,
	)
	return fmt.Errorf("%w after %s (%s)", ErrTimeout, p.timeout, stage)
}
