package retry

import (
	"context"
	"time"

	"github.com/emperorhan/volume-backfill/internal/failure"
)

// Policy controls Do. Waits grow as BaseDelay * 2^attempt, so a one-second
// base yields 2s, 4s, 8s between attempts.
type Policy struct {
	Op          string
	MaxAttempts int
	BaseDelay   time.Duration
	// MaxDelay caps a single wait; zero means uncapped.
	MaxDelay time.Duration

	// Classify decides whether an error is retried. Defaults to Classify.
	Classify func(error) Decision
	// OnRetry is called before each wait.
	OnRetry func(attempt int, wait time.Duration, err error)
	// Sleep waits for d or until ctx is done. Defaults to a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Do calls fn until it succeeds, returns a terminal error, or MaxAttempts
// calls have failed. Exhaustion yields a *failure.RequestError wrapping the
// last error. Terminal errors and context errors are returned unchanged.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	classify := p.Classify
	if classify == nil {
		classify = Classify
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if !classify(err).IsTransient() {
			return err
		}
		if attempt == p.MaxAttempts {
			break
		}

		wait := Backoff(p.BaseDelay, attempt, p.MaxDelay)
		if p.OnRetry != nil {
			p.OnRetry(attempt, wait, err)
		}
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}

	return &failure.RequestError{Op: p.Op, Attempts: p.MaxAttempts, Err: lastErr}
}

// Backoff returns base * 2^attempt, capped at maxDelay when maxDelay > 0.
func Backoff(base time.Duration, attempt int, maxDelay time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30
	}
	wait := base << attempt
	if maxDelay > 0 && wait > maxDelay {
		wait = maxDelay
	}
	return wait
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
