package backoff

import (
	"context"
	"time"
)

// Policy decides whether and when a failed operation is attempted again.
//
// The retry budget depends on the error: Budget returns how many retries an
// error class allows in total, so a policy can retry "unavailable" three times
// but a server error only once. The budget is evaluated against the number of
// retries already spent on the whole operation.
type Policy struct {
	// Budget returns the total retries permitted once err has occurred.
	// Zero (or a nil Budget) means err is not retryable.
	Budget func(err error) int

	// Delay returns the wait before the given retry (1-based).
	// Defaults to Exponential with Backoff.
	Delay func(retry int) time.Duration

	// Backoff configures the default Delay.
	Backoff Config

	// Sleep waits for d or until ctx is done. Defaults to a timer-based wait.
	Sleep func(ctx context.Context, d time.Duration) error

	// OnRetry is called before each retry with the error that caused it.
	OnRetry func(retry int, delay time.Duration, err error)
}

// Outcome reports what happened during Do.
type Outcome struct {
	Attempts  int  // calls made to the operation
	Exhausted bool // the last error was retryable but the budget ran out
}

// Do calls op until it succeeds, returns a non-retryable error, exhausts the
// retry budget, or ctx is done while waiting between attempts. Cancellation
// only interrupts the waits: an attempt in progress is never abandoned here.
func (p Policy) Do(ctx context.Context, op func(attempt int) error) (Outcome, error) {
	var out Outcome
	for {
		out.Attempts++
		err := op(out.Attempts)
		if err == nil {
			return out, nil
		}

		retries := out.Attempts - 1
		budget := 0
		if p.Budget != nil {
			budget = p.Budget(err)
		}
		if budget <= 0 {
			return out, err
		}
		if retries >= budget {
			out.Exhausted = true
			return out, err
		}

		retry := retries + 1
		delay := p.delay(retry)
		if p.OnRetry != nil {
			p.OnRetry(retry, delay, err)
		}
		if serr := p.sleep(ctx, delay); serr != nil {
			return out, serr
		}
	}
}

func (p Policy) delay(retry int) time.Duration {
	if p.Delay != nil {
		return p.Delay(retry)
	}
	return Exponential(retry, &p.Backoff)
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	return Sleep(ctx, d)
}

// Sleep waits for d or until ctx is done, returning ctx.Err() in the latter case.
func Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
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
