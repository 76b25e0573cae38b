package timer

import (
	"context"
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"

	log "github.com/sirupsen/logrus"
)

type Interval struct {
	Duration time.Duration
	Jitter   time.Duration
}

// Next returns Duration shifted by a random amount in [-Jitter, +Jitter).
func (i *Interval) Next() time.Duration {
	if i.Jitter <= 0 {
		return i.Duration
	}
	if i.Jitter >= i.Duration {
		log.Warnf("timer: jitter %v is not smaller than interval %v, ignoring jitter", i.Jitter, i.Duration)
		return i.Duration
	}
	return i.Duration + (time.Duration(rand.Int63n(int64(2*i.Jitter))) - i.Jitter)
}

// Sleep waits for d on clk. It returns early with ctx.Err() if ctx is cancelled.
func Sleep(ctx context.Context, clk clock.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := clk.Timer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Retry calls f until it succeeds, attempts calls were made or ctx is cancelled, sleeping interval between calls.
// attempts <= 0 retries forever. The last error of f is returned.
func Retry(ctx context.Context, clk clock.Clock, interval *Interval, attempts int, f func(ctx context.Context) error) error {
	var err error
	for n := 1; ; n++ {
		if err = f(ctx); err == nil {
			return nil
		}
		if attempts > 0 && n >= attempts {
			return err
		}

		wait := interval.Next()
		log.Debugf("timer.Retry: attempt %d failed: %v; retrying in %v", n, err, wait)

		if serr := Sleep(ctx, clk, wait); serr != nil {
			return err
		}
	}
}
