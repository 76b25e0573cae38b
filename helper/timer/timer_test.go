package timer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// drive advances the mock clock until done delivers a result
func drive(t *testing.T, mock *clock.Mock, step time.Duration, done <-chan error) error {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case err := <-done:
			return err
		case <-deadline:
			t.Fatal("timed out waiting for the timer loop")
			return nil
		default:
			mock.Add(step)
			time.Sleep(time.Millisecond)
		}
	}
}

func TestRetryStopsOnSuccess(t *testing.T) {
	mock := clock.NewMock()
	var calls atomic.Int32

	done := make(chan error, 1)
	go func() {
		done <- Retry(context.Background(), mock, &Interval{Duration: time.Second}, 5, func(context.Context) error {
			if calls.Add(1) < 3 {
				return errors.New("not yet")
			}
			return nil
		})
	}()

	require.NoError(t, drive(t, mock, time.Second, done))
	assert.Equal(t, int32(3), calls.Load())
}

func TestRetryGivesUpAfterAttempts(t *testing.T) {
	mock := clock.NewMock()
	var calls atomic.Int32
	boom := errors.New("boom")

	done := make(chan error, 1)
	go func() {
		done <- Retry(context.Background(), mock, &Interval{Duration: time.Second}, 2, func(context.Context) error {
			calls.Add(1)
			return boom
		})
	}()

	assert.ErrorIs(t, drive(t, mock, time.Second, done), boom)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRetrySingleAttemptDoesNotWait(t *testing.T) {
	var calls int
	err := Retry(context.Background(), clock.NewMock(), &Interval{Duration: time.Hour}, 1, func(context.Context) error {
		calls++
		return errors.New("fail")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, clock.NewMock(), time.Hour), context.Canceled)
}

func TestSleepWaitsForClock(t *testing.T) {
	mock := clock.NewMock()
	done := make(chan error, 1)
	go func() { done <- Sleep(context.Background(), mock, time.Minute) }()

	require.NoError(t, drive(t, mock, 10*time.Second, done))
}

func TestIntervalJitterBounds(t *testing.T) {
	i := &Interval{Duration: time.Second, Jitter: 100 * time.Millisecond}
	for n := 0; n < 100; n++ {
		d := i.Next()
		assert.GreaterOrEqual(t, d, 900*time.Millisecond)
		assert.Less(t, d, 1100*time.Millisecond)
	}

	assert.Equal(t, time.Second, (&Interval{Duration: time.Second}).Next())
}
