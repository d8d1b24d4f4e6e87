package retry_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zsprackett/jobkit/internal/retry"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRetriesUntilSuccess(t *testing.T) {
	req := require.New(t)
	var attempts atomic.Int32
	done := make(chan struct{})
	q := retry.New(func(ctx context.Context, item string) error {
		if attempts.Add(1) < 3 {
			return errors.New("transient")
		}
		close(done)
		return nil
	},
		retry.WithMaxAttempts[string](5),
		retry.WithWait[string](retry.ConstantWait(time.Millisecond)),
		retry.WithLogger[string](discardLogger()),
	)
	q.Start(context.Background())
	defer q.Stop()

	req.NoError(q.Add(context.Background(), "notify"))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("item never succeeded")
	}
	req.EqualValues(3, attempts.Load())
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	req := require.New(t)
	var attempts atomic.Int32
	gaveUp := make(chan error, 1)
	q := retry.New(func(ctx context.Context, item int) error {
		attempts.Add(1)
		return errors.New("down")
	},
		retry.WithMaxAttempts[int](3),
		retry.WithWait[int](retry.LinearBackoff(time.Millisecond)),
		retry.WithLogger[int](discardLogger()),
		retry.WithGiveUp(func(item int, err error) { gaveUp <- err }),
	)
	q.Start(context.Background())
	defer q.Stop()

	req.NoError(q.Add(context.Background(), 7))
	select {
	case err := <-gaveUp:
		req.EqualError(err, "down")
	case <-time.After(5 * time.Second):
		t.Fatal("never gave up")
	}
	req.EqualValues(3, attempts.Load())
}

func TestPanicIsRetried(t *testing.T) {
	var once sync.Once
	done := make(chan struct{})
	q := retry.New(func(ctx context.Context, item string) error {
		panicked := false
		once.Do(func() { panicked = true })
		if panicked {
			panic("bad payload")
		}
		close(done)
		return nil
	},
		retry.WithMaxAttempts[string](2),
		retry.WithWait[string](retry.ConstantWait(time.Millisecond)),
		retry.WithLogger[string](discardLogger()),
	)
	q.Start(context.Background())
	defer q.Stop()

	require.NoError(t, q.Add(context.Background(), "x"))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("panicking item was not retried")
	}
}

func TestParallelWorkers(t *testing.T) {
	req := require.New(t)
	var inFlight, peak atomic.Int32
	var wg sync.WaitGroup
	release := make(chan struct{})
	q := retry.New(func(ctx context.Context, item int) error {
		defer wg.Done()
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		inFlight.Add(-1)
		return nil
	}, retry.WithParallelism[int](3), retry.WithLogger[int](discardLogger()))
	q.Start(context.Background())
	defer q.Stop()

	wg.Add(3)
	for i := 0; i < 3; i++ {
		req.NoError(q.Add(context.Background(), i))
	}
	req.Eventually(func() bool { return inFlight.Load() == 3 }, 5*time.Second, time.Millisecond)
	close(release)
	wg.Wait()
	req.EqualValues(3, peak.Load())
}

func TestAddAfterStop(t *testing.T) {
	q := retry.New(func(ctx context.Context, item int) error { return nil })
	q.Start(context.Background())
	q.Stop()
	require.ErrorIs(t, q.Add(context.Background(), 1), retry.ErrStopped)
}
