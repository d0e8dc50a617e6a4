package poller

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// countingTarget signals every poll on a channel
type countingTarget struct {
	polls chan int
	count atomic.Int32
	err   error
}

func newCountingTarget() *countingTarget {
	return &countingTarget{polls: make(chan int, 16)}
}

func (c *countingTarget) Poll(ctx context.Context) error {
	n := int(c.count.Add(1))
	c.polls <- n
	return c.err
}

func waitPoll(t *testing.T, target *countingTarget) int {
	t.Helper()
	select {
	case n := <-target.polls:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for poll")
		return 0
	}
}

func startLoop(t *testing.T, loop *Loop, target Target, next func() time.Duration) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- loop.Run(ctx, target, next)
	}()
	return cancel, done
}

func TestLoopRun(t *testing.T) {
	defer goleak.VerifyNone(t)

	t.Run("Polls Immediately Then Every Interval", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		loop := New("amplifier", clock)
		target := newCountingTarget()

		cancel, done := startLoop(t, loop, target, func() time.Duration { return 250 * time.Millisecond })

		assert.Equal(t, 1, waitPoll(t, target))

		ctx, ctxCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer ctxCancel()
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		clock.Advance(249 * time.Millisecond)
		select {
		case <-target.polls:
			t.Fatal("polled before the interval elapsed")
		case <-time.After(20 * time.Millisecond):
		}
		clock.Advance(time.Millisecond)
		assert.Equal(t, 2, waitPoll(t, target))

		cancel()
		require.NoError(t, <-done)
		assert.GreaterOrEqual(t, loop.Cycles(), uint64(2))
		assert.Equal(t, "amplifier", loop.Name())
	})

	t.Run("Interval Asked Every Cycle", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		loop := New("tuner", clock)
		target := newCountingTarget()

		intervals := []time.Duration{30 * time.Second, 250 * time.Millisecond}
		var asked atomic.Int32
		next := func() time.Duration {
			i := int(asked.Add(1)) - 1
			if i >= len(intervals) {
				return time.Hour
			}
			return intervals[i]
		}

		cancel, done := startLoop(t, loop, target, next)
		defer func() {
			cancel()
			<-done
		}()

		ctx, ctxCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer ctxCancel()

		waitPoll(t, target)
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		clock.Advance(30 * time.Second)
		waitPoll(t, target)

		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		clock.Advance(250 * time.Millisecond)
		assert.Equal(t, 3, waitPoll(t, target))
		assert.GreaterOrEqual(t, int(asked.Load()), 2)
	})

	t.Run("Errors Are Absorbed", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		loop := New("tuner", clock)
		target := newCountingTarget()
		target.err = errors.New("device unresponsive")

		cancel, done := startLoop(t, loop, target, func() time.Duration { return time.Second })

		ctx, ctxCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer ctxCancel()

		waitPoll(t, target)
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		clock.Advance(time.Second)
		waitPoll(t, target)

		cancel()
		require.NoError(t, <-done)
		assert.GreaterOrEqual(t, loop.Failures(), uint64(2))
	})

	t.Run("Kick Skips The Sleep", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		loop := New("tuner", clock)
		target := newCountingTarget()

		cancel, done := startLoop(t, loop, target, func() time.Duration { return 30 * time.Second })

		ctx, ctxCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer ctxCancel()

		waitPoll(t, target)
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		loop.Kick()
		assert.Equal(t, 2, waitPoll(t, target))

		cancel()
		require.NoError(t, <-done)
	})

	t.Run("Cancel During Poll", func(t *testing.T) {
		loop := New("amplifier", nil)
		ctx, cancel := context.WithCancel(context.Background())

		polled := make(chan struct{})
		target := TargetFunc(func(ctx context.Context) error {
			close(polled)
			<-ctx.Done()
			return ctx.Err()
		})

		done := make(chan error, 1)
		go func() {
			done <- loop.Run(ctx, target, func() time.Duration { return time.Millisecond })
		}()

		<-polled
		cancel()
		require.NoError(t, <-done)
		assert.Equal(t, uint64(0), loop.Cycles())
	})

	t.Run("Cancelled Before Start", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		target := newCountingTarget()
		require.NoError(t, New("amplifier", nil).Run(ctx, target, func() time.Duration { return time.Second }))
		assert.Equal(t, int32(0), target.count.Load())
	})
}
