package poller

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/elitegreg/ElecraftPowerComboCLI/pkg/logging"
)

// Target is polled once per cycle. Errors are logged and absorbed.
type Target interface {
	Poll(ctx context.Context) error
}

// TargetFunc adapts a function to a Target
type TargetFunc func(ctx context.Context) error

func (f TargetFunc) Poll(ctx context.Context) error {
	return f(ctx)
}

// Loop polls a target, then sleeps for whatever its interval function
// returns, until the context is cancelled
type Loop struct {
	name  string
	clock clockwork.Clock
	log   *logging.ComponentLogger
	kick  chan struct{}

	cycles   atomic.Uint64
	failures atomic.Uint64
}

// New creates a loop. A nil clock uses the real clock.
func New(name string, clock clockwork.Clock) *Loop {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Loop{
		name:  name,
		clock: clock,
		log:   logging.For("poller").WithFields(logging.Fields{"device": name}),
		kick:  make(chan struct{}, 1),
	}
}

// Name returns the name the loop was created with
func (l *Loop) Name() string {
	return l.name
}

// Cycles returns the number of completed poll cycles
func (l *Loop) Cycles() uint64 {
	return l.cycles.Load()
}

// Failures returns the number of poll cycles that returned an error
func (l *Loop) Failures() uint64 {
	return l.failures.Load()
}

// Kick cuts the current sleep short so the next cycle starts now. Kicks
// while a cycle is running coalesce into one.
func (l *Loop) Kick() {
	select {
	case l.kick <- struct{}{}:
	default:
	}
}

// Run polls target until ctx is cancelled. next is asked for the delay
// after every cycle, so the interval may change from one cycle to the next.
func (l *Loop) Run(ctx context.Context, target Target, next func() time.Duration) error {
	l.log.Debugf("poll loop started")
	defer l.log.Debugf("poll loop stopped")

	failing := false
	for {
		if ctx.Err() != nil {
			return nil
		}

		err := target.Poll(ctx)
		if ctx.Err() != nil {
			return nil
		}
		l.cycles.Add(1)

		switch {
		case err != nil && !failing:
			failing = true
			l.failures.Add(1)
			l.log.Warnf("poll failed: %v", err)
		case err != nil:
			l.failures.Add(1)
			l.log.Debugf("poll failed: %v", err)
		case failing:
			failing = false
			l.log.Infof("poll recovered")
		}

		if !l.sleep(ctx, next()) {
			return nil
		}
	}
}

// sleep waits for d, a kick or cancellation. It reports false on
// cancellation.
func (l *Loop) sleep(ctx context.Context, d time.Duration) bool {
	timer := l.clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-l.kick:
		return true
	case <-timer.Chan():
		return true
	}
}
