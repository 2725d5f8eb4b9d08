package orchestrator

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
)

// Interrupt levels. Each external interrupt signal raises the level by one;
// the scheduler's main loop reads the level and performs the corresponding
// teardown. The signal path itself never touches orchestration state or the
// engine: it only records intent.
const (
	// LevelDrain clears the pending queue; active instances finish
	// undisturbed.
	LevelDrain = 1
	// LevelStop force-stops all active instances; nothing further is
	// admitted.
	LevelStop = 2
	// LevelExit terminates the process immediately without cleanup.
	LevelExit = 3
)

// InterruptController is a small state machine over an interrupt counter.
type InterruptController struct {
	level atomic.Int32
	log   *slog.Logger

	// exit is called at LevelExit; overridable in tests.
	exit func(code int)
}

func NewInterruptController(log *slog.Logger) *InterruptController {
	return &InterruptController{log: log, exit: os.Exit}
}

// Watch installs the signal handler and raises the level once per received
// signal until ctx is cancelled.
func (c *InterruptController) Watch(ctx context.Context, signals ...os.Signal) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, signals...)
	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				c.Bump()
			}
		}
	}()
}

// Bump raises the interrupt level by one and returns the new level. It never
// blocks. At LevelExit and beyond the process is terminated on the spot.
func (c *InterruptController) Bump() int {
	n := int(c.level.Add(1))
	switch n {
	case LevelDrain:
		c.log.Warn("interrupt: no new evals will be started; interrupt again to stop running ones")
	case LevelStop:
		c.log.Warn("second interrupt: running evals will be stopped; interrupt again to exit immediately")
	default:
		c.log.Warn("third interrupt: exiting without cleanup")
		c.exit(1)
	}
	return n
}

// Level returns the current interrupt level.
func (c *InterruptController) Level() int {
	return int(c.level.Load())
}
