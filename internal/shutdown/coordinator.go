// Package shutdown owns the single run-wide stop flag and the graceful
// termination sequence: request once, wait out a grace period, force-close
// whatever did not stop on its own.
package shutdown

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/CSunburnSchematics/Rigol/internal/acquisition"
	"github.com/CSunburnSchematics/Rigol/internal/telemetry"
)

// Terminable is the slice of an acquisition loop the coordinator drives.
type Terminable interface {
	ID() string
	Done() <-chan struct{}
	ForceTerminate(reason string)
}

// Coordinator is the run's only stop authority. Every stop source funnels
// into RequestStop; loops poll StopRequested at iteration boundaries.
type Coordinator struct {
	clk clock.Clock
	log *zap.Logger
	hub *telemetry.Hub

	stopped  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once

	mu     sync.Mutex
	reason string
	loops  []Terminable
}

// NewCoordinator builds a coordinator. clk, log and hub may be nil.
func NewCoordinator(clk clock.Clock, log *zap.Logger, hub *telemetry.Hub) *Coordinator {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		clk:    clk,
		log:    log,
		hub:    hub,
		stopCh: make(chan struct{}),
	}
}

// Register adds a loop to the graceful-wait set. Must happen before
// WaitGraceful.
func (c *Coordinator) Register(l Terminable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loops = append(c.loops, l)
}

// RequestStop latches the stop flag. The first caller's reason wins; later
// calls are no-ops, so a signal, the stop file and a fatal loop can all race
// without confusing the record.
func (c *Coordinator) RequestStop(reason string) {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		c.stopped.Store(true)
		close(c.stopCh)

		c.log.Info("stop requested", zap.String("reason", reason))
		if c.hub != nil {
			c.hub.Publish(telemetry.EventStop, "", map[string]any{"reason": reason})
		}
	})
}

// StopRequested reports the flag. Loops poll this at iteration boundaries.
func (c *Coordinator) StopRequested() bool {
	return c.stopped.Load()
}

// Stopped is closed once a stop has been requested.
func (c *Coordinator) Stopped() <-chan struct{} {
	return c.stopCh
}

// Reason returns why the run is stopping, empty while it is not.
func (c *Coordinator) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// WaitGraceful blocks until every registered loop reaches a terminal state
// or the grace period elapses, whichever comes first. Loops still running at
// the deadline are force-terminated and waited for; the returned slice names
// them. Termination latency past the grace period is bounded by the forced
// close, not by any instrument timeout.
func (c *Coordinator) WaitGraceful(ctx context.Context, grace time.Duration) []string {
	c.mu.Lock()
	loops := make([]Terminable, len(c.loops))
	copy(loops, c.loops)
	c.mu.Unlock()

	deadline := c.clk.Timer(grace)
	defer deadline.Stop()

	allDone := make(chan struct{})
	go func() {
		for _, l := range loops {
			<-l.Done()
		}
		close(allDone)
	}()

	select {
	case <-allDone:
		return nil
	case <-deadline.C:
	case <-ctx.Done():
	}

	var forced []string
	for _, l := range loops {
		select {
		case <-l.Done():
			continue
		default:
		}
		c.log.Warn("grace period expired, forcing termination", zap.String("instrument", l.ID()))
		l.ForceTerminate(acquisition.ReasonForcedTimeout)
		forced = append(forced, l.ID())
	}

	// The forced close unblocks whatever syscall the loop was stuck in;
	// terminal state follows promptly, so this second wait is short.
	<-allDone
	return forced
}
