// Package coverage measures how much of a loop's elapsed wall time is
// represented by captured data. The figure is diagnostic only; it never
// gates retries or correctness.
package coverage

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/CSunburnSchematics/Rigol/internal/instrument"
)

// Tracker accumulates captured duration against observed wall time for one
// acquisition loop. The owning loop feeds it while status handlers read the
// live figure, so all methods are safe for concurrent use.
type Tracker struct {
	clk clock.Clock

	mu       sync.Mutex
	started  time.Time
	running  bool
	captured time.Duration
	clamped  int
}

// NewTracker creates a tracker on the given clock. Pass clock.New() in
// production and a mock in tests.
func NewTracker(clk clock.Clock) *Tracker {
	if clk == nil {
		clk = clock.New()
	}
	return &Tracker{clk: clk}
}

// Start marks the beginning of the observation window.
func (t *Tracker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started = t.clk.Now()
	t.running = true
}

// Observe credits one capture window. Captured duration comes from the
// instrument-reported sample interval times sample count; crediting the
// nominal configured rate instead overstates coverage by an order of
// magnitude on transport-limited instruments. A window claiming more time
// than has elapsed on the wall is clamped, and the clamp is reported so the
// caller can log it.
func (t *Tracker) Observe(w *instrument.CaptureWindow) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		return fmt.Errorf("tracker not started")
	}
	if w == nil {
		return fmt.Errorf("nil capture window")
	}

	credit := w.CapturedDuration()
	if credit < 0 {
		return fmt.Errorf("negative captured duration %v", credit)
	}

	wall := t.clk.Now().Sub(t.started)
	if t.captured+credit > wall {
		credit = wall - t.captured
		if credit < 0 {
			credit = 0
		}
		t.clamped++
	}
	t.captured += credit
	return nil
}

// Coverage returns captured/wall in [0,1].
func (t *Tracker) Coverage() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		return 0
	}
	wall := t.clk.Now().Sub(t.started)
	if wall <= 0 {
		return 0
	}
	cov := float64(t.captured) / float64(wall)
	if cov < 0 {
		return 0
	}
	if cov > 1 {
		return 1
	}
	return cov
}

// Captured returns the total credited duration.
func (t *Tracker) Captured() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.captured
}

// Clamped returns how many windows claimed more time than had elapsed.
func (t *Tracker) Clamped() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.clamped
}
