// Package setpoint implements the reliable-setpoint discipline for analog
// outputs commanded over lossy transports: issue, settle, verify against the
// device's set register, retry on miss. Exhausted retries are a result, not
// a failure, so callers decide whether a degraded setpoint aborts the test.
package setpoint

import (
	"context"
	"math"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/CSunburnSchematics/Rigol/internal/instrument"
)

// State is the terminal outcome of a configure call.
type State string

const (
	Accepted State = "accepted"
	Degraded State = "degraded"
)

// Setpoint is one target value with its acceptance policy.
type Setpoint struct {
	Channel     string        `json:"channel"`
	Target      float64       `json:"target"`
	Tolerance   float64       `json:"tolerance"`
	MaxRetries  int           `json:"maxRetries"`
	SettleDelay time.Duration `json:"settleDelay"`
}

// Result carries the outcome of a configure call. Degraded results carry
// the last observed readback so the run log shows how far off the device
// landed.
type Result struct {
	State    State   `json:"state"`
	Value    float64 `json:"value"`
	Attempts int     `json:"attempts"`
}

// Recorder receives one record per attempt. The audit logger satisfies it.
type Recorder interface {
	RecordSetpoint(instrumentID, channel string, target, readback float64, attempt int, accepted bool)
}

// Controller drives setpoints on instruments. Calls are synchronous within
// the owning loop's goroutine and never issued concurrently against the
// same instrument.
type Controller struct {
	clk      clock.Clock
	log      *zap.Logger
	recorder Recorder
}

// NewController creates a controller. clk and log may be nil; recorder is
// optional.
func NewController(clk clock.Clock, log *zap.Logger, recorder Recorder) *Controller {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{clk: clk, log: log, recorder: recorder}
}

// Configure runs the issue → settle → verify cycle up to sp.MaxRetries
// times. Verification reads the commanded set register, not a live
// measurement, so load transients and meter noise cannot masquerade as
// command failures. Transient transport errors consume an attempt; a fatal
// transport error ends the cycle early with a Degraded result carrying the
// last readback, because the caller's shutdown path still needs a value,
// not a panic.
func (c *Controller) Configure(ctx context.Context, inst instrument.Instrument, sp Setpoint) Result {
	attempts := sp.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	var lastReadback float64
	lastReadback = math.NaN()

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			break
		}

		readback, err := c.attempt(ctx, inst, sp)
		if err != nil {
			c.log.Warn("setpoint attempt failed",
				zap.String("instrument", inst.ID()),
				zap.String("channel", sp.Channel),
				zap.Int("attempt", attempt),
				zap.Error(err))
			c.record(inst.ID(), sp, lastReadback, attempt, false)
			if instrument.IsFatal(err) {
				break
			}
			continue
		}

		lastReadback = readback
		if math.Abs(readback-sp.Target) <= sp.Tolerance {
			c.record(inst.ID(), sp, readback, attempt, true)
			c.log.Info("setpoint accepted",
				zap.String("instrument", inst.ID()),
				zap.String("channel", sp.Channel),
				zap.Float64("target", sp.Target),
				zap.Float64("readback", readback),
				zap.Int("attempt", attempt))
			return Result{State: Accepted, Value: readback, Attempts: attempt}
		}

		c.record(inst.ID(), sp, readback, attempt, false)
	}

	c.log.Warn("setpoint degraded",
		zap.String("instrument", inst.ID()),
		zap.String("channel", sp.Channel),
		zap.Float64("target", sp.Target),
		zap.Float64("lastReadback", lastReadback))
	return Result{State: Degraded, Value: lastReadback, Attempts: attempts}
}

func (c *Controller) attempt(ctx context.Context, inst instrument.Instrument, sp Setpoint) (float64, error) {
	readback, err := inst.Command(ctx, sp.Channel, sp.Target)
	if err != nil {
		return 0, instrument.Normalize(err, inst.Transport(), "command")
	}

	if sp.SettleDelay > 0 {
		timer := c.clk.Timer(sp.SettleDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return 0, instrument.Normalize(ctx.Err(), inst.Transport(), "command")
		case <-timer.C:
		}
	}

	return readback, nil
}

// EmergencyOff issues a single best-effort zero to the channel with no
// settle, no verify and no retry. Only the forced-shutdown path uses it,
// where bounded latency matters more than confirmation.
func (c *Controller) EmergencyOff(ctx context.Context, inst instrument.Instrument, channel string) error {
	_, err := inst.Command(ctx, channel, 0)
	if err != nil {
		err = instrument.Normalize(err, inst.Transport(), "command")
		c.log.Warn("emergency off failed",
			zap.String("instrument", inst.ID()),
			zap.String("channel", channel),
			zap.Error(err))
	}
	return err
}

func (c *Controller) record(id string, sp Setpoint, readback float64, attempt int, accepted bool) {
	if c.recorder != nil {
		c.recorder.RecordSetpoint(id, sp.Channel, sp.Target, readback, attempt, accepted)
	}
}
