// Package acquisition implements the repeated-sampling engine shared by
// every instrument subsystem. One loop owns one instrument connection for
// its lifetime, produces timestamped artifacts, records gaps where capture
// failed, and observes the global stop flag only at iteration boundaries.
package acquisition

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/CSunburnSchematics/Rigol/internal/artifact"
	"github.com/CSunburnSchematics/Rigol/internal/coverage"
	"github.com/CSunburnSchematics/Rigol/internal/instrument"
	"github.com/CSunburnSchematics/Rigol/internal/telemetry"
)

// State is the loop lifecycle. Transitions are one-directional; Stopped and
// Failed are terminal.
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

// Terminal reports whether s is an absorbing state.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

// ReasonForcedTimeout marks loops terminated by the coordinator after the
// grace period expired.
const ReasonForcedTimeout = "forced-timeout"

// Gap is a marked absence: capture was attempted over this span and failed.
type Gap struct {
	StartUTC time.Time `json:"startUtc"`
	EndUTC   time.Time `json:"endUtc"`
	Reason   string    `json:"reason"`
}

// StopRequester receives the global stop request when a loop fails fatally.
type StopRequester interface {
	RequestStop(reason string)
}

// Auditor is the subset of the run log the loop writes to.
type Auditor interface {
	RecordTransition(instrumentID, from, to, reason string)
	RecordGap(instrumentID string, start, end time.Time, reason string)
	RecordArtifact(instrumentID, path string, start, end time.Time)
}

// ChannelPolicy filters and scales samples by channel name. Channels not
// named by any policy pass through untouched.
type ChannelPolicy struct {
	Name    string
	Enabled bool
	Scale   float64
}

// Options wires one loop.
type Options struct {
	Instrument instrument.Instrument
	Writer     *artifact.Writer
	Tracker    *coverage.Tracker
	Hub        *telemetry.Hub
	Auditor    Auditor
	Log        *zap.Logger
	Clock      clock.Clock

	// Release returns the instrument handle to the registry. Called
	// exactly once, on every terminal path.
	Release func()

	// OnFatal propagates a fatal failure to the shutdown coordinator.
	OnFatal StopRequester

	// StopRequested is polled at iteration boundaries.
	StopRequested func() bool

	// Channels applies per-channel enable and scale factors to every
	// captured window.
	Channels []ChannelPolicy

	AcquireTimeout         time.Duration
	MaxRetriesPerIteration int

	// Backoff between failed attempts inside one iteration.
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	BackoffMultiplier float64
}

// Loop is one acquisition loop. Construct with NewLoop and drive with Run.
type Loop struct {
	opts     Options
	id       string
	clk      clock.Clock
	log      *zap.Logger
	channels map[string]ChannelPolicy

	mu          sync.Mutex
	state       State
	failReason  string
	artifacts   []artifact.Artifact
	gaps        []Gap
	coverage    float64
	releaseOnce sync.Once

	done chan struct{}
}

// NewLoop validates options and builds an idle loop.
func NewLoop(opts Options) (*Loop, error) {
	if opts.Instrument == nil {
		return nil, fmt.Errorf("loop requires an instrument")
	}
	if opts.Writer == nil {
		return nil, fmt.Errorf("loop requires an artifact writer")
	}
	if opts.AcquireTimeout <= 0 {
		return nil, fmt.Errorf("loop requires a positive acquire timeout")
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Tracker == nil {
		opts.Tracker = coverage.NewTracker(opts.Clock)
	}
	if opts.StopRequested == nil {
		opts.StopRequested = func() bool { return false }
	}
	if opts.MaxRetriesPerIteration < 0 {
		opts.MaxRetriesPerIteration = 0
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = 100 * time.Millisecond
	}
	if opts.BackoffMax < opts.BackoffInitial {
		opts.BackoffMax = opts.BackoffInitial
	}
	if opts.BackoffMultiplier < 1 {
		opts.BackoffMultiplier = 2
	}

	var channels map[string]ChannelPolicy
	if len(opts.Channels) > 0 {
		channels = make(map[string]ChannelPolicy, len(opts.Channels))
		for _, cp := range opts.Channels {
			channels[cp.Name] = cp
		}
	}

	return &Loop{
		opts:     opts,
		id:       opts.Instrument.ID(),
		clk:      opts.Clock,
		log:      opts.Log.With(zap.String("instrument", opts.Instrument.ID())),
		channels: channels,
		state:    StateIdle,
		done:     make(chan struct{}),
	}, nil
}

// ID returns the owned instrument's id.
func (l *Loop) ID() string {
	return l.id
}

// State returns the current lifecycle state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// FailReason returns why the loop failed, empty otherwise.
func (l *Loop) FailReason() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failReason
}

// Done is closed once the loop reaches a terminal state.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Artifacts returns the finalized artifact records in production order.
func (l *Loop) Artifacts() []artifact.Artifact {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]artifact.Artifact, len(l.artifacts))
	copy(out, l.artifacts)
	return out
}

// Gaps returns every recorded gap.
func (l *Loop) Gaps() []Gap {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Gap, len(l.gaps))
	copy(out, l.gaps)
	return out
}

// Coverage returns the final coverage once terminal, or the live value.
func (l *Loop) Coverage() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.Terminal() {
		return l.coverage
	}
	return l.opts.Tracker.Coverage()
}

// Run drives the loop until a stop request, a fatal error or context
// cancellation. It always returns nil; the outcome lives in State. An
// in-flight acquire is never preempted: stop latency is bounded by the
// current attempt's timeout plus finalize time, by design.
func (l *Loop) Run(ctx context.Context) error {
	if !l.transition(StateRunning, "") {
		return nil
	}
	l.opts.Tracker.Start()

	for {
		if ctx.Err() != nil || l.opts.StopRequested() {
			l.stopGracefully()
			return nil
		}

		if fatal := l.iterate(ctx); fatal {
			return nil
		}
	}
}

// iterate runs one acquisition iteration: a bounded attempt with transient
// retries, degrading to a recorded Gap. Returns true when the loop went
// terminal inside the iteration.
func (l *Loop) iterate(ctx context.Context) bool {
	iterStart := l.clk.Now().UTC()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = l.opts.BackoffInitial
	bo.MaxInterval = l.opts.BackoffMax
	bo.Multiplier = l.opts.BackoffMultiplier
	bo.RandomizationFactor = 0
	bo.Reset()

	var lastErr error
	attempts := l.opts.MaxRetriesPerIteration + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		window, err := l.acquireOnce(ctx)
		if err == nil {
			l.commitWindow(window)
			return false
		}
		lastErr = err

		if instrument.IsFatal(err) {
			l.log.Error("fatal acquisition error", zap.Error(err))
			l.fail(err.Error())
			if l.opts.OnFatal != nil {
				l.opts.OnFatal.RequestStop(fmt.Sprintf("%s: fatal acquisition error", l.id))
			}
			return true
		}

		l.log.Warn("transient acquisition error",
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt < attempts {
			timer := l.clk.Timer(bo.NextBackOff())
			select {
			case <-ctx.Done():
				timer.Stop()
			case <-timer.C:
			}
		}
	}

	// Retries exhausted: a single bad iteration never aborts the loop.
	l.recordGap(iterStart, l.clk.Now().UTC(), lastErr)
	return false
}

func (l *Loop) acquireOnce(ctx context.Context) (*instrument.CaptureWindow, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, l.opts.AcquireTimeout)
	defer cancel()

	window, err := l.opts.Instrument.Acquire(attemptCtx)
	if err != nil {
		return nil, instrument.Normalize(err, l.opts.Instrument.Transport(), "acquire")
	}
	if window == nil || len(window.Samples) == 0 {
		return nil, instrument.Normalize(fmt.Errorf("EMPTY_RESPONSE: empty capture window"),
			l.opts.Instrument.Transport(), "acquire")
	}

	// The engine's clock, not the instrument's, stamps completion.
	now := l.clk.Now().UTC()
	for i := range window.Samples {
		window.Samples[i].Timestamp = now
	}

	if l.channels != nil {
		window.Samples = l.applyChannelPolicies(window.Samples)
		if len(window.Samples) == 0 {
			return nil, instrument.Normalize(fmt.Errorf("EMPTY_RESPONSE: all channels disabled"),
				l.opts.Instrument.Transport(), "acquire")
		}
	}
	return window, nil
}

// applyChannelPolicies drops disabled channels and applies scale factors.
// A zero scale means unscaled.
func (l *Loop) applyChannelPolicies(samples []instrument.Sample) []instrument.Sample {
	out := samples[:0]
	for _, s := range samples {
		cp, ok := l.channels[s.Channel]
		if !ok {
			out = append(out, s)
			continue
		}
		if !cp.Enabled {
			continue
		}
		if cp.Scale != 0 {
			s.Value *= cp.Scale
		}
		out = append(out, s)
	}
	return out
}

func (l *Loop) commitWindow(window *instrument.CaptureWindow) {
	l.mu.Lock()
	if l.state != StateRunning {
		l.mu.Unlock()
		return
	}

	art, err := l.opts.Writer.WriteWindow(window)
	if err != nil {
		l.mu.Unlock()
		l.log.Warn("artifact write failed", zap.Error(err))
		return
	}
	l.artifacts = append(l.artifacts, art)
	l.mu.Unlock()

	if err := l.opts.Tracker.Observe(window); err != nil {
		l.log.Warn("coverage observation rejected", zap.Error(err))
	}
	if l.opts.Auditor != nil {
		l.opts.Auditor.RecordArtifact(l.id, art.Path, art.StartUTC, art.EndUTC)
	}
	if l.opts.Hub != nil {
		l.opts.Hub.Publish(telemetry.EventArtifact, l.id, map[string]any{
			"path":     art.Path,
			"startUtc": art.StartUTC.Format(time.RFC3339Nano),
			"endUtc":   art.EndUTC.Format(time.RFC3339Nano),
		})
	}
}

func (l *Loop) recordGap(start, end time.Time, cause error) {
	reason := "retries exhausted"
	if cause != nil {
		reason = cause.Error()
	}

	l.mu.Lock()
	if l.state.Terminal() {
		l.mu.Unlock()
		return
	}
	l.gaps = append(l.gaps, Gap{StartUTC: start, EndUTC: end, Reason: reason})
	l.mu.Unlock()

	l.log.Warn("gap recorded",
		zap.Time("start", start),
		zap.Time("end", end),
		zap.String("reason", reason))
	if l.opts.Auditor != nil {
		l.opts.Auditor.RecordGap(l.id, start, end, reason)
	}
	if l.opts.Hub != nil {
		l.opts.Hub.Publish(telemetry.EventGap, l.id, map[string]any{
			"startUtc": start.Format(time.RFC3339Nano),
			"endUtc":   end.Format(time.RFC3339Nano),
			"reason":   reason,
		})
	}
}

// stopGracefully runs the cooperative shutdown sequence: flush and close
// the artifact writer, release the instrument, snapshot coverage, then
// transition to Stopped.
func (l *Loop) stopGracefully() {
	if !l.transition(StateStopping, "stop requested") {
		return
	}
	l.finalize()
	l.transition(StateStopped, "")
}

// fail finalizes and marks the loop Failed.
func (l *Loop) fail(reason string) {
	l.mu.Lock()
	if l.state.Terminal() {
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	l.finalize()
	l.transition(StateFailed, reason)
}

// ForceTerminate is the coordinator's resource-level kill: the loop is
// marked Failed first, then the connection is closed out from under any
// in-flight acquire. Marking first means the acquire's own error path finds
// a terminal loop and cannot overwrite the reason. Safe to call
// concurrently with Run.
func (l *Loop) ForceTerminate(reason string) {
	l.mu.Lock()
	if l.state.Terminal() {
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	l.fail(reason)
	if err := l.opts.Instrument.Close(); err != nil {
		l.log.Warn("force close failed", zap.Error(err))
	}
}

func (l *Loop) finalize() {
	l.mu.Lock()
	l.opts.Writer.Finalize()
	l.coverage = l.opts.Tracker.Coverage()
	l.mu.Unlock()

	l.releaseOnce.Do(func() {
		if l.opts.Release != nil {
			l.opts.Release()
		}
	})
}

// transition applies a one-directional state change. Returns false when the
// current state does not permit it.
func (l *Loop) transition(to State, reason string) bool {
	l.mu.Lock()
	from := l.state

	allowed := false
	switch to {
	case StateRunning:
		allowed = from == StateIdle
	case StateStopping:
		allowed = from == StateRunning
	case StateStopped:
		allowed = from == StateStopping
	case StateFailed:
		allowed = !from.Terminal()
	}
	if !allowed {
		l.mu.Unlock()
		return false
	}

	l.state = to
	if to == StateFailed && l.failReason == "" {
		l.failReason = reason
	}
	l.mu.Unlock()

	if to.Terminal() {
		close(l.done)
	}

	l.log.Info("state transition",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason))
	if l.opts.Auditor != nil {
		l.opts.Auditor.RecordTransition(l.id, string(from), string(to), reason)
	}
	if l.opts.Hub != nil {
		l.opts.Hub.Publish(telemetry.EventState, l.id, map[string]any{
			"from":   string(from),
			"to":     string(to),
			"reason": reason,
		})
	}
	return true
}
