// Package run assembles a complete test: instruments, setpoints,
// acquisition loops, stop sources, the operator surface, reconciliation and
// the final manifest. The runner is the only component that knows about all
// the others.
package run

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/CSunburnSchematics/Rigol/internal/acquisition"
	"github.com/CSunburnSchematics/Rigol/internal/artifact"
	"github.com/CSunburnSchematics/Rigol/internal/audit"
	"github.com/CSunburnSchematics/Rigol/internal/config"
	"github.com/CSunburnSchematics/Rigol/internal/control"
	"github.com/CSunburnSchematics/Rigol/internal/coverage"
	"github.com/CSunburnSchematics/Rigol/internal/instrument"
	"github.com/CSunburnSchematics/Rigol/internal/manifest"
	"github.com/CSunburnSchematics/Rigol/internal/reconcile"
	"github.com/CSunburnSchematics/Rigol/internal/setpoint"
	"github.com/CSunburnSchematics/Rigol/internal/shutdown"
	"github.com/CSunburnSchematics/Rigol/internal/telemetry"
)

// Exit codes. Zero means every loop ended in the clean terminal state.
const (
	ExitOK      = 0
	ExitDirty   = 1
	ExitStartup = 2
)

// InstrumentFactory opens one instrument connection from its configuration.
type InstrumentFactory func(cfg config.Instrument) (instrument.Instrument, error)

// Options wires a runner.
type Options struct {
	Config    *config.Config
	ConfigRef string
	Log       *zap.Logger
	Clock     clock.Clock
	Factory   InstrumentFactory
}

// Runner executes one test from claim to manifest.
type Runner struct {
	cfg       *config.Config
	configRef string
	log       *zap.Logger
	clk       clock.Clock
	factory   InstrumentFactory

	testID   string
	testName string
	startUTC time.Time

	registry *instrument.Registry
	hub      *telemetry.Hub
	auditor  *audit.Logger
	coord    *shutdown.Coordinator
	loops    []*acquisition.Loop

	// setpointOutcomes keyed by instrument id, filled by the initial pass.
	setpointOutcomes map[string][]manifest.SetpointOutcome
}

// NewRunner validates options and builds a runner.
func NewRunner(opts Options) (*Runner, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("runner requires a config")
	}
	if opts.Factory == nil {
		return nil, fmt.Errorf("runner requires an instrument factory")
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &Runner{
		cfg:              opts.Config,
		configRef:        opts.ConfigRef,
		log:              opts.Log,
		clk:              opts.Clock,
		factory:          opts.Factory,
		registry:         instrument.NewRegistry(),
		setpointOutcomes: make(map[string][]manifest.SetpointOutcome),
	}, nil
}

// Run executes the whole test and returns the process exit code. The error
// return covers startup faults only; a dirty shutdown is an exit code, not
// an error, because the manifest still gets written.
func (r *Runner) Run(ctx context.Context) (int, error) {
	r.startUTC = r.clk.Now().UTC()
	r.testID = fmt.Sprintf("%s_%s",
		r.startUTC.Format("20060102_150405"),
		strings.Split(uuid.NewString(), "-")[0])
	r.testName = r.cfg.TestName

	testDir := filepath.Join(r.cfg.OutputDir,
		fmt.Sprintf("radiation_test_%s", r.startUTC.Format("20060102_150405")))
	stagingRoot := filepath.Join(testDir, ".staging")
	if err := os.MkdirAll(stagingRoot, 0o755); err != nil {
		return ExitStartup, fmt.Errorf("create test directory: %w", err)
	}

	log := r.log.With(zap.String("testId", r.testID))
	log.Info("test starting",
		zap.String("testName", r.testName),
		zap.String("testDir", testDir),
		zap.Int("instruments", len(r.cfg.Instruments)))

	auditor, err := audit.NewLogger(testDir)
	if err != nil {
		return ExitStartup, err
	}
	defer auditor.Close()
	r.auditor = auditor

	r.hub = telemetry.NewHub(r.cfg.Timing.EventBufferSize)
	defer r.hub.Close()

	r.coord = shutdown.NewCoordinator(r.clk, log, r.hub)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdown.WatchSignals(runCtx, r.coord)
	shutdown.WatchStopFile(runCtx, r.coord, r.clk, log, r.cfg.StopFile,
		r.cfg.Timing.StopPollInterval.Std())

	claimed, err := r.openInstruments()
	if err != nil {
		r.registry.CloseAll()
		return ExitStartup, err
	}
	defer r.registry.CloseAll()

	if aborted := r.initialSetpointPass(runCtx, claimed, log); aborted {
		warning := "aborted before acquisition: degraded initial setpoint"
		r.writeAbortManifest(testDir, warning)
		return ExitDirty, nil
	}

	if err := r.buildLoops(claimed, stagingRoot); err != nil {
		return ExitStartup, err
	}

	// The control surface comes up only once the loop set is final, so
	// /status never races loop construction.
	if r.cfg.ControlListen != "" {
		srv := control.NewServer(log, r.hub, r, r.coord)
		if err := srv.Start(r.cfg.ControlListen); err != nil {
			return ExitStartup, err
		}
		defer srv.Shutdown(context.Background())
	}

	g, loopCtx := errgroup.WithContext(runCtx)
	for i, l := range r.loops {
		delay := r.cfg.Instruments[i].StartupDelay.Std()
		loop := l
		g.Go(func() error {
			if delay > 0 {
				timer := r.clk.Timer(delay)
				select {
				case <-loopCtx.Done():
					timer.Stop()
				case <-timer.C:
				}
			}
			return loop.Run(loopCtx)
		})
	}

	select {
	case <-r.coord.Stopped():
	case <-ctx.Done():
		r.coord.RequestStop("context cancelled")
	}

	forced := r.coord.WaitGraceful(ctx, r.cfg.Timing.GraceTimeout.Std())
	if err := g.Wait(); err != nil {
		log.Warn("loop group ended with error", zap.Error(err))
	}

	if len(forced) > 0 {
		log.Warn("loops were force-terminated", zap.Strings("instruments", forced))
		r.emergencyOff(log)
	}

	endUTC := r.clk.Now().UTC()

	m := r.buildManifest(testDir, stagingRoot, endUTC, forced, log)
	if _, err := manifest.Write(testDir, m); err != nil {
		log.Error("manifest write failed", zap.Error(err))
		return ExitDirty, nil
	}

	os.RemoveAll(stagingRoot)

	if m.AllStopped() {
		log.Info("test complete, all loops stopped cleanly")
		return ExitOK, nil
	}
	log.Warn("test complete with failed loops")
	return ExitDirty, nil
}

// openInstruments opens and claims every configured instrument. Ordering
// follows the config file, so devices that grab shared buses first keep
// doing so.
func (r *Runner) openInstruments() (map[string]instrument.Instrument, error) {
	claimed := make(map[string]instrument.Instrument, len(r.cfg.Instruments))
	for _, ic := range r.cfg.Instruments {
		inst, err := r.factory(ic)
		if err != nil {
			return nil, fmt.Errorf("open instrument %s: %w", ic.ID, err)
		}
		if err := r.registry.Add(inst); err != nil {
			inst.Close()
			return nil, err
		}
		handle, err := r.registry.Claim(ic.ID)
		if err != nil {
			return nil, err
		}
		claimed[ic.ID] = handle
	}
	return claimed, nil
}

// initialSetpointPass configures every power supply before acquisition
// begins. A degraded outcome is recorded either way; whether it aborts the
// run is the operator's call via config.
func (r *Runner) initialSetpointPass(ctx context.Context, claimed map[string]instrument.Instrument, log *zap.Logger) (abort bool) {
	ctrl := setpoint.NewController(r.clk, log, r.auditor)

	degraded := false
	for _, ic := range r.cfg.Instruments {
		if len(ic.Setpoints) == 0 {
			continue
		}
		inst := claimed[ic.ID]
		for _, spec := range ic.Setpoints {
			sp := spec.ToSetpoint()
			res := ctrl.Configure(ctx, inst, sp)

			outcome := manifest.SetpointOutcome{
				Channel:  sp.Channel,
				Target:   sp.Target,
				State:    string(res.State),
				Attempts: res.Attempts,
			}
			if !math.IsNaN(res.Value) {
				v := res.Value
				outcome.Readback = &v
			}
			r.setpointOutcomes[ic.ID] = append(r.setpointOutcomes[ic.ID], outcome)

			if res.State == setpoint.Degraded {
				degraded = true
				r.hub.Publish(telemetry.EventSetpoint, ic.ID, map[string]any{
					"channel": sp.Channel,
					"target":  sp.Target,
					"state":   string(res.State),
				})
			}
		}
	}

	return degraded && r.cfg.AbortOnDegradedSetpoint
}

// buildLoops assembles one acquisition loop per instrument. Index order
// matches cfg.Instruments.
func (r *Runner) buildLoops(claimed map[string]instrument.Instrument, stagingRoot string) error {
	for _, ic := range r.cfg.Instruments {
		inst := claimed[ic.ID]

		w, err := artifact.NewWriter(stagingRoot, ic.ID, ic.Subsystem)
		if err != nil {
			return err
		}

		retries := ic.MaxRetriesPerIteration
		if retries == 0 {
			retries = r.cfg.Timing.MaxRetriesPerIteration
		}

		var channels []acquisition.ChannelPolicy
		for _, ch := range ic.Channels {
			channels = append(channels, acquisition.ChannelPolicy{
				Name:    ch.Name,
				Enabled: ch.Enabled,
				Scale:   ch.Scale,
			})
		}

		id := ic.ID
		loop, err := acquisition.NewLoop(acquisition.Options{
			Instrument:             inst,
			Writer:                 w,
			Tracker:                coverage.NewTracker(r.clk),
			Hub:                    r.hub,
			Auditor:                r.auditor,
			Log:                    r.log,
			Clock:                  r.clk,
			Channels:               channels,
			Release:                func() { r.registry.Release(id) },
			OnFatal:                r.coord,
			StopRequested:          r.coord.StopRequested,
			AcquireTimeout:         r.cfg.Timing.AcquireTimeout(ic.Kind),
			MaxRetriesPerIteration: retries,
			BackoffInitial:         r.cfg.Timing.RetryBackoffInitial.Std(),
			BackoffMax:             r.cfg.Timing.RetryBackoffMax.Std(),
			BackoffMultiplier:      r.cfg.Timing.RetryBackoffMultiplier,
		})
		if err != nil {
			return err
		}
		r.coord.Register(loop)
		r.loops = append(r.loops, loop)
	}
	return nil
}

// emergencyOff zeroes every configured setpoint channel after a forced
// shutdown. Best effort: the transport may already be gone.
func (r *Runner) emergencyOff(log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ctrl := setpoint.NewController(r.clk, log, nil)
	for _, ic := range r.cfg.Instruments {
		if ic.Kind != instrument.KindPowerSupply || len(ic.Setpoints) == 0 {
			continue
		}
		inst, err := r.registry.Get(ic.ID)
		if err != nil {
			continue
		}
		for _, sp := range ic.Setpoints {
			_ = ctrl.EmergencyOff(ctx, inst, sp.Channel)
		}
	}
}

// SourcesFromConfig wraps every configured external directory as an
// artifact source. Shared with the standalone reconcile command.
func SourcesFromConfig(cfg *config.Config) []artifact.Source {
	var sources []artifact.Source
	for _, src := range cfg.ExternalSources {
		sources = append(sources, artifact.NewDirSource(src.Name, src.Dir, src.Subsystem, ""))
	}
	return sources
}

// buildManifest reconciles artifacts and assembles the run summary.
func (r *Runner) buildManifest(testDir, stagingRoot string, endUTC time.Time, forced []string, log *zap.Logger) *manifest.Manifest {
	var engine []artifact.Artifact
	for _, l := range r.loops {
		engine = append(engine, l.Artifacts()...)
	}

	sources := SourcesFromConfig(r.cfg)

	rec := reconcile.New(log, r.cfg.Timing.ReconcileSlack.Std())
	result, err := rec.Run(testDir, r.startUTC, endUTC, engine, sources)
	if err != nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf("reconciliation failed: %v", err))
	}

	m := &manifest.Manifest{
		TestID:     r.testID,
		TestName:   r.testName,
		ConfigRef:  r.configRef,
		StartUTC:   r.startUTC,
		EndUTC:     endUTC,
		StopReason: r.coord.Reason(),
		Artifacts:  result.Artifacts,
		Warnings:   result.Warnings,
	}

	for id, outcomes := range r.setpointOutcomes {
		for _, o := range outcomes {
			if o.State == string(setpoint.Degraded) {
				m.Warnings = append(m.Warnings,
					fmt.Sprintf("degraded setpoint: %s %s (target %g)", id, o.Channel, o.Target))
			}
		}
	}

	for i, l := range r.loops {
		ic := r.cfg.Instruments[i]
		m.Instruments = append(m.Instruments, manifest.InstrumentRecord{
			ID:            l.ID(),
			Kind:          string(ic.Kind),
			Subsystem:     ic.Subsystem,
			TerminalState: string(l.State()),
			Reason:        l.FailReason(),
			Coverage:      l.Coverage(),
			ArtifactCount: len(l.Artifacts()),
			Gaps:          l.Gaps(),
			Setpoints:     r.setpointOutcomes[l.ID()],
		})
	}
	return m
}

// writeAbortManifest records a run refused before acquisition started.
func (r *Runner) writeAbortManifest(testDir, warning string) {
	m := &manifest.Manifest{
		TestID:    r.testID,
		TestName:  r.testName,
		ConfigRef: r.configRef,
		StartUTC:  r.startUTC,
		EndUTC:    r.clk.Now().UTC(),
		Warnings:  []string{warning},
	}
	for _, ic := range r.cfg.Instruments {
		m.Instruments = append(m.Instruments, manifest.InstrumentRecord{
			ID:            ic.ID,
			Kind:          string(ic.Kind),
			Subsystem:     ic.Subsystem,
			TerminalState: string(acquisition.StateIdle),
			Reason:        "degraded initial setpoint",
			Setpoints:     r.setpointOutcomes[ic.ID],
		})
	}
	if _, err := manifest.Write(testDir, m); err != nil {
		r.log.Error("abort manifest write failed", zap.Error(err))
	}
}

// Status implements the control surface snapshot.
func (r *Runner) Status() control.Status {
	st := control.Status{
		TestID:        r.testID,
		TestName:      r.testName,
		StartUTC:      r.startUTC,
		StopRequested: r.coord.StopRequested(),
		StopReason:    r.coord.Reason(),
	}
	for _, l := range r.loops {
		st.Instruments = append(st.Instruments, control.LoopStatus{
			ID:        l.ID(),
			State:     string(l.State()),
			Coverage:  l.Coverage(),
			Artifacts: len(l.Artifacts()),
			Gaps:      len(l.Gaps()),
			Reason:    l.FailReason(),
		})
	}
	return st
}
