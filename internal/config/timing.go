package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/CSunburnSchematics/Rigol/internal/instrument"
)

// Timing groups every timeout, cadence and retry parameter in one place.
type Timing struct {
	// Acquire timeout classes, one per capability tag. A camera frame grab
	// and a deep-memory scope transfer are different beasts.
	AcquireTimeoutCamera      Duration `yaml:"acquire_timeout_camera"`
	AcquireTimeoutScope       Duration `yaml:"acquire_timeout_scope"`
	AcquireTimeoutPowerSupply Duration `yaml:"acquire_timeout_power_supply"`

	// MaxRetriesPerIteration is the default transient retry budget inside
	// one loop iteration; per-instrument config overrides it.
	MaxRetriesPerIteration int `yaml:"max_retries_per_iteration"`

	// Backoff between failed acquisition attempts. The exact curve is an
	// open parameter; only bounded-retry-then-Gap is load-bearing.
	RetryBackoffInitial    Duration `yaml:"retry_backoff_initial"`
	RetryBackoffMax        Duration `yaml:"retry_backoff_max"`
	RetryBackoffMultiplier float64  `yaml:"retry_backoff_multiplier"`

	// GraceTimeout bounds how long the coordinator waits for cooperative
	// stops before forcing connections closed.
	GraceTimeout Duration `yaml:"grace_timeout"`

	// StopPollInterval is the stop-file poll fallback cadence; any external
	// stop signal is observed within one interval.
	StopPollInterval Duration `yaml:"stop_poll_interval"`

	// ReconcileSlack widens the test window on both ends when matching
	// artifacts.
	ReconcileSlack Duration `yaml:"reconcile_slack"`

	// EventBufferSize is the telemetry replay buffer length.
	EventBufferSize int `yaml:"event_buffer_size"`
}

// TimingBaseline returns the defaults every run starts from.
func TimingBaseline() Timing {
	return Timing{
		AcquireTimeoutCamera:      Duration(10 * time.Second),
		AcquireTimeoutScope:       Duration(5 * time.Second),
		AcquireTimeoutPowerSupply: Duration(2 * time.Second),

		MaxRetriesPerIteration: 3,

		RetryBackoffInitial:    Duration(100 * time.Millisecond),
		RetryBackoffMax:        Duration(time.Second),
		RetryBackoffMultiplier: 2.0,

		GraceTimeout:     Duration(30 * time.Second),
		StopPollInterval: Duration(500 * time.Millisecond),
		ReconcileSlack:   Duration(30 * time.Second),

		EventBufferSize: 256,
	}
}

// AcquireTimeout returns the timeout class for a capability tag.
func (t Timing) AcquireTimeout(kind instrument.Kind) time.Duration {
	switch kind {
	case instrument.KindCamera:
		return t.AcquireTimeoutCamera.Std()
	case instrument.KindScopeGroup:
		return t.AcquireTimeoutScope.Std()
	case instrument.KindPowerSupply:
		return t.AcquireTimeoutPowerSupply.Std()
	}
	return t.AcquireTimeoutScope.Std()
}

// Validate rejects values that would wedge a run.
func (t Timing) Validate() error {
	for name, d := range map[string]Duration{
		"acquire_timeout_camera":       t.AcquireTimeoutCamera,
		"acquire_timeout_scope":        t.AcquireTimeoutScope,
		"acquire_timeout_power_supply": t.AcquireTimeoutPowerSupply,
		"grace_timeout":                t.GraceTimeout,
		"stop_poll_interval":           t.StopPollInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("timing: %s must be positive", name)
		}
	}
	if t.MaxRetriesPerIteration < 0 {
		return fmt.Errorf("timing: max_retries_per_iteration must not be negative")
	}
	if t.RetryBackoffInitial <= 0 || t.RetryBackoffMax < t.RetryBackoffInitial {
		return fmt.Errorf("timing: retry backoff bounds are inconsistent")
	}
	if t.RetryBackoffMultiplier < 1 {
		return fmt.Errorf("timing: retry_backoff_multiplier must be >= 1")
	}
	if t.ReconcileSlack < 0 {
		return fmt.Errorf("timing: reconcile_slack must not be negative")
	}
	if t.EventBufferSize <= 0 {
		return fmt.Errorf("timing: event_buffer_size must be positive")
	}
	return nil
}

// applyTimingEnvOverrides lets operators tune timing without editing the
// config file, mirroring the container convention of RADTEST_TIMING_* vars.
func applyTimingEnvOverrides(t *Timing) {
	envDuration := func(key string, dst *Duration) {
		if val := os.Getenv(key); val != "" {
			if d, err := time.ParseDuration(val); err == nil {
				*dst = Duration(d)
			}
		}
	}

	envDuration("RADTEST_TIMING_ACQUIRE_TIMEOUT_CAMERA", &t.AcquireTimeoutCamera)
	envDuration("RADTEST_TIMING_ACQUIRE_TIMEOUT_SCOPE", &t.AcquireTimeoutScope)
	envDuration("RADTEST_TIMING_ACQUIRE_TIMEOUT_POWER_SUPPLY", &t.AcquireTimeoutPowerSupply)
	envDuration("RADTEST_TIMING_RETRY_BACKOFF_INITIAL", &t.RetryBackoffInitial)
	envDuration("RADTEST_TIMING_RETRY_BACKOFF_MAX", &t.RetryBackoffMax)
	envDuration("RADTEST_TIMING_GRACE_TIMEOUT", &t.GraceTimeout)
	envDuration("RADTEST_TIMING_STOP_POLL_INTERVAL", &t.StopPollInterval)
	envDuration("RADTEST_TIMING_RECONCILE_SLACK", &t.ReconcileSlack)

	if val := os.Getenv("RADTEST_TIMING_MAX_RETRIES_PER_ITERATION"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			t.MaxRetriesPerIteration = n
		}
	}
	if val := os.Getenv("RADTEST_TIMING_RETRY_BACKOFF_MULTIPLIER"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			t.RetryBackoffMultiplier = f
		}
	}
	if val := os.Getenv("RADTEST_TIMING_EVENT_BUFFER_SIZE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			t.EventBufferSize = n
		}
	}
}
