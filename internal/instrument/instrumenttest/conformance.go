// Package instrumenttest provides a driver-agnostic conformance suite. Any
// Instrument implementation, real or simulated, must pass it before an
// acquisition loop is allowed to own it.
package instrumenttest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CSunburnSchematics/Rigol/internal/instrument"
)

// Expectations tunes the suite for one driver.
type Expectations struct {
	// Acquires is how many consecutive acquire attempts the suite makes.
	// Drivers with injected failure rates may fail some; at least one must
	// succeed.
	Acquires int

	// AcquireTimeout bounds each attempt.
	AcquireTimeout time.Duration

	// SupportsCommand is true for drivers with analog outputs. Drivers
	// without must still return a normalized error, never panic.
	SupportsCommand bool

	// CommandChannel and CommandValue are used when SupportsCommand is set.
	CommandChannel string
	CommandValue   float64
}

// RunConformance runs the suite against a fresh driver from newInstrument.
func RunConformance(t *testing.T, newInstrument func() instrument.Instrument, exp Expectations) {
	t.Helper()

	if exp.Acquires == 0 {
		exp.Acquires = 3
	}
	if exp.AcquireTimeout == 0 {
		exp.AcquireTimeout = 2 * time.Second
	}

	t.Run("identity", func(t *testing.T) {
		inst := newInstrument()
		defer inst.Close()

		require.NotEmpty(t, inst.ID())
		require.True(t, inst.Kind().Valid(), "kind %q is not a known capability tag", inst.Kind())
		_, ok := instrument.TransportErrorMappings[inst.Transport()]
		require.True(t, ok, "transport %q has no error mapping table", inst.Transport())
	})

	t.Run("acquire yields timed windows", func(t *testing.T) {
		inst := newInstrument()
		defer inst.Close()

		succeeded := 0
		for i := 0; i < exp.Acquires; i++ {
			ctx, cancel := context.WithTimeout(context.Background(), exp.AcquireTimeout)
			w, err := inst.Acquire(ctx)
			cancel()
			if err != nil {
				requireNormalized(t, err)
				continue
			}
			succeeded++
			require.NotNil(t, w)
			require.NotEmpty(t, w.Samples)
			assert.Greater(t, w.SampleInterval, time.Duration(0),
				"driver must report its actual sample interval")
			for _, s := range w.Samples {
				assert.Equal(t, inst.ID(), s.InstrumentID)
				assert.False(t, s.Timestamp.IsZero())
			}
		}
		require.Greater(t, succeeded, 0, "no acquire attempt succeeded")
	})

	t.Run("acquire honors cancelled context", func(t *testing.T) {
		inst := newInstrument()
		defer inst.Close()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := inst.Acquire(ctx)
		if err != nil {
			requireNormalized(t, err)
		}
	})

	t.Run("command", func(t *testing.T) {
		inst := newInstrument()
		defer inst.Close()

		ctx, cancel := context.WithTimeout(context.Background(), exp.AcquireTimeout)
		defer cancel()

		readback, err := inst.Command(ctx, exp.CommandChannel, exp.CommandValue)
		if !exp.SupportsCommand {
			require.Error(t, err, "capture-only driver must reject command")
			requireNormalized(t, err)
			return
		}
		if err != nil {
			requireNormalized(t, err)
			return
		}
		// Readback is the set register, which may lag the target on a lossy
		// transport; the suite only requires it to be a real value.
		assert.False(t, readback != readback, "readback is NaN")
	})

	t.Run("close is idempotent", func(t *testing.T) {
		inst := newInstrument()
		require.NoError(t, inst.Close())
		require.NoError(t, inst.Close())
	})

	t.Run("acquire after close fails fatally or transiently", func(t *testing.T) {
		inst := newInstrument()
		require.NoError(t, inst.Close())

		ctx, cancel := context.WithTimeout(context.Background(), exp.AcquireTimeout)
		defer cancel()
		_, err := inst.Acquire(ctx)
		require.Error(t, err)
		requireNormalized(t, err)
	})
}

func requireNormalized(t *testing.T, err error) {
	t.Helper()
	if !errors.Is(err, instrument.ErrTransient) && !errors.Is(err, instrument.ErrFatal) {
		t.Fatalf("driver error %v is not normalized to TRANSIENT or FATAL", err)
	}
}
