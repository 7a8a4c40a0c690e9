package run

import (
	"fmt"
	"time"

	"github.com/CSunburnSchematics/Rigol/internal/config"
	"github.com/CSunburnSchematics/Rigol/internal/instrument"
	"github.com/CSunburnSchematics/Rigol/internal/instrument/sim"
)

// SimFactory builds simulated instruments with production-like cadence: a
// camera frame every couple of seconds, a scope read in the hundreds of
// milliseconds with occasional transient faults, a power supply that
// accepts the first write. Used by --sim runs and the shakeout tests.
func SimFactory(seed int64) InstrumentFactory {
	return func(cfg config.Instrument) (instrument.Instrument, error) {
		switch cfg.Kind {
		case instrument.KindCamera:
			return sim.NewCamera(cfg.ID, 2*time.Second), nil
		case instrument.KindScopeGroup:
			return sim.NewScope(cfg.ID, 300*time.Millisecond, 250, 4*time.Millisecond, 0.1, seed), nil
		case instrument.KindPowerSupply:
			return sim.NewPowerSupply(cfg.ID, 1), nil
		}
		return nil, fmt.Errorf("no simulator for kind %q", cfg.Kind)
	}
}
