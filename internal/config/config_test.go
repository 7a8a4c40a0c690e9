package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CSunburnSchematics/Rigol/internal/instrument"
)

const validYAML = `
test_name: gan_board_3
output_dir: radiation_tests
control_listen: "127.0.0.1:8787"
stop_file: stop.flag
instruments:
  - id: cam-1
    kind: camera
    transport: serial-ascii
    address: "1"
    subsystem: webcam_videos
    startup_delay: 2s
  - id: scope-1
    kind: scope-channel-group
    transport: usb-tmc
    address: "USB0::0x1AB1::0x04CE::DS1ZA000000001::INSTR"
    subsystem: oscilloscope_data
    channels:
      - name: ch1
        enabled: true
        scale: 1.0
      - name: ch2
        enabled: false
        scale: 10.0
  - id: psu-1
    kind: power-supply
    transport: modbus-rtu
    address: COM5
    subsystem: power_supply_data
    setpoints:
      - channel: v1
        target: 50
        tolerance: 0.2
        max_retries: 3
        settle_delay: 2s
external_sources:
  - name: thermal recordings
    dir: recordings
    subsystem: webcam_videos
timing:
  grace_timeout: 10s
`

func TestParse_ValidConfig(t *testing.T) {
	cfg, err := Parse([]byte(validYAML))
	require.NoError(t, err)

	assert.Equal(t, "gan_board_3", cfg.TestName)
	require.Len(t, cfg.Instruments, 3)

	cam := cfg.Instruments[0]
	assert.Equal(t, instrument.KindCamera, cam.Kind)
	assert.Equal(t, 2*time.Second, cam.StartupDelay.Std())

	psu := cfg.Instruments[2]
	require.Len(t, psu.Setpoints, 1)
	sp := psu.Setpoints[0].ToSetpoint()
	assert.Equal(t, 50.0, sp.Target)
	assert.Equal(t, 0.2, sp.Tolerance)
	assert.Equal(t, 2*time.Second, sp.SettleDelay)

	// File value overrides the baseline, untouched fields keep it.
	assert.Equal(t, 10*time.Second, cfg.Timing.GraceTimeout.Std())
	assert.Equal(t, TimingBaseline().AcquireTimeoutScope, cfg.Timing.AcquireTimeoutScope)
}

func TestParse_FailsFast(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"no instruments", `
output_dir: out
instruments: []
`},
		{"duplicate id", `
instruments:
  - {id: a, kind: camera, transport: serial-ascii, subsystem: s}
  - {id: a, kind: camera, transport: serial-ascii, subsystem: s}
`},
		{"unknown kind", `
instruments:
  - {id: a, kind: spectrometer, transport: serial-ascii, subsystem: s}
`},
		{"unknown transport", `
instruments:
  - {id: a, kind: camera, transport: gpib, subsystem: s}
`},
		{"missing subsystem", `
instruments:
  - {id: a, kind: camera, transport: serial-ascii}
`},
		{"setpoint on camera", `
instruments:
  - id: a
    kind: camera
    transport: serial-ascii
    subsystem: s
    setpoints:
      - {channel: v1, target: 1, tolerance: 0.1}
`},
		{"zero tolerance", `
instruments:
  - id: a
    kind: power-supply
    transport: modbus-rtu
    subsystem: s
    setpoints:
      - {channel: v1, target: 1, tolerance: 0}
`},
		{"bad duration", `
instruments:
  - {id: a, kind: camera, transport: serial-ascii, subsystem: s, startup_delay: soon}
`},
		{"bad grace timeout", `
instruments:
  - {id: a, kind: camera, transport: serial-ascii, subsystem: s}
timing:
  grace_timeout: 0s
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestTiming_EnvOverrides(t *testing.T) {
	t.Setenv("RADTEST_TIMING_GRACE_TIMEOUT", "7s")
	t.Setenv("RADTEST_TIMING_MAX_RETRIES_PER_ITERATION", "5")
	t.Setenv("RADTEST_TIMING_RETRY_BACKOFF_MULTIPLIER", "1.5")

	cfg, err := Parse([]byte(`
instruments:
  - {id: a, kind: camera, transport: serial-ascii, subsystem: s}
`))
	require.NoError(t, err)
	assert.Equal(t, 7*time.Second, cfg.Timing.GraceTimeout.Std())
	assert.Equal(t, 5, cfg.Timing.MaxRetriesPerIteration)
	assert.Equal(t, 1.5, cfg.Timing.RetryBackoffMultiplier)
}

func TestTiming_AcquireTimeoutClasses(t *testing.T) {
	tm := TimingBaseline()
	assert.Equal(t, 10*time.Second, tm.AcquireTimeout(instrument.KindCamera))
	assert.Equal(t, 5*time.Second, tm.AcquireTimeout(instrument.KindScopeGroup))
	assert.Equal(t, 2*time.Second, tm.AcquireTimeout(instrument.KindPowerSupply))
}
