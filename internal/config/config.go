package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/CSunburnSchematics/Rigol/internal/instrument"
	"github.com/CSunburnSchematics/Rigol/internal/setpoint"
)

// Duration wraps time.Duration so YAML accepts "2s" / "500ms" strings.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// SetpointSpec is the YAML shape of one initial setpoint.
type SetpointSpec struct {
	Channel     string   `yaml:"channel"`
	Target      float64  `yaml:"target"`
	Tolerance   float64  `yaml:"tolerance"`
	MaxRetries  int      `yaml:"max_retries"`
	SettleDelay Duration `yaml:"settle_delay"`
}

// ToSetpoint converts the spec into the controller's type.
func (s SetpointSpec) ToSetpoint() setpoint.Setpoint {
	return setpoint.Setpoint{
		Channel:     s.Channel,
		Target:      s.Target,
		Tolerance:   s.Tolerance,
		MaxRetries:  s.MaxRetries,
		SettleDelay: s.SettleDelay.Std(),
	}
}

// Channel enables and scales one input channel.
type Channel struct {
	Name    string  `yaml:"name"`
	Enabled bool    `yaml:"enabled"`
	Scale   float64 `yaml:"scale"`
}

// Instrument describes one instrument subsystem.
type Instrument struct {
	ID        string                     `yaml:"id"`
	Kind      instrument.Kind            `yaml:"kind"`
	Transport instrument.TransportFamily `yaml:"transport"`

	// Address is the opaque connection string the driver understands
	// (COM port, VISA resource, device path).
	Address string `yaml:"address"`

	// Subsystem names the artifact directory this instrument's output
	// lands under in the final test directory.
	Subsystem string `yaml:"subsystem"`

	Channels []Channel `yaml:"channels"`

	// StartupDelay staggers this instrument's loop start. Cameras claim
	// their USB devices first, the way the original launcher did.
	StartupDelay Duration `yaml:"startup_delay"`

	// MaxRetriesPerIteration bounds transient retries inside one loop
	// iteration before a Gap is recorded. Zero means the timing default.
	MaxRetriesPerIteration int `yaml:"max_retries_per_iteration"`

	// Setpoints are applied once before acquisition begins. Power supplies
	// only.
	Setpoints []SetpointSpec `yaml:"setpoints"`
}

// ExternalSource is a directory filled by a recorder outside the engine's
// control, scanned at reconciliation time.
type ExternalSource struct {
	Name      string `yaml:"name"`
	Dir       string `yaml:"dir"`
	Subsystem string `yaml:"subsystem"`
}

// Config is the complete immutable run configuration. It is passed by value
// into each component at construction; nothing mutates it after Load.
type Config struct {
	TestName  string `yaml:"test_name"`
	OutputDir string `yaml:"output_dir"`
	LogLevel  string `yaml:"log_level"`

	// ControlListen is the loopback address of the operator HTTP surface.
	// Empty disables it.
	ControlListen string `yaml:"control_listen"`

	// StopFile, when present on disk, requests a stop. Empty disables the
	// watcher.
	StopFile string `yaml:"stop_file"`

	// AbortOnDegradedSetpoint turns a degraded initial setpoint into a
	// refusal to start acquisition.
	AbortOnDegradedSetpoint bool `yaml:"abort_on_degraded_setpoint"`

	Instruments     []Instrument     `yaml:"instruments"`
	ExternalSources []ExternalSource `yaml:"external_sources"`

	Timing Timing `yaml:"timing"`
}

// Load reads path, merges the timing baseline and environment overrides,
// and validates. The returned config is ready to hand to the runner.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse builds a config from YAML bytes. Split from Load for tests.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{
		OutputDir: "radiation_tests",
		LogLevel:  "info",
		Timing:    TimingBaseline(),
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyTimingEnvOverrides(&cfg.Timing)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the whole configuration. Any error here aborts startup.
func (c *Config) Validate() error {
	if c.OutputDir == "" {
		return fmt.Errorf("output_dir must not be empty")
	}
	if len(c.Instruments) == 0 {
		return fmt.Errorf("at least one instrument is required")
	}

	seen := make(map[string]bool, len(c.Instruments))
	for i := range c.Instruments {
		inst := &c.Instruments[i]
		if inst.ID == "" {
			return fmt.Errorf("instrument %d: id must not be empty", i)
		}
		if seen[inst.ID] {
			return fmt.Errorf("instrument %s: duplicate id", inst.ID)
		}
		seen[inst.ID] = true

		if !inst.Kind.Valid() {
			return fmt.Errorf("instrument %s: unknown kind %q", inst.ID, inst.Kind)
		}
		if _, ok := instrument.TransportErrorMappings[inst.Transport]; !ok {
			return fmt.Errorf("instrument %s: unknown transport %q", inst.ID, inst.Transport)
		}
		if inst.Subsystem == "" {
			return fmt.Errorf("instrument %s: subsystem must not be empty", inst.ID)
		}
		if inst.StartupDelay < 0 {
			return fmt.Errorf("instrument %s: startup_delay must not be negative", inst.ID)
		}

		if len(inst.Setpoints) > 0 && inst.Kind != instrument.KindPowerSupply {
			return fmt.Errorf("instrument %s: setpoints are only valid on power supplies", inst.ID)
		}
		for _, sp := range inst.Setpoints {
			if sp.Channel == "" {
				return fmt.Errorf("instrument %s: setpoint channel must not be empty", inst.ID)
			}
			if sp.Tolerance <= 0 {
				return fmt.Errorf("instrument %s channel %s: tolerance must be positive", inst.ID, sp.Channel)
			}
			if sp.MaxRetries < 0 {
				return fmt.Errorf("instrument %s channel %s: max_retries must not be negative", inst.ID, sp.Channel)
			}
		}
	}

	for i, src := range c.ExternalSources {
		if src.Dir == "" {
			return fmt.Errorf("external source %d: dir must not be empty", i)
		}
		if src.Subsystem == "" {
			return fmt.Errorf("external source %d: subsystem must not be empty", i)
		}
	}

	return c.Timing.Validate()
}
