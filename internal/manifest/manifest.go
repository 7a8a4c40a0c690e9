// Package manifest defines the machine-readable run summary written next to
// the collected artifacts. The manifest is the interface to downstream
// analysis: it must survive a JSON round trip unchanged.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/CSunburnSchematics/Rigol/internal/acquisition"
	"github.com/CSunburnSchematics/Rigol/internal/artifact"
)

// FileName is the manifest's name inside the test directory.
const FileName = "manifest.json"

// SetpointOutcome records how one initial setpoint landed. Readback is nil
// when the device never produced one.
type SetpointOutcome struct {
	Channel  string   `json:"channel"`
	Target   float64  `json:"target"`
	State    string   `json:"state"`
	Readback *float64 `json:"readback,omitempty"`
	Attempts int      `json:"attempts"`
}

// InstrumentRecord is the per-instrument outcome.
type InstrumentRecord struct {
	ID            string            `json:"id"`
	Kind          string            `json:"kind"`
	Subsystem     string            `json:"subsystem"`
	TerminalState string            `json:"terminalState"`
	Reason        string            `json:"reason,omitempty"`
	Coverage      float64           `json:"coverage"`
	ArtifactCount int               `json:"artifactCount"`
	Gaps          []acquisition.Gap `json:"gaps,omitempty"`
	Setpoints     []SetpointOutcome `json:"setpoints,omitempty"`
}

// Manifest is the complete run summary.
type Manifest struct {
	TestID     string    `json:"testId"`
	TestName   string    `json:"testName,omitempty"`
	ConfigRef  string    `json:"configRef,omitempty"`
	StartUTC   time.Time `json:"startUtc"`
	EndUTC     time.Time `json:"endUtc"`
	StopReason string    `json:"stopReason,omitempty"`

	Instruments []InstrumentRecord  `json:"instruments"`
	Artifacts   []artifact.Artifact `json:"artifacts"`
	Warnings    []string            `json:"warnings,omitempty"`
}

// AllStopped reports whether every instrument ended in the clean terminal
// state. This is the run's success criterion.
func (m *Manifest) AllStopped() bool {
	if len(m.Instruments) == 0 {
		return false
	}
	for _, inst := range m.Instruments {
		if inst.TerminalState != string(acquisition.StateStopped) {
			return false
		}
	}
	return true
}

// Write persists the manifest into dir atomically: full write to a temp
// file, then rename, so a crash never leaves a truncated manifest.
func Write(dir string, m *Manifest) (string, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal manifest: %w", err)
	}
	data = append(data, '\n')

	path := filepath.Join(dir, FileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("publish manifest: %w", err)
	}
	return path, nil
}

// Read loads a manifest back from path.
func Read(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}
