// Package audit writes the append-only run log: one JSON line per state
// transition, setpoint attempt, gap and artifact. The log lives inside the
// run directory and survives any crash that leaves the filesystem intact.
package audit

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Entry is a single run-log record.
type Entry struct {
	Timestamp    time.Time      `json:"ts"`
	Kind         string         `json:"kind"`
	InstrumentID string         `json:"instrumentId,omitempty"`
	Detail       map[string]any `json:"detail,omitempty"`
}

// Logger appends entries to run.jsonl. Safe for concurrent use by all
// acquisition loops.
type Logger struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// NewLogger opens (or creates) the run log inside dir.
func NewLogger(dir string) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create run log directory: %w", err)
	}
	path := filepath.Join(dir, "run.jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open run log: %w", err)
	}
	return &Logger{file: f, path: path}, nil
}

// Path returns the run log location.
func (l *Logger) Path() string {
	return l.path
}

// Record appends one entry.
func (l *Logger) Record(kind, instrumentID string, detail map[string]any) {
	entry := Entry{
		Timestamp:    time.Now().UTC(),
		Kind:         kind,
		InstrumentID: instrumentID,
		Detail:       detail,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		// A detail map that cannot marshal must not lose the record.
		entry.Detail = map[string]any{"marshal_error": err.Error()}
		data, _ = json.Marshal(entry)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return
	}
	l.file.Write(append(data, '\n'))
}

// RecordTransition logs a loop state change.
func (l *Logger) RecordTransition(instrumentID, from, to, reason string) {
	detail := map[string]any{"from": from, "to": to}
	if reason != "" {
		detail["reason"] = reason
	}
	l.Record("transition", instrumentID, detail)
}

// RecordSetpoint logs one setpoint attempt. Satisfies setpoint.Recorder.
func (l *Logger) RecordSetpoint(instrumentID, channel string, target, readback float64, attempt int, accepted bool) {
	detail := map[string]any{
		"channel":  channel,
		"target":   target,
		"attempt":  attempt,
		"accepted": accepted,
	}
	if !math.IsNaN(readback) {
		detail["readback"] = readback
	}
	l.Record("setpoint", instrumentID, detail)
}

// RecordGap logs a marked absence of data.
func (l *Logger) RecordGap(instrumentID string, start, end time.Time, reason string) {
	l.Record("gap", instrumentID, map[string]any{
		"startUtc": start.Format(time.RFC3339Nano),
		"endUtc":   end.Format(time.RFC3339Nano),
		"reason":   reason,
	})
}

// RecordArtifact logs a finalized artifact.
func (l *Logger) RecordArtifact(instrumentID, path string, start, end time.Time) {
	l.Record("artifact", instrumentID, map[string]any{
		"path":     path,
		"startUtc": start.Format(time.RFC3339Nano),
		"endUtc":   end.Format(time.RFC3339Nano),
	})
}

// Close flushes and closes the log file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
