package artifact

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/CSunburnSchematics/Rigol/internal/instrument"
)

// TimestampLayout is the UTC token embedded in artifact filenames. The
// reconciler parses the same layout back out when a producer tag is
// missing.
const TimestampLayout = "20060102_150405.000"

// partialSuffix marks a window still being written. Sources never list
// partials, and a failed write removes its partial, so a truncated CSV can
// never be swept up as an artifact.
const partialSuffix = ".partial"

// Writer persists capture windows as one CSV file per window in a staging
// directory. One writer is owned by exactly one acquisition loop.
type Writer struct {
	dir        string
	producerID string
	subsystem  string

	lastStart time.Time
	finalized bool
}

// NewWriter creates the staging directory for one producer.
func NewWriter(stagingRoot, producerID, subsystem string) (*Writer, error) {
	dir := filepath.Join(stagingRoot, subsystem)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	return &Writer{dir: dir, producerID: producerID, subsystem: subsystem}, nil
}

// Dir returns the staging directory the writer fills.
func (w *Writer) Dir() string {
	return w.dir
}

// WriteWindow persists one capture window and returns its artifact record.
// Start timestamps are monotonically non-decreasing across calls: the
// window's span is anchored at its completion time, and a span that would
// begin before the previous artifact's start is truncated to it. The CSV is
// staged under a partial name and published by rename; a failed write
// removes the partial rather than leaving a truncated file for the
// reconciler to find.
func (w *Writer) WriteWindow(window *instrument.CaptureWindow) (Artifact, error) {
	if w.finalized {
		return Artifact{}, fmt.Errorf("writer for %s already finalized", w.producerID)
	}
	if window == nil || len(window.Samples) == 0 {
		return Artifact{}, fmt.Errorf("empty capture window")
	}

	end := window.Samples[len(window.Samples)-1].Timestamp.UTC()
	start := end.Add(-window.CapturedDuration())
	if start.Before(w.lastStart) {
		start = w.lastStart
	}

	name := fmt.Sprintf("%s_%s.csv", w.producerID, end.Format(TimestampLayout))
	path := filepath.Join(w.dir, name)
	tmp := path + partialSuffix

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return Artifact{}, fmt.Errorf("create artifact file: %w", err)
	}

	cw := csv.NewWriter(f)
	if err := cw.Write([]string{"instrument", "channel", "value", "ts_utc"}); err != nil {
		f.Close()
		os.Remove(tmp)
		return Artifact{}, fmt.Errorf("write header: %w", err)
	}
	for _, s := range window.Samples {
		row := []string{
			s.InstrumentID,
			s.Channel,
			strconv.FormatFloat(s.Value, 'g', -1, 64),
			s.Timestamp.UTC().Format(time.RFC3339Nano),
		}
		if err := cw.Write(row); err != nil {
			f.Close()
			os.Remove(tmp)
			return Artifact{}, fmt.Errorf("write sample: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		f.Close()
		os.Remove(tmp)
		return Artifact{}, fmt.Errorf("flush artifact: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return Artifact{}, fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return Artifact{}, fmt.Errorf("publish artifact: %w", err)
	}

	w.lastStart = start

	return Artifact{
		Path:       path,
		ProducerID: w.producerID,
		Subsystem:  w.subsystem,
		StartUTC:   start,
		EndUTC:     end,
	}, nil
}

// Finalize marks the writer closed. Further writes fail, which enforces
// that no artifact is created after the loop reaches a terminal state.
func (w *Writer) Finalize() {
	w.finalized = true
}
