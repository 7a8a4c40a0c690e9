package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DirSource lists artifacts from one directory. Files carrying a parseable
// UTC token in their name report it as their timestamp; files without one
// fall back to modification time, the same heuristic the reconciler's
// window matching rests on.
type DirSource struct {
	name      string
	dir       string
	subsystem string

	// producerID tags every listed artifact when the directory is owned by
	// a single known producer. Scanned third-party directories leave it
	// empty.
	producerID string
}

// NewDirSource creates a source over dir. producerID may be empty.
func NewDirSource(name, dir, subsystem, producerID string) *DirSource {
	return &DirSource{name: name, dir: dir, subsystem: subsystem, producerID: producerID}
}

// Name identifies the source in reconciliation warnings.
func (s *DirSource) Name() string {
	return s.name
}

// ListRecent returns one artifact per regular file whose timestamp is at or
// after since. Windows still being written are skipped.
func (s *DirSource) ListRecent(since time.Time) ([]Artifact, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan %s: %w", s.dir, err)
	}

	var out []Artifact
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), partialSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}

		ts, ok := ParseEmbeddedTimestamp(e.Name())
		if !ok {
			ts = info.ModTime().UTC()
		}
		if ts.Before(since) {
			continue
		}

		out = append(out, Artifact{
			Path:       filepath.Join(s.dir, e.Name()),
			ProducerID: s.producerID,
			Subsystem:  s.subsystem,
			StartUTC:   ts,
			EndUTC:     ts,
			Size:       info.Size(),
		})
	}
	return out, nil
}

// ParseEmbeddedTimestamp extracts the trailing UTC token from names like
// scope-1_20251015_123456.789.csv or recording_20251015_123456. Both the
// millisecond layout the writer emits and the second-resolution layout the
// legacy recorders used are accepted.
func ParseEmbeddedTimestamp(name string) (time.Time, bool) {
	base := name
	if ext := filepath.Ext(base); ext != "" && !isTimestampFragment(ext) {
		base = strings.TrimSuffix(base, ext)
	}

	for _, layout := range []string{TimestampLayout, "20060102_150405"} {
		if len(base) < len(layout) {
			continue
		}
		token := base[len(base)-len(layout):]
		if ts, err := time.ParseInLocation(layout, token, time.UTC); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// isTimestampFragment reports whether ext is actually the fractional-second
// part of an embedded timestamp rather than a file extension.
func isTimestampFragment(ext string) bool {
	if len(ext) != 4 {
		return false
	}
	for _, r := range ext[1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
