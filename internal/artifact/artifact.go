// Package artifact defines the persisted output unit every subsystem
// produces and the sources the reconciler queries after a run. Artifacts
// are append-only once written and immutable after the owning loop
// finalizes them.
package artifact

import (
	"time"
)

// Artifact references one persisted output unit.
type Artifact struct {
	// Path is the file's current location. The reconciler rewrites it once
	// when it relocates the file into the test directory.
	Path string `json:"path"`

	// ProducerID is the instrument that produced the file, when known.
	// Sources that discover files by scanning leave it empty and the
	// reconciler falls back to embedded-timestamp matching.
	ProducerID string `json:"producerId,omitempty"`

	// Subsystem names the per-subsystem directory the artifact belongs
	// under in the final test directory.
	Subsystem string `json:"subsystem,omitempty"`

	StartUTC time.Time `json:"startUtc"`
	EndUTC   time.Time `json:"endUtc"`

	// Size and Checksum are filled by the reconciler at relocation time.
	Size     int64  `json:"size,omitempty"`
	Checksum string `json:"checksum,omitempty"`
}

// Source lists recently produced artifacts for the reconciler. Each
// subsystem's output directory is one source; external recorders that drop
// files outside the engine's control are wrapped the same way.
type Source interface {
	// Name identifies the source in warnings.
	Name() string

	// ListRecent returns artifacts produced at or after since.
	ListRecent(since time.Time) ([]Artifact, error)
}
