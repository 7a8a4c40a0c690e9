// Package reconcile collects every artifact a run produced, wherever it
// landed, into the final test directory. It runs strictly after all
// acquisition loops are terminal, so nothing it moves is still being
// written.
package reconcile

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/CSunburnSchematics/Rigol/internal/artifact"
)

// sourceLookback bounds how far before the window sources are scanned.
// Files inside the lookback but outside the window are reported as
// warnings; older files are someone else's problem.
const sourceLookback = 24 * time.Hour

// Reconciler matches files to the run window and relocates them.
type Reconciler struct {
	log *zap.Logger

	// slack widens the window on both ends: recorder clocks drift and
	// external tools stamp files a little late.
	slack time.Duration
}

// New builds a reconciler. log may be nil.
func New(log *zap.Logger, slack time.Duration) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	if slack < 0 {
		slack = 0
	}
	return &Reconciler{log: log, slack: slack}
}

// Result is what reconciliation produced: the final artifact records with
// rewritten paths, sizes and checksums, plus human-readable warnings for
// everything that looked off but did not stop the run.
type Result struct {
	Artifacts []artifact.Artifact
	Warnings  []string
}

// Run reconciles one finished test. Engine artifacts come from the
// acquisition loops and carry a producer id; sources are scanned directories
// whose files are matched by producer tag or embedded timestamp. Files whose
// span misses the widened window entirely, and files whose embedded
// timestamp is claimed by more than one subsystem, are left in place and
// warned about, never deleted. The error return covers only infrastructure
// faults; per-file problems become warnings.
func (r *Reconciler) Run(testDir string, start, end time.Time, engine []artifact.Artifact, sources []artifact.Source) (Result, error) {
	if end.Before(start) {
		return Result{}, fmt.Errorf("reconcile: end %s precedes start %s", end, start)
	}

	winStart := start.Add(-r.slack)
	winEnd := end.Add(r.slack)

	var res Result

	candidates := make([]artifact.Artifact, 0, len(engine))
	candidates = append(candidates, engine...)

	// Sources are listed with a lookback beyond the slack so near-misses
	// still surface as warnings; anything older is ignored silently.
	for _, src := range sources {
		listed, err := src.ListRecent(winStart.Add(-sourceLookback))
		if err != nil {
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("source %s: scan failed: %v", src.Name(), err))
			continue
		}
		for _, a := range listed {
			if a.ProducerID == "" {
				if _, ok := artifact.ParseEmbeddedTimestamp(filepath.Base(a.Path)); !ok {
					res.Warnings = append(res.Warnings,
						fmt.Sprintf("source %s: %s matched by modification time only",
							src.Name(), filepath.Base(a.Path)))
				}
			}
			candidates = append(candidates, a)
		}
	}

	ambiguous := r.detectAmbiguous(candidates, &res)

	for i, a := range candidates {
		if ambiguous[i] {
			continue
		}
		if a.EndUTC.Before(winStart) || a.StartUTC.After(winEnd) {
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("outside test window, left in place: %s (spans %s to %s)",
					a.Path,
					a.StartUTC.UTC().Format(time.RFC3339),
					a.EndUTC.UTC().Format(time.RFC3339)))
			continue
		}

		moved, err := r.relocate(testDir, a)
		if err != nil {
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("relocation failed, left in place: %s: %v", a.Path, err))
			continue
		}
		res.Artifacts = append(res.Artifacts, moved)
	}

	sort.Slice(res.Artifacts, func(i, j int) bool {
		if !res.Artifacts[i].StartUTC.Equal(res.Artifacts[j].StartUTC) {
			return res.Artifacts[i].StartUTC.Before(res.Artifacts[j].StartUTC)
		}
		return res.Artifacts[i].Path < res.Artifacts[j].Path
	})

	for _, w := range res.Warnings {
		r.log.Warn("reconciliation warning", zap.String("detail", w))
	}
	return res, nil
}

// detectAmbiguous finds timestamp-matched files that claim the same embedded
// timestamp for different subsystems. Nothing ties such a file to one
// subsystem over the other, so all of them are left in place and warned
// about rather than picked silently. Producer-tagged artifacts are never
// ambiguous; the tag is the attribution.
func (r *Reconciler) detectAmbiguous(candidates []artifact.Artifact, res *Result) map[int]bool {
	byStamp := make(map[int64][]int)
	for i, a := range candidates {
		if a.ProducerID != "" {
			continue
		}
		ts, ok := artifact.ParseEmbeddedTimestamp(filepath.Base(a.Path))
		if !ok {
			continue
		}
		byStamp[ts.UnixNano()] = append(byStamp[ts.UnixNano()], i)
	}

	ambiguous := make(map[int]bool)
	for _, idxs := range byStamp {
		subsystems := make(map[string]bool)
		for _, i := range idxs {
			subsystems[candidates[i].Subsystem] = true
		}
		if len(subsystems) < 2 {
			continue
		}
		paths := make([]string, 0, len(idxs))
		for _, i := range idxs {
			ambiguous[i] = true
			paths = append(paths, candidates[i].Path)
		}
		sort.Strings(paths)
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("ambiguous timestamp match, left in place: %s", strings.Join(paths, ", ")))
	}
	return ambiguous
}

// relocate moves one file into <testDir>/<subsystem>/ and fills size and
// checksum. Rename first; fall back to copy-and-remove for cross-device
// moves. A name collision gets a numeric suffix rather than an overwrite.
func (r *Reconciler) relocate(testDir string, a artifact.Artifact) (artifact.Artifact, error) {
	subsystem := a.Subsystem
	if subsystem == "" {
		subsystem = "unsorted"
	}
	destDir := filepath.Join(testDir, subsystem)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return artifact.Artifact{}, fmt.Errorf("create %s: %w", destDir, err)
	}

	dest := filepath.Join(destDir, filepath.Base(a.Path))
	if dest != a.Path {
		dest = uniquePath(dest)
		if err := os.Rename(a.Path, dest); err != nil {
			if err := copyFile(a.Path, dest); err != nil {
				return artifact.Artifact{}, err
			}
			if err := os.Remove(a.Path); err != nil {
				r.log.Warn("source file left behind after copy",
					zap.String("path", a.Path), zap.Error(err))
			}
		}
	}

	sum, size, err := checksumFile(dest)
	if err != nil {
		return artifact.Artifact{}, err
	}

	a.Path = dest
	a.Size = size
	a.Checksum = sum
	return a, nil
}

func uniquePath(dest string) string {
	if _, err := os.Stat(dest); os.IsNotExist(err) {
		return dest
	}
	ext := filepath.Ext(dest)
	stem := dest[:len(dest)-len(ext)]
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s_%d%s", stem, i, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dest)
		return fmt.Errorf("copy to %s: %w", dest, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", dest, err)
	}
	return nil
}

func checksumFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}
