package reconcile

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/CSunburnSchematics/Rigol/internal/artifact"
)

func writeTemp(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestReconcile_RelocatesEngineArtifacts(t *testing.T) {
	staging := t.TempDir()
	testDir := t.TempDir()

	start := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	path := writeTemp(t, staging, "scope-1_20260825_121500.000.csv", "instrument,channel,value,ts_utc\n")
	engine := []artifact.Artifact{{
		Path:       path,
		ProducerID: "scope-1",
		Subsystem:  "oscilloscope_data",
		StartUTC:   start.Add(15 * time.Minute),
		EndUTC:     start.Add(15*time.Minute + time.Second),
	}}

	r := New(zaptest.NewLogger(t), 30*time.Second)
	res, err := r.Run(testDir, start, end, engine, nil)
	require.NoError(t, err)

	require.Len(t, res.Artifacts, 1)
	got := res.Artifacts[0]
	assert.Equal(t, filepath.Join(testDir, "oscilloscope_data", "scope-1_20260825_121500.000.csv"), got.Path)
	assert.FileExists(t, got.Path)
	assert.NoFileExists(t, path)

	sum := sha256.Sum256([]byte("instrument,channel,value,ts_utc\n"))
	assert.Equal(t, hex.EncodeToString(sum[:]), got.Checksum)
	assert.Equal(t, int64(len("instrument,channel,value,ts_utc\n")), got.Size)
	assert.Empty(t, res.Warnings)
}

func TestReconcile_ExcludesFilesOutsideWindow(t *testing.T) {
	external := t.TempDir()
	testDir := t.TempDir()

	start := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	end := start.Add(30 * time.Minute)

	// Timestamp ten minutes before the window opens, well past the slack.
	stale := writeTemp(t, external, "recording_20260825_115000.mp4", "old frames")
	inside := writeTemp(t, external, "recording_20260825_121000.mp4", "fresh frames")
	_ = inside

	src := artifact.NewDirSource("thermal recordings", external, "webcam_videos", "")
	r := New(zaptest.NewLogger(t), 30*time.Second)

	res, err := r.Run(testDir, start, end, nil, []artifact.Source{src})
	require.NoError(t, err)

	require.Len(t, res.Artifacts, 1)
	assert.Equal(t, filepath.Join(testDir, "webcam_videos", "recording_20260825_121000.mp4"), res.Artifacts[0].Path)

	// The stale file stays where it was and is called out.
	assert.FileExists(t, stale)
	require.NotEmpty(t, res.Warnings)
	assert.True(t, hasWarning(res.Warnings, "outside test window", "recording_20260825_115000.mp4"),
		"expected an outside-window warning, got %v", res.Warnings)
}

func TestReconcile_WarnsOnModTimeOnlyMatches(t *testing.T) {
	external := t.TempDir()
	testDir := t.TempDir()

	// No parseable timestamp in the name: matching rests on mtime alone.
	writeTemp(t, external, "notes.txt", "operator notes")

	start := time.Now().UTC().Add(-time.Minute)
	end := time.Now().UTC().Add(time.Minute)

	src := artifact.NewDirSource("scratch", external, "misc", "")
	r := New(zaptest.NewLogger(t), 0)

	res, err := r.Run(testDir, start, end, nil, []artifact.Source{src})
	require.NoError(t, err)

	require.Len(t, res.Artifacts, 1)
	assert.True(t, hasWarning(res.Warnings, "notes.txt", "modification time only"),
		"expected a mod-time warning, got %v", res.Warnings)
}

func TestReconcile_AmbiguousTimestampLeftInPlace(t *testing.T) {
	cameraDir := t.TempDir()
	scopeDir := t.TempDir()
	testDir := t.TempDir()

	start := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	// Two untagged recorders claim the same embedded timestamp for different
	// subsystems. Neither can be attributed, so both stay put.
	camFile := writeTemp(t, cameraDir, "recording_20260825_121500.mp4", "frames")
	scopeFile := writeTemp(t, scopeDir, "capture_20260825_121500.csv", "rows")
	kept := writeTemp(t, scopeDir, "capture_20260825_122000.csv", "rows")

	sources := []artifact.Source{
		artifact.NewDirSource("thermal recordings", cameraDir, "webcam_videos", ""),
		artifact.NewDirSource("scope exports", scopeDir, "oscilloscope_data", ""),
	}

	r := New(zaptest.NewLogger(t), 30*time.Second)
	res, err := r.Run(testDir, start, end, nil, sources)
	require.NoError(t, err)

	assert.FileExists(t, camFile)
	assert.FileExists(t, scopeFile)
	assert.True(t, hasWarning(res.Warnings, "ambiguous", "recording_20260825_121500.mp4", "capture_20260825_121500.csv"),
		"expected an ambiguity warning, got %v", res.Warnings)

	// The unambiguous file from the same source still relocates.
	require.Len(t, res.Artifacts, 1)
	assert.Equal(t, filepath.Join(testDir, "oscilloscope_data", "capture_20260825_122000.csv"), res.Artifacts[0].Path)
	assert.NoFileExists(t, kept)
}

func TestReconcile_SameSubsystemTimestampCollisionIsNotAmbiguous(t *testing.T) {
	dirA := t.TempDir()
	dirB := t.TempDir()
	testDir := t.TempDir()

	start := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	writeTemp(t, dirA, "capture_20260825_121500.csv", "first")
	writeTemp(t, dirB, "export_20260825_121500.csv", "second")

	sources := []artifact.Source{
		artifact.NewDirSource("bench A", dirA, "oscilloscope_data", ""),
		artifact.NewDirSource("bench B", dirB, "oscilloscope_data", ""),
	}

	r := New(zaptest.NewLogger(t), 0)
	res, err := r.Run(testDir, start, end, nil, sources)
	require.NoError(t, err)

	require.Len(t, res.Artifacts, 2)
	assert.False(t, hasWarning(res.Warnings, "ambiguous"),
		"same-subsystem collision must not be flagged ambiguous: %v", res.Warnings)
}

func TestReconcile_NameCollisionGetsSuffix(t *testing.T) {
	dirA := t.TempDir()
	dirB := t.TempDir()
	testDir := t.TempDir()

	start := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	a := writeTemp(t, dirA, "capture_20260825_120500.csv", "first")
	b := writeTemp(t, dirB, "capture_20260825_120500.csv", "second")

	engine := []artifact.Artifact{
		{Path: a, ProducerID: "x", Subsystem: "s", StartUTC: start.Add(5 * time.Minute), EndUTC: start.Add(5 * time.Minute)},
		{Path: b, ProducerID: "y", Subsystem: "s", StartUTC: start.Add(5 * time.Minute), EndUTC: start.Add(5 * time.Minute)},
	}

	r := New(zaptest.NewLogger(t), 0)
	res, err := r.Run(testDir, start, end, engine, nil)
	require.NoError(t, err)

	require.Len(t, res.Artifacts, 2)
	assert.NotEqual(t, res.Artifacts[0].Path, res.Artifacts[1].Path)
	for _, art := range res.Artifacts {
		assert.FileExists(t, art.Path)
	}
}

func hasWarning(warnings []string, subs ...string) bool {
	for _, w := range warnings {
		all := true
		for _, sub := range subs {
			if !strings.Contains(w, sub) {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return false
}
