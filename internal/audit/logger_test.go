package audit

import (
	"bufio"
	"encoding/json"
	"math"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readEntries(t *testing.T, path string) []Entry {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Entry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		entries = append(entries, e)
	}
	require.NoError(t, sc.Err())
	return entries
}

func TestLogger_AppendsJSONLines(t *testing.T) {
	l, err := NewLogger(t.TempDir())
	require.NoError(t, err)
	defer l.Close()

	l.RecordTransition("scope-1", "idle", "running", "")
	l.RecordGap("scope-1", time.Now().UTC(), time.Now().UTC(), "TRANSIENT retries exhausted")
	l.RecordArtifact("scope-1", "/tmp/x.csv", time.Now().UTC(), time.Now().UTC())
	require.NoError(t, l.Close())

	entries := readEntries(t, l.Path())
	require.Len(t, entries, 3)
	assert.Equal(t, "transition", entries[0].Kind)
	assert.Equal(t, "gap", entries[1].Kind)
	assert.Equal(t, "artifact", entries[2].Kind)
	for _, e := range entries {
		assert.Equal(t, "scope-1", e.InstrumentID)
		assert.False(t, e.Timestamp.IsZero())
	}
}

func TestLogger_SetpointRecorderOmitsNaNReadback(t *testing.T) {
	l, err := NewLogger(t.TempDir())
	require.NoError(t, err)

	l.RecordSetpoint("psu-1", "v1", 50, math.NaN(), 1, false)
	l.RecordSetpoint("psu-1", "v1", 50, 49.9, 2, true)
	require.NoError(t, l.Close())

	entries := readEntries(t, l.Path())
	require.Len(t, entries, 2)
	_, hasReadback := entries[0].Detail["readback"]
	assert.False(t, hasReadback, "NaN readback must be omitted, not break marshaling")
	assert.Equal(t, 49.9, entries[1].Detail["readback"])
}

func TestLogger_ConcurrentWriters(t *testing.T) {
	l, err := NewLogger(t.TempDir())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				l.RecordTransition("loop", "running", "running", "")
			}
		}(i)
	}
	wg.Wait()
	require.NoError(t, l.Close())

	entries := readEntries(t, l.Path())
	assert.Len(t, entries, 400, "every line intact under concurrency")
}

func TestLogger_CloseIdempotent(t *testing.T) {
	l, err := NewLogger(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
	l.Record("transition", "x", nil) // no-op after close
}
