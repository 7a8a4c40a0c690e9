package shutdown

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/CSunburnSchematics/Rigol/internal/acquisition"
	"github.com/CSunburnSchematics/Rigol/internal/artifact"
	"github.com/CSunburnSchematics/Rigol/internal/instrument/sim"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeLoop struct {
	id   string
	done chan struct{}

	mu     sync.Mutex
	once   sync.Once
	forced string
}

func newFakeLoop(id string) *fakeLoop {
	return &fakeLoop{id: id, done: make(chan struct{})}
}

func (f *fakeLoop) ID() string            { return f.id }
func (f *fakeLoop) Done() <-chan struct{} { return f.done }

func (f *fakeLoop) ForceTerminate(reason string) {
	f.mu.Lock()
	f.forced = reason
	f.mu.Unlock()
	f.once.Do(func() { close(f.done) })
}

func (f *fakeLoop) finish() {
	f.once.Do(func() { close(f.done) })
}

func (f *fakeLoop) forcedReason() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.forced
}

func TestCoordinator_FirstReasonWins(t *testing.T) {
	c := NewCoordinator(nil, zaptest.NewLogger(t), nil)

	assert.False(t, c.StopRequested())
	c.RequestStop("operator request")
	c.RequestStop("signal: interrupt")

	assert.True(t, c.StopRequested())
	assert.Equal(t, "operator request", c.Reason())

	select {
	case <-c.Stopped():
	default:
		t.Fatal("stopped channel not closed")
	}
}

func TestCoordinator_GracefulWhenAllLoopsStop(t *testing.T) {
	c := NewCoordinator(nil, zaptest.NewLogger(t), nil)
	a, b := newFakeLoop("a"), newFakeLoop("b")
	c.Register(a)
	c.Register(b)

	a.finish()
	go func() {
		time.Sleep(10 * time.Millisecond)
		b.finish()
	}()

	forced := c.WaitGraceful(context.Background(), time.Second)
	assert.Empty(t, forced)
	assert.Empty(t, a.forcedReason())
	assert.Empty(t, b.forcedReason())
}

func TestCoordinator_ForcesStragglersAfterGrace(t *testing.T) {
	c := NewCoordinator(nil, zaptest.NewLogger(t), nil)
	prompt, straggler := newFakeLoop("prompt"), newFakeLoop("straggler")
	c.Register(prompt)
	c.Register(straggler)
	prompt.finish()

	start := time.Now()
	forced := c.WaitGraceful(context.Background(), 50*time.Millisecond)
	elapsed := time.Since(start)

	assert.Equal(t, []string{"straggler"}, forced)
	assert.Equal(t, acquisition.ReasonForcedTimeout, straggler.forcedReason())
	assert.Less(t, elapsed, 2*time.Second)
}

// A loop wedged inside a blocking read must be failed within the grace
// period plus the forced-close latency, never the instrument's own timeout.
func TestCoordinator_ForcedCloseUnwedgesHungLoop(t *testing.T) {
	c := NewCoordinator(nil, zaptest.NewLogger(t), nil)

	inst := sim.NewHung("hung-1")
	w, err := artifact.NewWriter(t.TempDir(), "hung-1", "oscilloscope_data")
	require.NoError(t, err)

	loop, err := acquisition.NewLoop(acquisition.Options{
		Instrument:     inst,
		Writer:         w,
		Log:            zaptest.NewLogger(t),
		OnFatal:        c,
		StopRequested:  c.StopRequested,
		AcquireTimeout: time.Minute,
	})
	require.NoError(t, err)
	c.Register(loop)

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		loop.Run(context.Background())
	}()

	// Let the loop block inside Acquire before the stop lands, otherwise it
	// could observe the flag at its first boundary and stop cleanly.
	time.Sleep(20 * time.Millisecond)
	c.RequestStop("test over")

	start := time.Now()
	forced := c.WaitGraceful(context.Background(), 100*time.Millisecond)
	elapsed := time.Since(start)

	assert.Equal(t, []string{"hung-1"}, forced)
	assert.Equal(t, acquisition.StateFailed, loop.State())
	assert.Equal(t, acquisition.ReasonForcedTimeout, loop.FailReason())
	assert.Less(t, elapsed, 5*time.Second)

	<-runDone
}

func TestWatchStopFile_TriggersOnCreate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stop.flag")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := NewCoordinator(nil, zaptest.NewLogger(t), nil)
	WatchStopFile(ctx, c, nil, zaptest.NewLogger(t), path, 20*time.Millisecond)

	require.NoError(t, os.WriteFile(path, nil, 0o644))

	require.Eventually(t, c.StopRequested, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, c.Reason(), "stop.flag")
}

func TestWatchStopFile_PreexistingFileStopsImmediately(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stop.flag")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := NewCoordinator(nil, zaptest.NewLogger(t), nil)
	WatchStopFile(ctx, c, nil, zaptest.NewLogger(t), path, time.Hour)

	assert.True(t, c.StopRequested())
}
