package coverage

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CSunburnSchematics/Rigol/internal/instrument"
)

func window(n int, interval time.Duration) *instrument.CaptureWindow {
	return &instrument.CaptureWindow{
		Samples:        make([]instrument.Sample, n),
		SampleInterval: interval,
	}
}

func TestTracker_CoverageFromReportedInterval(t *testing.T) {
	clk := clock.NewMock()
	tr := NewTracker(clk)
	tr.Start()

	// 10s of wall time, two windows of 250 samples at 4ms each = 2s covered.
	clk.Add(10 * time.Second)
	require.NoError(t, tr.Observe(window(250, 4*time.Millisecond)))
	require.NoError(t, tr.Observe(window(250, 4*time.Millisecond)))

	assert.InDelta(t, 0.2, tr.Coverage(), 1e-9)
	assert.Equal(t, 2*time.Second, tr.Captured())
	assert.Zero(t, tr.Clamped())
}

func TestTracker_ClampsOverclaimingWindow(t *testing.T) {
	clk := clock.NewMock()
	tr := NewTracker(clk)
	tr.Start()

	// 1s elapsed but the window claims 5s of data. Coverage must cap at 1.
	clk.Add(time.Second)
	require.NoError(t, tr.Observe(window(5000, time.Millisecond)))

	assert.Equal(t, 1.0, tr.Coverage())
	assert.Equal(t, time.Second, tr.Captured())
	assert.Equal(t, 1, tr.Clamped())

	// Later windows keep the invariant as wall time advances.
	clk.Add(time.Second)
	require.NoError(t, tr.Observe(window(5000, time.Millisecond)))
	assert.LessOrEqual(t, tr.Coverage(), 1.0)
	assert.Equal(t, 2, tr.Clamped())
}

func TestTracker_BoundsAlwaysHold(t *testing.T) {
	clk := clock.NewMock()
	tr := NewTracker(clk)
	tr.Start()

	assert.GreaterOrEqual(t, tr.Coverage(), 0.0)

	clk.Add(time.Minute)
	for i := 0; i < 100; i++ {
		require.NoError(t, tr.Observe(window(100, 7*time.Millisecond)))
		cov := tr.Coverage()
		assert.GreaterOrEqual(t, cov, 0.0)
		assert.LessOrEqual(t, cov, 1.0)
	}
}

// The loop observes windows while /status handlers poll the live coverage
// figure from another goroutine. Run under the race detector.
func TestTracker_ConcurrentObserveAndRead(t *testing.T) {
	tr := NewTracker(clock.New())
	tr.Start()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			assert.NoError(t, tr.Observe(window(10, time.Microsecond)))
		}
	}()

	for i := 0; i < 500; i++ {
		cov := tr.Coverage()
		assert.GreaterOrEqual(t, cov, 0.0)
		assert.LessOrEqual(t, cov, 1.0)
		assert.GreaterOrEqual(t, tr.Captured(), time.Duration(0))
		assert.GreaterOrEqual(t, tr.Clamped(), 0)
	}
	wg.Wait()
}

func TestTracker_RejectsMisuse(t *testing.T) {
	tr := NewTracker(clock.NewMock())
	assert.Error(t, tr.Observe(window(1, time.Millisecond)), "observe before start")
	tr.Start()
	assert.Error(t, tr.Observe(nil))
	assert.Zero(t, tr.Coverage(), "zero wall time yields zero coverage")
}
