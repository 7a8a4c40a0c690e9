// Package sim provides simulated instrument drivers. They back --sim runs
// and every test that needs an instrument without bench hardware.
package sim

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/CSunburnSchematics/Rigol/internal/instrument"
)

// Camera simulates a thermal/visual recorder: each acquire attempt blocks
// for one frame period and yields a single frame sample.
type Camera struct {
	id          string
	FramePeriod time.Duration

	mu     sync.Mutex
	closed bool
	frames int
}

// NewCamera creates a simulated camera producing one frame per period.
func NewCamera(id string, framePeriod time.Duration) *Camera {
	return &Camera{id: id, FramePeriod: framePeriod}
}

func (c *Camera) ID() string                            { return c.id }
func (c *Camera) Kind() instrument.Kind                 { return instrument.KindCamera }
func (c *Camera) Transport() instrument.TransportFamily { return instrument.TransportSerialASCII }

func (c *Camera) Acquire(ctx context.Context) (*instrument.CaptureWindow, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, instrument.Normalize(errors.New("PORT_CLOSED"), c.Transport(), "acquire")
	}
	c.mu.Unlock()

	start := time.Now()
	select {
	case <-ctx.Done():
		return nil, instrument.Normalize(ctx.Err(), c.Transport(), "acquire")
	case <-time.After(c.FramePeriod):
	}

	c.mu.Lock()
	c.frames++
	n := c.frames
	c.mu.Unlock()

	return &instrument.CaptureWindow{
		Samples: []instrument.Sample{{
			InstrumentID: c.id,
			Channel:      "frame",
			Value:        float64(n),
			Timestamp:    time.Now().UTC(),
		}},
		SampleInterval: c.FramePeriod,
		WallDuration:   time.Since(start),
	}, nil
}

func (c *Camera) Command(ctx context.Context, channel string, value float64) (float64, error) {
	return 0, instrument.Normalize(errors.New("ILLEGAL_FUNCTION"), c.Transport(), "command")
}

func (c *Camera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Scope simulates an oscilloscope channel group with a configurable
// transient-failure rate, matching bench behavior where USB transfers time
// out a few percent of the time.
type Scope struct {
	id          string
	ReadTime    time.Duration // wall time one transfer takes
	Points      int           // samples per window
	Interval    time.Duration // instrument-reported sample interval
	FailureRate float64       // probability one attempt fails transiently

	rng    *rand.Rand
	mu     sync.Mutex
	closed bool
}

// NewScope creates a simulated scope. seed pins the failure sequence so
// tests are reproducible.
func NewScope(id string, readTime time.Duration, points int, interval time.Duration, failureRate float64, seed int64) *Scope {
	return &Scope{
		id:          id,
		ReadTime:    readTime,
		Points:      points,
		Interval:    interval,
		FailureRate: failureRate,
		rng:         rand.New(rand.NewSource(seed)),
	}
}

func (s *Scope) ID() string                            { return s.id }
func (s *Scope) Kind() instrument.Kind                 { return instrument.KindScopeGroup }
func (s *Scope) Transport() instrument.TransportFamily { return instrument.TransportUSBTMC }

func (s *Scope) Acquire(ctx context.Context) (*instrument.CaptureWindow, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, instrument.Normalize(errors.New("DEVICE_GONE"), s.Transport(), "acquire")
	}
	fail := s.rng.Float64() < s.FailureRate
	s.mu.Unlock()

	start := time.Now()
	select {
	case <-ctx.Done():
		return nil, instrument.Normalize(ctx.Err(), s.Transport(), "acquire")
	case <-time.After(s.ReadTime):
	}

	if fail {
		return nil, instrument.Normalize(errors.New("USB_TIMEOUT: bulk transfer"), s.Transport(), "acquire")
	}

	ts := time.Now().UTC()
	samples := make([]instrument.Sample, s.Points)
	for i := range samples {
		samples[i] = instrument.Sample{
			InstrumentID: s.id,
			Channel:      "ch1",
			Value:        s.waveform(i),
			Timestamp:    ts,
		}
	}

	return &instrument.CaptureWindow{
		Samples:        samples,
		SampleInterval: s.Interval,
		WallDuration:   time.Since(start),
	}, nil
}

func (s *Scope) waveform(i int) float64 {
	// Deterministic ramp; the engine never inspects values.
	return float64(i%100) / 100.0
}

func (s *Scope) Command(ctx context.Context, channel string, value float64) (float64, error) {
	return 0, instrument.Normalize(errors.New("PROTOCOL_DESYNC"), s.Transport(), "command")
}

func (s *Scope) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// PowerSupply simulates a programmable supply over a lossy serial link: the
// set register only latches after AcceptAfter write attempts, the behavior
// the verify/retry setpoint discipline exists for.
type PowerSupply struct {
	id string

	// AcceptAfter is the attempt number on which a commanded value finally
	// latches. 1 means the first write works.
	AcceptAfter int

	// MeasureNoise offsets measured values from the set register.
	MeasureNoise float64

	// ReadTime is the wall time one register scan takes.
	ReadTime time.Duration

	mu       sync.Mutex
	closed   bool
	attempts map[string]int
	set      map[string]float64
}

// NewPowerSupply creates a simulated supply that latches a setpoint on the
// n-th write attempt per channel.
func NewPowerSupply(id string, acceptAfter int) *PowerSupply {
	return &PowerSupply{
		id:          id,
		AcceptAfter: acceptAfter,
		ReadTime:    20 * time.Millisecond,
		attempts:    make(map[string]int),
		set:         make(map[string]float64),
	}
}

func (p *PowerSupply) ID() string                            { return p.id }
func (p *PowerSupply) Kind() instrument.Kind                 { return instrument.KindPowerSupply }
func (p *PowerSupply) Transport() instrument.TransportFamily { return instrument.TransportModbusRTU }

// Command writes the set register. Until the configured attempt count is
// reached, the register holds a stale value, which is what a dropped Modbus
// frame looks like from the controller side.
func (p *PowerSupply) Command(ctx context.Context, channel string, value float64) (float64, error) {
	select {
	case <-ctx.Done():
		return 0, instrument.Normalize(ctx.Err(), p.Transport(), "command")
	default:
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, instrument.Normalize(errors.New("PORT_CLOSED"), p.Transport(), "command")
	}

	p.attempts[channel]++
	if p.attempts[channel] >= p.AcceptAfter {
		p.set[channel] = value
	}
	return p.set[channel], nil
}

func (p *PowerSupply) Acquire(ctx context.Context) (*instrument.CaptureWindow, error) {
	start := time.Now()
	if p.ReadTime > 0 {
		select {
		case <-ctx.Done():
			return nil, instrument.Normalize(ctx.Err(), p.Transport(), "acquire")
		case <-time.After(p.ReadTime):
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, instrument.Normalize(errors.New("PORT_CLOSED"), p.Transport(), "acquire")
	}

	ts := time.Now().UTC()
	samples := make([]instrument.Sample, 0, len(p.set))
	for ch, v := range p.set {
		samples = append(samples, instrument.Sample{
			InstrumentID: p.id,
			Channel:      ch,
			Value:        v + p.MeasureNoise,
			Timestamp:    ts,
		})
	}
	if len(samples) == 0 {
		samples = append(samples, instrument.Sample{
			InstrumentID: p.id,
			Channel:      "v1",
			Value:        0,
			Timestamp:    ts,
		})
	}

	return &instrument.CaptureWindow{
		Samples:        samples,
		SampleInterval: 50 * time.Millisecond,
		WallDuration:   time.Since(start),
	}, nil
}

func (p *PowerSupply) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// ResetAttempts clears per-channel write counters.
func (p *PowerSupply) ResetAttempts() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts = make(map[string]int)
}

// Hung simulates a driver stuck in a blocking syscall: Acquire ignores the
// context and returns only after Close forces the connection down. It
// exists to exercise the forced-termination path.
type Hung struct {
	id string

	once   sync.Once
	closed chan struct{}
}

// NewHung creates a simulated hung instrument.
func NewHung(id string) *Hung {
	return &Hung{id: id, closed: make(chan struct{})}
}

func (h *Hung) ID() string                            { return h.id }
func (h *Hung) Kind() instrument.Kind                 { return instrument.KindScopeGroup }
func (h *Hung) Transport() instrument.TransportFamily { return instrument.TransportUSBTMC }

func (h *Hung) Acquire(ctx context.Context) (*instrument.CaptureWindow, error) {
	<-h.closed
	return nil, instrument.Normalize(fmt.Errorf("DEVICE_GONE: %s", h.id), h.Transport(), "acquire")
}

func (h *Hung) Command(ctx context.Context, channel string, value float64) (float64, error) {
	<-h.closed
	return 0, instrument.Normalize(errors.New("DEVICE_GONE"), h.Transport(), "command")
}

func (h *Hung) Close() error {
	h.once.Do(func() { close(h.closed) })
	return nil
}
