package instrument

import (
	"context"
	"time"
)

// Kind tags an instrument's capability class.
type Kind string

const (
	KindCamera      Kind = "camera"
	KindScopeGroup  Kind = "scope-channel-group"
	KindPowerSupply Kind = "power-supply"
)

// Valid reports whether k is one of the known capability tags.
func (k Kind) Valid() bool {
	switch k {
	case KindCamera, KindScopeGroup, KindPowerSupply:
		return true
	}
	return false
}

// TransportFamily tags the wire protocol family a driver speaks. The engine
// uses it only to select an error-normalization table.
type TransportFamily string

const (
	TransportSerialASCII TransportFamily = "serial-ascii"
	TransportModbusRTU   TransportFamily = "modbus-rtu"
	TransportUSBTMC      TransportFamily = "usb-tmc"
)

// Sample is one captured value. Timestamp is assigned by the owning loop at
// the moment acquisition completes; device-internal clocks are never trusted.
type Sample struct {
	InstrumentID string    `json:"instrumentId"`
	Channel      string    `json:"channel"`
	Value        float64   `json:"value"`
	Timestamp    time.Time `json:"ts"`
}

// CaptureWindow is one bounded acquisition attempt's worth of samples plus
// the timing the instrument actually reported.
type CaptureWindow struct {
	Samples []Sample

	// SampleInterval is the instrument-reported actual interval between
	// samples (scope preamble x-increment, logger cadence). It is never the
	// nominal configured rate.
	SampleInterval time.Duration

	// WallDuration is the wall time the attempt spent acquiring.
	WallDuration time.Duration
}

// CapturedDuration is the span of time the window's samples represent,
// derived from the reported interval, not from configuration.
func (w *CaptureWindow) CapturedDuration() time.Duration {
	if w == nil {
		return 0
	}
	return w.SampleInterval * time.Duration(len(w.Samples))
}

// Instrument is the exclusive connection handle one acquisition loop owns
// for its lifetime.
type Instrument interface {
	// ID returns the stable instrument identity from configuration.
	ID() string

	// Kind returns the capability tag.
	Kind() Kind

	// Transport returns the wire protocol family, used for error
	// normalization only.
	Transport() TransportFamily

	// Acquire performs one bounded capture attempt. The context carries the
	// attempt deadline; implementations must honor it.
	Acquire(ctx context.Context) (*CaptureWindow, error)

	// Command writes value to the named analog output channel and returns
	// the device's set-register readback (the value the device believes it
	// was commanded, not a live measurement).
	Command(ctx context.Context, channel string, value float64) (float64, error)

	// Close releases the connection. Safe to call more than once; the
	// forced-shutdown path calls it from outside the owning loop.
	Close() error
}
