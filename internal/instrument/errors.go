package instrument

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error classes. Transient failures are retried by the owning loop and
// degrade to a recorded Gap; fatal failures terminate the loop and trip the
// global stop flag.
var (
	ErrTransient = errors.New("TRANSIENT")
	ErrFatal     = errors.New("FATAL")
)

// FamilyMap defines the error-token classification for one transport family.
type FamilyMap struct {
	Transient []string // tokens that map to TRANSIENT
	Fatal     []string // tokens that map to FATAL
}

// TransportErrorMappings classifies driver error messages per transport
// family with exact token matching, no heuristics. Unknown tokens map to
// FATAL: an unrecognized failure on a lab bus is treated as protocol desync
// until a driver author adds the token here.
var TransportErrorMappings = map[TransportFamily]FamilyMap{
	TransportSerialASCII: {
		Transient: []string{
			"TIMEOUT",
			"READ_TIMEOUT",
			"WRITE_TIMEOUT",
			"BUFFER_OVERRUN",
			"PARTIAL_RESPONSE",
			"EMPTY_RESPONSE",
			"CHECKSUM",
		},
		Fatal: []string{
			"PORT_CLOSED",
			"PORT_NOT_FOUND",
			"DEVICE_REMOVED",
			"ACCESS_DENIED",
			"FRAMING_ERROR",
		},
	},
	TransportModbusRTU: {
		Transient: []string{
			"TIMEOUT",
			"CRC",
			"INVALID_RESPONSE",
			"NO_RESPONSE",
			"SLAVE_BUSY",
			"ACKNOWLEDGE",
		},
		Fatal: []string{
			"ILLEGAL_FUNCTION",
			"ILLEGAL_DATA_ADDRESS",
			"GATEWAY_TARGET_FAILED",
			"PORT_CLOSED",
			"DEVICE_REMOVED",
		},
	},
	TransportUSBTMC: {
		Transient: []string{
			"TIMEOUT",
			"USB_TIMEOUT",
			"PIPE_STALL",
			"SHORT_READ",
			"QUERY_INTERRUPTED",
		},
		Fatal: []string{
			"DEVICE_GONE",
			"NO_SUCH_DEVICE",
			"ENDPOINT_HALTED",
			"PROTOCOL_DESYNC",
			"RESOURCE_LOCKED",
		},
	},
}

// TransportError wraps a driver error with its normalized class and the
// original diagnostic.
type TransportError struct {
	Class    error           // ErrTransient or ErrFatal
	Original error           // driver error, preserved for the run log
	Family   TransportFamily
	Op       string          // "acquire" or "command"
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%v: %s %s: %v", e.Class, e.Family, e.Op, e.Original)
}

func (e *TransportError) Unwrap() error {
	return e.Class
}

// Normalize maps a driver error to the engine's taxonomy using the family's
// token table. Context deadline and cancellation always classify as
// transient: a timed-out attempt says nothing about device health.
func Normalize(err error, family TransportFamily, op string) error {
	if err == nil {
		return nil
	}
	if te := (*TransportError)(nil); errors.As(err, &te) {
		return err // already normalized by the driver
	}

	class := ErrFatal
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		class = ErrTransient
	} else {
		class = classify(err.Error(), family)
	}

	return &TransportError{
		Class:    class,
		Original: err,
		Family:   family,
		Op:       op,
	}
}

func classify(msg string, family TransportFamily) error {
	fm, ok := TransportErrorMappings[family]
	if !ok {
		return ErrFatal
	}

	upper := strings.ToUpper(msg)

	for _, token := range fm.Transient {
		if strings.Contains(upper, token) {
			return ErrTransient
		}
	}
	for _, token := range fm.Fatal {
		if strings.Contains(upper, token) {
			return ErrFatal
		}
	}

	return ErrFatal
}

// IsTransient reports whether err normalizes to the transient class.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsFatal reports whether err normalizes to the fatal class.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}
