package instrument

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubInstrument struct {
	id     string
	closed bool
}

func (s *stubInstrument) ID() string                 { return s.id }
func (s *stubInstrument) Kind() Kind                 { return KindScopeGroup }
func (s *stubInstrument) Transport() TransportFamily { return TransportUSBTMC }
func (s *stubInstrument) Acquire(context.Context) (*CaptureWindow, error) {
	return &CaptureWindow{}, nil
}
func (s *stubInstrument) Command(context.Context, string, float64) (float64, error) {
	return 0, nil
}
func (s *stubInstrument) Close() error {
	s.closed = true
	return nil
}

func TestRegistry_ExclusiveClaim(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(&stubInstrument{id: "scope-1"}))

	inst, err := r.Claim("scope-1")
	require.NoError(t, err)
	require.Equal(t, "scope-1", inst.ID())

	_, err = r.Claim("scope-1")
	assert.Error(t, err, "second claim must fail while held")

	r.Release("scope-1")
	_, err = r.Claim("scope-1")
	assert.NoError(t, err, "claim must succeed after release")
}

func TestRegistry_DuplicateAdd(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(&stubInstrument{id: "psu-1"}))
	assert.Error(t, r.Add(&stubInstrument{id: "psu-1"}))
}

func TestRegistry_UnknownInstrument(t *testing.T) {
	r := NewRegistry()
	_, err := r.Claim("nope")
	assert.Error(t, err)
	_, err = r.Get("nope")
	assert.Error(t, err)
	r.Release("nope") // no-op by contract
}

func TestRegistry_GetBypassesClaim(t *testing.T) {
	// The forced-termination path closes connections it does not own.
	r := NewRegistry()
	stub := &stubInstrument{id: "scope-1"}
	require.NoError(t, r.Add(stub))
	_, err := r.Claim("scope-1")
	require.NoError(t, err)

	inst, err := r.Get("scope-1")
	require.NoError(t, err)
	require.NoError(t, inst.Close())
	assert.True(t, stub.closed)
}

func TestRegistry_CloseAll(t *testing.T) {
	r := NewRegistry()
	a := &stubInstrument{id: "a"}
	b := &stubInstrument{id: "b"}
	require.NoError(t, r.Add(a))
	require.NoError(t, r.Add(b))
	require.NoError(t, r.CloseAll())
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}
