package dispatch

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDispatchSetRoundRobin(t *testing.T) {
	m := newTestManager(t, newTestTransport(), ManagerOptions{})
	s, err := NewDispatchSet(m, testLocal4, 3)
	require.NoError(t, err)
	require.Equal(t, 3, s.Len())
	require.Equal(t, 3, m.Dispatches())

	var first []*Dispatch
	for i := 0; i < 3; i++ {
		d := s.Get()
		require.NotNil(t, d)
		first = append(first, d)
		d.Detach()
	}
	require.NotSame(t, first[0], first[1])
	require.NotSame(t, first[1], first[2])

	// Wraps around
	d := s.Get()
	require.Same(t, first[0], d)
	d.Detach()

	s.Close()
	require.Equal(t, 0, s.Len())
	require.Nil(t, s.Get())
	require.Equal(t, 0, m.Dispatches())
	require.NoError(t, m.Close())
}

func TestDispatchSetCanceled(t *testing.T) {
	m := newTestManager(t, newTestTransport(), ManagerOptions{})
	s, err := NewDispatchSet(m, testLocal4, 1)
	require.NoError(t, err)
	defer s.Close()

	m.Shutdown()
	require.Nil(t, s.Get())
}

func TestDispatchSetCreateFailure(t *testing.T) {
	tr := newTestTransport()
	tr.checkErr = errorf(ErrAddressNotAvailable, "not local")
	m := newTestManager(t, tr, ManagerOptions{})
	_, err := NewDispatchSet(m, testPeer, 2)
	require.ErrorIs(t, err, ErrAddressNotAvailable)
	require.Equal(t, 0, m.Dispatches())
}
