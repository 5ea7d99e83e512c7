package dispatch

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func TestPeekHeader(t *testing.T) {
	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	q.Id = 0x1234
	b, err := q.Pack()
	require.NoError(t, err)

	h, err := peekHeader(b)
	require.NoError(t, err)
	require.Equal(t, uint16(0x1234), h.id)
	require.False(t, h.response)

	a := new(dns.Msg)
	a.SetReply(q)
	b, err = a.Pack()
	require.NoError(t, err)

	h, err = peekHeader(b)
	require.NoError(t, err)
	require.Equal(t, uint16(0x1234), h.id)
	require.True(t, h.response)
}

func TestPeekHeaderShort(t *testing.T) {
	_, err := peekHeader([]byte{0x12, 0x34, 0x80})
	require.ErrorIs(t, err, ErrUnexpected)
}
