package dispatch

import (
	"errors"
	"net"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func getUDPLnAddress(t *testing.T) string {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()
	return pc.LocalAddr().String()
}

// Starts a UDP listener forwarding to the resolver and returns a client for it.
func startTestListener(t *testing.T, opt ListenOptions, upstream Resolver) *Client {
	addr := getUDPLnAddress(t)
	s := NewDNSListener(t.Name(), addr, "udp", opt, upstream)
	started := make(chan struct{})
	s.NotifyStartedFunc = func() { close(started) }
	go func() { _ = s.Start() }()
	<-started
	t.Cleanup(func() { _ = s.Stop() })

	m := newTestClientManager(t)
	c, err := NewClient(t.Name(), addr, m, ClientOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestDNSListenerForward(t *testing.T) {
	upstream := new(TestResolver)
	c := startTestListener(t, ListenOptions{}, upstream)

	a, err := c.Resolve(testQuestion("example.com."), ClientInfo{})
	require.NoError(t, err)
	require.Equal(t, dns.RcodeSuccess, a.Rcode)
	require.Len(t, a.Answer, 1)
	require.Equal(t, 1, upstream.HitCount())
}

func TestDNSListenerServfail(t *testing.T) {
	upstream := &TestResolver{
		ResolveFunc: func(q *dns.Msg, ci ClientInfo) (*dns.Msg, error) {
			return nil, errors.New("upstream failed")
		},
	}
	c := startTestListener(t, ListenOptions{}, upstream)

	a, err := c.Resolve(testQuestion("example.com."), ClientInfo{})
	require.NoError(t, err)
	require.Equal(t, dns.RcodeServerFailure, a.Rcode)
}

func TestDNSListenerACL(t *testing.T) {
	_, allowed, err := net.ParseCIDR("10.0.0.0/8")
	require.NoError(t, err)
	upstream := new(TestResolver)
	c := startTestListener(t, ListenOptions{AllowedNet: []*net.IPNet{allowed}}, upstream)

	a, err := c.Resolve(testQuestion("example.com."), ClientInfo{})
	require.NoError(t, err)
	require.Equal(t, dns.RcodeRefused, a.Rcode)
	require.Equal(t, 0, upstream.HitCount())
}
