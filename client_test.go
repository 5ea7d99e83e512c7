package dispatch

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Starts a DNS server on a loopback address and returns its address.
func startTestServer(t *testing.T, network, addr string, h dns.HandlerFunc) string {
	s := &dns.Server{Net: network, Handler: h}
	switch network {
	case "udp":
		pc, err := net.ListenPacket("udp", addr)
		require.NoError(t, err)
		s.PacketConn = pc
		addr = pc.LocalAddr().String()
	case "tcp":
		l, err := net.Listen("tcp", addr)
		require.NoError(t, err)
		s.Listener = l
		addr = l.Addr().String()
	}
	started := make(chan struct{})
	s.NotifyStartedFunc = func() { close(started) }
	go func() { _ = s.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = s.Shutdown() })
	return addr
}

// Handler answering every query with the loopback address.
func answerHandler(w dns.ResponseWriter, q *dns.Msg) {
	a, _ := new(TestResolver).Resolve(q, ClientInfo{})
	_ = w.WriteMsg(a)
}

func newTestClientManager(t *testing.T) *Manager {
	m, err := NewManager(t.Name(), ManagerOptions{})
	require.NoError(t, err)
	return m
}

func testQuestion(name string) *dns.Msg {
	q := new(dns.Msg)
	q.SetQuestion(name, dns.TypeA)
	q.Id = 42
	return q
}

func TestClientUDP(t *testing.T) {
	addr := startTestServer(t, "udp", "127.0.0.1:0", answerHandler)
	m := newTestClientManager(t)
	c, err := NewClient("test-udp", addr, m, ClientOptions{UDPDispatches: 2})
	require.NoError(t, err)

	a, err := c.Resolve(testQuestion("example.com."), ClientInfo{})
	require.NoError(t, err)
	require.Equal(t, uint16(42), a.Id)
	require.Len(t, a.Answer, 1)
	require.Equal(t, "example.com.", a.Answer[0].Header().Name)

	require.NoError(t, c.Close())
	require.NoError(t, m.Close())
}

func TestClientTCP(t *testing.T) {
	addr := startTestServer(t, "tcp", "127.0.0.1:0", answerHandler)
	m := newTestClientManager(t)
	c, err := NewClient("test-tcp", addr, m, ClientOptions{Net: "tcp"})
	require.NoError(t, err)

	// Concurrent queries share connections while they are in flight
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := c.Resolve(testQuestion("example.com."), ClientInfo{})
			if assert.NoError(t, err) {
				assert.Equal(t, uint16(42), a.Id)
				assert.Len(t, a.Answer, 1)
			}
		}()
	}
	wg.Wait()

	require.NoError(t, c.Close())
	require.Equal(t, 0, m.Dispatches())
	require.NoError(t, m.Close())
}

func TestClientTimeout(t *testing.T) {
	addr := startTestServer(t, "udp", "127.0.0.1:0", func(w dns.ResponseWriter, q *dns.Msg) {})
	m := newTestClientManager(t)
	c, err := NewClient("test-timeout", addr, m, ClientOptions{QueryTimeout: 100 * time.Millisecond})
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Resolve(testQuestion("example.com."), ClientInfo{})
	var qerr QueryTimeoutError
	require.ErrorAs(t, err, &qerr)
	require.ErrorIs(t, err, ErrTimedOut)
}

func TestClientQuestionMismatch(t *testing.T) {
	addr := startTestServer(t, "udp", "127.0.0.1:0", func(w dns.ResponseWriter, q *dns.Msg) {
		a := new(dns.Msg)
		a.SetReply(q)
		a.Question[0].Name = "example.net."
		_ = w.WriteMsg(a)
	})
	m := newTestClientManager(t)
	c, err := NewClient("test-mismatch", addr, m, ClientOptions{})
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Resolve(testQuestion("example.com."), ClientInfo{})
	require.Error(t, err)
}

func TestClientTCPFallback(t *testing.T) {
	// UDP responses are always truncated, TCP ones complete
	handler := func(w dns.ResponseWriter, q *dns.Msg) {
		if _, ok := w.RemoteAddr().(*net.UDPAddr); ok {
			a := new(dns.Msg)
			a.SetReply(q)
			a.Truncated = true
			_ = w.WriteMsg(a)
			return
		}
		answerHandler(w, q)
	}
	addr := startTestServer(t, "udp", "127.0.0.1:0", handler)
	startTestServer(t, "tcp", addr, handler)
	m := newTestClientManager(t)

	c, err := NewClient("test-truncated", addr, m, ClientOptions{})
	require.NoError(t, err)
	a, err := c.Resolve(testQuestion("example.com."), ClientInfo{})
	require.NoError(t, err)
	require.True(t, a.Truncated)
	require.Empty(t, a.Answer)
	require.NoError(t, c.Close())

	c, err = NewClient("test-fallback", addr, m, ClientOptions{TCPFallback: true})
	require.NoError(t, err)
	a, err = c.Resolve(testQuestion("example.com."), ClientInfo{})
	require.NoError(t, err)
	require.False(t, a.Truncated)
	require.Len(t, a.Answer, 1)
	require.Equal(t, uint16(42), a.Id)
	require.NoError(t, c.Close())
	require.NoError(t, m.Close())
}

func TestClientInvalidOptions(t *testing.T) {
	m := newTestClientManager(t)
	_, err := NewClient("test", "example.com:53", m, ClientOptions{})
	require.Error(t, err)
	_, err = NewClient("test", "127.0.0.1:53", m, ClientOptions{Net: "doh"})
	require.Error(t, err)
	_, err = NewClient("test", "127.0.0.1:53", m, ClientOptions{LocalAddr: net.IP{1, 2}})
	require.Error(t, err)
	require.NoError(t, m.Close())
}
