package dispatch

import (
	"context"
	"encoding/binary"
	"net"
	"net/netip"
	"time"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
)

// Transport opens connections on behalf of dispatches. Implementations must be
// safe for concurrent use.
type Transport interface {
	// Dial opens a "udp" or "tcp" connection from local to peer. A local port of 0
	// lets the system pick one.
	Dial(ctx context.Context, network string, local, peer netip.AddrPort) (Conn, error)

	// CheckAddr returns an error if the local address can not be bound.
	CheckAddr(addr netip.Addr) error
}

// Conn is a connection returned by a Transport. For UDP every ReadMsg returns one
// datagram, for TCP one length-prefixed message. Only one goroutine reads from a
// Conn at any time while writes may happen concurrently.
type Conn interface {
	// ReadMsg returns the next message and the address it was received from. A
	// timeout is reported as ErrTimedOut.
	ReadMsg() ([]byte, netip.AddrPort, error)

	// WriteMsg sends a message.
	WriteMsg([]byte) error

	// SetReadDeadline arms the timeout for reads. A zero time clears it, a time in
	// the past interrupts a pending read.
	SetReadDeadline(time.Time) error

	LocalAddr() netip.AddrPort
	RemoteAddr() netip.AddrPort
	Close() error
}

// NetTransport is a Transport using the network stack of the system.
type NetTransport struct {
	// Optional, used to establish connections.
	Dialer *net.Dialer
}

var _ Transport = &NetTransport{}

// Dial opens a connection with the given source address. Errors are mapped to
// the canonical error kinds so that port conflicts can be retried.
func (t *NetTransport) Dial(ctx context.Context, network string, local, peer netip.AddrPort) (Conn, error) {
	d := t.dialer()
	switch network {
	case "udp":
		d.LocalAddr = net.UDPAddrFromAddrPort(local)
	case "tcp":
		d.LocalAddr = net.TCPAddrFromAddrPort(local)
	default:
		return nil, errors.Errorf("unsupported network '%s'", network)
	}
	c, err := d.DialContext(ctx, network, peer.String())
	if err != nil {
		return nil, classifyError(err)
	}
	return &netConn{conn: &dns.Conn{Conn: c}, stream: network == "tcp"}, nil
}

// CheckAddr binds a UDP socket to the address to see if it's usable.
func (t *NetTransport) CheckAddr(addr netip.Addr) error {
	c, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(netip.AddrPortFrom(addr, 0)))
	if err != nil {
		return classifyError(err)
	}
	return c.Close()
}

func (t *NetTransport) dialer() net.Dialer {
	if t.Dialer != nil {
		return *t.Dialer
	}
	return net.Dialer{}
}

// Connection using the framing of miekg/dns, plain datagrams for UDP and
// 2-byte length prefixed messages for TCP. Writes go through dns.Conn, TCP reads
// are framed here so that a frame interrupted by the read deadline is resumed by
// the next ReadMsg instead of being lost.
type netConn struct {
	conn   *dns.Conn
	stream bool

	// UDP receive buffer
	buf []byte

	// Partially received TCP frame
	prefix [2]byte
	plen   int
	body   []byte
	blen   int
}

var _ Conn = &netConn{}

func (c *netConn) ReadMsg() ([]byte, netip.AddrPort, error) {
	if c.stream {
		msg, err := c.readFrame()
		if err != nil {
			return nil, netip.AddrPort{}, classifyError(err)
		}
		return msg, c.RemoteAddr(), nil
	}
	if c.buf == nil {
		c.buf = make([]byte, dns.MaxMsgSize)
	}
	n, err := c.conn.Read(c.buf)
	if err != nil {
		return nil, netip.AddrPort{}, classifyError(err)
	}
	// The socket is connected, anything received came from the peer.
	return append([]byte(nil), c.buf[:n]...), c.RemoteAddr(), nil
}

// Reads one length-prefixed message. Whatever was read before an error is kept
// and the next call continues from there.
func (c *netConn) readFrame() ([]byte, error) {
	for c.plen < len(c.prefix) {
		n, err := c.conn.Conn.Read(c.prefix[c.plen:])
		c.plen += n
		if err != nil && c.plen < len(c.prefix) {
			return nil, err
		}
	}
	if c.body == nil {
		c.body = make([]byte, binary.BigEndian.Uint16(c.prefix[:]))
	}
	for c.blen < len(c.body) {
		n, err := c.conn.Conn.Read(c.body[c.blen:])
		c.blen += n
		if err != nil && c.blen < len(c.body) {
			return nil, err
		}
	}
	msg := c.body
	c.plen, c.blen, c.body = 0, 0, nil
	return msg, nil
}

func (c *netConn) WriteMsg(b []byte) error {
	_, err := c.conn.Write(b)
	return classifyError(err)
}

func (c *netConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *netConn) LocalAddr() netip.AddrPort {
	return addrPort(c.conn.LocalAddr())
}

func (c *netConn) RemoteAddr() netip.AddrPort {
	return addrPort(c.conn.RemoteAddr())
}

func (c *netConn) Close() error {
	return c.conn.Close()
}

func addrPort(a net.Addr) netip.AddrPort {
	switch addr := a.(type) {
	case *net.UDPAddr:
		return unmapAddrPort(addr.AddrPort())
	case *net.TCPAddr:
		return unmapAddrPort(addr.AddrPort())
	}
	return netip.AddrPort{}
}
