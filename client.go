package dispatch

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Client is a plain DNS resolver for UDP or TCP that sends its queries through a
// dispatch manager. UDP queries are spread over a set of dispatches with one
// socket per query, TCP queries share a connection to the upstream server for as
// long as it has queries in flight.
type Client struct {
	id       string
	endpoint netip.AddrPort
	local    netip.AddrPort
	mgr      *Manager
	opt      ClientOptions
	set      *DispatchSet
}

var _ Resolver = &Client{}

// ClientOptions contains options used by the dispatch client.
type ClientOptions struct {
	// Protocol, "udp" or "tcp". Defaults to "udp".
	Net string

	// Local IP to use for outbound connections. If nil, a local address is chosen.
	LocalAddr net.IP

	// Time to wait for a response. Defaults to 2 seconds.
	QueryTimeout time.Duration

	// Number of UDP dispatches the queries are spread over. Defaults to 1.
	UDPDispatches int

	// Repeat the query over TCP if a UDP response is truncated.
	TCPFallback bool
}

// NewClient returns a new client sending queries to endpoint which has to be
// in the form <ip>:<port>.
func NewClient(id, endpoint string, mgr *Manager, opt ClientOptions) (*Client, error) {
	peer, err := netip.ParseAddrPort(endpoint)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid endpoint '%s'", endpoint)
	}
	peer = unmapAddrPort(peer)
	switch opt.Net {
	case "":
		opt.Net = "udp"
	case "udp", "tcp":
	default:
		return nil, fmt.Errorf("unsupported protocol '%s'", opt.Net)
	}
	if opt.QueryTimeout == 0 {
		opt.QueryTimeout = defaultTimeout
	}
	local := netip.AddrPortFrom(unspecified(peer.Addr()), 0)
	if opt.LocalAddr != nil {
		addr, ok := netip.AddrFromSlice(opt.LocalAddr)
		if !ok {
			return nil, fmt.Errorf("invalid local address '%s'", opt.LocalAddr)
		}
		local = netip.AddrPortFrom(addr.Unmap(), 0)
	}
	c := &Client{
		id:       id,
		endpoint: peer,
		local:    local,
		mgr:      mgr,
		opt:      opt,
	}
	if opt.Net == "udp" {
		c.set, err = NewDispatchSet(mgr, local, opt.UDPDispatches)
		if err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Resolve a DNS query.
func (c *Client) Resolve(q *dns.Msg, ci ClientInfo) (*dns.Msg, error) {
	log := logger(c.id, q, ci)
	log.WithFields(logrus.Fields{"resolver": c.endpoint.String(), "protocol": c.opt.Net}).Debug("querying upstream resolver")

	a, err := c.exchange(q, c.opt.Net)
	if err != nil || a == nil {
		return a, err
	}
	if a.Truncated && c.opt.Net == "udp" && c.opt.TCPFallback {
		log.WithField("resolver", c.endpoint.String()).Debug("truncated response, retrying over tcp")
		a, err = c.exchange(q, "tcp")
	}
	return a, err
}

// Close releases the dispatches of the client.
func (c *Client) Close() error {
	if c.set != nil {
		c.set.Close()
	}
	return nil
}

func (c *Client) String() string {
	return c.id
}

type exchangeResult struct {
	msg []byte
	err error
}

// Sends one query over the given protocol and waits for the response.
func (c *Client) exchange(q *dns.Msg, network string) (*dns.Msg, error) {
	buf, err := q.Pack()
	if err != nil {
		return nil, errors.Wrap(err, "failed to pack query")
	}
	d, err := c.dispatch(network)
	if err != nil {
		return nil, err
	}
	defer d.Detach()

	done := make(chan exchangeResult, 1)
	e, err := d.Add(c.endpoint, EntryOptions{
		Timeout: c.opt.QueryTimeout,
		OnConnected: func(e *Entry, err error) {
			if err != nil { // reported to OnResponse as well
				return
			}
			// The id is final once connected, stamp it into the packed query
			binary.BigEndian.PutUint16(buf, e.ID())
			_ = e.Send(buf)
		},
		OnResponse: func(e *Entry, msg []byte, err error) {
			done <- exchangeResult{msg: msg, err: err}
		},
	})
	if err != nil {
		return nil, err
	}
	defer e.Release()
	if err := d.Connect(e); err != nil {
		return nil, err
	}

	res := <-done
	if res.err != nil {
		if isTimeout(res.err) {
			return nil, QueryTimeoutError{q}
		}
		return nil, res.err
	}
	a := new(dns.Msg)
	if err := a.Unpack(res.msg); err != nil {
		return nil, errors.Wrap(err, "failed to unpack response")
	}
	// Double check this really is the response to the query
	if len(a.Question) > 0 && len(q.Question) > 0 {
		qq := q.Question[0]
		aq := a.Question[0]
		if !equalName(aq.Name, qq.Name) || aq.Qclass != qq.Qclass || aq.Qtype != qq.Qtype {
			return nil, fmt.Errorf("expected answer for %s, got %s", qq.String(), aq.String())
		}
	}
	a.Id = q.Id
	return a, nil
}

// Returns a dispatch, with a reference for the caller, for the protocol.
func (c *Client) dispatch(network string) (*Dispatch, error) {
	if network == "tcp" {
		if d := c.mgr.FindReusableTCP(c.endpoint, c.local); d != nil {
			return d, nil
		}
		return c.mgr.CreateTCP(c.local, c.endpoint)
	}
	if d := c.set.Get(); d != nil {
		return d, nil
	}
	return nil, errorf(ErrShuttingDown, "no usable udp dispatch in %s", c.id)
}

func equalName(a, b string) bool {
	return dns.CanonicalName(a) == dns.CanonicalName(b)
}
