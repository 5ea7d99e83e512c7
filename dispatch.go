package dispatch

import (
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Kind is the transport used by a dispatch.
type Kind int

const (
	// UDP dispatches open one ephemeral socket per entry.
	UDP Kind = iota
	// TCP dispatches multiplex all entries over one shared connection.
	TCP
)

func (k Kind) String() string {
	if k == TCP {
		return "tcp"
	}
	return "udp"
}

// Dispatch is one logical transport endpoint. A UDP dispatch hands out one socket
// per entry bound to its local address, a TCP dispatch carries all of its entries
// over one connection to its peer. Dispatches are reference counted: the caller
// that created or looked up a dispatch holds one reference and releases it with
// Detach, every registered entry holds another until it's released. The socket
// is closed as soon as the last reference is gone.
type Dispatch struct {
	mgr   *Manager
	kind  Kind
	local netip.AddrPort
	peer  netip.AddrPort // TCP only

	mu       sync.Mutex
	state    State
	pending  []*Entry // waiting for the connection
	active   []*Entry // connected and reading, oldest first
	entries  int      // registered and not yet released
	refs     int
	timedout int       // TCP entries that timed out and may still get a late reply
	reading  bool      // TCP read loop running
	armed    time.Time // read deadline of the TCP connection
	conn     Conn      // TCP only

	// Serializes writes on the shared TCP connection.
	wmu sync.Mutex
}

func newDispatch(m *Manager, kind Kind, local, peer netip.AddrPort) *Dispatch {
	return &Dispatch{
		mgr:   m,
		kind:  kind,
		local: local,
		peer:  peer,
		refs:  1,
	}
}

// Kind returns the transport of the dispatch.
func (d *Dispatch) Kind() Kind {
	return d.kind
}

// LocalAddr returns the address the dispatch was created with.
func (d *Dispatch) LocalAddr() netip.AddrPort {
	return d.local
}

// PeerAddr returns the peer of a TCP dispatch. It's invalid for UDP.
func (d *Dispatch) PeerAddr() netip.AddrPort {
	return d.peer
}

// State returns the connection state of a TCP dispatch. UDP dispatches track the
// state per entry and only report "none" or "canceled".
func (d *Dispatch) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Entries returns the number of registered entries that were not yet released.
func (d *Dispatch) Entries() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.entries
}

func (d *Dispatch) String() string {
	if d.kind == TCP {
		return fmt.Sprintf("TCP(%s->%s)", d.local, d.peer)
	}
	return fmt.Sprintf("UDP(%s)", d.local)
}

// Add registers a new entry for a query to peer and assigns it a transaction id
// that is unique for the peer and the local port. For UDP a source port is picked
// from the manager's pool. Failures, including running out of ids or ports, are
// returned immediately and no callback is invoked.
func (d *Dispatch) Add(peer netip.AddrPort, opt EntryOptions) (*Entry, error) {
	peer = unmapAddrPort(peer)
	if !peer.IsValid() {
		return nil, errorf(ErrAddressNotAvailable, "invalid peer address")
	}
	if opt.Timeout <= 0 {
		opt.Timeout = defaultTimeout
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case d.state == StateCanceled || d.refs == 0:
		return nil, errorf(ErrCanceled, "dispatch %s is canceled", d)
	case d.kind == TCP && peer != d.peer:
		return nil, errorf(ErrAddressNotAvailable, "peer %s does not match dispatch %s", peer, d)
	case d.local.Addr().Is4() != peer.Addr().Is4():
		return nil, errorf(ErrAddressNotAvailable, "address family of %s does not match dispatch %s", peer, d)
	}

	e := &Entry{
		disp:    d,
		opt:     opt,
		timeout: opt.Timeout,
		start:   time.Now(),
		peer:    peer,
		local:   d.local,
		port:    d.local.Port(),
	}
	if d.kind == UDP {
		if err := d.setupSocket(e); err != nil {
			return nil, err
		}
	}
	if err := d.mgr.qids.add(e, d.mgr.randomID()); err != nil {
		return nil, err
	}
	d.entries++
	d.refs++
	d.mgr.metrics.register.Add(d.kind.String(), 1)
	entryLogger(e).Trace("entry registered")
	return e, nil
}

// Connect starts connecting the entry. The outcome is reported to OnConnected
// once it's known. UDP entries get their own socket, TCP entries share the
// connection of the dispatch which is opened by the first Connect.
func (d *Dispatch) Connect(e *Entry) error {
	if e.disp != d {
		return errorf(ErrInvalidState, "entry does not belong to dispatch %s", d)
	}
	if d.kind == TCP {
		return d.tcpConnect(e)
	}
	return d.udpConnect(e)
}

// Detach releases the caller's reference on the dispatch.
func (d *Dispatch) Detach() {
	d.unref()
}

// Acquires an additional reference unless the dispatch is already being torn down.
func (d *Dispatch) tryRef() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.refs == 0 || d.state == StateCanceled {
		return false
	}
	d.refs++
	return true
}

// Drops a reference. The last one closes the connection and removes the dispatch
// from the manager.
func (d *Dispatch) unref() {
	d.mu.Lock()
	if d.refs == 0 {
		d.mu.Unlock()
		return
	}
	d.refs--
	if d.refs > 0 {
		d.mu.Unlock()
		return
	}
	d.state = StateCanceled
	d.reading = false
	conn := d.conn
	d.conn = nil
	d.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	Log.WithFields(logrus.Fields{"id": d.mgr.id, "dispatch": d.String()}).Debug("dispatch destroyed")
	d.mgr.destroy(d)
}

// Shutdown cancels the dispatch. Every entry still waiting is resolved with
// ErrShuttingDown and no new entries can be added.
func (d *Dispatch) Shutdown() {
	d.abort(nil, ErrShuttingDown)
}

// Moves the dispatch to the canceled state and resolves every pending and active
// entry with the error. If conn is given, the abort only happens if it's still
// the current connection of the dispatch.
func (d *Dispatch) abort(conn Conn, err error) {
	d.mu.Lock()
	if d.state == StateCanceled || (conn != nil && d.conn != conn) {
		d.mu.Unlock()
		return
	}
	d.state = StateCanceled
	d.reading = false
	if conn == nil {
		conn = d.conn
	}
	d.conn = nil
	var connecting []*Entry
	if d.kind == TCP {
		connecting = d.pending
	}
	entries := make([]*Entry, 0, len(d.pending)+len(d.active))
	entries = append(entries, d.pending...)
	entries = append(entries, d.active...)
	d.pending, d.active = nil, nil
	var sockets []Conn
	for _, e := range entries {
		e.state = StateCanceled
		e.reading = false
		if e.conn != nil {
			sockets = append(sockets, e.conn)
			e.conn = nil
		}
		d.mgr.qids.remove(e)
	}
	d.mu.Unlock()

	Log.WithFields(logrus.Fields{
		"id":       d.mgr.id,
		"dispatch": d.String(),
		"entries":  len(entries),
	}).WithError(err).Debug("dispatch canceled")
	d.mgr.metrics.err.Add(errorKind(err), 1)

	if conn != nil {
		_ = conn.Close()
	}
	for _, c := range sockets {
		_ = c.Close()
	}
	d.mgr.unlist(d)
	for _, e := range connecting {
		e.connected(err)
	}
	for _, e := range entries {
		e.deliver(nil, err)
	}
}

// Removes an entry that's waiting for data and returns it ready for delivery.
// Must be called with the dispatch lock held.
func (d *Dispatch) resolveLocked(e *Entry, msg []byte, err error) resolution {
	e.reading = false
	d.active = removeEntry(d.active, e)
	d.mgr.qids.remove(e)
	return resolution{entry: e, msg: msg, err: err}
}

// An entry together with the outcome that's to be delivered to it once the
// dispatch lock is released.
type resolution struct {
	entry *Entry
	msg   []byte
	err   error
}

func deliverAll(resolved []resolution) {
	for _, r := range resolved {
		r.entry.deliver(r.msg, r.err)
	}
}
