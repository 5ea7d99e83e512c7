package dispatch

import (
	"net/netip"
	"sync/atomic"
	"time"
)

// Default time an entry waits for its response.
const defaultTimeout = 2 * time.Second

// State of a dispatch or an entry.
type State int

const (
	StateNone State = iota
	StateConnecting
	StateConnected
	StateCanceled
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateCanceled:
		return "canceled"
	}
	return "unknown"
}

// EntryOptions hold the timeout and callbacks of an entry. All callbacks are
// optional and are invoked without any dispatch lock held, so they may call back
// into the entry.
type EntryOptions struct {
	// Time to wait for the response, counted from registration. Defaults to 2s.
	Timeout time.Duration

	// Called once the connection for the entry is established, or failed.
	OnConnected func(e *Entry, err error)

	// Called with the result of every Send.
	OnSent func(e *Entry, err error)

	// Called exactly once with either the response or the error that ended
	// the wait (timeout, cancellation or a connection failure).
	OnResponse func(e *Entry, msg []byte, err error)

	// Opaque value available to the callbacks through Arg().
	Arg interface{}
}

// Entry is one outstanding query on a dispatch. It's created by Dispatch.Add and
// must be released with Release once the caller is done with it.
type Entry struct {
	disp    *Dispatch
	opt     EntryOptions
	timeout time.Duration
	start   time.Time

	// Key in the qid table, protected by the table lock. The id and port only
	// change before the entry is connected.
	id      uint16
	port    uint16
	peer    netip.AddrPort
	bucket  int
	inTable bool

	// Protected by the dispatch lock.
	local    netip.AddrPort
	state    State
	reading  bool
	retries  int
	conn     Conn // UDP only, the entry's own socket
	released bool

	delivered int32
}

// ID returns the transaction id assigned to the entry. It is final once the
// entry is connected.
func (e *Entry) ID() uint16 {
	e.disp.mu.Lock()
	defer e.disp.mu.Unlock()
	return e.id
}

// LocalAddr returns the source address of the entry.
func (e *Entry) LocalAddr() netip.AddrPort {
	e.disp.mu.Lock()
	defer e.disp.mu.Unlock()
	return e.local
}

// PeerAddr returns the address the response is expected from.
func (e *Entry) PeerAddr() netip.AddrPort {
	return e.peer
}

// State returns the connection state of the entry.
func (e *Entry) State() State {
	e.disp.mu.Lock()
	defer e.disp.mu.Unlock()
	return e.state
}

// Retries returns how many times a source port was picked for the entry.
func (e *Entry) Retries() int {
	e.disp.mu.Lock()
	defer e.disp.mu.Unlock()
	return e.retries
}

// Arg returns the opaque value given at registration.
func (e *Entry) Arg() interface{} {
	return e.opt.Arg
}

// Dispatch returns the dispatch the entry is registered on.
func (e *Entry) Dispatch() *Dispatch {
	return e.disp
}

// Time at which the entry times out.
func (e *Entry) deadline() time.Time {
	return e.start.Add(e.timeout)
}

// Send writes a message to the peer. The entry must be connected. The result is
// reported to OnSent, a failed write cancels the entry with the write error. A
// send is never retried.
func (e *Entry) Send(msg []byte) error {
	d := e.disp
	d.mu.Lock()
	if e.state != StateConnected {
		state := e.state
		d.mu.Unlock()
		return errorf(ErrInvalidState, "can not send on entry in state %s", state)
	}
	conn := e.conn
	if d.kind == TCP {
		conn = d.conn
	}
	d.mu.Unlock()
	if conn == nil {
		return errorf(ErrCanceled, "connection for entry is closed")
	}

	go func() {
		if d.kind == TCP {
			d.wmu.Lock()
			defer d.wmu.Unlock()
		}
		err := conn.WriteMsg(msg)
		if err != nil {
			err = classifyError(err)
			entryLogger(e).WithError(err).Debug("failed to send query")
			e.sent(err)
			e.cancel(err)
			return
		}
		entryLogger(e).WithField("bytes", len(msg)).Trace("query sent")
		e.sent(nil)
	}()
	return nil
}

// Cancel stops waiting for a response. If nothing was delivered yet, OnResponse
// is called with ErrCanceled. Canceling more than once is a no-op.
func (e *Entry) Cancel() {
	e.cancel(ErrCanceled)
}

// Release cancels the entry if it's still waiting and detaches it from its
// dispatch. The entry must not be used afterwards.
func (e *Entry) Release() {
	e.cancel(ErrCanceled)

	d := e.disp
	d.mu.Lock()
	if e.released {
		d.mu.Unlock()
		return
	}
	e.released = true
	d.entries--
	d.mu.Unlock()
	d.unref()
}

// Cancels the entry with the given cause. On UDP the entry's socket is closed
// which interrupts its read, on TCP the shared read carries on without it.
func (e *Entry) cancel(cause error) {
	d := e.disp
	d.mu.Lock()
	if e.state == StateCanceled {
		d.mu.Unlock()
		return
	}
	// A UDP entry learns about it from its own dial, a TCP one isn't dialing.
	waiting := d.kind == TCP && e.state == StateConnecting
	e.state = StateCanceled
	e.reading = false
	d.pending = removeEntry(d.pending, e)
	d.active = removeEntry(d.active, e)
	conn := e.conn
	e.conn = nil
	d.mgr.qids.remove(e)
	d.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if waiting {
		e.connected(cause)
	}
	e.deliver(nil, cause)
}

// Reports the end of the wait to the caller. Only the first call has an effect.
func (e *Entry) deliver(msg []byte, err error) {
	if !atomic.CompareAndSwapInt32(&e.delivered, 0, 1) {
		return
	}
	m := e.disp.mgr.metrics
	log := entryLogger(e)
	switch {
	case err == nil:
		m.response.Add(1)
		log.WithField("bytes", len(msg)).Debug("response received")
	case isTimeout(err):
		m.timeout.Add(1)
		log.Debug("query timed out")
	case isCanceled(err):
		m.canceled.Add(1)
		log.Debug("query canceled")
	default:
		log.WithError(err).Debug("query failed")
	}
	if e.opt.OnResponse != nil {
		e.opt.OnResponse(e, msg, err)
	}
}

func (e *Entry) connected(err error) {
	if err != nil {
		entryLogger(e).WithError(err).Debug("failed to connect")
	}
	if e.opt.OnConnected != nil {
		e.opt.OnConnected(e, err)
	}
}

func (e *Entry) sent(err error) {
	if e.opt.OnSent != nil {
		e.opt.OnSent(e, err)
	}
}

// Removes an entry from a list while keeping the order of the others.
func removeEntry(list []*Entry, e *Entry) []*Entry {
	for i, item := range list {
		if item == e {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
