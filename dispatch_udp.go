package dispatch

import (
	"context"
	"net/netip"
	"time"

	"github.com/sirupsen/logrus"
)

// Number of times a new source port is picked for an entry after the previous
// one turned out to be in use.
const maxPortRetries = 5

// Picks the source port for a UDP entry, at random from the manager's pool unless
// the dispatch is bound to a fixed port. Must be called with the dispatch lock held.
func (d *Dispatch) pickPort(e *Entry) (uint16, error) {
	if e.retries > maxPortRetries {
		return 0, errorf(ErrAddressInUse, "no usable source port after %d attempts", e.retries)
	}
	e.retries++
	if port := d.local.Port(); port != 0 {
		return port, nil
	}
	ports := d.mgr.availablePorts(d.local.Addr().Is4())
	if len(ports) == 0 {
		return 0, errorf(ErrResourceExhausted, "no source ports available for %s", d.local.Addr())
	}
	return ports[d.mgr.randomPort(len(ports))], nil
}

// Assigns the initial source address to a new entry. Must be called with the
// dispatch lock held and before the entry is in the qid table.
func (d *Dispatch) setupSocket(e *Entry) error {
	port, err := d.pickPort(e)
	if err != nil {
		return err
	}
	e.local = netip.AddrPortFrom(d.local.Addr(), port)
	e.port = port
	return nil
}

// Picks a new source port for an entry whose previous port was in use and moves
// it in the qid table. Must be called with the dispatch lock held.
func (d *Dispatch) rebindSocket(e *Entry) error {
	port, err := d.pickPort(e)
	if err != nil {
		return err
	}
	if err := d.mgr.qids.rekey(e, port, d.mgr.randomID()); err != nil {
		return err
	}
	e.local = netip.AddrPortFrom(d.local.Addr(), port)
	d.mgr.metrics.portretry.Add(1)
	return nil
}

func (d *Dispatch) udpConnect(e *Entry) error {
	d.mu.Lock()
	if e.state != StateNone {
		state := e.state
		d.mu.Unlock()
		return errorf(ErrInvalidState, "can not connect entry in state %s", state)
	}
	if d.state == StateCanceled {
		d.mu.Unlock()
		return errorf(ErrCanceled, "dispatch %s is canceled", d)
	}
	e.state = StateConnecting
	d.pending = append(d.pending, e)
	local := e.local
	d.mu.Unlock()

	go d.udpDial(e, local)
	return nil
}

// Opens the socket of a UDP entry. A source port that's in use is replaced by
// another one from the pool, any other failure is final for the entry.
func (d *Dispatch) udpDial(e *Entry, local netip.AddrPort) {
	for {
		ctx, cancel := context.WithDeadline(context.Background(), e.deadline())
		conn, err := d.mgr.transport.Dial(ctx, "udp", local, e.peer)
		cancel()
		err = classifyError(err)

		d.mu.Lock()
		if e.state == StateCanceled {
			d.mu.Unlock()
			if conn != nil {
				_ = conn.Close()
			}
			e.connected(errorf(ErrCanceled, "entry canceled while connecting"))
			return
		}
		if err != nil && isPortConflict(err) {
			entryLogger(e).WithError(err).Debug("source port unavailable, picking another")
			if err = d.rebindSocket(e); err == nil {
				local = e.local
				d.mu.Unlock()
				continue
			}
		}
		if err != nil {
			e.state = StateCanceled
			d.pending = removeEntry(d.pending, e)
			d.mgr.qids.remove(e)
			d.mu.Unlock()

			d.mgr.metrics.connfail.Add(1)
			e.connected(err)
			e.deliver(nil, err)
			return
		}
		e.state = StateConnected
		e.reading = true
		e.conn = conn
		d.pending = removeEntry(d.pending, e)
		d.active = append(d.active, e)
		d.mu.Unlock()

		go d.udpRead(e, conn)
		e.connected(nil)
		return
	}
}

// Reads from the socket of a UDP entry until a matching response arrives, the
// deadline passes or the entry is canceled. Anything that doesn't match is
// discarded and the read resumed.
func (d *Dispatch) udpRead(e *Entry, conn Conn) {
	deadline := e.deadline()
	for {
		if !time.Now().Before(deadline) {
			d.udpFinish(e, nil, errorf(ErrTimedOut, "no response from %s", e.peer))
			return
		}
		_ = conn.SetReadDeadline(deadline)
		msg, from, err := conn.ReadMsg()

		d.mu.Lock()
		reading := e.reading
		d.mu.Unlock()
		if !reading { // canceled while reading, the cancellation was already delivered
			return
		}
		if err != nil {
			err = classifyError(err)
			if isTimeout(err) {
				continue
			}
			d.udpFinish(e, nil, err)
			return
		}
		if !d.udpAccept(e, msg, from) {
			continue
		}
		d.udpFinish(e, msg, nil)
		return
	}
}

// Returns true if the datagram is the response the entry is waiting for.
func (d *Dispatch) udpAccept(e *Entry, msg []byte, from netip.AddrPort) bool {
	from = unmapAddrPort(from)
	log := entryLogger(e).WithField("from", from.String())
	if d.mgr.blackholed(from.Addr()) {
		d.mgr.metrics.blackholed.Add(1)
		log.Debug("discarding datagram from blackholed address")
		return false
	}
	h, err := peekHeader(msg)
	if err != nil {
		d.mgr.metrics.mismatch.Add(1)
		log.WithError(err).Debug("discarding malformed datagram")
		return false
	}
	if !h.response {
		d.mgr.metrics.mismatch.Add(1)
		log.Debug("discarding query received on response channel")
		return false
	}
	if h.id != e.id || from != e.peer {
		d.mgr.metrics.mismatch.Add(1)
		log.WithFields(logrus.Fields{"got-qid": h.id}).Debug("discarding mismatched response")
		return false
	}
	return true
}

// Ends the wait of a UDP entry and closes its socket. Does nothing if the entry
// was canceled concurrently.
func (d *Dispatch) udpFinish(e *Entry, msg []byte, err error) {
	d.mu.Lock()
	if !e.reading {
		d.mu.Unlock()
		return
	}
	r := d.resolveLocked(e, msg, err)
	conn := e.conn
	e.conn = nil
	d.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	deliverAll([]resolution{r})
}
