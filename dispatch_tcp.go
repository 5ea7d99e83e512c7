package dispatch

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

func (d *Dispatch) tcpConnect(e *Entry) error {
	d.mu.Lock()
	if e.state != StateNone {
		state := e.state
		d.mu.Unlock()
		return errorf(ErrInvalidState, "can not connect entry in state %s", state)
	}
	switch d.state {
	case StateNone:
		d.state = StateConnecting
		e.state = StateConnecting
		d.pending = append(d.pending, e)
		d.mu.Unlock()
		go d.tcpDial()
		return nil
	case StateConnecting:
		e.state = StateConnecting
		d.pending = append(d.pending, e)
		d.mu.Unlock()
		return nil
	case StateConnected:
		// Join the connection, the running read picks the entry up.
		e.state = StateConnected
		e.reading = true
		d.active = append(d.active, e)
		start := d.startReadLocked()
		conn := d.conn
		if !start && e.deadline().Before(d.armed) {
			// The running read has to wake up earlier for this one
			d.armed = e.deadline()
			_ = conn.SetReadDeadline(d.armed)
		}
		d.mu.Unlock()
		if start {
			go d.tcpRead(conn)
		}
		e.connected(nil)
		return nil
	}
	d.mu.Unlock()
	return errorf(ErrCanceled, "dispatch %s is canceled", d)
}

// Marks the read loop as running if it isn't yet and there's something to read
// for. Returns true if the caller has to start it. Must be called with the
// dispatch lock held.
func (d *Dispatch) startReadLocked() bool {
	if d.reading || len(d.active) == 0 {
		return false
	}
	d.reading = true
	return true
}

// Opens the shared connection and resolves every entry that's waiting for it.
// On failure the dispatch goes back to "none" so a later Connect tries again.
func (d *Dispatch) tcpDial() {
	d.mu.Lock()
	deadline := time.Now().Add(defaultTimeout)
	for _, e := range d.pending {
		if e.deadline().After(deadline) {
			deadline = e.deadline()
		}
	}
	d.mu.Unlock()

	log := Log.WithFields(logrus.Fields{"id": d.mgr.id, "dispatch": d.String()})
	log.Debug("opening tcp connection")
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	conn, err := d.mgr.transport.Dial(ctx, "tcp", d.local, d.peer)
	cancel()
	err = classifyError(err)

	d.mu.Lock()
	if d.state != StateConnecting { // canceled while connecting
		d.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	pending := d.pending
	d.pending = nil
	if err != nil {
		d.state = StateNone
		for _, e := range pending {
			e.state = StateCanceled
			d.mgr.qids.remove(e)
		}
		d.mu.Unlock()

		log.WithError(err).Debug("failed to open tcp connection")
		d.mgr.metrics.connfail.Add(1)
		for _, e := range pending {
			e.connected(err)
			e.deliver(nil, err)
		}
		return
	}
	d.conn = conn
	d.state = StateConnected
	for _, e := range pending {
		e.state = StateConnected
		e.reading = true
		d.active = append(d.active, e)
	}
	start := d.startReadLocked()
	d.mu.Unlock()

	log.WithField("local", conn.LocalAddr().String()).Debug("tcp connection established")
	if start {
		go d.tcpRead(conn)
	}
	for _, e := range pending {
		e.connected(nil)
	}
}

// Read loop of a TCP dispatch. There is never more than one read outstanding on
// the connection. The loop ends when no entry is left waiting or the connection
// fails.
func (d *Dispatch) tcpRead(conn Conn) {
	for {
		d.mu.Lock()
		if d.conn != conn || d.state != StateConnected {
			d.mu.Unlock()
			return
		}
		resolved := d.sweepLocked(time.Now())
		if len(d.active) == 0 {
			d.reading = false
			d.mu.Unlock()
			deliverAll(resolved)
			return
		}
		d.armed = d.nextDeadlineLocked()
		_ = conn.SetReadDeadline(d.armed)
		d.mu.Unlock()
		deliverAll(resolved)

		msg, _, err := conn.ReadMsg()
		if !d.tcpProcess(conn, msg, err) {
			return
		}
	}
}

// Handles the result of one read. Returns false if the read loop has to stop.
func (d *Dispatch) tcpProcess(conn Conn, msg []byte, err error) bool {
	now := time.Now()
	d.mu.Lock()
	if d.conn != conn || d.state != StateConnected {
		d.mu.Unlock()
		return false
	}
	var resolved []resolution
	if err != nil {
		err = classifyError(err)
		if !isTimeout(err) {
			d.mu.Unlock()
			d.abort(conn, err)
			return false
		}
		// Expired entries are picked up by the sweep below
	} else {
		h, perr := peekHeader(msg)
		if perr != nil {
			d.mu.Unlock()
			d.abort(conn, errorf(ErrConnectionReset, "unexpected data from %s: %v", d.peer, perr))
			return false
		}
		resolved = d.tcpMatchLocked(h, msg)
	}
	resolved = append(resolved, d.sweepLocked(now)...)
	d.mu.Unlock()
	deliverAll(resolved)
	return true
}

// Matches a message to an active entry. Messages that don't match anything are
// discarded, unless they are the late reply to an entry that already timed out.
// Must be called with the dispatch lock held.
func (d *Dispatch) tcpMatchLocked(h msgHeader, msg []byte) []resolution {
	log := Log.WithFields(logrus.Fields{"id": d.mgr.id, "dispatch": d.String(), "qid": h.id})
	if !h.response {
		d.mgr.metrics.mismatch.Add(1)
		log.Debug("discarding query received on response channel")
		return nil
	}
	e := d.mgr.qids.lookup(d.peer, h.id, d.local.Port())
	if e == nil || e.disp != d || !e.reading {
		if d.timedout > 0 {
			d.timedout--
			d.mgr.metrics.late.Add(1)
			log.Debug("late reply for timed out query")
			return nil
		}
		d.mgr.metrics.mismatch.Add(1)
		log.Debug("discarding response with unknown id")
		return nil
	}
	return []resolution{d.resolveLocked(e, msg, nil)}
}

// Returns the earliest deadline of the active entries. Must be called with the
// dispatch lock held and at least one active entry.
func (d *Dispatch) nextDeadlineLocked() time.Time {
	deadline := d.active[0].deadline()
	for _, e := range d.active[1:] {
		if e.deadline().Before(deadline) {
			deadline = e.deadline()
		}
	}
	return deadline
}

// Resolves every active entry whose deadline has passed. Must be called with the
// dispatch lock held.
func (d *Dispatch) sweepLocked(now time.Time) []resolution {
	var resolved []resolution
	for _, e := range append([]*Entry(nil), d.active...) {
		if now.Before(e.deadline()) {
			continue
		}
		d.timedout++
		resolved = append(resolved, d.resolveLocked(e, nil, errorf(ErrTimedOut, "no response from %s", d.peer)))
	}
	return resolved
}
