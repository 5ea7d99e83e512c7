package dispatch

import (
	"math/rand"
	"net/netip"
	"sync"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
)

// ManagerOptions contain settings for a dispatch manager.
type ManagerOptions struct {
	// Transport used to open connections. Defaults to the system network stack.
	Transport Transport

	// Responses from addresses matching the blackhole are discarded. Optional.
	Blackhole Blackhole

	// Source ports UDP entries pick from, per address family. Defaults to 1024-65535.
	V4Ports []uint16
	V6Ports []uint16

	// Number of buckets in the transaction id table and the increment used when
	// probing for a free id. They must be coprime and the increment odd.
	QIDBuckets   uint32
	QIDIncrement uint32
}

// Manager owns the transaction id table shared by all its dispatches, the pools
// of UDP source ports and the directory of TCP dispatches that can be reused.
// A resolver typically uses a single manager.
type Manager struct {
	id        string
	transport Transport
	blackhole Blackhole
	qids      *qidTable
	metrics   *ManagerMetrics

	mu     sync.Mutex
	list   []*Dispatch // TCP dispatches available for reuse
	live   map[*Dispatch]struct{}
	closed bool

	portsMu sync.RWMutex
	v4ports []uint16
	v6ports []uint16

	randomID   func() uint16
	randomPort func(n int) int
}

// NewManager returns a new dispatch manager.
func NewManager(id string, opt ManagerOptions) (*Manager, error) {
	if opt.QIDBuckets == 0 {
		opt.QIDBuckets = defaultQIDBuckets
	}
	if opt.QIDIncrement == 0 {
		opt.QIDIncrement = defaultQIDIncrement
	}
	qids, err := newQIDTable(opt.QIDBuckets, opt.QIDIncrement)
	if err != nil {
		return nil, err
	}
	if opt.Transport == nil {
		opt.Transport = new(NetTransport)
	}
	if opt.V4Ports == nil {
		opt.V4Ports = portRange(1024, 65535)
	}
	if opt.V6Ports == nil {
		opt.V6Ports = portRange(1024, 65535)
	}
	m := &Manager{
		id:         id,
		transport:  opt.Transport,
		blackhole:  opt.Blackhole,
		qids:       qids,
		metrics:    newManagerMetrics(id),
		live:       make(map[*Dispatch]struct{}),
		randomID:   dns.Id,
		randomPort: rand.Intn,
	}
	m.SetAvailablePorts(opt.V4Ports, opt.V6Ports)
	return m, nil
}

// CreateUDP returns a new UDP dispatch for the local address, which must be either
// a wildcard address or one that can be bound. With a port of 0 every entry gets
// a random source port from the pool. UDP dispatches are not published for reuse.
func (m *Manager) CreateUDP(local netip.AddrPort) (*Dispatch, error) {
	local = unmapAddrPort(local)
	if !local.IsValid() {
		return nil, errorf(ErrAddressNotAvailable, "invalid local address")
	}
	if !local.Addr().IsUnspecified() {
		if err := m.transport.CheckAddr(local.Addr()); err != nil {
			return nil, errorf(ErrAddressNotAvailable, "local address %s is not usable: %v", local.Addr(), err)
		}
	}
	d := newDispatch(m, UDP, local, netip.AddrPort{})
	if err := m.register(d, false); err != nil {
		return nil, err
	}
	return d, nil
}

// CreateTCP returns a new TCP dispatch to peer and adds it to the directory of
// reusable connections. An invalid local address means any address.
func (m *Manager) CreateTCP(local, peer netip.AddrPort) (*Dispatch, error) {
	peer = unmapAddrPort(peer)
	if !peer.IsValid() {
		return nil, errorf(ErrAddressNotAvailable, "invalid peer address")
	}
	local = unmapAddrPort(local)
	if !local.IsValid() {
		local = netip.AddrPortFrom(unspecified(peer.Addr()), 0)
	}
	d := newDispatch(m, TCP, local, peer)
	if err := m.register(d, true); err != nil {
		return nil, err
	}
	return d, nil
}

// FindReusableTCP looks for a TCP dispatch to peer that's either connected with
// at least one active entry, or connecting with at least one pending entry. A
// connected one is preferred. If local is valid, the dispatch must have the same
// local address (and port unless it is 0). The returned dispatch carries a
// reference for the caller that must be released with Detach.
func (m *Manager) FindReusableTCP(peer, local netip.AddrPort) *Dispatch {
	peer = unmapAddrPort(peer)
	local = unmapAddrPort(local)

	m.mu.Lock()
	defer m.mu.Unlock()
	var connecting *Dispatch
	for _, d := range m.list {
		if d.peer != peer {
			continue
		}
		if local.IsValid() && (d.local.Addr() != local.Addr() || (local.Port() != 0 && d.local.Port() != local.Port())) {
			continue
		}
		d.mu.Lock()
		switch {
		case d.state == StateConnected && len(d.active) > 0 && d.refs > 0:
			d.refs++
			d.mu.Unlock()
			return d
		case d.state == StateConnecting && len(d.pending) > 0 && connecting == nil:
			connecting = d
		}
		d.mu.Unlock()
	}
	if connecting != nil && connecting.tryRef() {
		return connecting
	}
	return nil
}

// SetAvailablePorts replaces the pools of UDP source ports. Sockets that are open
// already keep their port. Port 0 is ignored.
func (m *Manager) SetAvailablePorts(v4, v6 []uint16) {
	v4 = filterPorts(v4)
	v6 = filterPorts(v6)
	m.portsMu.Lock()
	defer m.portsMu.Unlock()
	m.v4ports = v4
	m.v6ports = v6
}

// Dispatches returns the number of dispatches that haven't been destroyed yet.
func (m *Manager) Dispatches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// Shutdown cancels every dispatch of the manager. All entries still waiting are
// resolved with ErrShuttingDown. Dispatches still need to be detached by their
// owners before the manager can be closed.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	dispatches := make([]*Dispatch, 0, len(m.live))
	for d := range m.live {
		dispatches = append(dispatches, d)
	}
	m.mu.Unlock()

	Log.WithFields(logrus.Fields{"id": m.id, "dispatches": len(dispatches)}).Debug("shutting down dispatch manager")
	for _, d := range dispatches {
		d.Shutdown()
	}
}

// Close destroys the manager. It fails with ErrDispatchesRemain as long as any
// dispatch is alive.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := len(m.live); n > 0 {
		return errorf(ErrDispatchesRemain, "%d dispatches still alive", n)
	}
	m.closed = true
	return nil
}

func (m *Manager) String() string {
	return m.id
}

func (m *Manager) register(d *Dispatch, publish bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errorf(ErrShuttingDown, "manager %s is closed", m.id)
	}
	m.live[d] = struct{}{}
	if publish {
		m.list = append(m.list, d)
	}
	m.metrics.dispatches.Add(1)
	Log.WithFields(logrus.Fields{"id": m.id, "dispatch": d.String()}).Debug("dispatch created")
	return nil
}

// Removes a dispatch from the directory so it's no longer offered for reuse.
func (m *Manager) unlist(d *Dispatch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unlistLocked(d)
}

func (m *Manager) unlistLocked(d *Dispatch) {
	for i, item := range m.list {
		if item == d {
			m.list = append(m.list[:i], m.list[i+1:]...)
			return
		}
	}
}

// Forgets a dispatch after its last reference was released.
func (m *Manager) destroy(d *Dispatch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unlistLocked(d)
	if _, ok := m.live[d]; ok {
		delete(m.live, d)
		m.metrics.dispatches.Add(-1)
	}
}

func (m *Manager) availablePorts(v4 bool) []uint16 {
	m.portsMu.RLock()
	defer m.portsMu.RUnlock()
	if v4 {
		return m.v4ports
	}
	return m.v6ports
}

func (m *Manager) blackholed(addr netip.Addr) bool {
	if m.blackhole == nil {
		return false
	}
	_, ok := m.blackhole.Match(addr.AsSlice())
	return ok
}

// Returns the list of ports from lo to hi, inclusive.
func portRange(lo, hi uint16) []uint16 {
	if hi < lo {
		return nil
	}
	ports := make([]uint16, 0, int(hi)-int(lo)+1)
	for p := int(lo); p <= int(hi); p++ {
		ports = append(ports, uint16(p))
	}
	return ports
}

func filterPorts(ports []uint16) []uint16 {
	filtered := make([]uint16, 0, len(ports))
	for _, p := range ports {
		if p != 0 {
			filtered = append(filtered, p)
		}
	}
	return filtered
}

func unspecified(a netip.Addr) netip.Addr {
	if a.Is4() {
		return netip.IPv4Unspecified()
	}
	return netip.IPv6Unspecified()
}
