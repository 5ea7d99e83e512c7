package dispatch

import (
	"fmt"
	"net/netip"
	"strings"
	"sync"
)

// DispatchSet is a group of UDP dispatches sharing one local address that are
// handed out in round-robin order to spread queries over several sockets.
type DispatchSet struct {
	dispatches []*Dispatch
	mu         sync.Mutex
	current    int
}

// NewDispatchSet creates n UDP dispatches for the local address.
func NewDispatchSet(m *Manager, local netip.AddrPort, n int) (*DispatchSet, error) {
	if n < 1 {
		n = 1
	}
	s := &DispatchSet{}
	for i := 0; i < n; i++ {
		d, err := m.CreateUDP(local)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.dispatches = append(s.dispatches, d)
	}
	return s, nil
}

// Get returns the next dispatch of the set with a reference the caller must
// release with Detach. Returns nil if the dispatch was canceled.
func (s *DispatchSet) Get() *Dispatch {
	s.mu.Lock()
	if len(s.dispatches) == 0 {
		s.mu.Unlock()
		return nil
	}
	s.current %= len(s.dispatches)
	d := s.dispatches[s.current]
	s.current = (s.current + 1) % len(s.dispatches)
	s.mu.Unlock()
	if !d.tryRef() {
		return nil
	}
	return d
}

// Len returns the number of dispatches in the set.
func (s *DispatchSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dispatches)
}

// Close releases the set's reference on all its dispatches.
func (s *DispatchSet) Close() {
	s.mu.Lock()
	dispatches := s.dispatches
	s.dispatches = nil
	s.mu.Unlock()
	for _, d := range dispatches {
		d.Detach()
	}
}

func (s *DispatchSet) String() string {
	var names []string
	for _, d := range s.dispatches {
		names = append(names, d.String())
	}
	return fmt.Sprintf("DispatchSet(%s)", strings.Join(names, ";"))
}
