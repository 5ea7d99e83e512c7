package dispatch

import (
	"hash/maphash"
	"net/netip"
	"sync"

	"github.com/pkg/errors"
)

const (
	// Default number of buckets and the probe increment. Both are prime so the
	// probe sequence is spread over all buckets.
	defaultQIDBuckets   = 16411
	defaultQIDIncrement = 16433

	// Number of ids that are tried before giving up on a registration.
	maxQIDProbes = 64
)

// qidTable indexes outstanding entries by (peer address, transaction id, local port).
// It is shared by all dispatches of a manager and safe for concurrent use.
type qidTable struct {
	mu        sync.Mutex
	buckets   [][]*Entry
	increment uint16
	seed      maphash.Seed
	count     int
}

func newQIDTable(buckets, increment uint32) (*qidTable, error) {
	if buckets == 0 || increment == 0 {
		return nil, errors.New("qid table requires a non-zero bucket count and increment")
	}
	if increment > 0xffff {
		return nil, errors.Errorf("qid increment %d exceeds the id space", increment)
	}
	if gcd(buckets, increment) != 1 {
		return nil, errors.Errorf("qid bucket count %d and increment %d are not coprime", buckets, increment)
	}
	// An odd increment is coprime with 2^16 so probing cycles through every id.
	if increment%2 == 0 {
		return nil, errors.Errorf("qid increment %d must be odd", increment)
	}
	return &qidTable{
		buckets:   make([][]*Entry, buckets),
		increment: uint16(increment),
		seed:      maphash.MakeSeed(),
	}, nil
}

// Bucket index for a key. Only the address of the peer is hashed, the port
// of the peer is part of the equality check.
func (t *qidTable) hash(peer netip.AddrPort, id, port uint16) int {
	var h maphash.Hash
	h.SetSeed(t.seed)
	addr := peer.Addr().As16()
	_, _ = h.Write(addr[:])
	v := uint32(h.Sum64())
	v ^= uint32(id)<<16 | uint32(port)
	return int(v % uint32(len(t.buckets)))
}

// Returns the entry registered for the key or nil. Not finding anything is
// normal for stray or late responses.
func (t *qidTable) lookup(peer netip.AddrPort, id, port uint16) *Entry {
	peer = unmapAddrPort(peer)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.search(peer, id, port, t.hash(peer, id, port))
}

func (t *qidTable) search(peer netip.AddrPort, id, port uint16, bucket int) *Entry {
	for _, e := range t.buckets[bucket] {
		if e.id == id && e.port == port && e.peer == peer {
			return e
		}
	}
	return nil
}

// Assigns a transaction id that is unique for the entry's peer and local port
// and inserts the entry. Probing starts at the given id and advances by the
// table increment.
func (t *qidTable) add(e *Entry, start uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e.inTable {
		t.unlink(e)
	}
	return t.insert(e, start)
}

func (t *qidTable) insert(e *Entry, start uint16) error {
	id := start
	for i := 0; i < maxQIDProbes; i++ {
		bucket := t.hash(e.peer, id, e.port)
		if t.search(e.peer, id, e.port, bucket) == nil {
			e.id = id
			e.bucket = bucket
			e.inTable = true
			t.buckets[bucket] = append(t.buckets[bucket], e)
			t.count++
			return nil
		}
		id += t.increment
	}
	return errors.Wrapf(ErrResourceExhausted, "no free transaction id for %s", e.peer)
}

// Moves an entry to a new local port. The current id is kept if it is still
// unique, otherwise a new one is probed for starting at the given id.
func (t *qidTable) rekey(e *Entry, port uint16, start uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e.inTable {
		t.unlink(e)
	}
	e.port = port
	bucket := t.hash(e.peer, e.id, port)
	if t.search(e.peer, e.id, port, bucket) == nil {
		e.bucket = bucket
		e.inTable = true
		t.buckets[bucket] = append(t.buckets[bucket], e)
		t.count++
		return nil
	}
	return t.insert(e, start)
}

// Removes the entry from the table. Removing an entry that isn't in the table
// is a no-op.
func (t *qidTable) remove(e *Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e.inTable {
		t.unlink(e)
	}
}

func (t *qidTable) unlink(e *Entry) {
	list := t.buckets[e.bucket]
	for i, item := range list {
		if item == e {
			t.buckets[e.bucket] = append(list[:i], list[i+1:]...)
			t.count--
			break
		}
	}
	e.inTable = false
}

// Number of entries in the table.
func (t *qidTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

func gcd(a, b uint32) uint32 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// Converts IPv4-mapped IPv6 addresses to plain IPv4 so they compare equal.
func unmapAddrPort(a netip.AddrPort) netip.AddrPort {
	if !a.IsValid() {
		return a
	}
	return netip.AddrPortFrom(a.Addr().Unmap(), a.Port())
}
