package dispatch

import (
	"errors"
	"sync/atomic"

	"github.com/miekg/dns"
)

// TestResolver answers queries with a fixed A record unless a custom function
// is set, and counts how often it was called.
type TestResolver struct {
	ResolveFunc func(*dns.Msg, ClientInfo) (*dns.Msg, error)
	hitCount    uint64
}

var _ Resolver = &TestResolver{}

func (r *TestResolver) Resolve(q *dns.Msg, ci ClientInfo) (*dns.Msg, error) {
	atomic.AddUint64(&r.hitCount, 1)
	if r.ResolveFunc != nil {
		return r.ResolveFunc(q, ci)
	}
	if len(q.Question) == 0 {
		return nil, errors.New("no question in query")
	}
	a := new(dns.Msg)
	a.SetReply(q)
	a.Answer = []dns.RR{
		&dns.A{
			Hdr: dns.RR_Header{
				Name:   q.Question[0].Name,
				Rrtype: dns.TypeA,
				Class:  dns.ClassINET,
				Ttl:    3600,
			},
			A: []byte{127, 0, 0, 1},
		},
	}
	return a, nil
}

func (r *TestResolver) HitCount() int {
	return int(atomic.LoadUint64(&r.hitCount))
}

func (r *TestResolver) String() string {
	return "TestResolver()"
}
