package dispatch

import (
	"net"
	"net/netip"
	"strings"

	"github.com/pkg/errors"
)

// Blackhole decides whether traffic from an address must be ignored. Match returns
// the rule that matched.
type Blackhole interface {
	Match(ip net.IP) (string, bool)
}

// CidrDB holds a list of IP networks that are blackholed. Networks are stored in a
// trie (one for IP4 and one for IP6) to allow for efficient matching.
type CidrDB struct {
	name     string
	ip4, ip6 *cidrTrie
	loader   RuleLoader
}

var _ Blackhole = &CidrDB{}

// NewCidrDB returns a new instance of a matcher for a list of networks. Empty lines
// and lines starting with # are ignored.
func NewCidrDB(name string, loader RuleLoader) (*CidrDB, error) {
	rules, err := loader.Load()
	if err != nil {
		return nil, err
	}
	db := &CidrDB{
		name:   name,
		ip4:    new(cidrTrie),
		ip6:    new(cidrTrie),
		loader: loader,
	}
	for _, r := range rules {
		r = strings.TrimSpace(r)
		if strings.HasPrefix(r, "#") || r == "" {
			continue
		}
		prefix, err := parsePrefix(r)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid rule in %s", name)
		}
		if prefix.Addr().Is4() {
			db.ip4.add(prefix)
		} else {
			db.ip6.add(prefix)
		}
	}
	return db, nil
}

// Reload returns a new instance with the rules loaded again.
func (m *CidrDB) Reload() (*CidrDB, error) {
	return NewCidrDB(m.name, m.loader)
}

// Match returns the network that covers the address, if any.
func (m *CidrDB) Match(ip net.IP) (string, bool) {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return "", false
	}
	addr = addr.Unmap()
	if addr.Is4() {
		return m.ip4.match(addr)
	}
	return m.ip6.match(addr)
}

func (m *CidrDB) String() string {
	return m.name
}

// Accepts a network in CIDR notation or a plain address which is treated as
// a host route.
func parsePrefix(s string) (netip.Prefix, error) {
	if !strings.Contains(s, "/") {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		addr = addr.Unmap()
		return netip.PrefixFrom(addr, addr.BitLen()), nil
	}
	prefix, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(prefix.Addr().Unmap(), prefix.Bits()).Masked(), nil
}

// Binary trie of networks. Since it's only necessary to know if an address is
// covered at all, a shorter prefix replaces everything below it.
type cidrTrie struct {
	root *cidrNode
}

type cidrNode struct {
	children [2]*cidrNode
	leaf     bool
}

func (t *cidrTrie) add(p netip.Prefix) {
	if t.root == nil {
		t.root = new(cidrNode)
	}
	addr := p.Addr().AsSlice()
	n := t.root
	for i := 0; i < p.Bits(); i++ {
		if n.leaf { // already covered by a shorter prefix
			return
		}
		b := bit(addr, i)
		if n.children[b] == nil {
			n.children[b] = new(cidrNode)
		}
		n = n.children[b]
	}
	n.children = [2]*cidrNode{}
	n.leaf = true
}

func (t *cidrTrie) match(addr netip.Addr) (string, bool) {
	if t.root == nil {
		return "", false
	}
	b := addr.AsSlice()
	n := t.root
	for i := 0; i < addr.BitLen(); i++ {
		if n.leaf {
			return netip.PrefixFrom(addr, i).Masked().String(), true
		}
		n = n.children[bit(b, i)]
		if n == nil {
			return "", false
		}
	}
	if n.leaf {
		return netip.PrefixFrom(addr, addr.BitLen()).String(), true
	}
	return "", false
}

// Returns n'th bit from an IP address from the left.
func bit(ip []byte, n int) int {
	return int(ip[n/8]>>(7-uint(n%8))) & 1
}
