package dispatch_test

import (
	"fmt"
	"net/netip"
	"time"

	dispatch "github.com/folbricht/dnsdispatch"
	"github.com/miekg/dns"
)

func Example_client() {
	// One manager is shared by all upstream clients
	mgr, _ := dispatch.NewManager("example", dispatch.ManagerOptions{})

	// Define resolver
	r, _ := dispatch.NewClient("quad9", "9.9.9.9:53", mgr, dispatch.ClientOptions{TCPFallback: true})
	defer r.Close()

	// Build a query
	q := new(dns.Msg)
	q.SetQuestion("google.com.", dns.TypeA)

	// Resolve the query
	a, _ := r.Resolve(q, dispatch.ClientInfo{})
	fmt.Println(a)
}

func Example_entry() {
	mgr, _ := dispatch.NewManager("example", dispatch.ManagerOptions{})
	d, _ := mgr.CreateUDP(netip.MustParseAddrPort("0.0.0.0:0"))
	defer d.Detach()

	q := new(dns.Msg)
	q.SetQuestion("google.com.", dns.TypeA)

	done := make(chan struct{})
	e, _ := d.Add(netip.MustParseAddrPort("9.9.9.9:53"), dispatch.EntryOptions{
		Timeout: 2 * time.Second,
		OnConnected: func(e *dispatch.Entry, err error) {
			if err != nil {
				return
			}
			// Send the query with the id assigned to the entry
			q.Id = e.ID()
			b, _ := q.Pack()
			_ = e.Send(b)
		},
		OnResponse: func(e *dispatch.Entry, msg []byte, err error) {
			fmt.Println(len(msg), err)
			close(done)
		},
	})
	defer e.Release()

	_ = d.Connect(e)
	<-done
}
