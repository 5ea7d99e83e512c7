package dispatch

import (
	"fmt"
	"net"
)

// Listener is an interface for a DNS listener.
type Listener interface {
	Start() error
	Stop() error
	fmt.Stringer
}

// ClientInfo carries information about the client making the request.
type ClientInfo struct {
	SourceIP net.IP

	// Name of the listener that received the query.
	Listener string
}
