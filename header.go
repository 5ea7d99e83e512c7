package dispatch

import (
	"github.com/pkg/errors"
	"golang.org/x/net/dns/dnsmessage"
)

// The part of a DNS message header needed to match a response to a waiting entry.
type msgHeader struct {
	id       uint16
	response bool
}

// Parses only the fixed 12-byte header of a DNS message without decoding any
// of the sections.
func peekHeader(b []byte) (msgHeader, error) {
	var p dnsmessage.Parser
	h, err := p.Start(b)
	if err != nil {
		return msgHeader{}, errors.Wrap(ErrUnexpected, err.Error())
	}
	return msgHeader{id: h.ID, response: h.Response}, nil
}
