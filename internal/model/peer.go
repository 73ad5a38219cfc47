package model

import (
	"fmt"
	"net"
	"strconv"
)

// PeerId is the stable network identity of a peer, in host:port form.
// PeerIds are totally ordered lexicographically; the ordering is used as
// the tie breaker of the distributed chunk lock.
type PeerId string

// NewPeerId builds a PeerId from host and port.
func NewPeerId(host string, port int) PeerId {
	return PeerId(net.JoinHostPort(host, strconv.Itoa(port)))
}

// ParsePeerId validates the host:port form of addr.
func ParsePeerId(addr string) (PeerId, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("invalid peer address %q: %w", addr, err)
	}
	if host == "" {
		return "", fmt.Errorf("invalid peer address %q: empty host", addr)
	}
	if _, err := strconv.Atoi(port); err != nil {
		return "", fmt.Errorf("invalid peer address %q: bad port: %w", addr, err)
	}
	return PeerId(addr), nil
}

// IsValid reports whether the PeerId is non-empty.
func (p PeerId) IsValid() bool {
	return p != ""
}

// Less orders PeerIds lexicographically.
func (p PeerId) Less(other PeerId) bool {
	return p < other
}

// String returns the host:port representation.
func (p PeerId) String() string {
	return string(p)
}
