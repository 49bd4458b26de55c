// Package instance implements the address and instance data model: the
// identity, flags, links and timers shared by monitored primaries, their
// replicas, and the peer supervisors watching them.
package instance

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

// ErrInvalidPort is returned when a port falls outside 1..65535.
var ErrInvalidPort = errors.New("instance: port out of range 1..65535")

// ErrUnresolvable is returned when a hostname fails to resolve.
var ErrUnresolvable = errors.New("instance: address unresolvable")

// ErrDuplicate is returned when an instance with the derived name already
// exists in the target mapping.
var ErrDuplicate = errors.New("instance: duplicate name in target mapping")

// Address is a resolved host/port pair. Host is preserved as given (may be
// a hostname or literal IP); ResolveAddress only checks that it resolves
// and does not store the resolved IP.
type Address struct {
	Host string
	Port int
}

// ResolveAddress validates the port and confirms the host resolves, without
// discarding the original hostname (DNS may legitimately change over time,
// so we keep re-resolving rather than caching an IP).
func ResolveAddress(host string, port int) (Address, error) {
	if port < 1 || port > 65535 {
		return Address{}, fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}
	if _, err := net.LookupHost(host); err != nil {
		return Address{}, fmt.Errorf("%w: %s: %v", ErrUnresolvable, host, err)
	}
	return Address{Host: host, Port: port}, nil
}

// String renders "host:port", bracketing IPv6 literals.
func (a Address) String() string {
	host := a.Host
	if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
		host = "[" + host + "]"
	}
	return host + ":" + strconv.Itoa(a.Port)
}

// Equal compares two addresses for exact host+port equality. Callers that
// need "same or differs" semantics (gossip reconciliation) use this rather
// than resolving both sides, matching the spec's explicit instruction to
// compare the advertised fields literally.
func (a Address) Equal(b Address) bool {
	return a.Host == b.Host && a.Port == b.Port
}

// SynthesizeName derives the canonical name used for REPLICA and PEER
// instances: host:port, with IPv6 hosts bracketed.
func SynthesizeName(addr Address) string {
	return addr.String()
}
