// SPDX-License-Identifier: GPL-3.0-or-later

package dnsfailover

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
)

// Protocol identifies the transport used to reach an endpoint.
type Protocol string

const (
	// ProtocolDoT is DNS-over-TLS (RFC 7858).
	ProtocolDoT = Protocol("dot")

	// ProtocolDoH is DNS-over-HTTPS (RFC 8484).
	ProtocolDoH = Protocol("doh")

	// ProtocolDoQ is DNS-over-QUIC (RFC 9250).
	ProtocolDoQ = Protocol("doq")
)

// Endpoint describes one remote resolver.
//
// For [ProtocolDoT] and [ProtocolDoQ] at least one of Hostname and Addr
// must be set. When Addr is set we dial it directly and the TLS peer
// certificate is validated against Hostname if present, else against
// Addr. When only Hostname is set we resolve it first.
//
// For [ProtocolDoH] only URL is used.
//
// An Endpoint is immutable once handed to a [Client].
type Endpoint struct {
	// Protocol is the transport protocol.
	Protocol Protocol

	// Hostname is the server name used for resolution and
	// certificate validation (DoT/DoQ).
	Hostname string

	// Addr optionally pins the server address (DoT/DoQ).
	Addr netip.Addr

	// Port is the server port (DoT/DoQ); zero means 853.
	Port uint16

	// URL is the query URL (DoH only).
	URL string
}

// NewEndpointDoT creates a DNS-over-TLS [*Endpoint] on the default port.
//
// Pass the zero [netip.Addr] to resolve hostname at dial time.
func NewEndpointDoT(hostname string, addr netip.Addr) *Endpoint {
	return &Endpoint{Protocol: ProtocolDoT, Hostname: hostname, Addr: addr, Port: defaultPortDoT}
}

// NewEndpointDoH creates a DNS-over-HTTPS [*Endpoint] for the given URL.
func NewEndpointDoH(rawURL string) *Endpoint {
	return &Endpoint{Protocol: ProtocolDoH, URL: rawURL}
}

// NewEndpointDoQ creates a DNS-over-QUIC [*Endpoint] on the default port.
//
// Pass the zero [netip.Addr] to resolve hostname at dial time.
func NewEndpointDoQ(hostname string, addr netip.Addr) *Endpoint {
	return &Endpoint{Protocol: ProtocolDoQ, Hostname: hostname, Addr: addr, Port: defaultPortDoQ}
}

// errEndpointIncomplete means an endpoint has neither hostname nor address.
var errEndpointIncomplete = errors.New("endpoint has neither hostname nor address")

// Key returns the cache identity of the endpoint.
func (e *Endpoint) Key() string {
	if e.Protocol == ProtocolDoH {
		return string(e.Protocol) + "|" + e.URL
	}
	return fmt.Sprintf("%s|%s|%s|%d", e.Protocol, e.Hostname, e.Addr, e.port())
}

// String returns a human readable endpoint description.
func (e *Endpoint) String() string {
	if e.Protocol == ProtocolDoH {
		return e.URL
	}
	if e.Hostname != "" {
		return fmt.Sprintf("%s://%s:%d", e.Protocol, e.Hostname, e.port())
	}
	return fmt.Sprintf("%s://%s", e.Protocol, netip.AddrPortFrom(e.Addr, e.port()))
}

// port returns the configured port or the protocol default.
func (e *Endpoint) port() uint16 {
	if e.Port != 0 {
		return e.Port
	}
	return defaultPortDoT
}

// serverName returns the name to validate the peer certificate against.
func (e *Endpoint) serverName() string {
	if e.Hostname != "" {
		return e.Hostname
	}
	return e.Addr.String()
}

// addrPort returns the address to dial, resolving the hostname with
// resolve when no address is pinned.
func (e *Endpoint) addrPort(ctx context.Context, resolve lookupNetIPFunc) (netip.AddrPort, error) {
	if e.Addr.IsValid() {
		return netip.AddrPortFrom(e.Addr, e.port()), nil
	}
	if e.Hostname == "" {
		return netip.AddrPort{}, errEndpointIncomplete
	}
	addrs, err := resolve(ctx, "ip", e.Hostname)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if len(addrs) < 1 {
		return netip.AddrPort{}, fmt.Errorf("no addresses for %s", e.Hostname)
	}
	return netip.AddrPortFrom(addrs[0].Unmap(), e.port()), nil
}

// lookupNetIPFunc resolves a hostname, like [net.Resolver.LookupNetIP].
type lookupNetIPFunc func(ctx context.Context, network, host string) ([]netip.Addr, error)

// DefaultEndpoints returns the endpoints used when the caller
// configures none: well known public resolvers over DoT, tried in the
// returned order.
func DefaultEndpoints() []*Endpoint {
	return []*Endpoint{
		NewEndpointDoT("one.one.one.one", netip.MustParseAddr("1.1.1.1")),
		NewEndpointDoT("dns.google", netip.MustParseAddr("8.8.8.8")),
		NewEndpointDoT("dns.quad9.net", netip.MustParseAddr("9.9.9.9")),
	}
}
