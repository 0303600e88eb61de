// SPDX-License-Identifier: GPL-3.0-or-later

package dnsfailover

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// Client is a unicast DNS client with endpoint failover.
//
// Construct using [NewClient]. A Client is safe for concurrent use;
// any number of queries may be in flight at once. Call [Client.Close]
// to release cached channels when done.
type Client struct {
	// ObserveRawQuery is called with a copy of each serialized query.
	// Set before issuing queries; nil disables the hook.
	ObserveRawQuery func(rawQuery []byte)

	// ObserveRawResponse is called with a copy of each raw response.
	// Set before issuing queries; nil disables the hook.
	ObserveRawResponse func(rawResp []byte)

	// timeout bounds each Query call including failover.
	timeout time.Duration

	// rcodeErrors makes Query fail with a [*StatusError] on
	// non-success rcodes.
	rcodeErrors bool

	// dnssec sets the EDNS0 DNSSEC OK flag on built queries.
	dnssec bool

	// dohStyle selects GET or POST for DoH endpoints.
	dohStyle DoHStyle

	// endpoints is the ordered endpoint list, immutable after
	// construction.
	endpoints []*Endpoint

	// endpointsSet tells whether [WithEndpoints] was used, so an
	// explicitly empty list is not replaced with the defaults.
	endpointsSet bool

	// tlsConfig optionally overrides trust settings for every
	// TLS-based transport.
	tlsConfig *tls.Config

	// httpClient is the shared DoH client, built lazily unless
	// injected via [WithHTTPClient].
	httpClient *http.Client

	// httpOnce guards the lazy httpClient construction.
	httpOnce sync.Once

	// lookupNetIP resolves endpoint hostnames.
	lookupNetIP lookupNetIPFunc

	// cache holds one live channel per endpoint.
	cache *channelCache

	// open establishes channels; overridable in tests.
	open openFunc
}

// Option configures a [*Client].
type Option func(*Client)

// WithTimeout sets the per-query timeout, which covers the whole
// failover sequence, not each endpoint attempt. The default is 4s.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.timeout = timeout
	}
}

// WithEndpoints sets the ordered endpoint list. Without this option
// the client uses [DefaultEndpoints]. An explicitly empty list makes
// every query fail with [ErrNoEndpoints].
func WithEndpoints(endpoints ...*Endpoint) Option {
	return func(c *Client) {
		c.endpoints = append([]*Endpoint{}, endpoints...)
		c.endpointsSet = true
	}
}

// WithRcodeErrors controls whether a well-formed response with a
// non-success rcode fails the query with a [*StatusError]. Enabled by
// default; disable to inspect the rcode yourself.
func WithRcodeErrors(enabled bool) Option {
	return func(c *Client) {
		c.rcodeErrors = enabled
	}
}

// WithDoHStyle selects GET or POST for DoH endpoints ([DoHPost] is
// the default).
func WithDoHStyle(style DoHStyle) Option {
	return func(c *Client) {
		c.dohStyle = style
	}
}

// WithTLSConfig overrides trust settings (e.g. RootCAs) for DoT, DoQ,
// and the lazily built DoH client. Server name and ALPN are still
// derived per endpoint.
func WithTLSConfig(config *tls.Config) Option {
	return func(c *Client) {
		c.tlsConfig = config
	}
}

// WithHTTPClient injects the HTTP client used for DoH endpoints in
// place of the lazily constructed one.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithDNSSEC controls the EDNS0 DNSSEC OK flag on queries built by
// the client (enabled by default).
func WithDNSSEC(enabled bool) Option {
	return func(c *Client) {
		c.dnssec = enabled
	}
}

// WithResolver sets the resolver used to resolve endpoint hostnames
// that have no pinned address.
func WithResolver(reso *net.Resolver) Option {
	return func(c *Client) {
		c.lookupNetIP = reso.LookupNetIP
	}
}

// NewClient creates a [*Client] with the given options.
func NewClient(options ...Option) *Client {
	c := &Client{
		timeout:     defaultTimeout,
		rcodeErrors: true,
		dnssec:      true,
		lookupNetIP: net.DefaultResolver.LookupNetIP,
		cache:       newChannelCache(),
	}
	for _, option := range options {
		option(c)
	}
	if !c.endpointsSet {
		c.endpoints = DefaultEndpoints()
	}
	c.open = c.openChannel
	return c
}

// Query sends query to the configured endpoints in order and returns
// the first successful response, as described in the package docs.
func (c *Client) Query(ctx context.Context, query *dns.Msg) (*dns.Msg, error) {
	return c.exchange(ctx, query)
}

// NewQuery builds a query for name and qtype with recursion desired
// and the client's EDNS0 settings applied.
func (c *Client) NewQuery(name string, qtype uint16) *dns.Msg {
	query := &dns.Msg{}
	query.SetQuestion(dns.Fqdn(name), qtype)
	query.SetEdns0(maxResponseSizeStream, c.dnssec)
	return query
}

// LookupNetIP resolves name by issuing A and AAAA queries in parallel
// and returning the union of the answers, A records first. It fails
// with [ErrHostNotFound] when both queries come back empty or with
// NXDOMAIN.
func (c *Client) LookupNetIP(ctx context.Context, name string) ([]netip.Addr, error) {
	qtypes := []uint16{dns.TypeA, dns.TypeAAAA}
	results := make([][]netip.Addr, len(qtypes))
	errs := make([]error, len(qtypes))
	var wg sync.WaitGroup
	for idx, qtype := range qtypes {
		wg.Add(1)
		go func(idx int, qtype uint16) {
			defer wg.Done()
			results[idx], errs[idx] = c.lookupAddrRecords(ctx, name, qtype)
		}(idx, qtype)
	}
	wg.Wait()

	var addrs []netip.Addr
	for _, result := range results {
		addrs = append(addrs, result...)
	}
	if len(addrs) > 0 {
		return addrs, nil
	}
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrHostNotFound, name)
}

// lookupAddrRecords queries one address qtype and extracts the
// addresses, mapping NXDOMAIN to an empty result.
func (c *Client) lookupAddrRecords(ctx context.Context, name string, qtype uint16) ([]netip.Addr, error) {
	resp, err := c.Query(ctx, c.NewQuery(name, qtype))
	if err != nil {
		if isNameError(err) {
			return nil, nil
		}
		return nil, err
	}
	if resp.Rcode == dns.RcodeNameError {
		return nil, nil
	}
	var addrs []netip.Addr
	for _, rr := range resp.Answer {
		switch record := rr.(type) {
		case *dns.A:
			if addr, ok := netip.AddrFromSlice(record.A); ok {
				addrs = append(addrs, addr.Unmap())
			}
		case *dns.AAAA:
			if addr, ok := netip.AddrFromSlice(record.AAAA); ok {
				addrs = append(addrs, addr)
			}
		}
	}
	return addrs, nil
}

// LookupAddr resolves addr to a name with a PTR query against the
// reverse-lookup name. The returned name is fully qualified. It fails
// with [ErrHostNotFound] when the address has no PTR record.
func (c *Client) LookupAddr(ctx context.Context, addr netip.Addr) (string, error) {
	arpa, err := dns.ReverseAddr(addr.String())
	if err != nil {
		return "", fmt.Errorf("dnsfailover: reverse name for %s: %w", addr, err)
	}
	query := &dns.Msg{}
	query.SetQuestion(arpa, dns.TypePTR)
	query.SetEdns0(maxResponseSizeStream, c.dnssec)
	resp, err := c.Query(ctx, query)
	if err != nil {
		if isNameError(err) {
			return "", fmt.Errorf("%w: %s", ErrHostNotFound, addr)
		}
		return "", err
	}
	for _, rr := range resp.Answer {
		if ptr, ok := rr.(*dns.PTR); ok {
			return ptr.Ptr, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrHostNotFound, addr)
}

// isNameError tells whether err is a [*StatusError] carrying NXDOMAIN.
func isNameError(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.Rcode == dns.RcodeNameError
}

// Close releases every cached channel and the idle connections of the
// lazily built DoH client.
func (c *Client) Close() error {
	c.cache.closeAll()
	if c.httpClient != nil {
		if transport, ok := c.httpClient.Transport.(*http.Transport); ok {
			transport.CloseIdleConnections()
		}
	}
	return nil
}

// hooks adapts the observe fields to the channels' hook type.
func (c *Client) hooks() *observeHooks {
	return &observeHooks{
		rawQuery:    c.ObserveRawQuery,
		rawResponse: c.ObserveRawResponse,
	}
}

// httpClientLazy returns the shared DoH client, building it on first
// need when none was injected.
func (c *Client) httpClientLazy() *http.Client {
	c.httpOnce.Do(func() {
		if c.httpClient == nil {
			c.httpClient = newHTTPClient(c.tlsConfig)
		}
	})
	return c.httpClient
}

// newHTTPClient builds the HTTP/2-capable client used for DoH.
func newHTTPClient(tlsConfig *tls.Config) *http.Client {
	if tlsConfig != nil {
		tlsConfig = tlsConfig.Clone()
	} else {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return &http.Client{
		Transport: &http.Transport{
			TLSClientConfig:     tlsConfig,
			ForceAttemptHTTP2:   true,
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}
