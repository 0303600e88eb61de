// SPDX-License-Identifier: GPL-3.0-or-later

package dnsfailover

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"sync/atomic"

	"github.com/miekg/dns"
)

const (
	// dohContentType is the DNS wire-format MIME type (RFC 8484).
	dohContentType = "application/dns-message"

	// dohMaxResponseSize bounds the DoH response body we are willing
	// to read, so a misbehaving server cannot force unbounded
	// allocation.
	dohMaxResponseSize = 64 * 1024
)

// DoHStyle selects how DNS-over-HTTPS queries are carried.
type DoHStyle int

const (
	// DoHPost sends the wire-format query as the POST body.
	DoHPost = DoHStyle(iota)

	// DoHGet sends the wire-format query base64url-encoded in the
	// dns query-string parameter.
	DoHGet
)

// httpsChannel is a secure channel issuing one HTTPS exchange per
// query. There is no framing state of our own: connection persistence
// and pooling belong to the shared [*http.Client].
type httpsChannel struct {
	// endpoint is the endpoint this channel queries.
	endpoint *Endpoint

	// client is the shared HTTP client.
	client *http.Client

	// style selects GET or POST queries.
	style DoHStyle

	// down records transport-level faults so the cache replaces the
	// channel like any other broken one.
	down atomic.Bool

	// hooks observes raw wire messages.
	hooks *observeHooks
}

var _ channel = &httpsChannel{}

// openDoH creates a DNS-over-HTTPS channel for ep.
func openDoH(ep *Endpoint, client *http.Client, style DoHStyle, hooks *observeHooks) (channel, error) {
	if _, err := url.Parse(ep.URL); err != nil || ep.URL == "" {
		return nil, &ConnectError{Endpoint: ep.String(), Err: fmt.Errorf("invalid DoH URL %q", ep.URL)}
	}
	return &httpsChannel{endpoint: ep, client: client, style: style, hooks: hooks}, nil
}

// exchange implements [channel].
func (ch *httpsChannel) exchange(ctx context.Context, query *dns.Msg) (*dns.Msg, error) {
	rawQuery, err := query.Pack()
	if err != nil {
		return nil, &ProtocolError{Endpoint: ch.endpoint.String(), Err: err}
	}
	ch.hooks.observeQuery(rawQuery)

	httpReq, err := ch.newRequest(ctx, query, rawQuery)
	if err != nil {
		return nil, &ProtocolError{Endpoint: ch.endpoint.String(), Err: err}
	}

	httpResp, err := ch.client.Do(httpReq)
	if err != nil {
		ch.down.Store(true)
		if cerr := ctx.Err(); cerr != nil {
			return nil, fmt.Errorf("dnsfailover: exchange aborted: %w", cerr)
		}
		return nil, &ConnectError{Endpoint: ch.endpoint.String(), Err: err}
	}
	defer func() {
		// Drain so the underlying connection can be reused.
		_, _ = io.Copy(io.Discard, httpResp.Body)
		_ = httpResp.Body.Close()
	}()

	// A non-2xx status signals server unavailability and triggers
	// failover; a wrong content type signals misconfiguration and
	// does not.
	if httpResp.StatusCode/100 != 2 {
		ch.down.Store(true)
		return nil, &ConnectError{
			Endpoint: ch.endpoint.String(),
			Err:      fmt.Errorf("server returned HTTP %d", httpResp.StatusCode),
		}
	}
	contentType, _, err := mime.ParseMediaType(httpResp.Header.Get("Content-Type"))
	if err != nil || contentType != dohContentType {
		return nil, &ProtocolError{
			Endpoint: ch.endpoint.String(),
			Err:      fmt.Errorf("unexpected content type %q", httpResp.Header.Get("Content-Type")),
		}
	}

	rawResp, err := io.ReadAll(io.LimitReader(httpResp.Body, dohMaxResponseSize))
	if err != nil {
		ch.down.Store(true)
		if cerr := ctx.Err(); cerr != nil {
			return nil, fmt.Errorf("dnsfailover: exchange aborted: %w", cerr)
		}
		return nil, &IOError{Endpoint: ch.endpoint.String(), Err: err}
	}

	resp := &dns.Msg{}
	if err := resp.Unpack(rawResp); err != nil {
		return nil, &ProtocolError{Endpoint: ch.endpoint.String(), Err: err}
	}
	// GET queries travel with a zero ID for cacheability; restore the
	// caller's ID so correlation holds across transports.
	if resp.Id == 0 && query.Id != 0 {
		resp.Id = query.Id
	}
	ch.hooks.observeResponse(rawResp)
	return resp, nil
}

// newRequest builds the GET or POST request carrying the query.
func (ch *httpsChannel) newRequest(ctx context.Context, query *dns.Msg, rawQuery []byte) (*http.Request, error) {
	if ch.style == DoHGet {
		// RFC 8484 wants a zero message ID on GET so that caches
		// are not defeated by the random ID.
		if query.Id != 0 {
			clone := query.Copy()
			clone.Id = 0
			var err error
			rawQuery, err = clone.Pack()
			if err != nil {
				return nil, err
			}
		}
		u, err := url.Parse(ch.endpoint.URL)
		if err != nil {
			return nil, err
		}
		q := u.Query()
		q.Set("dns", base64.RawURLEncoding.EncodeToString(rawQuery))
		u.RawQuery = q.Encode()
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Accept", dohContentType)
		return httpReq, nil
	}

	httpReq, err := http.NewRequestWithContext(
		ctx, http.MethodPost, ch.endpoint.URL, bytes.NewReader(rawQuery))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", dohContentType)
	httpReq.Header.Set("Accept", dohContentType)
	return httpReq, nil
}

// broken implements [channel].
func (ch *httpsChannel) broken() bool {
	return ch.down.Load()
}

// close implements [channel].
//
// The HTTP client is shared across channels and outlives them, so
// closing only marks this channel broken.
func (ch *httpsChannel) close() error {
	ch.down.Store(true)
	return nil
}
