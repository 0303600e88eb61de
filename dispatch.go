// SPDX-License-Identifier: GPL-3.0-or-later

package dnsfailover

import (
	"context"
	"errors"
	"fmt"

	"github.com/miekg/dns"
)

// errNotAResponse means the server sent a message without the
// response bit set.
var errNotAResponse = errors.New("message is not a response")

// exchange runs the failover loop: for each endpoint in order, acquire
// its channel, perform one exchange, and either return the response or
// classify the failure and move on.
//
// Transport-class failures (connect, i/o) invalidate the channel and
// continue with the next endpoint. Protocol-class failures and rcode
// errors stop the loop: the resolver answered, it just answered
// badly. Cancellation always stops the loop.
func (c *Client) exchange(ctx context.Context, query *dns.Msg) (*dns.Msg, error) {
	if len(c.endpoints) < 1 {
		return nil, ErrNoEndpoints
	}
	if _, err := query.Pack(); err != nil {
		return nil, fmt.Errorf("dnsfailover: pack query: %w", err)
	}

	// One effective deadline for the whole call, threaded through
	// every suspension point via the context. No per-attempt timers.
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var attempts []error
	for _, ep := range c.endpoints {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("dnsfailover: query aborted: %w", err)
		}

		ch, err := c.cache.acquire(ctx, ep, c.open)
		if err != nil {
			if isCancellation(err) {
				if cerr := ctx.Err(); cerr != nil {
					return nil, fmt.Errorf("dnsfailover: query aborted: %w", cerr)
				}
				return nil, err
			}
			attempts = append(attempts, err)
			continue
		}

		resp, err := ch.exchange(ctx, query)
		if err != nil {
			c.cache.invalidate(ep, ch)
			if isCancellation(err) {
				return nil, err
			}
			var protoErr *ProtocolError
			if errors.As(err, &protoErr) {
				return nil, err
			}
			attempts = append(attempts, err)
			continue
		}

		return c.finishResponse(ep, resp)
	}
	return nil, &AllFailedError{Errors: attempts}
}

// finishResponse validates protocol-level response fields and applies
// the rcode policy.
func (c *Client) finishResponse(ep *Endpoint, resp *dns.Msg) (*dns.Msg, error) {
	if !resp.Response {
		return nil, &ProtocolError{Endpoint: ep.String(), Err: errNotAResponse}
	}
	if c.rcodeErrors && resp.Rcode != dns.RcodeSuccess {
		return nil, &StatusError{Rcode: resp.Rcode, Response: resp}
	}
	return resp, nil
}

// openChannel establishes a channel for ep using the transport
// selected by the endpoint protocol.
func (c *Client) openChannel(ctx context.Context, ep *Endpoint) (channel, error) {
	switch ep.Protocol {
	case ProtocolDoH:
		return openDoH(ep, c.httpClientLazy(), c.dohStyle, c.hooks())
	case ProtocolDoQ:
		return openDoQ(ctx, ep, c.tlsConfig, c.lookupNetIP, c.hooks())
	default:
		return openDoT(ctx, ep, c.tlsConfig, c.lookupNetIP, c.hooks())
	}
}
