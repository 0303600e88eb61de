// SPDX-License-Identifier: GPL-3.0-or-later

package dnsfailover

import (
	"context"
	"time"

	"github.com/miekg/dns"
)

const (
	// defaultTimeout bounds a whole Query call including failover.
	defaultTimeout = 4 * time.Second

	// defaultPortDoT is the standard DNS-over-TLS port.
	defaultPortDoT = 853

	// defaultPortDoQ is the standard DNS-over-QUIC port.
	defaultPortDoQ = 853

	// maxResponseSizeStream is the response size we advertise via
	// EDNS0 on stream transports, where the 2-byte frame length is
	// the only real limit.
	maxResponseSizeStream = 65535

	// maxStaleReads is how many frames with a non-matching ID we
	// tolerate on a stream before giving up. Stale frames can be
	// left over from an exchange aborted after its write completed.
	maxStaleReads = 8
)

// channel is one established secure connection to one endpoint.
//
// A channel starts ready and becomes broken on the first fault; a
// broken channel is never reused, the cache drops it and opens a
// fresh one on the next acquire.
type channel interface {
	// exchange sends query and waits for the correlated response.
	//
	// Implementations must serialize concurrent exchanges so that at
	// most one write is in flight per physical connection.
	exchange(ctx context.Context, query *dns.Msg) (*dns.Msg, error)

	// broken tells whether the channel is unusable.
	broken() bool

	// close releases the underlying resources and marks the channel
	// broken. Safe to call multiple times.
	close() error
}

// observeHooks optionally receives copies of the raw wire messages.
type observeHooks struct {
	// rawQuery is called with each serialized query, if not nil.
	rawQuery func([]byte)

	// rawResponse is called with each raw response, if not nil.
	rawResponse func([]byte)
}

// observeQuery invokes the raw query hook with a defensive copy.
func (h *observeHooks) observeQuery(raw []byte) {
	if h != nil && h.rawQuery != nil {
		h.rawQuery(append([]byte{}, raw...))
	}
}

// observeResponse invokes the raw response hook with a defensive copy.
func (h *observeHooks) observeResponse(raw []byte) {
	if h != nil && h.rawResponse != nil {
		h.rawResponse(append([]byte{}, raw...))
	}
}
