// SPDX-License-Identifier: GPL-3.0-or-later

package dnsfailover

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bassosimone/runtimex"
	"github.com/miekg/dns"
)

// NewTLSConfigDNSOverTLS returns the [*tls.Config] to use for DNS-over-TLS.
func NewTLSConfigDNSOverTLS(serverName string) *tls.Config {
	return &tls.Config{
		NextProtos: []string{"dot"},
		ServerName: serverName,
	}
}

// openDoT establishes a persistent DNS-over-TLS channel to ep.
//
// It resolves the endpoint hostname when no address is pinned, then
// performs the TCP connect and the TLS handshake, all bounded by the
// ctx deadline. The base config, when not nil, contributes trust
// settings; server name and ALPN are always derived from the endpoint.
func openDoT(ctx context.Context, ep *Endpoint, base *tls.Config,
	resolve lookupNetIPFunc, hooks *observeHooks) (channel, error) {
	addr, err := ep.addrPort(ctx, resolve)
	if err != nil {
		return nil, &ConnectError{Endpoint: ep.String(), Err: err}
	}
	var config *tls.Config
	if base != nil {
		config = base.Clone()
	} else {
		config = &tls.Config{}
	}
	config.ServerName = ep.serverName()
	if len(config.NextProtos) < 1 {
		config.NextProtos = []string{"dot"}
	}
	dialer := &tls.Dialer{NetDialer: &net.Dialer{}, Config: config}
	conn, err := dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, &ConnectError{Endpoint: ep.String(), Err: err}
	}
	return newStreamChannel(ep, conn, hooks), nil
}

// streamChannel is a secure channel speaking the DNS-over-TCP framing
// over a persistent connection: each message is prefixed by its length
// as a 2-byte big-endian integer.
//
// The channel serializes exchanges through writeMu so that at most one
// query is in flight on the connection at any time. Any fault, short
// frame, or cancellation that may have left a partial frame on the
// wire marks the channel broken: the stream is no longer guaranteed to
// be frame-aligned and must not be reused.
type streamChannel struct {
	// endpoint is the endpoint this channel connects to.
	endpoint *Endpoint

	// conn is the underlying connection, typically a [*tls.Conn].
	conn net.Conn

	// br buffers reads from conn.
	br *bufio.Reader

	// writeMu serializes exchanges on the connection.
	writeMu sync.Mutex

	// down records the broken state.
	down atomic.Bool

	// closeOnce makes close idempotent.
	closeOnce sync.Once

	// hooks observes raw wire messages.
	hooks *observeHooks
}

var _ channel = &streamChannel{}

// newStreamChannel wraps an already-established connection.
func newStreamChannel(ep *Endpoint, conn net.Conn, hooks *observeHooks) *streamChannel {
	return &streamChannel{
		endpoint: ep,
		conn:     conn,
		br:       bufio.NewReader(conn),
		hooks:    hooks,
	}
}

// errZeroLengthFrame means the server framed a zero-byte message.
var errZeroLengthFrame = errors.New("zero-length frame")

// exchange implements [channel].
func (ch *streamChannel) exchange(ctx context.Context, query *dns.Msg) (*dns.Msg, error) {
	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	if ch.down.Load() {
		return nil, &IOError{Endpoint: ch.endpoint.String(), Err: errChannelBroken}
	}

	// Bound the exchange with the context deadline and abort the
	// in-flight I/O when the context is canceled early. Unlike a
	// per-exchange connection we must not close the connection on
	// cancellation: we mark the channel broken instead, because a
	// partially written or partially read frame leaves the stream
	// misaligned.
	if d, ok := ctx.Deadline(); ok {
		_ = ch.conn.SetDeadline(d)
	} else {
		_ = ch.conn.SetDeadline(time.Time{})
	}
	stop := ch.abortOnCancel(ctx)
	defer stop()
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("dnsfailover: exchange aborted: %w", err)
	}

	rawQuery, err := query.Pack()
	if err != nil {
		return nil, &ProtocolError{Endpoint: ch.endpoint.String(), Err: err}
	}
	ch.hooks.observeQuery(rawQuery)

	// Write the length prefix and the payload as a single frame so
	// the write is atomic with respect to the lock.
	if _, err := ch.conn.Write(newStreamMsgFrame(rawQuery)); err != nil {
		return nil, ch.fault(ctx, err)
	}

	// Read frames until we find the response correlated with our
	// query. A bounded number of stale frames is tolerated: they can
	// be left over by an exchange that was aborted after writing.
	for range maxStaleReads {
		rawResp, err := ch.readFrame()
		if err != nil {
			if errors.Is(err, errZeroLengthFrame) {
				return nil, ch.protocolFault(err)
			}
			return nil, ch.fault(ctx, err)
		}
		resp := &dns.Msg{}
		if err := resp.Unpack(rawResp); err != nil {
			return nil, ch.protocolFault(err)
		}
		if resp.Id != query.Id {
			continue
		}
		ch.hooks.observeResponse(rawResp)
		return resp, nil
	}
	return nil, ch.protocolFault(errNoMatchingResponse)
}

// readFrame reads a single length-prefixed message from the stream.
func (ch *streamChannel) readFrame() ([]byte, error) {
	header := make([]byte, 2)
	if _, err := io.ReadFull(ch.br, header); err != nil {
		return nil, err
	}
	length := int(header[0])<<8 | int(header[1])
	if length <= 0 {
		return nil, errZeroLengthFrame
	}
	rawMsg := make([]byte, length)
	if _, err := io.ReadFull(ch.br, rawMsg); err != nil {
		return nil, err
	}
	return rawMsg, nil
}

// abortOnCancel interrupts blocked I/O when ctx is canceled by moving
// the connection deadline into the past. The returned func releases
// the watcher and must be called before the exchange returns.
func (ch *streamChannel) abortOnCancel(ctx context.Context) func() {
	if ctx.Done() == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = ch.conn.SetDeadline(time.Now())
		case <-done:
		}
	}()
	return func() { close(done) }
}

// fault marks the channel broken and classifies err: cancellation when
// the context is done, otherwise an I/O fault on this endpoint.
func (ch *streamChannel) fault(ctx context.Context, err error) error {
	ch.down.Store(true)
	if cerr := ctx.Err(); cerr != nil {
		return fmt.Errorf("dnsfailover: exchange aborted: %w", cerr)
	}
	// The connection deadline mirrors the context, so a deadline
	// fault is the context deadline racing ahead of its own timer.
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("dnsfailover: exchange aborted: %w", context.DeadlineExceeded)
	}
	return &IOError{Endpoint: ch.endpoint.String(), Err: err}
}

// protocolFault marks the channel broken and reports server misbehavior.
func (ch *streamChannel) protocolFault(err error) error {
	ch.down.Store(true)
	return &ProtocolError{Endpoint: ch.endpoint.String(), Err: err}
}

// broken implements [channel].
func (ch *streamChannel) broken() bool {
	return ch.down.Load()
}

// close implements [channel].
func (ch *streamChannel) close() (err error) {
	ch.closeOnce.Do(func() {
		ch.down.Store(true)
		err = ch.conn.Close()
	})
	return
}

// newStreamMsgFrame creates the raw frame for sending a message over a stream.
func newStreamMsgFrame(rawMsg []byte) []byte {
	runtimex.Assert(len(rawMsg) <= math.MaxUint16)
	rawMsgFrame := []byte{byte(len(rawMsg) >> 8)}
	rawMsgFrame = append(rawMsgFrame, byte(len(rawMsg)))
	rawMsgFrame = append(rawMsgFrame, rawMsg...)
	return rawMsgFrame
}
