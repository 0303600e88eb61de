// SPDX-License-Identifier: GPL-3.0-or-later

package dnsfailover

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
	"github.com/quic-go/quic-go"
)

// NewTLSConfigDNSOverQUIC returns the [*tls.Config] to use for DNS-over-QUIC.
func NewTLSConfigDNSOverQUIC(serverName string) *tls.Config {
	return &tls.Config{
		NextProtos: []string{"doq"},
		ServerName: serverName,
	}
}

// openDoQ establishes a persistent DNS-over-QUIC channel to ep.
func openDoQ(ctx context.Context, ep *Endpoint, base *tls.Config,
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
	config.NextProtos = []string{"doq"}

	lc := &net.ListenConfig{}
	pconn, err := lc.ListenPacket(ctx, "udp", ":0")
	if err != nil {
		return nil, &ConnectError{Endpoint: ep.String(), Err: err}
	}
	transport := &quic.Transport{Conn: pconn}
	conn, err := transport.Dial(ctx, net.UDPAddrFromAddrPort(addr), config, &quic.Config{})
	if err != nil {
		_ = transport.Close()
		_ = pconn.Close()
		return nil, &ConnectError{Endpoint: ep.String(), Err: err}
	}
	return &quicChannel{
		endpoint:  ep,
		conn:      conn,
		transport: transport,
		pconn:     pconn,
		hooks:     hooks,
	}, nil
}

// quicChannel is a secure channel over a persistent QUIC connection.
//
// Each query travels on its own bidirectional stream (RFC 9250), so no
// write lock is needed: streams are independently framed and
// correlated. A connection-level fault marks the channel broken.
type quicChannel struct {
	// endpoint is the endpoint this channel connects to.
	endpoint *Endpoint

	// conn is the QUIC connection.
	conn *quic.Conn

	// transport owns the local QUIC state.
	transport *quic.Transport

	// pconn is the local UDP socket.
	pconn net.PacketConn

	// down records the broken state.
	down atomic.Bool

	// closeOnce makes close idempotent.
	closeOnce sync.Once

	// hooks observes raw wire messages.
	hooks *observeHooks
}

var _ channel = &quicChannel{}

// exchange implements [channel].
func (ch *quicChannel) exchange(ctx context.Context, query *dns.Msg) (*dns.Msg, error) {
	if ch.down.Load() {
		return nil, &IOError{Endpoint: ch.endpoint.String(), Err: errChannelBroken}
	}

	stream, err := ch.conn.OpenStream()
	if err != nil {
		return nil, ch.fault(ctx, err)
	}
	if d, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(d)
	}
	if ctx.Done() != nil {
		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-ctx.Done():
				_ = stream.SetDeadline(time.Now())
			case <-done:
			}
		}()
	}

	// RFC 9250 wants a zero message ID over QUIC; correlation is
	// provided by the stream itself.
	clone := query.Copy()
	clone.Id = 0
	rawQuery, err := clone.Pack()
	if err != nil {
		_ = stream.Close()
		return nil, &ProtocolError{Endpoint: ch.endpoint.String(), Err: err}
	}
	ch.hooks.observeQuery(rawQuery)

	if _, err := stream.Write(newStreamMsgFrame(rawQuery)); err != nil {
		_ = stream.Close()
		return nil, ch.fault(ctx, err)
	}

	// Signal through the STREAM FIN mechanism that no further data
	// will be sent, as RFC 9250 Sect. 4.2 requires; some servers do
	// not answer otherwise.
	_ = stream.Close()

	br := bufio.NewReader(stream)
	header := make([]byte, 2)
	if _, err := io.ReadFull(br, header); err != nil {
		return nil, ch.fault(ctx, err)
	}
	length := int(header[0])<<8 | int(header[1])
	if length <= 0 {
		return nil, &ProtocolError{Endpoint: ch.endpoint.String(), Err: errZeroLengthFrame}
	}
	rawResp := make([]byte, length)
	if _, err := io.ReadFull(br, rawResp); err != nil {
		return nil, ch.fault(ctx, err)
	}

	resp := &dns.Msg{}
	if err := resp.Unpack(rawResp); err != nil {
		return nil, &ProtocolError{Endpoint: ch.endpoint.String(), Err: err}
	}
	resp.Id = query.Id
	ch.hooks.observeResponse(rawResp)
	return resp, nil
}

// fault marks the channel broken and classifies err like the stream
// channel does: cancellation wins over transport faults.
func (ch *quicChannel) fault(ctx context.Context, err error) error {
	ch.down.Store(true)
	if cerr := ctx.Err(); cerr != nil {
		return fmt.Errorf("dnsfailover: exchange aborted: %w", cerr)
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("dnsfailover: exchange aborted: %w", context.DeadlineExceeded)
	}
	return &IOError{Endpoint: ch.endpoint.String(), Err: err}
}

// broken implements [channel].
func (ch *quicChannel) broken() bool {
	return ch.down.Load()
}

// close implements [channel].
func (ch *quicChannel) close() (err error) {
	ch.closeOnce.Do(func() {
		ch.down.Store(true)
		// Closing w/o specific error -- RFC 9250 Sect. 4.3
		const quicNoError = 0x00
		err = ch.conn.CloseWithError(quicNoError, "")
		_ = ch.transport.Close()
		_ = ch.pconn.Close()
	})
	return
}
