// SPDX-License-Identifier: GPL-3.0-or-later

package dnsfailover

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/bassosimone/netstub"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

// testEndpointDoT returns a throwaway DoT endpoint for channel tests.
func testEndpointDoT() *Endpoint {
	return NewEndpointDoT("example.com", netip.MustParseAddr("127.0.0.1"))
}

// newTestQuery builds a query the way the client does.
func newTestQuery(name string, qtype uint16) *dns.Msg {
	query := &dns.Msg{}
	query.SetQuestion(dns.Fqdn(name), qtype)
	return query
}

// buildRawResponseFromQuery packs a valid DNS response for a raw DNS query.
func buildRawResponseFromQuery(t *testing.T, rawQuery []byte) []byte {
	t.Helper()

	queryMsg := &dns.Msg{}
	require.NoError(t, queryMsg.Unpack(rawQuery))

	resp := &dns.Msg{}
	resp.SetReply(queryMsg)
	resp.Answer = []dns.RR{&dns.A{
		Hdr: dns.RR_Header{
			Name:   queryMsg.Question[0].Name,
			Rrtype: dns.TypeA,
			Class:  dns.ClassINET,
			Ttl:    1,
		},
		A: net.ParseIP("1.1.1.1"),
	}}

	rawResp, err := resp.Pack()
	require.NoError(t, err)

	return rawResp
}

// frameFor wraps a raw message into the stream framing.
func frameFor(rawMsg []byte) []byte {
	return newStreamMsgFrame(rawMsg)
}

func TestStreamChannelFrameLength(t *testing.T) {
	var rawWritten []byte
	conn := &netstub.FuncConn{
		WriteFunc: func(p []byte) (int, error) {
			rawWritten = append([]byte{}, p...)
			return len(p), nil
		},
		ReadFunc:        func(p []byte) (int, error) { return 0, io.EOF },
		SetDeadlineFunc: func(t time.Time) error { return nil },
		CloseFunc:       func() error { return nil },
	}

	ch := newStreamChannel(testEndpointDoT(), conn, nil)
	_, err := ch.exchange(context.Background(), newTestQuery("example.com", dns.TypeA))
	require.Error(t, err)
	require.GreaterOrEqual(t, len(rawWritten), 2)

	frameLen := int(rawWritten[0])<<8 | int(rawWritten[1])
	require.Equal(t, len(rawWritten)-2, frameLen)
}

func TestStreamChannelExchangeSuccess(t *testing.T) {
	var respReader *bytes.Reader
	conn := &netstub.FuncConn{
		WriteFunc: func(p []byte) (int, error) {
			rawResp := buildRawResponseFromQuery(t, p[2:])
			respReader = bytes.NewReader(frameFor(rawResp))
			return len(p), nil
		},
		ReadFunc: func(p []byte) (int, error) {
			if respReader == nil {
				return 0, io.EOF
			}
			return respReader.Read(p)
		},
		SetDeadlineFunc: func(t time.Time) error { return nil },
		CloseFunc:       func() error { return nil },
	}

	query := newTestQuery("example.com", dns.TypeA)
	ch := newStreamChannel(testEndpointDoT(), conn, nil)
	resp, err := ch.exchange(context.Background(), query)
	require.NoError(t, err)
	require.Equal(t, query.Id, resp.Id)
	require.Equal(t, query.Question, resp.Question)
	require.False(t, ch.broken())
}

func TestStreamChannelSkipsStaleFrames(t *testing.T) {
	var respReader *bytes.Reader
	conn := &netstub.FuncConn{
		WriteFunc: func(p []byte) (int, error) {
			rawResp := buildRawResponseFromQuery(t, p[2:])

			// A frame left over by an aborted exchange precedes
			// the real response.
			stale := &dns.Msg{}
			require.NoError(t, stale.Unpack(rawResp))
			stale.Id ^= 0xffff
			rawStale, err := stale.Pack()
			require.NoError(t, err)

			frames := append(frameFor(rawStale), frameFor(rawResp)...)
			respReader = bytes.NewReader(frames)
			return len(p), nil
		},
		ReadFunc: func(p []byte) (int, error) {
			if respReader == nil {
				return 0, io.EOF
			}
			return respReader.Read(p)
		},
		SetDeadlineFunc: func(t time.Time) error { return nil },
		CloseFunc:       func() error { return nil },
	}

	query := newTestQuery("example.com", dns.TypeA)
	ch := newStreamChannel(testEndpointDoT(), conn, nil)
	resp, err := ch.exchange(context.Background(), query)
	require.NoError(t, err)
	require.Equal(t, query.Id, resp.Id)
}

func TestStreamChannelNoMatchingResponse(t *testing.T) {
	var respReader *bytes.Reader
	conn := &netstub.FuncConn{
		WriteFunc: func(p []byte) (int, error) {
			rawResp := buildRawResponseFromQuery(t, p[2:])
			stale := &dns.Msg{}
			require.NoError(t, stale.Unpack(rawResp))
			stale.Id ^= 0xffff
			rawStale, err := stale.Pack()
			require.NoError(t, err)

			var frames []byte
			for range maxStaleReads + 1 {
				frames = append(frames, frameFor(rawStale)...)
			}
			respReader = bytes.NewReader(frames)
			return len(p), nil
		},
		ReadFunc: func(p []byte) (int, error) {
			if respReader == nil {
				return 0, io.EOF
			}
			return respReader.Read(p)
		},
		SetDeadlineFunc: func(t time.Time) error { return nil },
		CloseFunc:       func() error { return nil },
	}

	ch := newStreamChannel(testEndpointDoT(), conn, nil)
	_, err := ch.exchange(context.Background(), newTestQuery("example.com", dns.TypeA))
	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
	require.ErrorIs(t, err, errNoMatchingResponse)
	require.True(t, ch.broken())
}

func TestStreamChannelShortBody(t *testing.T) {
	respReader := bytes.NewReader([]byte{0x00, 0x0a, 0x01, 0x02, 0x03})
	conn := &netstub.FuncConn{
		WriteFunc:       func(p []byte) (int, error) { return len(p), nil },
		ReadFunc:        respReader.Read,
		SetDeadlineFunc: func(t time.Time) error { return nil },
		CloseFunc:       func() error { return nil },
	}

	ch := newStreamChannel(testEndpointDoT(), conn, nil)
	_, err := ch.exchange(context.Background(), newTestQuery("example.com", dns.TypeA))
	var ioErr *IOError
	require.ErrorAs(t, err, &ioErr)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	require.True(t, ch.broken())
}

func TestStreamChannelZeroLengthFrame(t *testing.T) {
	respReader := bytes.NewReader([]byte{0x00, 0x00})
	conn := &netstub.FuncConn{
		WriteFunc:       func(p []byte) (int, error) { return len(p), nil },
		ReadFunc:        respReader.Read,
		SetDeadlineFunc: func(t time.Time) error { return nil },
		CloseFunc:       func() error { return nil },
	}

	ch := newStreamChannel(testEndpointDoT(), conn, nil)
	_, err := ch.exchange(context.Background(), newTestQuery("example.com", dns.TypeA))
	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
	require.True(t, ch.broken())
}

func TestStreamChannelUnpackError(t *testing.T) {
	respReader := bytes.NewReader([]byte{0x00, 0x01, 0xff})
	conn := &netstub.FuncConn{
		WriteFunc:       func(p []byte) (int, error) { return len(p), nil },
		ReadFunc:        respReader.Read,
		SetDeadlineFunc: func(t time.Time) error { return nil },
		CloseFunc:       func() error { return nil },
	}

	ch := newStreamChannel(testEndpointDoT(), conn, nil)
	_, err := ch.exchange(context.Background(), newTestQuery("example.com", dns.TypeA))
	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
	require.True(t, ch.broken())
}

func TestStreamChannelWriteError(t *testing.T) {
	expected := errors.New("write failed")
	conn := &netstub.FuncConn{
		WriteFunc:       func(p []byte) (int, error) { return 0, expected },
		ReadFunc:        func(p []byte) (int, error) { return 0, io.EOF },
		SetDeadlineFunc: func(t time.Time) error { return nil },
		CloseFunc:       func() error { return nil },
	}

	ch := newStreamChannel(testEndpointDoT(), conn, nil)
	_, err := ch.exchange(context.Background(), newTestQuery("example.com", dns.TypeA))
	require.ErrorIs(t, err, expected)
	require.True(t, ch.broken())

	// A broken channel refuses further exchanges.
	_, err = ch.exchange(context.Background(), newTestQuery("example.com", dns.TypeA))
	require.ErrorIs(t, err, errChannelBroken)
}

func TestStreamChannelSetsDeadline(t *testing.T) {
	deadline := time.Now().Add(time.Second)
	var mu sync.Mutex
	var gotDeadlines []time.Time
	conn := &netstub.FuncConn{
		WriteFunc: func(p []byte) (int, error) { return len(p), nil },
		ReadFunc:  func(p []byte) (int, error) { return 0, io.EOF },
		SetDeadlineFunc: func(t time.Time) error {
			mu.Lock()
			defer mu.Unlock()
			gotDeadlines = append(gotDeadlines, t)
			return nil
		},
		CloseFunc: func() error { return nil },
	}

	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	ch := newStreamChannel(testEndpointDoT(), conn, nil)
	_, err := ch.exchange(ctx, newTestQuery("example.com", dns.TypeA))
	require.Error(t, err)
	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, gotDeadlines)
	require.WithinDuration(t, deadline, gotDeadlines[0], time.Second)
}

func TestStreamChannelCancellationMarksBroken(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	defer client.Close()

	// Consume the query, then stay silent so the exchange blocks
	// waiting for a response until the deadline aborts it.
	go func() {
		header := make([]byte, 2)
		if _, err := io.ReadFull(server, header); err != nil {
			return
		}
		payload := make([]byte, int(header[0])<<8|int(header[1]))
		_, _ = io.ReadFull(server, payload)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	ch := newStreamChannel(testEndpointDoT(), client, nil)
	_, err := ch.exchange(ctx, newTestQuery("example.com", dns.TypeA))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.True(t, ch.broken())

	// The write lock must have been released.
	_, err = ch.exchange(context.Background(), newTestQuery("example.com", dns.TypeA))
	require.ErrorIs(t, err, errChannelBroken)
}

func TestStreamChannelCloseIdempotent(t *testing.T) {
	var closed int
	conn := &netstub.FuncConn{
		CloseFunc: func() error {
			closed++
			return nil
		},
	}

	ch := newStreamChannel(testEndpointDoT(), conn, nil)
	require.NoError(t, ch.close())
	require.NoError(t, ch.close())
	require.Equal(t, 1, closed)
	require.True(t, ch.broken())
}

func TestStreamChannelObserveHooks(t *testing.T) {
	var (
		rawWritten []byte
		rawResp    []byte
		respReader *bytes.Reader
	)
	conn := &netstub.FuncConn{
		WriteFunc: func(p []byte) (int, error) {
			rawWritten = append([]byte{}, p...)
			rawResp = buildRawResponseFromQuery(t, p[2:])
			respReader = bytes.NewReader(frameFor(rawResp))
			return len(p), nil
		},
		ReadFunc: func(p []byte) (int, error) {
			if respReader == nil {
				return 0, io.EOF
			}
			return respReader.Read(p)
		},
		SetDeadlineFunc: func(t time.Time) error { return nil },
		CloseFunc:       func() error { return nil },
	}

	var hookQuery, hookResp []byte
	hooks := &observeHooks{
		rawQuery: func(p []byte) {
			hookQuery = append([]byte{}, p...)
			if len(p) > 0 {
				p[0] ^= 0xff // mutate to verify we've got a copy
			}
		},
		rawResponse: func(p []byte) {
			hookResp = append([]byte{}, p...)
			if len(p) > 0 {
				p[0] ^= 0xff
			}
		},
	}

	ch := newStreamChannel(testEndpointDoT(), conn, hooks)
	_, err := ch.exchange(context.Background(), newTestQuery("example.com", dns.TypeA))
	require.NoError(t, err)
	require.Equal(t, rawWritten[2:], hookQuery)
	require.Equal(t, rawResp, hookResp)
}

func TestOpenDoTDialContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ep := NewEndpointDoT("example.com", netip.MustParseAddr("127.0.0.1"))
	_, err := openDoT(ctx, ep, nil, net.DefaultResolver.LookupNetIP, nil)
	var connErr *ConnectError
	require.ErrorAs(t, err, &connErr)
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewStreamMsgFrame(t *testing.T) {
	frame := newStreamMsgFrame([]byte{0xaa, 0xbb, 0xcc})
	require.Equal(t, []byte{0x00, 0x03, 0xaa, 0xbb, 0xcc}, frame)
}
