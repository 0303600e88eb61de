// SPDX-License-Identifier: GPL-3.0-or-later

package dnsfailover

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/miekg/dns"
)

// ErrNoEndpoints means the client has an empty endpoint list.
var ErrNoEndpoints = errors.New("dnsfailover: no endpoints configured")

// ErrHostNotFound means a resolve operation found no records for the
// requested name or address.
var ErrHostNotFound = errors.New("dnsfailover: host not found")

// errChannelBroken means an exchange was attempted on a broken channel.
var errChannelBroken = errors.New("channel is broken")

// errNoMatchingResponse means the server kept answering with IDs that
// do not belong to the query we sent.
var errNoMatchingResponse = errors.New("no response matching the query ID")

// ConnectError means we could not establish a channel to an endpoint:
// hostname resolution, TCP connect, TLS handshake, or an HTTP status
// outside the 2xx range. The dispatcher fails over to the next endpoint.
type ConnectError struct {
	// Endpoint describes the endpoint we could not connect to.
	Endpoint string

	// Err is the underlying error.
	Err error
}

var _ error = &ConnectError{}

// Error implements error.
func (e *ConnectError) Error() string {
	return fmt.Sprintf("dnsfailover: connect %s: %s", e.Endpoint, e.Err.Error())
}

// Unwrap returns the underlying error.
func (e *ConnectError) Unwrap() error {
	return e.Err
}

// IOError means an established channel failed mid-session: a read or
// write fault, or a short frame. The channel is invalidated and the
// dispatcher fails over to the next endpoint.
type IOError struct {
	// Endpoint describes the endpoint whose channel failed.
	Endpoint string

	// Err is the underlying error.
	Err error
}

var _ error = &IOError{}

// Error implements error.
func (e *IOError) Error() string {
	return fmt.Sprintf("dnsfailover: i/o %s: %s", e.Endpoint, e.Err.Error())
}

// Unwrap returns the underlying error.
func (e *IOError) Unwrap() error {
	return e.Err
}

// ProtocolError means the endpoint is reachable but misbehaving: wrong
// DoH content type, malformed frame, or a message the codec cannot
// decode. This is a server-configuration fault, not transient
// unavailability, so the dispatcher does NOT fail over.
type ProtocolError struct {
	// Endpoint describes the misbehaving endpoint.
	Endpoint string

	// Err is the underlying error.
	Err error
}

var _ error = &ProtocolError{}

// Error implements error.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("dnsfailover: protocol %s: %s", e.Endpoint, e.Err.Error())
}

// Unwrap returns the underlying error.
func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// StatusError means the response decoded correctly but carries a
// non-success rcode. Surfaced only when the client raises rcode errors
// (the default); otherwise the message is returned as data.
type StatusError struct {
	// Rcode is the DNS response code.
	Rcode int

	// Response is the decoded response message.
	Response *dns.Msg
}

var _ error = &StatusError{}

// Error implements error.
func (e *StatusError) Error() string {
	rc, ok := dns.RcodeToString[e.Rcode]
	if !ok {
		rc = fmt.Sprint(e.Rcode)
	}
	return fmt.Sprintf("dnsfailover: server returned %s", rc)
}

// AllFailedError aggregates the per-endpoint failures after every
// configured endpoint has been tried without success.
type AllFailedError struct {
	// Errors contains one entry per failed endpoint, in try order.
	Errors []error
}

var _ error = &AllFailedError{}

// Error implements error.
func (e *AllFailedError) Error() string {
	var sb strings.Builder
	sb.WriteString("dnsfailover: all resolvers failed")
	for _, err := range e.Errors {
		sb.WriteString("; ")
		sb.WriteString(err.Error())
	}
	return sb.String()
}

// Unwrap returns the per-endpoint errors.
func (e *AllFailedError) Unwrap() []error {
	return e.Errors
}

// isCancellation tells whether err is caused by caller cancellation or
// by the effective deadline expiring. Such errors always propagate and
// never count as endpoint failures.
func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
