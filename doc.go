// SPDX-License-Identifier: GPL-3.0-or-later

// Package dnsfailover implements a unicast DNS client that speaks
// DNS-over-TLS, DNS-over-HTTPS, and DNS-over-QUIC to an ordered list
// of resolver endpoints with automatic failover.
//
// The client keeps one secure channel per endpoint alive across
// queries, serializes writes on each channel, and moves to the next
// configured endpoint when a channel cannot be established or breaks
// mid-session. Endpoints are always tried in configuration order.
package dnsfailover
