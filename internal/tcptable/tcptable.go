// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tcptable owns the TcpConnection records and the LRU index that
// drives their eviction (spec.md §3, §4.3).
package tcptable

import (
	"time"

	"github.com/x1t/tinyPortMapper-rust/internal/handle"
	"github.com/x1t/tinyPortMapper-rust/internal/lru"
)

// DefaultBufferCapacity is the fixed per-endpoint forward buffer size
// (spec.md §3): 16 KiB.
const DefaultBufferCapacity = 16 * 1024

// Endpoint is one half of a TcpConnection: a socket handle plus the
// circular-free buffer region holding bytes read from this side that
// have not yet been flushed to its peer.
//
// Invariants (spec.md §3): 0 <= Begin <= cap(Buf); Begin+DataLen <=
// cap(Buf); DataLen == 0 implies Begin == 0.
type Endpoint struct {
	Handle  handle.Handle
	Buf     []byte
	Begin   int
	DataLen int

	// ReadArmed / WriteArmed mirror the reactor's readiness registration
	// for this side, so the handler can avoid redundant (re)arm calls.
	ReadArmed  bool
	WriteArmed bool
}

// NewEndpoint allocates a fresh endpoint with a capacity-sized buffer.
func NewEndpoint(h handle.Handle, capacity int) *Endpoint {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	return &Endpoint{Handle: h, Buf: make([]byte, capacity), ReadArmed: true}
}

// Free returns the contiguous free slice available for the next recv,
// compacting the buffer to offset 0 first if the tail would otherwise
// overrun capacity (spec.md §4.6 buffer compaction).
func (e *Endpoint) Free() []byte {
	if e.Begin+e.DataLen+1 > len(e.Buf) && e.Begin > 0 {
		copy(e.Buf, e.Buf[e.Begin:e.Begin+e.DataLen])
		e.Begin = 0
	}
	return e.Buf[e.Begin+e.DataLen:]
}

// Pending returns the bytes not yet flushed to the peer.
func (e *Endpoint) Pending() []byte {
	return e.Buf[e.Begin : e.Begin+e.DataLen]
}

// Full reports whether the buffer has no room left for a recv.
func (e *Endpoint) Full() bool { return e.DataLen >= len(e.Buf) }

// Advance records n freshly-received bytes.
func (e *Endpoint) Advance(n int) { e.DataLen += n }

// Consume records n bytes successfully flushed to the peer, resetting
// Begin to 0 once the buffer drains completely.
func (e *Endpoint) Consume(n int) {
	e.Begin += n
	e.DataLen -= n
	if e.DataLen == 0 {
		e.Begin = 0
	}
}

// Connection is a live TCP forwarding pair: the accepted client socket
// (Local) and the outbound socket to the fixed remote (Remote), per
// spec.md §3.
type Connection struct {
	Local  *Endpoint
	Remote *Endpoint

	Created          time.Time
	LastActive       int64 // unix nanoseconds, written with plain (non-atomic) stores from the reactor goroutine
	RemoteConnecting bool
}

// Table owns the handle->Connection map keyed by the Local handle, plus
// the LRU index used for eviction (spec.md §4.3).
type Table struct {
	conns   map[handle.Handle]*Connection
	idx     *lru.Index[handle.Handle, *Connection]
	Timeout int64 // nanoseconds
	Ratio   int
	Min     int
}

// New builds an empty table with the given timeout (nanoseconds), sweep
// ratio, and sweep minimum (spec.md §4.3 defaults: 360s, 1/30, 1).
func New(timeout int64, ratio, min int) *Table {
	return &Table{
		conns: make(map[handle.Handle]*Connection),
		idx:   lru.New[handle.Handle, *Connection](func(a, b handle.Handle) bool { return a < b }),
		Timeout: timeout,
		Ratio:   ratio,
		Min:     min,
	}
}

// Insert stores conn keyed by its Local handle and returns that handle.
func (t *Table) Insert(conn *Connection, now int64) handle.Handle {
	h := conn.Local.Handle
	t.conns[h] = conn
	t.idx.Insert(h, conn, now)
	return h
}

// Get returns the connection for h, if live.
func (t *Table) Get(h handle.Handle) (*Connection, bool) {
	c, ok := t.conns[h]
	return c, ok
}

// Touch moves h to the front of the LRU order and updates its
// last-active field (a plain store, not an atomic one).
func (t *Table) Touch(h handle.Handle, now int64) {
	if c, ok := t.conns[h]; ok {
		c.LastActive = now
	}
	t.idx.Touch(h, now)
}

// Remove destroys the connection record for h. The caller is responsible
// for releasing the two underlying handles/sockets.
func (t *Table) Remove(h handle.Handle) (*Connection, bool) {
	c, ok := t.conns[h]
	if !ok {
		return nil, false
	}
	delete(t.conns, h)
	t.idx.Remove(h)
	return c, true
}

// Len reports the number of live connections.
func (t *Table) Len() int { return len(t.conns) }

// Handles returns every live connection's key, for callers that need to
// iterate the whole table (e.g. shutdown teardown).
func (t *Table) Handles() []handle.Handle {
	out := make([]handle.Handle, 0, len(t.conns))
	for h := range t.conns {
		out = append(out, h)
	}
	return out
}

// Sweep evicts connections whose last-active time is older than
// now-Timeout, bounded by max(Len()/Ratio, Min) removals, and returns
// the evicted connections for the caller to tear down.
func (t *Table) Sweep(now int64) []*Connection {
	keys := t.idx.Sweep(now, t.Timeout, t.Ratio, t.Min)
	out := make([]*Connection, 0, len(keys))
	for _, k := range keys {
		if c, ok := t.conns[k]; ok {
			delete(t.conns, k)
			out = append(out, c)
		}
	}
	return out
}
