// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package udptable owns the UdpSession records, keyed primarily by client
// address with a secondary handle->address index for reply demux
// (spec.md §3, §4.4).
package udptable

import (
	"time"

	"github.com/x1t/tinyPortMapper-rust/internal/address"
	"github.com/x1t/tinyPortMapper-rust/internal/handle"
	"github.com/x1t/tinyPortMapper-rust/internal/lru"
)

// Session is a live UDP forwarding relationship for one client address.
type Session struct {
	Client   address.Endpoint
	Outbound handle.Handle // connected outbound socket to the remote

	Created    time.Time
	LastActive int64
}

// Table holds the client-address-keyed primary map, the handle->address
// secondary index, and the LRU index used for eviction (spec.md §4.4).
type Table struct {
	sessions  map[address.Endpoint]*Session
	byHandle  map[handle.Handle]address.Endpoint
	idx       *lru.Index[address.Endpoint, *Session]
	Timeout   int64
	Ratio     int
	Min       int
}

func lessEndpoint(a, b address.Endpoint) bool {
	return a.String() < b.String()
}

// New builds an empty table (spec.md §4.4 default timeout: 180s).
func New(timeout int64, ratio, min int) *Table {
	return &Table{
		sessions: make(map[address.Endpoint]*Session),
		byHandle: make(map[handle.Handle]address.Endpoint),
		idx:      lru.New[address.Endpoint, *Session](lessEndpoint),
		Timeout:  timeout,
		Ratio:    ratio,
		Min:      min,
	}
}

// Insert installs sess in both indices atomically (single call, no
// interleaved mutation), maintaining the invariant that the primary and
// secondary indices agree (spec.md §3, §4.4).
func (t *Table) Insert(sess *Session, now int64) {
	t.sessions[sess.Client] = sess
	t.byHandle[sess.Outbound] = sess.Client
	t.idx.Insert(sess.Client, sess, now)
}

// Get returns the session for a client address.
func (t *Table) Get(client address.Endpoint) (*Session, bool) {
	s, ok := t.sessions[client]
	return s, ok
}

// LookupByHandle returns the client address owning the outbound socket
// identified by h, for reply demultiplexing (spec.md §4.7 egress path).
func (t *Table) LookupByHandle(h handle.Handle) (address.Endpoint, bool) {
	addr, ok := t.byHandle[h]
	return addr, ok
}

// Touch moves client to the front of the LRU order and updates the
// session's last-active field (a plain store, not an atomic one).
func (t *Table) Touch(client address.Endpoint, now int64) {
	if s, ok := t.sessions[client]; ok {
		s.LastActive = now
	}
	t.idx.Touch(client, now)
}

// Remove drops client from both indices in one critical section.
func (t *Table) Remove(client address.Endpoint) (*Session, bool) {
	s, ok := t.sessions[client]
	if !ok {
		return nil, false
	}
	delete(t.sessions, client)
	delete(t.byHandle, s.Outbound)
	t.idx.Remove(client)
	return s, true
}

// Len reports the number of live sessions.
func (t *Table) Len() int { return len(t.sessions) }

// Clients returns every live session's client address key, for callers
// that need to iterate the whole table (e.g. shutdown teardown).
func (t *Table) Clients() []address.Endpoint {
	out := make([]address.Endpoint, 0, len(t.sessions))
	for addr := range t.sessions {
		out = append(out, addr)
	}
	return out
}

// Sweep evicts sessions older than now-Timeout, bounded by
// max(Len()/Ratio, Min) removals, updating both indices for each
// eviction and returning the evicted sessions.
func (t *Table) Sweep(now int64) []*Session {
	keys := t.idx.Sweep(now, t.Timeout, t.Ratio, t.Min)
	out := make([]*Session, 0, len(keys))
	for _, k := range keys {
		if s, ok := t.sessions[k]; ok {
			delete(t.sessions, k)
			delete(t.byHandle, s.Outbound)
			out = append(out, s)
		}
	}
	return out
}
