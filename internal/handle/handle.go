// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package handle implements the handle registry: stable, monotonically
// issued 64-bit identifiers standing in for raw OS socket descriptors, so
// deferred reactor callbacks never alias a recycled fd (spec.md §4.1).
package handle

import "time"

// Handle is an opaque identifier for a registered OS socket. It is unique
// for the lifetime of the process and never reused.
type Handle uint64

// Info carries the metadata the registry tracks per handle.
type Info struct {
	FD         int
	Created    time.Time
	LastActive int64 // unix nanoseconds, written with plain (non-atomic) stores by Touch
}

// Registry maps Handles to raw file descriptors and back. It is owned by
// the reactor and accessed only from the reactor goroutine; no locking is
// needed on the hot path (spec.md §4.1, §5).
type Registry struct {
	next    uint64
	byFD    map[int]Handle
	byHdl   map[Handle]*Info
	nowFunc func() time.Time
}

// New creates an empty registry. nowFunc defaults to time.Now and can be
// overridden in tests for deterministic sweeps.
func New(nowFunc func() time.Time) *Registry {
	if nowFunc == nil {
		nowFunc = time.Now
	}
	return &Registry{
		byFD:    make(map[int]Handle),
		byHdl:   make(map[Handle]*Info),
		nowFunc: nowFunc,
	}
}

// Mint issues a new handle for fd, recording the current time as both
// creation and last-active timestamps.
func (r *Registry) Mint(fd int) Handle {
	r.next++
	h := Handle(r.next)
	now := r.nowFunc().UnixNano()
	r.byFD[fd] = h
	r.byHdl[h] = &Info{FD: fd, Created: r.nowFunc(), LastActive: now}
	return h
}

// FD resolves a handle to its live file descriptor. ok is false if the
// handle has been released (a stale callback resolving it can no-op
// safely, per spec.md §9).
func (r *Registry) FD(h Handle) (fd int, ok bool) {
	info, ok := r.byHdl[h]
	if !ok {
		return 0, false
	}
	return info.FD, true
}

// Lookup resolves a raw fd back to its current handle, if registered.
func (r *Registry) Lookup(fd int) (Handle, bool) {
	h, ok := r.byFD[fd]
	return h, ok
}

// Touch updates a handle's last-active timestamp.
func (r *Registry) Touch(h Handle) {
	if info, ok := r.byHdl[h]; ok {
		info.LastActive = r.nowFunc().UnixNano()
	}
}

// Info returns the metadata for a handle.
func (r *Registry) Info(h Handle) (Info, bool) {
	info, ok := r.byHdl[h]
	if !ok {
		return Info{}, false
	}
	return *info, true
}

// Release drops both mappings and the metadata for h. The integer itself
// is never reissued.
func (r *Registry) Release(h Handle) {
	info, ok := r.byHdl[h]
	if !ok {
		return
	}
	delete(r.byFD, info.FD)
	delete(r.byHdl, h)
}

// Len reports the number of live handles.
func (r *Registry) Len() int { return len(r.byHdl) }
