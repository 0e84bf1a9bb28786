// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package reactor implements the single-threaded epoll-driven forwarding
// loop (spec.md §4.5–§4.7): one OS thread owns every socket, the TCP
// connection table, and the UDP session table, and drives them purely off
// kernel readiness notifications.
//
// # Architecture
//
//	┌────────┐  accept/recv   ┌──────────┐  connect/send   ┌────────┐
//	│ Client │ ─────────────→ │ Reactor  │ ──────────────→ │ Remote │
//	└────────┘ ←───────────── │ (epoll)  │ ←────────────── └────────┘
//	            send/write    └──────────┘   recv/readable
//
// Every registered socket carries a token recording its role
// (TcpListener, TcpLocal, TcpRemote, UdpListener, UdpRemote) so dispatch
// from an epoll_wait event is a single map lookup by file descriptor,
// never a table scan.
//
// # Scope
//
// This package targets Linux only: it is built directly on
// golang.org/x/sys/unix's epoll_create1/epoll_ctl/epoll_wait bindings, the
// same level the mio-based original implementation operated at. There is
// no kqueue/IOCP backend for BSD/Darwin/Windows.
package reactor
