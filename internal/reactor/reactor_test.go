// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package reactor

import (
	"log/slog"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/x1t/tinyPortMapper-rust/internal/breaker"
	"github.com/x1t/tinyPortMapper-rust/internal/config"
	"github.com/x1t/tinyPortMapper-rust/internal/handle"
	"github.com/x1t/tinyPortMapper-rust/internal/metrics"
	"github.com/x1t/tinyPortMapper-rust/internal/tcptable"
	"github.com/x1t/tinyPortMapper-rust/internal/udptable"
)

// newTestReactor builds a Reactor with a real epoll instance but no
// listeners, so handler methods can be driven directly against
// synthetic file descriptors without going through Run's poll loop.
func newTestReactor(t *testing.T) *Reactor {
	t.Helper()
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		t.Fatalf("EpollCreate1: %v", err)
	}
	t.Cleanup(func() { unix.Close(epfd) })

	cfg := config.Config{SocketBufSizeKB: 16}
	return &Reactor{
		cfg:      cfg,
		logger:   slog.Default(),
		counters: metrics.NoopCounters{},
		epfd:     epfd,
		fdTokens: make(map[int]token),
		handles:  handle.New(time.Now),
		tcpConns: tcptable.New(int64(360*time.Second), 30, 1),
		udp:      udptable.New(int64(180*time.Second), 30, 1),
		dialBreaker: breaker.New(breaker.Config{
			MaxFailures:  5,
			ResetTimeout: time.Minute,
		}),
	}
}

func mustSocketpair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestReadSideForwardsBytesToPeer(t *testing.T) {
	r := newTestReactor(t)

	localFD, clientFD := mustSocketpair(t)
	remoteFD, serverFD := mustSocketpair(t)

	localHandle := r.handles.Mint(localFD)
	remoteHandle := r.handles.Mint(remoteFD)

	conn := &tcptable.Connection{
		Local:  tcptable.NewEndpoint(localHandle, tcptable.DefaultBufferCapacity),
		Remote: tcptable.NewEndpoint(remoteHandle, tcptable.DefaultBufferCapacity),
	}

	payload := []byte("hello upstream")
	if _, err := unix.Write(clientFD, payload); err != nil {
		t.Fatalf("Write to client side: %v", err)
	}

	r.readSide(conn, conn.Local, conn.Remote)

	got := make([]byte, len(payload))
	n, err := unix.Read(serverFD, got)
	if err != nil {
		t.Fatalf("Read from server side: %v", err)
	}
	if string(got[:n]) != string(payload) {
		t.Fatalf("forwarded payload = %q; want %q", got[:n], payload)
	}
	if conn.Local.DataLen != 0 {
		t.Fatalf("Local.DataLen after full flush = %d; want 0", conn.Local.DataLen)
	}
}

func TestFlushSideSkipsDestinationStillConnecting(t *testing.T) {
	r := newTestReactor(t)

	localFD, _ := mustSocketpair(t)
	remoteFD, serverFD := mustSocketpair(t)

	localHandle := r.handles.Mint(localFD)
	remoteHandle := r.handles.Mint(remoteFD)

	conn := &tcptable.Connection{
		Local:            tcptable.NewEndpoint(localHandle, tcptable.DefaultBufferCapacity),
		Remote:           tcptable.NewEndpoint(remoteHandle, tcptable.DefaultBufferCapacity),
		RemoteConnecting: true,
	}
	copy(conn.Local.Free(), []byte("buffered"))
	conn.Local.Advance(len("buffered"))

	r.flushSide(conn, conn.Local, conn.Remote)

	if conn.Local.DataLen == 0 {
		t.Fatal("flushSide wrote through a still-connecting destination")
	}

	// Draining doesn't happen until the caller clears RemoteConnecting.
	conn.RemoteConnecting = false
	r.flushSide(conn, conn.Local, conn.Remote)
	if conn.Local.DataLen != 0 {
		t.Fatalf("Local.DataLen after connect completes = %d; want 0", conn.Local.DataLen)
	}

	got := make([]byte, 8)
	n, err := unix.Read(serverFD, got)
	if err != nil {
		t.Fatalf("Read from server side: %v", err)
	}
	if string(got[:n]) != "buffered" {
		t.Fatalf("forwarded payload = %q; want %q", got[:n], "buffered")
	}
}

func TestDestroyTCPConnectionReleasesBothHandles(t *testing.T) {
	r := newTestReactor(t)

	localFD, _ := mustSocketpair(t)
	remoteFD, _ := mustSocketpair(t)

	localHandle := r.handles.Mint(localFD)
	remoteHandle := r.handles.Mint(remoteFD)

	conn := &tcptable.Connection{
		Local:  tcptable.NewEndpoint(localHandle, tcptable.DefaultBufferCapacity),
		Remote: tcptable.NewEndpoint(remoteHandle, tcptable.DefaultBufferCapacity),
	}
	r.tcpConns.Insert(conn, 0)
	r.tcpSideRegister(localHandle, remoteHandle, conn)

	r.destroyTCPConnection(conn, "test")

	if _, ok := r.tcpConns.Get(localHandle); ok {
		t.Fatal("connection still present in tcpConns after destroy")
	}
	if _, ok := r.tcpSide[localHandle]; ok {
		t.Fatal("local handle still present in tcpSide after destroy")
	}
	if _, ok := r.tcpSide[remoteHandle]; ok {
		t.Fatal("remote handle still present in tcpSide after destroy")
	}
	if _, ok := r.handles.FD(localHandle); ok {
		t.Fatal("local handle still resolves to an fd after destroy")
	}
	if _, ok := r.handles.FD(remoteHandle); ok {
		t.Fatal("remote handle still resolves to an fd after destroy")
	}
}
