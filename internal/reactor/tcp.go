// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package reactor

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"

	"github.com/x1t/tinyPortMapper-rust/internal/address"
	"github.com/x1t/tinyPortMapper-rust/internal/applog"
	"github.com/x1t/tinyPortMapper-rust/internal/errs"
	"github.com/x1t/tinyPortMapper-rust/internal/handle"
	"github.com/x1t/tinyPortMapper-rust/internal/tcptable"
)

// acceptLoop drains every pending connection on the listener, per
// spec.md §4.6's accept path: "loop: accept; on EAGAIN stop."
func (r *Reactor) acceptLoop() {
	for {
		fd, sa, err := unix.Accept4(r.tcpListenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			if err == unix.EMFILE || err == unix.ENFILE {
				wrapped := errs.New("accept", "tcp", 0, "", errs.ErrResourceExhausted)
				r.warnRateLimited("accept_emfile", wrapped.Error(), slog.String("errno", err.Error()))
				return
			}
			r.logger.Error("accept failed", slog.String("error", err.Error()))
			return
		}

		clientEp, epErr := sockaddrToEndpoint(sa)
		if epErr != nil {
			unix.Close(fd)
			continue
		}

		if r.atCapacity() {
			unix.Close(fd)
			r.logger.Debug("tcp: connection dropped",
				slog.String("error", errs.New("accept", "tcp", 0, clientEp.String(), errs.ErrCapacityExceeded).Error()))
			r.counters.IncTCPConnections("capacity_exceeded")
			continue
		}

		r.acceptOne(fd, clientEp)
	}
}

// acceptOne builds the outbound socket and TcpConnection record for one
// freshly-accepted client socket (spec.md §4.6).
func (r *Reactor) acceptOne(localFD int, clientEp address.Endpoint) {
	if !r.dialBreaker.Allow() {
		unix.Close(localFD)
		r.counters.IncTCPConnections("breaker_open")
		return
	}

	remoteTranslated, err := r.remote.Translate(r.fwdType)
	if err != nil {
		unix.Close(localFD)
		r.logger.Warn("tcp: remote translation failed", slog.String("error", err.Error()))
		r.counters.IncTCPConnections("translate_error")
		return
	}

	family := r.fwdType.SockFamily(r.remote)
	remoteFD, err := dialNonBlocking(family, remoteTranslated, r.cfg.SocketBufSizeBytes(), r.cfg.BindInterface)
	if err != nil {
		// A connect that is still in progress is recorded by
		// completeConnect once SO_ERROR reports its outcome.
		r.dialBreaker.RecordResult(err)
		unix.Close(localFD)
		r.logger.Warn("tcp: outbound connect failed",
			slog.String("error", errs.New("connect", "tcp", 0, remoteTranslated.String(), err).Error()))
		r.counters.IncTCPConnections("connect_error")
		return
	}

	if err := applyCommonSocketOptions(localFD, r.cfg.SocketBufSizeBytes(), ""); err != nil {
		r.logger.Debug("tcp: local socket option failed", slog.String("error", err.Error()))
	}

	now := time.Now()
	localHandle := r.handles.Mint(localFD)
	remoteHandle := r.handles.Mint(remoteFD)

	bufCap := r.cfg.SocketBufSizeBytes()
	conn := &tcptable.Connection{
		Local:            tcptable.NewEndpoint(localHandle, bufCap),
		Remote:           tcptable.NewEndpoint(remoteHandle, bufCap),
		Created:          now,
		RemoteConnecting: true,
	}
	// The remote side isn't readable until connect completes; it only
	// wants WRITABLE, to catch the completion event (spec.md §4.6).
	conn.Remote.ReadArmed = false
	conn.Remote.WriteArmed = true

	r.tcpConns.Insert(conn, now.UnixNano())
	r.tcpSideRegister(localHandle, remoteHandle, conn)

	if err := r.epollAdd(localFD, unix.EPOLLIN, token{role: RoleTCPLocal, handle: localHandle}); err != nil {
		r.logger.Error("tcp: epoll add local failed", slog.String("error", err.Error()))
	}
	if err := r.epollAdd(remoteFD, unix.EPOLLOUT, token{role: RoleTCPRemote, handle: remoteHandle}); err != nil {
		r.logger.Error("tcp: epoll add remote failed", slog.String("error", err.Error()))
	}

	applog.Trace(context.Background(), r.logger, "tcp: accepted",
		slog.String("client", clientEp.String()), slog.String("remote", remoteTranslated.String()))
	r.counters.IncTCPConnections("accepted")
}

// handleTCPEvent dispatches a readiness event for either side of a
// connection (spec.md §4.6).
func (r *Reactor) handleTCPEvent(tok token, events uint32) {
	conn, ok := r.tcpSide[tok.handle]
	if !ok {
		return
	}

	isLocal := tok.role == RoleTCPLocal
	this, other := conn.Local, conn.Remote
	if !isLocal {
		this, other = conn.Remote, conn.Local
	}

	if conn.RemoteConnecting && !isLocal {
		r.completeConnect(conn)
		return
	}

	if events&unix.EPOLLOUT != 0 {
		// this fd became writable: push the other endpoint's buffered
		// bytes (received from the other side) into it.
		r.flushSide(conn, other, this)
	}
	if events&unix.EPOLLIN != 0 {
		// this fd became readable: read into this endpoint's buffer, then
		// attempt to flush it straight to the other side.
		r.readSide(conn, this, other)
	}
	if events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		// flushSide/readSide above may have already torn this connection
		// down (e.g. EOF on the same event); re-check liveness so a
		// coalesced EPOLLIN|EPOLLHUP doesn't double-destroy and
		// double-count the terminal outcome (spec.md §8: exactly one
		// destroy per connection).
		if _, stillLive := r.tcpSide[tok.handle]; stillLive {
			r.destroyTCPConnection(conn, "hangup")
		}
	}
}

// completeConnect probes SO_ERROR on the first WRITABLE event for a
// connecting remote socket (spec.md §4.6).
func (r *Reactor) completeConnect(conn *tcptable.Connection) {
	err := func() error {
		fd, ok := r.handles.FD(conn.Remote.Handle)
		if !ok {
			return unix.EBADF
		}
		return soError(fd)
	}()
	r.dialBreaker.RecordResult(err)
	if err != nil {
		r.logger.Warn("tcp: connect failed", slog.String("error", err.Error()))
		r.counters.IncConnectionError("tcp_connect")
		r.destroyTCPConnection(conn, "connect_error")
		return
	}

	conn.RemoteConnecting = false
	conn.Remote.ReadArmed = true
	conn.Remote.WriteArmed = false
	r.syncEvents(conn.Remote)

	if conn.Local.DataLen > 0 {
		r.flushSide(conn, conn.Local, conn.Remote)
	}
}

// readSide implements the read path for whichever endpoint became
// readable (spec.md §4.6).
func (r *Reactor) readSide(conn *tcptable.Connection, side, peer *tcptable.Endpoint) {
	fd, ok := r.handles.FD(side.Handle)
	if !ok {
		return
	}

	for side.DataLen < len(side.Buf) {
		buf := side.Free()
		if len(buf) == 0 {
			break
		}
		n, rerr := unix.Read(fd, buf)
		switch {
		case n > 0:
			side.Advance(n)
			r.touchConn(conn)
			r.trackBytesIn(n)
		case n == 0:
			r.destroyTCPConnection(conn, "eof")
			return
		case rerr == unix.EAGAIN || rerr == unix.EWOULDBLOCK:
			side.ReadArmed = true
			goto drained
		default:
			r.logger.Warn("tcp: recv failed",
				slog.String("error", errs.New("recv", "tcp", uint64(side.Handle), "", rerr).Error()))
			r.counters.IncConnectionError("tcp_recv")
			r.destroyTCPConnection(conn, "recv_error")
			return
		}
	}
drained:

	r.flushSide(conn, side, peer)

	if side.Full() && side.ReadArmed {
		side.ReadArmed = false
		r.syncEvents(side)
	}
}

// flushSide pushes source's pending bytes to dest's socket (spec.md §4.6
// write path): source is the buffer holding data read from one side,
// dest is the other side's socket.
func (r *Reactor) flushSide(conn *tcptable.Connection, source, dest *tcptable.Endpoint) {
	if conn.RemoteConnecting && dest.Handle == conn.Remote.Handle {
		return
	}
	destFD, ok := r.handles.FD(dest.Handle)
	if !ok {
		return
	}

	wasFull := source.Full()

	for source.DataLen > 0 {
		n, werr := unix.Write(destFD, source.Pending())
		switch {
		case n > 0:
			source.Consume(n)
			r.touchConn(conn)
			r.trackBytesOut(n)
		case werr == unix.EAGAIN || werr == unix.EWOULDBLOCK:
			if !dest.WriteArmed {
				dest.WriteArmed = true
				r.syncEvents(dest)
			}
			goto stopped
		default:
			r.logger.Warn("tcp: send failed",
				slog.String("error", errs.New("send", "tcp", uint64(dest.Handle), "", werr).Error()))
			r.counters.IncConnectionError("tcp_send")
			r.destroyTCPConnection(conn, "send_error")
			return
		}
	}

	if dest.WriteArmed {
		dest.WriteArmed = false
		r.syncEvents(dest)
	}

stopped:
	if wasFull && !source.Full() && !source.ReadArmed {
		source.ReadArmed = true
		r.syncEvents(source)
	}
}

// syncEvents writes ep's combined ReadArmed/WriteArmed intent to the
// kernel as a single epoll_ctl MOD, since the two flags may both be set
// on the same fd at once (e.g. local is readable while also catching up
// on a backlog from remote).
func (r *Reactor) syncEvents(ep *tcptable.Endpoint) {
	fd, ok := r.handles.FD(ep.Handle)
	if !ok {
		return
	}
	var events uint32
	if ep.ReadArmed {
		events |= unix.EPOLLIN
	}
	if ep.WriteArmed {
		events |= unix.EPOLLOUT
	}
	if err := r.epollModify(fd, events); err != nil {
		r.logger.Error("tcp: epoll modify failed", slog.String("error", err.Error()))
	}
}

func (r *Reactor) touchConn(conn *tcptable.Connection) {
	now := time.Now().UnixNano()
	conn.LastActive = now
	r.tcpConns.Touch(conn.Local.Handle, now)
}

func (r *Reactor) trackBytesIn(n int) {
	r.bytesIn.Add(uint64(n))
	r.counters.AddBytesForwarded("tcp", "in", float64(n))
}

func (r *Reactor) trackBytesOut(n int) {
	r.bytesOut.Add(uint64(n))
	r.counters.AddBytesForwarded("tcp", "out", float64(n))
}

// destroyTCPConnection tears down both sockets of conn and removes it
// from every index (spec.md §4.6 state machine: any path into Destroyed).
func (r *Reactor) destroyTCPConnection(conn *tcptable.Connection, reason string) {
	r.tcpConns.Remove(conn.Local.Handle)
	delete(r.tcpSide, conn.Local.Handle)
	delete(r.tcpSide, conn.Remote.Handle)

	r.closeHandle(conn.Local.Handle)
	r.closeHandle(conn.Remote.Handle)

	r.counters.IncTCPConnections("closed_" + reason)
	r.counters.SetActiveTCP(float64(r.tcpConns.Len()))
}

func (r *Reactor) closeHandle(h handle.Handle) {
	if fd, ok := r.handles.FD(h); ok {
		r.epollRemove(fd)
		unix.Close(fd)
	}
	r.handles.Release(h)
}

// tcpSideRegister indexes conn by both its local and remote handles so an
// epoll event on either fd resolves straight to the connection record.
func (r *Reactor) tcpSideRegister(localHandle, remoteHandle handle.Handle, conn *tcptable.Connection) {
	if r.tcpSide == nil {
		r.tcpSide = make(map[handle.Handle]*tcptable.Connection)
	}
	r.tcpSide[localHandle] = conn
	r.tcpSide[remoteHandle] = conn
}
