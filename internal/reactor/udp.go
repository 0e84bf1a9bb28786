// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package reactor

import (
	"log/slog"
	"time"

	"golang.org/x/sys/unix"

	"github.com/x1t/tinyPortMapper-rust/internal/address"
	"github.com/x1t/tinyPortMapper-rust/internal/errs"
	"github.com/x1t/tinyPortMapper-rust/internal/handle"
	"github.com/x1t/tinyPortMapper-rust/internal/udptable"
)

// udpRecvBufSize sizes the per-call recv buffer; the full datagram range
// is only needed when -d (fragment) is configured (spec.md §4.7).
func (r *Reactor) udpRecvBufSize() int {
	if r.cfg.UDPFragment {
		return maxUDPDatagram
	}
	return 2048
}

// handleUDPIngress drains every pending datagram on the listener socket,
// demultiplexing by client address into sessions (spec.md §4.7).
func (r *Reactor) handleUDPIngress() {
	buf := make([]byte, r.udpRecvBufSize())
	for {
		n, sa, err := unix.Recvfrom(r.udpListenFD, buf, 0)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			r.logger.Warn("udp: recvfrom failed", slog.String("error", err.Error()))
			return
		}

		clientEp, epErr := sockaddrToEndpoint(sa)
		if epErr != nil {
			continue
		}

		sess, ok := r.udp.Get(clientEp)
		if !ok {
			sess, ok = r.newUDPSession(clientEp)
			if !ok {
				continue
			}
		}

		r.sendToOutbound(sess, buf[:n])
	}
}

// newUDPSession dials the translated remote and registers a fresh session
// for clientEp (spec.md §4.7). Returns ok=false if the session could not
// be created (capacity, breaker, or dial failure), in which case the
// datagram that triggered it is simply dropped.
func (r *Reactor) newUDPSession(clientEp address.Endpoint) (*udptable.Session, bool) {
	if r.atCapacity() {
		r.logger.Debug("udp: session dropped",
			slog.String("error", errs.New("ingress", "udp", 0, clientEp.String(), errs.ErrCapacityExceeded).Error()))
		r.counters.IncUDPSessions("capacity_exceeded")
		return nil, false
	}
	if !r.dialBreaker.Allow() {
		r.counters.IncUDPSessions("breaker_open")
		return nil, false
	}

	remoteTranslated, err := r.remote.Translate(r.fwdType)
	if err != nil {
		r.logger.Warn("udp: remote translation failed", slog.String("error", err.Error()))
		r.counters.IncUDPSessions("translate_error")
		return nil, false
	}

	family := r.fwdType.SockFamily(r.remote)
	outFD, err := newOutboundUDPSocket(family, remoteTranslated, r.cfg.SocketBufSizeBytes(), r.cfg.BindInterface)
	r.dialBreaker.RecordResult(err)
	if err != nil {
		r.logger.Warn("udp: outbound connect failed",
			slog.String("error", errs.New("connect", "udp", 0, remoteTranslated.String(), err).Error()))
		r.counters.IncUDPSessions("connect_error")
		return nil, false
	}

	now := time.Now()
	outHandle := r.handles.Mint(outFD)
	sess := &udptable.Session{
		Client:     clientEp,
		Outbound:   outHandle,
		Created:    now,
		LastActive: now.UnixNano(),
	}
	r.udp.Insert(sess, now.UnixNano())

	if err := r.epollAdd(outFD, unix.EPOLLIN, token{role: RoleUDPRemote, handle: outHandle}); err != nil {
		r.logger.Error("udp: epoll add outbound failed", slog.String("error", err.Error()))
	}

	r.counters.IncUDPSessions("created")
	return sess, true
}

// sendToOutbound forwards payload on sess's outbound socket, dropping it
// silently on EAGAIN (spec.md §4.7: UDP is best-effort, there is no
// buffering or back-pressure for datagrams).
func (r *Reactor) sendToOutbound(sess *udptable.Session, payload []byte) {
	fd, ok := r.handles.FD(sess.Outbound)
	if !ok {
		return
	}
	now := time.Now().UnixNano()
	n, err := unix.Write(fd, payload)
	switch {
	case err == nil:
		sess.LastActive = now
		r.udp.Touch(sess.Client, now)
		r.trackUDPBytes(n, "out")
	case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
		r.counters.IncConnectionError("udp_send_dropped")
	default:
		r.logger.Debug("udp: send to remote failed", slog.String("error", err.Error()))
		r.counters.IncConnectionError("udp_send")
		r.destroyUDPSession(sess)
	}
}

// handleUDPEgress drains replies from the outbound socket for h, relaying
// each back to the owning client through the shared listener socket
// (spec.md §4.7).
func (r *Reactor) handleUDPEgress(h handle.Handle) {
	clientEp, ok := r.udp.LookupByHandle(h)
	if !ok {
		return
	}
	sess, ok := r.udp.Get(clientEp)
	if !ok {
		return
	}

	fd, ok := r.handles.FD(h)
	if !ok {
		return
	}

	buf := make([]byte, r.udpRecvBufSize())
	for {
		n, err := unix.Read(fd, buf)
		switch {
		case n > 0:
			now := time.Now().UnixNano()
			sess.LastActive = now
			r.udp.Touch(sess.Client, now)
			r.trackUDPBytes(n, "in")
			if sendErr := unix.Sendto(r.udpListenFD, buf[:n], 0, endpointToSockaddr(clientEp)); sendErr != nil {
				if sendErr != unix.EAGAIN && sendErr != unix.EWOULDBLOCK {
					r.logger.Debug("udp: reply sendto failed", slog.String("error", sendErr.Error()))
				}
			}
		case n == 0:
			return
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
			return
		default:
			r.logger.Debug("udp: recv from remote failed", slog.String("error", err.Error()))
			r.counters.IncConnectionError("udp_recv")
			r.destroyUDPSession(sess)
			return
		}
	}
}

func (r *Reactor) trackUDPBytes(n int, direction string) {
	if direction == "in" {
		r.bytesIn.Add(uint64(n))
	} else {
		r.bytesOut.Add(uint64(n))
	}
	r.counters.AddBytesForwarded("udp", direction, float64(n))
}

// destroyUDPSession removes sess from the table and releases its outbound
// socket (spec.md §4.7).
func (r *Reactor) destroyUDPSession(sess *udptable.Session) {
	r.udp.Remove(sess.Client)
	r.closeHandle(sess.Outbound)
	r.counters.SetActiveUDP(float64(r.udp.Len()))
}
