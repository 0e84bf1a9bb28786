// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package reactor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/x1t/tinyPortMapper-rust/internal/address"
	"github.com/x1t/tinyPortMapper-rust/internal/applog"
	"github.com/x1t/tinyPortMapper-rust/internal/breaker"
	"github.com/x1t/tinyPortMapper-rust/internal/config"
	"github.com/x1t/tinyPortMapper-rust/internal/errs"
	"github.com/x1t/tinyPortMapper-rust/internal/handle"
	"github.com/x1t/tinyPortMapper-rust/internal/metrics"
	"github.com/x1t/tinyPortMapper-rust/internal/ratelimit"
	"github.com/x1t/tinyPortMapper-rust/internal/tcptable"
	"github.com/x1t/tinyPortMapper-rust/internal/udptable"
)

// listenFDBufSize is LISTEN_FD_BUF_SIZE from the original implementation
// (SPEC_FULL.md §9.2): 2 MiB, distinct from the per-connection
// socket_buf_size.
const listenFDBufSize = 2 * 1024 * 1024

// maxUDPDatagram (64 KiB) holds the largest possible UDP datagram; it
// sizes the receive buffer when the -d fragmentation option is set
// (spec.md §4.7).
const maxUDPDatagram = 65536

const (
	pollTimeoutMS  = 400
	sweepInterval  = 400 * time.Millisecond
	statsInterval  = 10 * time.Second
	maxEpollEvents = 256
)

// Role identifies what kind of socket a token refers to (spec.md §4.5).
type Role uint8

const (
	RoleTCPListener Role = iota
	RoleTCPLocal
	RoleTCPRemote
	RoleUDPListener
	RoleUDPRemote
)

// token is what an epoll event resolves to: the role selects the handler
// entry point, the handle selects the record (spec.md §4.5).
type token struct {
	role   Role
	handle handle.Handle
}

// Reactor is the single-threaded forwarding loop. Every field below is
// touched only from Run's goroutine except the atomic ones: shutdown,
// which Shutdown may set from any goroutine, and the byte counters and
// poll/sweep timestamps, which other goroutines may read.
type Reactor struct {
	cfg      config.Config
	logger   *slog.Logger
	counters metrics.Counters

	epfd int

	fdTokens map[int]token // raw fd -> token, the injective mapping spec.md §4.5 calls for
	handles  *handle.Registry

	tcpConns *tcptable.Table
	tcpSide  map[handle.Handle]*tcptable.Connection // both local and remote handles -> connection
	udp      *udptable.Table

	fwdType address.FwdType
	remote  address.Endpoint

	tcpListenFD int
	udpListenFD int
	udpFamily   address.Family

	dialBreaker  *breaker.CircuitBreaker
	resourceRate *ratelimit.Group

	shutdown atomic.Bool

	bytesIn  atomic.Uint64
	bytesOut atomic.Uint64

	lastSweep time.Time
	lastStats time.Time

	// lastPollNanos/lastSweepNanos mirror lastSweep (and the moment each
	// poll iteration completes) as atomically-readable unix nanoseconds,
	// so a health check running on a different goroutine (the
	// observability HTTP server) can read reactor liveness without racing
	// the reactor's own loop (spec.md §5: only last_active-style fields
	// are concurrently readable).
	lastPollNanos  atomic.Int64
	lastSweepNanos atomic.Int64
}

// New builds a Reactor from validated configuration. It does not open any
// sockets yet; call Run to start listening.
func New(cfg config.Config, logger *slog.Logger, counters metrics.Counters) (*Reactor, error) {
	fwdType, err := address.ParseFwdType(cfg.FwdType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrConfigFatal, err)
	}
	remote, err := address.Parse(cfg.RemoteAddr, address.FamilyV4)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid remote_addr: %v", errs.ErrConfigFatal, err)
	}
	if counters == nil {
		counters = metrics.NoopCounters{}
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("%w: epoll_create1: %v", errs.ErrConfigFatal, err)
	}

	r := &Reactor{
		cfg:          cfg,
		logger:       logger,
		counters:     counters,
		epfd:         epfd,
		fdTokens:     make(map[int]token),
		handles:      handle.New(time.Now),
		tcpConns:     tcptable.New(cfg.TCPTimeoutSeconds*int64(time.Second), cfg.ConnClearRatio, cfg.ConnClearMin),
		udp:          udptable.New(cfg.UDPTimeoutSeconds*int64(time.Second), cfg.ConnClearRatio, cfg.ConnClearMin),
		fwdType:      fwdType,
		remote:       remote,
		tcpListenFD:  -1,
		udpListenFD:  -1,
		dialBreaker:  breaker.New(breaker.Config{MaxFailures: cfg.BreakerMaxFailures, ResetTimeout: time.Duration(cfg.BreakerResetSeconds) * time.Second}),
		resourceRate: ratelimit.NewGroup(1, 1), // at most one warn/second per resource-exhaustion kind
	}

	r.dialBreaker.OnStateChange(func(from, to breaker.State) {
		r.counters.SetBreakerState("remote", float64(to))
		if to == breaker.StateOpen {
			r.counters.IncBreakerTrip("remote")
		}
		r.logger.Warn("outbound dial circuit breaker state changed",
			slog.String("from", from.String()), slog.String("to", to.String()))
	})

	return r, nil
}

// Shutdown sets the shutdown flag; the reactor exits within one poll
// quantum (spec.md §5).
func (r *Reactor) Shutdown() {
	r.shutdown.Store(true)
}

// epollAdd registers fd for the given event mask and installs its token.
func (r *Reactor) epollAdd(fd int, events uint32, tok token) error {
	r.fdTokens[fd] = tok
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: events, Fd: int32(fd)})
}

// epollModify changes the registered event mask for fd.
func (r *Reactor) epollModify(fd int, events uint32) error {
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Events: events, Fd: int32(fd)})
}

// epollRemove deregisters fd entirely.
func (r *Reactor) epollRemove(fd int) {
	delete(r.fdTokens, fd)
	_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Run opens the configured listeners and blocks in the poll loop until
// Shutdown is called or ctx is cancelled (spec.md §4.5).
func (r *Reactor) Run(ctx context.Context) error {
	if r.cfg.EnableTCP {
		fd, err := bindTCPListener(mustListenEndpoint(r.cfg.ListenAddr))
		if err != nil {
			return fmt.Errorf("%w: %v", errs.ErrConfigFatal, err)
		}
		r.tcpListenFD = fd
		if err := r.epollAdd(fd, unix.EPOLLIN, token{role: RoleTCPListener}); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrConfigFatal, err)
		}
		r.logger.Info("tcp listener started", slog.String("addr", r.cfg.ListenAddr))
	}

	if r.cfg.EnableUDP {
		ep := mustListenEndpoint(r.cfg.ListenAddr)
		fd, err := bindUDPListener(ep, r.cfg.UDPFragment)
		if err != nil {
			return fmt.Errorf("%w: %v", errs.ErrConfigFatal, err)
		}
		r.udpListenFD = fd
		r.udpFamily = ep.Family()
		udpToken := token{role: RoleUDPListener}
		if err := r.epollAdd(fd, unix.EPOLLIN, udpToken); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrConfigFatal, err)
		}
		r.logger.Info("udp listener started", slog.String("addr", r.cfg.ListenAddr))
	}

	defer r.closeAll()

	events := make([]unix.EpollEvent, maxEpollEvents)
	r.lastSweep = time.Now()
	r.lastStats = time.Now()

	for {
		if ctx.Err() != nil {
			r.shutdown.Store(true)
		}

		n, err := unix.EpollWait(r.epfd, events, pollTimeoutMS)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}
		r.lastPollNanos.Store(time.Now().UnixNano())

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			tok, ok := r.fdTokens[fd]
			if !ok {
				continue // stale event for a just-removed fd
			}
			r.dispatch(fd, tok, events[i].Events)
		}

		now := time.Now()
		if now.Sub(r.lastSweep) >= sweepInterval {
			r.sweep(now)
			r.lastSweep = now
			r.lastSweepNanos.Store(now.UnixNano())
		}
		if now.Sub(r.lastStats) >= statsInterval {
			r.emitStats()
			r.lastStats = now
		}

		if r.shutdown.Load() {
			r.teardownAll()
			return nil
		}
	}
}

func (r *Reactor) dispatch(fd int, tok token, events uint32) {
	switch tok.role {
	case RoleTCPListener:
		r.acceptLoop()
	case RoleTCPLocal, RoleTCPRemote:
		r.handleTCPEvent(tok, events)
	case RoleUDPListener:
		r.handleUDPIngress()
	case RoleUDPRemote:
		r.handleUDPEgress(tok.handle)
	}
}

func mustListenEndpoint(s string) address.Endpoint {
	ep, err := address.Parse(s, address.FamilyV4)
	if err != nil {
		// Validated by config.Config.Validate before Run is ever called.
		panic("reactor: unreachable: " + err.Error())
	}
	return ep
}

func (r *Reactor) sweep(now time.Time) {
	nowNanos := now.UnixNano()
	for _, conn := range r.tcpConns.Sweep(nowNanos) {
		r.logger.Debug("tcp connection evicted by timeout", slog.Uint64("local_handle", uint64(conn.Local.Handle)))
		r.counters.IncEvictions("tcp")
		r.destroyTCPConnection(conn, "timeout")
	}
	for _, sess := range r.udp.Sweep(nowNanos) {
		r.logger.Debug("udp session evicted by timeout", slog.String("client", sess.Client.String()))
		r.counters.IncEvictions("udp")
		r.destroyUDPSession(sess)
	}
	r.counters.SetActiveTCP(float64(r.tcpConns.Len()))
	r.counters.SetActiveUDP(float64(r.udp.Len()))
}

func (r *Reactor) emitStats() {
	applog.Statf(context.Background(), r.logger,
		r.tcpConns.Len(), r.udp.Len(),
		applog.FormatBytes(r.bytesIn.Load()), applog.FormatBytes(r.bytesOut.Load()))
}

// LastPoll returns the time the reactor most recently returned from
// epoll_wait, the zero Time if it hasn't completed one yet.
func (r *Reactor) LastPoll() time.Time {
	nanos := r.lastPollNanos.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// LastSweep returns the time of the most recently completed TCP/UDP
// sweep, the zero Time if none has run yet.
func (r *Reactor) LastSweep() time.Time {
	nanos := r.lastSweepNanos.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// Healthy reports whether the reactor is making progress, for
// SPEC_FULL.md §6.4's readiness check: it degrades once the reactor
// hasn't completed a poll iteration in 5*pollTimeout, which would mean
// the single reactor goroutine is stuck or dead. The sweep timestamp is
// checked on the same budget once the reactor has run long enough to
// have swept at least once, since a live reactor sweeps every
// sweepInterval and a stall there is symptomatic of the same problem.
func (r *Reactor) Healthy(now time.Time) error {
	maxAge := 5 * pollTimeoutMS * time.Millisecond

	lastPoll := r.LastPoll()
	if lastPoll.IsZero() {
		return errors.New("reactor: has not completed a poll iteration yet")
	}
	if age := now.Sub(lastPoll); age > maxAge {
		return fmt.Errorf("reactor: last poll iteration was %s ago, want <= %s", age, maxAge)
	}

	if lastSweep := r.LastSweep(); !lastSweep.IsZero() {
		if age := now.Sub(lastSweep); age > maxAge {
			return fmt.Errorf("reactor: last sweep was %s ago, want <= %s", age, maxAge)
		}
	}

	return nil
}

// totalSessions reports the combined TCP+UDP load against max_connections
// (spec.md §5: "applies to the sum of TCP connections and UDP sessions").
func (r *Reactor) totalSessions() int {
	return r.tcpConns.Len() + r.udp.Len()
}

func (r *Reactor) atCapacity() bool {
	return r.totalSessions() >= r.cfg.MaxConnections
}

// warnRateLimited logs msg at Warn, gated by a per-kind token bucket, to
// satisfy spec.md §7's "rate-limited warn" requirement for resource
// exhaustion.
func (r *Reactor) warnRateLimited(kind, msg string, args ...any) {
	r.counters.IncConnectionError(kind)
	if r.resourceRate.Allow(kind) {
		r.logger.Warn(msg, args...)
	}
}

func (r *Reactor) closeAll() {
	if r.tcpListenFD >= 0 {
		unix.Close(r.tcpListenFD)
	}
	if r.udpListenFD >= 0 {
		unix.Close(r.udpListenFD)
	}
	unix.Close(r.epfd)
}

// teardownAll destroys every live connection/session on orderly shutdown
// (spec.md §4.5 step 4).
func (r *Reactor) teardownAll() {
	for _, h := range r.tcpConns.Handles() {
		if conn, ok := r.tcpConns.Get(h); ok {
			r.destroyTCPConnection(conn, "shutdown")
		}
	}
	for _, addr := range r.udp.Clients() {
		if sess, ok := r.udp.Get(addr); ok {
			r.destroyUDPSession(sess)
		}
	}
}
