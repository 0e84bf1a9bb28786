// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package reactor

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/x1t/tinyPortMapper-rust/internal/address"
)

func sockFamily(f address.Family) int {
	if f == address.FamilyV6 {
		return unix.AF_INET6
	}
	return unix.AF_INET
}

func endpointToSockaddr(ep address.Endpoint) unix.Sockaddr {
	if ep.Family() == address.FamilyV6 {
		sa := &unix.SockaddrInet6{Port: int(ep.Port())}
		sa.Addr = ep.Addr().As16()
		return sa
	}
	sa := &unix.SockaddrInet4{Port: int(ep.Port())}
	sa.Addr = ep.Addr().As4()
	return sa
}

func sockaddrToEndpoint(sa unix.Sockaddr) (address.Endpoint, error) {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return address.V4(v.Addr, uint16(v.Port)), nil
	case *unix.SockaddrInet6:
		return address.V6(v.Addr, uint16(v.Port)), nil
	default:
		return address.Endpoint{}, fmt.Errorf("reactor: unsupported sockaddr type %T", sa)
	}
}

// newStreamSocket creates a non-blocking TCP socket of the given family.
func newStreamSocket(family int) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	return fd, nil
}

// newDatagramSocket creates a non-blocking UDP socket of the given family.
func newDatagramSocket(family int) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	return fd, nil
}

// applyCommonSocketOptions sets SO_RCVBUF/SO_SNDBUF and, when bindIface is
// non-empty, SO_BINDTODEVICE (SPEC_FULL.md §9.1; Linux only, this whole
// package is Linux-only so no runtime fallback is needed here).
func applyCommonSocketOptions(fd int, bufBytes int, bindIface string) error {
	if bufBytes > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, bufBytes); err != nil {
			return fmt.Errorf("reactor: SO_RCVBUF: %w", err)
		}
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, bufBytes); err != nil {
			return fmt.Errorf("reactor: SO_SNDBUF: %w", err)
		}
	}
	if bindIface != "" {
		if err := unix.BindToDevice(fd, bindIface); err != nil {
			return fmt.Errorf("reactor: SO_BINDTODEVICE %q: %w", bindIface, err)
		}
	}
	return nil
}

// bindTCPListener creates, binds, and listens (backlog 1024) on a TCP socket
// for ep, applying the 2 MiB listener receive buffer from
// SPEC_FULL.md §9.2 (LISTEN_FD_BUF_SIZE, distinct from the per-connection
// socket_buf_size).
func bindTCPListener(ep address.Endpoint) (int, error) {
	fd, err := newStreamSocket(sockFamily(ep.Family()))
	if err != nil {
		return -1, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("reactor: SO_REUSEADDR: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, listenFDBufSize); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("reactor: listener SO_RCVBUF: %w", err)
	}
	if err := unix.Bind(fd, endpointToSockaddr(ep)); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("reactor: bind %s: %w", ep, err)
	}
	if err := unix.Listen(fd, 1024); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("reactor: listen %s: %w", ep, err)
	}
	return fd, nil
}

// bindUDPListener creates and binds a UDP socket for ep, sizing its
// receive buffer for the largest possible datagram when fragment is set
// (spec.md §4.7's -d option).
func bindUDPListener(ep address.Endpoint, fragment bool) (int, error) {
	fd, err := newDatagramSocket(sockFamily(ep.Family()))
	if err != nil {
		return -1, err
	}
	bufSize := listenFDBufSize
	if fragment {
		bufSize = maxUDPDatagram
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, bufSize); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("reactor: udp listener SO_RCVBUF: %w", err)
	}
	if err := unix.Bind(fd, endpointToSockaddr(ep)); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("reactor: udp bind %s: %w", ep, err)
	}
	return fd, nil
}

// dialNonBlocking issues a non-blocking connect to remote and returns the
// new socket fd. The caller must watch for WRITABLE and probe SO_ERROR to
// learn the outcome (spec.md §4.6 connect-completion).
func dialNonBlocking(family address.Family, remote address.Endpoint, bufBytes int, bindIface string) (int, error) {
	fd, err := newStreamSocket(sockFamily(family))
	if err != nil {
		return -1, err
	}
	if err := applyCommonSocketOptions(fd, bufBytes, bindIface); err != nil {
		unix.Close(fd)
		return -1, err
	}
	err = unix.Connect(fd, endpointToSockaddr(remote))
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// newOutboundUDPSocket creates a connected UDP socket to remote, so the
// reactor can use send/recv instead of sendto/recvfrom on the egress side
// (spec.md §4.7).
func newOutboundUDPSocket(family address.Family, remote address.Endpoint, bufBytes int, bindIface string) (int, error) {
	fd, err := newDatagramSocket(sockFamily(family))
	if err != nil {
		return -1, err
	}
	if err := applyCommonSocketOptions(fd, bufBytes, bindIface); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Connect(fd, endpointToSockaddr(remote)); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// soError probes SO_ERROR on fd, used after the first WRITABLE event on a
// connecting socket (spec.md §4.6).
func soError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}
