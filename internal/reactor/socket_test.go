// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package reactor

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/x1t/tinyPortMapper-rust/internal/address"
)

func TestEndpointToSockaddrRoundTripsV4(t *testing.T) {
	ep, err := address.Parse("127.0.0.1:9000", address.FamilyV4)
	if err != nil {
		t.Fatalf("address.Parse: %v", err)
	}

	sa := endpointToSockaddr(ep)
	back, err := sockaddrToEndpoint(sa)
	if err != nil {
		t.Fatalf("sockaddrToEndpoint: %v", err)
	}
	if back != ep {
		t.Fatalf("round trip mismatch: got %v, want %v", back, ep)
	}
}

func TestEndpointToSockaddrRoundTripsV6(t *testing.T) {
	ep, err := address.Parse("[::1]:9000", address.FamilyV6)
	if err != nil {
		t.Fatalf("address.Parse: %v", err)
	}

	sa := endpointToSockaddr(ep)
	back, err := sockaddrToEndpoint(sa)
	if err != nil {
		t.Fatalf("sockaddrToEndpoint: %v", err)
	}
	if back != ep {
		t.Fatalf("round trip mismatch: got %v, want %v", back, ep)
	}
}

func TestSockFamilyMapsFamilies(t *testing.T) {
	if sockFamily(address.FamilyV4) != unix.AF_INET {
		t.Fatal("expected AF_INET for FamilyV4")
	}
	if sockFamily(address.FamilyV6) != unix.AF_INET6 {
		t.Fatal("expected AF_INET6 for FamilyV6")
	}
}

func TestBindTCPListenerAndAccept(t *testing.T) {
	ep, err := address.Parse("127.0.0.1:0", address.FamilyV4)
	if err != nil {
		t.Fatalf("address.Parse: %v", err)
	}

	fd, err := bindTCPListener(ep)
	if err != nil {
		t.Fatalf("bindTCPListener: %v", err)
	}
	defer unix.Close(fd)

	sa, err := unix.Getsockname(fd)
	if err != nil {
		t.Fatalf("Getsockname: %v", err)
	}
	bound, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		t.Fatalf("unexpected sockaddr type %T", sa)
	}

	dialEp := address.V4([4]byte{127, 0, 0, 1}, uint16(bound.Port))
	connFD, err := dialNonBlocking(address.FamilyV4, dialEp, 0, "")
	if err != nil {
		t.Fatalf("dialNonBlocking: %v", err)
	}
	defer unix.Close(connFD)

	// The connect is non-blocking; give the kernel a moment to complete
	// the loopback handshake before accepting.
	var acceptedFD int
	for i := 0; i < 1000; i++ {
		acceptedFD, _, err = unix.Accept4(fd, unix.SOCK_NONBLOCK)
		if err == nil {
			break
		}
		if err != unix.EAGAIN {
			t.Fatalf("Accept4: %v", err)
		}
		time.Sleep(time.Millisecond)
	}
	if err != nil {
		t.Fatalf("Accept4 never succeeded: %v", err)
	}
	defer unix.Close(acceptedFD)
}

func TestSoErrorReportsSuccessOnConnectedSocket(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	if err := soError(fds[0]); err != nil {
		t.Fatalf("soError on a healthy socket = %v; want nil", err)
	}
}
