// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package udptable

import (
	"testing"

	"github.com/x1t/tinyPortMapper-rust/internal/address"
)

func mustClient(t *testing.T, s string) address.Endpoint {
	t.Helper()
	e, err := address.Parse(s, address.FamilyV4)
	if err != nil {
		t.Fatalf("address.Parse(%q) error: %v", s, err)
	}
	return e
}

func TestInsertGetAndLookupByHandle(t *testing.T) {
	tbl := New(int64(180*1e9), 30, 1)
	client := mustClient(t, "10.0.0.1:5000")
	sess := &Session{Client: client, Outbound: 7}

	tbl.Insert(sess, 1000)

	got, ok := tbl.Get(client)
	if !ok || got != sess {
		t.Fatal("Get after Insert failed to return the same session")
	}

	addr, ok := tbl.LookupByHandle(7)
	if !ok || addr != client {
		t.Fatalf("LookupByHandle(7) = %v, %v; want %v, true", addr, ok, client)
	}
}

func TestRemoveClearsBothIndices(t *testing.T) {
	tbl := New(int64(180*1e9), 30, 1)
	client := mustClient(t, "10.0.0.2:5001")
	sess := &Session{Client: client, Outbound: 9}
	tbl.Insert(sess, 0)

	removed, ok := tbl.Remove(client)
	if !ok || removed != sess {
		t.Fatal("Remove reported false for a live client")
	}
	if _, ok := tbl.Get(client); ok {
		t.Fatal("Get after Remove should report not-found")
	}
	if _, ok := tbl.LookupByHandle(9); ok {
		t.Fatal("LookupByHandle after Remove should report not-found")
	}
}

func TestSweepEvictsStaleSessionsFromBothIndices(t *testing.T) {
	tbl := New(int64(100), 1, 10)
	client := mustClient(t, "10.0.0.3:5002")
	sess := &Session{Client: client, Outbound: 3}
	tbl.Insert(sess, 0)

	evicted := tbl.Sweep(1000)
	if len(evicted) != 1 || evicted[0] != sess {
		t.Fatalf("Sweep evicted %v; want [sess]", evicted)
	}
	if tbl.Len() != 0 {
		t.Fatalf("Len() after sweep = %d; want 0", tbl.Len())
	}
	if _, ok := tbl.LookupByHandle(3); ok {
		t.Fatal("LookupByHandle should report not-found after sweep eviction")
	}
}

func TestTouchUpdatesLastActiveAndOrdering(t *testing.T) {
	tbl := New(int64(100), 1, 10)
	older := mustClient(t, "10.0.0.4:5003")
	newer := mustClient(t, "10.0.0.5:5004")
	tbl.Insert(&Session{Client: older, Outbound: 1}, 0)
	tbl.Insert(&Session{Client: newer, Outbound: 2}, 50)

	tbl.Touch(older, 200)

	evicted := tbl.Sweep(250)
	if len(evicted) != 1 || evicted[0].Client != newer {
		t.Fatalf("Sweep evicted %v; want [newer] since older was touched forward", evicted)
	}
}
