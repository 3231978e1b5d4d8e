/*************************************************************************
 * Copyright 2026 FPGA Hypervisor Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package zone

import (
	"sync"
	"testing"

	"github.com/fabrichv/hypervisor/internal/hverr"
)

func allowAll(string) bool { return true }

func TestFindBestZoneForBitstreamDeniesDisallowed(t *testing.T) {
	a := New(2)
	_, err := a.FindBestZoneForBitstream("evil.bit", "tenant-a", func(string) bool { return false })
	if hverr.KindOf(err) != hverr.PermissionDenied {
		t.Fatalf("expected PermissionDenied, got %v", err)
	}
}

func TestFindBestZoneForBitstreamReservesImmediately(t *testing.T) {
	a := New(1)
	zid, err := a.FindBestZoneForBitstream("accel.bit", "tenant-a", allowAll)
	if err != nil {
		t.Fatalf("FindBestZoneForBitstream: %v", err)
	}
	z, ok := a.Get(zid)
	if !ok || z.State != Active || z.TenantID != "tenant-a" {
		t.Fatalf("expected zone %d to be reserved for tenant-a immediately, got %+v", zid, z)
	}
	if _, err := a.FindBestZoneForBitstream("other.bit", "tenant-b", allowAll); hverr.KindOf(err) != hverr.ResourceExhausted {
		t.Fatalf("expected ResourceExhausted once the only zone is taken, got %v", err)
	}
}

func TestAllocateZoneRejectsAlreadyActive(t *testing.T) {
	a := New(1)
	if err := a.AllocateZone(0, "tenant-a", "accel.bit"); err != nil {
		t.Fatalf("AllocateZone: %v", err)
	}
	if err := a.AllocateZone(0, "tenant-b", "other.bit"); err == nil {
		t.Fatal("expected allocating an already-active zone to fail")
	}
}

func TestReleaseRetainsAffinity(t *testing.T) {
	a := New(2)
	if err := a.AllocateZone(0, "tenant-a", "/bitstreams/accel.bit"); err != nil {
		t.Fatalf("AllocateZone: %v", err)
	}
	if err := a.ReleaseZoneByHandle(0); err != nil {
		t.Fatalf("ReleaseZoneByHandle: %v", err)
	}
	zid, err := a.FindBestZoneForBitstream("/other/path/accel.bit", "tenant-b", allowAll)
	if err != nil {
		t.Fatalf("FindBestZoneForBitstream: %v", err)
	}
	if zid != 0 {
		t.Fatalf("expected affinity to steer back to zone 0, got %d", zid)
	}
}

func TestReleaseAllTenantZones(t *testing.T) {
	a := New(3)
	if err := a.AllocateZone(0, "tenant-a", "x.bit"); err != nil {
		t.Fatalf("AllocateZone: %v", err)
	}
	if err := a.AllocateZone(1, "tenant-a", "y.bit"); err != nil {
		t.Fatalf("AllocateZone: %v", err)
	}
	if err := a.AllocateZone(2, "tenant-b", "z.bit"); err != nil {
		t.Fatalf("AllocateZone: %v", err)
	}

	freed := a.ReleaseAllTenantZones("tenant-a")
	if len(freed) != 2 {
		t.Fatalf("expected 2 zones freed, got %d", len(freed))
	}
	if zones := a.GetTenantZones("tenant-a"); len(zones) != 0 {
		t.Fatalf("expected tenant-a to own no zones after release, got %d", len(zones))
	}
	if zones := a.GetTenantZones("tenant-b"); len(zones) != 1 {
		t.Fatalf("expected tenant-b's zone to be untouched, got %d", len(zones))
	}
}

func TestConcurrentFindBestZoneForBitstreamNeverDoubleReserves(t *testing.T) {
	a := New(4)
	const attempts = 50
	var wg sync.WaitGroup
	claimed := make(chan int, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			zid, err := a.FindBestZoneForBitstream("accel.bit", "tenant", allowAll)
			if err != nil {
				return
			}
			claimed <- zid
		}(i)
	}
	wg.Wait()
	close(claimed)

	seen := make(map[int]bool)
	count := 0
	for zid := range claimed {
		count++
		if seen[zid] {
			t.Fatalf("zone %d was reserved by more than one caller", zid)
		}
		seen[zid] = true
	}
	if count != 4 {
		t.Fatalf("expected exactly 4 callers to win a zone (one per zone), got %d", count)
	}
}

// TestFindBestZoneForBitstreamReservationSurvivesConcurrentCallers
// reproduces the scenario a TOCTOU gap between selection and claiming
// would expose: a slow caller that has already been handed a zone must
// keep it exclusively, even while many other goroutines are
// simultaneously asking the allocator for a zone of their own.
func TestFindBestZoneForBitstreamReservationSurvivesConcurrentCallers(t *testing.T) {
	a := New(2)
	zid, err := a.FindBestZoneForBitstream("accel.bit", "slow-tenant", allowAll)
	if err != nil {
		t.Fatalf("FindBestZoneForBitstream: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			a.FindBestZoneForBitstream("other.bit", "fast-tenant", allowAll)
		}(i)
	}
	wg.Wait()

	z, ok := a.Get(zid)
	if !ok || z.State != Active || z.TenantID != "slow-tenant" {
		t.Fatalf("expected zone %d to remain reserved for slow-tenant, got %+v", zid, z)
	}
}

// TestFindBestZoneForBitstreamReservationCanBeRolledBack documents the
// contract registry.LoadOverlay depends on: a failed hardware
// reconfiguration must free the zone it reserved, not leave it stuck
// Active forever.
func TestFindBestZoneForBitstreamReservationCanBeRolledBack(t *testing.T) {
	a := New(1)
	zid, err := a.FindBestZoneForBitstream("accel.bit", "tenant-a", allowAll)
	if err != nil {
		t.Fatalf("FindBestZoneForBitstream: %v", err)
	}
	if err := a.ReleaseZoneByHandle(zid); err != nil {
		t.Fatalf("ReleaseZoneByHandle: %v", err)
	}
	z, ok := a.Get(zid)
	if !ok || z.State != Free {
		t.Fatalf("expected zone %d to be free after rollback, got %+v", zid, z)
	}
}
