/*************************************************************************
 * Copyright 2026 FPGA Hypervisor Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/fabrichv/hypervisor/internal/hverr"
	"github.com/fabrichv/hypervisor/internal/hwback"
	"github.com/fabrichv/hypervisor/internal/hwback/mockbackend"
	"github.com/fabrichv/hypervisor/internal/hwthread"
	"github.com/fabrichv/hypervisor/internal/session"
	"github.com/fabrichv/hypervisor/internal/tenantconf"
	"github.com/fabrichv/hypervisor/internal/zone"
)

// newTestRegistry wires a Registry against a running hwthread.Thread
// backed by mockbackend, a live session.Manager, and a zone.Allocator,
// for nZones zones. The returned tenant is pre-registered with
// bitstreamName already on its allow-list.
func newTestRegistry(t *testing.T, nZones int, bitstreamName string) (*Registry, string) {
	t.Helper()
	return newTestRegistryWithBackend(t, nZones, bitstreamName, mockbackend.New())
}

func newTestRegistryWithBackend(t *testing.T, nZones int, bitstreamName string, be hwback.Backend) (*Registry, string) {
	t.Helper()
	const tenantID = "acme"

	cfgReg := tenantconf.NewRegistry("", nil)
	if err := cfgReg.AddTenant(&tenantconf.Tenant{
		ID:                tenantID,
		APIKey:            "secret",
		MaxOverlays:       2,
		MaxBuffers:        2,
		MaxMemoryBytes:    1 << 20,
		AllowedBitstreams: map[string]struct{}{bitstreamName: {}},
		AllowedAddressRanges: []tenantconf.AddressRange{
			{Base: 0, Length: uint64(nZones) * 0x10000},
		},
	}); err != nil {
		t.Fatalf("AddTenant: %v", err)
	}

	sessions := session.NewManager(cfgReg)
	zones := zone.New(nZones)

	hw := hwthread.New(hwthread.Config{Backend: be, NZones: nZones})
	ctx, cancel := context.WithCancel(context.Background())
	go hw.Run(ctx)
	if err := hw.WaitReady(context.Background()); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}
	t.Cleanup(cancel)

	return New(sessions, zones, hw, nil), tenantID
}

// failingDownloadBackend wraps mockbackend but always fails
// DownloadBitstream, letting tests drive Reconfigure into its failure
// path without depending on mockbackend ever rejecting a path.
type failingDownloadBackend struct {
	*mockbackend.Backend
}

func (b failingDownloadBackend) DownloadBitstream(ctx context.Context, zone int, path string) error {
	return errors.New("simulated bitstream download failure")
}

var _ hwback.Backend = failingDownloadBackend{}

func TestLoadOverlayZoneExhaustionPrecedesOverlayQuota(t *testing.T) {
	r, tenantID := newTestRegistry(t, 1, "accel.bit")
	ctx := context.Background()

	if _, _, err := r.LoadOverlay(ctx, tenantID, "/bitstreams/accel.bit"); err != nil {
		t.Fatalf("LoadOverlay: %v", err)
	}
	// MaxOverlays is 2 but only one zone exists, so the second attempt
	// must fail with resource exhaustion from the allocator, not quota.
	_, _, err := r.LoadOverlay(ctx, tenantID, "/bitstreams/accel.bit")
	if hverr.KindOf(err) != hverr.ResourceExhausted {
		t.Fatalf("expected ResourceExhausted once the only zone is taken, got %v", err)
	}
}

func TestLoadOverlayDeniesDisallowedBitstream(t *testing.T) {
	r, tenantID := newTestRegistry(t, 1, "accel.bit")
	_, _, err := r.LoadOverlay(context.Background(), tenantID, "/bitstreams/other.bit")
	if hverr.KindOf(err) != hverr.PermissionDenied {
		t.Fatalf("expected PermissionDenied for a bitstream outside the allow-list, got %v", err)
	}
}

func TestLoadOverlayReturnsIPCoreMap(t *testing.T) {
	r, tenantID := newTestRegistry(t, 1, "accel.bit")
	handle, ipCores, err := r.LoadOverlay(context.Background(), tenantID, "/bitstreams/accel.bit")
	if err != nil {
		t.Fatalf("LoadOverlay: %v", err)
	}
	if handle == "" {
		t.Fatal("expected a non-empty overlay handle")
	}
	if len(ipCores) == 0 {
		t.Fatal("expected at least one IP core entry")
	}
	info, err := r.GetOverlayInfo(tenantID, handle)
	if err != nil {
		t.Fatalf("GetOverlayInfo: %v", err)
	}
	if info.Zone != 0 {
		t.Fatalf("expected zone 0, got %d", info.Zone)
	}
}

func TestCreateMMIORequiresZoneOwnership(t *testing.T) {
	r, tenantID := newTestRegistry(t, 2, "accel.bit")
	ctx := context.Background()

	if _, err := r.CreateMMIO(ctx, tenantID, 0x20000, 0x10); err == nil {
		t.Fatal("expected CreateMMIO to fail before any overlay is loaded")
	}

	if _, _, err := r.LoadOverlay(ctx, tenantID, "/bitstreams/accel.bit"); err != nil {
		t.Fatalf("LoadOverlay: %v", err)
	}
	h, err := r.CreateMMIO(ctx, tenantID, 0x10, 0x10)
	if err != nil {
		t.Fatalf("CreateMMIO inside owned zone: %v", err)
	}
	if h == "" {
		t.Fatal("expected a non-empty MMIO handle")
	}

	if _, err := r.CreateMMIO(ctx, tenantID, 0x1_0010, 0x10); err == nil {
		t.Fatal("expected CreateMMIO outside any owned zone to fail")
	}
}

func TestMMIOReadWriteRoundTripThroughRegistry(t *testing.T) {
	r, tenantID := newTestRegistry(t, 1, "accel.bit")
	ctx := context.Background()
	if _, _, err := r.LoadOverlay(ctx, tenantID, "/bitstreams/accel.bit"); err != nil {
		t.Fatalf("LoadOverlay: %v", err)
	}
	h, err := r.CreateMMIO(ctx, tenantID, 0, 0x100)
	if err != nil {
		t.Fatalf("CreateMMIO: %v", err)
	}
	if err := r.MMIOWrite(ctx, tenantID, h, 0x10, 7); err != nil {
		t.Fatalf("MMIOWrite: %v", err)
	}
	v, err := r.MMIORead(ctx, tenantID, h, 0x10)
	if err != nil {
		t.Fatalf("MMIORead: %v", err)
	}
	if v != 7 {
		t.Fatalf("MMIORead = %d, want 7", v)
	}
}

func TestMMIOWriteRejectsOversizedValue(t *testing.T) {
	r, tenantID := newTestRegistry(t, 1, "accel.bit")
	ctx := context.Background()
	r.LoadOverlay(ctx, tenantID, "/bitstreams/accel.bit")
	h, _ := r.CreateMMIO(ctx, tenantID, 0, 0x10)
	if err := r.MMIOWrite(ctx, tenantID, h, 0, 1<<33); hverr.KindOf(err) != hverr.InvalidArgument {
		t.Fatalf("expected InvalidArgument for an oversized value, got %v", err)
	}
}

func TestMMIORejectsForeignTenantHandle(t *testing.T) {
	r, tenantID := newTestRegistry(t, 1, "accel.bit")
	ctx := context.Background()
	r.LoadOverlay(ctx, tenantID, "/bitstreams/accel.bit")
	h, _ := r.CreateMMIO(ctx, tenantID, 0, 0x10)

	if _, err := r.MMIORead(ctx, "someone-else", h, 0); hverr.KindOf(err) != hverr.PermissionDenied {
		t.Fatalf("expected PermissionDenied for a handle owned by a different tenant, got %v", err)
	}
}

func TestAllocateBufferQuotaByCount(t *testing.T) {
	r, tenantID := newTestRegistry(t, 1, "accel.bit")
	ctx := context.Background()

	h1, info1, err := r.AllocateBuffer(ctx, tenantID, []int{16}, "uint8")
	if err != nil {
		t.Fatalf("AllocateBuffer: %v", err)
	}
	if info1.TotalSize != 16 {
		t.Fatalf("TotalSize = %d, want 16", info1.TotalSize)
	}
	if _, _, err := r.AllocateBuffer(ctx, tenantID, []int{16}, "uint8"); err != nil {
		t.Fatalf("second AllocateBuffer: %v", err)
	}
	// MaxBuffers is 2 - a third must be rejected by quota.
	if _, _, err := r.AllocateBuffer(ctx, tenantID, []int{16}, "uint8"); hverr.KindOf(err) != hverr.QuotaExceeded {
		t.Fatalf("expected QuotaExceeded on the third buffer, got %v", err)
	}
	if err := r.FreeBuffer(ctx, tenantID, h1); err != nil {
		t.Fatalf("FreeBuffer: %v", err)
	}
}

func TestAllocateBufferQuotaByAggregateBytes(t *testing.T) {
	r, tenantID := newTestRegistry(t, 1, "accel.bit")
	ctx := context.Background()
	// MaxMemoryBytes is 1MiB; a single buffer larger than that must be
	// rejected even though the per-buffer count quota (2) is untouched.
	if _, _, err := r.AllocateBuffer(ctx, tenantID, []int{2 << 20}, "uint8"); hverr.KindOf(err) != hverr.QuotaExceeded {
		t.Fatalf("expected QuotaExceeded for a buffer exceeding the byte quota, got %v", err)
	}
}

func TestReadWriteBufferBoundsAndOwnership(t *testing.T) {
	r, tenantID := newTestRegistry(t, 1, "accel.bit")
	ctx := context.Background()
	h, _, err := r.AllocateBuffer(ctx, tenantID, []int{8}, "uint8")
	if err != nil {
		t.Fatalf("AllocateBuffer: %v", err)
	}
	if err := r.WriteBuffer(ctx, tenantID, h, 0, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("WriteBuffer: %v", err)
	}
	got, err := r.ReadBuffer(ctx, tenantID, h, 0, 4)
	if err != nil {
		t.Fatalf("ReadBuffer: %v", err)
	}
	if string(got) != "\x01\x02\x03\x04" {
		t.Fatalf("unexpected buffer contents: %v", got)
	}
	if err := r.WriteBuffer(ctx, tenantID, h, 4, []byte{1, 2, 3, 4, 5}); hverr.KindOf(err) != hverr.InvalidArgument {
		t.Fatalf("expected InvalidArgument for a write past the end, got %v", err)
	}
	if _, err := r.ReadBuffer(ctx, "someone-else", h, 0, 1); hverr.KindOf(err) != hverr.PermissionDenied {
		t.Fatalf("expected PermissionDenied for a foreign tenant read, got %v", err)
	}
}

func TestFreeBufferReleasesQuotaForFollowingAllocation(t *testing.T) {
	r, tenantID := newTestRegistry(t, 1, "accel.bit")
	ctx := context.Background()
	h1, _, err := r.AllocateBuffer(ctx, tenantID, []int{16}, "uint8")
	if err != nil {
		t.Fatalf("AllocateBuffer: %v", err)
	}
	if _, _, err := r.AllocateBuffer(ctx, tenantID, []int{16}, "uint8"); err != nil {
		t.Fatalf("second AllocateBuffer: %v", err)
	}
	if err := r.FreeBuffer(ctx, tenantID, h1); err != nil {
		t.Fatalf("FreeBuffer: %v", err)
	}
	if _, _, err := r.AllocateBuffer(ctx, tenantID, []int{16}, "uint8"); err != nil {
		t.Fatalf("allocation after free should succeed again, got %v", err)
	}
	if _, err := r.ReadBuffer(ctx, tenantID, h1, 0, 1); err == nil {
		t.Fatal("expected reading a freed buffer handle to fail")
	}
}

func TestDestroyMMIOThenAccessFailsThroughRegistry(t *testing.T) {
	r, tenantID := newTestRegistry(t, 1, "accel.bit")
	ctx := context.Background()
	r.LoadOverlay(ctx, tenantID, "/bitstreams/accel.bit")
	h, err := r.CreateMMIO(ctx, tenantID, 0, 0x10)
	if err != nil {
		t.Fatalf("CreateMMIO: %v", err)
	}
	if err := r.DestroyMMIO(ctx, tenantID, h); err != nil {
		t.Fatalf("DestroyMMIO: %v", err)
	}
	if _, err := r.MMIORead(ctx, tenantID, h, 0); err == nil {
		t.Fatal("expected MMIORead on a destroyed handle to fail")
	}
}

func TestCleanupTenantResourcesTearsDownEverythingAndResetsUsage(t *testing.T) {
	r, tenantID := newTestRegistry(t, 2, "accel.bit")
	ctx := context.Background()

	if _, _, err := r.LoadOverlay(ctx, tenantID, "/bitstreams/accel.bit"); err != nil {
		t.Fatalf("LoadOverlay: %v", err)
	}
	mmio, err := r.CreateMMIO(ctx, tenantID, 0, 0x10)
	if err != nil {
		t.Fatalf("CreateMMIO: %v", err)
	}
	buf, _, err := r.AllocateBuffer(ctx, tenantID, []int{16}, "uint8")
	if err != nil {
		t.Fatalf("AllocateBuffer: %v", err)
	}

	if err := r.CleanupTenantResources(ctx, tenantID); err != nil {
		t.Fatalf("CleanupTenantResources: %v", err)
	}

	if _, err := r.MMIORead(ctx, tenantID, mmio, 0); err == nil {
		t.Fatal("expected the MMIO handle to be gone after cleanup")
	}
	if _, err := r.ReadBuffer(ctx, tenantID, buf, 0, 1); err == nil {
		t.Fatal("expected the buffer handle to be gone after cleanup")
	}

	// Usage counters reset means the tenant can immediately reload an
	// overlay on the now-freed zone rather than tripping its quota.
	if _, _, err := r.LoadOverlay(ctx, tenantID, "/bitstreams/accel.bit"); err != nil {
		t.Fatalf("LoadOverlay after cleanup: %v", err)
	}
}

func TestGetReturnsSnapshotForUnknownHandle(t *testing.T) {
	r, _ := newTestRegistry(t, 1, "accel.bit")
	if _, ok := r.Get("ovl_doesnotexist"); ok {
		t.Fatal("expected Get to report false for an unknown handle")
	}
}

// TestLoadOverlayReleasesZoneReservationOnReconfigureFailure covers the
// rollback path: a reserved zone must go back to Free, not stay stuck
// Active, when the hardware reconfiguration that follows reservation
// fails.
func TestLoadOverlayReleasesZoneReservationOnReconfigureFailure(t *testing.T) {
	be := failingDownloadBackend{mockbackend.New()}
	r, tenantID := newTestRegistryWithBackend(t, 1, "accel.bit", be)
	ctx := context.Background()

	if _, _, err := r.LoadOverlay(ctx, tenantID, "/bitstreams/accel.bit"); hverr.KindOf(err) != hverr.ReconfigError {
		t.Fatalf("expected ReconfigError from the failing backend, got %v", err)
	}

	// The only zone must be free again, not stuck reserved for the
	// failed attempt - otherwise every later LoadOverlay would wrongly
	// see ResourceExhausted forever.
	if _, _, err := r.LoadOverlay(ctx, tenantID, "/bitstreams/accel.bit"); hverr.KindOf(err) != hverr.ReconfigError {
		t.Fatalf("expected the retried LoadOverlay to reach the same failing backend again, got %v", err)
	}
}
