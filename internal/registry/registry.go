/*************************************************************************
 * Copyright 2026 FPGA Hypervisor Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package registry is the Resource Registry (C5): the process-global
// map from opaque handle to the resource it names, and the component
// that wires tenant authorization (C2), PR-zone selection (C3), and
// hardware execution (C4) together into the operations the RPC
// surface actually calls.
package registry

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fabrichv/hypervisor/internal/hverr"
	"github.com/fabrichv/hypervisor/internal/hvlog"
	"github.com/fabrichv/hypervisor/internal/hwback"
	"github.com/fabrichv/hypervisor/internal/hwthread"
	"github.com/fabrichv/hypervisor/internal/session"
	"github.com/fabrichv/hypervisor/internal/zone"
)

// Kind distinguishes the resource types a handle can name.
type Kind int

const (
	KindOverlay Kind = iota
	KindMMIO
	KindBuffer
	KindDMA
)

func (k Kind) String() string {
	switch k {
	case KindOverlay:
		return "overlay"
	case KindMMIO:
		return "mmio"
	case KindBuffer:
		return "buffer"
	case KindDMA:
		return "dma"
	}
	return "unknown"
}

// Record is one entry in the resource table.
type Record struct {
	Handle    string
	TenantID  string
	Kind      Kind
	CreatedAt time.Time

	HWHandle hwback.Handle

	// Populated for KindOverlay / KindMMIO.
	Zone         int
	Base, Length uint64

	// Populated for KindOverlay only.
	IPCores map[string]AddressRange

	// Populated for KindBuffer.
	PhysicalAddress uint64
	TotalSize       uint64

	// Populated for KindDMA.
	DMAName string
	// DMATransferred is set once DMATransfer has completed at least one
	// transfer on this engine; it is what lets GetDMAStatus tell a
	// freshly-created engine (DMAIdle) apart from one that has actually
	// run and finished (DMACompleted), since both read back the same
	// idle bit pattern from the register template. Guarded by Registry's
	// mtx, not a field lock of its own.
	DMATransferred bool
}

// Registry is C5. Lock ordering: Registry's own lock guards only the
// resource map and is never held while it calls into C2, C3
// (zone.Allocator) or C4, so no lock cycle can form; those components
// are called one after another, in the order C5 -> C3 -> C1 -> C2.
type Registry struct {
	mtx sync.Mutex

	sessions *session.Manager
	zones    *zone.Allocator
	hw       *hwthread.Thread
	lg       *hvlog.Logger

	resources map[string]*Record
}

// New constructs a Registry wiring together C2, C3, and C4.
func New(sessions *session.Manager, zones *zone.Allocator, hw *hwthread.Thread, lg *hvlog.Logger) *Registry {
	if lg == nil {
		lg = hvlog.NewDiscardLogger()
	}
	return &Registry{
		sessions:  sessions,
		zones:     zones,
		hw:        hw,
		lg:        lg,
		resources: make(map[string]*Record),
	}
}

func newHandle(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, uuid.NewString()[:8])
}

// LoadOverlay implements load_overlay: quota check, zone reservation
// (which re-checks the bitstream allow-list), hardware reconfiguration,
// and registration. On success it returns the new handle and the
// IP-core address map derived from the zone's owned range.
func (r *Registry) LoadOverlay(ctx context.Context, tenantID, bitstreamPath string) (string, map[string]AddressRange, error) {
	if !r.sessions.CanAllocateOverlay(tenantID) {
		return "", nil, hverr.Newf(hverr.QuotaExceeded, "registry.LoadOverlay", "tenant %s has reached its overlay limit", tenantID)
	}

	// FindBestZoneForBitstream reserves the zone for tenantID as part of
	// selecting it, so the zone is already claimed before Reconfigure
	// runs - no other LoadOverlay can be handed this zone while the
	// slow decouple/download/recouple sequence is in flight.
	zoneID, err := r.zones.FindBestZoneForBitstream(bitstreamPath, tenantID, func(basename string) bool {
		return r.sessions.IsBitstreamAllowed(tenantID, basename)
	})
	if err != nil {
		return "", nil, err
	}

	if err := r.hw.Reconfigure(ctx, tenantID, zoneID, bitstreamPath); err != nil {
		if relErr := r.zones.ReleaseZoneByHandle(zoneID); relErr != nil {
			r.lg.Errorf("registry.LoadOverlay: failed to release reserved zone %d after Reconfigure error: %v", zoneID, relErr)
		}
		return "", nil, err
	}

	r.sessions.RecordOverlayAllocated(tenantID)

	ipCores := ipCoreMap(zoneID, filepath.Base(bitstreamPath))

	r.mtx.Lock()
	h := newHandle("ovl")
	r.resources[h] = &Record{
		Handle:    h,
		TenantID:  tenantID,
		Kind:      KindOverlay,
		CreatedAt: time.Now(),
		Zone:      zoneID,
		IPCores:   ipCores,
	}
	r.mtx.Unlock()

	return h, ipCores, nil
}

// AddressRange mirrors tenantconf.AddressRange to avoid registry
// depending on tenantconf for a two-field struct.
type AddressRange struct {
	Base, Length uint64
}

// ipCoreMap synthesizes the generic register template the
// specification describes: one IP core entry per 4KiB page of the
// zone's canonical address window, named after the zone and its
// index. Real deployments would instead parse this out of the
// bitstream's metadata; no such parser exists here, so every overlay
// gets this same template.
func ipCoreMap(zoneID int, bitstreamBasename string) map[string]AddressRange {
	const zoneWindow = 0x10000
	const pageSize = 0x1000
	base := uint64(zoneID) * zoneWindow
	out := make(map[string]AddressRange, zoneWindow/pageSize)
	for i := 0; i < zoneWindow/pageSize; i++ {
		name := fmt.Sprintf("%s_ip%d", bitstreamBasename, i)
		out[name] = AddressRange{Base: base + uint64(i*pageSize), Length: pageSize}
	}
	return out
}

// CreateMMIO implements create_mmio: verifies (base,length) lies
// inside one of the tenant's currently-owned PR zones (not merely
// inside its allowed ranges - ownership is the stronger check), then
// creates the window on the HW thread and registers it.
func (r *Registry) CreateMMIO(ctx context.Context, tenantID string, base, length uint64) (string, error) {
	zones := r.zones.GetTenantZones(tenantID)
	owned := false
	for _, z := range zones {
		zoneBase := uint64(z.ID) * 0x10000
		if base >= zoneBase && base+length <= zoneBase+0x10000 {
			owned = true
			break
		}
	}
	if !owned {
		return "", hverr.Newf(hverr.PermissionDenied, "registry.CreateMMIO", "address range [%#x,%#x) is not inside a zone owned by tenant %s", base, base+length, tenantID)
	}

	hwh, err := r.hw.CreateMMIO(ctx, base, length)
	if err != nil {
		return "", err
	}

	r.mtx.Lock()
	h := newHandle("mmio")
	r.resources[h] = &Record{
		Handle:    h,
		TenantID:  tenantID,
		Kind:      KindMMIO,
		CreatedAt: time.Now(),
		HWHandle:  hwh,
		Base:      base,
		Length:    length,
	}
	r.mtx.Unlock()
	return h, nil
}

// lookupOwned returns rec only if it exists, belongs to tenantID, and
// is of the expected kind.
func (r *Registry) lookupOwned(tenantID, handle string, kind Kind) (*Record, error) {
	r.mtx.Lock()
	rec, ok := r.resources[handle]
	r.mtx.Unlock()
	if !ok {
		return nil, hverr.Newf(hverr.InvalidArgument, "registry.lookupOwned", "unknown handle %s", handle)
	}
	if rec.TenantID != tenantID {
		return nil, hverr.Newf(hverr.PermissionDenied, "registry.lookupOwned", "handle %s does not belong to tenant %s", handle, tenantID)
	}
	if rec.Kind != kind {
		return nil, hverr.Newf(hverr.InvalidArgument, "registry.lookupOwned", "handle %s is not a %s", handle, kind)
	}
	return rec, nil
}

// MMIORead implements mmio_read: ownership + bounds + a re-check that
// the resolved physical address is still allowed to the tenant (guards
// against a config revocation that happened after the handle was
// created), then delegates to C4.
func (r *Registry) MMIORead(ctx context.Context, tenantID, handle string, offset uint32) (uint32, error) {
	rec, err := r.lookupOwned(tenantID, handle, KindMMIO)
	if err != nil {
		return 0, err
	}
	if uint64(offset)+4 > rec.Length {
		return 0, hverr.Newf(hverr.InvalidArgument, "registry.MMIORead", "offset %d out of bounds for handle of length %d", offset, rec.Length)
	}
	if !r.sessions.IsAddressAllowed(tenantID, rec.Base+uint64(offset), 4) {
		return 0, hverr.Newf(hverr.PermissionDenied, "registry.MMIORead", "address %#x is no longer allowed for tenant %s", rec.Base+uint64(offset), tenantID)
	}
	return r.hw.MMIORead(ctx, rec.HWHandle, offset)
}

// MMIOWrite implements mmio_write with the same checks as MMIORead,
// plus a 32-bit range check on value.
func (r *Registry) MMIOWrite(ctx context.Context, tenantID, handle string, offset uint32, value uint64) error {
	rec, err := r.lookupOwned(tenantID, handle, KindMMIO)
	if err != nil {
		return err
	}
	if uint64(offset)+4 > rec.Length {
		return hverr.Newf(hverr.InvalidArgument, "registry.MMIOWrite", "offset %d out of bounds for handle of length %d", offset, rec.Length)
	}
	if value > 0xFFFFFFFF {
		return hverr.Newf(hverr.InvalidArgument, "registry.MMIOWrite", "value %d does not fit in 32 bits", value)
	}
	if !r.sessions.IsAddressAllowed(tenantID, rec.Base+uint64(offset), 4) {
		return hverr.Newf(hverr.PermissionDenied, "registry.MMIOWrite", "address %#x is no longer allowed for tenant %s", rec.Base+uint64(offset), tenantID)
	}
	return r.hw.MMIOWrite(ctx, rec.HWHandle, offset, uint32(value))
}

// AllocateBuffer implements allocate_buffer: quota check, delegation,
// byte-counter update, registration.
func (r *Registry) AllocateBuffer(ctx context.Context, tenantID string, shape []int, dtype string) (string, hwback.BufferInfo, error) {
	size := estimateBufferBytes(shape, dtype)
	if !r.sessions.CanAllocateBuffer(tenantID, size) {
		return "", hwback.BufferInfo{}, hverr.Newf(hverr.QuotaExceeded, "registry.AllocateBuffer", "tenant %s has reached its buffer quota", tenantID)
	}

	info, err := r.hw.AllocateBuffer(ctx, shape, dtype)
	if err != nil {
		return "", hwback.BufferInfo{}, err
	}

	r.sessions.RecordBufferAllocated(tenantID, info.TotalSize)

	r.mtx.Lock()
	h := newHandle("buf")
	r.resources[h] = &Record{
		Handle:          h,
		TenantID:        tenantID,
		Kind:            KindBuffer,
		CreatedAt:       time.Now(),
		HWHandle:        info.Handle,
		PhysicalAddress: info.PhysicalAddress,
		TotalSize:       info.TotalSize,
	}
	r.mtx.Unlock()

	return h, info, nil
}

func estimateBufferBytes(shape []int, dtype string) uint64 {
	elemSize := uint64(4)
	switch dtype {
	case "int8", "uint8":
		elemSize = 1
	case "int16", "uint16":
		elemSize = 2
	case "int64", "uint64", "float64":
		elemSize = 8
	}
	count := uint64(1)
	for _, d := range shape {
		if d > 0 {
			count *= uint64(d)
		}
	}
	return count * elemSize
}

// ReadBuffer implements read_buffer: ownership + bounds + HW-thread
// delegation.
func (r *Registry) ReadBuffer(ctx context.Context, tenantID, handle string, offset, length uint64) ([]byte, error) {
	rec, err := r.lookupOwned(tenantID, handle, KindBuffer)
	if err != nil {
		return nil, err
	}
	if offset+length > rec.TotalSize {
		return nil, hverr.Newf(hverr.InvalidArgument, "registry.ReadBuffer", "read [%d,%d) out of bounds for buffer of size %d", offset, offset+length, rec.TotalSize)
	}
	return r.hw.ReadBuffer(ctx, rec.HWHandle, offset, length)
}

// WriteBuffer implements write_buffer: ownership + bounds + HW-thread
// delegation.
func (r *Registry) WriteBuffer(ctx context.Context, tenantID, handle string, offset uint64, data []byte) error {
	rec, err := r.lookupOwned(tenantID, handle, KindBuffer)
	if err != nil {
		return err
	}
	if offset+uint64(len(data)) > rec.TotalSize {
		return hverr.Newf(hverr.InvalidArgument, "registry.WriteBuffer", "write [%d,%d) out of bounds for buffer of size %d", offset, offset+uint64(len(data)), rec.TotalSize)
	}
	return r.hw.WriteBuffer(ctx, rec.HWHandle, offset, data)
}

// FreeBuffer implements free_buffer: ownership check, HW teardown,
// quota-counter decrement, and deregistration.
func (r *Registry) FreeBuffer(ctx context.Context, tenantID, handle string) error {
	rec, err := r.lookupOwned(tenantID, handle, KindBuffer)
	if err != nil {
		return err
	}
	if err := r.hw.FreeBuffer(ctx, rec.HWHandle); err != nil {
		return err
	}
	r.sessions.RecordBufferReleased(tenantID, rec.TotalSize)
	r.mtx.Lock()
	delete(r.resources, handle)
	r.mtx.Unlock()
	return nil
}

// DestroyMMIO implements the MMIO teardown counterpart to CreateMMIO.
func (r *Registry) DestroyMMIO(ctx context.Context, tenantID, handle string) error {
	rec, err := r.lookupOwned(tenantID, handle, KindMMIO)
	if err != nil {
		return err
	}
	if err := r.hw.DestroyMMIO(ctx, rec.HWHandle); err != nil {
		return err
	}
	r.mtx.Lock()
	delete(r.resources, handle)
	r.mtx.Unlock()
	return nil
}

// CleanupTenantResources implements cleanup_tenant_resources: release
// every PR zone the tenant holds (via C3), then tear down every
// remaining registered resource for that tenant through C4. Usage
// counters are reset last, once every underlying resource is actually
// gone; the tenant record itself is untouched - removal from C1 is a
// separate, explicit operation.
func (r *Registry) CleanupTenantResources(ctx context.Context, tenantID string) error {
	r.zones.ReleaseAllTenantZones(tenantID)

	r.mtx.Lock()
	var toClose []*Record
	for h, rec := range r.resources {
		if rec.TenantID != tenantID {
			continue
		}
		toClose = append(toClose, rec)
		delete(r.resources, h)
	}
	r.mtx.Unlock()

	var firstErr error
	for _, rec := range toClose {
		var err error
		switch rec.Kind {
		case KindMMIO:
			err = r.hw.DestroyMMIO(ctx, rec.HWHandle)
		case KindBuffer:
			err = r.hw.FreeBuffer(ctx, rec.HWHandle)
		case KindDMA:
			err = r.hw.DestroyMMIO(ctx, rec.HWHandle)
		case KindOverlay:
			// Overlay handles have no separate HW teardown call beyond
			// the zone release already performed above.
		}
		if err != nil {
			r.lg.Warnf("cleanup_tenant_resources: failed to tear down %s handle %s: %v", rec.Kind, rec.Handle, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	r.sessions.ResetUsage(tenantID)
	return firstErr
}

// GetOverlayInfo returns the zone and IP-core map for an overlay
// handle owned by tenantID.
func (r *Registry) GetOverlayInfo(tenantID, handle string) (Record, error) {
	rec, err := r.lookupOwned(tenantID, handle, KindOverlay)
	if err != nil {
		return Record{}, err
	}
	return *rec, nil
}

// Get returns a snapshot of handle's record, for diagnostics and the
// Fast MMIO Path's first-touch validation.
func (r *Registry) Get(handle string) (Record, bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	rec, ok := r.resources[handle]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}
