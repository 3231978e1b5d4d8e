/*************************************************************************
 * Copyright 2026 FPGA Hypervisor Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package zone is the PR-Zone Allocator (C3): tracks which of the N
// partial-reconfiguration zones are free, which tenant owns each
// occupied zone, and a same-bitstream affinity hint so repeat loads
// tend to land back on the zone that already has a compatible shell.
package zone

import (
	"path/filepath"
	"sync"

	"github.com/fabrichv/hypervisor/internal/hverr"
)

// State is where a zone sits in the reconfiguration state machine.
// Decoupled and Programming are internal to C4's protocol and never
// observed outside it - Allocator only ever sees Free or Active.
type State int

const (
	Free State = iota
	Active
)

// Zone is one physical partial-reconfiguration region.
type Zone struct {
	ID        int
	State     State
	TenantID  string
	Bitstream string // basename of the currently-loaded bitstream, "" if free
}

func (z Zone) clone() Zone { return z }

// Allocator is C3.
type Allocator struct {
	mtx   sync.Mutex
	zones []Zone

	// affinity remembers, for each bitstream basename, the zone ID that
	// last held it - consulted only while that zone is free.
	affinity map[string]int
}

// New constructs an allocator managing n zones, all initially free.
func New(n int) *Allocator {
	zones := make([]Zone, n)
	for i := range zones {
		zones[i] = Zone{ID: i, State: Free}
	}
	return &Allocator{
		zones:    zones,
		affinity: make(map[string]int),
	}
}

// Count returns the number of managed zones.
func (a *Allocator) Count() int {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return len(a.zones)
}

// FindBestZoneForBitstream implements the specification's
// find_best_zone_for_bitstream: verify the bitstream is allowed, prefer
// a free zone with affinity for it, else any free zone, else
// ResourceExhausted. Selection and reservation happen in the same
// critical section - the returned zone is already Active and owned by
// tenantID before the lock is released, so no other caller can ever be
// handed the same zone to reconfigure. If the caller's subsequent
// hardware reconfiguration fails, it must roll the reservation back
// with ReleaseZoneByHandle.
func (a *Allocator) FindBestZoneForBitstream(path, tenantID string, isBitstreamAllowed func(basename string) bool) (int, error) {
	basename := filepath.Base(path)
	if !isBitstreamAllowed(basename) {
		return 0, hverr.Newf(hverr.PermissionDenied, "zone.FindBestZoneForBitstream", "bitstream %q not allowed", basename)
	}

	a.mtx.Lock()
	defer a.mtx.Unlock()

	zid := -1
	if cand, ok := a.affinity[basename]; ok && a.zones[cand].State == Free {
		zid = cand
	} else {
		for _, z := range a.zones {
			if z.State == Free {
				zid = z.ID
				break
			}
		}
	}
	if zid < 0 {
		return 0, hverr.Newf(hverr.ResourceExhausted, "zone.FindBestZoneForBitstream", "no free PR zone for %q", basename)
	}

	z := &a.zones[zid]
	z.State = Active
	z.TenantID = tenantID
	z.Bitstream = basename
	a.affinity[basename] = zid
	return zid, nil
}

// AllocateZone directly claims zoneID for tenantID running bitstream,
// provided it is still free. LoadOverlay no longer goes through this -
// it reserves and reconfigures in one FindBestZoneForBitstream call -
// but callers that already know which zone they want (tests, and any
// future path that restores a specific zone's prior occupant) still
// need a way to claim one without a bitstream-driven search.
func (a *Allocator) AllocateZone(zoneID int, tenantID, bitstream string) error {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	if zoneID < 0 || zoneID >= len(a.zones) {
		return hverr.Newf(hverr.InvalidArgument, "zone.AllocateZone", "zone %d out of range", zoneID)
	}
	z := &a.zones[zoneID]
	if z.State != Free {
		return hverr.Newf(hverr.ResourceExhausted, "zone.AllocateZone", "zone %d is not free", zoneID)
	}
	basename := filepath.Base(bitstream)
	z.State = Active
	z.TenantID = tenantID
	z.Bitstream = basename
	a.affinity[basename] = zoneID
	return nil
}

// ReleaseZoneByHandle frees zoneID, clearing its tenant association.
// The bitstream basename is retained in the affinity table so a later
// caller loading the same bitstream is still steered back here.
func (a *Allocator) ReleaseZoneByHandle(zoneID int) error {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	if zoneID < 0 || zoneID >= len(a.zones) {
		return hverr.Newf(hverr.InvalidArgument, "zone.ReleaseZoneByHandle", "zone %d out of range", zoneID)
	}
	z := &a.zones[zoneID]
	z.State = Free
	z.TenantID = ""
	return nil
}

// ReleaseAllTenantZones frees every zone owned by tenantID, returning
// their IDs so the caller (C5) can drive the matching C4 teardown.
func (a *Allocator) ReleaseAllTenantZones(tenantID string) []int {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	var freed []int
	for i := range a.zones {
		z := &a.zones[i]
		if z.State == Active && z.TenantID == tenantID {
			freed = append(freed, z.ID)
			z.State = Free
			z.TenantID = ""
		}
	}
	return freed
}

// GetTenantZones returns a snapshot of every zone currently owned by
// tenantID.
func (a *Allocator) GetTenantZones(tenantID string) []Zone {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	var out []Zone
	for _, z := range a.zones {
		if z.State == Active && z.TenantID == tenantID {
			out = append(out, z.clone())
		}
	}
	return out
}

// Get returns a snapshot of zoneID's current state.
func (a *Allocator) Get(zoneID int) (Zone, bool) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	if zoneID < 0 || zoneID >= len(a.zones) {
		return Zone{}, false
	}
	return a.zones[zoneID].clone(), true
}
