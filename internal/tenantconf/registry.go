/*************************************************************************
 * Copyright 2026 FPGA Hypervisor Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package tenantconf

import (
	"sync"

	"github.com/fabrichv/hypervisor/internal/hverr"
	"github.com/fabrichv/hypervisor/internal/hvlog"
)

// EventKind identifies what changed about a tenant.
type EventKind int

const (
	TenantAdded EventKind = iota
	TenantUpdated
	TenantRemoved
	BitstreamAdded
)

func (k EventKind) String() string {
	switch k {
	case TenantAdded:
		return "tenant_added"
	case TenantUpdated:
		return "tenant_updated"
	case TenantRemoved:
		return "tenant_removed"
	case BitstreamAdded:
		return "bitstream_added"
	}
	return "unknown"
}

// Event describes one mutation of the tenant set, handed to observers
// after the registry's own state has already changed.
type Event struct {
	Kind     EventKind
	TenantID string
	Tenant   *Tenant // nil for TenantRemoved
}

// Observer is notified, best-effort, whenever the tenant set changes.
// An Observer that returns an error only gets logged - it never rolls
// back the mutation that triggered it, mirroring config_manager.py's
// _notify_watchers, which swallows watcher exceptions so one broken
// watcher can't wedge the registry.
type Observer interface {
	TenantChanged(Event) error
}

// Registry is the Configuration Registry (C1): the authoritative,
// mutable set of tenant identities, quotas, and allow-lists. In the
// hypervisor's acquisition order (C5 -> C3 -> C1 -> C2 in the
// session/zone path) its lock comes third; it is always taken alone
// here, since Registry never calls into another component while
// holding its own lock.
type Registry struct {
	mtx      sync.RWMutex
	tenants  map[string]*Tenant
	docPath  string
	lg       *hvlog.Logger

	obsMtx    sync.Mutex
	observers []Observer
}

// NewRegistry constructs an empty registry backed by docPath. Call Load
// to populate it from disk; docPath may be empty for an in-memory-only
// registry (used by tests).
func NewRegistry(docPath string, lg *hvlog.Logger) *Registry {
	if lg == nil {
		lg = hvlog.NewDiscardLogger()
	}
	return &Registry{
		tenants: make(map[string]*Tenant),
		docPath: docPath,
		lg:      lg,
	}
}

// Load (re)populates the registry from its backing document. Existing
// in-memory tenants not present in the document are dropped; this is
// meant for startup, not for merging concurrent in-process edits.
func (r *Registry) Load() error {
	if r.docPath == "" {
		return nil
	}
	tenants, err := loadDocument(r.docPath)
	if err != nil {
		return hverr.New(hverr.Internal, "Registry.Load", err)
	}
	r.mtx.Lock()
	r.tenants = tenants
	r.mtx.Unlock()
	r.lg.Infof("tenant registry loaded: %d tenants from %s", len(tenants), r.docPath)
	return nil
}

func (r *Registry) persistLocked() error {
	if r.docPath == "" {
		return nil
	}
	return saveDocument(r.docPath, r.tenants)
}

// Get returns a Clone of the tenant identified by id, or false if no
// such tenant exists. Callers never receive the live pointer: mutation
// of a tenant's limits or allow-lists only ever happens through the
// registry's own methods, under its lock.
func (r *Registry) Get(id string) (*Tenant, bool) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	t, ok := r.tenants[id]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// GetByAPIKey scans the tenant set for the one matching key. Linear
// scan is deliberate: tenant counts in this deployment model are in
// the tens, not the thousands, and a reverse index would need its own
// invalidation logic for no measurable win.
func (r *Registry) GetByAPIKey(key string) (*Tenant, bool) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	for _, t := range r.tenants {
		if t.APIKey == key {
			return t.Clone(), true
		}
	}
	return nil, false
}

// List returns a Clone of every tenant, in no particular order.
func (r *Registry) List() []*Tenant {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	out := make([]*Tenant, 0, len(r.tenants))
	for _, t := range r.tenants {
		out = append(out, t.Clone())
	}
	return out
}

// AddTenant registers a new tenant. It fails with InvalidArgument if
// the ID is already taken.
func (r *Registry) AddTenant(t *Tenant) error {
	if t == nil || t.ID == "" {
		return hverr.Newf(hverr.InvalidArgument, "Registry.AddTenant", "tenant id must not be empty")
	}
	r.mtx.Lock()
	if _, exists := r.tenants[t.ID]; exists {
		r.mtx.Unlock()
		return hverr.Newf(hverr.InvalidArgument, "Registry.AddTenant", "tenant %q already exists", t.ID)
	}
	stored := t.Clone()
	r.tenants[t.ID] = stored
	err := r.persistLocked()
	r.mtx.Unlock()
	if err != nil {
		r.lg.Errorf("tenant %s added but failed to persist: %v", t.ID, err)
	}
	r.notify(Event{Kind: TenantAdded, TenantID: t.ID, Tenant: stored.Clone()})
	return nil
}

// UpdateTenant replaces the stored tenant for t.ID wholesale. It fails
// with InvalidArgument if no such tenant exists - use AddTenant to
// create one.
func (r *Registry) UpdateTenant(t *Tenant) error {
	if t == nil || t.ID == "" {
		return hverr.Newf(hverr.InvalidArgument, "Registry.UpdateTenant", "tenant id must not be empty")
	}
	r.mtx.Lock()
	if _, exists := r.tenants[t.ID]; !exists {
		r.mtx.Unlock()
		return hverr.Newf(hverr.InvalidArgument, "Registry.UpdateTenant", "tenant %q does not exist", t.ID)
	}
	stored := t.Clone()
	r.tenants[t.ID] = stored
	err := r.persistLocked()
	r.mtx.Unlock()
	if err != nil {
		r.lg.Errorf("tenant %s updated but failed to persist: %v", t.ID, err)
	}
	r.notify(Event{Kind: TenantUpdated, TenantID: t.ID, Tenant: stored.Clone()})
	return nil
}

// AddBitstream extends t's bitstream allow-list with basename, creating
// the allow-list if it was empty. This is a narrower mutation than
// UpdateTenant so callers granting a single new bitstream don't need to
// read-modify-write the whole tenant record themselves.
func (r *Registry) AddBitstream(id, basename string) error {
	r.mtx.Lock()
	t, ok := r.tenants[id]
	if !ok {
		r.mtx.Unlock()
		return hverr.Newf(hverr.InvalidArgument, "Registry.AddBitstream", "tenant %q does not exist", id)
	}
	if t.AllowedBitstreams == nil {
		t.AllowedBitstreams = make(map[string]struct{})
	}
	t.AllowedBitstreams[basename] = struct{}{}
	err := r.persistLocked()
	clone := t.Clone()
	r.mtx.Unlock()
	if err != nil {
		r.lg.Errorf("bitstream %s granted to %s but failed to persist: %v", basename, id, err)
	}
	r.notify(Event{Kind: BitstreamAdded, TenantID: id, Tenant: clone})
	return nil
}

// RemoveTenant deletes the tenant identified by id. It is a no-op, not
// an error, if the tenant does not exist.
func (r *Registry) RemoveTenant(id string) error {
	r.mtx.Lock()
	if _, ok := r.tenants[id]; !ok {
		r.mtx.Unlock()
		return nil
	}
	delete(r.tenants, id)
	err := r.persistLocked()
	r.mtx.Unlock()
	if err != nil {
		r.lg.Errorf("tenant %s removed but failed to persist: %v", id, err)
	}
	r.notify(Event{Kind: TenantRemoved, TenantID: id})
	return nil
}

// RegisterObserver adds o to the set notified on every future mutation.
// It is never notified of changes that predate registration.
func (r *Registry) RegisterObserver(o Observer) {
	r.obsMtx.Lock()
	r.observers = append(r.observers, o)
	r.obsMtx.Unlock()
}

func (r *Registry) notify(ev Event) {
	r.obsMtx.Lock()
	obs := append([]Observer(nil), r.observers...)
	r.obsMtx.Unlock()
	for _, o := range obs {
		if err := o.TenantChanged(ev); err != nil {
			r.lg.Warnf("observer rejected %s event for tenant %s: %v", ev.Kind, ev.TenantID, err)
		}
	}
}
