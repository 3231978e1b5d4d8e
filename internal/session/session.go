/*************************************************************************
 * Copyright 2026 FPGA Hypervisor Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package session is the Tenant/Session Manager (C2): authenticates
// tenants against the configuration registry, mints and expires
// session tokens, and holds the live usage counters that quota
// predicates are checked against.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/fabrichv/hypervisor/internal/hverr"
	"github.com/fabrichv/hypervisor/internal/tenantconf"
)

// DefaultTTL is the session lifetime used when Manager is constructed
// without an explicit override.
const DefaultTTL = 3600 * time.Second

// Session is one authenticated client's handle on a tenant identity.
type Session struct {
	Token     string
	TenantID  string
	CreatedAt time.Time
	ExpiresAt time.Time
}

func (s *Session) expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// usage tracks a tenant's live resource consumption - the numbers the
// quota predicates compare against the registry's configured limits.
// It is intentionally separate from tenantconf.Tenant: limits are
// config, usage is runtime state, and conflating them would mean every
// config reload has to carefully preserve counters.
type usage struct {
	overlays    int
	buffers     int
	memoryBytes uint64
}

// Manager is C2. It never touches hardware; it only decides whether a
// request is allowed to proceed.
type Manager struct {
	registry *tenantconf.Registry
	ttl      time.Duration

	mtx      sync.Mutex
	sessions map[string]*Session
	usage    map[string]*usage
}

// NewManager builds a Manager backed by reg, with the default 3600s
// session TTL.
func NewManager(reg *tenantconf.Registry) *Manager {
	return &Manager{
		registry: reg,
		ttl:      DefaultTTL,
		sessions: make(map[string]*Session),
		usage:    make(map[string]*usage),
	}
}

// WithTTL overrides the session lifetime - used by tests that need
// fast expiry.
func (m *Manager) WithTTL(ttl time.Duration) *Manager {
	m.mtx.Lock()
	m.ttl = ttl
	m.mtx.Unlock()
	return m
}

// Authenticate validates (tenantID, key) against the registry and, on
// success, mints and stores a new session token of the form
// "tenantId:128-bit-random-hex".
func (m *Manager) Authenticate(tenantID, key string) (*Session, error) {
	t, ok := m.registry.Get(tenantID)
	if !ok || t.APIKey != key {
		return nil, hverr.Newf(hverr.Unauthenticated, "session.Authenticate", "invalid tenant or key")
	}

	tok, err := newToken(tenantID)
	if err != nil {
		return nil, hverr.New(hverr.Internal, "session.Authenticate", err)
	}

	now := time.Now()
	s := &Session{
		Token:     tok,
		TenantID:  tenantID,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttlLocked()),
	}

	m.mtx.Lock()
	m.sessions[tok] = s
	if _, ok := m.usage[tenantID]; !ok {
		m.usage[tenantID] = &usage{}
	}
	m.mtx.Unlock()

	return s, nil
}

func (m *Manager) ttlLocked() time.Duration {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.ttl
}

// Validate returns the tenant id bound to token, or an Unauthenticated
// error if the token is unknown or expired. Expired sessions are
// purged as a side effect of being observed here, matching the
// specification's "lazily purged on lookup" invariant.
func (m *Manager) Validate(token string) (string, error) {
	now := time.Now()
	m.mtx.Lock()
	defer m.mtx.Unlock()

	s, ok := m.sessions[token]
	if !ok {
		return "", hverr.Newf(hverr.Unauthenticated, "session.Validate", "unknown session token")
	}
	if s.expired(now) {
		delete(m.sessions, token)
		return "", hverr.Newf(hverr.Unauthenticated, "session.Validate", "session expired")
	}
	return s.TenantID, nil
}

// Revoke removes a single session token - used on explicit client
// logout, distinct from tenant-wide cleanup.
func (m *Manager) Revoke(token string) {
	m.mtx.Lock()
	delete(m.sessions, token)
	m.mtx.Unlock()
}

// CanAllocateOverlay reports whether tenantID has room for one more
// concurrent overlay under its configured MaxOverlays limit.
func (m *Manager) CanAllocateOverlay(tenantID string) bool {
	t, ok := m.registry.Get(tenantID)
	if !ok {
		return false
	}
	m.mtx.Lock()
	defer m.mtx.Unlock()
	u := m.usageLocked(tenantID)
	return u.overlays < t.MaxOverlays
}

// CanAllocateBuffer reports whether tenantID has room for one more
// buffer of size bytes under both its buffer-count and aggregate-byte
// limits.
func (m *Manager) CanAllocateBuffer(tenantID string, size uint64) bool {
	t, ok := m.registry.Get(tenantID)
	if !ok {
		return false
	}
	m.mtx.Lock()
	defer m.mtx.Unlock()
	u := m.usageLocked(tenantID)
	if u.buffers >= t.MaxBuffers {
		return false
	}
	return u.memoryBytes+size <= t.MaxMemoryBytes
}

// IsBitstreamAllowed delegates to the tenant's allow-list.
func (m *Manager) IsBitstreamAllowed(tenantID, basename string) bool {
	t, ok := m.registry.Get(tenantID)
	if !ok {
		return false
	}
	return t.IsBitstreamAllowed(basename)
}

// IsAddressAllowed delegates to the tenant's allowed-range list.
func (m *Manager) IsAddressAllowed(tenantID string, addr, size uint64) bool {
	t, ok := m.registry.Get(tenantID)
	if !ok {
		return false
	}
	return t.IsAddressAllowed(addr, size)
}

func (m *Manager) usageLocked(tenantID string) *usage {
	u, ok := m.usage[tenantID]
	if !ok {
		u = &usage{}
		m.usage[tenantID] = u
	}
	return u
}

// RecordOverlayAllocated increments tenantID's overlay counter. Called
// by C5 after a load_overlay call that actually succeeded.
func (m *Manager) RecordOverlayAllocated(tenantID string) {
	m.mtx.Lock()
	m.usageLocked(tenantID).overlays++
	m.mtx.Unlock()
}

// RecordOverlayReleased decrements tenantID's overlay counter, floored
// at zero so a duplicate release can never drive it negative.
func (m *Manager) RecordOverlayReleased(tenantID string) {
	m.mtx.Lock()
	u := m.usageLocked(tenantID)
	if u.overlays > 0 {
		u.overlays--
	}
	m.mtx.Unlock()
}

// RecordBufferAllocated increments tenantID's buffer counter and byte
// total by size.
func (m *Manager) RecordBufferAllocated(tenantID string, size uint64) {
	m.mtx.Lock()
	u := m.usageLocked(tenantID)
	u.buffers++
	u.memoryBytes += size
	m.mtx.Unlock()
}

// RecordBufferReleased decrements tenantID's buffer counter and byte
// total by size, floored at zero.
func (m *Manager) RecordBufferReleased(tenantID string, size uint64) {
	m.mtx.Lock()
	u := m.usageLocked(tenantID)
	if u.buffers > 0 {
		u.buffers--
	}
	if u.memoryBytes >= size {
		u.memoryBytes -= size
	} else {
		u.memoryBytes = 0
	}
	m.mtx.Unlock()
}

// ResetUsage zeroes tenantID's counters - called by C5's
// cleanup_tenant_resources once every owned resource has actually
// been torn down through C4.
func (m *Manager) ResetUsage(tenantID string) {
	m.mtx.Lock()
	delete(m.usage, tenantID)
	m.mtx.Unlock()
}

// RevokeTenantSessions purges every session bound to tenantID - used
// when a tenant is removed from the registry.
func (m *Manager) RevokeTenantSessions(tenantID string) {
	m.mtx.Lock()
	for tok, s := range m.sessions {
		if s.TenantID == tenantID {
			delete(m.sessions, tok)
		}
	}
	m.mtx.Unlock()
}

// TenantChanged implements tenantconf.Observer: a removed tenant has
// all of its sessions and usage counters torn down immediately rather
// than waiting for them to expire or for C5 cleanup to run.
func (m *Manager) TenantChanged(ev tenantconf.Event) error {
	if ev.Kind == tenantconf.TenantRemoved {
		m.RevokeTenantSessions(ev.TenantID)
		m.ResetUsage(ev.TenantID)
	}
	return nil
}

func newToken(tenantID string) (string, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("generating session token: %w", err)
	}
	return tenantID + ":" + hex.EncodeToString(raw[:]), nil
}
