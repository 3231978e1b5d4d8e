/*************************************************************************
 * Copyright 2026 FPGA Hypervisor Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package fastmmio

import (
	"sync"

	"github.com/fabrichv/hypervisor/internal/hwback"
)

type cacheKey struct {
	handle   string
	tenantID string
}

// handleCache is the hot-path (handle, tenant) -> MmioRef cache. First
// access goes through the Resource Registry's full validation; once
// that succeeds the HW handle is cached here so subsequent reads and
// writes never re-enter the registry. Any failed read/write
// self-invalidates its entry, and Server.InvalidateTenant drops every
// entry of a tenant that internal/hv has removed and cleaned up.
type handleCache struct {
	mtx     sync.RWMutex
	entries map[cacheKey]hwback.Handle
}

func newHandleCache() *handleCache {
	return &handleCache{entries: make(map[cacheKey]hwback.Handle)}
}

func (c *handleCache) get(handle, tenantID string) (hwback.Handle, bool) {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	h, ok := c.entries[cacheKey{handle, tenantID}]
	return h, ok
}

func (c *handleCache) put(handle, tenantID string, hw hwback.Handle) {
	c.mtx.Lock()
	c.entries[cacheKey{handle, tenantID}] = hw
	c.mtx.Unlock()
}

func (c *handleCache) invalidate(handle, tenantID string) {
	c.mtx.Lock()
	delete(c.entries, cacheKey{handle, tenantID})
	c.mtx.Unlock()
}

// invalidateTenant drops every cache entry belonging to tenantID -
// called when the Resource Registry cleans up all of a tenant's
// resources, so a stale cache entry can never outlive the object it
// points at.
func (c *handleCache) invalidateTenant(tenantID string) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	for k := range c.entries {
		if k.tenantID == tenantID {
			delete(c.entries, k)
		}
	}
}
