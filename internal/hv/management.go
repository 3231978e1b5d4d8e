/*************************************************************************
 * Copyright 2026 FPGA Hypervisor Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package hv

import (
	"context"
	"encoding/json"

	"github.com/fabrichv/hypervisor/internal/hverr"
	"github.com/fabrichv/hypervisor/internal/tenantconf"
)

// management methods are only reachable over the privileged management
// socket, via ManagementDispatcher (see cmd/hypervisord); authorization
// is the socket's 0600 file mode and root ownership, not a session
// token, so dispatchManagement never calls h.Sessions.Validate for
// these. managementMethods/isManagementMethod no longer gate anything
// at the dispatch boundary itself - ControlDispatcher simply cannot
// reach dispatchManagement - but tests still use isManagementMethod to
// pick which Dispatcher wrapper a given call should go through.
var managementMethods = map[string]bool{
	"AddTenant":    true,
	"UpdateTenant": true,
	"RemoveTenant": true,
	"AddBitstream": true,
	"ListTenants":  true,
	"ReloadConfig": true,
}

func isManagementMethod(method string) bool {
	return managementMethods[method]
}

func (h *Hypervisor) dispatchManagement(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	switch method {
	case "AddTenant":
		return h.rpcAddTenant(params)
	case "UpdateTenant":
		return h.rpcUpdateTenant(params)
	case "RemoveTenant":
		return h.rpcRemoveTenant(params)
	case "AddBitstream":
		return h.rpcAddBitstream(params)
	case "ListTenants":
		return h.rpcListTenants()
	case "ReloadConfig":
		return h.rpcReloadConfig()
	}
	return nil, hverr.Newf(hverr.InvalidArgument, "hv.dispatchManagement", "unknown method %q", method)
}

type addressRangeReq struct {
	Base   uint64 `json:"base"`
	Length uint64 `json:"length"`
}

type tenantDTO struct {
	ID                   string             `json:"id"`
	APIKey               string             `json:"api_key"`
	UID                  int                `json:"uid"`
	GID                  int                `json:"gid"`
	MaxOverlays          int                `json:"max_overlays"`
	MaxBuffers           int                `json:"max_buffers"`
	MaxMemoryBytes       uint64             `json:"max_memory_bytes"`
	AllowedBitstreams    []string           `json:"allowed_bitstreams"`
	AllowedAddressRanges []addressRangeReq  `json:"allowed_address_ranges"`
}

func (d tenantDTO) toTenant() *tenantconf.Tenant {
	bitstreams := make(map[string]struct{}, len(d.AllowedBitstreams))
	for _, b := range d.AllowedBitstreams {
		bitstreams[b] = struct{}{}
	}
	ranges := make([]tenantconf.AddressRange, 0, len(d.AllowedAddressRanges))
	for _, r := range d.AllowedAddressRanges {
		ranges = append(ranges, tenantconf.AddressRange{Base: r.Base, Length: r.Length})
	}
	return &tenantconf.Tenant{
		ID:                   d.ID,
		APIKey:               d.APIKey,
		UID:                  d.UID,
		GID:                  d.GID,
		MaxOverlays:          d.MaxOverlays,
		MaxBuffers:           d.MaxBuffers,
		MaxMemoryBytes:       d.MaxMemoryBytes,
		AllowedBitstreams:    bitstreams,
		AllowedAddressRanges: ranges,
	}
}

func tenantToDTO(t *tenantconf.Tenant) tenantDTO {
	bitstreams := make([]string, 0, len(t.AllowedBitstreams))
	for b := range t.AllowedBitstreams {
		bitstreams = append(bitstreams, b)
	}
	ranges := make([]addressRangeReq, 0, len(t.AllowedAddressRanges))
	for _, r := range t.AllowedAddressRanges {
		ranges = append(ranges, addressRangeReq{Base: r.Base, Length: r.Length})
	}
	return tenantDTO{
		ID:                   t.ID,
		APIKey:               t.APIKey,
		UID:                  t.UID,
		GID:                  t.GID,
		MaxOverlays:          t.MaxOverlays,
		MaxBuffers:           t.MaxBuffers,
		MaxMemoryBytes:       t.MaxMemoryBytes,
		AllowedBitstreams:    bitstreams,
		AllowedAddressRanges: ranges,
	}
}

func (h *Hypervisor) rpcAddTenant(params json.RawMessage) (json.RawMessage, error) {
	var dto tenantDTO
	if err := unmarshal(params, &dto); err != nil {
		return nil, err
	}
	if err := h.Config.AddTenant(dto.toTenant()); err != nil {
		return nil, err
	}
	return marshal(struct{}{})
}

func (h *Hypervisor) rpcUpdateTenant(params json.RawMessage) (json.RawMessage, error) {
	var dto tenantDTO
	if err := unmarshal(params, &dto); err != nil {
		return nil, err
	}
	if err := h.Config.UpdateTenant(dto.toTenant()); err != nil {
		return nil, err
	}
	return marshal(struct{}{})
}

type removeTenantReq struct {
	TenantID string `json:"tenant_id"`
}

func (h *Hypervisor) rpcRemoveTenant(params json.RawMessage) (json.RawMessage, error) {
	var req removeTenantReq
	if err := unmarshal(params, &req); err != nil {
		return nil, err
	}
	if err := h.Config.RemoveTenant(req.TenantID); err != nil {
		return nil, err
	}
	return marshal(struct{}{})
}

type addBitstreamReq struct {
	TenantID string `json:"tenant_id"`
	Basename string `json:"basename"`
}

func (h *Hypervisor) rpcAddBitstream(params json.RawMessage) (json.RawMessage, error) {
	var req addBitstreamReq
	if err := unmarshal(params, &req); err != nil {
		return nil, err
	}
	if err := h.Config.AddBitstream(req.TenantID, req.Basename); err != nil {
		return nil, err
	}
	return marshal(struct{}{})
}

type listTenantsResp struct {
	Tenants []tenantDTO `json:"tenants"`
}

func (h *Hypervisor) rpcListTenants() (json.RawMessage, error) {
	tenants := h.Config.List()
	out := make([]tenantDTO, 0, len(tenants))
	for _, t := range tenants {
		out = append(out, tenantToDTO(t))
	}
	return marshal(listTenantsResp{Tenants: out})
}

func (h *Hypervisor) rpcReloadConfig() (json.RawMessage, error) {
	if err := h.Config.Load(); err != nil {
		return nil, err
	}
	return marshal(struct{}{})
}
