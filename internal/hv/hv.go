/*************************************************************************
 * Copyright 2026 FPGA Hypervisor Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package hv wires the Configuration Registry (C1), Tenant/Session
// Manager (C2), PR-Zone Allocator (C3), Hardware Execution Thread
// (C4), Resource Registry (C5), and Fast MMIO Path (C6) into one
// Hypervisor object. ControlDispatcher and ManagementDispatcher expose
// its control RPC surface and its privileged management surface as two
// separate rpcwire.Dispatcher values.
package hv

import (
	"context"

	"github.com/fabrichv/hypervisor/internal/fastmmio"
	"github.com/fabrichv/hypervisor/internal/hvlog"
	"github.com/fabrichv/hypervisor/internal/hwback"
	"github.com/fabrichv/hypervisor/internal/hwthread"
	"github.com/fabrichv/hypervisor/internal/registry"
	"github.com/fabrichv/hypervisor/internal/session"
	"github.com/fabrichv/hypervisor/internal/tenantconf"
	"github.com/fabrichv/hypervisor/internal/zone"
)

// Hypervisor is the core, transport-agnostic object: every control
// and management RPC this process serves bottoms out in a method
// here. It does not implement rpcwire.Dispatcher itself;
// cmd/hypervisord wraps it in ControlDispatcher and
// ManagementDispatcher.
type Hypervisor struct {
	Config   *tenantconf.Registry
	Sessions *session.Manager
	Zones    *zone.Allocator
	HW       *hwthread.Thread
	Res      *registry.Registry
	Fast     *fastmmio.Server

	lg *hvlog.Logger

	bitstreamDir string
}

// Options bundles the pieces New needs to wire a Hypervisor.
type Options struct {
	ConfigPath   string
	NZones       int
	Backend      hwback.Backend
	Logger       *hvlog.Logger
	BitstreamDir string

	ReconfigRatePerMinute float64
	ReconfigBurst         int
}

// New constructs a fully-wired Hypervisor. The caller must still run
// the HW thread (hv.HW.Run) in its own goroutine and wait on
// hv.HW.WaitReady before serving any RPC traffic.
func New(opts Options) (*Hypervisor, error) {
	lg := opts.Logger
	if lg == nil {
		lg = hvlog.NewDiscardLogger()
	}

	cfg := tenantconf.NewRegistry(opts.ConfigPath, lg)
	if err := cfg.Load(); err != nil {
		return nil, err
	}

	sessions := session.NewManager(cfg)
	cfg.RegisterObserver(sessions)

	zones := zone.New(opts.NZones)

	hw := hwthread.New(hwthread.Config{
		Backend:               opts.Backend,
		Logger:                lg,
		NZones:                opts.NZones,
		ReconfigRatePerMinute: opts.ReconfigRatePerMinute,
		ReconfigBurst:         opts.ReconfigBurst,
	})

	res := registry.New(sessions, zones, hw, lg)
	fast := fastmmio.New(res, hw, lg)

	h := &Hypervisor{
		Config:       cfg,
		Sessions:     sessions,
		Zones:        zones,
		HW:           hw,
		Res:          res,
		Fast:         fast,
		lg:           lg,
		bitstreamDir: opts.BitstreamDir,
	}
	cfg.RegisterObserver(h)
	return h, nil
}

// TenantChanged implements tenantconf.Observer: a removed tenant has
// its hardware resources torn down and its fast-path cache cleared
// immediately, ahead of any lazy session expiry.
func (h *Hypervisor) TenantChanged(ev tenantconf.Event) error {
	if ev.Kind == tenantconf.TenantRemoved {
		ctx := context.Background()
		if err := h.Res.CleanupTenantResources(ctx, ev.TenantID); err != nil {
			h.lg.Warnf("cleanup for removed tenant %s: %v", ev.TenantID, err)
		}
		h.Fast.InvalidateTenant(ev.TenantID)
	}
	return nil
}

// ResolveBitstreamPath returns path unchanged if absolute, else joins
// it under the configured bitstream directory - matching §6's
// "bitstreams resolved relative to BITSTREAM_DIR unless absolute".
func (h *Hypervisor) ResolveBitstreamPath(path string) string {
	return resolveUnderDir(h.bitstreamDir, path)
}
