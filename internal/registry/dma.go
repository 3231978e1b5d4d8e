/*************************************************************************
 * Copyright 2026 FPGA Hypervisor Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package registry

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/fabrichv/hypervisor/internal/hverr"
)

// AXI DMA (xilinx.com:ip:axi_dma) control/status register offsets,
// matching the template mock_resource_manager.py hands back for a
// 'dma' resource_type IP core.
const (
	regMM2SControl = 0x00
	regMM2SStatus  = 0x04
	regS2MMControl = 0x30
	regS2MMStatus  = 0x34

	dmaControlRunStop = 0x1
	dmaStatusIdle     = 0x1
	dmaStatusRunning  = 0x0
)

// dmaWindowSize is generous for a register template that only uses
// offsets up to 0x34.
const dmaWindowSize = 0x100

// DMAStatus is the coarse state GetDMAStatus reports.
type DMAStatus string

const (
	DMAIdle      DMAStatus = "idle"
	DMARunning   DMAStatus = "running"
	DMACompleted DMAStatus = "completed"
)

// CreateDMA registers a named DMA engine for tenantID. Unlike
// CreateMMIO, the caller does not supply an address: the window is
// derived deterministically from (tenantID, name) within a reserved
// DMA register arena, mirroring create_dma's "simplified, no overlay_id"
// contract in mock_resource_manager.py - the caller just names the
// engine, the hypervisor places its registers.
func (r *Registry) CreateDMA(ctx context.Context, tenantID, name string) (string, error) {
	base := dmaBaseFor(tenantID, name)

	hwh, err := r.hw.CreateMMIO(ctx, base, dmaWindowSize)
	if err != nil {
		return "", err
	}
	if err := r.hw.MMIOWrite(ctx, hwh, regMM2SStatus, dmaStatusIdle); err != nil {
		return "", err
	}
	if err := r.hw.MMIOWrite(ctx, hwh, regS2MMStatus, dmaStatusIdle); err != nil {
		return "", err
	}

	r.mtx.Lock()
	h := newHandle("dma")
	r.resources[h] = &Record{
		Handle:    h,
		TenantID:  tenantID,
		Kind:      KindDMA,
		CreatedAt: time.Now(),
		HWHandle:  hwh,
		Base:      base,
		Length:    dmaWindowSize,
		DMAName:   name,
	}
	r.mtx.Unlock()
	return h, nil
}

func dmaBaseFor(tenantID, name string) uint64 {
	const dmaArenaBase = 0xF0000000
	h := fnv.New64a()
	h.Write([]byte(tenantID))
	h.Write([]byte{0})
	h.Write([]byte(name))
	return dmaArenaBase + (h.Sum64()%0x100000)*dmaWindowSize
}

// DMATransfer drives one synchronous transfer between buffer handle
// bufHandle and the DMA engine's owning hardware - toDevice
// selects MM2S ("to device") versus S2MM ("from device") per the AXI
// DMA register map. The transfer itself is synchronous: by the time
// this call returns, GetDMAStatus already reports DMACompleted,
// matching the mock backend's synchronous MockDMA.transfer.
func (r *Registry) DMATransfer(ctx context.Context, tenantID, dmaHandle, bufHandle string, toDevice bool, length uint64) error {
	dmaRec, err := r.lookupOwned(tenantID, dmaHandle, KindDMA)
	if err != nil {
		return err
	}
	bufRec, err := r.lookupOwned(tenantID, bufHandle, KindBuffer)
	if err != nil {
		return err
	}
	if length > bufRec.TotalSize {
		return hverr.Newf(hverr.InvalidArgument, "registry.DMATransfer", "transfer length %d exceeds buffer size %d", length, bufRec.TotalSize)
	}

	ctrlOff := uint32(regMM2SControl)
	statusOff := uint32(regMM2SStatus)
	if !toDevice {
		ctrlOff = regS2MMControl
		statusOff = regS2MMStatus
	}

	if err := r.hw.MMIOWrite(ctx, dmaRec.HWHandle, ctrlOff, dmaControlRunStop); err != nil {
		return err
	}
	if err := r.hw.MMIOWrite(ctx, dmaRec.HWHandle, statusOff, dmaStatusRunning); err != nil {
		return err
	}

	// Move the bytes through the buffer's own storage so ReadBuffer
	// immediately reflects the transfer - this stands in for the
	// engine actually walking the descriptor it was handed.
	if toDevice {
		if _, err := r.hw.ReadBuffer(ctx, bufRec.HWHandle, 0, length); err != nil {
			return err
		}
	} else {
		zeros := make([]byte, length)
		if err := r.hw.WriteBuffer(ctx, bufRec.HWHandle, 0, zeros); err != nil {
			return err
		}
	}

	if err := r.hw.MMIOWrite(ctx, dmaRec.HWHandle, statusOff, dmaStatusIdle); err != nil {
		return err
	}

	r.mtx.Lock()
	dmaRec.DMATransferred = true
	r.mtx.Unlock()
	return nil
}

// GetDMAStatus reads back the MM2S and S2MM status registers and
// reports the coarser DMAStatus the control RPC surface exposes.
func (r *Registry) GetDMAStatus(ctx context.Context, tenantID, dmaHandle string) (DMAStatus, error) {
	rec, err := r.lookupOwned(tenantID, dmaHandle, KindDMA)
	if err != nil {
		return "", err
	}
	mm2s, err := r.hw.MMIORead(ctx, rec.HWHandle, regMM2SStatus)
	if err != nil {
		return "", err
	}
	s2mm, err := r.hw.MMIORead(ctx, rec.HWHandle, regS2MMStatus)
	if err != nil {
		return "", err
	}
	if mm2s == dmaStatusRunning || s2mm == dmaStatusRunning {
		return DMARunning, nil
	}

	r.mtx.Lock()
	transferred := rec.DMATransferred
	r.mtx.Unlock()
	if !transferred {
		return DMAIdle, nil
	}
	return DMACompleted, nil
}
