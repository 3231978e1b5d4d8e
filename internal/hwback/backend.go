/*************************************************************************
 * Copyright 2026 FPGA Hypervisor Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package hwback defines the narrow interface the Hardware Execution
// Thread (C4) drives. It exists so C4's queueing, locking, and
// reconfiguration-protocol logic can be exercised identically against
// a mock backend in tests and a real backend in production, with no
// conditional logic of its own caring which one it has.
package hwback

import "context"

// Handle identifies an object the backend is tracking (an MMIO window
// or a buffer). It is opaque outside this package and internal/hwthread.
type Handle string

// BufferInfo describes an allocated DMA-visible buffer.
type BufferInfo struct {
	Handle          Handle
	PhysicalAddress uint64
	TotalSize       uint64
}

// Backend is the hardware-facing surface. Every method runs only from
// the HW Execution Thread goroutine - implementations are free to
// assume single-threaded access and carry no internal locking of their
// own for that reason.
type Backend interface {
	// Init performs one-time setup of the decoupler controller for each
	// of the n PR zones, leaving every zone coupled. Neither bundled
	// backend loads a static shell bitstream here.
	Init(ctx context.Context, n int) error

	// DecoupleZone asserts zone's decoupler (CH1_DATA := 1), isolating
	// it from the static shell.
	DecoupleZone(ctx context.Context, zone int) error

	// CoupleZone de-asserts zone's decoupler (CH1_DATA := 0).
	CoupleZone(ctx context.Context, zone int) error

	// DownloadBitstream programs zone with the partial bitstream at
	// path. Only valid while the zone is decoupled.
	DownloadBitstream(ctx context.Context, zone int, path string) error

	// CreateMMIO maps a register window of length bytes at physical
	// address base and returns a handle for later reads/writes.
	CreateMMIO(ctx context.Context, base, length uint64) (Handle, error)

	// DestroyMMIO releases a handle obtained from CreateMMIO.
	DestroyMMIO(ctx context.Context, h Handle) error

	// MMIORead reads a 32-bit register at offset within h's window.
	MMIORead(ctx context.Context, h Handle, offset uint32) (uint32, error)

	// MMIOWrite writes value to the 32-bit register at offset within
	// h's window.
	MMIOWrite(ctx context.Context, h Handle, offset uint32, value uint32) error

	// AllocateBuffer reserves a DMA-visible buffer sized for shape
	// elements of dtype, returning its handle, physical address, and
	// total byte size.
	AllocateBuffer(ctx context.Context, shape []int, dtype string) (BufferInfo, error)

	// FreeBuffer releases a buffer obtained from AllocateBuffer.
	FreeBuffer(ctx context.Context, h Handle) error

	// ReadBuffer copies length bytes starting at offset out of the
	// buffer identified by h.
	ReadBuffer(ctx context.Context, h Handle, offset, length uint64) ([]byte, error)

	// WriteBuffer copies data into the buffer identified by h starting
	// at offset.
	WriteBuffer(ctx context.Context, h Handle, offset uint64, data []byte) error
}
