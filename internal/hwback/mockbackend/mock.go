/*************************************************************************
 * Copyright 2026 FPGA Hypervisor Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package mockbackend is a pure in-memory hwback.Backend used by tests
// and by debug-mode operation (see the SOCKET_DIR/BITSTREAM_DIR/debug
// environment boundary). It never touches real hardware and never
// returns an error except for genuinely invalid arguments, so tests
// exercising C4's queueing and protocol logic aren't also fighting
// simulated flakiness.
package mockbackend

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/fabrichv/hypervisor/internal/hwback"
)

type mmioWindow struct {
	base, length uint64
	regs         map[uint32]uint32
}

type buffer struct {
	physAddr uint64
	data     []byte
}

// Backend is the mock implementation.
type Backend struct {
	mtx sync.Mutex

	decoupled map[int]bool
	bitstream map[int]string

	mmio    map[hwback.Handle]*mmioWindow
	buffers map[hwback.Handle]*buffer

	nextPhysAddr uint64
}

// New constructs an empty mock backend.
func New() *Backend {
	return &Backend{
		decoupled:    make(map[int]bool),
		bitstream:    make(map[int]string),
		mmio:         make(map[hwback.Handle]*mmioWindow),
		buffers:      make(map[hwback.Handle]*buffer),
		nextPhysAddr: 0x10000000,
	}
}

func (b *Backend) Init(_ context.Context, n int) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	for i := 0; i < n; i++ {
		b.decoupled[i] = false
	}
	return nil
}

func (b *Backend) DecoupleZone(_ context.Context, zone int) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.decoupled[zone] = true
	return nil
}

func (b *Backend) CoupleZone(_ context.Context, zone int) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.decoupled[zone] = false
	return nil
}

func (b *Backend) DownloadBitstream(_ context.Context, zone int, path string) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if !b.decoupled[zone] {
		return fmt.Errorf("mockbackend: zone %d is not decoupled", zone)
	}
	b.bitstream[zone] = path
	return nil
}

func (b *Backend) CreateMMIO(_ context.Context, base, length uint64) (hwback.Handle, error) {
	h := hwback.Handle(uuid.NewString())
	b.mtx.Lock()
	b.mmio[h] = &mmioWindow{base: base, length: length, regs: make(map[uint32]uint32)}
	b.mtx.Unlock()
	return h, nil
}

func (b *Backend) DestroyMMIO(_ context.Context, h hwback.Handle) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if _, ok := b.mmio[h]; !ok {
		return fmt.Errorf("mockbackend: unknown MMIO handle %s", h)
	}
	delete(b.mmio, h)
	return nil
}

func (b *Backend) MMIORead(_ context.Context, h hwback.Handle, offset uint32) (uint32, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	w, ok := b.mmio[h]
	if !ok {
		return 0, fmt.Errorf("mockbackend: unknown MMIO handle %s", h)
	}
	if uint64(offset) >= w.length {
		return 0, fmt.Errorf("mockbackend: offset %d out of range for window of length %d", offset, w.length)
	}
	return w.regs[offset], nil
}

func (b *Backend) MMIOWrite(_ context.Context, h hwback.Handle, offset uint32, value uint32) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	w, ok := b.mmio[h]
	if !ok {
		return fmt.Errorf("mockbackend: unknown MMIO handle %s", h)
	}
	if uint64(offset) >= w.length {
		return fmt.Errorf("mockbackend: offset %d out of range for window of length %d", offset, w.length)
	}
	w.regs[offset] = value
	return nil
}

func (b *Backend) AllocateBuffer(_ context.Context, shape []int, dtype string) (hwback.BufferInfo, error) {
	elemSize := dtypeSize(dtype)
	count := 1
	for _, d := range shape {
		if d <= 0 {
			return hwback.BufferInfo{}, fmt.Errorf("mockbackend: invalid shape dimension %d", d)
		}
		count *= d
	}
	total := uint64(count) * elemSize

	h := hwback.Handle(uuid.NewString())
	b.mtx.Lock()
	phys := b.nextPhysAddr
	b.nextPhysAddr += alignUp(total, 4096)
	b.buffers[h] = &buffer{physAddr: phys, data: make([]byte, total)}
	b.mtx.Unlock()

	return hwback.BufferInfo{Handle: h, PhysicalAddress: phys, TotalSize: total}, nil
}

func (b *Backend) FreeBuffer(_ context.Context, h hwback.Handle) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if _, ok := b.buffers[h]; !ok {
		return fmt.Errorf("mockbackend: unknown buffer handle %s", h)
	}
	delete(b.buffers, h)
	return nil
}

func (b *Backend) ReadBuffer(_ context.Context, h hwback.Handle, offset, length uint64) ([]byte, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	buf, ok := b.buffers[h]
	if !ok {
		return nil, fmt.Errorf("mockbackend: unknown buffer handle %s", h)
	}
	if offset+length > uint64(len(buf.data)) {
		return nil, fmt.Errorf("mockbackend: read [%d,%d) out of range for buffer of size %d", offset, offset+length, len(buf.data))
	}
	out := make([]byte, length)
	copy(out, buf.data[offset:offset+length])
	return out, nil
}

func (b *Backend) WriteBuffer(_ context.Context, h hwback.Handle, offset uint64, data []byte) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	buf, ok := b.buffers[h]
	if !ok {
		return fmt.Errorf("mockbackend: unknown buffer handle %s", h)
	}
	if offset+uint64(len(data)) > uint64(len(buf.data)) {
		return fmt.Errorf("mockbackend: write [%d,%d) out of range for buffer of size %d", offset, offset+uint64(len(data)), len(buf.data))
	}
	copy(buf.data[offset:], data)
	return nil
}

func dtypeSize(dtype string) uint64 {
	switch dtype {
	case "int8", "uint8":
		return 1
	case "int16", "uint16":
		return 2
	case "int64", "uint64", "float64":
		return 8
	default: // int32, uint32, float32 and anything unrecognized
		return 4
	}
}

func alignUp(v uint64, align uint64) uint64 {
	rem := v % align
	if rem == 0 {
		return v
	}
	return v + (align - rem)
}

var _ hwback.Backend = (*Backend)(nil)
