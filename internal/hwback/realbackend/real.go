/*************************************************************************
 * Copyright 2026 FPGA Hypervisor Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package realbackend models the register and memory side effects of
// the FPGA userspace library's calls: decoupler GPIO writes, bitstream
// download, MMIO peek/poke, and DMA buffer allocation. It stands in
// for the vendor library this process would otherwise link against -
// every "physical address" it hands out is really an offset into one
// mmap-backed file, so the byte-level contract (readers see exactly
// what writers wrote, at stable addresses, surviving across handles)
// is real even though no FPGA is present. This is the structural
// grounding for the hardware thread's protocol; a production build
// swaps this package for the vendor bindings without C4 changing at
// all, since both sit behind hwback.Backend.
package realbackend

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"syscall"

	"context"

	"github.com/google/uuid"

	"github.com/fabrichv/hypervisor/internal/hwback"
)

// defaultSpaceSize is the size of the simulated physical address
// space backing file - large enough for a handful of PR zones' MMIO
// windows plus a generous buffer arena.
const defaultSpaceSize = 64 * 1024 * 1024

// gpioDecouplerStride is the byte spacing between consecutive PR
// zones' simulated decoupler GPIO registers, kept far apart so a
// stray MMIO write from a tenant's zone can never alias a decoupler.
const gpioDecouplerStride = 4096

// mmioArenaSize is the headroom reserved for regOffset's
// base%mmioArenaSize keying of MMIO register windows. The buffer bump allocator starts
// after this arena so a buffer's physical address can never fall
// inside the byte range an MMIO window resolves to.
const mmioArenaSize = 2 << 20

type mmioWindow struct {
	base, length uint64
}

type bufferRegion struct {
	physAddr uint64
	length   uint64
}

// Backend is the real (mmap-simulated) hwback.Backend. All methods
// run only from the HW Execution Thread goroutine - no locking of its
// own beyond what protects the backing mmap from being torn down
// mid-use by Close.
type Backend struct {
	mtx sync.Mutex

	f    *os.File
	mem  []byte // mmap'd simulated physical address space
	open bool

	decoupled map[int]bool

	mmio    map[hwback.Handle]mmioWindow
	buffers map[hwback.Handle]bufferRegion

	nextArenaOff uint64 // bump allocator for buffer/MMIO backing offsets
}

// New creates a backend whose simulated physical address space is
// backed by a temp file of spaceSize bytes (0 selects the default).
func New(spaceSize int64) (*Backend, error) {
	if spaceSize <= 0 {
		spaceSize = defaultSpaceSize
	}
	f, err := os.CreateTemp("", "hypervisor-physmem-*")
	if err != nil {
		return nil, fmt.Errorf("realbackend: creating backing file: %w", err)
	}
	if err := f.Truncate(spaceSize); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("realbackend: sizing backing file: %w", err)
	}
	mem, err := syscall.Mmap(int(f.Fd()), 0, int(spaceSize), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("realbackend: mmap: %w", err)
	}
	return &Backend{
		f:         f,
		mem:       mem,
		open:      true,
		decoupled: make(map[int]bool),
		mmio:      make(map[hwback.Handle]mmioWindow),
		buffers:   make(map[hwback.Handle]bufferRegion),
		// leave the first gpioDecouplerStride*N bytes for decoupler
		// registers and the following mmioArenaSize bytes for MMIO
		// register windows (see regOffset); the buffer bump allocator
		// starts only after both, so a buffer can never alias either.
		nextArenaOff: gpioDecouplerStride*64 + mmioArenaSize,
	}, nil
}

// Close unmaps the simulated physical address space and removes its
// backing file.
func (b *Backend) Close() error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if !b.open {
		return nil
	}
	b.open = false
	err := syscall.Munmap(b.mem)
	name := b.f.Name()
	b.f.Close()
	os.Remove(name)
	return err
}

func (b *Backend) decouplerOffset(zone int) uint64 {
	return uint64(zone) * gpioDecouplerStride
}

func (b *Backend) Init(_ context.Context, n int) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	for i := 0; i < n; i++ {
		off := b.decouplerOffset(i)
		if off+4 > uint64(len(b.mem)) {
			return fmt.Errorf("realbackend: zone %d decoupler register out of backing-space range", i)
		}
		binary.LittleEndian.PutUint32(b.mem[off:], 0) // tristate -> output, coupled
		b.decoupled[i] = false
	}
	return nil
}

func (b *Backend) DecoupleZone(_ context.Context, zone int) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	off := b.decouplerOffset(zone)
	binary.LittleEndian.PutUint32(b.mem[off:], 1) // CH1_DATA := 1
	b.decoupled[zone] = true
	return nil
}

func (b *Backend) CoupleZone(_ context.Context, zone int) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	off := b.decouplerOffset(zone)
	binary.LittleEndian.PutUint32(b.mem[off:], 0) // CH1_DATA := 0
	b.decoupled[zone] = false
	return nil
}

func (b *Backend) DownloadBitstream(_ context.Context, zone int, path string) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if !b.decoupled[zone] {
		return fmt.Errorf("realbackend: zone %d must be decoupled before programming", zone)
	}
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("realbackend: stat bitstream %s: %w", path, err)
	}
	if fi.Size() == 0 {
		return fmt.Errorf("realbackend: bitstream %s is empty", path)
	}
	return nil
}

func (b *Backend) CreateMMIO(_ context.Context, base, length uint64) (hwback.Handle, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	off, err := b.reserveLocked(length)
	if err != nil {
		return "", err
	}
	_ = off
	h := hwback.Handle(uuid.NewString())
	b.mmio[h] = mmioWindow{base: base, length: length}
	return h, nil
}

func (b *Backend) DestroyMMIO(_ context.Context, h hwback.Handle) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if _, ok := b.mmio[h]; !ok {
		return fmt.Errorf("realbackend: unknown MMIO handle %s", h)
	}
	delete(b.mmio, h)
	return nil
}

// regOffset maps (handle, register offset) to a stable byte offset in
// the simulated physical address space, keyed by the handle's base
// address so that two windows never alias. The result always lands
// inside [gpioDecouplerStride*64, gpioDecouplerStride*64+mmioArenaSize),
// which the buffer bump allocator never hands out.
func (b *Backend) regOffset(w mmioWindow, offset uint32) uint64 {
	return (gpioDecouplerStride * 64) + (w.base % mmioArenaSize) + uint64(offset)
}

func (b *Backend) MMIORead(_ context.Context, h hwback.Handle, offset uint32) (uint32, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	w, ok := b.mmio[h]
	if !ok {
		return 0, fmt.Errorf("realbackend: unknown MMIO handle %s", h)
	}
	if uint64(offset) >= w.length {
		return 0, fmt.Errorf("realbackend: offset %d out of range for window of length %d", offset, w.length)
	}
	off := b.regOffset(w, offset)
	if off+4 > uint64(len(b.mem)) {
		return 0, fmt.Errorf("realbackend: resolved offset out of backing-space range")
	}
	return binary.LittleEndian.Uint32(b.mem[off:]), nil
}

func (b *Backend) MMIOWrite(_ context.Context, h hwback.Handle, offset uint32, value uint32) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	w, ok := b.mmio[h]
	if !ok {
		return fmt.Errorf("realbackend: unknown MMIO handle %s", h)
	}
	if uint64(offset) >= w.length {
		return fmt.Errorf("realbackend: offset %d out of range for window of length %d", offset, w.length)
	}
	off := b.regOffset(w, offset)
	if off+4 > uint64(len(b.mem)) {
		return fmt.Errorf("realbackend: resolved offset out of backing-space range")
	}
	binary.LittleEndian.PutUint32(b.mem[off:], value)
	return nil
}

func (b *Backend) AllocateBuffer(_ context.Context, shape []int, dtype string) (hwback.BufferInfo, error) {
	elemSize := dtypeSize(dtype)
	count := 1
	for _, d := range shape {
		if d <= 0 {
			return hwback.BufferInfo{}, fmt.Errorf("realbackend: invalid shape dimension %d", d)
		}
		count *= d
	}
	total := uint64(count) * elemSize

	b.mtx.Lock()
	defer b.mtx.Unlock()
	off, err := b.reserveLocked(total)
	if err != nil {
		return hwback.BufferInfo{}, err
	}
	h := hwback.Handle(uuid.NewString())
	b.buffers[h] = bufferRegion{physAddr: off, length: total}
	return hwback.BufferInfo{Handle: h, PhysicalAddress: off, TotalSize: total}, nil
}

func (b *Backend) reserveLocked(length uint64) (uint64, error) {
	aligned := alignUp(length, 64)
	off := b.nextArenaOff
	if off+aligned > uint64(len(b.mem)) {
		return 0, fmt.Errorf("realbackend: simulated physical address space exhausted (need %d bytes)", aligned)
	}
	b.nextArenaOff += aligned
	return off, nil
}

func (b *Backend) FreeBuffer(_ context.Context, h hwback.Handle) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if _, ok := b.buffers[h]; !ok {
		return fmt.Errorf("realbackend: unknown buffer handle %s", h)
	}
	delete(b.buffers, h)
	return nil
}

func (b *Backend) ReadBuffer(_ context.Context, h hwback.Handle, offset, length uint64) ([]byte, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	r, ok := b.buffers[h]
	if !ok {
		return nil, fmt.Errorf("realbackend: unknown buffer handle %s", h)
	}
	if offset+length > r.length {
		return nil, fmt.Errorf("realbackend: read [%d,%d) out of range for buffer of size %d", offset, offset+length, r.length)
	}
	out := make([]byte, length)
	copy(out, b.mem[r.physAddr+offset:r.physAddr+offset+length])
	return out, nil
}

func (b *Backend) WriteBuffer(_ context.Context, h hwback.Handle, offset uint64, data []byte) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	r, ok := b.buffers[h]
	if !ok {
		return fmt.Errorf("realbackend: unknown buffer handle %s", h)
	}
	if offset+uint64(len(data)) > r.length {
		return fmt.Errorf("realbackend: write [%d,%d) out of range for buffer of size %d", offset, offset+uint64(len(data)), r.length)
	}
	copy(b.mem[r.physAddr+offset:], data)
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
	default:
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
