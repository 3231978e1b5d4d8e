/*************************************************************************
 * Copyright 2026 FPGA Hypervisor Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package realbackend

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := New(4 << 20)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func writeTestBitstream(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "accel.bit")
	if err := os.WriteFile(p, []byte{0x01, 0x02, 0x03}, 0640); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return p
}

func TestDecoupleCoupleRegistersPersist(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	if err := b.Init(ctx, 2); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := b.DecoupleZone(ctx, 0); err != nil {
		t.Fatalf("DecoupleZone: %v", err)
	}
	if !b.decoupled[0] {
		t.Fatal("expected zone 0 to be marked decoupled")
	}
	if b.decoupled[1] {
		t.Fatal("expected zone 1 to remain coupled")
	}
	if err := b.CoupleZone(ctx, 0); err != nil {
		t.Fatalf("CoupleZone: %v", err)
	}
	if b.decoupled[0] {
		t.Fatal("expected zone 0 to be coupled again")
	}
}

func TestDownloadBitstreamRequiresDecoupledAndNonemptyFile(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	if err := b.Init(ctx, 1); err != nil {
		t.Fatalf("Init: %v", err)
	}
	path := writeTestBitstream(t)

	if err := b.DownloadBitstream(ctx, 0, path); err == nil {
		t.Fatal("expected DownloadBitstream on a coupled zone to fail")
	}
	if err := b.DecoupleZone(ctx, 0); err != nil {
		t.Fatalf("DecoupleZone: %v", err)
	}
	if err := b.DownloadBitstream(ctx, 0, path); err != nil {
		t.Fatalf("DownloadBitstream: %v", err)
	}
	if err := b.DownloadBitstream(ctx, 0, filepath.Join(t.TempDir(), "missing.bit")); err == nil {
		t.Fatal("expected DownloadBitstream for a missing file to fail")
	}
}

func TestMMIOReadWriteThroughSimulatedMemory(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	h, err := b.CreateMMIO(ctx, 0x4000_0000, 0x100)
	if err != nil {
		t.Fatalf("CreateMMIO: %v", err)
	}
	if err := b.MMIOWrite(ctx, h, 0x10, 0xCAFEBABE); err != nil {
		t.Fatalf("MMIOWrite: %v", err)
	}
	v, err := b.MMIORead(ctx, h, 0x10)
	if err != nil {
		t.Fatalf("MMIORead: %v", err)
	}
	if v != 0xCAFEBABE {
		t.Fatalf("MMIORead returned %#x, want %#x", v, 0xCAFEBABE)
	}
}

func TestDistinctMMIOWindowsDoNotAlias(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	h1, err := b.CreateMMIO(ctx, 0x1000_0000, 0x100)
	if err != nil {
		t.Fatalf("CreateMMIO: %v", err)
	}
	h2, err := b.CreateMMIO(ctx, 0x2000_0000, 0x100)
	if err != nil {
		t.Fatalf("CreateMMIO: %v", err)
	}
	if err := b.MMIOWrite(ctx, h1, 0, 111); err != nil {
		t.Fatalf("MMIOWrite: %v", err)
	}
	if err := b.MMIOWrite(ctx, h2, 0, 222); err != nil {
		t.Fatalf("MMIOWrite: %v", err)
	}
	v1, _ := b.MMIORead(ctx, h1, 0)
	v2, _ := b.MMIORead(ctx, h2, 0)
	if v1 != 111 || v2 != 222 {
		t.Fatalf("windows aliased: v1=%d v2=%d", v1, v2)
	}
}

func TestBufferAllocationExhaustsBackingSpace(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	// Request a buffer larger than the 1.75MiB the 4MiB backing space
	// has left after the decoupler and MMIO arenas (2.25MiB).
	if _, err := b.AllocateBuffer(ctx, []int{2 << 20}, "uint8"); err == nil {
		t.Fatal("expected allocating a buffer larger than the remaining backing space to fail")
	}
}

func TestBufferReadWriteRoundTrip(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	info, err := b.AllocateBuffer(ctx, []int{64}, "uint8")
	if err != nil {
		t.Fatalf("AllocateBuffer: %v", err)
	}
	payload := []byte("hello fpga")
	if err := b.WriteBuffer(ctx, info.Handle, 4, payload); err != nil {
		t.Fatalf("WriteBuffer: %v", err)
	}
	got, err := b.ReadBuffer(ctx, info.Handle, 4, uint64(len(payload)))
	if err != nil {
		t.Fatalf("ReadBuffer: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("ReadBuffer = %q, want %q", got, payload)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	b, err := New(1 << 16)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got: %v", err)
	}
}
