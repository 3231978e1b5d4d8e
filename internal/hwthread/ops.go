/*************************************************************************
 * Copyright 2026 FPGA Hypervisor Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package hwthread

import (
	"context"

	"github.com/fabrichv/hypervisor/internal/hverr"
	"github.com/fabrichv/hypervisor/internal/hwback"
)

// CreateMMIO maps a register window of length bytes at physical
// address base, executed on the HW thread.
func (t *Thread) CreateMMIO(ctx context.Context, base, length uint64) (hwback.Handle, error) {
	v, err := t.Submit(ctx, func(ctx context.Context, be hwback.Backend) (interface{}, error) {
		return be.CreateMMIO(ctx, base, length)
	})
	if err != nil {
		return "", wrapInternal("hwthread.CreateMMIO", err)
	}
	return v.(hwback.Handle), nil
}

// DestroyMMIO releases a handle obtained from CreateMMIO.
func (t *Thread) DestroyMMIO(ctx context.Context, h hwback.Handle) error {
	_, err := t.Submit(ctx, func(ctx context.Context, be hwback.Backend) (interface{}, error) {
		return nil, be.DestroyMMIO(ctx, h)
	})
	return wrapInternal("hwthread.DestroyMMIO", err)
}

// MMIORead reads a 32-bit register at offset within h's window.
func (t *Thread) MMIORead(ctx context.Context, h hwback.Handle, offset uint32) (uint32, error) {
	v, err := t.Submit(ctx, func(ctx context.Context, be hwback.Backend) (interface{}, error) {
		return be.MMIORead(ctx, h, offset)
	})
	if err != nil {
		return 0, wrapInternal("hwthread.MMIORead", err)
	}
	return v.(uint32), nil
}

// MMIOWrite writes value to the 32-bit register at offset within h's
// window.
func (t *Thread) MMIOWrite(ctx context.Context, h hwback.Handle, offset, value uint32) error {
	_, err := t.Submit(ctx, func(ctx context.Context, be hwback.Backend) (interface{}, error) {
		return nil, be.MMIOWrite(ctx, h, offset, value)
	})
	return wrapInternal("hwthread.MMIOWrite", err)
}

// AllocateBuffer reserves a DMA-visible buffer.
func (t *Thread) AllocateBuffer(ctx context.Context, shape []int, dtype string) (hwback.BufferInfo, error) {
	v, err := t.Submit(ctx, func(ctx context.Context, be hwback.Backend) (interface{}, error) {
		return be.AllocateBuffer(ctx, shape, dtype)
	})
	if err != nil {
		return hwback.BufferInfo{}, wrapInternal("hwthread.AllocateBuffer", err)
	}
	return v.(hwback.BufferInfo), nil
}

// FreeBuffer releases a buffer obtained from AllocateBuffer.
func (t *Thread) FreeBuffer(ctx context.Context, h hwback.Handle) error {
	_, err := t.Submit(ctx, func(ctx context.Context, be hwback.Backend) (interface{}, error) {
		return nil, be.FreeBuffer(ctx, h)
	})
	return wrapInternal("hwthread.FreeBuffer", err)
}

// ReadBuffer copies length bytes starting at offset out of the buffer
// identified by h.
func (t *Thread) ReadBuffer(ctx context.Context, h hwback.Handle, offset, length uint64) ([]byte, error) {
	v, err := t.Submit(ctx, func(ctx context.Context, be hwback.Backend) (interface{}, error) {
		return be.ReadBuffer(ctx, h, offset, length)
	})
	if err != nil {
		return nil, wrapInternal("hwthread.ReadBuffer", err)
	}
	return v.([]byte), nil
}

// WriteBuffer copies data into the buffer identified by h starting at
// offset.
func (t *Thread) WriteBuffer(ctx context.Context, h hwback.Handle, offset uint64, data []byte) error {
	_, err := t.Submit(ctx, func(ctx context.Context, be hwback.Backend) (interface{}, error) {
		return nil, be.WriteBuffer(ctx, h, offset, data)
	})
	return wrapInternal("hwthread.WriteBuffer", err)
}

// wrapInternal tags err as Internal unless it is already a tagged
// hverr.Error (e.g. the Timeout raised by Submit itself), which is
// passed through unchanged.
func wrapInternal(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*hverr.Error); ok {
		return err
	}
	return hverr.New(hverr.Internal, op, err)
}
