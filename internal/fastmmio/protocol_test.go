/*************************************************************************
 * Copyright 2026 FPGA Hypervisor Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package fastmmio

import "testing"

func TestEncodeHandleIsSpacePaddedTo32Bytes(t *testing.T) {
	b := encodeHandle("mmio_abcd1234")
	if len(b) != handleFieldSize {
		t.Fatalf("encoded handle length = %d, want %d", len(b), handleFieldSize)
	}
	for i := len("mmio_abcd1234"); i < handleFieldSize; i++ {
		if b[i] != ' ' {
			t.Fatalf("byte %d = %q, want space padding", i, b[i])
		}
	}
}

func TestDecodeHandleStripsTrailingPadding(t *testing.T) {
	b := encodeHandle("mmio_abcd1234")
	if got := decodeHandle(b[:]); got != "mmio_abcd1234" {
		t.Fatalf("decodeHandle = %q, want %q", got, "mmio_abcd1234")
	}
}

func TestEncodeDecodeHandleRoundTripsExactLengthHandle(t *testing.T) {
	full := "012345678901234567890123456789ab" // 32 chars - fills the field exactly, no padding
	b := encodeHandle(full)
	if got := decodeHandle(b[:]); got != full[:handleFieldSize] {
		t.Fatalf("decodeHandle = %q, want %q", got, full[:handleFieldSize])
	}
}

func TestDecodeHandleOnAllPaddingYieldsEmptyString(t *testing.T) {
	var b [handleFieldSize]byte
	for i := range b {
		b[i] = ' '
	}
	if got := decodeHandle(b[:]); got != "" {
		t.Fatalf("decodeHandle = %q, want empty string", got)
	}
}
