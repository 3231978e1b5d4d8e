/*************************************************************************
 * Copyright 2026 FPGA Hypervisor Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package rpcwire is a boundary stub for the general RPC transport: a
// length-prefixed JSON framing over net.Conn, modeled directly on the
// 4-byte big-endian length prefix that ingest/entryReader.go and
// ingest/entryWriter.go use to frame entries. The core (internal/hv)
// never imports this package directly - it talks to the Dispatcher
// interface, so a future swap to gRPC or any other transport only
// touches cmd/hypervisord's wiring.
package rpcwire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame's payload - well beyond anything
// this RPC surface legitimately sends (the largest payload is a
// buffer read/write, itself bounded by tenant byte quotas), so this
// is a sanity ceiling against a corrupt or hostile length prefix, not
// a tuned capacity plan.
const MaxFrameSize = 64 * 1024 * 1024

var (
	ErrFrameTooLarge = errors.New("rpcwire: frame exceeds maximum size")
	ErrShortWrite    = errors.New("rpcwire: short write")
)

// Envelope is the JSON frame body: a method name, an opaque request
// or response payload, and an optional error string (set only on
// responses).
type Envelope struct {
	Method string          `json:"method,omitempty"`
	Token  string          `json:"token,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// WriteFrame writes b as one length-prefixed frame: a 4-byte
// big-endian length followed by b itself.
func WriteFrame(w io.Writer, b []byte) error {
	if len(b) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(b)))
	n, err := w.Write(hdr[:])
	if err != nil {
		return err
	}
	if n != len(hdr) {
		return ErrShortWrite
	}
	n, err = w.Write(b)
	if err != nil {
		return err
	}
	if n != len(b) {
		return ErrShortWrite
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	sz := binary.BigEndian.Uint32(hdr[:])
	if sz > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, sz)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("rpcwire: reading %d-byte frame body: %w", sz, err)
	}
	return buf, nil
}

// WriteEnvelope marshals env and writes it as one frame.
func WriteEnvelope(w io.Writer, env *Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("rpcwire: marshaling envelope: %w", err)
	}
	return WriteFrame(w, b)
}

// ReadEnvelope reads one frame and unmarshals it as an Envelope.
func ReadEnvelope(r io.Reader) (*Envelope, error) {
	b, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("rpcwire: unmarshaling envelope: %w", err)
	}
	return &env, nil
}
