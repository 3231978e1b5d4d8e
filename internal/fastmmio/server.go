/*************************************************************************
 * Copyright 2026 FPGA Hypervisor Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package fastmmio

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"os"
	"sync"

	"github.com/fabrichv/hypervisor/internal/hvlog"
	"github.com/fabrichv/hypervisor/internal/hwthread"
	"github.com/fabrichv/hypervisor/internal/registry"
)

// Server is C6: the fast MMIO path listener. One goroutine Accept()s
// on the domain socket and spawns one goroutine per connection,
// tracked in a WaitGroup drained on Stop - the same shape as the
// teacher's SimpleRelay/HttpIngester accept loops.
type Server struct {
	reg *registry.Registry
	hw  *hwthread.Thread
	lg  *hvlog.Logger

	cache *handleCache

	tokMtx sync.RWMutex
	tokens map[string]string // 16-byte token (as string) -> tenant ID

	ln net.Listener
	wg sync.WaitGroup
}

// New constructs a Server. Call Start to begin listening.
func New(reg *registry.Registry, hw *hwthread.Thread, lg *hvlog.Logger) *Server {
	if lg == nil {
		lg = hvlog.NewDiscardLogger()
	}
	return &Server{
		reg:    reg,
		hw:     hw,
		lg:     lg,
		cache:  newHandleCache(),
		tokens: make(map[string]string),
	}
}

// RegisterToken binds a 16-byte auth token to tenantID - called when
// C2 mints a session so the fast path can authenticate without
// reaching back into the session manager on every connection.
func (s *Server) RegisterToken(token [16]byte, tenantID string) {
	s.tokMtx.Lock()
	s.tokens[string(token[:])] = tenantID
	s.tokMtx.Unlock()
}

// RevokeToken removes a previously registered token.
func (s *Server) RevokeToken(token [16]byte) {
	s.tokMtx.Lock()
	delete(s.tokens, string(token[:]))
	s.tokMtx.Unlock()
}

// InvalidateTenant drops every cache entry belonging to tenantID -
// called by internal/hv when a tenant is removed, right after the
// Resource Registry has cleaned up that tenant's resources.
func (s *Server) InvalidateTenant(tenantID string) {
	s.cache.invalidateTenant(tenantID)
}

func (s *Server) tenantForToken(token [16]byte) (string, bool) {
	s.tokMtx.RLock()
	defer s.tokMtx.RUnlock()
	t, ok := s.tokens[string(token[:])]
	return t, ok
}

// Start binds socketPath (removing a stale socket left over from a
// previous run, mode 0666 per the specification) and begins accepting
// connections.
func (s *Server) Start(socketPath string) error {
	if _, err := os.Stat(socketPath); err == nil {
		if err := os.Remove(socketPath); err != nil {
			return err
		}
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return err
	}
	if err := os.Chmod(socketPath, 0666); err != nil {
		ln.Close()
		return err
	}
	s.ln = ln

	s.wg.Add(1)
	go s.acceptLoop()
	s.lg.Infof("fast MMIO path listening on %s", socketPath)
	return nil
}

// Stop closes the listener and waits for every in-flight connection
// handler to finish.
func (s *Server) Stop() error {
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.lg.Warnf("fast MMIO accept error: %v", err)
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	var tokBuf [authTokenSize]byte
	if _, err := io.ReadFull(conn, tokBuf[:]); err != nil {
		return
	}
	tenantID, ok := s.tenantForToken(tokBuf)
	if !ok {
		conn.Write([]byte{authFail})
		return
	}
	conn.Write([]byte{authOK})

	ctx := context.Background()
	var opBuf [1]byte
	for {
		if _, err := io.ReadFull(conn, opBuf[:]); err != nil {
			return
		}
		switch Opcode(opBuf[0]) {
		case OpWrite:
			if !s.handleWrite(ctx, conn, tenantID, false) {
				return
			}
		case OpWriteAck:
			if !s.handleWrite(ctx, conn, tenantID, true) {
				return
			}
		case OpRead:
			if !s.handleRead(ctx, conn, tenantID) {
				return
			}
		case OpBatchWrite:
			if !s.handleBatchWrite(ctx, conn, tenantID) {
				return
			}
		default:
			return
		}
	}
}

func (s *Server) handleWrite(ctx context.Context, conn net.Conn, tenantID string, ack bool) bool {
	body := make([]byte, writeFrameSize)
	if _, err := io.ReadFull(conn, body); err != nil {
		return false
	}
	handle := decodeHandle(body[:handleFieldSize])
	offset := binary.BigEndian.Uint32(body[handleFieldSize : handleFieldSize+4])
	value := binary.BigEndian.Uint32(body[handleFieldSize+4:])

	err := s.write(ctx, tenantID, handle, offset, value)
	if ack {
		if err != nil {
			conn.Write([]byte{0x00})
		} else {
			conn.Write([]byte{0x01})
		}
	}
	return true
}

func (s *Server) handleRead(ctx context.Context, conn net.Conn, tenantID string) bool {
	body := make([]byte, readFrameSize)
	if _, err := io.ReadFull(conn, body); err != nil {
		return false
	}
	handle := decodeHandle(body[:handleFieldSize])
	offset := binary.BigEndian.Uint32(body[handleFieldSize:])

	value, err := s.read(ctx, tenantID, handle, offset)
	if err != nil {
		value = 0
	}
	var out [4]byte
	binary.BigEndian.PutUint32(out[:], value)
	_, werr := conn.Write(out[:])
	return werr == nil
}

func (s *Server) handleBatchWrite(ctx context.Context, conn net.Conn, tenantID string) bool {
	var countBuf [2]byte
	if _, err := io.ReadFull(conn, countBuf[:]); err != nil {
		return false
	}
	count := binary.BigEndian.Uint16(countBuf[:])

	var successes uint16
	for i := uint16(0); i < count; i++ {
		rec := make([]byte, batchRecordSize)
		if _, err := io.ReadFull(conn, rec); err != nil {
			return false
		}
		handle := decodeHandle(rec[:handleFieldSize])
		offset := binary.BigEndian.Uint32(rec[handleFieldSize : handleFieldSize+4])
		value := binary.BigEndian.Uint32(rec[handleFieldSize+4:])
		if err := s.write(ctx, tenantID, handle, offset, value); err == nil {
			successes++
		}
	}

	var out [2]byte
	binary.BigEndian.PutUint16(out[:], successes)
	_, err := conn.Write(out[:])
	return err == nil
}

// write performs one MMIO write, taking the cache fast path when the
// handle has already been resolved for this tenant and falling back
// to the Resource Registry's full validation on a cache miss.
func (s *Server) write(ctx context.Context, tenantID, handle string, offset, value uint32) error {
	if hwh, ok := s.cache.get(handle, tenantID); ok {
		if err := s.hw.MMIOWrite(ctx, hwh, offset, value); err != nil {
			s.cache.invalidate(handle, tenantID)
			return err
		}
		return nil
	}

	if err := s.reg.MMIOWrite(ctx, tenantID, handle, offset, uint64(value)); err != nil {
		return err
	}
	s.cacheFromRegistry(handle, tenantID)
	return nil
}

// read performs one MMIO read with the same cache-first strategy as
// write.
func (s *Server) read(ctx context.Context, tenantID, handle string, offset uint32) (uint32, error) {
	if hwh, ok := s.cache.get(handle, tenantID); ok {
		v, err := s.hw.MMIORead(ctx, hwh, offset)
		if err != nil {
			s.cache.invalidate(handle, tenantID)
			return 0, err
		}
		return v, nil
	}

	v, err := s.reg.MMIORead(ctx, tenantID, handle, offset)
	if err != nil {
		return 0, err
	}
	s.cacheFromRegistry(handle, tenantID)
	return v, nil
}

func (s *Server) cacheFromRegistry(handle, tenantID string) {
	rec, ok := s.reg.Get(handle)
	if !ok || rec.Kind != registry.KindMMIO {
		return
	}
	s.cache.put(handle, tenantID, rec.HWHandle)
}
