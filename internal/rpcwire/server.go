/*************************************************************************
 * Copyright 2026 FPGA Hypervisor Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package rpcwire

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"

	"github.com/fabrichv/hypervisor/internal/hvlog"
)

// DefaultWorkersPerConn is how many requests on one connection may be
// dispatched concurrently - the specification describes "~20 parallel
// worker goroutines per tenant endpoint"; this server multiplexes all
// tenants over one socket; the per-connection worker count plays the
// same backpressure role the teacher's bounded pools play elsewhere
// (no unbounded `go` per request).
const DefaultWorkersPerConn = 20

// Server accepts connections and, for each, reads envelopes and
// dispatches them to a Dispatcher across a bounded worker pool,
// tracked in a sync.WaitGroup and drained on Stop - matching the
// teacher's accept-loop shape.
type Server struct {
	disp    Dispatcher
	lg      *hvlog.Logger
	workers int

	ln net.Listener
	wg sync.WaitGroup
}

// NewServer constructs a Server dispatching to disp. workers <= 0
// selects DefaultWorkersPerConn.
func NewServer(disp Dispatcher, lg *hvlog.Logger, workers int) *Server {
	if lg == nil {
		lg = hvlog.NewDiscardLogger()
	}
	if workers <= 0 {
		workers = DefaultWorkersPerConn
	}
	return &Server{disp: disp, lg: lg, workers: workers}
}

// Start listens on network/address (e.g. "unix", socketPath) and
// begins accepting connections. A stale unix socket file left over from
// a previous run is removed first, matching the fast MMIO path listener.
func (s *Server) Start(network, address string) error {
	if network == "unix" {
		if _, err := os.Stat(address); err == nil {
			if err := os.Remove(address); err != nil {
				return err
			}
		}
	}
	ln, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	s.ln = ln
	s.wg.Add(1)
	go s.acceptLoop()
	s.lg.Infof("control RPC surface listening on %s %s", network, address)
	return nil
}

// Stop closes the listener and waits for every connection handler and
// in-flight request worker to finish.
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
			s.lg.Warnf("control RPC accept error: %v", err)
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// connState serializes writes to the same connection - multiple
// request-handling goroutines may be replying concurrently, but
// net.Conn.Write interleaving mid-frame would corrupt the stream.
type connState struct {
	mtx  sync.Mutex
	conn net.Conn
}

func (c *connState) writeEnvelope(env *Envelope) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return WriteEnvelope(c.conn, env)
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	cs := &connState{conn: conn}

	sem := make(chan struct{}, s.workers)
	var reqWG sync.WaitGroup
	defer reqWG.Wait()

	for {
		env, err := ReadEnvelope(conn)
		if err != nil {
			return
		}

		sem <- struct{}{}
		reqWG.Add(1)
		go func(env *Envelope) {
			defer reqWG.Done()
			defer func() { <-sem }()
			s.handleOne(cs, env)
		}(env)
	}
}

func (s *Server) handleOne(cs *connState, req *Envelope) {
	ctx := context.Background()
	result, err := s.disp.Dispatch(ctx, req.Token, req.Method, req.Params)
	resp := &Envelope{Method: req.Method}
	if err != nil {
		resp.Error = err.Error()
	} else {
		resp.Result = result
	}
	if werr := cs.writeEnvelope(resp); werr != nil {
		s.lg.Warnf("control RPC: failed to write response for %s: %v", req.Method, werr)
	}
}
