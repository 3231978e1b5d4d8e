/*************************************************************************
 * Copyright 2026 FPGA Hypervisor Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package rpcwire

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// recordingDispatcher echoes back method+token as the result and
// counts concurrent in-flight calls, so tests can assert both routing
// and the worker-pool's concurrency bound.
type recordingDispatcher struct {
	mu          sync.Mutex
	calls       []string
	inFlight    int32
	maxInFlight int32
	block       chan struct{} // if non-nil, Dispatch waits on it before returning
	failMethod  string
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, token, method string, params json.RawMessage) (json.RawMessage, error) {
	n := atomic.AddInt32(&d.inFlight, 1)
	defer atomic.AddInt32(&d.inFlight, -1)
	for {
		old := atomic.LoadInt32(&d.maxInFlight)
		if n <= old || atomic.CompareAndSwapInt32(&d.maxInFlight, old, n) {
			break
		}
	}

	d.mu.Lock()
	d.calls = append(d.calls, fmt.Sprintf("%s:%s", method, token))
	d.mu.Unlock()

	if d.block != nil {
		<-d.block
	}
	if method == d.failMethod {
		return nil, fmt.Errorf("simulated failure for %s", method)
	}
	return json.RawMessage(fmt.Sprintf(`{"method":%q}`, method)), nil
}

func startTestServer(t *testing.T, disp Dispatcher, workers int) (*Server, string) {
	t.Helper()
	srv := NewServer(disp, nil, workers)
	sockPath := filepath.Join(t.TempDir(), "control.sock")
	if err := srv.Start("unix", sockPath); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })
	return srv, sockPath
}

func callOnce(t *testing.T, sockPath, token, method string) *Envelope {
	t.Helper()
	conn, err := net.DialTimeout("unix", sockPath, time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	if err := WriteEnvelope(conn, &Envelope{Method: method, Token: token}); err != nil {
		t.Fatalf("WriteEnvelope: %v", err)
	}
	resp, err := ReadEnvelope(conn)
	if err != nil {
		t.Fatalf("ReadEnvelope: %v", err)
	}
	return resp
}

func TestServerRoutesRequestToDispatcher(t *testing.T) {
	disp := &recordingDispatcher{}
	_, sockPath := startTestServer(t, disp, 4)

	resp := callOnce(t, sockPath, "acme:tok", "LoadOverlay")
	if resp.Error != "" {
		t.Fatalf("unexpected error: %s", resp.Error)
	}
	var result struct{ Method string }
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.Method != "LoadOverlay" {
		t.Fatalf("result.Method = %q, want LoadOverlay", result.Method)
	}

	disp.mu.Lock()
	defer disp.mu.Unlock()
	if len(disp.calls) != 1 || disp.calls[0] != "LoadOverlay:acme:tok" {
		t.Fatalf("unexpected calls recorded: %v", disp.calls)
	}
}

func TestServerSurfacesDispatchErrorInEnvelope(t *testing.T) {
	disp := &recordingDispatcher{failMethod: "MMIOWrite"}
	_, sockPath := startTestServer(t, disp, 4)

	resp := callOnce(t, sockPath, "acme:tok", "MMIOWrite")
	if resp.Error == "" {
		t.Fatal("expected a non-empty error for a failing dispatch")
	}
}

func TestServerHandlesMultipleRequestsOnOneConnection(t *testing.T) {
	disp := &recordingDispatcher{}
	_, sockPath := startTestServer(t, disp, 4)

	conn, err := net.DialTimeout("unix", sockPath, time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	methods := []string{"Authenticate", "LoadOverlay", "CreateMMIO"}
	for _, m := range methods {
		if err := WriteEnvelope(conn, &Envelope{Method: m, Token: "acme:tok"}); err != nil {
			t.Fatalf("WriteEnvelope(%s): %v", m, err)
		}
	}
	seen := make(map[string]bool)
	for range methods {
		resp, err := ReadEnvelope(conn)
		if err != nil {
			t.Fatalf("ReadEnvelope: %v", err)
		}
		var result struct{ Method string }
		json.Unmarshal(resp.Result, &result)
		seen[result.Method] = true
	}
	for _, m := range methods {
		if !seen[m] {
			t.Fatalf("never saw a response for method %s", m)
		}
	}
}

func TestServerBoundsConcurrentWorkersPerConnection(t *testing.T) {
	block := make(chan struct{})
	disp := &recordingDispatcher{block: block}
	_, sockPath := startTestServer(t, disp, 2)

	conn, err := net.DialTimeout("unix", sockPath, time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	// Send more requests than the worker bound so some must queue
	// behind the semaphore instead of all running concurrently.
	for i := 0; i < 5; i++ {
		if err := WriteEnvelope(conn, &Envelope{Method: "MMIORead", Token: "acme:tok"}); err != nil {
			t.Fatalf("WriteEnvelope: %v", err)
		}
	}
	time.Sleep(100 * time.Millisecond)
	close(block)

	for i := 0; i < 5; i++ {
		if _, err := ReadEnvelope(conn); err != nil {
			t.Fatalf("ReadEnvelope: %v", err)
		}
	}

	if got := atomic.LoadInt32(&disp.maxInFlight); got > 2 {
		t.Fatalf("observed %d concurrent dispatches, want at most the configured worker bound of 2", got)
	}
}

func TestStartRemovesStaleSocketFile(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "control.sock")
	if err := os.WriteFile(sockPath, []byte("stale"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	srv := NewServer(&recordingDispatcher{}, nil, 1)
	if err := srv.Start("unix", sockPath); err != nil {
		t.Fatalf("Start should remove a stale non-socket file and succeed, got: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })
}

func TestStopClosesListenerAndDrainsHandlers(t *testing.T) {
	disp := &recordingDispatcher{}
	srv, sockPath := startTestServer(t, disp, 4)
	callOnce(t, sockPath, "acme:tok", "Authenticate")

	if err := srv.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := net.DialTimeout("unix", sockPath, 100*time.Millisecond); err == nil {
		t.Fatal("expected dialing after Stop to fail")
	}
}
