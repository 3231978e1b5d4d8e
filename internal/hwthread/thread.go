/*************************************************************************
 * Copyright 2026 FPGA Hypervisor Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package hwthread is the Hardware Execution Thread (C4): the single
// goroutine that owns every FPGA library object. The vendor userspace
// library backing hwback.Backend is not thread-safe and its objects
// carry thread affinity, so every hardware-touching call in the
// process is funneled through this one goroutine's work queue -
// nothing else in the codebase is allowed to call a Backend method
// directly.
package hwthread

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/fabrichv/hypervisor/internal/hverr"
	"github.com/fabrichv/hypervisor/internal/hvlog"
	"github.com/fabrichv/hypervisor/internal/hwback"
)

// ReplyTimeout is how long a caller waits on the reply channel before
// giving up with a Timeout error. Hardware state is left as-is; the
// in-flight closure (if any) keeps running on the HW thread.
const ReplyTimeout = 30 * time.Second

// queueDepth bounds how many operations may be pending before Submit
// itself blocks - an unbounded queue would let a runaway caller exhaust
// memory ahead of the HW thread ever noticing backpressure.
const queueDepth = 256

type hwThreadMarkerKey struct{}

// onHWThread marks ctx as already executing on the HW thread, so a
// nested Submit call (a closure that itself calls Submit) runs
// in-line instead of enqueueing and deadlocking against itself.
func onHWThread(ctx context.Context) context.Context {
	return context.WithValue(ctx, hwThreadMarkerKey{}, true)
}

func isOnHWThread(ctx context.Context) bool {
	v, _ := ctx.Value(hwThreadMarkerKey{}).(bool)
	return v
}

// Op is a unit of work executed with exclusive hardware access. Fn
// receives the Backend and a context already marked as on-thread, so
// it may itself call Submit without deadlocking.
type Op struct {
	fn    func(ctx context.Context, be hwback.Backend) (interface{}, error)
	reply chan opResult
}

type opResult struct {
	val interface{}
	err error
}

// Thread is C4. Construct with New, then call Run in its own goroutine
// before any caller invokes Submit.
type Thread struct {
	be hwback.Backend
	lg *hvlog.Logger

	queue chan Op

	readyOnce sync.Once
	ready     chan struct{}
	readyErr  error

	limMtx   sync.Mutex
	limiters map[string]*rate.Limiter
	limRate  rate.Limit
	limBurst int

	nZones int
}

// Config bundles Thread construction parameters.
type Config struct {
	Backend hwback.Backend
	Logger  *hvlog.Logger
	NZones  int

	// ReconfigRatePerMinute and ReconfigBurst bound how often a single
	// tenant's closures may trigger a partial-reconfiguration operation.
	// Zero selects defaults of 6/minute, burst 2.
	ReconfigRatePerMinute float64
	ReconfigBurst         int
}

// New constructs a Thread. Call Run to start it.
func New(cfg Config) *Thread {
	lg := cfg.Logger
	if lg == nil {
		lg = hvlog.NewDiscardLogger()
	}
	ratePerMin := cfg.ReconfigRatePerMinute
	if ratePerMin <= 0 {
		ratePerMin = 6
	}
	burst := cfg.ReconfigBurst
	if burst <= 0 {
		burst = 2
	}
	return &Thread{
		be:       cfg.Backend,
		lg:       lg,
		queue:    make(chan Op, queueDepth),
		ready:    make(chan struct{}),
		limiters: make(map[string]*rate.Limiter),
		limRate:  rate.Limit(ratePerMin / 60.0),
		limBurst: burst,
		nZones:   cfg.NZones,
	}
}

// Run is the HW thread's body: it performs one-time backend
// initialization, signals readiness, and then pops operations off the
// queue until ctx is cancelled. It must be invoked exactly once, from
// a single dedicated goroutine, never spawned per-call.
func (t *Thread) Run(ctx context.Context) {
	t.readyOnce.Do(func() {
		t.readyErr = t.be.Init(ctx, t.nZones)
		close(t.ready)
	})
	if t.readyErr != nil {
		t.lg.Criticalf("hardware backend initialization failed: %v", t.readyErr)
		return
	}
	t.lg.Infof("hardware execution thread ready, %d PR zones", t.nZones)

	for {
		select {
		case <-ctx.Done():
			t.lg.Infof("hardware execution thread shutting down")
			return
		case op := <-t.queue:
			t.execute(ctx, op)
		}
	}
}

func (t *Thread) execute(ctx context.Context, op Op) {
	defer func() {
		if r := recover(); r != nil {
			op.reply <- opResult{err: hverr.Newf(hverr.Internal, "hwthread.execute", "panic in hardware closure: %v", r)}
		}
	}()
	v, err := op.fn(onHWThread(ctx), t.be)
	op.reply <- opResult{val: v, err: err}
}

// WaitReady blocks until one-time backend initialization has
// completed, or ctx is cancelled first.
func (t *Thread) WaitReady(ctx context.Context) error {
	select {
	case <-t.ready:
		return t.readyErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit enqueues fn for exclusive execution on the HW thread and
// blocks for its result, subject to ReplyTimeout. If ctx is already
// marked as running on the HW thread (a nested call from inside
// another closure), fn runs in-line instead of being enqueued, which
// would otherwise deadlock against the very goroutine waiting to pop it.
func (t *Thread) Submit(ctx context.Context, fn func(ctx context.Context, be hwback.Backend) (interface{}, error)) (interface{}, error) {
	if isOnHWThread(ctx) {
		return fn(ctx, t.be)
	}

	reply := make(chan opResult, 1)
	op := Op{fn: fn, reply: reply}

	select {
	case t.queue <- op:
	case <-ctx.Done():
		return nil, hverr.New(hverr.Timeout, "hwthread.Submit", ctx.Err())
	}

	select {
	case res := <-reply:
		return res.val, res.err
	case <-time.After(ReplyTimeout):
		return nil, hverr.Newf(hverr.Timeout, "hwthread.Submit", "no reply from hardware thread after %s", ReplyTimeout)
	case <-ctx.Done():
		return nil, hverr.New(hverr.Timeout, "hwthread.Submit", ctx.Err())
	}
}

// Allow checks and consumes one reconfiguration token for tenantID,
// returning false if the tenant is reconfiguring faster than its
// budget allows. Only the partial-reconfiguration path calls this -
// plain MMIO and buffer operations are never throttled.
func (t *Thread) Allow(tenantID string) bool {
	return t.limiterFor(tenantID).Allow()
}

func (t *Thread) limiterFor(tenantID string) *rate.Limiter {
	t.limMtx.Lock()
	defer t.limMtx.Unlock()
	lim, ok := t.limiters[tenantID]
	if !ok {
		lim = rate.NewLimiter(t.limRate, t.limBurst)
		t.limiters[tenantID] = lim
	}
	return lim
}
