/*************************************************************************
 * Copyright 2026 FPGA Hypervisor Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package hwthread

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fabrichv/hypervisor/internal/hverr"
	"github.com/fabrichv/hypervisor/internal/hwback"
)

const (
	preDownloadSettle  = 100 * time.Millisecond
	postDownloadSettle = 200 * time.Millisecond
)

// Reconfigure runs the decoupler-fenced partial reconfiguration
// protocol for zone against bitstream path, on the HW thread. It is a
// single Submit-ed closure rather than a sequence of separate Submit
// calls, so the whole protocol executes atomically with respect to
// every other queued operation - no MMIO or buffer call for a
// different zone can interleave mid-protocol.
//
// Steps 2-4 (settle, download, settle) run under an errgroup so a
// panic recovered partway through
// still reaches the best-effort re-couple instead of leaving the zone
// permanently decoupled.
func (t *Thread) Reconfigure(ctx context.Context, tenantID string, zone int, bitstreamPath string) error {
	if !t.Allow(tenantID) {
		return hverr.Newf(hverr.QuotaExceeded, "hwthread.Reconfigure", "tenant %s is reconfiguring too frequently", tenantID)
	}

	_, err := t.Submit(ctx, func(ctx context.Context, be hwback.Backend) (interface{}, error) {
		return nil, reconfigureZone(ctx, be, zone, bitstreamPath)
	})
	return err
}

func reconfigureZone(ctx context.Context, be hwback.Backend, zone int, bitstreamPath string) (err error) {
	if derr := be.DecoupleZone(ctx, zone); derr != nil {
		return hverr.New(hverr.ReconfigError, "hwthread.reconfigureZone", fmt.Errorf("decouple: %w", derr))
	}

	defer func() {
		if err != nil {
			// Best-effort re-couple: the fabric must never be left
			// decoupled on a failure path, even though the failure
			// itself is still reported to the caller.
			_ = be.CoupleZone(ctx, zone)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (rerr error) {
		defer func() {
			if r := recover(); r != nil {
				rerr = fmt.Errorf("panic during reconfiguration: %v", r)
			}
		}()

		select {
		case <-time.After(preDownloadSettle):
		case <-gctx.Done():
			return gctx.Err()
		}

		if derr := be.DownloadBitstream(gctx, zone, bitstreamPath); derr != nil {
			return fmt.Errorf("download: %w", derr)
		}

		select {
		case <-time.After(postDownloadSettle):
		case <-gctx.Done():
			return gctx.Err()
		}
		return nil
	})

	if werr := g.Wait(); werr != nil {
		return hverr.New(hverr.ReconfigError, "hwthread.reconfigureZone", werr)
	}

	if cerr := be.CoupleZone(ctx, zone); cerr != nil {
		err = hverr.New(hverr.ReconfigError, "hwthread.reconfigureZone", fmt.Errorf("couple: %w", cerr))
		return err
	}
	return nil
}
