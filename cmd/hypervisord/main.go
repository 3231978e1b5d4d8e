/*************************************************************************
 * Copyright 2026 FPGA Hypervisor Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/fabrichv/hypervisor/internal/hv"
	"github.com/fabrichv/hypervisor/internal/hvlog"
	"github.com/fabrichv/hypervisor/internal/hwback"
	"github.com/fabrichv/hypervisor/internal/hwback/mockbackend"
	"github.com/fabrichv/hypervisor/internal/hwback/realbackend"
	"github.com/fabrichv/hypervisor/internal/rpcwire"
	"github.com/fabrichv/hypervisor/version"
)

const (
	controlSocketName    = "control.sock"
	managementSocketName = "management.sock"
	fastMMIOSocketName   = "mmio_fast.sock"

	defaultNZones            = 4
	defaultReconfigPerMinute = 6
	defaultReconfigBurst     = 2
	defaultRealSpaceSize     = 64 * 1024 * 1024

	readyTimeout = 5 * time.Second
)

var (
	configPath   = flag.String("config-file", "/etc/fabrichv/tenants.yaml", "Location of the tenant configuration document")
	socketDir    = flag.String("socket-dir", "/var/run/fabrichv", "Directory holding the control, management, and fast MMIO path sockets")
	bitstreamDir = flag.String("bitstream-dir", "/var/lib/fabrichv/bitstreams", "Directory relative bitstream paths resolve against")
	nZones       = flag.Int("zones", defaultNZones, "Number of partial-reconfiguration zones the fabric exposes")
	useRealHW    = flag.Bool("real-hw", false, "Use the mmap-backed simulated physical address space instead of the pure in-memory mock backend")
	verbose      = flag.Bool("v", false, "Enable debug-level logging")
	ver          = flag.Bool("version", false, "Print the version information and exit")
)

func main() {
	debug.SetTraceback("all")
	flag.Parse()

	if *ver {
		version.PrintVersion(os.Stdout)
		os.Exit(0)
	}

	lg := hvlog.NewStderrLogger(func(w io.Writer) {
		version.PrintVersion(w)
	})
	lg.SetAppname("hypervisord")
	if *verbose {
		lg.SetLevel(hvlog.DEBUG)
	}

	if err := os.MkdirAll(*socketDir, 0750); err != nil {
		lg.FatalfCode(1, "failed to create socket directory %s: %v", *socketDir, err)
	}

	backend, err := newBackend(*useRealHW)
	if err != nil {
		lg.FatalfCode(1, "failed to construct hardware backend: %v", err)
	}
	if closer, ok := backend.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	hypervisor, err := hv.New(hv.Options{
		ConfigPath:            *configPath,
		NZones:                *nZones,
		Backend:               backend,
		Logger:                lg,
		BitstreamDir:          *bitstreamDir,
		ReconfigRatePerMinute: defaultReconfigPerMinute,
		ReconfigBurst:         defaultReconfigBurst,
	})
	if err != nil {
		lg.FatalfCode(1, "failed to initialize hypervisor: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go hypervisor.HW.Run(ctx)
	readyCtx, readyCancel := context.WithTimeout(ctx, readyTimeout)
	defer readyCancel()
	if err := hypervisor.HW.WaitReady(readyCtx); err != nil {
		lg.FatalfCode(1, "hardware execution thread failed to become ready: %v", err)
	}

	controlSrv := rpcwire.NewServer(hv.ControlDispatcher{H: hypervisor}, lg, rpcwire.DefaultWorkersPerConn)
	controlPath := filepath.Join(*socketDir, controlSocketName)
	if err := controlSrv.Start("unix", controlPath); err != nil {
		lg.FatalfCode(1, "failed to start control RPC listener on %s: %v", controlPath, err)
	}
	defer controlSrv.Stop()
	if err := os.Chmod(controlPath, 0666); err != nil {
		lg.Warnf("failed to chmod control socket %s: %v", controlPath, err)
	}
	lg.Infof("control RPC listening on %s", controlPath)

	managementSrv := rpcwire.NewServer(hv.ManagementDispatcher{H: hypervisor}, lg, rpcwire.DefaultWorkersPerConn)
	managementPath := filepath.Join(*socketDir, managementSocketName)
	if err := managementSrv.Start("unix", managementPath); err != nil {
		lg.FatalfCode(1, "failed to start management RPC listener on %s: %v", managementPath, err)
	}
	defer managementSrv.Stop()
	if err := os.Chmod(managementPath, 0600); err != nil {
		lg.Warnf("failed to chmod management socket %s: %v", managementPath, err)
	}
	lg.Infof("management RPC listening on %s (root-only)", managementPath)

	fastPath := filepath.Join(*socketDir, fastMMIOSocketName)
	if err := hypervisor.Fast.Start(fastPath); err != nil {
		lg.FatalfCode(1, "failed to start fast MMIO path on %s: %v", fastPath, err)
	}
	defer hypervisor.Fast.Stop()

	lg.Infof("hypervisord running: %d PR zones, backend=%s", *nZones, backendName(*useRealHW))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	lg.Infof("received shutdown signal, draining connections")
	cancel()
}

func newBackend(useReal bool) (hwback.Backend, error) {
	if !useReal {
		return mockbackend.New(), nil
	}
	return realbackend.New(defaultRealSpaceSize)
}

func backendName(useReal bool) string {
	if useReal {
		return "real (mmap-simulated)"
	}
	return "mock"
}
