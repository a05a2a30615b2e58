// Command filament-hub is the supervisory daemon of spec §1: it sits
// between a 3D printer's controller and an external filament-handling
// cabinet reached over a CAN bus, detecting filament exhaustion, driving
// replenishment, and propagating RFID filament-identity metadata.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/mingda3d/filament-hub/internal/canbus"
	"github.com/mingda3d/filament-hub/internal/config"
	"github.com/mingda3d/filament-hub/internal/diag"
	"github.com/mingda3d/filament-hub/internal/orchestrator"
	"github.com/mingda3d/filament-hub/internal/printerobserver"
	"github.com/mingda3d/filament-hub/internal/protocol"
	"github.com/mingda3d/filament-hub/internal/rfid"
	"github.com/mingda3d/filament-hub/internal/stateman"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath = flag.String("c", "", "path to configuration file (required)")
		verbose    = flag.Bool("v", false, "raise log verbosity to debug")
		diagAddr   = flag.String("diag-addr", "", "optional local diagnostics HTTP address, e.g. 127.0.0.1:9090")
	)
	flag.Parse()

	setupLogging(*verbose)

	if *configPath == "" {
		slog.Error("filament-hub: -c is required")
		return 2
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("filament-hub: loading configuration", "error", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sm := stateman.New()

	sock := canbus.NewSocketCAN(cfg.CAN.Interface)
	link := canbus.NewLink(sock)
	transferTimeout := time.Duration(cfg.RFID.TransferTimeoutSeconds) * time.Second
	engine := protocol.NewEngine(link, transferTimeout)

	observer := printerobserver.New(cfg.Klipper.BaseURL, cfg.Klipper.UpdateInterval)
	observer.SetActiveExtruder(cfg.ExtruderMapping.DefaultActive)

	var sink *rfid.Sink
	if cfg.RFID.Enabled {
		sink, err = rfid.NewSink(cfg.RFID.DataDir)
		if err != nil {
			slog.Error("filament-hub: initializing RFID sink", "error", err)
			return 1
		}
	}

	orch := orchestrator.New(cfg, engine, observer, sm, sink)

	var diagSrv *diag.Server
	if *diagAddr != "" {
		diagSrv = diag.New(*diagAddr, func() diag.Snapshot {
			return diag.Snapshot{
				SystemState:     sm.Current(),
				LinkState:       diag.LinkStateString(link.State()),
				ActiveSessions:  engine.ActiveSessionCount(),
				CurrentExtruder: sm.CurrentExtruder(),
			}
		})
		go func() {
			if err := diagSrv.ListenAndServe(); err != nil {
				slog.Error("filament-hub: diagnostics server", "error", err)
			}
		}()
	}

	// The engine (and the link it owns) gets its own context, cancelled
	// only after the orchestrator and observer have drained, per spec §5:
	// "the link is closed last, after the orchestrator has drained."
	engineCtx, cancelEngine := context.WithCancel(context.Background())
	defer cancelEngine()

	var engineWG sync.WaitGroup
	engineWG.Add(1)
	go func() {
		defer engineWG.Done()
		engine.Run(engineCtx)
	}()

	var upstreamWG sync.WaitGroup
	upstreamWG.Add(2)
	go func() {
		defer upstreamWG.Done()
		observer.Run(ctx)
	}()
	go func() {
		defer upstreamWG.Done()
		orch.Run(ctx)
	}()

	slog.Info("filament-hub: started", "can_interface", cfg.CAN.Interface, "klipper_base_url", cfg.Klipper.BaseURL)
	<-ctx.Done()
	slog.Info("filament-hub: shutdown signal received, draining")

	if diagSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := diagSrv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("filament-hub: diagnostics server shutdown", "error", err)
		}
	}

	// Wait for the orchestrator to finish its own 2s drain (spec §5) and
	// for the observer to stop, then close the link.
	upstreamDone := make(chan struct{})
	go func() {
		upstreamWG.Wait()
		close(upstreamDone)
	}()
	select {
	case <-upstreamDone:
	case <-time.After(3 * time.Second):
		slog.Warn("filament-hub: orchestrator/observer drain grace exceeded, closing link anyway")
	}

	cancelEngine()
	engineWG.Wait()

	slog.Info("filament-hub: stopped")
	return 0
}

func setupLogging(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
	if verbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}
}
