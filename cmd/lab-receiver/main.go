package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/kstaniek/labgw/internal/archive"
	labconfig "github.com/kstaniek/labgw/internal/config"
	"github.com/kstaniek/labgw/internal/fieldmap"
	"github.com/kstaniek/labgw/internal/metrics"
	"github.com/kstaniek/labgw/internal/store"
	"github.com/kstaniek/labgw/internal/supervisor"
	syncengine "github.com/kstaniek/labgw/internal/sync"
)

// Helper implementations moved to dedicated files: version.go, config.go,
// logger.go, bus_init.go, wiring.go, mdns.go, metrics_logger.go.

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("lab-receiver %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	bus := initBus(cfg, l)

	if err := os.MkdirAll(cfg.dataDir, 0o750); err != nil {
		l.Error("data_dir_error", "error", err)
		return
	}
	st, err := store.Open(filepath.Join(cfg.dataDir, "lab-receiver.db"), l)
	if err != nil {
		l.Error("store_open_error", "error", err)
		return
	}
	defer func() { _ = st.Close() }()

	table := fieldmap.NewTable(nil)
	sup := supervisor.New(table, st, bus, l)
	defer sup.Shutdown()

	var engine *syncengine.Engine
	var sweeper *archive.Sweeper
	var mdnsCleanup func()

	onChange := func(doc *labconfig.Config) {
		if err := sup.Reload(ctx, doc.ListenerSpecs()); err != nil {
			l.Error("supervisor_reload_error", "error", err)
		}

		if mdnsCleanup != nil {
			mdnsCleanup()
		}
		cleanup, err := startMDNS(ctx, cfg, doc.ListenerSpecs())
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
			cleanup = func() {}
		}
		mdnsCleanup = cleanup

		syncCfg := buildSyncConfig(doc)
		if engine == nil {
			var err error
			engine, err = syncengine.New(syncCfg, st, bus, l)
			if err != nil {
				l.Error("sync_engine_init_error", "error", err)
				return
			}
			if err := engine.Start(ctx); err != nil {
				l.Error("sync_engine_start_error", "error", err)
			}
		}

		if sweeper == nil {
			var err error
			sweeper, err = buildSweeper(ctx, doc.Archive, doc.InstanceID, st, l)
			if err != nil {
				l.Error("archive_sweeper_init_error", "error", err)
				return
			}
			if err := sweeper.Start(ctx); err != nil {
				l.Error("archive_sweeper_start_error", "error", err)
			}
		}
	}

	watcher, err := labconfig.WatchFile(cfg.configPath, onChange)
	if err != nil {
		l.Error("config_load_error", "error", err)
		return
	}
	defer func() { _ = watcher.Close() }()

	metrics.SetReadinessFunc(func() bool { return ctx.Err() == nil })
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	l.Info("shutdown_signal", "signal", s.String())
	cancel()
	if mdnsCleanup != nil {
		mdnsCleanup()
	}
	if engine != nil {
		_ = engine.Shutdown(context.Background())
	}
	if sweeper != nil {
		_ = sweeper.Shutdown(context.Background())
	}
	wg.Wait()
}
