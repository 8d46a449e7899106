package main

import (
	"log/slog"

	"github.com/kstaniek/labgw/internal/events"
)

// initBus constructs the Observer event bus (spec §6). Buffer size is a
// per-subscriber channel depth; 0 falls back to events.DefaultBufferSize.
func initBus(cfg *appConfig, l *slog.Logger) *events.Bus {
	bus := events.New(cfg.eventBufferSize)
	l.Info("build_info", "version", version, "commit", commit, "date", date)
	l.Info("event_bus_config", "buffer", cfg.eventBufferSize)
	return bus
}
