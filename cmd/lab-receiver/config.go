package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// appConfig holds the ambient, process-level flags: where the domain
// configuration document lives, and how this process logs and exposes
// metrics. The domain configuration itself (listeners, field maps,
// external_server) is a hot-reloadable JSON document owned by
// internal/config, not a flag.
type appConfig struct {
	configPath      string
	dataDir         string
	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	eventBufferSize int
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	configPath := flag.String("config", "/etc/lab-receiver/config.json", "Path to the persisted configuration document")
	dataDir := flag.String("data-dir", "/var/lib/lab-receiver", "Directory holding the embedded store (lab-receiver.db)")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", ":9100", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	eventBufferSize := flag.Int("event-buffer", 0, "Per-subscriber event bus buffer size (0 = default)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	cfg.configPath = *configPath
	cfg.dataDir = *dataDir
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.eventBufferSize = *eventBufferSize

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to read the config document – internal/config.Load
// does that and applies JSON Schema validation on top.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if c.configPath == "" {
		return errors.New("config path must not be empty")
	}
	if c.dataDir == "" {
		return errors.New("data dir must not be empty")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	if c.logMetricsEvery < 0 {
		return fmt.Errorf("log-metrics-interval must be >= 0")
	}
	if c.eventBufferSize < 0 {
		return fmt.Errorf("event-buffer must be >= 0")
	}
	return nil
}

// applyEnvOverrides maps LAB_RECEIVER_* environment variables to config
// fields unless a corresponding flag was explicitly set (flag wins).
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }

	if _, ok := set["config"]; !ok {
		if v, ok := get("LAB_RECEIVER_CONFIG"); ok && v != "" {
			c.configPath = v
		}
	}
	if _, ok := set["data-dir"]; !ok {
		if v, ok := get("LAB_RECEIVER_DATA_DIR"); ok && v != "" {
			c.dataDir = v
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("LAB_RECEIVER_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("LAB_RECEIVER_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("LAB_RECEIVER_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("LAB_RECEIVER_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.logMetricsEvery = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid LAB_RECEIVER_LOG_METRICS_INTERVAL: %w", err)
			}
		}
	}
	if _, ok := set["event-buffer"]; !ok {
		if v, ok := get("LAB_RECEIVER_EVENT_BUFFER"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				c.eventBufferSize = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid LAB_RECEIVER_EVENT_BUFFER: %w", err)
			}
		}
	}
	return firstErr
}
