package main

import (
	"testing"
	"time"
)

func TestConfigValidate_OK(t *testing.T) {
	c := &appConfig{
		configPath:      "/etc/lab-receiver/config.json",
		dataDir:         "/var/lib/lab-receiver",
		logFormat:       "text",
		logLevel:        "info",
		metricsAddr:     ":9100",
		logMetricsEvery: 0,
		eventBufferSize: 0,
	}
	if err := c.validate(); err != nil {
		t.Fatalf("expected ok got %v", err)
	}
}

func TestConfigValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*appConfig)
	}{
		{"emptyConfigPath", func(c *appConfig) { c.configPath = "" }},
		{"emptyDataDir", func(c *appConfig) { c.dataDir = "" }},
		{"badFormat", func(c *appConfig) { c.logFormat = "xx" }},
		{"badLevel", func(c *appConfig) { c.logLevel = "nope" }},
		{"badLogMetricsEvery", func(c *appConfig) { c.logMetricsEvery = -time.Second }},
		{"badEventBuffer", func(c *appConfig) { c.eventBufferSize = -1 }},
	}
	for _, tc := range tests {
		base := &appConfig{
			configPath: "/etc/lab-receiver/config.json", dataDir: "/var/lib/lab-receiver",
			logFormat: "text", logLevel: "info", metricsAddr: ":9100",
		}
		tc.mod(base)
		if err := base.validate(); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}
