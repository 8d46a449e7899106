package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kstaniek/labgw/internal/conn"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validConfig = `{
	"app_name": "lab-receiver",
	"instance_id": "site-1",
	"listeners": [
		{"port": 3001, "analyzer_type": "acme-ar3000", "protocol": "ASTM"}
	],
	"external_server": {
		"enabled": true,
		"url": "https://lis.example.test/ingest",
		"sync_frequency": "scheduled",
		"interval_seconds": 30
	}
}`

func TestLoad_ValidConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, validConfig)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AppName != "lab-receiver" || cfg.InstanceID != "site-1" {
		t.Fatalf("unexpected top-level fields: %+v", cfg)
	}
	if len(cfg.Listeners) != 1 || cfg.Listeners[0].Port != 3001 {
		t.Fatalf("unexpected listeners: %+v", cfg.Listeners)
	}
}

func TestLoad_RejectsMissingRequiredFields(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{"listeners": []}`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected schema validation error for missing app_name/instance_id")
	}
}

func TestLoad_RejectsBadProtocolEnum(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{
		"app_name": "lab-receiver",
		"instance_id": "site-1",
		"listeners": [{"port": 3001, "analyzer_type": "x", "protocol": "SERIAL"}]
	}`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected schema validation error for protocol not in enum")
	}
}

func TestListenerSpecs_FoldsSinglePortShorthand(t *testing.T) {
	cfg := &Config{AppName: "a", InstanceID: "b", Port: 3001}
	specs := cfg.ListenerSpecs()
	if len(specs) != 1 || specs[0].Port != 3001 || specs[0].Protocol != conn.ProtocolASTM {
		t.Fatalf("expected single-port shorthand folded to one ASTM listener, got %+v", specs)
	}
}

func TestListenerSpecs_PrefersExplicitListeners(t *testing.T) {
	cfg := &Config{
		AppName: "a", InstanceID: "b", Port: 9999,
		Listeners: []ListenerConfig{{Port: 3001, AnalyzerType: "acme", Protocol: "HL7"}},
	}
	specs := cfg.ListenerSpecs()
	if len(specs) != 1 || specs[0].Port != 3001 || specs[0].Protocol != conn.ProtocolHL7 {
		t.Fatalf("expected explicit listeners to win over the port shorthand, got %+v", specs)
	}
}

func TestIntervalDuration_ConvertsSeconds(t *testing.T) {
	cfg := &Config{ExternalServer: ExternalServerConfig{IntervalSeconds: 45}}
	if got := cfg.IntervalDuration(); got != 45*time.Second {
		t.Fatalf("expected 45s, got %s", got)
	}
}

func TestWatchFile_InvokesOnChangeOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, validConfig)

	var calls int32
	var lastAppName atomic.Value
	onChange := func(c *Config) {
		atomic.AddInt32(&calls, 1)
		lastAppName.Store(c.AppName)
	}

	w, err := WatchFile(path, onChange)
	if err != nil {
		t.Fatalf("WatchFile: %v", err)
	}
	defer w.Close()

	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected onChange called once immediately, got %d", calls)
	}

	updated := `{
		"app_name": "lab-receiver-updated",
		"instance_id": "site-1",
		"listeners": [{"port": 3001, "analyzer_type": "acme-ar3000", "protocol": "ASTM"}]
	}`
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if v, _ := lastAppName.Load().(string); v == "lab-receiver-updated" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected onChange to fire again after the file was rewritten")
}
