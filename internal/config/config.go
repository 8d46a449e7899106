// Package config loads, validates, and hot-reloads the persisted JSON
// configuration described in spec §6: listeners[], app_name, instance_id,
// and the external_server sync/auth block. Validation follows the
// teacher pack's ClusterCockpit pkg/schema validate pattern
// (santhosh-tekuri/jsonschema/v5 against an embedded schema); file
// watching follows its internal/util/fswatcher.go (fsnotify/fsnotify).
package config

import (
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/kstaniek/labgw/internal/conn"
	"github.com/kstaniek/labgw/internal/logging"
	"github.com/kstaniek/labgw/internal/supervisor"
)

//go:embed schema/config.schema.json
var schemaFS embed.FS

// ListenerConfig is the JSON shape of one entry in listeners[].
type ListenerConfig struct {
	Port         int    `json:"port"`
	AnalyzerType string `json:"analyzer_type"`
	Protocol     string `json:"protocol"`
	FieldMapID   string `json:"field_map_id,omitempty"`
}

// AuthConfig is the JSON shape of external_server.auth.
type AuthConfig struct {
	Scheme       string            `json:"scheme,omitempty"`
	Header       string            `json:"header,omitempty"`
	Key          string            `json:"key,omitempty"`
	Token        string            `json:"token,omitempty"`
	Username     string            `json:"username,omitempty"`
	Password     string            `json:"password,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	TokenURL     string            `json:"token_url,omitempty"`
	ClientID     string            `json:"client_id,omitempty"`
	ClientSecret string            `json:"client_secret,omitempty"`
	Scopes       []string          `json:"scopes,omitempty"`
}

// ExternalServerConfig is the JSON shape of external_server.
type ExternalServerConfig struct {
	Enabled          bool       `json:"enabled"`
	URL              string     `json:"url"`
	SyncFrequency    string     `json:"sync_frequency"`
	IntervalSeconds  int        `json:"interval_seconds,omitempty"`
	CronSchedule     string     `json:"cron_schedule,omitempty"`
	BatchSize        int        `json:"batch_size,omitempty"`
	Gzip             bool       `json:"gzip,omitempty"`
	RateLimitPerSec  float64    `json:"rate_limit_per_sec,omitempty"`
	Auth             AuthConfig `json:"auth,omitempty"`
}

// S3ArchiveConfig is the JSON shape of archive.s3.
type S3ArchiveConfig struct {
	Endpoint     string `json:"endpoint,omitempty"`
	Bucket       string `json:"bucket,omitempty"`
	Region       string `json:"region,omitempty"`
	AccessKey    string `json:"access_key,omitempty"`
	SecretKey    string `json:"secret_key,omitempty"`
	UsePathStyle bool   `json:"use_path_style,omitempty"`
}

// ArchiveConfig is the JSON shape of archive.
type ArchiveConfig struct {
	Enabled           bool            `json:"enabled,omitempty"`
	LocalPath         string          `json:"local_path,omitempty"`
	S3                S3ArchiveConfig `json:"s3,omitempty"`
	RetentionHours    int             `json:"retention_hours,omitempty"`
	SweepIntervalMins int             `json:"sweep_interval_minutes,omitempty"`
}

// Config is the full persisted configuration document.
type Config struct {
	AppName        string               `json:"app_name"`
	InstanceID     string               `json:"instance_id"`
	Port           int                  `json:"port,omitempty"`
	Listeners      []ListenerConfig     `json:"listeners,omitempty"`
	ExternalServer ExternalServerConfig `json:"external_server,omitempty"`
	Archive        ArchiveConfig        `json:"archive,omitempty"`
}

// ListenerSpecs projects the config's listener section onto
// supervisor.ListenerSpec, folding the single-port shorthand (`port`) into
// a one-element listeners[] when present.
func (c *Config) ListenerSpecs() []supervisor.ListenerSpec {
	if len(c.Listeners) == 0 && c.Port != 0 {
		return []supervisor.ListenerSpec{{
			Port:         c.Port,
			AnalyzerType: "generic",
			Protocol:     conn.ProtocolASTM,
		}}
	}
	specs := make([]supervisor.ListenerSpec, 0, len(c.Listeners))
	for _, l := range c.Listeners {
		specs = append(specs, supervisor.ListenerSpec{
			Port:         l.Port,
			AnalyzerType: l.AnalyzerType,
			Protocol:     conn.Protocol(l.Protocol),
			FieldMapID:   l.FieldMapID,
		})
	}
	return specs
}

var schema = sync.OnceValue(func() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	raw, err := schemaFS.ReadFile("schema/config.schema.json")
	if err != nil {
		panic(fmt.Sprintf("config: embedded schema missing: %v", err))
	}
	if err := c.AddResource("config.schema.json", mustJSON(raw)); err != nil {
		panic(fmt.Sprintf("config: embedded schema invalid: %v", err))
	}
	s, err := c.Compile("config.schema.json")
	if err != nil {
		panic(fmt.Sprintf("config: embedded schema does not compile: %v", err))
	}
	return s
})

func mustJSON(raw []byte) interface{} {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		panic(fmt.Sprintf("config: embedded schema is not valid JSON: %v", err))
	}
	return v
}

// Load reads, schema-validates, and unmarshals the config file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := schema().Validate(doc); err != nil {
		return nil, fmt.Errorf("config: %s fails schema validation: %w", path, err)
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal %s: %w", path, err)
	}
	return &cfg, nil
}

// IntervalDuration returns external_server.interval_seconds as a Duration.
func (c *Config) IntervalDuration() time.Duration {
	return time.Duration(c.ExternalServer.IntervalSeconds) * time.Second
}

// Watcher reloads Config from disk whenever the underlying file changes and
// invokes onChange with the freshly loaded value.
type Watcher struct {
	path    string
	w       *fsnotify.Watcher
	logger  *slog.Logger
	onChange func(*Config)
}

// WatchFile starts watching path, invoking onChange once immediately with
// the current contents and again on every subsequent write. The returned
// Watcher must be closed to release the fsnotify handle.
func WatchFile(path string, onChange func(*Config)) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	onChange(cfg)

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}

	wtc := &Watcher{path: path, w: fw, logger: logging.L(), onChange: onChange}
	go wtc.loop()
	return wtc, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				w.logger.Warn("config_reload_failed", "path", w.path, "error", err)
				continue
			}
			w.logger.Info("config_reloaded", "path", w.path)
			w.onChange(cfg)
		case err, ok := <-w.w.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config_watch_error", "error", err)
		}
	}
}

// Close releases the fsnotify handle.
func (w *Watcher) Close() error { return w.w.Close() }
