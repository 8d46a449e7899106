package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/kstaniek/labgw/internal/archive"
	"github.com/kstaniek/labgw/internal/authprovider"
	"github.com/kstaniek/labgw/internal/config"
	"github.com/kstaniek/labgw/internal/sync"
)

// buildAuthProvider translates the persisted auth scheme into a concrete
// authprovider.AuthProvider. An unrecognized or empty scheme is treated as
// "none", matching the config schema's default.
func buildAuthProvider(c config.AuthConfig) authprovider.AuthProvider {
	switch c.Scheme {
	case "api_key":
		return authprovider.APIKey{Header: c.Header, Key: c.Key}
	case "bearer":
		return authprovider.Bearer{Token: c.Token}
	case "basic":
		return authprovider.Basic{Username: c.Username, Password: c.Password}
	case "custom_headers":
		return authprovider.CustomHeaders{Headers: c.Headers}
	case "oauth2_client_credentials":
		return authprovider.NewOAuth2ClientCredentials(c.TokenURL, c.ClientID, c.ClientSecret, c.Scopes)
	default:
		return authprovider.None{}
	}
}

// buildArchiver translates the persisted archive block into an
// *archive.Archiver, or nil if archiving is disabled or misconfigured.
func buildArchiver(ctx context.Context, c config.ArchiveConfig, instanceID string) (*archive.Archiver, error) {
	if !c.Enabled {
		return nil, nil
	}
	if c.S3.Bucket != "" {
		target, err := archive.NewS3Target(ctx, archive.S3TargetConfig{
			Endpoint:     c.S3.Endpoint,
			Bucket:       c.S3.Bucket,
			AccessKey:    c.S3.AccessKey,
			SecretKey:    c.S3.SecretKey,
			Region:       c.S3.Region,
			UsePathStyle: c.S3.UsePathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("archive: s3 target: %w", err)
		}
		return archive.New(target, instanceID), nil
	}
	if c.LocalPath != "" {
		target, err := archive.NewFileTarget(c.LocalPath)
		if err != nil {
			return nil, fmt.Errorf("archive: file target: %w", err)
		}
		return archive.New(target, instanceID), nil
	}
	return nil, nil
}

// syncMode maps the schema's sync_frequency values onto sync.Mode; the
// schema calls interval-based draining "scheduled" to read well in config
// files, the engine calls it ModeInterval to read well next to ModeCron.
func syncMode(freq string) sync.Mode {
	switch freq {
	case "realtime":
		return sync.ModeRealtime
	case "cron":
		return sync.ModeCron
	default:
		return sync.ModeInterval
	}
}

// buildSyncConfig translates the persisted external_server block into a
// sync.Config ready for sync.New.
func buildSyncConfig(cfg *config.Config) sync.Config {
	es := cfg.ExternalServer
	return sync.Config{
		Enabled:      es.Enabled,
		URL:          es.URL,
		InstanceID:   cfg.InstanceID,
		Mode:         syncMode(es.SyncFrequency),
		Interval:     cfg.IntervalDuration(),
		CronSchedule: es.CronSchedule,
		BatchSize:    es.BatchSize,
		RateLimit:    rate.Limit(es.RateLimitPerSec),
		Gzip:         es.Gzip,
		Auth:         buildAuthProvider(es.Auth),
	}
}

// buildSweeper translates the persisted archive block into an
// *archive.Sweeper wired to st, or nil if archiving is disabled or
// misconfigured. Retention/interval fall back to the package defaults
// (24h / 30m) when the config omits them.
func buildSweeper(ctx context.Context, c config.ArchiveConfig, instanceID string, st archive.Store, logger *slog.Logger) (*archive.Sweeper, error) {
	archiver, err := buildArchiver(ctx, c, instanceID)
	if err != nil {
		return nil, err
	}
	if archiver == nil {
		return nil, nil
	}
	return archive.NewSweeper(archiver, st, archive.SweeperConfig{
		Retention: time.Duration(c.RetentionHours) * time.Hour,
		Interval:  time.Duration(c.SweepIntervalMins) * time.Minute,
	}, logger)
}
