// Package sync implements the outbound Sync Engine: drains unsynchronized
// records to a remote endpoint on a realtime/interval/cron cadence, with
// exponential backoff and jitter on failure and poison-marking on
// unrecoverable 4xx responses. See spec §4.7.
//
// Scheduling is grounded on the teacher pack's ClusterCockpit
// internal/taskManager (go-co-op/gocron/v2: DurationJob for interval mode,
// CronJob for cron mode); body compression follows the pack's use of a
// gzip-compatible writer (klauspost/compress/gzip); outbound throttling
// follows nishisan-dev-n-backup's golang.org/x/time/rate ThrottledWriter
// pattern, applied here to requests/sec rather than bytes/sec.
package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/time/rate"

	"github.com/kstaniek/labgw/internal/authprovider"
	"github.com/kstaniek/labgw/internal/domain"
	"github.com/kstaniek/labgw/internal/errs"
	"github.com/kstaniek/labgw/internal/events"
	"github.com/kstaniek/labgw/internal/logging"
	"github.com/kstaniek/labgw/internal/metrics"
	"github.com/kstaniek/labgw/internal/store"
)

// Mode selects the cadence the Sync Engine drains local rows on.
type Mode string

const (
	ModeRealtime Mode = "realtime"
	ModeInterval Mode = "interval"
	ModeCron     Mode = "cron"
)

const (
	backoffBase = 5 * time.Second
	backoffCap  = 6 // base * 2^6 ≈ 5m20s, spec's "cap ≈ 5 min"
	jitterFrac  = 0.2

	defaultBatchSize   = 100
	defaultWorkerCount = 4
	inFlightTimeout    = 30 * time.Second
)

// Config configures one Engine instance from the external_server block of
// the persisted configuration (spec §6).
type Config struct {
	Enabled      bool
	URL          string
	InstanceID   string
	Mode         Mode
	Interval     time.Duration
	CronSchedule string
	BatchSize    int
	Workers      int
	RateLimit    rate.Limit // requests per second; 0 disables throttling
	Gzip         bool
	Auth         authprovider.AuthProvider
}

// Engine is the task draining local rows to the remote endpoint.
type Engine struct {
	cfg     Config
	store   *store.Store
	client  *http.Client
	events  *events.Bus
	logger  *slog.Logger
	limiter *rate.Limiter

	sched gocron.Scheduler
	sem   chan struct{}
}

// New builds an Engine; call Start to begin draining.
func New(cfg Config, st *store.Store, bus *events.Bus, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = logging.L()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkerCount
	}
	if cfg.Auth == nil {
		cfg.Auth = authprovider.None{}
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(cfg.RateLimit, 1)
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("sync: scheduler: %w", err)
	}

	return &Engine{
		cfg:     cfg,
		store:   st,
		client:  &http.Client{Timeout: inFlightTimeout},
		events:  bus,
		logger:  logger,
		limiter: limiter,
		sched:   sched,
		sem:     make(chan struct{}, workers),
	}, nil
}

// Start registers the interval/cron job (if configured) and, for realtime
// mode, an event-bus subscription that triggers a flush on every
// MessageIngested event. It is a no-op when the engine is disabled.
func (e *Engine) Start(ctx context.Context) error {
	if !e.cfg.Enabled {
		return nil
	}

	switch e.cfg.Mode {
	case ModeInterval:
		d := e.cfg.Interval
		if d <= 0 {
			d = 30 * time.Second
		}
		if _, err := e.sched.NewJob(gocron.DurationJob(d),
			gocron.NewTask(func() { e.runBatch(ctx) })); err != nil {
			return fmt.Errorf("sync: register interval job: %w", err)
		}
	case ModeCron:
		if _, err := e.sched.NewJob(gocron.CronJob(e.cfg.CronSchedule, false),
			gocron.NewTask(func() { e.runBatch(ctx) })); err != nil {
			return fmt.Errorf("sync: register cron job: %w", err)
		}
	case ModeRealtime:
		ch := e.events.Subscribe()
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-ch:
					if !ok {
						return
					}
					if ev.Kind == events.MessageIngested {
						e.runBatch(ctx)
					}
				}
			}
		}()
	}

	e.sched.Start()
	return nil
}

// Shutdown stops the scheduler and its interval/cron jobs. Batches
// started by the realtime subscription are not tracked here, and every
// request runs under the context passed to Start, so cancelling that
// context aborts a request in flight.
func (e *Engine) Shutdown(ctx context.Context) error {
	return e.sched.Shutdown()
}

// runBatch selects one batch of local rows and attempts to deliver it. A
// select error is logged and counted; delivery outcomes are published as
// SyncAttempt events. runBatch never panics the caller.
func (e *Engine) runBatch(ctx context.Context) {
	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		return
	}

	recs, err := e.store.SelectLocal(ctx, e.cfg.BatchSize)
	if err != nil {
		e.logger.Error("sync_select_failed", "error", err)
		metrics.IncError(errs.MetricLabel(fmt.Errorf("%w: %v", errs.ErrSync, err)))
		return
	}
	if len(recs) == 0 {
		return
	}
	e.deliver(ctx, recs)
}

type batchEntry struct {
	Patient patientJSON `json:"patient"`
	Order   orderJSON   `json:"order"`
	Results []resultJSON `json:"results"`
}

type patientJSON struct {
	ExternalID string `json:"external_id"`
	InternalID string `json:"internal_id"`
	FullName   string `json:"full_name"`
	DOB        string `json:"dob"`
	Sex        string `json:"sex"`
	Physician  string `json:"physician"`
}

type orderJSON struct {
	SampleID           string `json:"sample_id"`
	OrderedAt          string `json:"ordered_at,omitempty"`
	UniversalServiceID string `json:"universal_service_id"`
}

type resultJSON struct {
	TestCode       string `json:"test_code"`
	Value          string `json:"value"`
	Units          string `json:"units"`
	ReferenceRange string `json:"reference_range"`
	AbnormalFlag   string `json:"abnormal_flag"`
	ObservedAt     string `json:"observed_at,omitempty"`
}

type outboundBody struct {
	InstanceID string       `json:"instance_id"`
	Batch      []batchEntry `json:"batch"`
}

func toOutboundBody(instanceID string, recs []domain.Record) outboundBody {
	body := outboundBody{InstanceID: instanceID, Batch: make([]batchEntry, 0, len(recs))}
	for _, rec := range recs {
		entry := batchEntry{
			Patient: patientJSON{
				ExternalID: rec.Patient.ExternalID,
				InternalID: rec.Patient.InternalID,
				FullName:   rec.Patient.FullName,
				DOB:        rec.Patient.DOB,
				Sex:        rec.Patient.Sex,
				Physician:  rec.Patient.Physician,
			},
			Order: orderJSON{
				SampleID:           rec.Order.SampleID,
				UniversalServiceID: rec.Order.UniversalServiceID,
			},
		}
		if !rec.Order.OrderedAt.IsZero() {
			entry.Order.OrderedAt = rec.Order.OrderedAt.UTC().Format(time.RFC3339)
		}
		for _, r := range rec.Results {
			rj := resultJSON{
				TestCode:       r.TestCode,
				Value:          r.Value,
				Units:          r.Units,
				ReferenceRange: r.ReferenceRange,
				AbnormalFlag:   r.AbnormalFlag,
			}
			if !r.ObservedAt.IsZero() {
				rj.ObservedAt = r.ObservedAt.UTC().Format(time.RFC3339)
			}
			entry.Results = append(entry.Results, rj)
		}
		body.Batch = append(body.Batch, entry)
	}
	return body
}

func resultIDs(recs []domain.Record) []int64 {
	var ids []int64
	for _, rec := range recs {
		for _, r := range rec.Results {
			ids = append(ids, r.ID)
		}
	}
	return ids
}

func maxAttempts(recs []domain.Record) int {
	max := 0
	for _, rec := range recs {
		for _, r := range rec.Results {
			if r.Attempts > max {
				max = r.Attempts
			}
		}
	}
	return max
}

// deliver POSTs one batch and updates row state according to the response.
func (e *Engine) deliver(ctx context.Context, recs []domain.Record) {
	ids := resultIDs(recs)
	body := toOutboundBody(e.cfg.InstanceID, recs)
	payload, err := json.Marshal(body)
	if err != nil {
		e.logger.Error("sync_marshal_failed", "error", err)
		return
	}

	status, err := e.send(ctx, payload)
	switch {
	case err == nil && status >= 200 && status < 300:
		if err := e.store.MarkSynced(ctx, ids); err != nil {
			e.logger.Error("sync_mark_synced_failed", "error", err)
		}
		metrics.IncSyncAttempt("success")
		e.events.SyncAttempted(ids[0], maxAttempts(recs)+1, "success")

	case err == nil && (status == http.StatusRequestTimeout || status == http.StatusTooManyRequests):
		e.scheduleRetry(ctx, recs, ids, "retry")

	case err == nil && status >= 400 && status < 500:
		if err := e.store.MarkPoisoned(ctx, ids); err != nil {
			e.logger.Error("sync_mark_poisoned_failed", "error", err)
		}
		metrics.IncSyncAttempt("poisoned")
		e.events.SyncAttempted(ids[0], maxAttempts(recs)+1, "poisoned")

	default:
		e.scheduleRetry(ctx, recs, ids, "retry")
	}
}

func (e *Engine) scheduleRetry(ctx context.Context, recs []domain.Record, ids []int64, outcome string) {
	attempts := maxAttempts(recs) + 1
	delay := backoffDelay(attempts)
	if err := e.store.ScheduleRetry(ctx, ids, attempts, time.Now().UTC().Add(delay)); err != nil {
		e.logger.Error("sync_schedule_retry_failed", "error", err)
	}
	metrics.IncSyncAttempt(outcome)
	e.events.SyncAttempted(ids[0], attempts, outcome)
}

// backoffDelay computes base * 2^min(attempts, K) with ±20% jitter (spec
// §4.7: base 5s, K=6, cap ≈ 5 min).
func backoffDelay(attempts int) time.Duration {
	exp := attempts
	if exp > backoffCap {
		exp = backoffCap
	}
	d := backoffBase * time.Duration(1<<uint(exp))
	jitter := (rand.Float64()*2 - 1) * jitterFrac
	return time.Duration(float64(d) * (1 + jitter))
}

// send performs one HTTP POST, applying auth and optional gzip, and reports
// the response status (or an error for anything that never got a status).
func (e *Engine) send(ctx context.Context, payload []byte) (int, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return 0, err
		}
	}

	body := payload
	var contentEncoding string
	if e.cfg.Gzip {
		var buf bytes.Buffer
		gw := gzip.NewWriter(&buf)
		if _, err := gw.Write(payload); err == nil && gw.Close() == nil {
			body = buf.Bytes()
			contentEncoding = "gzip"
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if contentEncoding != "" {
		req.Header.Set("Content-Encoding", contentEncoding)
	}
	if err := e.cfg.Auth.Apply(ctx, req); err != nil {
		return 0, err
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		if u, ok := e.cfg.Auth.(authprovider.Unauthorized); ok {
			u.NotifyUnauthorized()
		}
	}
	return resp.StatusCode, nil
}
