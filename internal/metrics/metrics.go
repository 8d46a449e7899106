// Package metrics exposes Prometheus counters/gauges for the ingestion
// pipeline and a small HTTP server (routed with gorilla/mux) serving
// /metrics and /ready.
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kstaniek/labgw/internal/logging"
)

var (
	MessagesDecoded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "messages_decoded_total",
		Help: "Total analyzer Messages successfully decoded, by protocol.",
	}, []string{"protocol"})
	ResultsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "results_ingested_total",
		Help: "Total Result rows persisted.",
	})
	MappingWarnings = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mapping_warnings_total",
		Help: "Total records dropped by the field mapper due to a mapping warning.",
	})
	InvalidRecords = promauto.NewCounter(prometheus.CounterOpts{
		Name: "invalid_records_total",
		Help: "Total Messages rejected for missing patient identity.",
	})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Total frames rejected for bad checksum, bad sequence, or truncation.",
	})
	NAKsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "naks_sent_total",
		Help: "Total NAK/AE/AR responses sent to analyzers.",
	})
	ClientsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clients_connected",
		Help: "Current number of connected analyzer sockets, across all listeners.",
	})
	ListenersOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "listeners_online",
		Help: "Current number of bound listener ports.",
	})
	SyncAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_attempts_total",
		Help: "Total outbound sync attempts, by outcome.",
	}, []string{"outcome"})
	SyncPoisoned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_poisoned_total",
		Help: "Total rows marked poisoned by the remote endpoint.",
	})
	SyncBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sync_backlog",
		Help: "Rows currently in local (unsynced) state.",
	})
	StoreFreeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "store_free_bytes",
		Help: "Free space on the volume backing the embedded store.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})

	readinessMu sync.RWMutex
	readinessFn func() bool

	localResults  atomic.Uint64
	localWarnings atomic.Uint64
	localErrors   atomic.Uint64
)

// IncDecoded records a successfully decoded Message for the given protocol.
func IncDecoded(protocol string) { MessagesDecoded.WithLabelValues(protocol).Inc() }

// AddResults records n persisted Result rows.
func AddResults(n int) {
	ResultsIngested.Add(float64(n))
	localResults.Add(uint64(n))
}

// IncMappingWarning records a dropped record.
func IncMappingWarning() {
	MappingWarnings.Inc()
	localWarnings.Add(1)
}

// IncInvalidRecord records a rejected Message.
func IncInvalidRecord() { InvalidRecords.Inc() }

// IncMalformed records a frame-level rejection.
func IncMalformed() { MalformedFrames.Inc() }

// IncNAK records a NAK/AE/AR response.
func IncNAK() { NAKsSent.Inc() }

// SetClientsConnected sets the live connection gauge.
func SetClientsConnected(n int) { ClientsConnected.Set(float64(n)) }

// SetListenersOnline sets the live listener gauge.
func SetListenersOnline(n int) { ListenersOnline.Set(float64(n)) }

// IncSyncAttempt records an outbound sync attempt outcome ("success",
// "retry", "poisoned").
func IncSyncAttempt(outcome string) { SyncAttempts.WithLabelValues(outcome).Inc() }

// IncSyncPoisoned records a row transitioning to poisoned.
func IncSyncPoisoned() { SyncPoisoned.Inc() }

// SetSyncBacklog sets the current count of local (unsynced) rows.
func SetSyncBacklog(n int) { SyncBacklog.Set(float64(n)) }

// SetStoreFreeBytes records free space on the store's volume.
func SetStoreFreeBytes(n uint64) { StoreFreeBytes.Set(float64(n)) }

// IncError increments the error counter for a subsystem label.
func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	localErrors.Add(1)
}

// InitBuildInfo sets the build info gauge (call once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
}

// SetReadinessFunc registers the function backing /ready.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function, defaulting to true.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn()
}

// Snapshot is a cheap copy of locally mirrored counters, used by the
// periodic metrics logger when Prometheus scraping isn't configured.
type Snapshot struct {
	Results  uint64
	Warnings uint64
	Errors   uint64
}

// Snap returns the current Snapshot.
func Snap() Snapshot {
	return Snapshot{
		Results:  localResults.Load(),
		Warnings: localWarnings.Load(),
		Errors:   localErrors.Load(),
	}
}

// StartHTTP serves Prometheus metrics and readiness on addr, routed with
// gorilla/mux as elsewhere in the corpus.
func StartHTTP(addr string) *http.Server {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/ready", func(w http.ResponseWriter, req *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{Addr: addr, Handler: r}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}
