// Package supervisor implements the Listener Supervisor: it owns the set of
// bound TCP listeners (one per configured port), each bound to an
// analyzer_type/protocol/field_map_id, and supports atomic hot reload. See
// spec §4.6. Structurally this generalizes the teacher's internal/server.Server
// accept-loop-plus-client-map shape to "one Server per configured port" with
// a diffing reload on top.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/kstaniek/labgw/internal/conn"
	"github.com/kstaniek/labgw/internal/errs"
	"github.com/kstaniek/labgw/internal/events"
	"github.com/kstaniek/labgw/internal/fieldmap"
	"github.com/kstaniek/labgw/internal/logging"
	"github.com/kstaniek/labgw/internal/metrics"
)

// ListenerSpec is the declarative description of one bound port, matching
// spec §3's ListenerSpec entity.
type ListenerSpec struct {
	Port         int
	AnalyzerType string
	Protocol     conn.Protocol
	FieldMapID   string
}

// drainTimeout is how long Reload waits for a removed listener's in-flight
// connections to finish on their own before forcing closure (spec §4.6:
// "draining their connections for up to 2 s, then forced").
const drainTimeout = 2 * time.Second

// listener is one bound port's runtime state.
type listener struct {
	spec     ListenerSpec
	ln       net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	clientMu sync.Mutex
	clients  map[net.Conn]struct{}
}

func (l *listener) clientCount() int {
	l.clientMu.Lock()
	defer l.clientMu.Unlock()
	return len(l.clients)
}

func (l *listener) addClient(c net.Conn) {
	l.clientMu.Lock()
	l.clients[c] = struct{}{}
	l.clientMu.Unlock()
}

func (l *listener) removeClient(c net.Conn) {
	l.clientMu.Lock()
	delete(l.clients, c)
	l.clientMu.Unlock()
}

// Supervisor owns the live ListenerSpec set and the listeners bound to it.
// Reload updates the listener map in place while holding mu, and Snapshots
// takes the same lock, so a caller never sees a half-applied Reload.
type Supervisor struct {
	mu        sync.Mutex
	listeners map[int]*listener

	table  *fieldmap.Table
	store  conn.Persister
	events *events.Bus
	logger *slog.Logger
}

// New returns an idle Supervisor; call Reload to bind its first listeners.
func New(table *fieldmap.Table, store conn.Persister, bus *events.Bus, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = logging.L()
	}
	return &Supervisor{
		listeners: make(map[int]*listener),
		table:     table,
		store:     store,
		events:    bus,
		logger:    logger,
	}
}

// Reload diffs new against the currently running set by port: ports absent
// from new are closed (drained), ports absent from the old set are opened,
// and ports present in both but with a changed spec are rebound. Start and
// stop are each idempotent with respect to a port already in the wanted
// state. See spec §4.6.
func (s *Supervisor) Reload(ctx context.Context, new []ListenerSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[int]ListenerSpec, len(new))
	for _, spec := range new {
		wanted[spec.Port] = spec
	}

	for port, l := range s.listeners {
		spec, keep := wanted[port]
		if !keep || spec != l.spec {
			s.stopLocked(l)
			delete(s.listeners, port)
		}
	}

	for port, spec := range wanted {
		if _, ok := s.listeners[port]; ok {
			continue
		}
		l, err := s.startLocked(ctx, spec)
		if err != nil {
			s.logger.Error("listener_start_failed", "port", port, "error", err)
			metrics.IncError(errs.MetricLabel(fmt.Errorf("%w: %v", errs.ErrListen, err)))
			continue
		}
		s.listeners[port] = l
	}

	metrics.SetListenersOnline(len(s.listeners))
	return nil
}

func (s *Supervisor) startLocked(parent context.Context, spec ListenerSpec) (*listener, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", spec.Port))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrListen, err)
	}
	ctx, cancel := context.WithCancel(parent)
	l := &listener{spec: spec, ln: ln, cancel: cancel, clients: make(map[net.Conn]struct{})}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		s.acceptLoop(ctx, l)
	}()

	s.events.ListenerChanged(spec.Port, "online", 0)
	s.logger.Info("listener_online", "port", spec.Port, "protocol", spec.Protocol, "analyzer_type", spec.AnalyzerType)
	return l, nil
}

func (s *Supervisor) acceptLoop(ctx context.Context, l *listener) {
	go func() { <-ctx.Done(); _ = l.ln.Close() }()
	fm := s.table.Resolve(l.spec.FieldMapID, string(l.spec.Protocol))

	for {
		c, err := l.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			s.logger.Warn("accept_error", "port", l.spec.Port, "error", err)
			metrics.IncError(errs.MetricLabel(fmt.Errorf("%w: %v", errs.ErrAccept, err)))
			return
		}
		l.addClient(c)
		metrics.SetClientsConnected(s.totalClients())
		s.events.ListenerChanged(l.spec.Port, "online", l.clientCount())

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			defer func() {
				l.removeClient(c)
				metrics.SetClientsConnected(s.totalClients())
				s.events.ListenerChanged(l.spec.Port, "online", l.clientCount())
			}()
			h := conn.New(c, l.spec.Protocol, l.spec.Port, fm, s.store, s.events, s.logger)
			h.Run(ctx)
		}()
	}
}

func (s *Supervisor) totalClients() int {
	n := 0
	for _, l := range s.listeners {
		n += l.clientCount()
	}
	return n
}

// stopLocked closes one listener, draining its connections for up to
// drainTimeout before forcing them shut.
func (s *Supervisor) stopLocked(l *listener) {
	l.cancel()
	_ = l.ln.Close()

	done := make(chan struct{})
	go func() { l.wg.Wait(); close(done) }()

	select {
	case <-done:
	case <-time.After(drainTimeout):
		l.clientMu.Lock()
		for c := range l.clients {
			_ = c.Close()
		}
		l.clientMu.Unlock()
		<-done
	}
	s.events.ListenerChanged(l.spec.Port, "offline", 0)
	s.logger.Info("listener_offline", "port", l.spec.Port)
}

// Shutdown stops every listener. Idempotent; safe to call on an already-idle
// Supervisor.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for port, l := range s.listeners {
		s.stopLocked(l)
		delete(s.listeners, port)
	}
	metrics.SetListenersOnline(0)
}

// Snapshot describes one listener's observable state, for status reporting.
type Snapshot struct {
	Port         int
	AnalyzerType string
	Protocol     conn.Protocol
	ClientCount  int
}

// Snapshots returns the current state of every bound listener.
func (s *Supervisor) Snapshots() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Snapshot, 0, len(s.listeners))
	for _, l := range s.listeners {
		out = append(out, Snapshot{
			Port:         l.spec.Port,
			AnalyzerType: l.spec.AnalyzerType,
			Protocol:     l.spec.Protocol,
			ClientCount:  l.clientCount(),
		})
	}
	return out
}
