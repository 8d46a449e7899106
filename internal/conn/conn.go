// Package conn implements the per-client Connection Handler: the task that
// owns one accepted socket, drives its protocol's framing codec and record
// decoder, projects completed Messages through the Field Mapper, persists
// the result, and only then acknowledges the peer. See spec §4.5.
package conn

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/labgw/internal/astm"
	"github.com/kstaniek/labgw/internal/domain"
	"github.com/kstaniek/labgw/internal/errs"
	"github.com/kstaniek/labgw/internal/events"
	"github.com/kstaniek/labgw/internal/fieldmap"
	"github.com/kstaniek/labgw/internal/metrics"
	"github.com/kstaniek/labgw/internal/mllp"
	"github.com/kstaniek/labgw/internal/record"
)

// Protocol identifies which framing codec a Connection speaks.
type Protocol string

const (
	ProtocolASTM Protocol = "ASTM"
	ProtocolHL7  Protocol = "HL7"
)

// Persister is the subset of the store the Connection Handler needs: durable
// commit of one decoded Record. Implemented by internal/store.Store.
type Persister interface {
	SaveRecord(ctx context.Context, rec domain.Record) error
}

const (
	// defaultIdleTimeout matches spec §4.5 ("default 60 s of no bytes").
	defaultIdleTimeout = 60 * time.Second
	maxConsecutiveNAKs = 3

	// persistRetries/persistBackoff match spec §7: "retry the write up to 3
	// times with 200 ms backoff; on persistent failure, close the
	// connection (the analyzer will retransmit)."
	persistRetries = 3
	persistBackoff = 200 * time.Millisecond
)

// Handler owns one accepted socket end to end.
type Handler struct {
	Conn       net.Conn
	Protocol   Protocol
	Port       int
	FieldMap   fieldmap.FieldMap
	Store      Persister
	Events     *events.Bus
	Logger     *slog.Logger
	IdleTimeout time.Duration
}

// New returns a Handler ready to Run.
func New(c net.Conn, proto Protocol, port int, fm fieldmap.FieldMap, store Persister, bus *events.Bus, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Conn:        c,
		Protocol:    proto,
		Port:        port,
		FieldMap:    fm,
		Store:       store,
		Events:      bus,
		Logger:      logger,
		IdleTimeout: defaultIdleTimeout,
	}
}

// Run drives the connection until it closes, the peer disconnects, an idle
// timeout elapses, or a fatal protocol condition is hit. It never returns an
// error the caller must act on beyond logging: all outcomes end the
// connection.
func (h *Handler) Run(ctx context.Context) {
	defer h.Conn.Close()
	switch h.Protocol {
	case ProtocolHL7:
		h.runHL7(ctx)
	default:
		h.runASTM(ctx)
	}
}

func (h *Handler) resetDeadline() {
	timeout := h.IdleTimeout
	if timeout <= 0 {
		timeout = defaultIdleTimeout
	}
	_ = h.Conn.SetDeadline(time.Now().Add(timeout))
}

// runASTM drives one ASTM session: ENQ/ACK handshake, then a sequence of
// STX...ETX/ETB frames accumulated into CR-delimited record lines until an
// `L` terminator line closes out a Message. Interior frame ACK/NAK is purely
// transport-level (checksum + sequence), sent immediately so the analyzer's
// send loop keeps moving; the ACK for the frame carrying the terminator
// record is withheld until the assembled Message is durably persisted, per
// spec §4.5 ("ACK is only sent after persistence returns success").
func (h *Handler) runASTM(ctx context.Context) {
	r := bufio.NewReader(h.Conn)
	for {
		h.resetDeadline()
		if err := astm.AwaitENQ(r); err != nil {
			if isClosed(err) {
				return
			}
			h.logWarn("astm_handshake", err)
			continue
		}
		if err := astm.WriteACK(h.Conn); err != nil {
			return
		}
		if !h.runASTMSession(ctx, r) {
			return
		}
	}
}

// runASTMSession runs one ENQ..EOT session, returning false when the
// connection should close.
func (h *Handler) runASTMSession(ctx context.Context, r *bufio.Reader) bool {
	sess := astm.NewSession()
	var lines [][]byte

	for {
		h.resetDeadline()
		frame, err := sess.ReadFrame(r)
		switch {
		case errors.Is(err, astm.ErrSessionEnded):
			return true
		case errors.Is(err, astm.ErrTooManyNAKs):
			h.logWarn("astm_fatal_naks", err)
			metrics.IncError(errs.MetricLabel(fmt.Errorf("%w", errs.ErrFatalConnection)))
			return false
		case errors.Is(err, astm.ErrChecksum), errors.Is(err, astm.ErrSequence):
			_ = astm.WriteNAK(h.Conn)
			continue
		case err != nil:
			if isClosed(err) {
				return false
			}
			h.logWarn("astm_read_frame", err)
			return false
		}

		if !frame.Final {
			// ETB: buffer and ACK immediately to keep the instrument sending;
			// the accumulated payload carries forward to the next frame.
			sess.Accumulate(frame.Payload)
			if err := astm.WriteACK(h.Conn); err != nil {
				return false
			}
			continue
		}
		payload := sess.TakePayload(frame.Payload)

		recLines := astm.SplitRecords(payload)
		lines = append(lines, recLines...)

		if !endsWithTerminator(recLines) {
			if err := astm.WriteACK(h.Conn); err != nil {
				return false
			}
			continue
		}

		msg := record.DecodeASTM(lines)
		msg.ReceivedAt = time.Now().UTC()
		lines = nil

		ack, fatal := h.persistMessage(ctx, msg)
		if ack {
			_ = astm.WriteACK(h.Conn)
		} else {
			_ = astm.WriteNAK(h.Conn)
		}
		if fatal {
			return false
		}
	}
}

func endsWithTerminator(lines [][]byte) bool {
	if len(lines) == 0 {
		return false
	}
	last := lines[len(lines)-1]
	return len(last) > 0 && record.Type(last[0:1]) == record.TypeTerminator
}

// runHL7 drives an MLLP/HL7 connection: each envelope carries one complete
// Message, so the single ACK/AE/AR response naturally waits on persistence
// with no frame-level bookkeeping.
func (h *Handler) runHL7(ctx context.Context) {
	r := bufio.NewReader(h.Conn)
	for {
		h.resetDeadline()
		body, err := mllp.ReadMessage(r)
		if err != nil {
			if isClosed(err) || errors.Is(err, mllp.ErrTruncated) {
				return
			}
			h.logWarn("mllp_read", err)
			return
		}

		segments := mllp.SplitSegments(body)
		msg := record.DecodeHL7(segments)
		msg.ReceivedAt = time.Now().UTC()

		acked, fatal := h.persistMessage(ctx, msg)
		var ack []byte
		switch {
		case acked:
			ack = buildHL7ACK(msg.ControlID(), "AA")
		case fatal:
			ack = buildHL7ACK(msg.ControlID(), "AE")
			metrics.IncNAK()
		default:
			ack = buildHL7ACK(msg.ControlID(), "AR")
			metrics.IncNAK()
		}
		if err := mllp.WriteMessage(h.Conn, ack); err != nil {
			return
		}
		if fatal {
			return
		}
	}
}

// buildHL7ACK renders a minimal MSA segment; a full MSH header is omitted
// because the core's analyzers only inspect MSA-1/MSA-2 per spec §4.2.
func buildHL7ACK(controlID, code string) []byte {
	return []byte(fmt.Sprintf("MSA|%s|%s\r", code, controlID))
}

// persistMessage runs the Field Mapper and, on success, commits the
// resulting Record to the store, publishing the matching events. It reports
// whether the Message should be acknowledged positively, and whether
// persistence failed so persistently that the connection should be closed
// (spec §7: up to 3 attempts, 200 ms apart, then close and let the
// analyzer retransmit on reconnect).
func (h *Handler) persistMessage(ctx context.Context, msg *record.Message) (ack bool, fatal bool) {
	domRec, warnings, err := fieldmap.Map(msg, h.FieldMap)
	if err != nil {
		metrics.IncInvalidRecord()
		h.Events.Warn("invalid_record", err.Error())
		h.Logger.Warn("invalid_record", "port", h.Port, "error", err)
		return false, false
	}
	for _, w := range warnings {
		metrics.IncMappingWarning()
		h.Events.Warn("mapping_warning", w.String())
	}

	saveErr := h.saveWithRetry(ctx, domRec)
	if saveErr == nil {
		metrics.IncDecoded(string(msg.Protocol))
		metrics.AddResults(len(domRec.Results))
		h.Events.Ingested(h.Port, fmt.Sprintf("%d result(s) for sample %q", len(domRec.Results), domRec.Order.SampleID))
		return true, false
	}

	metrics.IncError(errs.MetricLabel(fmt.Errorf("%w: %v", errs.ErrPersistence, saveErr)))
	h.Events.Err("persistence_error", saveErr.Error())
	h.Logger.Error("persist_failed", "port", h.Port, "attempts", persistRetries, "error", saveErr)
	return false, true
}

// saveWithRetry attempts SaveRecord up to persistRetries times, sleeping
// persistBackoff between attempts, per spec §7. A cancelled context aborts
// the remaining attempts immediately.
func (h *Handler) saveWithRetry(ctx context.Context, rec domain.Record) error {
	var err error
	for attempt := 1; attempt <= persistRetries; attempt++ {
		if err = h.Store.SaveRecord(ctx, rec); err == nil {
			return nil
		}
		h.Logger.Warn("persist_retry", "port", h.Port, "attempt", attempt, "error", err)
		if attempt == persistRetries {
			return err
		}
		select {
		case <-time.After(persistBackoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (h *Handler) logWarn(kind string, err error) {
	h.Logger.Warn(kind, "port", h.Port, "error", err)
}

func isClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}
