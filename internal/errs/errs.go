// Package errs defines the error Kinds shared across the ingestion pipeline
// (spec §7) plus a small metrics-label mapping, mirroring the teacher's
// internal/server/errors.go sentinel + wrap + errors.Is style.
package errs

import "errors"

// Kind sentinels. Wrap with fmt.Errorf("%w: ...", Kind) and classify with
// errors.Is.
var (
	ErrFraming          = errors.New("framing_error")
	ErrProtocol         = errors.New("protocol_error")
	ErrDecode           = errors.New("decode_error")
	ErrMappingWarning   = errors.New("mapping_warning")
	ErrInvalidRecord    = errors.New("invalid_record")
	ErrPersistence      = errors.New("persistence_error")
	ErrSync             = errors.New("sync_error")
	ErrFatalConnection  = errors.New("fatal_connection")
	ErrListen           = errors.New("listen")
	ErrAccept           = errors.New("accept")
	ErrHandshake        = errors.New("handshake")
	ErrConnRead         = errors.New("conn_read")
	ErrConnWrite        = errors.New("conn_write")
	ErrContextCancelled = errors.New("context_cancelled")
)

// MetricLabel maps a wrapped sentinel to a bounded-cardinality metrics label.
func MetricLabel(err error) string {
	switch {
	case errors.Is(err, ErrFraming):
		return "framing"
	case errors.Is(err, ErrProtocol):
		return "protocol"
	case errors.Is(err, ErrDecode):
		return "decode"
	case errors.Is(err, ErrMappingWarning):
		return "mapping_warning"
	case errors.Is(err, ErrInvalidRecord):
		return "invalid_record"
	case errors.Is(err, ErrPersistence):
		return "persistence"
	case errors.Is(err, ErrSync):
		return "sync"
	case errors.Is(err, ErrFatalConnection):
		return "fatal_connection"
	case errors.Is(err, ErrHandshake):
		return "handshake"
	case errors.Is(err, ErrConnRead):
		return "conn_read"
	case errors.Is(err, ErrConnWrite):
		return "conn_write"
	case errors.Is(err, ErrAccept), errors.Is(err, ErrListen):
		return "tcp_accept"
	case errors.Is(err, ErrContextCancelled):
		return "context"
	default:
		return "other"
	}
}
