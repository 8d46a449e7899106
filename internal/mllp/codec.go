// Package mllp implements the Minimum Lower Layer Protocol envelope used to
// carry HL7 v2.x messages over TCP: VT <message> FS CR. See spec §4.2.
package mllp

import (
	"bufio"
	"bytes"
	"errors"
	"io"

	"github.com/kstaniek/labgw/internal/metrics"
)

const (
	VT = 0x0B
	FS = 0x1C
	CR = 0x0D
)

// ErrTruncated is returned when the stream ends mid-envelope.
var ErrTruncated = errors.New("mllp: truncated envelope")

// ReadMessage scans r for the next complete VT...FS CR envelope, discarding
// any bytes found outside an envelope. It returns the raw message bytes,
// not including the envelope markers.
func ReadMessage(r *bufio.Reader) ([]byte, error) {
	// Discard bytes until VT. The skipped bytes are neither counted nor
	// reported to the caller, so no Warning event is emitted for them.
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == VT {
			break
		}
	}

	var msg bytes.Buffer
	for {
		b, err := r.ReadByte()
		if err != nil {
			if err == io.EOF {
				metrics.IncMalformed()
				return nil, ErrTruncated
			}
			return nil, err
		}
		if b == FS {
			// Trailing CR is part of the envelope, not the message.
			if next, err := r.Peek(1); err == nil && len(next) == 1 && next[0] == CR {
				_, _ = r.Discard(1)
			}
			return msg.Bytes(), nil
		}
		msg.WriteByte(b)
	}
}

// WriteMessage wraps body in a VT...FS CR envelope and writes it to w.
func WriteMessage(w io.Writer, body []byte) error {
	buf := make([]byte, 0, len(body)+3)
	buf = append(buf, VT)
	buf = append(buf, body...)
	buf = append(buf, FS, CR)
	_, err := w.Write(buf)
	return err
}

// SplitSegments splits an HL7 message body into CR-delimited segments,
// dropping empty trailing segments.
func SplitSegments(body []byte) [][]byte {
	parts := bytes.Split(body, []byte{CR})
	out := make([][]byte, 0, len(parts))
	for _, p := range parts {
		p = bytes.TrimRight(p, "\r\n")
		if len(p) == 0 {
			continue
		}
		out = append(out, p)
	}
	return out
}
