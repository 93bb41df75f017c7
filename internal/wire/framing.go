// Package wire implements the stream framing shared by every channel in the
// cluster: a JSON document terminated by a literal byte sequence.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"strconv"
	"time"
)

const (
	// Terminator is the primary end-of-message sequence.
	Terminator = "END_OF_MESSAGE"
	// AltTerminator is also accepted on receive.
	AltTerminator = "ALT_TERMINATION"
)

// ErrNoTerminator reports a connection that closed mid-message.
var ErrNoTerminator = errors.New("connection closed before message terminator")

// DefaultRecvTimeout bounds how long a receiver waits for the rest of a
// message once the first bytes have arrived.
const DefaultRecvTimeout = 10 * time.Second

// WriteMessage marshals v and writes it to w followed by the terminator.
func WriteMessage(w io.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if _, err := w.Write(append(data, []byte(Terminator)...)); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// ReadMessage reads from conn until the buffer ends with either terminator,
// strips the terminator and returns the raw JSON payload.
//
// The first read blocks indefinitely (a connected client may sit idle between
// commands); once bytes start arriving, each subsequent read is bounded by
// recvTimeout. A clean close before any bytes arrive returns io.EOF; a close
// mid-message returns ErrNoTerminator.
func ReadMessage(conn net.Conn, recvTimeout time.Duration) ([]byte, error) {
	var buf bytes.Buffer
	chunk := make([]byte, 1024)

	_ = conn.SetReadDeadline(time.Time{})
	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			if trimmed, ok := trimTerminator(buf.Bytes()); ok {
				_ = conn.SetReadDeadline(time.Time{})
				return trimmed, nil
			}
			// partial message: the rest has to show up within the timeout
			_ = conn.SetReadDeadline(time.Now().Add(recvTimeout))
		}
		if err != nil {
			if err == io.EOF && buf.Len() == 0 {
				return nil, io.EOF
			}
			if err == io.EOF {
				return nil, ErrNoTerminator
			}
			return nil, fmt.Errorf("failed to read message: %w", err)
		}
	}
}

// trimTerminator strips a trailing terminator, accepting either sequence.
func trimTerminator(data []byte) ([]byte, bool) {
	for _, ending := range []string{Terminator, AltTerminator} {
		if bytes.HasSuffix(data, []byte(ending)) {
			return data[:len(data)-len(ending)], true
		}
	}
	return nil, false
}

// ClientKey normalizes a decoded client id into a canonical map key.
// Integer-valued JSON numbers format without a decimal point so that ids
// survive a log or checkpoint round trip unchanged.
func ClientKey(v interface{}) (string, bool) {
	switch id := v.(type) {
	case string:
		return id, id != ""
	case json.Number:
		return id.String(), true
	case float64:
		if id == math.Trunc(id) && !math.IsInf(id, 0) {
			return strconv.FormatInt(int64(id), 10), true
		}
		return strconv.FormatFloat(id, 'f', -1, 64), true
	case int:
		return strconv.Itoa(id), true
	case int64:
		return strconv.FormatInt(id, 10), true
	default:
		return "", false
	}
}
