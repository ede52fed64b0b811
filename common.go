package surfrpc

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

const (
	maxMessage = 1024 * 1024 // 1MB max message size.
)

// uConn is the slice of net.Conn the channel needs; the
// registry owns one per attached peer, and tests swap in
// in-memory fakes.
type uConn interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// =========================
//
// frame structure, one logical message per frame:
//
// 1. lenBody: first 8 bytes: *body_length*, big endian uint64.
//
// 2. body: next body_length bytes: the envelope JSON.
//
// =========================

// recvFrame reads one framed message from conn.
// nil or 0 timeout means no timeout.
func recvFrame(conn uConn, timeout *time.Duration) (body []byte, err error) {
	lenBodyBytes := make([]byte, 8)
	if err := readFull(conn, lenBodyBytes, timeout); err != nil {
		return nil, err
	}
	bodyLen := binary.BigEndian.Uint64(lenBodyBytes)
	if bodyLen > maxMessage {
		// probably an encrypted sender against a plaintext reader.
		return nil, fmt.Errorf("%w: frame of %v bytes is over %v; "+
			"mismatched keys on the two ends?", ErrMsgTooBig, bodyLen, maxMessage)
	}

	body = make([]byte, bodyLen)
	if err := readFull(conn, body, timeout); err != nil {
		return nil, err
	}
	return body, nil
}

// sendFrame writes one framed message to conn.
// nil or 0 timeout means no timeout.
func sendFrame(conn uConn, body []byte, timeout *time.Duration) error {
	if len(body) > maxMessage {
		return fmt.Errorf("%w: refusing to send %v byte frame", ErrMsgTooBig, len(body))
	}
	lenBodyBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(lenBodyBytes, uint64(len(body)))
	if err := writeFull(conn, lenBodyBytes, timeout); err != nil {
		return err
	}
	return writeFull(conn, body, timeout)
}

// readFull reads exactly len(buf) bytes from conn
func readFull(conn uConn, buf []byte, timeout *time.Duration) error {
	if timeout != nil && *timeout > 0 {
		conn.SetReadDeadline(time.Now().Add(*timeout))
	}
	need := len(buf)
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if total == need {
			// probably just EOF
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// writeFull writes all bytes in buf to conn
func writeFull(conn uConn, buf []byte, timeout *time.Duration) error {
	if timeout != nil && *timeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(*timeout))
	}
	need := len(buf)
	total := 0
	for total < len(buf) {
		n, err := conn.Write(buf[total:])
		total += n
		if total == need {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}
