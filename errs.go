package surfrpc

import (
	"fmt"
)

var ErrShutdown = fmt.Errorf("shutting down")

// ErrDecryption covers every envelope failure: a tag that
// does not verify, a wrong key, or a malformed field. The
// caller learns nothing more specific, to avoid oracle leaks.
var ErrDecryption = fmt.Errorf("envelope decryption failed")

// ErrProtocol means the decrypted plaintext did not parse
// as one of the three packet shapes.
var ErrProtocol = fmt.Errorf("unrecognized packet")

// ErrUnknownPeer: send/broadcast targeted a detached or
// never-attached peer id.
var ErrUnknownPeer = fmt.Errorf("unknown peer id")

// ErrNoAvailablePort: the bootstrap exhausted its port
// scan range. Fatal; there is no fallback transport.
var ErrNoAvailablePort = fmt.Errorf("no available port in range")

// ErrAlreadyStarted: a Host only boots one listener.
var ErrAlreadyStarted = fmt.Errorf("host already started")

// ErrConnectionLost rejects pending calls whose owning
// connection detached before a response arrived.
var ErrConnectionLost = fmt.Errorf("connection lost")

var ErrBadKey = fmt.Errorf("bad symmetric key: want 16 or 32 bytes")

var ErrMsgTooBig = fmt.Errorf("message exceeds max message size")

// TimeoutError settles a pending call whose deadline
// fired before any response arrived.
type TimeoutError struct {
	Method string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("call timeout on method '%v'", e.Method)
}

// RemoteError carries the error string from a
// Response{error: ...} back to the local caller.
type RemoteError struct {
	Msg string
}

func (e *RemoteError) Error() string {
	return e.Msg
}
