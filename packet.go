package surfrpc

import (
	"fmt"
	"sync/atomic"
	"time"

	cryrand "crypto/rand"

	cristalbase64 "github.com/cristalhq/base64"
	gjson "github.com/goccy/go-json"
)

// The three logical packet shapes exchanged after
// decryption. One struct with a type discriminator, the
// same way our headers carry a CallType elsewhere; the
// unused fields stay empty on the wire via omitempty.
const (
	PacketRequest  = "request"
	PacketResponse = "response"
	PacketMessage  = "message"
)

// Packet is the plaintext payload inside an Envelope.
//
// Request:  {id, type:"request", method, params}
// Response: {id, type:"response", result? xor error?}
// Message:  {type:"message", name, payload}
//
// The core never inspects Params/Result/Payload beyond
// routing; call sites supply and expect concrete types.
type Packet struct {
	Typ    string           `json:"type"`
	ID     string           `json:"id,omitempty"`
	Method string           `json:"method,omitempty"`
	Params gjson.RawMessage `json:"params,omitempty"`

	Result gjson.RawMessage `json:"result,omitempty"`
	Error  string           `json:"error,omitempty"`

	Name    string           `json:"name,omitempty"`
	Payload gjson.RawMessage `json:"payload,omitempty"`
}

func (pk *Packet) String() string {
	switch pk.Typ {
	case PacketRequest:
		return fmt.Sprintf("Request{id:'%v', method:'%v', %v param bytes}",
			pk.ID, pk.Method, len(pk.Params))
	case PacketResponse:
		if pk.Error != "" {
			return fmt.Sprintf("Response{id:'%v', error:'%v'}", pk.ID, pk.Error)
		}
		return fmt.Sprintf("Response{id:'%v', %v result bytes}", pk.ID, len(pk.Result))
	case PacketMessage:
		return fmt.Sprintf("Message{name:'%v', %v payload bytes}", pk.Name, len(pk.Payload))
	}
	return fmt.Sprintf("Packet{type:'%v'??}", pk.Typ)
}

// encodePacket round-trips exactly through decodePacket.
func encodePacket(pk *Packet) (payload []byte, err error) {
	return gjson.Marshal(pk)
}

// decodePacket parses payload and validates the shape.
// Anything that does not match one of the three shapes
// fails with ErrProtocol; the receiver logs and drops it,
// never crashes.
func decodePacket(payload []byte) (pk *Packet, err error) {
	pk = &Packet{}
	if err = gjson.Unmarshal(payload, pk); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	switch pk.Typ {
	case PacketRequest:
		if pk.ID == "" || pk.Method == "" {
			return nil, fmt.Errorf("%w: request missing id or method", ErrProtocol)
		}
	case PacketResponse:
		if pk.ID == "" {
			return nil, fmt.Errorf("%w: response missing id", ErrProtocol)
		}
		// exactly one of (result, error) present.
		if (pk.Error == "") == (pk.Result == nil) {
			return nil, fmt.Errorf("%w: response needs result xor error", ErrProtocol)
		}
	case PacketMessage:
		if pk.Name == "" {
			return nil, fmt.Errorf("%w: message missing name", ErrProtocol)
		}
	default:
		return nil, fmt.Errorf("%w: unknown packet type '%v'", ErrProtocol, pk.Typ)
	}
	return pk, nil
}

var lastSerialPrivate int64

func issueSerial() (cur int64) {
	cur = atomic.AddInt64(&lastSerialPrivate, 1)
	return
}

// coarse once-per-process stamp; combined with the serial
// it keeps call ids from ever repeating in a process run.
var processStamp = time.Now().UnixNano()

func cryRandBytesBase64(numBytes int) string {
	by := make([]byte, numBytes)
	_, err := cryrand.Read(by)
	panicOn(err)
	return cristalbase64.URLEncoding.EncodeToString(by)
}

// NewCallID issues a request id unique for this process
// lifetime. The atomic serial never wraps in practice
// (2^63 issues), and the random suffix keeps ids from
// different processes from colliding on a shared channel.
func NewCallID() string {
	return fmt.Sprintf("%v-%v-%v", issueSerial(), processStamp, cryRandBytesBase64(9))
}

// toRaw adapts caller-supplied params/payload values to
// raw JSON. []byte and RawMessage pass through untouched.
func toRaw(v any) (raw gjson.RawMessage, err error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case gjson.RawMessage:
		return x, nil
	case []byte:
		return gjson.RawMessage(x), nil
	}
	return gjson.Marshal(v)
}
