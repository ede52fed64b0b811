package surfrpc

import (
	"context"
	"fmt"

	gjson "github.com/goccy/go-json"
)

// HandlerCtx tells a procedure handler who is asking.
type HandlerCtx struct {
	PeerID PeerID
}

// HandlerFunc is a registered procedure. Return a result
// (anything the json codec can marshal, or a RawMessage
// to pass bytes through untouched), or an error whose
// message travels back to the caller. Handlers for
// different requests run concurrently; responses
// correlate purely by id, never by arrival order.
type HandlerFunc func(ctx context.Context, hctx *HandlerCtx, params gjson.RawMessage) (result any, err error)

// ProcedureRegistry maps operation name to handler.
// Both a Host and a Peer own one: either side can serve
// calls initiated by the other.
type ProcedureRegistry struct {
	handlers *Mutexmap[string, HandlerFunc]
}

func NewProcedureRegistry() *ProcedureRegistry {
	return &ProcedureRegistry{
		handlers: NewMutexmap[string, HandlerFunc](),
	}
}

// Register binds name to fn. Registering the same name
// again replaces the prior handler; there is no
// versioning.
func (pr *ProcedureRegistry) Register(name string, fn HandlerFunc) {
	pr.handlers.Set(name, fn)
}

// Unregister removes name; unknown names are a no-op.
func (pr *ProcedureRegistry) Unregister(name string) {
	pr.handlers.Del(name)
}

// Dispatch runs the handler for req and always produces
// exactly one Response packet carrying req's id. A
// missing method, a handler error, and a handler panic
// all become a Response-with-error; nothing a handler
// does can escape Dispatch and take down the connection
// loop.
func (pr *ProcedureRegistry) Dispatch(ctx context.Context, req *Packet, from PeerID) (resp *Packet) {
	resp = &Packet{
		Typ: PacketResponse,
		ID:  req.ID,
	}
	fn, ok := pr.handlers.Get(req.Method)
	if !ok {
		resp.Error = fmt.Sprintf("Unknown procedure: %v", req.Method)
		return
	}

	result, err := invokeSafely(ctx, fn, &HandlerCtx{PeerID: from}, req.Params)
	if err != nil {
		resp.Error = err.Error()
		return
	}
	raw, err := gjson.Marshal(result)
	if err != nil {
		resp.Error = fmt.Sprintf("could not marshal result of '%v': %v", req.Method, err)
		return
	}
	resp.Result = raw
	return
}

// invokeSafely converts a handler panic into an error.
func invokeSafely(ctx context.Context, fn HandlerFunc, hctx *HandlerCtx, params gjson.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			pp("handler panic on peer '%v': %v\n%v", hctx.PeerID, r, stack())
			err = fmt.Errorf("%v", r)
		}
	}()
	return fn(ctx, hctx, params)
}
