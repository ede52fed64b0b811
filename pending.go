package surfrpc

import (
	"time"

	gjson "github.com/goccy/go-json"
)

// callResult settles a pending call: result xor err.
type callResult struct {
	result gjson.RawMessage
	err    error
}

// pendingCall is the caller-side bookkeeping entry for
// one in-flight request.
type pendingCall struct {
	id     string
	method string

	// owner is the connection the request went out on;
	// teardown of that connection rejects the call early
	// rather than letting it dangle until its deadline.
	owner PeerID

	timer *time.Timer

	// buffered cap 1; whoever removes the entry from the
	// correlator map delivers here exactly once.
	done chan callResult
}

// RequestCorrelator generates request ids, tracks
// in-flight requests with a deadline, and settles each
// exactly once: matching response, timeout, or owning
// connection teardown, whichever wins the race. Either
// party can be a caller, so both Host and Peer own one.
type RequestCorrelator struct {
	pending *Mutexmap[string, *pendingCall]
}

func NewRequestCorrelator() *RequestCorrelator {
	return &RequestCorrelator{
		pending: NewMutexmap[string, *pendingCall](),
	}
}

// register allocates the id and arms the deadline timer.
// The caller must send the Request packet itself and then
// wait on pc.done.
func (rc *RequestCorrelator) register(method string, owner PeerID, timeout time.Duration) (pc *pendingCall) {
	pc = &pendingCall{
		id:     NewCallID(),
		method: method,
		owner:  owner,
		done:   make(chan callResult, 1),
	}
	rc.pending.Set(pc.id, pc)
	pc.timer = time.AfterFunc(timeout, func() {
		// Removal from the map is the settlement point:
		// only one of timer/response/teardown can win it.
		got, _, ok := rc.pending.GetValNDel(pc.id)
		if !ok {
			return // already settled; no-op.
		}
		got.done <- callResult{err: &TimeoutError{Method: got.method}}
	})
	return
}

// resolve settles the entry matching resp.ID. A response
// with an unknown id is silently dropped: the caller
// already gave up, or the id belongs to another session.
func (rc *RequestCorrelator) resolve(resp *Packet) {
	pc, _, ok := rc.pending.GetValNDel(resp.ID)
	if !ok {
		pp("dropping response for unknown call id '%v'", resp.ID)
		return
	}
	pc.timer.Stop()
	if resp.Error != "" {
		pc.done <- callResult{err: &RemoteError{Msg: resp.Error}}
		return
	}
	pc.done <- callResult{result: resp.Result}
}

// fail settles one entry with a local error (e.g. the
// send itself failed); no-op if already settled.
func (rc *RequestCorrelator) fail(id string, err error) {
	pc, _, ok := rc.pending.GetValNDel(id)
	if !ok {
		return
	}
	pc.timer.Stop()
	pc.done <- callResult{err: err}
}

// failAllFor rejects every pending call owned by peerID
// with err; used when that connection detaches so calls
// do not hang until their own deadline.
func (rc *RequestCorrelator) failAllFor(peerID PeerID, err error) {
	var doomed []*pendingCall
	rc.pending.Update(func(m map[string]*pendingCall) {
		for id, pc := range m {
			if pc.owner == peerID {
				delete(m, id)
				doomed = append(doomed, pc)
			}
		}
	})
	for _, pc := range doomed {
		pc.timer.Stop()
		pc.done <- callResult{err: err}
	}
}

// failAll rejects everything; session shutdown.
func (rc *RequestCorrelator) failAll(err error) {
	m := rc.pending.GetMapReset()
	for _, pc := range m {
		pc.timer.Stop()
		pc.done <- callResult{err: err}
	}
}

// Len reports in-flight calls; tests use it to check
// entries really are removed on settlement.
func (rc *RequestCorrelator) Len() int {
	return rc.pending.Len()
}
