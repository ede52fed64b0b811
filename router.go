package surfrpc

import (
	"sync"

	gjson "github.com/goccy/go-json"
)

// Wildcard subscribers hear every message regardless of
// name.
const Wildcard = "*"

// MsgHandlerFunc receives one fire-and-forget message.
// from is the attached peer that published it, or empty
// on the peer side (messages there only come from the
// host).
type MsgHandlerFunc func(name string, payload gjson.RawMessage, from PeerID)

// MessageRouter fans incoming named messages out to
// subscribers, independently on both sides of the
// channel. Owned by a session object, never a package
// singleton.
type MessageRouter struct {
	mut    sync.Mutex
	subs   map[string]map[int64]MsgHandlerFunc
	nextID int64
}

func NewMessageRouter() *MessageRouter {
	return &MessageRouter{
		subs: make(map[string]map[int64]MsgHandlerFunc),
	}
}

// Subscribe adds fn to the set for name (or Wildcard) and
// returns the capability that removes exactly that
// subscription. Calling the returned func twice is a
// no-op the second time. The name's entry is pruned when
// its set empties, keeping memory proportional to active
// interest.
func (mr *MessageRouter) Subscribe(name string, fn MsgHandlerFunc) (unsub func()) {
	mr.mut.Lock()
	defer mr.mut.Unlock()
	mr.nextID++
	id := mr.nextID
	set, ok := mr.subs[name]
	if !ok {
		set = make(map[int64]MsgHandlerFunc)
		mr.subs[name] = set
	}
	set[id] = fn

	return func() {
		mr.mut.Lock()
		defer mr.mut.Unlock()
		set, ok := mr.subs[name]
		if !ok {
			return
		}
		delete(set, id)
		if len(set) == 0 {
			delete(mr.subs, name)
		}
	}
}

// SubscriberCount reports active subscriptions for name;
// tests use it to verify pruning.
func (mr *MessageRouter) SubscriberCount(name string) int {
	mr.mut.Lock()
	defer mr.mut.Unlock()
	return len(mr.subs[name])
}

// publishIncoming invokes every handler subscribed to
// msg.Name, then every Wildcard handler, independently.
// A panicking handler is caught and logged; it cannot
// stop the other subscribers from hearing the message.
func (mr *MessageRouter) publishIncoming(msg *Packet, from PeerID) {
	mr.mut.Lock()
	var fns []MsgHandlerFunc
	for _, fn := range mr.subs[msg.Name] {
		fns = append(fns, fn)
	}
	if msg.Name != Wildcard {
		for _, fn := range mr.subs[Wildcard] {
			fns = append(fns, fn)
		}
	}
	mr.mut.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					alwaysPrintf("message subscriber for '%v' panicked: %v", msg.Name, r)
				}
			}()
			fn(msg.Name, msg.Payload, from)
		}()
	}
}
