package surfrpc

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/glycerine/idem"
)

// PeerID names a connected counterpart. The external
// peer-registry collaborator decides what ids mean; we
// only correlate them with keys and sockets.
type PeerID string

// PeerConn is one live attached connection. The registry
// owns the conn handle for the connection's lifetime.
type PeerConn struct {
	PeerID     PeerID
	AttachedAt time.Time

	conn  uConn
	codec *envelopeCodec

	// Closed fires once no matter how many paths try to
	// tear the connection down (read loop error, Detach,
	// Host shutdown).
	Closed *idem.IdemCloseChan

	live atomic.Bool

	// one frame on the wire at a time.
	writeMut sync.Mutex
}

// KeyFingerprint identifies the connection's key in log
// lines without exposing key material.
func (pc *PeerConn) KeyFingerprint() string {
	return pc.codec.keyFP
}

func (pc *PeerConn) Live() bool {
	return pc.live.Load()
}

// closeConn is idempotent.
func (pc *PeerConn) closeConn() {
	if pc.live.CompareAndSwap(true, false) {
		pc.conn.Close()
	}
	pc.Closed.Close()
}

// sendPacket encodes, encrypts, frames and writes pk.
func (pc *PeerConn) sendPacket(pk *Packet, timeout *time.Duration) error {
	plain, err := encodePacket(pk)
	if err != nil {
		return err
	}
	env, err := pc.codec.encrypt(plain)
	if err != nil {
		return err
	}
	body, err := encodeEnvelope(env)
	if err != nil {
		return err
	}
	pc.writeMut.Lock()
	defer pc.writeMut.Unlock()
	return sendFrame(pc.conn, body, timeout)
}

// PeerRegistry tracks live connections by peer id. It is
// owned by a Host (or a test); never a package singleton,
// so independent sessions in one process cannot collide.
type PeerRegistry struct {
	conns *Mutexmap[PeerID, *PeerConn]
}

func NewPeerRegistry() *PeerRegistry {
	return &PeerRegistry{
		conns: NewMutexmap[PeerID, *PeerConn](),
	}
}

// Attach registers a new live connection under peerID.
// Last attach wins: a reconnecting peer replaces (and
// closes) its stale predecessor.
func (r *PeerRegistry) Attach(peerID PeerID, conn uConn, key []byte, cipherChoice, compressionAlgo string) (pc *PeerConn, err error) {
	codec, err := newEnvelopeCodec(key, cipherChoice, compressionAlgo)
	if err != nil {
		return nil, err
	}
	pc = &PeerConn{
		PeerID:     peerID,
		AttachedAt: time.Now(),
		conn:       conn,
		codec:      codec,
		Closed:     idem.NewIdemCloseChan(),
	}
	pc.live.Store(true)

	var prior *PeerConn
	r.conns.Update(func(m map[PeerID]*PeerConn) {
		prior = m[peerID]
		m[peerID] = pc
	})
	if prior != nil {
		pp("Attach: replacing prior conn for peer '%v' (reconnect)", peerID)
		prior.closeConn()
	}
	return pc, nil
}

// Detach removes peerID and closes its conn. Subsequent
// sends and lookups for the id fail softly; Detach of an
// unknown id is a no-op returning false.
func (r *PeerRegistry) Detach(peerID PeerID) (found bool) {
	pc, _, ok := r.conns.GetValNDel(peerID)
	if !ok {
		return false
	}
	pc.closeConn()
	return true
}

// detachConn removes peerID only if it still maps to pc,
// so a reconnect that already replaced the entry is not
// clobbered by the old read loop's teardown.
func (r *PeerRegistry) detachConn(pc *PeerConn) (found bool) {
	r.conns.Update(func(m map[PeerID]*PeerConn) {
		cur, ok := m[pc.PeerID]
		if ok && cur == pc {
			delete(m, pc.PeerID)
			found = true
		}
	})
	pc.closeConn()
	return
}

func (r *PeerRegistry) Lookup(peerID PeerID) (pc *PeerConn, ok bool) {
	return r.conns.Get(peerID)
}

// All snapshots the live connections for broadcast.
// Order is unspecified.
func (r *PeerRegistry) All() (pcs []*PeerConn) {
	return r.conns.GetValSlice()
}

func (r *PeerRegistry) Len() int {
	return r.conns.Len()
}
