package surfrpc

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/glycerine/idem"
	"github.com/glycerine/loquet"
	gjson "github.com/goccy/go-json"
)

// announce is the one plaintext frame a peer sends right
// after dialing, claiming its peer id. The registry
// trusts the claim; vetting that a socket may claim an id
// belongs to the external peer-registry collaborator, not
// to this channel.
type announce struct {
	Surfrpc int    `json:"surfrpc"`
	PeerID  PeerID `json:"peerID"`
}

const announceVersion = 1

// Host is the privileged side of the channel: it owns the
// listening endpoint, the peer registry, the procedure
// registry, and a correlator for host-initiated calls.
// Every registry lives on the Host object, so independent
// Hosts (tests run several) never collide.
type Host struct {
	cfg *Config

	Reg    *PeerRegistry
	Procs  *ProcedureRegistry
	Router *MessageRouter

	corr *RequestCorrelator

	// symmetric keys handed in from the external peer
	// registry before the matching peer dials us. We never
	// generate or exchange keys.
	keys *Mutexmap[PeerID, []byte]

	lis       net.Listener
	boundPort int
	started   atomic.Bool

	// Ready closes once the accept loop is up; the bound
	// port is valid from then on.
	Ready *loquet.Chan[bool]

	halt *idem.Halter

	ctx    context.Context
	cancel context.CancelFunc
}

func NewHost(config *Config) *Host {
	var cfg *Config
	if config != nil {
		clone := *config
		cfg = &clone
	} else {
		cfg = NewConfig()
	}
	if cfg.BindHost == "" {
		cfg.BindHost = "127.0.0.1"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Host{
		cfg:    cfg,
		Reg:    NewPeerRegistry(),
		Procs:  NewProcedureRegistry(),
		Router: NewMessageRouter(),
		corr:   NewRequestCorrelator(),
		keys:   NewMutexmap[PeerID, []byte](),
		Ready:  loquet.NewChan[bool](nil),
		halt:   idem.NewHalter(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// ProvideKey hands in peerID's symmetric key (16 or 32
// bytes) ahead of its connection. Without a key on file
// an arriving claim of peerID is refused.
func (h *Host) ProvideKey(peerID PeerID, key []byte) {
	h.keys.Set(peerID, append([]byte{}, key...))
}

func (h *Host) RemoveKey(peerID PeerID) {
	h.keys.Del(peerID)
}

// Start binds the first free port in the configured scan
// window and begins accepting peers. One bootstrap per
// Host: a second Start returns ErrAlreadyStarted rather
// than silently binding a second listener.
func (h *Host) Start() (port int, err error) {
	if !h.started.CompareAndSwap(false, true) {
		return 0, ErrAlreadyStarted
	}
	lo, hi := h.cfg.portRange()
	lis, port, err := bindFirstFreePort(h.cfg.BindHost, lo, hi)
	if err != nil {
		h.started.Store(false)
		return 0, err
	}
	h.lis = lis
	h.boundPort = port
	pp("host listening on %v:%v", h.cfg.BindHost, port)
	go h.acceptLoop()
	h.Ready.Close()
	return port, nil
}

// GetBoundPort reports the port Start bound, for the
// out-of-band discovery handoff to the peer side.
// Zero before Start succeeds.
func (h *Host) GetBoundPort() int {
	return h.boundPort
}

func (h *Host) acceptLoop() {
	defer h.halt.Done.Close()
	for {
		conn, err := h.lis.Accept()
		if err != nil {
			select {
			case <-h.halt.ReqStop.Chan:
				return
			default:
			}
			alwaysPrintf("host accept error: %v", err)
			return
		}
		go h.serveConn(conn)
	}
}

// serveConn reads the announce, attaches the peer, then
// pumps frames until the socket dies.
func (h *Host) serveConn(conn net.Conn) {
	var announceTimeout *time.Duration
	if h.cfg.ConnectTimeout > 0 {
		announceTimeout = &h.cfg.ConnectTimeout
	}
	body, err := recvFrame(conn, announceTimeout)
	if err != nil {
		pp("dropping conn %v before announce: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	var ann announce
	if err := gjson.Unmarshal(body, &ann); err != nil || ann.Surfrpc != announceVersion || ann.PeerID == "" {
		alwaysPrintf("bad announce from %v; closing", conn.RemoteAddr())
		conn.Close()
		return
	}
	key, ok := h.keys.Get(ann.PeerID)
	if !ok {
		alwaysPrintf("no key on file for claimed peer '%v' from %v; closing",
			ann.PeerID, conn.RemoteAddr())
		conn.Close()
		return
	}
	// deadline only guarded the announce.
	conn.SetReadDeadline(time.Time{})

	pc, err := h.Reg.Attach(ann.PeerID, conn, key, h.cfg.Cipher, h.cfg.CompressionAlgo)
	if err != nil {
		alwaysPrintf("attach of peer '%v' failed: %v", ann.PeerID, err)
		conn.Close()
		return
	}
	pp("peer '%v' attached from %v, key %v", ann.PeerID, conn.RemoteAddr(), pc.KeyFingerprint())

	h.readLoop(pc)

	// synchronous removal: once the socket is gone the
	// registry entry goes with it, and its in-flight calls
	// are rejected rather than left to dangle.
	h.Reg.detachConn(pc)
	h.corr.failAllFor(pc.PeerID, ErrConnectionLost)
	pp("peer '%v' detached", pc.PeerID)
}

func (h *Host) readLoop(pc *PeerConn) {
	for {
		body, err := recvFrame(pc.conn, nil)
		if err != nil {
			select {
			case <-h.halt.ReqStop.Chan:
			default:
				pp("read loop for peer '%v' ends: %v", pc.PeerID, err)
			}
			return
		}
		h.handleFrame(pc, body)
	}
}

// handleFrame contains every per-message fault at this
// boundary: decryption and protocol failures drop the
// frame (silently, to the remote) and keep the
// connection open.
func (h *Host) handleFrame(pc *PeerConn, body []byte) {
	env, err := decodeEnvelope(body)
	if err != nil {
		alwaysPrintf("peer '%v': %v; frame dropped", pc.PeerID, err)
		return
	}
	plain, err := pc.codec.decrypt(env)
	if err != nil {
		alwaysPrintf("peer '%v': %v; frame dropped", pc.PeerID, err)
		return
	}
	pk, err := decodePacket(plain)
	if err != nil {
		alwaysPrintf("peer '%v': %v; packet dropped", pc.PeerID, err)
		return
	}
	switch pk.Typ {
	case PacketRequest:
		// handlers may suspend; each request gets its own
		// goroutine so one slow handler cannot stall the
		// connection's pipeline. Responses correlate by id,
		// not position.
		go func() {
			resp := h.Procs.Dispatch(h.ctx, pk, pc.PeerID)
			if err := h.sendPacket(pc, resp); err != nil {
				pp("could not respond to '%v' for peer '%v': %v",
					pk.Method, pc.PeerID, err)
			}
		}()
	case PacketResponse:
		h.corr.resolve(pk)
	case PacketMessage:
		h.Router.publishIncoming(pk, pc.PeerID)
	}
}

func (h *Host) sendPacket(pc *PeerConn, pk *Packet) error {
	var wtimeout *time.Duration
	if h.cfg.WriteTimeout > 0 {
		wtimeout = &h.cfg.WriteTimeout
	}
	return pc.sendPacket(pk, wtimeout)
}

// Register binds a procedure name on the host's registry.
func (h *Host) Register(name string, fn HandlerFunc) {
	h.Procs.Register(name, fn)
}

// Subscribe adds a message subscriber on the host's
// router; see MessageRouter.Subscribe.
func (h *Host) Subscribe(name string, fn MsgHandlerFunc) (unsub func()) {
	return h.Router.Subscribe(name, fn)
}

// Call invokes a procedure registered on the attached
// peer peerID, waiting up to timeout (0 means the
// configured default) for settlement. Exactly one of
// result, remote error, or timeout comes back.
func (h *Host) Call(peerID PeerID, method string, params any, timeout time.Duration) (result gjson.RawMessage, err error) {
	pc, ok := h.Reg.Lookup(peerID)
	if !ok {
		return nil, fmt.Errorf("%w: '%v'", ErrUnknownPeer, peerID)
	}
	raw, err := toRaw(params)
	if err != nil {
		return nil, err
	}
	pend := h.corr.register(method, peerID, h.cfg.callTimeout(timeout))
	req := &Packet{
		Typ:    PacketRequest,
		ID:     pend.id,
		Method: method,
		Params: raw,
	}
	if err := h.sendPacket(pc, req); err != nil {
		h.corr.fail(pend.id, fmt.Errorf("send of request '%v' failed: %w", method, err))
	}
	select {
	case res := <-pend.done:
		return res.result, res.err
	case <-h.halt.ReqStop.Chan:
		return nil, ErrShutdown
	}
}

// Send publishes one fire-and-forget message to peerID.
// A detached or unknown peer fails softly: logged, false.
func (h *Host) Send(peerID PeerID, name string, payload any) (sent bool) {
	pc, ok := h.Reg.Lookup(peerID)
	if !ok {
		pp("Send('%v') to unknown peer '%v' dropped", name, peerID)
		return false
	}
	return h.sendMessageTo(pc, name, payload)
}

// Broadcast fans one message out to every attached peer,
// encrypting per-target under each peer's own key.
// Returns how many sends succeeded.
func (h *Host) Broadcast(name string, payload any) (n int) {
	for _, pc := range h.Reg.All() {
		if h.sendMessageTo(pc, name, payload) {
			n++
		}
	}
	return
}

func (h *Host) sendMessageTo(pc *PeerConn, name string, payload any) bool {
	raw, err := toRaw(payload)
	if err != nil {
		alwaysPrintf("could not marshal payload of message '%v': %v", name, err)
		return false
	}
	msg := &Packet{
		Typ:     PacketMessage,
		Name:    name,
		Payload: raw,
	}
	if err := h.sendPacket(pc, msg); err != nil {
		pp("message '%v' to peer '%v' failed: %v", name, pc.PeerID, err)
		return false
	}
	return true
}

func (h *Host) Close() error {
	h.halt.ReqStop.Close()
	h.cancel()
	if h.lis != nil {
		h.lis.Close()
	}
	for _, pc := range h.Reg.All() {
		h.Reg.detachConn(pc)
	}
	h.corr.failAll(ErrShutdown)
	return nil
}
