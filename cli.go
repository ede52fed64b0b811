package surfrpc

// cli.go: the peer (UI-surface) side of the channel.

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/glycerine/idem"
	gjson "github.com/goccy/go-json"
)

// Peer is an attached counterpart of a Host. It calls
// host procedures, serves host-initiated calls with its
// own ProcedureRegistry, and publishes/subscribes
// fire-and-forget messages. The symmetric key comes from
// the external peer registry; we only use it.
type Peer struct {
	cfg *Config
	me  PeerID

	codec *envelopeCodec
	conn  net.Conn

	Procs  *ProcedureRegistry
	Router *MessageRouter

	corr *RequestCorrelator

	halt *idem.Halter

	// if connecting succeeds, a nil will be sent; else the error.
	Connected chan error

	err error // detect inability to connect.

	writeMut sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

// NewPeer dials cfg.HostAddr, announces peerID, and
// starts the read loop. The host must already hold the
// same key for peerID or it will hang up on us.
func NewPeer(peerID PeerID, key []byte, config *Config) (p *Peer, err error) {
	var cfg *Config
	if config != nil {
		clone := *config
		cfg = &clone
	} else {
		return nil, fmt.Errorf("missing config.HostAddr to connect to")
	}
	codec, err := newEnvelopeCodec(key, cfg.Cipher, cfg.CompressionAlgo)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	p = &Peer{
		cfg:       cfg,
		me:        peerID,
		codec:     codec,
		Procs:     NewProcedureRegistry(),
		Router:    NewMessageRouter(),
		corr:      NewRequestCorrelator(),
		halt:      idem.NewHalter(),
		Connected: make(chan error, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
	go p.runPeerMain()

	// wait for connection (or not).
	err = <-p.Connected
	if err != nil {
		cancel()
		return nil, err
	}
	return p, nil
}

func (p *Peer) Err() error {
	return p.err
}

func (p *Peer) LocalAddr() string {
	if p.conn == nil {
		return ""
	}
	return p.conn.LocalAddr().String()
}

func (p *Peer) runPeerMain() {
	defer p.halt.Done.Close()

	d := &net.Dialer{Timeout: p.cfg.ConnectTimeout}
	conn, err := d.Dial("tcp", p.cfg.HostAddr)
	if err != nil {
		p.err = err
		p.Connected <- err
		return
	}
	p.conn = conn

	ann, err := gjson.Marshal(&announce{Surfrpc: announceVersion, PeerID: p.me})
	panicOn(err)
	var wtimeout *time.Duration
	if p.cfg.WriteTimeout > 0 {
		wtimeout = &p.cfg.WriteTimeout
	}
	p.writeMut.Lock()
	err = sendFrame(conn, ann, wtimeout)
	p.writeMut.Unlock()
	if err != nil {
		p.err = err
		p.Connected <- err
		conn.Close()
		return
	}
	p.Connected <- nil

	p.readLoop(conn)

	// socket is gone; nothing in flight can settle now.
	p.corr.failAll(ErrConnectionLost)
}

func (p *Peer) readLoop(conn net.Conn) {
	defer conn.Close()
	for {
		select {
		case <-p.halt.ReqStop.Chan:
			return
		default:
		}
		body, err := recvFrame(conn, nil)
		if err != nil {
			select {
			case <-p.halt.ReqStop.Chan:
			default:
				pp("peer '%v' read loop ends: %v", p.me, err)
			}
			return
		}
		p.handleFrame(body)
	}
}

// handleFrame mirrors the host side: per-message faults
// are contained here, the frame dropped, the connection
// kept.
func (p *Peer) handleFrame(body []byte) {
	env, err := decodeEnvelope(body)
	if err != nil {
		alwaysPrintf("peer '%v': %v; frame dropped", p.me, err)
		return
	}
	plain, err := p.codec.decrypt(env)
	if err != nil {
		alwaysPrintf("peer '%v': %v; frame dropped", p.me, err)
		return
	}
	pk, err := decodePacket(plain)
	if err != nil {
		alwaysPrintf("peer '%v': %v; packet dropped", p.me, err)
		return
	}
	switch pk.Typ {
	case PacketRequest:
		// host-initiated call; from is empty, the host
		// needs no peer id.
		go func() {
			resp := p.Procs.Dispatch(p.ctx, pk, "")
			if err := p.sendPacket(resp); err != nil {
				pp("peer '%v' could not respond to '%v': %v", p.me, pk.Method, err)
			}
		}()
	case PacketResponse:
		p.corr.resolve(pk)
	case PacketMessage:
		p.Router.publishIncoming(pk, "")
	}
}

func (p *Peer) sendPacket(pk *Packet) error {
	plain, err := encodePacket(pk)
	if err != nil {
		return err
	}
	env, err := p.codec.encrypt(plain)
	if err != nil {
		return err
	}
	body, err := encodeEnvelope(env)
	if err != nil {
		return err
	}
	var wtimeout *time.Duration
	if p.cfg.WriteTimeout > 0 {
		wtimeout = &p.cfg.WriteTimeout
	}
	p.writeMut.Lock()
	defer p.writeMut.Unlock()
	return sendFrame(p.conn, body, wtimeout)
}

// Call invokes a host procedure. timeout 0 means the
// configured default (60s out of the box). Settles
// exactly once: result, RemoteError, or TimeoutError.
func (p *Peer) Call(method string, params any, timeout time.Duration) (result gjson.RawMessage, err error) {
	raw, err := toRaw(params)
	if err != nil {
		return nil, err
	}
	pend := p.corr.register(method, p.me, p.cfg.callTimeout(timeout))
	req := &Packet{
		Typ:    PacketRequest,
		ID:     pend.id,
		Method: method,
		Params: raw,
	}
	if err := p.sendPacket(req); err != nil {
		p.corr.fail(pend.id, fmt.Errorf("send of request '%v' failed: %w", method, err))
	}
	select {
	case res := <-pend.done:
		return res.result, res.err
	case <-p.halt.ReqStop.Chan:
		return nil, ErrShutdown
	}
}

// CallInto is Call plus unmarshal of the result into out.
func (p *Peer) CallInto(method string, params any, out any, timeout time.Duration) error {
	raw, err := p.Call(method, params, timeout)
	if err != nil {
		return err
	}
	return gjson.Unmarshal(raw, out)
}

// Publish sends one fire-and-forget named message to the
// host.
func (p *Peer) Publish(name string, payload any) error {
	raw, err := toRaw(payload)
	if err != nil {
		return err
	}
	return p.sendPacket(&Packet{
		Typ:     PacketMessage,
		Name:    name,
		Payload: raw,
	})
}

// Subscribe adds a subscriber for host-published
// messages; see MessageRouter.Subscribe.
func (p *Peer) Subscribe(name string, fn MsgHandlerFunc) (unsub func()) {
	return p.Router.Subscribe(name, fn)
}

// Register binds a procedure the host can Call on us.
func (p *Peer) Register(name string, fn HandlerFunc) {
	p.Procs.Register(name, fn)
}

func (p *Peer) Close() error {
	p.halt.ReqStop.Close()
	p.cancel()
	if p.conn != nil {
		p.conn.Close()
	}
	p.corr.failAll(ErrShutdown)
	<-p.halt.Done.Chan
	return nil
}
