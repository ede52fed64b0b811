package surfrpc

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"
	gjson "github.com/goccy/go-json"
)

var testKeyAlpha = mkKey(32, 0x11)
var testKeyBeta = mkKey(32, 0x22)
var testKeyGamma = mkKey(16, 0x33)

func mkKey(n int, fill byte) (key []byte) {
	key = make([]byte, n)
	for i := range key {
		key[i] = fill ^ byte(i)
	}
	return
}

// waitUntil polls cond; tests use it to ride out the
// small async window between a socket event and its
// registry bookkeeping.
func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %v", what)
}

func startTestHost(t *testing.T) (h *Host, addr string) {
	t.Helper()
	h = NewHost(nil)
	port, err := h.Start()
	panicOn(err)
	t.Cleanup(func() { h.Close() })
	return h, fmt.Sprintf("127.0.0.1:%v", port)
}

func dialTestPeer(t *testing.T, h *Host, addr string, id PeerID, key []byte) (p *Peer) {
	t.Helper()
	h.ProvideKey(id, key)
	cfg := NewConfig()
	cfg.HostAddr = addr
	p, err := NewPeer(id, key, cfg)
	panicOn(err)
	t.Cleanup(func() { p.Close() })
	waitUntil(t, fmt.Sprintf("peer '%v' to attach", id), func() bool {
		pc, ok := h.Reg.Lookup(id)
		return ok && pc.Live()
	})
	return p
}

func Test070_round_trip_calls_both_directions(t *testing.T) {

	cv.Convey("a peer calls host procedures and the host calls peer procedures over one encrypted socket", t, func() {

		h, addr := startTestHost(t)

		h.Register("echo", func(ctx context.Context, hctx *HandlerCtx, params gjson.RawMessage) (any, error) {
			return params, nil
		})
		h.Register("whoami", func(ctx context.Context, hctx *HandlerCtx, params gjson.RawMessage) (any, error) {
			return string(hctx.PeerID), nil
		})

		p := dialTestPeer(t, h, addr, "alpha", testKeyAlpha)
		p.Register("peerAdd", func(ctx context.Context, hctx *HandlerCtx, params gjson.RawMessage) (any, error) {
			var in struct{ A, B int }
			if err := gjson.Unmarshal(params, &in); err != nil {
				return nil, err
			}
			return in.A + in.B, nil
		})

		res, err := p.Call("echo", map[string]int{"n": 7}, 0)
		panicOn(err)
		cv.So(string(res), cv.ShouldEqual, `{"n":7}`)

		res, err = p.Call("whoami", nil, 0)
		panicOn(err)
		cv.So(string(res), cv.ShouldEqual, `"alpha"`)

		res, err = h.Call("alpha", "peerAdd", map[string]int{"A": 2, "B": 40}, 0)
		panicOn(err)
		cv.So(string(res), cv.ShouldEqual, "42")

		cv.Convey("CallInto unmarshals for the caller", func() {
			var out map[string]int
			panicOn(p.CallInto("echo", map[string]int{"n": 9}, &out, 0))
			cv.So(out["n"], cv.ShouldEqual, 9)
		})
	})
}

func Test071_messages_both_directions(t *testing.T) {

	cv.Convey("fire-and-forget messages flow peer to host and host to peer", t, func() {

		h, addr := startTestHost(t)

		fromPeer := make(chan string, 1)
		h.Subscribe("greeting", func(name string, payload gjson.RawMessage, from PeerID) {
			fromPeer <- fmt.Sprintf("%v/%v/%v", name, string(payload), from)
		})

		p := dialTestPeer(t, h, addr, "alpha", testKeyAlpha)
		fromHost := make(chan string, 1)
		p.Subscribe("state-changed", func(name string, payload gjson.RawMessage, from PeerID) {
			fromHost <- string(payload)
		})

		panicOn(p.Publish("greeting", "hi"))
		select {
		case got := <-fromPeer:
			cv.So(got, cv.ShouldEqual, `greeting/"hi"/alpha`)
		case <-time.After(5 * time.Second):
			t.Fatal("host never heard the peer's greeting")
		}

		cv.So(h.Send("alpha", "state-changed", map[string]int{"v": 3}), cv.ShouldBeTrue)
		select {
		case got := <-fromHost:
			cv.So(got, cv.ShouldEqual, `{"v":3}`)
		case <-time.After(5 * time.Second):
			t.Fatal("peer never heard the host's message")
		}

		cv.Convey("a message to a detached or unknown id fails softly", func() {
			cv.So(h.Send("nobody", "state-changed", nil), cv.ShouldBeFalse)
		})
	})
}

func Test072_remote_error_and_timeout(t *testing.T) {

	cv.Convey("a handler error comes back as RemoteError; a stuck handler as TimeoutError", t, func() {

		h, addr := startTestHost(t)

		h.Register("boom", func(ctx context.Context, hctx *HandlerCtx, params gjson.RawMessage) (any, error) {
			return nil, fmt.Errorf("bad input")
		})
		release := make(chan bool)
		h.Register("slow", func(ctx context.Context, hctx *HandlerCtx, params gjson.RawMessage) (any, error) {
			<-release
			return "finally", nil
		})
		defer close(release)

		p := dialTestPeer(t, h, addr, "alpha", testKeyAlpha)

		_, err := p.Call("boom", nil, 0)
		var rerr *RemoteError
		cv.So(errors.As(err, &rerr), cv.ShouldBeTrue)
		cv.So(rerr.Msg, cv.ShouldEqual, "bad input")

		t0 := time.Now()
		_, err = p.Call("slow", nil, 50*time.Millisecond)
		var terr *TimeoutError
		cv.So(errors.As(err, &terr), cv.ShouldBeTrue)
		cv.So(terr.Method, cv.ShouldEqual, "slow")
		cv.So(time.Since(t0), cv.ShouldBeLessThan, 5*time.Second)

		cv.Convey("the connection survives both; later calls still work", func() {
			h.Register("ping", func(ctx context.Context, hctx *HandlerCtx, params gjson.RawMessage) (any, error) {
				return "pong", nil
			})
			res, err := p.Call("ping", nil, 0)
			panicOn(err)
			cv.So(string(res), cv.ShouldEqual, `"pong"`)
			cv.So(p.corr.Len(), cv.ShouldEqual, 0)
		})
	})
}

func Test073_concurrent_calls_correlate_by_id(t *testing.T) {

	cv.Convey("out of order responses land on the right callers", t, func() {

		h, addr := startTestHost(t)

		gate := make(chan bool)
		h.Register("gated", func(ctx context.Context, hctx *HandlerCtx, params gjson.RawMessage) (any, error) {
			<-gate
			return gjson.RawMessage(params), nil
		})
		h.Register("instant", func(ctx context.Context, hctx *HandlerCtx, params gjson.RawMessage) (any, error) {
			return gjson.RawMessage(params), nil
		})

		p := dialTestPeer(t, h, addr, "alpha", testKeyAlpha)

		slowDone := make(chan string, 1)
		go func() {
			res, err := p.Call("gated", 1, 0)
			panicOn(err)
			slowDone <- string(res)
		}()

		// the second call overtakes the gated first one.
		res, err := p.Call("instant", 2, 0)
		panicOn(err)
		cv.So(string(res), cv.ShouldEqual, "2")

		close(gate)
		select {
		case got := <-slowDone:
			cv.So(got, cv.ShouldEqual, "1")
		case <-time.After(5 * time.Second):
			t.Fatal("gated call never settled after release")
		}
	})
}

func Test074_broadcast_fans_out_to_live_peers_only(t *testing.T) {

	cv.Convey("Broadcast reaches every attached peer, each under its own key, and skips detached ones", t, func() {

		h, addr := startTestHost(t)

		peers := []struct {
			id  PeerID
			key []byte
		}{
			{"alpha", testKeyAlpha},
			{"beta", testKeyBeta},
			{"gamma", testKeyGamma},
		}
		got := make(chan PeerID, len(peers))
		var ps []*Peer
		for _, tp := range peers {
			p := dialTestPeer(t, h, addr, tp.id, tp.key)
			me := tp.id
			p.Subscribe("tick", func(name string, payload gjson.RawMessage, from PeerID) {
				got <- me
			})
			ps = append(ps, p)
		}

		cv.So(h.Broadcast("tick", nil), cv.ShouldEqual, 3)
		seen := make(map[PeerID]bool)
		for i := 0; i < 3; i++ {
			select {
			case id := <-got:
				seen[id] = true
			case <-time.After(5 * time.Second):
				t.Fatalf("only %v of 3 peers heard the broadcast", i)
			}
		}
		cv.So(len(seen), cv.ShouldEqual, 3)

		ps[2].Close()
		waitUntil(t, "gamma to detach", func() bool { return h.Reg.Len() == 2 })
		cv.So(h.Broadcast("tick", nil), cv.ShouldEqual, 2)
	})
}

func Test075_detach_rejects_in_flight_calls(t *testing.T) {

	cv.Convey("when a peer's socket dies, host calls pending on it settle with ErrConnectionLost, not a 60s hang", t, func() {

		h, addr := startTestHost(t)
		p := dialTestPeer(t, h, addr, "alpha", testKeyAlpha)

		stuck := make(chan bool)
		p.Register("stall", func(ctx context.Context, hctx *HandlerCtx, params gjson.RawMessage) (any, error) {
			<-stuck
			return nil, nil
		})
		defer close(stuck)

		callErr := make(chan error, 1)
		go func() {
			_, err := h.Call("alpha", "stall", nil, time.Minute)
			callErr <- err
		}()
		waitUntil(t, "the stall call to be in flight", func() bool { return h.corr.Len() == 1 })

		p.Close()
		select {
		case err := <-callErr:
			cv.So(errors.Is(err, ErrConnectionLost), cv.ShouldBeTrue)
		case <-time.After(5 * time.Second):
			t.Fatal("in-flight call dangled past its owner's detach")
		}
		cv.So(h.corr.Len(), cv.ShouldEqual, 0)
		waitUntil(t, "registry to empty", func() bool { return h.Reg.Len() == 0 })

		cv.Convey("and a call to the now unknown id fails up front", func() {
			_, err := h.Call("alpha", "stall", nil, 0)
			cv.So(errors.Is(err, ErrUnknownPeer), cv.ShouldBeTrue)
		})
	})
}

func Test076_one_bootstrap_per_host(t *testing.T) {

	cv.Convey("a second Start on the same Host reports ErrAlreadyStarted; a second Host gets its own port", t, func() {

		h1, _ := startTestHost(t)
		_, err := h1.Start()
		cv.So(errors.Is(err, ErrAlreadyStarted), cv.ShouldBeTrue)

		h2, _ := startTestHost(t)
		cv.So(h2.GetBoundPort(), cv.ShouldNotEqual, h1.GetBoundPort())
		cv.So(h1.GetBoundPort() >= PortRangeStart, cv.ShouldBeTrue)
		cv.So(h1.GetBoundPort() <= PortRangeEnd, cv.ShouldBeTrue)

		select {
		case <-h1.Ready.WhenClosed():
		default:
			t.Fatal("Ready should be closed after Start")
		}
	})
}

func Test077_undecryptable_frames_dropped_not_fatal(t *testing.T) {

	cv.Convey("a peer whose key disagrees with the host's copy gets silence, and the good peer is unaffected", t, func() {

		h, addr := startTestHost(t)
		h.Register("echo", func(ctx context.Context, hctx *HandlerCtx, params gjson.RawMessage) (any, error) {
			return params, nil
		})

		good := dialTestPeer(t, h, addr, "alpha", testKeyAlpha)

		// the host holds beta's real key; the impostor dials
		// with a different one. The announce is plaintext so
		// attach succeeds, but every frame after it fails
		// authentication and is dropped.
		h.ProvideKey("beta", testKeyBeta)
		cfg := NewConfig()
		cfg.HostAddr = addr
		impostor, err := NewPeer("beta", mkKey(32, 0x99), cfg)
		panicOn(err)
		defer impostor.Close()
		waitUntil(t, "impostor to attach", func() bool { return h.Reg.Len() == 2 })

		_, err = impostor.Call("echo", "sneaky", 100*time.Millisecond)
		var terr *TimeoutError
		cv.So(errors.As(err, &terr), cv.ShouldBeTrue)

		res, err := good.Call("echo", "legit", 0)
		panicOn(err)
		cv.So(string(res), cv.ShouldEqual, `"legit"`)
	})
}

func Test078_mixed_compression_interop(t *testing.T) {

	cv.Convey("each side honors the compression magic that arrives, whatever its own outbound setting", t, func() {

		h := NewHost(&Config{CompressionAlgo: "zstd"})
		port, err := h.Start()
		panicOn(err)
		defer h.Close()
		h.Register("echo", func(ctx context.Context, hctx *HandlerCtx, params gjson.RawMessage) (any, error) {
			return params, nil
		})

		for _, algo := range []string{"", "s2", "lz4", "zstd"} {
			id := PeerID("peer-" + algo)
			h.ProvideKey(id, testKeyAlpha)
			cfg := NewConfig()
			cfg.HostAddr = fmt.Sprintf("127.0.0.1:%v", port)
			cfg.CompressionAlgo = algo
			p, err := NewPeer(id, testKeyAlpha, cfg)
			panicOn(err)

			big := make(map[string]string)
			for i := 0; i < 50; i++ {
				big[fmt.Sprintf("key%v", i)] = "surf surf surf surf surf surf"
			}
			var out map[string]string
			panicOn(p.CallInto("echo", big, &out, 0))
			cv.So(len(out), cv.ShouldEqual, 50)
			p.Close()
		}
	})
}

func Test079_host_shutdown_rejects_everything(t *testing.T) {

	cv.Convey("Close tears down every conn and settles every pending call with ErrShutdown", t, func() {

		h, addr := startTestHost(t)
		p := dialTestPeer(t, h, addr, "alpha", testKeyAlpha)

		stuck := make(chan bool)
		p.Register("stall", func(ctx context.Context, hctx *HandlerCtx, params gjson.RawMessage) (any, error) {
			<-stuck
			return nil, nil
		})
		defer close(stuck)

		callErr := make(chan error, 1)
		go func() {
			_, err := h.Call("alpha", "stall", nil, time.Minute)
			callErr <- err
		}()
		waitUntil(t, "the stall call to be in flight", func() bool { return h.corr.Len() == 1 })

		h.Close()
		select {
		case err := <-callErr:
			cv.So(errors.Is(err, ErrShutdown), cv.ShouldBeTrue)
		case <-time.After(5 * time.Second):
			t.Fatal("pending call survived host Close")
		}
		cv.So(h.Reg.Len(), cv.ShouldEqual, 0)
	})
}
