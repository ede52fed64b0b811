package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/glycerine/surfrpc"
	gjson "github.com/goccy/go-json"
)

var peerID = flag.String("peer", "surface-1", "peer id to accept")
var keyHex = flag.String("key", "", "hex symmetric key for -peer (32 or 64 hex chars); required")
var compress = flag.String("compress", "", "compression algo: \"\", s2, lz4, zstd")

func noticeControlC(h *surfrpc.Host) {
	sigChan := make(chan os.Signal, 1)
	go func() {
		for range sigChan {
			h.Close()
			os.Exit(0)
		}
	}()
	signal.Notify(sigChan, syscall.SIGINT)
}

func main() {
	flag.Parse()
	if *keyHex == "" {
		fmt.Fprintf(os.Stderr, "surfhost error: -key is required; "+
			"generate one with e.g.: openssl rand -hex 32\n")
		os.Exit(1)
	}
	key, err := hex.DecodeString(*keyHex)
	if err != nil {
		fmt.Fprintf(os.Stderr, "surfhost error: bad -key hex: %v\n", err)
		os.Exit(1)
	}

	cfg := surfrpc.NewConfig()
	cfg.CompressionAlgo = *compress

	h := surfrpc.NewHost(cfg)
	h.ProvideKey(surfrpc.PeerID(*peerID), key)

	h.Register("echo", func(ctx context.Context, hctx *surfrpc.HandlerCtx, params gjson.RawMessage) (any, error) {
		return params, nil
	})
	h.Subscribe(surfrpc.Wildcard, func(name string, payload gjson.RawMessage, from surfrpc.PeerID) {
		fmt.Printf("message '%v' from peer '%v': %s\n", name, from, payload)
	})

	port, err := h.Start()
	if err != nil {
		fmt.Fprintf(os.Stderr, "surfhost error: %v\n", err)
		os.Exit(1)
	}
	noticeControlC(h)

	// the out-of-band discovery handoff, stdout edition.
	fmt.Printf("surfhost listening on port %v for peer '%v'\n", port, *peerID)
	select {}
}
