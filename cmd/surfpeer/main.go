package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/glycerine/surfrpc"
)

var hostAddr = flag.String("host", "127.0.0.1:50000", "host:port of the surfhost to contact")
var peerID = flag.String("peer", "surface-1", "our peer id")
var keyHex = flag.String("key", "", "hex symmetric key (must match the host's); required")
var compress = flag.String("compress", "", "compression algo: \"\", s2, lz4, zstd")

func main() {
	flag.Parse()
	if *keyHex == "" {
		fmt.Fprintf(os.Stderr, "surfpeer error: -key is required\n")
		os.Exit(1)
	}
	key, err := hex.DecodeString(*keyHex)
	if err != nil {
		fmt.Fprintf(os.Stderr, "surfpeer error: bad -key hex: %v\n", err)
		os.Exit(1)
	}

	cfg := surfrpc.NewConfig()
	cfg.HostAddr = *hostAddr
	cfg.CompressionAlgo = *compress
	cfg.ConnectTimeout = 5 * time.Second

	p, err := surfrpc.NewPeer(surfrpc.PeerID(*peerID), key, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "surfpeer error: could not connect: %v\n", err)
		os.Exit(1)
	}
	defer p.Close()

	t0 := time.Now()
	reply, err := p.Call("echo", map[string]any{"hello": "from " + *peerID}, 10*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "surfpeer error: echo call failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("echo reply in %v: %s\n", time.Since(t0), reply)

	err = p.Publish("greeting", map[string]any{"from": *peerID, "at": time.Now().Format(time.RFC3339)})
	if err != nil {
		fmt.Fprintf(os.Stderr, "surfpeer error: publish failed: %v\n", err)
		os.Exit(1)
	}
	// give the one-way a moment to flush before we hang up.
	time.Sleep(100 * time.Millisecond)
}
