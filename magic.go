package surfrpc

import (
	"fmt"
)

// magic is the first byte of every decrypted plaintext.
// It tells the receiver which compression, if any, was
// applied to the packet bytes that follow. The receive
// side always honors whatever byte arrives, so peers
// with different Config.CompressionAlgo settings still
// interoperate.
type magicb byte

const (
	magicNone magicb = 0 // no compression
	magicS2   magicb = 1
	magicLz4  magicb = 2
	magicZstd magicb = 3

	// keep this as the last number, just above all
	// the rest, if you add more legit magicb values above.
	magicOutOfBounds magicb = 4
)

func (m magicb) String() (s string) {
	s, _ = decodeMagic(m)
	return
}

func decodeMagic(m magicb) (algo string, err error) {
	switch m {
	case magicNone:
		return "", nil
	case magicS2:
		return "s2", nil
	case magicLz4:
		return "lz4", nil
	case magicZstd:
		return "zstd", nil
	}
	return "", fmt.Errorf("unknown magic compression byte %v", byte(m))
}

func encodeMagic(algo string) (m magicb, err error) {
	switch algo {
	case "":
		return magicNone, nil
	case "s2":
		return magicS2, nil
	case "lz4":
		return magicLz4, nil
	case "zstd":
		return magicZstd, nil
	}
	return magicOutOfBounds, fmt.Errorf("unknown compressionAlgo '%v'; "+
		"choices are \"\", \"s2\", \"lz4\", \"zstd\"", algo)
}
