package surfrpc

import (
	"time"
)

// The bootstrap scan window is fixed, not environment
// driven: first bindable port wins.
const (
	PortRangeStart = 50000
	PortRangeEnd   = 65535
)

// DefaultCallTimeout bounds a call when the caller passes
// timeout 0.
const DefaultCallTimeout = 60 * time.Second

// Config says who to contact (for a peer), or where to
// listen (for a host); and picks the cipher and the
// optional compression for the channel.
type Config struct {

	// HostAddr host:port of the surfrpc.Host to contact
	// (peer side only). The port comes to the peer through
	// some out-of-band discovery handoff; see
	// Host.GetBoundPort.
	HostAddr string

	// BindHost defaults to 127.0.0.1. The host side scans
	// [PortRangeStart, PortRangeEnd] on this address.
	BindHost string

	// PortRangeStart/End override the default scan window;
	// zero means the fixed defaults above. Tests shrink
	// the window.
	PortRangeStart int
	PortRangeEnd   int

	// Cipher: one of CipherAuto, CipherChaCha20,
	// CipherAESGCM, CipherAscon128a. CipherAuto picks by
	// key size (32 => ChaCha20-Poly1305, 16 => AES-128-GCM).
	Cipher string

	// CompressionAlgo: "", "s2", "lz4", "zstd". Applies to
	// outbound plaintext only; inbound always honors the
	// arriving magic byte.
	CompressionAlgo string

	// These are timeouts for connection and transport tuning.
	// The defaults of 0 mean wait forever.
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration

	// CallTimeout is the default per-call deadline when a
	// Call passes timeout 0. Zero means DefaultCallTimeout.
	CallTimeout time.Duration
}

func NewConfig() *Config {
	return &Config{
		BindHost: "127.0.0.1",
	}
}

func (cfg *Config) portRange() (lo, hi int) {
	lo, hi = cfg.PortRangeStart, cfg.PortRangeEnd
	if lo == 0 {
		lo = PortRangeStart
	}
	if hi == 0 {
		hi = PortRangeEnd
	}
	return
}

func (cfg *Config) callTimeout(timeout time.Duration) time.Duration {
	if timeout > 0 {
		return timeout
	}
	if cfg.CallTimeout > 0 {
		return cfg.CallTimeout
	}
	return DefaultCallTimeout
}
