package surfrpc

import (
	"crypto/aes"
	"crypto/cipher"
	cryrand "crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cloudflare/circl/cipher/ascon"
	cristalbase64 "github.com/cristalhq/base64"
	"github.com/glycerine/blake3"
	gjson "github.com/goccy/go-json"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"golang.org/x/crypto/chacha20poly1305"
)

// Envelope is the encrypted wire wrapper around a
// serialized packet. Each field is base64 so the envelope
// survives any textual transport.
//
// The nonce is fresh crypto/rand bytes for every single
// outbound message, even when the same plaintext repeats.
// A nonce is never reused under the same key.
type Envelope struct {
	Ciphertext string `json:"ciphertext"`
	Nonce      string `json:"nonce"`
	Tag        string `json:"tag"`
}

// cipher choices for a connection's symmetric key.
//
// The default is ChaCha20-Poly1305 for 32 byte keys and
// AES-128-GCM for 16 byte keys; both use 12 byte nonces
// and 16 byte tags. Ascon-128a (16 byte key, 16 byte
// nonce) is available as an opt-in, the AEAD we also like
// for inner tunnels elsewhere.
const (
	CipherAuto      = ""
	CipherChaCha20  = "chacha20poly1305"
	CipherAESGCM    = "aes-gcm"
	CipherAscon128a = "ascon-128a"
)

func newAEAD(key []byte, choice string) (aead cipher.AEAD, err error) {
	switch choice {
	case CipherAuto:
		switch len(key) {
		case 32:
			return chacha20poly1305.New(key)
		case 16:
			block, err := aes.NewCipher(key)
			if err != nil {
				return nil, err
			}
			return cipher.NewGCM(block)
		}
		return nil, ErrBadKey
	case CipherChaCha20:
		if len(key) != chacha20poly1305.KeySize {
			return nil, ErrBadKey
		}
		return chacha20poly1305.New(key)
	case CipherAESGCM:
		if len(key) != 16 && len(key) != 32 {
			return nil, ErrBadKey
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	case CipherAscon128a:
		if len(key) != 16 {
			return nil, ErrBadKey
		}
		return ascon.New(key, ascon.Ascon128a)
	}
	return nil, fmt.Errorf("unknown cipher choice '%v'", choice)
}

// envelopeCodec seals and opens envelopes for one
// connection's symmetric key. Stateless apart from the
// expanded key schedule; safe for concurrent use since
// Seal/Open take no mutable codec state.
type envelopeCodec struct {
	aead     cipher.AEAD
	keyFP    string // blake3 fingerprint of the key, for logs
	outMagic magicb // compression for outbound plaintext
}

func newEnvelopeCodec(key []byte, cipherChoice, compressionAlgo string) (c *envelopeCodec, err error) {
	aead, err := newAEAD(key, cipherChoice)
	if err != nil {
		return nil, err
	}
	m, err := encodeMagic(compressionAlgo)
	if err != nil {
		return nil, err
	}
	return &envelopeCodec{
		aead:     aead,
		keyFP:    keyFingerprint(key),
		outMagic: m,
	}, nil
}

// keyFingerprint gives a short stable name for a key so
// log lines never carry key material.
func keyFingerprint(key []byte) string {
	h := blake3.New(64, nil)
	h.Write(key)
	sum := h.Sum(nil)
	return "blake3.11B-" + cristalbase64.URLEncoding.EncodeToString(sum[:11])
}

func (c *envelopeCodec) encrypt(plaintext []byte) (env *Envelope, err error) {
	body, err := compressMagic(c.outMagic, plaintext)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, c.aead.NonceSize())
	_, err = cryrand.Read(nonce)
	panicOn(err) // crypto/rand never fails on supported platforms

	sealed := c.aead.Seal(nil, nonce, body, nil)
	tagAt := len(sealed) - c.aead.Overhead()
	return &Envelope{
		Ciphertext: cristalbase64.URLEncoding.EncodeToString(sealed[:tagAt]),
		Nonce:      cristalbase64.URLEncoding.EncodeToString(nonce),
		Tag:        cristalbase64.URLEncoding.EncodeToString(sealed[tagAt:]),
	}, nil
}

// decrypt fails with ErrDecryption on any tampering, key
// mismatch, or malformed field. No partial plaintext is
// ever returned.
func (c *envelopeCodec) decrypt(env *Envelope) (plaintext []byte, err error) {
	ct, err := cristalbase64.URLEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: bad ciphertext field", ErrDecryption)
	}
	nonce, err := cristalbase64.URLEncoding.DecodeString(env.Nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: bad nonce field", ErrDecryption)
	}
	tag, err := cristalbase64.URLEncoding.DecodeString(env.Tag)
	if err != nil {
		return nil, fmt.Errorf("%w: bad tag field", ErrDecryption)
	}
	if len(nonce) != c.aead.NonceSize() || len(tag) != c.aead.Overhead() {
		return nil, fmt.Errorf("%w: wrong field length", ErrDecryption)
	}
	body, err := c.aead.Open(nil, nonce, append(ct, tag...), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", ErrDecryption)
	}
	return decompressMagic(body)
}

func encodeEnvelope(env *Envelope) (body []byte, err error) {
	return gjson.Marshal(env)
}

// decodeEnvelope treats unparseable wire bytes the same
// as a failed tag: the sender gets silence either way.
func decodeEnvelope(body []byte) (env *Envelope, err error) {
	env = &Envelope{}
	if err = gjson.Unmarshal(body, env); err != nil {
		return nil, fmt.Errorf("%w: malformed envelope json", ErrDecryption)
	}
	return env, nil
}

// EncryptEnvelope seals plaintext under key with the
// default cipher for the key size. Convenience form of
// the codec for one-shot use.
func EncryptEnvelope(key, plaintext []byte) (env *Envelope, err error) {
	c, err := newEnvelopeCodec(key, CipherAuto, "")
	if err != nil {
		return nil, err
	}
	return c.encrypt(plaintext)
}

// DecryptEnvelope opens env under key. See
// envelopeCodec.decrypt for the failure contract.
func DecryptEnvelope(key []byte, env *Envelope) (plaintext []byte, err error) {
	c, err := newEnvelopeCodec(key, CipherAuto, "")
	if err != nil {
		return nil, err
	}
	return c.decrypt(env)
}

// ===== per-message compression under the magic byte =====
//
// layout of the sealed body:
//
//	1 byte magic (compression algo)
//	if compressed: 4 bytes big endian uncompressed length
//	packet bytes, possibly compressed

var zstdEncOnce sync.Once
var zstdEnc *zstd.Encoder
var zstdDecOnce sync.Once
var zstdDec *zstd.Decoder

func getZstdEnc() *zstd.Encoder {
	zstdEncOnce.Do(func() {
		var err error
		zstdEnc, err = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedFastest))
		panicOn(err)
	})
	return zstdEnc
}

func getZstdDec() *zstd.Decoder {
	zstdDecOnce.Do(func() {
		var err error
		zstdDec, err = zstd.NewReader(nil)
		panicOn(err)
	})
	return zstdDec
}

func compressMagic(m magicb, plain []byte) (body []byte, err error) {
	if m == magicNone {
		return append([]byte{byte(magicNone)}, plain...), nil
	}
	var comp []byte
	switch m {
	case magicS2:
		comp = s2.Encode(nil, plain)
	case magicLz4:
		dst := make([]byte, lz4.CompressBlockBound(len(plain)))
		var c lz4.Compressor
		n, err := c.CompressBlock(plain, dst)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			// incompressible; ship it raw.
			return append([]byte{byte(magicNone)}, plain...), nil
		}
		comp = dst[:n]
	case magicZstd:
		comp = getZstdEnc().EncodeAll(plain, nil)
	default:
		return nil, fmt.Errorf("unknown magic compression byte %v", byte(m))
	}
	if len(comp) >= len(plain) {
		// expansion: raw is cheaper.
		return append([]byte{byte(magicNone)}, plain...), nil
	}
	body = make([]byte, 0, 5+len(comp))
	body = append(body, byte(m))
	body = binary.BigEndian.AppendUint32(body, uint32(len(plain)))
	return append(body, comp...), nil
}

func decompressMagic(body []byte) (plain []byte, err error) {
	if len(body) < 1 {
		return nil, fmt.Errorf("%w: empty plaintext", ErrProtocol)
	}
	m := magicb(body[0])
	if m == magicNone {
		return body[1:], nil
	}
	if len(body) < 5 {
		return nil, fmt.Errorf("%w: truncated compression header", ErrProtocol)
	}
	sz := binary.BigEndian.Uint32(body[1:5])
	if int(sz) > maxMessage {
		return nil, ErrMsgTooBig
	}
	comp := body[5:]
	switch m {
	case magicS2:
		return s2.Decode(nil, comp)
	case magicLz4:
		dst := make([]byte, sz)
		n, err := lz4.UncompressBlock(comp, dst)
		if err != nil {
			return nil, err
		}
		return dst[:n], nil
	case magicZstd:
		return getZstdDec().DecodeAll(comp, nil)
	}
	return nil, fmt.Errorf("%w: unknown magic compression byte %v", ErrProtocol, byte(m))
}
