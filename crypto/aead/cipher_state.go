// Package aead wraps the external authenticated stream cipher collaborator
// spec.md §1 treats as out-of-scope ("Stream cipher + MAC primitive ...
// keyed with 256 bits; supports a 64-bit IV") with the concrete
// chacha20poly1305 AEAD the teacher repo already uses for the same purpose
// (infrastructure/cryptography/chacha20/udp_crypto.go), adapted to a single
// immutable per-direction cipher state plus a strictly monotonic 64-bit IV
// counter (spec §3 Connexion invariant) instead of the teacher's
// multi-epoch rekey ring, which Sphynx does not need.
package aead

import (
	"crypto/cipher"
	"encoding/binary"
	"sync/atomic"

	"golang.org/x/crypto/chacha20poly1305"

	"sphynx/domain"
)

// SendCipher is the client->server or server->client half of one
// Connexion's encrypted channel, owned exclusively by that Connexion's
// worker (spec §4.5: "Connexion internal state: no lock required"), except
// for the IV counter, which Seal claims with an atomic compare-and-swap so
// two concurrent Seal calls never consume the same IV, even though today
// only the owning worker ever calls Seal.
type SendCipher struct {
	aead cipher.AEAD
	iv   atomic.Uint64 // next IV to use; 0 means "never sent"
}

func NewSendCipher(key []byte) (*SendCipher, error) {
	a, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return &SendCipher{aead: a}, nil
}

// Seal encrypts plaintext, appending the tag, and returns the IV consumed
// alongside the ciphertext so the caller can place it on the wire.
func (c *SendCipher) Seal(plaintext, additionalData []byte) (iv uint64, ciphertext []byte, err error) {
	for {
		next := c.iv.Load()
		if next == ^uint64(0) {
			return 0, nil, ErrIVExhausted
		}
		if c.iv.CompareAndSwap(next, next+1) {
			nonce := encodeNonce(next)
			ciphertext = c.aead.Seal(nil, nonce, plaintext, additionalData)
			return next, ciphertext, nil
		}
	}
}

// RecvCipher is the receive half: it verifies the MAC and enforces IV
// monotonicity with the sliding-window tolerance spec §4.2 describes.
type RecvCipher struct {
	aead   cipher.AEAD
	window ReplayWindow
}

func NewRecvCipher(key []byte) (*RecvCipher, error) {
	a, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return &RecvCipher{aead: a}, nil
}

// Open verifies and decrypts a datagram carrying the given IV. On any
// failure — bad MAC, replay, out-of-window — it returns an error and never
// mutates replay state, so the caller can silently drop per spec §4.2 /
// §7 ("avoid oracles").
func (c *RecvCipher) Open(iv uint64, ciphertext, additionalData []byte) ([]byte, error) {
	if err := c.window.Check(iv); err != nil {
		return nil, domain.Wrap(domain.KindCrypto, "replay check", err)
	}
	nonce := encodeNonce(iv)
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, domain.Wrap(domain.KindCrypto, "aead open", ErrAuth)
	}
	c.window.Accept(iv)
	return plaintext, nil
}

func (c *RecvCipher) HighestIV() uint64 { return c.window.Highest() }

func encodeNonce(iv uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(nonce[chacha20poly1305.NonceSize-8:], iv)
	return nonce
}
