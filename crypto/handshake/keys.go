package handshake

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"sphynx/domain"
)

// KeyPair is the server's long-term X25519 identity, persisted as
// KeyPair.bin (64 bytes: 32-byte private scalar + 32-byte public point,
// spec §6). Clients are distributed only the public half (PublicKey.bin).
type KeyPair struct {
	Private [PubKeySize]byte
	Public  [PubKeySize]byte
}

func GenerateKeyPair() (KeyPair, error) {
	var kp KeyPair
	if _, err := io.ReadFull(rand.Reader, kp.Private[:]); err != nil {
		return KeyPair{}, domain.Wrap(domain.KindCrypto, "generate private scalar", err)
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, domain.Wrap(domain.KindCrypto, "derive public point", err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// GenerateEphemeral produces a fresh ephemeral X25519 key pair for one
// handshake attempt.
func GenerateEphemeral() (priv, pub [PubKeySize]byte, err error) {
	if _, err = io.ReadFull(rand.Reader, priv[:]); err != nil {
		return priv, pub, domain.Wrap(domain.KindCrypto, "generate ephemeral scalar", err)
	}
	p, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return priv, pub, domain.Wrap(domain.KindCrypto, "derive ephemeral point", err)
	}
	copy(pub[:], p)
	return priv, pub, nil
}

// SaveKeyPair writes KeyPair.bin (spec §6): the 32-byte private scalar
// followed by the 32-byte public point, in that order.
func SaveKeyPair(path string, kp KeyPair) error {
	buf := make([]byte, 0, 2*PubKeySize)
	buf = append(buf, kp.Private[:]...)
	buf = append(buf, kp.Public[:]...)
	if err := os.WriteFile(path, buf, 0o600); err != nil {
		return domain.Wrap(domain.KindConfig, "save keypair", err)
	}
	return nil
}

// LoadKeyPair reads a KeyPair.bin written by SaveKeyPair.
func LoadKeyPair(path string) (KeyPair, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return KeyPair{}, domain.Wrap(domain.KindConfig, "load keypair", err)
	}
	if len(raw) != 2*PubKeySize {
		return KeyPair{}, domain.Wrap(domain.KindConfig, "load keypair", fmt.Errorf("%s: expected %d bytes, got %d", path, 2*PubKeySize, len(raw)))
	}
	var kp KeyPair
	copy(kp.Private[:], raw[:PubKeySize])
	copy(kp.Public[:], raw[PubKeySize:])
	return kp, nil
}

// SavePublicKey writes PublicKey.bin (spec §6): the 32-byte public point
// alone, the form distributed to clients.
func SavePublicKey(path string, pub [PubKeySize]byte) error {
	if err := os.WriteFile(path, pub[:], 0o644); err != nil {
		return domain.Wrap(domain.KindConfig, "save public key", err)
	}
	return nil
}

// LoadPublicKey reads a PublicKey.bin written by SavePublicKey.
func LoadPublicKey(path string) ([PubKeySize]byte, error) {
	var pub [PubKeySize]byte
	raw, err := os.ReadFile(path)
	if err != nil {
		return pub, domain.Wrap(domain.KindConfig, "load public key", err)
	}
	if len(raw) != PubKeySize {
		return pub, domain.Wrap(domain.KindConfig, "load public key", fmt.Errorf("%s: expected %d bytes, got %d", path, PubKeySize, len(raw)))
	}
	copy(pub[:], raw)
	return pub, nil
}

// SharedSecret computes scalar_mult(priv, peerPub) (spec §4.1). A
// degenerate (all-zero / low-order) result is rejected so an invalid public
// point never silently proceeds — the caller then drops the packet rather
// than revealing why (spec §4.1: "If point invalid, silently drop").
func SharedSecret(priv, peerPub [PubKeySize]byte) ([]byte, error) {
	secret, err := curve25519.X25519(priv[:], peerPub[:])
	if err != nil {
		return nil, domain.Wrap(domain.KindCrypto, "scalar mult", err)
	}
	var zero [PubKeySize]byte
	if subtle.ConstantTimeCompare(secret, zero[:]) == 1 {
		return nil, domain.Wrap(domain.KindCrypto, "scalar mult", fmt.Errorf("degenerate shared secret"))
	}
	return secret, nil
}

// SessionKeys are the material derived from a completed handshake (spec
// §4.1: "derive keys via H(shared_secret, client_seed, server_seed) split
// into two 256-bit cipher keys + two 64-bit IVs + a 32-bit session key").
type SessionKeys struct {
	ClientToServerKey [32]byte
	ServerToClientKey [32]byte
	ClientToServerIV  uint64
	ServerToClientIV  uint64
	SessionKeyIndex   uint32
}

// DeriveSessionKeys runs HKDF-SHA256 over the shared secret, salted with
// both seeds, and slices the output into the five fields spec §4.1 names.
// Grounded on the teacher's use of golang.org/x/crypto/hkdf for the same
// purpose (infrastructure/cryptography/chacha20/handshake).
func DeriveSessionKeys(sharedSecret []byte, clientSeed, serverSeed [SeedSize]byte) (SessionKeys, error) {
	salt := make([]byte, 0, 2*SeedSize)
	salt = append(salt, clientSeed[:]...)
	salt = append(salt, serverSeed[:]...)

	r := hkdf.New(sha256.New, sharedSecret, salt, []byte("sphynx-session-keys-v1"))
	out := make([]byte, 32+32+8+8+4)
	if _, err := io.ReadFull(r, out); err != nil {
		return SessionKeys{}, domain.Wrap(domain.KindCrypto, "hkdf expand", err)
	}

	var keys SessionKeys
	copy(keys.ClientToServerKey[:], out[0:32])
	copy(keys.ServerToClientKey[:], out[32:64])
	keys.ClientToServerIV = binary.LittleEndian.Uint64(out[64:72])
	keys.ServerToClientIV = binary.LittleEndian.Uint64(out[72:80])
	keys.SessionKeyIndex = binary.LittleEndian.Uint32(out[80:84])
	return keys, nil
}
