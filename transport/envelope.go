package transport

import (
	"encoding/binary"
	"fmt"

	"sphynx/domain"
)

// envelopeSize is the plaintext routing header every data datagram carries
// in front of its AEAD ciphertext: a 32-bit session key so the server's
// ConnexionMap can route the packet to the right Connexion before any
// decryption is attempted, and the 64-bit IV the AEAD nonce is derived
// from (spec §4.2's wire layout describes only the post-decryption body;
// this is the minimal outer framing a UDP-routed AEAD channel needs).
const envelopeSize = 4 + 8

func encodeEnvelope(sessionKey uint32, iv uint64, ciphertext []byte) []byte {
	out := make([]byte, envelopeSize+len(ciphertext))
	binary.LittleEndian.PutUint32(out[0:4], sessionKey)
	binary.LittleEndian.PutUint64(out[4:12], iv)
	copy(out[envelopeSize:], ciphertext)
	return out
}

func decodeEnvelope(raw []byte) (sessionKey uint32, iv uint64, ciphertext []byte, err error) {
	if len(raw) < envelopeSize {
		return 0, 0, nil, fmt.Errorf("envelope: %w", domain.ErrMalformedPacket)
	}
	sessionKey = binary.LittleEndian.Uint32(raw[0:4])
	iv = binary.LittleEndian.Uint64(raw[4:12])
	return sessionKey, iv, raw[envelopeSize:], nil
}

// PeekSessionKey extracts the routing key without touching any cipher
// state, for the server's pre-decrypt ConnexionMap lookup.
func PeekSessionKey(raw []byte) (uint32, bool) {
	if len(raw) < envelopeSize {
		return 0, false
	}
	return binary.LittleEndian.Uint32(raw[0:4]), true
}
