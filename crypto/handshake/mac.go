package handshake

import (
	"crypto/hmac"
	"crypto/sha256"
)

// macKey derives the challenge/answer MAC key as spec §4.1 describes:
// "a MAC computed under H(shared_secret ‖ client_seed ‖ client_pubkey)".
func macKey(sharedSecret []byte, clientSeed [SeedSize]byte, clientPubKey [PubKeySize]byte) []byte {
	h := sha256.New()
	h.Write(sharedSecret)
	h.Write(clientSeed[:])
	h.Write(clientPubKey[:])
	return h.Sum(nil)
}

// ClientChallengeMAC computes the client's CHALLENGE MAC over
// "client-challenge" ‖ oob, per spec §4.1.
func ClientChallengeMAC(key []byte, oob []byte) [MACSize]byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte("client-challenge"))
	h.Write(oob)
	var out [MACSize]byte
	copy(out[:], h.Sum(nil))
	return out
}

// ServerAnswerMAC computes the server's ANSWER MAC over
// "server-response" ‖ server_seed ‖ oob, under the same challenge-MAC key.
func ServerAnswerMAC(key []byte, serverSeed [SeedSize]byte, oob []byte) [MACSize]byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte("server-response"))
	h.Write(serverSeed[:])
	h.Write(oob)
	var out [MACSize]byte
	copy(out[:], h.Sum(nil))
	return out
}

func macEqual(a, b [MACSize]byte) bool {
	return hmac.Equal(a[:], b[:])
}
