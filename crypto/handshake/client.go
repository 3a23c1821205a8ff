package handshake

import (
	"crypto/rand"
	"io"
	"time"

	"sphynx/domain"
)

// ClientState is the transient, client-side handshake state of spec §3:
// "Ephemeral private scalar, cached challenge bytes, start timestamp,
// retry count." Unlike the server, which stores nothing between a HELLO
// and a CHALLENGE, the client must remember its own ephemeral key across
// the round trip.
type ClientState struct {
	ephemeralPriv [PubKeySize]byte
	ephemeralPub  [PubKeySize]byte
	clientSeed    [SeedSize]byte
	started       time.Time
	retries       int
}

// ClientHandshake drives spec §4.1's client side: HELLO retries until a
// COOKIE arrives, then CHALLENGE retries until an ANSWER arrives or the
// attempt times out/is cancelled.
type ClientHandshake struct {
	conn           Conn
	serverPub      [PubKeySize]byte
	oob            []byte
	readBuf        [1500]byte
}

func NewClientHandshake(conn Conn, serverPublicKey [PubKeySize]byte, oob []byte) *ClientHandshake {
	return &ClientHandshake{conn: conn, serverPub: serverPublicKey, oob: oob}
}

// Result is what a successful handshake yields to the caller (worker
// assigns the resulting Connexion to itself once this returns).
type Result struct {
	Keys SessionKeys
}

// Run executes the full handshake, honoring cancel: closing cancel at any
// point aborts outstanding retries and returns ErrCancelled, matching spec
// §5 ("Connect() is cancellable by the application at any time").
func (c *ClientHandshake) Run(cancel <-chan struct{}) (Result, error) {
	st := ClientState{started: time.Now()}

	cookie, err := c.exchangeHello(&st, cancel)
	if err != nil {
		return Result{}, err
	}

	return c.exchangeChallenge(&st, cookie, cancel)
}

func (c *ClientHandshake) exchangeHello(st *ClientState, cancel <-chan struct{}) (uint32, error) {
	backoff := domain.HelloRetryStart
	hello := HelloMessage{Version: domain.ProtocolVersion}
	wire := hello.MarshalBinary()

	for attempt := 0; attempt < domain.HelloMaxRetries; attempt++ {
		select {
		case <-cancel:
			return 0, domain.Wrap(domain.KindHandshake, "hello", domain.ErrCancelled)
		default:
		}

		if _, err := c.conn.Write(wire); err != nil {
			return 0, domain.Wrap(domain.KindHandshake, "send hello", err)
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(backoff))
		n, err := c.conn.Read(c.readBuf[:])
		if err == nil {
			cookieMsg, cerr := UnmarshalCookie(c.readBuf[:n])
			if cerr == nil {
				return cookieMsg.Cookie, nil
			}
			// Malformed reply: treat as if nothing arrived, keep retrying.
		}

		st.retries++
		backoff *= 2
		if backoff > domain.HelloRetryCap {
			backoff = domain.HelloRetryCap
		}
	}
	return 0, domain.Wrap(domain.KindHandshake, "hello", domain.ErrTimeout)
}

func (c *ClientHandshake) exchangeChallenge(st *ClientState, cookie uint32, cancel <-chan struct{}) (Result, error) {
	priv, pub, err := GenerateEphemeral()
	if err != nil {
		return Result{}, domain.Wrap(domain.KindHandshake, "ephemeral key", err)
	}
	st.ephemeralPriv, st.ephemeralPub = priv, pub
	if _, err := io.ReadFull(rand.Reader, st.clientSeed[:]); err != nil {
		return Result{}, domain.Wrap(domain.KindHandshake, "client seed", err)
	}

	sharedSecret, err := SharedSecret(priv, c.serverPub)
	if err != nil {
		return Result{}, domain.Wrap(domain.KindHandshake, "shared secret", err)
	}
	key := macKey(sharedSecret, st.clientSeed, pub)
	mac := ClientChallengeMAC(key, c.oob)

	challenge := ChallengeMessage{
		Cookie:          cookie,
		EphemeralPubKey: pub,
		ClientSeed:      st.clientSeed,
		MAC:             mac,
	}
	wire := challenge.MarshalBinary()

	backoff := domain.HelloRetryStart
	for attempt := 0; attempt < domain.HelloMaxRetries; attempt++ {
		select {
		case <-cancel:
			return Result{}, domain.Wrap(domain.KindHandshake, "challenge", domain.ErrCancelled)
		default:
		}

		if _, err := c.conn.Write(wire); err != nil {
			return Result{}, domain.Wrap(domain.KindHandshake, "send challenge", err)
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(backoff))
		n, err := c.conn.Read(c.readBuf[:])
		if err == nil {
			answer, aerr := UnmarshalAnswer(c.readBuf[:n])
			if aerr == nil {
				expected := ServerAnswerMAC(key, answer.ServerSeed, c.oob)
				if !macEqual(expected, answer.MAC) {
					// Spec §4.1: on mismatch, treat as if it never arrived.
					continue
				}
				keys, derr := DeriveSessionKeys(sharedSecret, st.clientSeed, answer.ServerSeed)
				if derr != nil {
					return Result{}, derr
				}
				return Result{Keys: keys}, nil
			}
		}

		st.retries++
		backoff *= 2
		if backoff > domain.HelloRetryCap {
			backoff = domain.HelloRetryCap
		}
	}
	return Result{}, domain.Wrap(domain.KindHandshake, "challenge", domain.ErrTimeout)
}
