package handshake

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"time"

	"sphynx/domain"
)

// CookieJar issues and verifies spec §3/§4.1 cookies: a 32-bit MAC bound to
// the remote address and a rotating epoch, letting the server prove a
// client completed a round trip before it allocates any per-client state.
// The jar itself stores no per-client data — only a secret and the clock —
// matching spec §3: "Handshake state (transient, server side): Not stored
// per in-progress client. All state lives in the cookie."
//
// This stays on the standard library's crypto/hmac+crypto/sha256 rather
// than the teacher's chacha20/ed25519 stack: see DESIGN.md for why no
// pack dependency fits a short, fixed-size keyed MAC better than stdlib.
type CookieJar struct {
	secret  [32]byte
	epoch   time.Duration
	window  int
	nowFunc func() time.Time
}

func NewCookieJar(secret [32]byte) *CookieJar {
	return &CookieJar{
		secret:  secret,
		epoch:   domain.CookieBinTime,
		window:  domain.CookieBinCount,
		nowFunc: time.Now,
	}
}

func (j *CookieJar) currentEpoch() uint64 {
	return uint64(j.nowFunc().UnixNano() / int64(j.epoch))
}

// cookieFor computes the 32-bit cookie for addr at the given epoch number.
func (j *CookieJar) cookieFor(addr []byte, epoch uint64) uint32 {
	mac := hmac.New(sha256.New, j.secret[:])
	mac.Write(addr)
	var epochBuf [8]byte
	binary.LittleEndian.PutUint64(epochBuf[:], epoch)
	mac.Write(epochBuf[:])
	sum := mac.Sum(nil)
	return binary.LittleEndian.Uint32(sum[:4])
}

// Issue returns the cookie for addr at the current epoch.
func (j *CookieJar) Issue(addr []byte) uint32 {
	return j.cookieFor(addr, j.currentEpoch())
}

// Verify recomputes the cookie for addr over every epoch still inside the
// live window (spec §4.1: "Recompute cookie for this remote address over
// each epoch in the live window") and constant-time-compares each
// candidate, accepting if any matches.
func (j *CookieJar) Verify(addr []byte, cookie uint32) bool {
	current := j.currentEpoch()
	var want [4]byte
	binary.LittleEndian.PutUint32(want[:], cookie)

	accepted := false
	for i := 0; i < j.window; i++ {
		if uint64(i) > current {
			break
		}
		epoch := current - uint64(i)
		got := j.cookieFor(addr, epoch)
		var gotBuf [4]byte
		binary.LittleEndian.PutUint32(gotBuf[:], got)
		if hmac.Equal(gotBuf[:], want[:]) {
			accepted = true
		}
	}
	return accepted
}
