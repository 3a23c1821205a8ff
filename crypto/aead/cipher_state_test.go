package aead

import (
	"bytes"
	"testing"
)

func testKey() []byte {
	k := make([]byte, 32)
	for i := range k {
		k[i] = byte(i)
	}
	return k
}

func TestSealOpenRoundTrip(t *testing.T) {
	send, err := NewSendCipher(testKey())
	if err != nil {
		t.Fatal(err)
	}
	recv, err := NewRecvCipher(testKey())
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 10; i++ {
		plaintext := []byte("hello sphynx")
		iv, ct, err := send.Seal(plaintext, nil)
		if err != nil {
			t.Fatal(err)
		}
		got, err := recv.Open(iv, ct, nil)
		if err != nil {
			t.Fatalf("open failed: %v", err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Fatalf("got %q want %q", got, plaintext)
		}
	}
}

func TestOpenRejectsReplay(t *testing.T) {
	send, _ := NewSendCipher(testKey())
	recv, _ := NewRecvCipher(testKey())

	_, ct, _ := send.Seal([]byte("a"), nil)
	if _, err := recv.Open(0, ct, nil); err != nil {
		t.Fatalf("first open should succeed: %v", err)
	}
	if _, err := recv.Open(0, ct, nil); err == nil {
		t.Fatal("expected replay rejection")
	}
}

func TestOpenRejectsBitFlip(t *testing.T) {
	send, _ := NewSendCipher(testKey())
	recv, _ := NewRecvCipher(testKey())

	iv, ct, _ := send.Seal([]byte("tamper me"), nil)
	ct[0] ^= 0x01
	if _, err := recv.Open(iv, ct, nil); err == nil {
		t.Fatal("expected auth failure on tampered ciphertext")
	}
}

func TestOpenAllowsModestReordering(t *testing.T) {
	send, _ := NewSendCipher(testKey())
	recv, _ := NewRecvCipher(testKey())

	var ivs []uint64
	var cts [][]byte
	for i := 0; i < 5; i++ {
		iv, ct, _ := send.Seal([]byte("m"), nil)
		ivs = append(ivs, iv)
		cts = append(cts, ct)
	}

	// Deliver out of order: 4, 0, 1, 2, 3
	order := []int{4, 0, 1, 2, 3}
	for _, idx := range order {
		if _, err := recv.Open(ivs[idx], cts[idx], nil); err != nil {
			t.Fatalf("unexpected rejection at idx %d: %v", idx, err)
		}
	}
}

func TestReplayWindowRejectsTooOld(t *testing.T) {
	var w ReplayWindow
	w.Accept(2000)
	if err := w.Check(0); err == nil {
		t.Fatal("expected rejection of IV far outside the window")
	}
}
