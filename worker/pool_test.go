package worker

import (
	"context"
	"net"
	"testing"
	"time"

	"sphynx/buffer"
	"sphynx/domain"
	"sphynx/logging"
	"sphynx/transport"
)

func testConnexion(t *testing.T, sessionKey uint32) *transport.Connexion {
	t.Helper()
	var key [32]byte
	c, err := transport.NewConnexion(sessionKey, key, key, domain.DefaultMTU, transport.Callbacks{}, time.Now())
	if err != nil {
		t.Fatalf("new connexion: %v", err)
	}
	return c
}

func TestAssignPicksLeastLoaded(t *testing.T) {
	sent := func(*net.UDPAddr, []byte) error { return nil }
	p := NewPool(2, sent, logging.NewZerologLogger(logging.LevelFatal, nil), buffer.New(4, domain.DefaultMTU))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9000}
	first := p.Assign(addr, testConnexion(t, 1))
	time.Sleep(10 * time.Millisecond) // let the first registration land before the count is read again
	second := p.Assign(addr, testConnexion(t, 2))

	if first == second {
		t.Fatalf("expected assignment to spread across workers, got both on %d", first)
	}
}

func TestSubmitReleasesBufferOnUnknownWorker(t *testing.T) {
	bufs := buffer.New(1, domain.DefaultMTU)
	sent := func(*net.UDPAddr, []byte) error { return nil }
	p := NewPool(1, sent, logging.NewZerologLogger(logging.LevelFatal, nil), bufs)

	b, ok := bufs.Acquire()
	if !ok {
		t.Fatalf("acquire: pool unexpectedly exhausted")
	}
	p.Submit(5, 1, b) // workerID 5 does not exist

	if _, ok := bufs.Acquire(); !ok {
		t.Fatalf("expected buffer to be released back to the pool after a bad Submit")
	}
}
