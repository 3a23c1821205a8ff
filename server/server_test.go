package server

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"sphynx/config"
	"sphynx/crypto/handshake"
	"sphynx/domain"
	"sphynx/logging"
	"sphynx/transport"
)

func quietLogger() logging.Logger { return logging.NewZerologLogger(logging.LevelFatal, nil) }

// startTestServer boots a real Server on an ephemeral loopback port and
// returns its address plus every payload delivered to the application
// callback.
func startTestServer(t *testing.T) (addr string, messages func() []string, stop func()) {
	t.Helper()
	priv, err := handshake.GenerateKeyPair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	cfg := config.Defaults(1)

	var mu sync.Mutex
	var got []string
	factory := func(remote *net.UDPAddr, sessionKey uint32) transport.Callbacks {
		return transport.Callbacks{
			OnMessage: func(m domain.Message) {
				mu.Lock()
				got = append(got, string(m.Payload))
				mu.Unlock()
			},
		}
	}

	srv, err := NewServer(cfg, quietLogger(), priv, nil, factory)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.StartServer(ctx, "127.0.0.1:0", []byte("test-session")) }()

	var bound string
	for i := 0; i < 100; i++ {
		if srv.conn != nil {
			bound = srv.conn.LocalAddr().String()
			break
		}
		time.Sleep(time.Millisecond)
	}
	if bound == "" {
		t.Fatalf("server never bound a socket")
	}

	return bound, func() []string {
			mu.Lock()
			defer mu.Unlock()
			out := make([]string, len(got))
			copy(out, got)
			return out
		}, func() {
			cancel()
			<-done
		}
}

func TestHandshakeWrongServerKeyNeverCompletes(t *testing.T) {
	addr, messages, stop := startTestServer(t)
	defer stop()

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))

	// The client is given an all-zero server public key instead of the one
	// the running server generated, so the handshake cannot complete and
	// no message reaches OnMessage.
	var randomServerPub [handshake.PubKeySize]byte
	hs := handshake.NewClientHandshake(conn, randomServerPub, []byte("test-session"))
	cancelCh := make(chan struct{})
	time.AfterFunc(200*time.Millisecond, func() { close(cancelCh) })
	_, err = hs.Run(cancelCh)
	if err == nil {
		t.Fatalf("expected handshake against an unrelated key to fail")
	}
	if len(messages()) != 0 {
		t.Fatalf("expected no messages delivered for a failed handshake")
	}
}

func TestConnexionMapFloodThreshold(t *testing.T) {
	m, err := NewConnexionMap()
	if err != nil {
		t.Fatalf("new map: %v", err)
	}
	addr := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 1}
	var lastFlooded bool
	for i := 0; i < int(domain.ConnectionFloodThreshold)+1; i++ {
		_, lastFlooded = m.LookupCheckFlood(addr)
	}
	if !lastFlooded {
		t.Fatalf("expected flood threshold to trip after %d attempts", domain.ConnectionFloodThreshold)
	}

	m.DecayFlood()
	_, flooded := m.LookupCheckFlood(addr)
	if !flooded {
		t.Fatalf("single decay tick should not clear a tripped counter immediately")
	}
}

func TestConnexionMapInsertLookupRemove(t *testing.T) {
	m, err := NewConnexionMap()
	if err != nil {
		t.Fatalf("new map: %v", err)
	}
	var key [32]byte
	conn, err := transport.NewConnexion(42, key, key, domain.DefaultMTU, transport.Callbacks{}, time.Now())
	if err != nil {
		t.Fatalf("new connexion: %v", err)
	}
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5555}

	if err := m.Insert(addr, conn); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, ok := m.Lookup(42); !ok {
		t.Fatalf("expected to find session 42")
	}
	if got, _ := m.LookupCheckFlood(addr); got != conn {
		t.Fatalf("expected LookupCheckFlood to find the same connexion by address")
	}

	m.Remove(addr)
	if _, ok := m.Lookup(42); ok {
		t.Fatalf("expected session 42 removed")
	}
}

func TestConnexionMapRejectsDuplicateInsert(t *testing.T) {
	m, err := NewConnexionMap()
	if err != nil {
		t.Fatalf("new map: %v", err)
	}
	var key [32]byte
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 6000}

	c1, _ := transport.NewConnexion(1, key, key, domain.DefaultMTU, transport.Callbacks{}, time.Now())
	c2, _ := transport.NewConnexion(2, key, key, domain.DefaultMTU, transport.Callbacks{}, time.Now())

	if err := m.Insert(addr, c1); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := m.Insert(addr, c2); err == nil {
		t.Fatalf("expected duplicate insert for the same address to fail")
	}
}
