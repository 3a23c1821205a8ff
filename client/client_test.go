package client

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
	"sphynx/server"
	"sphynx/transport"
)

func quietLogger() logging.Logger { return logging.NewZerologLogger(logging.LevelFatal, nil) }

func startTestServer(t *testing.T) (hostname string, port int, pub [handshake.PubKeySize]byte, stop func()) {
	t.Helper()
	priv, err := handshake.GenerateKeyPair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}

	factory := func(remote *net.UDPAddr, sessionKey uint32) transport.Callbacks {
		return transport.Callbacks{}
	}
	srv, err := server.NewServer(config.Defaults(1), quietLogger(), priv, nil, factory)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.StartServer(ctx, "127.0.0.1:0", []byte("test-session")) }()

	var addr *net.UDPAddr
	for i := 0; i < 200; i++ {
		if a := srv.ListenAddr(); a != nil {
			addr = a
			break
		}
		time.Sleep(time.Millisecond)
	}
	if addr == nil {
		t.Fatalf("server never bound a socket")
	}

	return addr.IP.String(), addr.Port, priv.Public, func() {
		cancel()
		<-done
	}
}

func TestConnectSucceeds(t *testing.T) {
	hostname, port, pub, stop := startTestServer(t)
	defer stop()

	var mu sync.Mutex
	var connected bool
	var failErr error
	var arrived [][]byte

	c := New(config.Defaults(1), quietLogger(), Callbacks{
		OnConnectSuccess: func() {
			mu.Lock()
			connected = true
			mu.Unlock()
		},
		OnConnectFailure: func(err error) {
			mu.Lock()
			failErr = err
			mu.Unlock()
		},
		OnMessageArrivals: func(msgs []domain.Message) {
			mu.Lock()
			for _, m := range msgs {
				arrived = append(arrived, append([]byte(nil), m.Payload...))
			}
			mu.Unlock()
		},
	})
	defer c.Close()

	c.Connect(nil, hostname, port, pub, []byte("test-session"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := connected || failErr != nil
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if failErr != nil {
		t.Fatalf("expected connect to succeed, got %v", failErr)
	}
	if !connected {
		t.Fatalf("expected OnConnectSuccess to fire")
	}
}

func TestWriteBeforeConnectFails(t *testing.T) {
	c := New(config.Defaults(1), quietLogger(), Callbacks{})
	if _, err := c.WriteReliable(0, 1, []byte("x")); err == nil {
		t.Fatalf("expected write before Connect to fail")
	}
}
