// Package client implements spec.md §6's application-facing client:
// Connect drives the handshake, then hands the resulting Connexion to a
// single owning goroutine that ticks it, reads datagrams off the socket,
// and fires the application's callbacks. Grounded on the teacher's
// client-side session loop (cmd/client, application/connection_manager.go)
// for the "one goroutine owns one session" shape, adapted from TunGo's
// persistent TCP dial-and-read loop to Sphynx's UDP tick/receive loop.
package client

import (
	"context"
	"net"
	"strconv"
	"time"

	"sphynx/buffer"
	"sphynx/config"
	"sphynx/crypto/handshake"
	"sphynx/domain"
	"sphynx/logging"
	"sphynx/transport"
)

// Callbacks are the application hooks spec §6 lists for Client: Connect
// success/failure plus the ongoing message/disconnect stream.
type Callbacks struct {
	OnConnectSuccess func()
	OnConnectFailure func(error)
	OnMessageArrivals func([]domain.Message)
	OnDisconnect      func(domain.DisconnectReason)
}

// Client owns exactly one Connexion at a time (spec §5: "Connexion
// internal state: no lock required" generalizes to the client side too,
// since only Client's own run loop ever touches it).
type Client struct {
	cfg  config.Config
	log  logging.Logger
	cb   Callbacks
	bufs *buffer.Allocator

	conn   *net.UDPConn
	sess   *transport.Connexion
	cancel context.CancelFunc
	done   chan struct{}

	// pending accumulates the deliveries of one incoming datagram or one
	// tick; only the run goroutine ever touches it.
	pending []domain.Message
}

// New builds a Client whose datagram buffers (spec §4.5: "all datagram
// buffers, in both directions, come from this pool") are drawn from a
// pool sized by cfg.IOBufferCount/cfg.IOMTU.
func New(cfg config.Config, log logging.Logger, cb Callbacks) *Client {
	if cfg.IOMTU <= 0 {
		cfg.IOMTU = domain.DefaultMTU
	}
	return &Client{
		cfg:  cfg,
		log:  log,
		cb:   cb,
		bufs: buffer.New(cfg.IOBufferCount, cfg.IOMTU),
	}
}

// Connect performs the handshake (spec §4.1) against hostname:port and, on
// success, starts the background tick/receive loop that drives the
// session until Disconnect or a fatal transport error. It is cancellable:
// closing cancel aborts an in-flight handshake and reports ErrCancelled to
// OnConnectFailure (spec §5: "Connect() is cancellable by the application
// at any time").
func (c *Client) Connect(cancel <-chan struct{}, hostname string, port int, serverPublicKey [handshake.PubKeySize]byte, sessionKey []byte) {
	addr := net.JoinHostPort(hostname, strconv.Itoa(port))
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		c.fail(err)
		return
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		c.fail(err)
		return
	}

	hs := handshake.NewClientHandshake(conn, serverPublicKey, sessionKey)
	result, err := hs.Run(cancel)
	if err != nil {
		conn.Close()
		c.fail(err)
		return
	}

	sess, err := transport.NewConnexion(result.Keys.SessionKeyIndex, result.Keys.ClientToServerKey, result.Keys.ServerToClientKey, c.cfg.IOMTU, transport.Callbacks{
		OnMessage:    c.deliverMessage,
		OnDisconnect: c.deliverDisconnect,
	}, time.Now())
	if err != nil {
		conn.Close()
		c.fail(err)
		return
	}

	c.conn = conn
	c.sess = sess
	if c.cb.OnConnectSuccess != nil {
		c.cb.OnConnectSuccess()
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	c.cancel = runCancel
	c.done = make(chan struct{})
	go c.run(runCtx)
}

func (c *Client) fail(err error) {
	if c.cb.OnConnectFailure != nil {
		c.cb.OnConnectFailure(err)
	}
}

// deliverMessage accumulates the OnMessage deliveries produced by one
// incoming datagram or one tick, so they reach
// the application as a single OnMessageArrivals(msgs) call, per spec §6's
// Client shape, rather than the transport layer's one-message-at-a-time
// Connexion.Callbacks.
func (c *Client) deliverMessage(m domain.Message) {
	c.pending = append(c.pending, m)
}

func (c *Client) deliverDisconnect(reason domain.DisconnectReason) {
	if c.cb.OnDisconnect != nil {
		c.cb.OnDisconnect(reason)
	}
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(domain.TickInterval)
	defer ticker.Stop()

	readErrs := make(chan error, 1)
	incoming := make(chan *buffer.Buffer, 256)
	go c.readLoop(ctx, incoming, readErrs)

	for {
		select {
		case <-ctx.Done():
			return
		case rbuf := <-incoming:
			if err := c.sess.OnDatagram(time.Now(), rbuf.Bytes()); err != nil {
				c.log.Inane("datagram rejected", "err", err)
			}
			c.bufs.Release(rbuf)
			c.flush()
		case <-readErrs:
			return
		case now := <-ticker.C:
			for _, out := range c.sess.Tick(now) {
				if err := c.writeDatagram(out); err != nil {
					c.log.Warn("send failed", "err", err)
				}
			}
			c.flush()
			if st := c.sess.State(); st == transport.StateDead || st == transport.StateFailed {
				return
			}
		}
	}
}

// writeDatagram writes data to the connected peer using a pool-sourced
// buffer for the actual socket write (spec §4.5: "all datagram buffers,
// in both directions, come from this pool").
func (c *Client) writeDatagram(data []byte) error {
	wbuf, ok := c.bufs.Acquire()
	if !ok {
		return domain.Wrap(domain.KindResource, "write datagram", domain.ErrBufferExhausted)
	}
	defer c.bufs.Release(wbuf)
	wbuf.Reset(len(data))
	copy(wbuf.Bytes(), data)
	_, err := c.conn.Write(wbuf.Bytes())
	return err
}

func (c *Client) flush() {
	if len(c.pending) == 0 {
		return
	}
	if c.cb.OnMessageArrivals != nil {
		c.cb.OnMessageArrivals(c.pending)
	}
	c.pending = nil
}

func (c *Client) readLoop(ctx context.Context, out chan<- *buffer.Buffer, errs chan<- error) {
	for {
		rbuf, ok := c.bufs.Acquire()
		if !ok {
			// Pool exhausted: spec §7's ResourceError is silent-drop on the
			// incoming side.
			c.log.Inane("datagram buffer pool exhausted on read")
			time.Sleep(time.Millisecond)
			continue
		}
		rbuf.Reset(c.bufs.BufferSize())

		_ = c.conn.SetReadDeadline(time.Now().Add(domain.TickInterval))
		n, err := c.conn.Read(rbuf.Bytes())
		select {
		case <-ctx.Done():
			c.bufs.Release(rbuf)
			return
		default:
		}
		if err != nil {
			c.bufs.Release(rbuf)
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			errs <- err
			return
		}
		rbuf.Reset(n)
		select {
		case out <- rbuf:
		case <-ctx.Done():
			c.bufs.Release(rbuf)
			return
		}
	}
}

// WriteReliable proxies to the underlying Connexion (spec §6's Connexion
// shape), available once Connect has succeeded.
func (c *Client) WriteReliable(stream domain.StreamID, opcode uint8, payload []byte) (domain.MessageID, error) {
	if c.sess == nil {
		return 0, domain.Wrap(domain.KindTransport, "write reliable", transport.ErrStreamClosed)
	}
	return c.sess.WriteReliable(stream, opcode, payload)
}

func (c *Client) WriteUnreliable(opcode uint8, payload []byte) error {
	if c.sess == nil {
		return domain.Wrap(domain.KindTransport, "write unreliable", transport.ErrStreamClosed)
	}
	return c.sess.WriteUnreliable(opcode, payload)
}

// Disconnect starts the local-close sequence and, once the run loop
// observes StateDead, stops the background goroutine.
func (c *Client) Disconnect(reason domain.DisconnectReason) {
	if c.sess == nil {
		return
	}
	c.sess.Disconnect(reason, time.Now())
}

// Close cancels the run loop immediately without waiting for a graceful
// DISCONNECT round trip; used when the application is shutting down.
func (c *Client) Close() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	if c.conn != nil {
		c.conn.Close()
	}
}

