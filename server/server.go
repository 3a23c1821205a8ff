package server

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"time"

	"github.com/VictoriaMetrics/metrics"

	"sphynx/buffer"
	"sphynx/config"
	"sphynx/crypto/handshake"
	"sphynx/domain"
	"sphynx/logging"
	"sphynx/transport"
	"sphynx/worker"
)

// AcceptHook lets the embedding application veto a connection after the
// handshake has cryptographically validated but before any Connexion is
// allocated (spec §4.1/§4.4: "AcceptNewConnexion(remote_addr) -> bool").
type AcceptHook func(remoteAddr *net.UDPAddr) bool

// ConnexionHook is the "NewConnexion() factory hook" spec §6 lists
// alongside AcceptNewConnexion: it lets the embedding application supply
// the message/disconnect callbacks for each newly accepted Connexion,
// since the Server itself has no notion of an application protocol.
type ConnexionHook func(remoteAddr *net.UDPAddr, sessionKey uint32) transport.Callbacks

// Server is the accept-side listener spec §4.4 describes: it owns the
// UDP socket, the ConnexionMap, the cookie jar, and the worker pool, and
// drives every inbound datagram through the handshake state machine or a
// direct session lookup. Grounded on the teacher's server entrypoint
// (cmd/server, infrastructure/routing/server_routing) for the accept-loop
// shape, generalized from per-TCP-accept sessions to a single UDP socket
// multiplexing many Connexions by session key.
type Server struct {
	cfg    config.Config
	log    logging.Logger
	priv   handshake.KeyPair
	jar    *handshake.CookieJar
	cmap   *ConnexionMap
	pool   *worker.Pool
	conn   *net.UDPConn
	bufs   *buffer.Allocator

	accept  AcceptHook
	factory ConnexionHook

	// oob is the application-supplied session_key spec §6 passes to both
	// StartServer and Connect: a shared out-of-band tag mixed into every
	// handshake MAC so a valid handshake for one deployment can never be
	// replayed against another that happens to share the same keypair.
	// It is unrelated to the per-Connexion 32-bit wire session key.
	oob []byte

	sessionCounter uint32

	metricHandshakes *metrics.Counter
	metricRejects    *metrics.Counter
	metricFlooded    *metrics.Counter
}

// NewServer builds a Server bound to no socket yet; call StartServer to listen.
// accept/factory may be nil: every cryptographically valid handshake is
// then admitted with no-op callbacks.
func NewServer(cfg config.Config, log logging.Logger, priv handshake.KeyPair, accept AcceptHook, factory ConnexionHook) (*Server, error) {
	var secret [32]byte
	if _, err := io.ReadFull(rand.Reader, secret[:]); err != nil {
		return nil, domain.Wrap(domain.KindCrypto, "cookie secret", err)
	}
	cmap, err := NewConnexionMap()
	if err != nil {
		return nil, err
	}
	if accept == nil {
		accept = func(*net.UDPAddr) bool { return true }
	}
	if factory == nil {
		factory = func(*net.UDPAddr, uint32) transport.Callbacks { return transport.Callbacks{} }
	}
	return &Server{
		cfg:              cfg,
		log:              log,
		priv:             priv,
		jar:              handshake.NewCookieJar(secret),
		cmap:             cmap,
		bufs:             buffer.New(cfg.IOBufferCount, cfg.IOMTU),
		accept:           accept,
		factory:          factory,
		metricHandshakes: metrics.NewCounter("sphynx_server_handshakes_completed_total"),
		metricRejects:    metrics.NewCounter("sphynx_server_handshakes_rejected_total"),
		metricFlooded:    metrics.NewCounter("sphynx_server_flood_rejections_total"),
	}, nil
}

// StartServer binds addr and runs the receive loop until ctx is cancelled
// (spec §4.4/§5, §6: "StartServer(layer, port, keypair, session_key)" —
// "layer" and "keypair" are supplied at NewServer time here; sessionKey is
// the out-of-band handshake tag). It blocks; callers typically run it in
// its own goroutine.
func (s *Server) StartServer(ctx context.Context, addr string, sessionKey []byte) error {
	s.oob = sessionKey
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return domain.Wrap(domain.KindConfig, "resolve listen addr", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return domain.Wrap(domain.KindTransport, "listen", err)
	}
	s.conn = conn
	defer conn.Close()

	s.pool = worker.NewPool(s.cfg.IOWorkers, s.sendDatagram, s.log, s.bufs)
	s.pool.Start(ctx)

	decay := time.NewTicker(domain.FloodDecayTick)
	defer decay.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-decay.C:
				s.cmap.DecayFlood()
			}
		}
	}()

	go func() {
		<-ctx.Done()
		s.cmap.ShutdownAll(domain.ReasonServerShutdown)
		_ = s.pool.Shutdown(context.Background())
		conn.Close()
	}()

	for {
		rbuf, ok := s.bufs.Acquire()
		if !ok {
			// Pool exhausted: spec §7's ResourceError is silent-drop on the
			// incoming side, so back off a tick and let in-flight buffers
			// return to the pool rather than spinning a hot loop.
			s.log.Inane("datagram buffer pool exhausted on read")
			time.Sleep(time.Millisecond)
			continue
		}
		rbuf.Reset(s.bufs.BufferSize())

		n, remote, err := conn.ReadFromUDP(rbuf.Bytes())
		if err != nil {
			s.bufs.Release(rbuf)
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return domain.Wrap(domain.KindTransport, "read", err)
		}
		rbuf.Reset(n)
		s.handleDatagram(remote, rbuf)
	}
}

// ListenAddr reports the bound socket address once StartServer has called
// net.ListenUDP, or nil beforehand. Useful for tests and for logging the
// ephemeral port chosen when addr's port is 0.
func (s *Server) ListenAddr() *net.UDPAddr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// sendDatagram writes data to addr using a pool-sourced buffer for the
// actual socket write (spec §4.5: "all datagram buffers, in both
// directions, come from this pool"). Exhaustion is surfaced to the caller
// as backpressure rather than dropped, since this is the outgoing side.
func (s *Server) sendDatagram(addr *net.UDPAddr, data []byte) error {
	wbuf, ok := s.bufs.Acquire()
	if !ok {
		return domain.Wrap(domain.KindResource, "send datagram", domain.ErrBufferExhausted)
	}
	defer s.bufs.Release(wbuf)
	wbuf.Reset(len(data))
	copy(wbuf.Bytes(), data)
	_, err := s.conn.WriteToUDP(wbuf.Bytes(), addr)
	return err
}

// handleDatagram dispatches one inbound UDP payload: a session-keyed
// envelope goes straight to its owning worker, which takes ownership of
// rbuf and releases it back to the pool once consumed; anything else is
// assumed to be a handshake message tried against the HELLO/CHALLENGE
// parsers in turn (spec §4.1's stateless-until-ANSWER design means there
// is no connection-id to branch on earlier), handled synchronously here so
// rbuf is released before this call returns.
func (s *Server) handleDatagram(remote *net.UDPAddr, rbuf *buffer.Buffer) {
	if key, ok := transport.PeekSessionKey(rbuf.Bytes()); ok {
		if conn, found := s.cmap.Lookup(key); found {
			s.pool.Submit(conn.WorkerID, key, rbuf)
			return
		}
	}
	raw := append([]byte(nil), rbuf.Bytes()...)
	s.bufs.Release(rbuf)
	s.handleHandshake(remote, raw)
}

func (s *Server) handleHandshake(remote *net.UDPAddr, raw []byte) {
	if hello, err := handshake.UnmarshalHello(raw); err == nil {
		s.handleHello(remote, hello)
		return
	}
	if challenge, err := handshake.UnmarshalChallenge(raw); err == nil {
		s.handleChallenge(remote, challenge)
		return
	}
	// Unrecognized datagram for an unknown session: silently drop, per
	// spec §4.1's "never reveal why" posture.
}

func (s *Server) handleHello(remote *net.UDPAddr, hello handshake.HelloMessage) {
	if hello.Version != domain.ProtocolVersion {
		return
	}
	cookie := s.jar.Issue(addrBytes(remote))
	reply := handshake.CookieMessage{Cookie: cookie}.MarshalBinary()
	_ = s.sendDatagram(remote, reply)
}

func (s *Server) handleChallenge(remote *net.UDPAddr, challenge handshake.ChallengeMessage) {
	sharedSecret, macKey, err := handshake.ValidateChallenge(s.jar, s.priv.Private, addrBytes(remote), challenge, s.oob)
	if err != nil {
		s.metricRejects.Inc()
		return
	}

	if _, flooded := s.cmap.LookupCheckFlood(remote); flooded {
		s.metricFlooded.Inc()
		return
	}

	if !s.accept(remote) {
		s.metricRejects.Inc()
		return
	}

	answer, keys, err := handshake.CompleteServerHandshake(sharedSecret, macKey, challenge.ClientSeed, s.oob)
	if err != nil {
		s.log.Warn("complete handshake failed", "err", err, "remote", remote.String())
		return
	}

	sessionKey := keys.SessionKeyIndex
	appCallbacks := s.factory(remote, sessionKey)
	conn, err := transport.NewConnexion(sessionKey, keys.ServerToClientKey, keys.ClientToServerKey, s.cfg.IOMTU, transport.Callbacks{
		OnMessage: appCallbacks.OnMessage,
		OnDisconnect: func(reason domain.DisconnectReason) {
			s.cmap.Remove(remote)
			if appCallbacks.OnDisconnect != nil {
				appCallbacks.OnDisconnect(reason)
			}
		},
	}, time.Now())
	if err != nil {
		s.log.Warn("connexion allocation failed", "err", err, "remote", remote.String())
		return
	}

	if err := s.cmap.Insert(remote, conn); err != nil {
		s.log.Warn("connexion map insert failed", "err", err, "remote", remote.String())
		return
	}

	if err := s.sendDatagram(remote, answer.MarshalBinary()); err != nil {
		s.log.Warn("send answer failed", "err", err, "remote", remote.String())
		s.cmap.Remove(remote)
		return
	}

	s.pool.Assign(remote, conn)
	s.metricHandshakes.Inc()
	s.log.Info("connexion established", "remote", remote.String(), "session", sessionKey)
}

func (s *Server) nextSessionKey() uint32 {
	s.sessionCounter++
	return s.sessionCounter
}

func addrBytes(addr *net.UDPAddr) []byte {
	ip := addr.IP.To16()
	buf := make([]byte, len(ip)+2)
	copy(buf, ip)
	buf[len(ip)] = byte(addr.Port)
	buf[len(ip)+1] = byte(addr.Port >> 8)
	return buf
}
