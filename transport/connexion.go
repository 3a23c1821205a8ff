package transport

import (
	"fmt"
	"time"

	"sphynx/crypto/aead"
	"sphynx/domain"
	"sphynx/flowcontrol"
)

// Callbacks are the application-facing hooks a Connexion drives (spec §5's
// OnMessageArrivals / OnDisconnect, generalized so both Client and Server
// can supply them).
type Callbacks struct {
	OnMessage    func(domain.Message)
	OnDisconnect func(domain.DisconnectReason)
}

// Connexion is one established, encrypted, multi-stream session (spec
// §4.2). Its internal state is touched by exactly one worker goroutine at
// a time (spec §4.5: "Connexion internal state: no lock required"); the
// only cross-goroutine surface is the IV counter inside its SendCipher,
// which is already atomic.
type Connexion struct {
	SessionKey uint32

	// WorkerID is set once by whatever assigns this Connexion to a worker
	// (spec §4.5: "the IO thread routes an incoming datagram to the owning
	// worker by ... reading Connexion.worker_id"). Transport itself never
	// reads it; it exists purely as routing metadata for the caller.
	WorkerID int

	send *aead.SendCipher
	recv *aead.RecvCipher
	flow *flowcontrol.Controller

	streams     [domain.NStreams]*Stream
	unreliable  []pendingUnreliable
	acks        *pendingAcks
	lastAckSend time.Time

	state             State
	decryptFailStreak int
	lastRecv          time.Time
	lastSent          time.Time

	disconnectReason  domain.DisconnectReason
	disconnectRetries int
	nextDisconnectAt  time.Time

	nextStream int
	mtu        int

	cb Callbacks
}

type pendingUnreliable struct {
	opcode  uint8
	payload []byte
}

// NewConnexion builds a Connexion from a completed handshake's derived
// keys. sendKey/recvKey select the correct half of the session keys
// depending on whether this side is the client or the server.
func NewConnexion(sessionKey uint32, sendKey, recvKey [32]byte, mtu int, cb Callbacks, now time.Time) (*Connexion, error) {
	sc, err := aead.NewSendCipher(sendKey[:])
	if err != nil {
		return nil, err
	}
	rc, err := aead.NewRecvCipher(recvKey[:])
	if err != nil {
		return nil, err
	}
	if mtu <= 0 {
		mtu = domain.DefaultMTU
	}
	c := &Connexion{
		SessionKey: sessionKey,
		WorkerID:   -1,
		send:       sc,
		recv:       rc,
		flow:       flowcontrol.New(fmt.Sprintf("%08x", sessionKey), domain.DefaultBandwidthLowBps, domain.DefaultBandwidthHighBps, now),
		acks:       newPendingAcks(),
		state:      StateConnected,
		lastRecv:   now,
		lastSent:   now,
		mtu:        mtu,
		cb:         cb,
	}
	for i := range c.streams {
		c.streams[i] = NewStream(domain.StreamID(i))
	}
	return c, nil
}

func (c *Connexion) State() State { return c.state }

func (c *Connexion) setState(next State, reason domain.DisconnectReason) {
	if err := c.state.Transition(next); err != nil {
		return
	}
	c.state = next
	if next == StateFailed || next == StateDead {
		c.disconnectReason = reason
		if c.cb.OnDisconnect != nil {
			c.cb.OnDisconnect(reason)
		}
	}
}

// WriteReliable enqueues the whole payload on the given stream; Tick
// splits it into fragments when it exceeds one datagram's capacity (spec
// §4.2). Returns the message id assigned.
func (c *Connexion) WriteReliable(stream domain.StreamID, opcode uint8, payload []byte) (domain.MessageID, error) {
	if !stream.Reliable() || int(stream) >= len(c.streams) {
		return 0, ErrStreamClosed
	}
	if c.state != StateConnected {
		return 0, domain.Wrap(domain.KindTransport, "write reliable", ErrStreamClosed)
	}
	return c.streams[stream].EnqueueReliable(opcode, payload), nil
}

// WriteUnreliable queues an unreliable payload for the next tick; it is
// never retried and carries no id (spec §4.2).
func (c *Connexion) WriteUnreliable(opcode uint8, payload []byte) error {
	if c.state != StateConnected {
		return domain.Wrap(domain.KindTransport, "write unreliable", ErrStreamClosed)
	}
	maxPayload := c.maxFragmentPayload()
	if len(payload) > maxPayload {
		return ErrFragmentTooLarge
	}
	c.unreliable = append(c.unreliable, pendingUnreliable{opcode: opcode, payload: payload})
	return nil
}

// Disconnect begins the local-close sequence (spec §4.2): move to
// Draining, then Tick drives the retried DISCONNECT send until the
// session is destroyed.
func (c *Connexion) Disconnect(reason domain.DisconnectReason, now time.Time) {
	if c.state != StateConnected {
		return
	}
	c.setState(StateDraining, reason)
	c.disconnectReason = reason
	c.disconnectRetries = 0
	c.nextDisconnectAt = now
}

func (c *Connexion) maxFragmentPayload() int {
	// header(1) + id(3) + fragment-header(9) + opcode(1) + len(2), leaving
	// room for the envelope and AEAD tag applied after encryption.
	const segmentOverhead = 1 + 3 + 9 + 1 + 2
	budget := c.mtu - envelopeSize - 16 /* poly1305 tag */ - segmentOverhead
	if budget < 1 {
		budget = 1
	}
	return budget
}

// splitFragments divides payload into pieces no larger than maxPiece,
// tagging first/mid/last and whether the whole message counts as huge.
func splitFragments(payload []byte, maxPiece int) []domain.Fragment {
	huge := len(payload) > domain.HugeThreshold
	total := uint32(len(payload))
	var out []domain.Fragment
	for offset := 0; offset < len(payload); offset += maxPiece {
		end := offset + maxPiece
		if end > len(payload) {
			end = len(payload)
		}
		kind := domain.KindFragmentMid
		switch {
		case offset == 0 && end == len(payload):
			kind = domain.KindData
		case offset == 0:
			kind = domain.KindFragmentFirst
		case end == len(payload):
			kind = domain.KindFragmentLast
		}
		out = append(out, domain.Fragment{
			Kind: kind, Offset: uint32(offset), Total: total, Huge: huge,
			Payload: payload[offset:end],
		})
	}
	return out
}

// Tick drives one scheduling round: retransmits, new sends, ACKs,
// keepalive and disconnect/timeout handling (spec §4.2). It returns zero
// or more envelope-framed ciphertexts ready for the IO layer.
func (c *Connexion) Tick(now time.Time) [][]byte {
	if c.state == StateDead || c.state == StateFailed {
		return nil
	}

	if now.Sub(c.lastRecv) > domain.DisconnectTimeout && c.state == StateConnected {
		c.setState(StateFailed, domain.ReasonTimeout)
		return nil
	}

	c.flow.OnTick()

	if c.state == StateDraining {
		return c.tickDraining(now)
	}

	var out [][]byte
	budget := c.flow.GetRemainingBytes(now)
	maxPiece := c.maxFragmentPayload()

	var pending []segment
	pendingSize := 0
	flushBody := func() {
		if len(pending) == 0 {
			return
		}
		if c.acks.hasPending() {
			pending[len(pending)-1].hasAckTrailer = true
		}
		var body []byte
		for _, s := range pending {
			body = encodeSegment(body, s)
		}
		if c.acks.hasPending() {
			body = encodeAckTrailer(body, c.acks.drain())
			c.lastAckSend = now
		}
		out = append(out, c.sealAndFrame(body))
		pending = nil
		pendingSize = 0
	}

	appendFragments := func(streamID domain.StreamID, id domain.MessageID, opcode uint8, payload []byte) {
		frags := splitFragments(payload, maxPiece)
		for _, f := range frags {
			seg := segment{
				stream: streamID, reliable: true, id: id.Wire(),
				fragmented: len(frags) > 1 || f.Huge,
				first: f.Kind == domain.KindFragmentFirst || f.Kind == domain.KindData,
				last:  f.Kind == domain.KindFragmentLast || f.Kind == domain.KindData,
				huge:  f.Huge, offset: f.Offset, total: f.Total,
				opcode: opcode, payload: f.Payload,
			}
			if len(frags) == 1 {
				seg.fragmented = false
			}
			if pendingSize+len(seg.payload)+32 > maxPiece+64 && len(pending) > 0 {
				flushBody()
			}
			pending = append(pending, seg)
			pendingSize += len(seg.payload) + 32
			budget -= int64(len(seg.payload))
		}
	}

	retransmitted := false
	for i := 0; i < len(c.streams); i++ {
		idx := (c.nextStream + i) % len(c.streams)
		s := c.streams[idx]
		due, exceeded := s.DueForRetransmit(now, domain.MaxRetries)
		if exceeded {
			c.setState(StateFailed, domain.ReasonMaxRetries)
			flushBody()
			return out
		}
		for _, id := range due {
			m := s.unacked[id]
			if m == nil {
				continue
			}
			appendFragments(domain.StreamID(idx), id, m.opcode, m.payload)
			s.MarkSent(id, now)
			retransmitted = true
		}
	}

	for budget > 0 {
		progressed := false
		for i := 0; i < len(c.streams); i++ {
			idx := (c.nextStream + i) % len(c.streams)
			s := c.streams[idx]
			id, m, ok := s.PopSendable()
			if !ok {
				continue
			}
			appendFragments(domain.StreamID(idx), id, m.opcode, m.payload)
			s.MarkSent(id, now)
			progressed = true
			if budget <= 0 {
				break
			}
		}
		c.nextStream = (c.nextStream + 1) % len(c.streams)
		if !progressed {
			break
		}
	}

	for _, u := range c.unreliable {
		seg := segment{stream: domain.UnreliableStream, reliable: false, opcode: u.opcode, payload: u.payload}
		if pendingSize+len(seg.payload)+32 > maxPiece+64 && len(pending) > 0 {
			flushBody()
		}
		pending = append(pending, seg)
		pendingSize += len(seg.payload) + 32
	}
	c.unreliable = nil

	flushBody()

	if len(out) == 0 && c.acks.hasPending() {
		// Nothing else to piggyback the ACK on: send a zero-payload
		// ack-only segment, per spec §4.2's "empty datagram (ACK only)".
		ackOnly := segment{stream: domain.UnreliableStream, reliable: false, hasAckTrailer: true}
		body := encodeSegment(nil, ackOnly)
		body = encodeAckTrailer(body, c.acks.drain())
		out = append(out, c.sealAndFrame(body))
		c.lastAckSend = now
	}

	if len(out) > 0 {
		c.lastSent = now
		c.flow.OnPacketSend(now, sumLens(out))
		return out
	}

	if now.Sub(c.lastSent) >= domain.KeepaliveInterval && c.state == StateConnected && !retransmitted {
		out = append(out, c.sealAndFrame(nil))
		c.lastSent = now
	}

	return out
}

func sumLens(bufs [][]byte) int {
	n := 0
	for _, b := range bufs {
		n += len(b)
	}
	return n
}

func (c *Connexion) tickDraining(now time.Time) [][]byte {
	if c.disconnectRetries >= domain.DisconnectRetries {
		c.setState(StateDead, c.disconnectReason)
		return nil
	}
	if now.Before(c.nextDisconnectAt) {
		return nil
	}
	seg := segment{stream: domain.UnreliableStream, disconnect: true, id: uint32(c.disconnectReason), payload: nil}
	body := encodeSegment(nil, seg)
	c.disconnectRetries++
	c.nextDisconnectAt = now.Add(domain.DisconnectInterval)
	if c.disconnectRetries >= domain.DisconnectRetries {
		defer c.setState(StateDead, c.disconnectReason)
	}
	return [][]byte{c.sealAndFrame(body)}
}

func (c *Connexion) sealAndFrame(body []byte) []byte {
	iv, ciphertext, err := c.send.Seal(body, nil)
	if err != nil {
		c.setState(StateFailed, domain.ReasonIVExhausted)
		return nil
	}
	return encodeEnvelope(c.SessionKey, iv, ciphertext)
}

// OnDatagram processes one received, envelope-framed UDP payload (spec
// §4.2's receive path). Any failure short-circuits without mutating
// replay state, matching the "avoid oracles" requirement.
func (c *Connexion) OnDatagram(now time.Time, raw []byte) error {
	_, iv, ciphertext, err := decodeEnvelope(raw)
	if err != nil {
		return err
	}
	plaintext, err := c.recv.Open(iv, ciphertext, nil)
	if err != nil {
		c.decryptFailStreak++
		if c.decryptFailStreak > domain.MaxDecryptStreak {
			c.setState(StateFailed, domain.ReasonDecryptStreak)
		}
		return err
	}
	c.decryptFailStreak = 0
	c.lastRecv = now

	segments, trailer, err := decodeDatagram(plaintext)
	if err != nil {
		return err
	}
	for _, seg := range segments {
		c.handleSegment(seg)
	}
	if trailer != nil {
		c.handleAckTrailer(now, trailer)
	}
	return nil
}

func (c *Connexion) handleSegment(seg segment) {
	if seg.disconnect {
		c.setState(StateFailed, domain.DisconnectReason(seg.id))
		return
	}
	if !seg.reliable {
		if c.cb.OnMessage != nil {
			c.cb.OnMessage(domain.Message{Stream: domain.UnreliableStream, Opcode: seg.opcode, Payload: seg.payload})
		}
		return
	}
	if int(seg.stream) >= len(c.streams) {
		return
	}
	s := c.streams[seg.stream]
	id := domain.ExpandMessageID(seg.id, s.nextExpectedID)

	var result deliverResult
	if seg.fragmented {
		f := domain.Fragment{
			Stream: seg.stream, ID: id, Opcode: seg.opcode,
			Offset: seg.offset, Total: seg.total, Huge: seg.huge,
			Payload: seg.payload,
		}
		switch {
		case seg.first && seg.last:
			f.Kind = domain.KindData
		case seg.first:
			f.Kind = domain.KindFragmentFirst
		case seg.last:
			f.Kind = domain.KindFragmentLast
		default:
			f.Kind = domain.KindFragmentMid
		}
		r, err := s.ReceiveFragment(id, f)
		if err != nil {
			return
		}
		result = r
	} else {
		result = s.ReceiveWhole(id, seg.opcode, seg.payload)
	}

	if result.duplicate {
		c.acks.noteDelivered(seg.stream, uint32(s.nextExpectedID)-1)
		return
	}
	if result.outOfOrder {
		c.acks.noteOutOfOrder(seg.stream, uint32(id))
		return
	}
	for _, msg := range result.messages {
		if c.cb.OnMessage != nil {
			c.cb.OnMessage(msg)
		}
	}
	if len(result.messages) > 0 {
		c.acks.noteDelivered(seg.stream, uint32(s.nextExpectedID)-1)
	}
}

func (c *Connexion) handleAckTrailer(now time.Time, trailer []byte) {
	records, err := decodeAckTrailer(trailer)
	if err != nil {
		return
	}
	for _, r := range records {
		if int(r.Stream) >= len(c.streams) {
			continue
		}
		s := c.streams[r.Stream]
		expanded := domain.ExpandMessageID(r.BaseID, s.nextSendID)
		for id := range s.unacked {
			if id > expanded {
				continue
			}
			if sample, ok := s.Ack(id, now); ok {
				c.flow.OnACK(sample, 0)
			}
		}
		for _, nackID := range r.NackIDs() {
			expandedNack := domain.ExpandMessageID(nackID, s.nextSendID)
			if m, ok := s.unacked[expandedNack]; ok {
				s.sendQueue = append([]domain.MessageID{expandedNack}, s.sendQueue...)
				_ = m
				c.flow.OnACK(0, 1)
			}
		}
	}
}
