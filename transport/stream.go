package transport

import (
	"time"

	"sphynx/domain"
)

// unackedMessage is spec §3's "unacked set: mapping from id → (payload,
// first_send_time, retry_count, last_send_time)". The whole pre-
// fragmentation payload is kept so a retransmit re-fragments identically;
// id granularity is per-message, not per-fragment: spec's reorder buffer
// is explicitly "id → fragment(s)" and the unacked set is "id → payload"
// (singular), so one message id covers every fragment of that message and
// a NACK on that id retransmits the whole message.
type unackedMessage struct {
	opcode     uint8
	payload    []byte
	huge       bool
	firstSend  time.Time
	lastSend   time.Time
	retryCount int
}

// inProgressMessage accumulates fragments of one reliable message as they
// arrive out of order, or streams a huge message's pieces straight to the
// application as each arrives.
type inProgressMessage struct {
	opcode   uint8
	total    uint32
	huge     bool
	received uint32
	chunks   map[uint32][]byte // offset -> payload, only used when !huge
}

// Stream is the per-direction-independent state of one stream id within a
// Connexion (spec §3 "Stream"). A Connexion owns NStreams of these, one
// per reliable stream; the unreliable stream has no Stream value.
type Stream struct {
	id domain.StreamID

	nextSendID     domain.MessageID
	nextExpectedID domain.MessageID

	sendQueue []domain.MessageID
	unacked   map[domain.MessageID]*unackedMessage
	rto       rtoEstimator

	reorder map[domain.MessageID]*inProgressMessage
	// buffered holds fully-reassembled-but-not-yet-deliverable messages:
	// ids above nextExpectedID whose predecessors haven't arrived yet.
	buffered map[domain.MessageID]domain.Message
	// hugeDone marks ids whose huge-fragment stream finished (last fragment
	// delivered to the application already) but are still above
	// nextExpectedID; drainBuffered advances past them without re-emitting.
	hugeDone map[domain.MessageID]bool
}

func NewStream(id domain.StreamID) *Stream {
	return &Stream{
		id:       id,
		unacked:  make(map[domain.MessageID]*unackedMessage),
		reorder:  make(map[domain.MessageID]*inProgressMessage),
		buffered: make(map[domain.MessageID]domain.Message),
		hugeDone: make(map[domain.MessageID]bool),
	}
}

func (s *Stream) Reliable() bool { return s.id.Reliable() }

// EnqueueReliable appends a whole (unfragmented) payload to the send queue
// under the next id and returns that id.
func (s *Stream) EnqueueReliable(opcode uint8, payload []byte) domain.MessageID {
	id := s.nextSendID
	s.nextSendID++
	s.unacked[id] = &unackedMessage{opcode: opcode, payload: payload, huge: len(payload) > domain.HugeThreshold}
	s.sendQueue = append(s.sendQueue, id)
	return id
}

// PopSendable returns, in FIFO order, message ids queued for their first
// transmission (does not include retransmits, which Tick drives directly
// off the unacked map's RTO).
func (s *Stream) PopSendable() (domain.MessageID, *unackedMessage, bool) {
	for len(s.sendQueue) > 0 {
		id := s.sendQueue[0]
		s.sendQueue = s.sendQueue[1:]
		if m, ok := s.unacked[id]; ok {
			return id, m, true
		}
	}
	return 0, nil, false
}

// OldestUnackedSend reports the first-send time of the oldest in-flight
// message on this stream. Connexion.Tick does not call it; Tick visits
// streams in plain round-robin order.
func (s *Stream) OldestUnackedSend() (time.Time, bool) {
	var oldest time.Time
	found := false
	for _, m := range s.unacked {
		if m.firstSend.IsZero() {
			continue
		}
		if !found || m.firstSend.Before(oldest) {
			oldest = m.firstSend
			found = true
		}
	}
	return oldest, found
}

// DueForRetransmit returns the ids whose RTO has elapsed since their last
// send, incrementing retry_count as it reports them. exceeded=true signals
// MAX_RETRIES was exceeded on at least one message; due may still list
// other messages that are within their retry budget.
func (s *Stream) DueForRetransmit(now time.Time, maxRetries int) (due []domain.MessageID, exceeded bool) {
	for id, m := range s.unacked {
		if m.lastSend.IsZero() {
			continue // never sent yet; PopSendable will get to it
		}
		if now.Sub(m.lastSend) < s.rto.rto() {
			continue
		}
		if m.retryCount >= maxRetries {
			exceeded = true
			continue
		}
		m.retryCount++
		due = append(due, id)
	}
	return due, exceeded
}

func (s *Stream) MarkSent(id domain.MessageID, now time.Time) {
	m, ok := s.unacked[id]
	if !ok {
		return
	}
	if m.firstSend.IsZero() {
		m.firstSend = now
	}
	m.lastSend = now
}

// Ack removes id from the unacked set and reports the RTT sample, if the
// message had actually been sent (duplicate/unknown ids are ignored).
func (s *Stream) Ack(id domain.MessageID, now time.Time) (time.Duration, bool) {
	m, ok := s.unacked[id]
	if !ok {
		return 0, false
	}
	delete(s.unacked, id)
	if m.firstSend.IsZero() {
		return 0, false
	}
	sample := now.Sub(m.firstSend)
	s.rto.onSample(sample)
	return sample, true
}

// ---- receive-side reordering / reassembly ----

// deliverResult is returned by the receive path for one incoming segment.
type deliverResult struct {
	messages []domain.Message
	outOfOrder bool
	duplicate  bool
}

// ReceiveWhole handles a fully self-contained (unfragmented) reliable
// message arriving with the given 32-bit expanded id.
func (s *Stream) ReceiveWhole(id domain.MessageID, opcode uint8, payload []byte) deliverResult {
	switch {
	case id < s.nextExpectedID:
		return deliverResult{duplicate: true}
	case id == s.nextExpectedID:
		msgs := []domain.Message{{Stream: s.id, ID: id, Opcode: opcode, Payload: payload}}
		s.nextExpectedID++
		msgs = append(msgs, s.drainBuffered()...)
		return deliverResult{messages: msgs}
	default:
		if _, exists := s.buffered[id]; !exists {
			s.buffered[id] = domain.Message{Stream: s.id, ID: id, Opcode: opcode, Payload: payload}
		}
		return deliverResult{outOfOrder: true}
	}
}

func (s *Stream) drainBuffered() []domain.Message {
	var out []domain.Message
	for {
		if s.hugeDone[s.nextExpectedID] {
			delete(s.hugeDone, s.nextExpectedID)
			s.nextExpectedID++
			continue
		}
		msg, ok := s.buffered[s.nextExpectedID]
		if !ok {
			break
		}
		delete(s.buffered, s.nextExpectedID)
		out = append(out, msg)
		s.nextExpectedID++
	}
	return out
}

// ReceiveFragment folds one fragment into the reassembly state for its
// message id. For a huge message it returns the fragment itself as soon as
// it arrives (with offset); for a normal message it returns the whole
// reassembled message only once the last fragment lands and id is next in
// order (buffering/reordering exactly as ReceiveWhole does for the
// complete result).
func (s *Stream) ReceiveFragment(id domain.MessageID, f domain.Fragment) (deliverResult, error) {
	if id < s.nextExpectedID {
		return deliverResult{duplicate: true}, nil
	}

	ip, ok := s.reorder[id]
	if !ok {
		ip = &inProgressMessage{huge: f.Huge, chunks: make(map[uint32][]byte)}
		s.reorder[id] = ip
	}
	if f.Kind == domain.KindFragmentFirst {
		ip.opcode = f.Opcode
		ip.total = f.Total
	}

	if ip.huge {
		msg := domain.Message{
			Stream: s.id, ID: id, Opcode: ip.opcode, Payload: f.Payload,
			Huge: true, Offset: f.Offset, Total: ip.total, HugeLast: f.Kind == domain.KindFragmentLast,
		}
		if f.Kind == domain.KindFragmentLast {
			delete(s.reorder, id)
			if id == s.nextExpectedID {
				s.nextExpectedID++
				more := s.drainBuffered()
				return deliverResult{messages: append([]domain.Message{msg}, more...)}, nil
			}
			s.hugeDone[id] = true
		}
		return deliverResult{messages: []domain.Message{msg}}, nil
	}

	if _, dup := ip.chunks[f.Offset]; !dup {
		ip.chunks[f.Offset] = f.Payload
		ip.received += uint32(len(f.Payload))
	}

	complete := ip.total > 0 && ip.received >= ip.total
	if !complete {
		return deliverResult{outOfOrder: true}, nil
	}

	whole := make([]byte, 0, ip.total)
	var offsets []uint32
	for off := range ip.chunks {
		offsets = append(offsets, off)
	}
	sortUint32(offsets)
	for _, off := range offsets {
		whole = append(whole, ip.chunks[off]...)
	}
	if uint32(len(whole)) != ip.total {
		return deliverResult{}, domain.Wrap(domain.KindProtocol, "reassembly", domain.ErrFragmentMismatch)
	}
	delete(s.reorder, id)
	return s.ReceiveWhole(id, ip.opcode, whole), nil
}

func sortUint32(s []uint32) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
