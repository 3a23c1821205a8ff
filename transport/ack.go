package transport

import (
	"encoding/binary"
	"fmt"

	"sphynx/domain"
)

// AckRecord is one stream's worth of acknowledgement state (spec §3 "ACK
// record (outgoing)"): the highest contiguous delivered id, plus a bitmap
// of out-of-order ids received up to NackBitmapBits positions above it.
// A bit set means that id was received (so it is ACKed); a clear bit
// within a range bracketed by a higher received id is a gap — a NACK
// candidate for fast retransmit.
type AckRecord struct {
	Stream  domain.StreamID
	BaseID  uint32 // 24-bit wire value: highest contiguous delivered id
	Bitmap  uint64
}

// NackIDs returns the ids that are gaps (not yet received) but are
// bracketed by some received id in the bitmap, i.e. the current fast
// retransmit candidates.
func (a AckRecord) NackIDs() []uint32 {
	var out []uint32
	highestSetBit := -1
	for i := 63; i >= 0; i-- {
		if a.Bitmap&(1<<uint(i)) != 0 {
			highestSetBit = i
			break
		}
	}
	for i := 0; i < highestSetBit; i++ {
		if a.Bitmap&(1<<uint(i)) == 0 {
			out = append(out, a.BaseID+1+uint32(i))
		}
	}
	return out
}

func encodeAckTrailer(buf []byte, records []AckRecord) []byte {
	buf = append(buf, byte(len(records)))
	for _, r := range records {
		buf = append(buf, byte(r.Stream))
		var idBuf [3]byte
		idBuf[0] = byte(r.BaseID)
		idBuf[1] = byte(r.BaseID >> 8)
		idBuf[2] = byte(r.BaseID >> 16)
		buf = append(buf, idBuf[:]...)
		var bmBuf [8]byte
		binary.LittleEndian.PutUint64(bmBuf[:], r.Bitmap)
		buf = append(buf, bmBuf[:]...)
	}
	return buf
}

func decodeAckTrailer(buf []byte) ([]AckRecord, error) {
	if len(buf) < 1 {
		return nil, fmt.Errorf("ack trailer count: %w", domain.ErrMalformedPacket)
	}
	n := int(buf[0])
	buf = buf[1:]
	records := make([]AckRecord, 0, n)
	for i := 0; i < n; i++ {
		if len(buf) < 1+3+8 {
			return nil, fmt.Errorf("ack trailer entry: %w", domain.ErrMalformedPacket)
		}
		r := AckRecord{Stream: domain.StreamID(buf[0])}
		r.BaseID = uint32(buf[1]) | uint32(buf[2])<<8 | uint32(buf[3])<<16
		r.Bitmap = binary.LittleEndian.Uint64(buf[4:12])
		records = append(records, r)
		buf = buf[12:]
	}
	return records, nil
}

// pendingAcks accumulates ACK state per stream between ACK_DELAY-coalesced
// sends (spec §4.2: "batched with up to ACK_DELAY of coalescing").
type pendingAcks struct {
	records map[domain.StreamID]*AckRecord
	dirty   bool
}

func newPendingAcks() *pendingAcks {
	return &pendingAcks{records: make(map[domain.StreamID]*AckRecord)}
}

// noteDelivered marks id as the new highest contiguous delivered id on
// stream s, resetting the bitmap (the window now starts above id).
func (p *pendingAcks) noteDelivered(s domain.StreamID, id uint32) {
	r, ok := p.records[s]
	if !ok {
		r = &AckRecord{Stream: s}
		p.records[s] = r
	}
	if id > r.BaseID || !ok {
		r.BaseID = id
		r.Bitmap = 0
	}
	p.dirty = true
}

// noteOutOfOrder records that id arrived out of order, above the stream's
// current BaseID.
func (p *pendingAcks) noteOutOfOrder(s domain.StreamID, id uint32) {
	r, ok := p.records[s]
	if !ok {
		r = &AckRecord{Stream: s}
		p.records[s] = r
	}
	if id <= r.BaseID {
		return
	}
	offset := id - r.BaseID - 1
	if offset < 64 {
		r.Bitmap |= 1 << offset
	}
	p.dirty = true
}

func (p *pendingAcks) drain() []AckRecord {
	if !p.dirty {
		return nil
	}
	out := make([]AckRecord, 0, len(p.records))
	for _, r := range p.records {
		out = append(out, *r)
	}
	p.dirty = false
	return out
}

func (p *pendingAcks) hasPending() bool { return p.dirty }
