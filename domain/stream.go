package domain

// StreamID identifies one of the N_STREAMS reliable ordered streams, or the
// single unreliable stream (value UnreliableStream).
type StreamID uint8

func (s StreamID) Reliable() bool { return s < NStreams }

func (s StreamID) Valid() bool { return s <= UnreliableStream }

// MessageID is a reliable-stream sequence number. On the wire it travels as
// 3 bytes (spec §6: "message ids are 24-bit on the wire"); internally it is
// tracked as a 32-bit value with explicit wraparound bookkeeping so stream
// state never has to reason about the 24-bit truncation.
type MessageID uint32

const messageIDWireBits = 24
const messageIDWireMod = 1 << messageIDWireBits

// Wire truncates a MessageID to its 24-bit wire representation.
func (m MessageID) Wire() uint32 { return uint32(m) % messageIDWireMod }

// ExpandMessageID reconstructs the full 32-bit id for a wire value given the
// highest id seen so far on that stream, choosing the candidate nearest to
// `last` modulo 2^24 (nearest-candidate unwrap, the standard technique for
// wire-truncated monotonic counters).
func ExpandMessageID(wireID uint32, last MessageID) MessageID {
	wireID %= messageIDWireMod
	base := uint32(last) - (uint32(last) % messageIDWireMod)
	candidates := [3]uint32{base + wireID, base + wireID + messageIDWireMod, base + wireID - messageIDWireMod}
	best := candidates[0]
	bestDist := absDiff(best, uint32(last))
	for _, c := range candidates[1:] {
		if d := absDiff(c, uint32(last)); d < bestDist {
			best, bestDist = c, d
		}
	}
	return MessageID(best)
}

func absDiff(a, b uint32) uint32 {
	if a > b {
		return a - b
	}
	return b - a
}
