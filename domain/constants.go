// Package domain holds the wire constants, stream/fragment types and error
// kinds shared by every other package. It has no dependencies on the rest
// of the module so that crypto, transport, server and worker can all import
// it without cycles.
package domain

import "time"

// HandshakeMagic identifies a handshake packet on the wire (spec §6).
const HandshakeMagic uint32 = 0xC47ED9AE

// ProtocolVersion is the only version this build speaks.
const ProtocolVersion uint16 = 1

// NStreams is the number of reliable ordered streams. Stream id NStreams
// itself is reserved for the single unreliable stream.
const NStreams = 4

// UnreliableStream is the implicit 5th stream carrying unreliable messages.
const UnreliableStream = NStreams

// DefaultMTU is the default maximum datagram payload size in bytes.
const DefaultMTU = 1350

// HugeThreshold is the payload size above which a message is fragmented as
// "huge" and streamed to the application incrementally (spec Open
// Questions: fixed at 64 KiB here).
const HugeThreshold = 64 * 1024

// Timing defaults (spec §4.2, §6).
const (
	TickInterval       = 20 * time.Millisecond
	AckDelay           = 10 * time.Millisecond
	DisconnectTimeout  = 15 * time.Second
	KeepaliveInterval  = 2 * time.Second
	MaxRetries         = 8
	DisconnectRetries  = 3
	DisconnectInterval = 200 * time.Millisecond
	MinRTO             = 100 * time.Millisecond
	MaxRTO             = 3 * time.Second
	MaxDecryptStreak   = 32
)

// IV replay window: fixed at 1024 positions (16 x 64-bit words), spec Open
// Questions ("pick 64 bits [NACK] and fix it" — this is the separate IV
// anti-replay window, sized per spec §4.2 "window = 1024 IVs").
const ReplayWindowWords = 16

// NackBitmapBits is the fixed NACK bitmap width (spec Open Questions).
const NackBitmapBits = 64

// Handshake retry schedule (spec §4.1).
const (
	HelloRetryStart = 500 * time.Millisecond
	HelloRetryCap   = 4 * time.Second
	HelloMaxRetries = 8
)

// FlowControl defaults (spec §4.3 / §6).
const (
	DefaultBandwidthLowBps  = 10_000
	DefaultBandwidthHighBps = 100_000_000
)

// Server / ConnexionMap sizing (spec §3, §4.4).
const (
	HashTableSize              = 32768
	MaxPopulation              = HashTableSize / 2
	FloodTableSize             = 32768
	ConnectionFloodThreshold   = 10
	CookieBinTime              = 250 * time.Millisecond
	CookieBinCount             = 16
	CookieExpireTime           = CookieBinTime * CookieBinCount
	MaxLinearProbeDistance     = 16
	FloodDecayTick             = time.Second
)

// SHUTDOWN_GRACE is how long the worker pool waits for sessions to drain
// before force-killing them (spec §5).
const ShutdownGrace = 3 * time.Second
