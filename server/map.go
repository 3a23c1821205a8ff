// Package server implements spec §4.4: the listening endpoint, the
// ConnexionMap with flood protection, and the accept-hook-driven handshake
// acceptance flow. Grounded on the teacher's connection-routing layer
// (infrastructure/routing/server_routing), generalized from TunGo's
// single-client-per-TCP-accept model to an open-addressed hash table that
// must survive a spoofed-source-address flood without ever growing on the
// heap per attempt.
package server

import (
	"crypto/rand"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"sphynx/domain"
	"sphynx/transport"
)

type mapSlot struct {
	occupied  bool
	addrKey   string
	collision uint32
	conn      *transport.Connexion
}

// ConnexionMap is the fixed-size open-addressed table spec §4.4 describes:
// 32768 primary slots (50% max load factor), a secondary session-key
// index for O(1) post-handshake lookup, and a separate flood-counter
// table keyed only by source IP.
type ConnexionMap struct {
	mu         sync.RWMutex
	slots      [domain.HashTableSize]mapSlot
	bySession  map[uint32]int
	population int

	portSalt uint64
	ipSalt   uint64

	floodMu    sync.Mutex
	floodTable [domain.FloodTableSize]uint32
}

func NewConnexionMap() (*ConnexionMap, error) {
	m := &ConnexionMap{bySession: make(map[uint32]int)}
	if err := m.reseed(); err != nil {
		return nil, err
	}
	return m, nil
}

// reseed re-randomizes both hash salts (spec §4.4: "re-randomized on
// server start to frustrate targeted collision floods").
func (m *ConnexionMap) reseed() error {
	var buf [16]byte
	if _, err := io.ReadFull(rand.Reader, buf[:]); err != nil {
		return domain.Wrap(domain.KindResource, "connexion map reseed", err)
	}
	m.portSalt = binary.LittleEndian.Uint64(buf[0:8])
	m.ipSalt = binary.LittleEndian.Uint64(buf[8:16])
	return nil
}

func fnvHash(salt uint64, b []byte) uint64 {
	h := salt ^ 0xcbf29ce484222325
	for _, c := range b {
		h ^= uint64(c)
		h *= 0x100000001b3
	}
	return h
}

func addrKey(addr *net.UDPAddr) string {
	ip := addr.IP.To16()
	buf := make([]byte, len(ip)+2)
	copy(buf, ip)
	binary.LittleEndian.PutUint16(buf[len(ip):], uint16(addr.Port))
	return string(buf)
}

func ipKey(addr *net.UDPAddr) []byte { return addr.IP.To16() }

// LookupCheckFlood reports the existing Connexion for addr (if any) and
// whether addr's source IP has tripped the flood threshold (spec §4.4).
// The flood counter is incremented on every call, since each call
// represents one inbound handshake attempt from that IP.
func (m *ConnexionMap) LookupCheckFlood(addr *net.UDPAddr) (*transport.Connexion, bool) {
	floodHash := fnvHash(m.ipSalt, ipKey(addr)) % domain.FloodTableSize

	m.floodMu.Lock()
	m.floodTable[floodHash]++
	flooded := m.floodTable[floodHash] >= domain.ConnectionFloodThreshold
	m.floodMu.Unlock()

	if flooded {
		return nil, true
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	key := addrKey(addr)
	home := fnvHash(m.portSalt, []byte(key)) % domain.HashTableSize
	for i := uint64(0); i < domain.MaxLinearProbeDistance; i++ {
		idx := (home + i) % domain.HashTableSize
		s := &m.slots[idx]
		if s.occupied && s.addrKey == key {
			return s.conn, false
		}
	}
	return nil, false
}

// Lookup finds a Connexion by its 32-bit session key (spec §4.4), used
// for post-handshake datagram routing.
func (m *ConnexionMap) Lookup(sessionKey uint32) (*transport.Connexion, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.bySession[sessionKey]
	if !ok {
		return nil, false
	}
	s := &m.slots[idx]
	if !s.occupied || s.conn == nil || s.conn.SessionKey != sessionKey {
		return nil, false
	}
	return s.conn, true
}

// Insert places c under addr's home slot or the first open slot within
// MaxLinearProbeDistance of it (spec §4.4).
func (m *ConnexionMap) Insert(addr *net.UDPAddr, c *transport.Connexion) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.population >= domain.MaxPopulation {
		return domain.Wrap(domain.KindResource, "connexion map insert", domain.ErrMapFull)
	}

	key := addrKey(addr)
	home := fnvHash(m.portSalt, []byte(key)) % domain.HashTableSize

	for i := uint64(0); i < domain.MaxLinearProbeDistance; i++ {
		idx := (home + i) % domain.HashTableSize
		if s := &m.slots[idx]; s.occupied && s.addrKey == key {
			return domain.Wrap(domain.KindResource, "connexion map insert", domain.ErrAlreadyConnected)
		}
	}

	for i := uint64(0); i < domain.MaxLinearProbeDistance; i++ {
		idx := (home + i) % domain.HashTableSize
		s := &m.slots[idx]
		if !s.occupied {
			s.occupied = true
			s.addrKey = key
			s.conn = c
			m.slots[home].collision++
			m.bySession[c.SessionKey] = int(idx)
			m.population++
			return nil
		}
	}
	return domain.Wrap(domain.KindResource, "connexion map insert", domain.ErrMapFull)
}

// Remove clears addr's slot, if present.
func (m *ConnexionMap) Remove(addr *net.UDPAddr) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := addrKey(addr)
	home := fnvHash(m.portSalt, []byte(key)) % domain.HashTableSize
	for i := uint64(0); i < domain.MaxLinearProbeDistance; i++ {
		idx := (home + i) % domain.HashTableSize
		s := &m.slots[idx]
		if s.occupied && s.addrKey == key {
			delete(m.bySession, s.conn.SessionKey)
			*s = mapSlot{}
			if m.slots[home].collision > 0 {
				m.slots[home].collision--
			}
			m.population--
			return
		}
	}
}

// ShutdownAll transitions every live Connexion to Draining (spec §4.4).
func (m *ConnexionMap) ShutdownAll(reason domain.DisconnectReason) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := time.Now()
	for i := range m.slots {
		if s := &m.slots[i]; s.occupied && s.conn != nil {
			s.conn.Disconnect(reason, now)
		}
	}
}

// DecayFlood decrements every nonzero flood counter by one (spec §4.4:
// "one decrement of each nonzero entry per second"), meant to be called
// from a low-priority ticker.
func (m *ConnexionMap) DecayFlood() {
	m.floodMu.Lock()
	defer m.floodMu.Unlock()
	for i := range m.floodTable {
		if m.floodTable[i] > 0 {
			m.floodTable[i]--
		}
	}
}

func (m *ConnexionMap) Population() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.population
}
