package handshake

import "time"

// Conn is the minimal I/O capability the handshake drivers need from the
// "low-level OS I/O" collaborator spec §1 places out of scope. *net.UDPConn
// (dialed) satisfies it directly; tests supply a fake.
type Conn interface {
	Write(b []byte) (int, error)
	Read(b []byte) (int, error)
	SetReadDeadline(t time.Time) error
}
