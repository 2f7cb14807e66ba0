package punch

import (
	"net"
	"time"
)

// Transport is the facade a Session drives all I/O through (§4.2).
// internal/transport/udp.Transport satisfies this interface structurally;
// tests substitute a mock to exercise the state machine without touching
// a real socket.
type Transport interface {
	// LocalAddr returns the bound local address.
	LocalAddr() *net.UDPAddr

	// SendTo attempts to send buf to remote, returning bytes written.
	SendTo(buf []byte, timeout time.Duration, remote *net.UDPAddr) (int, error)

	// ReceiveFrom blocks up to timeout for one datagram.
	ReceiveFrom(buf []byte, timeout time.Duration) (int, *net.UDPAddr, error)

	// Close releases the transport. Idempotent.
	Close() error
}

// Binder opens a Transport bound to localAddr. Sessions call this exactly
// once (§3: "Exactly one Transport may be bound per session").
type Binder func(localAddr string) (Transport, error)
