// Package udp implements the Transport Facade the punch state machine
// runs on: bind, send-to, receive-from-with-timeout, close. All blocking
// behavior comes from per-call deadlines on a single UDP socket, not from
// an event loop or worker pool — the facade carries no session or
// protocol state of its own.
package udp

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrTimeout is returned by ReceiveFrom when no datagram arrives within
// the requested deadline. It is distinguishable from a genuine
// zero-length datagram, which ReceiveFrom reports as (0, addr, nil).
var ErrTimeout = errors.New("udp: receive timeout")

// ErrClosed is returned by SendTo/ReceiveFrom after Close has been called.
var ErrClosed = errors.New("udp: transport closed")

// Transport is a single bound UDP socket. It is not safe for concurrent
// use by design (§4.2: "single-threaded: all calls happen on the
// session thread"); the only concurrency-safe operation is Close, which
// may be called from another goroutine to unblock an in-flight ReceiveFrom.
type Transport struct {
	conn   *net.UDPConn
	closed atomic.Bool
}

// Bind opens a UDP socket on localAddr. A port of 0 requests an
// ephemeral port, which is what a Connector uses by default; a Listener
// typically binds a fixed port so its address is predictable to peers
// introduced by the rendezvous server.
func Bind(localAddr string) (*Transport, error) {
	addr, err := net.ResolveUDPAddr("udp4", localAddr)
	if err != nil {
		return nil, fmt.Errorf("udp: resolve local address %q: %w", localAddr, err)
	}

	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("udp: bind %q: %w", localAddr, err)
	}

	log.Debug().Str("local_addr", conn.LocalAddr().String()).Msg("udp transport bound")

	return &Transport{conn: conn}, nil
}

// LocalAddr returns the bound local address.
func (t *Transport) LocalAddr() *net.UDPAddr {
	return t.conn.LocalAddr().(*net.UDPAddr)
}

// SendTo writes buf to remote, honoring timeout. It returns the number of
// bytes written; a fully successful send returns len(buf). Send errors
// are reported to the caller but are never fatal to the punch state
// machine (§4.4: "Send errors per-port are not fatal").
func (t *Transport) SendTo(buf []byte, timeout time.Duration, remote *net.UDPAddr) (int, error) {
	if t.closed.Load() {
		return 0, ErrClosed
	}

	if err := t.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return 0, fmt.Errorf("udp: set write deadline: %w", err)
	}

	n, err := t.conn.WriteToUDP(buf, remote)
	if err != nil {
		return n, fmt.Errorf("udp: send to %s: %w", remote, err)
	}
	return n, nil
}

// ReceiveFrom blocks up to timeout for a single datagram. On timeout it
// returns ErrTimeout, distinguishable from a genuine zero-length
// datagram (which returns n=0, err=nil). A datagram shorter than the
// caller's buffer that reads less than a full expected message is still
// returned as-is; it is the caller's job (the wire codec) to treat a
// short read as no usable datagram.
func (t *Transport) ReceiveFrom(buf []byte, timeout time.Duration) (int, *net.UDPAddr, error) {
	if t.closed.Load() {
		return 0, nil, ErrClosed
	}

	if err := t.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, nil, fmt.Errorf("udp: set read deadline: %w", err)
	}

	n, addr, err := t.conn.ReadFromUDP(buf)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return 0, nil, ErrTimeout
		}
		if t.closed.Load() {
			return 0, nil, ErrClosed
		}
		return 0, nil, fmt.Errorf("udp: receive: %w", err)
	}

	return n, addr, nil
}

// Close releases the socket. It is idempotent and safe to call from a
// goroutine other than the one blocked in ReceiveFrom, which unblocks
// with ErrClosed as soon as the underlying socket closes.
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	return t.conn.Close()
}
