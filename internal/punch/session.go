package punch

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/punchd/punchd/internal/transport/udp"
	"github.com/punchd/punchd/pkg/wire"
)

const (
	// connectorTokenLength is the size of a Connector-generated session
	// token. It sits comfortably inside wire.MinTokenLen/MaxTokenLen.
	connectorTokenLength = 16

	registerSendTimeout = 5 * time.Second
	punchSendTimeout    = 2 * time.Second
	outerPollInterval   = time.Second
	listenPollInterval  = time.Second
)

// Sentinel errors returned by Session's public operations.
var (
	ErrAlreadyStarted    = errors.New("punch: session already started")
	ErrWrongRole         = errors.New("punch: operation not valid for this session's role")
	ErrDisposed          = errors.New("punch: session disposed")
	ErrPeerNotRegistered = errors.New("punch: peer not registered with rendezvous server")
	ErrExhausted         = errors.New("punch: attempt budget exhausted without a matched peer")
)

// Option configures a Session at construction time.
type Option func(*Session)

// WithConfig overrides the default tunables. Zero fields fall back to
// their defaults, except RetryDelay, where 0 means no delay.
func WithConfig(cfg Config) Option {
	return func(s *Session) { s.config = cfg.withDefaults() }
}

// WithObservers attaches one or more Observers, fanned out via
// MultiObserver.
func WithObservers(obs ...Observer) Option {
	return func(s *Session) { s.observer = NewMultiObserver(obs...) }
}

// WithBinder overrides how the session opens its Transport. Tests use
// this to inject a mock Transport without a real socket.
func WithBinder(b Binder) Option {
	return func(s *Session) { s.bind = b }
}

// WithRandSource overrides the source of Connector token bytes. Tests
// use this for deterministic tokens.
func WithRandSource(r io.Reader) Option {
	return func(s *Session) { s.randSrc = r }
}

// WithToken fixes the Connector's session token instead of generating
// one randomly at Punch time, e.g. one obtained out-of-band via the
// pair command. It has no effect on a Listener or ListenerSingle
// session, which never generate or send a token of their own.
func WithToken(token []byte) Option {
	return func(s *Session) { s.presetToken = append([]byte(nil), token...) }
}

// Session drives one Listener, Connector, or single-shot Listener
// through registration and the punching state machine over exactly one
// Transport (§4.4). A Session is single-use: call one of Punch,
// ListenForPunches, or ListenForSinglePunch exactly once.
type Session struct {
	role        Role
	server      *net.UDPAddr
	config      Config
	observer    Observer
	bind        Binder
	randSrc     io.Reader
	presetToken []byte

	started  atomic.Bool
	disposed atomic.Bool

	mu        sync.Mutex
	state     State
	cancel    context.CancelFunc
	transport Transport
}

func newSession(role Role, server *net.UDPAddr, opts ...Option) *Session {
	s := &Session{
		role:    role,
		server:  server,
		config:  DefaultConfig(),
		bind:    defaultBinder,
		randSrc: rand.Reader,
		state:   StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func defaultBinder(localAddr string) (Transport, error) {
	return udp.Bind(localAddr)
}

// NewConnector builds a session that initiates a connection to one peer.
func NewConnector(server *net.UDPAddr, opts ...Option) *Session {
	return newSession(RoleConnector, server, opts...)
}

// NewListener builds a session that accepts connections from any number
// of Connectors over its lifetime.
func NewListener(server *net.UDPAddr, opts ...Option) *Session {
	return newSession(RoleListener, server, opts...)
}

// NewListenerSingle builds a session that returns after its first
// successful punch.
func NewListenerSingle(server *net.UDPAddr, opts ...Option) *Session {
	return newSession(RoleListenerSingle, server, opts...)
}

// Role reports the session's fixed role.
func (s *Session) Role() Role {
	return s.role
}

// State reports the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Dispose cancels any in-flight operation and releases the transport. It
// is safe to call more than once and safe to call from a goroutine other
// than the one running Punch/ListenForPunches/ListenForSinglePunch.
func (s *Session) Dispose() error {
	if !s.disposed.CompareAndSwap(false, true) {
		return nil
	}

	s.mu.Lock()
	cancel := s.cancel
	transport := s.transport
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	var err error
	if transport != nil {
		err = transport.Close()
	}
	s.setState(StateClosed, "disposed", nil)
	return err
}

// Punch is the Connector operation: register the target peer with the
// server, then run the outer loop until a matched PunchSuccess is
// observed, the server reports the peer unregistered, the attempt
// budget is exhausted, or ctx is canceled.
func (s *Session) Punch(ctx context.Context, localAddr string, peerIPv4 net.IP) (*net.UDPAddr, error) {
	if s.role != RoleConnector {
		return nil, ErrWrongRole
	}
	ip4 := peerIPv4.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("punch: peer address %v is not IPv4", peerIPv4)
	}
	return s.run(ctx, localAddr, ip4)
}

// ListenForPunches is the Listener operation: register with the server,
// then run the outer loop indefinitely, reflecting every inbound Punch
// as a PunchSuccess, until ctx is canceled or Dispose is called.
func (s *Session) ListenForPunches(ctx context.Context, localAddr string) error {
	if s.role != RoleListener {
		return ErrWrongRole
	}
	_, err := s.run(ctx, localAddr, nil)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrDisposed) {
		return nil
	}
	return err
}

// ListenForSinglePunch is the ListenerSingle operation: like
// ListenForPunches, but returns the first Connector's endpoint after
// reflecting its first Punch.
func (s *Session) ListenForSinglePunch(ctx context.Context, localAddr string) (*net.UDPAddr, error) {
	if s.role != RoleListenerSingle {
		return nil, ErrWrongRole
	}
	return s.run(ctx, localAddr, nil)
}

// run binds the transport, sends the single Register datagram, and
// drives the outer loop. It is shared by all three public operations;
// role determines which of them may call it and how the outer loop
// dispatches.
func (s *Session) run(parent context.Context, localAddr string, targetPeerIP net.IP) (*net.UDPAddr, error) {
	if !s.started.CompareAndSwap(false, true) {
		return nil, ErrAlreadyStarted
	}
	if s.disposed.Load() {
		return nil, ErrDisposed
	}

	transport, err := s.bind(localAddr)
	if err != nil {
		return nil, fmt.Errorf("punch: bind %s: %w", localAddr, err)
	}

	ctx, cancel := context.WithCancel(parent)
	s.mu.Lock()
	s.transport = transport
	s.cancel = cancel
	s.mu.Unlock()

	defer func() {
		cancel()
		_ = transport.Close()
	}()

	var token []byte
	if s.role == RoleConnector {
		if s.presetToken != nil {
			token = s.presetToken
		} else {
			token, err = s.generateToken()
			if err != nil {
				return nil, fmt.Errorf("punch: generate token: %w", err)
			}
		}
	}

	if err := s.registerSession(transport, targetPeerIP, token); err != nil {
		// Advisory only: a dropped Register is recovered from once a
		// ConnectTo or reflected Punch never arrives and the outer loop's
		// own budget runs out (§4.3).
		s.notifyDatagram(DirectionOutbound, wire.KindRegister, s.server, "register send failed: "+err.Error())
	}
	s.setState(StateRegistered, "register sent", nil)

	addr, err := s.runOuterLoop(ctx, transport, targetPeerIP, token)
	if err != nil {
		if !s.disposed.Load() {
			s.setState(StateFailed, err.Error(), err)
		}
		return nil, err
	}
	s.setState(StateSucceeded, "matched", nil)
	return addr, nil
}

func (s *Session) generateToken() ([]byte, error) {
	token := make([]byte, connectorTokenLength)
	if _, err := io.ReadFull(s.randSrc, token); err != nil {
		return nil, err
	}
	return token, nil
}

func (s *Session) registerSession(transport Transport, targetPeerIP net.IP, token []byte) error {
	var buf [wire.Size]byte
	if s.role == RoleConnector {
		var err error
		buf, err = wire.EncodeRegisterConnector(targetPeerIP, token)
		if err != nil {
			return err
		}
	} else {
		buf = wire.EncodeRegisterListener()
	}

	_, err := transport.SendTo(buf[:], registerSendTimeout, s.server)
	s.notifyDatagram(DirectionOutbound, wire.KindRegister, s.server, "register")
	return err
}

// runOuterLoop implements §4.4's outer loop and inbound dispatch. A
// Connector bounds its iterations by MaxServerResponseAttempts; a
// Listener runs unbounded. Every iteration that consumes a real
// (correctly-sized) datagram counts against that budget, including
// timeouts and datagrams that are ultimately discarded for other
// reasons — only non-64-byte datagrams are free (§9 note 1: the
// naive "attempts never leaves zero" implementation is a bug, not the
// intended behavior).
func (s *Session) runOuterLoop(ctx context.Context, transport Transport, peerIP net.IP, myToken []byte) (*net.UDPAddr, error) {
	buf := make([]byte, 2048)
	bounded := s.role == RoleConnector
	attempts := 0

	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if s.disposed.Load() {
			return nil, ErrDisposed
		}
		if bounded && attempts >= s.config.MaxServerResponseAttempts {
			return nil, ErrExhausted
		}

		n, from, err := transport.ReceiveFrom(buf, outerPollInterval)
		if err != nil {
			if errors.Is(err, udp.ErrTimeout) {
				if bounded {
					attempts++
				}
				continue
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if s.disposed.Load() {
				return nil, ErrDisposed
			}
			return nil, fmt.Errorf("punch: receive: %w", err)
		}

		if n != wire.Size {
			continue
		}
		if bounded {
			attempts++
		}

		kind, _ := wire.Kind(buf[:n])
		switch kind {
		case wire.KindConnectTo:
			if !addrEqual(from, s.server) {
				continue
			}
			msg, derr := wire.DecodeConnectTo(buf[:n])
			if derr != nil {
				continue
			}
			if s.role == RoleConnector && !wire.TokensEqual(msg.Token, myToken) {
				s.notifyDatagram(DirectionInbound, wire.KindConnectTo, from, "discard: token mismatch")
				continue
			}

			s.setState(StatePunching, "connect_to received", nil)
			addr, matched, perr := s.punchingSubProcedure(ctx, transport, msg.PeerIP, msg.AnchorPort, msg.Token)
			if perr != nil {
				return nil, perr
			}
			if matched {
				return addr, nil
			}
			if s.role.IsListener() {
				s.setState(StateRegistered, "returned to outer loop", nil)
			}
			// Connector: fall through to the outer loop, which keeps
			// consuming its budget per fixture "exhaustion after
			// unsuccessful punching".

		case wire.KindError:
			if s.role != RoleConnector || !addrEqual(from, s.server) {
				continue
			}
			code, derr := wire.DecodeErrorCode(buf[:n])
			if derr != nil {
				continue
			}
			if code == wire.ClientNotFound {
				return nil, ErrPeerNotRegistered
			}
			// Unrecognized codes are forward-compatible no-ops.

		case wire.KindPunch:
			if !s.role.IsListener() {
				continue
			}
			reply := append([]byte(nil), buf[:n]...)
			wire.RewriteKind(reply, wire.KindPunchSuccess)
			_, _ = transport.SendTo(reply, punchSendTimeout, from)
			s.notifyDatagram(DirectionOutbound, wire.KindPunchSuccess, from, "reflected punch")
			if s.role == RoleListenerSingle {
				return from, nil
			}

		default:
			// Rule 4: anything else, including PunchSuccess arriving at a
			// Listener, is discarded.
		}
	}
}

// punchingSubProcedure runs the burst-and-listen procedure for one
// ConnectTo cycle (§4.4). A Connector bursts then listens each
// attempt and can return a matched peer address; a Listener only bursts
// and always relies on the outer loop's Punch dispatch to detect
// success.
func (s *Session) punchingSubProcedure(ctx context.Context, transport Transport, peerIP net.IP, anchorPort uint16, token []byte) (*net.UDPAddr, bool, error) {
	punchBuf, err := wire.EncodePunch(token)
	if err != nil {
		return nil, false, fmt.Errorf("punch: encode punch: %w", err)
	}

	for attempt := 0; attempt < s.config.MaxPunchAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}

		s.burst(transport, peerIP, anchorPort, punchBuf[:])

		if s.role == RoleConnector {
			addr, matched, err := s.listenPhase(ctx, transport, peerIP, anchorPort, token, punchBuf[:])
			if err != nil {
				return nil, false, err
			}
			if matched {
				return addr, true, nil
			}
		}

		last := attempt == s.config.MaxPunchAttempts-1
		if !last && s.config.RetryDelay > 0 {
			select {
			case <-time.After(s.config.RetryDelay):
			case <-ctx.Done():
				return nil, false, ctx.Err()
			}
		}
	}

	return nil, false, nil
}

// burst sends one Punch datagram to every port in the prediction window
// {anchorPort, ..., anchorPort+PortPredictions-1}.
func (s *Session) burst(transport Transport, peerIP net.IP, anchorPort uint16, punchBuf []byte) {
	for i := 0; i < s.config.PortPredictions; i++ {
		dst := &net.UDPAddr{IP: peerIP, Port: int(anchorPort) + i}
		_, _ = transport.SendTo(punchBuf, punchSendTimeout, dst)
		s.notifyDatagram(DirectionOutbound, wire.KindPunch, dst, "burst")
	}
}

// listenPhase is the Connector-only half of one punching attempt: poll
// for a reply from peerIP for up to MaxResponseWaitTime, in
// listenPollInterval increments. A Punch echoed back from within the
// prediction window is just evidence the burst is landing; one whose
// source port falls outside the window means the NAT is remapping
// unpredictably, so a single corrective datagram is aimed directly back
// at the observed port (§4.4, "adaptive re-targeting").
func (s *Session) listenPhase(ctx context.Context, transport Transport, peerIP net.IP, anchorPort uint16, token []byte, punchBuf []byte) (*net.UDPAddr, bool, error) {
	buf := make([]byte, 2048)
	deadline := time.Now().Add(s.config.MaxResponseWaitTime)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false, nil
		}
		to := listenPollInterval
		if remaining < to {
			to = remaining
		}

		n, from, err := transport.ReceiveFrom(buf, to)
		if err != nil {
			if errors.Is(err, udp.ErrTimeout) {
				if ctx.Err() != nil {
					return nil, false, ctx.Err()
				}
				continue
			}
			return nil, false, fmt.Errorf("punch: receive: %w", err)
		}

		if n != wire.Size || from == nil || !from.IP.Equal(peerIP) {
			continue
		}

		kind, _ := wire.Kind(buf[:n])
		if kind != wire.KindPunch && kind != wire.KindPunchSuccess {
			continue
		}
		msg, derr := wire.DecodePunch(buf[:n])
		if derr != nil || !wire.TokensEqual(msg.Token, token) {
			continue
		}

		if kind == wire.KindPunchSuccess {
			return from, true, nil
		}

		// A reflected Punch (not yet a PunchSuccess) confirms the peer is
		// reachable; if it arrived outside the predicted window, aim one
		// more datagram directly at the port it actually used.
		if !inWindow(from.Port, anchorPort, s.config.PortPredictions) {
			_, _ = transport.SendTo(punchBuf, punchSendTimeout, from)
			s.notifyDatagram(DirectionOutbound, wire.KindPunch, from, "adaptive-retarget")
		}
	}
}

func (s *Session) setState(to State, reason string, err error) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()

	if s.observer != nil {
		s.observer.OnTransition(Transition{
			Role:      s.role,
			From:      from,
			To:        to,
			Timestamp: time.Now(),
			Reason:    reason,
			Err:       err,
		})
	}
}

func (s *Session) notifyDatagram(dir DatagramDirection, kind byte, peer *net.UDPAddr, note string) {
	if s.observer == nil {
		return
	}
	s.observer.OnDatagram(DatagramEvent{
		Direction: dir,
		Kind:      kind,
		Peer:      peer,
		Timestamp: time.Now(),
		Note:      note,
	})
}

func addrEqual(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Port == b.Port && a.IP.Equal(b.IP)
}

func inWindow(port int, anchor uint16, width int) bool {
	lo := int(anchor)
	return port >= lo && port < lo+width
}
