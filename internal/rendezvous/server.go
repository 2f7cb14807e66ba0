// Package rendezvous implements the matchmaking server that external
// Listener and Connector peers register with: it accepts Register
// datagrams over UDP and correlates a Connector's declared target
// IPv4 with a previously-registered Listener, emitting ConnectTo (or
// Error) so both sides can run the punching sub-procedure of
// internal/punch simultaneously.
package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/punchd/punchd/internal/transport/udp"
	"github.com/punchd/punchd/pkg/wire"
)

// DefaultSweepInterval is how often CleanupStale runs automatically
// inside Run, scaled for a protocol with a much shorter natural
// session lifetime than a long-lived mesh endpoint cache.
const DefaultSweepInterval = 2 * time.Minute

// DefaultIdleTimeout is how long a Registration entry survives without
// a fresh Register before CleanupStale removes it.
const DefaultIdleTimeout = 5 * time.Minute

// Registration is one client's entry in the server's matching table,
// keyed by its declared/observed IPv4.
type Registration struct {
	ID       string // internal correlation ID, never sent on the wire
	Role     byte   // wire.RoleListener or wire.RoleConnector
	Addr     *net.UDPAddr
	TargetIP net.IP // Connector only
	Token    []byte // Connector only
	LastSeen time.Time
}

// Outcome records one matchmaking event for the admin API / metrics
// observers; it carries no wire-protocol meaning.
type Outcome struct {
	ID        string
	Time      time.Time
	Connector string
	Listener  string
	Matched   bool
	Reason    string
}

// Observer receives server-side events. The Prometheus collector and
// the admin websocket hub are both plain Observers, keeping the
// matching table itself ignorant of metrics and HTTP, the same
// separation internal/punch.Observer draws for the client side.
type Observer interface {
	OnRegistration(Registration)
	OnOutcome(Outcome)
	OnExpire(Registration)
}

// NopObserver discards every event.
type NopObserver struct{}

func (NopObserver) OnRegistration(Registration) {}
func (NopObserver) OnOutcome(Outcome)            {}
func (NopObserver) OnExpire(Registration)        {}

// ServerSnapshot is the point-in-time view exposed by Snapshot(), used
// by the admin API's /api/v1/sessions endpoint.
type ServerSnapshot struct {
	Registrations []Registration
	Outcomes      []Outcome
}

// Server is the UDP-based matching table: a map guarded by a
// sync.RWMutex, register/lookup/cleanup methods, and zerolog debug
// tracing of every transition.
type Server struct {
	listenAddr    string
	sweepInterval time.Duration
	idleTimeout   time.Duration
	observer      Observer
	bind          func(string) (transport, error)

	mu             sync.RWMutex
	byIP           map[string]*Registration // Listener registrations, keyed by IP
	recentOutcomes []Outcome
}

// transport is the subset of the udp.Transport surface Server needs;
// declared locally so a mock can stand in for tests, the same pattern
// internal/punch.Transport uses for the client side.
type transport interface {
	LocalAddr() *net.UDPAddr
	SendTo(buf []byte, timeout time.Duration, remote *net.UDPAddr) (int, error)
	ReceiveFrom(buf []byte, timeout time.Duration) (int, *net.UDPAddr, error)
	Close() error
}

// Option configures a Server at construction.
type Option func(*Server)

// WithObserver attaches an Observer.
func WithObserver(o Observer) Option {
	return func(s *Server) { s.observer = o }
}

// WithSweepInterval overrides DefaultSweepInterval.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Server) { s.sweepInterval = d }
}

// WithIdleTimeout overrides DefaultIdleTimeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Server) { s.idleTimeout = d }
}

// New builds a Server bound to listenAddr once Run is called.
func New(listenAddr string, opts ...Option) *Server {
	s := &Server{
		listenAddr:    listenAddr,
		sweepInterval: DefaultSweepInterval,
		idleTimeout:   DefaultIdleTimeout,
		observer:      NopObserver{},
		bind:          func(addr string) (transport, error) { return udp.Bind(addr) },
		byIP:          make(map[string]*Registration),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run binds the UDP socket and serves until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	tr, err := s.bind(s.listenAddr)
	if err != nil {
		return fmt.Errorf("rendezvous: bind %s: %w", s.listenAddr, err)
	}
	defer tr.Close()

	log.Info().Str("addr", tr.LocalAddr().String()).Msg("rendezvous server listening")

	sweepTicker := time.NewTicker(s.sweepInterval)
	defer sweepTicker.Stop()

	go func() {
		<-ctx.Done()
		tr.Close()
	}()

	buf := make([]byte, 2048)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sweepTicker.C:
			s.CleanupStale()
			continue
		default:
		}

		n, from, err := tr.ReceiveFrom(buf, time.Second)
		if err != nil {
			if errors.Is(err, udp.ErrTimeout) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("rendezvous: receive: %w", err)
		}
		if n != wire.Size {
			continue
		}

		s.handle(tr, buf[:n], from)
	}
}

func (s *Server) handle(tr transport, buf []byte, from *net.UDPAddr) {
	kind, err := wire.Kind(buf)
	if err != nil {
		return
	}
	if kind != wire.KindRegister {
		// The server only ever receives Register datagrams; anything
		// else on its port is discarded, the same way a client discards
		// an unrecognized datagram kind.
		return
	}

	reg, err := wire.DecodeRegister(buf)
	if err != nil {
		log.Warn().Str("from", from.String()).Msg("rendezvous: malformed register discarded")
		return
	}

	switch reg.Role {
	case wire.RoleListener:
		s.registerListener(from)
	case wire.RoleConnector:
		s.handleConnectorRegister(tr, from, reg.TargetIP, reg.Token)
	default:
		log.Warn().Str("from", from.String()).Uint8("role", reg.Role).Msg("rendezvous: unknown role discarded")
	}
}

func (s *Server) registerListener(from *net.UDPAddr) {
	entry := &Registration{
		ID:       uuid.NewString(),
		Role:     wire.RoleListener,
		Addr:     from,
		LastSeen: time.Now(),
	}

	s.mu.Lock()
	s.byIP[from.IP.String()] = entry
	s.mu.Unlock()

	log.Debug().Str("id", entry.ID).Str("addr", from.String()).Msg("listener registered")
	s.observer.OnRegistration(*entry)
}

func (s *Server) handleConnectorRegister(tr transport, from *net.UDPAddr, targetIP net.IP, token []byte) {
	entry := &Registration{
		ID:       uuid.NewString(),
		Role:     wire.RoleConnector,
		Addr:     from,
		TargetIP: targetIP,
		Token:    token,
		LastSeen: time.Now(),
	}
	s.observer.OnRegistration(*entry)

	s.mu.RLock()
	listener, found := s.byIP[targetIP.String()]
	s.mu.RUnlock()

	if !found {
		errBuf := wire.EncodeError(wire.ClientNotFound)
		_, _ = tr.SendTo(errBuf[:], punchSendTimeout, from)
		log.Debug().Str("connector", from.String()).Str("target", targetIP.String()).Msg("client not found")
		s.recordOutcome(Outcome{
			ID:        entry.ID,
			Time:      time.Now(),
			Connector: from.String(),
			Listener:  targetIP.String(),
			Matched:   false,
			Reason:    "client_not_found",
		})
		return
	}

	toConnector, err := wire.EncodeConnectTo(listener.Addr.IP, uint16(listener.Addr.Port), token)
	if err != nil {
		log.Warn().Err(err).Msg("rendezvous: could not encode connect_to for connector")
		return
	}
	toListener, err := wire.EncodeConnectTo(from.IP, uint16(from.Port), token)
	if err != nil {
		log.Warn().Err(err).Msg("rendezvous: could not encode connect_to for listener")
		return
	}

	_, _ = tr.SendTo(toConnector[:], punchSendTimeout, from)
	_, _ = tr.SendTo(toListener[:], punchSendTimeout, listener.Addr)

	log.Debug().
		Str("connector", from.String()).
		Str("listener", listener.Addr.String()).
		Msg("connect_to dispatched to both sides")

	s.recordOutcome(Outcome{
		ID:        entry.ID,
		Time:      time.Now(),
		Connector: from.String(),
		Listener:  listener.Addr.String(),
		Matched:   true,
	})
}

const punchSendTimeout = 2 * time.Second
const maxRecentOutcomes = 200

func (s *Server) recordOutcome(o Outcome) {
	s.mu.Lock()
	s.recentOutcomes = append(s.recentOutcomes, o)
	if len(s.recentOutcomes) > maxRecentOutcomes {
		s.recentOutcomes = s.recentOutcomes[len(s.recentOutcomes)-maxRecentOutcomes:]
	}
	s.mu.Unlock()
	s.observer.OnOutcome(o)
}

// CleanupStale removes Registration entries whose LastSeen predates
// idleTimeout, grounded on holePunchManager.CleanupStale's ticker-driven
// sweep.
func (s *Server) CleanupStale() {
	cutoff := time.Now().Add(-s.idleTimeout)

	s.mu.Lock()
	var expired []Registration
	for ip, reg := range s.byIP {
		if reg.LastSeen.Before(cutoff) {
			expired = append(expired, *reg)
			delete(s.byIP, ip)
		}
	}
	s.mu.Unlock()

	for _, reg := range expired {
		log.Debug().Str("id", reg.ID).Str("addr", reg.Addr.String()).Msg("removed stale registration")
		s.observer.OnExpire(reg)
	}
}

// Snapshot returns a point-in-time view of the registration table and
// recent outcomes for the admin API.
func (s *Server) Snapshot() ServerSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	regs := make([]Registration, 0, len(s.byIP))
	for _, r := range s.byIP {
		regs = append(regs, *r)
	}
	outcomes := make([]Outcome, len(s.recentOutcomes))
	copy(outcomes, s.recentOutcomes)

	return ServerSnapshot{Registrations: regs, Outcomes: outcomes}
}
