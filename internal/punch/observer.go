package punch

import (
	"net"
	"time"

	"github.com/rs/zerolog/log"
)

// Transition represents a Session state change.
type Transition struct {
	Role      Role
	From      State
	To        State
	Timestamp time.Time
	Reason    string
	Err       error
}

// DatagramDirection distinguishes inbound from outbound datagram events.
type DatagramDirection int

const (
	DirectionOutbound DatagramDirection = iota
	DirectionInbound
)

// DatagramEvent is emitted for every datagram the session sends
// (Register, burst Punches, adaptive re-target Punches, reflected
// PunchSuccess) and for an inbound ConnectTo discarded on a token
// mismatch, so an Observer can build an accurate picture of burst
// fan-out and adaptive re-targeting without instrumenting the state
// machine itself. Other inbound datagrams, accepted or discarded, emit
// no event.
type DatagramEvent struct {
	Direction DatagramDirection
	Kind      byte // wire.Kind*
	Peer      *net.UDPAddr
	Timestamp time.Time
	Note      string // e.g. "burst", "adaptive-retarget", "discard: token mismatch"
}

// Observer receives notifications about a Session's state transitions
// and datagram traffic. Implementations must not block: both callbacks
// are invoked synchronously from the session's single thread.
type Observer interface {
	OnTransition(Transition)
	OnDatagram(DatagramEvent)
}

// ObserverFuncs adapts two plain functions into an Observer.
type ObserverFuncs struct {
	Transition func(Transition)
	Datagram   func(DatagramEvent)
}

func (f ObserverFuncs) OnTransition(t Transition) {
	if f.Transition != nil {
		f.Transition(t)
	}
}

func (f ObserverFuncs) OnDatagram(e DatagramEvent) {
	if f.Datagram != nil {
		f.Datagram(e)
	}
}

// MultiObserver fans a single notification out to several observers.
type MultiObserver struct {
	observers []Observer
}

// NewMultiObserver combines the given observers into one.
func NewMultiObserver(observers ...Observer) *MultiObserver {
	return &MultiObserver{observers: observers}
}

// Add appends an observer.
func (m *MultiObserver) Add(o Observer) {
	m.observers = append(m.observers, o)
}

func (m *MultiObserver) OnTransition(t Transition) {
	for _, o := range m.observers {
		o.OnTransition(t)
	}
}

func (m *MultiObserver) OnDatagram(e DatagramEvent) {
	for _, o := range m.observers {
		o.OnDatagram(e)
	}
}

// LoggingObserver logs transitions and datagram events at debug level.
type LoggingObserver struct{}

func (LoggingObserver) OnTransition(t Transition) {
	evt := log.Debug().
		Stringer("role", t.Role).
		Stringer("from", t.From).
		Stringer("to", t.To).
		Str("reason", t.Reason)
	if t.Err != nil {
		evt = evt.Err(t.Err)
	}
	evt.Msg("punch session state transition")
}

func (LoggingObserver) OnDatagram(e DatagramEvent) {
	dir := "out"
	if e.Direction == DirectionInbound {
		dir = "in"
	}
	log.Debug().
		Str("direction", dir).
		Uint8("kind", e.Kind).
		Str("peer", addrString(e.Peer)).
		Str("note", e.Note).
		Msg("punch datagram")
}

func addrString(a *net.UDPAddr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
