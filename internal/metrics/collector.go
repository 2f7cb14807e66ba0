// Package metrics exposes Prometheus counters and gauges for both the
// Rendezvous Server's matchmaking activity and a Listener/Connector
// session's punching activity.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/punchd/punchd/internal/punch"
	"github.com/punchd/punchd/internal/rendezvous"
	"github.com/punchd/punchd/pkg/wire"
)

// Registry is the Prometheus registry for all punchd metrics.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// ServerMetrics holds every metric the Rendezvous Server updates.
type ServerMetrics struct {
	Registrations      prometheus.Gauge
	RegistrationEvents *prometheus.CounterVec // labels: role
	Matches            prometheus.Counter
	ClientNotFound     prometheus.Counter
	Expired            prometheus.Counter
}

// NewServerMetrics registers and returns a fresh ServerMetrics.
func NewServerMetrics() *ServerMetrics {
	return &ServerMetrics{
		Registrations: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name: "punchd_registrations",
			Help: "Current number of live registrations held by the rendezvous server.",
		}),
		RegistrationEvents: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name: "punchd_registrations_total",
			Help: "Total Register datagrams accepted, by role.",
		}, []string{"role"}),
		Matches: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name: "punchd_matches_total",
			Help: "Total Connector/Listener pairs matched with connect_to.",
		}),
		ClientNotFound: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name: "punchd_client_not_found_total",
			Help: "Total Connector registrations that found no matching Listener.",
		}),
		Expired: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name: "punchd_registrations_expired_total",
			Help: "Total registrations removed by the idle sweep.",
		}),
	}
}

// Observer adapts ServerMetrics into a rendezvous.Observer, keeping the
// server's matching table ignorant of Prometheus the same way
// internal/punch's state machine is ignorant of its Observers.
type Observer struct {
	m *ServerMetrics
}

// NewObserver wraps m as a rendezvous.Observer.
func NewObserver(m *ServerMetrics) Observer {
	return Observer{m: m}
}

func (o Observer) OnRegistration(r rendezvous.Registration) {
	// Only Listener registrations are held in the server's table.
	if r.Role == wire.RoleListener {
		o.m.Registrations.Inc()
	}
	o.m.RegistrationEvents.WithLabelValues(roleLabel(r.Role)).Inc()
}

func (o Observer) OnOutcome(out rendezvous.Outcome) {
	if out.Matched {
		o.m.Matches.Inc()
	} else {
		o.m.ClientNotFound.Inc()
	}
}

func (o Observer) OnExpire(rendezvous.Registration) {
	o.m.Registrations.Dec()
	o.m.Expired.Inc()
}

// PunchMetrics holds the counters a Listener or Connector session
// updates as it runs.
type PunchMetrics struct {
	Attempts  *prometheus.CounterVec // labels: role
	Successes *prometheus.CounterVec // labels: role
	Failures  *prometheus.CounterVec // labels: role
	BurstSent prometheus.Counter
}

// NewPunchMetrics registers and returns a fresh PunchMetrics.
func NewPunchMetrics() *PunchMetrics {
	return &PunchMetrics{
		Attempts: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name: "punchd_punch_attempts_total",
			Help: "Total punching sub-procedures entered, by role.",
		}, []string{"role"}),
		Successes: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name: "punchd_punch_successes_total",
			Help: "Total sessions that reached a matched peer, by role.",
		}, []string{"role"}),
		Failures: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name: "punchd_punch_failures_total",
			Help: "Total sessions that ended without a matched peer, by role.",
		}, []string{"role"}),
		BurstSent: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name: "punchd_punch_burst_sent_total",
			Help: "Total Punch datagrams sent across every port-prediction burst.",
		}),
	}
}

// PunchObserver adapts PunchMetrics into a punch.Observer, the same
// role Observer plays for rendezvous.Observer above.
type PunchObserver struct {
	m *PunchMetrics
}

// NewPunchObserver wraps m as a punch.Observer.
func NewPunchObserver(m *PunchMetrics) PunchObserver {
	return PunchObserver{m: m}
}

func (o PunchObserver) OnTransition(t punch.Transition) {
	switch t.To {
	case punch.StatePunching:
		o.m.Attempts.WithLabelValues(t.Role.String()).Inc()
	case punch.StateSucceeded:
		o.m.Successes.WithLabelValues(t.Role.String()).Inc()
	case punch.StateFailed:
		o.m.Failures.WithLabelValues(t.Role.String()).Inc()
	}
}

func (o PunchObserver) OnDatagram(e punch.DatagramEvent) {
	if e.Kind == wire.KindPunch && e.Note == "burst" {
		o.m.BurstSent.Inc()
	}
}

func roleLabel(role byte) string {
	switch role {
	case wire.RoleConnector:
		return "connector"
	case wire.RoleListener:
		return "listener"
	default:
		return "unknown"
	}
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
