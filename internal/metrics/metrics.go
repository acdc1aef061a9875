// Package metrics exposes Prometheus collectors for tab coordination events.
//
// A nil *Recorder is valid and records nothing, so components can take one
// optionally.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tabsync"

// Recorder groups the coordination collectors.
type Recorder struct {
	LeaderTransitions  *prometheus.CounterVec
	RefreshAttempts    *prometheus.CounterVec
	BusMessages        *prometheus.CounterVec
	SessionTransitions *prometheus.CounterVec
	RelayClients       prometheus.Gauge
	RelayDropped       prometheus.Counter
}

// New builds a Recorder and registers it with reg (nil reg skips registration).
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		LeaderTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leader_transitions_total",
			Help:      "Leadership transitions observed by this process, by resulting role.",
		}, []string{"role"}),
		RefreshAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_attempts_total",
			Help:      "Token refresh attempts, by result.",
		}, []string{"result"}),
		BusMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_messages_total",
			Help:      "Cross-tab bus messages, by direction and type.",
		}, []string{"direction", "type"}),
		SessionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Session state transitions, by resulting status.",
		}, []string{"status"}),
		RelayClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_clients",
			Help:      "Websocket clients currently connected to the relay.",
		}),
		RelayDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_dropped_frames_total",
			Help:      "Frames dropped by the relay because a client queue was full.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			r.LeaderTransitions,
			r.RefreshAttempts,
			r.BusMessages,
			r.SessionTransitions,
			r.RelayClients,
			r.RelayDropped,
		)
	}
	return r
}

// Leader records a leadership transition.
func (r *Recorder) Leader(isLeader bool) {
	if r == nil {
		return
	}
	role := "follower"
	if isLeader {
		role = "leader"
	}
	r.LeaderTransitions.WithLabelValues(role).Inc()
}

// Refresh records a refresh attempt outcome ("success", "failure", "exhausted", "skipped").
func (r *Recorder) Refresh(result string) {
	if r == nil {
		return
	}
	r.RefreshAttempts.WithLabelValues(result).Inc()
}

// Bus records a bus message ("sent", "received", "dropped").
func (r *Recorder) Bus(direction, msgType string) {
	if r == nil {
		return
	}
	r.BusMessages.WithLabelValues(direction, msgType).Inc()
}

// Session records a session transition.
func (r *Recorder) Session(status string) {
	if r == nil {
		return
	}
	r.SessionTransitions.WithLabelValues(status).Inc()
}

// RelayConnected adjusts the connected-clients gauge.
func (r *Recorder) RelayConnected(delta int) {
	if r == nil {
		return
	}
	r.RelayClients.Add(float64(delta))
}

// RelayDrop records a dropped relay frame.
func (r *Recorder) RelayDrop() {
	if r == nil {
		return
	}
	r.RelayDropped.Inc()
}
