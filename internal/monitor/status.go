// Package monitor implements the per-account session loop (§4.7): connect,
// authenticate, subscribe, route events, reconnect with backoff, and
// liveness reporting. It also carries catch-up (§4.8), which runs inline on
// the authenticated transition.
package monitor

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// StatusSink is the running/lastError/lastStartAt/lastStopAt snapshot §7
// says the enclosing plugin exposes per account, updated on every
// inbound/outbound event the monitor observes.
type StatusSink struct {
	mu sync.RWMutex

	running      bool
	lastError    string
	lastStartAt  time.Time
	lastStopAt   time.Time
	lastInboundAt  time.Time
	lastOutboundAt time.Time
}

// NewStatusSink creates an empty, not-yet-started sink.
func NewStatusSink() *StatusSink {
	return &StatusSink{}
}

// StatusSnapshot is a point-in-time read of a StatusSink.
type StatusSnapshot struct {
	Running        bool
	LastError      string
	LastStartAt    time.Time
	LastStopAt     time.Time
	LastInboundAt  time.Time
	LastOutboundAt time.Time
}

// MarkStarted records a successful authenticated transition.
func (s *StatusSink) MarkStarted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = true
	s.lastStartAt = time.Now()
	s.lastError = ""
}

// MarkStopped records a clean or aborted shutdown.
func (s *StatusSink) MarkStopped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.lastStopAt = time.Now()
}

// MarkError records a fatal or blocking error without necessarily stopping
// the monitor (reconnect attempts still count as "running").
func (s *StatusSink) MarkError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.lastError = err.Error()
	}
}

// MarkInbound timestamps the most recent inbound event observed.
func (s *StatusSink) MarkInbound() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastInboundAt = time.Now()
}

// MarkOutbound timestamps the most recent outbound chunk delivered.
func (s *StatusSink) MarkOutbound() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastOutboundAt = time.Now()
}

// Snapshot returns a consistent point-in-time read.
func (s *StatusSink) Snapshot() StatusSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return StatusSnapshot{
		Running:        s.running,
		LastError:      s.lastError,
		LastStartAt:    s.lastStartAt,
		LastStopAt:     s.lastStopAt,
		LastInboundAt:  s.lastInboundAt,
		LastOutboundAt: s.lastOutboundAt,
	}
}

// Metrics holds the process-wide Prometheus collectors every account
// monitor reports into, labeled by accountId.
type Metrics struct {
	Running       *prometheus.GaugeVec
	InboundTotal  *prometheus.CounterVec
	OutboundTotal *prometheus.CounterVec
	DroppedTotal  *prometheus.CounterVec
	Reconnects    *prometheus.CounterVec
	ActiveDispatches *prometheus.GaugeVec
}

// NewMetrics registers the gateway's Prometheus collectors against reg. Pass
// prometheus.NewRegistry() in tests to avoid colliding with the default
// global registry across parallel test runs.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Running: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "wristclaw",
			Subsystem: "monitor",
			Name:      "running",
			Help:      "1 if the account's monitor session is authenticated and running.",
		}, []string{"account_id"}),
		InboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wristclaw",
			Subsystem: "monitor",
			Name:      "inbound_events_total",
			Help:      "Inbound WebSocket events observed, by type.",
		}, []string{"account_id", "event_type"}),
		OutboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wristclaw",
			Subsystem: "monitor",
			Name:      "outbound_chunks_total",
			Help:      "Outbound reply chunks delivered.",
		}, []string{"account_id"}),
		DroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wristclaw",
			Subsystem: "monitor",
			Name:      "dropped_messages_total",
			Help:      "Inbound messages dropped, by reason.",
		}, []string{"account_id", "reason"}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wristclaw",
			Subsystem: "monitor",
			Name:      "reconnects_total",
			Help:      "WebSocket reconnect attempts.",
		}, []string{"account_id"}),
		ActiveDispatches: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "wristclaw",
			Subsystem: "monitor",
			Name:      "active_dispatches",
			Help:      "Pipeline dispatches currently in flight, per account.",
		}, []string{"account_id"}),
	}
	reg.MustRegister(m.Running, m.InboundTotal, m.OutboundTotal, m.DroppedTotal, m.Reconnects, m.ActiveDispatches)
	return m
}
