package monitor

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestStatusSinkLifecycle(t *testing.T) {
	s := NewStatusSink()

	snap := s.Snapshot()
	if snap.Running {
		t.Error("a fresh sink should not report running")
	}

	s.MarkStarted()
	if !s.Snapshot().Running {
		t.Error("expected running after MarkStarted")
	}

	s.MarkInbound()
	s.MarkOutbound()
	snap = s.Snapshot()
	if snap.LastInboundAt.IsZero() || snap.LastOutboundAt.IsZero() {
		t.Error("expected inbound/outbound timestamps to be set")
	}

	s.MarkError(errors.New("boom"))
	if got := s.Snapshot().LastError; got != "boom" {
		t.Errorf("got lastError %q, want %q", got, "boom")
	}

	s.MarkStopped()
	snap = s.Snapshot()
	if snap.Running {
		t.Error("expected not running after MarkStopped")
	}
	if snap.LastStopAt.IsZero() {
		t.Error("expected LastStopAt to be set")
	}
}

func TestNewMetricsRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.Running.WithLabelValues("acct-1").Set(1)
	m.InboundTotal.WithLabelValues("acct-1", "message:new").Inc()
	m.DroppedTotal.WithLabelValues("acct-1", "rate_limited").Inc()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	if len(families) == 0 {
		t.Error("expected at least one registered metric family")
	}
}
