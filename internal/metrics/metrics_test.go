package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mockwire/wsintercept/internal/wsproxy"
)

func TestNew(t *testing.T) {
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg

	m := New()

	if m.FramesForwardedTotal == nil {
		t.Error("FramesForwardedTotal is nil")
	}
	if m.FramesDroppedTotal == nil {
		t.Error("FramesDroppedTotal is nil")
	}
	if m.ActiveSessions == nil {
		t.Error("ActiveSessions is nil")
	}
	if m.DialFailuresTotal == nil {
		t.Error("DialFailuresTotal is nil")
	}

	m.FrameForwarded("downstream->upstream")
	m.FrameDropped("upstream->downstream")
	m.CloseForwarded(true)
	m.CloseForwarded(false)
	m.SessionOpened(wsproxy.TagPassthrough)
	m.SessionFaulted(wsproxy.TagPassthrough, "dial failed")
	m.DialFailed()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	expected := []string{
		"wsintercept_frames_forwarded_total",
		"wsintercept_frames_dropped_total",
		"wsintercept_closes_forwarded_total",
		"wsintercept_sessions_opened_total",
		"wsintercept_sessions_faulted_total",
		"wsintercept_active_sessions",
		"wsintercept_dial_failures_total",
		"wsintercept_dial_duration_seconds",
	}
	for _, name := range expected {
		if !names[name] {
			t.Errorf("missing metric: %s", name)
		}
	}
}
