package core

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsCountersIncrement(t *testing.T) {
	m := NewMetrics()
	m.incInboxDropped()
	m.incInboxDropped()
	m.incReplayDetected()
	m.incRateLimited()
	m.incOnionHopFailure()
	m.incEpochAdvance()
	m.observeLookupRounds(3)

	if got := testutil.ToFloat64(m.inboxDropped); got != 2 {
		t.Fatalf("expected inboxDropped=2, got %v", got)
	}
	if got := testutil.ToFloat64(m.replayDetected); got != 1 {
		t.Fatalf("expected replayDetected=1, got %v", got)
	}
	if got := testutil.ToFloat64(m.rateLimited); got != 1 {
		t.Fatalf("expected rateLimited=1, got %v", got)
	}
	if got := testutil.ToFloat64(m.onionHopFailures); got != 1 {
		t.Fatalf("expected onionHopFailures=1, got %v", got)
	}
	if got := testutil.ToFloat64(m.epochAdvances); got != 1 {
		t.Fatalf("expected epochAdvances=1, got %v", got)
	}
}

func TestNilMetricsIsANoOp(t *testing.T) {
	var m *Metrics
	m.incInboxDropped()
	m.incReplayDetected()
	m.incRateLimited()
	m.incOnionHopFailure()
	m.incEpochAdvance()
	m.observeLookupRounds(1)
	if m.Registry() != nil {
		t.Fatal("expected a nil *Metrics to report a nil Registry")
	}
}
