package jobs

import (
	"testing"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
)

func TestTrackAttempt(t *testing.T) {
	const kind = "MetricsCheck"
	before := promtest.CollectAndCount(attemptDuration)

	done := trackAttempt(kind)
	if got := promtest.ToFloat64(inFlightGauge.WithLabelValues(kind)); got != 1 {
		t.Fatalf("in-flight during attempt = %v, want 1", got)
	}
	done()
	if got := promtest.ToFloat64(inFlightGauge.WithLabelValues(kind)); got != 0 {
		t.Fatalf("in-flight after attempt = %v, want 0", got)
	}
	if after := promtest.CollectAndCount(attemptDuration); after != before+1 {
		t.Fatalf("expected a new duration series, got %d -> %d", before, after)
	}
}

func TestMetricLabel(t *testing.T) {
	if got := metricLabel("  "); got != unknownLabel {
		t.Fatalf("metricLabel(blank) = %q", got)
	}
	if got := metricLabel(" ForgottenEmail "); got != "ForgottenEmail" {
		t.Fatalf("metricLabel() = %q", got)
	}
}
