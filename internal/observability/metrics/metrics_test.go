package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordSessionLifecycle(t *testing.T) {
	m := DefaultMetrics
	before := testutil.ToFloat64(m.SessionsActive)

	m.RecordSessionStart()
	if got := testutil.ToFloat64(m.SessionsActive); got != before+1 {
		t.Errorf("expected active %v, got %v", before+1, got)
	}

	failedBefore := testutil.ToFloat64(m.SessionsFailed.WithLabelValues("CAPACITY"))
	m.RecordSessionEnd("CAPACITY", 1.5)
	if got := testutil.ToFloat64(m.SessionsActive); got != before {
		t.Errorf("expected active %v after end, got %v", before, got)
	}
	if got := testutil.ToFloat64(m.SessionsFailed.WithLabelValues("CAPACITY")); got != failedBefore+1 {
		t.Errorf("expected failed counter to increase, got %v", got)
	}
}

func TestRecordUpstreamConnect_Result(t *testing.T) {
	m := DefaultMetrics
	ok := testutil.ToFloat64(m.UpstreamConnects.WithLabelValues("mock", "success"))
	bad := testutil.ToFloat64(m.UpstreamConnects.WithLabelValues("mock", "failure"))

	m.RecordUpstreamConnect("mock", nil, 0.01)
	m.RecordUpstreamConnect("mock", errors.New("refused"), 0.01)

	if got := testutil.ToFloat64(m.UpstreamConnects.WithLabelValues("mock", "success")); got != ok+1 {
		t.Errorf("expected success +1, got %v", got)
	}
	if got := testutil.ToFloat64(m.UpstreamConnects.WithLabelValues("mock", "failure")); got != bad+1 {
		t.Errorf("expected failure +1, got %v", got)
	}
}

func TestRecordAudioDropped_IgnoresZero(t *testing.T) {
	m := DefaultMetrics
	before := testutil.ToFloat64(m.AudioFramesDropped.WithLabelValues("queue_full"))

	m.RecordAudioDropped("queue_full", 0)
	m.RecordAudioDropped("queue_full", 3)

	if got := testutil.ToFloat64(m.AudioFramesDropped.WithLabelValues("queue_full")); got != before+3 {
		t.Errorf("expected +3, got %v", got-before)
	}
}

func TestStatusClass(t *testing.T) {
	tests := map[int]string{200: "2xx", 101: "2xx", 302: "3xx", 404: "4xx", 503: "5xx"}
	for status, want := range tests {
		if got := statusClass(status); got != want {
			t.Errorf("statusClass(%d) = %s, want %s", status, got, want)
		}
	}
}
