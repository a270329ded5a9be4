package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/zhouzirui/live-transcribe/backend/internal/service/session"
)

var _ session.Recorder = (*Metrics)(nil)

func TestMetricsRecordSessionLifecycle(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed(3 * time.Second)

	if got := testutil.ToFloat64(m.ActiveSessions); got != 1 {
		t.Fatalf("expected 1 active session, got %v", got)
	}
	if got := testutil.ToFloat64(m.SessionsTotal); got != 2 {
		t.Fatalf("expected 2 sessions total, got %v", got)
	}
	if got := testutil.CollectAndCount(m.SessionDuration); got != 1 {
		t.Fatalf("expected session duration histogram, got %d series", got)
	}
}

func TestMetricsRecordFlushesAndInference(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.FlushTriggered("size", 40*1024)
	m.FlushTriggered("idle", 100)
	m.FlushTriggered("idle", 200)
	m.InferenceCompleted("transcript", 500*time.Millisecond)
	m.InferenceCompleted("error", time.Second)
	m.ResultDropped()

	if got := testutil.ToFloat64(m.Flushes.WithLabelValues("idle")); got != 2 {
		t.Fatalf("expected 2 idle flushes, got %v", got)
	}
	if got := testutil.ToFloat64(m.Flushes.WithLabelValues("size")); got != 1 {
		t.Fatalf("expected 1 size flush, got %v", got)
	}
	if got := testutil.ToFloat64(m.Inferences.WithLabelValues("error")); got != 1 {
		t.Fatalf("expected 1 failed inference, got %v", got)
	}
	if got := testutil.ToFloat64(m.DroppedResults); got != 1 {
		t.Fatalf("expected 1 dropped result, got %v", got)
	}
}

func TestNewMetricsRegistersWithRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.SessionOpened()
	m.FlushTriggered("final", 10)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	for _, want := range []string{"transcribe_active_sessions", "transcribe_sessions_total", "transcribe_flushes_total"} {
		if !names[want] {
			t.Fatalf("expected %s to be registered, got %v", want, names)
		}
	}
}
