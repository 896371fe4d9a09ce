package monitor

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordExecution(t *testing.T) {
	m := NewMetrics()
	m.RecordExecution("python", "completed", 0.4, 120, 12)
	m.RecordExecution("python", "completed", 0.2, 80, 0)
	m.RecordExecution("java", "timeout", 10, 300, 5)

	if got := testutil.ToFloat64(m.ExecutionsTotal.WithLabelValues("python", "completed")); got != 2 {
		t.Errorf("python completed = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ExecutionsTotal.WithLabelValues("java", "timeout")); got != 1 {
		t.Errorf("java timeout = %v, want 1", got)
	}
}

func TestImageBuildResultLabel(t *testing.T) {
	m := NewMetrics()
	m.RecordImageBuild("node", true, 30)
	m.RecordImageBuild("node", false, 2)
	m.RecordImageBuild("node", false, 3)

	if got := testutil.ToFloat64(m.ImageBuilds.WithLabelValues("node", "success")); got != 1 {
		t.Errorf("success = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ImageBuilds.WithLabelValues("node", "failure")); got != 2 {
		t.Errorf("failure = %v, want 2", got)
	}
}

func TestActiveGauge(t *testing.T) {
	m := NewMetrics()
	m.ActiveInc()
	m.ActiveInc()
	m.ActiveDec()
	if got := testutil.ToFloat64(m.ActiveExecutions); got != 1 {
		t.Errorf("active = %v, want 1", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordExecution("python", "error", 1, 1, 1)
	m.RecordError("create")
	m.RecordTruncation("python")
	m.RecordTeardownFailure()
	m.RecordOrphansRemoved(3)
	m.RecordImageBuild("java", true, 1)
	m.ObserveRuntimeOp("docker", "create", 0.1)
	m.ActiveInc()
	m.ActiveDec()
}

func TestNilTracerIsNoop(t *testing.T) {
	var tr *Tracer
	ctx, span := tr.StartSpan(context.Background(), "execute")
	if ctx == nil || span == nil {
		t.Fatal("nil tracer should return usable context and span")
	}
	EndSpan(span, errors.New("boom"))
}
