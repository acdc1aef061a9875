package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorder_CountsByLabel(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	r := New(reg)

	r.Leader(true)
	r.Leader(false)
	r.Leader(true)
	r.Refresh("failure")
	r.Bus("sent", "LOGOUT")
	r.Session("unauthenticated")
	r.RelayConnected(2)
	r.RelayConnected(-1)

	if got := testutil.ToFloat64(r.LeaderTransitions.WithLabelValues("leader")); got != 2 {
		t.Fatalf("leader transitions=%v want 2", got)
	}
	if got := testutil.ToFloat64(r.RefreshAttempts.WithLabelValues("failure")); got != 1 {
		t.Fatalf("refresh failures=%v want 1", got)
	}
	if got := testutil.ToFloat64(r.BusMessages.WithLabelValues("sent", "LOGOUT")); got != 1 {
		t.Fatalf("bus sent=%v want 1", got)
	}
	if got := testutil.ToFloat64(r.RelayClients); got != 1 {
		t.Fatalf("relay clients=%v want 1", got)
	}

	n, err := testutil.GatherAndCount(reg)
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if n == 0 {
		t.Fatalf("expected registered series")
	}
}

func TestRecorder_NilIsNoop(t *testing.T) {
	t.Parallel()

	var r *Recorder
	r.Leader(true)
	r.Refresh("success")
	r.Bus("sent", "LOGIN")
	r.Session("authenticated")
	r.RelayConnected(1)
	r.RelayDrop()
}
