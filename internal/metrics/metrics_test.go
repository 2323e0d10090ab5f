package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRecordAndExpose(t *testing.T) {
	m, err := New(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	m.RecordTransaction(3*time.Millisecond, nil)
	m.RecordTransaction(time.Millisecond, errors.New("boom"))
	m.RecordSyncRefresh(SyncOutcomeOffline, 2)
	m.RecordPositionEvent()
	m.RecordActiveQuery(nil)

	if got := testutil.ToFloat64(m.transactionsTotal.WithLabelValues(StatusError)); got != 1 {
		t.Fatalf("expected one failed transaction, got %v", got)
	}
	if got := testutil.ToFloat64(m.syncRejectedRecords); got != 2 {
		t.Fatalf("expected two rejected records, got %v", got)
	}

	recorder := httptest.NewRecorder()
	m.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	if !strings.Contains(recorder.Body.String(), "framemark_sync_refreshes_total") {
		t.Fatalf("expected sync counter in exposition output")
	}
}

func TestNilMetricsIsNoOp(t *testing.T) {
	var m *Metrics
	m.RecordTransaction(time.Millisecond, nil)
	m.RecordAnnotationWrite("comment", nil)
	m.RecordSyncRefresh(SyncOutcomeOnline, 0)
	m.RecordDirectoryRequest("users", nil)
	m.RecordPositionEvent()
	m.RecordActiveQuery(nil)
	if m.Handler() == nil {
		t.Fatalf("expected a handler even without metrics")
	}
}
