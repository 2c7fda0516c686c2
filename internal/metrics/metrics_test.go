package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if ticksTotal == nil || tickDurationSeconds == nil || itemsCreatedTotal == nil ||
		appearancesRecordedTotal == nil || backfillItemsTotal == nil || fetchTotal == nil ||
		httpRequestsTotal == nil || httpRequestDurationSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveTick(t *testing.T) {
	Init()
	before := testutil.ToFloat64(ticksTotal.WithLabelValues("ingest-test", OutcomeError))
	ObserveTick("ingest-test", OutcomeError, 250*time.Millisecond)
	if got := testutil.ToFloat64(ticksTotal.WithLabelValues("ingest-test", OutcomeError)); got != before+1 {
		t.Errorf("expected tick counter %f, got %f", before+1, got)
	}
	if n := testutil.CollectAndCount(tickDurationSeconds); n <= 0 {
		t.Errorf("expected tick duration to be observed, got %d series", n)
	}
}

func TestObserveReconcileIgnoresZero(t *testing.T) {
	Init()
	items := testutil.ToFloat64(itemsCreatedTotal)
	appearances := testutil.ToFloat64(appearancesRecordedTotal)

	ObserveReconcile(0, 0)
	ObserveReconcile(2, 3)

	if got := testutil.ToFloat64(itemsCreatedTotal); got != items+2 {
		t.Errorf("expected items created %f, got %f", items+2, got)
	}
	if got := testutil.ToFloat64(appearancesRecordedTotal); got != appearances+3 {
		t.Errorf("expected appearances %f, got %f", appearances+3, got)
	}
}

func TestObserveFetchAndBackfill(t *testing.T) {
	Init()
	fetchBefore := testutil.ToFloat64(fetchTotal.WithLabelValues("payload", FetchResultNotFound))
	backfillBefore := testutil.ToFloat64(backfillItemsTotal.WithLabelValues(BackfillFailed))

	ObserveFetch("payload", FetchResultNotFound)
	ObserveBackfillItem(BackfillFailed)

	if got := testutil.ToFloat64(fetchTotal.WithLabelValues("payload", FetchResultNotFound)); got != fetchBefore+1 {
		t.Errorf("expected fetch counter %f, got %f", fetchBefore+1, got)
	}
	if got := testutil.ToFloat64(backfillItemsTotal.WithLabelValues(BackfillFailed)); got != backfillBefore+1 {
		t.Errorf("expected backfill counter %f, got %f", backfillBefore+1, got)
	}
}
