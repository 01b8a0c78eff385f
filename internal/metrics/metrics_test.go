package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInitIdempotent(t *testing.T) {
	Init()
	Init()

	if cyclesTotal == nil || fetchTotal == nil || notificationsTotal == nil || stateSaveTotal == nil {
		t.Fatal("Init() did not initialize collectors")
	}
}

func TestObserveCycle(t *testing.T) {
	Init()
	before := testutil.ToFloat64(cyclesTotal.WithLabelValues("ok"))
	finished := time.Unix(1_700_000_000, 0)

	ObserveCycle("ok", 2*time.Second, finished)

	if val := testutil.ToFloat64(cyclesTotal.WithLabelValues("ok")); val != before+1 {
		t.Errorf("expected cycle counter %f, got %f", before+1, val)
	}
	if val := testutil.ToFloat64(lastCycleTimestamp); val != float64(finished.Unix()) {
		t.Errorf("expected last cycle timestamp %d, got %f", finished.Unix(), val)
	}
}

func TestItemCountersIgnoreZero(t *testing.T) {
	Init()
	before := testutil.ToFloat64(newItemsTotal.WithLabelValues("article"))

	AddNewItems("article", 0)
	AddNewItems("article", 3)

	if val := testutil.ToFloat64(newItemsTotal.WithLabelValues("article")); val != before+3 {
		t.Errorf("expected %f new items, got %f", before+3, val)
	}
}

func TestObserveNotification(t *testing.T) {
	Init()
	before := testutil.ToFloat64(notificationsTotal.WithLabelValues("telegram", "error"))

	ObserveNotification("telegram", "error")

	if val := testutil.ToFloat64(notificationsTotal.WithLabelValues("telegram", "error")); val != before+1 {
		t.Errorf("expected %f, got %f", before+1, val)
	}
}
