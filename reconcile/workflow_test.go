package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/lotsync_backend/models"
	"bitbucket.org/mmdatafocus/lotsync_backend/mrpeasy"
	"github.com/shopspring/decimal"
)

type fakeRecorder struct {
	attempts  []models.ReconciliationAttempt
	recordErr error
}

func (r *fakeRecorder) Record(_ context.Context, attempt *models.ReconciliationAttempt) error {
	if r.recordErr != nil {
		return r.recordErr
	}
	r.attempts = append(r.attempts, *attempt)
	return nil
}

func newTestWorkflow(api *fakeOrdersAPI, audit Recorder) (*Workflow, *[]time.Duration) {
	logger := quietLogger()
	w := NewWorkflow(
		NewOrderLookupWithCache(api, nil, logger),
		NewOrderUpdate(api, logger),
		audit,
		testPolicy(),
		logger,
	)
	var slept []time.Duration
	w.Sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return w, &slept
}

func transientAPIError() error {
	return &mrpeasy.APIError{StatusCode: 503, Body: "upstream maintenance"}
}

func TestWorkflow_HappyPath(t *testing.T) {
	api := &fakeOrdersAPI{orders: []mrpeasy.ManufacturingOrder{
		testOrder(101, "MO-00042", "L28553", mrpeasy.StatusInProgress, "100"),
	}}
	audit := &fakeRecorder{}
	w, _ := newTestWorkflow(api, audit)

	result := w.Process(context.Background(), Event{
		LotCode:  "L28553",
		Quantity: decimal.RequireFromString("97.5"),
		Uom:      "kg",
	})

	if result.State != StateLogged {
		t.Fatalf("expected Logged, got %s (%s)", result.State, result.Message)
	}
	if api.updateCalls != 1 {
		t.Fatalf("expected 1 update call, got %d", api.updateCalls)
	}
	if !api.orders[0].ActualQuantity.Equal(decimal.RequireFromString("97.5")) {
		t.Fatalf("actual quantity not written: %s", api.orders[0].ActualQuantity)
	}
	if api.orders[0].Status != mrpeasy.StatusDone {
		t.Fatalf("order not finalized: %s", api.orders[0].Status)
	}
	if !api.orders[0].Quantity.Equal(decimal.RequireFromString("100")) {
		t.Fatalf("planning quantity must stay at 100, got %s", api.orders[0].Quantity)
	}
	if len(audit.attempts) != 1 {
		t.Fatalf("expected exactly 1 audit row, got %d", len(audit.attempts))
	}
	row := audit.attempts[0]
	if !row.Succeeded || row.StatusBefore != "In Progress" || row.StatusAfter != "Done" {
		t.Fatalf("unexpected audit row: %+v", row)
	}
}

func TestWorkflow_UnknownLotFailsNotFound(t *testing.T) {
	api := &fakeOrdersAPI{}
	audit := &fakeRecorder{}
	w, _ := newTestWorkflow(api, audit)

	result := w.Process(context.Background(), Event{
		LotCode:  "UNKNOWN",
		Quantity: decimal.RequireFromString("10"),
	})

	if result.State != StateFailed || result.ErrorKind != KindNotFound {
		t.Fatalf("expected Failed/not_found, got %s/%s", result.State, result.ErrorKind)
	}
	if api.updateCalls != 0 {
		t.Fatalf("no update may run for an unknown lot, got %d calls", api.updateCalls)
	}
	if len(audit.attempts) != 1 || audit.attempts[0].Succeeded {
		t.Fatalf("expected exactly 1 failed audit row, got %+v", audit.attempts)
	}
}

func TestWorkflow_AmbiguousLotNeverAutoResolves(t *testing.T) {
	api := &fakeOrdersAPI{orders: []mrpeasy.ManufacturingOrder{
		testOrder(101, "MO-00042", "L28553", mrpeasy.StatusInProgress, "100"),
		testOrder(102, "MO-00043", "L28553", mrpeasy.StatusInProgress, "50"),
	}}
	audit := &fakeRecorder{}
	w, _ := newTestWorkflow(api, audit)

	result := w.Process(context.Background(), Event{
		LotCode:  "L28553",
		Quantity: decimal.RequireFromString("10"),
	})

	if result.State != StateFailed || result.ErrorKind != KindAmbiguous {
		t.Fatalf("expected Failed/ambiguous, got %s/%s", result.State, result.ErrorKind)
	}
	if api.updateCalls != 0 {
		t.Fatalf("an ambiguous lot must not update any order, got %d calls", api.updateCalls)
	}
}

func TestWorkflow_TransientUpdateRecoversWithinBudget(t *testing.T) {
	api := &fakeOrdersAPI{
		orders: []mrpeasy.ManufacturingOrder{
			testOrder(101, "MO-00042", "L28553", mrpeasy.StatusInProgress, "100"),
		},
		updateErrs: []error{transientAPIError(), transientAPIError(), nil},
	}
	audit := &fakeRecorder{}
	w, slept := newTestWorkflow(api, audit)

	result := w.Process(context.Background(), Event{
		LotCode:  "L28553",
		Quantity: decimal.RequireFromString("97.5"),
	})

	if result.State != StateLogged {
		t.Fatalf("expected Logged after recovery, got %s (%s)", result.State, result.Message)
	}
	if api.updateCalls != 3 {
		t.Fatalf("expected 3 update calls, got %d", api.updateCalls)
	}
	if result.UpdateAttempts != 3 {
		t.Fatalf("expected 3 recorded attempts, got %d", result.UpdateAttempts)
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(*slept) != len(want) {
		t.Fatalf("expected %d backoff waits, got %v", len(want), *slept)
	}
	for i, d := range want {
		if (*slept)[i] != d {
			t.Fatalf("wait %d: expected %s, got %s", i+1, d, (*slept)[i])
		}
	}
}

func TestWorkflow_TransientBeyondBudgetFails(t *testing.T) {
	api := &fakeOrdersAPI{
		orders: []mrpeasy.ManufacturingOrder{
			testOrder(101, "MO-00042", "L28553", mrpeasy.StatusInProgress, "100"),
		},
		updateErr: transientAPIError(),
	}
	audit := &fakeRecorder{}
	w, _ := newTestWorkflow(api, audit)

	result := w.Process(context.Background(), Event{
		LotCode:  "L28553",
		Quantity: decimal.RequireFromString("97.5"),
	})

	if result.State != StateFailed || result.ErrorKind != KindTransient {
		t.Fatalf("expected Failed/transient, got %s/%s", result.State, result.ErrorKind)
	}
	if result.Canceled {
		t.Fatalf("a remote failure is a verdict, not a cancellation: %+v", result)
	}
	if api.updateCalls != 3 {
		t.Fatalf("expected exactly 3 update calls (the budget), got %d", api.updateCalls)
	}
	if len(audit.attempts) != 1 || audit.attempts[0].Succeeded {
		t.Fatalf("expected exactly 1 failed audit row, got %+v", audit.attempts)
	}
}

func TestWorkflow_ShutdownDuringRetryWaitIsMarkedCanceled(t *testing.T) {
	api := &fakeOrdersAPI{
		orders: []mrpeasy.ManufacturingOrder{
			testOrder(101, "MO-00042", "L28553", mrpeasy.StatusInProgress, "100"),
		},
		updateErr: transientAPIError(),
	}
	audit := &fakeRecorder{}
	w, _ := newTestWorkflow(api, audit)

	ctx, cancel := context.WithCancel(context.Background())
	w.Sleep = func(c context.Context, d time.Duration) error {
		cancel()
		return sleepContext(c, d)
	}

	result := w.Process(ctx, Event{
		LotCode:  "L28553",
		Quantity: decimal.RequireFromString("97.5"),
	})

	if result.State != StateFailed || result.ErrorKind != KindTransient {
		t.Fatalf("expected Failed/transient, got %s/%s", result.State, result.ErrorKind)
	}
	if !result.Canceled {
		t.Fatalf("cancellation must be marked so the event is released, not finalized: %+v", result)
	}
	if api.updateCalls != 1 {
		t.Fatalf("the interrupted attempt must stop after the in-flight call, got %d", api.updateCalls)
	}
}

func TestWorkflow_AuthFailureIsNotRetried(t *testing.T) {
	api := &fakeOrdersAPI{
		searchErr: &mrpeasy.APIError{StatusCode: 401, Body: "bad credentials"},
	}
	audit := &fakeRecorder{}
	w, slept := newTestWorkflow(api, audit)

	result := w.Process(context.Background(), Event{
		LotCode:  "L28553",
		Quantity: decimal.RequireFromString("10"),
	})

	if result.State != StateFailed || result.ErrorKind != KindFatal {
		t.Fatalf("expected Failed/fatal, got %s/%s", result.State, result.ErrorKind)
	}
	if api.searchCalls != 1 {
		t.Fatalf("a fatal failure must stop on the first attempt, got %d searches", api.searchCalls)
	}
	if len(*slept) != 0 {
		t.Fatalf("no backoff wait may happen for a fatal failure, got %v", *slept)
	}
}

func TestWorkflow_NonPositiveQuantityFailsBeforeAnyRemoteCall(t *testing.T) {
	api := &fakeOrdersAPI{}
	audit := &fakeRecorder{}
	w, _ := newTestWorkflow(api, audit)

	result := w.Process(context.Background(), Event{
		LotCode:  "L28553",
		Quantity: decimal.Zero,
	})

	if result.State != StateFailed || result.ErrorKind != KindFatal {
		t.Fatalf("expected Failed/fatal, got %s/%s", result.State, result.ErrorKind)
	}
	if api.searchCalls != 0 || api.updateCalls != 0 {
		t.Fatalf("no remote call may run for a non-positive quantity (search=%d update=%d)", api.searchCalls, api.updateCalls)
	}
	if len(audit.attempts) != 1 {
		t.Fatalf("expected exactly 1 audit row, got %d", len(audit.attempts))
	}
}

func TestWorkflow_AuditFailureDoesNotFailReconciliation(t *testing.T) {
	api := &fakeOrdersAPI{orders: []mrpeasy.ManufacturingOrder{
		testOrder(101, "MO-00042", "L28553", mrpeasy.StatusInProgress, "100"),
	}}
	audit := &fakeRecorder{recordErr: errors.New("audit table unavailable")}
	w, _ := newTestWorkflow(api, audit)

	result := w.Process(context.Background(), Event{
		LotCode:  "L28553",
		Quantity: decimal.RequireFromString("97.5"),
	})

	if result.State != StateLogged {
		t.Fatalf("a failed audit write must not undo a reconciled lot, got %s", result.State)
	}
	if api.orders[0].Status != mrpeasy.StatusDone {
		t.Fatalf("order must stay finalized, got %s", api.orders[0].Status)
	}
}

func TestWorkflow_RetryAfterHintStretchesBackoff(t *testing.T) {
	api := &fakeOrdersAPI{
		orders: []mrpeasy.ManufacturingOrder{
			testOrder(101, "MO-00042", "L28553", mrpeasy.StatusInProgress, "100"),
		},
		updateErrs: []error{
			&mrpeasy.APIError{StatusCode: 429, Body: "rate limited", RetryAfter: 10 * time.Second},
			nil,
		},
	}
	audit := &fakeRecorder{}
	w, slept := newTestWorkflow(api, audit)

	result := w.Process(context.Background(), Event{
		LotCode:  "L28553",
		Quantity: decimal.RequireFromString("97.5"),
	})

	if result.State != StateLogged {
		t.Fatalf("expected Logged, got %s (%s)", result.State, result.Message)
	}
	if len(*slept) != 1 || (*slept)[0] != 10*time.Second {
		t.Fatalf("server hint must stretch the wait to 10s, got %v", *slept)
	}
}
