package reconcile

import (
	"context"
	"testing"

	"bitbucket.org/mmdatafocus/lotsync_backend/mrpeasy"
	"github.com/shopspring/decimal"
)

func TestOrderUpdate_AppliesQuantityAndStatusTogether(t *testing.T) {
	api := &fakeOrdersAPI{orders: []mrpeasy.ManufacturingOrder{
		testOrder(101, "MO-00042", "L28553", mrpeasy.StatusInProgress, "100"),
	}}
	update := NewOrderUpdate(api, quietLogger())

	qty := decimal.RequireFromString("97.5")
	updated, err := update.Apply(context.Background(), UpdateRequest{
		OrderID:        101,
		ActualQuantity: qty,
		LotCode:        "L28553",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.Status != mrpeasy.StatusDone {
		t.Fatalf("expected Done, got %s", updated.Status)
	}
	if !updated.ActualQuantity.Equal(qty) {
		t.Fatalf("expected actual quantity %s, got %s", qty, updated.ActualQuantity)
	}
	if api.updateCalls != 1 {
		t.Fatalf("expected 1 update call, got %d", api.updateCalls)
	}
	input := api.updateInputs[0]
	if input.ActualQuantity == nil || input.Status == nil {
		t.Fatalf("quantity and status must go out in one request, got %+v", input)
	}
	// The planning estimate is never touched.
	if !updated.Quantity.Equal(decimal.RequireFromString("100")) {
		t.Fatalf("expected quantity untouched at 100, got %s", updated.Quantity)
	}
}

func TestOrderUpdate_AlreadyAppliedIsNoOp(t *testing.T) {
	done := testOrder(101, "MO-00042", "L28553", mrpeasy.StatusDone, "100")
	done.ActualQuantity = decimal.RequireFromString("97.5")
	api := &fakeOrdersAPI{orders: []mrpeasy.ManufacturingOrder{done}}
	update := NewOrderUpdate(api, quietLogger())

	updated, err := update.Apply(context.Background(), UpdateRequest{
		OrderID:        101,
		ActualQuantity: decimal.RequireFromString("97.5"),
		LotCode:        "L28553",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.Status != mrpeasy.StatusDone {
		t.Fatalf("expected Done, got %s", updated.Status)
	}
	if api.updateCalls != 0 {
		t.Fatalf("re-applying the same update must not write, got %d calls", api.updateCalls)
	}
}

func TestOrderUpdate_FinalizedWithDifferentQuantityIsConflict(t *testing.T) {
	done := testOrder(101, "MO-00042", "L28553", mrpeasy.StatusDone, "100")
	done.ActualQuantity = decimal.RequireFromString("80")
	api := &fakeOrdersAPI{orders: []mrpeasy.ManufacturingOrder{done}}
	update := NewOrderUpdate(api, quietLogger())

	_, err := update.Apply(context.Background(), UpdateRequest{
		OrderID:        101,
		ActualQuantity: decimal.RequireFromString("97.5"),
		LotCode:        "L28553",
	})
	if KindOf(err) != KindConflict {
		t.Fatalf("expected conflict, got %v (%v)", KindOf(err), err)
	}
	if api.updateCalls != 0 {
		t.Fatalf("a finalized order must never be overwritten, got %d calls", api.updateCalls)
	}
}

func TestOrderUpdate_CancelledOrderIsConflict(t *testing.T) {
	api := &fakeOrdersAPI{orders: []mrpeasy.ManufacturingOrder{
		testOrder(101, "MO-00042", "L28553", mrpeasy.StatusCancelled, "100"),
	}}
	update := NewOrderUpdate(api, quietLogger())

	_, err := update.Apply(context.Background(), UpdateRequest{
		OrderID:        101,
		ActualQuantity: decimal.RequireFromString("97.5"),
		LotCode:        "L28553",
	})
	if KindOf(err) != KindConflict {
		t.Fatalf("expected conflict, got %v (%v)", KindOf(err), err)
	}
}

func TestOrderUpdate_OrderDisappearedIsConflict(t *testing.T) {
	api := &fakeOrdersAPI{}
	update := NewOrderUpdate(api, quietLogger())

	_, err := update.Apply(context.Background(), UpdateRequest{
		OrderID:        999,
		ActualQuantity: decimal.RequireFromString("1"),
		LotCode:        "L28553",
	})
	if KindOf(err) != KindConflict {
		t.Fatalf("expected conflict, got %v (%v)", KindOf(err), err)
	}
}

func TestOrderUpdate_NonPositiveQuantityIsFatalWithoutNetwork(t *testing.T) {
	api := &fakeOrdersAPI{orders: []mrpeasy.ManufacturingOrder{
		testOrder(101, "MO-00042", "L28553", mrpeasy.StatusInProgress, "100"),
	}}
	update := NewOrderUpdate(api, quietLogger())

	for _, qty := range []string{"0", "-5"} {
		_, err := update.Apply(context.Background(), UpdateRequest{
			OrderID:        101,
			ActualQuantity: decimal.RequireFromString(qty),
			LotCode:        "L28553",
		})
		if KindOf(err) != KindFatal {
			t.Fatalf("quantity %s: expected fatal, got %v (%v)", qty, KindOf(err), err)
		}
	}
	if api.getCalls != 0 || api.updateCalls != 0 {
		t.Fatalf("local validation must not call the API (get=%d update=%d)", api.getCalls, api.updateCalls)
	}
}
