package reconcile

import (
	"context"
	"errors"
	"strings"

	"bitbucket.org/mmdatafocus/lotsync_backend/mrpeasy"
	"bitbucket.org/mmdatafocus/lotsync_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// UpdateRequest carries one atomic state transition: actual quantity and
// terminal status written in a single remote call.
type UpdateRequest struct {
	OrderID        int64 `validate:"required,gt=0"`
	ActualQuantity decimal.Decimal
	LotCode        string `validate:"required"`
	TargetStatus   mrpeasy.OrderStatus
}

// OrderUpdate performs the remote quantity+status transition.
type OrderUpdate struct {
	api    OrdersAPI
	logger *logrus.Logger
}

func NewOrderUpdate(api OrdersAPI, logger *logrus.Logger) *OrderUpdate {
	return &OrderUpdate{api: api, logger: logger}
}

// Apply writes req.ActualQuantity and req.TargetStatus (default Done) to the
// order and confirms the committed state with a re-fetch before reporting
// success.
//
// Re-applying an update the order already carries is a no-op success; that
// is what makes retrying after a lost response safe. An order some other
// actor already moved to a different terminal state fails conflict and is
// escalated, never overwritten.
func (u *OrderUpdate) Apply(ctx context.Context, req UpdateRequest) (*mrpeasy.ManufacturingOrder, error) {
	if err := utils.GetValidator().Struct(&req); err != nil {
		return nil, WrapError(KindFatal, err, "invalid update request")
	}
	if req.ActualQuantity.LessThanOrEqual(decimal.Zero) {
		return nil, NewError(KindFatal, "actual quantity must be greater than zero, got %s", req.ActualQuantity)
	}
	if strings.TrimSpace(req.LotCode) == "" {
		return nil, NewError(KindFatal, "lot code is required")
	}
	targetStatus := req.TargetStatus
	if targetStatus == mrpeasy.StatusUnknown {
		targetStatus = mrpeasy.StatusDone
	}

	current, err := u.api.GetOrder(ctx, req.OrderID)
	if err != nil {
		if errors.Is(err, mrpeasy.ErrOrderNotFound) {
			return nil, WrapError(KindConflict, err, "manufacturing order disappeared before update")
		}
		return nil, wrapRemote(err, "pre-update fetch failed")
	}

	if len(current.TargetLots) > 0 && !current.HasLot(req.LotCode) {
		// The original capture flow sometimes runs before the lot is
		// registered on the order, so this is a warning, not a failure.
		u.logger.WithFields(logrus.Fields{
			"module":   moduleName,
			"orderId":  req.OrderID,
			"lotCode":  req.LotCode,
			"orderNum": current.Code,
		}).Warn("lot code not among target lots")
	}

	if current.Status == targetStatus && current.ActualQuantity.Equal(req.ActualQuantity) {
		return current, nil
	}
	if current.Status.Terminal() {
		return nil, NewError(KindConflict,
			"order %s already finalized as %s with actual quantity %s",
			current.Code, current.Status, current.ActualQuantity)
	}

	input := mrpeasy.UpdateOrderInput{
		ActualQuantity: &req.ActualQuantity,
		Status:         &targetStatus,
	}
	if err := u.api.UpdateOrder(ctx, req.OrderID, input); err != nil {
		return nil, wrapRemote(err, "manufacturing order update failed")
	}

	// A success response without confirmable committed state is treated as
	// transient: the retry re-issues the idempotent write.
	updated, err := u.api.GetOrder(ctx, req.OrderID)
	if err != nil {
		return nil, WrapError(KindTransient, err, "update applied but state could not be confirmed")
	}
	if updated.Status != targetStatus || !updated.ActualQuantity.Equal(req.ActualQuantity) {
		return nil, NewError(KindTransient,
			"update not reflected on order %s (status=%s actual=%s)",
			updated.Code, updated.Status, updated.ActualQuantity)
	}
	return updated, nil
}
