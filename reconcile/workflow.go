package reconcile

import (
	"context"
	"errors"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/lotsync_backend/models"
	"bitbucket.org/mmdatafocus/lotsync_backend/mrpeasy"
	"bitbucket.org/mmdatafocus/lotsync_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// State is the position of a production event inside the reconciliation
// machine. Transitions only move forward; a terminal state is final.
type State string

const (
	StateCaptured  State = "Captured"
	StateResolving State = "Resolving"
	StateResolved  State = "Resolved"
	StateUpdating  State = "Updating"
	StateUpdated   State = "Updated"
	StateLogged    State = "Logged"
	StateFailed    State = "Failed"
)

func (s State) Terminal() bool {
	return s == StateLogged || s == StateFailed
}

// Event is one captured production quantity awaiting reconciliation.
type Event struct {
	LotCode    string
	Quantity   decimal.Decimal
	Uom        string
	CapturedAt time.Time
}

// Result reports the terminal outcome of processing one event.
// Canceled marks a failure caused by run cancellation rather than the
// remote system; the event itself is still processable and callers must
// not finalize it.
type Result struct {
	State          State
	ErrorKind      ErrorKind
	Message        string
	Canceled       bool
	Order          *mrpeasy.ManufacturingOrder
	LookupAttempts int
	UpdateAttempts int
}

func (r Result) Succeeded() bool {
	return r.State == StateLogged
}

// Workflow drives a single event from capture to its terminal state:
// resolve the manufacturing order, apply the quantity+status update, write
// the audit row. Each remote stage runs under the retry policy; only
// transient failures are re-attempted.
type Workflow struct {
	Lookup *OrderLookup
	Update *OrderUpdate
	Audit  Recorder
	Policy RetryPolicy
	Logger *logrus.Logger

	// Sleep is replaced in tests. Defaults to a context-aware wait.
	Sleep func(ctx context.Context, d time.Duration) error
}

func NewWorkflow(lookup *OrderLookup, update *OrderUpdate, audit Recorder, policy RetryPolicy, logger *logrus.Logger) *Workflow {
	return &Workflow{
		Lookup: lookup,
		Update: update,
		Audit:  audit,
		Policy: policy,
		Logger: logger,
		Sleep:  sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Process runs event through the machine and returns its terminal result.
// Exactly one audit row is written per call regardless of outcome; a failed
// audit write is logged but does not turn a reconciled event into a failure.
func (w *Workflow) Process(ctx context.Context, event Event) Result {
	result := Result{State: StateCaptured}
	log := w.Logger.WithFields(logrus.Fields{
		"module":  moduleName,
		"lotCode": event.LotCode,
	})

	if event.Quantity.LessThanOrEqual(decimal.Zero) {
		result.State = StateFailed
		result.ErrorKind = KindFatal
		result.Message = models.ErrQuantityNotPositive.Error()
		w.record(ctx, event, &result, nil)
		return result
	}

	result.State = StateResolving
	order, attempts, err := retryStage(ctx, w, func(ctx context.Context) (*mrpeasy.ManufacturingOrder, error) {
		return w.Lookup.Find(ctx, event.LotCode)
	})
	result.LookupAttempts = attempts
	if err != nil {
		w.fail(&result, err)
		log.WithField("errorKind", result.ErrorKind).WithField("attempts", attempts).
			Warn("order lookup failed")
		w.record(ctx, event, &result, nil)
		return result
	}
	result.State = StateResolved
	statusBefore := order.Status

	result.State = StateUpdating
	updated, attempts, err := retryStage(ctx, w, func(ctx context.Context) (*mrpeasy.ManufacturingOrder, error) {
		return w.Update.Apply(ctx, UpdateRequest{
			OrderID:        order.ID,
			ActualQuantity: event.Quantity,
			LotCode:        event.LotCode,
			TargetStatus:   mrpeasy.StatusDone,
		})
	})
	result.UpdateAttempts = attempts
	if err != nil {
		w.fail(&result, err)
		result.Order = order
		log.WithFields(logrus.Fields{
			"errorKind":   result.ErrorKind,
			"attempts":    attempts,
			"orderNumber": order.Code,
		}).Warn("order update failed")
		w.record(ctx, event, &result, order)
		return result
	}
	result.State = StateUpdated
	result.Order = updated

	result.State = StateLogged
	w.recordSuccess(ctx, event, &result, statusBefore, updated)
	log.WithFields(logrus.Fields{
		"orderNumber":    updated.Code,
		"actualQuantity": event.Quantity.String(),
		"updateAttempts": result.UpdateAttempts,
	}).Info("lot reconciled")
	return result
}

// retryStage runs fn under the workflow policy. The attempt count returned
// is the number of calls actually made. A shorter server hint never shrinks
// the computed delay; a longer one stretches it.
//
// Cancellation is honored between attempts only: an in-flight remote call
// runs to its own per-call timeout, so the remote order is never left in an
// unconfirmed intermediate state by a shutdown.
func retryStage(ctx context.Context, w *Workflow, fn func(ctx context.Context) (*mrpeasy.ManufacturingOrder, error)) (*mrpeasy.ManufacturingOrder, int, error) {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, attempt, WrapError(KindTransient, err, "reconciliation cancelled")
		}
		attempt++
		order, err := fn(context.WithoutCancel(ctx))
		if err == nil {
			return order, attempt, nil
		}

		decision := w.Policy.Decide(KindOf(err), attempt)
		if !decision.Retry {
			return nil, attempt, err
		}
		delay := decision.Delay
		if hint := mrpeasy.RetryAfterHint(err); hint > delay {
			delay = hint
		}
		if sleepErr := w.Sleep(ctx, delay); sleepErr != nil {
			return nil, attempt, WrapError(KindTransient, sleepErr, "retry wait interrupted")
		}
	}
}

func (w *Workflow) fail(result *Result, err error) {
	result.State = StateFailed
	result.ErrorKind = KindOf(err)
	result.Message = err.Error()
	result.Canceled = errors.Is(err, context.Canceled)
}

func (w *Workflow) record(ctx context.Context, event Event, result *Result, order *mrpeasy.ManufacturingOrder) {
	attempt := &models.ReconciliationAttempt{
		LotCode:           event.LotCode,
		RequestedQuantity: event.Quantity,
		Uom:               event.Uom,
		Succeeded:         false,
		ErrorKind:         string(result.ErrorKind),
		Message:           result.Message,
		LookupAttempts:    result.LookupAttempts,
		UpdateAttempts:    result.UpdateAttempts,
	}
	if order != nil {
		attempt.OrderNumber = order.Code
		attempt.OrderId = strconv.FormatInt(order.ID, 10)
		attempt.StatusBefore = order.Status.String()
	}
	if correlationId, ok := utils.GetCorrelationIdFromContext(ctx); ok {
		attempt.CorrelationId = correlationId
	}
	if err := w.Audit.Record(ctx, attempt); err != nil {
		w.Logger.WithFields(logrus.Fields{
			"module":  moduleName,
			"lotCode": event.LotCode,
		}).WithError(err).Error("audit write failed")
	}
}

func (w *Workflow) recordSuccess(ctx context.Context, event Event, result *Result, statusBefore mrpeasy.OrderStatus, updated *mrpeasy.ManufacturingOrder) {
	attempt := &models.ReconciliationAttempt{
		LotCode:           event.LotCode,
		OrderNumber:       updated.Code,
		OrderId:           strconv.FormatInt(updated.ID, 10),
		RequestedQuantity: event.Quantity,
		Uom:               event.Uom,
		StatusBefore:      statusBefore.String(),
		StatusAfter:       updated.Status.String(),
		Succeeded:         true,
		LookupAttempts:    result.LookupAttempts,
		UpdateAttempts:    result.UpdateAttempts,
	}
	if correlationId, ok := utils.GetCorrelationIdFromContext(ctx); ok {
		attempt.CorrelationId = correlationId
	}
	if err := w.Audit.Record(ctx, attempt); err != nil {
		w.Logger.WithFields(logrus.Fields{
			"module":  moduleName,
			"lotCode": event.LotCode,
		}).WithError(err).Error("audit write failed")
	}
}
