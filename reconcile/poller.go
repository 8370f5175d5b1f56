package reconcile

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/lotsync_backend/config"
	"bitbucket.org/mmdatafocus/lotsync_backend/models"
	"bitbucket.org/mmdatafocus/lotsync_backend/utils"
	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Poller drains the erp_mo_to_import inbox: claim a batch of pending rows,
// run each through the workflow, finalize the row. Claims are conditional
// updates checked by rows-affected, so concurrent pollers never process the
// same row twice; a per-lot redis lock additionally serializes events that
// share a lot code.
type Poller struct {
	DB       *gorm.DB
	Workflow *Workflow
	Logger   *logrus.Logger

	PollerID     string
	BatchSize    int
	PollInterval time.Duration
	ClaimTimeout time.Duration
	LockTTL      time.Duration
	EventPacing  time.Duration

	// ObtainLock is replaced in tests. Defaults to the shared redis lock.
	ObtainLock func(ctx context.Context, lotCode string, ttl time.Duration) (*redislock.Lock, error)
}

// PassStats summarizes one polling pass.
type PassStats struct {
	Total     int `json:"total"`
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

func NewPoller(db *gorm.DB, workflow *Workflow, logger *logrus.Logger) *Poller {
	return &Poller{
		DB:           db,
		Workflow:     workflow,
		Logger:       logger,
		PollerID:     uuid.New().String(),
		BatchSize:    utils.IntFromEnv("POLLER_BATCH_SIZE", 20),
		PollInterval: utils.DurationFromEnv("POLLER_INTERVAL", 30*time.Second),
		ClaimTimeout: utils.DurationFromEnv("POLLER_CLAIM_TIMEOUT", 10*time.Minute),
		LockTTL:      utils.DurationFromEnv("POLLER_LOCK_TTL", 5*time.Minute),
		EventPacing:  utils.DurationFromEnv("POLLER_EVENT_PACING", time.Second),
		ObtainLock: func(ctx context.Context, lotCode string, ttl time.Duration) (*redislock.Lock, error) {
			return utils.ObtainLotLock(ctx, lotCode, ttl, moduleName, "Poller.RunOnce")
		},
	}
}

// Run polls until ctx is cancelled. Each pass is independent; a failed pass
// is logged and the next tick tries again.
func (p *Poller) Run(ctx context.Context) {
	p.Logger.WithFields(logrus.Fields{
		"module":       moduleName,
		"pollerId":     p.PollerID,
		"batchSize":    p.BatchSize,
		"pollInterval": p.PollInterval.String(),
	}).Info("inbox poller started")

	ticker := time.NewTicker(p.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := p.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			config.LogError(p.Logger, moduleName, "Run", "polling pass",
				map[string]interface{}{"pollerId": p.PollerID}, err)
		}
		select {
		case <-ctx.Done():
			p.Logger.WithField("pollerId", p.PollerID).Info("inbox poller stopped")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce drains one batch and returns the pass stats.
func (p *Poller) RunOnce(ctx context.Context) (PassStats, error) {
	ctx = utils.SetPollerIdInContext(ctx, p.PollerID)
	stats := PassStats{}

	staleBefore := time.Now().Add(-p.ClaimTimeout)
	events, err := models.PendingProductionEvents(ctx, p.DB, p.BatchSize, staleBefore)
	if err != nil {
		return stats, err
	}
	stats.Total = len(events)
	if len(events) == 0 {
		return stats, nil
	}

	for i, event := range events {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		if i > 0 && p.EventPacing > 0 {
			if err := sleepContext(ctx, p.EventPacing); err != nil {
				return stats, err
			}
		}

		outcome, err := p.processEvent(ctx, event)
		if err != nil {
			config.LogError(p.Logger, moduleName, "RunOnce", "process production event",
				map[string]interface{}{"eventId": event.ID, "lotCode": event.LotCode}, err)
			stats.Skipped++
			continue
		}
		switch outcome {
		case outcomeProcessed:
			stats.Processed++
		case outcomeFailed:
			stats.Failed++
		case outcomeSkipped:
			stats.Skipped++
		}
	}

	p.Logger.WithFields(logrus.Fields{
		"module":    moduleName,
		"pollerId":  p.PollerID,
		"total":     stats.Total,
		"processed": stats.Processed,
		"failed":    stats.Failed,
		"skipped":   stats.Skipped,
	}).Info("polling pass complete")
	return stats, nil
}

type eventOutcome int

const (
	outcomeProcessed eventOutcome = iota
	outcomeFailed
	outcomeSkipped
)

func (p *Poller) processEvent(ctx context.Context, event models.ProductionEvent) (eventOutcome, error) {
	claimed, err := p.claim(ctx, event.ID)
	if err != nil {
		return outcomeSkipped, err
	}
	if !claimed {
		// Another poller won the row between the select and the claim.
		return outcomeSkipped, nil
	}

	lock, err := p.ObtainLock(ctx, event.LotCode, p.LockTTL)
	if err != nil {
		if errors.Is(err, utils.ErrLockNotObtained) {
			// Another worker is reconciling this lot right now. Release
			// the claim so the row comes back on a later pass.
			if unclaimErr := p.unclaim(ctx, event.ID); unclaimErr != nil {
				return outcomeSkipped, unclaimErr
			}
			return outcomeSkipped, nil
		}
		return outcomeSkipped, err
	}
	defer func() {
		if releaseErr := lock.Release(context.WithoutCancel(ctx)); releaseErr != nil &&
			!errors.Is(releaseErr, redislock.ErrLockNotHeld) {
			p.Logger.WithFields(logrus.Fields{
				"module":  moduleName,
				"lotCode": event.LotCode,
			}).WithError(releaseErr).Warn("lot lock release failed")
		}
	}()

	eventCtx := utils.SetCorrelationIdInContext(ctx, uuid.New().String())
	eventCtx = utils.SetLotCodeInContext(eventCtx, event.LotCode)

	result := p.Workflow.Process(eventCtx, Event{
		LotCode:    event.LotCode,
		Quantity:   event.Quantity,
		Uom:        event.Uom,
		CapturedAt: event.InsertedAt,
	})

	// Finalization runs even when shutdown already cancelled ctx: the
	// workflow outcome is decided and must land in the row.
	finalizeCtx := context.WithoutCancel(ctx)

	if result.Succeeded() {
		if err := p.finalizeSuccess(finalizeCtx, event.ID); err != nil {
			return outcomeSkipped, err
		}
		return outcomeProcessed, nil
	}
	if result.Canceled || ctx.Err() != nil {
		// Shutdown mid-run, not a verdict on the event. Release the claim
		// so the row comes back on a later pass, same as the crash path.
		if err := p.unclaim(finalizeCtx, event.ID); err != nil {
			return outcomeSkipped, err
		}
		return outcomeSkipped, nil
	}
	if err := p.finalizeFailure(finalizeCtx, event.ID, result); err != nil {
		return outcomeSkipped, err
	}
	return outcomeFailed, nil
}

// claim marks the row as owned by this poller. The condition repeats the
// pending predicate so that two pollers racing on the same row resolve to
// exactly one winner.
func (p *Poller) claim(ctx context.Context, eventId uint) (bool, error) {
	staleBefore := time.Now().Add(-p.ClaimTimeout)
	res := p.DB.WithContext(ctx).Model(&models.ProductionEvent{}).
		Where("id = ?", eventId).
		Where("processed_at IS NULL").
		Where("claimed_at IS NULL OR claimed_at <= ?", staleBefore).
		Updates(map[string]interface{}{
			"claimed_at": time.Now(),
			"claimed_by": p.PollerID,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (p *Poller) unclaim(ctx context.Context, eventId uint) error {
	return p.DB.WithContext(ctx).Model(&models.ProductionEvent{}).
		Where("id = ? AND claimed_by = ?", eventId, p.PollerID).
		Updates(map[string]interface{}{
			"claimed_at": nil,
			"claimed_by": nil,
		}).Error
}

// finalizeSuccess stamps processed_at exactly once. The guard keeps a
// concurrent duplicate from overwriting an already finalized row.
func (p *Poller) finalizeSuccess(ctx context.Context, eventId uint) error {
	return p.DB.WithContext(ctx).Model(&models.ProductionEvent{}).
		Where("id = ? AND processed_at IS NULL", eventId).
		Update("processed_at", time.Now()).Error
}

func (p *Poller) finalizeFailure(ctx context.Context, eventId uint, result Result) error {
	failedCode := string(result.ErrorKind)
	if result.Message != "" {
		failedCode = failedCode + ": " + result.Message
	}
	if len(failedCode) > 255 {
		failedCode = failedCode[:255]
	}
	return p.DB.WithContext(ctx).Model(&models.ProductionEvent{}).
		Where("id = ? AND processed_at IS NULL", eventId).
		Updates(map[string]interface{}{
			"processed_at": time.Now(),
			"failed_code":  failedCode,
		}).Error
}
