package reconcile

import (
	"context"

	"bitbucket.org/mmdatafocus/lotsync_backend/config"
	"bitbucket.org/mmdatafocus/lotsync_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Recorder persists one reconciliation attempt record.
type Recorder interface {
	Record(ctx context.Context, attempt *models.ReconciliationAttempt) error
}

// DBAuditLog writes attempts to the reconciliation_attempts table.
// Rows are append-only; nothing in the codebase updates or deletes them.
type DBAuditLog struct {
	DB     *gorm.DB
	Logger *logrus.Logger
}

func NewDBAuditLog(db *gorm.DB, logger *logrus.Logger) *DBAuditLog {
	return &DBAuditLog{DB: db, Logger: logger}
}

func (a *DBAuditLog) Record(ctx context.Context, attempt *models.ReconciliationAttempt) error {
	// The attempt happened whether or not the run was cancelled afterwards;
	// the write goes through on shutdown.
	if err := a.DB.WithContext(context.WithoutCancel(ctx)).Create(attempt).Error; err != nil {
		config.LogError(a.Logger, moduleName, "Record", "insert reconciliation attempt",
			map[string]interface{}{"lotCode": attempt.LotCode, "orderNumber": attempt.OrderNumber}, err)
		return err
	}
	return nil
}

// RecentAttempts returns the latest audit rows, newest first, optionally
// filtered by lot code.
func RecentAttempts(ctx context.Context, db *gorm.DB, lotCode string, limit int) ([]models.ReconciliationAttempt, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	query := db.WithContext(ctx).Order("id DESC").Limit(limit)
	if lotCode != "" {
		query = query.Where("lot_code = ?", lotCode)
	}
	var attempts []models.ReconciliationAttempt
	if err := query.Find(&attempts).Error; err != nil {
		return nil, err
	}
	return attempts, nil
}
