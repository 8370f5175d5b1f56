package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/lotsync_backend/config"
	"bitbucket.org/mmdatafocus/lotsync_backend/utils"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ProductionEvent is one row of the durable inbox table written by the
// weight-label capture boundary. The poller consumes rows where
// processed_at IS NULL; finalized rows are never re-delivered.
type ProductionEvent struct {
	ID             uint            `gorm:"primary_key" json:"id"`
	EventKey       *string         `gorm:"uniqueIndex;size:64" json:"event_key"`
	LotCode        string          `gorm:"index;size:64;not null" json:"lot_code"`
	Quantity       decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"quantity"`
	Uom            string          `gorm:"size:32" json:"uom"`
	UserOperations string          `gorm:"size:255" json:"user_operations"`
	InsertedAt     time.Time       `gorm:"autoCreateTime;index" json:"inserted_at"`
	ClaimedAt      *time.Time      `gorm:"index" json:"claimed_at"`
	ClaimedBy      *string         `gorm:"size:64" json:"claimed_by"`
	ProcessedAt    *time.Time      `gorm:"index" json:"processed_at"`
	FailedCode     *string         `gorm:"size:255" json:"failed_code"`
}

// The capture boundary predates this service; keep its table name.
func (ProductionEvent) TableName() string {
	return "erp_mo_to_import"
}

type NewProductionEvent struct {
	LotCode        string          `json:"lotCode" validate:"required"`
	Quantity       decimal.Decimal `json:"quantity" validate:"required"`
	Uom            string          `json:"uom" validate:"omitempty,max=32"`
	UserOperations string          `json:"userOperations" validate:"omitempty,max=255"`
	// EventKey is the capture boundary's idempotency key. A re-sent capture
	// with the same key is rejected as a duplicate instead of enqueued twice.
	EventKey string `json:"eventKey" validate:"omitempty,max=64"`
}

var ErrDuplicateEvent = errors.New("production event already enqueued")

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

func InsertProductionEvent(ctx context.Context, input *NewProductionEvent) (*ProductionEvent, error) {
	if err := utils.GetValidator().Struct(input); err != nil {
		return nil, err
	}
	if input.Quantity.LessThanOrEqual(decimal.Zero) {
		return nil, ErrQuantityNotPositive
	}

	event := ProductionEvent{
		LotCode:        input.LotCode,
		Quantity:       input.Quantity,
		Uom:            input.Uom,
		UserOperations: input.UserOperations,
	}
	if key := strings.TrimSpace(input.EventKey); key != "" {
		event.EventKey = &key
	}
	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&event).Error; err != nil {
		if isDuplicateKeyErr(err) {
			return nil, ErrDuplicateEvent
		}
		return nil, err
	}
	return &event, nil
}

// PendingProductionEvents returns the oldest unfinalized rows, skipping rows
// another poller holds a fresh claim on.
func PendingProductionEvents(ctx context.Context, db *gorm.DB, limit int, staleBefore time.Time) ([]ProductionEvent, error) {
	var events []ProductionEvent
	err := db.WithContext(ctx).
		Where("processed_at IS NULL").
		Where("failed_code IS NULL OR failed_code = ''").
		Where("claimed_at IS NULL OR claimed_at <= ?", staleBefore).
		Order("inserted_at ASC, id ASC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}
