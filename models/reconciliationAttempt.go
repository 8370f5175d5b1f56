package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var ErrQuantityNotPositive = errors.New("quantity must be greater than zero")

// ReconciliationAttempt is the append-only audit trail: one row per processed
// production event, success or failure. Rows are never updated or deleted.
type ReconciliationAttempt struct {
	ID                uint            `gorm:"primary_key" json:"id"`
	LotCode           string          `gorm:"index;size:64;not null" json:"lot_code"`
	OrderNumber       string          `gorm:"size:64" json:"order_number"`
	OrderId           string          `gorm:"size:64" json:"order_id"`
	RequestedQuantity decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"requested_quantity"`
	Uom               string          `gorm:"size:32" json:"uom"`
	StatusBefore      string          `gorm:"size:32" json:"status_before"`
	StatusAfter       string          `gorm:"size:32" json:"status_after"`
	Succeeded         bool            `gorm:"index;default:false" json:"succeeded"`
	ErrorKind         string          `gorm:"size:32" json:"error_kind"`
	Message           string          `gorm:"type:text" json:"message"`
	LookupAttempts    int             `json:"lookup_attempts"`
	UpdateAttempts    int             `json:"update_attempts"`
	CorrelationId     string          `gorm:"size:64" json:"correlation_id"`
	CreatedAt         time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
}
