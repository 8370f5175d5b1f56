package mrpeasy

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// OrderStatus is the closed enumeration for MRPeasy manufacturing order
// statuses. The API carries these as raw integers; the named constants stay
// inside this boundary package and workflow code never sees the wire codes.
type OrderStatus int

const (
	StatusUnknown    OrderStatus = 0
	StatusPlanned    OrderStatus = 5
	StatusInProgress OrderStatus = 10
	StatusDone       OrderStatus = 20
	StatusCancelled  OrderStatus = 90
)

func (s OrderStatus) String() string {
	switch s {
	case StatusPlanned:
		return "Planned"
	case StatusInProgress:
		return "In Progress"
	case StatusDone:
		return "Done"
	case StatusCancelled:
		return "Cancelled"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Terminal reports whether the status is an end state the ERP will not move
// past on its own.
func (s OrderStatus) Terminal() bool {
	return s == StatusDone || s == StatusCancelled
}

type TargetLot struct {
	Code string `json:"code"`
}

// ManufacturingOrder mirrors the order payload of
// GET /manufacturing-orders[/{id}]. Quantity is the planning estimate and is
// never written by this service; ActualQuantity is what production reports.
type ManufacturingOrder struct {
	ID             int64           `json:"man_ord_id"`
	Code           string          `json:"code"`
	ItemCode       string          `json:"item_code"`
	ItemTitle      string          `json:"item_title"`
	Status         OrderStatus     `json:"status"`
	Quantity       decimal.Decimal `json:"quantity"`
	ActualQuantity decimal.Decimal `json:"actual_quantity"`
	Unit           string          `json:"unit"`
	TargetLots     []TargetLot     `json:"target_lots"`
}

// HasLot reports whether lotCode appears in the order's target lots.
// Lot codes are compared case-insensitively, as the scanners sometimes emit
// lower case.
func (mo *ManufacturingOrder) HasLot(lotCode string) bool {
	lotCode = strings.TrimSpace(lotCode)
	for _, lot := range mo.TargetLots {
		if strings.EqualFold(strings.TrimSpace(lot.Code), lotCode) {
			return true
		}
	}
	return false
}

// UpdateOrderInput is the single PUT payload writing actual quantity and
// status together. The API applies both fields in one request.
type UpdateOrderInput struct {
	ActualQuantity *decimal.Decimal `json:"actual_quantity,omitempty"`
	Status         *OrderStatus     `json:"status,omitempty"`
}
