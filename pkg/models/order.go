package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OrderStatus is the lifecycle state of a swap order.
type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusRouting   OrderStatus = "routing"
	StatusBuilding  OrderStatus = "building"
	StatusSubmitted OrderStatus = "submitted"
	StatusConfirmed OrderStatus = "confirmed"
	StatusFailed    OrderStatus = "failed"
)

// Terminal reports whether no further transitions are allowed out of s.
func (s OrderStatus) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// Order is the durable record of a swap order. The request fields are
// immutable after creation; the lifecycle fields are mutated only by the
// order service as the worker pipeline advances stages.
type Order struct {
	OrderID       string      `json:"order_id" gorm:"column:order_id;primaryKey;size:255"`
	TokenIn       string      `json:"token_in" gorm:"size:50;not null" validate:"required"`
	TokenOut      string      `json:"token_out" gorm:"size:50;not null" validate:"required"`
	Amount        float64     `json:"amount" gorm:"type:decimal(20,8);not null" validate:"required,gt=0"`
	Slippage      float64     `json:"slippage" gorm:"type:decimal(5,2);not null" validate:"gte=0,lte=100"`
	Status        OrderStatus `json:"status" gorm:"size:20;index;not null"`
	SelectedVenue string      `json:"selected_venue,omitempty" gorm:"size:20"`
	ExecutedPrice *float64    `json:"executed_price,omitempty" gorm:"type:decimal(20,8)"`
	TxHash        string      `json:"tx_hash,omitempty" gorm:"size:255"`
	Error         string      `json:"error,omitempty" gorm:"type:text"`
	CreatedAt     time.Time   `json:"created_at" gorm:"index:idx_orders_created_at,sort:desc"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// TableName pins the table name regardless of gorm pluralization settings.
func (Order) TableName() string { return "orders" }

// NewOrderID returns a namespaced unique order identifier.
func NewOrderID() string {
	return fmt.Sprintf("ord_%s", uuid.New().String())
}

// OrderRequest is the intake payload for a new swap order.
type OrderRequest struct {
	TokenIn  string  `json:"token_in" validate:"required,max=50"`
	TokenOut string  `json:"token_out" validate:"required,max=50"`
	Amount   float64 `json:"amount" validate:"required,gt=0"`
	Slippage float64 `json:"slippage" validate:"gte=0,lte=100"`
}

// Quote is a transient venue quote. It is produced by the dex router and
// consumed immediately by the worker pipeline; it is never persisted.
type Quote struct {
	Venue   string        `json:"venue"`
	Price   float64       `json:"price"`
	Latency time.Duration `json:"latency"`
}

// Execution is the result of a simulated trade execution.
type Execution struct {
	TxHash        string  `json:"tx_hash"`
	ExecutedPrice float64 `json:"executed_price"`
}

// UpdateData carries the optional fields attached to a lifecycle event.
type UpdateData struct {
	SelectedVenue string   `json:"selected_venue,omitempty"`
	ExecutedPrice *float64 `json:"executed_price,omitempty"`
	TxHash        string   `json:"tx_hash,omitempty"`
	Error         string   `json:"error,omitempty"`
}

// OrderUpdate is the lifecycle event published once per state transition.
// Delivery is best-effort: there is no replay, and subscribers that connect
// late miss earlier events.
type OrderUpdate struct {
	OrderID   string      `json:"order_id"`
	Status    OrderStatus `json:"status"`
	Message   string      `json:"message"`
	Timestamp string      `json:"timestamp"`
	Data      UpdateData  `json:"data"`
}
