// Package orders attaches validated payment outcomes to orders and
// drives cancellation refunds through the wallet ledger.
package orders

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrOrderNotFound   = errors.New("order not found")
	ErrNotOrderOwner   = errors.New("order does not belong to user")
	ErrInvalidOrder    = errors.New("invalid order payload")
	ErrMissingDraws    = errors.New("wallet orders require settlement draws")
	ErrMissingCharge   = errors.New("card orders require a charge reference")
	ErrDetailNotFound  = errors.New("no payment detail for reference")
	ErrOrderNotInState = errors.New("order is not in a state that allows this")
)

// PaymentMethod is how an order is funded.
type PaymentMethod string

const (
	MethodCOD    PaymentMethod = "cod"
	MethodCard   PaymentMethod = "card"
	MethodWallet PaymentMethod = "wallet"
)

// PaymentStatus is the settlement state of one payment detail.
// refund is only reachable from succeeded, via cancellation.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefund    PaymentStatus = "refund"
)

// TransactionType classifies a payment detail.
type TransactionType string

const (
	TxCredit TransactionType = "credit"
	TxDebit  TransactionType = "debit"
	TxDirect TransactionType = "direct"
)

// Status is the fulfillment state of an order or line item.
type Status string

const (
	StatusPlaced     Status = "placed"
	StatusProcessing Status = "processing"
	StatusDelivered  Status = "delivered"
	StatusCancelled  Status = "cancelled"
)

// PaymentDetail is one settlement record attached to an order.
type PaymentDetail struct {
	Reference       string          `json:"reference"`
	TransactionType TransactionType `json:"transactionType"`
	Status          PaymentStatus   `json:"status"`
	Amount          decimal.Decimal `json:"amount"`
	PaymentMethod   PaymentMethod   `json:"paymentMethod"`
	RefundAmount    decimal.Decimal `json:"refundAmount"`
	AppliedAt       time.Time       `json:"appliedAt"`
}

// LineItem is one ordered product.
type LineItem struct {
	ProductID string          `json:"productId"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Status    Status          `json:"status"`
}

// Cancellation records why and when an order was cancelled.
type Cancellation struct {
	Reason        string    `json:"reason"`
	CancelledAt   time.Time `json:"cancelledAt"`
	Status        Status    `json:"status"`
	EvidenceImage string    `json:"evidenceImage,omitempty"`
}

// StatusChange is one entry in an order's status history.
type StatusChange struct {
	Status Status    `json:"status"`
	At     time.Time `json:"at"`
}

// Order is a placed order with its settlement records.
type Order struct {
	ID             string          `json:"id"`
	UserID         string          `json:"userId"`
	UserEmail      string          `json:"userEmail"`
	Total          decimal.Decimal `json:"total"`
	PaymentMethod  PaymentMethod   `json:"paymentMethod"`
	Paid           bool            `json:"paid"`
	Items          []LineItem      `json:"items,omitempty"`
	PaymentDetails []PaymentDetail `json:"paymentDetails,omitempty"`
	OrderStatus    Status          `json:"orderStatus"`
	StatusHistory  []StatusChange  `json:"statusHistory,omitempty"`
	Cancellation   *Cancellation   `json:"cancellation,omitempty"`
	OrderSummary   string          `json:"orderSummary,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Cancelled reports whether the order has already been cancelled.
func (o *Order) Cancelled() bool {
	return o.Cancellation != nil && o.Cancellation.Status == StatusCancelled
}

// DetailByRef finds the payment detail carrying the given gateway
// reference, or nil.
func (o *Order) DetailByRef(ref string) *PaymentDetail {
	for i := range o.PaymentDetails {
		if o.PaymentDetails[i].Reference == ref {
			return &o.PaymentDetails[i]
		}
	}
	return nil
}

// Store persists orders.
type Store interface {
	CreateOrder(ctx context.Context, o *Order) error
	GetOrder(ctx context.Context, id string) (*Order, error)

	// GetByPaymentRef finds the order holding a payment detail with the
	// given gateway reference.
	GetByPaymentRef(ctx context.Context, reference string) (*Order, error)

	// UpdateOrder replaces the order's mutable state (payment details,
	// status, cancellation) atomically.
	UpdateOrder(ctx context.Context, o *Order) error

	ListByUser(ctx context.Context, userID string, limit int) ([]*Order, error)
}
