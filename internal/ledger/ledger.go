// Package ledger is the stored-value wallet: credit entries funded by
// gateway top-ups, FIFO redemption of those entries at checkout, and
// FIFO reversal of redemptions when an order is cancelled.
//
// Flow:
//  1. User opens a top-up; a pending CreditEntry is created against a
//     gateway charge reference
//  2. The gateway reconciler marks the entry succeeded or failed from a
//     signed webhook event
//  3. Checkout redeems succeeded entries oldest-first
//  4. Order cancellation restores redeemed funds oldest-debit-first
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrEntryNotFound     = errors.New("credit entry not found")
	ErrInsufficientFunds = errors.New("insufficient wallet funds")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrMissingIdentity   = errors.New("user id and email are required")
	ErrRefundNotVerified = errors.New("refund charge not verified by gateway")
	ErrConsistency       = errors.New("ledger consistency violation")
)

// Status is the lifecycle state of a credit entry. Only succeeded
// entries are spendable; failed is terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Debit is one live consumption of a credit entry. Amount is the
// refundable remainder: it is reduced as cancellations restore funds and
// the record is dropped from the entry's history when it reaches zero.
// The original drawn amount is preserved in the audit log.
type Debit struct {
	Amount     decimal.Decimal `json:"amount"`
	PaymentRef string          `json:"paymentRef"`
	AppliedAt  time.Time       `json:"appliedAt"`
}

// CreditEntry is one top-up's remaining spendable value.
type CreditEntry struct {
	ID              string          `json:"id"`
	UserID          string          `json:"userId"`
	UserEmail       string          `json:"userEmail"`
	PaymentRef      string          `json:"paymentRef"` // gateway charge reference
	OriginalAmount  decimal.Decimal `json:"originalAmount"`
	RemainingAmount decimal.Decimal `json:"remainingAmount"`
	Status          Status          `json:"status"`
	CreatedAt       time.Time       `json:"createdAt"` // FIFO key for consumption
	UpdatedAt       time.Time       `json:"updatedAt"`
	DebitHistory    []Debit         `json:"debitHistory,omitempty"`
}

// Exhausted reports whether the entry holds no value and no refundable
// history, i.e. it can be deleted without losing anything.
func (e *CreditEntry) Exhausted() bool {
	return e.RemainingAmount.IsZero() && len(e.DebitHistory) == 0
}

// AuditKind classifies an audit record.
type AuditKind string

const (
	KindDebit  AuditKind = "debit"
	KindRefund AuditKind = "refund"
)

// AuditRecord is an append-only log row recording one debit or refund.
// Records are never mutated or deleted; they are the source of truth for
// reconciliation and disputes regardless of live entry state.
type AuditRecord struct {
	ID         string          `json:"id"`
	EntryID    string          `json:"entryId,omitempty"` // lookup-only back-reference
	UserID     string          `json:"userId"`
	UserEmail  string          `json:"userEmail"`
	Amount     decimal.Decimal `json:"amount"`
	PaymentRef string          `json:"paymentRef"`
	Kind       AuditKind       `json:"kind"`
	AppliedAt  time.Time       `json:"appliedAt"`
}

// Draw names an amount taken from (or hinted at) a specific credit
// entry, identified by the entry's gateway payment reference.
type Draw struct {
	PaymentRef string          `json:"paymentRef"`
	Amount     decimal.Decimal `json:"amount"`
}

// Store persists credit entries and the audit log. It performs no
// domain validation; the service enforces invariants and holds the
// per-user lock across multi-row commits.
type Store interface {
	CreateEntry(ctx context.Context, entry *CreditEntry) error
	GetEntry(ctx context.Context, id string) (*CreditEntry, error)
	GetEntryByRef(ctx context.Context, paymentRef string) (*CreditEntry, error)

	// ListSucceeded returns all of a user's succeeded entries ordered by
	// createdAt ascending, debit history included.
	ListSucceeded(ctx context.Context, userID string) ([]*CreditEntry, error)

	// ListByEmail returns a user's entries of any status, newest first.
	ListByEmail(ctx context.Context, email string) ([]*CreditEntry, error)

	UpdateStatus(ctx context.Context, paymentRef string, status Status) error

	// CommitRedemption persists the staged result of a redemption:
	// updated entries (remaining amounts and debit history) plus their
	// audit records, all-or-nothing.
	CommitRedemption(ctx context.Context, entries []*CreditEntry, audits []*AuditRecord) error

	// CommitRefund persists the staged result of a reversal, same
	// all-or-nothing contract as CommitRedemption.
	CommitRefund(ctx context.Context, entries []*CreditEntry, audits []*AuditRecord) error

	// DeleteExhausted removes a user's entries that have zero remaining
	// value and no live debit history. Audit records survive.
	DeleteExhausted(ctx context.Context, userID string) error

	AppendAudit(ctx context.Context, rec *AuditRecord) error
	ListAudits(ctx context.Context, userID string, limit int) ([]*AuditRecord, error)
}
