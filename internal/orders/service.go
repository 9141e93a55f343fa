package orders

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/trovecart/wallet-engine/internal/gateway"
	"github.com/trovecart/wallet-engine/internal/ledger"
	"github.com/trovecart/wallet-engine/internal/money"
	"github.com/trovecart/wallet-engine/internal/syncutil"
	"github.com/trovecart/wallet-engine/internal/traces"
)

// Wallet is the slice of the ledger the order flow needs: idempotent
// draw application on confirm and refund reversal on cancellation.
type Wallet interface {
	EnsureDebitRecorded(ctx context.Context, userID, userEmail string, draw ledger.Draw) (bool, error)
	Reverse(ctx context.Context, userID, userEmail string, amount decimal.Decimal, chargeRef string) (decimal.Decimal, error)
}

// Notifier receives order status events for realtime push. May be nil.
type Notifier interface {
	OrderUpdated(userID, orderID, status string)
}

// Service confirms, prepays, and cancels orders.
type Service struct {
	store    Store
	wallet   Wallet
	charger  gateway.Charger
	locks    *syncutil.UserMutex
	logger   *slog.Logger
	notifier Notifier
	currency string
}

func NewService(store Store, wallet Wallet, charger gateway.Charger, locks *syncutil.UserMutex, logger *slog.Logger, currency string) *Service {
	if currency == "" {
		currency = "usd"
	}
	return &Service{
		store:    store,
		wallet:   wallet,
		charger:  charger,
		locks:    locks,
		logger:   logger,
		currency: currency,
	}
}

// SetNotifier attaches a realtime notifier for order events.
func (s *Service) SetNotifier(n Notifier) { s.notifier = n }

// ConfirmInput is the payload for confirming an order.
type ConfirmInput struct {
	OrderID       string
	UserID        string
	UserEmail     string
	Total         decimal.Decimal
	PaymentMethod PaymentMethod
	Draws         []ledger.Draw // required for wallet orders
	ChargeRef     string        // required for card orders
	OrderSummary  string
	Items         []LineItem
}

// Confirm persists an order with payment details built from its
// settlement draws. Safe to retry: draws already recorded in the wallet
// are skipped, and a repeated confirm of an existing order succeeds
// without duplicating anything.
func (s *Service) Confirm(ctx context.Context, in ConfirmInput) (*Order, error) {
	if in.OrderID == "" || in.UserID == "" || in.UserEmail == "" {
		return nil, fmt.Errorf("%w: order id, user id, and email are required", ErrInvalidOrder)
	}
	if !in.Total.IsPositive() {
		return nil, fmt.Errorf("%w: total must be positive", ErrInvalidOrder)
	}
	switch in.PaymentMethod {
	case MethodWallet:
		if len(in.Draws) == 0 {
			return nil, ErrMissingDraws
		}
	case MethodCard:
		if in.ChargeRef == "" {
			return nil, ErrMissingCharge
		}
	case MethodCOD:
	default:
		return nil, fmt.Errorf("%w: unknown payment method %q", ErrInvalidOrder, in.PaymentMethod)
	}

	ctx, span := traces.StartSpan(ctx, "orders.Confirm",
		traces.OrderID(in.OrderID), traces.UserID(in.UserID))
	defer span.End()

	// Apply wallet draws before persisting the order. Each application
	// is idempotent per (reference, amount), so a confirm retried after
	// a timeout never double-counts a redemption.
	if in.PaymentMethod == MethodWallet {
		for _, draw := range in.Draws {
			if _, err := s.wallet.EnsureDebitRecorded(ctx, in.UserID, in.UserEmail, draw); err != nil {
				return nil, fmt.Errorf("record draw %s: %w", draw.PaymentRef, err)
			}
		}
	}

	existing, err := s.store.GetOrder(ctx, in.OrderID)
	if err == nil {
		// Repeat confirm; the draw application above already handled the
		// only side effect that matters.
		return existing, nil
	}

	now := time.Now().UTC()
	order := &Order{
		ID:            in.OrderID,
		UserID:        in.UserID,
		UserEmail:     in.UserEmail,
		Total:         in.Total,
		PaymentMethod: in.PaymentMethod,
		Items:         in.Items,
		OrderStatus:   StatusPlaced,
		StatusHistory: []StatusChange{{Status: StatusPlaced, At: now}},
		OrderSummary:  in.OrderSummary,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for i := range order.Items {
		if order.Items[i].Status == "" {
			order.Items[i].Status = StatusPlaced
		}
	}

	switch in.PaymentMethod {
	case MethodWallet:
		order.Paid = true
		for _, draw := range in.Draws {
			order.PaymentDetails = append(order.PaymentDetails, PaymentDetail{
				Reference:       draw.PaymentRef,
				TransactionType: TxDebit,
				Status:          PaymentSucceeded,
				Amount:          draw.Amount,
				PaymentMethod:   MethodWallet,
				AppliedAt:       now,
			})
		}
	case MethodCard:
		order.PaymentDetails = append(order.PaymentDetails, PaymentDetail{
			Reference:       in.ChargeRef,
			TransactionType: TxDirect,
			Status:          PaymentPending,
			Amount:          in.Total,
			PaymentMethod:   MethodCard,
			AppliedAt:       now,
		})
	}

	if err := s.store.CreateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("persist order: %w", err)
	}

	s.logger.Info("order confirmed",
		"order", order.ID, "user", order.UserID,
		"method", order.PaymentMethod, "total", money.Format(order.Total))
	s.notify(order)
	return order, nil
}

// PrepaidResult is returned to the client to complete a card charge.
type PrepaidResult struct {
	Order           *Order `json:"order"`
	ClientReference string `json:"clientReference"`
	ChargeReference string `json:"chargeReference"`
}

// Prepaid opens a gateway charge for a card order and persists the
// order with a pending payment detail; the order webhook settles it.
func (s *Service) Prepaid(ctx context.Context, in ConfirmInput) (*PrepaidResult, error) {
	if in.OrderID == "" || in.UserID == "" || in.UserEmail == "" {
		return nil, fmt.Errorf("%w: order id, user id, and email are required", ErrInvalidOrder)
	}
	if !in.Total.IsPositive() {
		return nil, fmt.Errorf("%w: total must be positive", ErrInvalidOrder)
	}

	ctx, span := traces.StartSpan(ctx, "orders.Prepaid",
		traces.OrderID(in.OrderID), traces.UserID(in.UserID))
	defer span.End()

	if existing, err := s.store.GetOrder(ctx, in.OrderID); err == nil {
		if detail := firstDetail(existing); detail != nil {
			return &PrepaidResult{Order: existing, ChargeReference: detail.Reference}, nil
		}
		return nil, fmt.Errorf("%w: order %s exists without a charge", ErrOrderNotInState, in.OrderID)
	}

	intent, err := s.charger.CreateCharge(ctx, in.Total, s.currency, map[string]string{
		"orderId":   in.OrderID,
		"userId":    in.UserID,
		"userEmail": in.UserEmail,
	})
	if err != nil {
		return nil, fmt.Errorf("create charge: %w", err)
	}

	in.PaymentMethod = MethodCard
	in.ChargeRef = intent.Reference
	order, err := s.Confirm(ctx, in)
	if err != nil {
		return nil, err
	}

	return &PrepaidResult{
		Order:           order,
		ClientReference: intent.ClientSecret,
		ChargeReference: intent.Reference,
	}, nil
}

// CancelInput is the payload for cancelling an order.
type CancelInput struct {
	OrderID       string
	UserID        string
	Reason        string
	EvidenceImage string
}

// Cancel stamps an order cancelled and, for wallet-paid orders,
// restores the redeemed funds through the ledger. Repeat cancellations
// of an already-cancelled order are a no-op success.
func (s *Service) Cancel(ctx context.Context, in CancelInput) (*Order, error) {
	if in.OrderID == "" || in.UserID == "" {
		return nil, fmt.Errorf("%w: order id and user id are required", ErrInvalidOrder)
	}
	if in.Reason == "" {
		return nil, fmt.Errorf("%w: a cancellation reason is required", ErrInvalidOrder)
	}

	ctx, span := traces.StartSpan(ctx, "orders.Cancel",
		traces.OrderID(in.OrderID), traces.UserID(in.UserID))
	defer span.End()

	// Serialize cancellations per user so two concurrent cancel requests
	// for the same order cannot both pass the already-cancelled check.
	unlock, err := s.locks.Lock(ctx, "order-cancel:"+in.UserID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	order, err := s.store.GetOrder(ctx, in.OrderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != in.UserID {
		return nil, ErrNotOrderOwner
	}
	if order.Cancelled() {
		return order, nil
	}

	// For wallet orders the redeemed funds flow back through the ledger.
	// Reverse verifies the original charge with the gateway before any
	// mutation, so a failed verification aborts the whole cancellation.
	if order.PaymentMethod == MethodWallet {
		detail := firstDetail(order)
		if detail == nil {
			return nil, fmt.Errorf("%w: wallet order %s has no payment details", ErrOrderNotInState, order.ID)
		}
		if _, err := s.wallet.Reverse(ctx, order.UserID, order.UserEmail, order.Total, detail.Reference); err != nil {
			return nil, fmt.Errorf("reverse redemption: %w", err)
		}
		for i := range order.PaymentDetails {
			d := &order.PaymentDetails[i]
			if d.PaymentMethod == MethodWallet && d.Status == PaymentSucceeded {
				d.Status = PaymentRefund
				d.RefundAmount = d.Amount
			}
		}
	}

	now := time.Now().UTC()
	order.Cancellation = &Cancellation{
		Reason:        in.Reason,
		CancelledAt:   now,
		Status:        StatusCancelled,
		EvidenceImage: in.EvidenceImage,
	}
	order.OrderStatus = StatusCancelled
	order.StatusHistory = append(order.StatusHistory, StatusChange{Status: StatusCancelled, At: now})
	for i := range order.Items {
		order.Items[i].Status = StatusCancelled
	}
	order.UpdatedAt = now

	if err := s.store.UpdateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("persist cancellation: %w", err)
	}

	s.logger.Info("order cancelled",
		"order", order.ID, "user", order.UserID, "reason", in.Reason)
	s.notify(order)
	return order, nil
}

// ApplyPaymentOutcome advances an order's payment detail from a
// verified gateway event. Unknown references surface ErrOrderNotFound
// for the caller to log; redelivered terminal outcomes are a no-op.
func (s *Service) ApplyPaymentOutcome(ctx context.Context, reference string, outcome gateway.Outcome) error {
	order, err := s.store.GetByPaymentRef(ctx, reference)
	if err != nil {
		return err
	}

	unlock, err := s.locks.Lock(ctx, "order-cancel:"+order.UserID)
	if err != nil {
		return err
	}
	defer unlock()

	// Re-read under the lock; the detail may have settled meanwhile.
	order, err = s.store.GetByPaymentRef(ctx, reference)
	if err != nil {
		return err
	}
	detail := order.DetailByRef(reference)
	if detail == nil {
		return ErrDetailNotFound
	}
	if detail.Status != PaymentPending {
		return nil
	}

	now := time.Now().UTC()
	switch outcome {
	case gateway.OutcomeSucceeded:
		detail.Status = PaymentSucceeded
		order.Paid = true
		if order.OrderStatus == StatusPlaced {
			order.OrderStatus = StatusProcessing
			order.StatusHistory = append(order.StatusHistory, StatusChange{Status: StatusProcessing, At: now})
		}
	case gateway.OutcomeFailed:
		detail.Status = PaymentFailed
	case gateway.OutcomeProcessing:
		// Still pending; touch the timestamp only.
	default:
		return fmt.Errorf("unknown gateway outcome %q", outcome)
	}
	order.UpdatedAt = now

	if err := s.store.UpdateOrder(ctx, order); err != nil {
		return err
	}
	s.logger.Info("order payment settled",
		"order", order.ID, "ref", reference, "outcome", outcome)
	s.notify(order)
	return nil
}

// Get returns an order, checking ownership.
func (s *Service) Get(ctx context.Context, orderID, userID string) (*Order, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, ErrNotOrderOwner
	}
	return order, nil
}

func (s *Service) notify(order *Order) {
	if s.notifier != nil {
		s.notifier.OrderUpdated(order.UserID, order.ID, string(order.OrderStatus))
	}
}

func firstDetail(o *Order) *PaymentDetail {
	if len(o.PaymentDetails) == 0 {
		return nil
	}
	return &o.PaymentDetails[0]
}
