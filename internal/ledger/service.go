package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/trovecart/wallet-engine/internal/gateway"
	"github.com/trovecart/wallet-engine/internal/idgen"
	"github.com/trovecart/wallet-engine/internal/metrics"
	"github.com/trovecart/wallet-engine/internal/money"
	"github.com/trovecart/wallet-engine/internal/retry"
	"github.com/trovecart/wallet-engine/internal/syncutil"
	"github.com/trovecart/wallet-engine/internal/traces"
)

// Gateway is the slice of the payment gateway the ledger needs: opening
// charges for top-ups and verifying charge state before refunds.
type Gateway interface {
	CreateCharge(ctx context.Context, amount decimal.Decimal, currency string, metadata map[string]string) (*gateway.ChargeIntent, error)
	ChargeStatus(ctx context.Context, reference string) (gateway.Status, error)
}

// Notifier receives balance change events for realtime push. May be nil.
type Notifier interface {
	BalanceChanged(userID string, balance decimal.Decimal)
}

// ServiceConfig tunes gateway I/O behavior.
type ServiceConfig struct {
	Currency       string
	GatewayTimeout time.Duration
	MaxAttempts    int
}

func (c *ServiceConfig) applyDefaults() {
	if c.Currency == "" {
		c.Currency = "usd"
	}
	if c.GatewayTimeout <= 0 {
		c.GatewayTimeout = 10 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
}

// Service implements wallet top-ups, balance aggregation, FIFO
// redemption, and FIFO refund reversal. All mutations of a user's
// entries are serialized through the per-user lock.
type Service struct {
	store    Store
	gw       Gateway
	locks    *syncutil.UserMutex
	logger   *slog.Logger
	notifier Notifier
	cfg      ServiceConfig
}

func NewService(store Store, gw Gateway, locks *syncutil.UserMutex, logger *slog.Logger, cfg ServiceConfig) *Service {
	cfg.applyDefaults()
	return &Service{
		store:  store,
		gw:     gw,
		locks:  locks,
		logger: logger,
		cfg:    cfg,
	}
}

// SetNotifier attaches a realtime notifier for balance change events.
func (s *Service) SetNotifier(n Notifier) { s.notifier = n }

// TopUpResult is returned to the client to complete the charge
// out-of-band.
type TopUpResult struct {
	ClientReference string `json:"clientReference"`
	ChargeReference string `json:"chargeReference"`
}

// TopUp opens a pending credit entry backed by a new gateway charge.
// The entry stays pending until the reconciler sees the charge settle.
func (s *Service) TopUp(ctx context.Context, userID, userEmail string, amount decimal.Decimal) (*TopUpResult, error) {
	if userID == "" || userEmail == "" {
		return nil, ErrMissingIdentity
	}
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	ctx, span := traces.StartSpan(ctx, "ledger.TopUp",
		traces.UserID(userID), traces.Amount(money.Format(amount)))
	defer span.End()

	// A gateway timeout is an unknown outcome, not a success. The charge
	// is created before the entry so a persistence failure leaves only an
	// unreferenced charge, never an unfunded entry.
	var intent *gateway.ChargeIntent
	err := retry.Do(ctx, s.cfg.MaxAttempts, 500*time.Millisecond, func() error {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
		defer cancel()
		var err error
		intent, err = s.gw.CreateCharge(callCtx, amount, s.cfg.Currency, map[string]string{
			"userId":    userID,
			"userEmail": userEmail,
		})
		return err
	})
	if err != nil {
		metrics.TopUpsTotal.WithLabelValues("gateway_error").Inc()
		return nil, fmt.Errorf("create charge: %w", err)
	}

	now := time.Now().UTC()
	entry := &CreditEntry{
		ID:              idgen.WithPrefix("ce_"),
		UserID:          userID,
		UserEmail:       userEmail,
		PaymentRef:      intent.Reference,
		OriginalAmount:  amount,
		RemainingAmount: amount,
		Status:          StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.CreateEntry(ctx, entry); err != nil {
		metrics.TopUpsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("persist entry: %w", err)
	}

	metrics.TopUpsTotal.WithLabelValues("created").Inc()
	s.logger.Info("top-up opened",
		"user", userID, "amount", money.Format(amount), "ref", intent.Reference)

	return &TopUpResult{
		ClientReference: intent.ClientSecret,
		ChargeReference: intent.Reference,
	}, nil
}

// Balance returns the true aggregate of remaining amounts over all of a
// user's succeeded entries, never a read of a single row, plus the
// entries themselves for display.
func (s *Service) Balance(ctx context.Context, userID string) (decimal.Decimal, []*CreditEntry, error) {
	entries, err := s.store.ListSucceeded(ctx, userID)
	if err != nil {
		return decimal.Zero, nil, err
	}
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.RemainingAmount)
	}
	return total, entries, nil
}

// Transactions lists a user's entries of any status, newest first.
func (s *Service) Transactions(ctx context.Context, email string) ([]*CreditEntry, error) {
	if email == "" {
		return nil, ErrMissingIdentity
	}
	return s.store.ListByEmail(ctx, email)
}

// Redeem consumes succeeded entries FIFO by creation time to cover
// amount, guided by caller-supplied hints naming which entries to draw
// from. The whole allocation is staged and committed as one unit: on
// insufficiency nothing is persisted.
func (s *Service) Redeem(ctx context.Context, userID, userEmail string, amount decimal.Decimal, hints []Draw) (decimal.Decimal, []Draw, error) {
	if userID == "" || userEmail == "" {
		return decimal.Zero, nil, ErrMissingIdentity
	}
	if !amount.IsPositive() {
		return decimal.Zero, nil, ErrInvalidAmount
	}

	ctx, span := traces.StartSpan(ctx, "ledger.Redeem",
		traces.UserID(userID), traces.Amount(money.Format(amount)))
	defer span.End()

	unlock, err := s.locks.Lock(ctx, userID)
	if err != nil {
		return decimal.Zero, nil, err
	}
	defer unlock()

	entries, err := s.store.ListSucceeded(ctx, userID)
	if err != nil {
		return decimal.Zero, nil, err
	}
	byRef := make(map[string]*CreditEntry, len(entries))
	for _, e := range entries {
		byRef[e.PaymentRef] = e
	}

	// Stage: walk the hints in caller order, drawing from each matching
	// entry. Nothing is persisted until the full amount is covered.
	now := time.Now().UTC()
	needed := amount
	var draws []Draw
	var audits []*AuditRecord
	touched := make(map[string]*CreditEntry)

	for _, hint := range hints {
		if needed.IsZero() {
			break
		}
		entry, ok := byRef[hint.PaymentRef]
		if !ok {
			continue
		}
		draw := money.Min(money.Min(entry.RemainingAmount, hint.Amount), needed)
		if !draw.IsPositive() {
			continue
		}

		entry.RemainingAmount = entry.RemainingAmount.Sub(draw)
		entry.UpdatedAt = now
		entry.DebitHistory = append(entry.DebitHistory, Debit{
			Amount:     draw,
			PaymentRef: entry.PaymentRef,
			AppliedAt:  now,
		})
		touched[entry.ID] = entry

		draws = append(draws, Draw{PaymentRef: entry.PaymentRef, Amount: draw})
		audits = append(audits, &AuditRecord{
			ID:         idgen.WithPrefix("dbt_"),
			EntryID:    entry.ID,
			UserID:     userID,
			UserEmail:  userEmail,
			Amount:     draw,
			PaymentRef: entry.PaymentRef,
			Kind:       KindDebit,
			AppliedAt:  now,
		})
		needed = needed.Sub(draw)
	}

	if needed.IsPositive() {
		metrics.RedemptionsTotal.WithLabelValues("insufficient_funds").Inc()
		return decimal.Zero, nil, fmt.Errorf("%w: short %s of %s",
			ErrInsufficientFunds, money.Format(needed), money.Format(amount))
	}

	updated := make([]*CreditEntry, 0, len(touched))
	for _, e := range touched {
		updated = append(updated, e)
	}
	if err := s.store.CommitRedemption(ctx, updated, audits); err != nil {
		metrics.RedemptionsTotal.WithLabelValues("error").Inc()
		return decimal.Zero, nil, fmt.Errorf("commit redemption: %w", err)
	}
	if err := s.store.DeleteExhausted(ctx, userID); err != nil {
		s.logger.Warn("exhausted entry cleanup failed", "user", userID, "error", err)
	}

	balance := decimal.Zero
	for _, e := range entries {
		balance = balance.Add(e.RemainingAmount)
	}

	metrics.RedemptionsTotal.WithLabelValues("succeeded").Inc()
	s.logger.Info("redeemed wallet funds",
		"user", userID, "amount", money.Format(amount), "draws", len(draws))
	s.notifyBalance(userID, balance)

	return balance, draws, nil
}

// Reverse restores previously redeemed funds after an order
// cancellation. The original charge is verified with the gateway before
// any mutation; then the user's live debits are refunded oldest-first
// across all entries until the owed amount is covered.
func (s *Service) Reverse(ctx context.Context, userID, userEmail string, amount decimal.Decimal, chargeRef string) (decimal.Decimal, error) {
	if userID == "" || userEmail == "" {
		return decimal.Zero, ErrMissingIdentity
	}
	if !amount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	if chargeRef == "" {
		return decimal.Zero, ErrRefundNotVerified
	}

	ctx, span := traces.StartSpan(ctx, "ledger.Reverse",
		traces.UserID(userID), traces.Amount(money.Format(amount)), traces.PaymentRef(chargeRef))
	defer span.End()

	// Verify fully before touching the ledger. A forged, failed, or
	// still-processing charge never pays out.
	verifyCtx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	st, err := s.gw.ChargeStatus(verifyCtx, chargeRef)
	cancel()
	if err != nil {
		metrics.RefundsTotal.WithLabelValues("verification_failed").Inc()
		return decimal.Zero, fmt.Errorf("%w: %w", ErrRefundNotVerified, err)
	}
	if st != gateway.StatusSucceeded {
		metrics.RefundsTotal.WithLabelValues("verification_failed").Inc()
		return decimal.Zero, fmt.Errorf("%w: charge status %s", ErrRefundNotVerified, st)
	}

	unlock, err := s.locks.Lock(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	defer unlock()

	entries, err := s.store.ListSucceeded(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}

	// Gather every live debit across all entries, oldest applied first.
	type liveDebit struct {
		entry *CreditEntry
		idx   int
	}
	var debits []liveDebit
	for _, e := range entries {
		for i := range e.DebitHistory {
			debits = append(debits, liveDebit{entry: e, idx: i})
		}
	}
	sort.SliceStable(debits, func(i, j int) bool {
		a := debits[i].entry.DebitHistory[debits[i].idx].AppliedAt
		b := debits[j].entry.DebitHistory[debits[j].idx].AppliedAt
		return a.Before(b)
	})

	now := time.Now().UTC()
	owed := amount
	touched := make(map[string]*CreditEntry)
	for _, d := range debits {
		if owed.IsZero() {
			break
		}
		rec := &d.entry.DebitHistory[d.idx]
		restore := money.Min(rec.Amount, owed)
		if !restore.IsPositive() {
			continue
		}
		rec.Amount = rec.Amount.Sub(restore)
		d.entry.RemainingAmount = d.entry.RemainingAmount.Add(restore)
		if d.entry.RemainingAmount.GreaterThan(d.entry.OriginalAmount) {
			metrics.RefundsTotal.WithLabelValues("consistency_error").Inc()
			return decimal.Zero, fmt.Errorf("%w: refund would exceed original amount on entry %s",
				ErrConsistency, d.entry.ID)
		}
		d.entry.UpdatedAt = now
		touched[d.entry.ID] = d.entry
		owed = owed.Sub(restore)
	}

	if owed.IsPositive() {
		// Invariant 1 guarantees the debit history covers every redeemed
		// amount; running out means the ledger is damaged. Abort without
		// committing rather than silently under-refund.
		metrics.RefundsTotal.WithLabelValues("consistency_error").Inc()
		s.logger.Error("refund exceeds recorded debit history",
			"user", userID, "owed", money.Format(owed), "requested", money.Format(amount))
		return decimal.Zero, fmt.Errorf("%w: %s owed with no remaining debit history",
			ErrConsistency, money.Format(owed))
	}

	updated := make([]*CreditEntry, 0, len(touched))
	for _, e := range touched {
		e.DebitHistory = pruneZeroDebits(e.DebitHistory)
		updated = append(updated, e)
	}
	refundAudit := &AuditRecord{
		ID:         idgen.WithPrefix("rfd_"),
		UserID:     userID,
		UserEmail:  userEmail,
		Amount:     amount,
		PaymentRef: chargeRef,
		Kind:       KindRefund,
		AppliedAt:  now,
	}
	if err := s.store.CommitRefund(ctx, updated, []*AuditRecord{refundAudit}); err != nil {
		metrics.RefundsTotal.WithLabelValues("error").Inc()
		return decimal.Zero, fmt.Errorf("commit refund: %w", err)
	}
	if err := s.store.DeleteExhausted(ctx, userID); err != nil {
		s.logger.Warn("exhausted entry cleanup failed", "user", userID, "error", err)
	}

	balance := decimal.Zero
	for _, e := range entries {
		balance = balance.Add(e.RemainingAmount)
	}

	metrics.RefundsTotal.WithLabelValues("succeeded").Inc()
	s.logger.Info("reversed redemption",
		"user", userID, "amount", money.Format(amount), "ref", chargeRef)
	s.notifyBalance(userID, balance)

	return balance, nil
}

// EnsureDebitRecorded applies a settlement draw to its source entry
// unless a debit with the same (reference, amount) already exists, which
// makes order confirmation safe to retry after a client timeout.
// Returns true when the draw was newly applied.
func (s *Service) EnsureDebitRecorded(ctx context.Context, userID, userEmail string, draw Draw) (bool, error) {
	if userID == "" {
		return false, ErrMissingIdentity
	}
	if !draw.Amount.IsPositive() {
		return false, ErrInvalidAmount
	}

	unlock, err := s.locks.Lock(ctx, userID)
	if err != nil {
		return false, err
	}
	defer unlock()

	entry, err := s.store.GetEntryByRef(ctx, draw.PaymentRef)
	if err != nil {
		return false, err
	}
	for _, d := range entry.DebitHistory {
		if d.PaymentRef == draw.PaymentRef && d.Amount.Equal(draw.Amount) {
			return false, nil // already applied
		}
	}

	if entry.RemainingAmount.LessThan(draw.Amount) {
		return false, ErrInsufficientFunds
	}

	now := time.Now().UTC()
	entry.RemainingAmount = entry.RemainingAmount.Sub(draw.Amount)
	entry.UpdatedAt = now
	entry.DebitHistory = append(entry.DebitHistory, Debit{
		Amount:     draw.Amount,
		PaymentRef: draw.PaymentRef,
		AppliedAt:  now,
	})
	audit := &AuditRecord{
		ID:         idgen.WithPrefix("dbt_"),
		EntryID:    entry.ID,
		UserID:     userID,
		UserEmail:  userEmail,
		Amount:     draw.Amount,
		PaymentRef: draw.PaymentRef,
		Kind:       KindDebit,
		AppliedAt:  now,
	}
	if err := s.store.CommitRedemption(ctx, []*CreditEntry{entry}, []*AuditRecord{audit}); err != nil {
		return false, fmt.Errorf("commit draw: %w", err)
	}
	return true, nil
}

// ApplyOutcome advances an entry's status from a verified gateway
// event. Redelivered events for an entry already in a terminal state
// are a no-op.
func (s *Service) ApplyOutcome(ctx context.Context, paymentRef string, outcome gateway.Outcome) error {
	entry, err := s.store.GetEntryByRef(ctx, paymentRef)
	if err != nil {
		return err
	}

	unlock, err := s.locks.Lock(ctx, entry.UserID)
	if err != nil {
		return err
	}
	defer unlock()

	// Re-read under the lock. A concurrent delivery may have settled the
	// entry between the first read and lock acquisition, and a terminal
	// status must never be overwritten.
	entry, err = s.store.GetEntryByRef(ctx, paymentRef)
	if err != nil {
		return err
	}
	if entry.Status != StatusPending {
		return nil
	}

	var next Status
	switch outcome {
	case gateway.OutcomeSucceeded:
		next = StatusSucceeded
	case gateway.OutcomeFailed:
		next = StatusFailed
	case gateway.OutcomeProcessing:
		return nil // still pending
	default:
		return fmt.Errorf("unknown gateway outcome %q", outcome)
	}

	if err := s.store.UpdateStatus(ctx, paymentRef, next); err != nil {
		return err
	}
	s.logger.Info("credit entry settled", "ref", paymentRef, "status", next)

	if next == StatusSucceeded {
		if balance, _, err := s.Balance(ctx, entry.UserID); err == nil {
			s.notifyBalance(entry.UserID, balance)
		}
	}
	return nil
}

// Audits exposes the append-only audit log for a user.
func (s *Service) Audits(ctx context.Context, userID string, limit int) ([]*AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.ListAudits(ctx, userID, limit)
}

func (s *Service) notifyBalance(userID string, balance decimal.Decimal) {
	if s.notifier != nil {
		s.notifier.BalanceChanged(userID, balance)
	}
}

func pruneZeroDebits(history []Debit) []Debit {
	kept := history[:0]
	for _, d := range history {
		if d.Amount.IsPositive() {
			kept = append(kept, d)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	return kept
}
