package orders

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trovecart/wallet-engine/internal/gateway"
	"github.com/trovecart/wallet-engine/internal/ledger"
	"github.com/trovecart/wallet-engine/internal/syncutil"
)

type fixture struct {
	orders      *Service
	wallet      *ledger.Service
	orderStore  *MemoryStore
	ledgerStore *ledger.MemoryStore
	gw          *gateway.Fake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	locks := syncutil.NewUserMutex()
	gw := gateway.NewFake("whsec_w", "whsec_o")
	ledgerStore := ledger.NewMemoryStore()
	wallet := ledger.NewService(ledgerStore, gw, locks, logger, ledger.ServiceConfig{})
	orderStore := NewMemoryStore()
	return &fixture{
		orders:      NewService(orderStore, wallet, gw, locks, logger, "usd"),
		wallet:      wallet,
		orderStore:  orderStore,
		ledgerStore: ledgerStore,
		gw:          gw,
	}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func (f *fixture) seedEntry(t *testing.T, id, ref, amount string) {
	t.Helper()
	a := dec(amount)
	err := f.ledgerStore.CreateEntry(context.Background(), &ledger.CreditEntry{
		ID:              id,
		UserID:          "u1",
		UserEmail:       "u1@example.com",
		PaymentRef:      ref,
		OriginalAmount:  a,
		RemainingAmount: a,
		Status:          ledger.StatusSucceeded,
		CreatedAt:       time.Now().UTC(),
		UpdatedAt:       time.Now().UTC(),
	})
	require.NoError(t, err)
	f.gw.SetStatus(ref, gateway.StatusSucceeded)
}

func TestConfirm_WalletOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedEntry(t, "e1", "pi_1", "100.00")

	_, draws, err := f.wallet.Redeem(ctx, "u1", "u1@example.com", dec("60.00"), []ledger.Draw{
		{PaymentRef: "pi_1", Amount: dec("100.00")},
	})
	require.NoError(t, err)

	order, err := f.orders.Confirm(ctx, ConfirmInput{
		OrderID:       "o1",
		UserID:        "u1",
		UserEmail:     "u1@example.com",
		Total:         dec("60.00"),
		PaymentMethod: MethodWallet,
		Draws:         draws,
		Items:         []LineItem{{ProductID: "p1", Quantity: 2, Price: dec("30.00")}},
	})
	require.NoError(t, err)

	assert.True(t, order.Paid)
	assert.Equal(t, StatusPlaced, order.OrderStatus)
	require.Len(t, order.PaymentDetails, 1)
	assert.Equal(t, TxDebit, order.PaymentDetails[0].TransactionType)
	assert.Equal(t, PaymentSucceeded, order.PaymentDetails[0].Status)
	assert.True(t, order.PaymentDetails[0].Amount.Equal(dec("60.00")))
	assert.Equal(t, StatusPlaced, order.Items[0].Status)
}

func TestConfirm_RetryDoesNotDoubleCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedEntry(t, "e1", "pi_1", "100.00")

	_, draws, err := f.wallet.Redeem(ctx, "u1", "u1@example.com", dec("60.00"), []ledger.Draw{
		{PaymentRef: "pi_1", Amount: dec("100.00")},
	})
	require.NoError(t, err)

	in := ConfirmInput{
		OrderID:       "o1",
		UserID:        "u1",
		UserEmail:     "u1@example.com",
		Total:         dec("60.00"),
		PaymentMethod: MethodWallet,
		Draws:         draws,
	}
	_, err = f.orders.Confirm(ctx, in)
	require.NoError(t, err)

	// Client retry after a timeout.
	_, err = f.orders.Confirm(ctx, in)
	require.NoError(t, err)

	entry, err := f.ledgerStore.GetEntry(ctx, "e1")
	require.NoError(t, err)
	assert.True(t, entry.RemainingAmount.Equal(dec("40.00")),
		"retried confirm must not re-deduct, got %s", entry.RemainingAmount)
	assert.Len(t, entry.DebitHistory, 1)

	audits, err := f.ledgerStore.ListAudits(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Len(t, audits, 1, "exactly one audit record for the draw")
}

func TestConfirm_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orders.Confirm(ctx, ConfirmInput{
		OrderID: "o1", UserID: "u1", UserEmail: "u1@example.com",
		Total: dec("10.00"), PaymentMethod: MethodWallet,
	})
	assert.ErrorIs(t, err, ErrMissingDraws)

	_, err = f.orders.Confirm(ctx, ConfirmInput{
		OrderID: "o1", UserID: "u1", UserEmail: "u1@example.com",
		Total: dec("10.00"), PaymentMethod: MethodCard,
	})
	assert.ErrorIs(t, err, ErrMissingCharge)

	_, err = f.orders.Confirm(ctx, ConfirmInput{
		OrderID: "o1", UserID: "u1", UserEmail: "u1@example.com",
		Total: dec("0"), PaymentMethod: MethodCOD,
	})
	assert.ErrorIs(t, err, ErrInvalidOrder)
}

func confirmWalletOrder(t *testing.T, f *fixture, orderID, amount string) *Order {
	t.Helper()
	ctx := context.Background()
	_, draws, err := f.wallet.Redeem(ctx, "u1", "u1@example.com", dec(amount), []ledger.Draw{
		{PaymentRef: "pi_1", Amount: dec(amount)},
	})
	require.NoError(t, err)
	order, err := f.orders.Confirm(ctx, ConfirmInput{
		OrderID:       orderID,
		UserID:        "u1",
		UserEmail:     "u1@example.com",
		Total:         dec(amount),
		PaymentMethod: MethodWallet,
		Draws:         draws,
		Items:         []LineItem{{ProductID: "p1", Quantity: 1, Price: dec(amount)}},
	})
	require.NoError(t, err)
	return order
}

func TestCancel_WalletOrderRestoresFunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedEntry(t, "e1", "pi_1", "200.00")
	confirmWalletOrder(t, f, "o1", "150.00")

	order, err := f.orders.Cancel(ctx, CancelInput{
		OrderID: "o1", UserID: "u1", Reason: "changed my mind",
	})
	require.NoError(t, err)

	assert.True(t, order.Cancelled())
	assert.Equal(t, StatusCancelled, order.OrderStatus)
	assert.Equal(t, "changed my mind", order.Cancellation.Reason)
	require.Len(t, order.PaymentDetails, 1)
	assert.Equal(t, PaymentRefund, order.PaymentDetails[0].Status)
	assert.True(t, order.PaymentDetails[0].RefundAmount.Equal(dec("150.00")))
	for _, it := range order.Items {
		assert.Equal(t, StatusCancelled, it.Status)
	}

	balance, _, err := f.wallet.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec("200.00")))
}

func TestCancel_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedEntry(t, "e1", "pi_1", "200.00")
	confirmWalletOrder(t, f, "o1", "150.00")

	_, err := f.orders.Cancel(ctx, CancelInput{OrderID: "o1", UserID: "u1", Reason: "first"})
	require.NoError(t, err)

	// Retried cancellation must not refund again.
	order, err := f.orders.Cancel(ctx, CancelInput{OrderID: "o1", UserID: "u1", Reason: "second"})
	require.NoError(t, err)
	assert.Equal(t, "first", order.Cancellation.Reason)

	balance, _, err := f.wallet.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec("200.00")),
		"repeat cancellation must not restore beyond the debited total")
}

func TestCancel_VerificationFailureAbortsCancellation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedEntry(t, "e1", "pi_1", "200.00")
	confirmWalletOrder(t, f, "o1", "150.00")

	f.gw.SetStatus("pi_1", gateway.StatusProcessing)

	_, err := f.orders.Cancel(ctx, CancelInput{OrderID: "o1", UserID: "u1", Reason: "damaged"})
	require.ErrorIs(t, err, ledger.ErrRefundNotVerified)

	order, err := f.orderStore.GetOrder(ctx, "o1")
	require.NoError(t, err)
	assert.False(t, order.Cancelled(), "order must stay live when the refund cannot be verified")

	balance, _, err := f.wallet.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec("50.00")))
}

func TestCancel_OwnershipEnforced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedEntry(t, "e1", "pi_1", "100.00")
	confirmWalletOrder(t, f, "o1", "50.00")

	_, err := f.orders.Cancel(ctx, CancelInput{OrderID: "o1", UserID: "intruder", Reason: "mine now"})
	assert.ErrorIs(t, err, ErrNotOrderOwner)

	_, err = f.orders.Cancel(ctx, CancelInput{OrderID: "missing", UserID: "u1", Reason: "gone"})
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestPrepaid_CardOrderSettlesViaWebhookOutcome(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.orders.Prepaid(ctx, ConfirmInput{
		OrderID:   "o1",
		UserID:    "u1",
		UserEmail: "u1@example.com",
		Total:     dec("75.00"),
		Items:     []LineItem{{ProductID: "p1", Quantity: 1, Price: dec("75.00")}},
	})
	require.NoError(t, err)
	require.NotEmpty(t, result.ChargeReference)

	order := result.Order
	assert.False(t, order.Paid)
	require.Len(t, order.PaymentDetails, 1)
	assert.Equal(t, TxDirect, order.PaymentDetails[0].TransactionType)
	assert.Equal(t, PaymentPending, order.PaymentDetails[0].Status)

	// processing keeps the detail pending
	require.NoError(t, f.orders.ApplyPaymentOutcome(ctx, result.ChargeReference, gateway.OutcomeProcessing))
	order, err = f.orderStore.GetOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, PaymentPending, order.PaymentDetails[0].Status)

	require.NoError(t, f.orders.ApplyPaymentOutcome(ctx, result.ChargeReference, gateway.OutcomeSucceeded))
	order, err = f.orderStore.GetOrder(ctx, "o1")
	require.NoError(t, err)
	assert.True(t, order.Paid)
	assert.Equal(t, PaymentSucceeded, order.PaymentDetails[0].Status)
	assert.Equal(t, StatusProcessing, order.OrderStatus)

	// redelivery is a no-op
	require.NoError(t, f.orders.ApplyPaymentOutcome(ctx, result.ChargeReference, gateway.OutcomeFailed))
	order, err = f.orderStore.GetOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, PaymentSucceeded, order.PaymentDetails[0].Status)
}

func TestPrepaid_RetryReturnsExistingCharge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	in := ConfirmInput{
		OrderID: "o1", UserID: "u1", UserEmail: "u1@example.com", Total: dec("75.00"),
	}
	first, err := f.orders.Prepaid(ctx, in)
	require.NoError(t, err)

	second, err := f.orders.Prepaid(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, first.ChargeReference, second.ChargeReference,
		"retried prepaid must reuse the original charge")
}

func TestApplyPaymentOutcome_UnknownReference(t *testing.T) {
	f := newFixture(t)
	err := f.orders.ApplyPaymentOutcome(context.Background(), "pi_unknown", gateway.OutcomeSucceeded)
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestCancel_CODOrderNoLedgerTouch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orders.Confirm(ctx, ConfirmInput{
		OrderID: "o1", UserID: "u1", UserEmail: "u1@example.com",
		Total: dec("30.00"), PaymentMethod: MethodCOD,
	})
	require.NoError(t, err)

	order, err := f.orders.Cancel(ctx, CancelInput{OrderID: "o1", UserID: "u1", Reason: "late delivery"})
	require.NoError(t, err)
	assert.True(t, order.Cancelled())
	assert.Empty(t, order.PaymentDetails)
}
