package orders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// PostgresStore implements Store on PostgreSQL. Payment details, line
// items, and status history live in child tables and are rewritten with
// the order row inside one serializable transaction on update.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateOrder(ctx context.Context, o *Order) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin create order: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders
			(id, user_id, user_email, total, payment_method, paid, order_status, order_summary, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		o.ID, o.UserID, o.UserEmail, o.Total.StringFixed(2),
		string(o.PaymentMethod), o.Paid, string(o.OrderStatus), o.OrderSummary,
		o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	if err := insertChildren(ctx, tx, o); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*Order, error) {
	return s.getOrder(ctx, `WHERE id = $1`, id)
}

func (s *PostgresStore) GetByPaymentRef(ctx context.Context, reference string) (*Order, error) {
	return s.getOrder(ctx, `
		WHERE id = (SELECT order_id FROM order_payment_details WHERE reference = $1 LIMIT 1)`,
		reference)
}

func (s *PostgresStore) getOrder(ctx context.Context, where string, arg any) (*Order, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, user_email, total, payment_method, paid, order_status, order_summary,
		       cancel_reason, cancelled_at, cancel_evidence, created_at, updated_at
		FROM orders `+where, arg)

	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	if err := s.loadChildren(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

func (s *PostgresStore) UpdateOrder(ctx context.Context, o *Order) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin update order: %w", err)
	}
	defer tx.Rollback()

	var cancelReason, cancelEvidence sql.NullString
	var cancelledAt sql.NullTime
	if o.Cancellation != nil {
		cancelReason = sql.NullString{String: o.Cancellation.Reason, Valid: true}
		cancelEvidence = sql.NullString{String: o.Cancellation.EvidenceImage, Valid: o.Cancellation.EvidenceImage != ""}
		cancelledAt = sql.NullTime{Time: o.Cancellation.CancelledAt, Valid: true}
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET paid = $1, order_status = $2, cancel_reason = $3, cancelled_at = $4,
		    cancel_evidence = $5, updated_at = $6
		WHERE id = $7`,
		o.Paid, string(o.OrderStatus), cancelReason, cancelledAt, cancelEvidence,
		o.UpdatedAt, o.ID)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrOrderNotFound
	}

	for _, table := range []string{"order_payment_details", "order_items", "order_status_history"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE order_id = $1`, o.ID); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	if err := insertChildren(ctx, tx, o); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Order, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, user_email, total, payment_method, paid, order_status, order_summary,
		       cancel_reason, cancelled_at, cancel_evidence, created_at, updated_at
		FROM orders
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var out []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, o := range out {
		if err := s.loadChildren(ctx, o); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func insertChildren(ctx context.Context, tx *sql.Tx, o *Order) error {
	for _, d := range o.PaymentDetails {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO order_payment_details
				(order_id, reference, transaction_type, status, amount, payment_method, refund_amount, applied_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			o.ID, d.Reference, string(d.TransactionType), string(d.Status),
			d.Amount.StringFixed(2), string(d.PaymentMethod),
			d.RefundAmount.StringFixed(2), d.AppliedAt); err != nil {
			return fmt.Errorf("insert payment detail: %w", err)
		}
	}
	for _, it := range o.Items {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, product_id, quantity, price, status)
			VALUES ($1, $2, $3, $4, $5)`,
			o.ID, it.ProductID, it.Quantity, it.Price.StringFixed(2), string(it.Status)); err != nil {
			return fmt.Errorf("insert line item: %w", err)
		}
	}
	for _, sc := range o.StatusHistory {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO order_status_history (order_id, status, at)
			VALUES ($1, $2, $3)`,
			o.ID, string(sc.Status), sc.At); err != nil {
			return fmt.Errorf("insert status change: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) loadChildren(ctx context.Context, o *Order) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT reference, transaction_type, status, amount, payment_method, refund_amount, applied_at
		FROM order_payment_details
		WHERE order_id = $1
		ORDER BY applied_at ASC`, o.ID)
	if err != nil {
		return fmt.Errorf("load payment details: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var d PaymentDetail
		var txType, status, method, amount, refund string
		if err := rows.Scan(&d.Reference, &txType, &status, &amount, &method, &refund, &d.AppliedAt); err != nil {
			return err
		}
		d.TransactionType = TransactionType(txType)
		d.Status = PaymentStatus(status)
		d.PaymentMethod = PaymentMethod(method)
		if d.Amount, err = decimal.NewFromString(amount); err != nil {
			return fmt.Errorf("parse detail amount: %w", err)
		}
		if d.RefundAmount, err = decimal.NewFromString(refund); err != nil {
			return fmt.Errorf("parse refund amount: %w", err)
		}
		o.PaymentDetails = append(o.PaymentDetails, d)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	itemRows, err := s.db.QueryContext(ctx, `
		SELECT product_id, quantity, price, status
		FROM order_items WHERE order_id = $1`, o.ID)
	if err != nil {
		return fmt.Errorf("load items: %w", err)
	}
	defer itemRows.Close()
	for itemRows.Next() {
		var it LineItem
		var price, status string
		if err := itemRows.Scan(&it.ProductID, &it.Quantity, &price, &status); err != nil {
			return err
		}
		it.Status = Status(status)
		if it.Price, err = decimal.NewFromString(price); err != nil {
			return fmt.Errorf("parse item price: %w", err)
		}
		o.Items = append(o.Items, it)
	}
	if err := itemRows.Err(); err != nil {
		return err
	}

	histRows, err := s.db.QueryContext(ctx, `
		SELECT status, at FROM order_status_history
		WHERE order_id = $1 ORDER BY at ASC`, o.ID)
	if err != nil {
		return fmt.Errorf("load status history: %w", err)
	}
	defer histRows.Close()
	for histRows.Next() {
		var sc StatusChange
		var status string
		if err := histRows.Scan(&status, &sc.At); err != nil {
			return err
		}
		sc.Status = Status(status)
		o.StatusHistory = append(o.StatusHistory, sc)
	}
	return histRows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*Order, error) {
	var o Order
	var total, method, status string
	var summary, cancelReason, cancelEvidence sql.NullString
	var cancelledAt sql.NullTime
	if err := row.Scan(&o.ID, &o.UserID, &o.UserEmail, &total, &method, &o.Paid,
		&status, &summary, &cancelReason, &cancelledAt, &cancelEvidence,
		&o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if o.Total, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("parse order total: %w", err)
	}
	o.PaymentMethod = PaymentMethod(method)
	o.OrderStatus = Status(status)
	o.OrderSummary = summary.String
	if cancelReason.Valid {
		o.Cancellation = &Cancellation{
			Reason:        cancelReason.String,
			CancelledAt:   cancelledAt.Time,
			Status:        StatusCancelled,
			EvidenceImage: cancelEvidence.String,
		}
	}
	return &o, nil
}
