package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// PostgresStore implements Store on PostgreSQL. Multi-row commits run
// in serializable transactions so concurrent redemptions and refunds on
// the same user cannot interleave partial state.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateEntry(ctx context.Context, e *CreditEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credit_entries
			(id, user_id, user_email, payment_ref, original_amount, remaining_amount, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.UserID, e.UserEmail, e.PaymentRef,
		e.OriginalAmount.StringFixed(2), e.RemainingAmount.StringFixed(2),
		string(e.Status), e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert credit entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetEntry(ctx context.Context, id string) (*CreditEntry, error) {
	return s.getEntry(ctx, `WHERE id = $1`, id)
}

func (s *PostgresStore) GetEntryByRef(ctx context.Context, paymentRef string) (*CreditEntry, error) {
	return s.getEntry(ctx, `WHERE payment_ref = $1`, paymentRef)
}

func (s *PostgresStore) getEntry(ctx context.Context, where string, arg any) (*CreditEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, user_email, payment_ref, original_amount, remaining_amount, status, created_at, updated_at
		FROM credit_entries `+where, arg)

	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEntryNotFound
		}
		return nil, err
	}
	if err := s.loadDebits(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

func (s *PostgresStore) ListSucceeded(ctx context.Context, userID string) ([]*CreditEntry, error) {
	return s.listEntries(ctx, `
		SELECT id, user_id, user_email, payment_ref, original_amount, remaining_amount, status, created_at, updated_at
		FROM credit_entries
		WHERE user_id = $1 AND status = 'succeeded'
		ORDER BY created_at ASC, id ASC`, userID)
}

func (s *PostgresStore) ListByEmail(ctx context.Context, email string) ([]*CreditEntry, error) {
	return s.listEntries(ctx, `
		SELECT id, user_id, user_email, payment_ref, original_amount, remaining_amount, status, created_at, updated_at
		FROM credit_entries
		WHERE user_email = $1
		ORDER BY created_at DESC, id DESC`, email)
}

func (s *PostgresStore) listEntries(ctx context.Context, query string, arg any) ([]*CreditEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var out []*CreditEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, e := range out {
		if err := s.loadDebits(ctx, e); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *PostgresStore) loadDebits(ctx context.Context, e *CreditEntry) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT amount, payment_ref, applied_at
		FROM wallet_debits
		WHERE entry_id = $1
		ORDER BY applied_at ASC`, e.ID)
	if err != nil {
		return fmt.Errorf("load debits: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var d Debit
		var amount string
		if err := rows.Scan(&amount, &d.PaymentRef, &d.AppliedAt); err != nil {
			return err
		}
		if d.Amount, err = decimal.NewFromString(amount); err != nil {
			return fmt.Errorf("parse debit amount: %w", err)
		}
		e.DebitHistory = append(e.DebitHistory, d)
	}
	return rows.Err()
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, paymentRef string, status Status) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE credit_entries SET status = $1, updated_at = NOW()
		WHERE payment_ref = $2`, string(status), paymentRef)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrEntryNotFound
	}
	return nil
}

func (s *PostgresStore) CommitRedemption(ctx context.Context, entries []*CreditEntry, audits []*AuditRecord) error {
	return s.commit(ctx, entries, audits)
}

func (s *PostgresStore) CommitRefund(ctx context.Context, entries []*CreditEntry, audits []*AuditRecord) error {
	return s.commit(ctx, entries, audits)
}

// commit writes updated entries, rewrites their live debit history, and
// appends audit records in one serializable transaction.
func (s *PostgresStore) commit(ctx context.Context, entries []*CreditEntry, audits []*AuditRecord) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback()

	for _, e := range entries {
		res, err := tx.ExecContext(ctx, `
			UPDATE credit_entries SET remaining_amount = $1, updated_at = $2
			WHERE id = $3`,
			e.RemainingAmount.StringFixed(2), e.UpdatedAt, e.ID)
		if err != nil {
			return fmt.Errorf("update entry %s: %w", e.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrEntryNotFound
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM wallet_debits WHERE entry_id = $1`, e.ID); err != nil {
			return fmt.Errorf("clear debits for %s: %w", e.ID, err)
		}
		for _, d := range e.DebitHistory {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO wallet_debits (entry_id, amount, payment_ref, applied_at)
				VALUES ($1, $2, $3, $4)`,
				e.ID, d.Amount.StringFixed(2), d.PaymentRef, d.AppliedAt); err != nil {
				return fmt.Errorf("insert debit for %s: %w", e.ID, err)
			}
		}
	}

	for _, a := range audits {
		if err := insertAudit(ctx, tx, a); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *PostgresStore) DeleteExhausted(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM credit_entries
		WHERE user_id = $1
		  AND remaining_amount = 0
		  AND NOT EXISTS (SELECT 1 FROM wallet_debits WHERE entry_id = credit_entries.id)`,
		userID)
	if err != nil {
		return fmt.Errorf("delete exhausted entries: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendAudit(ctx context.Context, rec *AuditRecord) error {
	return insertAudit(ctx, s.db, rec)
}

func (s *PostgresStore) ListAudits(ctx context.Context, userID string, limit int) ([]*AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entry_id, user_id, user_email, amount, payment_ref, kind, applied_at
		FROM debit_audit_log
		WHERE user_id = $1
		ORDER BY applied_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audits: %w", err)
	}
	defer rows.Close()

	var out []*AuditRecord
	for rows.Next() {
		var a AuditRecord
		var entryID sql.NullString
		var amount, kind string
		if err := rows.Scan(&a.ID, &entryID, &a.UserID, &a.UserEmail, &amount, &a.PaymentRef, &kind, &a.AppliedAt); err != nil {
			return nil, err
		}
		a.EntryID = entryID.String
		a.Kind = AuditKind(kind)
		if a.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parse audit amount: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertAudit(ctx context.Context, db execer, a *AuditRecord) error {
	var entryID sql.NullString
	if a.EntryID != "" {
		entryID = sql.NullString{String: a.EntryID, Valid: true}
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO debit_audit_log
			(id, entry_id, user_id, user_email, amount, payment_ref, kind, applied_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, entryID, a.UserID, a.UserEmail,
		a.Amount.StringFixed(2), a.PaymentRef, string(a.Kind), a.AppliedAt)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*CreditEntry, error) {
	var e CreditEntry
	var original, remaining, status string
	if err := row.Scan(&e.ID, &e.UserID, &e.UserEmail, &e.PaymentRef,
		&original, &remaining, &status, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if e.OriginalAmount, err = decimal.NewFromString(original); err != nil {
		return nil, fmt.Errorf("parse original amount: %w", err)
	}
	if e.RemainingAmount, err = decimal.NewFromString(remaining); err != nil {
		return nil, fmt.Errorf("parse remaining amount: %w", err)
	}
	e.Status = Status(status)
	return &e, nil
}
