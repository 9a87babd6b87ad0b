package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// BalanceRepo provides data access to the point/balance ledger.  Every
// mutation is a conditional UPDATE plus an append-only ledger row
// inside one transaction, so a concurrent debit can never push a
// balance below zero and every movement stays auditable.
type BalanceRepo struct {
	db *sql.DB
}

// NewBalanceRepo returns a new BalanceRepo bound to the provided database.
func NewBalanceRepo(db *sql.DB) *BalanceRepo { return &BalanceRepo{db: db} }

// Debit subtracts amountCents from the user's balance and records a
// ledger entry tagged with paymentID and reason.  ErrInsufficientBalance
// is returned, with nothing written, when the balance does not cover
// the amount.  The conditional WHERE clause is what makes the debit
// safe under concurrency: two racing debits serialise on the row and
// the loser observes the already-reduced balance.
func (r *BalanceRepo) Debit(ctx context.Context, userID uint64, amountCents uint32, paymentID, reason string) (newBalance uint64, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin debit tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	res, err := tx.ExecContext(ctx,
		`UPDATE balances SET amount_cents = amount_cents - ? WHERE user_id = ? AND amount_cents >= ?`,
		amountCents, userID, amountCents,
	)
	if err != nil {
		return 0, fmt.Errorf("debit update: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("debit rows affected: %w", err)
	}
	if affected == 0 {
		return 0, ErrInsufficientBalance
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO balance_ledger (user_id, delta_cents, payment_id, reason) VALUES (?, ?, ?, ?)`,
		userID, -int64(amountCents), paymentID, reason,
	); err != nil {
		return 0, fmt.Errorf("debit ledger insert: %w", err)
	}
	if err = tx.QueryRowContext(ctx,
		`SELECT amount_cents FROM balances WHERE user_id = ?`, userID,
	).Scan(&newBalance); err != nil {
		return 0, fmt.Errorf("debit balance read: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit debit tx: %w", err)
	}
	committed = true
	return newBalance, nil
}

// Credit adds amountCents to the user's balance with a ledger entry.
// Used both to grant reward points and by Refund.
func (r *BalanceRepo) Credit(ctx context.Context, userID uint64, amountCents uint32, paymentID, reason string) (newBalance uint64, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin credit tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO balances (user_id, amount_cents) VALUES (?, ?)
		 ON DUPLICATE KEY UPDATE amount_cents = amount_cents + VALUES(amount_cents)`,
		userID, amountCents,
	); err != nil {
		return 0, fmt.Errorf("credit update: %w", err)
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO balance_ledger (user_id, delta_cents, payment_id, reason) VALUES (?, ?, ?, ?)`,
		userID, int64(amountCents), paymentID, reason,
	); err != nil {
		return 0, fmt.Errorf("credit ledger insert: %w", err)
	}
	if err = tx.QueryRowContext(ctx,
		`SELECT amount_cents FROM balances WHERE user_id = ?`, userID,
	).Scan(&newBalance); err != nil {
		return 0, fmt.Errorf("credit balance read: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit credit tx: %w", err)
	}
	committed = true
	return newBalance, nil
}

// Refund returns a previously debited amount.  It is a credit tagged
// with the original payment ID so the ledger links the two movements.
func (r *BalanceRepo) Refund(ctx context.Context, userID uint64, amountCents uint32, paymentID string) (uint64, error) {
	return r.Credit(ctx, userID, amountCents, paymentID, "refund")
}

// BalanceOf returns the user's current balance in cents.  Users without
// a balance row read as zero.
func (r *BalanceRepo) BalanceOf(ctx context.Context, userID uint64) (uint64, error) {
	var amount uint64
	err := r.db.QueryRowContext(ctx,
		`SELECT amount_cents FROM balances WHERE user_id = ?`, userID,
	).Scan(&amount)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("balance read: %w", err)
	}
	return amount, nil
}
