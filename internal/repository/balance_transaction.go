package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/gumroad/dispute-engine/internal/domain"
)

const balanceTransactionColumns = `id, user_id, merchant_account_id, purchase_id,
	dispute_id, refund_id, type,
	issued_gross_currency, issued_gross_cents, issued_net_currency, issued_net_cents,
	holding_gross_currency, holding_gross_cents, holding_net_currency, holding_net_cents,
	unpaid_cents_before, unpaid_cents_after, refunded_net_cents_before, created_at`

const pqUniqueViolation = "23505"

type BalanceTransactionRepository struct {
	db *sql.DB
}

func NewBalanceTransactionRepository(db *sql.DB) *BalanceTransactionRepository {
	return &BalanceTransactionRepository{db: db}
}

// Create inserts an immutable ledger row. The table's uniqueness on
// (purchase, user, type) is the last line of defense against double-applying
// the same purchase+direction; a violation surfaces as
// domain.ErrBalanceAlreadyApplied and must abort the event.
func (r *BalanceTransactionRepository) Create(ctx context.Context, tx *sql.Tx, bt *domain.BalanceTransaction) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO balance_transactions (
			id, user_id, merchant_account_id, purchase_id, dispute_id, refund_id, type,
			issued_gross_currency, issued_gross_cents, issued_net_currency, issued_net_cents,
			holding_gross_currency, holding_gross_cents, holding_net_currency, holding_net_cents,
			unpaid_cents_before, unpaid_cents_after, refunded_net_cents_before, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		bt.ID, bt.UserID, bt.MerchantAccountID, bt.PurchaseID, bt.DisputeID, bt.RefundID, bt.Type,
		bt.IssuedGross.Currency, bt.IssuedGross.Cents, bt.IssuedNet.Currency, bt.IssuedNet.Cents,
		bt.HoldingGross.Currency, bt.HoldingGross.Cents, bt.HoldingNet.Currency, bt.HoldingNet.Cents,
		bt.UnpaidCentsBefore, bt.UnpaidCentsAfter, bt.RefundedNetCentsBefore, bt.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return fmt.Errorf("Create: %w", domain.ErrBalanceAlreadyApplied)
		}
		return fmt.Errorf("Create: %w", err)
	}
	return nil
}

func (r *BalanceTransactionRepository) GetByPurchaseID(ctx context.Context, purchaseID uuid.UUID) ([]domain.BalanceTransaction, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+balanceTransactionColumns+` FROM balance_transactions
		WHERE purchase_id = $1 ORDER BY created_at`, purchaseID,
	)
	if err != nil {
		return nil, fmt.Errorf("GetByPurchaseID: %w", err)
	}
	defer rows.Close()

	var entries []domain.BalanceTransaction
	for rows.Next() {
		bt, err := scanBalanceTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("GetByPurchaseID: scan: %w", err)
		}
		entries = append(entries, *bt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("GetByPurchaseID: rows: %w", err)
	}
	return entries, nil
}

// ExistsForPurchase reports whether a ledger row of the given type already
// exists for the purchase+user, read under the event's transaction so the
// check and the later insert cannot race.
func (r *BalanceTransactionRepository) ExistsForPurchase(ctx context.Context, tx *sql.Tx, purchaseID, userID uuid.UUID, txType domain.BalanceTransactionType) (bool, error) {
	var exists bool
	err := tx.QueryRowContext(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM balance_transactions
			WHERE purchase_id = $1 AND user_id = $2 AND type = $3
		)`,
		purchaseID, userID, txType,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("ExistsForPurchase: %w", err)
	}
	return exists, nil
}

// GetForPurchase loads the single ledger row of the given type for the
// purchase+user, under the event's transaction.
func (r *BalanceTransactionRepository) GetForPurchase(ctx context.Context, tx *sql.Tx, purchaseID, userID uuid.UUID, txType domain.BalanceTransactionType) (*domain.BalanceTransaction, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+balanceTransactionColumns+` FROM balance_transactions
		WHERE purchase_id = $1 AND user_id = $2 AND type = $3`,
		purchaseID, userID, txType,
	)
	bt, err := scanBalanceTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetForPurchase: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetForPurchase: %w", err)
	}
	return bt, nil
}

func scanBalanceTransaction(s scanner) (*domain.BalanceTransaction, error) {
	var bt domain.BalanceTransaction
	err := s.Scan(
		&bt.ID, &bt.UserID, &bt.MerchantAccountID, &bt.PurchaseID,
		&bt.DisputeID, &bt.RefundID, &bt.Type,
		&bt.IssuedGross.Currency, &bt.IssuedGross.Cents, &bt.IssuedNet.Currency, &bt.IssuedNet.Cents,
		&bt.HoldingGross.Currency, &bt.HoldingGross.Cents, &bt.HoldingNet.Currency, &bt.HoldingNet.Cents,
		&bt.UnpaidCentsBefore, &bt.UnpaidCentsAfter, &bt.RefundedNetCentsBefore, &bt.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &bt, nil
}
