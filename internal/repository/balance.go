package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/gumroad/dispute-engine/internal/domain"
)

const balanceColumns = `id, user_id, merchant_account_id, currency, unpaid_cents,
	version, created_at`

type BalanceRepository struct {
	db *sql.DB
}

func NewBalanceRepository(db *sql.DB) *BalanceRepository {
	return &BalanceRepository{db: db}
}

func (r *BalanceRepository) Create(ctx context.Context, b *domain.Balance) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO balances (id, user_id, merchant_account_id, currency, unpaid_cents, version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		b.ID, b.UserID, b.MerchantAccountID, b.Currency, b.UnpaidCents, b.Version, b.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("Create: %w", err)
	}
	return nil
}

// CreateInTx inserts a zero balance inside the caller's transaction, for
// parties (typically affiliates) that have never held a balance on the
// merchant account before.
func (r *BalanceRepository) CreateInTx(ctx context.Context, tx *sql.Tx, b *domain.Balance) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO balances (id, user_id, merchant_account_id, currency, unpaid_cents, version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		b.ID, b.UserID, b.MerchantAccountID, b.Currency, b.UnpaidCents, b.Version, b.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("CreateInTx: %w", err)
	}
	return nil
}

func (r *BalanceRepository) GetByUserAndMerchantAccount(ctx context.Context, userID, merchantAccountID uuid.UUID) (*domain.Balance, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+balanceColumns+` FROM balances WHERE user_id = $1 AND merchant_account_id = $2`,
		userID, merchantAccountID,
	)
	b, err := scanBalance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByUserAndMerchantAccount: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetByUserAndMerchantAccount: %w", err)
	}
	return b, nil
}

func (r *BalanceRepository) GetForUpdate(ctx context.Context, tx *sql.Tx, userID, merchantAccountID uuid.UUID) (*domain.Balance, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+balanceColumns+` FROM balances
		WHERE user_id = $1 AND merchant_account_id = $2 FOR UPDATE`,
		userID, merchantAccountID,
	)
	b, err := scanBalance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetForUpdate: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetForUpdate: %w", err)
	}
	return b, nil
}

func (r *BalanceRepository) UpdateBalance(ctx context.Context, tx *sql.Tx, id uuid.UUID, newUnpaidCents, newVersion int64) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE balances SET unpaid_cents = $1, version = $2 WHERE id = $3 AND version = $4`,
		newUnpaidCents, newVersion, id, newVersion-1,
	)
	if err != nil {
		return fmt.Errorf("UpdateBalance: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("UpdateBalance: rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("UpdateBalance: %w", domain.ErrVersionConflict)
	}
	return nil
}

func scanBalance(s scanner) (*domain.Balance, error) {
	var b domain.Balance
	err := s.Scan(
		&b.ID, &b.UserID, &b.MerchantAccountID, &b.Currency, &b.UnpaidCents,
		&b.Version, &b.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &b, nil
}
