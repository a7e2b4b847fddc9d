package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/gumroad/dispute-engine/internal/domain"
)

const chargeColumns = `id, seller_id, reference, processor, processor_transaction_id,
	payment_intent_id, merchant_account_id, currency, amount_cents,
	gumroad_amount_cents, processor_fee_cents, created_at`

type ChargeRepository struct {
	db        *sql.DB
	purchases *PurchaseRepository
}

func NewChargeRepository(db *sql.DB) *ChargeRepository {
	return &ChargeRepository{db: db, purchases: NewPurchaseRepository(db)}
}

func (r *ChargeRepository) Create(ctx context.Context, c *domain.Charge) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO charges (
			id, seller_id, reference, processor, processor_transaction_id,
			payment_intent_id, merchant_account_id, currency, amount_cents,
			gumroad_amount_cents, processor_fee_cents, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		c.ID, c.SellerID, c.Reference, c.Processor, c.ProcessorTransactionID,
		c.PaymentIntentID, c.MerchantAccountID, c.Currency, c.AmountCents,
		c.GumroadAmountCents, c.ProcessorFeeCents, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("Create: %w", err)
	}
	return nil
}

func (r *ChargeRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Charge, error) {
	return r.getOne(ctx, `SELECT `+chargeColumns+` FROM charges WHERE id = $1`, id)
}

func (r *ChargeRepository) GetByReference(ctx context.Context, reference string) (*domain.Charge, error) {
	return r.getOne(ctx, `SELECT `+chargeColumns+` FROM charges WHERE reference = $1`, reference)
}

func (r *ChargeRepository) GetByProcessorTransactionID(ctx context.Context, transactionID string) (*domain.Charge, error) {
	return r.getOne(ctx, `SELECT `+chargeColumns+` FROM charges WHERE processor_transaction_id = $1`, transactionID)
}

func (r *ChargeRepository) GetByPaymentIntentID(ctx context.Context, paymentIntentID string) (*domain.Charge, error) {
	return r.getOne(ctx, `SELECT `+chargeColumns+` FROM charges WHERE payment_intent_id = $1`, paymentIntentID)
}

// getOne loads the charge and its member purchases; aggregate semantics are
// meaningless without the members.
func (r *ChargeRepository) getOne(ctx context.Context, query string, arg any) (*domain.Charge, error) {
	row := r.db.QueryRowContext(ctx, query, arg)
	c, err := scanCharge(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("getOne: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("getOne: %w", err)
	}

	c.Purchases, err = r.purchases.GetByChargeID(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("getOne: members: %w", err)
	}
	return c, nil
}

func (r *ChargeRepository) UpdateProcessorFee(ctx context.Context, tx *sql.Tx, id uuid.UUID, feeCents int64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE charges SET processor_fee_cents = $1 WHERE id = $2`, feeCents, id,
	)
	if err != nil {
		return fmt.Errorf("UpdateProcessorFee: %w", err)
	}
	return nil
}

func scanCharge(s scanner) (*domain.Charge, error) {
	var c domain.Charge
	err := s.Scan(
		&c.ID, &c.SellerID, &c.Reference, &c.Processor, &c.ProcessorTransactionID,
		&c.PaymentIntentID, &c.MerchantAccountID, &c.Currency, &c.AmountCents,
		&c.GumroadAmountCents, &c.ProcessorFeeCents, &c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
