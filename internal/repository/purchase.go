package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gumroad/dispute-engine/internal/domain"
)

const purchaseColumns = `id, external_id, seller_id, buyer_id, state, processor,
	stripe_transaction_id, payment_intent_id, charge_id, merchant_account_id,
	charged_using_managed_account, currency, total_transaction_cents, fee_cents,
	processor_fee_cents, refunded_net_cents, affiliate_user_id, affiliate_credit_cents,
	chargeback_date, chargeback_reversed, charge_processor_status,
	subscription_id, is_subscription_cycle, is_bundle_purchase, bundle_purchase_id,
	has_product_refund_policy, seller_refund_policy, created_at`

type PurchaseRepository struct {
	db *sql.DB
}

func NewPurchaseRepository(db *sql.DB) *PurchaseRepository {
	return &PurchaseRepository{db: db}
}

func (r *PurchaseRepository) Create(ctx context.Context, p *domain.Purchase) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO purchases (
			id, external_id, seller_id, buyer_id, state, processor,
			stripe_transaction_id, payment_intent_id, charge_id, merchant_account_id,
			charged_using_managed_account, currency, total_transaction_cents, fee_cents,
			processor_fee_cents, refunded_net_cents, affiliate_user_id, affiliate_credit_cents,
			chargeback_date, chargeback_reversed, charge_processor_status,
			subscription_id, is_subscription_cycle, is_bundle_purchase, bundle_purchase_id,
			has_product_refund_policy, seller_refund_policy, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28)`,
		p.ID, p.ExternalID, p.SellerID, p.BuyerID, p.State, p.Processor,
		p.StripeTransactionID, p.PaymentIntentID, p.ChargeID, p.MerchantAccountID,
		p.ChargedUsingManagedAccount, p.Currency, p.TotalTransactionCents, p.FeeCents,
		p.ProcessorFeeCents, p.RefundedNetCents, p.AffiliateUserID, p.AffiliateCreditCents,
		p.ChargebackDate, p.ChargebackReversed, p.ChargeProcessorStatus,
		p.SubscriptionID, p.IsSubscriptionCycle, p.IsBundlePurchase, p.BundlePurchaseID,
		p.HasProductRefundPolicy, p.SellerRefundPolicy, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("Create: %w", err)
	}
	return nil
}

func (r *PurchaseRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Purchase, error) {
	return r.getOne(ctx, `SELECT `+purchaseColumns+` FROM purchases WHERE id = $1`, id)
}

func (r *PurchaseRepository) GetByExternalID(ctx context.Context, externalID string) (*domain.Purchase, error) {
	return r.getOne(ctx, `SELECT `+purchaseColumns+` FROM purchases WHERE external_id = $1`, externalID)
}

func (r *PurchaseRepository) GetByStripeTransactionID(ctx context.Context, transactionID string) (*domain.Purchase, error) {
	return r.getOne(ctx, `SELECT `+purchaseColumns+` FROM purchases WHERE stripe_transaction_id = $1`, transactionID)
}

func (r *PurchaseRepository) GetByPaymentIntentID(ctx context.Context, paymentIntentID string) (*domain.Purchase, error) {
	return r.getOne(ctx, `SELECT `+purchaseColumns+` FROM purchases WHERE payment_intent_id = $1`, paymentIntentID)
}

func (r *PurchaseRepository) getOne(ctx context.Context, query string, arg any) (*domain.Purchase, error) {
	row := r.db.QueryRowContext(ctx, query, arg)
	p, err := scanPurchase(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("getOne: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("getOne: %w", err)
	}
	return p, nil
}

func (r *PurchaseRepository) GetForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*domain.Purchase, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+purchaseColumns+` FROM purchases WHERE id = $1 FOR UPDATE`, id,
	)
	p, err := scanPurchase(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetForUpdate: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetForUpdate: %w", err)
	}
	return p, nil
}

func (r *PurchaseRepository) GetByChargeID(ctx context.Context, chargeID uuid.UUID) ([]*domain.Purchase, error) {
	return r.getMany(ctx, `SELECT `+purchaseColumns+` FROM purchases WHERE charge_id = $1 ORDER BY created_at`, chargeID)
}

// GetBundleChildren returns the materialized per-product purchases under a
// bundle purchase, read under the event's transaction so flag propagation
// sees the same snapshot the locks cover.
func (r *PurchaseRepository) GetBundleChildren(ctx context.Context, tx *sql.Tx, bundlePurchaseID uuid.UUID) ([]*domain.Purchase, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT `+purchaseColumns+` FROM purchases WHERE bundle_purchase_id = $1 ORDER BY created_at`,
		bundlePurchaseID,
	)
	if err != nil {
		return nil, fmt.Errorf("GetBundleChildren: %w", err)
	}
	defer rows.Close()

	var purchases []*domain.Purchase
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, fmt.Errorf("GetBundleChildren: scan: %w", err)
		}
		purchases = append(purchases, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("GetBundleChildren: rows: %w", err)
	}
	return purchases, nil
}

func (r *PurchaseRepository) getMany(ctx context.Context, query string, arg any) ([]*domain.Purchase, error) {
	rows, err := r.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("getMany: %w", err)
	}
	defer rows.Close()

	var purchases []*domain.Purchase
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, fmt.Errorf("getMany: scan: %w", err)
		}
		purchases = append(purchases, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("getMany: rows: %w", err)
	}
	return purchases, nil
}

func (r *PurchaseRepository) MarkChargedBack(ctx context.Context, tx *sql.Tx, id uuid.UUID, at time.Time) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE purchases SET chargeback_date = $1, chargeback_reversed = FALSE WHERE id = $2`,
		at, id,
	)
	if err != nil {
		return fmt.Errorf("MarkChargedBack: %w", err)
	}
	return nil
}

func (r *PurchaseRepository) MarkChargebackReversed(ctx context.Context, tx *sql.Tx, id uuid.UUID) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE purchases SET chargeback_reversed = TRUE WHERE id = $1`, id,
	)
	if err != nil {
		return fmt.Errorf("MarkChargebackReversed: %w", err)
	}
	return nil
}

func (r *PurchaseRepository) SetChargeProcessorStatus(ctx context.Context, tx *sql.Tx, id uuid.UUID, status string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE purchases SET charge_processor_status = $1 WHERE id = $2`, status, id,
	)
	if err != nil {
		return fmt.Errorf("SetChargeProcessorStatus: %w", err)
	}
	return nil
}

func (r *PurchaseRepository) UpdateProcessorFee(ctx context.Context, tx *sql.Tx, id uuid.UUID, feeCents int64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE purchases SET processor_fee_cents = $1 WHERE id = $2`, feeCents, id,
	)
	if err != nil {
		return fmt.Errorf("UpdateProcessorFee: %w", err)
	}
	return nil
}

func scanPurchase(s scanner) (*domain.Purchase, error) {
	var p domain.Purchase
	err := s.Scan(
		&p.ID, &p.ExternalID, &p.SellerID, &p.BuyerID, &p.State, &p.Processor,
		&p.StripeTransactionID, &p.PaymentIntentID, &p.ChargeID, &p.MerchantAccountID,
		&p.ChargedUsingManagedAccount, &p.Currency, &p.TotalTransactionCents, &p.FeeCents,
		&p.ProcessorFeeCents, &p.RefundedNetCents, &p.AffiliateUserID, &p.AffiliateCreditCents,
		&p.ChargebackDate, &p.ChargebackReversed, &p.ChargeProcessorStatus,
		&p.SubscriptionID, &p.IsSubscriptionCycle, &p.IsBundlePurchase, &p.BundlePurchaseID,
		&p.HasProductRefundPolicy, &p.SellerRefundPolicy, &p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
