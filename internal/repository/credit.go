package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/gumroad/dispute-engine/internal/domain"
)

const creditColumns = `id, user_id, amount_cents, chargebacked_purchase_id,
	dispute_id, merchant_account_id, balance_cents_after, created_at`

type CreditRepository struct {
	db *sql.DB
}

func NewCreditRepository(db *sql.DB) *CreditRepository {
	return &CreditRepository{db: db}
}

func (r *CreditRepository) Create(ctx context.Context, tx *sql.Tx, c *domain.Credit) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO credits (
			id, user_id, amount_cents, chargebacked_purchase_id,
			dispute_id, merchant_account_id, balance_cents_after, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.ID, c.UserID, c.AmountCents, c.ChargebackedPurchaseID,
		c.DisputeID, c.MerchantAccountID, c.BalanceCentsAfter, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("Create: %w", err)
	}
	return nil
}

func (r *CreditRepository) GetByDisputeID(ctx context.Context, disputeID uuid.UUID) ([]domain.Credit, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+creditColumns+` FROM credits WHERE dispute_id = $1 ORDER BY created_at`, disputeID,
	)
	if err != nil {
		return nil, fmt.Errorf("GetByDisputeID: %w", err)
	}
	defer rows.Close()

	var credits []domain.Credit
	for rows.Next() {
		var c domain.Credit
		if err := rows.Scan(
			&c.ID, &c.UserID, &c.AmountCents, &c.ChargebackedPurchaseID,
			&c.DisputeID, &c.MerchantAccountID, &c.BalanceCentsAfter, &c.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("GetByDisputeID: scan: %w", err)
		}
		credits = append(credits, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("GetByDisputeID: rows: %w", err)
	}
	return credits, nil
}

const affiliateCreditColumns = `id, purchase_id, affiliate_user_id, amount_cents,
	chargebacked_amount_cents, chargeback_reversed_amount_cents, created_at, updated_at`

type AffiliateCreditRepository struct {
	db *sql.DB
}

func NewAffiliateCreditRepository(db *sql.DB) *AffiliateCreditRepository {
	return &AffiliateCreditRepository{db: db}
}

func (r *AffiliateCreditRepository) Create(ctx context.Context, ac *domain.AffiliateCredit) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO affiliate_credits (
			id, purchase_id, affiliate_user_id, amount_cents,
			chargebacked_amount_cents, chargeback_reversed_amount_cents, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ac.ID, ac.PurchaseID, ac.AffiliateUserID, ac.AmountCents,
		ac.ChargebackedAmountCents, ac.ChargebackReversedAmountCents, ac.CreatedAt, ac.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("Create: %w", err)
	}
	return nil
}

func (r *AffiliateCreditRepository) GetByPurchaseID(ctx context.Context, purchaseID uuid.UUID) (*domain.AffiliateCredit, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+affiliateCreditColumns+` FROM affiliate_credits WHERE purchase_id = $1`, purchaseID,
	)
	var ac domain.AffiliateCredit
	err := row.Scan(
		&ac.ID, &ac.PurchaseID, &ac.AffiliateUserID, &ac.AmountCents,
		&ac.ChargebackedAmountCents, &ac.ChargebackReversedAmountCents, &ac.CreatedAt, &ac.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByPurchaseID: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetByPurchaseID: %w", err)
	}
	return &ac, nil
}

// RecordChargeback mirrors a chargeback onto the purchase's affiliate-credit
// row. The row is created on first contact: purchases sold before this engine
// existed have no affiliate_credits row yet, so an upsert keyed on the
// purchase keeps the mirror authoritative either way.
func (r *AffiliateCreditRepository) RecordChargeback(ctx context.Context, tx *sql.Tx, purchaseID, affiliateUserID uuid.UUID, cents int64) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO affiliate_credits (
			id, purchase_id, affiliate_user_id, amount_cents, chargebacked_amount_cents
		) VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (purchase_id) DO UPDATE
		SET chargebacked_amount_cents = EXCLUDED.chargebacked_amount_cents, updated_at = now()`,
		uuid.New(), purchaseID, affiliateUserID, cents,
	)
	if err != nil {
		return fmt.Errorf("RecordChargeback: %w", err)
	}
	return nil
}

// RecordChargebackReversal requires the row RecordChargeback wrote; a
// reversal with no chargeback on record is an invariant violation.
func (r *AffiliateCreditRepository) RecordChargebackReversal(ctx context.Context, tx *sql.Tx, purchaseID uuid.UUID, cents int64) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE affiliate_credits SET chargeback_reversed_amount_cents = $1, updated_at = now()
		WHERE purchase_id = $2`,
		cents, purchaseID,
	)
	if err != nil {
		return fmt.Errorf("RecordChargebackReversal: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("RecordChargebackReversal: rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("RecordChargebackReversal: purchase %s: %w", purchaseID, domain.ErrNotFound)
	}
	return nil
}
