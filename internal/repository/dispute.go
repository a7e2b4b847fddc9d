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

const disputeColumns = `id, purchase_id, state, reason, charge_processor_id,
	charge_processor_dispute_id, event_created_at, formalized_at, won_at, lost_at,
	created_at, updated_at`

type DisputeRepository struct {
	db *sql.DB
}

func NewDisputeRepository(db *sql.DB) *DisputeRepository {
	return &DisputeRepository{db: db}
}

func (r *DisputeRepository) Create(ctx context.Context, tx *sql.Tx, d *domain.Dispute) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO disputes (
			id, purchase_id, state, reason, charge_processor_id,
			charge_processor_dispute_id, event_created_at, formalized_at,
			won_at, lost_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		d.ID, d.PurchaseID, d.State, d.Reason, d.ChargeProcessorID,
		d.ChargeProcessorDisputeID, d.EventCreatedAt,
		d.FormalizedAt, d.WonAt, d.LostAt, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("Create: %w", err)
	}
	return nil
}

func (r *DisputeRepository) GetByPurchaseID(ctx context.Context, purchaseID uuid.UUID) (*domain.Dispute, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE purchase_id = $1`, purchaseID,
	)
	d, err := scanDispute(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByPurchaseID: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetByPurchaseID: %w", err)
	}
	return d, nil
}

func (r *DisputeRepository) GetByPurchaseIDForUpdate(ctx context.Context, tx *sql.Tx, purchaseID uuid.UUID) (*domain.Dispute, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE purchase_id = $1 FOR UPDATE`, purchaseID,
	)
	d, err := scanDispute(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByPurchaseIDForUpdate: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetByPurchaseIDForUpdate: %w", err)
	}
	return d, nil
}

// GetByPurchaseIDsForUpdate finds the dispute row held by any of the given
// purchases. A charge-level dispute lives on exactly one member, so terminal
// events locate it across the whole member set rather than re-deriving which
// member carries it.
func (r *DisputeRepository) GetByPurchaseIDsForUpdate(ctx context.Context, tx *sql.Tx, purchaseIDs []uuid.UUID) (*domain.Dispute, error) {
	ids := make([]string, len(purchaseIDs))
	for i, id := range purchaseIDs {
		ids[i] = id.String()
	}
	row := tx.QueryRowContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE purchase_id = ANY($1::uuid[]) FOR UPDATE`,
		pq.Array(ids),
	)
	d, err := scanDispute(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByPurchaseIDsForUpdate: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetByPurchaseIDsForUpdate: %w", err)
	}
	return d, nil
}

func (r *DisputeRepository) Update(ctx context.Context, tx *sql.Tx, d *domain.Dispute) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE disputes SET state = $1, reason = $2, charge_processor_dispute_id = $3,
			event_created_at = $4, formalized_at = $5, won_at = $6, lost_at = $7,
			updated_at = $8
		WHERE id = $9`,
		d.State, d.Reason, d.ChargeProcessorDisputeID,
		d.EventCreatedAt, d.FormalizedAt, d.WonAt, d.LostAt, d.UpdatedAt, d.ID,
	)
	if err != nil {
		return fmt.Errorf("Update: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("Update: rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("Update: %w", domain.ErrNotFound)
	}
	return nil
}

func scanDispute(s scanner) (*domain.Dispute, error) {
	var d domain.Dispute
	err := s.Scan(
		&d.ID, &d.PurchaseID, &d.State, &d.Reason, &d.ChargeProcessorID,
		&d.ChargeProcessorDisputeID, &d.EventCreatedAt,
		&d.FormalizedAt, &d.WonAt, &d.LostAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
