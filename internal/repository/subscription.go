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

const subscriptionColumns = `id, seller_id, buyer_id, cancelled_at, cancelled_by,
	user_requested_cancellation_at, deactivated_at, restarted_at, restart_reason, created_at`

type SubscriptionRepository struct {
	db *sql.DB
}

func NewSubscriptionRepository(db *sql.DB) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

func (r *SubscriptionRepository) Create(ctx context.Context, s *domain.Subscription) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO subscriptions (
			id, seller_id, buyer_id, cancelled_at, cancelled_by,
			user_requested_cancellation_at, deactivated_at, restarted_at, restart_reason, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		s.ID, s.SellerID, s.BuyerID, s.CancelledAt, s.CancelledBy,
		s.UserRequestedCancellationAt, s.DeactivatedAt, s.RestartedAt, s.RestartReason, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("Create: %w", err)
	}
	return nil
}

func (r *SubscriptionRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id,
	)
	s, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByID: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetByID: %w", err)
	}
	return s, nil
}

func (r *SubscriptionRepository) GetForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*domain.Subscription, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1 FOR UPDATE`, id,
	)
	s, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetForUpdate: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetForUpdate: %w", err)
	}
	return s, nil
}

// Cancel applies a system cancellation effective immediately.
func (r *SubscriptionRepository) Cancel(ctx context.Context, tx *sql.Tx, id uuid.UUID, at time.Time, by string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE subscriptions SET cancelled_at = $1, cancelled_by = $2, deactivated_at = $1
		WHERE id = $3`,
		at, by, id,
	)
	if err != nil {
		return fmt.Errorf("Cancel: %w", err)
	}
	return nil
}

// Restart clears the cancellation markers and records why the subscription
// came back.
func (r *SubscriptionRepository) Restart(ctx context.Context, tx *sql.Tx, id uuid.UUID, at time.Time, reason domain.SubscriptionRestartReason) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE subscriptions SET cancelled_at = NULL, cancelled_by = NULL,
			user_requested_cancellation_at = NULL, deactivated_at = NULL,
			restarted_at = $1, restart_reason = $2
		WHERE id = $3`,
		at, reason, id,
	)
	if err != nil {
		return fmt.Errorf("Restart: %w", err)
	}
	return nil
}

func scanSubscription(s scanner) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := s.Scan(
		&sub.ID, &sub.SellerID, &sub.BuyerID, &sub.CancelledAt, &sub.CancelledBy,
		&sub.UserRequestedCancellationAt, &sub.DeactivatedAt, &sub.RestartedAt,
		&sub.RestartReason, &sub.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}
