package service

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/gumroad/dispute-engine/internal/domain"
)

type purchaseRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Purchase, error)
	GetByExternalID(ctx context.Context, externalID string) (*domain.Purchase, error)
	GetByStripeTransactionID(ctx context.Context, transactionID string) (*domain.Purchase, error)
	GetByPaymentIntentID(ctx context.Context, paymentIntentID string) (*domain.Purchase, error)
	GetForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*domain.Purchase, error)
	GetBundleChildren(ctx context.Context, tx *sql.Tx, bundlePurchaseID uuid.UUID) ([]*domain.Purchase, error)
	MarkChargedBack(ctx context.Context, tx *sql.Tx, id uuid.UUID, at time.Time) error
	MarkChargebackReversed(ctx context.Context, tx *sql.Tx, id uuid.UUID) error
	SetChargeProcessorStatus(ctx context.Context, tx *sql.Tx, id uuid.UUID, status string) error
}

type chargeRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Charge, error)
	GetByReference(ctx context.Context, reference string) (*domain.Charge, error)
	GetByProcessorTransactionID(ctx context.Context, transactionID string) (*domain.Charge, error)
	GetByPaymentIntentID(ctx context.Context, paymentIntentID string) (*domain.Charge, error)
}

type disputeRepository interface {
	Create(ctx context.Context, tx *sql.Tx, d *domain.Dispute) error
	GetByPurchaseID(ctx context.Context, purchaseID uuid.UUID) (*domain.Dispute, error)
	GetByPurchaseIDForUpdate(ctx context.Context, tx *sql.Tx, purchaseID uuid.UUID) (*domain.Dispute, error)
	GetByPurchaseIDsForUpdate(ctx context.Context, tx *sql.Tx, purchaseIDs []uuid.UUID) (*domain.Dispute, error)
	Update(ctx context.Context, tx *sql.Tx, d *domain.Dispute) error
}

type subscriptionRepository interface {
	GetForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*domain.Subscription, error)
	Cancel(ctx context.Context, tx *sql.Tx, id uuid.UUID, at time.Time, by string) error
	Restart(ctx context.Context, tx *sql.Tx, id uuid.UUID, at time.Time, reason domain.SubscriptionRestartReason) error
}

type balanceEngine interface {
	Debit(ctx context.Context, tx *sql.Tx, purchases []*domain.Purchase, dispute *domain.Dispute, flow *domain.FlowOfFunds, now time.Time) error
	Reverse(ctx context.Context, tx *sql.Tx, purchases []*domain.Purchase, dispute *domain.Dispute, now time.Time) error
}

type processorEventRepository interface {
	GetPending(ctx context.Context, tx *sql.Tx, limit int) ([]domain.ProcessorEvent, error)
	UpdateStatus(ctx context.Context, tx *sql.Tx, id uuid.UUID, status domain.ProcessorEventStatus) error
}
