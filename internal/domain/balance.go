package domain

import (
	"time"

	"github.com/google/uuid"
)

// Balance is a user's running unpaid balance scoped to one merchant account.
// All mutation goes through the reconciliation engine, never ad hoc.
type Balance struct {
	ID                uuid.UUID
	UserID            uuid.UUID
	MerchantAccountID uuid.UUID
	Currency          CurrencyCode
	UnpaidCents       int64
	Version           int64
	CreatedAt         time.Time
}

type BalanceTransactionType string

const (
	BalanceTransactionChargeback         BalanceTransactionType = "chargeback"
	BalanceTransactionChargebackReversal BalanceTransactionType = "chargeback_reversal"
)

// BalanceTransaction is an immutable ledger row recording one
// balance-affecting event. Never mutated after creation; reconciliation
// correctness is audited by summing these, so double-writes are fatal.
type BalanceTransaction struct {
	ID                uuid.UUID
	UserID            uuid.UUID
	MerchantAccountID uuid.UUID
	PurchaseID        uuid.UUID
	DisputeID         *uuid.UUID
	RefundID          *uuid.UUID
	Type              BalanceTransactionType

	IssuedGross  Money
	IssuedNet    Money
	HoldingGross Money
	HoldingNet   Money

	UnpaidCentsBefore int64
	UnpaidCentsAfter  int64

	// Seller-net cents already refunded on the purchase when this row was
	// written. The won-path credit offsets refunds issued while the dispute
	// was open against this snapshot, per debited purchase.
	RefundedNetCentsBefore int64

	CreatedAt time.Time
}

// Credit restores a balance after a dispute is won. References the dispute
// for audit traceability.
type Credit struct {
	ID                     uuid.UUID
	UserID                 uuid.UUID
	AmountCents            int64
	ChargebackedPurchaseID uuid.UUID
	DisputeID              uuid.UUID
	MerchantAccountID      uuid.UUID
	BalanceCentsAfter      int64
	CreatedAt              time.Time
}

// AffiliateCredit tracks the affiliate's contractual share of one sale,
// reversed independently of the seller's share.
type AffiliateCredit struct {
	ID              uuid.UUID
	PurchaseID      uuid.UUID
	AffiliateUserID uuid.UUID

	AmountCents                   int64
	ChargebackedAmountCents       int64
	ChargebackReversedAmountCents int64

	CreatedAt time.Time
	UpdatedAt time.Time
}
