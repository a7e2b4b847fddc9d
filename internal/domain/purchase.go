package domain

import (
	"time"

	"github.com/google/uuid"
)

type PurchaseState string

const (
	PurchaseStateInProgress PurchaseState = "in_progress"
	PurchaseStateSuccessful PurchaseState = "successful"
	PurchaseStateFailed     PurchaseState = "failed"
)

type Processor string

const (
	ProcessorStripe    Processor = "stripe"
	ProcessorPayPal    Processor = "paypal"
	ProcessorBraintree Processor = "braintree"
)

// Purchase is one sold item. When several purchases are paid in a single
// card payment they share a Charge and aggregate queries route through it.
type Purchase struct {
	ID         uuid.UUID
	ExternalID string
	SellerID   uuid.UUID
	BuyerID    uuid.UUID

	State     PurchaseState
	Processor Processor

	StripeTransactionID *string
	PaymentIntentID     *string
	ChargeID            *uuid.UUID
	MerchantAccountID   uuid.UUID

	// Settled through a connected account the platform fully manages; such
	// purchases are not eligible for dispute evidence assembly.
	ChargedUsingManagedAccount bool

	Currency              CurrencyCode
	TotalTransactionCents int64
	FeeCents              int64
	ProcessorFeeCents     int64
	RefundedNetCents      int64

	AffiliateUserID      *uuid.UUID
	AffiliateCreditCents int64

	ChargebackDate        *time.Time
	ChargebackReversed    bool
	ChargeProcessorStatus *string

	SubscriptionID      *uuid.UUID
	IsSubscriptionCycle bool

	IsBundlePurchase       bool
	BundlePurchaseID       *uuid.UUID
	HasProductRefundPolicy bool
	SellerRefundPolicy     bool

	CreatedAt time.Time
}

// PaymentCents is the seller's net take after platform fees. This is the
// amount clawed back on chargeback; the platform's fee cut is never returned.
func (p *Purchase) PaymentCents() int64 {
	return p.TotalTransactionCents - p.FeeCents
}

// SellerDebitCents is the seller-only portion of the chargeback debit; the
// affiliate share is settled separately through the platform's account.
func (p *Purchase) SellerDebitCents() int64 {
	return p.PaymentCents() - p.AffiliateCreditCents
}

func (p *Purchase) IsFree() bool {
	return p.TotalTransactionCents == 0
}

func (p *Purchase) IsSuccessful() bool {
	return p.State == PurchaseStateSuccessful
}

func (p *Purchase) IsDisputed() bool {
	return p.ChargebackDate != nil && !p.ChargebackReversed
}

func (p *Purchase) HasAffiliate() bool {
	return p.AffiliateUserID != nil && p.AffiliateCreditCents > 0
}

func (p *Purchase) BelongsToCharge() bool {
	return p.ChargeID != nil
}
