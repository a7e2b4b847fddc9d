package domain

import "github.com/google/uuid"

// Chargeable unifies the two shapes the processor can dispute: a standalone
// Purchase, or a Charge aggregating several purchases under one payment.
// Exactly one variant backs any given value. A purchase that belongs to a
// charge must not be queried standalone for aggregate semantics; callers
// re-resolve through the charge first.
type Chargeable interface {
	ProcessorTransactionID() *string
	ChargeReference() *string
	ProcessorPaymentIntentID() *string

	SellerID() uuid.UUID
	MerchantAccountID() uuid.UUID

	ChargedAmountCents() int64
	ChargedGumroadAmountCents() int64

	// ChargedPurchases excludes zero-price (free / free-trial) members.
	ChargedPurchases() []*Purchase
	SuccessfulPurchases() []*Purchase
	DisputedPurchases() []*Purchase

	PurchaseForDisputeEvidence(reason DisputeReason) *Purchase
}

type PurchaseChargeable struct {
	Purchase *Purchase
}

func (pc PurchaseChargeable) ProcessorTransactionID() *string {
	return pc.Purchase.StripeTransactionID
}

func (pc PurchaseChargeable) ChargeReference() *string {
	// A standalone purchase's external id doubles as its stable reference.
	ref := pc.Purchase.ExternalID
	return &ref
}

func (pc PurchaseChargeable) ProcessorPaymentIntentID() *string {
	return pc.Purchase.PaymentIntentID
}

func (pc PurchaseChargeable) SellerID() uuid.UUID {
	return pc.Purchase.SellerID
}

func (pc PurchaseChargeable) MerchantAccountID() uuid.UUID {
	return pc.Purchase.MerchantAccountID
}

func (pc PurchaseChargeable) ChargedAmountCents() int64 {
	return pc.Purchase.TotalTransactionCents
}

func (pc PurchaseChargeable) ChargedGumroadAmountCents() int64 {
	return pc.Purchase.FeeCents
}

func (pc PurchaseChargeable) ChargedPurchases() []*Purchase {
	if pc.Purchase.IsFree() {
		return nil
	}
	return []*Purchase{pc.Purchase}
}

func (pc PurchaseChargeable) SuccessfulPurchases() []*Purchase {
	if !pc.Purchase.IsSuccessful() {
		return nil
	}
	return []*Purchase{pc.Purchase}
}

func (pc PurchaseChargeable) DisputedPurchases() []*Purchase {
	if !pc.Purchase.IsDisputed() {
		return nil
	}
	return []*Purchase{pc.Purchase}
}

func (pc PurchaseChargeable) PurchaseForDisputeEvidence(DisputeReason) *Purchase {
	return pc.Purchase
}

type ChargeChargeable struct {
	Charge *Charge
}

func (cc ChargeChargeable) ProcessorTransactionID() *string {
	return cc.Charge.ProcessorTransactionID
}

func (cc ChargeChargeable) ChargeReference() *string {
	ref := cc.Charge.Reference
	return &ref
}

func (cc ChargeChargeable) ProcessorPaymentIntentID() *string {
	return cc.Charge.PaymentIntentID
}

func (cc ChargeChargeable) SellerID() uuid.UUID {
	return cc.Charge.SellerID
}

func (cc ChargeChargeable) MerchantAccountID() uuid.UUID {
	return cc.Charge.MerchantAccountID
}

func (cc ChargeChargeable) ChargedAmountCents() int64 {
	return cc.Charge.AmountCents
}

func (cc ChargeChargeable) ChargedGumroadAmountCents() int64 {
	return cc.Charge.GumroadAmountCents
}

func (cc ChargeChargeable) ChargedPurchases() []*Purchase {
	return cc.Charge.chargedPurchases()
}

func (cc ChargeChargeable) SuccessfulPurchases() []*Purchase {
	return cc.Charge.successfulPurchases()
}

func (cc ChargeChargeable) DisputedPurchases() []*Purchase {
	return cc.Charge.disputedPurchases()
}

func (cc ChargeChargeable) PurchaseForDisputeEvidence(reason DisputeReason) *Purchase {
	return cc.Charge.evidencePurchase(reason)
}
