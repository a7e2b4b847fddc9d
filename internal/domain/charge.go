package domain

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Charge aggregates several purchases paid in one card payment. The
// processor sees a single transaction; the platform splits it per purchase.
type Charge struct {
	ID        uuid.UUID
	SellerID  uuid.UUID
	Reference string

	Processor              Processor
	ProcessorTransactionID *string
	PaymentIntentID        *string
	MerchantAccountID      uuid.UUID

	Currency           CurrencyCode
	AmountCents        int64
	GumroadAmountCents int64
	ProcessorFeeCents  *int64

	Purchases []*Purchase

	CreatedAt time.Time
}

// FeeShare is one purchase's slice of a charge-level processor fee.
type FeeShare struct {
	PurchaseID uuid.UUID
	FeeCents   int64
}

// DistributeProcessorFee splits a charge-level fee across member purchases in
// proportion to total_transaction_cents, rounding each share down. The
// residual cents left by flooring land on the purchase with the largest
// share, so the shares always sum exactly to totalFeeCents.
func (c *Charge) DistributeProcessorFee(totalFeeCents int64) ([]FeeShare, error) {
	members := c.chargedPurchases()
	if len(members) == 0 || c.AmountCents == 0 {
		return nil, nil
	}
	if totalFeeCents > c.AmountCents {
		return nil, ErrFeeExceedsCharge
	}

	shares := make([]FeeShare, len(members))
	var distributed int64
	largest := 0
	for i, p := range members {
		share := totalFeeCents * p.TotalTransactionCents / c.AmountCents
		shares[i] = FeeShare{PurchaseID: p.ID, FeeCents: share}
		distributed += share
		if p.TotalTransactionCents > members[largest].TotalTransactionCents {
			largest = i
		}
	}
	shares[largest].FeeCents += totalFeeCents - distributed
	return shares, nil
}

// chargedPurchases are the members that actually carried money: zero-price
// (free / free-trial) purchases are excluded from all aggregate semantics.
func (c *Charge) chargedPurchases() []*Purchase {
	out := make([]*Purchase, 0, len(c.Purchases))
	for _, p := range c.Purchases {
		if !p.IsFree() {
			out = append(out, p)
		}
	}
	return out
}

func (c *Charge) successfulPurchases() []*Purchase {
	out := make([]*Purchase, 0, len(c.Purchases))
	for _, p := range c.Purchases {
		if p.IsSuccessful() {
			out = append(out, p)
		}
	}
	return out
}

func (c *Charge) disputedPurchases() []*Purchase {
	out := make([]*Purchase, 0, len(c.Purchases))
	for _, p := range c.Purchases {
		if p.IsDisputed() {
			out = append(out, p)
		}
	}
	return out
}

// evidencePurchase picks the member whose terms best support a dispute
// response: for subscription-cancellation disputes, a subscription cycle sold
// under a per-product refund policy; then any purchase with a per-product
// policy; then the most financially significant line item.
func (c *Charge) evidencePurchase(reason DisputeReason) *Purchase {
	members := c.chargedPurchases()
	if len(members) == 0 {
		return nil
	}

	if reason == DisputeReasonSubscriptionCanceled {
		for _, p := range members {
			if p.IsSubscriptionCycle && p.HasProductRefundPolicy {
				return p
			}
		}
	}
	for _, p := range members {
		if p.HasProductRefundPolicy {
			return p
		}
	}

	sorted := make([]*Purchase, len(members))
	copy(sorted, members)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].TotalTransactionCents > sorted[j].TotalTransactionCents
	})
	return sorted[0]
}
