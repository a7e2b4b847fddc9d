package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/gumroad/dispute-engine/internal/domain"
)

// ChargeableResolver maps processor identifiers onto the purchase or charge
// they belong to.
type ChargeableResolver struct {
	purchases purchaseRepository
	charges   chargeRepository
}

func NewChargeableResolver(purchases purchaseRepository, charges chargeRepository) *ChargeableResolver {
	return &ChargeableResolver{purchases: purchases, charges: charges}
}

// FindByProcessorEvent resolves an inbound event to its chargeable. First
// match wins: charge reference against charges, then against purchase
// external ids, then the transaction id, then the payment intent id.
func (r *ChargeableResolver) FindByProcessorEvent(ctx context.Context, ev *domain.ChargeEvent) (domain.Chargeable, error) {
	if ev.ChargeReference != "" {
		charge, err := r.charges.GetByReference(ctx, ev.ChargeReference)
		if err == nil {
			return domain.ChargeChargeable{Charge: charge}, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("FindByProcessorEvent: %w", err)
		}

		purchase, err := r.purchases.GetByExternalID(ctx, ev.ChargeReference)
		if err == nil {
			return r.chargeableFor(ctx, purchase)
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("FindByProcessorEvent: %w", err)
		}
	}

	if ev.ChargeID != "" {
		chargeable, err := r.findByProcessorTransactionID(ctx, ev.ChargeID)
		if err == nil {
			return chargeable, nil
		}
		if !errors.Is(err, domain.ErrChargeableNotFound) {
			return nil, fmt.Errorf("FindByProcessorEvent: %w", err)
		}
	}

	if ev.PaymentIntentID != "" {
		purchase, err := r.purchases.GetByPaymentIntentID(ctx, ev.PaymentIntentID)
		if err == nil {
			return r.chargeableFor(ctx, purchase)
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("FindByProcessorEvent: %w", err)
		}

		charge, err := r.charges.GetByPaymentIntentID(ctx, ev.PaymentIntentID)
		if err == nil {
			return domain.ChargeChargeable{Charge: charge}, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("FindByProcessorEvent: %w", err)
		}
	}

	return nil, fmt.Errorf("FindByProcessorEvent: %w", domain.ErrChargeableNotFound)
}

// FindByProcessorTransactionID resolves by the processor's transaction id
// alone (e.g. ch_...).
func (r *ChargeableResolver) FindByProcessorTransactionID(ctx context.Context, transactionID string) (domain.Chargeable, error) {
	chargeable, err := r.findByProcessorTransactionID(ctx, transactionID)
	if err != nil {
		return nil, fmt.Errorf("FindByProcessorTransactionID: %w", err)
	}
	return chargeable, nil
}

func (r *ChargeableResolver) findByProcessorTransactionID(ctx context.Context, transactionID string) (domain.Chargeable, error) {
	purchase, err := r.purchases.GetByStripeTransactionID(ctx, transactionID)
	if err == nil {
		return r.chargeableFor(ctx, purchase)
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	charge, err := r.charges.GetByProcessorTransactionID(ctx, transactionID)
	if err == nil {
		return domain.ChargeChargeable{Charge: charge}, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	return nil, domain.ErrChargeableNotFound
}

// FindByPurchaseOrCharge wraps exactly one of the two variants.
func (r *ChargeableResolver) FindByPurchaseOrCharge(ctx context.Context, purchase *domain.Purchase, charge *domain.Charge) (domain.Chargeable, error) {
	switch {
	case purchase != nil && charge != nil:
		return nil, fmt.Errorf("FindByPurchaseOrCharge: %w", domain.ErrAmbiguousChargeableArguments)
	case purchase == nil && charge == nil:
		return nil, fmt.Errorf("FindByPurchaseOrCharge: %w", domain.ErrMissingChargeableArguments)
	case charge != nil:
		return domain.ChargeChargeable{Charge: charge}, nil
	default:
		return r.chargeableFor(ctx, purchase)
	}
}

// chargeableFor re-routes a charge-member purchase through its charge so
// aggregate queries see every member, never the one purchase standalone.
func (r *ChargeableResolver) chargeableFor(ctx context.Context, purchase *domain.Purchase) (domain.Chargeable, error) {
	if !purchase.BelongsToCharge() {
		return domain.PurchaseChargeable{Purchase: purchase}, nil
	}
	charge, err := r.charges.GetByID(ctx, *purchase.ChargeID)
	if err != nil {
		return nil, fmt.Errorf("chargeableFor: %w", err)
	}
	return domain.ChargeChargeable{Charge: charge}, nil
}
