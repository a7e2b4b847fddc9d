package service

import (
	"context"

	"github.com/gumroad/dispute-engine/internal/domain"
)

type NotificationKind string

const (
	NotifyDisputeFormalized   NotificationKind = "dispute_formalized"
	NotifyDisputeWon          NotificationKind = "dispute_won"
	NotifyDisputeLost         NotificationKind = "dispute_lost"
	NotifyDisputeLostNoPolicy NotificationKind = "dispute_lost_no_refund_policy"
)

// Notifier delivers admin/creator/customer messages. Fire-and-forget from
// the engine's perspective; the host application fulfills it asynchronously.
type Notifier interface {
	Notify(ctx context.Context, kind NotificationKind, chargeable domain.Chargeable)
}

// EvidenceAssembler builds the dispute-evidence packet (receipts, shipment
// lookups) outside this engine.
type EvidenceAssembler interface {
	CreateEvidenceIfNeeded(ctx context.Context, purchase *domain.Purchase) (bool, error)
}

// ChargebackFighter submits evidence to the processor. The engine only
// enqueues; it never calls the processor synchronously.
type ChargebackFighter interface {
	Enqueue(ctx context.Context, processor domain.Processor, transactionID string)
}

// AlertSink receives anomaly alerts for on-call operators.
type AlertSink interface {
	Alert(ctx context.Context, message string)
}

// EligibleForDisputeEvidence reports whether a purchase can carry a fought
// dispute: PayPal and Braintree disputes are fought on the processor's side,
// and fully-managed connected accounts handle their own evidence.
func EligibleForDisputeEvidence(p *domain.Purchase) bool {
	if p.Processor == domain.ProcessorPayPal || p.Processor == domain.ProcessorBraintree {
		return false
	}
	return !p.ChargedUsingManagedAccount
}
