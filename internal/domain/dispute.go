package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type DisputeState string

const (
	DisputeStateCreated    DisputeState = "created"
	DisputeStateFormalized DisputeState = "formalized"
	DisputeStateWon        DisputeState = "won"
	DisputeStateLost       DisputeState = "lost"
)

type DisputeReason string

const (
	DisputeReasonFraudulent           DisputeReason = "fraudulent"
	DisputeReasonSubscriptionCanceled DisputeReason = "subscription_canceled"
	DisputeReasonProductNotReceived   DisputeReason = "product_not_received"
	DisputeReasonUnrecognized         DisputeReason = "unrecognized"
	DisputeReasonDuplicate            DisputeReason = "duplicate"
	DisputeReasonCreditNotProcessed   DisputeReason = "credit_not_processed"
	DisputeReasonGeneral              DisputeReason = "general"
)

func (s DisputeState) IsTerminal() bool {
	return s == DisputeStateWon || s == DisputeStateLost
}

// Transition validates a state change. Terminal states are strictly
// single-entry: re-entering won or lost, with the same or the other terminal
// target, signals a processor replay bug or a double-billing risk and is
// never silently ignored. Re-entering formalized is reported distinctly so
// the caller can no-op without re-running balance effects.
func (s DisputeState) Transition(to DisputeState) (DisputeState, error) {
	if s.IsTerminal() {
		return s, fmt.Errorf("Transition: %s -> %s: %w", s, to, ErrInvalidDisputeTransition)
	}

	switch to {
	case DisputeStateFormalized:
		if s == DisputeStateFormalized {
			return s, fmt.Errorf("Transition: %w", ErrDisputeAlreadyFormalized)
		}
		return to, nil
	case DisputeStateWon, DisputeStateLost:
		if s != DisputeStateFormalized {
			return s, fmt.Errorf("Transition: %s -> %s: %w", s, to, ErrInvalidDisputeTransition)
		}
		return to, nil
	default:
		return s, fmt.Errorf("Transition: %s -> %s: %w", s, to, ErrInvalidDisputeTransition)
	}
}

// Dispute is the per-purchase chargeback lifecycle record. One row per
// disputed purchase, created lazily on the first event, never deleted.
type Dispute struct {
	ID         uuid.UUID
	PurchaseID uuid.UUID

	State  DisputeState
	Reason DisputeReason

	ChargeProcessorID        Processor
	ChargeProcessorDisputeID *string

	EventCreatedAt time.Time
	FormalizedAt   *time.Time
	WonAt          *time.Time
	LostAt         *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}
