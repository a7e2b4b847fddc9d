package domain

import (
	"time"

	"github.com/google/uuid"
)

type SubscriptionRestartReason string

const RestartReasonPaymentIssueResolved SubscriptionRestartReason = "payment_issue_resolved"

type Subscription struct {
	ID       uuid.UUID
	SellerID uuid.UUID
	BuyerID  uuid.UUID

	CancelledAt                 *time.Time
	CancelledBy                 *string
	UserRequestedCancellationAt *time.Time
	DeactivatedAt               *time.Time
	RestartedAt                 *time.Time
	RestartReason               *SubscriptionRestartReason

	CreatedAt time.Time
}

func (s *Subscription) IsActive() bool {
	return s.CancelledAt == nil && s.DeactivatedAt == nil
}

// CancelledByChargeback reports whether the current cancellation was applied
// by the system (dispute formalized) rather than requested by the buyer.
func (s *Subscription) CancelledByChargeback() bool {
	return s.CancelledAt != nil && s.CancelledBy != nil && *s.CancelledBy == "system"
}
