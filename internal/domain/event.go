package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type ChargeEventType string

const (
	ChargeEventDisputeFormalized ChargeEventType = "dispute.formalized"
	ChargeEventDisputeWon        ChargeEventType = "dispute.won"
	ChargeEventDisputeLost       ChargeEventType = "dispute.lost"
)

// ChargeEvent is one chargeback lifecycle notification from a payment
// processor, already decoded from the wire.
type ChargeEvent struct {
	Type                     ChargeEventType
	ChargeID                 string
	ChargeReference          string
	PaymentIntentID          string
	CreatedAt                time.Time
	Reason                   DisputeReason
	ChargeProcessorDisputeID string
	FlowOfFunds              *FlowOfFunds
}

type ProcessorEventStatus string

const (
	ProcessorEventStatusPending   ProcessorEventStatus = "pending"
	ProcessorEventStatusProcessed ProcessorEventStatus = "processed"
	ProcessorEventStatusFailed    ProcessorEventStatus = "failed"
)

// ProcessorEvent is the persisted inbound queue row the poller drains.
// At-least-once delivery from the processor means duplicates are routine;
// the dispatcher, not this queue, decides whether an event has effect.
type ProcessorEvent struct {
	ID          uuid.UUID
	EventType   ChargeEventType
	Payload     json.RawMessage
	Status      ProcessorEventStatus
	Attempts    int
	LastAttempt *time.Time
	CreatedAt   time.Time
}
