package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gumroad/dispute-engine/internal/domain"
	"github.com/gumroad/dispute-engine/internal/logging"
)

// EventProcessor drains the pending processor-event queue and feeds each
// event to the dispatcher. Anomalies acknowledge the event so the processor
// stops retrying; invariant violations mark it failed and stay visible to
// on-call operators.
type EventProcessor struct {
	events     processorEventRepository
	dispatcher *Dispatcher
	db         *sql.DB
	logger     *slog.Logger
	interval   time.Duration
	batchSize  int
}

func NewEventProcessor(
	events processorEventRepository,
	dispatcher *Dispatcher,
	db *sql.DB,
	logger *slog.Logger,
	interval time.Duration,
	batchSize int,
) *EventProcessor {
	return &EventProcessor{
		events:     events,
		dispatcher: dispatcher,
		db:         db,
		logger:     logger,
		interval:   interval,
		batchSize:  batchSize,
	}
}

func (p *EventProcessor) Start(ctx context.Context) {
	p.logger.Info("event processor started", "interval", p.interval)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("event processor stopped")
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

// poll claims a batch inside one transaction so the claimed rows stay locked
// until every status update commits; concurrent pollers skip them.
func (p *EventProcessor) poll(ctx context.Context) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		p.logger.Error("failed to begin poll transaction", "error", err)
		return
	}
	defer tx.Rollback()

	events, err := p.events.GetPending(ctx, tx, p.batchSize)
	if err != nil {
		p.logger.Error("failed to fetch pending processor events", "error", err)
		return
	}

	for _, event := range events {
		if err := p.processEvent(ctx, tx, event); err != nil {
			p.logger.Error("failed to process processor event",
				"processor_event_id", event.ID,
				"error", err,
			)
		}
	}

	if err := tx.Commit(); err != nil {
		p.logger.Error("failed to commit poll transaction", "error", err)
	}
}

type chargeEventPayload struct {
	ChargeID                 string              `json:"charge_id"`
	ChargeReference          string              `json:"charge_reference,omitempty"`
	PaymentIntentID          string              `json:"payment_intent_id,omitempty"`
	CreatedAt                time.Time           `json:"created_at"`
	Reason                   string              `json:"reason,omitempty"`
	ChargeProcessorDisputeID string              `json:"charge_processor_dispute_id,omitempty"`
	FlowOfFunds              *domain.FlowOfFunds `json:"flow_of_funds,omitempty"`
}

func (p *EventProcessor) processEvent(ctx context.Context, tx *sql.Tx, event domain.ProcessorEvent) error {
	ctx = logging.WithLogger(ctx, p.logger.With(
		"processor_event_id", event.ID,
		"event_type", event.EventType,
	))

	var payload chargeEventPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		p.logger.Error("malformed processor event payload", "processor_event_id", event.ID, "error", err)
		return p.events.UpdateStatus(ctx, tx, event.ID, domain.ProcessorEventStatusFailed)
	}

	ev := &domain.ChargeEvent{
		Type:                     event.EventType,
		ChargeID:                 payload.ChargeID,
		ChargeReference:          payload.ChargeReference,
		PaymentIntentID:          payload.PaymentIntentID,
		CreatedAt:                payload.CreatedAt,
		Reason:                   domain.DisputeReason(payload.Reason),
		ChargeProcessorDisputeID: payload.ChargeProcessorDisputeID,
		FlowOfFunds:              payload.FlowOfFunds,
	}

	err := p.dispatcher.HandleChargeEvent(ctx, ev)
	if err == nil {
		return p.events.UpdateStatus(ctx, tx, event.ID, domain.ProcessorEventStatusProcessed)
	}

	// Ledger-correctness violations must not be retried blindly: the event
	// stays failed until an operator looks at it.
	if errors.Is(err, domain.ErrInvalidDisputeTransition) ||
		errors.Is(err, domain.ErrBalanceAlreadyApplied) ||
		errors.Is(err, domain.ErrChargeableNotFound) {
		p.logger.Error("processor event rejected",
			"processor_event_id", event.ID,
			"event_type", event.EventType,
			"error", err,
		)
		if uerr := p.events.UpdateStatus(ctx, tx, event.ID, domain.ProcessorEventStatusFailed); uerr != nil {
			return fmt.Errorf("processEvent: %w", uerr)
		}
		return nil
	}

	// Transient failure: leave the event pending for the next poll.
	return fmt.Errorf("processEvent: %w", err)
}
