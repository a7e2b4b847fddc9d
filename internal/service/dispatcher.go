package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/gumroad/dispute-engine/internal/domain"
	"github.com/gumroad/dispute-engine/internal/logging"
)

// Dispatcher advances the per-purchase dispute lifecycle for inbound
// processor events and drives the reconciliation engine. One event is
// processed inside one transaction holding exclusive locks on every member
// purchase, so concurrent deliveries of the same event serialize and only
// the first one observes an un-formalized dispute.
type Dispatcher struct {
	resolver      *ChargeableResolver
	purchases     purchaseRepository
	disputes      disputeRepository
	subscriptions subscriptionRepository
	engine        balanceEngine
	notifier      Notifier
	evidence      EvidenceAssembler
	fighter       ChargebackFighter
	alerts        AlertSink
	db            *sql.DB
	logger        *slog.Logger
}

func NewDispatcher(
	resolver *ChargeableResolver,
	purchases purchaseRepository,
	disputes disputeRepository,
	subscriptions subscriptionRepository,
	engine balanceEngine,
	notifier Notifier,
	evidence EvidenceAssembler,
	fighter ChargebackFighter,
	alerts AlertSink,
	db *sql.DB,
	logger *slog.Logger,
) *Dispatcher {
	return &Dispatcher{
		resolver:      resolver,
		purchases:     purchases,
		disputes:      disputes,
		subscriptions: subscriptions,
		engine:        engine,
		notifier:      notifier,
		evidence:      evidence,
		fighter:       fighter,
		alerts:        alerts,
		db:            db,
		logger:        logger,
	}
}

func (d *Dispatcher) HandleChargeEvent(ctx context.Context, ev *domain.ChargeEvent) error {
	chargeable, err := d.resolver.FindByProcessorEvent(ctx, ev)
	if err != nil {
		return fmt.Errorf("HandleChargeEvent: %w", err)
	}

	switch ev.Type {
	case domain.ChargeEventDisputeFormalized:
		err = d.handleFormalized(ctx, ev, chargeable)
	case domain.ChargeEventDisputeWon:
		err = d.handleWon(ctx, ev, chargeable)
	case domain.ChargeEventDisputeLost:
		err = d.handleLost(ctx, ev, chargeable)
	default:
		return fmt.Errorf("HandleChargeEvent: unknown event type %q", ev.Type)
	}
	if err != nil {
		return fmt.Errorf("HandleChargeEvent: %w", err)
	}
	return nil
}

func (d *Dispatcher) handleFormalized(ctx context.Context, ev *domain.ChargeEvent, chargeable domain.Chargeable) error {
	members := chargeable.ChargedPurchases()
	if len(members) == 0 {
		d.alerts.Alert(ctx, fmt.Sprintf("dispute.formalized for chargeable with no charged purchases (charge_id=%s)", ev.ChargeID))
		return nil
	}
	evidencePurchase := chargeable.PurchaseForDisputeEvidence(ev.Reason)

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("handleFormalized: begin tx: %w", err)
	}
	defer tx.Rollback()

	locked, err := lockPurchasesInOrder(ctx, tx, d.purchases, purchaseIDs(members)...)
	if err != nil {
		return fmt.Errorf("handleFormalized: %w", err)
	}

	now := time.Now().UTC()

	dispute, err := d.disputes.GetByPurchaseIDForUpdate(ctx, tx, evidencePurchase.ID)
	switch {
	case err == nil:
		if _, terr := dispute.State.Transition(domain.DisputeStateFormalized); terr != nil {
			if errors.Is(terr, domain.ErrDisputeAlreadyFormalized) {
				// Duplicate delivery. The first formalized already debited;
				// acknowledge without touching the ledger.
				d.alerts.Alert(ctx, fmt.Sprintf("duplicate dispute.formalized for purchase %s ignored", evidencePurchase.ID))
				return nil
			}
			return fmt.Errorf("handleFormalized: %w", terr)
		}
		dispute.State = domain.DisputeStateFormalized
		dispute.Reason = ev.Reason
		dispute.FormalizedAt = &now
		dispute.EventCreatedAt = ev.CreatedAt
		if ev.ChargeProcessorDisputeID != "" {
			id := ev.ChargeProcessorDisputeID
			dispute.ChargeProcessorDisputeID = &id
		}
		dispute.UpdatedAt = now
		if err := d.disputes.Update(ctx, tx, dispute); err != nil {
			return fmt.Errorf("handleFormalized: %w", err)
		}
	case errors.Is(err, domain.ErrNotFound):
		dispute = &domain.Dispute{
			ID:                uuid.New(),
			PurchaseID:        evidencePurchase.ID,
			State:             domain.DisputeStateFormalized,
			Reason:            ev.Reason,
			ChargeProcessorID: evidencePurchase.Processor,
			EventCreatedAt:    ev.CreatedAt,
			FormalizedAt:      &now,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if ev.ChargeProcessorDisputeID != "" {
			id := ev.ChargeProcessorDisputeID
			dispute.ChargeProcessorDisputeID = &id
		}
		if err := d.disputes.Create(ctx, tx, dispute); err != nil {
			return fmt.Errorf("handleFormalized: %w", err)
		}
	default:
		return fmt.Errorf("handleFormalized: %w", err)
	}

	lockedMembers := lockedInInputOrder(locked, members)
	for _, p := range lockedMembers {
		if err := d.purchases.MarkChargedBack(ctx, tx, p.ID, ev.CreatedAt); err != nil {
			return fmt.Errorf("handleFormalized: %w", err)
		}
	}

	// Processors that report no per-leg breakdown get a flow where every leg
	// is the disputed amount in the purchase currency.
	flow := ev.FlowOfFunds
	if flow == nil {
		simple := domain.SimpleFlowOfFunds(evidencePurchase.Currency, -chargeable.ChargedAmountCents())
		flow = &simple
	}

	if err := d.engine.Debit(ctx, tx, lockedMembers, dispute, flow, now); err != nil {
		return fmt.Errorf("handleFormalized: %w", err)
	}

	for _, p := range lockedMembers {
		if p.SubscriptionID != nil {
			if err := d.cancelSubscription(ctx, tx, *p.SubscriptionID, now); err != nil {
				return fmt.Errorf("handleFormalized: %w", err)
			}
		}
		if p.IsBundlePurchase {
			if err := d.propagateToBundleChildren(ctx, tx, p.ID, func(childID uuid.UUID) error {
				return d.purchases.MarkChargedBack(ctx, tx, childID, ev.CreatedAt)
			}); err != nil {
				return fmt.Errorf("handleFormalized: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("handleFormalized: commit: %w", err)
	}

	logging.FromContext(ctx).Info("dispute formalized",
		"purchase_id", evidencePurchase.ID,
		"dispute_id", dispute.ID,
		"reason", ev.Reason,
		"member_purchases", len(lockedMembers),
	)

	d.scheduleEvidence(ctx, evidencePurchase, chargeable)
	d.notifier.Notify(ctx, NotifyDisputeFormalized, chargeable)
	return nil
}

func (d *Dispatcher) handleWon(ctx context.Context, ev *domain.ChargeEvent, chargeable domain.Chargeable) error {
	members := chargeable.ChargedPurchases()
	if len(members) == 0 {
		d.alerts.Alert(ctx, fmt.Sprintf("dispute.won for chargeable with no charged purchases (charge_id=%s)", ev.ChargeID))
		return nil
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("handleWon: begin tx: %w", err)
	}
	defer tx.Rollback()

	locked, err := lockPurchasesInOrder(ctx, tx, d.purchases, purchaseIDs(members)...)
	if err != nil {
		return fmt.Errorf("handleWon: %w", err)
	}
	lockedMembers := lockedInInputOrder(locked, members)

	dispute, anomaly, err := d.openDisputeAcross(ctx, tx, lockedMembers, "dispute.won")
	if err != nil {
		return fmt.Errorf("handleWon: %w", err)
	}
	if anomaly {
		return nil
	}
	if _, terr := dispute.State.Transition(domain.DisputeStateWon); terr != nil {
		return fmt.Errorf("handleWon: %w", terr)
	}

	now := time.Now().UTC()

	if err := d.engine.Reverse(ctx, tx, lockedMembers, dispute, now); err != nil {
		return fmt.Errorf("handleWon: %w", err)
	}

	for _, p := range lockedMembers {
		if err := d.purchases.MarkChargebackReversed(ctx, tx, p.ID); err != nil {
			return fmt.Errorf("handleWon: %w", err)
		}
		if p.SubscriptionID != nil {
			if err := d.restartSubscription(ctx, tx, *p.SubscriptionID, now); err != nil {
				return fmt.Errorf("handleWon: %w", err)
			}
		}
		if p.IsBundlePurchase {
			if err := d.propagateToBundleChildren(ctx, tx, p.ID, func(childID uuid.UUID) error {
				return d.purchases.MarkChargebackReversed(ctx, tx, childID)
			}); err != nil {
				return fmt.Errorf("handleWon: %w", err)
			}
		}
	}

	dispute.State = domain.DisputeStateWon
	dispute.WonAt = &now
	dispute.UpdatedAt = now
	if err := d.disputes.Update(ctx, tx, dispute); err != nil {
		return fmt.Errorf("handleWon: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("handleWon: commit: %w", err)
	}

	logging.FromContext(ctx).Info("dispute won, balances restored",
		"purchase_id", dispute.PurchaseID,
		"dispute_id", dispute.ID,
	)

	d.notifier.Notify(ctx, NotifyDisputeWon, chargeable)
	return nil
}

func (d *Dispatcher) handleLost(ctx context.Context, ev *domain.ChargeEvent, chargeable domain.Chargeable) error {
	members := chargeable.ChargedPurchases()
	if len(members) == 0 {
		d.alerts.Alert(ctx, fmt.Sprintf("dispute.lost for chargeable with no charged purchases (charge_id=%s)", ev.ChargeID))
		return nil
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("handleLost: begin tx: %w", err)
	}
	defer tx.Rollback()

	locked, err := lockPurchasesInOrder(ctx, tx, d.purchases, purchaseIDs(members)...)
	if err != nil {
		return fmt.Errorf("handleLost: %w", err)
	}
	lockedMembers := lockedInInputOrder(locked, members)

	dispute, anomaly, err := d.openDisputeAcross(ctx, tx, lockedMembers, "dispute.lost")
	if err != nil {
		return fmt.Errorf("handleLost: %w", err)
	}
	if anomaly {
		return nil
	}
	if _, terr := dispute.State.Transition(domain.DisputeStateLost); terr != nil {
		return fmt.Errorf("handleLost: %w", terr)
	}

	now := time.Now().UTC()

	// The formalize debit stands; losing only records the terminal outcome.
	if err := d.purchases.SetChargeProcessorStatus(ctx, tx, dispute.PurchaseID, "lost"); err != nil {
		return fmt.Errorf("handleLost: %w", err)
	}

	dispute.State = domain.DisputeStateLost
	dispute.LostAt = &now
	dispute.UpdatedAt = now
	if err := d.disputes.Update(ctx, tx, dispute); err != nil {
		return fmt.Errorf("handleLost: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("handleLost: commit: %w", err)
	}

	logging.FromContext(ctx).Info("dispute lost",
		"purchase_id", dispute.PurchaseID,
		"dispute_id", dispute.ID,
	)

	d.notifier.Notify(ctx, NotifyDisputeLost, chargeable)
	if !locked[dispute.PurchaseID].SellerRefundPolicy {
		d.notifier.Notify(ctx, NotifyDisputeLostNoPolicy, chargeable)
	}
	return nil
}

// openDisputeAcross loads the open dispute a terminal event must resolve.
// The row is looked up across every member purchase: the member it was
// pinned to at formalize depended on the formalize event's reason, which
// terminal events usually do not carry. A missing dispute row, a missing
// chargeback marker, or a dispute that never formalized all mean the event
// does not correspond to a known chargeback: alert and acknowledge without
// guessing at money movement.
func (d *Dispatcher) openDisputeAcross(ctx context.Context, tx *sql.Tx, members []*domain.Purchase, eventName string) (*domain.Dispute, bool, error) {
	marked := false
	for _, p := range members {
		if p.ChargebackDate != nil {
			marked = true
			break
		}
	}
	if !marked {
		d.alerts.Alert(ctx, fmt.Sprintf("%s for purchase %s with no dispute marker", eventName, members[0].ID))
		return nil, true, nil
	}

	dispute, err := d.disputes.GetByPurchaseIDsForUpdate(ctx, tx, purchaseIDs(members))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			d.alerts.Alert(ctx, fmt.Sprintf("%s for purchase %s with no dispute record", eventName, members[0].ID))
			return nil, true, nil
		}
		return nil, false, err
	}

	if dispute.State == domain.DisputeStateCreated {
		d.alerts.Alert(ctx, fmt.Sprintf("%s for purchase %s before dispute formalized", eventName, dispute.PurchaseID))
		return nil, true, nil
	}

	return dispute, false, nil
}

func (d *Dispatcher) cancelSubscription(ctx context.Context, tx *sql.Tx, id uuid.UUID, now time.Time) error {
	sub, err := d.subscriptions.GetForUpdate(ctx, tx, id)
	if err != nil {
		return fmt.Errorf("cancelSubscription: %w", err)
	}
	if !sub.IsActive() {
		return nil
	}
	if err := d.subscriptions.Cancel(ctx, tx, id, now, "system"); err != nil {
		return fmt.Errorf("cancelSubscription: %w", err)
	}
	return nil
}

func (d *Dispatcher) restartSubscription(ctx context.Context, tx *sql.Tx, id uuid.UUID, now time.Time) error {
	sub, err := d.subscriptions.GetForUpdate(ctx, tx, id)
	if err != nil {
		return fmt.Errorf("restartSubscription: %w", err)
	}
	// Only undo a cancellation this engine applied; a buyer-requested
	// cancellation stays cancelled.
	if !sub.CancelledByChargeback() {
		return nil
	}
	if err := d.subscriptions.Restart(ctx, tx, id, now, domain.RestartReasonPaymentIssueResolved); err != nil {
		return fmt.Errorf("restartSubscription: %w", err)
	}
	return nil
}

// propagateToBundleChildren applies a chargeback flag to every materialized
// per-product purchase under a bundle. Flag-set only: children are never
// separately debited.
func (d *Dispatcher) propagateToBundleChildren(ctx context.Context, tx *sql.Tx, bundlePurchaseID uuid.UUID, apply func(uuid.UUID) error) error {
	children, err := d.purchases.GetBundleChildren(ctx, tx, bundlePurchaseID)
	if err != nil {
		return fmt.Errorf("propagateToBundleChildren: %w", err)
	}
	for _, child := range children {
		if err := apply(child.ID); err != nil {
			return fmt.Errorf("propagateToBundleChildren: %w", err)
		}
	}
	return nil
}

func (d *Dispatcher) scheduleEvidence(ctx context.Context, purchase *domain.Purchase, chargeable domain.Chargeable) {
	if !EligibleForDisputeEvidence(purchase) {
		return
	}
	created, err := d.evidence.CreateEvidenceIfNeeded(ctx, purchase)
	if err != nil {
		d.logger.Warn("dispute evidence assembly failed", "purchase_id", purchase.ID, "error", err)
		return
	}
	if !created {
		return
	}
	transactionID := ""
	if id := chargeable.ProcessorTransactionID(); id != nil {
		transactionID = *id
	}
	d.fighter.Enqueue(ctx, purchase.Processor, transactionID)
}

func purchaseIDs(purchases []*domain.Purchase) []uuid.UUID {
	ids := make([]uuid.UUID, len(purchases))
	for i, p := range purchases {
		ids[i] = p.ID
	}
	return ids
}

func lockedInInputOrder(locked map[uuid.UUID]*domain.Purchase, members []*domain.Purchase) []*domain.Purchase {
	out := make([]*domain.Purchase, len(members))
	for i, p := range members {
		out[i] = locked[p.ID]
	}
	return out
}

func lockPurchasesInOrder(ctx context.Context, tx *sql.Tx, purchases purchaseRepository, ids ...uuid.UUID) (map[uuid.UUID]*domain.Purchase, error) {
	sorted := make([]uuid.UUID, len(ids))
	copy(sorted, ids)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].String() < sorted[j].String()
	})

	result := make(map[uuid.UUID]*domain.Purchase, len(ids))
	for _, id := range sorted {
		p, err := purchases.GetForUpdate(ctx, tx, id)
		if err != nil {
			return nil, fmt.Errorf("lockPurchasesInOrder: %w", err)
		}
		result[id] = p
	}
	return result, nil
}
