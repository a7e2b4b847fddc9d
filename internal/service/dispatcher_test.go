package service_test

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gumroad/dispute-engine/internal/domain"
	"github.com/gumroad/dispute-engine/internal/repository"
	"github.com/gumroad/dispute-engine/internal/service"
	"github.com/gumroad/dispute-engine/internal/service/reconcile"
	"github.com/gumroad/dispute-engine/internal/testutil"
)

type fakeNotifier struct {
	kinds []service.NotificationKind
}

func (f *fakeNotifier) Notify(ctx context.Context, kind service.NotificationKind, chargeable domain.Chargeable) {
	f.kinds = append(f.kinds, kind)
}

func (f *fakeNotifier) has(kind service.NotificationKind) bool {
	for _, k := range f.kinds {
		if k == kind {
			return true
		}
	}
	return false
}

type fakeEvidence struct {
	purchases []uuid.UUID
}

func (f *fakeEvidence) CreateEvidenceIfNeeded(ctx context.Context, purchase *domain.Purchase) (bool, error) {
	f.purchases = append(f.purchases, purchase.ID)
	return true, nil
}

type fakeFighter struct {
	transactionIDs []string
}

func (f *fakeFighter) Enqueue(ctx context.Context, processor domain.Processor, transactionID string) {
	f.transactionIDs = append(f.transactionIDs, transactionID)
}

type fakeAlerts struct {
	messages []string
}

func (f *fakeAlerts) Alert(ctx context.Context, message string) {
	f.messages = append(f.messages, message)
}

type collaborators struct {
	notifier *fakeNotifier
	evidence *fakeEvidence
	fighter  *fakeFighter
	alerts   *fakeAlerts
}

func setupDispatcher(t *testing.T, db *sql.DB) (*service.Dispatcher, *collaborators) {
	t.Helper()

	purchases := repository.NewPurchaseRepository(db)
	charges := repository.NewChargeRepository(db)

	engine := reconcile.NewEngine(
		repository.NewBalanceRepository(db),
		repository.NewBalanceTransactionRepository(db),
		repository.NewCreditRepository(db),
		repository.NewAffiliateCreditRepository(db),
		purchases,
		charges,
		db,
	)

	c := &collaborators{
		notifier: &fakeNotifier{},
		evidence: &fakeEvidence{},
		fighter:  &fakeFighter{},
		alerts:   &fakeAlerts{},
	}

	dispatcher := service.NewDispatcher(
		service.NewChargeableResolver(purchases, charges),
		purchases,
		repository.NewDisputeRepository(db),
		repository.NewSubscriptionRepository(db),
		engine,
		c.notifier,
		c.evidence,
		c.fighter,
		c.alerts,
		db,
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
	return dispatcher, c
}

func formalizedEvent(transactionID string, reason domain.DisputeReason) *domain.ChargeEvent {
	return &domain.ChargeEvent{
		Type:      domain.ChargeEventDisputeFormalized,
		ChargeID:  transactionID,
		CreatedAt: time.Now().UTC(),
		Reason:    reason,
	}
}

func wonEvent(transactionID string) *domain.ChargeEvent {
	return &domain.ChargeEvent{
		Type:      domain.ChargeEventDisputeWon,
		ChargeID:  transactionID,
		CreatedAt: time.Now().UTC(),
	}
}

func lostEvent(transactionID string) *domain.ChargeEvent {
	return &domain.ChargeEvent{
		Type:      domain.ChargeEventDisputeLost,
		ChargeID:  transactionID,
		CreatedAt: time.Now().UTC(),
	}
}

func getSellerCredits(t *testing.T, db *sql.DB, purchaseID, userID uuid.UUID) []int64 {
	t.Helper()

	rows, err := db.Query(
		`SELECT amount_cents FROM credits WHERE chargebacked_purchase_id = $1 AND user_id = $2`,
		purchaseID, userID,
	)
	require.NoError(t, err)
	defer rows.Close()

	var amounts []int64
	for rows.Next() {
		var cents int64
		require.NoError(t, rows.Scan(&cents))
		amounts = append(amounts, cents)
	}
	require.NoError(t, rows.Err())
	return amounts
}

func TestDisputeFormalizedThenWon_RestoresBalance(t *testing.T) {
	db := testutil.SetupTestDB(t)
	dispatcher, c := setupDispatcher(t, db)
	ctx := context.Background()

	seller := testutil.SeedUser(t, db, "seller@test.com", "Seller")
	buyer := testutil.SeedUser(t, db, "buyer@test.com", "Buyer")
	merchant := testutil.SeedMerchantAccount(t, db, "stripe", false)
	testutil.SeedBalance(t, db, seller, merchant, 200)

	p := testutil.NewPurchase(seller, buyer, merchant, 100, 30)
	require.NoError(t, repository.NewPurchaseRepository(db).Create(ctx, p))

	require.NoError(t, dispatcher.HandleChargeEvent(ctx, formalizedEvent(*p.StripeTransactionID, domain.DisputeReasonFraudulent)))

	// Only the seller's net take moves; the platform fee is never returned.
	assert.Equal(t, int64(130), testutil.GetBalance(t, db, seller, merchant))
	assert.Equal(t, 1, testutil.CountBalanceTransactions(t, db, p.ID, domain.BalanceTransactionChargeback))
	assert.Equal(t, "formalized", testutil.GetDisputeState(t, db, p.ID))
	testutil.RequirePurchaseFlags(t, db, p.ID, true, false)

	assert.True(t, c.notifier.has(service.NotifyDisputeFormalized))
	assert.Equal(t, []uuid.UUID{p.ID}, c.evidence.purchases)
	assert.Equal(t, []string{*p.StripeTransactionID}, c.fighter.transactionIDs)

	require.NoError(t, dispatcher.HandleChargeEvent(ctx, wonEvent(*p.StripeTransactionID)))

	assert.Equal(t, int64(200), testutil.GetBalance(t, db, seller, merchant))
	assert.Equal(t, "won", testutil.GetDisputeState(t, db, p.ID))
	testutil.RequirePurchaseFlags(t, db, p.ID, true, true)
	assert.True(t, c.notifier.has(service.NotifyDisputeWon))

	assert.Equal(t, []int64{70}, getSellerCredits(t, db, p.ID, seller))
	assert.Equal(t, int64(0), testutil.SumBalanceTransactions(t, db, p.ID, seller))
}

func TestDuplicateFormalized_SingleDebit(t *testing.T) {
	db := testutil.SetupTestDB(t)
	dispatcher, c := setupDispatcher(t, db)
	ctx := context.Background()

	seller := testutil.SeedUser(t, db, "seller@test.com", "Seller")
	buyer := testutil.SeedUser(t, db, "buyer@test.com", "Buyer")
	merchant := testutil.SeedMerchantAccount(t, db, "stripe", false)
	testutil.SeedBalance(t, db, seller, merchant, 200)

	p := testutil.NewPurchase(seller, buyer, merchant, 100, 30)
	require.NoError(t, repository.NewPurchaseRepository(db).Create(ctx, p))

	ev := formalizedEvent(*p.StripeTransactionID, domain.DisputeReasonFraudulent)
	require.NoError(t, dispatcher.HandleChargeEvent(ctx, ev))
	require.NoError(t, dispatcher.HandleChargeEvent(ctx, ev))

	assert.Equal(t, int64(130), testutil.GetBalance(t, db, seller, merchant))
	assert.Equal(t, 1, testutil.CountBalanceTransactions(t, db, p.ID, domain.BalanceTransactionChargeback))
	assert.Len(t, c.alerts.messages, 1)
	assert.Contains(t, c.alerts.messages[0], "duplicate")
}

func TestWonWithoutDispute_AlertsAndAcknowledges(t *testing.T) {
	db := testutil.SetupTestDB(t)
	dispatcher, c := setupDispatcher(t, db)
	ctx := context.Background()

	seller := testutil.SeedUser(t, db, "seller@test.com", "Seller")
	buyer := testutil.SeedUser(t, db, "buyer@test.com", "Buyer")
	merchant := testutil.SeedMerchantAccount(t, db, "stripe", false)
	testutil.SeedBalance(t, db, seller, merchant, 200)

	p := testutil.NewPurchase(seller, buyer, merchant, 100, 30)
	require.NoError(t, repository.NewPurchaseRepository(db).Create(ctx, p))

	require.NoError(t, dispatcher.HandleChargeEvent(ctx, wonEvent(*p.StripeTransactionID)))

	// No money moved, no state invented; just an operator alert.
	assert.Equal(t, int64(200), testutil.GetBalance(t, db, seller, merchant))
	assert.Equal(t, 0, testutil.CountBalanceTransactions(t, db, p.ID, domain.BalanceTransactionChargebackReversal))
	require.Len(t, c.alerts.messages, 1)
	assert.Contains(t, c.alerts.messages[0], "no dispute marker")
	testutil.RequirePurchaseFlags(t, db, p.ID, false, false)
}

func TestAffiliatePurchase_SplitsDebitAndReversal(t *testing.T) {
	db := testutil.SetupTestDB(t)
	dispatcher, _ := setupDispatcher(t, db)
	ctx := context.Background()

	seller := testutil.SeedUser(t, db, "seller@test.com", "Seller")
	buyer := testutil.SeedUser(t, db, "buyer@test.com", "Buyer")
	affiliate := testutil.SeedUser(t, db, "affiliate@test.com", "Affiliate")
	merchant := testutil.SeedMerchantAccount(t, db, "stripe", false)
	platform := testutil.SeedPlatformMerchantAccount(t, db)
	testutil.SeedBalance(t, db, seller, merchant, 500)
	testutil.SeedBalance(t, db, affiliate, platform, 100)

	// total 800, fee 200: payment 600 splits into seller 500, affiliate 100.
	p := testutil.NewPurchase(seller, buyer, merchant, 800, 200)
	p.AffiliateUserID = &affiliate
	p.AffiliateCreditCents = 100
	require.NoError(t, repository.NewPurchaseRepository(db).Create(ctx, p))

	require.NoError(t, dispatcher.HandleChargeEvent(ctx, formalizedEvent(*p.StripeTransactionID, domain.DisputeReasonUnrecognized)))

	assert.Equal(t, int64(0), testutil.GetBalance(t, db, seller, merchant))
	assert.Equal(t, int64(0), testutil.GetBalance(t, db, affiliate, platform))
	assert.Equal(t, 2, testutil.CountBalanceTransactions(t, db, p.ID, domain.BalanceTransactionChargeback))

	var chargebacked int64
	var creditedUser uuid.UUID
	require.NoError(t, db.QueryRow(
		`SELECT chargebacked_amount_cents, affiliate_user_id FROM affiliate_credits WHERE purchase_id = $1`, p.ID,
	).Scan(&chargebacked, &creditedUser))
	assert.Equal(t, int64(100), chargebacked)
	assert.Equal(t, affiliate, creditedUser)

	require.NoError(t, dispatcher.HandleChargeEvent(ctx, wonEvent(*p.StripeTransactionID)))

	assert.Equal(t, int64(500), testutil.GetBalance(t, db, seller, merchant))
	assert.Equal(t, int64(100), testutil.GetBalance(t, db, affiliate, platform))

	var reversed int64
	require.NoError(t, db.QueryRow(
		`SELECT chargeback_reversed_amount_cents FROM affiliate_credits WHERE purchase_id = $1`, p.ID,
	).Scan(&reversed))
	assert.Equal(t, int64(100), reversed)
	assert.Equal(t, []int64{500}, getSellerCredits(t, db, p.ID, seller))
	assert.Equal(t, []int64{100}, getSellerCredits(t, db, p.ID, affiliate))

	assert.Equal(t, int64(0), testutil.SumBalanceTransactions(t, db, p.ID, seller))
	assert.Equal(t, int64(0), testutil.SumBalanceTransactions(t, db, p.ID, affiliate))
}

func TestChargeLevelDispute_DebitsEveryMember(t *testing.T) {
	db := testutil.SetupTestDB(t)
	dispatcher, _ := setupDispatcher(t, db)
	ctx := context.Background()

	seller := testutil.SeedUser(t, db, "seller@test.com", "Seller")
	buyer := testutil.SeedUser(t, db, "buyer@test.com", "Buyer")
	merchant := testutil.SeedMerchantAccount(t, db, "stripe", false)
	testutil.SeedBalance(t, db, seller, merchant, 5000)

	charge := testutil.NewCharge(seller, merchant, domain.CurrencyUSD)
	charge.AmountCents = 5000
	require.NoError(t, repository.NewChargeRepository(db).Create(ctx, charge))

	purchases := repository.NewPurchaseRepository(db)
	small := testutil.NewPurchase(seller, buyer, merchant, 2000, 500)
	small.ChargeID = &charge.ID
	require.NoError(t, purchases.Create(ctx, small))
	large := testutil.NewPurchase(seller, buyer, merchant, 3000, 600)
	large.ChargeID = &charge.ID
	require.NoError(t, purchases.Create(ctx, large))

	ev := formalizedEvent("", domain.DisputeReasonGeneral)
	ev.ChargeReference = charge.Reference
	require.NoError(t, dispatcher.HandleChargeEvent(ctx, ev))

	// 1500 + 2400 of net proceeds clawed back across both members.
	assert.Equal(t, int64(1100), testutil.GetBalance(t, db, seller, merchant))
	assert.Equal(t, 1, testutil.CountBalanceTransactions(t, db, small.ID, domain.BalanceTransactionChargeback))
	assert.Equal(t, 1, testutil.CountBalanceTransactions(t, db, large.ID, domain.BalanceTransactionChargeback))
	testutil.RequirePurchaseFlags(t, db, small.ID, true, false)
	testutil.RequirePurchaseFlags(t, db, large.ID, true, false)

	// One dispute row, on the largest member.
	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM disputes`).Scan(&count))
	assert.Equal(t, 1, count)
	assert.Equal(t, "formalized", testutil.GetDisputeState(t, db, large.ID))

	wev := wonEvent("")
	wev.ChargeReference = charge.Reference
	require.NoError(t, dispatcher.HandleChargeEvent(ctx, wev))

	assert.Equal(t, int64(5000), testutil.GetBalance(t, db, seller, merchant))
	testutil.RequirePurchaseFlags(t, db, small.ID, true, true)
	testutil.RequirePurchaseFlags(t, db, large.ID, true, true)
}

func TestChargeLevelDispute_ResolutionFindsDisputeOnAnyMember(t *testing.T) {
	db := testutil.SetupTestDB(t)
	dispatcher, c := setupDispatcher(t, db)
	ctx := context.Background()

	seller := testutil.SeedUser(t, db, "seller@test.com", "Seller")
	buyer := testutil.SeedUser(t, db, "buyer@test.com", "Buyer")
	merchant := testutil.SeedMerchantAccount(t, db, "stripe", false)
	testutil.SeedBalance(t, db, seller, merchant, 5000)

	charge := testutil.NewCharge(seller, merchant, domain.CurrencyUSD)
	charge.AmountCents = 5000
	require.NoError(t, repository.NewChargeRepository(db).Create(ctx, charge))

	purchases := repository.NewPurchaseRepository(db)
	withPolicy := testutil.NewPurchase(seller, buyer, merchant, 3000, 600)
	withPolicy.ChargeID = &charge.ID
	withPolicy.HasProductRefundPolicy = true
	require.NoError(t, purchases.Create(ctx, withPolicy))
	cycle := testutil.NewPurchase(seller, buyer, merchant, 2000, 500)
	cycle.ChargeID = &charge.ID
	cycle.IsSubscriptionCycle = true
	cycle.HasProductRefundPolicy = true
	require.NoError(t, purchases.Create(ctx, cycle))

	// The cancellation reason pins the dispute row on the subscription cycle,
	// not on the largest member.
	ev := formalizedEvent("", domain.DisputeReasonSubscriptionCanceled)
	ev.ChargeReference = charge.Reference
	require.NoError(t, dispatcher.HandleChargeEvent(ctx, ev))
	assert.Equal(t, "formalized", testutil.GetDisputeState(t, db, cycle.ID))

	// The resolution event carries no reason; it must still locate the
	// cycle's dispute row instead of alerting.
	wev := wonEvent("")
	wev.ChargeReference = charge.Reference
	require.NoError(t, dispatcher.HandleChargeEvent(ctx, wev))

	assert.Empty(t, c.alerts.messages)
	assert.Equal(t, "won", testutil.GetDisputeState(t, db, cycle.ID))
	assert.Equal(t, int64(5000), testutil.GetBalance(t, db, seller, merchant))
	testutil.RequirePurchaseFlags(t, db, withPolicy.ID, true, true)
	testutil.RequirePurchaseFlags(t, db, cycle.ID, true, true)
}

func TestChargeLevelDispute_RefundOffsetAppliesPerMember(t *testing.T) {
	db := testutil.SetupTestDB(t)
	dispatcher, _ := setupDispatcher(t, db)
	ctx := context.Background()

	seller := testutil.SeedUser(t, db, "seller@test.com", "Seller")
	buyer := testutil.SeedUser(t, db, "buyer@test.com", "Buyer")
	merchant := testutil.SeedMerchantAccount(t, db, "stripe", false)
	testutil.SeedBalance(t, db, seller, merchant, 5000)

	charge := testutil.NewCharge(seller, merchant, domain.CurrencyUSD)
	charge.AmountCents = 5000
	require.NoError(t, repository.NewChargeRepository(db).Create(ctx, charge))

	purchases := repository.NewPurchaseRepository(db)
	small := testutil.NewPurchase(seller, buyer, merchant, 2000, 500)
	small.ChargeID = &charge.ID
	require.NoError(t, purchases.Create(ctx, small))
	large := testutil.NewPurchase(seller, buyer, merchant, 3000, 600)
	large.ChargeID = &charge.ID
	require.NoError(t, purchases.Create(ctx, large))

	ev := formalizedEvent("", domain.DisputeReasonGeneral)
	ev.ChargeReference = charge.Reference
	require.NoError(t, dispatcher.HandleChargeEvent(ctx, ev))
	assert.Equal(t, int64(1100), testutil.GetBalance(t, db, seller, merchant))

	// The dispute row lives on the largest member; the refund lands on the
	// other one while the dispute is open.
	assert.Equal(t, "formalized", testutil.GetDisputeState(t, db, large.ID))
	testutil.SetRefundedNetCents(t, db, small.ID, 300)

	wev := wonEvent("")
	wev.ChargeReference = charge.Reference
	require.NoError(t, dispatcher.HandleChargeEvent(ctx, wev))

	// small comes back as 1500 - 300, large in full.
	assert.Equal(t, int64(4700), testutil.GetBalance(t, db, seller, merchant))
	assert.Equal(t, []int64{1200}, getSellerCredits(t, db, small.ID, seller))
	assert.Equal(t, []int64{2400}, getSellerCredits(t, db, large.ID, seller))
}

func TestDisputeLost_KeepsDebit(t *testing.T) {
	db := testutil.SetupTestDB(t)
	dispatcher, c := setupDispatcher(t, db)
	ctx := context.Background()

	seller := testutil.SeedUser(t, db, "seller@test.com", "Seller")
	buyer := testutil.SeedUser(t, db, "buyer@test.com", "Buyer")
	merchant := testutil.SeedMerchantAccount(t, db, "stripe", false)
	testutil.SeedBalance(t, db, seller, merchant, 200)

	p := testutil.NewPurchase(seller, buyer, merchant, 100, 30)
	require.NoError(t, repository.NewPurchaseRepository(db).Create(ctx, p))

	require.NoError(t, dispatcher.HandleChargeEvent(ctx, formalizedEvent(*p.StripeTransactionID, domain.DisputeReasonProductNotReceived)))
	require.NoError(t, dispatcher.HandleChargeEvent(ctx, lostEvent(*p.StripeTransactionID)))

	assert.Equal(t, int64(130), testutil.GetBalance(t, db, seller, merchant))
	assert.Equal(t, "lost", testutil.GetDisputeState(t, db, p.ID))
	assert.Equal(t, int64(-70), testutil.SumBalanceTransactions(t, db, p.ID, seller))

	var status sql.NullString
	require.NoError(t, db.QueryRow(
		`SELECT charge_processor_status FROM purchases WHERE id = $1`, p.ID,
	).Scan(&status))
	assert.Equal(t, "lost", status.String)

	assert.True(t, c.notifier.has(service.NotifyDisputeLost))
	assert.True(t, c.notifier.has(service.NotifyDisputeLostNoPolicy))

	// Terminal states admit nothing further.
	err := dispatcher.HandleChargeEvent(ctx, wonEvent(*p.StripeTransactionID))
	require.ErrorIs(t, err, domain.ErrInvalidDisputeTransition)
	assert.Equal(t, int64(130), testutil.GetBalance(t, db, seller, merchant))
}

func TestDisputeLost_WithRefundPolicy_SkipsPolicyNotification(t *testing.T) {
	db := testutil.SetupTestDB(t)
	dispatcher, c := setupDispatcher(t, db)
	ctx := context.Background()

	seller := testutil.SeedUser(t, db, "seller@test.com", "Seller")
	buyer := testutil.SeedUser(t, db, "buyer@test.com", "Buyer")
	merchant := testutil.SeedMerchantAccount(t, db, "stripe", false)
	testutil.SeedBalance(t, db, seller, merchant, 200)

	p := testutil.NewPurchase(seller, buyer, merchant, 100, 30)
	p.SellerRefundPolicy = true
	require.NoError(t, repository.NewPurchaseRepository(db).Create(ctx, p))

	require.NoError(t, dispatcher.HandleChargeEvent(ctx, formalizedEvent(*p.StripeTransactionID, domain.DisputeReasonGeneral)))
	require.NoError(t, dispatcher.HandleChargeEvent(ctx, lostEvent(*p.StripeTransactionID)))

	assert.True(t, c.notifier.has(service.NotifyDisputeLost))
	assert.False(t, c.notifier.has(service.NotifyDisputeLostNoPolicy))
}

func TestRefundDuringDispute_OffsetsWonCredit(t *testing.T) {
	db := testutil.SetupTestDB(t)
	dispatcher, _ := setupDispatcher(t, db)
	ctx := context.Background()

	seller := testutil.SeedUser(t, db, "seller@test.com", "Seller")
	buyer := testutil.SeedUser(t, db, "buyer@test.com", "Buyer")
	merchant := testutil.SeedMerchantAccount(t, db, "stripe", false)
	testutil.SeedBalance(t, db, seller, merchant, 200)

	p := testutil.NewPurchase(seller, buyer, merchant, 100, 30)
	require.NoError(t, repository.NewPurchaseRepository(db).Create(ctx, p))
	testutil.SetRefundedNetCents(t, db, p.ID, 20)

	require.NoError(t, dispatcher.HandleChargeEvent(ctx, formalizedEvent(*p.StripeTransactionID, domain.DisputeReasonCreditNotProcessed)))
	assert.Equal(t, int64(130), testutil.GetBalance(t, db, seller, merchant))

	// 30 more cents refunded while the dispute was open.
	testutil.SetRefundedNetCents(t, db, p.ID, 50)

	require.NoError(t, dispatcher.HandleChargeEvent(ctx, wonEvent(*p.StripeTransactionID)))

	// The won credit is 70 minus the 30 refunded during the dispute.
	assert.Equal(t, int64(170), testutil.GetBalance(t, db, seller, merchant))
	assert.Equal(t, []int64{40}, getSellerCredits(t, db, p.ID, seller))
}

func TestSubscriptionPurchase_CancelsAndRestarts(t *testing.T) {
	db := testutil.SetupTestDB(t)
	dispatcher, _ := setupDispatcher(t, db)
	ctx := context.Background()

	seller := testutil.SeedUser(t, db, "seller@test.com", "Seller")
	buyer := testutil.SeedUser(t, db, "buyer@test.com", "Buyer")
	merchant := testutil.SeedMerchantAccount(t, db, "stripe", false)
	testutil.SeedBalance(t, db, seller, merchant, 200)
	subID := testutil.SeedSubscription(t, db, seller, buyer)

	p := testutil.NewPurchase(seller, buyer, merchant, 100, 30)
	p.SubscriptionID = &subID
	p.IsSubscriptionCycle = true
	require.NoError(t, repository.NewPurchaseRepository(db).Create(ctx, p))

	require.NoError(t, dispatcher.HandleChargeEvent(ctx, formalizedEvent(*p.StripeTransactionID, domain.DisputeReasonFraudulent)))

	var cancelledBy sql.NullString
	require.NoError(t, db.QueryRow(
		`SELECT cancelled_by FROM subscriptions WHERE id = $1`, subID,
	).Scan(&cancelledBy))
	assert.Equal(t, "system", cancelledBy.String)

	require.NoError(t, dispatcher.HandleChargeEvent(ctx, wonEvent(*p.StripeTransactionID)))

	var cancelledAt sql.NullTime
	var restartReason sql.NullString
	require.NoError(t, db.QueryRow(
		`SELECT cancelled_at, restart_reason FROM subscriptions WHERE id = $1`, subID,
	).Scan(&cancelledAt, &restartReason))
	assert.False(t, cancelledAt.Valid)
	assert.Equal(t, string(domain.RestartReasonPaymentIssueResolved), restartReason.String)
}

func TestSubscriptionCancelledByBuyer_StaysCancelled(t *testing.T) {
	db := testutil.SetupTestDB(t)
	dispatcher, _ := setupDispatcher(t, db)
	ctx := context.Background()

	seller := testutil.SeedUser(t, db, "seller@test.com", "Seller")
	buyer := testutil.SeedUser(t, db, "buyer@test.com", "Buyer")
	merchant := testutil.SeedMerchantAccount(t, db, "stripe", false)
	testutil.SeedBalance(t, db, seller, merchant, 200)
	subID := testutil.SeedSubscription(t, db, seller, buyer)

	_, err := db.Exec(
		`UPDATE subscriptions SET cancelled_at = now(), cancelled_by = 'buyer',
			user_requested_cancellation_at = now(), deactivated_at = now()
		WHERE id = $1`, subID,
	)
	require.NoError(t, err)

	p := testutil.NewPurchase(seller, buyer, merchant, 100, 30)
	p.SubscriptionID = &subID
	require.NoError(t, repository.NewPurchaseRepository(db).Create(ctx, p))

	require.NoError(t, dispatcher.HandleChargeEvent(ctx, formalizedEvent(*p.StripeTransactionID, domain.DisputeReasonSubscriptionCanceled)))
	require.NoError(t, dispatcher.HandleChargeEvent(ctx, wonEvent(*p.StripeTransactionID)))

	var cancelledBy sql.NullString
	require.NoError(t, db.QueryRow(
		`SELECT cancelled_by FROM subscriptions WHERE id = $1`, subID,
	).Scan(&cancelledBy))
	assert.Equal(t, "buyer", cancelledBy.String)
}

func TestBundlePurchase_PropagatesFlagsToChildren(t *testing.T) {
	db := testutil.SetupTestDB(t)
	dispatcher, _ := setupDispatcher(t, db)
	ctx := context.Background()

	seller := testutil.SeedUser(t, db, "seller@test.com", "Seller")
	buyer := testutil.SeedUser(t, db, "buyer@test.com", "Buyer")
	merchant := testutil.SeedMerchantAccount(t, db, "stripe", false)
	testutil.SeedBalance(t, db, seller, merchant, 500)

	purchases := repository.NewPurchaseRepository(db)

	parent := testutil.NewPurchase(seller, buyer, merchant, 300, 60)
	parent.IsBundlePurchase = true
	require.NoError(t, purchases.Create(ctx, parent))

	childA := testutil.NewPurchase(seller, buyer, merchant, 0, 0)
	childA.BundlePurchaseID = &parent.ID
	require.NoError(t, purchases.Create(ctx, childA))
	childB := testutil.NewPurchase(seller, buyer, merchant, 0, 0)
	childB.BundlePurchaseID = &parent.ID
	require.NoError(t, purchases.Create(ctx, childB))

	require.NoError(t, dispatcher.HandleChargeEvent(ctx, formalizedEvent(*parent.StripeTransactionID, domain.DisputeReasonUnrecognized)))

	testutil.RequirePurchaseFlags(t, db, childA.ID, true, false)
	testutil.RequirePurchaseFlags(t, db, childB.ID, true, false)

	// Children carry the flag only; the bundle parent owns the money.
	assert.Equal(t, int64(260), testutil.GetBalance(t, db, seller, merchant))
	assert.Equal(t, 0, testutil.CountBalanceTransactions(t, db, childA.ID, domain.BalanceTransactionChargeback))
	assert.Equal(t, 0, testutil.CountBalanceTransactions(t, db, childB.ID, domain.BalanceTransactionChargeback))

	require.NoError(t, dispatcher.HandleChargeEvent(ctx, wonEvent(*parent.StripeTransactionID)))

	testutil.RequirePurchaseFlags(t, db, childA.ID, true, true)
	testutil.RequirePurchaseFlags(t, db, childB.ID, true, true)
	assert.Equal(t, int64(500), testutil.GetBalance(t, db, seller, merchant))
}

func TestManagedAccountPurchase_SkipsEvidence(t *testing.T) {
	db := testutil.SetupTestDB(t)
	dispatcher, c := setupDispatcher(t, db)
	ctx := context.Background()

	seller := testutil.SeedUser(t, db, "seller@test.com", "Seller")
	buyer := testutil.SeedUser(t, db, "buyer@test.com", "Buyer")
	merchant := testutil.SeedMerchantAccount(t, db, "stripe", true)
	testutil.SeedBalance(t, db, seller, merchant, 200)

	p := testutil.NewPurchase(seller, buyer, merchant, 100, 30)
	p.ChargedUsingManagedAccount = true
	require.NoError(t, repository.NewPurchaseRepository(db).Create(ctx, p))

	require.NoError(t, dispatcher.HandleChargeEvent(ctx, formalizedEvent(*p.StripeTransactionID, domain.DisputeReasonFraudulent)))

	assert.Empty(t, c.evidence.purchases)
	assert.Empty(t, c.fighter.transactionIDs)
	assert.True(t, c.notifier.has(service.NotifyDisputeFormalized))
	assert.Equal(t, int64(130), testutil.GetBalance(t, db, seller, merchant))
}

func TestUnknownChargeable_ReturnsNotFound(t *testing.T) {
	db := testutil.SetupTestDB(t)
	dispatcher, _ := setupDispatcher(t, db)
	ctx := context.Background()

	err := dispatcher.HandleChargeEvent(ctx, formalizedEvent("ch_missing", domain.DisputeReasonGeneral))
	require.ErrorIs(t, err, domain.ErrChargeableNotFound)
}
