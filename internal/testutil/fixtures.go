package testutil

import (
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gumroad/dispute-engine/internal/domain"
)

// PlatformMerchantAccountID mirrors the engine's constant: the account every
// affiliate settles through.
var PlatformMerchantAccountID = uuid.MustParse("00000000-0000-0000-0000-000000000001")

func SeedUser(t *testing.T, db *sql.DB, email, name string) uuid.UUID {
	t.Helper()

	id := uuid.New()
	_, err := db.Exec(
		`INSERT INTO users (id, email, name) VALUES ($1, $2, $3)`,
		id, email, name,
	)
	if err != nil {
		t.Fatalf("seed user %s: %v", email, err)
	}
	return id
}

func SeedMerchantAccount(t *testing.T, db *sql.DB, processor string, managed bool) uuid.UUID {
	t.Helper()

	id := uuid.New()
	_, err := db.Exec(
		`INSERT INTO merchant_accounts (id, processor, is_managed) VALUES ($1, $2, $3)`,
		id, processor, managed,
	)
	if err != nil {
		t.Fatalf("seed merchant account: %v", err)
	}
	return id
}

func SeedPlatformMerchantAccount(t *testing.T, db *sql.DB) uuid.UUID {
	t.Helper()

	_, err := db.Exec(
		`INSERT INTO merchant_accounts (id, processor, is_managed)
		 VALUES ($1, 'stripe', FALSE) ON CONFLICT (id) DO NOTHING`,
		PlatformMerchantAccountID,
	)
	if err != nil {
		t.Fatalf("seed platform merchant account: %v", err)
	}
	return PlatformMerchantAccountID
}

func SeedBalance(t *testing.T, db *sql.DB, userID, merchantAccountID uuid.UUID, unpaidCents int64) uuid.UUID {
	t.Helper()

	id := uuid.New()
	_, err := db.Exec(
		`INSERT INTO balances (id, user_id, merchant_account_id, currency, unpaid_cents)
		 VALUES ($1, $2, $3, 'usd', $4)`,
		id, userID, merchantAccountID, unpaidCents,
	)
	if err != nil {
		t.Fatalf("seed balance %s: %v", userID, err)
	}
	return id
}

func SeedSubscription(t *testing.T, db *sql.DB, sellerID, buyerID uuid.UUID) uuid.UUID {
	t.Helper()

	id := uuid.New()
	_, err := db.Exec(
		`INSERT INTO subscriptions (id, seller_id, buyer_id) VALUES ($1, $2, $3)`,
		id, sellerID, buyerID,
	)
	if err != nil {
		t.Fatalf("seed subscription: %v", err)
	}
	return id
}

// NewPurchase builds a successful stripe purchase with sensible defaults;
// callers adjust fields before persisting it through the repository.
func NewPurchase(sellerID, buyerID, merchantAccountID uuid.UUID, totalCents, feeCents int64) *domain.Purchase {
	id := uuid.New()
	txnID := "ch_" + id.String()[:8]
	return &domain.Purchase{
		ID:                    id,
		ExternalID:            "G-" + id.String()[:12],
		SellerID:              sellerID,
		BuyerID:               buyerID,
		State:                 domain.PurchaseStateSuccessful,
		Processor:             domain.ProcessorStripe,
		StripeTransactionID:   &txnID,
		MerchantAccountID:     merchantAccountID,
		Currency:              domain.CurrencyUSD,
		TotalTransactionCents: totalCents,
		FeeCents:              feeCents,
		CreatedAt:             time.Now().UTC(),
	}
}

// NewCharge builds a charge shell; member purchases are attached by setting
// their ChargeID before persisting.
func NewCharge(sellerID, merchantAccountID uuid.UUID, currency domain.CurrencyCode) *domain.Charge {
	id := uuid.New()
	txnID := "ch_" + id.String()[:8]
	return &domain.Charge{
		ID:                     id,
		SellerID:               sellerID,
		Reference:              "CHG-" + id.String()[:12],
		Processor:              domain.ProcessorStripe,
		ProcessorTransactionID: &txnID,
		MerchantAccountID:      merchantAccountID,
		Currency:               currency,
		CreatedAt:              time.Now().UTC(),
	}
}

func GetBalance(t *testing.T, db *sql.DB, userID, merchantAccountID uuid.UUID) int64 {
	t.Helper()

	var unpaid int64
	err := db.QueryRow(
		`SELECT unpaid_cents FROM balances WHERE user_id = $1 AND merchant_account_id = $2`,
		userID, merchantAccountID,
	).Scan(&unpaid)
	if err != nil {
		t.Fatalf("get balance %s: %v", userID, err)
	}
	return unpaid
}

func CountBalanceTransactions(t *testing.T, db *sql.DB, purchaseID uuid.UUID, txType domain.BalanceTransactionType) int {
	t.Helper()

	var count int
	err := db.QueryRow(
		`SELECT COUNT(*) FROM balance_transactions WHERE purchase_id = $1 AND type = $2`,
		purchaseID, txType,
	).Scan(&count)
	if err != nil {
		t.Fatalf("count balance transactions for purchase %s: %v", purchaseID, err)
	}
	return count
}

func SumBalanceTransactions(t *testing.T, db *sql.DB, purchaseID, userID uuid.UUID) int64 {
	t.Helper()

	var sum int64
	err := db.QueryRow(
		`SELECT COALESCE(SUM(issued_net_cents), 0) FROM balance_transactions
		 WHERE purchase_id = $1 AND user_id = $2`,
		purchaseID, userID,
	).Scan(&sum)
	if err != nil {
		t.Fatalf("sum balance transactions for purchase %s: %v", purchaseID, err)
	}
	return sum
}

func GetProcessorFeeCents(t *testing.T, db *sql.DB, purchaseID uuid.UUID) int64 {
	t.Helper()

	var fee int64
	err := db.QueryRow(
		`SELECT processor_fee_cents FROM purchases WHERE id = $1`, purchaseID,
	).Scan(&fee)
	if err != nil {
		t.Fatalf("get processor fee for purchase %s: %v", purchaseID, err)
	}
	return fee
}

func SetRefundedNetCents(t *testing.T, db *sql.DB, purchaseID uuid.UUID, cents int64) {
	t.Helper()

	if _, err := db.Exec(
		`UPDATE purchases SET refunded_net_cents = $1 WHERE id = $2`, cents, purchaseID,
	); err != nil {
		t.Fatalf("set refunded cents for purchase %s: %v", purchaseID, err)
	}
}

func RequirePurchaseFlags(t *testing.T, db *sql.DB, purchaseID uuid.UUID, wantChargedBack, wantReversed bool) {
	t.Helper()

	var chargebackDate sql.NullTime
	var reversed bool
	err := db.QueryRow(
		`SELECT chargeback_date, chargeback_reversed FROM purchases WHERE id = $1`, purchaseID,
	).Scan(&chargebackDate, &reversed)
	if err != nil {
		t.Fatalf("get purchase flags %s: %v", purchaseID, err)
	}
	if chargebackDate.Valid != wantChargedBack {
		t.Fatalf("purchase %s: chargeback marker = %v, want %v", purchaseID, chargebackDate.Valid, wantChargedBack)
	}
	if reversed != wantReversed {
		t.Fatalf("purchase %s: chargeback_reversed = %v, want %v", purchaseID, reversed, wantReversed)
	}
}

func GetDisputeState(t *testing.T, db *sql.DB, purchaseID uuid.UUID) string {
	t.Helper()

	var state string
	err := db.QueryRow(
		`SELECT state FROM disputes WHERE purchase_id = $1`, purchaseID,
	).Scan(&state)
	if err != nil {
		t.Fatalf("get dispute state for purchase %s: %v", purchaseID, err)
	}
	return state
}
