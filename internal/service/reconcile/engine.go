// Package reconcile is the balance reconciliation engine: the only component
// allowed to mutate seller and affiliate balances for chargeback activity.
package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gumroad/dispute-engine/internal/domain"
)

// PlatformMerchantAccountID is the platform's own merchant account.
// Affiliates are always settled through it, never through a seller's
// connected account.
var PlatformMerchantAccountID = uuid.MustParse("00000000-0000-0000-0000-000000000001")

type balanceRepo interface {
	GetForUpdate(ctx context.Context, tx *sql.Tx, userID, merchantAccountID uuid.UUID) (*domain.Balance, error)
	CreateInTx(ctx context.Context, tx *sql.Tx, b *domain.Balance) error
	UpdateBalance(ctx context.Context, tx *sql.Tx, id uuid.UUID, newUnpaidCents, newVersion int64) error
}

type balanceTransactionRepo interface {
	Create(ctx context.Context, tx *sql.Tx, bt *domain.BalanceTransaction) error
	ExistsForPurchase(ctx context.Context, tx *sql.Tx, purchaseID, userID uuid.UUID, txType domain.BalanceTransactionType) (bool, error)
	GetForPurchase(ctx context.Context, tx *sql.Tx, purchaseID, userID uuid.UUID, txType domain.BalanceTransactionType) (*domain.BalanceTransaction, error)
}

type creditRepo interface {
	Create(ctx context.Context, tx *sql.Tx, c *domain.Credit) error
}

type affiliateCreditRepo interface {
	RecordChargeback(ctx context.Context, tx *sql.Tx, purchaseID, affiliateUserID uuid.UUID, cents int64) error
	RecordChargebackReversal(ctx context.Context, tx *sql.Tx, purchaseID uuid.UUID, cents int64) error
}

type purchaseRepo interface {
	UpdateProcessorFee(ctx context.Context, tx *sql.Tx, id uuid.UUID, feeCents int64) error
}

type chargeRepo interface {
	UpdateProcessorFee(ctx context.Context, tx *sql.Tx, id uuid.UUID, feeCents int64) error
}

type Engine struct {
	balances         balanceRepo
	transactions     balanceTransactionRepo
	credits          creditRepo
	affiliateCredits affiliateCreditRepo
	purchases        purchaseRepo
	charges          chargeRepo
	db               *sql.DB
}

func NewEngine(
	balances balanceRepo,
	transactions balanceTransactionRepo,
	credits creditRepo,
	affiliateCredits affiliateCreditRepo,
	purchases purchaseRepo,
	charges chargeRepo,
	db *sql.DB,
) *Engine {
	return &Engine{
		balances:         balances,
		transactions:     transactions,
		credits:          credits,
		affiliateCredits: affiliateCredits,
		purchases:        purchases,
		charges:          charges,
		db:               db,
	}
}

// Debit claws back the seller's (and affiliate's) net proceeds for every
// charged purchase when a dispute formalizes. The platform's fee cut is
// never returned to the seller; only net proceeds move. Attempting to debit
// a purchase twice is an invariant violation and aborts the event.
//
// The caller holds exclusive locks on the purchase rows; balance rows are
// locked here for the duration of the write.
func (e *Engine) Debit(ctx context.Context, tx *sql.Tx, purchases []*domain.Purchase, dispute *domain.Dispute, flow *domain.FlowOfFunds, now time.Time) error {
	totalCents := chargedTotal(purchases)

	for _, p := range purchases {
		applied, err := e.transactions.ExistsForPurchase(ctx, tx, p.ID, p.SellerID, domain.BalanceTransactionChargeback)
		if err != nil {
			return fmt.Errorf("Debit: %w", err)
		}
		if applied {
			return fmt.Errorf("Debit: purchase %s: %w", p.ID, domain.ErrBalanceAlreadyApplied)
		}

		// Issued legs carry the processor's view in the currency the charge
		// was issued in; holding legs stay in the purchase's own currency and
		// are what the balance actually moves by.
		sellerEntry := &domain.BalanceTransaction{
			ID:                     uuid.New(),
			UserID:                 p.SellerID,
			MerchantAccountID:      p.MerchantAccountID,
			PurchaseID:             p.ID,
			DisputeID:              &dispute.ID,
			Type:                   domain.BalanceTransactionChargeback,
			IssuedGross:            issuedLeg(flow, totalCents, -p.TotalTransactionCents, p.Currency),
			IssuedNet:              issuedLeg(flow, totalCents, -p.SellerDebitCents(), p.Currency),
			HoldingGross:           domain.NewMoney(p.Currency, -p.TotalTransactionCents),
			HoldingNet:             domain.NewMoney(p.Currency, -p.SellerDebitCents()),
			RefundedNetCentsBefore: p.RefundedNetCents,
			CreatedAt:              now,
		}
		if err := e.applyToBalance(ctx, tx, sellerEntry, p.Currency); err != nil {
			return fmt.Errorf("Debit: seller %s: %w", p.SellerID, err)
		}

		if p.HasAffiliate() {
			affiliateEntry := &domain.BalanceTransaction{
				ID:                uuid.New(),
				UserID:            *p.AffiliateUserID,
				MerchantAccountID: PlatformMerchantAccountID,
				PurchaseID:        p.ID,
				DisputeID:         &dispute.ID,
				Type:              domain.BalanceTransactionChargeback,
				IssuedGross:       issuedLeg(flow, totalCents, -p.AffiliateCreditCents, p.Currency),
				IssuedNet:         issuedLeg(flow, totalCents, -p.AffiliateCreditCents, p.Currency),
				HoldingGross:      domain.NewMoney(p.Currency, -p.AffiliateCreditCents),
				HoldingNet:        domain.NewMoney(p.Currency, -p.AffiliateCreditCents),
				CreatedAt:         now,
			}
			if err := e.applyToBalance(ctx, tx, affiliateEntry, p.Currency); err != nil {
				return fmt.Errorf("Debit: affiliate %s: %w", *p.AffiliateUserID, err)
			}
			if err := e.affiliateCredits.RecordChargeback(ctx, tx, p.ID, *p.AffiliateUserID, p.AffiliateCreditCents); err != nil {
				return fmt.Errorf("Debit: %w", err)
			}
		}
	}

	return nil
}

// Reverse restores what Debit clawed back once a dispute is won, minus any
// portion already returned to the buyer by refunds issued while the dispute
// was open. Each party gets its own Credit referencing the dispute.
func (e *Engine) Reverse(ctx context.Context, tx *sql.Tx, purchases []*domain.Purchase, dispute *domain.Dispute, now time.Time) error {
	for _, p := range purchases {
		applied, err := e.transactions.ExistsForPurchase(ctx, tx, p.ID, p.SellerID, domain.BalanceTransactionChargebackReversal)
		if err != nil {
			return fmt.Errorf("Reverse: %w", err)
		}
		if applied {
			return fmt.Errorf("Reverse: purchase %s: %w", p.ID, domain.ErrBalanceAlreadyApplied)
		}

		// Offset whatever the seller already returned to the buyer through
		// refunds issued while the dispute was open, using the snapshot the
		// chargeback row carries for this purchase.
		chargebackRow, err := e.transactions.GetForPurchase(ctx, tx, p.ID, p.SellerID, domain.BalanceTransactionChargeback)
		if err != nil {
			return fmt.Errorf("Reverse: purchase %s: %w", p.ID, err)
		}
		sellerCredit := p.SellerDebitCents()
		if refundedDuringDispute := p.RefundedNetCents - chargebackRow.RefundedNetCentsBefore; refundedDuringDispute > 0 {
			sellerCredit -= refundedDuringDispute
		}
		if sellerCredit < 0 {
			sellerCredit = 0
		}

		sellerEntry := &domain.BalanceTransaction{
			ID:                uuid.New(),
			UserID:            p.SellerID,
			MerchantAccountID: p.MerchantAccountID,
			PurchaseID:        p.ID,
			DisputeID:         &dispute.ID,
			Type:              domain.BalanceTransactionChargebackReversal,
			IssuedGross:       domain.NewMoney(p.Currency, p.TotalTransactionCents),
			IssuedNet:         domain.NewMoney(p.Currency, sellerCredit),
			HoldingGross:      domain.NewMoney(p.Currency, p.TotalTransactionCents),
			HoldingNet:        domain.NewMoney(p.Currency, sellerCredit),
			CreatedAt:         now,
		}
		sellerBalanceAfter, err := e.applyToBalanceReturning(ctx, tx, sellerEntry, p.Currency)
		if err != nil {
			return fmt.Errorf("Reverse: seller %s: %w", p.SellerID, err)
		}

		if err := e.credits.Create(ctx, tx, &domain.Credit{
			ID:                     uuid.New(),
			UserID:                 p.SellerID,
			AmountCents:            sellerCredit,
			ChargebackedPurchaseID: p.ID,
			DisputeID:              dispute.ID,
			MerchantAccountID:      p.MerchantAccountID,
			BalanceCentsAfter:      sellerBalanceAfter,
			CreatedAt:              now,
		}); err != nil {
			return fmt.Errorf("Reverse: seller credit: %w", err)
		}

		if p.HasAffiliate() {
			affiliateEntry := &domain.BalanceTransaction{
				ID:                uuid.New(),
				UserID:            *p.AffiliateUserID,
				MerchantAccountID: PlatformMerchantAccountID,
				PurchaseID:        p.ID,
				DisputeID:         &dispute.ID,
				Type:              domain.BalanceTransactionChargebackReversal,
				IssuedGross:       domain.NewMoney(p.Currency, p.AffiliateCreditCents),
				IssuedNet:         domain.NewMoney(p.Currency, p.AffiliateCreditCents),
				HoldingGross:      domain.NewMoney(p.Currency, p.AffiliateCreditCents),
				HoldingNet:        domain.NewMoney(p.Currency, p.AffiliateCreditCents),
				CreatedAt:         now,
			}
			affiliateBalanceAfter, err := e.applyToBalanceReturning(ctx, tx, affiliateEntry, p.Currency)
			if err != nil {
				return fmt.Errorf("Reverse: affiliate %s: %w", *p.AffiliateUserID, err)
			}

			if err := e.credits.Create(ctx, tx, &domain.Credit{
				ID:                     uuid.New(),
				UserID:                 *p.AffiliateUserID,
				AmountCents:            p.AffiliateCreditCents,
				ChargebackedPurchaseID: p.ID,
				DisputeID:              dispute.ID,
				MerchantAccountID:      PlatformMerchantAccountID,
				BalanceCentsAfter:      affiliateBalanceAfter,
				CreatedAt:              now,
			}); err != nil {
				return fmt.Errorf("Reverse: affiliate credit: %w", err)
			}
			if err := e.affiliateCredits.RecordChargebackReversal(ctx, tx, p.ID, p.AffiliateCreditCents); err != nil {
				return fmt.Errorf("Reverse: %w", err)
			}
		}
	}

	return nil
}

// UpdateProcessorFee distributes a charge-level processor fee across member
// purchases so they always sum exactly to the reported total.
func (e *Engine) UpdateProcessorFee(ctx context.Context, charge *domain.Charge, totalFeeCents int64) error {
	shares, err := charge.DistributeProcessorFee(totalFeeCents)
	if err != nil {
		return fmt.Errorf("UpdateProcessorFee: %w", err)
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("UpdateProcessorFee: begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, share := range shares {
		if err := e.purchases.UpdateProcessorFee(ctx, tx, share.PurchaseID, share.FeeCents); err != nil {
			return fmt.Errorf("UpdateProcessorFee: %w", err)
		}
	}
	if err := e.charges.UpdateProcessorFee(ctx, tx, charge.ID, totalFeeCents); err != nil {
		return fmt.Errorf("UpdateProcessorFee: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("UpdateProcessorFee: commit: %w", err)
	}
	return nil
}

func (e *Engine) applyToBalance(ctx context.Context, tx *sql.Tx, entry *domain.BalanceTransaction, currency domain.CurrencyCode) error {
	_, err := e.applyToBalanceReturning(ctx, tx, entry, currency)
	return err
}

// applyToBalanceReturning locks the party's balance, stamps the entry with
// before/after snapshots, persists it and moves the balance by the entry's
// net issued amount.
func (e *Engine) applyToBalanceReturning(ctx context.Context, tx *sql.Tx, entry *domain.BalanceTransaction, currency domain.CurrencyCode) (int64, error) {
	bal, err := e.balances.GetForUpdate(ctx, tx, entry.UserID, entry.MerchantAccountID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return 0, fmt.Errorf("applyToBalance: %w", err)
		}
		bal = &domain.Balance{
			ID:                uuid.New(),
			UserID:            entry.UserID,
			MerchantAccountID: entry.MerchantAccountID,
			Currency:          currency,
			CreatedAt:         entry.CreatedAt,
		}
		if err := e.balances.CreateInTx(ctx, tx, bal); err != nil {
			return 0, fmt.Errorf("applyToBalance: %w", err)
		}
	}

	if bal.Currency != entry.HoldingNet.Currency {
		return 0, fmt.Errorf("applyToBalance: balance %s, entry %s: %w",
			bal.Currency, entry.HoldingNet.Currency, domain.ErrCurrencyMismatch)
	}

	newUnpaid := bal.UnpaidCents + entry.HoldingNet.Cents
	entry.UnpaidCentsBefore = bal.UnpaidCents
	entry.UnpaidCentsAfter = newUnpaid

	if err := e.transactions.Create(ctx, tx, entry); err != nil {
		return 0, fmt.Errorf("applyToBalance: %w", err)
	}
	if err := e.balances.UpdateBalance(ctx, tx, bal.ID, newUnpaid, bal.Version+1); err != nil {
		return 0, fmt.Errorf("applyToBalance: %w", err)
	}
	return newUnpaid, nil
}

func chargedTotal(purchases []*domain.Purchase) int64 {
	var total int64
	for _, p := range purchases {
		total += p.TotalTransactionCents
	}
	return total
}

// issuedLeg expresses a purchase-currency amount in the currency the charge
// was issued in. The rate is implied by the reported flow of funds: the
// processor states the issued total for the whole charge, so each member's
// share converts at issued-total over charged-total.
func issuedLeg(flow *domain.FlowOfFunds, totalCents, cents int64, purchaseCurrency domain.CurrencyCode) domain.Money {
	m := domain.NewMoney(purchaseCurrency, cents)
	if flow == nil || flow.Issued.Currency == purchaseCurrency || totalCents == 0 || flow.Issued.Cents == 0 {
		return m
	}
	rate := decimal.NewFromInt(flow.Issued.Cents).Abs().
		Div(decimal.NewFromInt(totalCents))
	return m.Convert(rate, flow.Issued.Currency)
}
