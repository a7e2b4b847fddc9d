package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gumroad/dispute-engine/internal/config"
	"github.com/gumroad/dispute-engine/internal/domain"
	"github.com/gumroad/dispute-engine/internal/logging"
	"github.com/gumroad/dispute-engine/internal/repository"
	"github.com/gumroad/dispute-engine/internal/service"
	"github.com/gumroad/dispute-engine/internal/service/reconcile"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.Init("dispute-engine", cfg.LogLevel, cfg.AppEnv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := repository.NewPostgresDB(ctx, cfg.DatabaseURL, repository.PoolConfig{
		MaxOpenConns:     cfg.DBMaxOpenConns,
		MaxIdleConns:     cfg.DBMaxIdleConns,
		ConnMaxLifetimeS: cfg.DBConnMaxLifetimeS,
		ConnMaxIdleTimeS: cfg.DBConnMaxIdleTimeS,
	})
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	purchaseRepo := repository.NewPurchaseRepository(db)
	chargeRepo := repository.NewChargeRepository(db)
	disputeRepo := repository.NewDisputeRepository(db)
	subscriptionRepo := repository.NewSubscriptionRepository(db)
	balanceRepo := repository.NewBalanceRepository(db)
	balanceTxRepo := repository.NewBalanceTransactionRepository(db)
	creditRepo := repository.NewCreditRepository(db)
	affiliateCreditRepo := repository.NewAffiliateCreditRepository(db)
	eventRepo := repository.NewProcessorEventRepository(db)

	engine := reconcile.NewEngine(balanceRepo, balanceTxRepo, creditRepo, affiliateCreditRepo, purchaseRepo, chargeRepo, db)
	resolver := service.NewChargeableResolver(purchaseRepo, chargeRepo)

	dispatcher := service.NewDispatcher(
		resolver,
		purchaseRepo,
		disputeRepo,
		subscriptionRepo,
		engine,
		logNotifier{logger},
		logEvidenceAssembler{logger},
		logChargebackFighter{logger},
		logAlertSink{logger},
		db,
		logger,
	)

	processor := service.NewEventProcessor(
		eventRepo,
		dispatcher,
		db,
		logger,
		time.Duration(cfg.EventPollIntervalS)*time.Second,
		cfg.EventBatchSize,
	)
	go processor.Start(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handleHealth)

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("server started", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]string{"status": "ok"}); err != nil {
		slog.Error("failed to write health response", "error", err)
	}
}

// The collaborator wiring below logs instead of talking to mail, evidence,
// or processor systems. The host application swaps in real implementations.

type logNotifier struct{ logger *slog.Logger }

func (n logNotifier) Notify(ctx context.Context, kind service.NotificationKind, chargeable domain.Chargeable) {
	n.logger.InfoContext(ctx, "notification",
		"kind", kind,
		"seller_id", chargeable.SellerID(),
		"reference", chargeable.ChargeReference(),
	)
}

type logEvidenceAssembler struct{ logger *slog.Logger }

func (a logEvidenceAssembler) CreateEvidenceIfNeeded(ctx context.Context, purchase *domain.Purchase) (bool, error) {
	a.logger.InfoContext(ctx, "evidence requested", "purchase_id", purchase.ID)
	return true, nil
}

type logChargebackFighter struct{ logger *slog.Logger }

func (f logChargebackFighter) Enqueue(ctx context.Context, processor domain.Processor, transactionID string) {
	f.logger.InfoContext(ctx, "chargeback fight enqueued",
		"processor", processor,
		"transaction_id", transactionID,
	)
}

type logAlertSink struct{ logger *slog.Logger }

func (s logAlertSink) Alert(ctx context.Context, message string) {
	s.logger.WarnContext(ctx, "anomaly alert", "message", message)
}
