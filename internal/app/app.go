package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cveti/loyalty-bot/internal/api"
	"github.com/cveti/loyalty-bot/internal/api/middleware"
	"github.com/cveti/loyalty-bot/internal/config"
	"github.com/cveti/loyalty-bot/internal/db"
	"github.com/cveti/loyalty-bot/internal/gateway"
	"github.com/cveti/loyalty-bot/internal/idempotency"
	"github.com/cveti/loyalty-bot/internal/notify"
	"github.com/cveti/loyalty-bot/internal/observability"
	"github.com/cveti/loyalty-bot/internal/repository"
	"github.com/cveti/loyalty-bot/internal/service"
	"github.com/cveti/loyalty-bot/internal/worker"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Run bootstraps the HTTP server, the webhook pool and the loyalty sync
// worker, blocking until shutdown.
func Run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	observability.Init()
	middleware.SetJWTSecret(cfg.JWTSecret)
	middleware.SetJWTValidation(cfg.JWTIssuer, cfg.JWTAudience)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.Connect(ctx, cfg.DatabaseURL, db.WithApplicationName("cveti-loyalty"))
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool, logger); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	redisClient, err := newRedisClient(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer redisClient.Close()

	store := repository.NewStore(pool)
	queries := store.Queries()
	ledger := repository.NewLedgerRepository(store)
	idemStore := idempotency.NewStore(redisClient, pool, cfg.IdempotencyTTL)

	crm := gateway.NewYClients(gateway.Config{
		BaseURL:      cfg.YClientsBaseURL,
		PartnerToken: cfg.YClientsPartnerToken,
		UserToken:    cfg.YClientsUserToken,
		CompanyID:    cfg.YClientsCompanyID,
		Timeout:      cfg.CRMTimeout,
		MaxRetries:   cfg.CRMMaxRetries,
	})
	notifier := newNotifier(cfg.TelegramBotToken)

	settingsSvc := service.NewSettingsService(queries, redisClient, cfg.SettingsCacheTTL, service.SettingsDefaults{
		LoyaltyPercentage:  cfg.LoyaltyPercentage,
		MaxSpendPercentage: cfg.MaxSpendPercentage,
		ExpirationDays:     cfg.ExpirationDays,
		WelcomeBonus:       cfg.WelcomeBonus,
	})
	reader := service.NewBalanceReader(crm, queries)
	reconcileSvc := service.NewReconciliationService(queries, ledger, reader, settingsSvc)
	spendSvc := service.NewSpendService(ledger, settingsSvc)
	visitSvc := service.NewVisitService(queries, queries, crm, reader)
	customerSvc := service.NewCustomerService(queries, ledger, reconcileSvc, settingsSvc, visitSvc)

	journal := service.NewWebhookJournal(store, service.NewAuditService())
	deduper := idempotency.NewDeduper(redisClient, cfg.WebhookDedupTTL)
	webhookSvc := service.NewWebhookService(cfg.WebhookSecret, journal, deduper, queries, reconcileSvc, notifier)
	webhookPool := worker.NewWebhookPool(webhookSvc, cfg.WebhookWorkers, cfg.WebhookQueue).WithJobTimeout(2 * cfg.CRMTimeout)
	webhookSvc.WithQueue(webhookPool)
	webhookPool.Start(ctx)

	syncWorker := worker.NewSyncWorker(reconcileSvc).
		WithInterval(cfg.SyncInterval).
		WithDelay(cfg.SyncDelay)
	stopWorker := syncWorker.Run(ctx)
	logger.Info("loyalty sync worker started", zap.Duration("interval", cfg.SyncInterval), zap.Duration("delay", cfg.SyncDelay))

	router := api.NewRouter(cfg, logger, api.Dependencies{
		DB:          pool,
		Redis:       redisClient,
		Idempotency: idemStore,
		Webhooks:    webhookSvc,
		Customers:   customerSvc,
		Visits:      visitSvc,
		Spender:     spendSvc,
		Settings:    settingsSvc,
	})

	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2*cfg.CRMTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("port", cfg.HTTPPort))
		serverErr <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", zap.Error(err))
	}

	logger.Info("stopping workers")
	stopWorker()
	webhookPool.Stop()

	logger.Info("shutdown complete")
	return nil
}

func newNotifier(token string) service.Notifier {
	if token == "" {
		zap.L().Warn("TELEGRAM_BOT_TOKEN not set, notifications disabled")
		return notify.Noop{}
	}
	tg, err := notify.NewTelegram(token)
	if err != nil {
		zap.L().Error("telegram notifier unavailable, notifications disabled", zap.Error(err))
		return notify.Noop{}
	}
	return tg
}

// newLogger builds the production JSON logger. Unknown levels mean info.
func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	lvl, err := zapcore.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.InitialFields = map[string]interface{}{"service": "cveti-loyalty"}
	return cfg.Build()
}

func newRedisClient(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}
