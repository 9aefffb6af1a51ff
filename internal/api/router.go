package api

import (
	"net/http"
	"time"

	"github.com/cveti/loyalty-bot/internal/api/handler"
	"github.com/cveti/loyalty-bot/internal/api/middleware"
	"github.com/cveti/loyalty-bot/internal/api/spec"
	"github.com/cveti/loyalty-bot/internal/config"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	httpSwagger "github.com/swaggo/http-swagger/v2"
	"go.uber.org/zap"
)

// Dependencies are the collaborators the HTTP layer needs. Nil Idempotency
// disables the Idempotency-Key contract; nil Redis skips its readiness check.
type Dependencies struct {
	DB          handler.Pinger
	Redis       redis.Cmdable
	Idempotency middleware.IdempotencyStore
	Webhooks    handler.WebhookAcceptor
	Customers   CustomerService
	Visits      handler.VisitsAPI
	Spender     handler.Spender
	Settings    handler.SettingsAdmin
}

// CustomerService is the union of the customer-facing and admin surfaces
// of *service.CustomerService.
type CustomerService interface {
	handler.CustomerAPI
	handler.CustomerAdmin
}

type Router struct {
	cfg    *config.Config
	logger *zap.Logger
	deps   Dependencies
}

func NewRouter(cfg *config.Config, logger *zap.Logger, deps Dependencies) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{cfg: cfg, logger: logger, deps: deps}
}

func (api *Router) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.TraceMiddleware)
	r.Use(middleware.RecoverMiddleware(api.logger))
	r.Use(middleware.LoggingMiddleware(api.logger))
	r.Use(middleware.MetricsMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins(api.cfg.CORSOrigins),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", middleware.InitDataHeader, "Idempotency-Key", "X-Trace-ID"},
		ExposedHeaders: []string{"X-Trace-ID", "X-Idempotent-Replay"},
		MaxAge:         300,
	}))

	healthHandler := handler.NewHealthHandler(api.deps.DB, api.deps.Redis)
	webhookHandler := handler.NewWebhookHandler(api.deps.Webhooks)
	appHandler := handler.NewAppHandler(api.deps.Customers, api.deps.Visits, api.deps.Spender)
	adminHandler := handler.NewAdminHandler(api.deps.Customers, api.deps.Settings)
	authHandler := handler.NewAuthHandler(api.cfg.IsAdmin, 12*time.Hour)
	idempotent := middleware.IdempotencyMiddleware(api.deps.Idempotency, api.logger)

	// Ops
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/openapi.yaml", spec.OpenAPIHandler())
	r.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL("/openapi.yaml")))

	// YClients
	r.Group(func(r chi.Router) {
		r.Use(middleware.PublicRateLimiter(api.cfg.PublicRateLimitRPS))
		r.Post("/webhook/yclients", webhookHandler.HandlePayment)
		r.Post("/webhook/yclients/callback", webhookHandler.HandleCallback)
	})

	// Telegram Mini-App
	r.Route("/api/app", func(r chi.Router) {
		r.Use(middleware.TelegramAuth(api.cfg.TelegramBotToken, api.cfg.InitDataMaxAge))
		r.Use(middleware.AuthRateLimiter(api.cfg.AuthRateLimitRPS))

		r.Post("/register", appHandler.Register)
		r.Get("/profile", appHandler.Profile)
		r.Get("/balance", appHandler.Balance)
		r.Get("/transactions", appHandler.Transactions)
		r.Get("/visits", appHandler.Visits)
		r.Get("/cashback", appHandler.Cashback)
		r.With(idempotent).Post("/spend", appHandler.Spend)
		r.Post("/admin/token", authHandler.AdminToken)
	})

	// Admin
	r.Route("/v1/admin", func(r chi.Router) {
		r.Use(middleware.AuthMiddleware)
		r.Use(middleware.RequireRole(middleware.RoleAdmin))
		r.Use(middleware.AuthRateLimiter(api.cfg.AuthRateLimitRPS))

		r.Get("/customers/{id}/transactions", adminHandler.Transactions)
		r.With(idempotent).Post("/customers/{id}/adjust", adminHandler.Adjust)
		r.Post("/customers/{id}/sync", adminHandler.Sync)
		r.Get("/settings", adminHandler.ListSettings)
		r.Put("/settings/{key}", adminHandler.UpdateSetting)
	})

	return r
}

func corsOrigins(configured []string) []string {
	if len(configured) == 0 {
		return []string{"*"}
	}
	return configured
}
