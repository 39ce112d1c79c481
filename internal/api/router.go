/**
 * @description
 * This file sets up the HTTP router for the affiliate subscription service using go-chi/chi.
 * Wallet routes authenticate with a JWT whose subject is the wallet address; /internal routes
 * authenticate with the shared internal API key.
 */
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions bundles the security settings the router needs.
type RouterOptions struct {
	Auth             AuthOptions
	InternalKey      string
	IdempotencyStore IdempotencyStore
	RateLimiter      RateLimiter
	// PaymentRateLimit caps subscription creation and verification per wallet per minute.
	PaymentRateLimit int
	Logger           *slog.Logger
}

// NewRouter creates a new Chi router and registers the subscription routes.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Internal-API-Key", IdempotencyKeyHeader},
		ExposedHeaders:   []string{"Link", "X-Idempotency-Replayed"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Affiliate subscription service is healthy"))
	})

	r.Group(func(r chi.Router) {
		r.Use(WalletAuthMiddleware(opts.Auth))
		r.Use(Idempotency(opts.IdempotencyStore, logger))

		r.Get("/status", h.handleGetStatus)
		r.Get("/access", h.handleGetAccess)
		r.Get("/price-quote", h.handleGetPriceQuote)
		r.Group(func(r chi.Router) {
			r.Use(WalletRateLimit(opts.RateLimiter, "payments", opts.PaymentRateLimit, time.Minute, logger))
			r.Post("/subscriptions", h.handleCreateSubscription)
			r.Post("/subscriptions/verify", h.handleVerifySubscription)
		})
		r.Get("/subscriptions/history", h.handleGetHistory)
		r.Post("/trial", h.handleStartTrial)
		r.Put("/auto-renew", h.handleSetAutoRenew)
	})

	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(opts.InternalKey))
		r.Use(Idempotency(opts.IdempotencyStore, logger))

		r.Post("/bonus-events", h.handleRecordBonusEvent)
		r.Get("/bonus-events/unapplied", h.handleListUnappliedBonusEvents)
		r.Post("/bonus-events/{id}/reprocess", h.handleReprocessBonusEvent)
		r.Post("/users/{address}/bonus", h.handleApplyBonus)
		r.Get("/users/{address}/status", h.handleGetUserStatusInternal)
		r.Post("/users/{address}/cancel", h.handleCancelInternal)
	})

	return r
}
