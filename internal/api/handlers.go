/**
 * @description
 * This file contains the HTTP handler functions for the affiliate subscription service.
 * Handlers parse requests, call the lifecycle service, and map its sentinel errors onto
 * HTTP status codes.
 */
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/transfa/affiliate-subscription-service/internal/app"
	"github.com/transfa/affiliate-subscription-service/internal/domain"
	"github.com/transfa/affiliate-subscription-service/internal/store"
	"github.com/transfa/affiliate-subscription-service/pkg/validation"
)

// LifecycleService is the subset of app.Service used by the HTTP layer.
type LifecycleService interface {
	GetSubscriptionStatus(ctx context.Context, userAddress string) domain.SubscriptionStatus
	HasActiveSubscription(ctx context.Context, userAddress string) bool
	GetPriceQuote(ctx context.Context) domain.PriceQuote
	GetSubscriptionHistory(ctx context.Context, userAddress string) ([]domain.Subscription, error)
	CreateSubscription(ctx context.Context, userAddress string, quote domain.PriceQuote, transactionReference string) (*domain.Subscription, error)
	VerifyAndActivateSubscription(ctx context.Context, transactionReference string) bool
	StartTrial(ctx context.Context, userAddress string) (domain.SubscriptionStatus, error)
	SetAutoRenew(ctx context.Context, userAddress string, autoRenew bool) error
	CancelSubscription(ctx context.Context, userAddress string) error
	ApplySubscriptionBonus(ctx context.Context, userAddress string, bonusDays int, bonusEventID string, source domain.BonusSource, referenceID string) bool
	HandleBonusEvent(ctx context.Context, req app.BonusEventRequest) (app.BonusEventOutcome, error)
	ReprocessBonusEvent(ctx context.Context, bonusEventID string) (*domain.BonusEvent, error)
	ListUnappliedBonusEvents(ctx context.Context, olderThan time.Duration, limit int) ([]domain.BonusEvent, error)
}

// Handler holds the application service that handlers will interact with.
type Handler struct {
	service LifecycleService
	logger  *slog.Logger
	now     func() time.Time
}

// NewHandler creates a new Handler with the given service.
func NewHandler(service LifecycleService, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, logger: logger, now: time.Now}
}

func (h *Handler) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	userAddress, ok := UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	respondWithJSON(w, http.StatusOK, h.service.GetSubscriptionStatus(r.Context(), userAddress))
}

func (h *Handler) handleGetAccess(w http.ResponseWriter, r *http.Request) {
	userAddress, ok := UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]bool{
		"has_active_subscription": h.service.HasActiveSubscription(r.Context(), userAddress),
	})
}

func (h *Handler) handleGetPriceQuote(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.service.GetPriceQuote(r.Context()))
}

type createSubscriptionRequest struct {
	TransactionReference string             `json:"transaction_reference"`
	Quote                *domain.PriceQuote `json:"quote,omitempty"`
}

// quoteFXTolerance is how far a client quote's rate may drift from the live rate.
var quoteFXTolerance = decimal.RequireFromString("0.01")

// handleCreateSubscription records a pending subscription. A client that shows the user a
// quote sends it back; it is honoured only while unexpired and close to the live quote.
func (h *Handler) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	userAddress, ok := UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req createSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	quote := h.service.GetPriceQuote(r.Context())
	if req.Quote != nil {
		if req.Quote.Stale(h.now()) {
			http.Error(w, "Price quote has expired; request a new quote", http.StatusConflict)
			return
		}
		if !quoteMatches(*req.Quote, quote) {
			http.Error(w, "Price quote no longer matches the current price; request a new quote", http.StatusConflict)
			return
		}
		quote = *req.Quote
	}

	sub, err := h.service.CreateSubscription(r.Context(), userAddress, quote, req.TransactionReference)
	if err != nil {
		h.writeServiceError(w, "create subscription", err)
		return
	}

	respondWithJSON(w, http.StatusCreated, sub)
}

// quoteMatches reports whether a client quote is for the live price at a rate within
// quoteFXTolerance of the live rate.
func quoteMatches(client, live domain.PriceQuote) bool {
	if !client.USDPrice.Equal(live.USDPrice) || !live.FXRate.IsPositive() {
		return false
	}
	drift := client.FXRate.Sub(live.FXRate).Abs()
	return !drift.GreaterThan(live.FXRate.Mul(quoteFXTolerance))
}

func (h *Handler) handleVerifySubscription(w http.ResponseWriter, r *http.Request) {
	if _, ok := UserFromContext(r.Context()); !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		TransactionReference string `json:"transaction_reference"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.TransactionReference) == "" {
		http.Error(w, "transaction_reference is required", http.StatusBadRequest)
		return
	}

	activated := h.service.VerifyAndActivateSubscription(r.Context(), req.TransactionReference)
	respondWithJSON(w, http.StatusOK, map[string]bool{"activated": activated})
}

func (h *Handler) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	userAddress, ok := UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	history, err := h.service.GetSubscriptionHistory(r.Context(), userAddress)
	if err != nil {
		h.writeServiceError(w, "subscription history", err)
		return
	}
	if history == nil {
		history = []domain.Subscription{}
	}

	respondWithJSON(w, http.StatusOK, history)
}

func (h *Handler) handleStartTrial(w http.ResponseWriter, r *http.Request) {
	userAddress, ok := UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	status, err := h.service.StartTrial(r.Context(), userAddress)
	if err != nil {
		h.writeServiceError(w, "start trial", err)
		return
	}

	respondWithJSON(w, http.StatusOK, status)
}

// handleSetAutoRenew handles the request to toggle a user's auto-renewal setting.
func (h *Handler) handleSetAutoRenew(w http.ResponseWriter, r *http.Request) {
	userAddress, ok := UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		AutoRenew *bool `json:"auto_renew"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AutoRenew == nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.service.SetAutoRenew(r.Context(), userAddress, *req.AutoRenew); err != nil {
		h.writeServiceError(w, "set auto-renew", err)
		return
	}

	respondWithJSON(w, http.StatusOK, h.service.GetSubscriptionStatus(r.Context(), userAddress))
}

type bonusEventRequest struct {
	UserAddress                string  `json:"user_address"`
	SourcePurchaseID           string  `json:"source_purchase_id"`
	SourceTransactionReference string  `json:"source_transaction_reference"`
	CampaignID                 *string `json:"campaign_id,omitempty"`
	BonusDays                  int     `json:"bonus_days"`
}

var bonusOutcomeNames = map[app.BonusEventOutcome]string{
	app.BonusEventApplied:     "applied",
	app.BonusEventDuplicate:   "duplicate",
	app.BonusEventNotRecorded: "not_recorded",
	app.BonusEventUnapplied:   "unapplied",
}

func (h *Handler) handleRecordBonusEvent(w http.ResponseWriter, r *http.Request) {
	var req bonusEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.SourcePurchaseID) == "" {
		http.Error(w, "source_purchase_id is required", http.StatusBadRequest)
		return
	}
	if req.BonusDays < 0 {
		http.Error(w, "bonus_days must not be negative", http.StatusBadRequest)
		return
	}

	outcome, err := h.service.HandleBonusEvent(r.Context(), app.BonusEventRequest{
		UserAddress:                req.UserAddress,
		SourcePurchaseID:           req.SourcePurchaseID,
		SourceTransactionReference: req.SourceTransactionReference,
		CampaignID:                 req.CampaignID,
		BonusDays:                  req.BonusDays,
	})

	body := map[string]string{"outcome": bonusOutcomeNames[outcome]}
	switch outcome {
	case app.BonusEventApplied:
		respondWithJSON(w, http.StatusCreated, body)
	case app.BonusEventDuplicate:
		respondWithJSON(w, http.StatusOK, body)
	case app.BonusEventUnapplied:
		h.logger.Error("bonus event recorded but not applied", "source_purchase_id", req.SourcePurchaseID, "error", err)
		respondWithJSON(w, http.StatusAccepted, body)
	default:
		h.writeServiceError(w, "record bonus event", err)
	}
}

type applyBonusRequest struct {
	BonusDays    int    `json:"bonus_days"`
	BonusEventID string `json:"bonus_event_id"`
	Source       string `json:"source"`
	ReferenceID  string `json:"reference_id"`
}

func (h *Handler) handleApplyBonus(w http.ResponseWriter, r *http.Request) {
	userAddress, ok := addressParam(w, r)
	if !ok {
		return
	}

	var req applyBonusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.BonusDays <= 0 {
		http.Error(w, "bonus_days must be positive", http.StatusBadRequest)
		return
	}
	source, err := domain.ParseBonusSource(req.Source)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if !h.service.ApplySubscriptionBonus(r.Context(), userAddress, req.BonusDays, req.BonusEventID, source, req.ReferenceID) {
		http.Error(w, "Bonus could not be applied", http.StatusInternalServerError)
		return
	}

	respondWithJSON(w, http.StatusOK, h.service.GetSubscriptionStatus(r.Context(), userAddress))
}

func (h *Handler) handleGetUserStatusInternal(w http.ResponseWriter, r *http.Request) {
	userAddress, ok := addressParam(w, r)
	if !ok {
		return
	}

	respondWithJSON(w, http.StatusOK, h.service.GetSubscriptionStatus(r.Context(), userAddress))
}

func (h *Handler) handleCancelInternal(w http.ResponseWriter, r *http.Request) {
	userAddress, ok := addressParam(w, r)
	if !ok {
		return
	}

	if err := h.service.CancelSubscription(r.Context(), userAddress); err != nil {
		h.writeServiceError(w, "cancel subscription", err)
		return
	}

	respondWithJSON(w, http.StatusOK, h.service.GetSubscriptionStatus(r.Context(), userAddress))
}

func (h *Handler) handleListUnappliedBonusEvents(w http.ResponseWriter, r *http.Request) {
	olderThan := time.Duration(0)
	if raw := r.URL.Query().Get("older_than_minutes"); raw != "" {
		minutes, err := strconv.Atoi(raw)
		if err != nil || minutes < 0 {
			http.Error(w, "older_than_minutes must be a non-negative integer", http.StatusBadRequest)
			return
		}
		olderThan = time.Duration(minutes) * time.Minute
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 500 {
			http.Error(w, "limit must be between 1 and 500", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	events, err := h.service.ListUnappliedBonusEvents(r.Context(), olderThan, limit)
	if err != nil {
		h.writeServiceError(w, "list unapplied bonus events", err)
		return
	}
	if events == nil {
		events = []domain.BonusEvent{}
	}

	respondWithJSON(w, http.StatusOK, events)
}

func (h *Handler) handleReprocessBonusEvent(w http.ResponseWriter, r *http.Request) {
	bonusEventID := chi.URLParam(r, "id")
	if bonusEventID == "" {
		http.Error(w, "Bonus event ID is required", http.StatusBadRequest)
		return
	}

	event, err := h.service.ReprocessBonusEvent(r.Context(), bonusEventID)
	if err != nil {
		h.writeServiceError(w, "reprocess bonus event", err)
		return
	}

	respondWithJSON(w, http.StatusOK, event)
}

func addressParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	address, err := validation.ValidateAndNormalizeAddress(chi.URLParam(r, "address"))
	if err != nil {
		http.Error(w, "Invalid wallet address", http.StatusBadRequest)
		return "", false
	}
	return address, true
}

// writeServiceError maps service and store errors onto HTTP status codes.
func (h *Handler) writeServiceError(w http.ResponseWriter, operation string, err error) {
	switch {
	case err == nil:
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	case errors.Is(err, app.ErrInvalidUserAddress),
		errors.Is(err, app.ErrInvalidQuote),
		errors.Is(err, app.ErrInvalidTransactionReference),
		errors.Is(err, app.ErrInvalidBonus):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, app.ErrDuplicateTransactionReference),
		errors.Is(err, app.ErrBonusEventAlreadyApplied):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, store.ErrProfileNotFound),
		errors.Is(err, store.ErrSubscriptionNotFound),
		errors.Is(err, store.ErrPaymentNotFound),
		errors.Is(err, store.ErrBonusEventNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, app.ErrConcurrentUpdate),
		errors.Is(err, app.ErrLockTimeout):
		http.Error(w, "Subscription is busy; retry shortly", http.StatusServiceUnavailable)
	default:
		h.logger.Error("request failed", "operation", operation, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// respondWithJSON is a helper function to write JSON responses.
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
