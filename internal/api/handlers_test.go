package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/transfa/affiliate-subscription-service/internal/app"
	"github.com/transfa/affiliate-subscription-service/internal/domain"
	"github.com/transfa/affiliate-subscription-service/internal/store"
)

func TestHandleGetStatus_UsesWalletFromToken(t *testing.T) {
	stub := &serviceStub{status: domain.SubscriptionStatus{Status: domain.ProfileActive, IsActive: true, DaysRemaining: 12}}
	srv := newTestServer(t, stub)

	rec := srv.walletRequest(t, http.MethodGet, "/status", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got domain.SubscriptionStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.IsActive || got.DaysRemaining != 12 {
		t.Fatalf("unexpected status %+v", got)
	}
	if len(stub.statusFor) != 1 || stub.statusFor[0] != testAddress {
		t.Fatalf("expected status lookup for %s, got %v", testAddress, stub.statusFor)
	}
}

func TestHandleGetAccess(t *testing.T) {
	srv := newTestServer(t, &serviceStub{status: domain.SubscriptionStatus{Status: domain.ProfileTrial, IsActive: true}})

	rec := srv.walletRequest(t, http.MethodGet, "/access", "")

	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"has_active_subscription":true`) {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body.String())
	}
}

func TestHandleCreateSubscription(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clientQuote := func(mutate func(q *domain.PriceQuote)) domain.PriceQuote {
		q := testQuote(now.Add(time.Minute))
		if mutate != nil {
			mutate(&q)
		}
		return q
	}

	tests := []struct {
		name            string
		body            string
		serverFX        string
		createErr       error
		wantStatus      int
		wantCreate      bool
		wantServerQuote bool
	}{
		{
			name:            "fresh quote from service when none sent",
			body:            `{"transaction_reference":"0xabc"}`,
			wantStatus:      http.StatusCreated,
			wantCreate:      true,
			wantServerQuote: true,
		},
		{
			name:       "client quote still valid",
			body:       quoteBody(t, "0xabc", clientQuote(nil)),
			wantStatus: http.StatusCreated,
			wantCreate: true,
		},
		{
			name:       "client quote within rate tolerance",
			body:       quoteBody(t, "0xabc", clientQuote(nil)),
			serverFX:   "2.01",
			wantStatus: http.StatusCreated,
			wantCreate: true,
		},
		{
			name:       "client rate far from live rate",
			body:       quoteBody(t, "0xabc", clientQuote(nil)),
			serverFX:   "4",
			wantStatus: http.StatusConflict,
		},
		{
			name: "client price differs from live price",
			body: quoteBody(t, "0xabc", clientQuote(func(q *domain.PriceQuote) {
				q.USDPrice = decimal.RequireFromString("0.01")
				q.SettlementAmount = decimal.RequireFromString("0.005")
			})),
			wantStatus: http.StatusConflict,
		},
		{
			name:       "stale client quote",
			body:       quoteBody(t, "0xabc", testQuote(now.Add(-time.Second))),
			wantStatus: http.StatusConflict,
		},
		{
			name: "under-priced client quote is rejected by the service",
			body: quoteBody(t, "tx-cheap", clientQuote(func(q *domain.PriceQuote) {
				q.SettlementAmount = decimal.RequireFromString("0.000000001")
			})),
			createErr:  app.ErrInvalidQuote,
			wantStatus: http.StatusBadRequest,
			wantCreate: true,
		},
		{
			name:            "duplicate transaction reference",
			body:            `{"transaction_reference":"0xabc"}`,
			createErr:       app.ErrDuplicateTransactionReference,
			wantStatus:      http.StatusConflict,
			wantCreate:      true,
			wantServerQuote: true,
		},
		{
			name:            "missing transaction reference",
			body:            `{}`,
			createErr:       app.ErrInvalidTransactionReference,
			wantStatus:      http.StatusBadRequest,
			wantCreate:      true,
			wantServerQuote: true,
		},
		{
			name:            "store failure is hidden",
			body:            `{"transaction_reference":"0xabc"}`,
			createErr:       errors.New("connection reset"),
			wantStatus:      http.StatusInternalServerError,
			wantCreate:      true,
			wantServerQuote: true,
		},
		{
			name:       "malformed body",
			body:       `{`,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			serverQuote := testQuote(now.Add(5 * time.Minute))
			if tt.serverFX != "" {
				serverQuote.FXRate = decimal.RequireFromString(tt.serverFX)
			}
			stub := &serviceStub{quote: serverQuote, createErr: tt.createErr}
			srv := newTestServer(t, stub)

			rec := srv.walletRequest(t, http.MethodPost, "/subscriptions", tt.body)

			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d (%s)", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if (stub.createCalls == 1) != tt.wantCreate {
				t.Fatalf("expected create called=%v, got %d calls", tt.wantCreate, stub.createCalls)
			}
			if tt.wantCreate && tt.wantServerQuote != stub.createQuote.ValidUntil.Equal(serverQuote.ValidUntil) {
				t.Fatalf("unexpected quote passed to service: %+v", stub.createQuote)
			}
			if strings.Contains(rec.Body.String(), "connection reset") {
				t.Fatal("internal error details leaked to client")
			}
		})
	}
}

func quoteBody(t *testing.T, txRef string, quote domain.PriceQuote) string {
	t.Helper()
	body, err := json.Marshal(createSubscriptionRequest{TransactionReference: txRef, Quote: &quote})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(body)
}

func TestHandleVerifySubscription(t *testing.T) {
	srv := newTestServer(t, &serviceStub{verifyResult: true})

	rec := srv.walletRequest(t, http.MethodPost, "/subscriptions/verify", `{"transaction_reference":"0xabc"}`)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"activated":true`) {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body.String())
	}

	rec = srv.walletRequest(t, http.MethodPost, "/subscriptions/verify", `{"transaction_reference":"  "}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank reference, got %d", rec.Code)
	}
}

func TestHandleGetHistory_EmptyIsArray(t *testing.T) {
	srv := newTestServer(t, &serviceStub{})

	rec := srv.walletRequest(t, http.MethodGet, "/subscriptions/history", "")

	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("expected empty array, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestHandleSetAutoRenew(t *testing.T) {
	stub := &serviceStub{}
	srv := newTestServer(t, stub)

	rec := srv.walletRequest(t, http.MethodPut, "/auto-renew", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 when auto_renew is missing, got %d", rec.Code)
	}

	rec = srv.walletRequest(t, http.MethodPut, "/auto-renew", `{"auto_renew":false}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if stub.autoRenew == nil || *stub.autoRenew {
		t.Fatalf("expected auto-renew set to false, got %v", stub.autoRenew)
	}
}

func TestHandleRecordBonusEvent(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		outcome     app.BonusEventOutcome
		err         error
		wantStatus  int
		wantOutcome string
	}{
		{
			name:        "applied",
			body:        `{"user_address":"0xa1","source_purchase_id":"p-1","bonus_days":7}`,
			outcome:     app.BonusEventApplied,
			wantStatus:  http.StatusCreated,
			wantOutcome: "applied",
		},
		{
			name:        "duplicate",
			body:        `{"user_address":"0xa1","source_purchase_id":"p-1"}`,
			outcome:     app.BonusEventDuplicate,
			wantStatus:  http.StatusOK,
			wantOutcome: "duplicate",
		},
		{
			name:        "recorded but unapplied",
			body:        `{"user_address":"0xa1","source_purchase_id":"p-1"}`,
			outcome:     app.BonusEventUnapplied,
			err:         errors.New("lock timeout"),
			wantStatus:  http.StatusAccepted,
			wantOutcome: "unapplied",
		},
		{
			name:       "invalid address",
			body:       `{"user_address":"nope","source_purchase_id":"p-1"}`,
			outcome:    app.BonusEventNotRecorded,
			err:        fmt.Errorf("%w: bad hex", app.ErrInvalidUserAddress),
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing purchase id",
			body:       `{"user_address":"0xa1"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "negative days",
			body:       `{"user_address":"0xa1","source_purchase_id":"p-1","bonus_days":-1}`,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := &serviceStub{eventOutcome: tt.outcome, eventErr: tt.err}
			srv := newTestServer(t, stub)

			rec := srv.internalRequest(http.MethodPost, "/internal/bonus-events", tt.body)

			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d (%s)", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if tt.wantOutcome != "" && !strings.Contains(rec.Body.String(), `"outcome":"`+tt.wantOutcome+`"`) {
				t.Fatalf("expected outcome %q in %s", tt.wantOutcome, rec.Body.String())
			}
		})
	}
}

func TestHandleRecordBonusEvent_RequiresInternalKey(t *testing.T) {
	srv := newTestServer(t, &serviceStub{})

	rec := srv.walletRequest(t, http.MethodPost, "/internal/bonus-events", `{"user_address":"0xa1","source_purchase_id":"p-1"}`)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected wallet token to be rejected on internal route, got %d", rec.Code)
	}
}

func TestHandleApplyBonus(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		body       string
		applied    bool
		wantStatus int
	}{
		{name: "applied", path: "/internal/users/0xa1/bonus", body: `{"bonus_days":3,"source":"promotion"}`, applied: true, wantStatus: http.StatusOK},
		{name: "invalid address", path: "/internal/users/xyz/bonus", body: `{"bonus_days":3,"source":"promotion"}`, wantStatus: http.StatusBadRequest},
		{name: "unknown source", path: "/internal/users/0xa1/bonus", body: `{"bonus_days":3,"source":"lottery"}`, wantStatus: http.StatusBadRequest},
		{name: "zero days", path: "/internal/users/0xa1/bonus", body: `{"bonus_days":0,"source":"promotion"}`, wantStatus: http.StatusBadRequest},
		{name: "not applied", path: "/internal/users/0xa1/bonus", body: `{"bonus_days":3,"source":"manual"}`, wantStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := &serviceStub{bonusApplied: tt.applied}
			srv := newTestServer(t, stub)

			rec := srv.internalRequest(http.MethodPost, tt.path, tt.body)

			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d (%s)", tt.wantStatus, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestHandleCancelInternal_UnknownUser(t *testing.T) {
	srv := newTestServer(t, &serviceStub{cancelErr: store.ErrProfileNotFound})

	rec := srv.internalRequest(http.MethodPost, "/internal/users/0xa1/cancel", "")

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleReprocessBonusEvent(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{name: "reprocessed", wantStatus: http.StatusOK},
		{name: "unknown event", err: store.ErrBonusEventNotFound, wantStatus: http.StatusNotFound},
		{name: "already applied", err: app.ErrBonusEventAlreadyApplied, wantStatus: http.StatusConflict},
		{name: "busy", err: fmt.Errorf("lock user: %w", app.ErrLockTimeout), wantStatus: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := &serviceStub{reprocessErr: tt.err, reprocessEvent: &domain.BonusEvent{ID: "evt-1", BonusApplied: true}}
			srv := newTestServer(t, stub)

			rec := srv.internalRequest(http.MethodPost, "/internal/bonus-events/evt-1/reprocess", "")

			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d (%s)", tt.wantStatus, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestHandleListUnappliedBonusEvents(t *testing.T) {
	stub := &serviceStub{}
	srv := newTestServer(t, stub)

	rec := srv.internalRequest(http.MethodGet, "/internal/bonus-events/unapplied?older_than_minutes=30&limit=20", "")
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("unexpected response %d %q", rec.Code, rec.Body.String())
	}
	if stub.unappliedAge != 30*time.Minute || stub.unappliedLimit != 20 {
		t.Fatalf("unexpected query forwarded: age=%s limit=%d", stub.unappliedAge, stub.unappliedLimit)
	}

	rec = srv.internalRequest(http.MethodGet, "/internal/bonus-events/unapplied?limit=0", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rec.Code)
	}
}
