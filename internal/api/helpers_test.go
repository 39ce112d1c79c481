package api

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/transfa/affiliate-subscription-service/internal/app"
	"github.com/transfa/affiliate-subscription-service/internal/domain"
)

const (
	testInternalKey = "internal-secret"
	testKeyID       = "test-key"
)

var testAddress = "0x" + strings.Repeat("0", 62) + "a1"

type serviceStub struct {
	LifecycleService

	mu sync.Mutex

	status    domain.SubscriptionStatus
	statusFor []string
	quote     domain.PriceQuote

	createCalls int
	createQuote domain.PriceQuote
	createErr   error

	verifyResult bool

	autoRenew *bool

	cancelErr error

	bonusApplied bool
	bonusSource  domain.BonusSource

	eventOutcome app.BonusEventOutcome
	eventErr     error
	eventReq     app.BonusEventRequest

	reprocessEvent *domain.BonusEvent
	reprocessErr   error

	unapplied      []domain.BonusEvent
	unappliedAge   time.Duration
	unappliedLimit int
}

func (s *serviceStub) GetSubscriptionStatus(ctx context.Context, userAddress string) domain.SubscriptionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusFor = append(s.statusFor, userAddress)
	return s.status
}

func (s *serviceStub) HasActiveSubscription(ctx context.Context, userAddress string) bool {
	return s.status.IsActive
}

func (s *serviceStub) GetPriceQuote(ctx context.Context) domain.PriceQuote {
	return s.quote
}

func (s *serviceStub) GetSubscriptionHistory(ctx context.Context, userAddress string) ([]domain.Subscription, error) {
	return nil, nil
}

func (s *serviceStub) CreateSubscription(ctx context.Context, userAddress string, quote domain.PriceQuote, transactionReference string) (*domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createCalls++
	s.createQuote = quote
	if s.createErr != nil {
		return nil, s.createErr
	}
	txRef := transactionReference
	return &domain.Subscription{
		ID:                   "sub-1",
		UserAddress:          userAddress,
		Type:                 domain.SubscriptionTypeMonthly,
		Status:               domain.SubscriptionPending,
		PriceUSDC:            quote.USDPrice,
		TransactionReference: &txRef,
	}, nil
}

func (s *serviceStub) VerifyAndActivateSubscription(ctx context.Context, transactionReference string) bool {
	return s.verifyResult
}

func (s *serviceStub) StartTrial(ctx context.Context, userAddress string) (domain.SubscriptionStatus, error) {
	return s.status, nil
}

func (s *serviceStub) SetAutoRenew(ctx context.Context, userAddress string, autoRenew bool) error {
	s.autoRenew = &autoRenew
	return nil
}

func (s *serviceStub) CancelSubscription(ctx context.Context, userAddress string) error {
	return s.cancelErr
}

func (s *serviceStub) ApplySubscriptionBonus(ctx context.Context, userAddress string, bonusDays int, bonusEventID string, source domain.BonusSource, referenceID string) bool {
	s.bonusSource = source
	return s.bonusApplied
}

func (s *serviceStub) HandleBonusEvent(ctx context.Context, req app.BonusEventRequest) (app.BonusEventOutcome, error) {
	s.eventReq = req
	return s.eventOutcome, s.eventErr
}

func (s *serviceStub) ReprocessBonusEvent(ctx context.Context, bonusEventID string) (*domain.BonusEvent, error) {
	return s.reprocessEvent, s.reprocessErr
}

func (s *serviceStub) ListUnappliedBonusEvents(ctx context.Context, olderThan time.Duration, limit int) ([]domain.BonusEvent, error) {
	s.unappliedAge = olderThan
	s.unappliedLimit = limit
	return s.unapplied, nil
}

type memoryIdempotencyStore struct {
	mu       sync.Mutex
	entries  map[string][]byte
	inFlight map[string]bool
}

func newMemoryIdempotencyStore() *memoryIdempotencyStore {
	return &memoryIdempotencyStore{entries: make(map[string][]byte), inFlight: make(map[string]bool)}
}

func (m *memoryIdempotencyStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.entries[key]
	return value, ok, nil
}

func (m *memoryIdempotencyStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = value
	return nil
}

func (m *memoryIdempotencyStore) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inFlight[key] {
		return false, nil
	}
	m.inFlight[key] = true
	return true, nil
}

func (m *memoryIdempotencyStore) Release(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inFlight, key)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testSigner struct {
	key  *rsa.PrivateKey
	jwks *httptest.Server
	hits atomic.Int32
}

func newTestSigner(t *testing.T) *testSigner {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	signer := &testSigner{key: key}
	signer.jwks = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		signer.hits.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"keys": []map[string]string{{
				"kid": testKeyID,
				"kty": "RSA",
				"use": "sig",
				"n":   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
			}},
		})
	}))
	t.Cleanup(signer.jwks.Close)

	return signer
}

func (s *testSigner) token(t *testing.T, kid string, claims jwt.MapClaims) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(s.key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func (s *testSigner) walletToken(t *testing.T, subject string) string {
	return s.token(t, testKeyID, jwt.MapClaims{
		"sub": subject,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
}

type testServer struct {
	stub        *serviceStub
	signer      *testSigner
	idempotency *memoryIdempotencyStore
	router      http.Handler
}

func newTestServer(t *testing.T, stub *serviceStub) *testServer {
	t.Helper()

	signer := newTestSigner(t)
	idempotency := newMemoryIdempotencyStore()
	handler := NewHandler(stub, discardLogger())
	handler.now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }

	router := NewRouter(handler, RouterOptions{
		Auth:             AuthOptions{JWKSURL: signer.jwks.URL},
		InternalKey:      testInternalKey,
		IdempotencyStore: idempotency,
		Logger:           discardLogger(),
	})

	return &testServer{stub: stub, signer: signer, idempotency: idempotency, router: router}
}

func (s *testServer) walletRequest(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+s.signer.walletToken(t, testAddress))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) internalRequest(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("X-Internal-API-Key", testInternalKey)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func testQuote(validUntil time.Time) domain.PriceQuote {
	return domain.PriceQuote{
		USDPrice:         decimal.RequireFromString("5"),
		SettlementAmount: decimal.RequireFromString("2.5"),
		FXRate:           decimal.RequireFromString("2"),
		ValidUntil:       validUntil,
	}
}
