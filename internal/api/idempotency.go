package api

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/blake2b"
)

const (
	IdempotencyKeyHeader = "Idempotency-Key"
	idempotencyTTL       = 24 * time.Hour
	maxIdempotencyKeyLen = 128

	// idempotencyInFlightTTL outlives the router's request timeout.
	idempotencyInFlightTTL = 90 * time.Second
)

// IdempotencyStore persists recorded responses keyed by caller and Idempotency-Key.
type IdempotencyStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Reserve marks key in flight. It returns false when another request holds it.
	Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// RedisIdempotencyStore keeps recorded responses in Redis.
type RedisIdempotencyStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisIdempotencyStore(client redis.UniversalClient, prefix string) *RedisIdempotencyStore {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = "affiliate:subscriptions"
	}
	return &RedisIdempotencyStore{client: client, prefix: trimmedPrefix}
}

func (s *RedisIdempotencyStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := s.client.Get(ctx, s.prefix+":idempotency:"+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return raw, true, nil
}

func (s *RedisIdempotencyStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, s.prefix+":idempotency:"+key, value, ttl).Err()
}

func (s *RedisIdempotencyStore) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, s.prefix+":idempotency:"+key+":inflight", "1", ttl).Result()
}

func (s *RedisIdempotencyStore) Release(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+":idempotency:"+key+":inflight").Err()
}

type cachedResponse struct {
	StatusCode  int    `json:"status_code"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       *bytes.Buffer
}

func newResponseRecorder(w http.ResponseWriter) *responseRecorder {
	return &responseRecorder{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
		body:           &bytes.Buffer{},
	}
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

// Idempotency replays the recorded response for a repeated Idempotency-Key on POST and PUT
// requests. Requests without the header pass through. Server errors are not recorded so the
// client can retry them. A nil store disables replay.
func Idempotency(store IdempotencyStore, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if store == nil || (r.Method != http.MethodPost && r.Method != http.MethodPut) {
				next.ServeHTTP(w, r)
				return
			}

			idempotencyKey := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
			if idempotencyKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(idempotencyKey) > maxIdempotencyKeyLen {
				http.Error(w, "Idempotency-Key is too long", http.StatusBadRequest)
				return
			}

			cacheKey := idempotencyCacheKey(r, idempotencyKey)

			cached, found, err := store.Get(r.Context(), cacheKey)
			if err != nil {
				logger.Warn("idempotency lookup failed; processing request", "path", r.URL.Path, "error", err)
			} else if found && replayResponse(w, cached) {
				return
			}

			reserved, err := store.Reserve(r.Context(), cacheKey, idempotencyInFlightTTL)
			switch {
			case err != nil:
				logger.Warn("idempotency reservation failed; processing request", "path", r.URL.Path, "error", err)
			case !reserved:
				// The holder may have finished between the lookup and the reservation.
				if cached, found, err := store.Get(r.Context(), cacheKey); err == nil && found && replayResponse(w, cached) {
					return
				}
				http.Error(w, "A request with this Idempotency-Key is already in progress", http.StatusConflict)
				return
			default:
				defer func() {
					if err := store.Release(context.WithoutCancel(r.Context()), cacheKey); err != nil {
						logger.Warn("idempotency release failed", "path", r.URL.Path, "error", err)
					}
				}()
			}

			recorder := newResponseRecorder(w)
			next.ServeHTTP(recorder, r)

			if recorder.statusCode >= http.StatusInternalServerError {
				return
			}

			respJSON, err := json.Marshal(cachedResponse{
				StatusCode:  recorder.statusCode,
				ContentType: recorder.Header().Get("Content-Type"),
				Body:        recorder.body.Bytes(),
			})
			if err != nil {
				return
			}
			if err := store.Set(r.Context(), cacheKey, respJSON, idempotencyTTL); err != nil {
				logger.Warn("idempotency record failed", "path", r.URL.Path, "error", err)
			}
		})
	}
}

func replayResponse(w http.ResponseWriter, cached []byte) bool {
	var resp cachedResponse
	if err := json.Unmarshal(cached, &resp); err != nil {
		return false
	}
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	w.Header().Set("X-Idempotency-Replayed", "true")
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
	return true
}

// idempotencyCacheKey scopes a key to the caller, method and path so that two wallets
// cannot collide on the same header value.
func idempotencyCacheKey(r *http.Request, idempotencyKey string) string {
	caller := "internal"
	if address, ok := UserFromContext(r.Context()); ok {
		caller = address
	}
	sum := blake2b.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s", caller, r.Method, r.URL.Path, idempotencyKey)))
	return hex.EncodeToString(sum[:])
}
