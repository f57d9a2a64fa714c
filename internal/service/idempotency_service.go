package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/devrev/twinengine/internal/metrics"
	"github.com/devrev/twinengine/internal/store"
	"go.uber.org/zap"
)

const (
	maxIdempotencyKeyLength = 128
	reservationTTL          = time.Minute
)

// IdempotentResponse is a cached HTTP response for a replayed request. A
// zero StatusCode marks a reservation whose request has not finished.
type IdempotentResponse struct {
	StatusCode int             `json:"status_code"`
	Body       json.RawMessage `json:"body,omitempty"`
	StoredAt   time.Time       `json:"stored_at"`
}

// Pending reports whether the response is a reservation
func (r *IdempotentResponse) Pending() bool {
	return r.StatusCode == 0
}

// IdempotencyService caches write responses by client-supplied key
type IdempotencyService struct {
	idempotencyStore store.IdempotencyStore
	ttl              time.Duration
	metrics          *metrics.Metrics
	logger           *zap.Logger
}

// NewIdempotencyService creates a new idempotency service
func NewIdempotencyService(
	idempotencyStore store.IdempotencyStore,
	ttl time.Duration,
	m *metrics.Metrics,
	logger *zap.Logger,
) *IdempotencyService {
	return &IdempotencyService{
		idempotencyStore: idempotencyStore,
		ttl:              ttl,
		metrics:          m,
		logger:           logger,
	}
}

// Get retrieves a cached response; it returns nil when the key is unknown
func (s *IdempotencyService) Get(ctx context.Context, scope, idempotencyKey string) (*IdempotentResponse, error) {
	data, err := s.idempotencyStore.Get(ctx, s.buildStoreKey(scope, idempotencyKey))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.metrics.RecordIdempotency(false)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get idempotency response: %w", err)
	}

	var resp IdempotentResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		s.logger.Error("Invalid idempotency response",
			zap.String("scope", scope),
			zap.Error(err))
		return nil, fmt.Errorf("invalid idempotency response: %w", err)
	}

	s.metrics.RecordIdempotency(true)
	s.logger.Debug("Idempotency response found",
		zap.String("scope", scope),
		zap.String("idempotency_key", idempotencyKey))
	return &resp, nil
}

// Reserve claims the key for a request about to execute. It returns false
// when the key is already reserved or holds a response. Reservations expire
// after a minute so a crashed request does not hold the key for the full TTL.
func (s *IdempotencyService) Reserve(ctx context.Context, scope, idempotencyKey string) (bool, error) {
	data, err := json.Marshal(&IdempotentResponse{StoredAt: time.Now().UTC()})
	if err != nil {
		return false, fmt.Errorf("failed to marshal idempotency reservation: %w", err)
	}
	ok, err := s.idempotencyStore.SetNX(ctx, s.buildStoreKey(scope, idempotencyKey), data, reservationTTL)
	if err != nil {
		return false, fmt.Errorf("failed to reserve idempotency key: %w", err)
	}
	return ok, nil
}

// Store caches a response for the key, replacing any reservation
func (s *IdempotencyService) Store(ctx context.Context, scope, idempotencyKey string, resp *IdempotentResponse) error {
	resp.StoredAt = time.Now().UTC()

	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal idempotency response: %w", err)
	}
	if err := s.idempotencyStore.Set(ctx, s.buildStoreKey(scope, idempotencyKey), data, s.ttl); err != nil {
		return fmt.Errorf("failed to store idempotency response: %w", err)
	}

	s.logger.Debug("Stored idempotency response",
		zap.String("scope", scope),
		zap.String("idempotency_key", idempotencyKey),
		zap.Duration("ttl", s.ttl))
	return nil
}

// Delete removes a cached response or reservation
func (s *IdempotencyService) Delete(ctx context.Context, scope, idempotencyKey string) error {
	if err := s.idempotencyStore.Delete(ctx, s.buildStoreKey(scope, idempotencyKey)); err != nil {
		return fmt.Errorf("failed to delete idempotency key: %w", err)
	}
	return nil
}

// ValidateIdempotencyKey reports whether a client key is acceptable
func (s *IdempotencyService) ValidateIdempotencyKey(idempotencyKey string) bool {
	if idempotencyKey == "" || len(idempotencyKey) > maxIdempotencyKeyLength {
		return false
	}
	for _, c := range idempotencyKey {
		if c <= ' ' || c > '~' {
			return false
		}
	}
	return true
}

func (s *IdempotencyService) buildStoreKey(scope, idempotencyKey string) string {
	return fmt.Sprintf("%s:%s", scope, idempotencyKey)
}
