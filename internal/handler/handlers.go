// Package handler provides HTTP request handlers for floorsync.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/devrev/twinengine/internal/broker"
	apierrors "github.com/devrev/twinengine/internal/errors"
	"github.com/devrev/twinengine/internal/metrics"
	"github.com/devrev/twinengine/internal/service"
	"github.com/devrev/twinengine/internal/session"
	"github.com/devrev/twinengine/internal/store"
	"go.uber.org/zap"
)

// maxBodyBytes caps JSON request bodies
const maxBodyBytes = 1 << 20

// Options holds handler settings taken from configuration
type Options struct {
	// ConflictRetries bounds server-side retries of a contended transition
	ConflictRetries int
	// RetryInitialInterval is the first backoff interval between retries
	RetryInitialInterval time.Duration
	// RequestTimeout bounds a single engine call
	RequestTimeout time.Duration
	AllowedOrigins []string
	Session        session.Config
}

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	engine       *service.TransitionService
	sweeper      *service.EscalationService
	idempotency  *service.IdempotencyService
	floor        store.FloorStore
	broker       *broker.Broker
	errorHandler *apierrors.Handler
	opts         Options
	metrics      *metrics.Metrics
	logger       *zap.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(
	engine *service.TransitionService,
	sweeper *service.EscalationService,
	idempotency *service.IdempotencyService,
	floor store.FloorStore,
	b *broker.Broker,
	errorHandler *apierrors.Handler,
	opts Options,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Handlers {
	if opts.RetryInitialInterval <= 0 {
		opts.RetryInitialInterval = 50 * time.Millisecond
	}
	return &Handlers{
		engine:       engine,
		sweeper:      sweeper,
		idempotency:  idempotency,
		floor:        floor,
		broker:       b,
		errorHandler: errorHandler,
		opts:         opts,
		metrics:      m,
		logger:       logger,
	}
}

// withTimeout bounds a single engine call
func (h *Handlers) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if h.opts.RequestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, h.opts.RequestTimeout)
}

// retryConflicts runs op and retries it with exponential backoff while it
// returns Conflict. Any other error stops the retries.
func (h *Handlers) retryConflicts(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = h.opts.RetryInitialInterval
	bo.MaxInterval = 20 * h.opts.RetryInitialInterval

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if apierrors.IsConflict(err) {
			h.logger.Debug("Retrying contended operation",
				zap.Int("attempt", attempt),
				zap.Error(err))
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(h.opts.ConflictRetries)), ctx))
}

// decodeJSON reads a JSON body into dst
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return fmt.Errorf("request body is required")
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// writeJSONResponse writes a JSON response to the HTTP response writer.
func (h *Handlers) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}
