// Package broker fans change events out to the subscriber sessions of a tenant.
package broker

import (
	"errors"
	"fmt"
	"sync"

	apierrors "github.com/devrev/twinengine/internal/errors"
	"github.com/devrev/twinengine/internal/metrics"
	"github.com/devrev/twinengine/internal/model"
	"go.uber.org/zap"
)

var (
	// ErrSlowConsumer is returned by Deliver when the subscriber queue is full
	ErrSlowConsumer = errors.New("subscriber queue full")
	// ErrSubscriberClosed is returned by Deliver after the subscriber closed
	ErrSubscriberClosed = errors.New("subscriber closed")
)

// Subscriber receives change events for one tenant
type Subscriber interface {
	ID() string
	// Deliver enqueues the event without blocking
	Deliver(event model.ChangeEvent) error
	// Close is called when the broker drops the subscriber
	Close()
}

// group holds the subscribers of one tenant. mu is held for the whole of a
// publish so every subscriber sees the tenant's events in publish order.
type group struct {
	mu   sync.Mutex
	subs map[string]Subscriber
}

type failedDelivery struct {
	sub Subscriber
	err error
}

// Broker is the process-local registry of tenant subscriber groups
type Broker struct {
	mu      sync.RWMutex
	groups  map[string]*group
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// New creates a new broker
func New(m *metrics.Metrics, logger *zap.Logger) *Broker {
	return &Broker{
		groups:  make(map[string]*group),
		metrics: m,
		logger:  logger,
	}
}

// Subscribe adds sub to the tenant's group
func (b *Broker) Subscribe(tenantID string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	g, ok := b.groups[tenantID]
	if !ok {
		g = &group{subs: make(map[string]Subscriber)}
		b.groups[tenantID] = g
	}

	g.mu.Lock()
	g.subs[sub.ID()] = sub
	g.mu.Unlock()
	b.metrics.SetBrokerTenants(len(b.groups))

	b.logger.Debug("Subscriber joined",
		zap.String("tenant_id", tenantID),
		zap.String("subscriber_id", sub.ID()))
}

// Unsubscribe removes sub from the tenant's group. It is safe to call more than once.
func (b *Broker) Unsubscribe(tenantID string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	g, ok := b.groups[tenantID]
	if !ok {
		return
	}

	g.mu.Lock()
	delete(g.subs, sub.ID())
	empty := len(g.subs) == 0
	g.mu.Unlock()

	if empty {
		delete(b.groups, tenantID)
		b.metrics.SetBrokerTenants(len(b.groups))
	}

	b.logger.Debug("Subscriber left",
		zap.String("tenant_id", tenantID),
		zap.String("subscriber_id", sub.ID()))
}

// Publish delivers event to every subscriber of the tenant at call time.
// Subscribers that cannot accept the event are dropped and a BroadcastFailure
// is returned; delivery to the remaining subscribers is unaffected.
func (b *Broker) Publish(tenantID string, event model.ChangeEvent) error {
	b.mu.RLock()
	g, ok := b.groups[tenantID]
	if !ok {
		b.mu.RUnlock()
		b.metrics.RecordEventPublished(string(event.Kind))
		return nil
	}
	g.mu.Lock()
	b.mu.RUnlock()

	var dropped []failedDelivery
	for _, sub := range g.subs {
		if err := sub.Deliver(event); err != nil {
			dropped = append(dropped, failedDelivery{sub: sub, err: err})
		}
	}
	g.mu.Unlock()

	b.metrics.RecordEventPublished(string(event.Kind))
	if len(dropped) == 0 {
		return nil
	}

	for _, d := range dropped {
		b.Unsubscribe(tenantID, d.sub)
		d.sub.Close()
		b.metrics.RecordBroadcastFailure(failureReason(d.err))
		b.logger.Warn("Dropped subscriber",
			zap.String("tenant_id", tenantID),
			zap.String("subscriber_id", d.sub.ID()),
			zap.Error(d.err))
	}
	return apierrors.BroadcastFailure(tenantID, len(dropped),
		fmt.Errorf("dropped %d subscriber(s): %w", len(dropped), dropped[0].err))
}

// SubscriberCount returns the number of subscribers of a tenant
func (b *Broker) SubscriberCount(tenantID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	g, ok := b.groups[tenantID]
	if !ok {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.subs)
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrSlowConsumer):
		return "slow_consumer"
	case errors.Is(err, ErrSubscriberClosed):
		return "closed"
	default:
		return "error"
	}
}
