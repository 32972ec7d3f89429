// Package events carries the notification events emitted after each
// successfully committed command. Events are observational: they are
// not part of replicated state, and subscribers run synchronously in
// emission order so a host can relay them without reordering.
package events

import (
	"sync"

	"github.com/google/uuid"
)

// Type names a notification event.
type Type string

const (
	TypeScoreCalculated  Type = "score.calculated"
	TypeScoreUpdated     Type = "score.updated"
	TypeScoreFactorAdded Type = "score.factor_added"
	TypeScoreVerified    Type = "score.verified"

	TypeDocumentSubmitted Type = "document.submitted"
	TypeDocumentVerified  Type = "document.verified"
	TypeDocumentRejected  Type = "document.rejected"
	TypeDocumentExpired   Type = "document.expired"
	TypeProfileUpdated    Type = "identity.profile_updated"
	TypeKYCStatusChanged  Type = "identity.kyc_status_changed"

	TypePaymentCreated         Type = "payment.created"
	TypePaymentVerified        Type = "payment.verified"
	TypePaymentCompleted       Type = "payment.completed"
	TypePaymentFailed          Type = "payment.failed"
	TypePaymentDisputed        Type = "payment.disputed"
	TypePaymentDisputeResolved Type = "payment.dispute_resolved"
	TypePaymentExpired         Type = "payment.expired"

	TypeOracleRegistered       Type = "oracle.registered"
	TypeDataSourceAdded        Type = "oracle.source_added"
	TypeExternalDataUpdated    Type = "oracle.data_updated"
	TypeOracleRequestCreated   Type = "oracle.request_created"
	TypeOracleRequestFulfilled Type = "oracle.request_fulfilled"
	TypeOracleRequestFailed    Type = "oracle.request_failed"

	TypeBridgeIngested Type = "bridge.ingested"
)

// Event is a single notification. ID is a host-local identifier and is
// deliberately excluded from any consensus hashing.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Tick      uint64         `json:"tick"`
	Principal string         `json:"principal,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// New builds an event with a fresh ID.
func New(t Type, tick uint64, principal string, data map[string]any) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      t,
		Tick:      tick,
		Principal: principal,
		Data:      data,
	}
}

// Handler receives emitted events.
type Handler func(Event)

// Bus fans events out to subscribers in registration order.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a handler. Handlers run synchronously on Emit.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Emit delivers events to every subscriber, preserving event order.
func (b *Bus) Emit(evts ...Event) {
	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()
	for _, e := range evts {
		for _, h := range handlers {
			h(e)
		}
	}
}
