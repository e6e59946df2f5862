// ABOUTME: Lifecycle event schema and Publisher interface for the support gateway
// ABOUTME: Envelope/meta shapes for conversation events published to the message broker

package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Conversation lifecycle event types. Routing keys are
// "support.conversation.<type>".
const (
	TypeWaiting  = "waiting"
	TypeAssigned = "assigned"
	TypeReturned = "returned"
	TypeResolved = "resolved"
	TypeClosed   = "closed"
	TypeDeleted  = "deleted"
)

// RoutingKey builds the topic routing key for a conversation event type.
func RoutingKey(eventType string) string {
	return "support.conversation." + eventType
}

// Meta carries event identity and provenance.
type Meta struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Version       int       `json:"version"`
	CorrelationID *string   `json:"correlation_id,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Envelope wraps an event payload with its meta.
type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

// ConversationEvent is the payload for every conversation lifecycle event.
// AgentID is set for assigned/returned/resolved/deleted events where an
// agent acted.
type ConversationEvent struct {
	ConversationID string  `json:"conversation_id"`
	CitizenID      string  `json:"citizen_id"`
	Status         string  `json:"status"`
	Priority       int     `json:"priority"`
	AgentID        *string `json:"agent_id,omitempty"`
}

// NewEnvelope builds an envelope for a conversation event, correlated by
// conversation id so all events for one conversation share a correlation.
func NewEnvelope(eventType string, data ConversationEvent) Envelope {
	cid := data.ConversationID
	return Envelope{
		Meta: Meta{
			ID:            uuid.NewString(),
			Type:          eventType,
			Version:       1,
			CorrelationID: &cid,
			OccurredAt:    time.Now().UTC(),
		},
		Data: data,
	}
}

// Publisher is the outbound side of the event stream. Implementations must
// be safe for concurrent use. Publishing is always best-effort from the
// caller's perspective: the queue service logs and swallows failures.
type Publisher interface {
	Publish(ctx context.Context, key string, env Envelope) error
	Close() error
}

// NopPublisher discards all events. Used when the broker is not configured.
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, key string, env Envelope) error { return nil }
func (NopPublisher) Close() error                                                { return nil }

var _ Publisher = NopPublisher{}
