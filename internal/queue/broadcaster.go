// ABOUTME: In-memory fan-out broadcaster for queue lifecycle events
// ABOUTME: Feeds agent dashboards a push view of the waiting queue without polling

package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// QueueEvent is a push notification about a queue state change. Positions
// are not included: they are advisory snapshots and subscribers re-fetch
// the queue view when they care about ordering.
type QueueEvent struct {
	Type           string    `json:"type"` // waiting | assigned | returned | resolved | closed | deleted
	ConversationID string    `json:"conversation_id"`
	Subject        string    `json:"subject,omitempty"`
	Priority       int       `json:"priority"`
	AgentID        string    `json:"agent_id,omitempty"`
	At             time.Time `json:"at"`
}

// Broadcaster provides in-memory pub/sub for QueueEvents. Agent dashboards
// subscribe once and receive every queue transition as it commits.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]chan QueueEvent
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]chan QueueEvent),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber. Returns a channel that receives events
// and a subscription ID for later unsubscription. The subscription is
// automatically cleaned up when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context) (<-chan QueueEvent, string) {
	subID := uuid.New().String()
	ch := make(chan QueueEvent, subscriberBufferSize)

	b.mu.Lock()
	b.subscribers[subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(subID)
	}()

	return ch, subID
}

// Publish sends an event to all subscribers. Non-blocking: events are
// dropped for subscribers whose channels are full.
func (b *Broadcaster) Publish(event QueueEvent) {
	b.mu.RLock()
	targets := make([]chan QueueEvent, 0, len(b.subscribers))
	for _, ch := range b.subscribers {
		targets = append(targets, ch)
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- event:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"type", event.Type,
				"conversation_id", event.ConversationID)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subscribers[subID]
	if !ok {
		return
	}
	delete(b.subscribers, subID)
	close(ch)

	b.logger.Debug("subscriber removed", "sub_id", subID)
}
