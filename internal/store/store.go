// ABOUTME: Store interface and data types for support-gateway persistence
// ABOUTME: Defines Conversation, QueueEntry structs and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateConversation is returned when trying to create a conversation that already exists
var ErrDuplicateConversation = errors.New("conversation already exists")

// ErrAlreadyQueued is returned when enqueueing a conversation that already has a queue entry
var ErrAlreadyQueued = errors.New("conversation already queued")

// ErrInvalidTransition is returned when an update would break the
// status/assignment coupling: assigned_agent_id must be set exactly when
// status is with_agent.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrConflict is returned when a guarded transition loses a race with a
// concurrent state change (for example two agents accepting the same
// conversation).
var ErrConflict = errors.New("conversation state changed concurrently")

// Conversation statuses. A waiting_agent conversation has exactly one
// queue entry; every other status has none.
const (
	StatusWaitingAgent = "waiting_agent"
	StatusWithAgent    = "with_agent"
	StatusResolved     = "resolved"
	StatusClosed       = "closed"
)

// Transcript speakers for snapshot lines.
const (
	SpeakerCitizen   = "citizen"
	SpeakerAssistant = "assistant"
)

// TranscriptLine is one line of the AI-chat history captured when the
// citizen asks for a human agent. The snapshot is context for the agent,
// never a live transcript.
type TranscriptLine struct {
	Speaker    string    `json:"speaker"`
	Text       string    `json:"text"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Conversation is a single citizen support request tracked from creation
// through closure.
type Conversation struct {
	ID                 string
	CitizenID          string
	ChannelRef         string
	Status             string
	Priority           int
	Subject            string
	Transcript         []TranscriptLine
	AssignedAgentID    *string
	AssignedAgentName  *string
	AssignedAt         *time.Time
	ResolvedAt         *time.Time
	ClosedAt           *time.Time
	ResolutionNotes    *string
	SatisfactionRating *int
	CreatedAt          time.Time
}

// QueueEntry is a waiting conversation's place in line. At most one entry
// exists per conversation.
type QueueEntry struct {
	ConversationID string
	Priority       int
	WaitingSince   time.Time
}

// ConversationPatch enumerates exactly the fields a transition may change.
// Nil pointer fields are left untouched; ClearAssignment nulls out the
// assignment columns. UpdateConversation rejects any patch whose post-state
// violates the status/assignment invariant.
type ConversationPatch struct {
	Status             *string
	AssignedAgentID    *string
	AssignedAgentName  *string
	AssignedAt         *time.Time
	ClearAssignment    bool
	ResolvedAt         *time.Time
	ResolutionNotes    *string
	ClosedAt           *time.Time
	SatisfactionRating *int
}

// Store defines the interface for conversation and queue persistence.
// Transition methods that touch both tables do so in a single transaction;
// the guarded (check-and-set) methods return ErrConflict when the
// conversation is no longer in the expected state.
type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	UpdateConversation(ctx context.Context, id string, patch ConversationPatch) (*Conversation, error)
	DeleteConversation(ctx context.Context, id string) error

	// Queue
	Enqueue(ctx context.Context, conversationID string, priority int, waitingSince time.Time) (*QueueEntry, error)
	Dequeue(ctx context.Context, conversationID string) error
	ListQueue(ctx context.Context) ([]*QueueEntry, error)

	// Guarded transitions (atomic across both tables)
	AssignConversation(ctx context.Context, id, agentID, agentName string, at time.Time) error
	ReturnConversation(ctx context.Context, id, agentID string, at time.Time) error
	ResolveConversation(ctx context.Context, id, agentID, notes string, at time.Time) error
	CloseConversation(ctx context.Context, id string, rating *int, at time.Time) error

	// Ping verifies the backing database is reachable.
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}
