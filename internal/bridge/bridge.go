// ABOUTME: Chat Bridge capability interface consumed by the queue service
// ABOUTME: Wraps the hosted messaging provider's identity/channel/message primitives

package bridge

import (
	"context"
	"errors"
)

// ErrUnavailable is returned when the messaging provider cannot be reached
// or rejects a request. Callers treat it as retryable.
var ErrUnavailable = errors.New("chat bridge unavailable")

// Bridge is what the queue service needs from the hosted messaging
// provider. The gateway never relays live messages: citizens and agents
// connect to the provider directly with the token from Identify, and the
// bridge only sets up identities, channels and system-authored messages.
type Bridge interface {
	// Identify idempotently registers or updates a chat identity for the
	// given portal user and returns an access token their own client uses
	// to connect to the messaging provider.
	Identify(ctx context.Context, userID, displayName string) (string, error)

	// CreateChannel creates (or returns the existing) channel scoped to a
	// conversation, with the creator invited. Idempotent per conversation.
	CreateChannel(ctx context.Context, conversationID, creatorUserID string) (string, error)

	// AddParticipant invites a portal user into a channel.
	AddParticipant(ctx context.Context, channelRef, userID string) error

	// PostSystemMessage posts a message attributed to the system identity,
	// not a human participant.
	PostSystemMessage(ctx context.Context, channelRef, text string) error

	// DeleteChannel retires a conversation's channel.
	DeleteChannel(ctx context.Context, channelRef string) error
}
