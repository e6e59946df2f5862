// ABOUTME: Error taxonomy for the queue service
// ABOUTME: Sentinel errors that the API layer maps onto HTTP status codes

package queue

import "errors"

// The queue service error taxonomy. The API layer maps these onto HTTP
// status codes; clients retry ErrBridgeUnavailable/ErrStoreUnavailable
// with backoff and treat everything else as terminal for that attempt.
var (
	// ErrValidation means the input was malformed or missing.
	ErrValidation = errors.New("validation failed")

	// ErrForbidden means the caller is authenticated but not entitled to
	// act on this conversation.
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound means the conversation does not exist.
	ErrNotFound = errors.New("conversation not found")

	// ErrConflict means a concurrent state change won the race.
	ErrConflict = errors.New("conversation state changed")

	// ErrBridgeUnavailable means an essential chat bridge call failed.
	ErrBridgeUnavailable = errors.New("chat bridge unavailable")

	// ErrStoreUnavailable means the backing store failed.
	ErrStoreUnavailable = errors.New("store unavailable")
)
