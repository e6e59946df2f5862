// Package store provides persistent storage for the support gateway using SQLite.
//
// # Data Models
//
//   - Conversation: a citizen support request (status, priority, assignment,
//     transcript snapshot, lifecycle timestamps)
//   - QueueEntry: a waiting conversation's place in line (at most one per
//     conversation)
//
// # Invariants
//
// The store enforces two invariants structurally rather than trusting
// callers:
//
//   - assigned_agent_id is non-null exactly when status is with_agent
//     (SQL CHECK plus ErrInvalidTransition from UpdateConversation)
//   - a conversation is in waiting_agent status exactly when it has a
//     queue entry (every transition that crosses the waiting boundary
//     inserts or deletes the entry in the same transaction)
//
// # Guarded Transitions
//
// AssignConversation, ReturnConversation, ResolveConversation and
// CloseConversation are check-and-set UPDATEs: the expected current status
// (and holding agent, where relevant) is part of the WHERE clause. Of two
// racing calls exactly one commits; the loser gets ErrConflict.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Timestamps are stored as fixed-width UTC strings so the queue ordering
// query (priority DESC, waiting_since ASC) can compare them textually.
//
// All methods accept context.Context for cancellation support.
package store
