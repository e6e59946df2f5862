// Package queue implements the support hand-off core: the conversation
// state machine and the waiting-queue algorithms.
//
// # State Machine
//
// Conversations move through:
//
//	waiting_agent -> with_agent -> resolved
//	with_agent    -> waiting_agent   (agent abandons)
//	waiting_agent | with_agent | resolved -> closed
//
// closed is absorbing; Delete is an administrative hard removal that
// bypasses status checks entirely.
//
// # Ordering
//
// The queue is ranked by priority descending, then waiting-since ascending
// (FIFO within a priority band). The ranking is implemented once, in the
// store's ListQueue query; QueuePosition and QueueView both derive from it
// so citizen-reported positions and the agent dashboard always agree.
//
// Positions are snapshots: the queue may change between two reads, and a
// reported position is advisory, never a reservation. Position 0 means the
// conversation left the queue and the caller should re-fetch its status.
//
// # Side Effect Classes
//
// Every transition's side effects fall into two classes:
//
//   - essential: channel creation, joining the agent, and the guarded
//     store transition. Failure aborts the operation with
//     ErrBridgeUnavailable / ErrStoreUnavailable / ErrConflict, and no
//     partial state is visible.
//   - best-effort: system messages, transcript replay, broker events, and
//     the push feed. Failures are logged and swallowed.
//
// # Concurrency
//
// The service holds no state; atomicity comes from the store's guarded
// check-and-set transitions. Two concurrent Assign calls for the same
// conversation cannot both succeed: the loser observes ErrConflict.
package queue
