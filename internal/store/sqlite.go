// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation/queue persistence with guarded check-and-set transitions

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is RFC 3339 with a fixed-width nanosecond fraction. All
// timestamps are stored in UTC with this layout so that lexicographic
// ordering of the TEXT column equals chronological ordering, which the
// queue ordering query relies on.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Pragmas apply per connection, so keep exactly one. SQLite only
	// allows one writer at a time anyway.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	// Wait for write locks instead of failing immediately
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id                  TEXT PRIMARY KEY,
			citizen_id          TEXT NOT NULL,
			channel_ref         TEXT NOT NULL,
			status              TEXT NOT NULL,
			priority            INTEGER NOT NULL,
			subject             TEXT NOT NULL,
			transcript_json     TEXT NOT NULL,
			assigned_agent_id   TEXT,
			assigned_agent_name TEXT,
			assigned_at         TEXT,
			resolved_at         TEXT,
			closed_at           TEXT,
			resolution_notes    TEXT,
			satisfaction_rating INTEGER,
			created_at          TEXT NOT NULL,

			CHECK (status IN ('waiting_agent', 'with_agent', 'resolved', 'closed')),
			CHECK ((status = 'with_agent') = (assigned_agent_id IS NOT NULL)),
			CHECK (satisfaction_rating IS NULL OR (satisfaction_rating BETWEEN 1 AND 5))
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_citizen ON conversations(citizen_id);
		CREATE INDEX IF NOT EXISTS idx_conversations_status ON conversations(status);

		CREATE TABLE IF NOT EXISTS queue_entries (
			conversation_id TEXT PRIMARY KEY REFERENCES conversations(id) ON DELETE CASCADE,
			priority        INTEGER NOT NULL,
			waiting_since   TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_queue_order ON queue_entries(priority DESC, waiting_since ASC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// isConstraintViolation checks if the error is a SQLite constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// validateState checks the status/assignment coupling: assigned_agent_id
// is set exactly when status is with_agent.
func validateState(status string, assignedAgentID *string) error {
	if (status == StatusWithAgent) != (assignedAgentID != nil) {
		return ErrInvalidTransition
	}
	return nil
}

// CreateConversation persists a new conversation. When the conversation is
// created in waiting_agent status its queue entry is inserted in the same
// transaction, so the invariant holds from the first commit.
// Returns ErrDuplicateConversation if the id already exists.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	if err := validateState(conv.Status, conv.AssignedAgentID); err != nil {
		return err
	}

	transcript, err := json.Marshal(conv.Transcript)
	if err != nil {
		return fmt.Errorf("encoding transcript: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (
			id, citizen_id, channel_ref, status, priority, subject,
			transcript_json, assigned_agent_id, assigned_agent_name,
			assigned_at, resolved_at, closed_at, resolution_notes,
			satisfaction_rating, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		conv.ID,
		conv.CitizenID,
		conv.ChannelRef,
		conv.Status,
		conv.Priority,
		conv.Subject,
		string(transcript),
		conv.AssignedAgentID,
		conv.AssignedAgentName,
		nullTime(conv.AssignedAt),
		nullTime(conv.ResolvedAt),
		nullTime(conv.ClosedAt),
		conv.ResolutionNotes,
		conv.SatisfactionRating,
		formatTime(conv.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	if conv.Status == StatusWaitingAgent {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO queue_entries (conversation_id, priority, waiting_since)
			VALUES (?, ?, ?)
		`, conv.ID, conv.Priority, formatTime(conv.CreatedAt))
		if err != nil {
			return fmt.Errorf("inserting queue entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "status", conv.Status, "priority", conv.Priority)
	return nil
}

const conversationColumns = `
	id, citizen_id, channel_ref, status, priority, subject,
	transcript_json, assigned_agent_id, assigned_agent_name,
	assigned_at, resolved_at, closed_at, resolution_notes,
	satisfaction_rating, created_at
`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var conv Conversation
	var transcript, createdAt string
	var assignedAgentID, assignedAgentName, assignedAt, resolvedAt, closedAt, notes sql.NullString
	var rating sql.NullInt64

	err := row.Scan(
		&conv.ID,
		&conv.CitizenID,
		&conv.ChannelRef,
		&conv.Status,
		&conv.Priority,
		&conv.Subject,
		&transcript,
		&assignedAgentID,
		&assignedAgentName,
		&assignedAt,
		&resolvedAt,
		&closedAt,
		&notes,
		&rating,
		&createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}

	if err := json.Unmarshal([]byte(transcript), &conv.Transcript); err != nil {
		return nil, fmt.Errorf("decoding transcript: %w", err)
	}

	conv.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	if assignedAgentID.Valid {
		conv.AssignedAgentID = &assignedAgentID.String
	}
	if assignedAgentName.Valid {
		conv.AssignedAgentName = &assignedAgentName.String
	}
	if conv.AssignedAt, err = parseNullTime(assignedAt); err != nil {
		return nil, fmt.Errorf("parsing assigned_at: %w", err)
	}
	if conv.ResolvedAt, err = parseNullTime(resolvedAt); err != nil {
		return nil, fmt.Errorf("parsing resolved_at: %w", err)
	}
	if conv.ClosedAt, err = parseNullTime(closedAt); err != nil {
		return nil, fmt.Errorf("parsing closed_at: %w", err)
	}
	if notes.Valid {
		conv.ResolutionNotes = &notes.String
	}
	if rating.Valid {
		r := int(rating.Int64)
		conv.SatisfactionRating = &r
	}

	return &conv, nil
}

// nullTime returns nil for nil times, otherwise the formatted string.
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations WHERE id = ?
	`, id)
	return scanConversation(row)
}

// UpdateConversation applies a typed patch to a conversation inside a
// transaction. The post-state is validated against the status/assignment
// invariant (ErrInvalidTransition) and the queue entry is inserted or
// removed when the patch moves the conversation into or out of
// waiting_agent. Returns the updated conversation.
func (s *SQLiteStore) UpdateConversation(ctx context.Context, id string, patch ConversationPatch) (*Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations WHERE id = ?
	`, id)
	conv, err := scanConversation(row)
	if err != nil {
		return nil, err
	}

	wasWaiting := conv.Status == StatusWaitingAgent

	if patch.Status != nil {
		conv.Status = *patch.Status
	}
	if patch.ClearAssignment {
		conv.AssignedAgentID = nil
		conv.AssignedAgentName = nil
		conv.AssignedAt = nil
	}
	if patch.AssignedAgentID != nil {
		conv.AssignedAgentID = patch.AssignedAgentID
	}
	if patch.AssignedAgentName != nil {
		conv.AssignedAgentName = patch.AssignedAgentName
	}
	if patch.AssignedAt != nil {
		conv.AssignedAt = patch.AssignedAt
	}
	if patch.ResolvedAt != nil {
		conv.ResolvedAt = patch.ResolvedAt
	}
	if patch.ResolutionNotes != nil {
		conv.ResolutionNotes = patch.ResolutionNotes
	}
	if patch.ClosedAt != nil {
		conv.ClosedAt = patch.ClosedAt
	}
	if patch.SatisfactionRating != nil {
		conv.SatisfactionRating = patch.SatisfactionRating
	}

	if err := validateState(conv.Status, conv.AssignedAgentID); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE conversations
		SET status = ?, assigned_agent_id = ?, assigned_agent_name = ?,
		    assigned_at = ?, resolved_at = ?, closed_at = ?,
		    resolution_notes = ?, satisfaction_rating = ?
		WHERE id = ?
	`,
		conv.Status,
		conv.AssignedAgentID,
		conv.AssignedAgentName,
		nullTime(conv.AssignedAt),
		nullTime(conv.ResolvedAt),
		nullTime(conv.ClosedAt),
		conv.ResolutionNotes,
		conv.SatisfactionRating,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("updating conversation: %w", err)
	}

	isWaiting := conv.Status == StatusWaitingAgent
	if wasWaiting && !isWaiting {
		if _, err := tx.ExecContext(ctx, `DELETE FROM queue_entries WHERE conversation_id = ?`, id); err != nil {
			return nil, fmt.Errorf("removing queue entry: %w", err)
		}
	}
	if !wasWaiting && isWaiting {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO queue_entries (conversation_id, priority, waiting_since)
			VALUES (?, ?, ?)
		`, id, conv.Priority, formatTime(time.Now()))
		if err != nil {
			return nil, fmt.Errorf("inserting queue entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing update: %w", err)
	}

	s.logger.Debug("updated conversation", "id", id, "status", conv.Status)
	return conv, nil
}

// DeleteConversation hard-deletes a conversation. The queue entry, if any,
// goes with it via ON DELETE CASCADE. Returns ErrNotFound if the
// conversation doesn't exist.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("deleted conversation", "id", id)
	return nil
}

// Enqueue inserts a queue entry for a waiting conversation.
// Returns ErrAlreadyQueued if an entry already exists.
func (s *SQLiteStore) Enqueue(ctx context.Context, conversationID string, priority int, waitingSince time.Time) (*QueueEntry, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queue_entries (conversation_id, priority, waiting_since)
		VALUES (?, ?, ?)
	`, conversationID, priority, formatTime(waitingSince))
	if err != nil {
		if isConstraintViolation(err) {
			return nil, ErrAlreadyQueued
		}
		return nil, fmt.Errorf("inserting queue entry: %w", err)
	}

	s.logger.Debug("enqueued conversation", "id", conversationID, "priority", priority)
	return &QueueEntry{
		ConversationID: conversationID,
		Priority:       priority,
		WaitingSince:   waitingSince.UTC(),
	}, nil
}

// Dequeue removes a conversation's queue entry. No-op if absent.
func (s *SQLiteStore) Dequeue(ctx context.Context, conversationID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM queue_entries WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return fmt.Errorf("deleting queue entry: %w", err)
	}
	return nil
}

// ListQueue returns all queue entries ordered by priority descending,
// then waiting_since ascending. This query is the single ranking rule:
// queue position and the agent-facing queue view are both derived from it.
func (s *SQLiteStore) ListQueue(ctx context.Context) ([]*QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, priority, waiting_since
		FROM queue_entries
		ORDER BY priority DESC, waiting_since ASC, conversation_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying queue: %w", err)
	}
	defer rows.Close()

	var entries []*QueueEntry
	for rows.Next() {
		var e QueueEntry
		var waitingSince string
		if err := rows.Scan(&e.ConversationID, &e.Priority, &waitingSince); err != nil {
			return nil, fmt.Errorf("scanning queue entry: %w", err)
		}
		e.WaitingSince, err = parseTime(waitingSince)
		if err != nil {
			return nil, fmt.Errorf("parsing waiting_since: %w", err)
		}
		entries = append(entries, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating queue rows: %w", err)
	}
	return entries, nil
}

// AssignConversation atomically moves a waiting conversation to with_agent
// and removes its queue entry. The status check is part of the UPDATE, so
// of two racing assigns exactly one commits; the loser gets ErrConflict.
func (s *SQLiteStore) AssignConversation(ctx context.Context, id, agentID, agentName string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE conversations
		SET status = ?, assigned_agent_id = ?, assigned_agent_name = ?, assigned_at = ?
		WHERE id = ? AND status = ?
	`, StatusWithAgent, agentID, agentName, formatTime(at), id, StatusWaitingAgent)
	if err != nil {
		return fmt.Errorf("assigning conversation: %w", err)
	}

	if err := s.requireTransition(ctx, tx, result, id); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_entries WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("removing queue entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing assignment: %w", err)
	}

	s.logger.Debug("assigned conversation", "id", id, "agent_id", agentID)
	return nil
}

// ReturnConversation atomically moves a conversation held by agentID back
// to waiting_agent with a fresh queue entry (the conversation goes to the
// back of its priority band, not its original position).
func (s *SQLiteStore) ReturnConversation(ctx context.Context, id, agentID string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE conversations
		SET status = ?, assigned_agent_id = NULL, assigned_agent_name = NULL, assigned_at = NULL
		WHERE id = ? AND status = ? AND assigned_agent_id = ?
	`, StatusWaitingAgent, id, StatusWithAgent, agentID)
	if err != nil {
		return fmt.Errorf("returning conversation: %w", err)
	}

	if err := s.requireTransition(ctx, tx, result, id); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO queue_entries (conversation_id, priority, waiting_since)
		SELECT id, priority, ? FROM conversations WHERE id = ?
	`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("re-enqueueing conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing return: %w", err)
	}

	s.logger.Debug("returned conversation to queue", "id", id, "agent_id", agentID)
	return nil
}

// ResolveConversation atomically resolves a conversation held by agentID.
func (s *SQLiteStore) ResolveConversation(ctx context.Context, id, agentID, notes string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE conversations
		SET status = ?, assigned_agent_id = NULL, resolved_at = ?, resolution_notes = ?
		WHERE id = ? AND status = ? AND assigned_agent_id = ?
	`, StatusResolved, formatTime(at), notes, id, StatusWithAgent, agentID)
	if err != nil {
		return fmt.Errorf("resolving conversation: %w", err)
	}

	if err := s.requireTransition(ctx, tx, result, id); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing resolution: %w", err)
	}

	s.logger.Debug("resolved conversation", "id", id, "agent_id", agentID)
	return nil
}

// CloseConversation atomically closes a conversation from any live status
// and removes any queue entry (covers closing while still waiting).
func (s *SQLiteStore) CloseConversation(ctx context.Context, id string, rating *int, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE conversations
		SET status = ?, assigned_agent_id = NULL, closed_at = ?, satisfaction_rating = ?
		WHERE id = ? AND status IN (?, ?, ?)
	`, StatusClosed, formatTime(at), rating, id, StatusWaitingAgent, StatusWithAgent, StatusResolved)
	if err != nil {
		return fmt.Errorf("closing conversation: %w", err)
	}

	if err := s.requireTransition(ctx, tx, result, id); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_entries WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("removing queue entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing close: %w", err)
	}

	s.logger.Debug("closed conversation", "id", id)
	return nil
}

// requireTransition turns a zero-row guarded UPDATE into ErrNotFound or
// ErrConflict depending on whether the conversation row exists at all.
func (s *SQLiteStore) requireTransition(ctx context.Context, tx *sql.Tx, result sql.Result, id string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, id).Scan(&exists)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("checking conversation existence: %w", err)
	}
	return ErrConflict
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
