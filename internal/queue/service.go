// ABOUTME: Queue service: the support hand-off state machine and its algorithms
// ABOUTME: Coordinates the conversation/queue stores and the chat bridge; holds no state of its own

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/myroxas/support-gateway/internal/bridge"
	"github.com/myroxas/support-gateway/internal/events"
	"github.com/myroxas/support-gateway/internal/store"
)

const (
	// defaultPriority is used when the caller does not supply one.
	defaultPriority = 5

	// subjectMaxLen is the rune cap for derived subjects.
	subjectMaxLen = 100

	// fallbackSubject is used when the transcript has no citizen line to
	// derive a subject from.
	fallbackSubject = "Support request"

	// minutesPerPosition and minWaitMinutes define the wait heuristic:
	// max(position*5, 2). A fixed linear estimate, not a learned one.
	minutesPerPosition = 5
	minWaitMinutes     = 2
)

// Service drives conversations through their lifecycle. It is a stateless
// coordinator: all durable state lives in the store, all messaging in the
// bridge. Broker publishes and system messages are best-effort; store
// transitions and essential bridge calls abort the operation on failure.
type Service struct {
	store       store.Store
	bridge      bridge.Bridge
	publisher   events.Publisher
	broadcaster *Broadcaster
	logger      *slog.Logger
}

// New creates a queue service. publisher may be nil when no broker is
// configured; broadcaster may be nil when no push feed is wanted.
func New(st store.Store, br bridge.Bridge, publisher events.Publisher, broadcaster *Broadcaster, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if broadcaster == nil {
		broadcaster = NewBroadcaster(logger)
	}
	return &Service{
		store:       st,
		bridge:      br,
		publisher:   publisher,
		broadcaster: broadcaster,
		logger:      logger.With("component", "queue"),
	}
}

// Broadcaster returns the queue event broadcaster for feed subscribers.
func (s *Service) Broadcaster() *Broadcaster {
	return s.broadcaster
}

// RequestAgentInput is everything a citizen supplies when asking for a
// human agent.
type RequestAgentInput struct {
	CitizenID   string
	CitizenName string
	Transcript  []store.TranscriptLine
	Priority    *int
	Subject     string
}

// RequestAgentResult is returned to the citizen client: their place in
// line and what they need to join the chat channel directly.
type RequestAgentResult struct {
	ConversationID       string
	QueuePosition        int
	EstimatedWaitMinutes int
	ChannelRef           string
	ChatToken            string
}

// AssignedAgent identifies the agent currently holding a conversation.
type AssignedAgent struct {
	ID   string
	Name string
}

// StatusResult is the citizen-facing view of a conversation's state.
// QueuePosition and EstimatedWaitMinutes are only meaningful while the
// conversation is waiting; position 0 means "state changed, re-fetch".
type StatusResult struct {
	ConversationID       string
	Status               string
	QueuePosition        int
	EstimatedWaitMinutes int
	AssignedAgent        *AssignedAgent
}

// QueueItem is one row of the agent-facing waiting list.
type QueueItem struct {
	Position       int
	ConversationID string
	CitizenID      string
	Subject        string
	Priority       int
	WaitingSince   time.Time
}

// EstimatedWaitMinutes converts a queue position into the advisory wait
// estimate: max(position*5, 2).
func EstimatedWaitMinutes(position int) int {
	if minutes := position * minutesPerPosition; minutes > minWaitMinutes {
		return minutes
	}
	return minWaitMinutes
}

// deriveSubject takes the last citizen-authored transcript line, capped at
// subjectMaxLen runes, falling back to a fixed label.
func deriveSubject(transcript []store.TranscriptLine) string {
	for i := len(transcript) - 1; i >= 0; i-- {
		if transcript[i].Speaker == store.SpeakerCitizen {
			return truncate(transcript[i].Text, subjectMaxLen)
		}
	}
	return fallbackSubject
}

// truncate shortens a string to the given max rune count.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen])
}

// validateTranscript checks the snapshot is structurally sound: known
// speakers and non-empty text on every line.
func validateTranscript(transcript []store.TranscriptLine) error {
	for i, line := range transcript {
		if line.Speaker != store.SpeakerCitizen && line.Speaker != store.SpeakerAssistant {
			return fmt.Errorf("%w: transcript line %d has unknown speaker %q", ErrValidation, i, line.Speaker)
		}
		if line.Text == "" {
			return fmt.Errorf("%w: transcript line %d has empty text", ErrValidation, i)
		}
	}
	return nil
}

// mapStoreErr translates store sentinels into the service taxonomy.
func mapStoreErr(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, store.ErrConflict):
		return ErrConflict
	default:
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
}

// RequestAgent creates a conversation in waiting_agent status, sets up its
// chat channel, replays the AI transcript into the channel for the agent's
// context, and reports the citizen's place in line.
func (s *Service) RequestAgent(ctx context.Context, in RequestAgentInput) (*RequestAgentResult, error) {
	if in.CitizenID == "" {
		return nil, fmt.Errorf("%w: citizen id is required", ErrValidation)
	}
	if err := validateTranscript(in.Transcript); err != nil {
		return nil, err
	}

	priority := defaultPriority
	if in.Priority != nil {
		priority = *in.Priority
	}

	subject := in.Subject
	if subject == "" {
		subject = deriveSubject(in.Transcript)
	} else {
		subject = truncate(subject, subjectMaxLen)
	}

	conversationID := uuid.New().String()

	// Essential bridge steps first: if the provider is down we fail before
	// writing anything, and channel creation is idempotent per
	// conversation so a retry is safe.
	token, err := s.bridge.Identify(ctx, in.CitizenID, in.CitizenName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBridgeUnavailable, err)
	}

	channelRef, err := s.bridge.CreateChannel(ctx, conversationID, in.CitizenID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBridgeUnavailable, err)
	}

	now := time.Now()
	conv := &store.Conversation{
		ID:         conversationID,
		CitizenID:  in.CitizenID,
		ChannelRef: channelRef,
		Status:     store.StatusWaitingAgent,
		Priority:   priority,
		Subject:    subject,
		Transcript: in.Transcript,
		CreatedAt:  now,
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return nil, mapStoreErr(err)
	}

	// Transcript replay is context for the agent, best-effort per line:
	// one failed message does not block the rest.
	for _, line := range in.Transcript {
		text := fmt.Sprintf("[%s] %s", line.Speaker, line.Text)
		if err := s.bridge.PostSystemMessage(ctx, channelRef, text); err != nil {
			s.logger.Warn("failed to replay transcript line",
				"conversation_id", conversationID,
				"error", err)
		}
	}

	position, err := s.QueuePosition(ctx, conversationID)
	if err != nil {
		// The conversation is already committed; report position 0
		// (state changed, re-fetch) instead of failing the request.
		s.logger.Warn("failed to compute queue position",
			"conversation_id", conversationID,
			"error", err)
		position = 0
	}

	s.notify(ctx, events.TypeWaiting, conv, "")
	s.logger.Info("conversation queued",
		"conversation_id", conversationID,
		"citizen_id", in.CitizenID,
		"priority", priority,
		"position", position)

	return &RequestAgentResult{
		ConversationID:       conversationID,
		QueuePosition:        position,
		EstimatedWaitMinutes: EstimatedWaitMinutes(position),
		ChannelRef:           channelRef,
		ChatToken:            token,
	}, nil
}

// QueuePosition returns the 1-based rank of a waiting conversation, or 0
// when it has no queue entry (the status changed under the caller, who
// should re-fetch).
func (s *Service) QueuePosition(ctx context.Context, conversationID string) (int, error) {
	entries, err := s.store.ListQueue(ctx)
	if err != nil {
		return 0, mapStoreErr(err)
	}
	for i, entry := range entries {
		if entry.ConversationID == conversationID {
			return i + 1, nil
		}
	}
	return 0, nil
}

// Status reports a conversation's state to its owning citizen.
func (s *Service) Status(ctx context.Context, conversationID, citizenID string) (*StatusResult, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if conv.CitizenID != citizenID {
		return nil, fmt.Errorf("%w: conversation belongs to another citizen", ErrForbidden)
	}

	result := &StatusResult{
		ConversationID: conversationID,
		Status:         conv.Status,
	}

	if conv.Status == store.StatusWaitingAgent {
		position, err := s.QueuePosition(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		result.QueuePosition = position
		result.EstimatedWaitMinutes = EstimatedWaitMinutes(position)
	}

	if conv.AssignedAgentID != nil {
		agent := &AssignedAgent{ID: *conv.AssignedAgentID}
		if conv.AssignedAgentName != nil {
			agent.Name = *conv.AssignedAgentName
		}
		result.AssignedAgent = agent
	}

	return result, nil
}

// QueueView returns the ordered waiting list for agent dashboards. It uses
// the same ranking as QueuePosition: positions here and positions reported
// to citizens always agree at any single point in time.
func (s *Service) QueueView(ctx context.Context) ([]QueueItem, error) {
	entries, err := s.store.ListQueue(ctx)
	if err != nil {
		return nil, mapStoreErr(err)
	}

	items := make([]QueueItem, 0, len(entries))
	for i, entry := range entries {
		conv, err := s.store.GetConversation(ctx, entry.ConversationID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				// Entry raced with a delete; skip it.
				continue
			}
			return nil, mapStoreErr(err)
		}
		items = append(items, QueueItem{
			Position:       i + 1,
			ConversationID: entry.ConversationID,
			CitizenID:      conv.CitizenID,
			Subject:        conv.Subject,
			Priority:       entry.Priority,
			WaitingSince:   entry.WaitingSince,
		})
	}
	return items, nil
}

// AgentToken mints a chat token for an agent via the bridge, registering
// their chat identity if needed.
func (s *Service) AgentToken(ctx context.Context, agentID, agentName string) (string, error) {
	token, err := s.bridge.Identify(ctx, agentID, agentName)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBridgeUnavailable, err)
	}
	return token, nil
}

// Assign moves a waiting conversation to the accepting agent. The bridge
// step (joining the agent to the channel) comes first: if it fails the
// status change is never committed, so no partial assignment is visible.
// Of two racing assigns exactly one succeeds; the other gets ErrConflict.
func (s *Service) Assign(ctx context.Context, conversationID, agentID, agentName string) error {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return mapStoreErr(err)
	}
	if conv.Status == store.StatusWithAgent {
		return fmt.Errorf("%w: already with an agent", ErrConflict)
	}
	if conv.Status != store.StatusWaitingAgent {
		return fmt.Errorf("%w: conversation is %s", ErrConflict, conv.Status)
	}

	if err := s.bridge.AddParticipant(ctx, conv.ChannelRef, agentID); err != nil {
		return fmt.Errorf("%w: %v", ErrBridgeUnavailable, err)
	}
	s.postSystemMessage(ctx, conv.ChannelRef, fmt.Sprintf("%s has joined the conversation.", displayName(agentName, agentID)))

	now := time.Now()
	if err := s.store.AssignConversation(ctx, conversationID, agentID, agentName, now); err != nil {
		return mapStoreErr(err)
	}

	conv.Status = store.StatusWithAgent
	conv.AssignedAgentID = &agentID
	s.notify(ctx, events.TypeAssigned, conv, agentID)
	s.logger.Info("conversation assigned",
		"conversation_id", conversationID,
		"agent_id", agentID)
	return nil
}

// ReturnToQueue puts an abandoned conversation back in line with a fresh
// waiting-since: it joins the back of its priority band, not its original
// position. Only the holding agent may return a conversation.
func (s *Service) ReturnToQueue(ctx context.Context, conversationID, agentID string) error {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return mapStoreErr(err)
	}
	if conv.Status != store.StatusWithAgent {
		return fmt.Errorf("%w: conversation is %s", ErrConflict, conv.Status)
	}
	if conv.AssignedAgentID == nil || *conv.AssignedAgentID != agentID {
		return fmt.Errorf("%w: conversation is held by another agent", ErrForbidden)
	}

	now := time.Now()
	if err := s.store.ReturnConversation(ctx, conversationID, agentID, now); err != nil {
		return mapStoreErr(err)
	}

	s.postSystemMessage(ctx, conv.ChannelRef, "The agent has left. You are back in the queue and the next available agent will join you.")
	conv.Status = store.StatusWaitingAgent
	s.notify(ctx, events.TypeReturned, conv, agentID)
	s.logger.Info("conversation returned to queue",
		"conversation_id", conversationID,
		"agent_id", agentID)
	return nil
}

// Resolve marks a conversation resolved with the agent's notes. Only the
// holding agent may resolve, and notes are required.
func (s *Service) Resolve(ctx context.Context, conversationID, agentID, notes string) error {
	if notes == "" {
		return fmt.Errorf("%w: resolution notes are required", ErrValidation)
	}

	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return mapStoreErr(err)
	}
	if conv.Status != store.StatusWithAgent {
		return fmt.Errorf("%w: conversation is %s", ErrConflict, conv.Status)
	}
	if conv.AssignedAgentID == nil || *conv.AssignedAgentID != agentID {
		return fmt.Errorf("%w: conversation is held by another agent", ErrForbidden)
	}

	now := time.Now()
	if err := s.store.ResolveConversation(ctx, conversationID, agentID, notes, now); err != nil {
		return mapStoreErr(err)
	}

	s.postSystemMessage(ctx, conv.ChannelRef, "Resolved: "+notes)
	conv.Status = store.StatusResolved
	s.notify(ctx, events.TypeResolved, conv, agentID)
	s.logger.Info("conversation resolved",
		"conversation_id", conversationID,
		"agent_id", agentID)
	return nil
}

// Close ends a conversation on the citizen's initiative, from any live
// status. Closing while still waiting removes the queue entry. The
// optional satisfaction rating must be 1-5.
func (s *Service) Close(ctx context.Context, conversationID, citizenID string, rating *int) error {
	if rating != nil && (*rating < 1 || *rating > 5) {
		return fmt.Errorf("%w: satisfaction rating must be between 1 and 5", ErrValidation)
	}

	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return mapStoreErr(err)
	}
	if conv.CitizenID != citizenID {
		return fmt.Errorf("%w: conversation belongs to another citizen", ErrForbidden)
	}

	now := time.Now()
	if err := s.store.CloseConversation(ctx, conversationID, rating, now); err != nil {
		return mapStoreErr(err)
	}

	s.postSystemMessage(ctx, conv.ChannelRef, "This conversation has been closed. Thank you for contacting MyRoxas support.")
	conv.Status = store.StatusClosed
	s.notify(ctx, events.TypeClosed, conv, "")
	s.logger.Info("conversation closed",
		"conversation_id", conversationID,
		"citizen_id", citizenID)
	return nil
}

// Delete is the agent-only administrative hard removal. It bypasses status
// checks: the channel is deleted best-effort, then the record and any
// queue entry go away for good.
func (s *Service) Delete(ctx context.Context, conversationID, agentID string) error {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return mapStoreErr(err)
	}

	if err := s.bridge.DeleteChannel(ctx, conv.ChannelRef); err != nil {
		s.logger.Warn("failed to delete channel, removing record anyway",
			"conversation_id", conversationID,
			"channel", conv.ChannelRef,
			"error", err)
	}

	if err := s.store.DeleteConversation(ctx, conversationID); err != nil {
		return mapStoreErr(err)
	}

	s.notify(ctx, events.TypeDeleted, conv, agentID)
	s.logger.Info("conversation deleted",
		"conversation_id", conversationID,
		"agent_id", agentID)
	return nil
}

// postSystemMessage is the best-effort wrapper: failures are logged and
// swallowed, never propagated.
func (s *Service) postSystemMessage(ctx context.Context, channelRef, text string) {
	if err := s.bridge.PostSystemMessage(ctx, channelRef, text); err != nil {
		s.logger.Warn("failed to post system message",
			"channel", channelRef,
			"error", err)
	}
}

// notify publishes the transition to the broker and the in-process
// broadcaster. Both are best-effort.
func (s *Service) notify(ctx context.Context, eventType string, conv *store.Conversation, agentID string) {
	data := events.ConversationEvent{
		ConversationID: conv.ID,
		CitizenID:      conv.CitizenID,
		Status:         conv.Status,
		Priority:       conv.Priority,
	}
	if agentID != "" {
		data.AgentID = &agentID
	}

	if err := s.publisher.Publish(ctx, events.RoutingKey(eventType), events.NewEnvelope(eventType, data)); err != nil {
		s.logger.Warn("failed to publish event",
			"type", eventType,
			"conversation_id", conv.ID,
			"error", err)
	}

	s.broadcaster.Publish(QueueEvent{
		Type:           eventType,
		ConversationID: conv.ID,
		Subject:        conv.Subject,
		Priority:       conv.Priority,
		AgentID:        agentID,
		At:             time.Now().UTC(),
	})
}

// displayName prefers the human name, falling back to the id.
func displayName(name, id string) string {
	if name != "" {
		return name
	}
	return id
}
