// ABOUTME: HTTP handlers for the conversation lifecycle API
// ABOUTME: Validates caller identity/role, decodes JSON bodies, delegates to the queue service

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/myroxas/support-gateway/internal/auth"
	"github.com/myroxas/support-gateway/internal/queue"
	"github.com/myroxas/support-gateway/internal/store"
)

// QueueService is what the handlers need from the queue layer. An
// interface so tests can inject a mock implementation.
type QueueService interface {
	RequestAgent(ctx context.Context, in queue.RequestAgentInput) (*queue.RequestAgentResult, error)
	Status(ctx context.Context, conversationID, citizenID string) (*queue.StatusResult, error)
	QueueView(ctx context.Context) ([]queue.QueueItem, error)
	AgentToken(ctx context.Context, agentID, agentName string) (string, error)
	Assign(ctx context.Context, conversationID, agentID, agentName string) error
	ReturnToQueue(ctx context.Context, conversationID, agentID string) error
	Resolve(ctx context.Context, conversationID, agentID, notes string) error
	Close(ctx context.Context, conversationID, citizenID string, rating *int) error
	Delete(ctx context.Context, conversationID, agentID string) error
	Broadcaster() *queue.Broadcaster
}

// API serves the support endpoints.
type API struct {
	service  QueueService
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// New creates the API handler set.
func New(service QueueService, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		service: service,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Dashboards are served from the portal's own origins; origin
			// policy is enforced by the reverse proxy in front of us.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.With("component", "api"),
	}
}

// TranscriptLine is the wire form of one captured AI-chat line.
type TranscriptLine struct {
	Speaker    string    `json:"speaker"`
	Text       string    `json:"text"`
	OccurredAt time.Time `json:"occurred_at"`
}

// RequestAgentRequest is the JSON body for POST /api/support/conversations.
type RequestAgentRequest struct {
	Transcript []TranscriptLine `json:"transcript"`
	Priority   *int             `json:"priority,omitempty"`
	Subject    string           `json:"subject,omitempty"`
}

// RequestAgentResponse tells the citizen where they are in line and how to
// join the chat channel.
type RequestAgentResponse struct {
	ConversationID       string `json:"conversation_id"`
	QueuePosition        int    `json:"queue_position"`
	EstimatedWaitMinutes int    `json:"estimated_wait_minutes"`
	ChannelRef           string `json:"channel_ref"`
	ChatToken            string `json:"chat_token"`
}

// AssignedAgent is the agent portion of a status response.
type AssignedAgent struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// StatusResponse is the JSON response for GET .../status.
type StatusResponse struct {
	ConversationID       string         `json:"conversation_id"`
	Status               string         `json:"status"`
	QueuePosition        int            `json:"queue_position"`
	EstimatedWaitMinutes int            `json:"estimated_wait_minutes"`
	AssignedAgent        *AssignedAgent `json:"assigned_agent"`
}

// AgentTokenResponse carries a freshly minted agent chat token.
type AgentTokenResponse struct {
	ChatToken string `json:"chat_token"`
}

// QueueItem is one row of the agent queue view.
type QueueItem struct {
	Position       int       `json:"position"`
	ConversationID string    `json:"conversation_id"`
	CitizenID      string    `json:"citizen_id"`
	Subject        string    `json:"subject"`
	Priority       int       `json:"priority"`
	WaitingSince   time.Time `json:"waiting_since"`
}

// QueueResponse is the JSON response for GET /api/support/queue.
type QueueResponse struct {
	Items []QueueItem `json:"items"`
}

// ResolveRequest is the JSON body for POST .../resolve.
type ResolveRequest struct {
	Notes string `json:"notes"`
}

// CloseRequest is the JSON body for POST .../close.
type CloseRequest struct {
	SatisfactionRating *int `json:"satisfaction_rating,omitempty"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// writeError maps the queue error taxonomy onto HTTP statuses with a
// structured body. Bridge/store failures are the retryable kinds.
func (a *API) writeError(w http.ResponseWriter, err error) {
	kind := "internal"
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, queue.ErrValidation):
		kind, status = "validation_error", http.StatusBadRequest
	case errors.Is(err, queue.ErrForbidden):
		kind, status = "forbidden", http.StatusForbidden
	case errors.Is(err, queue.ErrNotFound):
		kind, status = "not_found", http.StatusNotFound
	case errors.Is(err, queue.ErrConflict):
		kind, status = "conflict", http.StatusConflict
	case errors.Is(err, queue.ErrBridgeUnavailable):
		kind, status = "bridge_unavailable", http.StatusServiceUnavailable
	case errors.Is(err, queue.ErrStoreUnavailable):
		kind, status = "store_unavailable", http.StatusServiceUnavailable
	default:
		a.logger.Error("unexpected error", "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorBody{Error: errorDetail{Kind: kind, Message: err.Error()}})
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// handleRequestAgent handles POST /api/support/conversations.
func (a *API) handleRequestAgent(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())

	var req RequestAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeJSON(w, http.StatusBadRequest, errorBody{Error: errorDetail{Kind: "validation_error", Message: "invalid JSON body"}})
		return
	}

	transcript := make([]store.TranscriptLine, len(req.Transcript))
	for i, line := range req.Transcript {
		transcript[i] = store.TranscriptLine{
			Speaker:    line.Speaker,
			Text:       line.Text,
			OccurredAt: line.OccurredAt,
		}
	}

	result, err := a.service.RequestAgent(r.Context(), queue.RequestAgentInput{
		CitizenID:   identity.UserID,
		CitizenName: identity.Name,
		Transcript:  transcript,
		Priority:    req.Priority,
		Subject:     req.Subject,
	})
	if err != nil {
		a.writeError(w, err)
		return
	}

	a.writeJSON(w, http.StatusCreated, RequestAgentResponse{
		ConversationID:       result.ConversationID,
		QueuePosition:        result.QueuePosition,
		EstimatedWaitMinutes: result.EstimatedWaitMinutes,
		ChannelRef:           result.ChannelRef,
		ChatToken:            result.ChatToken,
	})
}

// handleStatus handles GET /api/support/conversations/{id}/status.
func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	conversationID := r.PathValue("id")

	result, err := a.service.Status(r.Context(), conversationID, identity.UserID)
	if err != nil {
		a.writeError(w, err)
		return
	}

	resp := StatusResponse{
		ConversationID:       result.ConversationID,
		Status:               result.Status,
		QueuePosition:        result.QueuePosition,
		EstimatedWaitMinutes: result.EstimatedWaitMinutes,
	}
	if result.AssignedAgent != nil {
		resp.AssignedAgent = &AssignedAgent{ID: result.AssignedAgent.ID, Name: result.AssignedAgent.Name}
	}

	a.writeJSON(w, http.StatusOK, resp)
}

// handleAgentToken handles POST /api/support/agent/token.
func (a *API) handleAgentToken(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())

	token, err := a.service.AgentToken(r.Context(), identity.UserID, identity.Name)
	if err != nil {
		a.writeError(w, err)
		return
	}

	a.writeJSON(w, http.StatusOK, AgentTokenResponse{ChatToken: token})
}

// handleAccept handles POST /api/support/conversations/{id}/accept.
// The accepting agent is joined to the channel and the conversation moves
// to with_agent.
func (a *API) handleAccept(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	conversationID := r.PathValue("id")

	if err := a.service.Assign(r.Context(), conversationID, identity.UserID, identity.Name); err != nil {
		a.writeError(w, err)
		return
	}

	a.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleResolve handles POST /api/support/conversations/{id}/resolve.
func (a *API) handleResolve(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	conversationID := r.PathValue("id")

	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeJSON(w, http.StatusBadRequest, errorBody{Error: errorDetail{Kind: "validation_error", Message: "invalid JSON body"}})
		return
	}

	if err := a.service.Resolve(r.Context(), conversationID, identity.UserID, req.Notes); err != nil {
		a.writeError(w, err)
		return
	}

	a.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleClose handles POST /api/support/conversations/{id}/close.
func (a *API) handleClose(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	conversationID := r.PathValue("id")

	// Empty body is allowed: the rating is optional.
	var req CloseRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			a.writeJSON(w, http.StatusBadRequest, errorBody{Error: errorDetail{Kind: "validation_error", Message: "invalid JSON body"}})
			return
		}
	}

	if err := a.service.Close(r.Context(), conversationID, identity.UserID, req.SatisfactionRating); err != nil {
		a.writeError(w, err)
		return
	}

	a.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleReturn handles POST /api/support/conversations/{id}/return.
func (a *API) handleReturn(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	conversationID := r.PathValue("id")

	if err := a.service.ReturnToQueue(r.Context(), conversationID, identity.UserID); err != nil {
		a.writeError(w, err)
		return
	}

	a.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleDelete handles DELETE /api/support/conversations/{id}.
func (a *API) handleDelete(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	conversationID := r.PathValue("id")

	if err := a.service.Delete(r.Context(), conversationID, identity.UserID); err != nil {
		a.writeError(w, err)
		return
	}

	a.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleQueue handles GET /api/support/queue: the agent-facing ordered
// waiting list.
func (a *API) handleQueue(w http.ResponseWriter, r *http.Request) {
	items, err := a.service.QueueView(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}

	resp := QueueResponse{Items: make([]QueueItem, len(items))}
	for i, item := range items {
		resp.Items[i] = QueueItem{
			Position:       item.Position,
			ConversationID: item.ConversationID,
			CitizenID:      item.CitizenID,
			Subject:        item.Subject,
			Priority:       item.Priority,
			WaitingSince:   item.WaitingSince,
		}
	}

	a.writeJSON(w, http.StatusOK, resp)
}

// feedWriteTimeout bounds each websocket write so one dead dashboard
// cannot wedge the handler.
const feedWriteTimeout = 10 * time.Second

// handleQueueFeed handles GET /api/support/queue/feed: a websocket stream
// of queue events for agent dashboards.
func (a *API) handleQueueFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	eventCh, subID := a.service.Broadcaster().Subscribe(ctx)
	a.logger.Debug("queue feed connected", "sub_id", subID)

	// Read pump: we expect no client messages, but reading is how we
	// notice the peer went away.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	for event := range eventCh {
		conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
		if err := conn.WriteJSON(event); err != nil {
			a.logger.Debug("queue feed write failed", "sub_id", subID, "error", err)
			return
		}
	}
}
