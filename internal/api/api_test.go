// ABOUTME: Tests for the support API handlers
// ABOUTME: Covers auth enforcement, JSON decoding, and error taxonomy mapping

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myroxas/support-gateway/internal/auth"
	"github.com/myroxas/support-gateway/internal/queue"
)

// mockService implements QueueService with canned results.
type mockService struct {
	requestResult *queue.RequestAgentResult
	statusResult  *queue.StatusResult
	queueItems    []queue.QueueItem
	token         string
	err           error

	broadcaster *queue.Broadcaster

	lastInput          queue.RequestAgentInput
	lastConversationID string
	lastAgentID        string
	lastNotes          string
	lastRating         *int
}

func (m *mockService) RequestAgent(ctx context.Context, in queue.RequestAgentInput) (*queue.RequestAgentResult, error) {
	m.lastInput = in
	return m.requestResult, m.err
}

func (m *mockService) Status(ctx context.Context, conversationID, citizenID string) (*queue.StatusResult, error) {
	m.lastConversationID = conversationID
	return m.statusResult, m.err
}

func (m *mockService) QueueView(ctx context.Context) ([]queue.QueueItem, error) {
	return m.queueItems, m.err
}

func (m *mockService) AgentToken(ctx context.Context, agentID, agentName string) (string, error) {
	m.lastAgentID = agentID
	return m.token, m.err
}

func (m *mockService) Assign(ctx context.Context, conversationID, agentID, agentName string) error {
	m.lastConversationID = conversationID
	m.lastAgentID = agentID
	return m.err
}

func (m *mockService) ReturnToQueue(ctx context.Context, conversationID, agentID string) error {
	m.lastConversationID = conversationID
	m.lastAgentID = agentID
	return m.err
}

func (m *mockService) Resolve(ctx context.Context, conversationID, agentID, notes string) error {
	m.lastConversationID = conversationID
	m.lastNotes = notes
	return m.err
}

func (m *mockService) Close(ctx context.Context, conversationID, citizenID string, rating *int) error {
	m.lastConversationID = conversationID
	m.lastRating = rating
	return m.err
}

func (m *mockService) Delete(ctx context.Context, conversationID, agentID string) error {
	m.lastConversationID = conversationID
	return m.err
}

func (m *mockService) Broadcaster() *queue.Broadcaster {
	if m.broadcaster == nil {
		m.broadcaster = queue.NewBroadcaster(nil)
	}
	return m.broadcaster
}

var testVerifier = auth.NewJWTVerifier([]byte("test-secret"))

func newTestMux(t *testing.T, svc *mockService) *http.ServeMux {
	t.Helper()
	mux := http.NewServeMux()
	New(svc, nil).Register(mux, testVerifier)
	return mux
}

func bearerFor(t *testing.T, identity *auth.Identity) string {
	t.Helper()
	token, err := testVerifier.Generate(identity, time.Hour)
	require.NoError(t, err)
	return "Bearer " + token
}

func citizenAuth(t *testing.T) string {
	return bearerFor(t, &auth.Identity{UserID: "citizen-1", Role: auth.RoleCitizen, Name: "Juan"})
}

func agentAuth(t *testing.T) string {
	return bearerFor(t, &auth.Identity{UserID: "agent-1", Role: auth.RoleCSM, Name: "Maria"})
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path, authHeader string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestRequestAgent(t *testing.T) {
	svc := &mockService{
		requestResult: &queue.RequestAgentResult{
			ConversationID:       "conv-1",
			QueuePosition:        3,
			EstimatedWaitMinutes: 15,
			ChannelRef:           "!room:example.org",
			ChatToken:            "chat-token",
		},
	}
	mux := newTestMux(t, svc)

	rec := doJSON(t, mux, http.MethodPost, "/api/support/conversations", citizenAuth(t), RequestAgentRequest{
		Transcript: []TranscriptLine{
			{Speaker: "citizen", Text: "My water bill looks wrong", OccurredAt: time.Now()},
		},
	})

	require.Equal(t, http.StatusCreated, rec.Code)

	var resp RequestAgentResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "conv-1", resp.ConversationID)
	assert.Equal(t, 3, resp.QueuePosition)
	assert.Equal(t, 15, resp.EstimatedWaitMinutes)
	assert.Equal(t, "chat-token", resp.ChatToken)

	// Identity comes from the token, not the body.
	assert.Equal(t, "citizen-1", svc.lastInput.CitizenID)
	assert.Equal(t, "Juan", svc.lastInput.CitizenName)
	require.Len(t, svc.lastInput.Transcript, 1)
	assert.Equal(t, "My water bill looks wrong", svc.lastInput.Transcript[0].Text)
}

func TestRequestAgent_InvalidJSON(t *testing.T) {
	mux := newTestMux(t, &mockService{})

	req := httptest.NewRequest(http.MethodPost, "/api/support/conversations", strings.NewReader("{not json"))
	req.Header.Set("Authorization", citizenAuth(t))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRequestAgent_Unauthorized(t *testing.T) {
	mux := newTestMux(t, &mockService{})

	rec := doJSON(t, mux, http.MethodPost, "/api/support/conversations", "", RequestAgentRequest{})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStatus(t *testing.T) {
	svc := &mockService{
		statusResult: &queue.StatusResult{
			ConversationID:       "conv-1",
			Status:               "with_agent",
			AssignedAgent:        &queue.AssignedAgent{ID: "agent-1", Name: "Maria"},
			QueuePosition:        0,
			EstimatedWaitMinutes: 0,
		},
	}
	mux := newTestMux(t, svc)

	rec := doJSON(t, mux, http.MethodGet, "/api/support/conversations/conv-1/status", citizenAuth(t), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "with_agent", resp.Status)
	require.NotNil(t, resp.AssignedAgent)
	assert.Equal(t, "Maria", resp.AssignedAgent.Name)
	assert.Equal(t, "conv-1", svc.lastConversationID)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantKind   string
	}{
		{"validation", queue.ErrValidation, http.StatusBadRequest, "validation_error"},
		{"forbidden", queue.ErrForbidden, http.StatusForbidden, "forbidden"},
		{"not found", queue.ErrNotFound, http.StatusNotFound, "not_found"},
		{"conflict", queue.ErrConflict, http.StatusConflict, "conflict"},
		{"bridge down", queue.ErrBridgeUnavailable, http.StatusServiceUnavailable, "bridge_unavailable"},
		{"store down", queue.ErrStoreUnavailable, http.StatusServiceUnavailable, "store_unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := newTestMux(t, &mockService{err: tt.err})

			rec := doJSON(t, mux, http.MethodGet, "/api/support/conversations/conv-1/status", citizenAuth(t), nil)
			assert.Equal(t, tt.wantStatus, rec.Code)

			var body errorBody
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, tt.wantKind, body.Error.Kind)
			assert.NotEmpty(t, body.Error.Message)
		})
	}
}

func TestAgentEndpoints_RequireCSMRole(t *testing.T) {
	mux := newTestMux(t, &mockService{})
	citizen := citizenAuth(t)

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/api/support/agent/token"},
		{http.MethodPost, "/api/support/conversations/conv-1/accept"},
		{http.MethodPost, "/api/support/conversations/conv-1/resolve"},
		{http.MethodPost, "/api/support/conversations/conv-1/return"},
		{http.MethodDelete, "/api/support/conversations/conv-1"},
		{http.MethodGet, "/api/support/queue"},
	}

	for _, p := range paths {
		rec := doJSON(t, mux, p.method, p.path, citizen, nil)
		assert.Equal(t, http.StatusForbidden, rec.Code, "%s %s", p.method, p.path)
	}
}

func TestAccept(t *testing.T) {
	svc := &mockService{}
	mux := newTestMux(t, svc)

	rec := doJSON(t, mux, http.MethodPost, "/api/support/conversations/conv-1/accept", agentAuth(t), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "conv-1", svc.lastConversationID)
	assert.Equal(t, "agent-1", svc.lastAgentID)
}

func TestResolve(t *testing.T) {
	svc := &mockService{}
	mux := newTestMux(t, svc)

	rec := doJSON(t, mux, http.MethodPost, "/api/support/conversations/conv-1/resolve", agentAuth(t),
		ResolveRequest{Notes: "Fixed the billing record"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Fixed the billing record", svc.lastNotes)
}

func TestClose_WithRating(t *testing.T) {
	svc := &mockService{}
	mux := newTestMux(t, svc)

	rating := 4
	rec := doJSON(t, mux, http.MethodPost, "/api/support/conversations/conv-1/close", citizenAuth(t),
		CloseRequest{SatisfactionRating: &rating})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, svc.lastRating)
	assert.Equal(t, 4, *svc.lastRating)
}

func TestClose_EmptyBody(t *testing.T) {
	svc := &mockService{}
	mux := newTestMux(t, svc)

	req := httptest.NewRequest(http.MethodPost, "/api/support/conversations/conv-1/close", nil)
	req.Header.Set("Authorization", citizenAuth(t))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, svc.lastRating)
}

func TestQueue(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	svc := &mockService{
		queueItems: []queue.QueueItem{
			{Position: 1, ConversationID: "conv-1", CitizenID: "citizen-1", Subject: "Flooding", Priority: 8, WaitingSince: now},
			{Position: 2, ConversationID: "conv-2", CitizenID: "citizen-2", Subject: "Permit", Priority: 5, WaitingSince: now},
		},
	}
	mux := newTestMux(t, svc)

	rec := doJSON(t, mux, http.MethodGet, "/api/support/queue", agentAuth(t), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp QueueResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Items, 2)
	assert.Equal(t, "Flooding", resp.Items[0].Subject)
	assert.Equal(t, 8, resp.Items[0].Priority)
	assert.Equal(t, 2, resp.Items[1].Position)
}

func TestAgentToken(t *testing.T) {
	svc := &mockService{token: "chat-token-agent-1"}
	mux := newTestMux(t, svc)

	rec := doJSON(t, mux, http.MethodPost, "/api/support/agent/token", agentAuth(t), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp AgentTokenResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "chat-token-agent-1", resp.ChatToken)
	assert.Equal(t, "agent-1", svc.lastAgentID)
}

func TestQueueFeed(t *testing.T) {
	svc := &mockService{}
	mux := newTestMux(t, svc)

	server := httptest.NewServer(mux)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/support/queue/feed"
	header := http.Header{}
	header.Set("Authorization", agentAuth(t))

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer conn.Close()

	// Give the handler time to subscribe before publishing.
	require.Eventually(t, func() bool {
		svc.Broadcaster().Publish(queue.QueueEvent{
			Type:           "waiting",
			ConversationID: "conv-1",
			Priority:       5,
			At:             time.Now().UTC(),
		})

		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		var event queue.QueueEvent
		if err := conn.ReadJSON(&event); err != nil {
			return false
		}
		assert.Equal(t, "waiting", event.Type)
		assert.Equal(t, "conv-1", event.ConversationID)
		return true
	}, 3*time.Second, 50*time.Millisecond)
}

func TestQueueFeed_CitizenForbidden(t *testing.T) {
	mux := newTestMux(t, &mockService{})

	rec := doJSON(t, mux, http.MethodGet, "/api/support/queue/feed", citizenAuth(t), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
