// ABOUTME: Tests for event envelope construction and routing keys
// ABOUTME: Verifies correlation, versioning, and JSON field names

package events

import (
	"encoding/json"
	"testing"
	"time"
)

func TestRoutingKey(t *testing.T) {
	if got := RoutingKey(TypeWaiting); got != "support.conversation.waiting" {
		t.Errorf("RoutingKey: got %q", got)
	}
	if got := RoutingKey(TypeDeleted); got != "support.conversation.deleted" {
		t.Errorf("RoutingKey: got %q", got)
	}
}

func TestNewEnvelope(t *testing.T) {
	agentID := "agent-1"
	env := NewEnvelope(TypeAssigned, ConversationEvent{
		ConversationID: "conv-1",
		CitizenID:      "citizen-1",
		Status:         "with_agent",
		Priority:       5,
		AgentID:        &agentID,
	})

	if env.Meta.Type != TypeAssigned {
		t.Errorf("Meta.Type: got %q", env.Meta.Type)
	}
	if env.Meta.Version != 1 {
		t.Errorf("Meta.Version: got %d", env.Meta.Version)
	}
	if env.Meta.ID == "" {
		t.Error("Meta.ID must be set")
	}
	if env.Meta.CorrelationID == nil || *env.Meta.CorrelationID != "conv-1" {
		t.Errorf("Meta.CorrelationID: got %v", env.Meta.CorrelationID)
	}
	if env.Meta.OccurredAt.IsZero() || env.Meta.OccurredAt.After(time.Now().Add(time.Second)) {
		t.Errorf("Meta.OccurredAt: got %v", env.Meta.OccurredAt)
	}
}

func TestEnvelope_JSONShape(t *testing.T) {
	env := NewEnvelope(TypeWaiting, ConversationEvent{
		ConversationID: "conv-1",
		CitizenID:      "citizen-1",
		Status:         "waiting_agent",
		Priority:       8,
	})

	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var decoded struct {
		Meta struct {
			Type          string `json:"type"`
			CorrelationID string `json:"correlation_id"`
		} `json:"meta"`
		Data struct {
			ConversationID string  `json:"conversation_id"`
			Priority       int     `json:"priority"`
			AgentID        *string `json:"agent_id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if decoded.Meta.Type != "waiting" {
		t.Errorf("meta.type: got %q", decoded.Meta.Type)
	}
	if decoded.Data.ConversationID != "conv-1" {
		t.Errorf("data.conversation_id: got %q", decoded.Data.ConversationID)
	}
	if decoded.Data.Priority != 8 {
		t.Errorf("data.priority: got %d", decoded.Data.Priority)
	}
	if decoded.Data.AgentID != nil {
		t.Error("agent_id should be omitted when no agent acted")
	}
}
