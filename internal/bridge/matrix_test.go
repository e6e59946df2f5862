// ABOUTME: Tests for the Matrix bridge: identifier mapping and room lifecycle
// ABOUTME: Covers localpart sanitization, alias construction, and channel create idempotence

package bridge

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

func testBridge(t *testing.T) *MatrixBridge {
	t.Helper()
	b, err := NewMatrixBridge(MatrixConfig{
		Homeserver:  "https://matrix.example.org",
		ServerName:  "example.org",
		UserID:      "@myroxas-bot:example.org",
		AccessToken: "test-token",
	}, nil)
	if err != nil {
		t.Fatalf("NewMatrixBridge failed: %v", err)
	}
	return b
}

func TestSanitizeLocalpart(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"citizen-123", "citizen-123"},
		{"Citizen-123", "citizen-123"},
		{"juan.delacruz", "juan.delacruz"},
		{"user@roxas.gov.ph", "user-roxas.gov.ph"},
		{"ID With Spaces", "id-with-spaces"},
		{"under_score=ok", "under_score=ok"},
	}

	for _, tt := range tests {
		if got := sanitizeLocalpart(tt.in); got != tt.want {
			t.Errorf("sanitizeLocalpart(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestUserID(t *testing.T) {
	b := testBridge(t)

	got := b.userID("Citizen-123")
	want := "@myroxas_citizen-123:example.org"
	if got.String() != want {
		t.Errorf("userID: got %q, want %q", got, want)
	}
}

func TestUserID_CustomPrefix(t *testing.T) {
	b, err := NewMatrixBridge(MatrixConfig{
		Homeserver:      "https://matrix.example.org",
		ServerName:      "example.org",
		UserID:          "@bot:example.org",
		AccessToken:     "t",
		LocalpartPrefix: "support_",
	}, nil)
	if err != nil {
		t.Fatalf("NewMatrixBridge failed: %v", err)
	}

	got := b.userID("u1")
	if got.String() != "@support_u1:example.org" {
		t.Errorf("userID: got %q", got)
	}
}

// testServerBridge points a bridge at a stub homeserver.
func testServerBridge(t *testing.T, handler http.Handler) *MatrixBridge {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	b, err := NewMatrixBridge(MatrixConfig{
		Homeserver:  srv.URL,
		ServerName:  "example.org",
		UserID:      "@myroxas-bot:example.org",
		AccessToken: "test-token",
	}, nil)
	if err != nil {
		t.Fatalf("NewMatrixBridge failed: %v", err)
	}
	return b
}

func TestCreateChannel_Idempotent(t *testing.T) {
	const roomID = "!support-room:example.org"
	var mu sync.Mutex
	creates := 0

	b := testServerBridge(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.Contains(r.URL.Path, "/directory/room/"):
			mu.Lock()
			exists := creates > 0
			mu.Unlock()
			if !exists {
				w.WriteHeader(http.StatusNotFound)
				fmt.Fprint(w, `{"errcode":"M_NOT_FOUND","error":"Room alias not found"}`)
				return
			}
			fmt.Fprintf(w, `{"room_id":%q,"servers":["example.org"]}`, roomID)
		case strings.HasSuffix(r.URL.Path, "/createRoom"):
			mu.Lock()
			creates++
			mu.Unlock()
			fmt.Fprintf(w, `{"room_id":%q}`, roomID)
		default:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"errcode":"M_UNRECOGNIZED","error":"unknown endpoint"}`)
		}
	}))

	ctx := context.Background()
	first, err := b.CreateChannel(ctx, "conv-1", "citizen-1")
	if err != nil {
		t.Fatalf("first CreateChannel failed: %v", err)
	}
	second, err := b.CreateChannel(ctx, "conv-1", "citizen-1")
	if err != nil {
		t.Fatalf("second CreateChannel failed: %v", err)
	}

	if first != roomID {
		t.Errorf("CreateChannel returned %q, want %q", first, roomID)
	}
	if second != first {
		t.Errorf("second CreateChannel returned %q, want %q", second, first)
	}
	mu.Lock()
	defer mu.Unlock()
	if creates != 1 {
		t.Errorf("createRoom called %d times, want 1", creates)
	}
}

func TestCreateChannel_LostCreateRace(t *testing.T) {
	const winnerRoom = "!winner:example.org"
	var mu sync.Mutex
	resolves := 0

	b := testServerBridge(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.Contains(r.URL.Path, "/directory/room/"):
			// The alias only resolves after the racing create has won.
			mu.Lock()
			resolves++
			first := resolves == 1
			mu.Unlock()
			if first {
				w.WriteHeader(http.StatusNotFound)
				fmt.Fprint(w, `{"errcode":"M_NOT_FOUND","error":"Room alias not found"}`)
				return
			}
			fmt.Fprintf(w, `{"room_id":%q,"servers":["example.org"]}`, winnerRoom)
		case strings.HasSuffix(r.URL.Path, "/createRoom"):
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"errcode":"M_ROOM_IN_USE","error":"Room alias already taken"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"errcode":"M_UNRECOGNIZED","error":"unknown endpoint"}`)
		}
	}))

	got, err := b.CreateChannel(context.Background(), "conv-1", "citizen-1")
	if err != nil {
		t.Fatalf("CreateChannel failed: %v", err)
	}
	if got != winnerRoom {
		t.Errorf("CreateChannel = %q, want the winner's room %q", got, winnerRoom)
	}
}

func TestChannelAlias(t *testing.T) {
	b := testBridge(t)

	got := b.channelAlias("A2F0-11EE")
	if got != "support-a2f0-11ee" {
		t.Errorf("channelAlias: got %q", got)
	}

	// The same conversation always maps to the same alias.
	if b.channelAlias("A2F0-11EE") != got {
		t.Error("channelAlias is not deterministic")
	}
}
