// ABOUTME: Route registration for the support API
// ABOUTME: Applies auth middleware per route and the agent-role guard on CSM endpoints

package api

import (
	"net/http"

	"github.com/myroxas/support-gateway/internal/auth"
)

// Register wires all support routes onto mux. Every route requires a valid
// bearer token; the agent-facing routes additionally require the csm role.
func (a *API) Register(mux *http.ServeMux, verifier auth.TokenVerifier) {
	authed := auth.Middleware(verifier)
	agent := func(h http.HandlerFunc) http.Handler {
		return authed(auth.RequireAgent()(h))
	}

	// Citizen-facing.
	mux.Handle("POST /api/support/conversations", authed(http.HandlerFunc(a.handleRequestAgent)))
	mux.Handle("GET /api/support/conversations/{id}/status", authed(http.HandlerFunc(a.handleStatus)))
	mux.Handle("POST /api/support/conversations/{id}/close", authed(http.HandlerFunc(a.handleClose)))

	// Agent-facing.
	mux.Handle("POST /api/support/agent/token", agent(a.handleAgentToken))
	mux.Handle("POST /api/support/conversations/{id}/accept", agent(a.handleAccept))
	mux.Handle("POST /api/support/conversations/{id}/resolve", agent(a.handleResolve))
	mux.Handle("POST /api/support/conversations/{id}/return", agent(a.handleReturn))
	mux.Handle("DELETE /api/support/conversations/{id}", agent(a.handleDelete))
	mux.Handle("GET /api/support/queue", agent(a.handleQueue))
	mux.Handle("GET /api/support/queue/feed", agent(a.handleQueueFeed))
}
