// Package httpapi serves the engagement engine's /chat and /memory/reset
// endpoints over net/http, implementing the Dispatch Adapter's external
// response-code contract.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/briarhollow/npcrelay/internal/npc"
	"github.com/briarhollow/npcrelay/internal/ratelimit"
	"github.com/briarhollow/npcrelay/internal/resilience"
	"github.com/briarhollow/npcrelay/pkg/provider/llm"
)

// Engine is the subset of *npc.Engine the HTTP layer depends on.
type Engine interface {
	Dispatch(ctx context.Context, provider llm.Provider, breaker *resilience.CircuitBreaker, speakerID, speakerName, text string) npc.DispatchResult
	Reset()
}

// chatRequest is the wire format of a POST /chat request body.
type chatRequest struct {
	Speaker  string `json:"speaker"`
	Message  string `json:"message"`
	AvatarID string `json:"avatarId"`
}

// Handler serves /chat and /memory/reset. It is safe for concurrent use;
// all mutable state lives in the wrapped Engine and Limiter.
type Handler struct {
	engine   Engine
	provider llm.Provider
	breaker  *resilience.CircuitBreaker
	limiter  *ratelimit.Limiter
}

// New constructs a Handler. limiter may be nil, in which case no rate
// limiting is applied.
func New(engine Engine, provider llm.Provider, breaker *resilience.CircuitBreaker, limiter *ratelimit.Limiter) *Handler {
	return &Handler{engine: engine, provider: provider, breaker: breaker, limiter: limiter}
}

// Register adds the /chat and /memory/reset routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /chat", h.Chat)
	mux.HandleFunc("POST /memory/reset", h.MemoryReset)
}

// Chat ingests one speaker message and runs it through the Dispatch Adapter,
// translating the result into the endpoint's response-code contract: 200
// with the reply on engagement, 202 on decline, 204 on a reset command, 400
// on a malformed request, 429 when the rate limiter refuses, 5xx on LLM
// transport failure.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	if h.limiter != nil && !h.limiter.Allow() {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if req.Speaker == "" || req.Message == "" {
		http.Error(w, "speaker and message are required", http.StatusBadRequest)
		return
	}

	avatarID := req.AvatarID
	if avatarID == "" {
		avatarID = req.Speaker
	}

	result := h.engine.Dispatch(r.Context(), h.provider, h.breaker, avatarID, req.Speaker, req.Message)

	if result.Status >= 500 {
		slog.Warn("chat dispatch failed", "speaker", req.Speaker, "status", result.Status, "body", result.Body)
	}

	w.WriteHeader(result.Status)
	if result.Body != "" {
		if _, err := w.Write([]byte(result.Body)); err != nil {
			slog.Warn("failed writing chat response body", "err", err)
		}
	}
}

// MemoryReset resets the engine's conversation, buffers, and state machine.
func (h *Handler) MemoryReset(w http.ResponseWriter, _ *http.Request) {
	h.engine.Reset()
	w.WriteHeader(http.StatusNoContent)
}
