package npc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/briarhollow/npcrelay/internal/resilience"
	"github.com/briarhollow/npcrelay/pkg/provider/llm"
	"github.com/briarhollow/npcrelay/pkg/types"
)

// resetCommands are the in-band phrases that trigger a reset instead of a
// conversation turn.
var resetCommands = map[string]bool{
	"reset": true,
	"清除":    true,
}

// DispatchResult carries the HTTP-facing outcome of one ingested message,
// per the response-code contract: 200 with a reply, 202 when declined, 204
// on a successful reset, or 5xx on LLM transport failure.
type DispatchResult struct {
	Status int
	Body   string
}

// Dispatch runs one ingested message through the full engagement pipeline:
// reset-command detection, buffer ingest, rendezvous with the state
// machine, prompt assembly, LLM invocation outside the lock, and recovery
// on failure.
func (e *Engine) Dispatch(ctx context.Context, provider llm.Provider, breaker *resilience.CircuitBreaker, speakerID, speakerName, text string) DispatchResult {
	if resetCommands[strings.TrimSpace(text)] {
		e.Reset()
		return DispatchResult{Status: 204}
	}

	e.Ingest(speakerID, speakerName, text)

	_, ok := e.WaitForDecision(speakerID, e.cfg.ListeningTimeout)
	if !ok {
		return DispatchResult{Status: 202}
	}

	content := e.AggregatedContent(speakerID)

	e.mu.Lock()
	e.conversation.appendUser(speakerName, content)
	prompt := e.buildPrompt(ctx, speakerName, e.clock())
	e.mu.Unlock()
	e.armInactivityTimer()

	req := llm.CompletionRequest{Messages: toMessages(prompt)}

	var reply string
	callErr := breaker.Execute(func() error {
		var err error
		reply, err = completeLLM(ctx, provider, req)
		return err
	})

	if callErr != nil {
		e.mu.Lock()
		e.conversation.removeLast()
		e.mu.Unlock()
		e.OnLLMError()
		return DispatchResult{Status: 503, Body: fmt.Sprintf("npc: llm transport failure: %v", callErr)}
	}

	e.mu.Lock()
	e.conversation.appendAssistant(reply)
	e.mu.Unlock()
	e.OnLLMResponseReady()

	return DispatchResult{Status: 200, Body: reply}
}

// completeLLM invokes the LLM backend, preferring the streaming path and
// accumulating its chunks into the final reply. It falls back to the
// non-streaming Complete call whenever the stream fails to start or reports
// a mid-stream error, per the dispatch adapter's streaming-preferred
// contract.
func completeLLM(ctx context.Context, provider llm.Provider, req llm.CompletionRequest) (string, error) {
	chunks, err := provider.StreamCompletion(ctx, req)
	if err != nil {
		resp, err := provider.Complete(ctx, req)
		if err != nil {
			return "", err
		}
		return resp.Content, nil
	}

	var reply strings.Builder
	var streamErr error
	for chunk := range chunks {
		if chunk.FinishReason == "error" {
			streamErr = errors.New(chunk.Text)
			continue
		}
		reply.WriteString(chunk.Text)
	}
	if streamErr != nil {
		resp, err := provider.Complete(ctx, req)
		if err != nil {
			return "", err
		}
		return resp.Content, nil
	}

	return reply.String(), nil
}

// buildPrompt assembles the full ordered turn sequence sent to the LLM: the
// persona system turn, then a transient address-hint turn, then either
// memory-augmented or plain budgeted history, depending on whether memory
// injection is enabled. Callers must hold e.mu.
func (e *Engine) buildPrompt(ctx context.Context, speakerName string, now time.Time) []Turn {
	var turns []Turn
	if e.memCfg.Enabled {
		turns = e.conversation.historyWithMemories(ctx, e.memory, e.memCfg.TokenBudget, now)
	} else {
		turns = e.conversation.historyWithBudget()
	}

	hint := Turn{
		Role:    "system",
		Content: fmt.Sprintf("You are responding to %s. Address them directly by name.", speakerName),
	}
	out := make([]Turn, 0, len(turns)+1)
	out = append(out, turns[0])
	out = append(out, hint)
	out = append(out, turns[1:]...)
	return out
}

// toMessages converts the engine's turn sequence into the wire format the
// LLM provider abstraction expects. Roles pass through unchanged.
func toMessages(turns []Turn) []types.Message {
	out := make([]types.Message, len(turns))
	for i, t := range turns {
		out[i] = types.Message{Role: t.Role, Content: t.Content}
	}
	return out
}
