package npc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/briarhollow/npcrelay/internal/resilience"
	"github.com/briarhollow/npcrelay/pkg/provider/llm"
	"github.com/briarhollow/npcrelay/pkg/provider/llm/mock"
)

func newTestBreaker() *resilience.CircuitBreaker {
	return resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "test", MaxFailures: 10})
}

func TestDispatch_ResetCommandReturns204(t *testing.T) {
	clock := newTestClock(time.Now())
	e := newTestEngine(clock, fixedRand(0))

	e.mu.Lock()
	e.ingest("alice", "Alice", "hi", false, clock.Now())
	e.mu.Unlock()

	result := e.Dispatch(context.Background(), &mock.Provider{}, newTestBreaker(), "alice", "Alice", "reset")
	if result.Status != 204 {
		t.Fatalf("expected 204, got %d", result.Status)
	}
	if e.State() != StateIdle {
		t.Fatalf("expected IDLE after reset, got %s", e.State())
	}
}

func TestDispatch_ChineseResetCommandReturns204(t *testing.T) {
	clock := newTestClock(time.Now())
	e := newTestEngine(clock, fixedRand(0))

	result := e.Dispatch(context.Background(), &mock.Provider{}, newTestBreaker(), "alice", "Alice", "清除")
	if result.Status != 204 {
		t.Fatalf("expected 204, got %d", result.Status)
	}
}

func TestDispatch_DeclineReturns202OnTimeout(t *testing.T) {
	clock := newTestClock(time.Now())
	e := newTestEngine(clock, fixedRand(0))
	e.cfg.ListeningTimeout = 20 * time.Millisecond
	e.cfg.ResponseThreshold = 1e9 // never candidate-eligible

	result := e.Dispatch(context.Background(), &mock.Provider{}, newTestBreaker(), "alice", "Alice", "just chatting")
	if result.Status != 202 {
		t.Fatalf("expected 202, got %d", result.Status)
	}
}

func TestDispatch_SuccessfulEngagement(t *testing.T) {
	clock := newTestClock(time.Now())
	e := newTestEngine(clock, fixedRand(0))
	e.cfg.ResponseThreshold = 0
	e.cfg.ResponseChance = 1.0
	e.cfg.ListeningTimeout = time.Second
	e.state = StateListening
	e.stateEntered = clock.Now()

	provider := &mock.Provider{
		StreamChunks: []llm.Chunk{
			{Text: "Hello, "},
			{Text: "Alice!", FinishReason: "stop"},
		},
	}

	resultCh := make(chan DispatchResult, 1)
	go func() {
		resultCh <- e.Dispatch(context.Background(), provider, newTestBreaker(), "alice", "Alice", "hey maid")
	}()

	waitForWaiter(t, e, "alice")
	e.tick()

	result := <-resultCh
	if result.Status != 200 {
		t.Fatalf("expected 200, got %d: %s", result.Status, result.Body)
	}
	if result.Body != "Hello, Alice!" {
		t.Fatalf("expected reply body, got %q", result.Body)
	}
	if e.State() != StateSpeaking {
		t.Fatalf("expected SPEAKING after reply, got %s", e.State())
	}

	e.mu.Lock()
	n := len(e.buffers["alice"].Messages)
	lastResponded := e.buffers["alice"].LastRespondedAt
	e.mu.Unlock()
	if n != 0 {
		t.Errorf("expected alice's buffer cleared after reply, got %d messages", n)
	}
	if lastResponded.IsZero() {
		t.Error("expected markResponded to have been called")
	}

	if len(provider.StreamCalls) != 1 {
		t.Fatalf("expected exactly one streaming LLM call, got %d", len(provider.StreamCalls))
	}
	if len(provider.CompleteCalls) != 0 {
		t.Errorf("expected the non-streaming fallback not to be used, got %d calls", len(provider.CompleteCalls))
	}
	msgs := provider.StreamCalls[0].Req.Messages
	if msgs[0].Role != "system" {
		t.Fatal("expected persona system turn first in assembled prompt")
	}
	foundHint := false
	for _, m := range msgs {
		if m.Role == "system" && m.Content == "You are responding to Alice. Address them directly by name." {
			foundHint = true
		}
	}
	if !foundHint {
		t.Error("expected transient address-hint system turn in assembled prompt")
	}
}

// Scenario 5: LLM failure rolls back cleanly.
func TestDispatch_LLMFailureRollsBackCleanly(t *testing.T) {
	clock := newTestClock(time.Now())
	e := newTestEngine(clock, fixedRand(0))
	e.cfg.ResponseThreshold = 0
	e.cfg.ResponseChance = 1.0
	e.cfg.ListeningTimeout = time.Second
	e.state = StateListening
	e.stateEntered = clock.Now()

	preLen := len(e.conversation.history())

	provider := &mock.Provider{
		StreamErr:   errors.New("stream unavailable"),
		CompleteErr: errors.New("provider unavailable"),
	}

	resultCh := make(chan DispatchResult, 1)
	go func() {
		resultCh <- e.Dispatch(context.Background(), provider, newTestBreaker(), "alice", "Alice", "hey maid")
	}()

	waitForWaiter(t, e, "alice")
	e.tick()

	result := <-resultCh
	if result.Status < 500 {
		t.Fatalf("expected a 5xx failure, got %d", result.Status)
	}

	if got := len(e.conversation.history()); got != preLen {
		t.Errorf("expected history restored to pre-ingest length %d, got %d", preLen, got)
	}
	e.mu.Lock()
	n := len(e.buffers["alice"].Messages)
	e.mu.Unlock()
	if n != 0 {
		t.Errorf("expected alice's buffer cleared after failure, got %d messages", n)
	}
	if e.State() != StateIdle {
		t.Fatalf("expected IDLE after LLM failure, got %s", e.State())
	}
	if e.activeTarget != "" {
		t.Errorf("expected active target cleared after failure, got %q", e.activeTarget)
	}
}

func TestCompleteLLM_PrefersStreamingOverComplete(t *testing.T) {
	provider := &mock.Provider{
		StreamChunks:     []llm.Chunk{{Text: "Hel"}, {Text: "lo!", FinishReason: "stop"}},
		CompleteResponse: &llm.CompletionResponse{Content: "should not be used"},
	}

	reply, err := completeLLM(context.Background(), provider, llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply != "Hello!" {
		t.Fatalf("expected accumulated streamed reply, got %q", reply)
	}
	if len(provider.CompleteCalls) != 0 {
		t.Error("expected Complete not to be called when streaming succeeds")
	}
}

func TestCompleteLLM_FallsBackOnStreamStartError(t *testing.T) {
	provider := &mock.Provider{
		StreamErr:        errors.New("stream unavailable"),
		CompleteResponse: &llm.CompletionResponse{Content: "fallback reply"},
	}

	reply, err := completeLLM(context.Background(), provider, llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply != "fallback reply" {
		t.Fatalf("expected fallback reply, got %q", reply)
	}
	if len(provider.CompleteCalls) != 1 {
		t.Errorf("expected exactly one Complete call, got %d", len(provider.CompleteCalls))
	}
}

func TestCompleteLLM_FallsBackOnMidStreamError(t *testing.T) {
	provider := &mock.Provider{
		StreamChunks:     []llm.Chunk{{Text: "partial "}, {FinishReason: "error", Text: "boom"}},
		CompleteResponse: &llm.CompletionResponse{Content: "fallback reply"},
	}

	reply, err := completeLLM(context.Background(), provider, llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply != "fallback reply" {
		t.Fatalf("expected fallback reply after mid-stream error, got %q", reply)
	}
	if len(provider.CompleteCalls) != 1 {
		t.Errorf("expected exactly one Complete call, got %d", len(provider.CompleteCalls))
	}
}

func TestCompleteLLM_ErrorsWhenBothPathsFail(t *testing.T) {
	provider := &mock.Provider{
		StreamErr:   errors.New("stream unavailable"),
		CompleteErr: errors.New("complete unavailable"),
	}

	if _, err := completeLLM(context.Background(), provider, llm.CompletionRequest{}); err == nil {
		t.Fatal("expected error when both streaming and the fallback fail")
	}
}
