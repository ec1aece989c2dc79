package npc

import (
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/briarhollow/npcrelay/internal/config"
)

// Engine is the NPC engagement engine: the message buffer, decision layer,
// memory store, conversation manager, and state machine, all guarded by a
// single coarse mutex. Every mutation — ingest, decide, rendezvous
// registration and broadcast, state transitions, conversation mutations,
// and memory access bookkeeping — is linearized through that one mutex, per
// the engine's concurrency model. Only the LLM call itself runs outside it.
type Engine struct {
	mu sync.Mutex

	cfg    config.EngineConfig
	memCfg config.MemoryConfig
	logger *slog.Logger
	rand   func() float64
	clock  func() time.Time

	// message buffer state
	buffers       map[string]*SpeakerBuffer
	bufferOrder   []string
	totalBuffered int

	// decision layer bookkeeping (distinct from SpeakerBuffer.LastRespondedAt)
	lastResponseTime map[string]time.Time

	// state machine
	state        EngineState
	stateEntered time.Time
	activeTarget string
	lastReplyAt  time.Time
	transitions  []Transition

	// rendezvous protocol
	pending map[string]Decision
	waiters map[string]chan Decision

	memory       *memoryStore
	conversation *conversation

	ticker    *time.Ticker
	done      chan struct{}
	stopOnce  sync.Once
	startOnce sync.Once

	inactivityTimer   *time.Timer
	inactivityTimeout time.Duration
}

// maxTransitionLog bounds the diagnostic transition history.
const maxTransitionLog = 100

// New constructs an Engine from cfg and a loaded persona's system prompt and
// seed memories. logger may be nil.
func New(cfg config.EngineConfig, memCfg config.MemoryConfig, systemPrompt string, log ConversationLogger, logger *slog.Logger) *Engine {
	e := &Engine{
		cfg:              cfg,
		memCfg:           memCfg,
		logger:           logger,
		rand:             rand.Float64,
		clock:            time.Now,
		buffers:          make(map[string]*SpeakerBuffer),
		lastResponseTime: make(map[string]time.Time),
		state:            StateIdle,
		pending:          make(map[string]Decision),
		waiters:          make(map[string]chan Decision),
		memory:           newMemoryStore(),
		done:             make(chan struct{}),
		inactivityTimeout: cfg.InactivityTimeout,
	}
	e.stateEntered = e.clock()
	e.conversation = newConversation(
		systemPrompt,
		cfg.ConversationMaxHistoryMessages,
		effectiveContextBudget(cfg),
		cfg.ContextSystemPromptMaxPercent,
		newGuardedLogger(log, logger),
	)
	return e
}

// effectiveContextBudget is the total token budget for an assembled prompt:
// ContextMaxTokens, unchanged. ContextSystemPromptMaxPercent is not applied
// here; historyWithMemories applies it on every call when it caps the
// memory turns.
func effectiveContextBudget(cfg config.EngineConfig) int {
	return cfg.ContextMaxTokens
}

// AddMemory seeds a memory entry at startup.
func (e *Engine) AddMemory(keywords []string, content string, priority int) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.memory.add(keywords, content, priority, e.clock())
}

// Start launches the background tick loop. Safe to call once; subsequent
// calls are no-ops.
func (e *Engine) Start() {
	e.startOnce.Do(func() {
		e.ticker = time.NewTicker(e.cfg.TickInterval)
		go e.tickLoop()
	})
}

// Stop halts the tick loop. Safe to call multiple times or without Start.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.done)
		if e.ticker != nil {
			e.ticker.Stop()
		}
	})
}

func (e *Engine) tickLoop() {
	for {
		select {
		case <-e.done:
			return
		case <-e.ticker.C:
			e.tick()
		}
	}
}

// tick advances the state machine by one step. Acquires the lock, performs
// bounded work, releases — it never suspends.
func (e *Engine) tick() {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock()
	switch e.state {
	case StateIdle:
		if e.totalBuffered > 0 {
			e.transition(StateListening, now, "buffer non-empty")
		}

	case StateListening:
		if now.Sub(e.stateEntered) > e.cfg.ListeningTimeout {
			e.sweepExpired(now)
			e.transition(StateIdle, now, "listening timeout")
			return
		}
		d := e.decide(e.snapshot(), now)
		if d.Respond {
			e.deliverOrPark(d, now)
		}

	case StateThinking:
		if now.Sub(e.stateEntered) > e.cfg.ThinkingTimeout {
			e.clearSpeaker(e.activeTarget)
			e.activeTarget = ""
			e.transition(StateIdle, now, "thinking timeout")
		}

	case StateSpeaking:
		if now.Sub(e.stateEntered) > e.cfg.SpeakingCooldown {
			if e.totalBuffered > 0 {
				e.transition(StateListening, now, "cooldown elapsed, buffer non-empty")
			} else {
				e.transition(StateIdle, now, "cooldown elapsed, buffer empty")
			}
		}
	}
}

// deliverOrPark either wakes a waiter already registered for d.Target, or —
// if none is registered — retains d in the single-slot pending map without
// entering THINKING. This closes the race between decision ticks and
// request arrivals described in the rendezvous protocol.
//
// Callers must hold e.mu.
func (e *Engine) deliverOrPark(d Decision, now time.Time) {
	if ch, ok := e.waiters[d.Target]; ok {
		delete(e.waiters, d.Target)
		e.activeTarget = d.Target
		e.transition(StateThinking, now, "decision broadcast to waiter")
		ch <- d
		return
	}
	e.pending[d.Target] = d
}

// transition records a state change in the bounded diagnostic log and
// updates the current state. Callers must hold e.mu.
func (e *Engine) transition(to EngineState, at time.Time, reason string) {
	e.transitions = append(e.transitions, Transition{From: e.state, To: to, At: at, Reason: reason})
	if len(e.transitions) > maxTransitionLog {
		e.transitions = e.transitions[len(e.transitions)-maxTransitionLog:]
	}
	e.state = to
	e.stateEntered = at
}

// Transitions returns a copy of the bounded diagnostic transition log.
func (e *Engine) Transitions() []Transition {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Transition(nil), e.transitions...)
}

// State returns the current state machine state.
func (e *Engine) State() EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// WaitForDecision implements the per-speaker rendezvous. If a pending
// decision targeting speakerID already exists it is consumed immediately;
// otherwise the caller registers as a waiter and blocks until the machine
// broadcasts a decision for speakerID or timeout elapses.
func (e *Engine) WaitForDecision(speakerID string, timeout time.Duration) (Decision, bool) {
	e.mu.Lock()
	if d, ok := e.pending[speakerID]; ok {
		delete(e.pending, speakerID)
		e.activeTarget = speakerID
		e.transition(StateThinking, e.clock(), "pending decision consumed")
		e.mu.Unlock()
		return d, true
	}
	ch := make(chan Decision, 1)
	e.waiters[speakerID] = ch
	e.mu.Unlock()

	select {
	case d := <-ch:
		return d, true
	case <-time.After(timeout):
		e.mu.Lock()
		if cur, ok := e.waiters[speakerID]; ok && cur == ch {
			delete(e.waiters, speakerID)
		}
		e.mu.Unlock()
		return Decision{}, false
	}
}

// Ingest records an utterance from speakerID and returns it. The direct
// mention flag is computed here, at ingest time.
func (e *Engine) Ingest(speakerID, speakerName, text string) Utterance {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clock()
	mention := e.detectMention(text)
	return e.ingest(speakerID, speakerName, text, mention, now)
}

// AggregatedContent returns the single-space-joined content of speakerID's
// recent utterances within the aggregation window.
func (e *Engine) AggregatedContent(speakerID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.aggregatedContent(speakerID, e.clock())
}

// armInactivityTimer (re)arms the single inactivity timer that fires
// saveAndReset("inactivity") when the conversation has sat idle too long.
// Callers must NOT hold e.mu — the timer's own callback acquires it.
func (e *Engine) armInactivityTimer() {
	if e.inactivityTimeout <= 0 {
		return
	}
	e.mu.Lock()
	if e.inactivityTimer != nil {
		e.inactivityTimer.Stop()
	}
	e.inactivityTimer = time.AfterFunc(e.inactivityTimeout, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.conversation.saveAndReset("inactivity")
	})
	e.mu.Unlock()
}

// OnLLMResponseReady transitions THINKING to SPEAKING and records that the
// active target just received a reply.
func (e *Engine) OnLLMResponseReady() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateThinking {
		return
	}
	now := e.clock()
	e.markResponded(e.activeTarget, now)
	e.lastReplyAt = now
	e.clearSpeaker(e.activeTarget)
	e.activeTarget = ""
	e.transition(StateSpeaking, now, "llm reply ready")
}

// OnLLMError transitions THINKING to IDLE and clears the active target's
// buffer. A no-op, logged as a warning, if called outside THINKING.
func (e *Engine) OnLLMError() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateThinking {
		if e.logger != nil {
			e.logger.Warn("npc: onLLMError called outside THINKING", "state", e.state.String())
		}
		return
	}
	e.clearSpeaker(e.activeTarget)
	e.activeTarget = ""
	e.transition(StateIdle, e.clock(), "llm error")
}

// Reset clears all buffers, forgets decision bookkeeping, drops the active
// target, resets the conversation to just its system turn, and transitions
// to IDLE regardless of current state.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clearAll()
	e.clearDecisionHistory()
	e.activeTarget = ""
	// Registered waiters are left to time out on their own; closing their
	// channels here would deliver a spurious zero-value "decided" result.
	e.waiters = make(map[string]chan Decision)
	e.pending = make(map[string]Decision)
	e.conversation.saveAndReset("reset")
	if e.inactivityTimer != nil {
		e.inactivityTimer.Stop()
	}
	e.transition(StateIdle, e.clock(), "reset")
}
