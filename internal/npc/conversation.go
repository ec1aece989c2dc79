package npc

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// ConversationLogger receives a finished conversation's full turn history
// for durable storage. Implementations must not block the caller; the
// conversation manager invokes it fire-and-forget.
type ConversationLogger interface {
	WriteEntry(reason string, turns []Turn) error
}

// conversation is the ordered turn history for the active exchange. It is
// plain, unsynchronized data guarded by the owning Engine's single mutex.
type conversation struct {
	turns []Turn

	maxHistoryMessages  int
	maxContextTokens    int
	systemPromptPercent int

	log ConversationLogger
}

func newConversation(systemPrompt string, maxHistoryMessages, maxContextTokens, systemPromptPercent int, log ConversationLogger) *conversation {
	return &conversation{
		turns:               []Turn{{Role: "system", Content: systemPrompt}},
		maxHistoryMessages:  maxHistoryMessages,
		maxContextTokens:    maxContextTokens,
		systemPromptPercent: systemPromptPercent,
		log:                 log,
	}
}

// appendUser appends a user turn, prefixed with the speaker's display name.
func (c *conversation) appendUser(speakerName, text string) {
	c.turns = append(c.turns, Turn{Role: "user", Content: fmt.Sprintf("[%s] %s", speakerName, text)})
}

// appendAssistant appends an assistant turn and trims the history if it now
// exceeds maxHistoryMessages+1 (the +1 accounts for the preserved system turn).
func (c *conversation) appendAssistant(text string) {
	c.turns = append(c.turns, Turn{Role: "assistant", Content: text})
	c.trim()
}

// trim keeps the system turn plus the most recent maxHistoryMessages turns,
// verbatim, with no summarization. The system turn is never removed.
func (c *conversation) trim() {
	if c.maxHistoryMessages <= 0 {
		return
	}
	if len(c.turns) <= c.maxHistoryMessages+1 {
		return
	}
	kept := make([]Turn, 0, c.maxHistoryMessages+1)
	kept = append(kept, c.turns[0])
	kept = append(kept, c.turns[len(c.turns)-c.maxHistoryMessages:]...)
	c.turns = kept
}

// removeLast pops the most recent non-system turn, used to roll back a user
// turn when the LLM call that would have followed it fails.
func (c *conversation) removeLast() {
	if len(c.turns) > 1 {
		c.turns = c.turns[:len(c.turns)-1]
	}
}

// history returns the full ordered history, system turn first.
func (c *conversation) history() []Turn {
	return append([]Turn(nil), c.turns...)
}

// systemBudgetCap returns the maximum tokens the system prompt and memory
// injections together may consume, per systemPromptPercent of
// maxContextTokens. Returns maxContextTokens unchanged when the percent cap
// is unset.
func (c *conversation) systemBudgetCap() int {
	if c.systemPromptPercent <= 0 {
		return c.maxContextTokens
	}
	return c.maxContextTokens * c.systemPromptPercent / 100
}

// capMemoryTurns drops the least-relevant memory turns (mem.relevant returns
// most-relevant first, so trimming happens from the end) until the
// remainder's token cost fits within remaining, enforcing
// ContextSystemPromptMaxPercent's cap on what system prompt plus memory
// injections may consume. Returns the kept turns and their total token cost.
func capMemoryTurns(memTurns []Turn, remaining int) ([]Turn, int) {
	if remaining < 0 {
		remaining = 0
	}
	total := 0
	costs := make([]int, len(memTurns))
	for i, t := range memTurns {
		costs[i] = estimateTokens(t.Content) + turnFramingTokens
		total += costs[i]
	}
	end := len(memTurns)
	for total > remaining && end > 0 {
		end--
		total -= costs[end]
	}
	return memTurns[:end], total
}

// historyWithBudget returns the system turn plus as many of the newest
// non-system turns as fit within maxContextTokens, walking from newest to
// oldest. If token budgeting is disabled (maxContextTokens <= 0), the full
// history is returned unchanged.
func (c *conversation) historyWithBudget() []Turn {
	if c.maxContextTokens <= 0 {
		return c.history()
	}
	systemTokens := estimateTokens(c.turns[0].Content) + turnFramingTokens
	budget := c.maxContextTokens - systemTokens
	if budget < 0 {
		budget = 0
	}
	kept := newestFitting(c.turns[1:], budget)
	out := make([]Turn, 0, len(kept)+1)
	out = append(out, c.turns[0])
	out = append(out, kept...)
	return out
}

// historyWithMemories fetches memories relevant to the last 5 user/assistant
// turns concurrently with copying the untrimmed history (mirroring the
// engine's hot-context fan-out/fan-in shape for assembling a prompt from
// independent sources), renders each memory as a "[Memory] "-prefixed system
// turn, and returns [system, ...memory turns, ...newest turns that fit the
// remaining budget]. If token budgeting is disabled, newest-turn truncation
// is skipped but memory injection still runs.
func (c *conversation) historyWithMemories(ctx context.Context, mem *memoryStore, memoryBudget int, now time.Time) []Turn {
	var memories []MemoryEntry
	var turnsCopy []Turn

	eg, _ := errgroup.WithContext(ctx)
	eg.Go(func() error {
		recent := c.lastNonSystemTexts(5)
		memories = mem.relevant(recent, memoryBudget, now)
		return nil
	})
	eg.Go(func() error {
		turnsCopy = c.history()
		return nil
	})
	_ = eg.Wait()

	memTurns := make([]Turn, 0, len(memories))
	for _, m := range memories {
		memTurns = append(memTurns, Turn{Role: "system", Content: "[Memory] " + m.Content})
	}

	if c.maxContextTokens <= 0 {
		out := make([]Turn, 0, len(turnsCopy)+len(memTurns))
		out = append(out, turnsCopy[0])
		out = append(out, memTurns...)
		out = append(out, turnsCopy[1:]...)
		return out
	}

	systemTokens := estimateTokens(turnsCopy[0].Content) + turnFramingTokens
	memTurns, memTokens := capMemoryTurns(memTurns, c.systemBudgetCap()-systemTokens)
	budget := c.maxContextTokens - systemTokens - memTokens
	if budget < 0 {
		budget = 0
	}
	kept := newestFitting(turnsCopy[1:], budget)

	out := make([]Turn, 0, len(kept)+len(memTurns)+1)
	out = append(out, turnsCopy[0])
	out = append(out, memTurns...)
	out = append(out, kept...)
	return out
}

// lastNonSystemTexts returns the content of the last n user/assistant turns,
// oldest first.
func (c *conversation) lastNonSystemTexts(n int) []string {
	var texts []string
	for i := len(c.turns) - 1; i >= 1 && len(texts) < n; i-- {
		texts = append(texts, c.turns[i].Content)
	}
	for l, r := 0, len(texts)-1; l < r; l, r = l+1, r-1 {
		texts[l], texts[r] = texts[r], texts[l]
	}
	return texts
}

// saveAndReset hands the full history to the conversation log
// fire-and-forget, then resets the history to just the system turn. A no-op
// beyond the reset itself if there is nothing but the system turn to save.
func (c *conversation) saveAndReset(reason string) {
	if len(c.turns) > 1 && c.log != nil {
		snapshot := append([]Turn(nil), c.turns...)
		go func() {
			_ = c.log.WriteEntry(reason, snapshot)
		}()
	}
	c.turns = c.turns[:1]
}

// newestFitting walks turns from newest to oldest, keeping as many as fit
// within budget tokens, then returns them restored to original order.
func newestFitting(turns []Turn, budget int) []Turn {
	var kept []Turn
	used := 0
	for i := len(turns) - 1; i >= 0; i-- {
		cost := estimateTokens(turns[i].Content) + turnFramingTokens
		if used+cost > budget {
			break
		}
		used += cost
		kept = append(kept, turns[i])
	}
	for l, r := 0, len(kept)-1; l < r; l, r = l+1, r-1 {
		kept[l], kept[r] = kept[r], kept[l]
	}
	return kept
}
