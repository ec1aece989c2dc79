package npc

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// turnFramingTokens is the estimated per-turn overhead added on top of raw
// content length for every turn in the token budget: history turns, the
// system prompt, and memory entries rendered as their own system turns.
const turnFramingTokens = 5

// estimateTokens approximates the token cost of text as ceil(len(text)/4).
// This heuristic is pinned by spec and must not change even if a real
// tokenizer becomes available, so that budget tests stay deterministic.
func estimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// memoryStore is the keyword-indexed long-term memory index. It is plain,
// unsynchronized data — the owning Engine provides thread-safety via its
// single coarse mutex, matching every other piece of engine-owned state.
type memoryStore struct {
	entries map[string]*MemoryEntry
	order   []string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{entries: make(map[string]*MemoryEntry)}
}

// add stores a new entry, lowercasing and trimming its keywords on insert.
func (m *memoryStore) add(keywords []string, content string, priority int, now time.Time) string {
	kws := make([]string, len(keywords))
	for i, k := range keywords {
		kws[i] = strings.ToLower(strings.TrimSpace(k))
	}
	id := uuid.NewString()
	m.entries[id] = &MemoryEntry{
		ID:        id,
		Keywords:  kws,
		Content:   content,
		Priority:  priority,
		CreatedAt: now,
	}
	m.order = append(m.order, id)
	return id
}

func (m *memoryStore) remove(id string) {
	if _, ok := m.entries[id]; !ok {
		return
	}
	delete(m.entries, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

func (m *memoryStore) clear() {
	m.entries = make(map[string]*MemoryEntry)
	m.order = nil
}

func (m *memoryStore) count() int {
	return len(m.entries)
}

func (m *memoryStore) get(id string) (MemoryEntry, bool) {
	e, ok := m.entries[id]
	if !ok {
		return MemoryEntry{}, false
	}
	return *e, true
}

func (m *memoryStore) all() []MemoryEntry {
	out := make([]MemoryEntry, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.entries[id])
	}
	return out
}

type scoredMemory struct {
	entry      *MemoryEntry
	score      int
	matchCount int
}

// relevant joins recentTexts into one lowercase search string, finds every
// entry with at least one matching keyword, ranks matches by
// priority*10 + matchCount*5 + (accessed before ? 2 : 0), and greedily
// selects entries highest-score-first while their estimated token cost fits
// within tokenBudget. Selected entries have their access bookkeeping updated.
func (m *memoryStore) relevant(recentTexts []string, tokenBudget int, now time.Time) []MemoryEntry {
	search := strings.ToLower(strings.Join(recentTexts, " "))

	var candidates []scoredMemory
	for _, id := range m.order {
		e := m.entries[id]
		matchCount := 0
		for _, kw := range e.Keywords {
			if kw != "" && strings.Contains(search, kw) {
				matchCount++
			}
		}
		if matchCount == 0 {
			continue
		}
		accessedBonus := 0
		if e.AccessCount > 0 {
			accessedBonus = 2
		}
		sc := e.Priority*10 + matchCount*5 + accessedBonus
		candidates = append(candidates, scoredMemory{entry: e, score: sc, matchCount: matchCount})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	var selected []MemoryEntry
	used := 0
	for _, c := range candidates {
		cost := estimateTokens(c.entry.Content) + turnFramingTokens
		if used+cost > tokenBudget {
			continue
		}
		used += cost
		c.entry.LastAccessed = now
		c.entry.AccessCount++
		selected = append(selected, *c.entry)
	}
	return selected
}
