package npc

import (
	"time"

	"github.com/briarhollow/npcrelay/internal/config"
)

// testClock is a manually-advanced clock for deterministic time control in tests.
type testClock struct {
	now time.Time
}

func newTestClock(start time.Time) *testClock {
	return &testClock{now: start}
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// fixedRand returns a rand source that always yields v.
func fixedRand(v float64) func() float64 {
	return func() float64 { return v }
}

// sequenceRand returns a rand source that yields vs in order, repeating the
// last value once exhausted.
func sequenceRand(vs ...float64) func() float64 {
	i := 0
	return func() float64 {
		if i >= len(vs) {
			return vs[len(vs)-1]
		}
		v := vs[i]
		i++
		return v
	}
}

func defaultEngineConfig() config.EngineConfig {
	return config.EngineConfig{
		Enabled:                        true,
		TickInterval:                   time.Second,
		ListeningTimeout:               15 * time.Second,
		ThinkingTimeout:                30 * time.Second,
		SpeakingCooldown:               5 * time.Second,
		BufferMaxPerAvatar:             10,
		BufferMaxTotalSize:             50,
		BufferAggregationWindow:        5 * time.Second,
		BufferExpiry:                   60 * time.Second,
		ResponseThreshold:              50,
		ResponseChance:                 0.8,
		TriggerWords:                   []string{"maid", "cat-maid", "kitty"},
		ScoreDirectMention:             100,
		ScoreRecentInteraction:         30,
		ScoreMessageCountMult:          5,
		ScoreConsecutiveBonus:          10,
		ScoreMaxTimeDecay:              20,
		ScoreTimeDecayRate:             2,
		ScoreRandomnessRange:           10,
		AvatarCooldown:                 30 * time.Second,
		ConversationMaxHistoryMessages: 50,
		ContextMaxTokens:               8000,
		ContextSystemPromptMaxPercent:  80,
		InactivityTimeout:              time.Hour,
	}
}

func defaultMemoryConfig() config.MemoryConfig {
	return config.MemoryConfig{Enabled: true, TokenBudget: 500}
}

// newTestEngine builds an Engine with a deterministic clock and a fixed
// random source, without starting its tick loop.
func newTestEngine(clock *testClock, rng func() float64) *Engine {
	e := New(defaultEngineConfig(), defaultMemoryConfig(), "You are a helpful tavern cat-maid.", nil, nil)
	e.clock = clock.Now
	e.rand = rng
	e.stateEntered = clock.Now()
	return e
}
