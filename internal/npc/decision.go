package npc

import (
	"strings"
	"time"

	"github.com/antzucaro/matchr"
)

// detectMention reports whether text contains any configured trigger word,
// case-insensitively, as a substring. It also runs a diagnostic near-miss
// check via Jaro-Winkler similarity purely for logging — the result of that
// check never influences the returned bool or any score.
func (e *Engine) detectMention(text string) bool {
	lower := strings.ToLower(text)
	for _, w := range e.cfg.TriggerWords {
		if strings.Contains(lower, strings.ToLower(w)) {
			return true
		}
	}
	e.logNearMisses(lower)
	return false
}

// logNearMisses emits a debug log line for any word in text that is a close
// but non-matching variant of a configured trigger word. Diagnostic only.
func (e *Engine) logNearMisses(lower string) {
	if e.logger == nil {
		return
	}
	for _, word := range strings.Fields(lower) {
		for _, trigger := range e.cfg.TriggerWords {
			sim := matchr.JaroWinkler(word, trigger, true)
			if sim >= 0.85 && word != trigger {
				e.logger.Debug("npc: near-miss trigger word", "word", word, "trigger", trigger, "similarity", sim)
			}
		}
	}
}

// score computes the priority score for one speaker's buffer at time now.
func score(buf SpeakerBuffer, cfg scoreParams, now time.Time, rng func() float64) float64 {
	var s float64

	for _, u := range buf.Messages {
		if u.DirectMention {
			s += cfg.directMention
			break
		}
	}

	if !buf.LastRespondedAt.IsZero() {
		elapsed := now.Sub(buf.LastRespondedAt)
		switch {
		case elapsed <= 30*time.Second:
			s += 60
		case elapsed <= time.Hour:
			s += cfg.recentInteraction
		}
	}

	s += float64(len(buf.Messages)) * cfg.messageCountMult

	consecutiveCount := len(buf.Messages)
	if consecutiveCount > 5 {
		consecutiveCount = 5
	}
	if consecutiveCount > 3 {
		consecutiveCount = 3
	}
	s += float64(consecutiveCount) * cfg.consecutiveBonus

	ageMinutes := now.Sub(buf.FirstSeen).Minutes()
	decay := ageMinutes * cfg.timeDecayRate
	if decay > cfg.maxTimeDecay {
		decay = cfg.maxTimeDecay
	}
	s -= decay

	s += rng() * cfg.randomnessRange

	if s < 0 {
		s = 0
	}
	return s
}

// scoreParams is the subset of EngineConfig that the scoring function needs,
// extracted so score() can be unit tested without a full Engine.
type scoreParams struct {
	directMention     float64
	recentInteraction float64
	messageCountMult  float64
	consecutiveBonus  float64
	maxTimeDecay      float64
	timeDecayRate     float64
	randomnessRange   float64
}

// decide evaluates every buffered speaker and returns the verdict for the
// current tick. It never blocks and never panics on its own account.
//
// Callers must hold e.mu.
func (e *Engine) decide(snap Snapshot, now time.Time) Decision {
	if len(snap.Order) == 0 {
		return Decision{Reason: ReasonEmpty}
	}

	params := scoreParams{
		directMention:     e.cfg.ScoreDirectMention,
		recentInteraction: e.cfg.ScoreRecentInteraction,
		messageCountMult:  e.cfg.ScoreMessageCountMult,
		consecutiveBonus:  e.cfg.ScoreConsecutiveBonus,
		maxTimeDecay:      e.cfg.ScoreMaxTimeDecay,
		timeDecayRate:     e.cfg.ScoreTimeDecayRate,
		randomnessRange:   e.cfg.ScoreRandomnessRange,
	}

	var bestSpeaker string
	bestScore := -1.0
	for _, sid := range snap.Order {
		buf := snap.Buffers[sid]
		if len(buf.Messages) == 0 {
			continue
		}
		sc := score(buf, params, now, e.rand)
		if sc > bestScore {
			bestScore = sc
			bestSpeaker = sid
		}
	}
	if bestSpeaker == "" {
		return Decision{Reason: ReasonEmpty}
	}

	if bestScore < e.cfg.ResponseThreshold {
		return Decision{Reason: ReasonBelowThreshold, Score: bestScore}
	}

	if e.rand() >= e.cfg.ResponseChance {
		return Decision{Reason: ReasonChanceRejected, Score: bestScore}
	}

	buf := snap.Buffers[bestSpeaker]
	activeConversation := len(buf.Messages) > 1
	withinCooldown := !e.lastResponseTime[bestSpeaker].IsZero() &&
		now.Sub(e.lastResponseTime[bestSpeaker]) < e.cfg.AvatarCooldown
	if withinCooldown && !activeConversation {
		return Decision{Reason: ReasonCooldown, Score: bestScore}
	}

	e.lastResponseTime[bestSpeaker] = now

	return Decision{Respond: true, Target: bestSpeaker, Score: bestScore}
}

// clearDecisionHistory forgets all last-response bookkeeping, for reset().
//
// Callers must hold e.mu.
func (e *Engine) clearDecisionHistory() {
	e.lastResponseTime = make(map[string]time.Time)
}
