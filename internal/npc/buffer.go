package npc

import (
	"time"

	"github.com/google/uuid"
)

// ingest appends a new utterance to speakerID's buffer, creating the buffer
// on first contact, then enforces the per-speaker cap, sweeps expired
// utterances globally, and finally enforces the global cap.
//
// Callers must hold e.mu.
func (e *Engine) ingest(speakerID, speakerName, text string, directMention bool, now time.Time) Utterance {
	u := Utterance{
		ID:            uuid.NewString(),
		SpeakerID:     speakerID,
		SpeakerName:   speakerName,
		Text:          text,
		ReceivedAt:    now,
		DirectMention: directMention,
	}

	buf, ok := e.buffers[speakerID]
	if !ok {
		buf = &SpeakerBuffer{FirstSeen: now}
		e.buffers[speakerID] = buf
		e.bufferOrder = append(e.bufferOrder, speakerID)
	}
	buf.Messages = append(buf.Messages, u)
	buf.LastSeen = now
	buf.TotalIngested++
	e.totalBuffered++

	if len(buf.Messages) > e.cfg.BufferMaxPerAvatar {
		buf.Messages = buf.Messages[1:]
		e.totalBuffered--
	}

	e.sweepExpired(now)

	for e.totalBuffered > e.cfg.BufferMaxTotalSize {
		if !e.evictGloballyOldest() {
			break
		}
	}

	return u
}

// evictGloballyOldest drops the single oldest buffered utterance across all
// speakers, regardless of score. Returns false if nothing is left to evict.
// Callers must hold e.mu.
func (e *Engine) evictGloballyOldest() bool {
	var oldestSpeaker string
	var oldestAt time.Time
	found := false

	for _, sid := range e.bufferOrder {
		buf := e.buffers[sid]
		if len(buf.Messages) == 0 {
			continue
		}
		t := buf.Messages[0].ReceivedAt
		if !found || t.Before(oldestAt) {
			found = true
			oldestAt = t
			oldestSpeaker = sid
		}
	}
	if !found {
		return false
	}
	buf := e.buffers[oldestSpeaker]
	buf.Messages = buf.Messages[1:]
	e.totalBuffered--
	return true
}

// aggregatedContent concatenates, with single-space separators, every
// utterance from speakerID whose age is within the aggregation window. If
// none qualify but the buffer is non-empty, the sole remaining (newest)
// utterance is returned instead of an empty string.
//
// Callers must hold e.mu.
func (e *Engine) aggregatedContent(speakerID string, now time.Time) string {
	buf, ok := e.buffers[speakerID]
	if !ok || len(buf.Messages) == 0 {
		return ""
	}

	var parts []string
	for _, u := range buf.Messages {
		if now.Sub(u.ReceivedAt) <= e.cfg.BufferAggregationWindow {
			parts = append(parts, u.Text)
		}
	}
	if len(parts) == 0 {
		return buf.Messages[len(buf.Messages)-1].Text
	}

	out := parts[0]
	for _, p := range parts[1:] {
		out += " " + p
	}
	return out
}

// clearSpeaker drops speakerID's message sequence but retains its metadata
// record so LastRespondedAt survives.
//
// Callers must hold e.mu.
func (e *Engine) clearSpeaker(speakerID string) {
	buf, ok := e.buffers[speakerID]
	if !ok {
		return
	}
	e.totalBuffered -= len(buf.Messages)
	buf.Messages = nil
}

// clearAll drops every buffer entirely, including metadata.
//
// Callers must hold e.mu.
func (e *Engine) clearAll() {
	e.buffers = make(map[string]*SpeakerBuffer)
	e.bufferOrder = nil
	e.totalBuffered = 0
}

// markResponded records that the engine just delivered a reply to speakerID.
//
// Callers must hold e.mu.
func (e *Engine) markResponded(speakerID string, now time.Time) {
	if buf, ok := e.buffers[speakerID]; ok {
		buf.LastRespondedAt = now
	}
}

// sweepExpired removes utterances older than BufferExpiry from every
// buffer, and removes a speaker's buffer entry entirely iff both its
// sequence and LastRespondedAt are empty afterward.
//
// Callers must hold e.mu.
func (e *Engine) sweepExpired(now time.Time) {
	var kept []string
	for _, sid := range e.bufferOrder {
		buf := e.buffers[sid]
		n := 0
		for _, u := range buf.Messages {
			if now.Sub(u.ReceivedAt) <= e.cfg.BufferExpiry {
				buf.Messages[n] = u
				n++
			} else {
				e.totalBuffered--
			}
		}
		buf.Messages = buf.Messages[:n]

		if len(buf.Messages) == 0 && buf.LastRespondedAt.IsZero() {
			delete(e.buffers, sid)
			continue
		}
		kept = append(kept, sid)
	}
	e.bufferOrder = kept
}

// snapshot returns a read-only view of every speaker buffer, in insertion
// order, for the decision layer to evaluate.
//
// Callers must hold e.mu.
func (e *Engine) snapshot() Snapshot {
	buffers := make(map[string]SpeakerBuffer, len(e.buffers))
	for sid, buf := range e.buffers {
		cp := *buf
		cp.Messages = append([]Utterance(nil), buf.Messages...)
		buffers[sid] = cp
	}
	order := append([]string(nil), e.bufferOrder...)
	return Snapshot{Order: order, Buffers: buffers}
}
