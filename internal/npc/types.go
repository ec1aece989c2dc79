// Package npc implements the NPC engagement engine: the message buffer,
// decision layer, memory store, conversation manager, and state machine that
// decide when and how the persona responds to a multi-speaker chat room.
package npc

import "time"

// Utterance is a single immutable message ingested from a speaker.
type Utterance struct {
	// ID uniquely identifies this utterance. Generated at ingest.
	ID string

	// SpeakerID is the speaker's stable identity, used as the buffer key.
	SpeakerID string

	// SpeakerName is the speaker's display name at the time of ingest.
	SpeakerName string

	// Text is the raw message text, unmodified.
	Text string

	// ReceivedAt is when the engine ingested this utterance.
	ReceivedAt time.Time

	// DirectMention is true iff the text matched a configured trigger word at ingest.
	DirectMention bool
}

// SpeakerBuffer is the FIFO of an individual speaker's unconsumed utterances,
// plus bookkeeping that survives the sequence being cleared.
type SpeakerBuffer struct {
	Messages []Utterance

	// FirstSeen is the receipt time of the oldest utterance this speaker has
	// ever contributed since this buffer entry was created.
	FirstSeen time.Time

	// LastSeen is the receipt time of the most recently ingested utterance.
	LastSeen time.Time

	// TotalIngested counts every utterance ever ingested for this speaker,
	// including ones since evicted or cleared.
	TotalIngested int

	// LastRespondedAt is the last time the engine actually emitted a reply to
	// this speaker. Zero means never. Survives clearSpeaker.
	LastRespondedAt time.Time
}

// Snapshot is a read-only view of every speaker's buffer, handed to the
// decision layer. Callers must not mutate the returned slices.
type Snapshot struct {
	Order   []string
	Buffers map[string]SpeakerBuffer
}

// Turn is one entry in a conversation history, tagged with its role in the
// LLM chat wire format.
type Turn struct {
	Role    string // "system", "user", or "assistant"
	Content string
}

// MemoryEntry is one long-term memory fact available for prompt injection.
type MemoryEntry struct {
	ID       string
	Keywords []string
	Content  string
	Priority int // 1-10, higher is stronger

	CreatedAt time.Time

	// LastAccessed is the last time relevant() selected this entry. Zero means never.
	LastAccessed time.Time

	// AccessCount counts how many times relevant() has selected this entry.
	AccessCount int
}

// EngineState is one of the four states in the engagement state machine.
type EngineState int

const (
	StateIdle EngineState = iota
	StateListening
	StateThinking
	StateSpeaking
)

func (s EngineState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateThinking:
		return "thinking"
	case StateSpeaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// Transition records one state change for the bounded diagnostic log.
type Transition struct {
	From   EngineState
	To     EngineState
	At     time.Time
	Reason string
}

// Decline reasons returned by decide() when Decision.Respond is false.
const (
	ReasonEmpty          = "empty"
	ReasonBelowThreshold = "below_threshold"
	ReasonChanceRejected = "chance_rejected"
	ReasonCooldown       = "cooldown"
)

// Decision is the verdict produced by one evaluation of the decision layer.
type Decision struct {
	Respond bool

	// Target is the chosen speaker id. Empty when Respond is false.
	Target string

	// Reason explains a decline, or is empty on respond.
	Reason string

	// Score is the best candidate's priority score, whether or not it was chosen.
	Score float64
}
