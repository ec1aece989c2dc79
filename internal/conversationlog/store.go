// Package conversationlog is the concrete, fire-and-forget conversation log
// the engine's Conversation Manager hands a finished conversation to when
// saveAndReset fires. Entries are appended as newline-delimited JSON,
// grounded on the teacher's internal/feedback.FileStore append-only writer.
package conversationlog

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/briarhollow/npcrelay/internal/npc"
	"github.com/briarhollow/npcrelay/pkg/types"
)

// Record is one saveAndReset event: why it fired and the finished
// conversation's turns, converted into transcript entries.
type Record struct {
	Timestamp time.Time               `json:"timestamp"`
	Reason    string                  `json:"reason"`
	Entries   []types.TranscriptEntry `json:"entries"`
}

// FileStore persists finished conversations as JSON lines in a local file.
// Safe for concurrent use; implements npc.ConversationLogger.
type FileStore struct {
	mu   sync.Mutex
	path string
}

var _ npc.ConversationLogger = (*FileStore)(nil)

// NewFileStore creates a FileStore that appends to path. The file is
// created on first write if it does not exist.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// WriteEntry implements npc.ConversationLogger. It converts turns into
// TranscriptEntry records and appends them as a single JSON line.
func (fs *FileStore) WriteEntry(reason string, turns []npc.Turn) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	record := Record{
		Timestamp: time.Now().UTC(),
		Reason:    reason,
		Entries:   toEntries(turns, time.Now().UTC()),
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("conversationlog: marshal: %w", err)
	}
	data = append(data, '\n')

	f, err := os.OpenFile(fs.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("conversationlog: open file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("conversationlog: write: %w", err)
	}
	return nil
}

// toEntries converts a turn sequence into transcript entries, skipping the
// persona system turn and any transient address-hint system turns — the log
// records what was said, not the prompt scaffolding around it.
func toEntries(turns []npc.Turn, at time.Time) []types.TranscriptEntry {
	entries := make([]types.TranscriptEntry, 0, len(turns))
	for _, t := range turns {
		switch t.Role {
		case "user":
			name, text := splitSpeaker(t.Content)
			entries = append(entries, types.TranscriptEntry{
				SpeakerName: name,
				Text:        text,
				IsNPC:       false,
				Timestamp:   at,
			})
		case "assistant":
			entries = append(entries, types.TranscriptEntry{
				Text:      t.Content,
				IsNPC:     true,
				Timestamp: at,
			})
		}
	}
	return entries
}

// splitSpeaker undoes the "[Name] text" prefix conversation.appendUser adds
// to a user turn's content, returning the bare name and message.
func splitSpeaker(content string) (name, text string) {
	if strings.HasPrefix(content, "[") {
		if i := strings.IndexByte(content, ']'); i > 0 {
			return content[1:i], strings.TrimSpace(content[i+1:])
		}
	}
	return "", content
}
