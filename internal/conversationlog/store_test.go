package conversationlog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/briarhollow/npcrelay/internal/npc"
)

func TestFileStore_WriteEntry_AppendsJSONLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conversation.log")
	fs := NewFileStore(path)

	turns := []npc.Turn{
		{Role: "system", Content: "You are a cat-maid."},
		{Role: "user", Content: "[Alice] hey maid"},
		{Role: "assistant", Content: "Meow, hello Alice!"},
	}

	if err := fs.WriteEntry("inactivity", turns); err != nil {
		t.Fatalf("WriteEntry() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}

	var record Record
	if err := json.Unmarshal(data[:len(data)-1], &record); err != nil { // trim trailing newline
		t.Fatalf("unmarshal record: %v", err)
	}

	if record.Reason != "inactivity" {
		t.Errorf("Reason = %q, want %q", record.Reason, "inactivity")
	}
	if len(record.Entries) != 2 {
		t.Fatalf("expected 2 entries (system turn skipped), got %d", len(record.Entries))
	}
	if record.Entries[0].SpeakerName != "Alice" || record.Entries[0].IsNPC {
		t.Errorf("unexpected user entry: %+v", record.Entries[0])
	}
	if record.Entries[0].Text != "hey maid" {
		t.Errorf("Text = %q, want %q", record.Entries[0].Text, "hey maid")
	}
	if !record.Entries[1].IsNPC || record.Entries[1].Text != "Meow, hello Alice!" {
		t.Errorf("unexpected assistant entry: %+v", record.Entries[1])
	}
}

func TestFileStore_WriteEntry_AppendsAcrossCalls(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conversation.log")
	fs := NewFileStore(path)

	turns := []npc.Turn{{Role: "user", Content: "[Bob] hi"}}

	if err := fs.WriteEntry("reset", turns); err != nil {
		t.Fatalf("first WriteEntry() error = %v", err)
	}
	if err := fs.WriteEntry("reset", turns); err != nil {
		t.Fatalf("second WriteEntry() error = %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log file: %v", err)
	}
	defer f.Close()

	lines := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines++
	}
	if lines != 2 {
		t.Fatalf("expected 2 appended lines, got %d", lines)
	}
}

func TestSplitSpeaker(t *testing.T) {
	tests := []struct {
		content  string
		wantName string
		wantText string
	}{
		{"[Alice] hello", "Alice", "hello"},
		{"no brackets here", "", "no brackets here"},
		{"", "", ""},
	}
	for _, tt := range tests {
		name, text := splitSpeaker(tt.content)
		if name != tt.wantName || text != tt.wantText {
			t.Errorf("splitSpeaker(%q) = (%q, %q), want (%q, %q)", tt.content, name, text, tt.wantName, tt.wantText)
		}
	}
}
