package npc

import (
	"testing"
	"time"
)

func TestIngest_CreatesBufferOnFirstContact(t *testing.T) {
	clock := newTestClock(time.Now())
	e := newTestEngine(clock, fixedRand(0))

	e.mu.Lock()
	e.ingest("alice", "Alice", "hi", false, clock.Now())
	e.mu.Unlock()

	e.mu.Lock()
	buf, ok := e.buffers["alice"]
	e.mu.Unlock()
	if !ok {
		t.Fatal("expected a buffer to be created for alice")
	}
	if len(buf.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(buf.Messages))
	}
	if buf.TotalIngested != 1 {
		t.Fatalf("expected TotalIngested 1, got %d", buf.TotalIngested)
	}
}

func TestIngest_EnforcesPerSpeakerCap(t *testing.T) {
	clock := newTestClock(time.Now())
	e := newTestEngine(clock, fixedRand(0))
	e.cfg.BufferMaxPerAvatar = 3

	e.mu.Lock()
	for i := 0; i < 5; i++ {
		e.ingest("alice", "Alice", "msg", false, clock.Now())
		clock.Advance(time.Millisecond)
	}
	n := len(e.buffers["alice"].Messages)
	e.mu.Unlock()

	if n != 3 {
		t.Fatalf("expected buffer capped at 3, got %d", n)
	}
}

func TestIngest_EnforcesGlobalCap(t *testing.T) {
	clock := newTestClock(time.Now())
	e := newTestEngine(clock, fixedRand(0))
	e.cfg.BufferMaxPerAvatar = 100
	e.cfg.BufferMaxTotalSize = 3

	e.mu.Lock()
	for _, sid := range []string{"a", "b", "c", "d"} {
		e.ingest(sid, sid, "msg", false, clock.Now())
		clock.Advance(time.Millisecond)
	}
	total := e.totalBuffered
	e.mu.Unlock()

	if total != 3 {
		t.Fatalf("expected global total capped at 3, got %d", total)
	}
}

func TestAggregatedContent_JoinsWithinWindow(t *testing.T) {
	clock := newTestClock(time.Now())
	e := newTestEngine(clock, fixedRand(0))
	e.cfg.BufferAggregationWindow = 5 * time.Second

	e.mu.Lock()
	e.ingest("alice", "Alice", "hello", false, clock.Now())
	clock.Advance(time.Second)
	e.ingest("alice", "Alice", "there", false, clock.Now())
	content := e.aggregatedContent("alice", clock.Now())
	e.mu.Unlock()

	if content != "hello there" {
		t.Fatalf("expected %q, got %q", "hello there", content)
	}
}

func TestAggregatedContent_FallsBackToSoleUtterance(t *testing.T) {
	clock := newTestClock(time.Now())
	e := newTestEngine(clock, fixedRand(0))
	e.cfg.BufferAggregationWindow = time.Second

	e.mu.Lock()
	e.ingest("alice", "Alice", "old message", false, clock.Now())
	clock.Advance(10 * time.Second)
	content := e.aggregatedContent("alice", clock.Now())
	e.mu.Unlock()

	if content != "old message" {
		t.Fatalf("expected lone utterance returned, got %q", content)
	}
}

func TestClearSpeaker_RetainsLastResponded(t *testing.T) {
	clock := newTestClock(time.Now())
	e := newTestEngine(clock, fixedRand(0))

	e.mu.Lock()
	e.ingest("alice", "Alice", "hi", false, clock.Now())
	e.markResponded("alice", clock.Now())
	e.clearSpeaker("alice")
	buf, ok := e.buffers["alice"]
	e.mu.Unlock()

	if !ok {
		t.Fatal("expected buffer entry to survive clearSpeaker")
	}
	if len(buf.Messages) != 0 {
		t.Fatalf("expected messages cleared, got %d", len(buf.Messages))
	}
	if buf.LastRespondedAt.IsZero() {
		t.Fatal("expected LastRespondedAt to survive clearSpeaker")
	}
}

func TestSweepExpired_RemovesEntryWithNoPriorResponse(t *testing.T) {
	clock := newTestClock(time.Now())
	e := newTestEngine(clock, fixedRand(0))
	e.cfg.BufferExpiry = time.Second

	e.mu.Lock()
	e.ingest("alice", "Alice", "hi", false, clock.Now())
	clock.Advance(10 * time.Second)
	e.sweepExpired(clock.Now())
	_, ok := e.buffers["alice"]
	e.mu.Unlock()

	if ok {
		t.Fatal("expected alice's buffer entry to be removed entirely")
	}
}

func TestSweepExpired_KeepsEntryWithPriorResponse(t *testing.T) {
	clock := newTestClock(time.Now())
	e := newTestEngine(clock, fixedRand(0))
	e.cfg.BufferExpiry = time.Second

	e.mu.Lock()
	e.ingest("alice", "Alice", "hi", false, clock.Now())
	e.markResponded("alice", clock.Now())
	clock.Advance(10 * time.Second)
	e.sweepExpired(clock.Now())
	buf, ok := e.buffers["alice"]
	e.mu.Unlock()

	if !ok {
		t.Fatal("expected alice's buffer entry to survive, LastRespondedAt is set")
	}
	if len(buf.Messages) != 0 {
		t.Fatalf("expected messages swept, got %d", len(buf.Messages))
	}
}

func TestUniversalInvariant_PerSpeakerAndGlobalCaps(t *testing.T) {
	clock := newTestClock(time.Now())
	e := newTestEngine(clock, fixedRand(0))
	e.cfg.BufferMaxPerAvatar = 2
	e.cfg.BufferMaxTotalSize = 5

	e.mu.Lock()
	for _, sid := range []string{"a", "b", "c", "d", "e", "f"} {
		for i := 0; i < 4; i++ {
			e.ingest(sid, sid, "msg", false, clock.Now())
			clock.Advance(time.Millisecond)
		}
	}
	total := 0
	for sid, buf := range e.buffers {
		if len(buf.Messages) > e.cfg.BufferMaxPerAvatar {
			t.Errorf("speaker %s exceeded per-avatar cap: %d", sid, len(buf.Messages))
		}
		total += len(buf.Messages)
	}
	e.mu.Unlock()

	if total > e.cfg.BufferMaxTotalSize {
		t.Errorf("global total %d exceeds cap %d", total, e.cfg.BufferMaxTotalSize)
	}
}
