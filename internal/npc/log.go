package npc

import (
	"log/slog"
	"sync/atomic"
)

// guardedLogger wraps a ConversationLogger so that write failures are
// logged and swallowed rather than propagated — the conversation manager's
// contract is that saveAndReset never blocks or fails the caller on I/O.
// Mirrors the teacher's degraded-flag guard wrapper pattern.
type guardedLogger struct {
	inner    ConversationLogger
	logger   *slog.Logger
	degraded atomic.Bool
}

// newGuardedLogger wraps inner. A nil inner yields a guard whose WriteEntry
// is a no-op, for configurations that run without a conversation log.
func newGuardedLogger(inner ConversationLogger, logger *slog.Logger) *guardedLogger {
	return &guardedLogger{inner: inner, logger: logger}
}

func (g *guardedLogger) WriteEntry(reason string, turns []Turn) error {
	if g.inner == nil {
		return nil
	}
	if err := g.inner.WriteEntry(reason, turns); err != nil {
		g.degraded.Store(true)
		if g.logger != nil {
			g.logger.Warn("npc: conversation log write failed", "reason", reason, "error", err)
		}
		return nil
	}
	g.degraded.Store(false)
	return nil
}

// Degraded reports whether the most recent write failed.
func (g *guardedLogger) Degraded() bool {
	return g.degraded.Load()
}
