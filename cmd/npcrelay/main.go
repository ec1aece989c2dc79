// Command npcrelay is the main entry point for the npcrelay NPC engagement
// engine.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/briarhollow/npcrelay/internal/app"
	"github.com/briarhollow/npcrelay/internal/config"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "npcrelay: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("npcrelay starting",
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"engine_enabled", cfg.Engine.Enabled,
	)

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	// ── Application wiring ────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        npcrelay — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printField("Engine enabled", fmt.Sprintf("%t", cfg.Engine.Enabled))
	printField("LLM provider", cfg.LLM.Provider+" / "+cfg.LLM.Model)
	printField("Persona", cfg.Server.PersonaPath)
	printField("Tick interval", cfg.Engine.TickInterval.String())
	printField("Trigger words", fmt.Sprintf("%d configured", len(cfg.Engine.TriggerWords)))
	printField("Memory enabled", fmt.Sprintf("%t", cfg.Memory.Enabled))
	printField("Rate limit", fmt.Sprintf("%.0f/s burst %d", cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst))
	if cfg.Discord.Token != "" {
		printField("Discord bridge", "channel "+cfg.Discord.ChannelID)
	} else {
		printField("Discord bridge", "(disabled)")
	}
	printField("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printField(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
