// Package app wires the NPC engagement engine, its HTTP surface, and the
// optional Discord chat bridge into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the HTTP server (and the Discord bridge, if
// configured), and Shutdown tears everything down in order.
//
// For testing, inject test doubles via functional options (WithEngine,
// WithLLMProvider, WithDiscordBot). When an option is not provided, New
// creates the real implementation from config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/briarhollow/npcrelay/internal/config"
	"github.com/briarhollow/npcrelay/internal/conversationlog"
	"github.com/briarhollow/npcrelay/internal/discord"
	"github.com/briarhollow/npcrelay/internal/health"
	"github.com/briarhollow/npcrelay/internal/httpapi"
	"github.com/briarhollow/npcrelay/internal/npc"
	"github.com/briarhollow/npcrelay/internal/observe"
	"github.com/briarhollow/npcrelay/internal/persona"
	"github.com/briarhollow/npcrelay/internal/ratelimit"
	"github.com/briarhollow/npcrelay/internal/resilience"
	"github.com/briarhollow/npcrelay/pkg/provider/llm"
	"github.com/briarhollow/npcrelay/pkg/provider/llm/anthropic"
	"github.com/briarhollow/npcrelay/pkg/provider/llm/openai"
)

// App owns the engagement engine, its HTTP server, and the optional Discord
// bridge's lifetimes.
type App struct {
	cfg *config.Config

	provider llm.Provider
	breaker  *resilience.CircuitBreaker
	engine   *npc.Engine
	server   *http.Server
	bridge   *discord.Bot

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithLLMProvider injects an LLM provider instead of creating one from
// cfg.LLM.
func WithLLMProvider(p llm.Provider) Option {
	return func(a *App) { a.provider = p }
}

// WithEngine injects an NPC engine instead of creating one from cfg.Engine
// and the configured persona file.
func WithEngine(e *npc.Engine) Option {
	return func(a *App) { a.engine = e }
}

// WithDiscordBot injects a Discord bridge instead of creating one from
// cfg.Discord.
func WithDiscordBot(b *discord.Bot) Option {
	return func(a *App) { a.bridge = b }
}

// New creates an App by wiring the LLM provider, the NPC engagement engine,
// the HTTP API, and (if configured) the Discord bridge together. New
// performs all initialisation synchronously: provider construction, persona
// loading, engine construction, and HTTP route registration.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	if err := a.initProvider(); err != nil {
		return nil, fmt.Errorf("app: init llm provider: %w", err)
	}

	a.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:        "llm-" + cfg.LLM.Provider,
		MaxFailures: 5,
	})

	if err := a.initEngine(); err != nil {
		return nil, fmt.Errorf("app: init engine: %w", err)
	}
	if a.engine != nil {
		a.engine.Start()
		a.closers = append(a.closers, func() error { a.engine.Stop(); return nil })
	}

	a.initServer()

	if err := a.initDiscordBridge(ctx); err != nil {
		return nil, fmt.Errorf("app: init discord bridge: %w", err)
	}

	return a, nil
}

// initProvider constructs the configured LLM provider unless one was
// injected via WithLLMProvider.
func (a *App) initProvider() error {
	if a.provider != nil {
		return nil
	}
	if !a.cfg.Engine.Enabled {
		return nil
	}

	switch a.cfg.LLM.Provider {
	case "openai":
		var opts []openai.Option
		if a.cfg.LLM.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(a.cfg.LLM.BaseURL))
		}
		if a.cfg.LLM.RequestTimeout > 0 {
			opts = append(opts, openai.WithTimeout(a.cfg.LLM.RequestTimeout))
		}
		p, err := openai.New(a.cfg.LLM.APIKey, a.cfg.LLM.Model, opts...)
		if err != nil {
			return err
		}
		a.provider = p
	case "anthropic":
		var opts []anthropic.Option
		if a.cfg.LLM.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(a.cfg.LLM.BaseURL))
		}
		if a.cfg.LLM.RequestTimeout > 0 {
			opts = append(opts, anthropic.WithTimeout(a.cfg.LLM.RequestTimeout))
		}
		p, err := anthropic.New(a.cfg.LLM.APIKey, a.cfg.LLM.Model, opts...)
		if err != nil {
			return err
		}
		a.provider = p
	default:
		return fmt.Errorf("unknown llm provider %q", a.cfg.LLM.Provider)
	}
	return nil
}

// initEngine loads the persona file and constructs the NPC engine unless
// one was injected via WithEngine. The conversation logger is a FileStore
// appending to cfg.Server.ConversationLogPath, giving every saveAndReset a
// durable record.
func (a *App) initEngine() error {
	if a.engine != nil {
		return nil
	}
	if !a.cfg.Engine.Enabled {
		return nil
	}

	pf, err := persona.Load(a.cfg.Server.PersonaPath)
	if err != nil {
		return err
	}

	logger := conversationlog.NewFileStore(a.cfg.Server.ConversationLogPath)
	e := npc.New(a.cfg.Engine, a.cfg.Memory, pf.Persona.SystemPrompt, logger, slog.Default())
	for _, m := range pf.SeedMemories {
		e.AddMemory(m.Keywords, m.Content, m.Priority)
	}
	a.engine = e
	return nil
}

// initServer builds the HTTP mux (chat, memory reset, health, readiness)
// wrapped in the observability middleware, and the http.Server that serves
// it.
func (a *App) initServer() {
	mux := http.NewServeMux()

	if a.engine != nil {
		limiter := ratelimit.New(a.cfg.RateLimit.RequestsPerSecond, a.cfg.RateLimit.Burst)
		api := httpapi.New(a.engine, a.provider, a.breaker, limiter)
		api.Register(mux)
	}

	hc := health.New(health.Checker{
		Name: "llm",
		Check: func(context.Context) error {
			if a.provider == nil {
				return errors.New("no llm provider configured")
			}
			return nil
		},
	})
	hc.Register(mux)

	a.server = &http.Server{
		Addr:    a.cfg.Server.ListenAddr,
		Handler: observe.Middleware(observe.DefaultMetrics())(mux),
	}
}

// initDiscordBridge constructs the optional Discord chat bridge when
// cfg.Discord.Token is set and no bridge was injected via WithDiscordBot.
func (a *App) initDiscordBridge(ctx context.Context) error {
	if a.bridge != nil {
		return nil
	}
	if a.cfg.Discord.Token == "" {
		return nil
	}

	b, err := discord.New(ctx, discord.Config{
		Token:     a.cfg.Discord.Token,
		ChannelID: a.cfg.Discord.ChannelID,
	}, a.engine, a.provider, a.breaker)
	if err != nil {
		return err
	}
	a.bridge = b
	a.closers = append(a.closers, a.bridge.Close)
	return nil
}

// Engine returns the wrapped NPC engagement engine.
func (a *App) Engine() *npc.Engine { return a.engine }

// Server returns the underlying HTTP server, primarily for tests that need
// to exercise the listening address directly.
func (a *App) Server() *http.Server { return a.server }

// Run starts the HTTP server and, if configured, the Discord bridge, and
// blocks until ctx is cancelled or either one fails. The HTTP server is
// stopped by Shutdown, not by ctx cancellation here — Run only reports
// whichever happens first.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	go func() {
		slog.Info("http server listening", "addr", a.cfg.Server.ListenAddr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if a.bridge != nil {
		go func() {
			if err := a.bridge.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("discord bridge: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Shutdown tears down the HTTP server and then all registered subsystems in
// the order they were registered. It respects the context deadline: if ctx expires
// before all closers finish, remaining closers are skipped.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				slog.Warn("http server shutdown error", "err", err)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
