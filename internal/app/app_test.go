package app_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/briarhollow/npcrelay/internal/app"
	"github.com/briarhollow/npcrelay/internal/config"
	"github.com/briarhollow/npcrelay/internal/npc"
	llmmock "github.com/briarhollow/npcrelay/pkg/provider/llm/mock"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			ListenAddr:  "127.0.0.1:0",
			LogLevel:    "info",
			PersonaPath: "persona.yaml",
		},
		LLM: config.LLMConfig{
			Provider:       "openai",
			APIKey:         "unused",
			Model:          "gpt-4o-mini",
			RequestTimeout: 30 * time.Second,
		},
		Engine: config.EngineConfig{
			Enabled:                       true,
			TickInterval:                  time.Second,
			ListeningTimeout:               15 * time.Second,
			ThinkingTimeout:                30 * time.Second,
			SpeakingCooldown:               5 * time.Second,
			BufferMaxPerAvatar:             10,
			BufferMaxTotalSize:             50,
			BufferAggregationWindow:        5 * time.Second,
			BufferExpiry:                   time.Minute,
			ResponseThreshold:              50,
			ResponseChance:                 0.8,
			TriggerWords:                   []string{"maid"},
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
		},
		Memory:    config.MemoryConfig{Enabled: true, TokenBudget: 500},
		RateLimit: config.RateLimitConfig{RequestsPerSecond: 10, Burst: 20},
	}
}

func testEngine(cfg *config.Config) *npc.Engine {
	return npc.New(cfg.Engine, config.MemoryConfig{Enabled: false}, "You are a cat-maid.", nil, nil)
}

func TestNew_WithInjectedEngineAndProviderSkipsRealConstruction(t *testing.T) {
	cfg := testConfig()
	eng := testEngine(cfg)
	provider := &llmmock.Provider{}

	a, err := app.New(context.Background(), cfg, app.WithEngine(eng), app.WithLLMProvider(provider))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Shutdown(context.Background())

	if a.Engine() != eng {
		t.Error("expected injected engine to be used as-is")
	}
}

func TestNew_DisabledEngineSkipsEngineConstruction(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.Enabled = false

	a, err := app.New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Shutdown(context.Background())

	if a.Engine() != nil {
		t.Error("expected no engine to be constructed when the engine is disabled")
	}
}

func TestHealthz_RespondsOK(t *testing.T) {
	cfg := testConfig()
	eng := testEngine(cfg)
	provider := &llmmock.Provider{}

	a, err := app.New(context.Background(), cfg, app.WithEngine(eng), app.WithLLMProvider(provider))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Shutdown(context.Background())

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	a.Server().Handler.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("healthz status = %d, want 200", rec.Code)
	}
}

func TestRunAndShutdown_StopsOnContextCancel(t *testing.T) {
	cfg := testConfig()
	eng := testEngine(cfg)
	provider := &llmmock.Provider{}

	a, err := app.New(context.Background(), cfg, app.WithEngine(eng), app.WithLLMProvider(provider))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()

	cancel()

	select {
	case err := <-runErr:
		if err != context.Canceled {
			t.Errorf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after context cancellation")
	}

	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestShutdown_IsIdempotent(t *testing.T) {
	cfg := testConfig()
	eng := testEngine(cfg)
	provider := &llmmock.Provider{}

	a, err := app.New(context.Background(), cfg, app.WithEngine(eng), app.WithLLMProvider(provider))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("first Shutdown() error = %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}
}
