package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// validLogLevels lists the recognised values for ServerConfig.LogLevel.
var validLogLevels = []string{"debug", "info", "warn", "error"}

// validLLMProviders lists the recognised values for LLMConfig.Provider.
var validLLMProviders = []string{"openai", "anthropic"}

// LoadFromEnv reads the full environment-variable surface documented in
// the engine's external interface and returns a validated [Config].
// Every variable has a default, so an empty environment still yields a
// usable (if disabled) configuration — see [EngineConfig.Enabled].
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			ListenAddr:          getString("LISTEN_ADDR", ":8080"),
			LogLevel:            getString("LOG_LEVEL", "info"),
			PersonaPath:         getString("PERSONA_PATH", "persona.yaml"),
			ConversationLogPath: getString("CONVERSATION_LOG_PATH", "conversation.log"),
		},
		LLM: LLMConfig{
			Provider:       getString("LLM_PROVIDER", "openai"),
			APIKey:         getString("LLM_API_KEY", ""),
			Model:          getString("LLM_MODEL", "gpt-4o-mini"),
			BaseURL:        getString("LLM_BASE_URL", ""),
			RequestTimeout: getDurationMs("LLM_REQUEST_TIMEOUT_MS", 30_000),
		},
		Engine: EngineConfig{
			Enabled:                        getBool("NPC_ENABLED", false),
			TickInterval:                   getDurationMs("NPC_TICK_INTERVAL_MS", 1_000),
			ListeningTimeout:                getDurationMs("NPC_LISTENING_TIMEOUT_MS", 15_000),
			ThinkingTimeout:                 getDurationMs("NPC_THINKING_TIMEOUT_MS", 30_000),
			SpeakingCooldown:                getDurationMs("NPC_SPEAKING_COOLDOWN_MS", 5_000),
			BufferMaxPerAvatar:              getInt("NPC_BUFFER_MAX_PER_AVATAR", 10),
			BufferMaxTotalSize:              getInt("NPC_BUFFER_MAX_TOTAL_SIZE", 50),
			BufferAggregationWindow:         getDurationMs("NPC_BUFFER_AGGREGATION_WINDOW_MS", 5_000),
			BufferExpiry:                    getDurationMs("NPC_BUFFER_EXPIRY_MS", 60_000),
			ResponseThreshold:               getFloat("NPC_RESPONSE_THRESHOLD", 50),
			ResponseChance:                  getFloat("NPC_RESPONSE_CHANCE", 0.8),
			TriggerWords:                    getList("NPC_TRIGGER_WORDS", []string{"maid", "cat-maid", "kitty"}),
			ScoreDirectMention:              getFloat("NPC_SCORE_DIRECT_MENTION", 100),
			ScoreRecentInteraction:          getFloat("NPC_SCORE_RECENT_INTERACTION", 30),
			ScoreMessageCountMult:           getFloat("NPC_SCORE_MESSAGE_COUNT_MULT", 5),
			ScoreConsecutiveBonus:           getFloat("NPC_SCORE_CONSECUTIVE_BONUS", 10),
			ScoreMaxTimeDecay:               getFloat("NPC_SCORE_MAX_TIME_DECAY", 20),
			ScoreTimeDecayRate:              getFloat("NPC_SCORE_TIME_DECAY_RATE", 2),
			ScoreRandomnessRange:            getFloat("NPC_SCORE_RANDOMNESS_RANGE", 10),
			AvatarCooldown:                  getDurationMs("NPC_AVATAR_COOLDOWN_MS", 30_000),
			ConversationMaxHistoryMessages:  getInt("CONVERSATION_MAX_HISTORY_MESSAGES", 50),
			ContextMaxTokens:                getInt("CONTEXT_MAX_TOKENS", 8_000),
			ContextSystemPromptMaxPercent:   getInt("CONTEXT_SYSTEM_PROMPT_MAX_PERCENT", 80),
			InactivityTimeout:               getDurationMs("INACTIVITY_TIMEOUT_MS", 3_600_000),
		},
		Memory: MemoryConfig{
			Enabled:     getBool("MEMORY_ENABLED", true),
			TokenBudget: getInt("MEMORY_TOKEN_BUDGET", 500),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getFloat("HTTP_RATE_LIMIT_RPS", 10),
			Burst:             getInt("HTTP_RATE_LIMIT_BURST", 20),
		},
		Discord: DiscordConfig{
			Token:     getString("DISCORD_BOT_TOKEN", ""),
			ChannelID: getString("DISCORD_CHANNEL_ID", ""),
		},
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing every validation failure found, following the
// teacher's errors.Join aggregate-validation idiom.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !contains(validLogLevels, cfg.Server.LogLevel) {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: %s", cfg.Server.LogLevel, strings.Join(validLogLevels, ", ")))
	}

	if !contains(validLLMProviders, cfg.LLM.Provider) {
		errs = append(errs, fmt.Errorf("llm.provider %q is invalid; valid values: %s", cfg.LLM.Provider, strings.Join(validLLMProviders, ", ")))
	}
	if cfg.Engine.Enabled && cfg.LLM.APIKey == "" {
		errs = append(errs, errors.New("llm.api_key is required when the engine is enabled"))
	}
	if cfg.Engine.Enabled && cfg.Server.PersonaPath == "" {
		errs = append(errs, errors.New("server.persona_path is required when the engine is enabled"))
	}
	if cfg.Engine.Enabled && cfg.Server.ConversationLogPath == "" {
		errs = append(errs, errors.New("server.conversation_log_path is required when the engine is enabled"))
	}

	if cfg.Engine.ResponseChance < 0 || cfg.Engine.ResponseChance > 1 {
		errs = append(errs, fmt.Errorf("npc.response_chance %.3f is out of range [0, 1]", cfg.Engine.ResponseChance))
	}
	if cfg.Engine.BufferMaxPerAvatar <= 0 {
		errs = append(errs, errors.New("npc.buffer_max_per_avatar must be positive"))
	}
	if cfg.Engine.BufferMaxTotalSize < cfg.Engine.BufferMaxPerAvatar {
		errs = append(errs, errors.New("npc.buffer_max_total_size must be at least buffer_max_per_avatar"))
	}
	if cfg.Engine.TickInterval <= 0 {
		errs = append(errs, errors.New("npc.tick_interval_ms must be positive"))
	}
	if cfg.Engine.ConversationMaxHistoryMessages <= 0 {
		errs = append(errs, errors.New("conversation.max_history_messages must be positive"))
	}
	if cfg.Engine.ContextMaxTokens <= 0 {
		errs = append(errs, errors.New("context.max_tokens must be positive"))
	}
	if cfg.Engine.ContextSystemPromptMaxPercent <= 0 || cfg.Engine.ContextSystemPromptMaxPercent > 100 {
		errs = append(errs, errors.New("context.system_prompt_max_percent must be in (0, 100]"))
	}
	if len(cfg.Engine.TriggerWords) == 0 {
		slog.Warn("npc.trigger_words is empty; direct-mention detection will never fire")
	}

	if cfg.Memory.Enabled && cfg.Memory.TokenBudget <= 0 {
		errs = append(errs, errors.New("memory.token_budget must be positive when memory is enabled"))
	}

	if cfg.RateLimit.RequestsPerSecond <= 0 {
		errs = append(errs, errors.New("rate_limit.requests_per_second must be positive"))
	}
	if cfg.RateLimit.Burst <= 0 {
		errs = append(errs, errors.New("rate_limit.burst must be positive"))
	}

	if cfg.Discord.Token != "" && cfg.Discord.ChannelID == "" {
		errs = append(errs, errors.New("discord.channel_id is required when discord.token is set"))
	}
	if cfg.Discord.Token != "" && !cfg.Engine.Enabled {
		errs = append(errs, errors.New("discord.token requires the engine to be enabled"))
	}

	return errors.Join(errs...)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func getString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("invalid boolean env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return b
}

func getInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("invalid integer env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

func getFloat(key string, def float64) float64 {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("invalid float env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return f
}

func getDurationMs(key string, defMs int) time.Duration {
	return time.Duration(getInt(key, defMs)) * time.Millisecond
}

func getList(key string, def []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
