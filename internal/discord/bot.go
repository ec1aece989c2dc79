// Package discord provides the Discord chat bridge for the NPC engagement
// engine. It owns the discordgo.Session lifecycle, forwards MessageCreate
// events on a configured channel to the engine's Dispatch Adapter, and posts
// the reply back to the channel on a 200 engagement.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/briarhollow/npcrelay/internal/npc"
	"github.com/briarhollow/npcrelay/internal/resilience"
	"github.com/briarhollow/npcrelay/pkg/provider/llm"
)

// Config holds Discord bridge configuration.
type Config struct {
	// Token is the Discord bot token (e.g., "Bot MTIz...").
	Token string

	// ChannelID is the single channel the bridge listens on and replies in.
	ChannelID string
}

// Dispatcher is the subset of the NPC engine's Dispatch Adapter the bridge
// depends on. Satisfied by *npc.Engine.
type Dispatcher interface {
	Dispatch(ctx context.Context, provider llm.Provider, breaker *resilience.CircuitBreaker, speakerID, speakerName, text string) npc.DispatchResult
}

// Bot owns the Discord gateway connection and bridges a single channel's
// messages to the engagement engine.
type Bot struct {
	mu        sync.RWMutex
	session   *discordgo.Session
	channelID string

	dispatch Dispatcher
	provider llm.Provider
	breaker  *resilience.CircuitBreaker

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Bot, connects to Discord, and registers the MessageCreate
// handler for cfg.ChannelID.
func New(_ context.Context, cfg Config, dispatch Dispatcher, provider llm.Provider, breaker *resilience.CircuitBreaker) (*Bot, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent

	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("discord: open session: %w", err)
	}

	b := &Bot{
		session:   session,
		channelID: cfg.ChannelID,
		dispatch:  dispatch,
		provider:  provider,
		breaker:   breaker,
		done:      make(chan struct{}),
	}

	session.AddHandler(b.handleMessageCreate)

	return b, nil
}

// handleMessageCreate ingests a message on the bridged channel and, on a
// 200 engagement, posts the engine's reply back. Messages from the bot
// itself and from other channels are ignored.
func (b *Bot) handleMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == s.State.User.ID {
		return
	}
	if m.ChannelID != b.channelID {
		return
	}
	text := strings.TrimSpace(m.Content)
	if text == "" {
		return
	}

	speakerName := m.Author.Username
	if m.Member != nil && m.Member.Nick != "" {
		speakerName = m.Member.Nick
	}

	result := b.dispatch.Dispatch(context.Background(), b.provider, b.breaker, m.Author.ID, speakerName, text)
	if result.Status != 200 || result.Body == "" {
		return
	}

	if _, err := s.ChannelMessageSend(m.ChannelID, result.Body); err != nil {
		slog.Warn("discord: failed to send reply", "err", err)
	}
}

// Session returns the underlying discordgo session.
func (b *Bot) Session() *discordgo.Session {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.session
}

// Run blocks until ctx is cancelled. The bridge has no slash commands to
// register; the gateway connection opened in New is already live.
func (b *Bot) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

// Close disconnects from Discord.
func (b *Bot) Close() error {
	var closeErr error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.session != nil {
			if err := b.session.Close(); err != nil {
				closeErr = fmt.Errorf("discord: close session: %w", err)
			}
		}
		slog.Info("discord bridge closed")
	})
	return closeErr
}
