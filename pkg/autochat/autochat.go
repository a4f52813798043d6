// Copyright 2024-2026 Bacchist

// Package autochat gives the bot a conversational presence: it watches room
// traffic, decides when a reply is warranted, and generates responses with
// an OpenAI-compatible chat model. It can also start conversations of its
// own in rooms that have gone quiet on the bot but not on the humans.
package autochat

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"
	"maunium.net/go/mautrix/id"
)

const defaultSystemPrompt = "You are a friendly, curious member of a Matrix chat community. " +
	"Keep replies short and conversational. Never use markdown headers. " +
	"You are talking in the room %q."

const (
	defaultResponseChance     = 0.05
	defaultSpontaneousChance  = 0.15
	defaultCooldownMinutes    = 10
	defaultHistoryLimit       = 30
	defaultSpontaneousMinutes = 30
	defaultActiveWindowMin    = 60
	defaultMaxTokens          = 300
)

// Config holds autonomous chat settings. An empty APIKey disables the
// module entirely.
type Config struct {
	APIKey                     string  `yaml:"api_key"`
	BaseURL                    string  `yaml:"base_url"`
	Model                      string  `yaml:"model"`
	SystemPrompt               string  `yaml:"system_prompt"`
	ResponseChance             float64 `yaml:"response_chance"`
	SpontaneousChance          float64 `yaml:"spontaneous_chance"`
	CooldownMinutes            int     `yaml:"cooldown_minutes"`
	HistoryLimit               int     `yaml:"history_limit"`
	SpontaneousIntervalMinutes int     `yaml:"spontaneous_interval_minutes"`
	ActiveWindowMinutes        int     `yaml:"active_window_minutes"`
	MaxTokens                  int     `yaml:"max_tokens"`
}

func (c *Config) applyDefaults() {
	if c.Model == "" {
		c.Model = openai.GPT4oMini
	}
	if c.ResponseChance <= 0 {
		c.ResponseChance = defaultResponseChance
	}
	if c.SpontaneousChance <= 0 {
		c.SpontaneousChance = defaultSpontaneousChance
	}
	if c.CooldownMinutes <= 0 {
		c.CooldownMinutes = defaultCooldownMinutes
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = defaultHistoryLimit
	}
	if c.SpontaneousIntervalMinutes <= 0 {
		c.SpontaneousIntervalMinutes = defaultSpontaneousMinutes
	}
	if c.ActiveWindowMinutes <= 0 {
		c.ActiveWindowMinutes = defaultActiveWindowMin
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = defaultMaxTokens
	}
}

// SpontaneousInterval returns the cadence for the periodic check loop.
func (c *Config) SpontaneousInterval() time.Duration {
	interval := c.SpontaneousIntervalMinutes
	if interval <= 0 {
		interval = defaultSpontaneousMinutes
	}
	return time.Duration(interval) * time.Minute
}

// Room identifies a Matrix room to the chat module.
type Room struct {
	ID   id.RoomID
	Name string
}

// Message is an inbound room message, pre-filtered by the caller.
type Message struct {
	Sender     id.UserID
	Body       string
	EventID    id.EventID
	ThreadRoot id.EventID
	Timestamp  time.Time
}

// Reply is a generated response. ThreadParent, when set, asks the caller to
// deliver the reply inside that thread.
type Reply struct {
	Text         string
	ThreadParent id.EventID
}

// Sender posts plain-text messages; the bot implements it.
type Sender interface {
	SendText(ctx context.Context, roomID id.RoomID, text string) error
}

// completer is the generation seam; the production implementation wraps
// the OpenAI client.
type completer interface {
	Complete(ctx context.Context, system string, history []turn) (string, error)
}

// turn is one remembered utterance in a room.
type turn struct {
	sender  string
	text    string
	fromBot bool
	at      time.Time
}

// Chat is the autonomous conversation module.
type Chat struct {
	cfg       Config
	userID    id.UserID
	localpart string
	completer completer
	log       zerolog.Logger
	chance    func() float64

	mu        sync.Mutex
	history   map[id.RoomID][]turn
	rooms     map[id.RoomID]Room
	lastHuman map[id.RoomID]time.Time
	lastReply map[id.RoomID]time.Time
}

// New creates the chat module for the given bot user. With no API key the
// module is created disabled and every entry point is a no-op.
func New(cfg Config, userID id.UserID, log zerolog.Logger) *Chat {
	cfg.applyDefaults()
	c := &Chat{
		cfg:       cfg,
		userID:    userID,
		localpart: userID.Localpart(),
		log:       log.With().Str("component", "autochat").Logger(),
		chance:    rand.Float64,
		history:   make(map[id.RoomID][]turn),
		rooms:     make(map[id.RoomID]Room),
		lastHuman: make(map[id.RoomID]time.Time),
		lastReply: make(map[id.RoomID]time.Time),
	}
	if cfg.APIKey != "" {
		clientCfg := openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			clientCfg.BaseURL = cfg.BaseURL
		}
		c.completer = &openAICompleter{
			client:    openai.NewClientWithConfig(clientCfg),
			model:     cfg.Model,
			maxTokens: cfg.MaxTokens,
		}
	} else {
		c.log.Info().Msg("No API key configured, autonomous chat disabled")
	}
	return c
}

// Enabled reports whether the module can generate responses.
func (c *Chat) Enabled() bool {
	return c.completer != nil
}

// HandleMessage records the message and, if the module decides to speak,
// returns a reply. A nil reply with nil error means the bot stays quiet.
// Replies to messages inside a thread carry the thread root so delivery
// stays in the same thread.
func (c *Chat) HandleMessage(ctx context.Context, room Room, msg Message) (*Reply, error) {
	c.remember(room, msg)
	if !c.Enabled() {
		return nil, nil
	}
	if !c.shouldRespond(room.ID, msg) {
		return nil, nil
	}

	text, err := c.generate(ctx, room)
	if err != nil {
		return nil, fmt.Errorf("response generation failed: %w", err)
	}
	if text == "" {
		return nil, nil
	}

	c.mu.Lock()
	c.lastReply[room.ID] = time.Now()
	c.history[room.ID] = appendTrimmed(c.history[room.ID], turn{
		sender:  c.userID.String(),
		text:    text,
		fromBot: true,
		at:      time.Now(),
	}, c.cfg.HistoryLimit)
	c.mu.Unlock()

	return &Reply{Text: text, ThreadParent: msg.ThreadRoot}, nil
}

// SpontaneousCheck runs one pass of the unprompted-message policy: rooms
// with recent human activity where the bot has been silent past the
// cooldown get a small chance of an unprompted message. Called on a fixed
// interval by the bot's background loop.
func (c *Chat) SpontaneousCheck(ctx context.Context, sender Sender) {
	if !c.Enabled() {
		return
	}
	now := time.Now()
	activeWindow := time.Duration(c.cfg.ActiveWindowMinutes) * time.Minute
	cooldown := time.Duration(c.cfg.CooldownMinutes) * time.Minute

	c.mu.Lock()
	var candidates []Room
	for roomID, lastHuman := range c.lastHuman {
		if now.Sub(lastHuman) > activeWindow {
			continue
		}
		if now.Sub(c.lastReply[roomID]) < cooldown {
			continue
		}
		candidates = append(candidates, c.rooms[roomID])
	}
	c.mu.Unlock()

	for _, room := range candidates {
		if c.chance() >= c.cfg.SpontaneousChance {
			continue
		}
		text, err := c.generate(ctx, room)
		if err != nil {
			c.log.Error().Err(err).Stringer("room_id", room.ID).Msg("Spontaneous generation failed")
			continue
		}
		if text == "" {
			continue
		}
		if err := sender.SendText(ctx, room.ID, text); err != nil {
			c.log.Error().Err(err).Stringer("room_id", room.ID).Msg("Spontaneous send failed")
			continue
		}
		c.mu.Lock()
		c.lastReply[room.ID] = time.Now()
		c.history[room.ID] = appendTrimmed(c.history[room.ID], turn{
			sender:  c.userID.String(),
			text:    text,
			fromBot: true,
			at:      time.Now(),
		}, c.cfg.HistoryLimit)
		c.mu.Unlock()
		c.log.Info().Stringer("room_id", room.ID).Msg("Sent spontaneous message")
	}
}

func (c *Chat) remember(room Room, msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms[room.ID] = room
	c.lastHuman[room.ID] = time.Now()
	c.history[room.ID] = appendTrimmed(c.history[room.ID], turn{
		sender: msg.Sender.String(),
		text:   msg.Body,
		at:     msg.Timestamp,
	}, c.cfg.HistoryLimit)
}

// shouldRespond decides whether to reply: direct mentions always get a
// response, anything else is gated on the per-room cooldown plus a dice
// roll.
func (c *Chat) shouldRespond(roomID id.RoomID, msg Message) bool {
	if c.mentioned(msg.Body) {
		return true
	}
	c.mu.Lock()
	last := c.lastReply[roomID]
	c.mu.Unlock()
	if time.Since(last) < time.Duration(c.cfg.CooldownMinutes)*time.Minute {
		return false
	}
	return c.chance() < c.cfg.ResponseChance
}

func (c *Chat) mentioned(body string) bool {
	lower := strings.ToLower(body)
	return strings.Contains(lower, strings.ToLower(c.localpart)) ||
		strings.Contains(lower, strings.ToLower(c.userID.String()))
}

func (c *Chat) generate(ctx context.Context, room Room) (string, error) {
	prompt := c.cfg.SystemPrompt
	if prompt == "" {
		prompt = fmt.Sprintf(defaultSystemPrompt, displayRoom(room))
	}
	c.mu.Lock()
	history := make([]turn, len(c.history[room.ID]))
	copy(history, c.history[room.ID])
	c.mu.Unlock()

	text, err := c.completer.Complete(ctx, prompt, history)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

func displayRoom(room Room) string {
	if room.Name != "" {
		return room.Name
	}
	return room.ID.String()
}

func appendTrimmed(history []turn, t turn, limit int) []turn {
	history = append(history, t)
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	return history
}

// openAICompleter generates chat completions through the OpenAI API.
type openAICompleter struct {
	client    *openai.Client
	model     string
	maxTokens int
}

func (o *openAICompleter) Complete(ctx context.Context, system string, history []turn) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: system,
	})
	for _, t := range history {
		if t.fromBot {
			messages = append(messages, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: t.text,
			})
			continue
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: fmt.Sprintf("%s: %s", t.sender, t.text),
		})
	}

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     o.model,
		Messages:  messages,
		MaxTokens: o.maxTokens,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}
