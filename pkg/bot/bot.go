// Copyright 2024-2026 Bacchist

package bot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/format"
	"maunium.net/go/mautrix/id"

	"github.com/bacchist/multiverse-matrix-bot/pkg/autochat"
)

const (
	syncRetryDelay      = 5 * time.Second
	maintenanceInterval = time.Hour
)

// URLProcessor archives links shared in chat.
type URLProcessor interface {
	ProcessURL(ctx context.Context, url string) error
}

// Conversationalist generates autonomous chat responses.
type Conversationalist interface {
	Enabled() bool
	HandleMessage(ctx context.Context, room autochat.Room, msg autochat.Message) (*autochat.Reply, error)
	SpontaneousCheck(ctx context.Context, sender autochat.Sender)
}

// Poster periodically announces papers to a room.
type Poster interface {
	Enabled() bool
	RunMaintenanceCycle(ctx context.Context) error
	Status() string
}

// TranscriptLogger records room traffic and bot actions per room.
type TranscriptLogger interface {
	LogMessage(roomID, roomName, sender, body, msgType string, ts time.Time)
	LogBotAction(roomID, roomName, action string)
	LogRoomEvent(roomID, roomName, eventType, subject, description string, ts time.Time)
}

// messageSender is the delivery seam between handlers and the Matrix
// client, so handler logic can be tested with a fake.
type messageSender interface {
	sendText(ctx context.Context, roomID id.RoomID, text string) error
	sendThread(ctx context.Context, roomID id.RoomID, text string, parent id.EventID) error
	sendMarkdown(ctx context.Context, roomID id.RoomID, markdown string) error
}

// clientSender is the production messageSender backed by the mautrix client.
type clientSender struct {
	client *mautrix.Client
}

func (s *clientSender) sendText(ctx context.Context, roomID id.RoomID, text string) error {
	_, err := s.client.SendText(ctx, roomID, text)
	return err
}

func (s *clientSender) sendThread(ctx context.Context, roomID id.RoomID, text string, parent id.EventID) error {
	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    text,
		RelatesTo: &event.RelatesTo{
			Type:    event.RelThread,
			EventID: parent,
		},
	}
	_, err := s.client.SendMessageEvent(ctx, roomID, event.EventMessage, content)
	return err
}

func (s *clientSender) sendMarkdown(ctx context.Context, roomID id.RoomID, markdown string) error {
	content := format.RenderMarkdown(markdown, true, false)
	_, err := s.client.SendMessageEvent(ctx, roomID, event.EventMessage, &content)
	return err
}

// Bot wires the Matrix client to the collaborator modules.
type Bot struct {
	cfg    *Config
	client *mautrix.Client
	log    zerolog.Logger
	sender messageSender

	transcripts TranscriptLogger
	urls        URLProcessor
	chat        Conversationalist
	poster      Poster

	commands map[string]commandFunc

	// startupTime is set once in New; events older than it are never
	// processed. sawFirstSync and initialSyncComplete are only touched
	// from the sync dispatch goroutine, so they need no locking.
	startupTime         time.Time
	sawFirstSync        bool
	initialSyncComplete bool

	runCtx    context.Context
	loopsOnce sync.Once

	roomNameMu sync.Mutex
	roomNames  map[id.RoomID]string
}

// New creates a bot from config and collaborators. The poster is attached
// separately (see AttachPoster) because it sends through the bot itself.
func New(cfg *Config, log zerolog.Logger, transcripts TranscriptLogger, urls URLProcessor, chat Conversationalist) (*Bot, error) {
	client, err := mautrix.NewClient(cfg.Homeserver, cfg.UserID, cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Matrix client: %w", err)
	}
	client.DeviceID = cfg.DeviceID
	client.Log = log.With().Str("component", "mautrix").Logger()

	b := &Bot{
		cfg:         cfg,
		client:      client,
		log:         log.With().Str("component", "bot").Logger(),
		sender:      &clientSender{client: client},
		transcripts: transcripts,
		urls:        urls,
		chat:        chat,
		startupTime: time.Now().UTC(),
		roomNames:   make(map[id.RoomID]string),
	}
	b.registerCommands()

	syncer := client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, b.handleMessage)
	syncer.OnEventType(event.StateMember, b.handleMember)
	syncer.OnEventType(event.StateRoomName, b.handleRoomName)
	syncer.OnSync(b.onSync)

	return b, nil
}

// AttachPoster wires the paper poster in. Must be called before Run.
func (b *Bot) AttachPoster(p Poster) {
	b.poster = p
}

// Run syncs until ctx is cancelled. Sync errors are logged and retried
// after a short delay; they never terminate the bot.
func (b *Bot) Run(ctx context.Context) error {
	b.runCtx = ctx
	b.log.Info().
		Str("homeserver", b.cfg.Homeserver).
		Stringer("user_id", b.cfg.UserID).
		Time("startup_time", b.startupTime).
		Msg("Starting sync")

	for {
		err := b.client.SyncWithContext(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.log.Error().Err(err).Dur("retry_in", syncRetryDelay).Msg("Sync failed, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(syncRetryDelay):
		}
	}
}

// onSync marks the initial sync complete and starts the background loops.
// The first /sync response is the state catch-up; everything after it is
// live traffic. Sync listeners run before the events in the same response
// are dispatched, so the first callback arrives ahead of the catch-up
// batch: the flag flips on the second callback, once that whole batch has
// been handled under the initial-sync window.
func (b *Bot) onSync(_ context.Context, _ *mautrix.RespSync, _ string) bool {
	if b.initialSyncComplete {
		return true
	}
	if !b.sawFirstSync {
		b.sawFirstSync = true
		return true
	}
	b.initialSyncComplete = true
	b.log.Info().
		Time("startup_time", b.startupTime).
		Msg("Initial sync complete, processing new messages normally")
	b.loopsOnce.Do(b.startBackgroundLoops)
	return true
}

func (b *Bot) startBackgroundLoops() {
	if b.chat != nil && b.chat.Enabled() {
		go b.spontaneousLoop(b.runCtx)
	}
	if b.poster != nil && b.poster.Enabled() {
		go b.maintenanceLoop(b.runCtx)
		b.log.Info().Msg("Paper poster background task started")
	}
}

// spontaneousLoop runs the autonomous chat's periodic check on a fixed
// interval until ctx is cancelled.
func (b *Bot) spontaneousLoop(ctx context.Context) {
	interval := b.cfg.AutoChat.SpontaneousInterval()
	b.log.Info().Dur("interval", interval).Msg("Starting spontaneous message loop")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			b.log.Info().Msg("Spontaneous message loop stopped")
			return
		case <-ticker.C:
			b.chat.SpontaneousCheck(ctx, b)
		}
	}
}

// maintenanceLoop runs poster maintenance cycles on a fixed interval until
// ctx is cancelled. Cycle errors are logged and the loop proceeds to its
// next iteration.
func (b *Bot) maintenanceLoop(ctx context.Context) {
	b.log.Info().Dur("interval", maintenanceInterval).Msg("Starting paper maintenance loop")
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			b.log.Info().Msg("Paper maintenance loop stopped")
			return
		case <-ticker.C:
			if err := b.poster.RunMaintenanceCycle(ctx); err != nil {
				b.log.Error().Err(err).Msg("Paper maintenance cycle failed")
			}
		}
	}
}

// SendText implements autochat.Sender.
func (b *Bot) SendText(ctx context.Context, roomID id.RoomID, text string) error {
	return b.sender.sendText(ctx, roomID, text)
}

// SendMarkdown implements arxiv.Sender.
func (b *Bot) SendMarkdown(ctx context.Context, roomID id.RoomID, markdown string) error {
	return b.sender.sendMarkdown(ctx, roomID, markdown)
}

// roomName returns the room's display name, or "" if it has none. Names
// are cached and refreshed from m.room.name state events.
func (b *Bot) roomName(ctx context.Context, roomID id.RoomID) string {
	b.roomNameMu.Lock()
	name, ok := b.roomNames[roomID]
	b.roomNameMu.Unlock()
	if ok {
		return name
	}

	var content event.RoomNameEventContent
	if err := b.client.StateEvent(ctx, roomID, event.StateRoomName, "", &content); err != nil {
		content.Name = ""
	}
	b.roomNameMu.Lock()
	b.roomNames[roomID] = content.Name
	b.roomNameMu.Unlock()
	return content.Name
}

func (b *Bot) handleRoomName(_ context.Context, evt *event.Event) {
	content, ok := evt.Content.Parsed.(*event.RoomNameEventContent)
	if !ok {
		return
	}
	b.roomNameMu.Lock()
	b.roomNames[evt.RoomID] = content.Name
	b.roomNameMu.Unlock()
}
