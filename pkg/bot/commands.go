// Copyright 2024-2026 Bacchist

package bot

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// commandInvocation carries the parsed context of a single command run.
type commandInvocation struct {
	roomID   id.RoomID
	roomName string
	sender   id.UserID
	args     []string
}

type commandFunc func(ctx context.Context, b *Bot, inv *commandInvocation) error

func (b *Bot) registerCommands() {
	b.commands = map[string]commandFunc{
		"ping":   cmdPing,
		"help":   cmdHelp,
		"status": cmdStatus,
		"papers": cmdPapers,
	}
}

// parseCommand splits a prefixed command body into name and args. Unknown
// names are the caller's problem; bodies without the prefix are not
// commands at all.
func (b *Bot) parseCommand(body string) (name string, args []string, ok bool) {
	if !strings.HasPrefix(body, b.cfg.CommandPrefix) {
		return "", nil, false
	}
	fields := strings.Fields(strings.TrimPrefix(body, b.cfg.CommandPrefix))
	if len(fields) == 0 {
		return "", nil, false
	}
	return strings.ToLower(fields[0]), fields[1:], true
}

// runCommand executes a known command. Errors are logged, recorded in the
// transcript, and surfaced to the room as a generic timestamped apology;
// they never propagate further.
func (b *Bot) runCommand(ctx context.Context, evt *event.Event, roomName, name string, args []string) {
	b.log.Info().
		Str("command", name).
		Stringer("sender", evt.Sender).
		Stringer("room_id", evt.RoomID).
		Msg("User ran command")
	b.transcripts.LogBotAction(evt.RoomID.String(), roomName,
		fmt.Sprintf("Command executed: %s%s by %s", b.cfg.CommandPrefix, name, evt.Sender))

	inv := &commandInvocation{
		roomID:   evt.RoomID,
		roomName: roomName,
		sender:   evt.Sender,
		args:     args,
	}
	err := b.commands[name](ctx, b, inv)
	if err == nil {
		return
	}

	b.log.Error().Err(err).Str("command", name).Msg("Command failed")
	b.transcripts.LogBotAction(evt.RoomID.String(), roomName,
		fmt.Sprintf("Command error: %s%s by %s - %v", b.cfg.CommandPrefix, name, evt.Sender, err))

	apology := fmt.Sprintf("[%s] An error occurred while processing your command. Please try again later.",
		time.Now().Format("2006-01-02 15:04:05"))
	if sendErr := b.sender.sendText(ctx, evt.RoomID, apology); sendErr != nil {
		b.log.Error().Err(sendErr).Stringer("room_id", evt.RoomID).Msg("Failed to send command error response")
	}
}

func cmdPing(ctx context.Context, b *Bot, inv *commandInvocation) error {
	return b.sender.sendText(ctx, inv.roomID, "Pong!")
}

func cmdHelp(ctx context.Context, b *Bot, inv *commandInvocation) error {
	names := make([]string, 0, len(b.commands))
	for name := range b.commands {
		names = append(names, b.cfg.CommandPrefix+name)
	}
	sort.Strings(names)
	return b.sender.sendText(ctx, inv.roomID, "Available commands: "+strings.Join(names, ", "))
}

func cmdStatus(ctx context.Context, b *Bot, inv *commandInvocation) error {
	uptime := time.Since(b.startupTime).Round(time.Second)
	chatState := "disabled"
	if b.chat != nil && b.chat.Enabled() {
		chatState = "enabled"
	}
	posterState := "disabled"
	if b.poster != nil && b.poster.Enabled() {
		posterState = "enabled"
	}
	text := fmt.Sprintf("Uptime: %s | autonomous chat: %s | paper poster: %s", uptime, chatState, posterState)
	return b.sender.sendText(ctx, inv.roomID, text)
}

// cmdPapers reports poster status, or with "check" (owner only) triggers a
// maintenance cycle out of band.
func cmdPapers(ctx context.Context, b *Bot, inv *commandInvocation) error {
	if b.poster == nil || !b.poster.Enabled() {
		return b.sender.sendText(ctx, inv.roomID, "The paper poster is not enabled.")
	}
	if len(inv.args) > 0 && inv.args[0] == "check" {
		if inv.sender != b.cfg.OwnerID {
			return b.sender.sendText(ctx, inv.roomID, "Only the owner can trigger a check.")
		}
		go func() {
			if err := b.poster.RunMaintenanceCycle(b.backgroundCtx()); err != nil {
				b.log.Error().Err(err).Msg("Manual maintenance cycle failed")
			}
		}()
		return b.sender.sendText(ctx, inv.roomID, "Running a paper maintenance cycle.")
	}
	return b.sender.sendText(ctx, inv.roomID, "Paper poster: "+b.poster.Status())
}

func (b *Bot) backgroundCtx() context.Context {
	if b.runCtx != nil {
		return b.runCtx
	}
	return context.Background()
}
