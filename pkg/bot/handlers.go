// Copyright 2024-2026 Bacchist

package bot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/bacchist/multiverse-matrix-bot/pkg/autochat"
)

// handleMessage is the m.room.message callback: transcript logging,
// staleness filtering, command dispatch, then forwarding to the autonomous
// chat and the link archiver. Collaborator failures are logged and
// swallowed so one bad message never affects the next.
func (b *Bot) handleMessage(ctx context.Context, evt *event.Event) {
	content := evt.Content.AsMessage()
	if content == nil {
		return
	}
	roomName := b.roomName(ctx, evt.RoomID)
	sender := evt.Sender.String()

	b.log.Debug().
		Stringer("room_id", evt.RoomID).
		Str("sender", sender).
		Str("body", content.Body).
		Msg("Observed message")

	// Every message lands in the transcript, stale or not.
	b.transcripts.LogMessage(evt.RoomID.String(), roomName, sender, content.Body, string(content.MsgType), timestampOf(evt.Timestamp))

	verdict := checkStaleness(evt.Timestamp, time.Now().UTC(), b.startupTime, b.initialSyncComplete)
	if verdict != verdictFresh {
		b.log.Debug().
			Stringer("room_id", evt.RoomID).
			Stringer("verdict", verdict).
			Int64("origin_ts", evt.Timestamp).
			Msg("Ignoring stale message")
		return
	}
	if evt.Sender == b.cfg.UserID {
		return
	}

	if name, args, ok := b.parseCommand(content.Body); ok {
		if _, known := b.commands[name]; known {
			b.runCommand(ctx, evt, roomName, name, args)
			return
		}
	}

	b.forwardToChat(ctx, evt, roomName, content)
	b.forwardURL(ctx, evt, roomName, content.Body)
}

// forwardToChat hands the message to the autonomous chat module and
// delivers its reply, if any.
func (b *Bot) forwardToChat(ctx context.Context, evt *event.Event, roomName string, content *event.MessageEventContent) {
	if b.chat == nil {
		return
	}
	msg := autochat.Message{
		Sender:     evt.Sender,
		Body:       content.Body,
		EventID:    evt.ID,
		ThreadRoot: threadRootOf(content),
		Timestamp:  timestampOf(evt.Timestamp),
	}
	reply, err := b.chat.HandleMessage(ctx, autochat.Room{ID: evt.RoomID, Name: roomName}, msg)
	if err != nil {
		b.log.Error().Err(err).Stringer("room_id", evt.RoomID).Msg("Autonomous chat failed")
		return
	}
	b.deliverReply(ctx, evt.RoomID, reply)
}

// deliverReply sends a chat reply. A threaded reply that fails to send is
// retried exactly once as a plain message with the same text.
func (b *Bot) deliverReply(ctx context.Context, roomID id.RoomID, reply *autochat.Reply) {
	if reply == nil || reply.Text == "" {
		return
	}
	if reply.ThreadParent != "" {
		err := b.sender.sendThread(ctx, roomID, reply.Text, reply.ThreadParent)
		if err == nil {
			return
		}
		b.log.Warn().Err(err).
			Stringer("room_id", roomID).
			Stringer("thread_parent", reply.ThreadParent).
			Msg("Threaded send failed, falling back to plain message")
	}
	if err := b.sender.sendText(ctx, roomID, reply.Text); err != nil {
		b.log.Error().Err(err).Stringer("room_id", roomID).Msg("Failed to send chat reply")
	}
}

// forwardURL extracts the first http(s) link from the message body and
// hands it to the archiver.
func (b *Bot) forwardURL(ctx context.Context, evt *event.Event, roomName, body string) {
	if b.urls == nil {
		return
	}
	url, ok := firstURL(body)
	if !ok {
		return
	}
	roomID := evt.RoomID.String()
	b.log.Info().Str("url", url).Msg("Processing URL")
	b.transcripts.LogBotAction(roomID, roomName, "Processing URL: "+url)

	if err := b.urls.ProcessURL(ctx, url); err != nil {
		b.log.Error().Err(err).Str("url", url).Msg("URL processing failed")
		b.transcripts.LogBotAction(roomID, roomName, fmt.Sprintf("Failed to process URL %s: %v", url, err))
		return
	}
	b.transcripts.LogBotAction(roomID, roomName, "Successfully processed URL: "+url)
}

// firstURL returns the first whitespace-separated token in body that
// starts with an http or https scheme.
func firstURL(body string) (string, bool) {
	for _, word := range strings.Fields(body) {
		if strings.HasPrefix(word, "http://") || strings.HasPrefix(word, "https://") {
			return word, true
		}
	}
	return "", false
}

// handleMember logs room membership changes and accepts invites directed
// at the bot.
func (b *Bot) handleMember(ctx context.Context, evt *event.Event) {
	content := evt.Content.AsMember()
	stateKey := evt.GetStateKey()
	var prev *event.MemberEventContent
	if evt.Unsigned.PrevContent != nil {
		_ = evt.Unsigned.PrevContent.ParseRaw(event.StateMember)
		prev = evt.Unsigned.PrevContent.AsMember()
	}

	roomName := b.roomName(ctx, evt.RoomID)
	desc := describeMembershipChange(evt.Sender, stateKey, content, prev)
	b.transcripts.LogRoomEvent(evt.RoomID.String(), roomName, evt.Type.Type, stateKey, desc, timestampOf(evt.Timestamp))

	// Accept fresh invites addressed to the bot itself.
	if content.Membership == event.MembershipInvite && stateKey == b.cfg.UserID.String() {
		verdict := checkStaleness(evt.Timestamp, time.Now().UTC(), b.startupTime, b.initialSyncComplete)
		if verdict != verdictFresh {
			return
		}
		if _, err := b.client.JoinRoomByID(ctx, evt.RoomID); err != nil {
			b.log.Error().Err(err).Stringer("room_id", evt.RoomID).Msg("Failed to join room after invite")
			return
		}
		b.log.Info().Stringer("room_id", evt.RoomID).Stringer("inviter", evt.Sender).Msg("Joined room after invite")
		b.transcripts.LogBotAction(evt.RoomID.String(), roomName, "Joined room after invite from "+evt.Sender.String())
	}
}

// describeMembershipChange renders a membership state transition as a
// human-readable transcript line.
func describeMembershipChange(sender id.UserID, stateKey string, cur, prev *event.MemberEventContent) string {
	var prevMembership event.Membership
	var prevDisplayname, prevAvatar string
	if prev != nil {
		prevMembership = prev.Membership
		prevDisplayname = prev.Displayname
		prevAvatar = string(prev.AvatarURL)
	}

	if prevMembership != cur.Membership {
		switch cur.Membership {
		case event.MembershipJoin:
			if prevMembership == event.MembershipInvite {
				return "accepted invitation and joined the room"
			}
			return "joined the room"
		case event.MembershipLeave:
			if sender.String() == stateKey {
				return "left the room"
			}
			return "was removed from the room by " + sender.String()
		case event.MembershipInvite:
			return "was invited to the room by " + sender.String()
		case event.MembershipBan:
			return "was banned from the room by " + sender.String()
		default:
			return "membership changed to " + string(cur.Membership)
		}
	}
	if cur.Displayname != prevDisplayname && cur.Displayname != "" && prevDisplayname != "" {
		return fmt.Sprintf("changed display name from %q to %q", prevDisplayname, cur.Displayname)
	}
	if string(cur.AvatarURL) != prevAvatar {
		return "changed their avatar"
	}
	return "updated their profile"
}

// timestampOf converts a Matrix origin server timestamp (ms) to a
// time.Time, zero if absent.
func timestampOf(millis int64) time.Time {
	if millis <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(millis).UTC()
}

// threadRootOf returns the thread root of a message, or "" for messages
// outside any thread.
func threadRootOf(content *event.MessageEventContent) id.EventID {
	if rel := content.RelatesTo; rel != nil && rel.Type == event.RelThread {
		return rel.EventID
	}
	return ""
}
