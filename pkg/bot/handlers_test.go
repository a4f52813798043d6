// Copyright 2024-2026 Bacchist

package bot

import (
	"context"
	"errors"
	"testing"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/bacchist/multiverse-matrix-bot/pkg/autochat"
)

func TestFirstURL(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		body   string
		want   string
		wantOK bool
	}{
		{
			name:   "url in the middle of a sentence",
			body:   "check this out https://example.com/paper thanks",
			want:   "https://example.com/paper",
			wantOK: true,
		},
		{
			name:   "first of several urls wins",
			body:   "https://first.example http://second.example",
			want:   "https://first.example",
			wantOK: true,
		},
		{
			name:   "http scheme",
			body:   "see http://example.com",
			want:   "http://example.com",
			wantOK: true,
		},
		{name: "no url", body: "just words here"},
		{name: "scheme mid-word does not count", body: "foohttps://example.com"},
		{name: "other scheme ignored", body: "ftp://example.com/file"},
		{name: "empty body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := firstURL(tt.body)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("firstURL(%q): got (%q, %v), want (%q, %v)", tt.body, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestDeliverReplyPlain(t *testing.T) {
	t.Parallel()
	b, sender, _ := newTestBot(t)
	b.deliverReply(context.Background(), testRoomID, &autochat.Reply{Text: "hello"})
	if len(sender.texts) != 1 || sender.texts[0].text != "hello" {
		t.Errorf("texts: got %+v", sender.texts)
	}
	if len(sender.threads) != 0 {
		t.Errorf("unexpected threaded sends: %+v", sender.threads)
	}
}

func TestDeliverReplyThreaded(t *testing.T) {
	t.Parallel()
	b, sender, _ := newTestBot(t)
	b.deliverReply(context.Background(), testRoomID, &autochat.Reply{Text: "in thread", ThreadParent: "$root"})
	if len(sender.threads) != 1 || sender.threads[0].parent != "$root" {
		t.Errorf("threads: got %+v", sender.threads)
	}
	if len(sender.texts) != 0 {
		t.Errorf("successful threaded send should not fall back: %+v", sender.texts)
	}
}

func TestDeliverReplyThreadedFallback(t *testing.T) {
	t.Parallel()
	b, sender, _ := newTestBot(t)
	sender.failThread = true
	b.deliverReply(context.Background(), testRoomID, &autochat.Reply{Text: "same text", ThreadParent: "$root"})
	// Exactly one plain-text resend with the same text.
	if len(sender.texts) != 1 || sender.texts[0].text != "same text" {
		t.Errorf("fallback texts: got %+v", sender.texts)
	}
}

func TestDeliverReplyEmptyIsNoOp(t *testing.T) {
	t.Parallel()
	b, sender, _ := newTestBot(t)
	b.deliverReply(context.Background(), testRoomID, nil)
	b.deliverReply(context.Background(), testRoomID, &autochat.Reply{})
	if len(sender.texts)+len(sender.threads) != 0 {
		t.Errorf("no-op replies sent something: %+v %+v", sender.texts, sender.threads)
	}
}

func TestHandleMessageForwardsChatThenURL(t *testing.T) {
	t.Parallel()
	b, _, transcripts := newTestBot(t)
	var order []string
	chat := &fakeChat{order: &order}
	urls := &fakeURLs{order: &order}
	b.chat = chat
	b.urls = urls

	evt := makeMessageEvent("@alice:example.com", "look at https://example.com/paper everyone")
	b.handleMessage(context.Background(), evt)

	if len(chat.msgs) != 1 || chat.msgs[0].Body != "look at https://example.com/paper everyone" {
		t.Fatalf("chat messages: got %+v", chat.msgs)
	}
	if len(urls.urls) != 1 || urls.urls[0] != "https://example.com/paper" {
		t.Fatalf("processed urls: got %v", urls.urls)
	}
	// Autonomous chat is attempted before the URL scan.
	if len(order) != 2 || order[0] != "chat" || order[1] != "url" {
		t.Errorf("forwarding order: got %v", order)
	}
	if len(transcripts.messages) != 1 {
		t.Errorf("transcript messages: got %v", transcripts.messages)
	}
	found := false
	for _, action := range transcripts.actions {
		if action == "Successfully processed URL: https://example.com/paper" {
			found = true
		}
	}
	if !found {
		t.Errorf("missing success action, got %v", transcripts.actions)
	}
}

func TestHandleMessageNoURLNoForward(t *testing.T) {
	t.Parallel()
	b, _, _ := newTestBot(t)
	urls := &fakeURLs{}
	b.urls = urls

	b.handleMessage(context.Background(), makeMessageEvent("@alice:example.com", "no links in here"))
	if len(urls.urls) != 0 {
		t.Errorf("no URL should be forwarded, got %v", urls.urls)
	}
}

func TestHandleMessageStaleSkipsCollaborators(t *testing.T) {
	t.Parallel()
	b, _, transcripts := newTestBot(t)
	chat := &fakeChat{}
	urls := &fakeURLs{}
	b.chat = chat
	b.urls = urls

	evt := makeMessageEvent("@alice:example.com", "old news https://example.com")
	evt.Timestamp = time.Now().Add(-2 * time.Hour).UnixMilli()
	b.startupTime = time.Now().Add(-3 * time.Hour)
	b.handleMessage(context.Background(), evt)

	if len(chat.msgs) != 0 || len(urls.urls) != 0 {
		t.Errorf("stale message reached collaborators: chat=%v urls=%v", chat.msgs, urls.urls)
	}
	// Stale messages still land in the transcript.
	if len(transcripts.messages) != 1 {
		t.Errorf("transcript messages: got %v", transcripts.messages)
	}
}

func TestHandleMessageIgnoresOwnMessages(t *testing.T) {
	t.Parallel()
	b, _, _ := newTestBot(t)
	chat := &fakeChat{}
	urls := &fakeURLs{}
	b.chat = chat
	b.urls = urls

	b.handleMessage(context.Background(), makeMessageEvent(testBotUserID, "my own message https://example.com"))
	if len(chat.msgs) != 0 || len(urls.urls) != 0 {
		t.Errorf("own message reached collaborators: chat=%v urls=%v", chat.msgs, urls.urls)
	}
}

func TestHandleMessageChatErrorDoesNotBlockURL(t *testing.T) {
	t.Parallel()
	b, _, _ := newTestBot(t)
	urls := &fakeURLs{}
	b.chat = &fakeChat{err: errors.New("model offline")}
	b.urls = urls

	b.handleMessage(context.Background(), makeMessageEvent("@alice:example.com", "https://example.com/x"))
	if len(urls.urls) != 1 {
		t.Errorf("chat failure should not block URL forwarding, got %v", urls.urls)
	}
}

func TestHandleMessageURLFailureLogged(t *testing.T) {
	t.Parallel()
	b, _, transcripts := newTestBot(t)
	b.urls = &fakeURLs{err: errors.New("boom")}

	b.handleMessage(context.Background(), makeMessageEvent("@alice:example.com", "https://example.com/x"))
	found := false
	for _, action := range transcripts.actions {
		if action == "Failed to process URL https://example.com/x: boom" {
			found = true
		}
	}
	if !found {
		t.Errorf("missing failure action, got %v", transcripts.actions)
	}
}

func TestHandleMessageDeliversThreadedReply(t *testing.T) {
	t.Parallel()
	b, sender, _ := newTestBot(t)
	b.chat = &fakeChat{reply: &autochat.Reply{Text: "threaded answer", ThreadParent: "$root"}}

	evt := makeMessageEvent("@alice:example.com", "scholar what do you think")
	b.handleMessage(context.Background(), evt)
	if len(sender.threads) != 1 || sender.threads[0].text != "threaded answer" {
		t.Errorf("threads: got %+v", sender.threads)
	}
}

func TestThreadRootOf(t *testing.T) {
	t.Parallel()
	inThread := &event.MessageEventContent{
		RelatesTo: &event.RelatesTo{Type: event.RelThread, EventID: "$root"},
	}
	if got := threadRootOf(inThread); got != "$root" {
		t.Errorf("thread root: got %q", got)
	}
	reply := &event.MessageEventContent{
		RelatesTo: &event.RelatesTo{Type: event.RelReplace, EventID: "$other"},
	}
	if got := threadRootOf(reply); got != "" {
		t.Errorf("non-thread relation: got %q", got)
	}
	if got := threadRootOf(&event.MessageEventContent{}); got != "" {
		t.Errorf("no relation: got %q", got)
	}
}

func TestDescribeMembershipChange(t *testing.T) {
	t.Parallel()
	member := func(m event.Membership, displayname, avatar string) *event.MemberEventContent {
		return &event.MemberEventContent{Membership: m, Displayname: displayname, AvatarURL: id.ContentURIString(avatar)}
	}
	tests := []struct {
		name     string
		sender   id.UserID
		stateKey string
		cur      *event.MemberEventContent
		prev     *event.MemberEventContent
		want     string
	}{
		{
			name:     "plain join",
			sender:   "@bob:x",
			stateKey: "@bob:x",
			cur:      member(event.MembershipJoin, "Bob", ""),
			want:     "joined the room",
		},
		{
			name:     "invite accepted",
			sender:   "@bob:x",
			stateKey: "@bob:x",
			cur:      member(event.MembershipJoin, "Bob", ""),
			prev:     member(event.MembershipInvite, "Bob", ""),
			want:     "accepted invitation and joined the room",
		},
		{
			name:     "voluntary leave",
			sender:   "@bob:x",
			stateKey: "@bob:x",
			cur:      member(event.MembershipLeave, "", ""),
			prev:     member(event.MembershipJoin, "Bob", ""),
			want:     "left the room",
		},
		{
			name:     "kick",
			sender:   "@admin:x",
			stateKey: "@bob:x",
			cur:      member(event.MembershipLeave, "", ""),
			prev:     member(event.MembershipJoin, "Bob", ""),
			want:     "was removed from the room by @admin:x",
		},
		{
			name:     "invite",
			sender:   "@admin:x",
			stateKey: "@bob:x",
			cur:      member(event.MembershipInvite, "", ""),
			want:     "was invited to the room by @admin:x",
		},
		{
			name:     "ban",
			sender:   "@admin:x",
			stateKey: "@bob:x",
			cur:      member(event.MembershipBan, "", ""),
			prev:     member(event.MembershipJoin, "Bob", ""),
			want:     "was banned from the room by @admin:x",
		},
		{
			name:     "display name change",
			sender:   "@bob:x",
			stateKey: "@bob:x",
			cur:      member(event.MembershipJoin, "Bobby", ""),
			prev:     member(event.MembershipJoin, "Bob", ""),
			want:     `changed display name from "Bob" to "Bobby"`,
		},
		{
			name:     "avatar change",
			sender:   "@bob:x",
			stateKey: "@bob:x",
			cur:      member(event.MembershipJoin, "Bob", "mxc://x/new"),
			prev:     member(event.MembershipJoin, "Bob", "mxc://x/old"),
			want:     "changed their avatar",
		},
		{
			name:     "no visible change",
			sender:   "@bob:x",
			stateKey: "@bob:x",
			cur:      member(event.MembershipJoin, "Bob", ""),
			prev:     member(event.MembershipJoin, "Bob", ""),
			want:     "updated their profile",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := describeMembershipChange(tt.sender, tt.stateKey, tt.cur, tt.prev)
			if got != tt.want {
				t.Errorf("describeMembershipChange: got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTimestampOf(t *testing.T) {
	t.Parallel()
	if got := timestampOf(0); !got.IsZero() {
		t.Errorf("timestampOf(0): got %v, want zero", got)
	}
	ts := time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC)
	if got := timestampOf(ts.UnixMilli()); !got.Equal(ts) {
		t.Errorf("timestampOf: got %v, want %v", got, ts)
	}
}
