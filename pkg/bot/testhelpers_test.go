// Copyright 2024-2026 Bacchist

package bot

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/bacchist/multiverse-matrix-bot/pkg/autochat"
)

const (
	testBotUserID = id.UserID("@scholar:example.com")
	testOwnerID   = id.UserID("@owner:example.com")
	testRoomID    = id.RoomID("!room:example.com")
)

type sentMessage struct {
	roomID id.RoomID
	text   string
	parent id.EventID
}

// fakeSender records deliveries and can be told to fail threaded sends.
type fakeSender struct {
	failThread bool
	failText   bool
	texts      []sentMessage
	threads    []sentMessage
	markdowns  []sentMessage
}

func (f *fakeSender) sendText(_ context.Context, roomID id.RoomID, text string) error {
	if f.failText {
		return errTestSend
	}
	f.texts = append(f.texts, sentMessage{roomID: roomID, text: text})
	return nil
}

func (f *fakeSender) sendThread(_ context.Context, roomID id.RoomID, text string, parent id.EventID) error {
	if f.failThread {
		return errTestSend
	}
	f.threads = append(f.threads, sentMessage{roomID: roomID, text: text, parent: parent})
	return nil
}

func (f *fakeSender) sendMarkdown(_ context.Context, roomID id.RoomID, markdown string) error {
	f.markdowns = append(f.markdowns, sentMessage{roomID: roomID, text: markdown})
	return nil
}

var errTestSend = errTest("send failed")

type errTest string

func (e errTest) Error() string { return string(e) }

// fakeTranscripts records transcript calls.
type fakeTranscripts struct {
	messages []string
	actions  []string
	events   []string
}

func (f *fakeTranscripts) LogMessage(_, _, sender, body, _ string, _ time.Time) {
	f.messages = append(f.messages, sender+": "+body)
}

func (f *fakeTranscripts) LogBotAction(_, _, action string) {
	f.actions = append(f.actions, action)
}

func (f *fakeTranscripts) LogRoomEvent(_, _, _, subject, description string, _ time.Time) {
	f.events = append(f.events, subject+" "+description)
}

// fakeChat records forwarded messages and returns a canned reply.
type fakeChat struct {
	reply *autochat.Reply
	err   error
	msgs  []autochat.Message
	order *[]string
}

func (f *fakeChat) Enabled() bool { return true }

func (f *fakeChat) HandleMessage(_ context.Context, _ autochat.Room, msg autochat.Message) (*autochat.Reply, error) {
	f.msgs = append(f.msgs, msg)
	if f.order != nil {
		*f.order = append(*f.order, "chat")
	}
	return f.reply, f.err
}

func (f *fakeChat) SpontaneousCheck(_ context.Context, _ autochat.Sender) {}

// fakeURLs records processed URLs.
type fakeURLs struct {
	urls  []string
	err   error
	order *[]string
}

func (f *fakeURLs) ProcessURL(_ context.Context, url string) error {
	f.urls = append(f.urls, url)
	if f.order != nil {
		*f.order = append(*f.order, "url")
	}
	return f.err
}

type fakePoster struct {
	enabled bool
	cycles  int
	err     error
}

func (f *fakePoster) Enabled() bool { return f.enabled }

func (f *fakePoster) RunMaintenanceCycle(_ context.Context) error {
	f.cycles++
	return f.err
}

func (f *fakePoster) Status() string { return "queue: 0, posted today: 0/3, posted total: 0" }

// newTestBot builds a Bot with fakes and no Matrix client. The room name
// cache is pre-populated so handlers never reach for the network.
func newTestBot(t *testing.T) (*Bot, *fakeSender, *fakeTranscripts) {
	t.Helper()
	cfg := &Config{
		Homeserver:  "https://example.com",
		UserID:      testBotUserID,
		AccessToken: "token",
		OwnerID:     testOwnerID,
	}
	cfg.applyDefaults()
	sender := &fakeSender{}
	transcripts := &fakeTranscripts{}
	b := &Bot{
		cfg:                 cfg,
		log:                 zerolog.Nop(),
		sender:              sender,
		transcripts:         transcripts,
		startupTime:         time.Now().UTC().Add(-time.Minute),
		initialSyncComplete: true,
		roomNames:           map[id.RoomID]string{testRoomID: "General"},
	}
	b.registerCommands()
	return b, sender, transcripts
}

func makeMessageEvent(sender id.UserID, body string) *event.Event {
	return &event.Event{
		Type:      event.EventMessage,
		ID:        "$msg1",
		Sender:    sender,
		RoomID:    testRoomID,
		Timestamp: time.Now().UnixMilli(),
		Content: event.Content{
			Parsed: &event.MessageEventContent{
				MsgType: event.MsgText,
				Body:    body,
			},
		},
	}
}
