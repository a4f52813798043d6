// Copyright 2024-2026 Bacchist

// Package chatlog records per-room chat transcripts: inbound messages, bot
// actions, and room state events. Each room gets its own file under the
// configured directory, rotated at 10MB with 7 backups kept, the same
// retention policy as the process log.
package chatlog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	maxFileSizeMB = 10
	maxBackups    = 7
)

// Logger writes chat transcripts, one rotated file per room.
type Logger struct {
	dir string

	mu      sync.Mutex
	writers map[string]*lumberjack.Logger
}

// New creates a transcript logger rooted at dir, creating it if needed.
func New(dir string) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create chat log directory: %w", err)
	}
	return &Logger{
		dir:     dir,
		writers: make(map[string]*lumberjack.Logger),
	}, nil
}

// LogMessage records an inbound room message.
func (l *Logger) LogMessage(roomID, roomName, sender, body, msgType string, ts time.Time) {
	line := fmt.Sprintf("[%s] %s <%s> (%s) %s", stamp(ts), displayRoom(roomID, roomName), sender, msgType, body)
	l.write(roomID, line)
}

// LogBotAction records something the bot did in a room (command runs, URL
// processing outcomes, errors surfaced to the room).
func (l *Logger) LogBotAction(roomID, roomName, action string) {
	line := fmt.Sprintf("[%s] %s * BOT: %s", stamp(time.Time{}), displayRoom(roomID, roomName), action)
	l.write(roomID, line)
}

// LogRoomEvent records a room state change, e.g. a membership event.
// subject is the affected user (the event's state key for member events).
func (l *Logger) LogRoomEvent(roomID, roomName, eventType, subject, description string, ts time.Time) {
	line := fmt.Sprintf("[%s] %s ~ %s: %s %s", stamp(ts), displayRoom(roomID, roomName), eventType, subject, description)
	l.write(roomID, line)
}

// Close closes all per-room writers. The logger must not be used afterwards.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var firstErr error
	for roomID, w := range l.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close transcript for %s: %w", roomID, err)
		}
		delete(l.writers, roomID)
	}
	return firstErr
}

func (l *Logger) write(roomID, line string) {
	w := l.writerFor(roomID)
	// Write errors are swallowed: transcript logging must never interfere
	// with event handling.
	_, _ = w.Write([]byte(line + "\n"))
}

func (l *Logger) writerFor(roomID string) *lumberjack.Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok := l.writers[roomID]; ok {
		return w
	}
	w := &lumberjack.Logger{
		Filename:   filepath.Join(l.dir, sanitizeRoomID(roomID)+".log"),
		MaxSize:    maxFileSizeMB,
		MaxBackups: maxBackups,
	}
	l.writers[roomID] = w
	return w
}

func stamp(ts time.Time) string {
	if ts.IsZero() {
		ts = time.Now()
	}
	return ts.UTC().Format("2006-01-02 15:04:05")
}

func displayRoom(roomID, roomName string) string {
	if roomName != "" {
		return roomName
	}
	return roomID
}

// sanitizeRoomID turns a Matrix room ID into a safe filename. Room IDs look
// like "!abc123:example.com"; everything outside [A-Za-z0-9._-] becomes '_'.
func sanitizeRoomID(roomID string) string {
	var b strings.Builder
	b.Grow(len(roomID))
	for _, r := range roomID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
