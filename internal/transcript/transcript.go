// Package transcript writes a per-session NDJSON record of the messages
// exchanged with clients.
package transcript

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/reqplan/internal/identity"
	"github.com/ashureev/reqplan/internal/push"
)

// Directions.
const (
	Inbound  = "inbound"
	Outbound = "outbound"
)

// DefaultQueueSize is used when Config.QueueSize is not positive.
const DefaultQueueSize = 1000

// Event is one transcript line.
type Event struct {
	TS         time.Time `json:"ts"`
	SessionID  string    `json:"session_id"`
	Channel    string    `json:"channel"`
	Direction  string    `json:"direction"`
	EventType  string    `json:"event_type"`
	Content    string    `json:"content"`
	ContentRaw string    `json:"content_raw"`
}

// Config controls the transcript writer.
type Config struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Logger queues events and appends them to {Dir}/{session_id}.ndjson from
// a single goroutine. A full queue drops the event.
type Logger struct {
	dir    string
	logger *slog.Logger

	mu     sync.RWMutex
	queue  chan Event
	closed bool
	wg     sync.WaitGroup
}

var _ push.Publisher = (*Logger)(nil)

// New starts the writer. A disabled config yields a Logger that records
// nothing.
func New(cfg Config, logger *slog.Logger) (*Logger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Logger{dir: cfg.Dir, logger: logger}
	if !cfg.Enabled {
		return l, nil
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create transcript dir: %w", err)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	l.queue = make(chan Event, cfg.QueueSize)
	l.wg.Add(1)
	go l.loop()
	return l, nil
}

// Log queues ev without blocking.
func (l *Logger) Log(ev Event) {
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	if ev.Content == "" {
		ev.Content = Clean(ev.ContentRaw)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.queue == nil || l.closed {
		return
	}
	select {
	case l.queue <- ev:
	default:
		l.logger.Warn("Transcript queue full, dropping event",
			"session_id", ev.SessionID, "event_type", ev.EventType, "queue_len", len(l.queue))
	}
}

// Publish records an outbound push event.
func (l *Logger) Publish(_ context.Context, ev push.Event) error {
	raw, _ := ev.Payload["message"].(string)
	if raw == "" && len(ev.Payload) > 0 {
		data, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("encode transcript payload: %w", err)
		}
		raw = string(data)
	}
	l.Log(Event{
		TS:         ev.Timestamp,
		SessionID:  ev.SessionID,
		Channel:    "push",
		Direction:  Outbound,
		EventType:  ev.Type,
		ContentRaw: raw,
	})
	return nil
}

// Close stops accepting events and waits for the queue to drain.
func (l *Logger) Close() error {
	l.mu.Lock()
	if l.queue == nil || l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()

	l.wg.Wait()
	return nil
}

func (l *Logger) loop() {
	defer l.wg.Done()
	for ev := range l.queue {
		if err := l.write(ev); err != nil {
			l.logger.Warn("Failed to write transcript event", "session_id", ev.SessionID, "error", err)
		}
	}
}

func (l *Logger) write(ev Event) error {
	if err := identity.Validate(ev.SessionID); err != nil {
		return err
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(l.dir, ev.SessionID+".ndjson"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)

// Clean strips terminal escape sequences and control characters other
// than newlines and tabs.
func Clean(raw string) string {
	s := ansiPattern.ReplaceAllString(raw, "")
	s = strings.Map(func(r rune) rune {
		if r < 0x20 && r != '\n' && r != '\t' {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}
