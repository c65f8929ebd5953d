// Package recorder journals bus traffic to a local SQLite database for
// auditing and debugging. It implements bus.Recorder; streaming frames
// and terminators are filtered out by the bus before reaching it.
package recorder

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/flowgate/internal/bus"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id         TEXT PRIMARY KEY,
	ts         INTEGER NOT NULL,
	direction  TEXT NOT NULL,
	channel    TEXT NOT NULL,
	chat_id    TEXT NOT NULL,
	sender_id  TEXT NOT NULL DEFAULT '',
	content    TEXT NOT NULL,
	media      TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages (channel, chat_id, ts);
`

// Recorder writes one row per recorded message. Write failures are logged
// and swallowed: the journal must never break message flow.
type Recorder struct {
	mu sync.Mutex
	db *sql.DB
}

// Open creates (or opens) the journal database at path.
func Open(path string) (*Recorder, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// SQLite handles one writer at a time; the mutex serializes anyway.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init journal schema: %w", err)
	}
	return &Recorder{db: db}, nil
}

// Close closes the underlying database.
func (r *Recorder) Close() error {
	return r.db.Close()
}

// RecordInbound journals a message received from a channel.
func (r *Recorder) RecordInbound(msg bus.InboundMessage) {
	media, _ := json.Marshal(msg.Media)
	r.insert("inbound", msg.Channel, msg.ChatID, msg.SenderID, msg.Content, string(media))
}

// RecordOutbound journals a message sent to a channel.
func (r *Recorder) RecordOutbound(msg bus.OutboundMessage) {
	paths := make([]string, 0, len(msg.Media))
	for _, m := range msg.Media {
		paths = append(paths, m.URL)
	}
	media, _ := json.Marshal(paths)
	r.insert("outbound", msg.Channel, msg.ChatID, "", msg.Content, string(media))
}

func (r *Recorder) insert(direction, channel, chatID, senderID, content, media string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec(
		`INSERT INTO messages (id, ts, direction, channel, chat_id, sender_id, content, media)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), time.Now().UnixMilli(), direction, channel, chatID, senderID, content, media,
	)
	if err != nil {
		slog.Warn("journal write failed", "direction", direction, "channel", channel, "error", err)
	}
}

// Entry is one journaled message.
type Entry struct {
	ID        string
	Timestamp time.Time
	Direction string
	Channel   string
	ChatID    string
	SenderID  string
	Content   string
}

// Recent returns the latest n entries for a conversation, oldest first.
func (r *Recorder) Recent(channel, chatID string, n int) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rows, err := r.db.Query(
		`SELECT id, ts, direction, channel, chat_id, sender_id, content
		 FROM messages WHERE channel = ? AND chat_id = ?
		 ORDER BY ts DESC LIMIT ?`,
		channel, chatID, n,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var ts int64
		if err := rows.Scan(&e.ID, &ts, &e.Direction, &e.Channel, &e.ChatID, &e.SenderID, &e.Content); err != nil {
			return nil, err
		}
		e.Timestamp = time.UnixMilli(ts)
		entries = append(entries, e)
	}
	// Reverse to oldest-first.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, rows.Err()
}
