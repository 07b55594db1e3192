// Package journal keeps an audit trail of relayed threads in SQLite.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mikequentel/threadrelay/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS threads (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    chat_id       TEXT NOT NULL,
    message_id    INTEGER NOT NULL,
    source_text   TEXT NOT NULL,
    segments      INTEGER NOT NULL,
    first_post_id TEXT NOT NULL,
    post_ids      TEXT NOT NULL,
    has_media     INTEGER NOT NULL DEFAULT 0,
    posted_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS threads_posted_at ON threads (posted_at);
`

// Entry is one recorded thread.
type Entry struct {
	ID         int64
	ChatID     string
	MessageID  int
	SourceText string
	PostIDs    []string
	HasMedia   bool
	PostedAt   time.Time
}

type Journal struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates the database file and schema if needed.
func Open(path string) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	// One writer at a time; concurrent posts serialize here.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to journal: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create journal schema: %w", err)
	}
	return &Journal{db: db, now: time.Now}, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// RecordThread stores a fully published thread.
func (j *Journal) RecordThread(ctx context.Context, post model.ChannelPost, thread []model.ThreadPost) error {
	if len(thread) == 0 {
		return fmt.Errorf("record thread: empty thread for message %d", post.MessageID)
	}
	ids := make([]string, len(thread))
	for i, p := range thread {
		ids[i] = p.ID
	}
	hasMedia := 0
	if thread[0].Media != nil {
		hasMedia = 1
	}
	_, err := j.db.ExecContext(ctx, `
INSERT INTO threads (chat_id, message_id, source_text, segments, first_post_id, post_ids, has_media, posted_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		post.ChatID, post.MessageID, post.Body(), len(thread), ids[0], strings.Join(ids, ","), hasMedia, j.now().Unix())
	if err != nil {
		return fmt.Errorf("record thread for message %d: %w", post.MessageID, err)
	}
	return nil
}

// Recent returns the newest n entries, newest first.
func (j *Journal) Recent(ctx context.Context, n int) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, `
SELECT id, chat_id, message_id, source_text, post_ids, has_media, posted_at
FROM threads
ORDER BY posted_at DESC, id DESC
LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query recent threads: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e        Entry
			postIDs  string
			hasMedia int
			postedAt int64
		)
		if err := rows.Scan(&e.ID, &e.ChatID, &e.MessageID, &e.SourceText, &postIDs, &hasMedia, &postedAt); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		e.PostIDs = strings.Split(postIDs, ",")
		e.HasMedia = hasMedia == 1
		e.PostedAt = time.Unix(postedAt, 0)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes entries older than olderThan and reports how many went.
func (j *Journal) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := j.now().Add(-olderThan).Unix()
	res, err := j.db.ExecContext(ctx, `DELETE FROM threads WHERE posted_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune journal: %w", err)
	}
	return res.RowsAffected()
}
