// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jeranaias/fullmoon-go/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS threads (
    id        TEXT PRIMARY KEY,
    title     TEXT NOT NULL DEFAULT '',
    created   INTEGER NOT NULL,
    selection TEXT
);

CREATE TABLE IF NOT EXISTS messages (
    seq            INTEGER PRIMARY KEY AUTOINCREMENT,
    id             TEXT NOT NULL UNIQUE,
    thread_id      TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
    role           TEXT NOT NULL,
    content        TEXT NOT NULL,
    created        INTEGER NOT NULL,
    tokens_per_sec REAL NOT NULL DEFAULT 0,
    is_error       INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, created, seq);
`

// SQLiteStore keeps threads and messages in one SQLite database.
// Message order ties are broken by insertion sequence.
type SQLiteStore struct {
	staging

	db   *sql.DB
	path string
}

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, persistErr(err, "create database directory")
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, persistErr(err, "open database")
	}

	// SQLite has one writer; a single connection also keeps :memory: databases shared.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, persistErr(err, "set pragma")
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, persistErr(err, "initialize schema")
	}

	return &SQLiteStore{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) InsertThread(t *model.Thread) error   { return s.stageThread(t) }
func (s *SQLiteStore) InsertMessage(m *model.Message) error { return s.stageMessage(m) }

// Save commits all staged writes in one transaction.
func (s *SQLiteStore) Save(ctx context.Context) error {
	batches := s.snapshot()
	if len(batches) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistErr(err, "begin transaction")
	}
	defer tx.Rollback()

	for _, b := range batches {
		if b.thread != nil {
			if err := upsertThread(ctx, tx, b.thread); err != nil {
				return err
			}
		}
		for _, m := range b.messages {
			if err := upsertMessageRow(ctx, tx, m); err != nil {
				return err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return persistErr(err, "commit")
	}
	s.commit(batches)
	return nil
}

func upsertThread(ctx context.Context, tx *sql.Tx, t *model.Thread) error {
	var selection sql.NullString
	if t.Selection != nil {
		data, err := json.Marshal(t.Selection)
		if err != nil {
			return persistErr(err, "encode selection for thread %s", t.ID)
		}
		selection = sql.NullString{String: string(data), Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO threads (id, title, created, selection) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET title = excluded.title, selection = excluded.selection`,
		t.ID, t.Title, t.Timestamp.UnixNano(), selection)
	if err != nil {
		return persistErr(err, "insert thread %s", t.ID)
	}
	return nil
}

func upsertMessageRow(ctx context.Context, tx *sql.Tx, m model.Message) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, thread_id, role, content, created, tokens_per_sec, is_error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET content = excluded.content,
			tokens_per_sec = excluded.tokens_per_sec, is_error = excluded.is_error`,
		m.ID, m.ThreadID, string(m.Role), m.Content, m.Timestamp.UnixNano(), m.TokensPerSec, m.IsError)
	if err != nil {
		return persistErr(err, "insert message %s", m.ID)
	}
	return nil
}

// DeleteThread removes the thread; its messages go with it via the foreign key.
func (s *SQLiteStore) DeleteThread(ctx context.Context, id string) error {
	s.forget(id)
	res, err := s.db.ExecContext(ctx, `DELETE FROM threads WHERE id = ?`, id)
	if err != nil {
		return persistErr(err, "delete thread %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(id)
	}
	return nil
}

// LoadThread reads a thread and its messages in stored order.
func (s *SQLiteStore) LoadThread(ctx context.Context, id string) (*model.Thread, error) {
	var (
		t         model.Thread
		created   int64
		selection sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, created, selection FROM threads WHERE id = ?`, id).
		Scan(&t.ID, &t.Title, &created, &selection)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, persistErr(err, "load thread %s", id)
	}
	t.Timestamp = time.Unix(0, created)
	if selection.Valid {
		var sel model.ModelSelection
		if err := json.Unmarshal([]byte(selection.String), &sel); err == nil {
			t.Selection = &sel
		}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, created, tokens_per_sec, is_error
		FROM messages WHERE thread_id = ? ORDER BY created, seq`, id)
	if err != nil {
		return nil, persistErr(err, "load messages for %s", id)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			m    model.Message
			role string
			ts   int64
		)
		if err := rows.Scan(&m.ID, &role, &m.Content, &ts, &m.TokensPerSec, &m.IsError); err != nil {
			return nil, persistErr(err, "scan message")
		}
		m.Role = model.Role(role)
		m.Timestamp = time.Unix(0, ts)
		m.ThreadID = t.ID
		t.Messages = append(t.Messages, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr(err, "load messages for %s", id)
	}
	return &t, nil
}

// ListThreads returns thread metadata, most recently active first.
func (s *SQLiteStore) ListThreads(ctx context.Context) ([]model.ThreadMeta, error) {
	return s.queryMetas(ctx, "", nil)
}

// Search matches titles and message content with LIKE.
func (s *SQLiteStore) Search(ctx context.Context, query string) ([]model.ThreadMeta, error) {
	pattern := "%" + escapeLike(strings.ToLower(query)) + "%"
	where := `WHERE lower(t.title) LIKE ? ESCAPE '\' OR EXISTS (
		SELECT 1 FROM messages s WHERE s.thread_id = t.id AND lower(s.content) LIKE ? ESCAPE '\')`
	return s.queryMetas(ctx, where, []any{pattern, pattern})
}

func (s *SQLiteStore) queryMetas(ctx context.Context, where string, args []any) ([]model.ThreadMeta, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.title, t.created,
			(SELECT COUNT(*) FROM messages m WHERE m.thread_id = t.id),
			COALESCE((SELECT MAX(m.created) FROM messages m WHERE m.thread_id = t.id), t.created) AS active,
			COALESCE((SELECT m.content FROM messages m WHERE m.thread_id = t.id
				ORDER BY m.created DESC, m.seq DESC LIMIT 1), '')
		FROM threads t `+where+`
		ORDER BY active DESC`, args...)
	if err != nil {
		return nil, persistErr(err, "list threads")
	}
	defer rows.Close()

	var metas []model.ThreadMeta
	for rows.Next() {
		var (
			meta            model.ThreadMeta
			created, active int64
			preview         string
		)
		if err := rows.Scan(&meta.ID, &meta.Title, &created, &meta.MessageCount, &active, &preview); err != nil {
			return nil, persistErr(err, "scan thread")
		}
		if meta.Title == "" {
			meta.Title = (&model.Thread{}).GetTitle()
		}
		meta.Timestamp = time.Unix(0, created)
		if meta.MessageCount > 0 {
			meta.UpdatedAt = time.Unix(0, active)
			meta.Preview = (&model.Message{Content: preview}).Preview(100)
		}
		metas = append(metas, meta)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr(err, "list threads")
	}
	return metas, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return persistErr(err, "close database")
	}
	return nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

var (
	_ Store = (*JSONStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
