package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"tgpanel/internal/domain"
	"tgpanel/internal/search"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	if dbPath == "" {
		return nil, errors.New("db path is required")
	}
	db, err := sql.Open("sqlite", filepath.Clean(dbPath))
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS chats (
	chat_id INTEGER PRIMARY KEY,
	title TEXT NOT NULL,
	type TEXT NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 0,
	history_mode TEXT NOT NULL DEFAULT 'full',
	downloads_mode TEXT NOT NULL DEFAULT 'manual',
	sync_cursor TEXT NOT NULL DEFAULT '',
	last_message_unix INTEGER NOT NULL DEFAULT 0,
	last_synced_unix INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS messages (
	chat_id INTEGER NOT NULL,
	msg_id INTEGER NOT NULL,
	ts INTEGER NOT NULL,
	edit_ts INTEGER NOT NULL DEFAULT 0,
	sender_id INTEGER NOT NULL DEFAULT 0,
	sender_display TEXT NOT NULL DEFAULT '',
	text TEXT NOT NULL DEFAULT '',
	file_name TEXT NOT NULL DEFAULT '',
	file_mime TEXT NOT NULL DEFAULT '',
	file_size INTEGER NOT NULL DEFAULT 0,
	has_media INTEGER NOT NULL DEFAULT 0,
	deleted INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (chat_id, msg_id),
	FOREIGN KEY (chat_id) REFERENCES chats(chat_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_messages_ts ON messages(chat_id, ts);

CREATE VIRTUAL TABLE IF NOT EXISTS fts_messages USING fts5(
	text,
	file_name,
	chat_id UNINDEXED,
	msg_id UNINDEXED,
	ts UNINDEXED,
	tokenize = 'unicode61'
);

CREATE TABLE IF NOT EXISTS downloads (
	task_id TEXT PRIMARY KEY,
	chat_id INTEGER NOT NULL,
	msg_id INTEGER NOT NULL,
	file_name TEXT NOT NULL DEFAULT '',
	file_mime TEXT NOT NULL DEFAULT '',
	file_size INTEGER NOT NULL DEFAULT 0,
	state TEXT NOT NULL DEFAULT 'pending',
	attempts INTEGER NOT NULL DEFAULT 0,
	next_run_at INTEGER NOT NULL DEFAULT 0,
	path TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_downloads_msg ON downloads(chat_id, msg_id);
CREATE INDEX IF NOT EXISTS idx_downloads_state ON downloads(state, next_run_at, created_at);
`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO settings(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value
`, key, value)
	return err
}

func (s *Store) GetSetting(ctx context.Context, key, defaultValue string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return defaultValue, nil
	}
	return value, err
}

func (s *Store) GetSettingInt(ctx context.Context, key string, defaultValue int) (int, error) {
	raw, err := s.GetSetting(ctx, key, strconv.Itoa(defaultValue))
	if err != nil {
		return defaultValue, err
	}
	parsed, parseErr := strconv.Atoi(raw)
	if parseErr != nil {
		return defaultValue, nil
	}
	return parsed, nil
}

func (s *Store) GetSettingBool(ctx context.Context, key string, defaultValue bool) (bool, error) {
	fallback := "0"
	if defaultValue {
		fallback = "1"
	}
	raw, err := s.GetSetting(ctx, key, fallback)
	if err != nil {
		return defaultValue, err
	}
	return raw == "1" || strings.EqualFold(raw, "true"), nil
}

func (s *Store) ListSettings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	settings := map[string]string{}
	for rows.Next() {
		var key string
		var value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		settings[key] = value
	}
	return settings, rows.Err()
}

func (s *Store) Checkpoint(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE);`)
	return err
}

// ExportDatabaseSnapshot writes a consistent copy of the database to
// destinationPath, used by backups and the GitHub sync upload.
func (s *Store) ExportDatabaseSnapshot(ctx context.Context, destinationPath string) error {
	cleanPath := strings.TrimSpace(filepath.Clean(destinationPath))
	if cleanPath == "" {
		return errors.New("destination path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o755); err != nil {
		return err
	}
	if err := os.Remove(cleanPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	escaped := strings.ReplaceAll(cleanPath, "'", "''")
	_, err := s.db.ExecContext(ctx, "VACUUM main INTO '"+escaped+"'")
	return err
}

// ScrubSecretSettings blanks credential-looking settings. Run on snapshot
// copies before they leave the machine.
func (s *Store) ScrubSecretSettings(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM settings`)
	if err != nil {
		return err
	}
	defer rows.Close()

	keys := make([]string, 0, 8)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return err
		}
		lower := strings.ToLower(key)
		if strings.Contains(lower, "api_hash") ||
			strings.Contains(lower, "api_key") ||
			strings.Contains(lower, "token") ||
			strings.Contains(lower, "secret") ||
			strings.Contains(lower, "password") {
			keys = append(keys, key)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, key := range keys {
		if _, err := s.db.ExecContext(ctx, `UPDATE settings SET value = '' WHERE key = ?`, key); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) UpsertChat(ctx context.Context, chat domain.ChatPolicy) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO chats(chat_id, title, type, enabled, history_mode, downloads_mode, sync_cursor, last_message_unix, last_synced_unix)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(chat_id) DO UPDATE SET
	title = excluded.title,
	type = excluded.type,
	enabled = excluded.enabled,
	history_mode = excluded.history_mode,
	downloads_mode = excluded.downloads_mode,
	sync_cursor = excluded.sync_cursor,
	last_message_unix = excluded.last_message_unix,
	last_synced_unix = excluded.last_synced_unix
`, chat.ChatID, chat.Title, chat.Type, boolToInt(chat.Enabled), chat.HistoryMode, chat.DownloadsMode, chat.SyncCursor, chat.LastMessageUnix, chat.LastSyncedUnix)
	return err
}

func (s *Store) UpsertDiscoveredChat(ctx context.Context, chatID int64, title, chatType string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO chats(chat_id, title, type, enabled, history_mode, downloads_mode, sync_cursor, last_message_unix, last_synced_unix)
VALUES(?, ?, ?, 0, 'full', 'manual', '', 0, 0)
ON CONFLICT(chat_id) DO UPDATE SET
	title = excluded.title,
	type = excluded.type
`, chatID, title, chatType)
	return err
}

func (s *Store) SetChatPolicy(ctx context.Context, chatID int64, enabled bool, historyMode string, downloadsMode string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE chats
SET enabled = ?, history_mode = ?, downloads_mode = ?
WHERE chat_id = ?
`, boolToInt(enabled), historyMode, downloadsMode, chatID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) GetChatPolicy(ctx context.Context, chatID int64) (domain.ChatPolicy, error) {
	var (
		chat    domain.ChatPolicy
		enabled int
	)
	err := s.db.QueryRowContext(ctx, `
SELECT chat_id, title, type, enabled, history_mode, downloads_mode, sync_cursor, last_message_unix, last_synced_unix
FROM chats
WHERE chat_id = ?
`, chatID).Scan(&chat.ChatID, &chat.Title, &chat.Type, &enabled, &chat.HistoryMode, &chat.DownloadsMode, &chat.SyncCursor, &chat.LastMessageUnix, &chat.LastSyncedUnix)
	if err != nil {
		return domain.ChatPolicy{}, err
	}
	chat.Enabled = enabled == 1
	return chat, nil
}

func (s *Store) ListChats(ctx context.Context) ([]domain.ChatPolicy, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT chat_id, title, type, enabled, history_mode, downloads_mode, sync_cursor, last_message_unix, last_synced_unix
FROM chats
ORDER BY title ASC
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	chats := make([]domain.ChatPolicy, 0, 16)
	for rows.Next() {
		var (
			chat    domain.ChatPolicy
			enabled int
		)
		if err := rows.Scan(&chat.ChatID, &chat.Title, &chat.Type, &enabled, &chat.HistoryMode, &chat.DownloadsMode, &chat.SyncCursor, &chat.LastMessageUnix, &chat.LastSyncedUnix); err != nil {
			return nil, err
		}
		chat.Enabled = enabled == 1
		chats = append(chats, chat)
	}
	return chats, rows.Err()
}

func (s *Store) UpdateChatSyncState(ctx context.Context, chatID int64, syncCursor string, lastMessageUnix int64, lastSyncedUnix int64) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE chats
SET sync_cursor = ?, last_message_unix = ?, last_synced_unix = ?
WHERE chat_id = ?
`, syncCursor, lastMessageUnix, lastSyncedUnix, chatID)
	return err
}

func (s *Store) UpsertMessage(ctx context.Context, msg domain.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
INSERT INTO messages(chat_id, msg_id, ts, edit_ts, sender_id, sender_display, text, file_name, file_mime, file_size, has_media, deleted)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(chat_id, msg_id) DO UPDATE SET
	ts = excluded.ts,
	edit_ts = excluded.edit_ts,
	sender_id = excluded.sender_id,
	sender_display = excluded.sender_display,
	text = excluded.text,
	file_name = excluded.file_name,
	file_mime = excluded.file_mime,
	file_size = excluded.file_size,
	has_media = excluded.has_media,
	deleted = excluded.deleted
`, msg.ChatID, msg.MsgID, msg.Timestamp, msg.EditTS, msg.SenderID, msg.SenderDisplay, msg.Text, msg.FileName, msg.FileMime, msg.FileSize, boolToInt(msg.HasMedia), boolToInt(msg.Deleted))
	if err != nil {
		return err
	}

	if _, err = tx.ExecContext(ctx, `
DELETE FROM fts_messages WHERE chat_id = ? AND msg_id = ?
`, msg.ChatID, msg.MsgID); err != nil {
		return err
	}
	if !msg.Deleted && (msg.Text != "" || msg.FileName != "") {
		if _, err = tx.ExecContext(ctx, `
INSERT INTO fts_messages(text, file_name, chat_id, msg_id, ts)
VALUES(?, ?, ?, ?, ?)
`, msg.Text, msg.FileName, msg.ChatID, msg.MsgID, msg.Timestamp); err != nil {
			return err
		}
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return commitErr
	}
	return nil
}

func (s *Store) GetMessage(ctx context.Context, chatID, msgID int64) (domain.Message, error) {
	var (
		message  domain.Message
		hasMedia int
		deleted  int
	)
	err := s.db.QueryRowContext(ctx, `
SELECT chat_id, msg_id, ts, edit_ts, sender_id, sender_display, text, file_name, file_mime, file_size, has_media, deleted
FROM messages
WHERE chat_id = ? AND msg_id = ?
`, chatID, msgID).Scan(&message.ChatID, &message.MsgID, &message.Timestamp, &message.EditTS, &message.SenderID, &message.SenderDisplay, &message.Text, &message.FileName, &message.FileMime, &message.FileSize, &hasMedia, &deleted)
	if err != nil {
		return domain.Message{}, err
	}
	message.HasMedia = hasMedia == 1
	message.Deleted = deleted == 1
	return message, nil
}

func (s *Store) MarkMessageDeleted(ctx context.Context, chatID, msgID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `
UPDATE messages
SET deleted = 1, text = '', file_name = '', file_mime = '', file_size = 0
WHERE chat_id = ? AND msg_id = ?
`, chatID, msgID); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `
DELETE FROM fts_messages WHERE chat_id = ? AND msg_id = ?
`, chatID, msgID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) PurgeChatData(ctx context.Context, chatID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM fts_messages WHERE chat_id = ?`, chatID); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE chat_id = ?`, chatID); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM downloads WHERE chat_id = ?`, chatID); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `
UPDATE chats
SET sync_cursor = '', last_message_unix = 0, last_synced_unix = 0
WHERE chat_id = ?
`, chatID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) PurgeAllData(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM fts_messages`); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM messages`); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM downloads`); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `UPDATE chats SET sync_cursor = '', last_message_unix = 0, last_synced_unix = 0`); err != nil {
		return err
	}
	return tx.Commit()
}

// Search runs the exact (FTS5) mode. Approximate mode goes through
// ListSearchCandidates plus the similarity matcher instead.
func (s *Store) Search(ctx context.Context, req domain.SearchRequest) ([]domain.SearchResult, error) {
	match, err := search.BuildMatch(req.Query)
	if err != nil {
		if errors.Is(err, search.ErrEmptyQuery) {
			return nil, nil
		}
		return nil, err
	}

	limit := req.Filters.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := `
SELECT
	fts_messages.chat_id,
	fts_messages.msg_id,
	fts_messages.ts,
	c.title,
	m.sender_display,
	m.text,
	m.file_name,
	m.file_mime,
	m.file_size,
	COALESCE(snippet(fts_messages, 0, '<mark>', '</mark>', '...', 18), m.text) AS snippet,
	bm25(fts_messages) AS rank
FROM fts_messages
JOIN messages m ON m.chat_id = fts_messages.chat_id AND m.msg_id = fts_messages.msg_id
JOIN chats c ON c.chat_id = fts_messages.chat_id
WHERE fts_messages MATCH ?
  AND m.deleted = 0
  AND c.enabled = 1
`
	args := []any{match}

	if req.Filters.FromUnix > 0 {
		query += " AND fts_messages.ts >= ?"
		args = append(args, req.Filters.FromUnix)
	}
	if req.Filters.ToUnix > 0 {
		query += " AND fts_messages.ts <= ?"
		args = append(args, req.Filters.ToUnix)
	}
	if len(req.Filters.ChatIDs) > 0 {
		placeholders := make([]string, 0, len(req.Filters.ChatIDs))
		for _, id := range req.Filters.ChatIDs {
			placeholders = append(placeholders, "?")
			args = append(args, id)
		}
		query += " AND fts_messages.chat_id IN (" + strings.Join(placeholders, ",") + ")"
	}

	query += " ORDER BY rank ASC, fts_messages.ts DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := make([]domain.SearchResult, 0, limit)
	for rows.Next() {
		var item domain.SearchResult
		if err := rows.Scan(&item.ChatID, &item.MsgID, &item.Timestamp, &item.ChatTitle, &item.Sender, &item.MessageText, &item.FileName, &item.FileMime, &item.FileSize, &item.Snippet, &item.Score); err != nil {
			return nil, err
		}
		results = append(results, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score == results[j].Score {
			return results[i].Timestamp > results[j].Timestamp
		}
		return results[i].Score < results[j].Score
	})
	return results, nil
}

// ListSearchCandidates loads the candidate pool for approximate search:
// live messages of enabled chats, optionally restricted by chat and date.
// Rows come back in (chat_id, msg_id) order so matcher output is
// deterministic for a fixed database state.
func (s *Store) ListSearchCandidates(ctx context.Context, filters domain.SearchFilters) ([]domain.Message, error) {
	query := `
SELECT m.chat_id, m.msg_id, m.ts, m.sender_id, m.sender_display, m.text, m.file_name, m.file_mime, m.file_size, m.has_media
FROM messages m
JOIN chats c ON c.chat_id = m.chat_id
WHERE m.deleted = 0
  AND c.enabled = 1
`
	args := []any{}
	if filters.FromUnix > 0 {
		query += " AND m.ts >= ?"
		args = append(args, filters.FromUnix)
	}
	if filters.ToUnix > 0 {
		query += " AND m.ts <= ?"
		args = append(args, filters.ToUnix)
	}
	if len(filters.ChatIDs) > 0 {
		placeholders := make([]string, 0, len(filters.ChatIDs))
		for _, id := range filters.ChatIDs {
			placeholders = append(placeholders, "?")
			args = append(args, id)
		}
		query += " AND m.chat_id IN (" + strings.Join(placeholders, ",") + ")"
	}
	query += " ORDER BY m.chat_id ASC, m.msg_id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	candidates := make([]domain.Message, 0, 256)
	for rows.Next() {
		var (
			msg      domain.Message
			hasMedia int
		)
		if err := rows.Scan(&msg.ChatID, &msg.MsgID, &msg.Timestamp, &msg.SenderID, &msg.SenderDisplay, &msg.Text, &msg.FileName, &msg.FileMime, &msg.FileSize, &hasMedia); err != nil {
			return nil, err
		}
		msg.HasMedia = hasMedia == 1
		candidates = append(candidates, msg)
	}
	return candidates, rows.Err()
}

// LookupResults re-joins matcher output against full message rows for
// display. The returned map is keyed by chat_id:msg_id.
func (s *Store) LookupResults(ctx context.Context, chatID int64, msgIDs []int64) (map[int64]domain.SearchResult, error) {
	if len(msgIDs) == 0 {
		return map[int64]domain.SearchResult{}, nil
	}
	placeholders := make([]string, 0, len(msgIDs))
	args := []any{chatID}
	for _, id := range msgIDs {
		placeholders = append(placeholders, "?")
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT m.chat_id, m.msg_id, m.ts, c.title, m.sender_display, m.text, m.file_name, m.file_mime, m.file_size
FROM messages m
JOIN chats c ON c.chat_id = m.chat_id
WHERE m.chat_id = ? AND m.msg_id IN (`+strings.Join(placeholders, ",")+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64]domain.SearchResult, len(msgIDs))
	for rows.Next() {
		var item domain.SearchResult
		if err := rows.Scan(&item.ChatID, &item.MsgID, &item.Timestamp, &item.ChatTitle, &item.Sender, &item.MessageText, &item.FileName, &item.FileMime, &item.FileSize); err != nil {
			return nil, err
		}
		out[item.MsgID] = item
	}
	return out, rows.Err()
}

func (s *Store) EnqueueDownload(ctx context.Context, task domain.DownloadTask) error {
	if task.TaskID == "" {
		return errors.New("task id is required")
	}
	if task.ChatID == 0 || task.MsgID == 0 {
		return errors.New("chat id and msg id are required")
	}
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO downloads(task_id, chat_id, msg_id, file_name, file_mime, file_size, state, attempts, next_run_at, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, 'pending', 0, ?, ?, ?)
ON CONFLICT(chat_id, msg_id) DO UPDATE SET
	state = CASE WHEN downloads.state = 'failed' THEN 'pending' ELSE downloads.state END,
	error = '',
	next_run_at = excluded.next_run_at,
	updated_at = excluded.updated_at
`, task.TaskID, task.ChatID, task.MsgID, task.FileName, task.FileMime, task.FileSize, now, now, now)
	return err
}

func (s *Store) ClaimDownload(ctx context.Context, nowUnix int64) (domain.DownloadTask, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.DownloadTask{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var task domain.DownloadTask
	var state string
	err = tx.QueryRowContext(ctx, `
SELECT task_id, chat_id, msg_id, file_name, file_mime, file_size, state, attempts, created_at, updated_at
FROM downloads
WHERE state = 'pending'
  AND next_run_at <= ?
ORDER BY created_at ASC
LIMIT 1
`, nowUnix).Scan(&task.TaskID, &task.ChatID, &task.MsgID, &task.FileName, &task.FileMime, &task.FileSize, &state, &task.Attempts, &task.CreatedAt, &task.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		_ = tx.Rollback()
		return domain.DownloadTask{}, false, nil
	}
	if err != nil {
		return domain.DownloadTask{}, false, err
	}

	if _, err = tx.ExecContext(ctx, `
UPDATE downloads
SET state = 'running', attempts = attempts + 1, updated_at = ?
WHERE task_id = ?
`, nowUnix, task.TaskID); err != nil {
		return domain.DownloadTask{}, false, err
	}
	if commitErr := tx.Commit(); commitErr != nil {
		return domain.DownloadTask{}, false, commitErr
	}

	task.State = domain.DownloadRunning
	task.Attempts++
	return task, true, nil
}

func (s *Store) CompleteDownload(ctx context.Context, taskID string, path string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE downloads
SET state = 'done', path = ?, error = '', updated_at = ?
WHERE task_id = ?
`, path, time.Now().Unix(), taskID)
	return err
}

func (s *Store) RetryDownload(ctx context.Context, taskID string, nextRunAt int64, reason string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE downloads
SET state = 'pending', next_run_at = ?, error = ?, updated_at = ?
WHERE task_id = ?
`, nextRunAt, reason, time.Now().Unix(), taskID)
	return err
}

func (s *Store) FailDownload(ctx context.Context, taskID string, reason string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE downloads
SET state = 'failed', error = ?, updated_at = ?
WHERE task_id = ?
`, reason, time.Now().Unix(), taskID)
	return err
}

func (s *Store) ListDownloads(ctx context.Context, limit int) ([]domain.DownloadTask, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT task_id, chat_id, msg_id, file_name, file_mime, file_size, state, attempts, path, error, created_at, updated_at
FROM downloads
ORDER BY created_at DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tasks := make([]domain.DownloadTask, 0, limit)
	for rows.Next() {
		var task domain.DownloadTask
		var state string
		if err := rows.Scan(&task.TaskID, &task.ChatID, &task.MsgID, &task.FileName, &task.FileMime, &task.FileSize, &state, &task.Attempts, &task.Path, &task.Error, &task.CreatedAt, &task.UpdatedAt); err != nil {
			return nil, err
		}
		task.State = domain.DownloadState(state)
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (s *Store) GetIndexStatus(ctx context.Context, mcpEndpoint string, mcpEnabled bool, mcpStatus string) (domain.IndexStatus, error) {
	var (
		queueDepth int
		msgCount   int
		mediaCount int
	)
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM downloads WHERE state IN ('pending','running')`).Scan(&queueDepth); err != nil {
		return domain.IndexStatus{}, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM messages WHERE deleted = 0`).Scan(&msgCount); err != nil {
		return domain.IndexStatus{}, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM messages WHERE deleted = 0 AND has_media = 1`).Scan(&mediaCount); err != nil {
		return domain.IndexStatus{}, err
	}
	status := domain.IndexStatus{
		SyncState:    "idle",
		QueueDepth:   queueDepth,
		LastSyncUnix: time.Now().Unix(),
		MCPEndpoint:  mcpEndpoint,
		MCPEnabled:   mcpEnabled,
		MCPStatus:    mcpStatus,
		MessageCount: msgCount,
		MediaCount:   mediaCount,
	}
	status.Touch()
	return status, nil
}

// SeedDemoData fills an empty database with a few chats and messages so
// the panel has something to show before Telegram is connected.
func (s *Store) SeedDemoData(ctx context.Context) error {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM chats`).Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	baseTime := time.Now().Add(-24 * time.Hour).Unix()
	chats := []domain.ChatPolicy{
		{ChatID: 1, Title: "Saved Messages", Type: "saved", Enabled: false, HistoryMode: "full", DownloadsMode: "manual"},
		{ChatID: 2, Title: "Engineering", Type: "group", Enabled: true, HistoryMode: "full", DownloadsMode: "manual"},
		{ChatID: 3, Title: "Design Files", Type: "group", Enabled: true, HistoryMode: "full", DownloadsMode: "auto"},
	}
	for _, chat := range chats {
		if err := s.UpsertChat(ctx, chat); err != nil {
			return err
		}
	}

	sample := []domain.Message{
		{ChatID: 2, MsgID: 101, Timestamp: baseTime + 60, SenderID: 10, SenderDisplay: "Alex", Text: "quarterly report draft is ready for review"},
		{ChatID: 2, MsgID: 102, Timestamp: baseTime + 120, SenderID: 11, SenderDisplay: "Nina", Text: "approximate search needs a threshold slider in the panel"},
		{ChatID: 3, MsgID: 201, Timestamp: baseTime + 180, SenderID: 12, SenderDisplay: "You", FileName: "landing_mockup_v3.png", FileMime: "image/png", FileSize: 204800, HasMedia: true},
	}
	for _, msg := range sample {
		if err := s.UpsertMessage(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
