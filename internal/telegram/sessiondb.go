package telegram

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"tgsync/internal/domain"
)

// windowSize bounds how many messages per chat the session file retains.
const windowSize = 1000

// sessionDB is the per-account session file: the update offset plus a rolling
// window of recent messages per chat.
type sessionDB struct {
	db     *sqlx.DB
	logger *slog.Logger
}

type chatRow struct {
	ChatID       int64  `db:"chat_id"`
	Title        string `db:"title"`
	LastActivity int64  `db:"last_activity"`
}

type messageRow struct {
	ChatID    int64  `db:"chat_id"`
	MessageID int64  `db:"message_id"`
	Date      int64  `db:"date"`
	Payload   string `db:"payload"`
}

func openSessionDB(path string, logger *slog.Logger) (*sessionDB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("cannot create session directory %s: %w", dir, err)
	}

	db, err := sqlx.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("cannot open session file: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := runMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("session file migration failed: %w", err)
	}
	return &sessionDB{db: db, logger: logger}, nil
}

func (s *sessionDB) Close() error {
	return s.db.Close()
}

// offset returns the next update id to request.
func (s *sessionDB) offset(ctx context.Context) (int, error) {
	var raw string
	err := s.db.GetContext(ctx, &raw, `SELECT value FROM meta WHERE key = 'update_offset'`)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(raw)
}

// applyBatch stores one page of updates and advances the offset atomically.
func (s *sessionDB) applyBatch(ctx context.Context, nextOffset int, msgs []domain.RemoteMessage, titles map[int64]string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, m := range msgs {
		if err := saveMessage(ctx, tx, m, titles[m.ChatID]); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES ('update_offset', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		strconv.Itoa(nextOffset),
	); err != nil {
		return fmt.Errorf("store offset: %w", err)
	}
	return tx.Commit()
}

// record stores a single message, typically one the session just sent.
func (s *sessionDB) record(ctx context.Context, m domain.RemoteMessage, title string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := saveMessage(ctx, tx, m, title); err != nil {
		return err
	}
	return tx.Commit()
}

func saveMessage(ctx context.Context, tx *sqlx.Tx, m domain.RemoteMessage, title string) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode message %d: %w", m.ID, err)
	}
	row := messageRow{ChatID: m.ChatID, MessageID: m.ID, Date: m.Date.Unix(), Payload: string(payload)}
	if _, err := tx.NamedExecContext(ctx,
		`INSERT INTO messages (chat_id, message_id, date, payload) VALUES (:chat_id, :message_id, :date, :payload)
		 ON CONFLICT(chat_id, message_id) DO UPDATE SET payload = excluded.payload`,
		row,
	); err != nil {
		return fmt.Errorf("store message %d: %w", m.ID, err)
	}

	chat := chatRow{ChatID: m.ChatID, Title: title, LastActivity: m.Date.Unix()}
	if _, err := tx.NamedExecContext(ctx,
		`INSERT INTO chats (chat_id, title, last_activity) VALUES (:chat_id, :title, :last_activity)
		 ON CONFLICT(chat_id) DO UPDATE SET
			title = CASE WHEN excluded.title != '' THEN excluded.title ELSE chats.title END,
			last_activity = MAX(chats.last_activity, excluded.last_activity)`,
		chat,
	); err != nil {
		return fmt.Errorf("store chat %d: %w", m.ChatID, err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE chat_id = ? AND message_id NOT IN (
			SELECT message_id FROM messages WHERE chat_id = ? ORDER BY date DESC, message_id DESC LIMIT ?
		)`,
		m.ChatID, m.ChatID, windowSize,
	); err != nil {
		return fmt.Errorf("prune chat %d: %w", m.ChatID, err)
	}
	return nil
}

// chats lists known chats, most recently active first.
func (s *sessionDB) chats(ctx context.Context, limit int) ([]chatRow, error) {
	var rows []chatRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT chat_id, title, last_activity FROM chats ORDER BY last_activity DESC, chat_id LIMIT ?`, limit)
	return rows, err
}

// history returns the newest limit messages of a chat in chronological order.
func (s *sessionDB) history(ctx context.Context, chatID int64, limit int) ([]domain.RemoteMessage, error) {
	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT chat_id, message_id, date, payload FROM (
			SELECT * FROM messages WHERE chat_id = ? ORDER BY date DESC, message_id DESC LIMIT ?
		) ORDER BY date, message_id`,
		chatID, limit,
	); err != nil {
		return nil, err
	}

	out := make([]domain.RemoteMessage, 0, len(rows))
	for _, row := range rows {
		var m domain.RemoteMessage
		if err := json.Unmarshal([]byte(row.Payload), &m); err != nil {
			s.logger.Warn("dropping unreadable session message", "chat_id", row.ChatID, "message_id", row.MessageID, "err", err)
			continue
		}
		out = append(out, m)
	}
	return out, nil
}
