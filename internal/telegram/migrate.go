package telegram

import (
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
)

// schemaVersion is the session file layout this build reads and writes.
// It is stored in SQLite's user_version header field.
const schemaVersion = 2

// sessionSchema holds one statement batch per version; index i upgrades a
// file from version i to i+1.
var sessionSchema = []string{
	// 1: update offset, known chats, buffered history.
	`
	CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS chats (
		chat_id       INTEGER PRIMARY KEY,
		title         TEXT NOT NULL DEFAULT '',
		last_activity INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS messages (
		chat_id    INTEGER NOT NULL,
		message_id INTEGER NOT NULL,
		date       INTEGER NOT NULL,
		payload    TEXT NOT NULL,
		PRIMARY KEY (chat_id, message_id)
	);`,
	// 2: history and dialog ordering indexes.
	`
	CREATE INDEX IF NOT EXISTS idx_messages_chat_date ON messages(chat_id, date);
	CREATE INDEX IF NOT EXISTS idx_chats_activity ON chats(last_activity);`,
}

// runMigrations upgrades the session file to schemaVersion. A file written by
// a newer build is refused rather than modified.
func runMigrations(db *sqlx.DB, logger *slog.Logger) error {
	current, err := getSchemaVersion(db)
	if err != nil {
		return err
	}
	if current > schemaVersion {
		return fmt.Errorf("session file has schema v%d, this build supports up to v%d", current, schemaVersion)
	}

	for v := current; v < schemaVersion; v++ {
		logger.Debug("upgrading session file", "from", v, "to", v+1)
		tx, err := db.Beginx()
		if err != nil {
			return fmt.Errorf("begin upgrade to v%d: %w", v+1, err)
		}
		if _, err := tx.Exec(sessionSchema[v]); err != nil {
			tx.Rollback()
			return fmt.Errorf("upgrade to v%d: %w", v+1, err)
		}
		// PRAGMA does not accept bound parameters.
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", v+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("record v%d: %w", v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit v%d: %w", v+1, err)
		}
	}
	return nil
}

func getSchemaVersion(db *sqlx.DB) (int, error) {
	var version int
	if err := db.Get(&version, "PRAGMA user_version"); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}
