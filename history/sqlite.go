package history

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/opd-ai/chatlink/message"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	position INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	type TEXT NOT NULL,
	content TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	status TEXT NOT NULL DEFAULT '',
	response_to TEXT NOT NULL DEFAULT '',
	thoughts TEXT NOT NULL DEFAULT ''
);
`

// SQLitePersister stores the history in a SQLite database. Unlike the JSON
// blob of FilePersister it keeps every message ever saved: rows evicted from
// the in-memory window survive as an archive, and Load returns only the
// newest rows in insertion order.
type SQLitePersister struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the archive database at dbPath.
func OpenSQLite(dbPath string) (*SQLitePersister, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set history db pragma %q: %w", stmt, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate history schema: %w", err)
	}

	return &SQLitePersister{db: db}, nil
}

// Close releases the underlying database handle.
func (p *SQLitePersister) Close() error {
	return p.db.Close()
}

// Save implements Persister by upserting every message in the sequence.
// Rows already archived but no longer in the in-memory window are left
// untouched.
func (p *SQLitePersister) Save(msgs []*message.Message) error {
	tx, err := p.db.Begin()
	if err != nil {
		return fmt.Errorf("begin history save: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, msg := range msgs {
		_, err := tx.Exec(
			`INSERT INTO messages(id, type, content, timestamp, status, response_to, thoughts)
			VALUES(?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET status = excluded.status`,
			msg.ID, string(msg.Type), msg.Content, msg.Timestamp.UnixMilli(),
			string(msg.Status), msg.ResponseTo, msg.Thoughts,
		)
		if err != nil {
			return fmt.Errorf("save message %s: %w", msg.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit history save: %w", err)
	}
	return nil
}

// Load implements Persister, returning the newest DefaultMaxSize archived
// messages in insertion order.
func (p *SQLitePersister) Load() ([]*message.Message, error) {
	rows, err := p.db.Query(
		`SELECT id, type, content, timestamp, status, response_to, thoughts
		FROM (
			SELECT position, id, type, content, timestamp, status, response_to, thoughts
			FROM messages ORDER BY position DESC LIMIT ?
		) ORDER BY position ASC`,
		DefaultMaxSize,
	)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	var msgs []*message.Message
	for rows.Next() {
		var msg message.Message
		var typ, status string
		var ts int64
		if err := rows.Scan(&msg.ID, &typ, &msg.Content, &ts, &status, &msg.ResponseTo, &msg.Thoughts); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		msg.Type = message.Type(typ)
		msg.Status = message.Status(status)
		msg.Timestamp = time.UnixMilli(ts).UTC()
		msgs = append(msgs, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows: %w", err)
	}
	return msgs, nil
}
