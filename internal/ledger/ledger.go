// Package ledger records completed query exchanges and agent process
// restarts in a sqlite database. The ledger is an audit trail read by
// the status surface; conversation context itself stays in memory and
// never touches the database.
package ledger

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite" // sqlite driver for database/sql
)

// Exchange is one completed question/answer round trip.
type Exchange struct {
	ID        string
	ChatID    string
	Category  string
	Question  string
	Status    string // "ok", "agent-error", "timeout", "failed"
	Detail    string // error detail when Status != "ok"
	AnswerLen int
	Duration  time.Duration
	CreatedAt time.Time
}

// Ledger persists exchanges and restarts. A nil *Ledger is valid and
// records nothing, so callers need no guards when the ledger is
// disabled by configuration.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the ledger database at path and applies the
// schema.
func Open(path string, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}

	l := &Ledger{db: db, logger: logger}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger migration: %w", err)
	}
	return l, nil
}

func (l *Ledger) migrate() error {
	_, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS exchanges (
			id          TEXT NOT NULL PRIMARY KEY,
			chat_id     TEXT NOT NULL,
			category    TEXT NOT NULL,
			question    TEXT NOT NULL,
			status      TEXT NOT NULL,
			detail      TEXT NOT NULL DEFAULT '',
			answer_len  INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			created_at  TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_exchanges_chat ON exchanges(chat_id, created_at);
		CREATE TABLE IF NOT EXISTS restarts (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			reason     TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
	`)
	return err
}

// RecordExchange writes one exchange row. The ID and CreatedAt fields
// are filled in when empty.
func (l *Ledger) RecordExchange(ex Exchange) error {
	if l == nil {
		return nil
	}

	if ex.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate exchange id: %w", err)
		}
		ex.ID = id.String()
	}
	if ex.CreatedAt.IsZero() {
		ex.CreatedAt = time.Now().UTC()
	}

	_, err := l.db.Exec(`
		INSERT INTO exchanges (id, chat_id, category, question, status, detail, answer_len, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ex.ID, ex.ChatID, ex.Category, ex.Question, ex.Status, ex.Detail,
		ex.AnswerLen, ex.Duration.Milliseconds(), ex.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record exchange: %w", err)
	}
	return nil
}

// RecordRestart notes that the agent process was (re)started.
func (l *Ledger) RecordRestart(reason string) error {
	if l == nil {
		return nil
	}

	_, err := l.db.Exec(`
		INSERT INTO restarts (reason, created_at) VALUES (?, ?)
	`, reason, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record restart: %w", err)
	}
	return nil
}

// RecentExchanges returns up to limit exchanges for a chat, newest
// first.
func (l *Ledger) RecentExchanges(chatID string, limit int) ([]Exchange, error) {
	if l == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}

	rows, err := l.db.Query(`
		SELECT id, chat_id, category, question, status, detail, answer_len, duration_ms, created_at
		FROM exchanges
		WHERE chat_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("query exchanges: %w", err)
	}
	defer rows.Close()

	var out []Exchange
	for rows.Next() {
		var ex Exchange
		var durMS int64
		var createdAt string
		if err := rows.Scan(&ex.ID, &ex.ChatID, &ex.Category, &ex.Question,
			&ex.Status, &ex.Detail, &ex.AnswerLen, &durMS, &createdAt); err != nil {
			return nil, fmt.Errorf("scan exchange: %w", err)
		}
		ex.Duration = time.Duration(durMS) * time.Millisecond
		ex.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, ex)
	}
	return out, rows.Err()
}

// Stats summarizes the ledger for the status surface.
type Stats struct {
	TotalExchanges  int
	FailedExchanges int
	Restarts        int
}

// Stats returns aggregate counts. A nil ledger reports zeros.
func (l *Ledger) Stats() (Stats, error) {
	if l == nil {
		return Stats{}, nil
	}

	var s Stats
	if err := l.db.QueryRow(`SELECT COUNT(*) FROM exchanges`).Scan(&s.TotalExchanges); err != nil {
		return Stats{}, fmt.Errorf("count exchanges: %w", err)
	}
	if err := l.db.QueryRow(`SELECT COUNT(*) FROM exchanges WHERE status != 'ok'`).Scan(&s.FailedExchanges); err != nil {
		return Stats{}, fmt.Errorf("count failed exchanges: %w", err)
	}
	if err := l.db.QueryRow(`SELECT COUNT(*) FROM restarts`).Scan(&s.Restarts); err != nil {
		return Stats{}, fmt.Errorf("count restarts: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	if l == nil {
		return nil
	}
	return l.db.Close()
}
