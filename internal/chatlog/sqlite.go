package chatlog

import (
	"database/sql"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/gmblogref/TwitchChatBot-sub000/internal/core"
)

const schema = `CREATE TABLE IF NOT EXISTS chat_lines (
  ts TEXT NOT NULL,
  username TEXT NOT NULL,
  display_name TEXT NOT NULL DEFAULT '',
  text TEXT NOT NULL,
  colour TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS chat_lines_ts ON chat_lines (ts);`

// SQLiteLog archives displayed chat lines so the UI can backfill after a
// restart.
type SQLiteLog struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "apply schema")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=wal;`); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "set WAL")
	}
	return &SQLiteLog{db: db}, nil
}

func (s *SQLiteLog) Close() error { return s.db.Close() }

func (s *SQLiteLog) Write(line core.ChatLine) error {
	const q = `INSERT INTO chat_lines (ts, username, display_name, text, colour) VALUES (?, ?, ?, ?, ?);`
	ts := line.Ts.UTC().Format(time.RFC3339Nano)
	_, err := s.db.Exec(q, ts, line.Username, line.DisplayName, line.Text, line.Colour)
	return errors.Wrap(err, "insert chat line")
}

// ListRecent returns the newest lines, oldest first.
func (s *SQLiteLog) ListRecent(limit int) ([]core.ChatLine, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT ts, username, display_name, text, colour FROM chat_lines ORDER BY ts DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list chat lines")
	}
	defer rows.Close()

	var out []core.ChatLine
	for rows.Next() {
		var (
			line core.ChatLine
			ts   string
		)
		if err := rows.Scan(&ts, &line.Username, &line.DisplayName, &line.Text, &line.Colour); err != nil {
			return nil, errors.Wrap(err, "scan chat line")
		}
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			line.Ts = t
		}
		out = append(out, line)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate chat lines")
	}

	// reverse to chronological order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *SQLiteLog) Count() (int64, error) {
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM chat_lines;`).Scan(&n)
	return n, errors.Wrap(err, "count chat lines")
}
