package streaks

import (
	"database/sql"
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

const schema = `CREATE TABLE IF NOT EXISTS watchstreak_meta (
  id INTEGER PRIMARY KEY CHECK (id = 1),
  version INTEGER NOT NULL,
  current_stream_index INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS watchstreak_users (
  user_key TEXT PRIMARY KEY,
  user_id TEXT NOT NULL DEFAULT '',
  user_name TEXT NOT NULL DEFAULT '',
  consecutive INTEGER NOT NULL DEFAULT 0,
  total_streams INTEGER NOT NULL DEFAULT 0,
  last_attended_stream_index INTEGER NOT NULL DEFAULT 0,
  first_seen TEXT NOT NULL DEFAULT '',
  last_seen TEXT NOT NULL DEFAULT ''
);`

// SQLiteStore persists the whole state snapshot per save.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteStore, error) {
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
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Load() (*State, error) {
	state := NewState()

	row := s.db.QueryRow(`SELECT version, current_stream_index FROM watchstreak_meta WHERE id = 1;`)
	if err := row.Scan(&state.Version, &state.CurrentStreamIndex); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return state, nil
		}
		return nil, errors.Wrap(err, "load meta")
	}

	rows, err := s.db.Query(`SELECT user_key, user_id, user_name, consecutive, total_streams,
  last_attended_stream_index, first_seen, last_seen FROM watchstreak_users;`)
	if err != nil {
		return nil, errors.Wrap(err, "load users")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key, firstSeen, lastSeen string
			stats                    UserStats
		)
		if err := rows.Scan(&key, &stats.UserID, &stats.UserName, &stats.Consecutive,
			&stats.TotalStreams, &stats.LastAttendedStreamIndex, &firstSeen, &lastSeen); err != nil {
			return nil, errors.Wrap(err, "scan user")
		}
		stats.FirstSeenUTC = parseTime(firstSeen)
		stats.LastSeenUTC = parseTime(lastSeen)
		state.Users[key] = &stats
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate users")
	}
	return state, nil
}

// Save replaces the stored snapshot wholesale inside one transaction.
func (s *SQLiteStore) Save(state *State) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT INTO watchstreak_meta (id, version, current_stream_index)
VALUES (1, ?, ?)
ON CONFLICT(id) DO UPDATE SET version = excluded.version, current_stream_index = excluded.current_stream_index;`,
		state.Version, state.CurrentStreamIndex); err != nil {
		return errors.Wrap(err, "save meta")
	}

	if _, err := tx.Exec(`DELETE FROM watchstreak_users;`); err != nil {
		return errors.Wrap(err, "clear users")
	}
	for key, stats := range state.Users {
		if _, err := tx.Exec(`INSERT INTO watchstreak_users
(user_key, user_id, user_name, consecutive, total_streams, last_attended_stream_index, first_seen, last_seen)
VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
			key, stats.UserID, stats.UserName, stats.Consecutive, stats.TotalStreams,
			stats.LastAttendedStreamIndex, formatTime(stats.FirstSeenUTC), formatTime(stats.LastSeenUTC)); err != nil {
			return errors.Wrap(err, "save user")
		}
	}
	return errors.Wrap(tx.Commit(), "commit")
}

// Empty reports whether the store holds no snapshot yet, for deciding
// whether to import a legacy JSON file.
func (s *SQLiteStore) Empty() (bool, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM watchstreak_meta;`).Scan(&n); err != nil {
		return false, errors.Wrap(err, "count meta")
	}
	return n == 0, nil
}

func parseTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// LoadLegacyJSON reads an old JSON snapshot file. Historical files may key
// records by username with an empty userId; the tracker's normalization
// pass re-keys them.
func LoadLegacyJSON(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read legacy state")
	}
	state := NewState()
	if err := json.Unmarshal(data, state); err != nil {
		return nil, errors.Wrap(err, "decode legacy state")
	}
	if state.Users == nil {
		state.Users = make(map[string]*UserStats)
	}
	return state, nil
}

// ImportLegacyJSON copies a legacy JSON snapshot into an empty store. A
// store that already holds a snapshot is left alone.
func ImportLegacyJSON(store *SQLiteStore, path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil // nothing to import
	}
	empty, err := store.Empty()
	if err != nil {
		return err
	}
	if !empty {
		return nil
	}
	state, err := LoadLegacyJSON(path)
	if err != nil {
		return err
	}
	return store.Save(state)
}
