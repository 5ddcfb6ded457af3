// Package sessiondb reads the engine's on-disk session record. The database
// is owned and written by the engine process; everything here is read-only.
package sessiondb

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/theredsix/abp/internal/protocol"
)

// ErrNoSession means the database exists but the engine has not recorded a
// session row yet. Soft: callers retry on the next poll.
var ErrNoSession = errors.New("no session recorded")

// DBFileName is the engine's database file inside the session directory.
const DBFileName = "session.db"

// ScreenshotDirName is the per-action screenshot directory inside the
// session directory.
const ScreenshotDirName = "screenshots"

// Store is a read-only handle over one session directory's database.
type Store struct {
	db         *sql.DB
	sessionDir string
}

// Open opens the session database under dir read-only. The engine may hold a
// write lock at any moment, so a short busy timeout keeps reads from failing
// on transient contention.
func Open(dir string) (*Store, error) {
	dbPath := filepath.Join(dir, DBFileName)
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?mode=ro&_busy_timeout=250", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open session db: %w", err)
	}

	return &Store{db: db, sessionDir: dir}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ScreenshotDir returns the directory screenshot paths must resolve under.
func (s *Store) ScreenshotDir() string {
	return filepath.Join(s.sessionDir, ScreenshotDirName)
}

// LatestSession returns the most recently started session row.
func (s *Store) LatestSession() (*protocol.Session, error) {
	row := s.db.QueryRow(`
		SELECT id, started_at, ended_at, engine_version, user_agent
		FROM sessions ORDER BY started_at DESC LIMIT 1`)

	var sess protocol.Session
	var startedAt string
	var endedAt sql.NullString
	err := row.Scan(&sess.ID, &startedAt, &endedAt, &sess.EngineVersion, &sess.UserAgent)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("latest session: %w", err)
	}

	sess.StartedAt = parseTime(startedAt)
	if endedAt.Valid {
		t := parseTime(endedAt.String)
		sess.EndedAt = &t
	}
	return &sess, nil
}

// MaxActionID returns the highest action id recorded for a session, or 0 when
// the session has no actions yet.
func (s *Store) MaxActionID(sessionID string) (int64, error) {
	var max sql.NullInt64
	err := s.db.QueryRow(`SELECT MAX(id) FROM actions WHERE session_id = ?`, sessionID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("max action id: %w", err)
	}
	if !max.Valid {
		return 0, nil
	}
	return max.Int64, nil
}

// Actions returns actions for a session ordered by id, newest last. limit <= 0
// means no limit.
func (s *Store) Actions(sessionID string, limit, offset int) ([]*protocol.Action, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`
		SELECT id, session_id, tab_id, kind, timestamp, duration_ms,
		       params, result, success, error, screenshot_before, screenshot_after
		FROM actions WHERE session_id = ?
		ORDER BY id LIMIT ? OFFSET ?`, sessionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	var actions []*protocol.Action
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, action)
	}
	return actions, rows.Err()
}

// Action returns a single action by id, or nil when absent.
func (s *Store) Action(id int64) (*protocol.Action, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, tab_id, kind, timestamp, duration_ms,
		       params, result, success, error, screenshot_before, screenshot_after
		FROM actions WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get action: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanAction(rows)
}

// Events returns the events recorded under one action, ordered by id.
func (s *Store) Events(actionID int64) ([]*protocol.Event, error) {
	rows, err := s.db.Query(`
		SELECT id, action_id, type, timestamp, payload
		FROM events WHERE action_id = ? ORDER BY id`, actionID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []*protocol.Event
	for rows.Next() {
		var ev protocol.Event
		var ts string
		var payload sql.NullString
		if err := rows.Scan(&ev.ID, &ev.ActionID, &ev.Type, &ts, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Timestamp = parseTime(ts)
		ev.Payload = payload.String
		events = append(events, &ev)
	}
	return events, rows.Err()
}

func scanAction(rows *sql.Rows) (*protocol.Action, error) {
	var a protocol.Action
	var ts string
	var params, result, errMsg, before, after sql.NullString
	err := rows.Scan(&a.ID, &a.SessionID, &a.TabID, &a.Kind, &ts, &a.DurationMs,
		&params, &result, &a.Success, &errMsg, &before, &after)
	if err != nil {
		return nil, fmt.Errorf("scan action: %w", err)
	}
	a.Timestamp = parseTime(ts)
	a.Params = params.String
	a.Result = result.String
	a.Error = errMsg.String
	a.ScreenshotBefore = before.String
	a.ScreenshotAfter = after.String
	return &a, nil
}

// parseTime tolerates both RFC3339 and the bare SQLite datetime format the
// engine has used across versions.
func parseTime(s string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return t
	}
	return time.Time{}
}
