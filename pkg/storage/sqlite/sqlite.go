package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gobwas/glob"
	_ "modernc.org/sqlite"

	"github.com/rexliu/drvlink/pkg/core"
)

var (
	ErrSessionNotFound  = errors.New("trace session not found")
	ErrAmbiguousSession = errors.New("trace session prefix is ambiguous")
)

// Session statuses.
const (
	StatusRunning = "running"
	StatusOK      = "ok"
	StatusFailed  = "failed"
)

// Session is one recorded connection.
type Session struct {
	ID        string
	Profile   string
	Driver    string
	StartedAt time.Time
	EndedAt   *time.Time
	Status    string
	Error     string
	Frames    int
}

// Frame is one recorded protocol frame.
type Frame struct {
	SessionID string
	Seq       int64
	Direction string
	Kind      string
	ID        uint64
	GUID      string
	Method    string
	Payload   []byte
	Truncated bool
	At        time.Time
}

// ObjectRecord tracks the lifetime of one remote object within a session.
type ObjectRecord struct {
	GUID       string
	Parent     string
	Type       string
	CreatedAt  time.Time
	DisposedAt *time.Time
}

// FrameFilter narrows LoadFrames. Zero fields match everything. Method is a
// glob over the bare method name, such as "goto" or "wait*".
type FrameFilter struct {
	Direction string
	Kinds     []string
	GUID      string
	Method    string
	Limit     int
}

// Pragmas tune durability. Empty fields keep the defaults.
type Pragmas struct {
	JournalMode string
	Synchronous string
}

// Store owns the SQLite trace database for a profile.
type Store struct {
	db   *sql.DB
	path string
}

// Path returns the underlying SQLite file path.
func (s *Store) Path() string {
	return s.path
}

// Open initializes a SQLite database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer keeps pragmas and transactions on the same connection.
	db.SetMaxOpenConns(1)
	return &Store{db: db, path: path}, nil
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Init ensures pragmas and schema are configured.
func (s *Store) Init(ctx context.Context, p Pragmas) error {
	if s == nil || s.db == nil {
		return errors.New("nil store")
	}
	journal := strings.ToUpper(p.JournalMode)
	if journal == "" {
		journal = "WAL"
	}
	synchronous := strings.ToUpper(p.Synchronous)
	if synchronous == "" {
		synchronous = "NORMAL"
	}
	switch journal {
	case "DELETE", "TRUNCATE", "PERSIST", "MEMORY", "WAL", "OFF":
	default:
		return fmt.Errorf("unknown journal mode %q", p.JournalMode)
	}
	switch synchronous {
	case "OFF", "NORMAL", "FULL", "EXTRA":
	default:
		return fmt.Errorf("unknown synchronous mode %q", p.Synchronous)
	}
	pragmas := []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA journal_mode = " + journal + ";",
		"PRAGMA synchronous = " + synchronous + ";",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, stmt := range pragmas {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply pragma %q: %w", stmt, err)
		}
	}
	return s.applySchema(ctx)
}

func (s *Store) applySchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`INSERT OR IGNORE INTO meta(key,value) VALUES ('schemaVersion','1');`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			profile TEXT NOT NULL,
			driver TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			ended_at INTEGER,
			status TEXT NOT NULL CHECK (status IN ('running','ok','failed')),
			error TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS frames (
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			direction TEXT NOT NULL CHECK (direction IN ('send','recv')),
			kind TEXT NOT NULL,
			msg_id INTEGER,
			guid TEXT NOT NULL,
			method TEXT NOT NULL,
			payload BLOB,
			truncated INTEGER NOT NULL DEFAULT 0,
			at INTEGER NOT NULL,
			PRIMARY KEY (session_id, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_frames_guid ON frames(session_id, guid);`,
		`CREATE TABLE IF NOT EXISTS objects (
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			guid TEXT NOT NULL,
			parent_guid TEXT NOT NULL,
			type TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			disposed_at INTEGER,
			PRIMARY KEY (session_id, guid)
		);`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// SchemaVersion reads the stored schema version.
func (s *Store) SchemaVersion(ctx context.Context) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'schemaVersion'`).Scan(&v)
	return v, err
}

// BeginSession records a new running session and returns its id.
func (s *Store) BeginSession(ctx context.Context, profile, driver string) (string, error) {
	now := time.Now()
	id := core.NewIDAt(now)
	_, err := s.db.ExecContext(ctx, `INSERT INTO sessions(id, profile, driver, started_at, status) VALUES(?,?,?,?,?)`,
		id, profile, driver, now.UnixMilli(), StatusRunning)
	if err != nil {
		return "", err
	}
	return id, nil
}

// EndSession marks a session finished. A nil cause records success.
func (s *Store) EndSession(ctx context.Context, id string, cause error) error {
	status, msg := StatusOK, ""
	if cause != nil {
		status, msg = StatusFailed, cause.Error()
	}
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET ended_at = ?, status = ?, error = ? WHERE id = ?`,
		time.Now().UnixMilli(), status, msg, id)
	return wrapRowsAffected(res, err)
}

// DeleteSession removes a session with its frames and objects.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	return wrapRowsAffected(res, err)
}

// ResolveSession maps "", "latest" or a case-insensitive id prefix to a
// session id.
func (s *Store) ResolveSession(ctx context.Context, ref string) (string, error) {
	if ref == "" || ref == "latest" {
		var id string
		err := s.db.QueryRowContext(ctx, `SELECT id FROM sessions ORDER BY id DESC LIMIT 1`).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrSessionNotFound
		}
		return id, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM sessions WHERE id LIKE ? || '%' ORDER BY id LIMIT 2`, strings.ToUpper(ref))
	if err != nil {
		return "", err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	switch len(ids) {
	case 0:
		return "", fmt.Errorf("%w: %s", ErrSessionNotFound, ref)
	case 1:
		return ids[0], nil
	default:
		return "", fmt.Errorf("%w: %s", ErrAmbiguousSession, ref)
	}
}

// RecordFrame stores one frame outside any batch.
func (s *Store) RecordFrame(ctx context.Context, f Frame) error {
	return insertFrame(ctx, s.db, f)
}

// RecordCreate stores the creation of guid under parent.
func (s *Store) RecordCreate(ctx context.Context, sessionID, parent, typ, guid string, at time.Time) error {
	return insertObject(ctx, s.db, sessionID, parent, typ, guid, at)
}

// RecordDispose stamps the disposal time on every guid.
func (s *Store) RecordDispose(ctx context.Context, sessionID string, guids []string, at time.Time) error {
	return markDisposed(ctx, s.db, sessionID, guids, at)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertFrame(ctx context.Context, db execer, f Frame) error {
	var msgID any
	if f.ID != 0 {
		msgID = int64(f.ID)
	}
	_, err := db.ExecContext(ctx, `INSERT INTO frames(session_id, seq, direction, kind, msg_id, guid, method, payload, truncated, at) VALUES(?,?,?,?,?,?,?,?,?,?)`,
		f.SessionID, f.Seq, f.Direction, f.Kind, msgID, f.GUID, f.Method, f.Payload, f.Truncated, f.At.UnixMilli())
	return err
}

func insertObject(ctx context.Context, db execer, sessionID, parent, typ, guid string, at time.Time) error {
	_, err := db.ExecContext(ctx, `INSERT OR REPLACE INTO objects(session_id, guid, parent_guid, type, created_at, disposed_at) VALUES(?,?,?,?,?,NULL)`,
		sessionID, guid, parent, typ, at.UnixMilli())
	return err
}

func markDisposed(ctx context.Context, db execer, sessionID string, guids []string, at time.Time) error {
	for _, guid := range guids {
		if _, err := db.ExecContext(ctx, `UPDATE objects SET disposed_at = ? WHERE session_id = ? AND guid = ? AND disposed_at IS NULL`,
			at.UnixMilli(), sessionID, guid); err != nil {
			return err
		}
	}
	return nil
}

// ListSessions returns the newest sessions first. limit <= 0 returns all.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.profile, s.driver, s.started_at, s.ended_at, s.status, s.error,
			(SELECT COUNT(*) FROM frames f WHERE f.session_id = s.id)
		FROM sessions s
		ORDER BY s.id DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var (
			sess    Session
			started int64
			ended   *int64
		)
		if err := rows.Scan(&sess.ID, &sess.Profile, &sess.Driver, &started, &ended, &sess.Status, &sess.Error, &sess.Frames); err != nil {
			return nil, err
		}
		sess.StartedAt = time.UnixMilli(started)
		sess.EndedAt = millisPtr(ended)
		out = append(out, sess)
	}
	return out, rows.Err()
}

// LoadFrames returns a session's frames in recording order.
func (s *Store) LoadFrames(ctx context.Context, sessionID string, filter FrameFilter) ([]Frame, error) {
	var match glob.Glob
	if filter.Method != "" {
		g, err := glob.Compile(filter.Method)
		if err != nil {
			return nil, fmt.Errorf("method pattern %q: %w", filter.Method, err)
		}
		match = g
	}

	where := []string{"session_id = ?"}
	args := []any{sessionID}
	if filter.Direction != "" {
		where = append(where, "direction = ?")
		args = append(args, filter.Direction)
	}
	if filter.GUID != "" {
		where = append(where, "guid = ?")
		args = append(args, filter.GUID)
	}
	if len(filter.Kinds) > 0 {
		where = append(where, "kind IN (?"+strings.Repeat(",?", len(filter.Kinds)-1)+")")
		for _, k := range filter.Kinds {
			args = append(args, k)
		}
	}
	query := fmt.Sprintf(`SELECT seq, direction, kind, msg_id, guid, method, payload, truncated, at FROM frames WHERE %s ORDER BY seq`,
		strings.Join(where, " AND "))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Frame
	for rows.Next() {
		var (
			f     Frame
			msgID *int64
			at    int64
		)
		if err := rows.Scan(&f.Seq, &f.Direction, &f.Kind, &msgID, &f.GUID, &f.Method, &f.Payload, &f.Truncated, &at); err != nil {
			return nil, err
		}
		if match != nil && !match.Match(f.Method) {
			continue
		}
		f.SessionID = sessionID
		if msgID != nil {
			f.ID = uint64(*msgID)
		}
		f.At = time.UnixMilli(at)
		out = append(out, f)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, rows.Err()
}

// LoadObjects returns the objects a session created, oldest first. With
// liveOnly, disposed objects are skipped.
func (s *Store) LoadObjects(ctx context.Context, sessionID string, liveOnly bool) ([]ObjectRecord, error) {
	query := `SELECT guid, parent_guid, type, created_at, disposed_at FROM objects WHERE session_id = ?`
	if liveOnly {
		query += ` AND disposed_at IS NULL`
	}
	query += ` ORDER BY created_at, rowid`
	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ObjectRecord
	for rows.Next() {
		var (
			rec      ObjectRecord
			created  int64
			disposed *int64
		)
		if err := rows.Scan(&rec.GUID, &rec.Parent, &rec.Type, &created, &disposed); err != nil {
			return nil, err
		}
		rec.CreatedAt = time.UnixMilli(created)
		rec.DisposedAt = millisPtr(disposed)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func millisPtr(v *int64) *time.Time {
	if v == nil {
		return nil
	}
	t := time.UnixMilli(*v)
	return &t
}

func wrapRowsAffected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrSessionNotFound
	}
	return nil
}
