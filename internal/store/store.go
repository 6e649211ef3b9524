// Package store provides persistent storage for attendance sessions and the
// audit sinks (activity log, incident reports) backed by SQLite.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/shiftwatch/shiftwatch/internal/session"
)

// Store provides persistent storage for sessions, away events, activity log
// entries and incident reports.
type Store struct {
	db *sql.DB
}

// New creates a new store at the given SQLite path.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := s.initWorkerSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// initSchema creates the database tables
func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		worker_id TEXT NOT NULL,
		status TEXT NOT NULL,
		check_in_ms INTEGER NOT NULL,
		check_out_ms INTEGER,
		total_online_seconds INTEGER DEFAULT 0,
		total_away_seconds INTEGER DEFAULT 0,
		captcha_attempts INTEGER DEFAULT 0,
		captcha_success_streak INTEGER DEFAULT 0,
		face_verification_count INTEGER DEFAULT 0,
		last_activity_ms INTEGER DEFAULT 0,
		last_challenge_ms INTEGER DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_worker ON sessions(worker_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_open
		ON sessions(worker_id) WHERE status != 'offline';

	CREATE TABLE IF NOT EXISTS away_events (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		start_ms INTEGER NOT NULL,
		end_ms INTEGER,
		duration_seconds INTEGER DEFAULT 0,
		reason_kind TEXT NOT NULL,
		reason_text TEXT,
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE INDEX IF NOT EXISTS idx_away_events_session ON away_events(session_id);

	CREATE TABLE IF NOT EXISTS activity_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		worker_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		description TEXT,
		metadata TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_activity_log_worker ON activity_log(worker_id);
	CREATE INDEX IF NOT EXISTS idx_activity_log_created ON activity_log(created_at);

	CREATE TABLE IF NOT EXISTS incidents (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		worker_id TEXT NOT NULL,
		incident_type TEXT NOT NULL,
		attempts INTEGER DEFAULT 0,
		frame_ref TEXT,
		description TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_incidents_worker ON incidents(worker_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Save upserts a session and its away events in one transaction. The partial
// unique index on open sessions rejects a second concurrent open session for
// the same worker at the database level.
func (s *Store) Save(sess *session.Session) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(
		`INSERT INTO sessions (id, worker_id, status, check_in_ms, check_out_ms,
			total_online_seconds, total_away_seconds, captcha_attempts,
			captcha_success_streak, face_verification_count, last_activity_ms, last_challenge_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			check_out_ms = excluded.check_out_ms,
			total_online_seconds = excluded.total_online_seconds,
			total_away_seconds = excluded.total_away_seconds,
			captcha_attempts = excluded.captcha_attempts,
			captcha_success_streak = excluded.captcha_success_streak,
			face_verification_count = excluded.face_verification_count,
			last_activity_ms = excluded.last_activity_ms,
			last_challenge_ms = excluded.last_challenge_ms`,
		sess.ID, sess.WorkerID, string(sess.Status),
		toMillis(sess.CheckInTime), toMillisPtr(sess.CheckOutTime),
		sess.TotalOnlineSeconds, sess.TotalAwaySeconds,
		sess.CaptchaAttempts, sess.CaptchaSuccessStreak, sess.FaceVerificationCount,
		toMillis(sess.LastActivityTime), toMillis(sess.LastChallengeTime),
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	for _, ev := range sess.AwayEvents {
		_, err = tx.Exec(
			`INSERT INTO away_events (id, session_id, start_ms, end_ms, duration_seconds, reason_kind, reason_text)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
				end_ms = excluded.end_ms,
				duration_seconds = excluded.duration_seconds`,
			ev.ID, sess.ID, toMillis(ev.StartTime), toMillisPtr(ev.EndTime),
			ev.DurationSeconds, string(ev.Reason.Kind), ev.Reason.Text,
		)
		if err != nil {
			return fmt.Errorf("failed to save away event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit session: %w", err)
	}
	return nil
}

// LoadActive returns the worker's open (non-offline) session, or nil when
// the worker is checked out.
func (s *Store) LoadActive(workerID string) (*session.Session, error) {
	row := s.db.QueryRow(
		`SELECT id, worker_id, status, check_in_ms, check_out_ms,
			total_online_seconds, total_away_seconds, captcha_attempts,
			captcha_success_streak, face_verification_count, last_activity_ms, last_challenge_ms
		 FROM sessions WHERE worker_id = ? AND status != 'offline'`,
		workerID,
	)

	sess, err := scanSession(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	if err := s.loadAwayEvents(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Load returns a session by id regardless of status.
func (s *Store) Load(id string) (*session.Session, error) {
	row := s.db.QueryRow(
		`SELECT id, worker_id, status, check_in_ms, check_out_ms,
			total_online_seconds, total_away_seconds, captcha_attempts,
			captcha_success_streak, face_verification_count, last_activity_ms, last_challenge_ms
		 FROM sessions WHERE id = ?`,
		id,
	)

	sess, err := scanSession(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("session not found: %s", id)
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	if err := s.loadAwayEvents(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *Store) loadAwayEvents(sess *session.Session) error {
	rows, err := s.db.Query(
		`SELECT id, start_ms, end_ms, duration_seconds, reason_kind, reason_text
		 FROM away_events WHERE session_id = ? ORDER BY start_ms`,
		sess.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to load away events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var ev session.AwayEvent
		var startMs int64
		var endMs sql.NullInt64
		var kind string
		var text sql.NullString

		if err := rows.Scan(&ev.ID, &startMs, &endMs, &ev.DurationSeconds, &kind, &text); err != nil {
			return fmt.Errorf("failed to scan away event: %w", err)
		}

		ev.StartTime = fromMillis(startMs)
		if endMs.Valid {
			end := fromMillis(endMs.Int64)
			ev.EndTime = &end
		}
		ev.Reason = normalizeAwayReason(kind, text.String)

		sess.AwayEvents = append(sess.AwayEvents, ev)
	}

	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*session.Session, error) {
	var sess session.Session
	var status string
	var checkInMs, lastActivityMs, lastChallengeMs int64
	var checkOutMs sql.NullInt64

	err := row.Scan(
		&sess.ID, &sess.WorkerID, &status, &checkInMs, &checkOutMs,
		&sess.TotalOnlineSeconds, &sess.TotalAwaySeconds,
		&sess.CaptchaAttempts, &sess.CaptchaSuccessStreak, &sess.FaceVerificationCount,
		&lastActivityMs, &lastChallengeMs,
	)
	if err != nil {
		return nil, err
	}

	sess.Status = session.Status(status)
	sess.CheckInTime = fromMillis(checkInMs)
	if checkOutMs.Valid {
		end := fromMillis(checkOutMs.Int64)
		sess.CheckOutTime = &end
	}
	sess.LastActivityTime = fromMillis(lastActivityMs)
	sess.LastChallengeTime = fromMillis(lastChallengeMs)

	return &sess, nil
}

// RecordActivity appends an activity log entry. Implements the engine's
// ActivityLog port.
func (s *Store) RecordActivity(workerID, eventType, description string, metadata map[string]string) error {
	var meta []byte
	if len(metadata) > 0 {
		var err error
		meta, err = json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("failed to serialize metadata: %w", err)
		}
	}

	_, err := s.db.Exec(
		`INSERT INTO activity_log (worker_id, event_type, description, metadata) VALUES (?, ?, ?, ?)`,
		workerID, eventType, description, string(meta),
	)
	if err != nil {
		return fmt.Errorf("failed to record activity: %w", err)
	}
	return nil
}

// RecordIncident appends an incident report. Implements the engine's
// IncidentReporter port.
func (s *Store) RecordIncident(workerID, incidentType string, attempts int, frameRef, description string) error {
	_, err := s.db.Exec(
		`INSERT INTO incidents (worker_id, incident_type, attempts, frame_ref, description) VALUES (?, ?, ?, ?, ?)`,
		workerID, incidentType, attempts, frameRef, description,
	)
	if err != nil {
		return fmt.Errorf("failed to record incident: %w", err)
	}
	return nil
}

// ActivityEntry is one audit log row.
type ActivityEntry struct {
	ID          int64             `json:"id"`
	WorkerID    string            `json:"worker_id"`
	EventType   string            `json:"event_type"`
	Description string            `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// ActivityHistory returns recent activity entries for a worker.
func (s *Store) ActivityHistory(workerID string, limit int) ([]ActivityEntry, error) {
	rows, err := s.db.Query(
		`SELECT id, worker_id, event_type, description, metadata, created_at
		 FROM activity_log WHERE worker_id = ? ORDER BY created_at DESC LIMIT ?`,
		workerID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get activity history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []ActivityEntry
	for rows.Next() {
		var e ActivityEntry
		var description, metadata sql.NullString

		if err := rows.Scan(&e.ID, &e.WorkerID, &e.EventType, &description, &metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan activity entry: %w", err)
		}

		e.Description = description.String
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
				return nil, fmt.Errorf("failed to deserialize metadata: %w", err)
			}
		}

		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// Incident is one incident report row.
type Incident struct {
	ID           int64     `json:"id"`
	WorkerID     string    `json:"worker_id"`
	IncidentType string    `json:"incident_type"`
	Attempts     int       `json:"attempts"`
	FrameRef     string    `json:"frame_ref,omitempty"`
	Description  string    `json:"description,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Incidents returns recent incident reports for a worker.
func (s *Store) Incidents(workerID string, limit int) ([]Incident, error) {
	rows, err := s.db.Query(
		`SELECT id, worker_id, incident_type, attempts, frame_ref, description, created_at
		 FROM incidents WHERE worker_id = ? ORDER BY created_at DESC LIMIT ?`,
		workerID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get incidents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var incidents []Incident
	for rows.Next() {
		var inc Incident
		var frameRef, description sql.NullString

		if err := rows.Scan(&inc.ID, &inc.WorkerID, &inc.IncidentType, &inc.Attempts,
			&frameRef, &description, &inc.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}

		inc.FrameRef = frameRef.String
		inc.Description = description.String
		incidents = append(incidents, inc)
	}

	return incidents, rows.Err()
}

// normalizeAwayReason maps legacy reason aliases written by older clients to
// the canonical kinds. Alias tolerance lives here at the store boundary, not
// in the engine.
func normalizeAwayReason(kind, text string) session.AwayReason {
	switch kind {
	case "meeting", "call":
		return session.AwayReason{Kind: session.AwayMeeting}
	case "restroom", "wc", "bathroom":
		return session.AwayReason{Kind: session.AwayRestroom}
	case "other":
		return session.AwayReason{Kind: session.AwayOther, Text: text}
	default:
		return session.AwayReason{Kind: session.AwayOther, Text: kind}
	}
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func toMillisPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
