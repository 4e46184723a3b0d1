package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/smalltalk-labs/internal/domain"
	"github.com/ashureev/smalltalk-labs/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	retry   shared.RetryConfig
	writeMu sync.Mutex // Serializes writes to keep SQLITE_BUSY rare
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string, retry shared.RetryConfig) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, retry: retry}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		token TEXT NOT NULL,
		user_id TEXT NOT NULL,
		lifecycle TEXT NOT NULL,
		transcript_json TEXT NOT NULL DEFAULT '[]',
		turn_count INTEGER NOT NULL DEFAULT 0,
		crisis_count INTEGER NOT NULL DEFAULT 0,
		pii_count INTEGER NOT NULL DEFAULT 0,
		controversial_count INTEGER NOT NULL DEFAULT 0,
		coaching_count INTEGER NOT NULL DEFAULT 0,
		moderation_block_count INTEGER NOT NULL DEFAULT 0,
		crisis_detected INTEGER NOT NULL DEFAULT 0,
		false_positive INTEGER NOT NULL DEFAULT 0,
		ended INTEGER NOT NULL DEFAULT 0,
		abandoned INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		ended_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_active ON sessions(updated_at) WHERE lifecycle = 'active';
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);

	CREATE TABLE IF NOT EXISTS moderation_blocks (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		blocked_reply TEXT NOT NULL,
		reason TEXT NOT NULL,
		fallback INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_moderation_blocks_created ON moderation_blocks(created_at);

	CREATE TABLE IF NOT EXISTS admin_roles (
		user_id TEXT PRIMARY KEY,
		granted_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// exec runs a write under the write mutex with conflict retries.
func (s *SQLiteStore) exec(ctx context.Context, op, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := shared.RetryOnConflict(ctx, s.retry, op, func() error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		var err error
		res, err = s.db.ExecContext(ctx, query, args...)
		return err
	})
	return res, err
}

// sessionWrite runs an UPDATE whose WHERE clause ends in
// "session_id = ? AND token = ?" and maps zero affected rows to
// ErrNotFound or ErrTokenMismatch.
func (s *SQLiteStore) sessionWrite(ctx context.Context, op, query, sessionID, token string, args ...any) error {
	args = append(args, sessionID, token)
	res, err := s.exec(ctx, op, query, args...)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: get rows affected: %w", op, err)
	}
	if rows > 0 {
		return nil
	}
	return s.missingSession(ctx, sessionID)
}

func (s *SQLiteStore) missingSession(ctx context.Context, sessionID string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE session_id = ?`, sessionID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check session: %w", err)
	}
	return ErrTokenMismatch
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, username, last_seen_at, created_at, updated_at
		FROM users WHERE user_id = ?`

	var user domain.User
	var lastSeen, createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&user.UserID, &user.Username, &lastSeen, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.LastSeenAt = time.Unix(lastSeen, 0)
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)
	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, username, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	_, err := s.exec(ctx, "upsert user", query,
		user.UserID, user.Username, user.LastSeenAt.Unix(),
		user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
	)
	return err
}

// UpdateLastSeen updates the last_seen_at timestamp for a user.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	query := `UPDATE users SET last_seen_at = ?, updated_at = ? WHERE user_id = ?`
	result, err := s.exec(ctx, "update last_seen", query, lastSeen.Unix(), time.Now().Unix(), userID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateLastSeen affected 0 rows", "user_id", userID)
	}
	return nil
}

// CreateSession inserts a new session record.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.Session) error {
	transcript, err := json.Marshal(transcriptOrEmpty(session.Transcript))
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}
	query := `
	INSERT INTO sessions (session_id, token, user_id, lifecycle, transcript_json, turn_count, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.exec(ctx, "create session", query,
		session.ID, session.Token, session.UserID, string(session.Lifecycle),
		string(transcript), session.TurnCount,
		session.CreatedAt.Unix(), session.UpdatedAt.Unix(),
	)
	return err
}

const sessionColumns = `
	session_id, token, user_id, lifecycle, transcript_json, turn_count,
	crisis_count, pii_count, controversial_count, coaching_count, moderation_block_count,
	crisis_detected, false_positive, ended, abandoned, created_at, updated_at, ended_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var sess domain.Session
	var lifecycle, transcriptJSON string
	var createdAt, updatedAt int64
	var endedAt sql.NullInt64

	err := row.Scan(
		&sess.ID, &sess.Token, &sess.UserID, &lifecycle, &transcriptJSON, &sess.TurnCount,
		&sess.Counts.Crisis, &sess.Counts.PII, &sess.Counts.Controversial,
		&sess.Counts.Coaching, &sess.Counts.ModerationBlocks,
		&sess.CrisisDetected, &sess.FalsePositive, &sess.Ended, &sess.Abandoned,
		&createdAt, &updatedAt, &endedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(transcriptJSON), &sess.Transcript); err != nil {
		return nil, fmt.Errorf("decode transcript: %w", err)
	}
	sess.Lifecycle = domain.Lifecycle(lifecycle)
	sess.CreatedAt = time.Unix(createdAt, 0)
	sess.UpdatedAt = time.Unix(updatedAt, 0)
	if endedAt.Valid {
		ts := time.Unix(endedAt.Int64, 0)
		sess.EndedAt = &ts
	}
	return &sess, nil
}

// GetSession retrieves a session, verifying token.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID, token string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	if sess.Token != token {
		return nil, ErrTokenMismatch
	}
	return sess, nil
}

// UpdateTranscript replaces the transcript and turn count.
func (s *SQLiteStore) UpdateTranscript(ctx context.Context, sessionID, token string, transcript []domain.Turn, turnCount int) error {
	data, err := json.Marshal(transcriptOrEmpty(transcript))
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}
	query := `UPDATE sessions SET transcript_json = ?, turn_count = ?, updated_at = ?
		WHERE session_id = ? AND token = ?`
	return s.sessionWrite(ctx, "update transcript", query, sessionID, token,
		string(data), turnCount, time.Now().Unix())
}

// UpdateCounts replaces the per-session aggregate counters.
func (s *SQLiteStore) UpdateCounts(ctx context.Context, sessionID, token string, c domain.SessionCounts) error {
	query := `UPDATE sessions SET crisis_count = ?, pii_count = ?, controversial_count = ?,
		coaching_count = ?, moderation_block_count = ?, updated_at = ?
		WHERE session_id = ? AND token = ?`
	return s.sessionWrite(ctx, "update counts", query, sessionID, token,
		c.Crisis, c.PII, c.Controversial, c.Coaching, c.ModerationBlocks, time.Now().Unix())
}

// UpdateStatus writes lifecycle and crisis flags.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, sessionID, token string, st Status) error {
	var endedAt any
	if st.EndedAt != nil {
		endedAt = st.EndedAt.Unix()
	}
	query := `UPDATE sessions SET lifecycle = ?, crisis_detected = ?, false_positive = ?,
		ended = ?, ended_at = COALESCE(?, ended_at), updated_at = ?
		WHERE session_id = ? AND token = ?`
	return s.sessionWrite(ctx, "update status", query, sessionID, token,
		string(st.Lifecycle), st.CrisisDetected, st.FalsePositive, st.Ended, endedAt, time.Now().Unix())
}

// MarkAbandoned ends a still-active session as abandoned.
func (s *SQLiteStore) MarkAbandoned(ctx context.Context, sessionID, token string) (bool, error) {
	now := time.Now().Unix()
	query := `UPDATE sessions SET lifecycle = ?, ended = 1, abandoned = 1, ended_at = ?, updated_at = ?
		WHERE lifecycle = ? AND session_id = ? AND token = ?`
	res, err := s.exec(ctx, "mark abandoned", query,
		string(domain.LifecycleEnded), now, now, string(domain.LifecycleActive), sessionID, token)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark abandoned: get rows affected: %w", err)
	}
	return rows > 0, nil
}

// ListIdleSessions returns active sessions not updated within idle.
func (s *SQLiteStore) ListIdleSessions(ctx context.Context, idle time.Duration) ([]*domain.Session, error) {
	threshold := time.Now().Add(-idle).Unix()
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE lifecycle = ? AND updated_at < ?`,
		string(domain.LifecycleActive), threshold)
	if err != nil {
		return nil, fmt.Errorf("query idle sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close idle sessions rows", "error", closeErr)
		}
	}()

	var sessions []*domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan idle session row: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate idle sessions: %w", err)
	}
	return sessions, nil
}

// InsertModerationBlock logs a withheld agent reply for human review.
func (s *SQLiteStore) InsertModerationBlock(ctx context.Context, token string, b *domain.ModerationBlock) error {
	if _, err := s.GetSession(ctx, b.SessionID, token); err != nil {
		return err
	}
	query := `INSERT INTO moderation_blocks (id, session_id, blocked_reply, reason, fallback, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.exec(ctx, "insert moderation block", query,
		b.ID, b.SessionID, b.BlockedReply, b.Reason, b.Fallback, b.CreatedAt.Unix())
	return err
}

// ListModerationBlocks returns the most recent blocks, newest first.
func (s *SQLiteStore) ListModerationBlocks(ctx context.Context, limit int) ([]*domain.ModerationBlock, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, blocked_reply, reason, fallback, created_at
		FROM moderation_blocks ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query moderation blocks: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close moderation block rows", "error", closeErr)
		}
	}()

	var blocks []*domain.ModerationBlock
	for rows.Next() {
		var b domain.ModerationBlock
		var createdAt int64
		if err := rows.Scan(&b.ID, &b.SessionID, &b.BlockedReply, &b.Reason, &b.Fallback, &createdAt); err != nil {
			return nil, fmt.Errorf("scan moderation block: %w", err)
		}
		b.CreatedAt = time.Unix(createdAt, 0)
		blocks = append(blocks, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate moderation blocks: %w", err)
	}
	return blocks, nil
}

// IsAdmin reports whether userID holds the admin role.
func (s *SQLiteStore) IsAdmin(ctx context.Context, userID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM admin_roles WHERE user_id = ?`, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query admin role: %w", err)
	}
	return true, nil
}

// GrantAdmin gives userID the admin role.
func (s *SQLiteStore) GrantAdmin(ctx context.Context, userID string) error {
	_, err := s.exec(ctx, "grant admin",
		`INSERT INTO admin_roles (user_id, granted_at) VALUES (?, ?) ON CONFLICT(user_id) DO NOTHING`,
		userID, time.Now().Unix())
	return err
}

func transcriptOrEmpty(t []domain.Turn) []domain.Turn {
	if t == nil {
		return []domain.Turn{}
	}
	return t
}
