// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/smalltalk-labs/internal/domain"
)

var (
	// ErrNotFound is returned when a session does not exist.
	ErrNotFound = errors.New("not found")
	// ErrTokenMismatch is returned when a session exists but the token does not match.
	ErrTokenMismatch = errors.New("session token mismatch")
)

// Status is the lifecycle portion of a session record.
type Status struct {
	Lifecycle      domain.Lifecycle
	CrisisDetected bool
	FalsePositive  bool
	Ended          bool
	EndedAt        *time.Time
}

// Repository defines the interface for persisting users, sessions and the
// moderation review log. Every session write is checked against the
// session's secret token.
type Repository interface {
	// GetUser retrieves a user by their user ID. It returns nil, nil if absent.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// CreateSession inserts a new session record.
	CreateSession(ctx context.Context, session *domain.Session) error

	// GetSession retrieves a session, verifying token.
	GetSession(ctx context.Context, sessionID, token string) (*domain.Session, error)

	// UpdateTranscript replaces the transcript and turn count.
	UpdateTranscript(ctx context.Context, sessionID, token string, transcript []domain.Turn, turnCount int) error

	// UpdateCounts replaces the per-session aggregate counters.
	UpdateCounts(ctx context.Context, sessionID, token string, counts domain.SessionCounts) error

	// UpdateStatus writes lifecycle and crisis flags.
	UpdateStatus(ctx context.Context, sessionID, token string, status Status) error

	// MarkAbandoned ends a still-active session as abandoned. It is a no-op
	// if the session has already left the active state.
	MarkAbandoned(ctx context.Context, sessionID, token string) (bool, error)

	// ListIdleSessions returns active sessions not updated within idle.
	ListIdleSessions(ctx context.Context, idle time.Duration) ([]*domain.Session, error)

	// InsertModerationBlock logs a withheld agent reply for human review.
	InsertModerationBlock(ctx context.Context, token string, block *domain.ModerationBlock) error

	// ListModerationBlocks returns the most recent blocks, newest first.
	ListModerationBlocks(ctx context.Context, limit int) ([]*domain.ModerationBlock, error)

	// IsAdmin reports whether userID holds the admin role.
	IsAdmin(ctx context.Context, userID string) (bool, error)

	// GrantAdmin gives userID the admin role.
	GrantAdmin(ctx context.Context, userID string) error

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
