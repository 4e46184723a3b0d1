package domain

import (
	"time"
)

// Role is the author of a turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Turn is one immutable entry in a session's append-only transcript.
type Turn struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CoachTip  string    `json:"coach_tip,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionCounts are the per-session aggregate counters kept for review.
type SessionCounts struct {
	Crisis           int `json:"crisis"`
	PII              int `json:"pii"`
	Controversial    int `json:"controversial"`
	Coaching         int `json:"coaching"`
	ModerationBlocks int `json:"moderation_blocks"`
}

// Session is the persisted record of one practice conversation.
type Session struct {
	ID             string        `json:"session_id"`
	Token          string        `json:"-"`
	UserID         string        `json:"user_id"`
	Lifecycle      Lifecycle     `json:"lifecycle"`
	Transcript     []Turn        `json:"transcript"`
	TurnCount      int           `json:"turn_count"`
	Counts         SessionCounts `json:"counts"`
	CrisisDetected bool          `json:"crisis_detected"`
	FalsePositive  bool          `json:"false_positive"`
	Ended          bool          `json:"ended"`
	Abandoned      bool          `json:"abandoned"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	EndedAt        *time.Time    `json:"ended_at,omitempty"`
}

// UserTurns returns the user-authored turns in order.
func (s *Session) UserTurns() []Turn {
	var out []Turn
	for _, t := range s.Transcript {
		if t.Role == RoleUser {
			out = append(out, t)
		}
	}
	return out
}

// ModerationBlock records an agent reply that was withheld from the user.
type ModerationBlock struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	BlockedReply string    `json:"blocked_reply"`
	Reason       string    `json:"reason"`
	Fallback     bool      `json:"fallback"`
	CreatedAt    time.Time `json:"created_at"`
}
