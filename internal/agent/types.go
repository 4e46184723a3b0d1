// Package agent implements the turn orchestrator of the small-talk practice
// partner: it runs every user message through the safety and coaching triage
// pipeline, generates and moderates the partner's reply, and persists the
// outcome.
package agent

import (
	"errors"

	"github.com/ashureev/smalltalk-labs/internal/coach"
	"github.com/ashureev/smalltalk-labs/internal/domain"
)

var (
	// ErrSessionNotFound is returned for an unknown session id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrInvalidToken is returned when the session token does not match.
	ErrInvalidToken = errors.New("invalid session token")
	// ErrTurnInFlight is returned when a turn arrives while another is being processed.
	ErrTurnInFlight = errors.New("a turn is already in flight for this session")
	// ErrSessionClosed is returned when the session no longer accepts input.
	ErrSessionClosed = errors.New("session does not accept input")
	// ErrStaleTurn is returned when the session was ended or restarted while
	// the turn was in flight; its result was discarded.
	ErrStaleTurn = errors.New("session changed while turn was in flight")
	// ErrEmptyMessage is returned for a blank user message.
	ErrEmptyMessage = errors.New("message is required")
	// ErrInvalidChoice is returned for an unknown crisis choice.
	ErrInvalidChoice = errors.New("invalid crisis choice")
)

// GeneratorUnavailableReply is shown when the reply service fails. It is not a
// moderation block and the conversation continues.
const GeneratorUnavailableReply = "Sorry, I lost my train of thought for a second. Could you say that again?"

// Outcome is how a user turn resolved.
type Outcome string

const (
	// OutcomeReply means the partner replied and the conversation continues.
	OutcomeReply Outcome = "reply"
	// OutcomeCrisis means the session entered crisis intervention; no reply was generated.
	OutcomeCrisis Outcome = "crisis_intervention"
)

// TurnRequest is the body of a turn submission.
type TurnRequest struct {
	Message string `json:"message"`
}

// TurnResult is what the client renders after one user turn.
type TurnResult struct {
	SessionID string           `json:"session_id"`
	Outcome   Outcome          `json:"outcome"`
	Lifecycle domain.Lifecycle `json:"lifecycle"`
	UserTurn  domain.Turn      `json:"user_turn"`
	AgentTurn *domain.Turn     `json:"agent_turn,omitempty"`
	Tip       *coach.Tip       `json:"tip,omitempty"`
	Severity  string           `json:"severity"`
	// Blocked is set when the moderator replaced the partner's reply.
	Blocked bool `json:"blocked,omitempty"`
	// GeneratorUnavailable is set when the reply service failed.
	GeneratorUnavailable bool                  `json:"generator_unavailable,omitempty"`
	CrisisChoices        []domain.CrisisChoice `json:"crisis_choices,omitempty"`
	Support              *SupportInfo          `json:"support,omitempty"`
}

// SessionView is returned when a session is created or restarted. The token
// is shown only here.
type SessionView struct {
	SessionID string           `json:"session_id"`
	Token     string           `json:"token"`
	Lifecycle domain.Lifecycle `json:"lifecycle"`
}

// CrisisResolution is the result of a crisis modal choice.
type CrisisResolution struct {
	Choice    domain.CrisisChoice `json:"choice"`
	Lifecycle domain.Lifecycle    `json:"lifecycle"`
	Message   string              `json:"message"`
	Support   *SupportInfo        `json:"support,omitempty"`
	// NewSession is set for choices that start over with a fresh identity.
	NewSession *SessionView `json:"new_session,omitempty"`
}

// CrisisChoiceRequest is the body of a crisis modal submission.
type CrisisChoiceRequest struct {
	Choice string `json:"choice"`
}
