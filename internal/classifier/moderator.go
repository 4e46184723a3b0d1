package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/smalltalk-labs/internal/domain"
	"github.com/ashureev/smalltalk-labs/internal/llm"
)

// DefaultModerationTimeout bounds one moderation call.
const DefaultModerationTimeout = 15 * time.Second

// FallbackReply replaces any agent reply the moderator does not approve.
const FallbackReply = "Let's keep things light. What's something fun you've been up to lately?"

// Decision is the moderator's ruling on one candidate reply.
type Decision struct {
	Safe bool
	// Shown is the text the user sees: the original when safe, FallbackReply otherwise.
	Shown    string
	Original string
	Reason   string
	// Fallback is set when the decision came from a failed call rather than a model answer.
	Fallback bool
}

// ModeratorOptions configures a Moderator.
type ModeratorOptions struct {
	Model        string
	Timeout      time.Duration
	ContextTurns int
	Logger       *slog.Logger
}

// Moderator screens the agent's own replies before display.
type Moderator struct {
	client       llm.Client
	model        string
	timeout      time.Duration
	contextTurns int
	logger       *slog.Logger
}

// NewModerator creates a moderator. A nil client blocks every reply.
func NewModerator(client llm.Client, opts ModeratorOptions) *Moderator {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultModerationTimeout
	}
	if opts.ContextTurns <= 0 {
		opts.ContextTurns = 5
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Moderator{
		client:       client,
		model:        opts.Model,
		timeout:      opts.Timeout,
		contextTurns: opts.ContextTurns,
		logger:       opts.Logger,
	}
}

type moderationPayload struct {
	RecentTurns    []payloadTurn `json:"recent_turns"`
	CandidateReply string        `json:"candidate_reply"`
}

// Review decides whether reply may be shown. Any failure blocks the reply.
func (m *Moderator) Review(ctx context.Context, reply string, history []domain.Turn) Decision {
	if m.client == nil {
		return m.block(reply, "moderation_failure: no moderator configured", true)
	}

	payload, err := json.Marshal(moderationPayload{
		RecentTurns:    recentTurns(history, m.contextTurns),
		CandidateReply: reply,
	})
	if err != nil {
		return m.block(reply, fmt.Sprintf("moderation_failure: marshal payload: %v", err), true)
	}

	callCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	raw, err := m.client.Complete(callCtx, &llm.Request{
		Model:       m.model,
		System:      moderationSystemPrompt,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: string(payload)}},
		MaxTokens:   120,
		Temperature: 0,
		JSON:        true,
	})
	if err != nil {
		return m.block(reply, fmt.Sprintf("moderation_failure: %s: %v", m.client.Name(), err), true)
	}

	safe, reason, err := ParseModeration(raw)
	if err != nil {
		return m.block(reply, "moderation_failure: "+err.Error(), true)
	}
	if !safe {
		if reason == "" {
			reason = "unspecified"
		}
		return m.block(reply, reason, false)
	}
	return Decision{Safe: true, Shown: reply, Original: reply, Reason: reason}
}

func (m *Moderator) block(reply, reason string, fallback bool) Decision {
	m.logger.Warn("Agent reply blocked by moderation",
		"reason", reason,
		"fallback", fallback,
		"blocked_reply", reply,
	)
	return Decision{
		Safe:     false,
		Shown:    FallbackReply,
		Original: reply,
		Reason:   reason,
		Fallback: fallback,
	}
}
