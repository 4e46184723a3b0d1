package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/smalltalk-labs/internal/domain"
	"github.com/ashureev/smalltalk-labs/internal/llm"
	"github.com/ashureev/smalltalk-labs/internal/triage"
)

// DefaultCrisisTimeout bounds one crisis classification call.
const DefaultCrisisTimeout = 10 * time.Second

// VerdictSeverity is the coarse output of the crisis context classifier.
type VerdictSeverity string

const (
	VerdictCrisis   VerdictSeverity = "crisis"
	VerdictCoaching VerdictSeverity = "coaching"
	VerdictSafe     VerdictSeverity = "safe"
)

// Valid reports whether s is one of the three verdicts.
func (s VerdictSeverity) Valid() bool {
	return s == VerdictCrisis || s == VerdictCoaching || s == VerdictSafe
}

// Verdict is produced once per qualifying message and never reused.
type Verdict struct {
	Severity VerdictSeverity `json:"severity"`
	Reason   string          `json:"reason"`
	// Fallback is set when the verdict is the fail-safe default rather than a model answer.
	Fallback bool `json:"fallback,omitempty"`
}

// CrisisInput is what the classifier sees for one flagged message.
type CrisisInput struct {
	History               []domain.Turn
	Message               string
	Severity              triage.Severity
	Keywords              []string
	Tier                  triage.DistressTier
	Level                 triage.DistressLevel
	AccumulatedTier2Count int
}

// ShouldClassify is the pre-screen gate: explicit crisis severity, or any
// distress signal at all, sends the message to the contextual classifier.
func ShouldClassify(sev triage.Severity, distress triage.DistressAssessment) bool {
	return sev == triage.SeverityCrisis || distress.Signal()
}

// CrisisOptions configures a CrisisClassifier.
type CrisisOptions struct {
	Model        string
	Timeout      time.Duration
	ContextTurns int
	Logger       *slog.Logger
}

// CrisisClassifier delegates the personal-vs-academic and first-vs-repeated
// judgement to a language model.
type CrisisClassifier struct {
	client       llm.Client
	model        string
	timeout      time.Duration
	contextTurns int
	logger       *slog.Logger
}

// NewCrisisClassifier creates a classifier. A nil client is allowed and makes
// every call fail safe to crisis.
func NewCrisisClassifier(client llm.Client, opts CrisisOptions) *CrisisClassifier {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultCrisisTimeout
	}
	if opts.ContextTurns <= 0 {
		opts.ContextTurns = triage.DefaultTuning().ContextTurns
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &CrisisClassifier{
		client:       client,
		model:        opts.Model,
		timeout:      opts.Timeout,
		contextTurns: opts.ContextTurns,
		logger:       opts.Logger,
	}
}

type crisisPayload struct {
	RecentTurns           []payloadTurn `json:"recent_turns"`
	LatestMessage         string        `json:"latest_user_message"`
	MatchedKeywords       []string      `json:"matched_keywords"`
	KeywordSeverity       string        `json:"keyword_severity"`
	DistressTier          string        `json:"distress_tier"`
	DistressLevel         string        `json:"distress_level"`
	AccumulatedTier2Count int           `json:"accumulated_tier2_count"`
}

type payloadTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func recentTurns(history []domain.Turn, n int) []payloadTurn {
	if len(history) > n {
		history = history[len(history)-n:]
	}
	out := make([]payloadTurn, 0, len(history))
	for _, t := range history {
		out = append(out, payloadTurn{Role: string(t.Role), Content: t.Content})
	}
	return out
}

// Classify returns the contextual verdict. It never returns an error: any
// transport failure, timeout, non-success status or malformed answer yields
// a crisis verdict with Fallback set.
func (c *CrisisClassifier) Classify(ctx context.Context, in CrisisInput) Verdict {
	if c.client == nil {
		return c.failSafe(fmt.Errorf("no classifier configured"))
	}

	payload, err := json.Marshal(crisisPayload{
		RecentTurns:           recentTurns(in.History, c.contextTurns),
		LatestMessage:         in.Message,
		MatchedKeywords:       in.Keywords,
		KeywordSeverity:       in.Severity.String(),
		DistressTier:          in.Tier.String(),
		DistressLevel:         in.Level.String(),
		AccumulatedTier2Count: in.AccumulatedTier2Count,
	})
	if err != nil {
		return c.failSafe(fmt.Errorf("marshal payload: %w", err))
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, err := c.client.Complete(callCtx, &llm.Request{
		Model:       c.model,
		System:      crisisSystemPrompt,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: string(payload)}},
		MaxTokens:   200,
		Temperature: 0,
		JSON:        true,
	})
	if err != nil {
		return c.failSafe(fmt.Errorf("%s: %w", c.client.Name(), err))
	}

	v, err := ParseVerdict(raw)
	if err != nil {
		return c.failSafe(err)
	}
	c.logger.Info("Crisis classifier verdict", "severity", v.Severity, "reason", v.Reason)
	return v
}

func (c *CrisisClassifier) failSafe(err error) Verdict {
	c.logger.Warn("Crisis classifier failed, defaulting to crisis", "error", err)
	return Verdict{
		Severity: VerdictCrisis,
		Reason:   "classifier_failure: " + err.Error(),
		Fallback: true,
	}
}
