// Package coach produces at most one short coaching tip per user turn from a
// prioritized, declarative rule ladder with suppression and rate limiting.
package coach

import (
	"github.com/ashureev/smalltalk-labs/internal/domain"
	"github.com/ashureev/smalltalk-labs/internal/triage"
)

// Category is the ladder rung a rule belongs to, highest priority first.
type Category string

const (
	CategorySafety   Category = "safety"
	CategoryCritical Category = "critical"
	CategoryFlow     Category = "flow"
	CategorySkill    Category = "skill"
)

// Tip is a generated advisory.
type Tip struct {
	Rule     string   `json:"rule"`
	Category Category `json:"category"`
	Text     string   `json:"text"`
}

// Suppression names why non-safety tips were withheld for a turn.
type Suppression string

const (
	SuppressNone       Suppression = ""
	SuppressCooldown   Suppression = "cooldown"
	SuppressLimit      Suppression = "tip_limit"
	SuppressSpacing    Suppression = "spacing"
	SuppressDistress   Suppression = "recent_distress"
	SuppressTrajectory Suppression = "descending_trajectory"
)

// Input is everything the generator looks at for one user turn.
type Input struct {
	// Message is the raw current user message.
	Message string
	// Triggers are the detector matches for Message.
	Triggers []triage.Trigger
	// CoachingVerdict is set when the crisis classifier answered coaching.
	CoachingVerdict bool
	// History is the transcript before Message.
	History []domain.Turn
	// State is the session triage state before this turn completes.
	State triage.SessionState
}

// Generator evaluates the ladder.
type Generator struct {
	tuning triage.Tuning
	ladder []Rule
}

// NewGenerator returns a generator using the given thresholds.
func NewGenerator(tuning triage.Tuning) *Generator {
	return &Generator{tuning: tuning, ladder: Ladder()}
}

// Next returns the tip for this turn, if any, and the suppression that
// applied to non-safety rules. Safety rules are never suppressed.
func (g *Generator) Next(in Input) (Tip, Suppression, bool) {
	c := newTurnContext(in, g.tuning)
	suppressed := g.suppression(c)

	for _, r := range g.ladder {
		if r.Category != CategorySafety && suppressed != SuppressNone {
			continue
		}
		if r.When(c) {
			return Tip{Rule: r.Name, Category: r.Category, Text: r.Text}, suppressed, true
		}
	}
	return Tip{}, suppressed, false
}

// suppression applies the pre-ladder rules in order. Distress is checked
// first because it overrides everything else.
func (g *Generator) suppression(c *turnContext) Suppression {
	hits := c.distressHits()
	window := g.tuning.RecentDistressWindow
	if window > len(hits) {
		window = len(hits)
	}
	for _, hit := range hits[len(hits)-window:] {
		if hit {
			return SuppressDistress
		}
	}

	traj := g.tuning.TrajectoryWindow
	if traj > len(hits) {
		traj = len(hits)
	}
	count := 0
	for _, hit := range hits[len(hits)-traj:] {
		if hit {
			count++
		}
	}
	if g.tuning.TrajectoryHits > 0 && count >= g.tuning.TrajectoryHits {
		return SuppressTrajectory
	}

	switch {
	case c.state.TipCooldown:
		return SuppressCooldown
	case c.state.TipsShown >= g.tuning.MaxTipsPerSession:
		return SuppressLimit
	case c.state.TipWithin(g.tuning.TipSpacingTurns):
		return SuppressSpacing
	}
	return SuppressNone
}

// turnContext is the precomputed view rules evaluate against. Text fields
// are normalized.
type turnContext struct {
	message         string
	words           []string
	kinds           map[triage.Severity]bool
	currentDistress bool
	coachingVerdict bool
	lastAgent       string
	agentTurns      []string
	priorUser       []string
	turn            int
	state           triage.SessionState
	tuning          triage.Tuning
}

func newTurnContext(in Input, tuning triage.Tuning) *turnContext {
	c := &turnContext{
		message:         triage.Normalize(in.Message),
		kinds:           triage.Kinds(in.Triggers),
		currentDistress: triage.HasDistress(in.Triggers),
		coachingVerdict: in.CoachingVerdict,
		turn:            in.State.CurrentTurn(),
		state:           in.State,
		tuning:          tuning,
	}
	c.words = words(c.message)
	for _, t := range in.History {
		text := triage.Normalize(t.Content)
		switch t.Role {
		case domain.RoleUser:
			c.priorUser = append(c.priorUser, text)
		case domain.RoleAgent:
			c.agentTurns = append(c.agentTurns, text)
			c.lastAgent = text
		}
	}
	return c
}

// userMessages returns prior user messages followed by the current one.
func (c *turnContext) userMessages() []string {
	out := make([]string, 0, len(c.priorUser)+1)
	out = append(out, c.priorUser...)
	return append(out, c.message)
}

// distressHits reports, per user message in order, whether it carried any
// distress match. The last entry is the current message.
func (c *turnContext) distressHits() []bool {
	hits := make([]bool, 0, len(c.priorUser)+1)
	for _, m := range c.priorUser {
		hits = append(hits, triage.HasDistress(triage.Detect(m)))
	}
	return append(hits, c.currentDistress)
}
