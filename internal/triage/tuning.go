package triage

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Tuning holds the thresholds of the triage pipeline. None of these values
// are clinically validated; they are kept overridable for that reason.
type Tuning struct {
	// Tier2Threshold is the accumulated tier-2 count at which distress becomes low.
	Tier2Threshold int `yaml:"tier2_threshold"`
	// ContextTurns is how many recent turns the crisis classifier sees.
	ContextTurns int `yaml:"context_turns"`
	// RecentDistressWindow is how many user messages (current included) are
	// checked for distress before non-safety tips are allowed.
	RecentDistressWindow int `yaml:"recent_distress_window"`
	// TrajectoryWindow and TrajectoryHits define a descending trajectory:
	// at least TrajectoryHits distress hits in the last TrajectoryWindow user messages.
	TrajectoryWindow int `yaml:"trajectory_window"`
	TrajectoryHits   int `yaml:"trajectory_hits"`
	// MaxTipsPerSession caps non-safety tips for a session.
	MaxTipsPerSession int `yaml:"max_tips_per_session"`
	// TipSpacingTurns suppresses non-safety tips if one was shown this recently.
	TipSpacingTurns int `yaml:"tip_spacing_turns"`
	// MilestoneTurns are user-turn counts that earn a check-in tip.
	MilestoneTurns []int `yaml:"milestone_turns"`
	// BriefWordLimit and LongWordLimit bound "extreme" message lengths.
	BriefWordLimit int `yaml:"brief_word_limit"`
	LongWordLimit  int `yaml:"long_word_limit"`
}

// DefaultTuning returns the built-in thresholds.
func DefaultTuning() Tuning {
	return Tuning{
		Tier2Threshold:       2,
		ContextTurns:         5,
		RecentDistressWindow: 3,
		TrajectoryWindow:     5,
		TrajectoryHits:       2,
		MaxTipsPerSession:    4,
		TipSpacingTurns:      2,
		MilestoneTurns:       []int{5, 10, 15},
		BriefWordLimit:       2,
		LongWordLimit:        80,
	}
}

// LoadTuning reads a YAML override file on top of DefaultTuning.
// An empty path returns the defaults.
func LoadTuning(path string) (Tuning, error) {
	t := DefaultTuning()
	if path == "" {
		return t, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return t, fmt.Errorf("read tuning file: %w", err)
	}
	if err := yaml.Unmarshal(data, &t); err != nil {
		return t, fmt.Errorf("parse tuning file: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("invalid tuning file %s: %w", path, err)
	}
	return t, nil
}

// Validate rejects values that would disable a safety path.
func (t Tuning) Validate() error {
	if t.Tier2Threshold < 1 {
		return fmt.Errorf("tier2_threshold must be >= 1")
	}
	if t.ContextTurns < 1 {
		return fmt.Errorf("context_turns must be >= 1")
	}
	if t.RecentDistressWindow < 1 {
		return fmt.Errorf("recent_distress_window must be >= 1")
	}
	if t.TrajectoryWindow < 1 || t.TrajectoryHits < 1 {
		return fmt.Errorf("trajectory_window and trajectory_hits must be >= 1")
	}
	if t.TrajectoryHits > t.TrajectoryWindow {
		return fmt.Errorf("trajectory_hits (%d) cannot exceed trajectory_window (%d)", t.TrajectoryHits, t.TrajectoryWindow)
	}
	if t.MaxTipsPerSession < 0 || t.TipSpacingTurns < 0 {
		return fmt.Errorf("max_tips_per_session and tip_spacing_turns must be >= 0")
	}
	if t.BriefWordLimit < 0 || t.LongWordLimit <= t.BriefWordLimit {
		return fmt.Errorf("long_word_limit must exceed brief_word_limit")
	}
	return nil
}
