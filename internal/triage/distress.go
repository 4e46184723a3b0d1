package triage

import "sort"

// DistressTier separates explicit crisis language from ambiguous distress language.
type DistressTier int

const (
	TierNone DistressTier = iota
	Tier1
	Tier2
)

// String returns "none", "1" or "2".
func (t DistressTier) String() string {
	switch t {
	case Tier1:
		return "1"
	case Tier2:
		return "2"
	default:
		return "none"
	}
}

// DistressLevel is the local (keyword-only) distress severity of a message.
type DistressLevel int

const (
	DistressNone DistressLevel = iota
	DistressLow
	DistressHigh
)

// String returns the lowercase level name.
func (l DistressLevel) String() string {
	switch l {
	case DistressHigh:
		return "high"
	case DistressLow:
		return "low"
	default:
		return "none"
	}
}

// DistressState is the session-scoped accumulator. The zero value is a fresh session.
type DistressState struct {
	AccumulatedTier2Count int             `json:"accumulated_tier2_count"`
	MatchedKeywords       map[string]bool `json:"matched_keywords,omitempty"`
}

// DistressAssessment is the result of observing one message.
type DistressAssessment struct {
	Tier                  DistressTier  `json:"tier"`
	Level                 DistressLevel `json:"level"`
	AccumulatedTier2Count int           `json:"accumulated_tier2_count"`
	Keywords              []string      `json:"keywords,omitempty"`
}

// Signal reports whether the message carried any distress match.
func (a DistressAssessment) Signal() bool {
	return a.Tier != TierNone
}

// Observe folds one message's triggers into the accumulator and returns the
// message's distress assessment. Tier-1 is always high. Tier-2 increments the
// count once per message and is low only once the count reaches threshold.
func (s DistressState) Observe(triggers []Trigger, threshold int) (DistressState, DistressAssessment) {
	if threshold <= 0 {
		threshold = DefaultTuning().Tier2Threshold
	}

	next := s.clone()
	var sawTier1, sawTier2 bool
	var keywords []string
	for _, t := range triggers {
		switch t.Tier {
		case Tier1:
			sawTier1 = true
		case Tier2:
			sawTier2 = true
		default:
			continue
		}
		keywords = append(keywords, t.Keyword)
		next.MatchedKeywords[t.Keyword] = true
	}

	if sawTier2 {
		next.AccumulatedTier2Count++
	}

	a := DistressAssessment{
		AccumulatedTier2Count: next.AccumulatedTier2Count,
		Keywords:              keywords,
	}
	switch {
	case sawTier1:
		a.Tier = Tier1
		a.Level = DistressHigh
	case sawTier2:
		a.Tier = Tier2
		if next.AccumulatedTier2Count >= threshold {
			a.Level = DistressLow
		}
	}
	return next, a
}

// Keywords returns every distress keyword matched this session, sorted.
func (s DistressState) Keywords() []string {
	out := make([]string, 0, len(s.MatchedKeywords))
	for k := range s.MatchedKeywords {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (s DistressState) clone() DistressState {
	c := DistressState{
		AccumulatedTier2Count: s.AccumulatedTier2Count,
		MatchedKeywords:       make(map[string]bool, len(s.MatchedKeywords)+1),
	}
	for k := range s.MatchedKeywords {
		c.MatchedKeywords[k] = true
	}
	return c
}
