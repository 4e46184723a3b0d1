package triage

import (
	"strings"
	"unicode"
)

// Trigger is a single pattern match against one message.
type Trigger struct {
	Kind    Severity     `json:"kind"`
	Reason  string       `json:"reason"`
	Tier    DistressTier `json:"tier,omitempty"`
	Keyword string       `json:"keyword,omitempty"`
}

// NoneTrigger is returned when nothing in a message matched.
var NoneTrigger = Trigger{Kind: SeverityNone, Reason: "none"}

var quoteReplacer = strings.NewReplacer(
	"’", "'",
	"‘", "'",
	"“", `"`,
	"”", `"`,
)

// Normalize lowercases text, folds typographic quotes and collapses
// whitespace and control characters so tables can match plain phrases.
func Normalize(text string) string {
	text = quoteReplacer.Replace(strings.ToLower(text))
	var b strings.Builder
	b.Grow(len(text))
	space := false
	for _, r := range text {
		if r == unicode.ReplacementChar || unicode.IsSpace(r) || unicode.IsControl(r) {
			if !space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = true
			continue
		}
		space = false
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

// Detect scans text against every pattern table. It always returns at least
// one trigger; an unmatched or empty message yields NoneTrigger.
func Detect(text string) []Trigger {
	normalized := Normalize(text)
	if normalized == "" {
		return []Trigger{NoneTrigger}
	}

	var triggers []Trigger
	for _, p := range AllPatterns() {
		if !p.Match(normalized) {
			continue
		}
		triggers = append(triggers, Trigger{
			Kind:    p.Kind,
			Reason:  string(p.Family) + ":" + p.Keyword,
			Tier:    p.Tier,
			Keyword: p.Keyword,
		})
	}
	if len(triggers) == 0 {
		return []Trigger{NoneTrigger}
	}
	return triggers
}

// HasDistress reports whether any trigger is a tier-1 or tier-2 distress match.
func HasDistress(triggers []Trigger) bool {
	for _, t := range triggers {
		if t.Tier != TierNone {
			return true
		}
	}
	return false
}

// Kinds returns the distinct trigger kinds present, ignoring SeverityNone.
func Kinds(triggers []Trigger) map[Severity]bool {
	kinds := make(map[Severity]bool, len(triggers))
	for _, t := range triggers {
		if t.Kind != SeverityNone {
			kinds[t.Kind] = true
		}
	}
	return kinds
}
