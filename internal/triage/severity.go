// Package triage implements the deterministic half of the safety pipeline:
// pattern tables, trigger detection, severity prioritization and the
// two-tier distress accumulator.
package triage

// Severity is the kind of a trigger and the resolved priority of a message.
// Values are declared in ascending priority so ranking is a single comparison.
type Severity int

const (
	// SeverityNone means nothing matched.
	SeverityNone Severity = iota
	// SeverityCoaching marks ambiguous (tier-2) distress language.
	SeverityCoaching
	// SeverityInsult marks insulting or derogatory language.
	SeverityInsult
	// SeverityControversial marks a controversial topic.
	SeverityControversial
	// SeverityPII marks personal data the user should not share.
	SeverityPII
	// SeverityCrisis marks explicit (tier-1) crisis language.
	SeverityCrisis
)

var severityNames = map[Severity]string{
	SeverityNone:          "none",
	SeverityCoaching:      "coaching",
	SeverityInsult:        "insult",
	SeverityControversial: "controversial",
	SeverityPII:           "pii",
	SeverityCrisis:        "crisis",
}

// String returns the lowercase name used in logs, metrics and persisted records.
func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return "unknown"
}

// Rank returns the position of s in the total order. Higher outranks lower.
func (s Severity) Rank() int {
	if s < SeverityNone || s > SeverityCrisis {
		return -1
	}
	return int(s)
}

// Outranks reports whether s has strictly higher priority than other.
func (s Severity) Outranks(other Severity) bool {
	return s.Rank() > other.Rank()
}

// Prioritize reduces a set of triggers to the single active severity.
func Prioritize(triggers []Trigger) Severity {
	best := SeverityNone
	for _, t := range triggers {
		if t.Kind.Outranks(best) {
			best = t.Kind
		}
	}
	return best
}
