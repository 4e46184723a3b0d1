package triage

import (
	"regexp"
	"strings"
)

// Family groups pattern table entries. It is the prefix of a trigger reason.
type Family string

const (
	FamilyCrisis        Family = "distress_tier1"
	FamilyDistress      Family = "distress_tier2"
	FamilyPII           Family = "pii"
	FamilyControversial Family = "controversial"
	FamilyInsult        Family = "insult"
)

// Pattern is one row of a pattern table.
type Pattern struct {
	Family  Family
	Kind    Severity
	Tier    DistressTier
	Keyword string
	re      *regexp.Regexp
	// reject discards a match span that the expression alone cannot rule out.
	reject func(normalized string, loc []int) bool
}

// Match reports whether the normalized text contains the pattern.
func (p Pattern) Match(normalized string) bool {
	if p.reject == nil {
		return p.re.MatchString(normalized)
	}
	for _, loc := range p.re.FindAllStringIndex(normalized, -1) {
		if !p.reject(normalized, loc) {
			return true
		}
	}
	return false
}

func (p Pattern) unless(reject func(normalized string, loc []int) bool) Pattern {
	p.reject = reject
	return p
}

// afterQuantity reports whether the match directly follows a number, as in
// "10 kms".
func afterQuantity(normalized string, loc []int) bool {
	before := normalized[:loc[0]]
	trimmed := strings.TrimRight(before, " ")
	if trimmed == "" || len(trimmed) == len(before) {
		return false
	}
	c := trimmed[len(trimmed)-1]
	return c >= '0' && c <= '9'
}

// streetFillers never appear inside a street name. A number followed by one
// of them ("5 miles down the road") is a distance or a count.
var streetFillers = map[string]bool{
	"a": true, "an": true, "the": true, "this": true, "that": true,
	"my": true, "your": true, "our": true, "his": true, "her": true, "their": true,
	"on": true, "of": true, "to": true, "by": true, "in": true, "at": true,
	"up": true, "down": true, "from": true, "for": true, "across": true, "along": true,
}

func notStreetName(normalized string, loc []int) bool {
	words := strings.Fields(normalized[loc[0]:loc[1]])
	for _, w := range words[1 : len(words)-1] {
		if streetFillers[w] {
			return true
		}
	}
	return false
}

func entry(family Family, kind Severity, tier DistressTier, keyword, expr string) Pattern {
	return Pattern{
		Family:  family,
		Kind:    kind,
		Tier:    tier,
		Keyword: keyword,
		re:      regexp.MustCompile(`(?i)` + expr),
	}
}

func crisis(keyword, expr string) Pattern {
	return entry(FamilyCrisis, SeverityCrisis, Tier1, keyword, expr)
}

func distress(keyword, expr string) Pattern {
	return entry(FamilyDistress, SeverityCoaching, Tier2, keyword, expr)
}

func pii(keyword, expr string) Pattern {
	return entry(FamilyPII, SeverityPII, TierNone, keyword, expr)
}

func controversial(keyword, expr string) Pattern {
	return entry(FamilyControversial, SeverityControversial, TierNone, keyword, expr)
}

func insult(keyword, expr string) Pattern {
	return entry(FamilyInsult, SeverityInsult, TierNone, keyword, expr)
}

// Tier1Patterns is explicit crisis language. One match is conclusive.
var Tier1Patterns = []Pattern{
	crisis("suicide", `\bsuicid\w*`),
	crisis("kill myself", `\bkill(?:ing)?\s+my\s*self\b`),
	crisis("end it all", `\bend(?:ing)?\s+it\s+all\b`),
	crisis("end my life", `\bend(?:ing)?\s+my\s+life\b`),
	crisis("want to die", `\bwant(?:s|ed)?\s+to\s+die\b`),
	crisis("self-harm", `\bself[\s-]?harm\w*`),
	crisis("cut myself", `\bcut(?:ting)?\s+my\s*self\b`),
	crisis("hurt myself", `\bhurt(?:ing)?\s+my\s*self\b`),
	crisis("overdose", `\boverdos(?:e|ed|ing)\b`),
	crisis("kms", `\bk\.?m\.?s\b`).unless(afterQuantity),
	crisis("unalive", `\bun[\s-]?aliv\w*`),
	crisis("sewerslide", `\bsewer\s?slide\b`),
	crisis("better off dead", `\bbetter\s+off\s+dead\b`),
}

// Tier2Patterns is ambiguous distress language. It only escalates when
// repeated or confirmed by the contextual classifier.
var Tier2Patterns = []Pattern{
	distress("hopeless", `\bhopeless(?:ness)?\b`),
	distress("no point", `\bno\s+point\b`),
	distress("tired of living", `\btired\s+of\s+(?:living|life|being\s+alive)\b`),
	distress("bye forever", `\b(?:bye|goodbye)\s+forever\b`),
	distress("reason to stay", `\breasons?\s+to\s+stay\b`),
	distress("can't go on", `\bcan'?t\s+go\s+on\b`),
	distress("nothing matters", `\bnothing\s+matters\b`),
	distress("give up on everything", `\bgiv(?:e|ing)\s+up\s+on\s+(?:everything|life)\b`),
	distress("disappear forever", `\bdisappear\s+forever\b`),
	distress("don't want to be here", `\bdon'?t\s+want\s+to\s+be\s+here\s+anymore\b`),
}

// PIIPatterns detects personal data being shared.
var PIIPatterns = []Pattern{
	pii("email", `\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`),
	pii("ssn", `\b\d{3}-\d{2}-\d{4}\b`),
	pii("phone", `(?:\+\d{1,3}[\s.\-]?)?(?:\(\d{3}\)|\b\d{3})[\s.\-]?\d{3}[\s.\-]?\d{4}\b`),
	pii("street address", `\b\d{1,5}\s+(?:[a-z0-9]+\s+){1,3}(?:street|st|avenue|ave|road|rd|boulevard|blvd|lane|ln|drive|dr|court|ct|place|pl)\b`).unless(notStreetName),
	pii("address disclosure", `\b(?:my\s+(?:home\s+)?address\s+is|i\s+live\s+at)\b`),
	pii("credential disclosure", `\bmy\s+(?:password|pin|passcode)\s+is\b`),
}

// ControversialPatterns lists topics that derail low-stakes small talk.
var ControversialPatterns = []Pattern{
	controversial("politics", `\b(?:politics|political|election|democrats?|republicans?|trump|biden|liberals?|conservatives?)\b`),
	controversial("religion", `\b(?:religion|religious|atheis[mt]|god\s+is\s+(?:real|fake))\b`),
	controversial("abortion", `\b(?:abortion|pro[\s-]?life|pro[\s-]?choice)\b`),
	controversial("guns", `\b(?:gun\s+control|second\s+amendment|2nd\s+amendment)\b`),
	controversial("immigration", `\b(?:immigration|immigrants?|illegal\s+aliens?|border\s+wall)\b`),
	controversial("vaccines", `\b(?:vaccines?|anti[\s-]?vax\w*)\b`),
	controversial("geopolitics", `\b(?:israel|palestin\w*|gaza|ukraine\s+war)\b`),
	controversial("race", `\b(?:racism|racist|white\s+supremac\w*)\b`),
}

// InsultPatterns lists insulting or derogatory language.
var InsultPatterns = []Pattern{
	insult("idiot", `\bidiot\w*`),
	insult("stupid", `\bstupid\b`),
	insult("dumb", `\bdumb\b`),
	insult("moron", `\bmoron\w*`),
	insult("loser", `\blosers?\b`),
	insult("pathetic", `\bpathetic\b`),
	insult("shut up", `\bshut\s+up\b`),
	insult("hate you", `\bhate\s+you\b`),
	insult("you suck", `\byou\s+suck\b`),
}

// AllPatterns returns every table in detection order.
func AllPatterns() []Pattern {
	tables := [][]Pattern{Tier1Patterns, Tier2Patterns, PIIPatterns, ControversialPatterns, InsultPatterns}
	var all []Pattern
	for _, t := range tables {
		all = append(all, t...)
	}
	return all
}
