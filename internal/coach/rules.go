package coach

import (
	"regexp"
	"slices"
	"strings"
	"unicode"

	"github.com/ashureev/smalltalk-labs/internal/triage"
)

// Rule is one row of the tip ladder: a condition and the tip it produces.
// Rules are evaluated in table order; the first match wins.
type Rule struct {
	Name     string
	Category Category
	When     func(*turnContext) bool
	Text     string
}

// Fixed safety advisories.
const (
	CrisisAdjacentTip = "That sounds like a heavy topic. With someone you've just met, small talk usually stays lighter. " +
		"If you're going through something hard, support is available any time from the resources link."
	PIITip           = "Careful with personal details like phone numbers, emails or addresses. Keep it general until you really know someone."
	ControversialTip = "Topics like politics or religion can derail a casual chat. Try steering toward lighter shared interests."
	InsultTip        = "That could come across as rude. Keep the tone friendly, even when you're joking."
)

var safetyRules = []Rule{
	{
		Name:     "crisis_adjacent",
		Category: CategorySafety,
		When:     func(c *turnContext) bool { return c.coachingVerdict },
		Text:     CrisisAdjacentTip,
	},
	{
		Name:     "pii",
		Category: CategorySafety,
		When:     func(c *turnContext) bool { return c.kinds[triage.SeverityPII] },
		Text:     PIITip,
	},
	{
		Name:     "controversial",
		Category: CategorySafety,
		When:     func(c *turnContext) bool { return c.kinds[triage.SeverityControversial] },
		Text:     ControversialTip,
	},
	{
		Name:     "insult",
		Category: CategorySafety,
		When:     func(c *turnContext) bool { return c.kinds[triage.SeverityInsult] },
		Text:     InsultTip,
	},
}

var criticalRules = []Rule{
	{
		Name:     "unanswered_question",
		Category: CategoryCritical,
		When:     unansweredQuestion,
		Text:     "They asked you a question. Try answering it before asking your own.",
	},
	{
		Name:     "repeated_greeting",
		Category: CategoryCritical,
		When:     repeatedGreeting,
		Text:     "You've already said hello. Move things forward with a question or a comment.",
	},
	{
		Name:     "already_stated",
		Category: CategoryCritical,
		When:     alreadyStated,
		Text:     "They already told you that. Referring back to it shows you were listening.",
	},
}

var flowRules = []Rule{
	{
		Name:     "active_listening",
		Category: CategoryFlow,
		When:     activeListeningGap,
		Text:     "Try acknowledging what they just shared before changing the subject.",
	},
	{
		Name:     "no_reciprocity",
		Category: CategoryFlow,
		When:     noReciprocity,
		Text:     "You're answering well. Ask them something back to keep it two-way.",
	},
	{
		Name:     "low_effort",
		Category: CategoryFlow,
		When:     lowEffort,
		Text:     "Short replies like that can stall a chat. Add a detail or a follow-up question.",
	},
	{
		Name:     "missed_exit_cue",
		Category: CategoryFlow,
		When:     missedExitCue,
		Text:     "They hinted they need to go. A warm goodbye is a good way to wrap up.",
	},
}

var skillRules = []Rule{
	{
		Name:     "milestone",
		Category: CategorySkill,
		When:     func(c *turnContext) bool { return slices.Contains(c.tuning.MilestoneTurns, c.turn) },
		Text:     "Nice work keeping this going. Try opening a new topic to stretch yourself.",
	},
	{
		Name:     "too_brief",
		Category: CategorySkill,
		When: func(c *turnContext) bool {
			return len(c.words) > 0 && len(c.words) <= c.tuning.BriefWordLimit && !isGreeting(c.message)
		},
		Text: "Give a bit more detail so they have something to respond to.",
	},
	{
		Name:     "too_long",
		Category: CategorySkill,
		When:     func(c *turnContext) bool { return len(c.words) > c.tuning.LongWordLimit },
		Text:     "That's a lot at once. Shorter turns give the other person room to join in.",
	},
}

// Ladder returns every rule in evaluation order.
func Ladder() []Rule {
	out := make([]Rule, 0, len(safetyRules)+len(criticalRules)+len(flowRules)+len(skillRules))
	out = append(out, safetyRules...)
	out = append(out, criticalRules...)
	out = append(out, flowRules...)
	return append(out, skillRules...)
}

var (
	greetingPattern = regexp.MustCompile(`^(hi|hey|hello|hiya|howdy|yo|good (morning|afternoon|evening))\b`)
	exitCuePattern  = regexp.MustCompile(`\b(i should (get going|go|let you go)|gotta go|got to go|have to run|need to run|nice (talking|chatting)|talk (to you )?later|catch you later)\b`)
	farewellPattern = regexp.MustCompile(`\b(bye|goodbye|see you|see ya|take care|nice (talking|chatting)|later|you too|have a good)\b`)
	ackPattern      = regexp.MustCompile(`\b(oh|nice|cool|wow|really|that's|that is|sounds|awesome|great|fun|interesting|same|me too)\b`)
)

var lowEffortSet = map[string]bool{
	"idk": true, "dunno": true, "whatever": true, "k": true, "ok": true, "okay": true,
	"meh": true, "i don't know": true, "not sure": true, "nothing": true, "nm": true,
	"sure": true, "fine": true,
}

// stated pairs a question about a fact with the way that fact is usually stated.
type stated struct {
	question  *regexp.Regexp
	statement *regexp.Regexp
}

var statedFacts = []stated{
	{regexp.MustCompile(`what'?s your name|what is your name`), regexp.MustCompile(`\b(my name is|i'm called|call me)\b`)},
	{regexp.MustCompile(`where are you from|where do you live`), regexp.MustCompile(`\b(i'm from|i am from|i grew up in|i live in)\b`)},
	{regexp.MustCompile(`what do you do( for (work|a living))?\b|where do you work`), regexp.MustCompile(`\b(i work|i'm a|i am a|my job)\b`)},
}

var stopwords = map[string]bool{
	"that": true, "this": true, "with": true, "have": true, "what": true, "your": true,
	"about": true, "just": true, "they": true, "there": true, "been": true, "from": true,
	"were": true, "when": true, "will": true, "would": true, "like": true, "really": true,
	"some": true, "then": true, "than": true, "them": true, "it's": true, "i'm": true,
}

func unansweredQuestion(c *turnContext) bool {
	if !strings.Contains(c.lastAgent, "?") {
		return false
	}
	msg := strings.TrimSpace(c.message)
	if !strings.HasSuffix(msg, "?") {
		return false
	}
	// Only a bare counter-question counts; anything before it may be the answer.
	body := strings.TrimSuffix(msg, "?")
	return !strings.ContainsAny(body, ".!?,")
}

func repeatedGreeting(c *turnContext) bool {
	if !isGreeting(c.message) {
		return false
	}
	for _, prev := range c.priorUser {
		if isGreeting(prev) {
			return true
		}
	}
	return false
}

func alreadyStated(c *turnContext) bool {
	for _, f := range statedFacts {
		if !f.question.MatchString(c.message) {
			continue
		}
		for _, said := range c.agentTurns {
			if f.statement.MatchString(said) {
				return true
			}
		}
	}
	return false
}

func activeListeningGap(c *turnContext) bool {
	agentWords := words(c.lastAgent)
	if len(agentWords) < 6 || strings.Contains(c.lastAgent, "?") || len(c.words) < 3 {
		return false
	}
	if ackPattern.MatchString(c.message) {
		return false
	}
	shared := make(map[string]bool)
	for _, w := range contentWords(agentWords) {
		shared[w] = true
	}
	for _, w := range contentWords(c.words) {
		if shared[w] {
			return false
		}
	}
	return true
}

func noReciprocity(c *turnContext) bool {
	msgs := c.userMessages()
	if len(msgs) < 3 {
		return false
	}
	for _, m := range msgs[len(msgs)-3:] {
		if strings.Contains(m, "?") {
			return false
		}
	}
	return true
}

func lowEffort(c *turnContext) bool {
	return lowEffortSet[strings.Trim(c.message, ".!? ")]
}

func missedExitCue(c *turnContext) bool {
	return exitCuePattern.MatchString(c.lastAgent) && !farewellPattern.MatchString(c.message)
}

func isGreeting(normalized string) bool {
	return greetingPattern.MatchString(normalized)
}

func words(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r != '\'' && !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func contentWords(ws []string) []string {
	var out []string
	for _, w := range ws {
		if len(w) >= 4 && !stopwords[w] {
			out = append(out, w)
		}
	}
	return out
}
