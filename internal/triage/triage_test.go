package triage

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDetectReturnsNoneForEmptyOrUnmatched(t *testing.T) {
	t.Parallel()

	for _, text := range []string{"", "   ", "\x00\x01", "I went hiking on Saturday and it was lovely"} {
		got := Detect(text)
		if len(got) != 1 || got[0] != NoneTrigger {
			t.Fatalf("Detect(%q) = %+v, want single NONE trigger", text, got)
		}
		if sev := Prioritize(got); sev != SeverityNone {
			t.Fatalf("Prioritize(%q) = %s, want none", text, sev)
		}
	}
}

func TestDetectFamilies(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		text   string
		want   Severity
		reason string
	}{
		{"tier1 explicit", "I want to kill myself", SeverityCrisis, "distress_tier1:kill myself"},
		{"tier1 slang", "honestly kms", SeverityCrisis, "distress_tier1:kms"},
		{"tier1 unalive", "thinking about how to unalive", SeverityCrisis, "distress_tier1:unalive"},
		{"tier2", "i think i'm hopeless about this exam", SeverityCoaching, "distress_tier2:hopeless"},
		{"tier2 curly quote", "I can’t go on like this", SeverityCoaching, "distress_tier2:can't go on"},
		{"email", "reach me at jo.doe@example.com", SeverityPII, "pii:email"},
		{"phone", "call me on 555-123-4567", SeverityPII, "pii:phone"},
		{"ssn", "it's 123-45-6789", SeverityPII, "pii:ssn"},
		{"address", "I live on 42 Maple Street", SeverityPII, "pii:street address"},
		{"address abbreviated", "drop it at 1600 n oak rd please", SeverityPII, "pii:street address"},
		{"address after distance", "we walked 5 miles down the road to 42 elm st", SeverityPII, "pii:street address"},
		{"controversial", "what do you think about the election", SeverityControversial, "controversial:politics"},
		{"insult", "you are an idiot", SeverityInsult, "insult:idiot"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			triggers := Detect(tt.text)
			if got := Prioritize(triggers); got != tt.want {
				t.Fatalf("Prioritize(Detect(%q)) = %s, want %s (triggers %+v)", tt.text, got, tt.want, triggers)
			}
			found := false
			for _, tr := range triggers {
				if tr.Reason == tt.reason {
					found = true
				}
			}
			if !found {
				t.Fatalf("expected reason %q in %+v", tt.reason, triggers)
			}
		})
	}
}

func TestDetectIgnoresEverydayNumbers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		text   string
		reason string
	}{
		{"I've lived here 3 years by the way", "pii:street address"},
		{"I grabbed 2 coffees on the way to work", "pii:street address"},
		{"we walked 5 miles down the road", "pii:street address"},
		{"there are 2 cafes at the end of my street", "pii:street address"},
		{"I ran 10 kms this morning", "distress_tier1:kms"},
		{"only 3.5 k.m.s today", "distress_tier1:kms"},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			t.Parallel()
			triggers := Detect(tt.text)
			for _, tr := range triggers {
				if tr.Reason == tt.reason {
					t.Fatalf("Detect(%q) matched %s: %+v", tt.text, tt.reason, triggers)
				}
			}
			if got := Prioritize(triggers); got != SeverityNone {
				t.Fatalf("Prioritize(Detect(%q)) = %s, want none", tt.text, got)
			}
		})
	}
}

func TestPrioritizeIsTotalOrder(t *testing.T) {
	t.Parallel()

	got := Prioritize([]Trigger{{Kind: SeverityControversial}, {Kind: SeverityPII}})
	if got != SeverityPII {
		t.Fatalf("{PII, CONTROVERSIAL} resolved to %s, want pii", got)
	}

	order := []Severity{SeverityNone, SeverityCoaching, SeverityInsult, SeverityControversial, SeverityPII, SeverityCrisis}
	for i := 1; i < len(order); i++ {
		if !order[i].Outranks(order[i-1]) {
			t.Fatalf("%s should outrank %s", order[i], order[i-1])
		}
		mixed := []Trigger{{Kind: order[i]}, {Kind: order[i-1]}, {Kind: SeverityNone}}
		if got := Prioritize(mixed); got != order[i] {
			t.Fatalf("Prioritize(%v) = %s, want %s", mixed, got, order[i])
		}
	}

	if got := Prioritize(nil); got != SeverityNone {
		t.Fatalf("Prioritize(nil) = %s, want none", got)
	}
}

func TestMixedMessageResolvesToCrisis(t *testing.T) {
	t.Parallel()

	triggers := Detect("my email is a@b.co and I want to end it all")
	if got := Prioritize(triggers); got != SeverityCrisis {
		t.Fatalf("got %s, want crisis", got)
	}
	if !Kinds(triggers)[SeverityPII] {
		t.Fatalf("expected PII trigger to still be reported: %+v", triggers)
	}
}

func TestTier1IsHighRegardlessOfHistory(t *testing.T) {
	t.Parallel()

	for _, prior := range []int{0, 1, 7} {
		state := DistressState{AccumulatedTier2Count: prior}
		_, a := state.Observe(Detect("I want to kill myself"), 2)
		if a.Level != DistressHigh || a.Tier != Tier1 {
			t.Fatalf("prior=%d: got %+v, want tier 1 high", prior, a)
		}
	}
}

func TestTier2AccumulatesToLow(t *testing.T) {
	t.Parallel()

	var state DistressState
	state, first := state.Observe(Detect("i think i'm hopeless about this exam"), 2)
	if first.Level != DistressNone || first.Tier != Tier2 {
		t.Fatalf("first tier-2: got %+v, want tier 2 level none", first)
	}
	if state.AccumulatedTier2Count != 1 {
		t.Fatalf("count after first = %d, want 1", state.AccumulatedTier2Count)
	}

	state, _ = state.Observe(Detect("went to the beach today"), 2)
	if state.AccumulatedTier2Count != 1 {
		t.Fatalf("neutral message changed count to %d", state.AccumulatedTier2Count)
	}

	state, second := state.Observe(Detect("no point anymore"), 2)
	if second.Level != DistressLow {
		t.Fatalf("second tier-2: got %s, want low", second.Level)
	}
	if state.AccumulatedTier2Count != 2 {
		t.Fatalf("count after second = %d, want 2", state.AccumulatedTier2Count)
	}
	if got := state.Keywords(); len(got) != 2 || got[0] != "hopeless" || got[1] != "no point" {
		t.Fatalf("keywords = %v", got)
	}
}

func TestTier2CountsOncePerMessage(t *testing.T) {
	t.Parallel()

	var state DistressState
	state, a := state.Observe(Detect("hopeless, no point, nothing matters"), 2)
	if state.AccumulatedTier2Count != 1 {
		t.Fatalf("count = %d, want 1", state.AccumulatedTier2Count)
	}
	if a.Level != DistressNone {
		t.Fatalf("level = %s, want none", a.Level)
	}
	if len(a.Keywords) != 3 {
		t.Fatalf("keywords = %v, want 3", a.Keywords)
	}
}

func TestObserveDoesNotMutateReceiver(t *testing.T) {
	t.Parallel()

	base := DistressState{AccumulatedTier2Count: 1, MatchedKeywords: map[string]bool{"hopeless": true}}
	_, _ = base.Observe(Detect("no point"), 2)
	if base.AccumulatedTier2Count != 1 || len(base.MatchedKeywords) != 1 {
		t.Fatalf("receiver mutated: %+v", base)
	}
}

func TestSessionStateTipBookkeeping(t *testing.T) {
	t.Parallel()

	var s SessionState
	s = s.CompleteTurn(true)
	if !s.TipCooldown || s.TipsShown != 1 || s.LastTipTurn != 1 {
		t.Fatalf("after tip: %+v", s)
	}
	if !s.TipWithin(2) {
		t.Fatal("tip on turn 1 should be within 2 turns of turn 2")
	}
	s = s.CompleteTurn(false)
	if s.TipCooldown {
		t.Fatal("cooldown should clear after one turn")
	}
	if !s.TipWithin(2) {
		t.Fatal("tip on turn 1 should be within 2 turns of turn 3")
	}
	s = s.CompleteTurn(false)
	if s.TipWithin(2) {
		t.Fatal("tip on turn 1 should not be within 2 turns of turn 4")
	}
}

func TestLoadTuningOverrides(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tuning.yaml")
	if err := os.WriteFile(path, []byte("tier2_threshold: 3\nmilestone_turns: [4, 8]\n"), 0o600); err != nil {
		t.Fatalf("write tuning: %v", err)
	}
	got, err := LoadTuning(path)
	if err != nil {
		t.Fatalf("LoadTuning failed: %v", err)
	}
	if got.Tier2Threshold != 3 {
		t.Fatalf("Tier2Threshold = %d, want 3", got.Tier2Threshold)
	}
	if len(got.MilestoneTurns) != 2 || got.MilestoneTurns[1] != 8 {
		t.Fatalf("MilestoneTurns = %v", got.MilestoneTurns)
	}
	if got.ContextTurns != 5 {
		t.Fatalf("unset fields should keep defaults, ContextTurns = %d", got.ContextTurns)
	}
}

func TestLoadTuningRejectsDisabledThreshold(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tuning.yaml")
	if err := os.WriteFile(path, []byte("tier2_threshold: 0\n"), 0o600); err != nil {
		t.Fatalf("write tuning: %v", err)
	}
	if _, err := LoadTuning(path); err == nil {
		t.Fatal("expected validation error")
	}
}
