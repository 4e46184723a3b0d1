package triage

// SessionState is the mutable per-session triage state. It is a value: the
// orchestrator passes it into each turn and stores the returned copy, so no
// ambient state is shared between sessions or turns.
type SessionState struct {
	Distress DistressState `json:"distress"`
	// TipCooldown is set by a tip and cleared after exactly one more user turn.
	TipCooldown bool `json:"tip_cooldown"`
	// TipsShown counts every tip attached this session.
	TipsShown int `json:"tips_shown"`
	// LastTipTurn is the 1-based user turn that received the last tip, 0 if none.
	LastTipTurn int `json:"last_tip_turn"`
	// UserTurns counts completed user turns.
	UserTurns int `json:"user_turns"`
}

// CurrentTurn is the 1-based number of the user turn being processed.
func (s SessionState) CurrentTurn() int {
	return s.UserTurns + 1
}

// TipWithin reports whether a tip was shown in any of the last n user turns
// before the current one.
func (s SessionState) TipWithin(n int) bool {
	if s.LastTipTurn == 0 || n <= 0 {
		return false
	}
	return s.CurrentTurn()-s.LastTipTurn <= n
}

// CompleteTurn records the end of a user turn and returns the next state.
// A tip sets the cooldown for the following turn only.
func (s SessionState) CompleteTurn(tipShown bool) SessionState {
	next := s
	next.UserTurns++
	next.TipCooldown = tipShown
	if tipShown {
		next.TipsShown++
		next.LastTipTurn = next.UserTurns
	}
	return next
}
