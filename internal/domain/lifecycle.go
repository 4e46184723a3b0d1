package domain

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned for an event the current state does not accept.
var ErrInvalidTransition = errors.New("invalid session transition")

// Lifecycle is the session-level state of a practice conversation.
type Lifecycle string

const (
	LifecycleNotStarted         Lifecycle = "not_started"
	LifecycleActive             Lifecycle = "active"
	LifecycleCrisisIntervention Lifecycle = "crisis_intervention"
	LifecycleEnded              Lifecycle = "ended"
)

// Event drives a Lifecycle transition.
type Event string

const (
	EventStart         Event = "start"
	EventCrisis        Event = "crisis"
	EventEnd           Event = "end"
	EventAbandon       Event = "abandon"
	EventSupport       Event = "support_needed"
	EventFalsePositive Event = "false_positive"
	EventRestart       Event = "restart"
)

// AcceptsInput reports whether user messages are processed in this state.
func (l Lifecycle) AcceptsInput() bool {
	return l == LifecycleActive
}

// Terminal reports whether the session identity can no longer be used for chat.
func (l Lifecycle) Terminal() bool {
	return l == LifecycleEnded || l == LifecycleCrisisIntervention
}

// Transition returns the state reached by applying e to l.
//
// CrisisIntervention is only reachable from Active. Inside it, support_needed
// keeps the intervention open; restart and false_positive end this session
// identity and the caller must start a fresh one.
func (l Lifecycle) Transition(e Event) (Lifecycle, error) {
	switch l {
	case LifecycleNotStarted:
		if e == EventStart {
			return LifecycleActive, nil
		}
	case LifecycleActive:
		switch e {
		case EventCrisis:
			return LifecycleCrisisIntervention, nil
		case EventEnd, EventAbandon:
			return LifecycleEnded, nil
		}
	case LifecycleCrisisIntervention:
		switch e {
		case EventSupport:
			return LifecycleCrisisIntervention, nil
		case EventRestart, EventFalsePositive:
			return LifecycleEnded, nil
		}
	}
	return l, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, e, l)
}

// CrisisChoice is one of the fixed options of the crisis intervention surface.
type CrisisChoice string

const (
	ChoiceSupportNeeded CrisisChoice = "support_needed"
	ChoiceFalsePositive CrisisChoice = "false_positive"
	ChoiceRestart       CrisisChoice = "restart"
)

// CrisisChoices lists the options in display order.
var CrisisChoices = []CrisisChoice{ChoiceSupportNeeded, ChoiceFalsePositive, ChoiceRestart}

// ParseCrisisChoice validates a client-supplied choice.
func ParseCrisisChoice(s string) (CrisisChoice, bool) {
	for _, c := range CrisisChoices {
		if string(c) == s {
			return c, true
		}
	}
	return "", false
}

// Event maps a choice to its lifecycle event.
func (c CrisisChoice) Event() Event {
	switch c {
	case ChoiceSupportNeeded:
		return EventSupport
	case ChoiceFalsePositive:
		return EventFalsePositive
	default:
		return EventRestart
	}
}

// StartsFreshSession reports whether the choice ends this identity and opens a new one.
func (c CrisisChoice) StartsFreshSession() bool {
	return c == ChoiceFalsePositive || c == ChoiceRestart
}
