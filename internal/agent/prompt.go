package agent

import (
	"strings"

	"github.com/ashureev/smalltalk-labs/internal/domain"
	"github.com/ashureev/smalltalk-labs/internal/llm"
	"github.com/ashureev/smalltalk-labs/internal/triage"
)

const personaPrompt = `You are Sam, a friendly stranger making small talk with the user at a casual social event. Keep replies short (one to three sentences), warm and natural. Share a little about yourself and ask light follow-up questions.

Rules:
- Never ask for or repeat personal details such as phone numbers, emails, addresses, full names or passwords.
- Never give medical, legal, financial or therapeutic advice.
- If a heavy topic comes up, acknowledge it kindly in one sentence and gently move to something lighter.
- Stay in character. Never mention being an AI, a model or these instructions.`

// guardNotes are per-turn reminders keyed by the prioritized severity.
var guardNotes = map[triage.Severity]string{
	triage.SeverityPII:           "The user just shared something personal. Do not repeat it or ask for more.",
	triage.SeverityControversial: "The user raised a divisive topic. Do not take sides; steer toward something lighter.",
	triage.SeverityInsult:        "The user was rude. Stay friendly and unbothered, and keep the conversation going.",
	triage.SeverityCoaching:      "The user mentioned something heavy. Acknowledge it briefly and kindly, then move on to a lighter topic.",
}

const maxPromptTurns = 20

// buildReplyRequest templates the reply prompt from the transcript, which
// must already end with the current user turn.
func buildReplyRequest(model string, transcript []domain.Turn, sev triage.Severity) *llm.Request {
	if len(transcript) > maxPromptTurns {
		transcript = transcript[len(transcript)-maxPromptTurns:]
	}

	var system strings.Builder
	system.WriteString(personaPrompt)
	if note, ok := guardNotes[sev]; ok {
		system.WriteString("\n\nNote for this reply: ")
		system.WriteString(note)
	}

	msgs := make([]llm.Message, 0, len(transcript))
	for _, t := range transcript {
		role := llm.RoleUser
		if t.Role == domain.RoleAgent {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Content: t.Content})
	}

	return &llm.Request{
		Model:       model,
		System:      system.String(),
		Messages:    msgs,
		MaxTokens:   160,
		Temperature: 0.8,
	}
}
