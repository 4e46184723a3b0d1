// Package classifier wraps the delegated language-model classification calls
// of the safety pipeline. Both call sites parse the model's JSON strictly and
// resolve every failure toward the more protective outcome.
package classifier

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrMalformedResult is returned when model output does not match the result schema.
var ErrMalformedResult = errors.New("malformed classifier result")

var fencePattern = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*(.*?)```")

// extractObject pulls exactly one top-level JSON object out of model output.
// Fenced blocks are preferred; otherwise the raw text is scanned.
func extractObject(raw string) (string, error) {
	text := strings.TrimSpace(raw)
	if m := fencePattern.FindStringSubmatch(text); m != nil {
		text = strings.TrimSpace(m[1])
	}

	candidates := findObjects(text)
	switch len(candidates) {
	case 0:
		return "", fmt.Errorf("%w: no JSON object found", ErrMalformedResult)
	case 1:
		return candidates[0], nil
	default:
		return "", fmt.Errorf("%w: %d JSON objects found", ErrMalformedResult, len(candidates))
	}
}

// findObjects scans for balanced top-level {...} spans, skipping braces inside
// strings. Byte iteration is safe because UTF-8 never reuses ASCII bytes.
func findObjects(s string) []string {
	var out []string
	depth, start := 0, -1
	inString, escape := false, false

	for i := 0; i < len(s); i++ {
		b := s[i]
		if escape {
			escape = false
			continue
		}
		if inString {
			switch b {
			case '\\':
				escape = true
			case '"':
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					out = append(out, s[start:i+1])
					start = -1
				}
			}
		}
	}
	return out
}

// decodeStrict decodes a single object into v, rejecting unknown fields and trailing data.
func decodeStrict(obj string, v any) error {
	dec := json.NewDecoder(bytes.NewReader([]byte(obj)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResult, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing data", ErrMalformedResult)
	}
	return nil
}

type crisisResult struct {
	Severity *string `json:"severity"`
	Reason   *string `json:"reason"`
}

// ParseVerdict validates a crisis classifier response.
func ParseVerdict(raw string) (Verdict, error) {
	obj, err := extractObject(raw)
	if err != nil {
		return Verdict{}, err
	}
	var r crisisResult
	if err := decodeStrict(obj, &r); err != nil {
		return Verdict{}, err
	}
	if r.Severity == nil || r.Reason == nil {
		return Verdict{}, fmt.Errorf("%w: severity and reason are required", ErrMalformedResult)
	}
	sev := VerdictSeverity(strings.ToLower(strings.TrimSpace(*r.Severity)))
	if !sev.Valid() {
		return Verdict{}, fmt.Errorf("%w: unknown severity %q", ErrMalformedResult, *r.Severity)
	}
	return Verdict{Severity: sev, Reason: strings.TrimSpace(*r.Reason)}, nil
}

type moderationResult struct {
	Safe   *bool   `json:"safe"`
	Reason *string `json:"reason"`
}

// ParseModeration validates a response moderator answer.
func ParseModeration(raw string) (safe bool, reason string, err error) {
	obj, err := extractObject(raw)
	if err != nil {
		return false, "", err
	}
	var r moderationResult
	if err := decodeStrict(obj, &r); err != nil {
		return false, "", err
	}
	if r.Safe == nil {
		return false, "", fmt.Errorf("%w: safe is required", ErrMalformedResult)
	}
	if r.Reason != nil {
		reason = strings.TrimSpace(*r.Reason)
	}
	return *r.Safe, reason, nil
}
