// Package llm provides clients for the external language-model services:
// one generates the practice partner's replies, the other answers the
// structured classification prompts of the safety pipeline.
package llm

import (
	"context"
	"errors"
	"io"
)

// Roles used in Message.Role.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// maxErrorBodySize bounds how much of a failed response body is read.
const maxErrorBodySize = 64 * 1024

var (
	// ErrNotConfigured is returned when a provider lacks credentials or an address.
	ErrNotConfigured = errors.New("language model provider not configured")
	// ErrEmptyResponse is returned when the service answered without any text.
	ErrEmptyResponse = errors.New("language model returned empty response")
	// ErrUnknownProvider is returned by New for an unsupported provider name.
	ErrUnknownProvider = errors.New("unknown language model provider")
)

// Message is one conversation entry sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a single completion request.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature float64
	// JSON asks the provider for a strict JSON object response where supported.
	JSON bool
}

// Client is a language-model service.
type Client interface {
	// Complete returns the model's text for req.
	Complete(ctx context.Context, req *Request) (string, error)
	// Name identifies the provider in logs and metrics.
	Name() string
}

func readLimitedBody(r io.Reader) []byte {
	data, _ := io.ReadAll(io.LimitReader(r, maxErrorBodySize))
	return data
}
