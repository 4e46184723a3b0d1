package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Config selects and configures a provider.
type Config struct {
	Provider      string
	Model         string
	OpenAIBaseURL string
	OpenAIAPIKey  string
	GoogleAPIKey  string
	GRPCAddress   string
}

// New builds the client named by cfg.Provider. The returned close function
// is never nil.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (Client, func(), error) {
	noop := func() {}
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "openai":
		c, err := NewOpenAIClient(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.Model)
		if err != nil {
			return nil, noop, err
		}
		return c, noop, nil
	case "gemini":
		c, err := NewGeminiClient(ctx, cfg.GoogleAPIKey, cfg.Model)
		if err != nil {
			return nil, noop, err
		}
		return c, noop, nil
	case "grpc":
		gc := DefaultGRPCClientConfig()
		gc.Address = cfg.GRPCAddress
		gc.Model = cfg.Model
		c, err := NewGRPCClient(gc, logger)
		if err != nil {
			return nil, noop, err
		}
		return c, c.Close, nil
	default:
		return nil, noop, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}
}
