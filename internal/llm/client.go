// Package llm provides text-completion clients. Every provider answers a
// single (system instruction, user prompt) pair with free text.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/mnemon/internal/config"
)

// Request defaults shared by every provider.
const (
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 1000
)

// Client is the interface every completion provider implements.
type Client interface {
	// Complete sends one system instruction and one user prompt and
	// returns the reply text.
	Complete(ctx context.Context, system, user string) (string, error)
}

// ServiceError reports a failed or timed-out completion call. It aborts
// the current turn only.
type ServiceError struct {
	Provider string
	Status   int // HTTP status, 0 when the request never completed
	Err      error
}

func (e *ServiceError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s completion failed (HTTP %d): %v", e.Provider, e.Status, e.Err)
	}
	return fmt.Sprintf("%s completion failed: %v", e.Provider, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// Logged wraps a Client so every call is logged at debug level with its
// duration, and the full prompt and reply at trace level.
func Logged(c Client, logger *slog.Logger) Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &loggedClient{next: c, logger: logger}
}

type loggedClient struct {
	next   Client
	logger *slog.Logger
}

func (l *loggedClient) Complete(ctx context.Context, system, user string) (string, error) {
	start := time.Now()
	l.logger.Log(ctx, config.LevelTrace, "completion request", "system", system, "user", user)

	reply, err := l.next.Complete(ctx, system, user)
	if err != nil {
		l.logger.Warn("completion failed", "error", err, "elapsed", time.Since(start))
		return "", err
	}

	l.logger.Debug("completion done", "elapsed", time.Since(start), "reply_len", len(reply))
	l.logger.Log(ctx, config.LevelTrace, "completion reply", "reply", reply)
	return reply, nil
}

// New builds the client selected by cfg.Provider.
func New(cfg config.CompletionConfig, logger *slog.Logger) (Client, error) {
	var c Client
	switch cfg.Provider {
	case "openai":
		c = NewOpenAIClient(cfg.BaseURL, cfg.APIKey, cfg.Model, cfg.Timeout())
	case "anthropic":
		c = NewAnthropicClient(cfg.BaseURL, cfg.APIKey, cfg.Model, cfg.Timeout())
	case "ollama":
		c = NewOllamaClient(cfg.BaseURL, cfg.Model, cfg.Timeout())
	default:
		return nil, fmt.Errorf("unknown completion provider %q", cfg.Provider)
	}
	return Logged(c, logger.With("provider", cfg.Provider, "model", cfg.Model)), nil
}
