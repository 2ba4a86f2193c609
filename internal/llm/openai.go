package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/nugget/mnemon/internal/httpkit"
)

// OpenAIClient talks to any OpenAI-compatible chat completions endpoint
// (OpenAI itself, vLLM, LM Studio, llama.cpp server).
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIClient creates a client for baseURL (for example
// https://api.openai.com/v1).
func NewOpenAIClient(baseURL, apiKey, model string, timeout time.Duration) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	cfg.HTTPClient = httpkit.NewClient(httpkit.WithTimeout(timeout))
	return &OpenAIClient{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

// Complete sends a non-streaming chat completion request.
func (c *OpenAIClient) Complete(ctx context.Context, system, user string) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: DefaultTemperature,
		MaxTokens:   DefaultMaxTokens,
	})
	if err != nil {
		return "", &ServiceError{Provider: "openai", Status: openAIStatus(err), Err: err}
	}
	if len(resp.Choices) == 0 {
		return "", &ServiceError{Provider: "openai", Err: fmt.Errorf("response has no choices")}
	}
	return resp.Choices[0].Message.Content, nil
}

// openAIStatus digs the HTTP status out of go-openai's error types.
func openAIStatus(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}
