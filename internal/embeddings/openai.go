package embeddings

import (
	"context"
	"errors"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/nugget/mnemon/internal/httpkit"
)

// OpenAIClient generates embeddings from an OpenAI-compatible
// /embeddings endpoint.
type OpenAIClient struct {
	client     *openai.Client
	model      string
	dimensions int
}

// NewOpenAIClient creates an embedding client. A positive dimensions is
// sent with each request for models that support shortening.
func NewOpenAIClient(baseURL, apiKey, model string, dimensions int, timeout time.Duration) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	cfg.HTTPClient = httpkit.NewClient(httpkit.WithTimeout(timeout))
	return &OpenAIClient{
		client:     openai.NewClientWithConfig(cfg),
		model:      model,
		dimensions: dimensions,
	}
}

// Generate creates an embedding for the given text.
func (c *OpenAIClient) Generate(ctx context.Context, text string) ([]float32, error) {
	resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      []string{text},
		Model:      openai.EmbeddingModel(c.model),
		Dimensions: c.dimensions,
	})
	if err != nil {
		status := 0
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			status = apiErr.HTTPStatusCode
		}
		return nil, &ServiceError{Provider: "openai", Status: status, Err: err}
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, &ServiceError{Provider: "openai", Err: errors.New("empty embedding")}
	}
	return resp.Data[0].Embedding, nil
}
