package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const defaultRequestTimeout = 15 * time.Second

// OpenAI is a Provider backed by an OpenAI-compatible chat completion API.
// One instance is bound to one model name; the fallback chain holds several.
type OpenAI struct {
	model   string
	client  *openai.Client
	timeout time.Duration
}

// NewOpenAI creates a provider for the given model.
func NewOpenAI(apiKey, model string, timeout time.Duration) *OpenAI {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &OpenAI{
		model:   model,
		client:  openai.NewClient(apiKey),
		timeout: timeout,
	}
}

// NewOpenAIWithBaseURL creates a provider pointing at a custom base URL (for testing).
func NewOpenAIWithBaseURL(apiKey, model, baseURL string, timeout time.Duration) *OpenAI {
	p := NewOpenAI(apiKey, model, timeout)
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = strings.TrimRight(baseURL, "/")
	p.client = openai.NewClientWithConfig(cfg)
	return p
}

// Name returns the model identifier.
func (p *OpenAI) Name() string {
	return p.model
}

// Generate sends the conversation to the chat completion endpoint and
// returns the assistant's reply.
func (p *OpenAI) Generate(ctx context.Context, messages []Message, temperature float32) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	msgs := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		msgs[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    msgs,
		Temperature: temperature,
	})
	if err != nil {
		return "", fmt.Errorf("%s: chat completion: %w", p.model, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%s: chat completion returned no choices", p.model)
	}
	return resp.Choices[0].Message.Content, nil
}

// OpenAIEmbedder implements Embedder using an OpenAI-compatible embeddings API.
type OpenAIEmbedder struct {
	model  openai.EmbeddingModel
	client *openai.Client
}

// NewOpenAIEmbedder creates an embedder for the given embedding model.
func NewOpenAIEmbedder(apiKey, model string) *OpenAIEmbedder {
	return &OpenAIEmbedder{
		model:  openai.EmbeddingModel(model),
		client: openai.NewClient(apiKey),
	}
}

// NewOpenAIEmbedderWithBaseURL creates an embedder pointing at a custom base URL (for testing).
func NewOpenAIEmbedderWithBaseURL(apiKey, model, baseURL string) *OpenAIEmbedder {
	e := NewOpenAIEmbedder(apiKey, model)
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = strings.TrimRight(baseURL, "/")
	e.client = openai.NewClientWithConfig(cfg)
	return e
}

// Embed returns the embedding vector for a single text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: e.model,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding request: %w", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("embedding response contained no data")
	}
	return resp.Data[0].Embedding, nil
}
