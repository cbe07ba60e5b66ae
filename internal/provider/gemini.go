package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// Gemini is a Provider backed by the Google Generative AI API. It serves as
// the alternate-vendor backend at the tail of the fallback chain.
type Gemini struct {
	model   string
	client  *genai.Client
	timeout time.Duration
}

// NewGemini creates a Gemini provider. The caller owns the client lifecycle
// and must call Close on shutdown.
func NewGemini(ctx context.Context, apiKey, model string, timeout time.Duration) (*Gemini, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &Gemini{model: model, client: client, timeout: timeout}, nil
}

// Close releases the underlying client.
func (p *Gemini) Close() error {
	return p.client.Close()
}

// Name returns the model identifier.
func (p *Gemini) Name() string {
	return p.model
}

// Generate sends the conversation to Gemini and returns the reply text.
// System turns become the model's system instruction; assistant turns map to
// the "model" role. The final turn must be user-authored.
func (p *Gemini) Generate(ctx context.Context, messages []Message, temperature float32) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	model := p.client.GenerativeModel(p.model)
	model.GenerationConfig = genai.GenerationConfig{Temperature: &temperature}

	var system strings.Builder
	var history []*genai.Content
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			if system.Len() > 0 {
				system.WriteString("\n")
			}
			system.WriteString(m.Content)
		case RoleAssistant:
			history = append(history, &genai.Content{Role: "model", Parts: []genai.Part{genai.Text(m.Content)}})
		default:
			history = append(history, &genai.Content{Role: "user", Parts: []genai.Part{genai.Text(m.Content)}})
		}
	}
	if system.Len() > 0 {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system.String())}}
	}
	if len(history) == 0 {
		return "", fmt.Errorf("%s: empty conversation", p.model)
	}

	last := history[len(history)-1]
	if last.Role != "user" {
		return "", fmt.Errorf("%s: last turn is not user-authored", p.model)
	}

	chat := model.StartChat()
	chat.History = history[:len(history)-1]

	resp, err := chat.SendMessage(ctx, last.Parts...)
	if err != nil {
		return "", fmt.Errorf("%s: send message: %w", p.model, err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("%s: response had no candidates", p.model)
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text.WriteString(string(t))
		}
	}
	if text.Len() == 0 {
		return "", fmt.Errorf("%s: response contained no text parts", p.model)
	}
	return text.String(), nil
}
