package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/arbiterhq/arbiter/internal/cache"
	"github.com/arbiterhq/arbiter/internal/provider"
	"github.com/arbiterhq/arbiter/internal/redact"
	"github.com/arbiterhq/arbiter/internal/storage"
)

// ErrNoUserMessage is returned when a request carries no user turn to
// answer.
var ErrNoUserMessage = errors.New("request contains no user message")

// DefaultPipelineTimeout bounds a full generate-verify-store pass.
const DefaultPipelineTimeout = 60 * time.Second

// recordTimeout bounds the detached write of the interaction record after
// the response is ready.
const recordTimeout = 5 * time.Second

// ResponseCache is the slice of the hybrid cache the gateway needs.
type ResponseCache interface {
	Lookup(ctx context.Context, prompt string, threshold float32) (*cache.Entry, error)
	Store(ctx context.Context, prompt, answer, model string) error
}

// InteractionSink persists one interaction and returns its trace ID. It
// must not fail the request: recording errors are the sink's problem.
type InteractionSink interface {
	Record(ctx context.Context, in storage.Interaction) string
}

// Request is one chat request entering the pipeline.
type Request struct {
	UserID      string
	Messages    []provider.Message
	Model       string
	Temperature float32
	Metadata    string
}

// Response is the pipeline's answer.
type Response struct {
	Answer            string  `json:"answer"`
	Model             string  `json:"model"`
	LatencyMs         float64 `json:"latency_ms"`
	Cached            bool    `json:"cached"`
	HallucinationFlag bool    `json:"hallucination_flag"`
	TraceID           string  `json:"trace_id"`
}

// Gateway wires the pipeline stages together. All collaborators are
// injected; any optional stage is represented by a no-op implementation
// rather than a nil check in the hot path.
type Gateway struct {
	redactor  redact.Redactor
	cache     ResponseCache
	chain     *Chain
	verifier  *Verifier
	sink      InteractionSink
	threshold float32
	timeout   time.Duration

	// group deduplicates concurrent generations of the same prompt.
	group singleflight.Group
}

// Options tunes the pipeline; zero values take defaults.
type Options struct {
	SimilarityThreshold float32
	PipelineTimeout     time.Duration
}

// New assembles a Gateway from its stages.
func New(redactor redact.Redactor, responseCache ResponseCache, chain *Chain, verifier *Verifier, sink InteractionSink, opts Options) *Gateway {
	if opts.SimilarityThreshold <= 0 {
		opts.SimilarityThreshold = cache.DefaultSimilarityThreshold
	}
	if opts.PipelineTimeout <= 0 {
		opts.PipelineTimeout = DefaultPipelineTimeout
	}
	return &Gateway{
		redactor:  redactor,
		cache:     responseCache,
		chain:     chain,
		verifier:  verifier,
		sink:      sink,
		threshold: opts.SimilarityThreshold,
		timeout:   opts.PipelineTimeout,
	}
}

// generation is the shared result of one deduplicated provider pass.
type generation struct {
	answer   string
	model    string
	verified bool
}

// Handle runs the full pipeline for one request.
func (g *Gateway) Handle(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	question, ok := lastUserContent(req.Messages)
	if !ok {
		return nil, ErrNoUserMessage
	}

	// Redaction failures never block the request; the prompt passes
	// through unredacted and the incident is logged.
	redacted, found, err := g.redactor.Redact(ctx, question)
	if err != nil {
		slog.Warn("redaction unavailable, passing prompt through", "error", err)
		redacted = question
	} else if found {
		slog.Debug("sensitive content redacted from prompt")
	}
	messages := replaceLastUser(req.Messages, redacted)

	entry, err := g.cache.Lookup(ctx, redacted, g.threshold)
	if err != nil {
		slog.Warn("cache lookup failed, treating as miss", "error", err)
	}
	if entry != nil {
		resp := &Response{
			Answer:    entry.Answer,
			Model:     entry.Model,
			LatencyMs: msSince(start),
			Cached:    true,
		}
		resp.TraceID = g.record(req, redacted, resp, true)
		return resp, nil
	}

	key := fmt.Sprintf("%s|%.2f|%s", cache.Key(redacted), req.Temperature, req.Model)
	result, err, shared := g.group.Do(key, func() (interface{}, error) {
		// Detach from the caller so one canceled request cannot kill a
		// generation other callers are waiting on.
		genCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
		defer cancel()

		answer, model, err := g.chain.Generate(genCtx, messages, req.Temperature, req.Model)
		if err != nil {
			return nil, err
		}

		verified := g.verifier.Verify(genCtx, redacted, answer)

		if err := g.cache.Store(genCtx, redacted, answer, model); err != nil {
			slog.Warn("cache store failed", "error", err)
		}
		return generation{answer: answer, model: model, verified: verified}, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		slog.Debug("generation shared with concurrent identical request")
	}

	gen := result.(generation)
	resp := &Response{
		Answer:            gen.answer,
		Model:             gen.model,
		LatencyMs:         msSince(start),
		HallucinationFlag: !gen.verified,
	}
	resp.TraceID = g.record(req, redacted, resp, gen.verified)
	return resp, nil
}

// record persists the interaction on a detached context so a canceled
// caller still leaves an audit row behind.
func (g *Gateway) record(req Request, prompt string, resp *Response, verified bool) string {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	return g.sink.Record(ctx, storage.Interaction{
		CreatedAt: time.Now().UTC(),
		UserID:    req.UserID,
		Prompt:    prompt,
		Response:  resp.Answer,
		Model:     resp.Model,
		LatencyMs: resp.LatencyMs,
		Cached:    resp.Cached,
		Verified:  verified,
		Metadata:  req.Metadata,
	})
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start)) / float64(time.Millisecond)
}

// lastUserContent returns the content of the final user turn.
func lastUserContent(messages []provider.Message) (string, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == provider.RoleUser {
			return messages[i].Content, true
		}
	}
	return "", false
}

// replaceLastUser returns a copy of messages with the final user turn's
// content swapped. The input slice is never mutated.
func replaceLastUser(messages []provider.Message, content string) []provider.Message {
	out := make([]provider.Message, len(messages))
	copy(out, messages)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i].Role == provider.RoleUser {
			out[i].Content = content
			break
		}
	}
	return out
}
