// Package cache implements the hybrid response cache: an exact-match store
// keyed by a content digest, fronting an optional similarity layer that
// matches paraphrases via embedding nearest-neighbor search.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Defaults mirror the gateway's tuning knobs.
const (
	DefaultTTL                 = time.Hour
	DefaultSimilarityThreshold = 0.90
)

// Entry is a cached (answer, backend) pair for a prompt. The same payload
// is stored in both layers; the exact store is authoritative.
type Entry struct {
	PromptHash string    `json:"prompt_hash"`
	Prompt     string    `json:"prompt"`
	Answer     string    `json:"answer"`
	Model      string    `json:"model"`
	CreatedAt  time.Time `json:"created_at"`
}

// ExactStore is a key/value store with per-key expiry. Get returns
// (nil, nil) on a miss.
type ExactStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Match is one nearest-neighbor result with its payload.
type Match struct {
	ID      string
	Score   float32
	Payload []byte
}

// VectorIndex is a cosine-similarity nearest-neighbor index with an opaque
// payload per point.
type VectorIndex interface {
	Upsert(ctx context.Context, id string, vector []float32, payload []byte) error
	Query(ctx context.Context, vector []float32, topK int, threshold float32) ([]Match, error)
}

// Embedder turns text into a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Hybrid reconciles the two retrieval strategies. The similarity layer
// (index + embedder) is optional; when either is absent or failing the
// cache degrades to exact-only behavior. A failure of the exact store is
// a failure of the cache itself.
type Hybrid struct {
	exact ExactStore
	index VectorIndex
	embed Embedder
	ttl   time.Duration
}

// New creates a Hybrid cache. index and embed may be nil (exact-only mode);
// ttl <= 0 falls back to DefaultTTL.
func New(exact ExactStore, index VectorIndex, embed Embedder, ttl time.Duration) *Hybrid {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Hybrid{exact: exact, index: index, embed: embed, ttl: ttl}
}

// Key returns the content digest used as the exact-store key and the
// vector point ID for a prompt.
func Key(prompt string) string {
	sum := sha256.Sum256([]byte(normalize(prompt)))
	return "chat:" + hex.EncodeToString(sum[:])
}

// normalize trims surrounding whitespace only; anything stronger would
// weaken the exact layer's byte-identical guarantee.
func normalize(prompt string) string {
	return strings.TrimSpace(prompt)
}

// Lookup returns the cached entry for a prompt, or nil on a miss. The
// exact layer is consulted first; on a miss, the similarity layer returns
// the nearest neighbor only if its cosine score meets the threshold.
func (c *Hybrid) Lookup(ctx context.Context, prompt string, threshold float32) (*Entry, error) {
	if threshold <= 0 {
		threshold = DefaultSimilarityThreshold
	}

	key := Key(prompt)
	raw, err := c.exact.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("exact store get: %w", err)
	}
	if raw != nil {
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, fmt.Errorf("decoding cached entry: %w", err)
		}
		return &entry, nil
	}

	if c.index == nil || c.embed == nil {
		return nil, nil
	}

	vector, err := c.embed.Embed(ctx, normalize(prompt))
	if err != nil {
		slog.Warn("cache: embedding failed, falling back to exact-only lookup", "error", err)
		return nil, nil
	}
	matches, err := c.index.Query(ctx, vector, 1, threshold)
	if err != nil {
		slog.Warn("cache: vector query failed, falling back to exact-only lookup", "error", err)
		return nil, nil
	}
	if len(matches) == 0 {
		return nil, nil
	}

	var entry Entry
	if err := json.Unmarshal(matches[0].Payload, &entry); err != nil {
		slog.Warn("cache: discarding similarity hit with bad payload", "id", matches[0].ID, "error", err)
		return nil, nil
	}
	return &entry, nil
}

// Store writes the entry to the exact layer with the configured TTL and
// upserts it into the similarity layer. The two writes are not
// transactional: an exact-store failure aborts the operation, while a
// similarity failure leaves a valid exact entry behind.
func (c *Hybrid) Store(ctx context.Context, prompt, answer, model string) error {
	key := Key(prompt)
	entry := Entry{
		PromptHash: key,
		Prompt:     normalize(prompt),
		Answer:     answer,
		Model:      model,
		CreatedAt:  time.Now().UTC(),
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding cache entry: %w", err)
	}

	if err := c.exact.Set(ctx, key, raw, c.ttl); err != nil {
		return fmt.Errorf("exact store set: %w", err)
	}

	if c.index == nil || c.embed == nil {
		return nil
	}
	vector, err := c.embed.Embed(ctx, entry.Prompt)
	if err != nil {
		slog.Warn("cache: embedding failed, stored exact entry only", "error", err)
		return nil
	}
	if err := c.index.Upsert(ctx, key, vector, raw); err != nil {
		slog.Warn("cache: vector upsert failed, stored exact entry only", "error", err)
	}
	return nil
}
