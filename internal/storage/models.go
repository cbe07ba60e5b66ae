package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Interaction is one served chat request, appended exactly once and never
// mutated. Metadata is an opaque JSON object stored as text.
type Interaction struct {
	TraceID   string    `json:"trace_id"`
	CreatedAt time.Time `json:"created_at"`
	UserID    string    `json:"user_id"`
	Prompt    string    `json:"prompt"` // post-redaction
	Response  string    `json:"response"`
	Model     string    `json:"model"`
	LatencyMs float64   `json:"latency_ms"`
	Cached    bool      `json:"cached"`
	Verified  bool      `json:"verified"`
	Metadata  string    `json:"metadata"`
}

// Feedback is a user score correlated to an Interaction only by TraceID.
// No referential integrity is enforced: a feedback row may reference a
// trace that was never recorded.
type Feedback struct {
	ID        string    `json:"id"`
	TraceID   string    `json:"trace_id"`
	Score     int       `json:"score"`
	Comment   string    `json:"comment"`
	CreatedAt time.Time `json:"created_at"`
}
