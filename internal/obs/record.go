package obs

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arbiterhq/arbiter/internal/storage"
)

// Recorder persists interactions and feedback. A database failure falls
// back to an append-only JSONL file so no interaction is ever silently
// dropped; recording never fails the request it belongs to.
type Recorder struct {
	store        *storage.Store
	fallbackPath string
	emitter      TraceEmitter

	mu sync.Mutex // serializes fallback-file appends
}

// NewRecorder builds a Recorder. emitter may be nil (no trace mirroring);
// fallbackPath may be empty to disable the file fallback.
func NewRecorder(store *storage.Store, fallbackPath string, emitter TraceEmitter) *Recorder {
	if emitter == nil {
		emitter = NopEmitter{}
	}
	return &Recorder{store: store, fallbackPath: fallbackPath, emitter: emitter}
}

// Record persists one interaction and returns its trace ID, generating
// one when the caller didn't set it.
func (r *Recorder) Record(ctx context.Context, in storage.Interaction) string {
	if in.TraceID == "" {
		in.TraceID = uuid.NewString()
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}

	if err := r.store.SaveInteraction(in); err != nil {
		slog.Error("saving interaction failed, writing fallback record", "trace_id", in.TraceID, "error", err)
		r.appendFallback("interaction", in)
	}
	r.emitter.EmitInteraction(ctx, in)
	return in.TraceID
}

// RecordFeedback persists one feedback event and returns its ID.
func (r *Recorder) RecordFeedback(ctx context.Context, fb storage.Feedback) string {
	if fb.ID == "" {
		fb.ID = uuid.NewString()
	}
	if fb.CreatedAt.IsZero() {
		fb.CreatedAt = time.Now().UTC()
	}

	if err := r.store.SaveFeedback(fb); err != nil {
		slog.Error("saving feedback failed, writing fallback record", "trace_id", fb.TraceID, "error", err)
		r.appendFallback("feedback", fb)
	}
	r.emitter.EmitFeedback(ctx, fb)
	return fb.ID
}

// appendFallback writes one JSONL line {"kind": ..., "record": ...} to the
// fallback file.
func (r *Recorder) appendFallback(kind string, record interface{}) {
	if r.fallbackPath == "" {
		return
	}

	line, err := json.Marshal(map[string]interface{}{"kind": kind, "record": record})
	if err != nil {
		slog.Error("encoding fallback record", "error", err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := os.OpenFile(r.fallbackPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Error("opening fallback file", "path", r.fallbackPath, "error", err)
		return
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		slog.Error("appending fallback record", "path", r.fallbackPath, "error", err)
	}
}
