package obs

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/arbiterhq/arbiter/internal/storage"
)

// captureEmitter records emitted events for assertions.
type captureEmitter struct {
	interactions []storage.Interaction
	feedback     []storage.Feedback
}

func (e *captureEmitter) EmitInteraction(_ context.Context, in storage.Interaction) {
	e.interactions = append(e.interactions, in)
}

func (e *captureEmitter) EmitFeedback(_ context.Context, fb storage.Feedback) {
	e.feedback = append(e.feedback, fb)
}

func TestRecordAssignsTraceID(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	emitter := &captureEmitter{}
	r := NewRecorder(store, "", emitter)

	traceID := r.Record(context.Background(), storage.Interaction{
		Prompt: "q", Response: "a", Model: "m", LatencyMs: 10,
	})
	if traceID == "" {
		t.Fatal("empty trace ID")
	}

	got, err := store.GetInteraction(traceID)
	if err != nil {
		t.Fatalf("GetInteraction: %v", err)
	}
	if got.Response != "a" || got.CreatedAt.IsZero() {
		t.Errorf("got %+v", got)
	}
	if len(emitter.interactions) != 1 || emitter.interactions[0].TraceID != traceID {
		t.Errorf("emitted = %+v", emitter.interactions)
	}
}

func TestRecordKeepsCallerTraceID(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	r := NewRecorder(store, "", nil)
	traceID := r.Record(context.Background(), storage.Interaction{
		TraceID: "given", Prompt: "q", Response: "a", Model: "m",
	})
	if traceID != "given" {
		t.Errorf("traceID = %q, want given", traceID)
	}
}

func TestRecordFallsBackToFileWhenStoreFails(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	store.Close() // every write now fails

	fallback := filepath.Join(t.TempDir(), "interactions.jsonl")
	r := NewRecorder(store, fallback, nil)

	traceID := r.Record(context.Background(), storage.Interaction{
		Prompt: "q", Response: "a", Model: "m",
	})
	r.RecordFeedback(context.Background(), storage.Feedback{TraceID: traceID, Score: 1})

	f, err := os.Open(fallback)
	if err != nil {
		t.Fatalf("fallback file not written: %v", err)
	}
	defer f.Close()

	var lines []map[string]json.RawMessage
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var line map[string]json.RawMessage
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			t.Fatalf("bad JSONL line %q: %v", scanner.Text(), err)
		}
		lines = append(lines, line)
	}
	if len(lines) != 2 {
		t.Fatalf("got %d fallback lines, want 2", len(lines))
	}

	var kind string
	if err := json.Unmarshal(lines[0]["kind"], &kind); err != nil || kind != "interaction" {
		t.Errorf("first line kind = %q (%v)", kind, err)
	}
	var in storage.Interaction
	if err := json.Unmarshal(lines[0]["record"], &in); err != nil {
		t.Fatalf("decoding fallback interaction: %v", err)
	}
	if in.TraceID != traceID || in.Response != "a" {
		t.Errorf("fallback record = %+v", in)
	}
}

func TestRecordFeedback(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	emitter := &captureEmitter{}
	r := NewRecorder(store, "", emitter)

	id := r.RecordFeedback(context.Background(), storage.Feedback{
		TraceID: "t1", Score: -1, Comment: "wrong", CreatedAt: time.Now().UTC(),
	})
	if id == "" {
		t.Fatal("empty feedback ID")
	}

	got, err := store.GetFeedbackByTrace("t1")
	if err != nil {
		t.Fatalf("GetFeedbackByTrace: %v", err)
	}
	if len(got) != 1 || got[0].ID != id || got[0].Score != -1 {
		t.Errorf("got %+v", got)
	}
	if len(emitter.feedback) != 1 {
		t.Errorf("emitted = %+v", emitter.feedback)
	}
}
