package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/arbiterhq/arbiter/internal/cache"
	"github.com/arbiterhq/arbiter/internal/gateway"
	"github.com/arbiterhq/arbiter/internal/obs"
	"github.com/arbiterhq/arbiter/internal/provider"
	"github.com/arbiterhq/arbiter/internal/redact"
	"github.com/arbiterhq/arbiter/internal/storage"
)

// --- mocks ---

type mockPipeline struct {
	resp    *gateway.Response
	err     error
	lastReq gateway.Request
}

func (m *mockPipeline) Handle(_ context.Context, req gateway.Request) (*gateway.Response, error) {
	m.lastReq = req
	return m.resp, m.err
}

type mockFeedback struct {
	recorded []storage.Feedback
}

func (m *mockFeedback) RecordFeedback(_ context.Context, fb storage.Feedback) string {
	m.recorded = append(m.recorded, fb)
	return "fb-1"
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func postJSON(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshaling body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

// --- tests ---

func TestHealth(t *testing.T) {
	h := NewHandler(Deps{Pipeline: &mockPipeline{}, Feedback: &mockFeedback{}, Store: openTestStore(t)})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestChat(t *testing.T) {
	p := &mockPipeline{resp: &gateway.Response{Answer: "4", Model: "m1", TraceID: "t1"}}
	h := NewHandler(Deps{Pipeline: p, Feedback: &mockFeedback{}, Store: openTestStore(t)})

	rec := postJSON(t, h, "/chat", map[string]any{
		"user_id": "u1",
		"messages": []map[string]string{
			{"role": "user", "content": "What is 2+2?"},
		},
		"temperature": 0.2,
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp gateway.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Answer != "4" || resp.TraceID != "t1" {
		t.Errorf("resp = %+v", resp)
	}
	if p.lastReq.Temperature != 0.2 || p.lastReq.UserID != "u1" {
		t.Errorf("pipeline request = %+v", p.lastReq)
	}
}

func TestChatPromptShorthand(t *testing.T) {
	p := &mockPipeline{resp: &gateway.Response{Answer: "ok"}}
	h := NewHandler(Deps{Pipeline: p, Feedback: &mockFeedback{}, Store: openTestStore(t)})

	rec := postJSON(t, h, "/chat", map[string]any{"prompt": "hello"})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(p.lastReq.Messages) != 1 || p.lastReq.Messages[0].Role != provider.RoleUser || p.lastReq.Messages[0].Content != "hello" {
		t.Errorf("messages = %+v", p.lastReq.Messages)
	}
	if p.lastReq.Temperature != defaultTemperature {
		t.Errorf("temperature = %v, want default", p.lastReq.Temperature)
	}
}

func TestChatValidation(t *testing.T) {
	h := NewHandler(Deps{Pipeline: &mockPipeline{}, Feedback: &mockFeedback{}, Store: openTestStore(t)})

	cases := []struct {
		name string
		body map[string]any
	}{
		{"empty", map[string]any{}},
		{"bad role", map[string]any{"messages": []map[string]string{{"role": "robot", "content": "x"}}}},
		{"temperature too high", map[string]any{"prompt": "x", "temperature": 3.0}},
		{"temperature negative", map[string]any{"prompt": "x", "temperature": -0.5}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := postJSON(t, h, "/chat", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestChatAllProvidersFailed(t *testing.T) {
	p := &mockPipeline{err: &gateway.AllProvidersFailedError{Attempts: []gateway.Attempt{
		{Provider: "m1", Err: errors.New("down")},
		{Provider: "m2", Err: errors.New("quota")},
	}}}
	h := NewHandler(Deps{Pipeline: p, Feedback: &mockFeedback{}, Store: openTestStore(t)})

	rec := postJSON(t, h, "/chat", map[string]any{"prompt": "q"})

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	var body struct {
		Error struct {
			Type     string `json:"type"`
			Attempts []struct {
				Provider string `json:"provider"`
			} `json:"attempts"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body.Error.Type != "upstream_error" || len(body.Error.Attempts) != 2 {
		t.Errorf("body = %s", rec.Body.String())
	}
	if body.Error.Attempts[0].Provider != "m1" {
		t.Errorf("attempts = %+v", body.Error.Attempts)
	}
}

func TestChatNoProviders(t *testing.T) {
	p := &mockPipeline{err: gateway.ErrNoProviders}
	h := NewHandler(Deps{Pipeline: p, Feedback: &mockFeedback{}, Store: openTestStore(t)})

	rec := postJSON(t, h, "/chat", map[string]any{"prompt": "q"})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestFeedback(t *testing.T) {
	fb := &mockFeedback{}
	h := NewHandler(Deps{Pipeline: &mockPipeline{}, Feedback: fb, Store: openTestStore(t)})

	rec := postJSON(t, h, "/feedback", map[string]any{"trace_id": "t1", "score": -1, "comment": "wrong"})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(fb.recorded) != 1 || fb.recorded[0].TraceID != "t1" || fb.recorded[0].Score != -1 {
		t.Errorf("recorded = %+v", fb.recorded)
	}
	if !strings.Contains(rec.Body.String(), `"recorded"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestFeedbackValidation(t *testing.T) {
	h := NewHandler(Deps{Pipeline: &mockPipeline{}, Feedback: &mockFeedback{}, Store: openTestStore(t)})

	for name, body := range map[string]map[string]any{
		"missing trace_id": {"score": 1},
		"score too high":   {"trace_id": "t1", "score": 2},
		"score too low":    {"trace_id": "t1", "score": -2},
	} {
		t.Run(name, func(t *testing.T) {
			rec := postJSON(t, h, "/feedback", body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestAdminRequiresToken(t *testing.T) {
	store := openTestStore(t)
	h := NewHandler(Deps{Pipeline: &mockPipeline{}, Feedback: &mockFeedback{}, Store: store, Token: "secret"})

	req := httptest.NewRequest(http.MethodGet, "/admin/interactions", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status without token = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/admin/interactions", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status with wrong token = %d, want 401", rec.Code)
	}
}

func TestAdminNotMountedWithoutToken(t *testing.T) {
	h := NewHandler(Deps{Pipeline: &mockPipeline{}, Feedback: &mockFeedback{}, Store: openTestStore(t)})

	req := httptest.NewRequest(http.MethodGet, "/admin/interactions", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestAdminGetInteraction(t *testing.T) {
	store := openTestStore(t)
	if err := store.SaveInteraction(storage.Interaction{
		TraceID: "t1", CreatedAt: time.Now().UTC(), Prompt: "q", Response: "a", Model: "m",
	}); err != nil {
		t.Fatalf("SaveInteraction: %v", err)
	}
	if err := store.SaveFeedback(storage.Feedback{ID: "f1", TraceID: "t1", Score: 1, CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("SaveFeedback: %v", err)
	}

	h := NewHandler(Deps{Pipeline: &mockPipeline{}, Feedback: &mockFeedback{}, Store: store, Token: "secret"})

	req := httptest.NewRequest(http.MethodGet, "/admin/interactions/t1", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Interaction storage.Interaction `json:"interaction"`
		Feedback    []storage.Feedback  `json:"feedback"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body.Interaction.Response != "a" || len(body.Feedback) != 1 {
		t.Errorf("body = %s", rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/admin/interactions/missing", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status for missing = %d, want 404", rec.Code)
	}
}

// slowProvider answers after a fixed delay so cached responses are
// measurably faster.
type slowProvider struct {
	delay time.Duration
}

func (slowProvider) Name() string { return "slow-model" }

func (p slowProvider) Generate(ctx context.Context, messages []provider.Message, _ float32) (string, error) {
	select {
	case <-time.After(p.delay):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	last := messages[len(messages)-1].Content
	return "echo: " + last, nil
}

// yesProvider is a judge that always verifies.
type yesProvider struct{}

func (yesProvider) Name() string { return "judge" }

func (yesProvider) Generate(context.Context, []provider.Message, float32) (string, error) {
	return "YES", nil
}

func newExactOnlyCache(t *testing.T, store *storage.Store) *cache.Hybrid {
	t.Helper()
	return cache.New(cache.NewSQLiteExact(store.DB()), nil, nil, time.Hour)
}

func TestChatEndToEndCaching(t *testing.T) {
	store := openTestStore(t)

	hybrid := newExactOnlyCache(t, store)
	chain := gateway.NewChain([]provider.Provider{slowProvider{delay: 20 * time.Millisecond}}, 0)
	verifier := gateway.NewVerifier(yesProvider{}, 0)
	recorder := obs.NewRecorder(store, "", nil)
	g := gateway.New(redact.Passthrough{}, hybrid, chain, verifier, recorder, gateway.Options{})

	h := NewHandler(Deps{Pipeline: g, Feedback: recorder, Store: store})

	first := postJSON(t, h, "/chat", map[string]any{"prompt": "What is 2+2?"})
	if first.Code != http.StatusOK {
		t.Fatalf("first status = %d, body = %s", first.Code, first.Body.String())
	}
	var r1 gateway.Response
	if err := json.Unmarshal(first.Body.Bytes(), &r1); err != nil {
		t.Fatalf("decoding first response: %v", err)
	}
	if r1.Cached {
		t.Error("first response should not be cached")
	}
	if r1.LatencyMs < 20 {
		t.Errorf("first latency = %v ms, want >= provider delay", r1.LatencyMs)
	}

	second := postJSON(t, h, "/chat", map[string]any{"prompt": "What is 2+2?"})
	var r2 gateway.Response
	if err := json.Unmarshal(second.Body.Bytes(), &r2); err != nil {
		t.Fatalf("decoding second response: %v", err)
	}
	if !r2.Cached {
		t.Fatal("second identical request should hit the cache")
	}
	if r2.Answer != r1.Answer {
		t.Errorf("answers differ: %q vs %q", r1.Answer, r2.Answer)
	}
	if r2.LatencyMs >= r1.LatencyMs {
		t.Errorf("cached latency %v ms not below generated %v ms", r2.LatencyMs, r1.LatencyMs)
	}

	// Both interactions were recorded with distinct traces.
	count, err := store.CountInteractions()
	if err != nil {
		t.Fatalf("CountInteractions: %v", err)
	}
	if count != 2 {
		t.Errorf("interactions = %d, want 2", count)
	}
	if r1.TraceID == r2.TraceID {
		t.Error("trace IDs must be distinct")
	}
}
