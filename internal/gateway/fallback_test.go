package gateway

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/arbiterhq/arbiter/internal/provider"
)

// fakeProvider is a scriptable provider for pipeline tests.
type fakeProvider struct {
	name   string
	answer string
	err    error
	calls  int
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Generate(ctx context.Context, _ []provider.Message, _ float32) (string, error) {
	f.calls++
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if f.err != nil {
		return "", f.err
	}
	return f.answer, nil
}

func userMessage(content string) []provider.Message {
	return []provider.Message{{Role: provider.RoleUser, Content: content}}
}

func TestChainFallsThroughToSecondProvider(t *testing.T) {
	p1 := &fakeProvider{name: "m1", err: errors.New("rate limited")}
	p2 := &fakeProvider{name: "m2", answer: "ok"}
	p3 := &fakeProvider{name: "m3", answer: "never"}
	chain := NewChain([]provider.Provider{p1, p2, p3}, 0)

	answer, model, err := chain.Generate(context.Background(), userMessage("q"), 0.7, "")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if answer != "ok" || model != "m2" {
		t.Errorf("got (%q, %q), want (ok, m2)", answer, model)
	}
	if p3.calls != 0 {
		t.Errorf("third provider called %d times after success, want 0", p3.calls)
	}
}

func TestChainAllFail(t *testing.T) {
	p1 := &fakeProvider{name: "m1", err: errors.New("down")}
	p2 := &fakeProvider{name: "m2", err: errors.New("quota")}
	chain := NewChain([]provider.Provider{p1, p2}, 0)

	_, _, err := chain.Generate(context.Background(), userMessage("q"), 0.7, "")
	var allFailed *AllProvidersFailedError
	if !errors.As(err, &allFailed) {
		t.Fatalf("err = %v, want AllProvidersFailedError", err)
	}
	if len(allFailed.Attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(allFailed.Attempts))
	}
	if allFailed.Attempts[0].Provider != "m1" || allFailed.Attempts[1].Provider != "m2" {
		t.Errorf("attempt order = %+v", allFailed.Attempts)
	}
	for _, name := range []string{"m1", "down", "m2", "quota"} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("error %q missing %q", err.Error(), name)
		}
	}
}

func TestChainNoProviders(t *testing.T) {
	chain := NewChain(nil, 0)
	_, _, err := chain.Generate(context.Background(), userMessage("q"), 0.7, "")
	if !errors.Is(err, ErrNoProviders) {
		t.Fatalf("err = %v, want ErrNoProviders", err)
	}
}

func TestChainPreferredModelFirst(t *testing.T) {
	p1 := &fakeProvider{name: "m1", answer: "from m1"}
	p2 := &fakeProvider{name: "m2", answer: "from m2"}
	chain := NewChain([]provider.Provider{p1, p2}, 0)

	answer, model, err := chain.Generate(context.Background(), userMessage("q"), 0.7, "m2")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if model != "m2" || answer != "from m2" {
		t.Errorf("got (%q, %q), want preferred m2", answer, model)
	}
	if p1.calls != 0 {
		t.Errorf("p1 called %d times, want 0", p1.calls)
	}
}

func TestChainUnknownPreferredKeepsOrder(t *testing.T) {
	p1 := &fakeProvider{name: "m1", answer: "from m1"}
	p2 := &fakeProvider{name: "m2", answer: "from m2"}
	chain := NewChain([]provider.Provider{p1, p2}, 0)

	_, model, err := chain.Generate(context.Background(), userMessage("q"), 0.7, "no-such-model")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if model != "m1" {
		t.Errorf("model = %q, want m1", model)
	}
}

func TestChainStopsWhenContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p1 := &fakeProvider{name: "m1", err: errors.New("down")}
	p2 := &fakeProvider{name: "m2", answer: "ok"}
	chain := NewChain([]provider.Provider{p1, p2}, 0)

	cancel()
	_, _, err := chain.Generate(ctx, userMessage("q"), 0.7, "")
	var allFailed *AllProvidersFailedError
	if !errors.As(err, &allFailed) {
		t.Fatalf("err = %v, want AllProvidersFailedError", err)
	}
	if p2.calls != 0 {
		t.Errorf("p2 called after cancellation")
	}
}
