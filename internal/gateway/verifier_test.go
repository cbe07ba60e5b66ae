package gateway

import (
	"context"
	"errors"
	"testing"

	"github.com/arbiterhq/arbiter/internal/provider"
)

// judgeFunc adapts a function to provider.Provider for verifier tests.
type judgeFunc func(ctx context.Context, messages []provider.Message, temperature float32) (string, error)

func (judgeFunc) Name() string { return "judge" }

func (f judgeFunc) Generate(ctx context.Context, messages []provider.Message, temperature float32) (string, error) {
	return f(ctx, messages, temperature)
}

func TestVerifierReplies(t *testing.T) {
	cases := []struct {
		name  string
		reply string
		want  bool
	}{
		{"plain yes", "YES", true},
		{"lowercase yes", "yes", true},
		{"yes with trailing prose", "Yes, the answer is grounded.", true},
		{"plain no", "NO", false},
		{"hedge", "I am not sure", false},
		{"empty", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := NewVerifier(judgeFunc(func(context.Context, []provider.Message, float32) (string, error) {
				return tc.reply, nil
			}), 0)
			if got := v.Verify(context.Background(), "q", "a"); got != tc.want {
				t.Errorf("Verify(%q) = %v, want %v", tc.reply, got, tc.want)
			}
		})
	}
}

func TestVerifierJudgeError(t *testing.T) {
	v := NewVerifier(judgeFunc(func(context.Context, []provider.Message, float32) (string, error) {
		return "", errors.New("judge unavailable")
	}), 0)
	if v.Verify(context.Background(), "q", "a") {
		t.Error("want unverified when the judge errors")
	}
}

func TestVerifierProbeShape(t *testing.T) {
	var gotMessages []provider.Message
	var gotTemp float32 = -1
	v := NewVerifier(judgeFunc(func(_ context.Context, messages []provider.Message, temperature float32) (string, error) {
		gotMessages = messages
		gotTemp = temperature
		return "YES", nil
	}), 0)

	v.Verify(context.Background(), "What is 2+2?", "4")

	if gotTemp != 0 {
		t.Errorf("temperature = %v, want 0", gotTemp)
	}
	if len(gotMessages) != 2 || gotMessages[0].Role != provider.RoleSystem || gotMessages[1].Role != provider.RoleUser {
		t.Fatalf("messages = %+v", gotMessages)
	}
}
