package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/arbiterhq/arbiter/internal/provider"
)

// DefaultVerifyTimeout bounds the verification probe so a slow judge
// never stalls the response path.
const DefaultVerifyTimeout = 12 * time.Second

const verifierInstruction = "You are a strict fact checker. Given a question and an answer, " +
	"reply with exactly YES if the answer is factually grounded and responsive to the question, " +
	"or exactly NO if it is not. Reply with a single word."

// Verifier runs a second model pass that judges whether an answer is
// grounded in the question. The judgement is advisory: a failed or
// malformed probe marks the answer unverified rather than failing the
// request.
type Verifier struct {
	judge   provider.Provider
	timeout time.Duration
}

// NewVerifier wraps a provider as the judge; timeout <= 0 uses
// DefaultVerifyTimeout.
func NewVerifier(judge provider.Provider, timeout time.Duration) *Verifier {
	if timeout <= 0 {
		timeout = DefaultVerifyTimeout
	}
	return &Verifier{judge: judge, timeout: timeout}
}

// Verify returns true only when the judge answers YES. Any error, timeout
// or unparseable reply returns false.
func (v *Verifier) Verify(ctx context.Context, question, answer string) bool {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	messages := []provider.Message{
		{Role: provider.RoleSystem, Content: verifierInstruction},
		{Role: provider.RoleUser, Content: fmt.Sprintf("Question: %s\n\nAnswer: %s", question, answer)},
	}
	// Temperature 0 keeps the probe deterministic.
	reply, err := v.judge.Generate(ctx, messages, 0)
	if err != nil {
		slog.Warn("verification probe failed", "error", err)
		return false
	}
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(reply)), "yes")
}
