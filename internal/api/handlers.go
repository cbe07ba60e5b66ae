// Package api exposes the gateway over HTTP: the public chat and feedback
// endpoints plus a bearer-protected management surface.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/arbiterhq/arbiter/internal/gateway"
	"github.com/arbiterhq/arbiter/internal/provider"
	"github.com/arbiterhq/arbiter/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

const defaultTemperature = 0.7

// Pipeline is the request orchestrator behind POST /chat.
type Pipeline interface {
	Handle(ctx context.Context, req gateway.Request) (*gateway.Response, error)
}

// FeedbackSink records user feedback events.
type FeedbackSink interface {
	RecordFeedback(ctx context.Context, fb storage.Feedback) string
}

// Deps holds the API layer's collaborators. Token guards the management
// routes; when empty they are not mounted at all.
type Deps struct {
	Pipeline Pipeline
	Feedback FeedbackSink
	Store    *storage.Store
	Token    string
}

// NewHandler builds the full HTTP surface.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth)
	r.Post("/chat", handleChat(deps))
	r.Post("/feedback", handleFeedback(deps))

	if deps.Token != "" {
		r.Route("/admin", func(r chi.Router) {
			r.Use(bearerAuth(deps.Token))
			r.Get("/interactions", handleListInteractions(deps))
			r.Get("/interactions/{traceID}", handleGetInteraction(deps))
		})
	}

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// ChatRequest is the POST /chat body. Prompt is shorthand for a single
// user message; messages wins when both are set.
type ChatRequest struct {
	UserID      string             `json:"user_id"`
	Prompt      string             `json:"prompt"`
	Messages    []provider.Message `json:"messages"`
	Model       string             `json:"model"`
	Temperature *float32           `json:"temperature"`
	Metadata    map[string]any     `json:"metadata"`
}

func handleChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		if len(req.Messages) == 0 && req.Prompt != "" {
			req.Messages = []provider.Message{{Role: provider.RoleUser, Content: req.Prompt}}
		}
		if len(req.Messages) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "messages is required and must not be empty")
			return
		}
		for _, m := range req.Messages {
			switch m.Role {
			case provider.RoleSystem, provider.RoleUser, provider.RoleAssistant:
			default:
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid message role %q", m.Role)
				return
			}
		}

		temperature := float32(defaultTemperature)
		if req.Temperature != nil {
			if *req.Temperature < 0 || *req.Temperature > 2 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "temperature must be between 0 and 2")
				return
			}
			temperature = *req.Temperature
		}

		metadata := ""
		if req.Metadata != nil {
			b, err := json.Marshal(req.Metadata)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid metadata: %v", err)
				return
			}
			metadata = string(b)
		}

		resp, err := deps.Pipeline.Handle(r.Context(), gateway.Request{
			UserID:      req.UserID,
			Messages:    req.Messages,
			Model:       req.Model,
			Temperature: temperature,
			Metadata:    metadata,
		})
		if err != nil {
			writeChatError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

// writeChatError maps pipeline failures onto HTTP statuses: exhausted
// providers are an upstream problem (502), a chain with no providers is a
// deployment problem (500).
func writeChatError(w http.ResponseWriter, err error) {
	var allFailed *gateway.AllProvidersFailedError
	switch {
	case errors.As(err, &allFailed):
		attempts := make([]map[string]string, len(allFailed.Attempts))
		for i, a := range allFailed.Attempts {
			attempts[i] = map[string]string{"provider": a.Provider, "error": a.Err.Error()}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{
				"message":  "all providers failed",
				"type":     "upstream_error",
				"attempts": attempts,
			},
		})
	case errors.Is(err, gateway.ErrNoProviders):
		httpError(w, http.StatusInternalServerError, "api_error", "no providers configured")
	case errors.Is(err, gateway.ErrNoUserMessage):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "messages must include a user turn")
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "pipeline error: %v", err)
	}
}

// FeedbackRequest is the POST /feedback body.
type FeedbackRequest struct {
	TraceID string `json:"trace_id"`
	Score   int    `json:"score"`
	Comment string `json:"comment"`
}

func handleFeedback(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req FeedbackRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.TraceID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "trace_id is required")
			return
		}
		if req.Score < -1 || req.Score > 1 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "score must be -1, 0 or 1")
			return
		}

		id := deps.Feedback.RecordFeedback(r.Context(), storage.Feedback{
			TraceID: req.TraceID,
			Score:   req.Score,
			Comment: req.Comment,
		})

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "recorded", "id": id})
	}
}

func handleListInteractions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)

		interactions, err := deps.Store.GetRecentInteractions(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list interactions: %v", err)
			return
		}
		if interactions == nil {
			interactions = []storage.Interaction{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(interactions)
	}
}

func handleGetInteraction(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		traceID := chi.URLParam(r, "traceID")

		interaction, err := deps.Store.GetInteraction(traceID)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "interaction not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get interaction: %v", err)
			return
		}

		feedback, err := deps.Store.GetFeedbackByTrace(traceID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get feedback: %v", err)
			return
		}
		if feedback == nil {
			feedback = []storage.Feedback{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"interaction": interaction,
			"feedback":    feedback,
		})
	}
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(auth, prefix) || subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(token)) != 1 {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
