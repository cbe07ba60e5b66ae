package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/arbiterhq/arbiter/internal/gateway"
	"github.com/arbiterhq/arbiter/internal/provider"
	"github.com/arbiterhq/arbiter/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Pipeline Pipeline
	Feedback FeedbackSink
	Store    *storage.Store
}

// NewMCPServer creates an MCP server exposing the gateway as tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"arbiter",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("arbiter — governed LLM gateway with caching, fallback and answer verification."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("chat",
			mcp.WithDescription("Send a prompt through the governed gateway: redaction, cache, provider fallback and verification."),
			mcp.WithString("prompt", mcp.Description("The user prompt"), mcp.Required()),
			mcp.WithString("user_id", mcp.Description("Caller identity for the interaction log")),
			mcp.WithString("model", mcp.Description("Preferred model; falls back to the configured chain")),
			mcp.WithNumber("temperature", mcp.Description("Sampling temperature 0..2 (default 0.7)")),
		),
		mcpChat(deps),
	)

	s.AddTool(
		mcp.NewTool("submit_feedback",
			mcp.WithDescription("Attach a quality score to a previously returned trace."),
			mcp.WithString("trace_id", mcp.Description("Trace ID from a chat response"), mcp.Required()),
			mcp.WithNumber("score", mcp.Description("-1 (bad), 0 (neutral) or 1 (good)"), mcp.Required()),
			mcp.WithString("comment", mcp.Description("Optional free-form comment")),
		),
		mcpSubmitFeedback(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"arbiter://recent",
			"Recent Interactions",
			mcp.WithResourceDescription("Last 10 recorded interactions"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpChat(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		prompt, err := req.RequireString("prompt")
		if err != nil {
			return mcpError("prompt is required"), nil
		}

		temperature := req.GetFloat("temperature", defaultTemperature)
		if temperature < 0 || temperature > 2 {
			return mcpError("temperature must be between 0 and 2"), nil
		}

		resp, err := deps.Pipeline.Handle(ctx, gateway.Request{
			UserID:      req.GetString("user_id", "mcp"),
			Messages:    []provider.Message{{Role: provider.RoleUser, Content: prompt}},
			Model:       req.GetString("model", ""),
			Temperature: float32(temperature),
			Metadata:    `{"client":"mcp"}`,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("chat failed: %v", err)), nil
		}

		b, err := json.Marshal(resp)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal response: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSubmitFeedback(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		traceID, err := req.RequireString("trace_id")
		if err != nil {
			return mcpError("trace_id is required"), nil
		}
		score, err := req.RequireInt("score")
		if err != nil {
			return mcpError("score is required"), nil
		}
		if score < -1 || score > 1 {
			return mcpError("score must be -1, 0 or 1"), nil
		}

		id := deps.Feedback.RecordFeedback(ctx, storage.Feedback{
			TraceID: traceID,
			Score:   score,
			Comment: req.GetString("comment", ""),
		})
		return mcpText(fmt.Sprintf("Recorded feedback %s for trace %s", id, traceID)), nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		interactions, err := deps.Store.GetRecentInteractions(10)
		if err != nil {
			return nil, fmt.Errorf("failed to get recent interactions: %w", err)
		}

		b, err := json.Marshal(interactions)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal interactions: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
