package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/arbiterhq/arbiter/internal/api"
	"github.com/arbiterhq/arbiter/internal/cache"
	"github.com/arbiterhq/arbiter/internal/config"
	"github.com/arbiterhq/arbiter/internal/gateway"
	"github.com/arbiterhq/arbiter/internal/obs"
	"github.com/arbiterhq/arbiter/internal/provider"
	"github.com/arbiterhq/arbiter/internal/redact"
	"github.com/arbiterhq/arbiter/internal/storage"
)

const cachePurgeInterval = 10 * time.Minute

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the arbiter gateway (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running arbiter gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show gateway status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "arbiter.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// buildProviders assembles the fallback order: OpenAI primary, OpenAI
// fallbacks, then Gemini when configured.
func buildProviders(ctx context.Context, cfg config.Config) ([]provider.Provider, func(), error) {
	var providers []provider.Provider
	cleanup := func() {}

	providers = append(providers, provider.NewOpenAI(cfg.OpenAI.APIKey, cfg.OpenAI.PrimaryModel, cfg.OpenAI.Timeout))
	for _, model := range cfg.OpenAI.FallbackModels {
		if model == "" || model == cfg.OpenAI.PrimaryModel {
			continue
		}
		providers = append(providers, provider.NewOpenAI(cfg.OpenAI.APIKey, model, cfg.OpenAI.Timeout))
	}

	if cfg.Gemini.APIKey != "" {
		gemini, err := provider.NewGemini(ctx, cfg.Gemini.APIKey, cfg.Gemini.Model, cfg.OpenAI.Timeout)
		if err != nil {
			return nil, cleanup, fmt.Errorf("initializing gemini provider: %w", err)
		}
		providers = append(providers, gemini)
		cleanup = func() { gemini.Close() }
	}

	return providers, cleanup, nil
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "arbiter version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.Log.Level)})))

	// Check if a server is already running via the health endpoint before
	// claiming the PID file.
	pidPath := pidFilePath(cfg.Server.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("arbiter is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("arbiter is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := obs.Setup(ctx, "arbiter", cfg.Obs.OTELEndpoint)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("flushing traces", "error", err)
		}
	}()

	store, err := storage.Open(cfg.Server.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	providers, closeProviders, err := buildProviders(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeProviders()
	chain := gateway.NewChain(providers, cfg.OpenAI.Timeout)
	verifier := gateway.NewVerifier(providers[0], gateway.DefaultVerifyTimeout)

	// Hybrid cache over the shared database. The similarity layer rides
	// on the OpenAI embeddings API and can be switched off entirely.
	exact := cache.NewSQLiteExact(store.DB())
	var index cache.VectorIndex
	var embedder cache.Embedder
	if cfg.Cache.SemanticEnabled {
		index = cache.NewSQLiteVectorIndex(store.DB())
		embedder = provider.NewOpenAIEmbedder(cfg.OpenAI.APIKey, cfg.OpenAI.EmbedModel)
	} else {
		slog.Info("semantic cache layer disabled, exact-match only")
	}
	hybrid := cache.New(exact, index, embedder, cfg.Cache.TTL)

	go purgeExpiredEntries(ctx, exact)

	var redactor redact.Redactor = redact.Passthrough{}
	if cfg.Redactor.URL != "" {
		redactor = redact.NewClient(cfg.Redactor.URL, cfg.Redactor.Timeout)
		slog.Info("redaction enabled", "url", cfg.Redactor.URL)
	}

	var emitter obs.TraceEmitter
	if cfg.Obs.OTELEndpoint != "" {
		emitter = obs.NewOTelEmitter()
	}
	recorder := obs.NewRecorder(store, cfg.Obs.FallbackLog, emitter)

	g := gateway.New(redactor, hybrid, chain, verifier, recorder, gateway.Options{
		SimilarityThreshold: cfg.Cache.SimilarityThreshold,
	})

	handler := api.NewHandler(api.Deps{
		Pipeline: g,
		Feedback: recorder,
		Store:    store,
		Token:    cfg.Server.APIToken,
	})
	if cfg.Server.APIToken == "" {
		slog.Warn("no API token configured, management endpoints disabled")
	}

	// MCP server over stdio.
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Pipeline: g,
		Feedback: recorder,
		Store:    store,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "arbiter listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// purgeExpiredEntries sweeps expired exact-cache rows periodically. Reads
// already expire lazily, this just keeps the table from growing.
func purgeExpiredEntries(ctx context.Context, exact *cache.SQLiteExact) {
	ticker := time.NewTicker(cachePurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := exact.Purge(ctx)
			if err != nil {
				slog.Warn("purging expired cache entries", "error", err)
				continue
			}
			if n > 0 {
				slog.Debug("purged expired cache entries", "count", n)
			}
		}
	}
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Server.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("arbiter is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop arbiter (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to arbiter (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Primary model", "%s", cfg.OpenAI.PrimaryModel)
	if len(cfg.OpenAI.FallbackModels) > 0 {
		printStatus("Fallbacks", "%s", strings.Join(cfg.OpenAI.FallbackModels, ", "))
	}
	if cfg.Gemini.APIKey != "" {
		printStatus("Gemini", "%s", cfg.Gemini.Model)
	}
	if cfg.Cache.SemanticEnabled {
		printStatus("Semantic cache", "enabled (threshold %.2f)", cfg.Cache.SimilarityThreshold)
	} else {
		printStatus("Semantic cache", "disabled")
	}
	if cfg.Redactor.URL != "" {
		printStatus("Redactor", "%s", cfg.Redactor.URL)
	} else {
		printStatus("Redactor", "pass-through")
	}

	// Interaction count needs the management API.
	if cfg.Server.APIToken != "" && resp != nil && resp.StatusCode == 200 {
		req, reqErr := http.NewRequest("GET", serverURL+"/admin/interactions?limit=100", nil)
		if reqErr == nil {
			req.Header.Set("Authorization", "Bearer "+cfg.Server.APIToken)
			if listResp, listErr := client.Do(req); listErr == nil {
				var interactions []json.RawMessage
				if json.NewDecoder(listResp.Body).Decode(&interactions) == nil {
					printStatus("Interactions", "%s", countLabel(len(interactions), 100))
				}
				listResp.Body.Close()
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Server.DataDir)
	return nil
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}
