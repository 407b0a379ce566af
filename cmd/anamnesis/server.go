package main

import (
	"context"
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

	"github.com/kalambet/anamnesis/internal/api"
	"github.com/kalambet/anamnesis/internal/config"
	"github.com/kalambet/anamnesis/internal/interview"
	"github.com/kalambet/anamnesis/internal/llm"
	"github.com/kalambet/anamnesis/internal/ollama"
	"github.com/kalambet/anamnesis/internal/profiler"
	"github.com/kalambet/anamnesis/internal/proxy"
	"github.com/kalambet/anamnesis/internal/session"
	"github.com/kalambet/anamnesis/internal/storage"
	"github.com/kalambet/anamnesis/internal/talk"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the anamnesis server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running anamnesis server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show anamnesis system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP over stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "anamnesis.pid")
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

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "anamnesis version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(cfg.Log.Level)})))
	logger := slog.Default()

	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	// Refuse to start twice. The health endpoint answers without a token.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("anamnesis is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("anamnesis is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := storage.Open(storage.Options{
		Type:      storage.BackendType(cfg.Storage.Backend),
		DataDir:   cfg.Storage.DataDir,
		RedisAddr: cfg.Storage.RedisAddr,
		RedisDB:   cfg.Storage.RedisDB,
	})
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := backend.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()
	slog.Info("storage ready", "backend", cfg.Storage.Backend)

	gen, err := llm.New(llm.Options{Provider: llm.Provider(cfg.LLM.Provider), BaseURL: cfg.LLM.BaseURL})
	if err != nil {
		return err
	}
	if o, ok := gen.(*llm.Ollama); ok {
		if err := ollama.EnsureModel(ctx, o.Client(), cfg.LLM.Model, os.Stderr); err != nil {
			return err
		}
	}
	if _, ok := gen.(*llm.OpenRouter); ok {
		// Keys come with each session, so an unlisted model is only a warning.
		if st := openRouterModelStatus(ctx, cfg.LLM.BaseURL, cfg.LLM.Model); st != modelAvailable {
			slog.Warn("configured model not confirmed on OpenRouter", "model", cfg.LLM.Model, "status", st)
		}
	}

	store := session.NewStore(backend, logger)
	ws := profiler.NewWorkspace(store, interview.New(gen, cfg.LLM.Model, logger), profiler.Options{
		Debounce: cfg.DebounceDuration(),
		Logger:   logger,
	})
	talker := talk.New(store, gen, cfg.LLM.Model, cfg.LLM.APIKey, logger)

	handler := api.NewAppHandler(api.AppDeps{
		Workspace: ws,
		Talker:    talker,
		Token:     apiToken,
		Logger:    logger,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{Store: store, Talker: talker})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "anamnesis listening on %s (provider %s, model %s)\n", addr, cfg.LLM.Provider, cfg.LLM.Model)
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
	shutdownErr := srv.Shutdown(shutdownCtx)
	// Pending autosaves are written before storage closes.
	if err := ws.CloseAll(shutdownCtx); err != nil {
		slog.Error("flushing sessions", "error", err)
		shutdownErr = errors.Join(shutdownErr, err)
	}
	return shutdownErr
}

const (
	modelAvailable   = "available"
	modelNotListed   = "not listed"
	modelUnreachable = "unreachable"
)

// openRouterModelStatus checks model against OpenRouter's public model list.
func openRouterModelStatus(ctx context.Context, baseURL, model string) string {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	ok, err := proxy.NewClientWithBaseURL("", baseURL).HasModel(ctx, model)
	switch {
	case err != nil:
		slog.Debug("listing OpenRouter models", "error", err)
		return modelUnreachable
	case ok:
		return modelAvailable
	default:
		return modelNotListed
	}
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("anamnesis is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop anamnesis (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to anamnesis (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Provider", "%s", cfg.LLM.Provider)
	printStatus("Model", "%s", cfg.LLM.Model)
	switch llm.Provider(cfg.LLM.Provider) {
	case llm.ProviderOllama:
		oc := ollama.New(cfg.LLM.BaseURL)
		if oc.IsRunning(ctx) {
			printStatus("Ollama", "running")
		} else {
			printStatus("Ollama", "not running")
		}
	case llm.ProviderOpenRouter:
		printStatus("OpenRouter", "model %s", openRouterModelStatus(ctx, cfg.LLM.BaseURL, cfg.LLM.Model))
	}
	if cfg.LLM.APIKey != "" {
		printStatus("Fallback key", "configured")
	} else {
		printStatus("Fallback key", "none (sessions must supply their own)")
	}

	if running {
		if c, err := newAPIClient(); err == nil {
			c.httpClient.Timeout = 2 * time.Second
			if resp, err := c.get(ctx, "/sessions"); err == nil {
				var list []session.Metadata
				if decodeJSON(resp, &list) == nil {
					printStatus("Sessions", "%d", len(list))
				}
			}
		}
	}

	printStatus("Storage", "%s", cfg.Storage.Backend)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
