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

	"github.com/okatran/mnemo/internal/api"
	"github.com/okatran/mnemo/internal/chat"
	"github.com/okatran/mnemo/internal/config"
	"github.com/okatran/mnemo/internal/llm"
	"github.com/okatran/mnemo/internal/memory"
	"github.com/okatran/mnemo/internal/prompt"
	"github.com/okatran/mnemo/internal/settings"
	"github.com/okatran/mnemo/internal/storage"
	"github.com/okatran/mnemo/internal/vector"
	"github.com/okatran/mnemo/internal/worker"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the mnemo server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		mcpStdio, _ := cmd.Flags().GetBool("mcp")
		return runServer(mcpStdio)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running mnemo server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show mnemo system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdio")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "mnemo.pid")
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

func runServer(mcpStdio bool) error {
	fmt.Fprintf(os.Stderr, "mnemo version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging.
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Ensure API token exists in platform secret store.
	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	// Write PID file. Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://%s:%d/health", cfg.Server.Host, cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("mnemo is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("mnemo is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open storage.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Connect the vector backend.
	vectors, err := vector.New(ctx, cfg.Vector, store.DB())
	if err != nil {
		return fmt.Errorf("initializing vector store (%s): %w", cfg.Vector.Provider, err)
	}

	// Build the chat pipeline.
	client := llm.New(cfg.LLM)
	settingsMgr, err := settings.NewManager(store, cfg.LLM.ChatModel)
	if err != nil {
		return fmt.Errorf("initializing settings: %w", err)
	}
	composer := prompt.New(cfg.Retrieval.MaxContextTokens)
	var evaluator chat.MemoryEvaluator
	if cfg.Memory.AutoSave {
		evaluator = memory.NewEvaluator(client, cfg.LLM.ChatModel)
	}
	chatSvc := chat.NewService(store, vectors, client, settingsMgr, composer, evaluator, chat.Options{
		TopK:     cfg.Retrieval.TopK,
		MinScore: cfg.Retrieval.MinScore,
		Provider: cfg.Vector.Provider,
	})

	// Build HTTP handler and server.
	handler := api.NewHandler(api.Deps{
		Chat:     chatSvc,
		Settings: settingsMgr,
		Token:    apiToken,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// Start vector save worker.
	w := worker.NewWorker(store, client, vectors, 500*time.Millisecond)
	go w.Run(ctx)

	// Optionally serve MCP tools over stdio in a goroutine.
	if mcpStdio {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Chat:  chatSvc,
			Store: store,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "mnemo listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
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
		printError("mnemo is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop mnemo (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to mnemo (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	// Check server health.
	serverURL := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := healthClient.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Chat model", "%s", cfg.LLM.ChatModel)
	printStatus("Embed model", "%s", cfg.LLM.EmbedModel)

	// Show vector backend and counts if the server is running.
	if running {
		if client, err := newAPIClient(); err == nil {
			statusResp, err := client.get(ctx, "/api/status")
			if err == nil {
				var st struct {
					VectorProvider  string `json:"vector_provider"`
					VectorReachable bool   `json:"vector_reachable"`
					VectorCount     int    `json:"vector_count"`
					MessageCount    int    `json:"message_count"`
				}
				if decodeJSON(statusResp, &st) == nil {
					if st.VectorReachable {
						printStatus("Vector store", "%s (reachable)", st.VectorProvider)
					} else {
						printStatus("Vector store", "%s (unreachable)", st.VectorProvider)
					}
					printStatus("Memories", "%d", st.VectorCount)
					printStatus("Messages", "%d", st.MessageCount)
				}
			}
		}
	} else {
		printStatus("Vector store", "%s", cfg.Vector.Provider)
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
