package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/consolida/internal/api"
	"github.com/kalambet/consolida/internal/config"
	"github.com/kalambet/consolida/internal/inbox"
	"github.com/kalambet/consolida/internal/rules"
	"github.com/kalambet/consolida/internal/schedule"
	"github.com/kalambet/consolida/internal/storage"
	"github.com/kalambet/consolida/internal/telemetry"
	"github.com/kalambet/consolida/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the consolida server (foreground)",
	Long: `Start the HTTP API, the job worker and the MCP stdio server.

The cron schedule and the inbox watcher start when schedule.cron and
inbox.dir are configured.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		mcpStdio, _ := cmd.Flags().GetBool("mcp")
		return runServer(mcpStdio)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running consolida server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show consolida system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", true, "serve MCP tools over stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "consolida.pid")
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
	fmt.Fprintf(os.Stderr, "consolida version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := setupLogging(cfg)

	apiToken, err := config.APIToken()
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("consolida is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("consolida is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := telemetry.Init(ctx, telemetry.Config{
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: "consolida",
	})
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			slog.Warn("flushing traces", "error", err)
		}
	}()

	if err := ensureOracle(ctx, cfg, os.Stderr); err != nil {
		return err
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()
	if versions, err := store.AppliedMigrations(); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	} else if len(versions) > 0 {
		logger.Info("storage ready", "path", cfg.Storage.DataDir, "schema_version", versions[len(versions)-1])
	}

	comp, err := build(ctx, cfg, buildOptions{}, logger)
	if err != nil {
		return err
	}

	// The server publishes the default rule set unless a rule file is
	// configured; the HTTP rule source may point back at this server.
	var served rules.Source = rules.Static(rules.Default())
	if cfg.Rules.File != "" {
		served = comp.rules
	}

	appHandler := api.NewAppHandler(api.AppDeps{
		Store:          store,
		Token:          apiToken,
		Rules:          served,
		DataDir:        cfg.Storage.DataDir,
		MaxUploadBytes: int64(cfg.Ingest.MaxArchiveBytes),
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: appHandler,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	submit := func(source, trigger string) (string, error) {
		return worker.Enqueue(store, source, trigger)
	}
	outputDir := filepath.Join(cfg.Storage.DataDir, "outputs")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "consolida listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		worker.NewWorker(store, comp.pipeline, outputDir, 500*time.Millisecond).Run(gctx)
		return nil
	})

	if cfg.Schedule.Cron != "" {
		sched, err := schedule.New(schedule.Config{
			Expr:   cfg.Schedule.Cron,
			Source: cfg.Schedule.Source,
			Submit: submit,
			Logger: logger,
		})
		if err != nil {
			stop()
			g.Wait()
			return err
		}
		slog.Info("schedule enabled", "cron", cfg.Schedule.Cron, "next", sched.Next(time.Now()))
		g.Go(func() error { return sched.Run(gctx) })
	}

	if cfg.Inbox.Dir != "" {
		watcher := inbox.New(cfg.Inbox.Dir, inbox.DefaultSettle, submit, logger)
		slog.Info("watching inbox", "dir", cfg.Inbox.Dir)
		g.Go(func() error { return watcher.Run(gctx) })
	}

	if mcpStdio {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Store:    store,
			Ingester: comp.ingestor,
			Runner:   comp.pipeline,
			Rules:    comp.rules,
			Join:     comp.join,
			Merger:   comp.merger,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	return g.Wait()
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
		printError("consolida is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop consolida (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to consolida (PID %d)", pid)
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

	running := false
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		var health api.Health
		json.NewDecoder(resp.Body).Decode(&health)
		resp.Body.Close()
		if resp.StatusCode == 200 {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
			if len(health.Jobs) > 0 {
				printStatus("Jobs", "%s", jobSummary(health.Jobs))
			}
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Oracle", "%s (%s)", cfg.Oracle.Backend, cfg.Oracle.Model)
	if cfg.Oracle.Backend == "ollama" {
		ollamaResp, err := client.Get(cfg.Oracle.BaseURL + "/api/version")
		if err != nil {
			printStatus("Ollama", "not running")
		} else {
			ollamaResp.Body.Close()
			printStatus("Ollama", "running at %s", cfg.Oracle.BaseURL)
		}
	}

	if cfg.Schedule.Cron != "" {
		if next, err := schedule.NextRunTime(cfg.Schedule.Cron, time.Now()); err == nil {
			printStatus("Schedule", "%s, next %s", cfg.Schedule.Cron, next.Format(time.RFC3339))
		} else {
			printStatus("Schedule", "invalid: %v", err)
		}
	}
	if cfg.Inbox.Dir != "" {
		printStatus("Inbox", "%s", cfg.Inbox.Dir)
	}

	apiToken, tokenErr := config.APIToken()
	if tokenErr == nil && running {
		runsResp, err := apiGet(client, serverURL+"/consolidations?limit=100", apiToken)
		if err == nil {
			var runs []storage.Run
			if json.NewDecoder(runsResp.Body).Decode(&runs) == nil {
				printStatus("Runs", "%s", countLabel(len(runs), 100))
			}
			runsResp.Body.Close()
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func jobSummary(counts map[string]int) string {
	statuses := make([]string, 0, len(counts))
	for s := range counts {
		statuses = append(statuses, s)
	}
	sort.Strings(statuses)
	parts := make([]string, len(statuses))
	for i, s := range statuses {
		parts[i] = fmt.Sprintf("%d %s", counts[s], s)
	}
	return strings.Join(parts, ", ")
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}

func apiGet(client *http.Client, url, token string) (*http.Response, error) {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return client.Do(req)
}
