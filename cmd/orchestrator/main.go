// Command orchestrator is the CLI entrypoint: it loads configuration,
// wires every collaborator, and runs the knowledge-graph pipeline
// either once from the command line or as a long-lived process behind
// the status/control HTTP surface.
//
// Flag/subcommand handling and the signal-driven graceful shutdown
// mirror the teacher's cmd/appserver/main.go structure (flag.NewFlagSet
// subcommands, a root context canceled by SIGINT/SIGTERM, a forced
// exit after a shutdown grace period).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/codegraph-dev/orchestrator/internal/api"
	"github.com/codegraph-dev/orchestrator/internal/config"
	"github.com/codegraph-dev/orchestrator/internal/graphclient"
	"github.com/codegraph-dev/orchestrator/internal/health"
	"github.com/codegraph-dev/orchestrator/internal/llmclient"
	"github.com/codegraph-dev/orchestrator/internal/logging"
	"github.com/codegraph-dev/orchestrator/internal/store"
	"github.com/codegraph-dev/orchestrator/internal/supervisor"
	"github.com/codegraph-dev/orchestrator/internal/version"

	"github.com/go-redis/redis/v8"
)

const shutdownGrace = 20 * time.Second

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: orchestrator <run|serve> [flags]")
		return 1
	}

	switch args[0] {
	case "run":
		return runOnce(args[1:])
	case "serve":
		return serve(args[1:])
	case "version", "--version":
		fmt.Println(version.FullVersion())
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
		return 1
	}
}

// runOnce drives exactly one pipeline run to completion from the CLI,
// per spec §6's "run [--target DIR] [--test-mode]" invocation.
func runOnce(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	target := fs.String("target", "", "directory to analyze")
	testMode := fs.Bool("test-mode", false, "mark the run as a test run (every run uses the in-memory graph client)")
	overlay := fs.String("config", "", "optional YAML config overlay path")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.Load(*overlay)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if *target != "" {
		cfg.TargetDir = *target
	}
	if *testMode {
		cfg.TestMode = true
	}

	log, err := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Directory: cfg.LogDirectory})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	ctx, cancel := signalContext()
	defer cancel()

	deps, closeFn, err := buildDeps(cfg, log)
	if err != nil {
		log.WithFields(map[string]any{"error": err}).Error("init failed")
		return 1
	}
	defer closeFn()

	runID := cfg.RunIDOverride
	if runID == "" {
		runID = uuid.NewString()
	}
	deps.Config = supervisor.RunConfig{
		RunID:                runID,
		TargetDir:            cfg.TargetDir,
		DataDirectory:        cfg.DataDirectory,
		MaxWorkerConcurrency: cfg.MaxWorkerConcurrency,
		MinWorkerConcurrency: cfg.MinWorkerConcurrency,
		ForceMaxConcurrency:  cfg.ForceMaxConcurrency,
		MemoryBudgetBytes:    int64(cfg.MemoryBudgetMB) * 1024 * 1024,
	}

	sup, err := supervisor.New(deps)
	if err != nil {
		log.WithFields(map[string]any{"error": err}).Error("wiring failed")
		return 1
	}

	report, err := sup.Run(ctx)
	if err != nil {
		log.WithFields(map[string]any{"error": err}).Error("run failed")
		return 1
	}

	log.WithFields(map[string]any{
		"run_id":          report.RunID,
		"duration":        report.Duration.String(),
		"files":           report.FilesProcessed,
		"validated":       report.RelationshipsValid,
		"deadlocked":      report.Deadlocked,
		"memory_exceeded": report.MemoryExceeded,
		"failure_rate":    report.FailureRate,
	}).Info("run complete")

	if report.MemoryExceeded {
		return 2
	}
	if report.Deadlocked {
		return 1
	}
	return 0
}

// serve starts the long-lived process behind the status/control
// surface (spec §6's optional HTTP/WS API); individual runs are
// started via POST /pipeline/start rather than at process startup.
func serve(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	overlay := fs.String("config", "", "optional YAML config overlay path")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.Load(*overlay)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	log, err := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Directory: cfg.LogDirectory})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	ctx, cancel := signalContext()
	defer cancel()

	monitor := health.New(3 * time.Second)

	st, err := store.Open(storePath(cfg))
	if err != nil {
		log.WithFields(map[string]any{"error": err}).Error("open store failed")
		return 1
	}
	defer st.Close()
	monitor.Register("store", health.PingProbe(st.Ping))

	redisClient := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%d", cfg.BrokerHost, cfg.BrokerPort), DB: cfg.BrokerDB})
	defer redisClient.Close()
	monitor.Register("broker", health.PingProbe(func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }))

	graph := graphclient.NewInMemory()
	monitor.Register("graph", health.PingProbe(graph.VerifyConnectivity))

	llm := llmclient.New(llmclient.Config{APIKey: cfg.LLMAPIKey, BaseURL: cfg.LLMEndpoint})

	starter := func(_ context.Context, targetDir, runID string) (*supervisor.Supervisor, error) {
		return supervisor.New(supervisor.Deps{
			Store: st,
			Redis: redisClient,
			LLM:   llm,
			Graph: graph,
			Log:   log,
			Config: supervisor.RunConfig{
				RunID:                runID,
				TargetDir:            targetDir,
				DataDirectory:        cfg.DataDirectory,
				MaxWorkerConcurrency: cfg.MaxWorkerConcurrency,
				MinWorkerConcurrency: cfg.MinWorkerConcurrency,
				ForceMaxConcurrency:  cfg.ForceMaxConcurrency,
				MemoryBudgetBytes:    int64(cfg.MemoryBudgetMB) * 1024 * 1024,
			},
		})
	}

	srv := api.NewServer(starter, monitor)
	httpSrv := &http.Server{Addr: cfg.StatusAddr, Handler: srv.Router()}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(map[string]any{"addr": cfg.StatusAddr}).Info("status surface listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		log.WithFields(map[string]any{"error": err}).Error("status surface failed")
		return 1
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.WithFields(map[string]any{"error": err}).Warn("forced shutdown")
		return 2
	}
	return 0
}

func buildDeps(cfg *config.Config, log *logging.Logger) (supervisor.Deps, func(), error) {
	st, err := store.Open(storePath(cfg))
	if err != nil {
		return supervisor.Deps{}, nil, fmt.Errorf("open store: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%d", cfg.BrokerHost, cfg.BrokerPort), DB: cfg.BrokerDB})

	var graph graphclient.Client = graphclient.NewInMemory()

	llm := llmclient.New(llmclient.Config{APIKey: cfg.LLMAPIKey, BaseURL: cfg.LLMEndpoint})

	closeFn := func() {
		_ = st.Close()
		_ = redisClient.Close()
		_ = graph.Close()
	}

	return supervisor.Deps{Store: st, Redis: redisClient, LLM: llm, Graph: graph, Log: log}, closeFn, nil
}

func storePath(cfg *config.Config) string {
	if cfg.DataDirectory == "" {
		return "orchestrator.db"
	}
	_ = os.MkdirAll(cfg.DataDirectory, 0o755)
	return cfg.DataDirectory + "/orchestrator.db"
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx, cancel
}
