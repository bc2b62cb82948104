package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/aluiziolira/go-arbitrage-watch/api"
	"github.com/aluiziolira/go-arbitrage-watch/config"
	"github.com/aluiziolira/go-arbitrage-watch/evaluator"
	"github.com/aluiziolira/go-arbitrage-watch/metrics"
	"github.com/aluiziolira/go-arbitrage-watch/models"
	"github.com/aluiziolira/go-arbitrage-watch/notify"
	"github.com/aluiziolira/go-arbitrage-watch/pipeline"
	"github.com/aluiziolira/go-arbitrage-watch/prober"
	"github.com/aluiziolira/go-arbitrage-watch/scraper"
	"github.com/aluiziolira/go-arbitrage-watch/store"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file")
	listenAddr := flag.String("listen", "", "HTTP listen address (e.g. :8080)")
	storeBackend := flag.String("store", "", "State store backend: memory, redis, or postgres")
	parallelism := flag.Int("parallel", 0, "Catalog items probed concurrently")
	firstRunDelay := flag.Duration("first-run-delay", -1, "Delay before the first scheduled cycle")
	outputFile := flag.String("output", "", "Opportunity archive path (empty disables the archive)")
	outputFormat := flag.String("format", "", "Archive format: csv, json, or dual")
	verbose := flag.Bool("v", false, "Enable verbose logging")

	flag.Parse()

	logger, level := newLogger(*verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("loading configuration", slog.Any("error", err))
		os.Exit(1)
	}
	if err := config.ApplyEnv(cfg); err != nil {
		slog.Error("invalid environment", slog.Any("error", err))
		os.Exit(1)
	}
	applyFlags(cfg, *listenAddr, *storeBackend, *parallelism, *firstRunDelay, *outputFile, *outputFormat, *verbose)
	if cfg.Verbose {
		level.Set(slog.LevelDebug)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		slog.Error("watcher stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	st := store.New(backend, cfg.KeyPrefix)
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("close store", slog.Any("error", err))
		}
	}()

	client, err := scraper.NewClient(cfg, m, logger)
	if err != nil {
		return fmt.Errorf("initialising http client: %w", err)
	}
	fetcher, err := scraper.NewFetcher(cfg, client, st, m, logger)
	if err != nil {
		return fmt.Errorf("initialising catalog fetcher: %w", err)
	}
	prices := prober.New(cfg, client, m, logger)

	notifiers := notify.Multi{notify.NewLogNotifier(logger)}
	if cfg.SlackWebhookURL != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(cfg.SlackWebhookURL))
		slog.Info("slack notifications enabled")
	}

	var archive *pipeline.Archiver
	if cfg.OutputFile != "" {
		writer, err := pipeline.NewOutputWriter(cfg.OutputFormat, cfg.OutputFile)
		if err != nil {
			return fmt.Errorf("creating archive writer: %w", err)
		}
		archive = pipeline.NewArchiver(writer, 0, logger)
		defer func() {
			if err := archive.Close(); err != nil {
				slog.Error("close archive", slog.Any("error", err))
			}
		}()
	}

	orch := pipeline.New(cfg, pipeline.Deps{
		Source:    fetcher,
		Prober:    prices,
		Evaluator: evaluator.New(cfg.ResaleMultiplier),
		Store:     st,
		Alerts:    notify.NewDispatcher(cfg, notifiers, m, logger),
		Archive:   archive,
		Metrics:   m,
		Logger:    logger,
	})

	settings, err := orch.Bootstrap(ctx)
	if err != nil {
		return err
	}

	sched := pipeline.NewScheduler(cfg.FirstRunDelay, settings.Interval(), orch.Tick, logger)
	orch.AttachScheduler(sched)

	srv := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: api.New(api.Options{
			Orchestrator: orch,
			Store:        st,
			Scheduler:    sched,
			Metrics:      m,
			CORSOrigins:  cfg.CORSOrigins,
			Logger:       logger,
		}).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()

	slog.Info("watcher started",
		slog.String("listen_addr", cfg.ListenAddr),
		slog.String("store", cfg.StoreBackend),
		slog.Duration("first_run_delay", cfg.FirstRunDelay),
		slog.Duration("interval", settings.Interval()),
		slog.Any("marketplaces", prices.Marketplaces()),
	)

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, waiting for in-flight work to finish")
	case runErr = <-serverErr:
		slog.Error("http server failed", slog.Any("error", runErr))
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown failed", slog.Any("error", err))
	}
	cancel()
	wg.Wait()

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), 30*time.Second)
	if err := orch.Drain(drainCtx); err != nil {
		slog.Error("in-flight cycle did not finish before shutdown", slog.Any("error", err))
	}
	cancelDrain()

	printSummary(context.Background(), st, orch.LastResult())
	return runErr
}

func openBackend(ctx context.Context, cfg *config.Config) (store.Backend, error) {
	switch cfg.StoreBackend {
	case config.BackendRedis:
		backend, err := store.NewRedisBackend(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		slog.Info("connected to redis")
		return backend, nil
	case config.BackendPostgres:
		backend, err := store.NewPostgresBackend(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		slog.Info("connected to postgres")
		return backend, nil
	default:
		slog.Warn("using in-memory store; state is lost on restart")
		return store.NewMemoryBackend(), nil
	}
}

// applyFlags overrides cfg with the flags that were set explicitly.
func applyFlags(cfg *config.Config, listenAddr, storeBackend string, parallelism int, firstRunDelay time.Duration, outputFile, outputFormat string, verbose bool) {
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	if storeBackend != "" {
		cfg.StoreBackend = strings.ToLower(storeBackend)
	}
	if parallelism > 0 {
		cfg.Parallelism = parallelism
	}
	if firstRunDelay >= 0 {
		cfg.FirstRunDelay = firstRunDelay
	}
	if outputFile != "" {
		cfg.OutputFile = outputFile
	}
	if outputFormat != "" {
		cfg.OutputFormat = strings.ToLower(outputFormat)
	}
	if verbose {
		cfg.Verbose = true
	}
}

func printSummary(ctx context.Context, st *store.Store, last *models.CycleResult) {
	stats, err := st.GetStats(ctx)
	if err != nil {
		slog.Error("load stats", slog.Any("error", err))
		return
	}
	opps, err := st.GetOpportunities(ctx)
	if err != nil {
		slog.Error("load opportunities", slog.Any("error", err))
		return
	}

	separator := "--------------------------------------------------"
	fmt.Println("\n" + separator)
	fmt.Println("Watcher stopped")
	fmt.Printf("  Cycles run:          %d\n", stats.TotalCycles)
	fmt.Printf("  Open opportunities:  %d\n", len(opps))
	if last != nil {
		fmt.Printf("  Last cycle:          %s (%s, %v)\n", last.Status, last.Trigger, last.Duration().Round(time.Millisecond))
	}
	if stats.LastOpportunityAt != nil {
		fmt.Printf("  Last opportunity:    %s\n", stats.LastOpportunityAt.Format(time.RFC3339))
	}
	fmt.Println(separator)
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stdout) {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
