package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"ontime.transitscore.org/internal/aggregation"
	"ontime.transitscore.org/internal/app"
	"ontime.transitscore.org/internal/appconf"
	"ontime.transitscore.org/internal/clock"
	"ontime.transitscore.org/internal/logging"
	"ontime.transitscore.org/internal/matching"
	"ontime.transitscore.org/internal/metrics"
	"ontime.transitscore.org/internal/restapi"
	"ontime.transitscore.org/scoredb"
)

const dbStatsInterval = 15 * time.Second

// Run parses configuration, builds the application, and either executes
// a one-shot engine run or serves the admin API until interrupted.
func Run(args []string, stdout io.Writer) error {
	// A missing .env file is fine; environment variables and flags still
	// apply.
	_ = godotenv.Load()

	flags := pflag.NewFlagSet("ontime", pflag.ContinueOnError)
	var (
		envName  = flags.String("env", envOr("ONTIME_ENV", "development"), "environment: development, test or production")
		port     = flags.Int("port", envOrInt("ONTIME_PORT", 4000), "admin API port")
		dbPath   = flags.String("db-path", envOr("ONTIME_DB_PATH", "./ontime.db"), "path to the SQLite database")
		timezone = flags.String("timezone", envOr("ONTIME_TIMEZONE", "America/New_York"), "IANA service timezone")
		apiKeys  = flags.String("api-keys", envOr("ONTIME_API_KEYS", ""), "comma-separated admin API keys; empty leaves the API open")
		rateRPS  = flags.Int("rate-limit", envOrInt("ONTIME_RATE_LIMIT", 100), "requests per second per API key; negative disables")
		verbose  = flags.Bool("verbose", envOrBool("ONTIME_VERBOSE", false), "enable debug logging")

		windowMinutes = flags.Int("window-minutes", envOrInt("ONTIME_WINDOW_MINUTES", matching.DefaultWindowMinutes), "matching telemetry lookback in minutes")
		batchSize     = flags.Int("batch-size", envOrInt("ONTIME_BATCH_SIZE", matching.DefaultBatchSize), "rows per write transaction")
		maxCandidates = flags.Int("max-candidates", envOrInt("ONTIME_MAX_CANDIDATES", matching.DefaultMaxCandidates), "schedule candidate cap per observation")
		strictMode    = flags.Bool("strict", envOrBool("ONTIME_STRICT", false), "discard ambiguous matches")
		lookbackDays  = flags.Int("lookback-days", envOrInt("ONTIME_LOOKBACK_DAYS", aggregation.DefaultLookbackDays), "aggregation lookback in days")
		dryRun        = flags.Bool("dry-run", false, "compute aggregates without writing them")

		runMatching    = flags.Bool("run-matching", false, "run one matching pass and exit")
		runAggregation = flags.Bool("run-aggregation", false, "run one aggregation pass and exit")
	)
	if err := flags.Parse(args); err != nil {
		return err
	}

	// The service timezone drives service date arithmetic; refusing to
	// start beats silently mis-dating arrivals.
	loc, err := time.LoadLocation(*timezone)
	if err != nil {
		return fmt.Errorf("invalid timezone %q: %w", *timezone, err)
	}

	cfg := appconf.Config{
		Port:      *port,
		Env:       appconf.EnvFromString(*envName),
		Verbose:   *verbose,
		ApiKeys:   ParseAPIKeys(*apiKeys),
		RateLimit: *rateRPS,
	}
	matchingCfg := matching.Config{
		WindowMinutes: *windowMinutes,
		BatchSize:     *batchSize,
		MaxCandidates: *maxCandidates,
		StrictMode:    *strictMode,
		Timezone:      loc,
	}
	aggregationCfg := aggregation.Config{
		LookbackDays: *lookbackDays,
		DryRun:       *dryRun,
		StrictMode:   *strictMode,
		Timezone:     loc,
	}

	coreApp, err := BuildApplication(cfg, *dbPath, matchingCfg, aggregationCfg)
	if err != nil {
		return err
	}
	defer func() {
		coreApp.Metrics.Shutdown()
		logging.SafeCloseWithLogging(coreApp.ScoreDB, coreApp.Logger, "score database")
	}()

	switch {
	case *runMatching:
		return runOnce(stdout, func(ctx context.Context) (any, error) {
			return coreApp.NewMatchingEngine(matchingCfg).Run(ctx)
		})
	case *runAggregation:
		return runOnce(stdout, func(ctx context.Context) (any, error) {
			return coreApp.NewAggregationEngine(aggregationCfg).Run(ctx)
		})
	default:
		return serve(coreApp, cfg)
	}
}

// BuildApplication wires the shared dependencies: logger, database,
// metrics and clock.
func BuildApplication(cfg appconf.Config, dbPath string, matchingCfg matching.Config, aggregationCfg aggregation.Config) (*app.Application, error) {
	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	client, err := scoredb.NewClient(scoredb.NewConfig(dbPath, cfg.Env, cfg.Verbose))
	if err != nil {
		return nil, fmt.Errorf("failed to open score database: %w", err)
	}

	m := metrics.NewWithLogger(logger)
	m.StartDBStatsCollector(client.DB, dbStatsInterval)

	if cfg.Verbose {
		if counts, err := client.TableCounts(); err == nil {
			logger.Debug("database table counts", "counts", counts)
		}
		logger.Debug("resolved configuration",
			"matching", scoredb.DumpValue(matchingCfg),
			"aggregation", scoredb.DumpValue(aggregationCfg))
	}

	return &app.Application{
		Config:            cfg,
		Logger:            logger,
		ScoreDB:           client,
		Clock:             clock.RealClock{},
		Metrics:           m,
		MatchingConfig:    matchingCfg,
		AggregationConfig: aggregationCfg,
	}, nil
}

// CreateServer builds the admin HTTP server. The write timeout is
// generous because run endpoints block for the duration of the batch.
func CreateServer(coreApp *app.Application, cfg appconf.Config) (*http.Server, *restapi.RestAPI) {
	api := restapi.New(coreApp)
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.Routes(),
		IdleTimeout:  time.Minute,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Minute,
	}
	return srv, api
}

func serve(coreApp *app.Application, cfg appconf.Config) error {
	srv, api := CreateServer(coreApp, cfg)
	defer api.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logging.LogOperation(coreApp.Logger, "admin API listening",
			slog.String("addr", srv.Addr),
			slog.String("env", cfg.Env.String()))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	logging.LogOperation(coreApp.Logger, "shutting down admin API")
	return srv.Shutdown(shutdownCtx)
}

func runOnce(stdout io.Writer, run func(ctx context.Context) (any, error)) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, err := run(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}

// ParseAPIKeys splits a comma-separated key list, trimming whitespace
// and dropping empty entries.
func ParseAPIKeys(raw string) []string {
	keys := []string{}
	for _, part := range strings.Split(raw, ",") {
		if key := strings.TrimSpace(part); key != "" {
			keys = append(keys, key)
		}
	}
	return keys
}

func envOr(name, fallback string) string {
	if v, ok := os.LookupEnv(name); ok {
		return v
	}
	return fallback
}

func envOrInt(name string, fallback int) int {
	if v, ok := os.LookupEnv(name); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrBool(name string, fallback bool) bool {
	if v, ok := os.LookupEnv(name); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
