package aggregation

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"ontime.transitscore.org/internal/clock"
	"ontime.transitscore.org/internal/logging"
	"ontime.transitscore.org/internal/metrics"
	"ontime.transitscore.org/scoredb"
)

const (
	// DefaultLookbackDays is the aggregation window when none is given.
	DefaultLookbackDays = 14

	// DefaultBatchSize bounds how many aggregate rows one transaction
	// writes.
	DefaultBatchSize = 500

	// DefaultQueryTimeout bounds individual database operations.
	DefaultQueryTimeout = 30 * time.Second
)

// Config controls one aggregation run. Timezone is required; it is the
// service timezone used to bucket scheduled times by local hour.
type Config struct {
	LookbackDays       int
	DryRun             bool
	StrictMode         bool
	OnTimeThresholdSec int64
	MinSamples         int64
	BatchSize          int
	Score              ScoreParams
	Timezone           *time.Location
	QueryTimeout       time.Duration
}

func (c Config) withDefaults() Config {
	if c.LookbackDays <= 0 {
		c.LookbackDays = DefaultLookbackDays
	}
	if c.OnTimeThresholdSec <= 0 {
		c.OnTimeThresholdSec = DefaultOnTimeThresholdSec
	}
	if c.MinSamples <= 0 {
		c.MinSamples = DefaultMinSamples
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Score == (ScoreParams{}) {
		c.Score = DefaultScoreParams()
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = DefaultQueryTimeout
	}
	return c
}

// Summary reports the outcome of one aggregation run.
type Summary struct {
	RunID          string `json:"run_id"`
	StartedAt      string `json:"started_at"`
	EndedAt        string `json:"ended_at"`
	DurationMs     int64  `json:"duration_ms"`
	LookbackDays   int64  `json:"lookback_days"`
	RowsConsidered int64  `json:"rows_considered"`
	GroupsCount    int64  `json:"groups_count"`
	UpsertedCount  int64  `json:"upserted_count"`
	DryRun         bool   `json:"dry_run"`
	ErrorCount     int64  `json:"error_count"`
}

// Engine recomputes score aggregates over the lookback window.
type Engine struct {
	db      *scoredb.Client
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *slog.Logger
	config  Config
}

// NewEngine builds an aggregation engine. metrics may be nil.
func NewEngine(db *scoredb.Client, cfg Config, clk clock.Clock, m *metrics.Metrics) *Engine {
	return &Engine{
		db:      db,
		clock:   clk,
		metrics: m,
		logger:  slog.Default().With(slog.String("component", "aggregation_engine")),
		config:  cfg,
	}
}

// groupKey identifies one score aggregate bucket.
type groupKey struct {
	stopID     string
	routeID    string
	dayType    string
	hourBucket string
}

// Run executes one aggregation pass and returns its summary. Dry runs
// compute everything but write neither aggregates nor a ledger row.
func (e *Engine) Run(ctx context.Context) (Summary, error) {
	cfg := e.config.withDefaults()
	if cfg.Timezone == nil {
		return Summary{}, fmt.Errorf("aggregation: service timezone is required")
	}

	startWall := e.clock.Now().UTC()
	startMono := time.Now()
	summary := Summary{
		RunID:        uuid.NewString(),
		StartedAt:    startWall.Format(time.RFC3339),
		LookbackDays: int64(cfg.LookbackDays),
		DryRun:       cfg.DryRun,
	}

	logging.LogOperation(e.logger, "aggregation run started",
		slog.String("run_id", summary.RunID),
		slog.Int("lookback_days", cfg.LookbackDays),
		slog.Bool("dry_run", cfg.DryRun),
		slog.Bool("strict_mode", cfg.StrictMode),
	)

	runErr := e.run(ctx, cfg, &summary)

	endWall := e.clock.Now().UTC()
	summary.DurationMs = time.Since(startMono).Milliseconds()
	summary.EndedAt = endWall.Format(time.RFC3339)

	e.metrics.ObserveRun("aggregation", time.Since(startMono), runErr != nil)
	e.metrics.AddGroupsUpserted(summary.UpsertedCount)

	if !cfg.DryRun {
		e.recordRun(ctx, cfg, summary, startWall, endWall)
	}

	if runErr != nil {
		logging.LogError(e.logger, "aggregation run failed", runErr,
			slog.String("run_id", summary.RunID))
		return summary, runErr
	}

	logging.LogOperation(e.logger, "aggregation run completed",
		slog.String("run_id", summary.RunID),
		slog.Int64("rows_considered", summary.RowsConsidered),
		slog.Int64("groups", summary.GroupsCount),
		slog.Int64("upserted", summary.UpsertedCount),
		slog.Bool("dry_run", summary.DryRun),
		slog.Int64("errors", summary.ErrorCount),
		slog.Int64("duration_ms", summary.DurationMs),
	)
	return summary, nil
}

func (e *Engine) run(ctx context.Context, cfg Config, summary *Summary) error {
	cutoff := e.clock.Now().In(cfg.Timezone).AddDate(0, 0, -cfg.LookbackDays)

	fetchCtx, cancel := context.WithTimeout(ctx, cfg.QueryTimeout)
	defer cancel()

	arrivals, err := e.db.Queries.ListArrivalsForAggregation(fetchCtx, scoredb.ListArrivalsForAggregationParams{
		MinServiceDate:   cutoff.Format("2006-01-02"),
		IncludeAmbiguous: !cfg.StrictMode,
	})
	if err != nil {
		return fmt.Errorf("listing arrivals for aggregation: %w", err)
	}
	summary.RowsConsidered = int64(len(arrivals))

	groups := make(map[groupKey][]int64)
	for _, arrival := range arrivals {
		serviceDate, err := time.ParseInLocation("2006-01-02", arrival.ServiceDate, cfg.Timezone)
		if err != nil {
			logging.LogError(e.logger, "unparseable service date", err,
				slog.String("service_date", arrival.ServiceDate),
				slog.String("stop_id", arrival.StopID))
			summary.ErrorCount++
			continue
		}

		hour := time.Unix(arrival.ScheduledTs, 0).In(cfg.Timezone).Hour()
		bucket, ok := HourBucket(hour)
		if !ok {
			continue
		}

		key := groupKey{
			stopID:     arrival.StopID,
			routeID:    arrival.RouteID,
			dayType:    DayType(serviceDate),
			hourBucket: bucket,
		}
		groups[key] = append(groups[key], arrival.DelaySec)
	}
	summary.GroupsCount = int64(len(groups))

	upserts := e.buildUpserts(cfg, groups)
	if cfg.DryRun {
		return nil
	}

	for start := 0; start < len(upserts); start += cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start + cfg.BatchSize
		if end > len(upserts) {
			end = len(upserts)
		}
		batch := upserts[start:end]
		if err := e.persistBatch(ctx, cfg, batch); err != nil {
			logging.LogError(e.logger, "persisting aggregate batch", err,
				slog.Int("batch_rows", len(batch)))
			summary.ErrorCount += int64(len(batch))
			continue
		}
		summary.UpsertedCount += int64(len(batch))
	}
	return nil
}

// buildUpserts turns delay groups into aggregate rows in deterministic
// key order.
func (e *Engine) buildUpserts(cfg Config, groups map[groupKey][]int64) []scoredb.UpsertScoreAggParams {
	keys := make([]groupKey, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.stopID != b.stopID {
			return a.stopID < b.stopID
		}
		if a.routeID != b.routeID {
			return a.routeID < b.routeID
		}
		if a.dayType != b.dayType {
			return a.dayType < b.dayType
		}
		return a.hourBucket < b.hourBucket
	})

	updatedAt := e.clock.Now().Unix()
	upserts := make([]scoredb.UpsertScoreAggParams, 0, len(keys))
	for _, key := range keys {
		delays := groups[key]
		sort.Slice(delays, func(i, j int) bool { return delays[i] < delays[j] })

		onTime := 0
		for _, d := range delays {
			if d >= -cfg.OnTimeThresholdSec && d <= cfg.OnTimeThresholdSec {
				onTime++
			}
		}
		sampleN := int64(len(delays))
		onTimeRate := float64(onTime) / float64(sampleN)
		p50 := Percentile(delays, 0.50)
		p95 := Percentile(delays, 0.95)

		upserts = append(upserts, scoredb.UpsertScoreAggParams{
			StopID:        key.stopID,
			RouteID:       key.routeID,
			DayType:       key.dayType,
			HourBucket:    key.hourBucket,
			OnTimeRate:    onTimeRate,
			P50DelaySec:   int64(math.Round(p50)),
			P95DelaySec:   int64(math.Round(p95)),
			Score:         ComputeScore(onTimeRate, p95, p50, cfg.Score),
			SampleN:       sampleN,
			LowConfidence: sampleN < cfg.MinSamples,
			UpdatedAt:     updatedAt,
		})
	}
	return upserts
}

func (e *Engine) persistBatch(ctx context.Context, cfg Config, batch []scoredb.UpsertScoreAggParams) error {
	txCtx, cancel := context.WithTimeout(ctx, cfg.QueryTimeout)
	defer cancel()

	tx, err := e.db.DB.BeginTx(txCtx, nil)
	if err != nil {
		return fmt.Errorf("beginning aggregate transaction: %w", err)
	}
	defer logging.SafeRollbackWithLogging(tx, e.logger, "score aggregate batch")

	qtx := e.db.Queries.WithTx(tx)
	for _, params := range batch {
		if err := qtx.UpsertScoreAgg(txCtx, params); err != nil {
			return fmt.Errorf("upserting score aggregate %s/%s/%s/%s: %w",
				params.StopID, params.RouteID, params.DayType, params.HourBucket, err)
		}
	}
	return tx.Commit()
}

// recordRun writes the ledger row. A ledger failure is logged but does
// not fail the run.
func (e *Engine) recordRun(ctx context.Context, cfg Config, summary Summary, startWall, endWall time.Time) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.QueryTimeout)
	defer cancel()

	err := e.db.Queries.InsertAggRun(writeCtx, scoredb.AggRun{
		RunID:          summary.RunID,
		StartedAt:      startWall.Unix(),
		EndedAt:        endWall.Unix(),
		DurationMs:     summary.DurationMs,
		LookbackDays:   summary.LookbackDays,
		RowsConsidered: summary.RowsConsidered,
		GroupsCount:    summary.GroupsCount,
		UpsertedCount:  summary.UpsertedCount,
		DryRun:         summary.DryRun,
		ErrorCount:     summary.ErrorCount,
	})
	if err != nil {
		logging.LogError(e.logger, "recording aggregation run", err,
			slog.String("run_id", summary.RunID))
	}
}
