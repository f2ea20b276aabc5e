// Package matching joins realtime arrival telemetry against the static
// schedule and persists per-arrival delay records.
package matching

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"ontime.transitscore.org/internal/clock"
	"ontime.transitscore.org/internal/logging"
	"ontime.transitscore.org/internal/metrics"
	"ontime.transitscore.org/scoredb"
)

const (
	// DefaultWindowMinutes is the telemetry lookback when none is given.
	DefaultWindowMinutes = 60

	// DefaultBatchSize bounds how many arrivals one transaction writes.
	DefaultBatchSize = 500

	// DefaultMaxCandidates caps schedule candidates per observation before
	// the match is treated as ambiguous noise.
	DefaultMaxCandidates = 10

	// DefaultQueryTimeout bounds individual database operations.
	DefaultQueryTimeout = 30 * time.Second
)

// Match statuses persisted on matched_arrivals rows.
const (
	StatusMatched   = "matched"
	StatusAmbiguous = "ambiguous"
)

// Config controls one matching run. Timezone is required; it is the
// service timezone used for service-date arithmetic.
type Config struct {
	WindowMinutes int
	BatchSize     int
	MaxCandidates int
	StrictMode    bool
	Timezone      *time.Location
	QueryTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.WindowMinutes <= 0 {
		c.WindowMinutes = DefaultWindowMinutes
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MaxCandidates <= 0 {
		c.MaxCandidates = DefaultMaxCandidates
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = DefaultQueryTimeout
	}
	return c
}

// Summary reports the outcome of one matching run. Every in-window
// observation lands in exactly one of the outcome counters.
type Summary struct {
	RunID          string `json:"run_id"`
	StartedAt      string `json:"started_at"`
	EndedAt        string `json:"ended_at"`
	DurationMs     int64  `json:"duration_ms"`
	ScannedCount   int64  `json:"scanned_count"`
	MatchedCount   int64  `json:"matched_count"`
	UnmatchedCount int64  `json:"unmatched_count"`
	AmbiguousCount int64  `json:"ambiguous_count"`
	DedupedCount   int64  `json:"deduped_count"`
	SkippedCount   int64  `json:"skipped_count"`
	ErrorCount     int64  `json:"error_count"`
}

// Engine runs the schedule-matching pass over the telemetry window.
type Engine struct {
	db      *scoredb.Client
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *slog.Logger
	config  Config
}

// NewEngine builds a matching engine. metrics may be nil.
func NewEngine(db *scoredb.Client, cfg Config, clk clock.Clock, m *metrics.Metrics) *Engine {
	return &Engine{
		db:      db,
		clock:   clk,
		metrics: m,
		logger:  slog.Default().With(slog.String("component", "matching_engine")),
		config:  cfg,
	}
}

// counters are shared between match workers, hence atomics.
type counters struct {
	matched   atomic.Int64
	unmatched atomic.Int64
	ambiguous atomic.Int64
	errors    atomic.Int64
}

// Run executes one matching pass and returns its summary. The summary is
// valid even when err is non-nil; partial progress before the failure has
// been committed.
func (e *Engine) Run(ctx context.Context) (Summary, error) {
	cfg := e.config.withDefaults()
	if cfg.Timezone == nil {
		return Summary{}, fmt.Errorf("matching: service timezone is required")
	}

	startWall := e.clock.Now().UTC()
	startMono := time.Now()
	summary := Summary{
		RunID:     uuid.NewString(),
		StartedAt: startWall.Format(time.RFC3339),
	}

	logging.LogOperation(e.logger, "matching run started",
		slog.String("run_id", summary.RunID),
		slog.Int("window_minutes", cfg.WindowMinutes),
		slog.Int("batch_size", cfg.BatchSize),
		slog.Bool("strict_mode", cfg.StrictMode),
	)

	var cnt counters
	runErr := e.run(ctx, cfg, &summary, &cnt)

	summary.MatchedCount = cnt.matched.Load()
	summary.UnmatchedCount = cnt.unmatched.Load()
	summary.AmbiguousCount = cnt.ambiguous.Load()
	summary.ErrorCount = cnt.errors.Load()
	endWall := e.clock.Now().UTC()
	summary.DurationMs = time.Since(startMono).Milliseconds()
	summary.EndedAt = endWall.Format(time.RFC3339)

	e.metrics.ObserveRun("matching", time.Since(startMono), runErr != nil)
	e.metrics.AddRowResult("matched", summary.MatchedCount)
	e.metrics.AddRowResult("unmatched", summary.UnmatchedCount)
	e.metrics.AddRowResult("ambiguous", summary.AmbiguousCount)
	e.metrics.AddRowResult("deduped", summary.DedupedCount)
	e.metrics.AddRowResult("skipped", summary.SkippedCount)
	e.metrics.AddRowResult("error", summary.ErrorCount)

	e.recordRun(ctx, cfg, summary, startWall, endWall)

	if runErr != nil {
		logging.LogError(e.logger, "matching run failed", runErr,
			slog.String("run_id", summary.RunID))
		return summary, runErr
	}

	logging.LogOperation(e.logger, "matching run completed",
		slog.String("run_id", summary.RunID),
		slog.Int64("scanned", summary.ScannedCount),
		slog.Int64("matched", summary.MatchedCount),
		slog.Int64("unmatched", summary.UnmatchedCount),
		slog.Int64("ambiguous", summary.AmbiguousCount),
		slog.Int64("deduped", summary.DedupedCount),
		slog.Int64("skipped", summary.SkippedCount),
		slog.Int64("errors", summary.ErrorCount),
		slog.Int64("duration_ms", summary.DurationMs),
	)
	return summary, nil
}

func (e *Engine) run(ctx context.Context, cfg Config, summary *Summary, cnt *counters) error {
	windowEnd := e.clock.Now()
	windowStart := windowEnd.Add(-time.Duration(cfg.WindowMinutes) * time.Minute)

	fetchCtx, cancel := context.WithTimeout(ctx, cfg.QueryTimeout)
	defer cancel()

	observations, err := e.db.Queries.ListScheduledObservations(fetchCtx, scoredb.ListScheduledObservationsParams{
		FromTs: windowStart.Unix(),
		ToTs:   windowEnd.Unix(),
	})
	if err != nil {
		return fmt.Errorf("listing telemetry window: %w", err)
	}
	summary.ScannedCount = int64(len(observations))

	skipped, err := e.db.Queries.CountSkippedObservations(fetchCtx, scoredb.CountSkippedObservationsParams{
		FromTs: windowStart.Unix(),
		ToTs:   windowEnd.Unix(),
	})
	if err != nil {
		// The skipped tally is informational; the run proceeds without it.
		logging.LogError(e.logger, "counting skipped observations", err)
	} else {
		summary.SkippedCount = skipped
	}

	deduped, dropCount := dedupObservations(observations)
	summary.DedupedCount = dropCount

	schedules := newScheduleCache(e.db.Queries)
	for start := 0; start < len(deduped); start += cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start + cfg.BatchSize
		if end > len(deduped) {
			end = len(deduped)
		}
		e.processBatch(ctx, cfg, deduped[start:end], schedules, cnt)
	}
	return nil
}

// processBatch matches a slice of observations in parallel and persists
// the results in a single transaction. A failed transaction drops only
// this batch; the run continues.
func (e *Engine) processBatch(ctx context.Context, cfg Config, batch []scoredb.RtTripUpdate, schedules *scheduleCache, cnt *counters) {
	type job struct {
		obs scoredb.RtTripUpdate
	}

	jobs := make(chan job, len(batch))
	results := make(chan scoredb.UpsertMatchedArrivalParams, len(batch))

	numWorkers := runtime.NumCPU()
	if numWorkers > len(batch) {
		numWorkers = len(batch)
	}

	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				params, ok := e.matchOne(ctx, cfg, j.obs, schedules, cnt)
				if ok {
					results <- params
				}
			}
		}()
	}

	for _, obs := range batch {
		jobs <- job{obs: obs}
	}
	close(jobs)
	wg.Wait()
	close(results)

	upserts := make([]scoredb.UpsertMatchedArrivalParams, 0, len(batch))
	for params := range results {
		upserts = append(upserts, params)
	}
	if len(upserts) == 0 {
		return
	}

	// Deterministic write order regardless of worker scheduling. Distinct
	// observations can resolve to the same arrival row, so the order is
	// total over the source telemetry too: the latest feed writes last and
	// wins the upsert.
	sort.Slice(upserts, func(i, j int) bool {
		a, b := upserts[i], upserts[j]
		if a.TripID != b.TripID {
			return a.TripID < b.TripID
		}
		if a.StopID != b.StopID {
			return a.StopID < b.StopID
		}
		if a.StopSequence != b.StopSequence {
			return a.StopSequence < b.StopSequence
		}
		if a.ServiceDate != b.ServiceDate {
			return a.ServiceDate < b.ServiceDate
		}
		if a.SourceFeedTs != b.SourceFeedTs {
			return a.SourceFeedTs < b.SourceFeedTs
		}
		return *a.RtUpdateID < *b.RtUpdateID
	})

	if err := e.persistBatch(ctx, cfg, upserts); err != nil {
		logging.LogError(e.logger, "persisting matched batch", err,
			slog.Int("batch_rows", len(upserts)))
		// Roll the batch's matched/ambiguous tallies back into errors so
		// the summary only counts rows that actually landed.
		for _, u := range upserts {
			if u.MatchStatus == StatusAmbiguous {
				cnt.ambiguous.Add(-1)
			} else {
				cnt.matched.Add(-1)
			}
			cnt.errors.Add(1)
		}
	}
}

func (e *Engine) persistBatch(ctx context.Context, cfg Config, upserts []scoredb.UpsertMatchedArrivalParams) error {
	txCtx, cancel := context.WithTimeout(ctx, cfg.QueryTimeout)
	defer cancel()

	tx, err := e.db.DB.BeginTx(txCtx, nil)
	if err != nil {
		return fmt.Errorf("beginning batch transaction: %w", err)
	}
	defer logging.SafeRollbackWithLogging(tx, e.logger, "matched arrival batch")

	qtx := e.db.Queries.WithTx(tx)
	for _, params := range upserts {
		if err := qtx.UpsertMatchedArrival(txCtx, params); err != nil {
			return fmt.Errorf("upserting matched arrival %s/%s/%d/%s: %w",
				params.TripID, params.StopID, params.StopSequence, params.ServiceDate, err)
		}
	}
	return tx.Commit()
}

// matchOne resolves a single observation against the schedule. It updates
// the outcome counters and returns the row to persist when the outcome is
// matched or ambiguous.
func (e *Engine) matchOne(ctx context.Context, cfg Config, obs scoredb.RtTripUpdate, schedules *scheduleCache, cnt *counters) (scoredb.UpsertMatchedArrivalParams, bool) {
	if obs.TripID == "" || obs.StopID == "" {
		cnt.errors.Add(1)
		return scoredb.UpsertMatchedArrivalParams{}, false
	}

	stopTimes, err := schedules.forTrip(ctx, cfg.QueryTimeout, obs.TripID)
	if err != nil {
		logging.LogError(e.logger, "loading schedule for trip", err,
			slog.String("trip_id", obs.TripID))
		cnt.errors.Add(1)
		return scoredb.UpsertMatchedArrivalParams{}, false
	}

	candidates := make([]scoredb.StopTime, 0, 2)
	for _, st := range stopTimes {
		if st.StopID != obs.StopID {
			continue
		}
		if obs.StopSequence.Valid && st.StopSequence != obs.StopSequence.Int64 {
			continue
		}
		candidates = append(candidates, st)
	}
	if len(candidates) > cfg.MaxCandidates {
		candidates = candidates[:cfg.MaxCandidates]
	}

	if len(candidates) == 0 {
		cnt.unmatched.Add(1)
		return scoredb.UpsertMatchedArrivalParams{}, false
	}

	status := StatusMatched
	confidence := 1.0
	if len(candidates) > 1 {
		if cfg.StrictMode {
			cnt.unmatched.Add(1)
			return scoredb.UpsertMatchedArrivalParams{}, false
		}
		status = StatusAmbiguous
		confidence = math.Round(1.0/float64(len(candidates))*10000) / 10000
	}
	chosen := lowestSequence(candidates)

	feedTs := time.Unix(obs.FeedTimestamp, 0)
	serviceMidnight := ServiceDate(feedTs, chosen.ArrivalTime, cfg.Timezone)
	scheduledTs := ScheduledTime(serviceMidnight, chosen.ArrivalTime)
	observedTs, ok := ObservedTime(obs.ArrivalTime, obs.ArrivalDelay, scheduledTs)
	if !ok {
		cnt.errors.Add(1)
		return scoredb.UpsertMatchedArrivalParams{}, false
	}

	if status == StatusAmbiguous {
		cnt.ambiguous.Add(1)
	} else {
		cnt.matched.Add(1)
	}

	rtUpdateID := obs.ID
	return scoredb.UpsertMatchedArrivalParams{
		TripID:          obs.TripID,
		StopID:          obs.StopID,
		StopSequence:    chosen.StopSequence,
		ServiceDate:     serviceMidnight.Format("2006-01-02"),
		ScheduledTs:     scheduledTs.Unix(),
		ObservedTs:      observedTs.Unix(),
		DelaySec:        DelaySeconds(observedTs, scheduledTs),
		MatchStatus:     status,
		MatchConfidence: confidence,
		SourceFeedTs:    obs.FeedTimestamp,
		RtUpdateID:      &rtUpdateID,
	}, true
}

// recordRun writes the ledger row. A ledger failure is logged but does
// not fail the run; the summary has already been produced.
func (e *Engine) recordRun(ctx context.Context, cfg Config, summary Summary, startWall, endWall time.Time) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.QueryTimeout)
	defer cancel()

	err := e.db.Queries.InsertMatchRun(writeCtx, scoredb.MatchRun{
		RunID:          summary.RunID,
		StartedAt:      startWall.Unix(),
		EndedAt:        endWall.Unix(),
		DurationMs:     summary.DurationMs,
		ScannedCount:   summary.ScannedCount,
		MatchedCount:   summary.MatchedCount,
		UnmatchedCount: summary.UnmatchedCount,
		AmbiguousCount: summary.AmbiguousCount,
		DedupedCount:   summary.DedupedCount,
		SkippedCount:   summary.SkippedCount,
		ErrorCount:     summary.ErrorCount,
	})
	if err != nil {
		logging.LogError(e.logger, "recording matching run", err,
			slog.String("run_id", summary.RunID))
	}
}

// scheduleCache memoizes per-trip stop time lookups across batches. Safe
// for concurrent use by match workers.
type scheduleCache struct {
	queries *scoredb.Queries

	mu    sync.Mutex
	trips map[string][]scoredb.StopTime
}

func newScheduleCache(queries *scoredb.Queries) *scheduleCache {
	return &scheduleCache{
		queries: queries,
		trips:   make(map[string][]scoredb.StopTime),
	}
}

func (s *scheduleCache) forTrip(ctx context.Context, timeout time.Duration, tripID string) ([]scoredb.StopTime, error) {
	s.mu.Lock()
	cached, ok := s.trips[tripID]
	s.mu.Unlock()
	if ok {
		return cached, nil
	}

	queryCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	stopTimes, err := s.queries.ListStopTimesForTrip(queryCtx, tripID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.trips[tripID] = stopTimes
	s.mu.Unlock()
	return stopTimes, nil
}
