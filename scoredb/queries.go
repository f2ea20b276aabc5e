package scoredb

import (
	"context"
	"database/sql"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx so queries can run inside
// or outside a transaction.
type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

// New creates a Queries value bound to the given database handle.
func New(db DBTX) *Queries {
	return &Queries{db: db}
}

// Queries holds the hand-written SQL for the reliability database.
type Queries struct {
	db DBTX
}

// WithTx returns a Queries bound to the given transaction.
func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

const createTrip = `
INSERT INTO trips (id, route_id) VALUES (?, ?)
ON CONFLICT (id) DO UPDATE SET route_id = excluded.route_id
`

type CreateTripParams struct {
	ID      string
	RouteID string
}

func (q *Queries) CreateTrip(ctx context.Context, arg CreateTripParams) error {
	_, err := q.db.ExecContext(ctx, createTrip, arg.ID, arg.RouteID)
	return err
}

const createStopTime = `
INSERT INTO stop_times (trip_id, stop_id, stop_sequence, arrival_time)
VALUES (?, ?, ?, ?)
ON CONFLICT (trip_id, stop_id, stop_sequence) DO UPDATE SET arrival_time = excluded.arrival_time
`

type CreateStopTimeParams struct {
	TripID       string
	StopID       string
	StopSequence int64
	ArrivalTime  int64
}

func (q *Queries) CreateStopTime(ctx context.Context, arg CreateStopTimeParams) error {
	_, err := q.db.ExecContext(ctx, createStopTime,
		arg.TripID, arg.StopID, arg.StopSequence, arg.ArrivalTime)
	return err
}

const createRtTripUpdate = `
INSERT INTO rt_trip_updates (
    trip_id, stop_id, stop_sequence, arrival_delay, arrival_time,
    schedule_relationship, feed_timestamp
) VALUES (?, ?, ?, ?, ?, ?, ?)
`

type CreateRtTripUpdateParams struct {
	TripID               string
	StopID               string
	StopSequence         *int64
	ArrivalDelay         *int64
	ArrivalTime          *int64
	ScheduleRelationship string
	FeedTimestamp        int64
}

func (q *Queries) CreateRtTripUpdate(ctx context.Context, arg CreateRtTripUpdateParams) (int64, error) {
	result, err := q.db.ExecContext(ctx, createRtTripUpdate,
		arg.TripID,
		arg.StopID,
		toNullInt64(arg.StopSequence),
		toNullInt64(arg.ArrivalDelay),
		toNullInt64(arg.ArrivalTime),
		arg.ScheduleRelationship,
		arg.FeedTimestamp,
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

const listScheduledObservations = `
SELECT
    id, trip_id, stop_id, stop_sequence, arrival_delay, arrival_time,
    schedule_relationship, feed_timestamp
FROM rt_trip_updates
WHERE schedule_relationship = 'SCHEDULED'
  AND feed_timestamp >= ?
  AND feed_timestamp <= ?
  AND (arrival_time IS NOT NULL OR arrival_delay IS NOT NULL)
ORDER BY feed_timestamp DESC, id DESC
`

type ListScheduledObservationsParams struct {
	FromTs int64
	ToTs   int64
}

// ListScheduledObservations returns the window of telemetry rows eligible
// for matching: SCHEDULED relationship with an arrival epoch or delay.
func (q *Queries) ListScheduledObservations(ctx context.Context, arg ListScheduledObservationsParams) ([]RtTripUpdate, error) {
	rows, err := q.db.QueryContext(ctx, listScheduledObservations, arg.FromTs, arg.ToTs)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // closing is also checked explicitly below
	var items []RtTripUpdate
	for rows.Next() {
		var i RtTripUpdate
		if err := rows.Scan(
			&i.ID,
			&i.TripID,
			&i.StopID,
			&i.StopSequence,
			&i.ArrivalDelay,
			&i.ArrivalTime,
			&i.ScheduleRelationship,
			&i.FeedTimestamp,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const countSkippedObservations = `
SELECT COUNT(*)
FROM rt_trip_updates
WHERE schedule_relationship != 'SCHEDULED'
  AND feed_timestamp >= ?
  AND feed_timestamp <= ?
`

type CountSkippedObservationsParams struct {
	FromTs int64
	ToTs   int64
}

// CountSkippedObservations counts in-window telemetry whose schedule
// relationship rules it out of matching (CANCELED, SKIPPED, NO_DATA, ...).
func (q *Queries) CountSkippedObservations(ctx context.Context, arg CountSkippedObservationsParams) (int64, error) {
	var count int64
	err := q.db.QueryRowContext(ctx, countSkippedObservations, arg.FromTs, arg.ToTs).Scan(&count)
	return count, err
}

const listStopTimesForTrip = `
SELECT trip_id, stop_id, stop_sequence, arrival_time
FROM stop_times
WHERE trip_id = ?
ORDER BY stop_sequence
`

// ListStopTimesForTrip returns schedule candidates for a trip, ordered by
// stop_sequence.
func (q *Queries) ListStopTimesForTrip(ctx context.Context, tripID string) ([]StopTime, error) {
	rows, err := q.db.QueryContext(ctx, listStopTimesForTrip, tripID)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // closing is also checked explicitly below
	var items []StopTime
	for rows.Next() {
		var i StopTime
		if err := rows.Scan(&i.TripID, &i.StopID, &i.StopSequence, &i.ArrivalTime); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	return items, rows.Err()
}

const upsertMatchedArrival = `
INSERT INTO matched_arrivals (
    trip_id, stop_id, stop_sequence, service_date,
    scheduled_ts, observed_ts, delay_sec,
    match_status, match_confidence, source_feed_ts, rt_update_id
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (trip_id, stop_id, stop_sequence, service_date)
DO UPDATE SET
    scheduled_ts = excluded.scheduled_ts,
    observed_ts = excluded.observed_ts,
    delay_sec = excluded.delay_sec,
    match_status = excluded.match_status,
    match_confidence = excluded.match_confidence,
    source_feed_ts = excluded.source_feed_ts,
    rt_update_id = excluded.rt_update_id
`

type UpsertMatchedArrivalParams struct {
	TripID          string
	StopID          string
	StopSequence    int64
	ServiceDate     string
	ScheduledTs     int64
	ObservedTs      int64
	DelaySec        int64
	MatchStatus     string
	MatchConfidence float64
	SourceFeedTs    int64
	RtUpdateID      *int64
}

// UpsertMatchedArrival inserts or replaces the matched arrival for its
// natural key; reruns overwrite rather than duplicate.
func (q *Queries) UpsertMatchedArrival(ctx context.Context, arg UpsertMatchedArrivalParams) error {
	_, err := q.db.ExecContext(ctx, upsertMatchedArrival,
		arg.TripID,
		arg.StopID,
		arg.StopSequence,
		arg.ServiceDate,
		arg.ScheduledTs,
		arg.ObservedTs,
		arg.DelaySec,
		arg.MatchStatus,
		arg.MatchConfidence,
		arg.SourceFeedTs,
		toNullInt64(arg.RtUpdateID),
	)
	return err
}

const getMatchedArrival = `
SELECT
    trip_id, stop_id, stop_sequence, service_date,
    scheduled_ts, observed_ts, delay_sec,
    match_status, match_confidence, source_feed_ts, rt_update_id
FROM matched_arrivals
WHERE trip_id = ? AND stop_id = ? AND stop_sequence = ? AND service_date = ?
`

type GetMatchedArrivalParams struct {
	TripID       string
	StopID       string
	StopSequence int64
	ServiceDate  string
}

func (q *Queries) GetMatchedArrival(ctx context.Context, arg GetMatchedArrivalParams) (MatchedArrival, error) {
	var i MatchedArrival
	err := q.db.QueryRowContext(ctx, getMatchedArrival,
		arg.TripID, arg.StopID, arg.StopSequence, arg.ServiceDate,
	).Scan(
		&i.TripID,
		&i.StopID,
		&i.StopSequence,
		&i.ServiceDate,
		&i.ScheduledTs,
		&i.ObservedTs,
		&i.DelaySec,
		&i.MatchStatus,
		&i.MatchConfidence,
		&i.SourceFeedTs,
		&i.RtUpdateID,
	)
	return i, err
}

const listMatchedArrivals = `
SELECT
    trip_id, stop_id, stop_sequence, service_date,
    scheduled_ts, observed_ts, delay_sec,
    match_status, match_confidence, source_feed_ts, rt_update_id
FROM matched_arrivals
ORDER BY trip_id, stop_id, stop_sequence, service_date
`

// ListMatchedArrivals returns every matched arrival in deterministic key
// order.
func (q *Queries) ListMatchedArrivals(ctx context.Context) ([]MatchedArrival, error) {
	rows, err := q.db.QueryContext(ctx, listMatchedArrivals)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // closing is also checked explicitly below
	var items []MatchedArrival
	for rows.Next() {
		var i MatchedArrival
		if err := rows.Scan(
			&i.TripID,
			&i.StopID,
			&i.StopSequence,
			&i.ServiceDate,
			&i.ScheduledTs,
			&i.ObservedTs,
			&i.DelaySec,
			&i.MatchStatus,
			&i.MatchConfidence,
			&i.SourceFeedTs,
			&i.RtUpdateID,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	return items, rows.Err()
}

const listArrivalsForAggregation = `
SELECT ma.stop_id, t.route_id, ma.service_date, ma.scheduled_ts, ma.delay_sec
FROM matched_arrivals ma
JOIN trips t ON t.id = ma.trip_id
WHERE ma.service_date >= ?
  AND (ma.match_status = 'matched' OR (? AND ma.match_status = 'ambiguous'))
ORDER BY ma.stop_id, t.route_id, ma.service_date, ma.scheduled_ts
`

type ListArrivalsForAggregationParams struct {
	MinServiceDate   string
	IncludeAmbiguous bool
}

// ListArrivalsForAggregation returns the lookback window of matched
// arrivals with route_id resolved, in deterministic order. Ambiguous rows
// are included unless strict mode excludes them.
func (q *Queries) ListArrivalsForAggregation(ctx context.Context, arg ListArrivalsForAggregationParams) ([]ArrivalForAggregation, error) {
	rows, err := q.db.QueryContext(ctx, listArrivalsForAggregation, arg.MinServiceDate, arg.IncludeAmbiguous)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // closing is also checked explicitly below
	var items []ArrivalForAggregation
	for rows.Next() {
		var i ArrivalForAggregation
		if err := rows.Scan(&i.StopID, &i.RouteID, &i.ServiceDate, &i.ScheduledTs, &i.DelaySec); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	return items, rows.Err()
}

const upsertScoreAgg = `
INSERT INTO score_agg (
    stop_id, route_id, day_type, hour_bucket,
    on_time_rate, p50_delay_sec, p95_delay_sec, score, sample_n,
    low_confidence, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (stop_id, route_id, day_type, hour_bucket)
DO UPDATE SET
    on_time_rate = excluded.on_time_rate,
    p50_delay_sec = excluded.p50_delay_sec,
    p95_delay_sec = excluded.p95_delay_sec,
    score = excluded.score,
    sample_n = excluded.sample_n,
    low_confidence = excluded.low_confidence,
    updated_at = excluded.updated_at
`

type UpsertScoreAggParams struct {
	StopID        string
	RouteID       string
	DayType       string
	HourBucket    string
	OnTimeRate    float64
	P50DelaySec   int64
	P95DelaySec   int64
	Score         int64
	SampleN       int64
	LowConfidence bool
	UpdatedAt     int64
}

// UpsertScoreAgg replaces every metric column unconditionally, so reruns
// over the same window converge to identical rows.
func (q *Queries) UpsertScoreAgg(ctx context.Context, arg UpsertScoreAggParams) error {
	_, err := q.db.ExecContext(ctx, upsertScoreAgg,
		arg.StopID,
		arg.RouteID,
		arg.DayType,
		arg.HourBucket,
		arg.OnTimeRate,
		arg.P50DelaySec,
		arg.P95DelaySec,
		arg.Score,
		arg.SampleN,
		arg.LowConfidence,
		arg.UpdatedAt,
	)
	return err
}

const listScoreAggs = `
SELECT
    stop_id, route_id, day_type, hour_bucket,
    on_time_rate, p50_delay_sec, p95_delay_sec, score, sample_n,
    low_confidence, updated_at
FROM score_agg
ORDER BY stop_id, route_id, day_type, hour_bucket
`

func (q *Queries) ListScoreAggs(ctx context.Context) ([]ScoreAgg, error) {
	rows, err := q.db.QueryContext(ctx, listScoreAggs)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // closing is also checked explicitly below
	var items []ScoreAgg
	for rows.Next() {
		var i ScoreAgg
		if err := rows.Scan(
			&i.StopID,
			&i.RouteID,
			&i.DayType,
			&i.HourBucket,
			&i.OnTimeRate,
			&i.P50DelaySec,
			&i.P95DelaySec,
			&i.Score,
			&i.SampleN,
			&i.LowConfidence,
			&i.UpdatedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	return items, rows.Err()
}

const insertMatchRun = `
INSERT INTO match_runs (
    run_id, started_at, ended_at, duration_ms,
    scanned_count, matched_count, unmatched_count, ambiguous_count,
    deduped_count, skipped_count, error_count
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

func (q *Queries) InsertMatchRun(ctx context.Context, arg MatchRun) error {
	_, err := q.db.ExecContext(ctx, insertMatchRun,
		arg.RunID,
		arg.StartedAt,
		arg.EndedAt,
		arg.DurationMs,
		arg.ScannedCount,
		arg.MatchedCount,
		arg.UnmatchedCount,
		arg.AmbiguousCount,
		arg.DedupedCount,
		arg.SkippedCount,
		arg.ErrorCount,
	)
	return err
}

const insertAggRun = `
INSERT INTO agg_runs (
    run_id, started_at, ended_at, duration_ms, lookback_days,
    rows_considered, groups_count, upserted_count, dry_run, error_count
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

func (q *Queries) InsertAggRun(ctx context.Context, arg AggRun) error {
	_, err := q.db.ExecContext(ctx, insertAggRun,
		arg.RunID,
		arg.StartedAt,
		arg.EndedAt,
		arg.DurationMs,
		arg.LookbackDays,
		arg.RowsConsidered,
		arg.GroupsCount,
		arg.UpsertedCount,
		arg.DryRun,
		arg.ErrorCount,
	)
	return err
}

const getLastMatchRun = `
SELECT
    run_id, started_at, ended_at, duration_ms,
    scanned_count, matched_count, unmatched_count, ambiguous_count,
    deduped_count, skipped_count, error_count
FROM match_runs
ORDER BY started_at DESC, run_id DESC
LIMIT 1
`

func (q *Queries) GetLastMatchRun(ctx context.Context) (MatchRun, error) {
	var i MatchRun
	err := q.db.QueryRowContext(ctx, getLastMatchRun).Scan(
		&i.RunID,
		&i.StartedAt,
		&i.EndedAt,
		&i.DurationMs,
		&i.ScannedCount,
		&i.MatchedCount,
		&i.UnmatchedCount,
		&i.AmbiguousCount,
		&i.DedupedCount,
		&i.SkippedCount,
		&i.ErrorCount,
	)
	return i, err
}

const getLastAggRun = `
SELECT
    run_id, started_at, ended_at, duration_ms, lookback_days,
    rows_considered, groups_count, upserted_count, dry_run, error_count
FROM agg_runs
ORDER BY started_at DESC, run_id DESC
LIMIT 1
`

func (q *Queries) GetLastAggRun(ctx context.Context) (AggRun, error) {
	var i AggRun
	err := q.db.QueryRowContext(ctx, getLastAggRun).Scan(
		&i.RunID,
		&i.StartedAt,
		&i.EndedAt,
		&i.DurationMs,
		&i.LookbackDays,
		&i.RowsConsidered,
		&i.GroupsCount,
		&i.UpsertedCount,
		&i.DryRun,
		&i.ErrorCount,
	)
	return i, err
}
