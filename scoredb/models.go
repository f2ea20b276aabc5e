package scoredb

import "database/sql"

// Trip is a static schedule trip; only the route association is needed by
// the pipeline.
type Trip struct {
	ID      string
	RouteID string
}

// StopTime is one scheduled stop on a trip. ArrivalTime is seconds since
// local midnight of the service date and may be >= 86400 for overnight
// service.
type StopTime struct {
	TripID       string
	StopID       string
	StopSequence int64
	ArrivalTime  int64
}

// RtTripUpdate is a raw telemetry observation deposited by the feed
// poller. StopSequence, ArrivalDelay and ArrivalTime are optional in the
// upstream feed.
type RtTripUpdate struct {
	ID                   int64
	TripID               string
	StopID               string
	StopSequence         sql.NullInt64
	ArrivalDelay         sql.NullInt64
	ArrivalTime          sql.NullInt64
	ScheduleRelationship string
	FeedTimestamp        int64
}

// MatchedArrival is the canonical matching output: exactly one row per
// (trip, stop, sequence, service date), overwritten on rerun.
type MatchedArrival struct {
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
	RtUpdateID      sql.NullInt64
}

// ScoreAgg is one reliability aggregate bucket, fully recomputed on every
// aggregation run.
type ScoreAgg struct {
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

// ArrivalForAggregation is the slice of a matched arrival the aggregation
// engine needs, with route_id resolved through the trips table.
type ArrivalForAggregation struct {
	StopID      string
	RouteID     string
	ServiceDate string
	ScheduledTs int64
	DelaySec    int64
}

// MatchRun is one ledger entry for a matching run.
type MatchRun struct {
	RunID          string
	StartedAt      int64
	EndedAt        int64
	DurationMs     int64
	ScannedCount   int64
	MatchedCount   int64
	UnmatchedCount int64
	AmbiguousCount int64
	DedupedCount   int64
	SkippedCount   int64
	ErrorCount     int64
}

// AggRun is one ledger entry for an aggregation run.
type AggRun struct {
	RunID          string
	StartedAt      int64
	EndedAt        int64
	DurationMs     int64
	LookbackDays   int64
	RowsConsidered int64
	GroupsCount    int64
	UpsertedCount  int64
	DryRun         bool
	ErrorCount     int64
}
