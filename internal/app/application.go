package app

import (
	"log/slog"

	"ontime.transitscore.org/internal/aggregation"
	"ontime.transitscore.org/internal/appconf"
	"ontime.transitscore.org/internal/clock"
	"ontime.transitscore.org/internal/matching"
	"ontime.transitscore.org/internal/metrics"
	"ontime.transitscore.org/scoredb"
)

// Application holds the shared dependencies for the batch engines, HTTP
// handlers and middleware.
type Application struct {
	Config            appconf.Config
	Logger            *slog.Logger
	ScoreDB           *scoredb.Client
	Clock             clock.Clock
	Metrics           *metrics.Metrics
	MatchingConfig    matching.Config
	AggregationConfig aggregation.Config
}

// NewMatchingEngine builds a matching engine from the application's
// defaults merged with any per-run overrides. Boolean fields carry no
// unset state, so callers resolve those against the defaults before the
// call.
func (app *Application) NewMatchingEngine(cfg matching.Config) *matching.Engine {
	if cfg.Timezone == nil {
		cfg.Timezone = app.MatchingConfig.Timezone
	}
	if cfg.WindowMinutes <= 0 {
		cfg.WindowMinutes = app.MatchingConfig.WindowMinutes
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = app.MatchingConfig.BatchSize
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = app.MatchingConfig.MaxCandidates
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = app.MatchingConfig.QueryTimeout
	}
	return matching.NewEngine(app.ScoreDB, cfg, app.Clock, app.Metrics)
}

// NewAggregationEngine builds an aggregation engine from the
// application's defaults merged with any per-run overrides. Boolean
// fields carry no unset state, so callers resolve those against the
// defaults before the call.
func (app *Application) NewAggregationEngine(cfg aggregation.Config) *aggregation.Engine {
	if cfg.Timezone == nil {
		cfg.Timezone = app.AggregationConfig.Timezone
	}
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = app.AggregationConfig.LookbackDays
	}
	if cfg.OnTimeThresholdSec <= 0 {
		cfg.OnTimeThresholdSec = app.AggregationConfig.OnTimeThresholdSec
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = app.AggregationConfig.MinSamples
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = app.AggregationConfig.QueryTimeout
	}
	return aggregation.NewEngine(app.ScoreDB, cfg, app.Clock, app.Metrics)
}
