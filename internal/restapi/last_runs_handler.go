package restapi

import (
	"database/sql"
	"errors"
	"net/http"

	"ontime.transitscore.org/scoredb"
)

// lastRunsResponse reports the most recent ledger entry per engine; an
// engine that has never run is null.
type lastRunsResponse struct {
	Matching    *matchRunEntry `json:"matching"`
	Aggregation *aggRunEntry   `json:"aggregation"`
}

type matchRunEntry struct {
	RunID          string `json:"run_id"`
	StartedAt      int64  `json:"started_at"`
	EndedAt        int64  `json:"ended_at"`
	DurationMs     int64  `json:"duration_ms"`
	ScannedCount   int64  `json:"scanned_count"`
	MatchedCount   int64  `json:"matched_count"`
	UnmatchedCount int64  `json:"unmatched_count"`
	AmbiguousCount int64  `json:"ambiguous_count"`
	DedupedCount   int64  `json:"deduped_count"`
	SkippedCount   int64  `json:"skipped_count"`
	ErrorCount     int64  `json:"error_count"`
}

type aggRunEntry struct {
	RunID          string `json:"run_id"`
	StartedAt      int64  `json:"started_at"`
	EndedAt        int64  `json:"ended_at"`
	DurationMs     int64  `json:"duration_ms"`
	LookbackDays   int64  `json:"lookback_days"`
	RowsConsidered int64  `json:"rows_considered"`
	GroupsCount    int64  `json:"groups_count"`
	UpsertedCount  int64  `json:"upserted_count"`
	DryRun         bool   `json:"dry_run"`
	ErrorCount     int64  `json:"error_count"`
}

func (api *RestAPI) lastRunsHandler(w http.ResponseWriter, r *http.Request) {
	var response lastRunsResponse

	matchRun, err := api.ScoreDB.Queries.GetLastMatchRun(r.Context())
	switch {
	case err == nil:
		response.Matching = newMatchRunEntry(matchRun)
	case errors.Is(err, sql.ErrNoRows):
	default:
		api.serverErrorResponse(w, r, err)
		return
	}

	aggRun, err := api.ScoreDB.Queries.GetLastAggRun(r.Context())
	switch {
	case err == nil:
		response.Aggregation = newAggRunEntry(aggRun)
	case errors.Is(err, sql.ErrNoRows):
	default:
		api.serverErrorResponse(w, r, err)
		return
	}

	api.sendJSON(w, http.StatusOK, response)
}

func newMatchRunEntry(run scoredb.MatchRun) *matchRunEntry {
	return &matchRunEntry{
		RunID:          run.RunID,
		StartedAt:      run.StartedAt,
		EndedAt:        run.EndedAt,
		DurationMs:     run.DurationMs,
		ScannedCount:   run.ScannedCount,
		MatchedCount:   run.MatchedCount,
		UnmatchedCount: run.UnmatchedCount,
		AmbiguousCount: run.AmbiguousCount,
		DedupedCount:   run.DedupedCount,
		SkippedCount:   run.SkippedCount,
		ErrorCount:     run.ErrorCount,
	}
}

func newAggRunEntry(run scoredb.AggRun) *aggRunEntry {
	return &aggRunEntry{
		RunID:          run.RunID,
		StartedAt:      run.StartedAt,
		EndedAt:        run.EndedAt,
		DurationMs:     run.DurationMs,
		LookbackDays:   run.LookbackDays,
		RowsConsidered: run.RowsConsidered,
		GroupsCount:    run.GroupsCount,
		UpsertedCount:  run.UpsertedCount,
		DryRun:         run.DryRun,
		ErrorCount:     run.ErrorCount,
	}
}
