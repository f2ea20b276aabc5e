package scoredb

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(v int64) *int64 { return &v }

func TestCreateRtTripUpdateReturnsRowID(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	first, err := client.Queries.CreateRtTripUpdate(ctx, CreateRtTripUpdateParams{
		TripID:               "trip_1",
		StopID:               "stop_1",
		ScheduleRelationship: "SCHEDULED",
		ArrivalDelay:         ptr(60),
		FeedTimestamp:        1000,
	})
	require.NoError(t, err)

	second, err := client.Queries.CreateRtTripUpdate(ctx, CreateRtTripUpdateParams{
		TripID:               "trip_1",
		StopID:               "stop_1",
		ScheduleRelationship: "SCHEDULED",
		ArrivalDelay:         ptr(90),
		FeedTimestamp:        2000,
	})
	require.NoError(t, err)

	assert.Greater(t, second, first)
}

func TestListScheduledObservationsFilters(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	inWindow, err := client.Queries.CreateRtTripUpdate(ctx, CreateRtTripUpdateParams{
		TripID:               "trip_1",
		StopID:               "stop_1",
		ScheduleRelationship: "SCHEDULED",
		ArrivalDelay:         ptr(60),
		FeedTimestamp:        1500,
	})
	require.NoError(t, err)

	// Outside the window.
	_, err = client.Queries.CreateRtTripUpdate(ctx, CreateRtTripUpdateParams{
		TripID:               "trip_1",
		StopID:               "stop_1",
		ScheduleRelationship: "SCHEDULED",
		ArrivalDelay:         ptr(60),
		FeedTimestamp:        500,
	})
	require.NoError(t, err)

	// Wrong schedule relationship.
	_, err = client.Queries.CreateRtTripUpdate(ctx, CreateRtTripUpdateParams{
		TripID:               "trip_1",
		StopID:               "stop_2",
		ScheduleRelationship: "CANCELED",
		ArrivalDelay:         ptr(60),
		FeedTimestamp:        1500,
	})
	require.NoError(t, err)

	// No arrival signal at all.
	_, err = client.Queries.CreateRtTripUpdate(ctx, CreateRtTripUpdateParams{
		TripID:               "trip_1",
		StopID:               "stop_3",
		ScheduleRelationship: "SCHEDULED",
		FeedTimestamp:        1500,
	})
	require.NoError(t, err)

	observations, err := client.Queries.ListScheduledObservations(ctx, ListScheduledObservationsParams{
		FromTs: 1000,
		ToTs:   2000,
	})
	require.NoError(t, err)
	require.Len(t, observations, 1)
	assert.Equal(t, inWindow, observations[0].ID)

	skipped, err := client.Queries.CountSkippedObservations(ctx, CountSkippedObservationsParams{
		FromTs: 1000,
		ToTs:   2000,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), skipped)
}

func TestListScheduledObservationsNewestFirst(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	for _, ts := range []int64{1100, 1300, 1200} {
		_, err := client.Queries.CreateRtTripUpdate(ctx, CreateRtTripUpdateParams{
			TripID:               "trip_1",
			StopID:               "stop_1",
			ScheduleRelationship: "SCHEDULED",
			ArrivalDelay:         ptr(60),
			FeedTimestamp:        ts,
		})
		require.NoError(t, err)
	}

	observations, err := client.Queries.ListScheduledObservations(ctx, ListScheduledObservationsParams{
		FromTs: 1000,
		ToTs:   2000,
	})
	require.NoError(t, err)
	require.Len(t, observations, 3)
	assert.Equal(t, int64(1300), observations[0].FeedTimestamp)
	assert.Equal(t, int64(1200), observations[1].FeedTimestamp)
	assert.Equal(t, int64(1100), observations[2].FeedTimestamp)
}

func TestUpsertMatchedArrivalOverwritesOnConflict(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	params := UpsertMatchedArrivalParams{
		TripID:          "trip_1",
		StopID:          "stop_1",
		StopSequence:    5,
		ServiceDate:     "2025-03-07",
		ScheduledTs:     1000,
		ObservedTs:      1060,
		DelaySec:        60,
		MatchStatus:     "matched",
		MatchConfidence: 1.0,
		SourceFeedTs:    1060,
	}
	require.NoError(t, client.Queries.UpsertMatchedArrival(ctx, params))

	params.ObservedTs = 1120
	params.DelaySec = 120
	params.SourceFeedTs = 1120
	require.NoError(t, client.Queries.UpsertMatchedArrival(ctx, params))

	rows, err := client.Queries.ListMatchedArrivals(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(120), rows[0].DelaySec)
	assert.Equal(t, int64(1120), rows[0].SourceFeedTs)
}

func TestListArrivalsForAggregationStatusAndDateFilters(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.Queries.CreateTrip(ctx, CreateTripParams{ID: "trip_1", RouteID: "route_1"}))

	seed := func(stopID, serviceDate, status string) {
		require.NoError(t, client.Queries.UpsertMatchedArrival(ctx, UpsertMatchedArrivalParams{
			TripID:          "trip_1",
			StopID:          stopID,
			StopSequence:    1,
			ServiceDate:     serviceDate,
			ScheduledTs:     1000,
			ObservedTs:      1060,
			DelaySec:        60,
			MatchStatus:     status,
			MatchConfidence: 1.0,
			SourceFeedTs:    1060,
		}))
	}
	seed("stop_matched", "2025-03-07", "matched")
	seed("stop_ambiguous", "2025-03-07", "ambiguous")
	seed("stop_old", "2025-01-01", "matched")

	withAmbiguous, err := client.Queries.ListArrivalsForAggregation(ctx, ListArrivalsForAggregationParams{
		MinServiceDate:   "2025-03-01",
		IncludeAmbiguous: true,
	})
	require.NoError(t, err)
	require.Len(t, withAmbiguous, 2)
	assert.Equal(t, "route_1", withAmbiguous[0].RouteID)

	matchedOnly, err := client.Queries.ListArrivalsForAggregation(ctx, ListArrivalsForAggregationParams{
		MinServiceDate:   "2025-03-01",
		IncludeAmbiguous: false,
	})
	require.NoError(t, err)
	require.Len(t, matchedOnly, 1)
	assert.Equal(t, "stop_matched", matchedOnly[0].StopID)
}

func TestUpsertScoreAggOverwritesOnConflict(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	params := UpsertScoreAggParams{
		StopID:        "stop_1",
		RouteID:       "route_1",
		DayType:       "weekday",
		HourBucket:    "6-9",
		OnTimeRate:    0.5,
		P50DelaySec:   60,
		P95DelaySec:   300,
		Score:         70,
		SampleN:       10,
		LowConfidence: true,
		UpdatedAt:     1000,
	}
	require.NoError(t, client.Queries.UpsertScoreAgg(ctx, params))

	params.OnTimeRate = 0.9
	params.Score = 90
	params.SampleN = 30
	params.LowConfidence = false
	params.UpdatedAt = 2000
	require.NoError(t, client.Queries.UpsertScoreAgg(ctx, params))

	aggs, err := client.Queries.ListScoreAggs(ctx)
	require.NoError(t, err)
	require.Len(t, aggs, 1)
	assert.Equal(t, 0.9, aggs[0].OnTimeRate)
	assert.Equal(t, int64(90), aggs[0].Score)
	assert.False(t, aggs[0].LowConfidence)
}

func TestRunLedgersReturnLatest(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	_, err := client.Queries.GetLastMatchRun(ctx)
	assert.ErrorIs(t, err, sql.ErrNoRows)

	require.NoError(t, client.Queries.InsertMatchRun(ctx, MatchRun{RunID: "run_a", StartedAt: 1000}))
	require.NoError(t, client.Queries.InsertMatchRun(ctx, MatchRun{RunID: "run_b", StartedAt: 2000}))

	last, err := client.Queries.GetLastMatchRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run_b", last.RunID)

	require.NoError(t, client.Queries.InsertAggRun(ctx, AggRun{RunID: "agg_a", StartedAt: 1000, DryRun: true}))
	require.NoError(t, client.Queries.InsertAggRun(ctx, AggRun{RunID: "agg_b", StartedAt: 3000}))

	lastAgg, err := client.Queries.GetLastAggRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, "agg_b", lastAgg.RunID)
	assert.False(t, lastAgg.DryRun)
}

func TestWithTxRollbackDiscardsWrites(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	tx, err := client.DB.BeginTx(ctx, nil)
	require.NoError(t, err)

	qtx := client.Queries.WithTx(tx)
	require.NoError(t, qtx.UpsertMatchedArrival(ctx, UpsertMatchedArrivalParams{
		TripID:          "trip_1",
		StopID:          "stop_1",
		StopSequence:    1,
		ServiceDate:     "2025-03-07",
		MatchStatus:     "matched",
		MatchConfidence: 1.0,
	}))
	require.NoError(t, tx.Rollback())

	rows, err := client.Queries.ListMatchedArrivals(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows)
}
