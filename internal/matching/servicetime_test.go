package matching

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"ontime.transitscore.org/scoredb"
)

func TestServiceDateRegularOffset(t *testing.T) {
	feedTs := time.Date(2025, 3, 7, 14, 30, 0, 0, time.UTC)

	midnight := ServiceDate(feedTs, 52200, time.UTC)

	assert.Equal(t, time.Date(2025, 3, 7, 0, 0, 0, 0, time.UTC), midnight)
	assert.Equal(t, "2025-03-07", midnight.Format("2006-01-02"))
}

func TestServiceDateOvernightOffset(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// 01:05 local on March 8 with a 25:00:00 schedule offset belongs to
	// the March 7 service date.
	feedTs := time.Date(2025, 3, 8, 1, 5, 0, 0, loc)

	midnight := ServiceDate(feedTs, 90000, loc)

	assert.Equal(t, "2025-03-07", midnight.Format("2006-01-02"))
	assert.Equal(t, loc, midnight.Location())
}

func TestScheduledTimeOvernight(t *testing.T) {
	midnight := time.Date(2025, 3, 7, 0, 0, 0, 0, time.UTC)

	scheduled := ScheduledTime(midnight, 90000)

	assert.Equal(t, time.Date(2025, 3, 8, 1, 0, 0, 0, time.UTC), scheduled)
}

func TestObservedTimePrefersArrivalEpoch(t *testing.T) {
	scheduled := time.Date(2025, 3, 7, 14, 30, 0, 0, time.UTC)
	epoch := sql.NullInt64{Int64: scheduled.Add(2 * time.Minute).Unix(), Valid: true}
	delay := sql.NullInt64{Int64: 600, Valid: true}

	observed, ok := ObservedTime(epoch, delay, scheduled)

	require.True(t, ok)
	assert.Equal(t, int64(120), DelaySeconds(observed, scheduled))
}

func TestObservedTimeFallsBackToDelay(t *testing.T) {
	scheduled := time.Date(2025, 3, 7, 14, 30, 0, 0, time.UTC)
	delay := sql.NullInt64{Int64: -45, Valid: true}

	observed, ok := ObservedTime(sql.NullInt64{}, delay, scheduled)

	require.True(t, ok)
	assert.Equal(t, int64(-45), DelaySeconds(observed, scheduled))
}

func TestObservedTimeRejectsZeroEpochWithoutDelay(t *testing.T) {
	scheduled := time.Date(2025, 3, 7, 14, 30, 0, 0, time.UTC)
	zeroEpoch := sql.NullInt64{Int64: 0, Valid: true}

	_, ok := ObservedTime(zeroEpoch, sql.NullInt64{}, scheduled)

	assert.False(t, ok)
}

func TestDedupObservationsLatestFeedTimestampWins(t *testing.T) {
	observations := []scoredb.RtTripUpdate{
		{ID: 1, TripID: "trip_1", StopID: "stop_1", FeedTimestamp: 1000},
		{ID: 2, TripID: "trip_1", StopID: "stop_1", FeedTimestamp: 2000},
		{ID: 3, TripID: "trip_1", StopID: "stop_2", FeedTimestamp: 1500},
	}

	survivors, dropped := dedupObservations(observations)

	require.Len(t, survivors, 2)
	assert.Equal(t, int64(1), dropped)
	assert.Equal(t, int64(2), survivors[0].ID)
	assert.Equal(t, int64(3), survivors[1].ID)
}

func TestDedupObservationsEqualTimestampHigherIDWins(t *testing.T) {
	observations := []scoredb.RtTripUpdate{
		{ID: 7, TripID: "trip_1", StopID: "stop_1", FeedTimestamp: 1000},
		{ID: 4, TripID: "trip_1", StopID: "stop_1", FeedTimestamp: 1000},
	}

	survivors, dropped := dedupObservations(observations)

	require.Len(t, survivors, 1)
	assert.Equal(t, int64(1), dropped)
	assert.Equal(t, int64(7), survivors[0].ID)
}

func TestDedupObservationsSequencesAreDistinctKeys(t *testing.T) {
	seq3 := sql.NullInt64{Int64: 3, Valid: true}
	seq7 := sql.NullInt64{Int64: 7, Valid: true}
	observations := []scoredb.RtTripUpdate{
		{ID: 1, TripID: "trip_1", StopID: "stop_1", StopSequence: seq3, FeedTimestamp: 1000},
		{ID: 2, TripID: "trip_1", StopID: "stop_1", StopSequence: seq7, FeedTimestamp: 1000},
		{ID: 3, TripID: "trip_1", StopID: "stop_1", FeedTimestamp: 1000},
	}

	survivors, dropped := dedupObservations(observations)

	assert.Len(t, survivors, 3)
	assert.Equal(t, int64(0), dropped)
}

func TestLowestSequencePicksDeterministically(t *testing.T) {
	candidates := []scoredb.StopTime{
		{TripID: "trip_1", StopID: "stop_1", StopSequence: 7, ArrivalTime: 54000},
		{TripID: "trip_1", StopID: "stop_1", StopSequence: 3, ArrivalTime: 36000},
	}

	chosen := lowestSequence(candidates)

	assert.Equal(t, int64(3), chosen.StopSequence)
}
