package scoredb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableCountsReflectsRows(t *testing.T) {
	client := newTestClient(t)

	require.NoError(t, client.Queries.CreateTrip(t.Context(), CreateTripParams{ID: "trip_1", RouteID: "route_1"}))

	counts, err := client.TableCounts()
	require.NoError(t, err)
	assert.Equal(t, 1, counts["trips"])
	assert.Equal(t, 0, counts["matched_arrivals"])
}

func TestDumpValueRendersStructs(t *testing.T) {
	out := DumpValue(Trip{ID: "trip_1", RouteID: "route_1"})

	assert.Contains(t, out, "trip_1")
	assert.Contains(t, out, "route_1")
}
