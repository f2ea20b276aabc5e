// test_helper.go contains shared setup for admin API handler tests.
package restapi

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"ontime.transitscore.org/internal/aggregation"
	"ontime.transitscore.org/internal/app"
	"ontime.transitscore.org/internal/appconf"
	"ontime.transitscore.org/internal/clock"
	"ontime.transitscore.org/internal/matching"
	"ontime.transitscore.org/scoredb"
)

// newTestAPI builds an API over an in-memory database with a pinned
// clock. Rate limiting is disabled unless the test overrides Config.
func newTestAPI(t *testing.T, configure func(*app.Application)) (*RestAPI, *scoredb.Client, *clock.MockClock) {
	t.Helper()

	client, err := scoredb.NewClient(scoredb.NewConfig(":memory:", appconf.Test, false))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	mockClock := clock.NewMockClock(time.Date(2025, 3, 7, 14, 45, 0, 0, time.UTC))

	application := &app.Application{
		Config: appconf.Config{
			Env:       appconf.Test,
			RateLimit: -1,
		},
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		ScoreDB:           client,
		Clock:             mockClock,
		MatchingConfig:    matching.Config{Timezone: time.UTC},
		AggregationConfig: aggregation.Config{Timezone: time.UTC},
	}
	if configure != nil {
		configure(application)
	}

	api := New(application)
	t.Cleanup(api.Shutdown)
	return api, client, mockClock
}
