package scoredb

import (
	"fmt"
	"log/slog"

	"github.com/davecgh/go-spew/spew"
	"ontime.transitscore.org/internal/logging"
)

// TableCounts returns row counts for every pipeline table, for startup
// logging and debugging.
func (c *Client) TableCounts() (map[string]int, error) {
	rows, err := c.DB.Query("SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%'")
	if err != nil {
		return nil, fmt.Errorf("failed to query table names: %w", err)
	}
	defer logging.SafeCloseWithLogging(rows,
		slog.Default().With(slog.String("component", "debugging")),
		"database_rows")

	var tables []string
	for rows.Next() {
		var tableName string
		if err := rows.Scan(&tableName); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		tables = append(tables, tableName)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	tableCountQueries := map[string]string{
		"trips":            "SELECT COUNT(*) FROM trips",
		"stop_times":       "SELECT COUNT(*) FROM stop_times",
		"rt_trip_updates":  "SELECT COUNT(*) FROM rt_trip_updates",
		"matched_arrivals": "SELECT COUNT(*) FROM matched_arrivals",
		"score_agg":        "SELECT COUNT(*) FROM score_agg",
		"match_runs":       "SELECT COUNT(*) FROM match_runs",
		"agg_runs":         "SELECT COUNT(*) FROM agg_runs",
	}

	counts := make(map[string]int)
	for _, table := range tables {
		query, ok := tableCountQueries[table]
		if !ok {
			continue
		}

		var count int
		if err := c.DB.QueryRow(query).Scan(&count); err != nil {
			return nil, fmt.Errorf("failed to count rows in %s: %w", table, err)
		}
		counts[table] = count
	}

	return counts, nil
}

// DumpValue renders any value as an exhaustive multi-line string for
// verbose troubleshooting output.
func DumpValue(v interface{}) string {
	return spew.Sdump(v)
}
