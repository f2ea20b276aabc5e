package matching

import (
	"sort"

	"ontime.transitscore.org/scoredb"
)

// observationKey is the dedup identity of a telemetry row. Observations
// without a stop_sequence collapse onto the (trip, stop) pair.
type observationKey struct {
	tripID      string
	stopID      string
	sequence    int64
	hasSequence bool
}

func keyFor(obs scoredb.RtTripUpdate) observationKey {
	key := observationKey{
		tripID: obs.TripID,
		stopID: obs.StopID,
	}
	if obs.StopSequence.Valid {
		key.sequence = obs.StopSequence.Int64
		key.hasSequence = true
	}
	return key
}

// newerObservation reports whether a supersedes b under the
// latest-feed-timestamp-wins rule. Equal feed timestamps fall back to the
// higher row id (the later insert) so the order is total.
func newerObservation(a, b scoredb.RtTripUpdate) bool {
	if a.FeedTimestamp != b.FeedTimestamp {
		return a.FeedTimestamp > b.FeedTimestamp
	}
	return a.ID > b.ID
}

// dedupObservations keeps the winning observation per key and returns the
// survivors in deterministic key order plus the number of discarded rows.
func dedupObservations(observations []scoredb.RtTripUpdate) ([]scoredb.RtTripUpdate, int64) {
	best := make(map[observationKey]scoredb.RtTripUpdate, len(observations))
	for _, obs := range observations {
		key := keyFor(obs)
		existing, ok := best[key]
		if !ok || newerObservation(obs, existing) {
			best[key] = obs
		}
	}

	survivors := make([]scoredb.RtTripUpdate, 0, len(best))
	for _, obs := range best {
		survivors = append(survivors, obs)
	}
	sort.Slice(survivors, func(i, j int) bool {
		a, b := survivors[i], survivors[j]
		if a.TripID != b.TripID {
			return a.TripID < b.TripID
		}
		if a.StopID != b.StopID {
			return a.StopID < b.StopID
		}
		aSeq, bSeq := keyFor(a), keyFor(b)
		if aSeq.hasSequence != bSeq.hasSequence {
			return !aSeq.hasSequence
		}
		if aSeq.sequence != bSeq.sequence {
			return aSeq.sequence < bSeq.sequence
		}
		return a.ID < b.ID
	})

	return survivors, int64(len(observations) - len(survivors))
}

// lowestSequence picks the deterministic tiebreak winner among ambiguous
// schedule candidates.
func lowestSequence(candidates []scoredb.StopTime) scoredb.StopTime {
	chosen := candidates[0]
	for _, c := range candidates[1:] {
		if c.StopSequence < chosen.StopSequence {
			chosen = c
		}
	}
	return chosen
}
