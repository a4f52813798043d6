// Copyright 2024-2026 Bacchist

package bot

import "time"

// Staleness windows. During the initial sync the server replays historical
// backlog, so only very recent messages are processed; after the first sync
// the one-hour window is the steady-state bound.
const (
	initialSyncWindow = 5 * time.Minute
	staleWindow       = time.Hour
)

// staleVerdict is the outcome of the stale-message check. Anything other
// than verdictFresh means the event is dropped before processing.
type staleVerdict int

const (
	verdictFresh staleVerdict = iota
	verdictNoTimestamp
	verdictBeforeStartup
	verdictSyncBacklog
	verdictTooOld
)

func (v staleVerdict) String() string {
	switch v {
	case verdictFresh:
		return "fresh"
	case verdictNoTimestamp:
		return "no_timestamp"
	case verdictBeforeStartup:
		return "before_startup"
	case verdictSyncBacklog:
		return "sync_backlog"
	case verdictTooOld:
		return "too_old"
	default:
		return "unknown"
	}
}

// checkStaleness applies the stale-message decision table to an event's
// origin server timestamp (milliseconds). First matching rule wins:
//
//  1. missing or zero timestamp: treated as potentially stale
//  2. older than bot startup: historical, never processed
//  3. before the first sync completes: only the last 5 minutes count
//  4. older than 1 hour: stale regardless of sync state
func checkStaleness(tsMillis int64, now, startup time.Time, syncComplete bool) staleVerdict {
	if tsMillis <= 0 {
		return verdictNoTimestamp
	}
	ts := time.UnixMilli(tsMillis)
	if ts.Before(startup) {
		return verdictBeforeStartup
	}
	age := now.Sub(ts)
	if !syncComplete && age > initialSyncWindow {
		return verdictSyncBacklog
	}
	if age > staleWindow {
		return verdictTooOld
	}
	return verdictFresh
}
