package streamhouse

import (
	"math/rand"
	"strconv"
	"time"
)

// Cursor epoch: October 9, 2024 00:00:00 UTC
var cursorEpoch = time.Date(2024, 10, 9, 0, 0, 0, 0, time.UTC)

// Interval duration in seconds
const cursorIntervalSeconds = 20

// Jitter range in seconds for colliding cursors
const (
	minJitterSeconds = 1
	maxJitterSeconds = 3600
)

// calculateCursor returns the current time interval number since the cursor
// epoch. Clients behind a caching CDN echo it back so collapsed long-poll
// responses can be told apart across intervals.
func calculateCursor() string {
	intervalMs := int64(cursorIntervalSeconds * 1000)
	elapsed := time.Now().UnixMilli() - cursorEpoch.UnixMilli()
	return strconv.FormatInt(elapsed/intervalMs, 10)
}

// generateResponseCursor ensures cursors progress monotonically. A client
// cursor at or ahead of the current interval means a herd of pollers has
// collapsed into lock-step; advancing by a random jitter permanently
// desynchronises them.
func generateResponseCursor(clientCursor string) string {
	current := calculateCursor()
	if clientCursor == "" {
		return current
	}

	clientInterval, err := strconv.ParseInt(clientCursor, 10, 64)
	currentInterval, _ := strconv.ParseInt(current, 10, 64)
	if err != nil || clientInterval < currentInterval {
		return current
	}

	jitterSeconds := minJitterSeconds + rand.Intn(maxJitterSeconds-minJitterSeconds+1)
	jitterIntervals := int64(jitterSeconds / cursorIntervalSeconds)
	if jitterIntervals < 1 {
		jitterIntervals = 1
	}
	return strconv.FormatInt(clientInterval+jitterIntervals, 10)
}
