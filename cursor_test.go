package streamhouse

import (
	"strconv"
	"testing"
)

func TestCalculateCursor(t *testing.T) {
	c := calculateCursor()
	n, err := strconv.ParseInt(c, 10, 64)
	if err != nil {
		t.Fatalf("cursor %q is not an integer: %v", c, err)
	}
	if n <= 0 {
		t.Errorf("cursor %d should be positive (epoch is in the past)", n)
	}
}

func TestGenerateResponseCursor_NoClient(t *testing.T) {
	if got := generateResponseCursor(""); got != calculateCursor() {
		t.Errorf("empty client cursor should yield current interval, got %q", got)
	}
}

func TestGenerateResponseCursor_Behind(t *testing.T) {
	current, _ := strconv.ParseInt(calculateCursor(), 10, 64)
	got := generateResponseCursor(strconv.FormatInt(current-100, 10))
	gotN, _ := strconv.ParseInt(got, 10, 64)
	if gotN != current {
		t.Errorf("stale client cursor should reset to current %d, got %d", current, gotN)
	}
}

func TestGenerateResponseCursor_Malformed(t *testing.T) {
	if got := generateResponseCursor("bogus"); got != calculateCursor() {
		t.Errorf("malformed cursor should reset to current, got %q", got)
	}
}

func TestGenerateResponseCursor_CollisionJitter(t *testing.T) {
	// A client at or ahead of the current interval must be pushed forward
	// by at least one interval; lock-step herds otherwise stay collapsed.
	for i := 0; i < 50; i++ {
		current, _ := strconv.ParseInt(calculateCursor(), 10, 64)
		client := current + int64(i%3)
		got := generateResponseCursor(strconv.FormatInt(client, 10))
		gotN, err := strconv.ParseInt(got, 10, 64)
		if err != nil {
			t.Fatalf("jittered cursor %q is not an integer", got)
		}
		if gotN <= client {
			t.Fatalf("jittered cursor %d not ahead of client %d", gotN, client)
		}
		maxIntervals := int64(maxJitterSeconds/cursorIntervalSeconds) + 1
		if gotN > client+maxIntervals {
			t.Fatalf("jitter %d exceeds the one-hour bound", gotN-client)
		}
	}
}
