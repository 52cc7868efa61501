package ids

import (
	"testing"
	"time"
)

func TestNewULID_MonotonicWithinMillisecond(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	prev := ""
	for i := 0; i < 64; i++ {
		id, err := NewULID(now)
		if err != nil {
			t.Fatalf("NewULID: %v", err)
		}
		if len(id) != 26 {
			t.Fatalf("len(id)=%d want 26", len(id))
		}
		if prev != "" && id <= prev {
			t.Fatalf("ids not increasing: %q then %q", prev, id)
		}
		prev = id
	}
}

func TestTimestamp_RoundTrip(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 6, 7, 8, 9, int(123*time.Millisecond), time.UTC)
	id := MustULID(now)

	got, ok := Timestamp(id)
	if !ok {
		t.Fatalf("Timestamp(%q) not ok", id)
	}
	if !got.Equal(now) {
		t.Fatalf("Timestamp=%v want %v", got, now)
	}

	if _, ok := Timestamp("not-a-ulid"); ok {
		t.Fatalf("expected parse failure")
	}
}
