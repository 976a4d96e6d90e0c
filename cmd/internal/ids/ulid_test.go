package ids

import (
	"testing"
	"time"
)

func TestNewULID_IsSortableByTime(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	a, err := NewULID(t0)
	if err != nil {
		t.Fatalf("NewULID: %v", err)
	}
	b, err := NewULID(t0.Add(time.Second))
	if err != nil {
		t.Fatalf("NewULID: %v", err)
	}

	if len(a) != 26 || len(b) != 26 {
		t.Fatalf("expected 26-char ids, got %q %q", a, b)
	}
	if !(a < b) {
		t.Fatalf("expected %q < %q", a, b)
	}
	if !IsULID(a) {
		t.Fatalf("IsULID(%q)=false", a)
	}
}

func TestIsULID_RejectsGarbage(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "abc", "not-a-ulid-not-a-ulid-xxxx"} {
		if IsULID(in) {
			t.Fatalf("IsULID(%q)=true", in)
		}
	}
}

func TestMustULID_NeverEmpty(t *testing.T) {
	t.Parallel()

	if got := MustULID(time.Time{}); len(got) != 26 {
		t.Fatalf("MustULID length=%d", len(got))
	}
}
