package realtime

import (
	"net/http/httptest"
	"testing"
	"time"
)

func TestOriginPolicy_Check(t *testing.T) {
	p := originPolicy{required: true, allowed: []string{"http://localhost", "https://chat.example.com"}}

	cases := []struct {
		origin string
		ok     bool
	}{
		{origin: "", ok: false},
		{origin: "http://localhost:4200", ok: true},
		{origin: "http://LOCALHOST", ok: true},
		{origin: "https://chat.example.com", ok: true},
		{origin: "https://evil.example.com", ok: false},
	}
	for _, tc := range cases {
		r := httptest.NewRequest("GET", "/ws", nil)
		if tc.origin != "" {
			r.Header.Set("Origin", tc.origin)
		}
		err := p.check(r)
		if (err == nil) != tc.ok {
			t.Fatalf("origin %q: err=%v want ok=%v", tc.origin, err, tc.ok)
		}
	}

	open := originPolicy{required: false}
	if err := open.check(httptest.NewRequest("GET", "/ws", nil)); err != nil {
		t.Fatalf("missing origin should pass when not required: %v", err)
	}
}

func TestOriginPolicy_Patterns(t *testing.T) {
	p := originPolicy{allowed: []string{"http://localhost:3000", "http://localhost", "*", "http://127.0.0.1"}}
	got := p.patterns()
	want := []string{"127.0.0.1", "127.0.0.1:*", "localhost", "localhost:*"}
	if len(got) != len(want) {
		t.Fatalf("patterns = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("patterns = %v, want %v", got, want)
		}
	}
}

func TestRateLimiter_SlidingWindow(t *testing.T) {
	rl := NewRateLimiter(3, time.Second)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if !rl.Allow(base.Add(time.Duration(i) * 100 * time.Millisecond)) {
			t.Fatalf("event %d should be allowed", i)
		}
	}
	if rl.Allow(base.Add(500 * time.Millisecond)) {
		t.Fatalf("4th event inside the window should be denied")
	}
	if !rl.Allow(base.Add(1000 * time.Millisecond)) {
		t.Fatalf("event after the first one expired should be allowed")
	}
	if rl.Allow(base.Add(1050 * time.Millisecond)) {
		t.Fatalf("window is full again")
	}
}
