package dispatch

import (
	"strings"
	"testing"
	"time"
)

func TestGetWindowSeconds(t *testing.T) {
	cases := map[string]int{
		"1":      15,
		"999999": 3600,
		"":       60,
		"abc":    60,
		"120":    120,
		" 30 ":   30,
		"-5":     15,
	}
	for raw, want := range cases {
		if got := GetWindowSeconds(raw); got != want {
			t.Fatalf("GetWindowSeconds(%q) = %d, want %d", raw, got, want)
		}
	}
}

func TestComputeWindow_KnownInstant(t *testing.T) {
	requestedAt := time.Date(2026, 2, 17, 19, 31, 45, 555_000_000, time.UTC)
	w := ComputeWindow("background-jobs", requestedAt, 60, nil)

	if got := w.StartISO(); got != "2026-02-17T19:31:00.000Z" {
		t.Fatalf("window start = %s", got)
	}
	if want := "background-jobs:v1:60:2026-02-17T19:31:00.000Z"; w.DispatchKey != want {
		t.Fatalf("dispatch key = %s, want %s", w.DispatchKey, want)
	}
}

func TestComputeWindow_ContainsRequestedAt(t *testing.T) {
	base := time.Date(2026, 2, 17, 0, 0, 0, 0, time.UTC)
	for _, seconds := range []int{1, 15, 45, 60, 300, 3600, 10_000} {
		for offset := time.Duration(0); offset < 3*time.Hour; offset += 7919 * time.Millisecond {
			at := base.Add(offset)
			w := ComputeWindow("ns", at, seconds, nil)
			end := w.Start.Add(time.Duration(w.Seconds) * time.Second)
			if at.Before(w.Start) || !at.Before(end) {
				t.Fatalf("requestedAt %s outside window [%s, %s) for %ds", at, w.Start, end, seconds)
			}
		}
	}
}

func TestComputeWindow_SameWindowSameKey(t *testing.T) {
	params := map[string]string{"clientId": "c-1"}
	a := ComputeWindow("sync", time.Date(2026, 2, 17, 19, 31, 1, 0, time.UTC), 60, params)
	b := ComputeWindow("sync", time.Date(2026, 2, 17, 19, 31, 59, 999_000_000, time.UTC), 60, map[string]string{"clientId": "c-1"})
	if a.DispatchKey != b.DispatchKey {
		t.Fatalf("keys differ inside one window: %s vs %s", a.DispatchKey, b.DispatchKey)
	}
	if EventID(PrefixSync, a.DispatchKey) != EventID(PrefixSync, b.DispatchKey) {
		t.Fatalf("event ids differ inside one window")
	}

	next := ComputeWindow("sync", time.Date(2026, 2, 17, 19, 32, 0, 0, time.UTC), 60, params)
	if next.DispatchKey == a.DispatchKey {
		t.Fatalf("expected a new key in the next window")
	}
}

func TestComputeWindow_ParamsSuffix(t *testing.T) {
	at := time.Date(2026, 2, 17, 19, 31, 0, 0, time.UTC)
	plain := ComputeWindow("sync", at, 60, nil)
	withParams := ComputeWindow("sync", at, 60, map[string]string{"b": "2", "a": "1"})

	if !strings.HasPrefix(withParams.DispatchKey, plain.DispatchKey+":") {
		t.Fatalf("expected params suffix on %s", withParams.DispatchKey)
	}
	suffix := strings.TrimPrefix(withParams.DispatchKey, plain.DispatchKey+":")
	if len(suffix) != 16 {
		t.Fatalf("params hash length = %d", len(suffix))
	}
	reordered := ComputeWindow("sync", at, 60, map[string]string{"a": "1", "b": "2"})
	if reordered.DispatchKey != withParams.DispatchKey {
		t.Fatalf("params hash depends on insertion order")
	}
	other := ComputeWindow("sync", at, 60, map[string]string{"a": "1", "b": "3"})
	if other.DispatchKey == withParams.DispatchKey {
		t.Fatalf("different params produced the same key")
	}
}

func TestComputeWindow_BeforeEpoch(t *testing.T) {
	at := time.Date(1969, 12, 31, 23, 59, 30, 0, time.UTC)
	w := ComputeWindow("ns", at, 60, nil)
	if got := w.StartISO(); got != "1969-12-31T23:59:00.000Z" {
		t.Fatalf("window start = %s", got)
	}
}

func TestNewData(t *testing.T) {
	at := time.Date(2026, 2, 17, 19, 31, 45, 555_000_000, time.UTC)
	d := NewData("sync-integrations", "cron", "corr-1", at, 60, map[string]string{"clientId": "c1"})
	if d.RequestedAt != "2026-02-17T19:31:45.555Z" || d.DispatchWindowStart != "2026-02-17T19:31:00.000Z" {
		t.Fatalf("unexpected timestamps: %+v", d)
	}
	if !strings.HasPrefix(d.DispatchKey, "sync-integrations:v1:60:2026-02-17T19:31:00.000Z:") {
		t.Fatalf("unexpected key: %s", d.DispatchKey)
	}
	if d.CorrelationID != "corr-1" || d.Params["clientId"] != "c1" {
		t.Fatalf("unexpected data: %+v", d)
	}
	if NewData("background-jobs", "cron", "x", at, 60, nil).Params != nil {
		t.Fatalf("empty params should be omitted")
	}
}
