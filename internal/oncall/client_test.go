package oncall

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"dutybot/internal/config"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewClient(config.OnCallConfig{URL: srv.URL, Token: "oncall-token"}, logger)
}

func schedules() map[string]any {
	return map[string]any{
		"results": []any{
			map[string]any{"id": "sched-1", "name": "Platform Duty"},
			map[string]any{"pk": "sched-2", "title": "Other"},
		},
	}
}

func TestCurrentOnCall(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "oncall-token" {
			t.Errorf("auth header = %q", got)
		}
		switch r.URL.Path {
		case "/api/v1/schedules":
			json.NewEncoder(w).Encode(schedules())
		case "/api/v1/schedules/sched-1/on_call":
			json.NewEncoder(w).Encode(map[string]any{
				"users": []any{
					map[string]any{"username": "alice"},
					map[string]any{"user": map[string]any{"login": "bob"}},
					map[string]any{"username": "alice"}, // duplicate
					map[string]any{"email": "carol@example.com"},
				},
			})
		default:
			http.NotFound(w, r)
		}
	}))

	ids, err := client.CurrentOnCall(context.Background(), "platform duty", 2)
	if err != nil {
		t.Fatalf("current on-call: %v", err)
	}
	if len(ids) != 2 || ids[0] != "alice" || ids[1] != "bob" {
		t.Fatalf("expected deduplicated, limited [alice bob], got %v", ids)
	}
}

func TestCurrentOnCallFallbackEndpoint(t *testing.T) {
	var fallbackHit bool
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/schedules":
			json.NewEncoder(w).Encode(schedules())
		case "/api/v1/schedules/sched-1/on_call":
			http.NotFound(w, r)
		case "/api/v1/on_call/":
			fallbackHit = true
			if got := r.URL.Query().Get("schedule"); got != "sched-1" {
				t.Errorf("schedule filter = %q", got)
			}
			json.NewEncoder(w).Encode([]any{map[string]any{"username": "alice"}})
		default:
			http.NotFound(w, r)
		}
	}))

	ids, err := client.CurrentOnCall(context.Background(), "Platform Duty", 0)
	if err != nil {
		t.Fatalf("current on-call: %v", err)
	}
	if !fallbackHit {
		t.Fatal("fallback listing endpoint was not used")
	}
	if len(ids) != 1 || ids[0] != "alice" {
		t.Fatalf("unexpected ids: %v", ids)
	}
}

func TestCurrentOnCallUnknownSchedule(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(schedules())
	}))

	ids, err := client.CurrentOnCall(context.Background(), "nonexistent", 2)
	if err != nil {
		t.Fatalf("unknown schedule must not error: %v", err)
	}
	if ids != nil {
		t.Fatalf("expected no identifiers, got %v", ids)
	}
}

func TestScheduleForRange(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/schedules":
			json.NewEncoder(w).Encode(schedules())
		case "/api/v1/schedules/sched-1/final_shifts":
			if got := r.URL.Query().Get("start_date"); got != "2026-08-24" {
				t.Errorf("start_date = %q", got)
			}
			json.NewEncoder(w).Encode(map[string]any{"results": []any{
				map[string]any{
					"shift_start": "2026-08-24T09:00:00Z",
					"shift_end":   "2026-08-26T00:00:00Z",
					"users":       []any{map[string]any{"username": "alice"}},
				},
				map[string]any{
					"shift_start": "2026-08-26",
					"shift_end":   "2026-08-27",
					"username":    "bob",
				},
			}})
		default:
			http.NotFound(w, r)
		}
	}))

	start := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)
	byDay, err := client.ScheduleForRange(context.Background(), "Platform Duty", start, end)
	if err != nil {
		t.Fatalf("schedule for range: %v", err)
	}

	// Shift ending at midnight of the 26th covers the 24th and 25th only.
	for day, want := range map[string]string{
		"2026-08-24": "alice",
		"2026-08-25": "alice",
		"2026-08-26": "bob",
	} {
		got := byDay[day]
		if len(got) != 1 || got[0] != want {
			t.Errorf("day %s = %v, want [%s]", day, got, want)
		}
	}
	if _, ok := byDay["2026-08-27"]; ok {
		t.Errorf("midnight shift end must not cover the 27th: %v", byDay["2026-08-27"])
	}
}

func TestExtractItemsShapes(t *testing.T) {
	bare := []any{map[string]any{"username": "a"}}
	if got := extractItems(bare); len(got) != 1 {
		t.Errorf("bare list: %v", got)
	}
	for _, key := range []string{"results", "data", "on_call", "oncall", "users"} {
		wrapped := map[string]any{key: []any{map[string]any{"username": "a"}}}
		if got := extractItems(wrapped); len(got) != 1 {
			t.Errorf("key %q not unwrapped", key)
		}
	}
	if got := extractItems("garbage"); got != nil {
		t.Errorf("unknown shape must yield nil, got %v", got)
	}
}

func TestParseShiftTime(t *testing.T) {
	cases := []string{"2026-08-24T09:00:00Z", "2026-08-24T09:00:00", "2026-08-24"}
	for _, s := range cases {
		if parseShiftTime(s).IsZero() {
			t.Errorf("layout %q not accepted", s)
		}
	}
	if !parseShiftTime("yesterday").IsZero() {
		t.Error("garbage must parse to zero time")
	}
}
