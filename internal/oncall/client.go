// Package oncall implements the gateway for a Grafana-OnCall-compatible
// scheduler API.
package oncall

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"dutybot/internal/config"
	"dutybot/internal/domain"
	"dutybot/internal/loop"
)

// Client resolves duty identities from the on-call scheduler. Implements
// domain.OnCallGateway. The API is loosely typed across deployments, so
// every response is unwrapped tolerantly.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger
}

func NewClient(cfg config.OnCallConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		token:   cfg.Token,
		http:    loop.SharedHTTPClient(0),
		logger:  logger,
	}
}

// CurrentOnCall returns up to limit on-call identifiers for the named
// schedule, primary first.
func (c *Client) CurrentOnCall(ctx context.Context, schedule string, limit int) ([]string, error) {
	scheduleID, err := c.resolveScheduleID(ctx, schedule)
	if err != nil {
		return nil, err
	}
	if scheduleID == "" {
		c.logger.Warn("schedule not found in on-call system", "schedule", schedule)
		return nil, nil
	}

	items, err := c.fetchOnCallItems(ctx, scheduleID)
	if err != nil {
		return nil, err
	}

	ids := extractIdentifiers(items)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// ScheduleForRange returns on-call identifiers per day for start..end
// inclusive, keyed "2006-01-02".
func (c *Client) ScheduleForRange(ctx context.Context, schedule string, start, end time.Time) (map[string][]string, error) {
	scheduleID, err := c.resolveScheduleID(ctx, schedule)
	if err != nil {
		return nil, err
	}
	if scheduleID == "" {
		return nil, fmt.Errorf("schedule %q not found in on-call system", schedule)
	}

	query := url.Values{
		"start_date": {start.Format("2006-01-02")},
		"end_date":   {end.Format("2006-01-02")},
	}
	payload, err := c.getJSON(ctx, "/api/v1/schedules/"+url.PathEscape(scheduleID)+"/final_shifts?"+query.Encode())
	if err != nil {
		return nil, err
	}

	byDay := make(map[string][]string)
	for _, shift := range extractItems(payload) {
		users := shiftUsers(shift)
		if len(users) == 0 {
			continue
		}
		for _, day := range shiftDays(shift, start, end) {
			for _, u := range users {
				if !contains(byDay[day], u) {
					byDay[day] = append(byDay[day], u)
				}
			}
		}
	}
	return byDay, nil
}

// resolveScheduleID matches the schedule by name; deployments expose the
// name and id under varying keys.
func (c *Client) resolveScheduleID(ctx context.Context, schedule string) (string, error) {
	payload, err := c.getJSON(ctx, "/api/v1/schedules")
	if err != nil {
		return "", err
	}
	normalized := strings.ToLower(strings.TrimSpace(schedule))
	for _, item := range extractItems(payload) {
		name := firstString(item, "name", "title", "display_name")
		if strings.ToLower(strings.TrimSpace(name)) == normalized {
			return firstString(item, "id", "pk", "uid"), nil
		}
	}
	return "", nil
}

// fetchOnCallItems prefers the per-schedule endpoint and falls back to the
// filtered listing when the deployment does not serve it.
func (c *Client) fetchOnCallItems(ctx context.Context, scheduleID string) ([]map[string]any, error) {
	payload, err := c.getJSON(ctx, "/api/v1/schedules/"+url.PathEscape(scheduleID)+"/on_call")
	if err == nil {
		if items := extractItems(payload); len(items) > 0 {
			return items, nil
		}
	} else if !isNotFound(err) {
		return nil, err
	}

	query := url.Values{"schedule": {scheduleID}}
	payload, err = c.getJSON(ctx, "/api/v1/on_call/?"+query.Encode())
	if err != nil {
		return nil, err
	}
	return extractItems(payload), nil
}

func (c *Client) getJSON(ctx context.Context, path string) (any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("GET %s: read response: %w", path, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, notFoundError{path: path}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
	}

	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("GET %s: cannot decode response: %w", path, err)
	}
	return payload, nil
}

type notFoundError struct{ path string }

func (e notFoundError) Error() string { return fmt.Sprintf("GET %s: status 404", e.path) }

func isNotFound(err error) bool {
	_, ok := err.(notFoundError)
	return ok
}

// extractItems unwraps a payload that is either a bare list or a dict
// with one of the known list keys.
func extractItems(payload any) []map[string]any {
	switch val := payload.(type) {
	case []any:
		return onlyDicts(val)
	case map[string]any:
		for _, key := range []string{"results", "data", "on_call", "oncall", "users"} {
			if list, ok := val[key].([]any); ok {
				return onlyDicts(list)
			}
		}
	}
	return nil
}

func onlyDicts(list []any) []map[string]any {
	var out []map[string]any
	for _, item := range list {
		if dict, ok := item.(map[string]any); ok {
			out = append(out, dict)
		}
	}
	return out
}

// extractIdentifiers pulls de-duplicated usernames out of on-call items,
// preserving order. Items may nest the user object under "user".
func extractIdentifiers(items []map[string]any) []string {
	var ids []string
	seen := make(map[string]bool)
	for _, item := range items {
		id := identifierOf(item)
		if id != "" && !seen[id] {
			ids = append(ids, id)
			seen[id] = true
		}
	}
	return ids
}

func identifierOf(item map[string]any) string {
	if user, ok := item["user"].(map[string]any); ok {
		return firstString(user, "username", "user_name", "login", "name", "email")
	}
	return firstString(item, "username", "user_name", "login", "name", "email")
}

func firstString(dict map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, ok := dict[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// shiftUsers extracts the identifiers a final-shift entry covers.
func shiftUsers(shift map[string]any) []string {
	if users, ok := shift["users"].([]any); ok {
		var out []string
		for _, u := range users {
			if dict, ok := u.(map[string]any); ok {
				if id := identifierOf(dict); id != "" {
					out = append(out, id)
				}
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	if id := identifierOf(shift); id != "" {
		return []string{id}
	}
	return nil
}

// shiftDays lists the dates a shift touches, clamped to start..end.
func shiftDays(shift map[string]any, start, end time.Time) []string {
	from := parseShiftTime(firstString(shift, "shift_start", "start"))
	to := parseShiftTime(firstString(shift, "shift_end", "end"))
	if from.IsZero() {
		return nil
	}
	if to.IsZero() {
		to = from
	}
	if from.Before(start) {
		from = start
	}
	if to.After(end.AddDate(0, 0, 1)) {
		to = end.AddDate(0, 0, 1)
	}

	// A shift ending exactly at midnight does not cover that day.
	last := to
	if to.Equal(to.Truncate(24 * time.Hour)) {
		last = to.Add(-time.Second)
	}

	var days []string
	for d := from.Truncate(24 * time.Hour); !d.After(last); d = d.AddDate(0, 0, 1) {
		if d.After(end) {
			break
		}
		days = append(days, d.Format("2006-01-02"))
	}
	return days
}

func parseShiftTime(s string) time.Time {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

var _ domain.OnCallGateway = (*Client)(nil)
