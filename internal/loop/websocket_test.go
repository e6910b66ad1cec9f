package loop

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"dutybot/internal/domain"
)

func TestDecodePosted(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v4/users/u-1":
			json.NewEncoder(w).Encode(map[string]any{"id": "u-1", "username": "alice", "ldap_id": "alice"})
		case "/api/v4/users/u-bot":
			json.NewEncoder(w).Encode(map[string]any{"id": "u-bot", "username": "dutybot"})
		default:
			http.NotFound(w, r)
		}
	}))
	stream := NewEventStream(client, func(domain.ChatEvent) {}, nil)

	post, _ := json.Marshal(map[string]any{
		"id":      "p-1",
		"root_id": "r-1",
		"message": "@take",
		"user_id": "u-1",
	})
	mentions, _ := json.Marshal([]string{"u-bot"})

	ev, ok := stream.decodePosted(context.Background(), map[string]string{
		"post":     string(post),
		"mentions": string(mentions),
	})
	if !ok {
		t.Fatal("posted frame not decoded")
	}
	if ev.ID != "p-1" || ev.RootID != "r-1" || ev.Text != "@take" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.User.Handle != "alice" {
		t.Errorf("author profile not resolved: %+v", ev.User)
	}
	if len(ev.Mentions) != 1 || ev.Mentions[0] != "dutybot" {
		t.Errorf("mention ids not normalized to usernames: %v", ev.Mentions)
	}
}

func TestDecodePostedRootless(t *testing.T) {
	client := testClient(t, http.HandlerFunc(http.NotFound))
	stream := NewEventStream(client, func(domain.ChatEvent) {}, nil)

	post, _ := json.Marshal(map[string]any{"id": "p-1", "message": "hi"})
	ev, ok := stream.decodePosted(context.Background(), map[string]string{"post": string(post)})
	if !ok {
		t.Fatal("frame not decoded")
	}
	if ev.RootID != "p-1" {
		t.Errorf("rootless post must anchor its own thread, got %q", ev.RootID)
	}

	if _, ok := stream.decodePosted(context.Background(), map[string]string{}); ok {
		t.Error("frame without post payload must be dropped")
	}
	if _, ok := stream.decodePosted(context.Background(), map[string]string{"post": "{broken"}); ok {
		t.Error("malformed post payload must be dropped")
	}
}
