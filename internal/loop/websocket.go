package loop

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"dutybot/internal/domain"
)

const (
	wsPath         = "/api/v4/websocket"
	wsMaxBackoff   = time.Minute
	wsStartBackoff = 2 * time.Second
)

// EventStream subscribes to the Loop websocket and pushes posted-message
// events into a sink, giving the bot acknowledgements faster than the
// thread poller alone. The poller remains the source of record; this
// stream is an accelerator and may drop or duplicate events safely
// (delivery paths share one dedup point downstream).
type EventStream struct {
	client *Client
	sink   func(domain.ChatEvent)
	logger *slog.Logger
}

func NewEventStream(client *Client, sink func(domain.ChatEvent), logger *slog.Logger) *EventStream {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventStream{client: client, sink: sink, logger: logger}
}

// Run connects and reads events until ctx is cancelled, reconnecting with
// capped backoff on any failure.
func (s *EventStream) Run(ctx context.Context) {
	backoff := wsStartBackoff
	for {
		if err := s.connectAndRead(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("websocket stream disconnected", "err", err, "retry_in", backoff)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > wsMaxBackoff {
			backoff = wsMaxBackoff
		}
	}
}

// wsEnvelope is one frame of the Loop websocket protocol.
type wsEnvelope struct {
	Event string            `json:"event"`
	Data  map[string]string `json:"data"`
	Seq   int64             `json:"seq"`
}

type wsAuthChallenge struct {
	Seq    int64             `json:"seq"`
	Action string            `json:"action"`
	Data   map[string]string `json:"data"`
}

func (s *EventStream) connectAndRead(ctx context.Context) error {
	wsURL := strings.Replace(s.client.baseURL, "http", "ws", 1) + wsPath
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return err
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	if err := conn.WriteJSON(wsAuthChallenge{
		Seq:    1,
		Action: "authentication_challenge",
		Data:   map[string]string{"token": s.client.token},
	}); err != nil {
		return err
	}

	s.logger.Info("websocket stream connected", "url", wsURL)

	// Close the connection when the context ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var env wsEnvelope
		if err := json.Unmarshal(message, &env); err != nil {
			s.logger.Warn("invalid websocket frame", "err", err)
			continue
		}
		if env.Event != "posted" {
			continue
		}
		if ev, ok := s.decodePosted(ctx, env.Data); ok {
			s.sink(ev)
		}
	}
}

// decodePosted unpacks a "posted" frame: the post itself arrives as a
// JSON string inside data.post, mentioned user ids as a JSON string
// inside data.mentions.
func (s *EventStream) decodePosted(ctx context.Context, data map[string]string) (domain.ChatEvent, bool) {
	raw, ok := data["post"]
	if !ok {
		return domain.ChatEvent{}, false
	}
	var post postResponse
	if err := json.Unmarshal([]byte(raw), &post); err != nil {
		s.logger.Warn("cannot decode posted event", "err", err)
		return domain.ChatEvent{}, false
	}

	ev := domain.ChatEvent{
		Type:   "message",
		ID:     post.ID,
		RootID: post.RootID,
		Text:   post.Message,
		Props:  post.Props,
	}
	if ev.RootID == "" {
		ev.RootID = ev.ID
	}
	if post.UserID != "" {
		ev.User = s.client.userProfile(ctx, post.UserID)
	}

	// data.mentions carries user ids; normalize to usernames so the
	// mention gate downstream can compare against the bot identity.
	if rawMentions, ok := data["mentions"]; ok && rawMentions != "" {
		var ids []string
		if err := json.Unmarshal([]byte(rawMentions), &ids); err == nil {
			for _, id := range ids {
				if u := s.client.userProfile(ctx, id); u.Username != "" {
					ev.Mentions = append(ev.Mentions, u.Username)
				}
			}
		}
	}
	return ev, true
}
