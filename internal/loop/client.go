// Package loop implements the chat gateway for a Loop (Mattermost
// compatible) server.
package loop

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"

	"dutybot/internal/config"
	"dutybot/internal/domain"
)

// Client talks to the Loop REST API (/api/v4). It implements
// domain.ChatGateway.
type Client struct {
	baseURL string
	token   string
	team    string
	http    *http.Client
	logger  *slog.Logger

	mu        sync.Mutex
	userCache map[string]domain.EventUser // user id -> profile
}

func NewClient(cfg config.LoopConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:   strings.TrimRight(cfg.ServerURL, "/"),
		token:     cfg.Token,
		team:      cfg.Team,
		http:      SharedHTTPClient(0),
		logger:    logger,
		userCache: make(map[string]domain.EventUser),
	}
}

type postPayload struct {
	ChannelID string `json:"channel_id"`
	Message   string `json:"message"`
	RootID    string `json:"root_id,omitempty"`
}

type postResponse struct {
	ID       string         `json:"id"`
	RootID   string         `json:"root_id"`
	UserID   string         `json:"user_id"`
	Message  string         `json:"message"`
	CreateAt int64          `json:"create_at"`
	Type     string         `json:"type"`
	Props    map[string]any `json:"props"`
}

// SendMessage posts to a channel, threaded under rootID when non-empty.
func (c *Client) SendMessage(ctx context.Context, channelID, text, rootID string) (domain.Post, error) {
	var resp postResponse
	err := c.doJSON(ctx, http.MethodPost, "/api/v4/posts", postPayload{
		ChannelID: channelID,
		Message:   text,
		RootID:    rootID,
	}, &resp)
	if err != nil {
		return domain.Post{}, err
	}
	return domain.Post{ID: resp.ID, RootID: resp.RootID}, nil
}

type threadResponse struct {
	Order []string                `json:"order"`
	Posts map[string]postResponse `json:"posts"`
}

// FetchThreadEvents returns all posts of a thread as normalized chat
// events, in server order (create_at order when the server omits "order").
func (c *Client) FetchThreadEvents(ctx context.Context, threadID string) ([]domain.ChatEvent, error) {
	var thread threadResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/v4/posts/"+url.PathEscape(threadID)+"/thread", nil, &thread); err != nil {
		return nil, err
	}

	order := thread.Order
	if len(order) == 0 {
		for id := range thread.Posts {
			order = append(order, id)
		}
		sort.Slice(order, func(i, j int) bool {
			return thread.Posts[order[i]].CreateAt < thread.Posts[order[j]].CreateAt
		})
	}

	events := make([]domain.ChatEvent, 0, len(order))
	for _, id := range order {
		post, ok := thread.Posts[id]
		if !ok {
			continue
		}
		var user domain.EventUser
		if post.UserID != "" {
			user = c.userProfile(ctx, post.UserID)
		}
		rootID := post.RootID
		if rootID == "" {
			rootID = post.ID
		}
		events = append(events, domain.ChatEvent{
			Type:   "message",
			ID:     post.ID,
			RootID: rootID,
			Text:   post.Message,
			User:   user,
			Props:  post.Props,
		})
	}
	return events, nil
}

type userResponse struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	LdapID   string `json:"ldap_id"`
	AuthData string `json:"auth_data"`
	Email    string `json:"email"`
}

// handle picks the ldap login of a user, falling back through the fields
// the server may or may not populate.
func (u userResponse) handle() string {
	for _, v := range []string{u.LdapID, u.AuthData, u.Username, u.Email} {
		if v != "" {
			return v
		}
	}
	return ""
}

// userProfile resolves a user id to its profile, cached for the lifetime
// of the client. Lookup failures yield a profile carrying only the id.
func (c *Client) userProfile(ctx context.Context, userID string) domain.EventUser {
	c.mu.Lock()
	cached, ok := c.userCache[userID]
	c.mu.Unlock()
	if ok {
		return cached
	}

	var resp userResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/v4/users/"+url.PathEscape(userID), nil, &resp); err != nil {
		c.logger.Warn("cannot resolve user profile", "user_id", userID, "err", err)
		return domain.EventUser{ID: userID}
	}

	user := domain.EventUser{ID: userID, Username: resp.Username, Handle: resp.handle()}
	c.mu.Lock()
	c.userCache[userID] = user
	c.mu.Unlock()
	return user
}

// ResolveUserID maps a chat handle to the server-side user id.
func (c *Client) ResolveUserID(ctx context.Context, handle string) (string, error) {
	var resp userResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/v4/users/username/"+url.PathEscape(handle), nil, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("loop user %s not found", handle)
	}
	return resp.ID, nil
}

type groupMember struct {
	UserID string `json:"user_id"`
	ID     string `json:"id"`
}

func (c *Client) GroupMemberIDs(ctx context.Context, groupID string) (map[string]bool, error) {
	body, err := c.doRaw(ctx, http.MethodGet, "/api/v4/groups/"+url.PathEscape(groupID)+"/members", nil)
	if err != nil {
		return nil, err
	}

	// The server returns either a bare member list or {"members": [...]}.
	var members []groupMember
	if err := json.Unmarshal(body, &members); err != nil {
		var wrapped struct {
			Members []groupMember `json:"members"`
		}
		if err := json.Unmarshal(body, &wrapped); err != nil {
			return nil, fmt.Errorf("unexpected group members response: %w", err)
		}
		members = wrapped.Members
	}

	ids := make(map[string]bool, len(members))
	for _, m := range members {
		id := m.UserID
		if id == "" {
			id = m.ID
		}
		if id = strings.TrimSpace(id); id != "" {
			ids[id] = true
		}
	}
	return ids, nil
}

type groupMembersPayload struct {
	UserIDs []string `json:"user_ids"`
}

func (c *Client) AddGroupMembers(ctx context.Context, groupID string, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	return c.doJSON(ctx, http.MethodPost, "/api/v4/groups/"+url.PathEscape(groupID)+"/members", groupMembersPayload{UserIDs: userIDs}, nil)
}

func (c *Client) RemoveGroupMembers(ctx context.Context, groupID string, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	return c.doJSON(ctx, http.MethodDelete, "/api/v4/groups/"+url.PathEscape(groupID)+"/members", groupMembersPayload{UserIDs: userIDs}, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload, out any) error {
	body, err := c.doRaw(ctx, method, path, payload)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s %s: cannot decode response: %w", method, path, err)
	}
	return nil
}

func (c *Client) doRaw(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("cannot encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-Loop-Team", c.team)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("%s %s: read response: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, truncate(string(body), 200))
	}
	return body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
