package domain

// Post is the chat server's answer to a send-message call.
type Post struct {
	ID     string
	RootID string // empty for top-level posts
}

// EventUser identifies the author of a chat event.
type EventUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Handle   string `json:"ldap"` // ldap login; falls back to username upstream
}

// ChatEvent is a single inbound chat event in its normalized shape.
// The thread poller, the webhook listener and the websocket stream all
// produce this same structure, so the acknowledgement protocol sees one
// event type regardless of delivery path.
//
// Mentions and Props carry the two structured mention encodings some
// clients emit instead of plain "@name" text.
type ChatEvent struct {
	Type     string         `json:"type"`
	ID       string         `json:"id"`
	RootID   string         `json:"root_id"`
	Text     string         `json:"text"`
	User     EventUser      `json:"user"`
	Mentions []string       `json:"mentions,omitempty"`
	Props    map[string]any `json:"props,omitempty"`
}
