package domain

import (
	"context"
	"time"
)

// ChatGateway is the narrow surface of the Loop chat server the bot needs.
type ChatGateway interface {
	// SendMessage posts text to a channel; rootID anchors it to a thread
	// when non-empty.
	SendMessage(ctx context.Context, channelID, text, rootID string) (Post, error)

	// FetchThreadEvents returns all events of a thread in server order.
	FetchThreadEvents(ctx context.Context, threadID string) ([]ChatEvent, error)

	// ResolveUserID maps a chat handle to the server-side user id.
	ResolveUserID(ctx context.Context, handle string) (string, error)

	GroupMemberIDs(ctx context.Context, groupID string) (map[string]bool, error)
	AddGroupMembers(ctx context.Context, groupID string, userIDs []string) error
	RemoveGroupMembers(ctx context.Context, groupID string, userIDs []string) error
}

// OnCallGateway resolves duty identities from the on-call scheduler.
type OnCallGateway interface {
	// CurrentOnCall returns up to limit on-call identifiers for the
	// schedule, primary first.
	CurrentOnCall(ctx context.Context, schedule string, limit int) ([]string, error)

	// ScheduleForRange returns on-call identifiers per day ("2006-01-02"
	// keys) for the inclusive date range.
	ScheduleForRange(ctx context.Context, schedule string, start, end time.Time) (map[string][]string, error)
}
