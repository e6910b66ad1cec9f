package duty

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"dutybot/internal/config"
	"dutybot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type sentPost struct {
	Channel string
	Text    string
	RootID  string
}

// fakeChat records every outbound call and serves canned data.
type fakeChat struct {
	mu           sync.Mutex
	posts        []sentPost
	nextID       int
	threadEvents []domain.ChatEvent
	sendErr      error

	userIDs    map[string]string
	resolveErr map[string]error
	members    map[string]bool
	added      []string
	removed    []string
}

func newFakeChat() *fakeChat {
	return &fakeChat{
		userIDs: make(map[string]string),
		members: make(map[string]bool),
	}
}

func (f *fakeChat) SendMessage(ctx context.Context, channelID, text, rootID string) (domain.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return domain.Post{}, f.sendErr
	}
	f.nextID++
	f.posts = append(f.posts, sentPost{Channel: channelID, Text: text, RootID: rootID})
	return domain.Post{ID: fmt.Sprintf("post-%d", f.nextID)}, nil
}

func (f *fakeChat) FetchThreadEvents(ctx context.Context, threadID string) ([]domain.ChatEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.ChatEvent(nil), f.threadEvents...), nil
}

func (f *fakeChat) ResolveUserID(ctx context.Context, handle string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.resolveErr[handle]; ok {
		return "", err
	}
	id, ok := f.userIDs[handle]
	if !ok {
		return "", fmt.Errorf("user %s not found", handle)
	}
	return id, nil
}

func (f *fakeChat) GroupMemberIDs(ctx context.Context, groupID string) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]bool, len(f.members))
	for id := range f.members {
		out[id] = true
	}
	return out, nil
}

func (f *fakeChat) AddGroupMembers(ctx context.Context, groupID string, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, ids...)
	return nil
}

func (f *fakeChat) RemoveGroupMembers(ctx context.Context, groupID string, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, ids...)
	return nil
}

func (f *fakeChat) sentPosts() []sentPost {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentPost(nil), f.posts...)
}

// confirmations counts posts carrying the fixed confirmation text.
func (f *fakeChat) confirmations() int {
	n := 0
	for _, p := range f.sentPosts() {
		if p.Text == confirmationText {
			n++
		}
	}
	return n
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []domain.SessionRecord
}

func (f *fakeRecorder) Record(ctx context.Context, rec domain.SessionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeRecorder) last() (domain.SessionRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.records) == 0 {
		return domain.SessionRecord{}, false
	}
	return f.records[len(f.records)-1], true
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Loop.Token = "token"
	cfg.Loop.ChannelID = "chan-1"
	cfg.Loop.BotUsername = "dutybot"
	cfg.Notification.Timezone = "UTC"
	cfg.Notification.PollIntervalSeconds = 1
	cfg.Contacts = map[string]config.ContactEntry{
		"alice": {Handle: "alice", FullName: "Alice Ivanova", OnCallID: "alice-oncall"},
		"bob":   {Handle: "bob", FullName: "Bob Petrov", OnCallID: "bob-oncall"},
	}
	cfg.Schedule = map[string]string{"monday": "alice", "tuesday": "bob"}
	dir, err := config.BuildDirectory(cfg.Contacts, cfg.Schedule)
	if err != nil {
		t.Fatalf("build directory: %v", err)
	}
	cfg.Directory = dir
	return cfg
}

func newTestBot(t *testing.T, cfg *config.Config, chat domain.ChatGateway, rec domain.SessionRecorder) *Bot {
	t.Helper()
	b, err := New(cfg, chat, nil, rec, testLogger())
	if err != nil {
		t.Fatalf("new bot: %v", err)
	}
	return b
}

// startTestSession claims the slot and runs a session in the background,
// returning once the session is live. Cleanup stops the engine and waits
// for the session goroutine.
func startTestSession(t *testing.T, b *Bot, contacts ...domain.Contact) <-chan struct{} {
	t.Helper()
	if !b.tryAcquireSession() {
		t.Fatal("session slot unexpectedly busy")
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.runSession(contacts)
	}()
	waitFor(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.session != nil
	})
	t.Cleanup(func() {
		b.Stop()
		<-done
	})
	return done
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func contact(b *Bot, key string) domain.Contact {
	c, _ := b.dir.ByKey(key)
	return c
}

func takeEvent(id, handle, rootID string) domain.ChatEvent {
	return domain.ChatEvent{
		Type:   "message",
		ID:     id,
		RootID: rootID,
		Text:   "@take",
		User:   domain.EventUser{ID: "u-" + handle, Username: handle, Handle: handle},
	}
}

func TestSession_SingleContactAcknowledges(t *testing.T) {
	chat := newFakeChat()
	rec := &fakeRecorder{}
	b := newTestBot(t, testConfig(t), chat, rec)
	done := startTestSession(t, b, contact(b, "alice"))

	tid := threadID(b)
	b.HandleEvent(takeEvent("ev-1", "alice", tid))

	<-done
	if got := chat.confirmations(); got != 1 {
		t.Fatalf("expected exactly 1 confirmation reply, got %d", got)
	}
	b.mu.Lock()
	sess := b.session
	b.mu.Unlock()
	if sess != nil {
		t.Fatal("session slot should be cleared after acknowledgement")
	}
	last, ok := rec.last()
	if !ok {
		t.Fatal("session was not recorded")
	}
	if last.Outcome != domain.OutcomeAcknowledged {
		t.Fatalf("expected acknowledged outcome, got %q", last.Outcome)
	}
	if len(last.AcknowledgedBy) != 1 || last.AcknowledgedBy[0] != "alice" {
		t.Fatalf("unexpected acknowledgedBy: %v", last.AcknowledgedBy)
	}
}

func TestSession_TwoContactsPartialThenFull(t *testing.T) {
	chat := newFakeChat()
	b := newTestBot(t, testConfig(t), chat, nil)
	done := startTestSession(t, b, contact(b, "alice"), contact(b, "bob"))
	tid := threadID(b)

	b.HandleEvent(takeEvent("ev-1", "alice", tid))
	if got := chat.confirmations(); got != 1 {
		t.Fatalf("expected 1 confirmation after first take, got %d", got)
	}
	b.mu.Lock()
	acked := b.session.acknowledged
	b.mu.Unlock()
	if acked {
		t.Fatal("session must stay unacknowledged until every contact confirms")
	}

	b.HandleEvent(takeEvent("ev-2", "bob", tid))
	<-done
	if got := chat.confirmations(); got != 2 {
		t.Fatalf("expected 2 confirmations total, got %d", got)
	}
}

func TestSession_StopCommandForceAcknowledges(t *testing.T) {
	chat := newFakeChat()
	rec := &fakeRecorder{}
	b := newTestBot(t, testConfig(t), chat, rec)
	done := startTestSession(t, b, contact(b, "alice"), contact(b, "bob"))
	tid := threadID(b)

	ev := takeEvent("ev-1", "charlie", tid)
	ev.Text = "@stop please"
	b.HandleEvent(ev)

	<-done
	if got := chat.confirmations(); got != 1 {
		t.Fatalf("expected exactly 1 confirmation, got %d", got)
	}
	last, _ := rec.last()
	if last.Outcome != domain.OutcomeStopped {
		t.Fatalf("expected stopped outcome, got %q", last.Outcome)
	}
	if len(last.AcknowledgedBy) != 2 {
		t.Fatalf("stop must mark all contacts acknowledged, got %v", last.AcknowledgedBy)
	}
}

func TestSession_DuplicateEventIDProcessedOnce(t *testing.T) {
	chat := newFakeChat()
	b := newTestBot(t, testConfig(t), chat, nil)
	startTestSession(t, b, contact(b, "alice"), contact(b, "bob"))
	tid := threadID(b)

	ev := takeEvent("ev-1", "alice", tid)
	b.HandleEvent(ev)
	b.HandleEvent(ev) // poll/push race replays the same message

	if got := chat.confirmations(); got != 1 {
		t.Fatalf("duplicate event id must not send a second confirmation, got %d", got)
	}
	b.mu.Lock()
	ackedCount := len(b.session.acknowledgedBy)
	b.mu.Unlock()
	if ackedCount != 1 {
		t.Fatalf("duplicate event must not double-insert, got %d entries", ackedCount)
	}
}

func TestSession_TakeFromStrangerWithoutMentionIsNoop(t *testing.T) {
	chat := newFakeChat()
	b := newTestBot(t, testConfig(t), chat, nil)
	startTestSession(t, b, contact(b, "alice"))
	tid := threadID(b)

	b.HandleEvent(takeEvent("ev-1", "charlie", tid))

	if got := chat.confirmations(); got != 0 {
		t.Fatalf("unauthorized take must not be confirmed, got %d replies", got)
	}
	b.mu.Lock()
	acked := b.session.acknowledged
	b.mu.Unlock()
	if acked {
		t.Fatal("unauthorized take must not acknowledge the session")
	}
}

func TestSession_StrangerVouchesByMentioningBot(t *testing.T) {
	cases := []struct {
		name  string
		build func(ev *domain.ChatEvent)
	}{
		{"plain text", func(ev *domain.ChatEvent) {
			ev.Text = "@take за дежурных, @dutybot"
		}},
		{"structured mentions", func(ev *domain.ChatEvent) {
			ev.Mentions = []string{"dutybot"}
		}},
		{"props mention keys", func(ev *domain.ChatEvent) {
			ev.Props = map[string]any{"mention_keys": []any{"@dutybot"}}
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			chat := newFakeChat()
			b := newTestBot(t, testConfig(t), chat, nil)
			startTestSession(t, b, contact(b, "alice"))
			tid := threadID(b)

			ev := takeEvent("ev-1", "charlie", tid)
			tc.build(&ev)
			b.HandleEvent(ev)

			if got := chat.confirmations(); got != 1 {
				t.Fatalf("vouching take must get exactly 1 confirmation, got %d", got)
			}
			b.mu.Lock()
			acked := b.session.acknowledged
			ackedBy := len(b.session.acknowledgedBy)
			b.mu.Unlock()
			if acked || ackedBy != 0 {
				t.Fatal("a non-contact voucher must not mark any contact acknowledged")
			}
		})
	}
}

func TestSession_ThreadScope(t *testing.T) {
	chat := newFakeChat()
	b := newTestBot(t, testConfig(t), chat, nil)
	startTestSession(t, b, contact(b, "alice"))

	// Reply anchored to a different thread is ignored.
	b.HandleEvent(takeEvent("ev-1", "alice", "some-other-thread"))
	if got := chat.confirmations(); got != 0 {
		t.Fatalf("foreign-thread event must be ignored, got %d replies", got)
	}

	// A top-level post whose root id equals its own id is accepted even
	// though it does not reference the session thread.
	b.HandleEvent(takeEvent("ev-2", "alice", "ev-2"))
	if got := chat.confirmations(); got != 1 {
		t.Fatalf("top-level post must be accepted, got %d replies", got)
	}
}

func TestSession_BotOwnMessagesIgnored(t *testing.T) {
	chat := newFakeChat()
	b := newTestBot(t, testConfig(t), chat, nil)
	startTestSession(t, b, contact(b, "alice"))
	tid := threadID(b)

	ev := takeEvent("ev-1", "dutybot", tid)
	b.HandleEvent(ev)
	if got := chat.confirmations(); got != 0 {
		t.Fatalf("bot's own message must never acknowledge, got %d replies", got)
	}
}

func TestSession_InitialMessageMarkedProcessed(t *testing.T) {
	chat := newFakeChat()
	b := newTestBot(t, testConfig(t), chat, nil)
	startTestSession(t, b, contact(b, "alice"))

	// The poller re-delivers the root post; it must not be treated as an
	// acknowledgement source.
	b.mu.Lock()
	rootID := b.session.RootMessageID
	b.mu.Unlock()
	b.HandleEvent(domain.ChatEvent{
		Type: "message", ID: rootID, RootID: rootID,
		Text: "@alice ... @take ...",
		User: domain.EventUser{Username: "someone", Handle: "someone"},
	})
	if got := chat.confirmations(); got != 0 {
		t.Fatalf("root message must stay deduplicated, got %d replies", got)
	}
}

func TestSession_ReminderMentionsOnlyPending(t *testing.T) {
	chat := newFakeChat()
	b := newTestBot(t, testConfig(t), chat, nil)
	startTestSession(t, b, contact(b, "alice"), contact(b, "bob"))
	tid := threadID(b)

	b.HandleEvent(takeEvent("ev-1", "alice", tid))

	b.mu.Lock()
	sess := b.session
	b.mu.Unlock()
	b.sendReminder(sess)

	posts := chat.sentPosts()
	last := posts[len(posts)-1]
	if last.RootID != tid {
		t.Fatalf("reminder must be threaded, got root %q", last.RootID)
	}
	if !strings.Contains(last.Text, "@bob") || strings.Contains(last.Text, "@alice") {
		t.Fatalf("reminder must mention only pending contacts, got %q", last.Text)
	}
}

func TestSession_EngineStopRecordsShutdown(t *testing.T) {
	chat := newFakeChat()
	rec := &fakeRecorder{}
	b := newTestBot(t, testConfig(t), chat, rec)
	done := startTestSession(t, b, contact(b, "alice"))

	b.Stop()
	<-done

	last, ok := rec.last()
	if !ok {
		t.Fatal("stopped session was not recorded")
	}
	if last.Outcome != domain.OutcomeShutdown {
		t.Fatalf("expected shutdown outcome, got %q", last.Outcome)
	}
}

func TestSession_SendFailureReleasesSlot(t *testing.T) {
	chat := newFakeChat()
	chat.sendErr = fmt.Errorf("boom")
	b := newTestBot(t, testConfig(t), chat, nil)

	if !b.tryAcquireSession() {
		t.Fatal("slot should be free")
	}
	b.runSession([]domain.Contact{contact(b, "alice")})

	if b.sessionActive() {
		t.Fatal("slot must be released after a failed initial send")
	}
}

func TestResetTimerDrainsFiredValue(t *testing.T) {
	timer := time.NewTimer(time.Millisecond)
	defer timer.Stop()
	time.Sleep(20 * time.Millisecond) // fire without reading timer.C

	resetTimer(timer, time.Hour)

	select {
	case <-timer.C:
		t.Fatal("stale fired value must be drained before re-arming")
	case <-time.After(50 * time.Millisecond):
	}
}

// threadID reads the active session's thread id under the bot mutex.
func threadID(b *Bot) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session == nil {
		return ""
	}
	return b.session.ThreadID
}
