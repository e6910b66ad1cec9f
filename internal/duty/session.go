package duty

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"time"

	"dutybot/internal/config"
	"dutybot/internal/domain"
	"dutybot/internal/metrics"
)

const (
	// gatewayTimeout bounds every single chat/on-call API call.
	gatewayTimeout = 15 * time.Second

	// pollerGrace is how long the engine waits for the thread poller to
	// finish its current cycle before force-cancelling it.
	pollerGrace = time.Second
)

// ErrUnknownContact is returned by triggers referencing a key that is not
// in the contact directory.
var ErrUnknownContact = fmt.Errorf("unknown contact key")

// ErrSessionActive is returned when a trigger is refused because a
// reminder session is already running.
var ErrSessionActive = fmt.Errorf("a reminder session is already in progress")

// ReminderSession tracks one outstanding duty notification: who still has
// to acknowledge, which thread the conversation lives in, and which chat
// events were already consumed. All fields past the identifiers are
// guarded by the owning Bot's mutex.
type ReminderSession struct {
	Contacts      []domain.Contact
	ThreadID      string
	RootMessageID string
	StartedAt     time.Time

	acknowledged   bool
	stopOverride   bool
	acknowledgedBy map[string]bool // contact handles that confirmed
	processed      map[string]bool // chat event ids already handled
	ack            chan struct{}   // closed exactly once, when acknowledged flips
}

// pending returns the contacts that have not acknowledged yet, in session
// order. Caller must hold the bot mutex.
func (s *ReminderSession) pending() []domain.Contact {
	var out []domain.Contact
	for _, c := range s.Contacts {
		if !s.acknowledgedBy[c.Handle] {
			out = append(out, c)
		}
	}
	return out
}

// Bot owns the single active reminder session and the two standing duty
// timer loops. One Bot instance exists per process.
type Bot struct {
	cfg      *config.Config
	dir      *config.Directory
	chat     domain.ChatGateway
	oncall   domain.OnCallGateway   // nil when on-call integration is disabled
	recorder domain.SessionRecorder // nil when history is disabled
	logger   *slog.Logger
	loc      *time.Location

	takeRe *regexp.Regexp
	stopRe *regexp.Regexp

	mu      sync.Mutex
	session *ReminderSession
	running bool // single-flight guard, held for the whole session task

	stopCh    chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup

	nowFn func() time.Time
}

// New builds a Bot. oncall and recorder may be nil.
func New(cfg *config.Config, chat domain.ChatGateway, oncall domain.OnCallGateway, recorder domain.SessionRecorder, logger *slog.Logger) (*Bot, error) {
	loc, err := time.LoadLocation(cfg.Notification.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", cfg.Notification.Timezone, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bot{
		cfg:      cfg,
		dir:      cfg.Directory,
		chat:     chat,
		oncall:   oncall,
		recorder: recorder,
		logger:   logger,
		loc:      loc,
		takeRe:   keywordPattern(cfg.Commands.Take),
		stopRe:   keywordPattern(cfg.Commands.Stop),
		stopCh:   make(chan struct{}),
		nowFn:    time.Now,
	}, nil
}

func (b *Bot) now() time.Time { return b.nowFn().In(b.loc) }

func (b *Bot) stopped() bool {
	select {
	case <-b.stopCh:
		return true
	default:
		return false
	}
}

// callCtx bounds one outbound gateway call.
func (b *Bot) callCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), gatewayTimeout)
}

// tryAcquireSession claims the single-flight session slot.
func (b *Bot) tryAcquireSession() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return false
	}
	b.running = true
	return true
}

func (b *Bot) sessionActive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// runSession drives one duty notification to completion. The caller must
// have claimed the session slot via tryAcquireSession. Transport errors
// are logged, never returned: the slot is always released.
func (b *Bot) runSession(contacts []domain.Contact) {
	defer func() {
		b.mu.Lock()
		b.running = false
		b.mu.Unlock()
		metrics.SessionActive.Set(0)
	}()

	ctx, cancel := b.callCtx()
	post, err := b.chat.SendMessage(ctx, b.cfg.Loop.ChannelID, b.initialMessage(contacts), "")
	cancel()
	if err != nil {
		b.logger.Error("cannot send duty notification", "err", err)
		return
	}

	// A root-less top-level post defines its own thread.
	threadID := post.RootID
	if threadID == "" {
		threadID = post.ID
	}

	sess := &ReminderSession{
		Contacts:       contacts,
		ThreadID:       threadID,
		RootMessageID:  post.ID,
		StartedAt:      b.nowFn(),
		acknowledgedBy: make(map[string]bool),
		processed:      map[string]bool{post.ID: true},
		ack:            make(chan struct{}),
	}

	b.mu.Lock()
	b.session = sess
	b.mu.Unlock()

	metrics.SessionsStarted.Inc()
	metrics.SessionActive.Set(1)
	b.logger.Info("reminder session started",
		"thread", threadID,
		"contacts", handlesOf(contacts),
	)

	pollCtx, cancelPoll := context.WithCancel(context.Background())
	defer cancelPoll()
	pollQuit := make(chan struct{})
	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		b.pollThread(pollCtx, pollQuit, sess)
	}()

	b.reminderLoop(sess)

	// Ask the poller to end cooperatively; force-cancel after the grace
	// period so a hung fetch cannot wedge shutdown.
	close(pollQuit)
	grace := time.NewTimer(pollerGrace)
	select {
	case <-pollDone:
		grace.Stop()
	case <-grace.C:
		cancelPoll()
		<-pollDone
	}

	b.mu.Lock()
	outcome := domain.OutcomeShutdown
	if sess.acknowledged {
		outcome = domain.OutcomeAcknowledged
		if sess.stopOverride {
			outcome = domain.OutcomeStopped
		}
	}
	ackedBy := keysOf(sess.acknowledgedBy)
	b.session = nil
	b.mu.Unlock()

	b.logger.Info("reminder session finished", "thread", threadID, "outcome", outcome)
	b.recordSession(sess, ackedBy, string(outcome))
}

// reminderLoop waits for the acknowledgement signal, nudging the still
// pending contacts every reminder interval. Returns when the session is
// acknowledged or the engine stops.
func (b *Bot) reminderLoop(sess *ReminderSession) {
	interval := time.Duration(b.cfg.Notification.ReminderIntervalMinutes) * time.Minute
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		b.mu.Lock()
		done := sess.acknowledged
		b.mu.Unlock()
		if done {
			return
		}

		select {
		case <-sess.ack:
			return
		case <-b.stopCh:
			return
		case <-timer.C:
			b.sendReminder(sess)
			timer.Reset(interval)
		}
	}
}

func (b *Bot) sendReminder(sess *ReminderSession) {
	b.mu.Lock()
	pending := sess.pending()
	b.mu.Unlock()
	if len(pending) == 0 {
		return
	}

	b.logger.Info("no acknowledgement yet, sending reminder", "pending", handlesOf(pending))
	ctx, cancel := b.callCtx()
	defer cancel()
	if _, err := b.chat.SendMessage(ctx, b.cfg.Loop.ChannelID, b.reminderMessage(pending), sess.ThreadID); err != nil {
		b.logger.Error("cannot send reminder", "err", err)
		return
	}
	metrics.RemindersSent.Inc()
}

// pollThread reconciles thread replies the push path may have missed.
// Fetch failures degrade to an empty batch.
func (b *Bot) pollThread(ctx context.Context, quit <-chan struct{}, sess *ReminderSession) {
	interval := time.Duration(b.cfg.Notification.PollIntervalSeconds) * time.Second
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		if b.stopped() || b.sessionEnded(sess) {
			return
		}

		events, err := b.chat.FetchThreadEvents(ctx, sess.ThreadID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("thread poll failed", "thread", sess.ThreadID, "err", err)
			events = nil
		}

		for _, ev := range events {
			b.HandleEvent(ev)
			if b.sessionEnded(sess) {
				return
			}
		}

		resetTimer(timer, interval)
		select {
		case <-ctx.Done():
			return
		case <-quit:
			return
		case <-b.stopCh:
			return
		case <-timer.C:
		}
	}
}

// resetTimer re-arms t to d. A value left in the channel by an undrained
// fire would make the next wait return immediately, so it is drained first.
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// sessionEnded reports whether sess is no longer the active, unacknowledged
// session.
func (b *Bot) sessionEnded(sess *ReminderSession) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.session != sess || sess.acknowledged
}

func (b *Bot) recordSession(sess *ReminderSession, ackedBy []string, outcome string) {
	if b.recorder == nil {
		return
	}
	ctx, cancel := b.callCtx()
	defer cancel()
	rec := domain.SessionRecord{
		StartedAt:      sess.StartedAt,
		FinishedAt:     b.nowFn(),
		Contacts:       handlesOf(sess.Contacts),
		AcknowledgedBy: ackedBy,
		Outcome:        outcome,
	}
	if err := b.recorder.Record(ctx, rec); err != nil {
		b.logger.Warn("cannot record session history", "err", err)
	}
}

func handlesOf(contacts []domain.Contact) []string {
	out := make([]string, 0, len(contacts))
	for _, c := range contacts {
		out = append(out, c.Handle)
	}
	return out
}

func keysOf(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
