package duty

import (
	"regexp"
	"strings"

	"dutybot/internal/domain"
	"dutybot/internal/metrics"
)

// keywordPattern compiles a case-insensitive whole-word matcher for an
// acknowledgement keyword.
func keywordPattern(keyword string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)(^|[^\p{L}\p{N}_])` + regexp.QuoteMeta(keyword) + `([^\p{L}\p{N}_]|$)`)
}

// HandleEvent applies the acknowledgement protocol to one chat event. It
// is the single entry point for all delivery paths (thread poller, webhook
// push, websocket stream): calls are serialized under the bot mutex and
// event ids are deduplicated there, so an event that arrives twice is a
// no-op the second time.
func (b *Bot) HandleEvent(ev domain.ChatEvent) {
	b.mu.Lock()

	sess := b.session
	if sess == nil || sess.acknowledged {
		b.mu.Unlock()
		return
	}
	if ev.Type != "message" || ev.ID == "" {
		b.mu.Unlock()
		return
	}
	if sess.processed[ev.ID] {
		b.mu.Unlock()
		return
	}
	sess.processed[ev.ID] = true

	// Thread scope. An event whose root id equals its own id (or is
	// missing) is a top-level post without thread linkage; some chat
	// backends deliver in-thread replies that way, so it stays accepted.
	if ev.RootID != "" && ev.RootID != ev.ID && ev.RootID != sess.ThreadID {
		b.mu.Unlock()
		return
	}

	author := ev.User.Handle
	if author == "" {
		author = ev.User.Username
	}
	if b.isSelf(ev.User) {
		b.mu.Unlock()
		return
	}

	if b.stopRe.MatchString(ev.Text) {
		for _, c := range sess.Contacts {
			sess.acknowledgedBy[c.Handle] = true
		}
		sess.acknowledged = true
		sess.stopOverride = true
		close(sess.ack)
		threadID := sess.ThreadID
		b.mu.Unlock()

		b.logger.Info("stop command received, session force-acknowledged", "from", author)
		metrics.StopOverrides.Inc()
		b.sendConfirmation(threadID)
		return
	}

	if !b.takeRe.MatchString(ev.Text) {
		b.mu.Unlock()
		return
	}

	// A take command counts when its author is a duty contact, or when
	// anyone tags the bot to vouch for the duty contacts.
	isContact := false
	for _, c := range sess.Contacts {
		if c.Handle == author {
			isContact = true
			break
		}
	}
	if !isContact && !b.botMentioned(ev) {
		b.mu.Unlock()
		return
	}

	if isContact && !sess.acknowledgedBy[author] {
		sess.acknowledgedBy[author] = true
		metrics.Acknowledgements.Inc()
		if len(sess.pending()) == 0 {
			sess.acknowledged = true
			close(sess.ack)
		}
	}
	acked := sess.acknowledged
	threadID := sess.ThreadID
	b.mu.Unlock()

	b.logger.Info("take confirmation received", "from", author, "contact", isContact, "acknowledged", acked)
	b.sendConfirmation(threadID)
}

func (b *Bot) isSelf(user domain.EventUser) bool {
	name := b.cfg.Loop.BotUsername
	return user.Username == name || user.Handle == name
}

// botMentioned normalizes the three known mention encodings: the literal
// username in the text, a structured mentions list, and props-carried
// mention keys (either a list or an encoded string).
func (b *Bot) botMentioned(ev domain.ChatEvent) bool {
	name := strings.ToLower(b.cfg.Loop.BotUsername)

	if strings.Contains(strings.ToLower(ev.Text), name) {
		return true
	}
	for _, m := range ev.Mentions {
		if mentionMatches(m, name) {
			return true
		}
	}
	for _, key := range []string{"mention_keys", "mentions"} {
		if propMentions(ev.Props[key], name) {
			return true
		}
	}
	return false
}

func propMentions(v any, name string) bool {
	switch val := v.(type) {
	case string:
		// Either a JSON-encoded array or a comma-separated list.
		parts := strings.FieldsFunc(val, func(r rune) bool {
			switch r {
			case ',', '[', ']', '"', '\'', ' ':
				return true
			}
			return false
		})
		for _, p := range parts {
			if mentionMatches(p, name) {
				return true
			}
		}
	case []any:
		for _, item := range val {
			if s, ok := item.(string); ok && mentionMatches(s, name) {
				return true
			}
		}
	case []string:
		for _, s := range val {
			if mentionMatches(s, name) {
				return true
			}
		}
	}
	return false
}

func mentionMatches(candidate, name string) bool {
	c := strings.ToLower(strings.TrimSpace(candidate))
	return c == name || c == "@"+name
}

func (b *Bot) sendConfirmation(threadID string) {
	ctx, cancel := b.callCtx()
	defer cancel()
	if _, err := b.chat.SendMessage(ctx, b.cfg.Loop.ChannelID, confirmationText, threadID); err != nil {
		b.logger.Error("cannot send confirmation reply", "err", err)
	}
}
