package duty

import (
	"time"

	"dutybot/internal/config"
	"dutybot/internal/domain"
)

// Start launches the daily-notification and weekly-report loops.
// Idempotent; Stop shuts both down.
func (b *Bot) Start() {
	b.startOnce.Do(func() {
		b.logger.Info("duty bot starting",
			"dailyTime", b.cfg.Notification.DailyTime,
			"timezone", b.cfg.Notification.Timezone,
		)
		b.wg.Add(1)
		go b.dailyLoop()
		if b.cfg.Notification.WeeklyReport.Enabled {
			b.wg.Add(1)
			go b.weeklyLoop()
		}
	})
}

// Stop cancels all waits and blocks until the timer loops and any running
// session, including manually triggered ones, have exited. Safe to call
// any number of times.
func (b *Bot) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})
	b.wg.Wait()
}

func (b *Bot) dailyLoop() {
	defer b.wg.Done()
	hour, minute, _ := config.ParseClock(b.cfg.Notification.DailyTime)
	for {
		wait := untilDaily(b.now(), hour, minute, b.loc)
		b.logger.Info("next duty notification scheduled", "in", wait.Round(time.Second))
		if !b.sleep(wait) {
			return
		}
		b.notifyToday()
	}
}

func (b *Bot) weeklyLoop() {
	defer b.wg.Done()
	weekday, _ := config.ParseWeekday(b.cfg.Notification.WeeklyReport.Weekday)
	hour, minute, _ := config.ParseClock(b.cfg.Notification.WeeklyReport.Time)
	for {
		wait := untilWeekly(b.now(), weekday, hour, minute, b.loc)
		b.logger.Info("next weekly schedule report", "in", wait.Round(time.Second))
		if !b.sleep(wait) {
			return
		}
		b.publishWeeklySchedule()
	}
}

// sleep waits for d, interruptible by Stop. Reports false when stopped.
func (b *Bot) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-b.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

// notifyToday resolves today's duty contacts and runs a session for them.
// Preference order: on-call system, then the static weekday rota.
func (b *Bot) notifyToday() {
	if b.stopped() {
		return
	}
	today := b.now()
	if isWeekend(today) && !b.cfg.Notification.WeekendAlerts {
		b.logger.Info("weekend, duty notification skipped", "date", today.Format("2006-01-02"))
		return
	}

	if contacts := b.resolveOnCall(); len(contacts) > 0 {
		b.logger.Info("notifying on-call duty", "contacts", handlesOf(contacts))
		b.reconcileDutyGroup(contacts)
		b.startSession(contacts)
		return
	}

	contact, ok := b.dir.ForWeekday(today.Weekday())
	if !ok {
		b.logger.Warn("no duty contact configured", "date", today.Format("2006-01-02"))
		return
	}
	b.logger.Info("notifying duty contact", "contact", contact.Handle, "name", contact.FullName)
	b.reconcileDutyGroup([]domain.Contact{contact})
	b.startSession([]domain.Contact{contact})
}

// resolveOnCall maps the top on-call identities to directory contacts.
// Stray identifiers without a directory entry are tolerated; only a fully
// unmapped result is logged.
func (b *Bot) resolveOnCall() []domain.Contact {
	if b.oncall == nil || !b.cfg.OnCall.Enabled {
		return nil
	}
	ctx, cancel := b.callCtx()
	defer cancel()
	ids, err := b.oncall.CurrentOnCall(ctx, b.cfg.OnCall.Schedule, 2)
	if err != nil {
		b.logger.Warn("cannot resolve on-call duty", "schedule", b.cfg.OnCall.Schedule, "err", err)
		return nil
	}
	var contacts []domain.Contact
	for _, id := range ids {
		if c, ok := b.dir.ByOnCallID(id); ok {
			contacts = append(contacts, c)
		}
	}
	if len(contacts) == 0 && len(ids) > 0 {
		b.logger.Warn("no on-call identity maps to a known contact", "identities", ids)
	}
	return contacts
}

// startSession claims the session slot and runs the session synchronously.
func (b *Bot) startSession(contacts []domain.Contact) bool {
	if !b.tryAcquireSession() {
		b.logger.Warn("reminder session already in progress, notification skipped")
		return false
	}
	b.runSession(contacts)
	return true
}

// reconcileDutyGroup syncs the duty group membership to exactly the given
// contacts plus the bot itself. Every step tolerates per-item failures.
func (b *Bot) reconcileDutyGroup(contacts []domain.Contact) {
	groupID := b.cfg.Loop.AdminGroupID
	if groupID == "" {
		return
	}

	handles := append(handlesOf(contacts), b.cfg.Loop.BotUsername)
	desired := make(map[string]bool, len(handles))
	for _, handle := range handles {
		ctx, cancel := b.callCtx()
		id, err := b.chat.ResolveUserID(ctx, handle)
		cancel()
		if err != nil {
			b.logger.Warn("cannot resolve duty group member", "handle", handle, "err", err)
			continue
		}
		desired[id] = true
	}

	ctx, cancel := b.callCtx()
	current, err := b.chat.GroupMemberIDs(ctx, groupID)
	cancel()
	if err != nil {
		b.logger.Warn("cannot fetch duty group members", "group", groupID, "err", err)
		return
	}

	var toAdd, toRemove []string
	for id := range desired {
		if !current[id] {
			toAdd = append(toAdd, id)
		}
	}
	for id := range current {
		if !desired[id] {
			toRemove = append(toRemove, id)
		}
	}

	if len(toAdd) == 0 && len(toRemove) == 0 {
		b.logger.Info("duty group already in sync", "group", groupID)
		return
	}

	if len(toRemove) > 0 {
		ctx, cancel := b.callCtx()
		if err := b.chat.RemoveGroupMembers(ctx, groupID, toRemove); err != nil {
			b.logger.Warn("cannot remove duty group members", "group", groupID, "err", err)
		}
		cancel()
	}
	if len(toAdd) > 0 {
		ctx, cancel := b.callCtx()
		if err := b.chat.AddGroupMembers(ctx, groupID, toAdd); err != nil {
			b.logger.Warn("cannot add duty group members", "group", groupID, "err", err)
		}
		cancel()
	}
	b.logger.Info("duty group reconciled", "group", groupID, "added", len(toAdd), "removed", len(toRemove))
}

// TriggerContact starts a manual session for one contact. Refused while a
// session is active.
func (b *Bot) TriggerContact(key string) error {
	contact, ok := b.dir.ByKey(key)
	if !ok {
		b.logger.Warn("unknown contact key", "key", key)
		return ErrUnknownContact
	}
	if !b.tryAcquireSession() {
		b.logger.Warn("cannot trigger contact, session already in progress", "key", key)
		return ErrSessionActive
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.runSession([]domain.Contact{contact})
	}()
	return nil
}

// PingContact sends the initial-message text to one contact without
// starting a tracked session. Allowed while a session is active; transport
// failures are logged only.
func (b *Bot) PingContact(key string) error {
	contact, ok := b.dir.ByKey(key)
	if !ok {
		b.logger.Warn("unknown contact key", "key", key)
		return ErrUnknownContact
	}
	b.logger.Info("sending ping message", "contact", contact.Handle, "name", contact.FullName)
	ctx, cancel := b.callCtx()
	defer cancel()
	if _, err := b.chat.SendMessage(ctx, b.cfg.Loop.ChannelID, b.initialMessage([]domain.Contact{contact}), ""); err != nil {
		b.logger.Error("cannot send ping message", "contact", contact.Handle, "err", err)
	}
	return nil
}

// TriggerOnCallDuty re-runs the notify-today path immediately instead of
// waiting for the daily timer. Refused while a session is active.
func (b *Bot) TriggerOnCallDuty() error {
	if b.sessionActive() {
		b.logger.Warn("cannot trigger on-call duty, session already in progress")
		return ErrSessionActive
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.notifyToday()
	}()
	return nil
}
