package duty

import (
	"fmt"
	"strings"
	"time"
)

var weekdayShortRU = map[time.Weekday]string{
	time.Monday:    "Пн",
	time.Tuesday:   "Вт",
	time.Wednesday: "Ср",
	time.Thursday:  "Чт",
	time.Friday:    "Пт",
	time.Saturday:  "Сб",
	time.Sunday:    "Вс",
}

// reportDay is one row of the weekly duty table.
type reportDay struct {
	Date  time.Time
	Names []string
}

// publishWeeklySchedule posts next week's duty table as a single message.
func (b *Bot) publishWeeklySchedule() {
	monday := nextMonday(b.now())
	days := b.collectWeekDays(monday)
	if len(days) == 0 {
		b.logger.Warn("no duty contacts for next week, report skipped")
		return
	}

	ctx, cancel := b.callCtx()
	defer cancel()
	if _, err := b.chat.SendMessage(ctx, b.cfg.Loop.ChannelID, renderWeeklyReport(days), ""); err != nil {
		b.logger.Error("cannot send weekly schedule report", "err", err)
		return
	}
	b.logger.Info("weekly schedule report sent", "weekStart", monday.Format("2006-01-02"))
}

// collectWeekDays resolves the duty contact(s) for each day of the week
// starting at monday. On-call range data wins; the static rota fills the
// rest. Weekend days are skipped unless weekend alerts are on.
func (b *Bot) collectWeekDays(monday time.Time) []reportDay {
	byDay := b.onCallWeek(monday)

	var days []reportDay
	for i := 0; i < 7; i++ {
		date := monday.AddDate(0, 0, i)
		if isWeekend(date) && !b.cfg.Notification.WeekendAlerts {
			continue
		}

		var names []string
		for _, id := range byDay[date.Format("2006-01-02")] {
			if c, ok := b.dir.ByOnCallID(id); ok {
				names = append(names, displayName(c.FullName, c.Handle))
			}
		}
		if len(names) == 0 {
			if c, ok := b.dir.ForWeekday(date.Weekday()); ok {
				names = append(names, displayName(c.FullName, c.Handle))
			}
		}
		if len(names) == 0 {
			names = append(names, "—")
		}
		days = append(days, reportDay{Date: date, Names: names})
	}
	return days
}

// onCallWeek queries the on-call range for monday..sunday. Failures and a
// disabled integration degrade to an empty map.
func (b *Bot) onCallWeek(monday time.Time) map[string][]string {
	if b.oncall == nil || !b.cfg.OnCall.Enabled {
		return nil
	}
	ctx, cancel := b.callCtx()
	defer cancel()
	byDay, err := b.oncall.ScheduleForRange(ctx, b.cfg.OnCall.Schedule, monday, monday.AddDate(0, 0, 6))
	if err != nil {
		b.logger.Warn("cannot fetch on-call schedule for next week", "err", err)
		return nil
	}
	return byDay
}

// renderWeeklyReport is deterministic for the same input days.
func renderWeeklyReport(days []reportDay) string {
	var sb strings.Builder
	sb.WriteString("#### Дежурства на следующую неделю\n\n")
	sb.WriteString("| День | Дежурный |\n| --- | --- |\n")
	for _, day := range days {
		fmt.Fprintf(&sb, "| %s %s | %s |\n",
			weekdayShortRU[day.Date.Weekday()],
			day.Date.Format("02.01"),
			strings.Join(day.Names, ", "),
		)
	}
	return sb.String()
}

func displayName(fullName, handle string) string {
	if fullName != "" {
		return fullName
	}
	return "@" + handle
}
