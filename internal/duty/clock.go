package duty

import "time"

// untilDaily returns the wait until the next occurrence of hour:minute in
// loc. A target already passed today moves to tomorrow.
func untilDaily(now time.Time, hour, minute int, loc *time.Location) time.Duration {
	now = now.In(loc)
	target := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, loc)
	if !target.After(now) {
		target = target.AddDate(0, 0, 1)
	}
	return target.Sub(now)
}

// untilWeekly returns the wait until the next occurrence of weekday at
// hour:minute in loc.
func untilWeekly(now time.Time, weekday time.Weekday, hour, minute int, loc *time.Location) time.Duration {
	now = now.In(loc)
	days := (int(weekday) - int(now.Weekday()) + 7) % 7
	target := time.Date(now.Year(), now.Month(), now.Day()+days, hour, minute, 0, 0, loc)
	if !target.After(now) {
		target = target.AddDate(0, 0, 7)
	}
	return target.Sub(now)
}

// nextMonday returns the Monday starting the week after now, at midnight
// in now's location.
func nextMonday(now time.Time) time.Time {
	days := (int(time.Monday) - int(now.Weekday()) + 7) % 7
	if days == 0 {
		days = 7
	}
	return time.Date(now.Year(), now.Month(), now.Day()+days, 0, 0, 0, 0, now.Location())
}

func isWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}
