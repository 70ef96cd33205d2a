package autoschedule

import (
	"sort"
	"time"

	"rhythm/internal/agenda"
	"rhythm/internal/domain"
)

type busyInterval struct {
	start time.Time
	end   time.Time
}

// findSlot walks the search window day by day and returns the first free
// gap inside working hours that can hold duration. First fit wins; no
// attempt is made to find a better slot on a later day.
func findSlot(now time.Time, duration time.Duration, events []domain.CalendarEvent, policy domain.WorkingHoursPolicy, horizonDays int) (agenda.Slot, bool) {
	loc, err := time.LoadLocation(policy.Timezone)
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)

	for day := 0; day <= horizonDays; day++ {
		date := local.AddDate(0, 0, day)
		dp := policy.Days[int(date.Weekday())]
		if !dp.Working {
			continue
		}

		winStart := time.Date(date.Year(), date.Month(), date.Day(), dp.StartHour, dp.StartMinute, 0, 0, loc)
		winEnd := time.Date(date.Year(), date.Month(), date.Day(), dp.EndHour, dp.EndMinute, 0, 0, loc)
		// Today's window never starts in the past.
		if day == 0 && now.After(winStart) {
			winStart = now
		}
		if !winEnd.After(winStart) {
			continue
		}

		busy := make([]busyInterval, 0, len(events)+1)
		for _, e := range events {
			if e.EndTime.After(winStart) && e.StartTime.Before(winEnd) {
				busy = append(busy, busyInterval{start: e.StartTime, end: e.EndTime})
			}
		}
		if dp.BreakMinutes > 0 {
			// The break is just another busy interval for gap-walking.
			bs := time.Date(date.Year(), date.Month(), date.Day(), dp.BreakHour, dp.BreakMinute, 0, 0, loc)
			busy = append(busy, busyInterval{start: bs, end: bs.Add(time.Duration(dp.BreakMinutes) * time.Minute)})
		}

		if slot, ok := firstGap(winStart, winEnd, busy, duration); ok {
			return slot, true
		}
	}
	return agenda.Slot{}, false
}

// firstGap walks the free gaps between busy intervals (and after the last
// one, up to window end) and returns the first gap that fits duration.
func firstGap(winStart, winEnd time.Time, busy []busyInterval, duration time.Duration) (agenda.Slot, bool) {
	sort.Slice(busy, func(i, j int) bool { return busy[i].start.Before(busy[j].start) })

	cursor := winStart
	for _, b := range busy {
		if b.start.After(cursor) && b.start.Sub(cursor) >= duration {
			return agenda.Slot{Start: cursor, End: cursor.Add(duration)}, true
		}
		if b.end.After(cursor) {
			cursor = b.end
		}
		if !cursor.Before(winEnd) {
			return agenda.Slot{}, false
		}
	}
	if winEnd.Sub(cursor) >= duration {
		return agenda.Slot{Start: cursor, End: cursor.Add(duration)}, true
	}
	return agenda.Slot{}, false
}
