package agenda

import "rhythm/internal/domain"

// ConflictPair is two events whose intervals overlap.
type ConflictPair struct {
	A domain.CalendarEvent `json:"a"`
	B domain.CalendarEvent `json:"b"`
}

// Conflicts reports every pair of events that overlap. Intervals are
// half-open, so touching endpoints do not conflict.
func Conflicts(events []domain.CalendarEvent) []ConflictPair {
	var out []ConflictPair
	for i := 0; i < len(events); i++ {
		for j := i + 1; j < len(events); j++ {
			a, b := events[i], events[j]
			if a.EndTime.After(b.StartTime) && a.StartTime.Before(b.EndTime) {
				out = append(out, ConflictPair{A: a, B: b})
			}
		}
	}
	return out
}
