package domain

import (
	"sort"
	"time"
)

// Event is one concrete calendar occurrence inside the digest window.
// Recurring entries are already expanded; Start is always a single
// resolved instant in the display timezone.
type Event struct {
	Title  string
	Start  time.Time
	End    time.Time
	AllDay bool
	Source string // name of the calendar account it came from
}

// Duration returns the event length. Point-in-time events (missing
// DTEND) report zero.
func (e *Event) Duration() time.Duration {
	if e.End.Before(e.Start) {
		return 0
	}
	return e.End.Sub(e.Start)
}

// Day returns the calendar day the event starts on, truncated to
// midnight in the event's own location.
func (e *Event) Day() time.Time {
	y, m, d := e.Start.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, e.Start.Location())
}

// Less defines the total order used everywhere events are rendered:
// start instant, then title, then source. The source tiebreak keeps
// identical bookings from two accounts in a stable order.
func (e *Event) Less(other *Event) bool {
	if !e.Start.Equal(other.Start) {
		return e.Start.Before(other.Start)
	}
	if e.Title != other.Title {
		return e.Title < other.Title
	}
	return e.Source < other.Source
}

// SortEvents sorts in place by the total order.
func SortEvents(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Less(&events[j])
	})
}
