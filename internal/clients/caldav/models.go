package caldav

import "time"

// Collection is one named calendar container on the remote server.
type Collection struct {
	Path        string
	DisplayName string
}

// parsedEvent is a VEVENT lifted out of a calendar object, recurrence
// not yet expanded. Transient: it only lives inside a single fetch.
type parsedEvent struct {
	UID     string
	Summary string
	Start   time.Time
	End     time.Time
	AllDay  bool

	RawRRule   string
	ExDates    []time.Time
	Recurrence *time.Time // RECURRENCE-ID, set on override instances
}
