package caldav

import (
	"fmt"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"
)

// parseCalendarObject lifts every VEVENT out of one calendar object.
// A single object can carry a base recurring VEVENT plus override
// instances sharing its UID (RECURRENCE-ID).
func parseCalendarObject(obj *caldav.CalendarObject) ([]parsedEvent, error) {
	if obj.Data == nil {
		return nil, fmt.Errorf("no data in calendar object %s", obj.Path)
	}

	var events []parsedEvent
	for _, comp := range obj.Data.Children {
		if comp.Name != ical.CompEvent {
			continue
		}
		event, err := parseVEvent(comp)
		if err != nil {
			return nil, fmt.Errorf("object %s: %w", obj.Path, err)
		}
		events = append(events, event)
	}

	return events, nil
}

func parseVEvent(comp *ical.Component) (parsedEvent, error) {
	var event parsedEvent

	if prop := comp.Props.Get(ical.PropUID); prop != nil {
		event.UID = prop.Value
	}

	if prop := comp.Props.Get(ical.PropSummary); prop != nil {
		event.Summary = prop.Value
	}
	if event.Summary == "" {
		event.Summary = "(untitled)"
	}

	startProp := comp.Props.Get(ical.PropDateTimeStart)
	if startProp == nil {
		return event, fmt.Errorf("event %s: missing DTSTART", event.UID)
	}
	start, err := startProp.DateTime(time.UTC)
	if err != nil {
		return event, fmt.Errorf("event %s: invalid DTSTART: %w", event.UID, err)
	}
	event.Start = start
	if valueType := startProp.Params.Get(ical.ParamValue); valueType == string(ical.ValueDate) {
		event.AllDay = true
	}

	// DTEND is optional. Without it the event is a point in time.
	if prop := comp.Props.Get(ical.PropDateTimeEnd); prop != nil {
		if end, err := prop.DateTime(time.UTC); err == nil {
			event.End = end
		}
	}
	if event.End.IsZero() {
		event.End = event.Start
	}

	if prop := comp.Props.Get(ical.PropRecurrenceRule); prop != nil {
		event.RawRRule = prop.Value
	}

	for _, prop := range comp.Props.Values(ical.PropExceptionDates) {
		if ex, err := prop.DateTime(event.Start.Location()); err == nil {
			event.ExDates = append(event.ExDates, ex)
		}
	}

	if prop := comp.Props.Get(ical.PropRecurrenceID); prop != nil {
		if rid, err := prop.DateTime(event.Start.Location()); err == nil {
			event.Recurrence = &rid
		}
	}

	return event, nil
}
