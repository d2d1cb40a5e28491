package caldav

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/teambition/rrule-go"

	"calbot/internal/domain"
)

// Safety cap against pathological rules. A 7-day window holds at most a
// few hundred legitimate occurrences.
const maxOccurrencesPerEvent = 1000

// expandEvents turns parsed VEVENTs into concrete occurrences inside
// [from, to), converted to loc. Within one collection two occurrences of
// the same UID resolving to the same start instant collapse to one, so
// malformed recurrence rules never produce visible repeats.
func expandEvents(events []parsedEvent, from, to time.Time, loc *time.Location, source string, logger zerolog.Logger) []domain.Event {
	// Overrides (RECURRENCE-ID) replace the base occurrence they name.
	overridesByUID := make(map[string][]parsedEvent)
	var base []parsedEvent
	for _, ev := range events {
		if ev.Recurrence != nil {
			overridesByUID[ev.UID] = append(overridesByUID[ev.UID], ev)
		} else {
			base = append(base, ev)
		}
	}

	var out []domain.Event
	seen := make(map[occurrenceKey]bool)

	emit := func(ev parsedEvent, start, end time.Time) {
		// The window check runs on the normalized start so all-day
		// midnight snapping cannot push an occurrence across the edge.
		normalized := makeEvent(ev, start, end, loc, source)
		if normalized.Start.Before(from) || !normalized.Start.Before(to) {
			return
		}
		key := occurrenceKey{uid: ev.UID, start: normalized.Start.Unix()}
		if ev.UID != "" && seen[key] {
			return
		}
		seen[key] = true
		out = append(out, normalized)
	}

	for _, ev := range base {
		if ev.RawRRule == "" {
			emit(ev, ev.Start, ev.End)
			continue
		}

		rule, err := rrule.StrToRRule(ev.RawRRule)
		if err != nil {
			logger.Warn().Err(err).Str("uid", ev.UID).Str("rrule", ev.RawRRule).
				Msg("unparseable RRULE, emitting base occurrence only")
			emit(ev, ev.Start, ev.End)
			continue
		}
		rule.DTStart(ev.Start)

		var set rrule.Set
		set.RRule(rule)
		for _, ex := range ev.ExDates {
			set.ExDate(ex.In(ev.Start.Location()))
		}
		// Overridden instances are re-emitted below with their own times.
		for _, ov := range overridesByUID[ev.UID] {
			set.ExDate(ov.Recurrence.In(ev.Start.Location()))
		}

		// Between filters on raw start instants, but all-day starts sit
		// at source midnight and move when snapped to the display
		// timezone. The range is widened a day each way; emit's check on
		// the normalized start does the real window trimming.
		rangeStart := from.In(ev.Start.Location()).Add(-24 * time.Hour)
		rangeEnd := to.In(ev.Start.Location()).Add(24 * time.Hour)
		starts := set.Between(rangeStart, rangeEnd, true)
		if len(starts) > maxOccurrencesPerEvent {
			logger.Warn().Str("uid", ev.UID).Int("cap", maxOccurrencesPerEvent).
				Msg("recurrence expansion hit occurrence cap")
			starts = starts[:maxOccurrencesPerEvent]
		}

		duration := ev.End.Sub(ev.Start)
		for _, start := range starts {
			emit(ev, start, start.Add(duration))
		}
	}

	// Overrides stand on their own: an instance moved into the window
	// appears, one moved out disappears.
	for _, ovs := range overridesByUID {
		for _, ov := range ovs {
			emit(ov, ov.Start, ov.End)
		}
	}

	return out
}

type occurrenceKey struct {
	uid   string
	start int64
}

func makeEvent(ev parsedEvent, start, end time.Time, loc *time.Location, source string) domain.Event {
	if ev.AllDay {
		// All-day occurrences snap to [midnight, midnight+24h) in the
		// display timezone. The date is read in the start's own location:
		// a DATE value parsed at UTC midnight must not shift a day when
		// the display timezone sits west of UTC.
		y, m, d := start.Date()
		day := time.Date(y, m, d, 0, 0, 0, 0, loc)
		return domain.Event{
			Title:  ev.Summary,
			Start:  day,
			End:    day.Add(24 * time.Hour),
			AllDay: true,
			Source: source,
		}
	}
	return domain.Event{
		Title:  ev.Summary,
		Start:  start.In(loc),
		End:    end.In(loc),
		Source: source,
	}
}
