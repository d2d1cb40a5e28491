package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"calbot/internal/domain"
)

type fakeFetcher struct {
	name   string
	events []domain.Event
	err    error
	from   time.Time
	to     time.Time
}

func (f *fakeFetcher) Name() string { return f.name }

func (f *fakeFetcher) FetchUpcoming(_ context.Context, from, to time.Time) ([]domain.Event, error) {
	f.from, f.to = from, to
	return f.events, f.err
}

func fixedNow() time.Time {
	return time.Date(2026, 9, 1, 14, 30, 0, 0, time.UTC)
}

func newTestService(sources ...EventFetcher) *DigestService {
	s := NewDigestService(sources, time.UTC, zerolog.Nop())
	s.now = fixedNow
	return s
}

func eventAt(title string, day int, hour int, source string) domain.Event {
	return domain.Event{
		Title:  title,
		Start:  time.Date(2026, 9, day, hour, 0, 0, 0, time.UTC),
		Source: source,
	}
}

func TestUpcoming_MergesAndSorts(t *testing.T) {
	a := &fakeFetcher{name: "a", events: []domain.Event{
		eventAt("Late", 3, 17, "a"),
		eventAt("Early", 2, 8, "a"),
	}}
	b := &fakeFetcher{name: "b", events: []domain.Event{
		eventAt("Middle", 3, 9, "b"),
	}}

	events, err := newTestService(a, b).Upcoming(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	titles := make([]string, len(events))
	for i, ev := range events {
		titles[i] = ev.Title
	}
	want := []string{"Early", "Middle", "Late"}
	for i := range want {
		if titles[i] != want[i] {
			t.Fatalf("order = %v, want %v", titles, want)
		}
	}
}

func TestUpcoming_WindowStartsAtMidnight(t *testing.T) {
	src := &fakeFetcher{name: "a"}
	if _, err := newTestService(src).Upcoming(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantFrom := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	if !src.from.Equal(wantFrom) {
		t.Errorf("window start = %v, want %v", src.from, wantFrom)
	}
	if got := src.to.Sub(src.from); got != Window {
		t.Errorf("window length = %v, want %v", got, Window)
	}
}

func TestUpcoming_PartialFailureDegrades(t *testing.T) {
	failing := &fakeFetcher{name: "broken", err: errors.New("401 Unauthorized")}
	working := &fakeFetcher{name: "ok", events: []domain.Event{eventAt("Standup", 3, 9, "ok")}}

	events, err := newTestService(failing, working).Upcoming(context.Background())
	if err != nil {
		t.Fatalf("partial failure must not error: %v", err)
	}
	if len(events) != 1 || events[0].Title != "Standup" {
		t.Errorf("events = %+v, want the working source's event", events)
	}
}

func TestUpcoming_AllSourcesFailed(t *testing.T) {
	a := &fakeFetcher{name: "a", err: errors.New("down")}
	b := &fakeFetcher{name: "b", err: errors.New("also down")}

	_, err := newTestService(a, b).Upcoming(context.Background())
	if !errors.Is(err, ErrAllSourcesFailed) {
		t.Errorf("err = %v, want ErrAllSourcesFailed", err)
	}
}

func TestUpcoming_NoEventsIsNotAnError(t *testing.T) {
	a := &fakeFetcher{name: "a"}
	events, err := newTestService(a).Upcoming(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("got %d events, want 0", len(events))
	}
}
