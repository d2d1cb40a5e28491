package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"calbot/internal/domain"
)

// Window is the digest lookahead.
const Window = 7 * 24 * time.Hour

// ErrAllSourcesFailed means no calendar source produced any result. The
// bot answers this with an apology reply instead of silence.
var ErrAllSourcesFailed = errors.New("all calendar sources failed")

// EventFetcher is the slice of the CalDAV client the service needs.
type EventFetcher interface {
	Name() string
	FetchUpcoming(ctx context.Context, from, to time.Time) ([]domain.Event, error)
}

// DigestService aggregates upcoming events across all configured
// calendar sources into one deterministically ordered sequence.
type DigestService struct {
	sources []EventFetcher
	loc     *time.Location
	logger  zerolog.Logger
	now     func() time.Time
}

func NewDigestService(sources []EventFetcher, loc *time.Location, logger zerolog.Logger) *DigestService {
	if loc == nil {
		loc = time.UTC
	}
	return &DigestService{
		sources: sources,
		loc:     loc,
		logger:  logger.With().Str("component", "digest").Logger(),
		now:     time.Now,
	}
}

// Upcoming fetches the next 7 days from every source concurrently and
// merges the results in total order. A failing source degrades to the
// others' events; only when every source fails is ErrAllSourcesFailed
// returned.
func (s *DigestService) Upcoming(ctx context.Context) ([]domain.Event, error) {
	from, to := s.window()

	type result struct {
		events []domain.Event
		err    error
		name   string
	}

	results := make([]result, len(s.sources))
	var wg sync.WaitGroup
	for i, src := range s.sources {
		wg.Add(1)
		go func(i int, src EventFetcher) {
			defer wg.Done()
			events, err := src.FetchUpcoming(ctx, from, to)
			results[i] = result{events: events, err: err, name: src.Name()}
		}(i, src)
	}
	wg.Wait()

	var merged []domain.Event
	failed := 0
	for _, r := range results {
		if r.err != nil {
			failed++
			s.logger.Error().Err(r.err).Str("source", r.name).Msg("source fetch failed")
			continue
		}
		merged = append(merged, r.events...)
	}

	if failed == len(s.sources) && len(s.sources) > 0 {
		return nil, ErrAllSourcesFailed
	}

	domain.SortEvents(merged)
	return merged, nil
}

// window spans from the start of today to seven days out, in the
// display timezone, so today's all-day entries stay visible all day.
func (s *DigestService) window() (time.Time, time.Time) {
	now := s.now().In(s.loc)
	y, m, d := now.Date()
	from := time.Date(y, m, d, 0, 0, 0, 0, s.loc)
	return from, from.Add(Window)
}
