package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"
)

// DigestPoster posts the current digest to one room.
type DigestPoster interface {
	PostDigest(ctx context.Context, roomID id.RoomID) error
}

// Scheduler posts the weekly digest to every configured room on a cron
// spec, evaluated in the display timezone.
type Scheduler struct {
	cron    *cron.Cron
	spec    string
	roomIDs []id.RoomID
	poster  DigestPoster
	logger  zerolog.Logger
}

func New(spec string, roomIDs []string, tz *time.Location, poster DigestPoster, logger zerolog.Logger) *Scheduler {
	ids := make([]id.RoomID, 0, len(roomIDs))
	for _, r := range roomIDs {
		ids = append(ids, id.RoomID(r))
	}
	return &Scheduler{
		cron:    cron.New(cron.WithLocation(tz)),
		spec:    spec,
		roomIDs: ids,
		poster:  poster,
		logger:  logger.With().Str("component", "scheduler").Logger(),
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.spec, func() { s.postAll(ctx) }); err != nil {
		return fmt.Errorf("add weekly digest job: %w", err)
	}

	s.cron.Start()
	s.logger.Info().Str("spec", s.spec).Int("rooms", len(s.roomIDs)).Msg("scheduler started")

	<-ctx.Done()
	return nil
}

func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info().Msg("scheduler stopped")
}

func (s *Scheduler) postAll(ctx context.Context) {
	for _, roomID := range s.roomIDs {
		if err := s.poster.PostDigest(ctx, roomID); err != nil {
			s.logger.Error().Err(err).Str("room_id", roomID.String()).Msg("weekly digest failed")
			continue
		}
		s.logger.Info().Str("room_id", roomID.String()).Msg("weekly digest sent")
	}
}
