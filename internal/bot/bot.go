package bot

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"calbot/config"
	"calbot/internal/format"
	"calbot/internal/matrix"
	"calbot/internal/service"
)

const apologyReply = "Sorry, I couldn't reach the calendar right now. Please try again later."

// Bot wires the sync loop, command router, digest service, and reply
// dispatcher together.
type Bot struct {
	cfg        *config.Config
	client     *matrix.Client
	digest     *service.DigestService
	dispatcher *Dispatcher
	router     *Router
	logger     zerolog.Logger
}

func New(cfg *config.Config, client *matrix.Client, digest *service.DigestService, logger zerolog.Logger) *Bot {
	b := &Bot{
		cfg:        cfg,
		client:     client,
		digest:     digest,
		dispatcher: NewDispatcher(client, logger),
		logger:     logger.With().Str("component", "bot").Logger(),
	}
	b.router = NewRouter(cfg.CommandTokens, cfg.IsAllowedRoom, client.UserID(), b.handleTrigger, logger)
	return b
}

// Start registers handlers and blocks in the sync loop until ctx is
// cancelled or the transport fails unrecoverably.
func (b *Bot) Start(ctx context.Context) error {
	b.client.OnInvite(func(roomID id.RoomID) bool {
		return b.cfg.IsAllowedRoom(roomID.String())
	})
	b.client.OnMessage(b.router.HandleEvent)
	return b.client.Sync(ctx)
}

// Stop drains in-flight dispatches within grace and releases the client.
func (b *Bot) Stop(grace time.Duration) {
	b.router.Shutdown(grace)
	if err := b.client.Close(); err != nil {
		b.logger.Error().Err(err).Msg("error closing matrix client")
	}
}

// handleTrigger runs the full pipeline for one command: fetch, format,
// reply. No failure here may crash the event loop; total fetch failure
// becomes an apology reply so the requester is never left unanswered.
func (b *Bot) handleTrigger(ctx context.Context, trig Trigger) {
	events, err := b.digest.Upcoming(ctx)
	if err != nil {
		if !errors.Is(err, service.ErrAllSourcesFailed) {
			b.logger.Error().Err(err).Str("room_id", trig.RoomID.String()).Msg("digest failed")
		}
		if err := b.dispatcher.Send(ctx, trig.RoomID, apologyReply, "<p>"+apologyReply+"</p>"); err != nil {
			b.logger.Error().Err(err).Str("room_id", trig.RoomID.String()).Msg("failed to send apology reply")
		}
		return
	}

	if err := b.dispatcher.Send(ctx, trig.RoomID, format.Digest(events), format.DigestHTML(events)); err != nil {
		b.logger.Error().Err(err).Str("room_id", trig.RoomID.String()).Msg("failed to send digest reply")
	}
}

// PostDigest sends the current digest to one room unprompted. Used by
// the weekly schedule.
func (b *Bot) PostDigest(ctx context.Context, roomID id.RoomID) error {
	events, err := b.digest.Upcoming(ctx)
	if err != nil {
		return err
	}
	return b.dispatcher.Send(ctx, roomID, format.Digest(events), format.DigestHTML(events))
}
