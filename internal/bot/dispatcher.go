package bot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

const (
	maxSendAttempts  = 5
	initialSendDelay = 500 * time.Millisecond
)

// Sender is the slice of the Matrix client the dispatcher needs.
type Sender interface {
	SendFormatted(ctx context.Context, roomID id.RoomID, body, htmlBody string) error
}

// Dispatcher delivers exactly one message per trigger, retrying
// transient transport failures with bounded exponential backoff.
type Dispatcher struct {
	sender Sender
	logger zerolog.Logger

	attempts int
	delay    time.Duration
}

func NewDispatcher(sender Sender, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		sender:   sender,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
		attempts: maxSendAttempts,
		delay:    initialSendDelay,
	}
}

// Send delivers the reply. On exhausted retries the error is returned;
// the caller logs it and the event loop carries on.
func (d *Dispatcher) Send(ctx context.Context, roomID id.RoomID, body, htmlBody string) error {
	delay := d.delay
	var lastErr error

	for attempt := 1; attempt <= d.attempts; attempt++ {
		err := d.sender.SendFormatted(ctx, roomID, body, htmlBody)
		if err == nil {
			if attempt > 1 {
				d.logger.Info().Int("attempt", attempt).Str("room_id", roomID.String()).Msg("message sent after retry")
			}
			return nil
		}
		if isPermanent(err) {
			return fmt.Errorf("send to %s: %w", roomID, err)
		}
		lastErr = err
		d.logger.Warn().Err(err).Int("attempt", attempt).Str("room_id", roomID.String()).Msg("send failed, backing off")

		if attempt == d.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}

	return fmt.Errorf("send to %s: %d attempts exhausted: %w", roomID, d.attempts, lastErr)
}

// isPermanent reports failures no retry can fix. Rate limits are handled
// inside mautrix; what reaches here is either transient transport
// trouble or a hard protocol rejection.
func isPermanent(err error) bool {
	return errors.Is(err, mautrix.MForbidden) ||
		errors.Is(err, mautrix.MUnknownToken) ||
		errors.Is(err, mautrix.MNotFound)
}
