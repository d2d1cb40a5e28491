package matrix

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/cryptohelper"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	_ "github.com/mattn/go-sqlite3" // crypto/state store driver
)

// ErrCredentialsInvalid is returned by Sync when the homeserver rejects
// the access token. There is no point restarting blindly: the process
// exits with a distinct status so the supervisor can tell.
var ErrCredentialsInvalid = errors.New("matrix credentials invalidated")

// Config carries what the client needs to connect.
type Config struct {
	HomeserverURL string
	Username      string
	Password      string
	DataDir       string
	PickleKey     string
}

// Client wraps mautrix with session restore-or-login and encrypted room
// support. Encryption keys live in a SQLite store under DataDir, the
// rest of the session in the SessionStore's JSON file.
type Client struct {
	mx     *mautrix.Client
	store  *SessionStore
	crypto *cryptohelper.CryptoHelper
	logger zerolog.Logger
}

// Connect restores the persisted session if one exists, otherwise logs
// in with password and persists the new session before returning. Either
// way the returned client is ready to sync.
func Connect(ctx context.Context, cfg Config, store *SessionStore, logger zerolog.Logger) (*Client, error) {
	logger = logger.With().Str("component", "matrix").Logger()

	sess, err := store.Load()
	fresh := false
	switch {
	case errors.Is(err, ErrNoSession):
		logger.Info().Msg("no previous session found, logging in")
		sess = &Session{}
		fresh = true
	case err != nil:
		return nil, err
	default:
		logger.Info().Str("user_id", sess.UserID.String()).Msg("restoring previous session")
	}

	mx, err := mautrix.NewClient(cfg.HomeserverURL, sess.UserID, sess.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("create matrix client: %w", err)
	}
	mx.DeviceID = sess.DeviceID
	mx.Log = logger
	mx.Store = store

	crypto, err := cryptohelper.NewCryptoHelper(mx, []byte(cfg.PickleKey), filepath.Join(cfg.DataDir, "crypto.db"))
	if err != nil {
		return nil, fmt.Errorf("create crypto helper: %w", err)
	}
	if fresh {
		crypto.LoginAs = &mautrix.ReqLogin{
			Type: mautrix.AuthTypePassword,
			Identifier: mautrix.UserIdentifier{
				Type: mautrix.IdentifierTypeUser,
				User: cfg.Username,
			},
			Password:                 cfg.Password,
			InitialDeviceDisplayName: "calbot",
			StoreCredentials:         true,
		}
	}
	if err := crypto.Init(ctx); err != nil {
		return nil, fmt.Errorf("init crypto: %w", err)
	}
	mx.Crypto = crypto

	if fresh {
		// Persist before any room traffic so a crash right after the
		// first login never triggers a re-authentication storm.
		if err := store.Save(&Session{
			UserID:      mx.UserID,
			DeviceID:    mx.DeviceID,
			AccessToken: mx.AccessToken,
		}); err != nil {
			return nil, fmt.Errorf("persist fresh session: %w", err)
		}
		logger.Info().Str("user_id", mx.UserID.String()).Msg("logged in, session persisted")
	}

	return &Client{mx: mx, store: store, crypto: crypto, logger: logger}, nil
}

// UserID returns the bot's own Matrix user ID.
func (c *Client) UserID() id.UserID {
	return c.mx.UserID
}

// OnMessage registers the room message handler. Events from before the
// bot started are dropped so restored history is never answered.
func (c *Client) OnMessage(handler func(ctx context.Context, evt *event.Event)) {
	syncer := c.mx.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, handler)
}

// OnInvite auto-joins rooms the bot is invited to, when accept approves
// the room ID.
func (c *Client) OnInvite(accept func(roomID id.RoomID) bool) {
	syncer := c.mx.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.StateMember, func(ctx context.Context, evt *event.Event) {
		if evt.GetStateKey() != c.mx.UserID.String() {
			return
		}
		if evt.Content.AsMember().Membership != event.MembershipInvite {
			return
		}
		if !accept(evt.RoomID) {
			c.logger.Debug().Str("room_id", evt.RoomID.String()).Msg("ignoring invite to room outside allow-list")
			return
		}
		if _, err := c.mx.JoinRoomByID(ctx, evt.RoomID); err != nil {
			c.logger.Error().Err(err).Str("room_id", evt.RoomID.String()).Msg("failed to join room")
			return
		}
		c.logger.Info().Str("room_id", evt.RoomID.String()).Msg("joined room")
	})
}

// Sync runs the long-poll loop until ctx is cancelled. The sync token is
// checkpointed through the SessionStore after each batch. An invalidated
// access token maps to ErrCredentialsInvalid.
func (c *Client) Sync(ctx context.Context) error {
	// Ignore everything that happened before this process started; the
	// persisted next_batch already skips history on later runs.
	c.mx.Syncer.(mautrix.ExtensibleSyncer).OnSync(c.mx.DontProcessOldEvents)

	c.logger.Info().Msg("starting sync loop")
	err := c.mx.SyncWithContext(ctx)
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	if errors.Is(err, mautrix.MUnknownToken) || errors.Is(err, mautrix.MMissingToken) {
		return fmt.Errorf("%w: %v", ErrCredentialsInvalid, err)
	}
	return fmt.Errorf("sync loop: %w", err)
}

// SendFormatted sends a message with an HTML formatted body, falling
// back to the plain body on clients that don't render HTML.
func (c *Client) SendFormatted(ctx context.Context, roomID id.RoomID, body, htmlBody string) error {
	content := event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          body,
		Format:        event.FormatHTML,
		FormattedBody: htmlBody,
	}
	_, err := c.mx.SendMessageEvent(ctx, roomID, event.EventMessage, &content)
	return err
}

// Close releases the crypto store.
func (c *Client) Close() error {
	return c.crypto.Close()
}
