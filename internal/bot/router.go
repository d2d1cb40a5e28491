package bot

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Triggers queued per room beyond the one in flight. A burst past this
// drops the newest trigger instead of buffering without bound.
const queueDepth = 4

// Trigger is one recognized command invocation.
type Trigger struct {
	RoomID id.RoomID
	Sender id.UserID
	Token  string
}

// Handler runs the retrieval-and-reply pipeline for one trigger.
type Handler func(ctx context.Context, trig Trigger)

// Router filters incoming room messages for recognized command tokens
// and dispatches matching triggers. Each room gets its own worker and
// bounded queue, so one room never runs two pipelines at once while
// distinct rooms dispatch concurrently.
type Router struct {
	tokens  map[string]bool
	allowed func(roomID string) bool
	self    id.UserID
	handle  Handler
	logger  zerolog.Logger

	mu      sync.Mutex
	queues  map[id.RoomID]chan Trigger
	wg      sync.WaitGroup
	workCtx context.Context
	cancel  context.CancelFunc
	closed  bool
}

func NewRouter(tokens []string, allowed func(string) bool, self id.UserID, handle Handler, logger zerolog.Logger) *Router {
	tokenSet := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		tokenSet[strings.ToLower(t)] = true
	}
	workCtx, cancel := context.WithCancel(context.Background())
	return &Router{
		tokens:  tokenSet,
		allowed: allowed,
		self:    self,
		handle:  handle,
		logger:  logger.With().Str("component", "router").Logger(),
		queues:  make(map[id.RoomID]chan Trigger),
		workCtx: workCtx,
		cancel:  cancel,
	}
}

// HandleEvent is the mautrix message handler. Non-commands, non-text
// messages, the bot's own echoes, and rooms outside the allow-list are
// all ignored silently.
func (r *Router) HandleEvent(_ context.Context, evt *event.Event) {
	msg := evt.Content.AsMessage()
	if msg == nil || msg.MsgType != event.MsgText {
		return
	}

	token := strings.ToLower(strings.TrimSpace(msg.Body))
	if !r.tokens[token] {
		return
	}
	if evt.Sender == r.self {
		r.logger.Debug().Str("room_id", evt.RoomID.String()).Msg("ignoring own message")
		return
	}
	if !r.allowed(evt.RoomID.String()) {
		r.logger.Debug().Str("room_id", evt.RoomID.String()).Str("sender", evt.Sender.String()).
			Msg("ignoring command from room outside allow-list")
		return
	}

	r.enqueue(Trigger{RoomID: evt.RoomID, Sender: evt.Sender, Token: token})
}

func (r *Router) enqueue(trig Trigger) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	queue, ok := r.queues[trig.RoomID]
	if !ok {
		queue = make(chan Trigger, queueDepth)
		r.queues[trig.RoomID] = queue
		r.wg.Add(1)
		go r.worker(queue)
	}
	r.mu.Unlock()

	select {
	case queue <- trig:
		r.logger.Info().Str("room_id", trig.RoomID.String()).Str("sender", trig.Sender.String()).
			Str("token", trig.Token).Msg("command accepted")
	default:
		r.logger.Warn().Str("room_id", trig.RoomID.String()).
			Msg("room queue full, dropping trigger")
	}
}

// worker drains one room's queue, running triggers strictly in arrival
// order, one at a time.
func (r *Router) worker(queue chan Trigger) {
	defer r.wg.Done()
	for trig := range queue {
		r.handle(r.workCtx, trig)
	}
}

// Shutdown stops accepting triggers and lets in-flight workers drain
// their queues for at most grace. Leftover work is abandoned: replies
// are at-most-once, not guaranteed.
func (r *Router) Shutdown(grace time.Duration) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for _, queue := range r.queues {
		close(queue)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		r.logger.Warn().Dur("grace", grace).Msg("shutdown grace expired, abandoning in-flight dispatches")
	}
	r.cancel()
}
