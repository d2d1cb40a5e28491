package bot

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

const (
	testSelf = id.UserID("@calbot:example.org")
	roomA    = id.RoomID("!alpha:example.org")
	roomB    = id.RoomID("!beta:example.org")
)

func textEvent(roomID id.RoomID, sender id.UserID, body string) *event.Event {
	return &event.Event{
		RoomID: roomID,
		Sender: sender,
		Content: event.Content{
			Parsed: &event.MessageEventContent{
				MsgType: event.MsgText,
				Body:    body,
			},
		},
	}
}

type triggerRecorder struct {
	mu       sync.Mutex
	triggers []Trigger
	block    chan struct{} // when set, handler waits here
}

func (r *triggerRecorder) handle(_ context.Context, trig Trigger) {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	r.triggers = append(r.triggers, trig)
	r.mu.Unlock()
}

func (r *triggerRecorder) recorded() []Trigger {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Trigger(nil), r.triggers...)
}

func allowOnly(rooms ...id.RoomID) func(string) bool {
	return func(roomID string) bool {
		for _, r := range rooms {
			if string(r) == roomID {
				return true
			}
		}
		return false
	}
}

func newTestRouter(rec *triggerRecorder, rooms ...id.RoomID) *Router {
	return NewRouter([]string{"!cal", "!calendar"}, allowOnly(rooms...), testSelf, rec.handle, zerolog.Nop())
}

func TestRouter_MatchesExactTokens(t *testing.T) {
	tests := []struct {
		body string
		want bool
	}{
		{"!cal", true},
		{"!calendar", true},
		{"  !cal  ", true},
		{"!CAL", true},
		{"!Calendar", true},
		{"please run !cal", false},
		{"!cale", false},
		{"cal", false},
		{"", false},
	}

	for _, tt := range tests {
		rec := &triggerRecorder{}
		r := newTestRouter(rec, roomA)
		r.HandleEvent(context.Background(), textEvent(roomA, "@user:example.org", tt.body))
		r.Shutdown(time.Second)

		got := len(rec.recorded()) == 1
		if got != tt.want {
			t.Errorf("body %q: dispatched=%v, want %v", tt.body, got, tt.want)
		}
	}
}

func TestRouter_IgnoresDisallowedRoom(t *testing.T) {
	rec := &triggerRecorder{}
	r := newTestRouter(rec, roomA)

	r.HandleEvent(context.Background(), textEvent(roomB, "@user:example.org", "!cal"))
	r.Shutdown(time.Second)

	if n := len(rec.recorded()); n != 0 {
		t.Errorf("command from disallowed room dispatched %d times, want 0", n)
	}
}

func TestRouter_IgnoresOwnMessages(t *testing.T) {
	rec := &triggerRecorder{}
	r := newTestRouter(rec, roomA)

	r.HandleEvent(context.Background(), textEvent(roomA, testSelf, "!cal"))
	r.Shutdown(time.Second)

	if n := len(rec.recorded()); n != 0 {
		t.Errorf("own message dispatched %d times, want 0", n)
	}
}

func TestRouter_IgnoresNonTextMessages(t *testing.T) {
	rec := &triggerRecorder{}
	r := newTestRouter(rec, roomA)

	evt := &event.Event{
		RoomID: roomA,
		Sender: "@user:example.org",
		Content: event.Content{
			Parsed: &event.MessageEventContent{MsgType: event.MsgImage, Body: "!cal"},
		},
	}
	r.HandleEvent(context.Background(), evt)
	r.Shutdown(time.Second)

	if n := len(rec.recorded()); n != 0 {
		t.Errorf("image message dispatched %d times, want 0", n)
	}
}

func TestRouter_SameRoomSerializedInOrder(t *testing.T) {
	rec := &triggerRecorder{block: make(chan struct{})}
	r := newTestRouter(rec, roomA)

	// Two rapid commands: the second must queue behind the first.
	r.HandleEvent(context.Background(), textEvent(roomA, "@user:example.org", "!cal"))
	r.HandleEvent(context.Background(), textEvent(roomA, "@user:example.org", "!calendar"))

	if n := len(rec.recorded()); n != 0 {
		t.Fatalf("handler ran before unblocking, recorded %d", n)
	}

	close(rec.block)
	r.Shutdown(time.Second)

	got := rec.recorded()
	if len(got) != 2 {
		t.Fatalf("recorded %d triggers, want 2", len(got))
	}
	if got[0].Token != "!cal" || got[1].Token != "!calendar" {
		t.Errorf("triggers out of order: %s then %s", got[0].Token, got[1].Token)
	}
}

func TestRouter_DistinctRoomsRunConcurrently(t *testing.T) {
	block := make(chan struct{})
	var mu sync.Mutex
	var order []id.RoomID

	handle := func(_ context.Context, trig Trigger) {
		if trig.RoomID == roomA {
			<-block // room A stalls on its slow calendar server
		}
		mu.Lock()
		order = append(order, trig.RoomID)
		mu.Unlock()
	}

	r := NewRouter([]string{"!cal"}, allowOnly(roomA, roomB), testSelf, handle, zerolog.Nop())
	r.HandleEvent(context.Background(), textEvent(roomA, "@user:example.org", "!cal"))
	r.HandleEvent(context.Background(), textEvent(roomB, "@user:example.org", "!cal"))

	// Room B must complete while room A is still blocked.
	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		done := len(order) == 1 && order[0] == roomB
		mu.Unlock()
		if done {
			break
		}
		select {
		case <-deadline:
			t.Fatal("room B did not dispatch while room A was blocked")
		case <-time.After(5 * time.Millisecond):
		}
	}

	close(block)
	r.Shutdown(time.Second)
}

func TestRouter_QueueOverflowDropsNewest(t *testing.T) {
	rec := &triggerRecorder{block: make(chan struct{})}
	r := newTestRouter(rec, roomA)

	// One in flight plus queueDepth queued; everything beyond is dropped.
	for i := 0; i < queueDepth+5; i++ {
		r.HandleEvent(context.Background(), textEvent(roomA, "@user:example.org", "!cal"))
	}
	close(rec.block)
	r.Shutdown(2 * time.Second)

	got := len(rec.recorded())
	if got > queueDepth+1 {
		t.Errorf("dispatched %d triggers, want at most %d", got, queueDepth+1)
	}
	if got == 0 {
		t.Error("expected at least the in-flight trigger to run")
	}
}

func TestRouter_ShutdownStopsAccepting(t *testing.T) {
	rec := &triggerRecorder{}
	r := newTestRouter(rec, roomA)
	r.Shutdown(time.Second)

	r.HandleEvent(context.Background(), textEvent(roomA, "@user:example.org", "!cal"))

	if n := len(rec.recorded()); n != 0 {
		t.Errorf("trigger accepted after shutdown: %d", n)
	}
}
