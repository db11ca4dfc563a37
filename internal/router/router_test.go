package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localdesk/localdesk/internal/event"
	"github.com/localdesk/localdesk/pkg/types"
)

func newTestRouter(t *testing.T) (*Router, *event.Bus) {
	t.Helper()
	bus := event.NewBus()
	t.Cleanup(func() { bus.Close() })
	r := New(bus)
	t.Cleanup(r.Close)
	return r, bus
}

func recvEvent(t *testing.T, ch <-chan types.ServerEvent) types.ServerEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func assertNoEvent(t *testing.T, ch <-chan types.ServerEvent) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event delivered: %T", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStatusEventsReachEveryWindow(t *testing.T) {
	r, bus := newTestRouter(t)

	w1 := r.Attach("w1")
	w2 := r.Attach("w2")
	r.Subscribe("w1", "sess-a")
	// w2 subscribes to nothing.

	bus.PublishSync(types.SessionStatusEvent{SessionID: "sess-a", Status: types.SessionRunning})

	ev1 := recvEvent(t, w1).(types.SessionStatusEvent)
	ev2 := recvEvent(t, w2).(types.SessionStatusEvent)
	assert.Equal(t, types.SessionRunning, ev1.Status)
	assert.Equal(t, types.SessionRunning, ev2.Status)
}

func TestSessionAffiliatedEventsReachSubscribersOnly(t *testing.T) {
	r, bus := newTestRouter(t)

	w1 := r.Attach("w1")
	w2 := r.Attach("w2")
	r.Subscribe("w1", "sess-a")
	r.Subscribe("w2", "sess-b")

	msg := &types.Message{ID: "m1", SessionID: "sess-a", Kind: types.MessageAssistant, Content: "hi"}
	bus.PublishSync(types.StreamMessageEvent{SessionID: "sess-a", Message: msg})

	got := recvEvent(t, w1).(types.StreamMessageEvent)
	assert.Equal(t, "hi", got.Message.Content)
	assertNoEvent(t, w2)
}

func TestSessionAffiliatedEventWithZeroSubscribersIsDropped(t *testing.T) {
	r, bus := newTestRouter(t)

	w1 := r.Attach("w1")
	// No window subscribes to sess-x; publishing must neither deliver nor
	// panic.
	bus.PublishSync(types.StreamMessageEvent{
		SessionID: "sess-x",
		Message:   &types.Message{ID: "m1", SessionID: "sess-x"},
	})
	bus.PublishSync(types.PermissionRequestEvent{SessionID: "sess-x", ToolCallID: "tc1"})

	assertNoEvent(t, w1)
}

func TestGlobalEventsReachEveryWindow(t *testing.T) {
	r, bus := newTestRouter(t)

	w1 := r.Attach("w1")
	w2 := r.Attach("w2")
	r.Subscribe("w1", "sess-a")

	bus.PublishSync(types.TaskStatusEvent{TaskID: "t1", Status: types.TaskCompleted})

	assert.Equal(t, "t1", recvEvent(t, w1).(types.TaskStatusEvent).TaskID)
	assert.Equal(t, "t1", recvEvent(t, w2).(types.TaskStatusEvent).TaskID)
}

func TestRunnerErrorAffiliation(t *testing.T) {
	r, bus := newTestRouter(t)

	subscribed := r.Attach("w1")
	other := r.Attach("w2")
	r.Subscribe("w1", "sess-a")
	r.Subscribe("w2", "sess-b")

	// With a session id: subscribers only.
	bus.PublishSync(types.RunnerErrorEvent{SessionID: "sess-a", Error: "boom"})
	assert.Equal(t, "boom", recvEvent(t, subscribed).(types.RunnerErrorEvent).Error)
	assertNoEvent(t, other)

	// Without: broadcast.
	bus.PublishSync(types.RunnerErrorEvent{Error: "global boom"})
	recvEvent(t, subscribed)
	recvEvent(t, other)
}

func TestSubscribeSwitchesSession(t *testing.T) {
	r, bus := newTestRouter(t)

	w1 := r.Attach("w1")
	r.Subscribe("w1", "sess-a")

	// Subscribing to a new session implicitly unsubscribes the old one.
	r.Subscribe("w1", "sess-b")

	bus.PublishSync(types.StreamMessageEvent{
		SessionID: "sess-a",
		Message:   &types.Message{ID: "m1", SessionID: "sess-a"},
	})
	assertNoEvent(t, w1)

	bus.PublishSync(types.StreamMessageEvent{
		SessionID: "sess-b",
		Message:   &types.Message{ID: "m2", SessionID: "sess-b"},
	})
	got := recvEvent(t, w1).(types.StreamMessageEvent)
	assert.Equal(t, "m2", got.Message.ID)

	// Empty id unsubscribes entirely.
	r.Subscribe("w1", "")
	bus.PublishSync(types.StreamMessageEvent{
		SessionID: "sess-b",
		Message:   &types.Message{ID: "m3", SessionID: "sess-b"},
	})
	assertNoEvent(t, w1)
}

func TestDetachStopsDelivery(t *testing.T) {
	r, bus := newTestRouter(t)

	ch := r.Attach("w1")
	r.Detach("w1")

	// Channel is closed on detach.
	_, ok := <-ch
	require.False(t, ok)

	// Publishing after detach must not panic.
	bus.PublishSync(types.SessionListEvent{})
}

func TestSendTo(t *testing.T) {
	r, _ := newTestRouter(t)

	w1 := r.Attach("w1")
	r.Attach("w2")

	r.SendTo("w1", types.SessionHistoryEvent{SessionID: "sess-a"})
	got := recvEvent(t, w1).(types.SessionHistoryEvent)
	assert.Equal(t, "sess-a", got.SessionID)

	// Unknown window: dropped silently.
	r.SendTo("nope", types.SessionListEvent{})
}

func TestFullWindowDropsInsteadOfBlocking(t *testing.T) {
	r, bus := newTestRouter(t)

	r.Attach("w1") // never drained
	for i := 0; i < windowBuffer+10; i++ {
		bus.PublishSync(types.SessionListEvent{})
	}
	// Reaching here without deadlock is the assertion.
}
