package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPublishDeliversToSubscribedTopic(t *testing.T) {
	h := NewHub(zap.NewNop())
	go h.Run()
	defer h.Stop()

	sub := h.Subscribe("deployment:1")
	defer sub.Close()

	// Subscribe is a synchronous send on h.register but the hub's loop must
	// still schedule it before Publish; give it a moment.
	time.Sleep(10 * time.Millisecond)

	h.Publish(Event{Type: EventDeploymentStatus, Topic: "deployment:1", Payload: "running"})

	select {
	case ev := <-sub.Recv():
		assert.Equal(t, "running", ev.Payload)
	case <-time.After(time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestPublishIgnoresUnsubscribedTopic(t *testing.T) {
	h := NewHub(zap.NewNop())
	go h.Run()
	defer h.Stop()

	sub := h.Subscribe("deployment:1")
	defer sub.Close()
	time.Sleep(10 * time.Millisecond)

	h.Publish(Event{Type: EventDeploymentStatus, Topic: "deployment:2", Payload: "running"})

	select {
	case ev := <-sub.Recv():
		t.Fatalf("unexpected event delivered: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCloseStopsDelivery(t *testing.T) {
	h := NewHub(zap.NewNop())
	go h.Run()
	defer h.Stop()

	sub := h.Subscribe("deployment:1")
	time.Sleep(10 * time.Millisecond)
	sub.Close()
	time.Sleep(10 * time.Millisecond)

	_, ok := <-sub.Recv()
	require.False(t, ok)
}
