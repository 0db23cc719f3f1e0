package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"page-capture-llm/messages"
)

func TestSendDelivers(t *testing.T) {
	r := New()
	defer r.Shutdown()

	inbox := r.Register("popup", 4)
	r.Send(messages.Envelope{From: "orchestrator", To: "popup", Message: messages.ShowResult{Result: "hi"}})

	env := receive(t, inbox)
	assert.Equal(t, "orchestrator", env.From)
	res, ok := env.Message.(messages.ShowResult)
	require.True(t, ok)
	assert.Equal(t, "hi", res.Result)
}

func TestSendToAbsentContextIsNoOp(t *testing.T) {
	r := New()
	defer r.Shutdown()

	// Must not panic or block; the popup may have closed at any moment.
	r.Send(messages.Envelope{From: "orchestrator", To: "popup", Message: messages.HideProgress{}})
}

func TestSendToFullInboxDrops(t *testing.T) {
	r := New()
	defer r.Shutdown()

	inbox := r.Register("popup", 1)
	r.Send(messages.Envelope{From: "a", To: "popup", Message: messages.ShowProgress{}})

	done := make(chan struct{})
	go func() {
		r.Send(messages.Envelope{From: "a", To: "popup", Message: messages.ShowProgress{}})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("send blocked on a full inbox")
	}

	receive(t, inbox)
	select {
	case env := <-inbox:
		t.Fatalf("unexpected second delivery: %v", env.Message.Type())
	default:
	}
}

func TestBroadcastSkipsSender(t *testing.T) {
	r := New()
	defer r.Shutdown()

	orch := r.Register("orchestrator", 4)
	popup := r.Register("popup", 4)
	page := r.Register("page-1", 4)

	r.Send(messages.Envelope{From: "orchestrator", To: messages.Broadcast, Message: messages.ShowProgress{}})

	receive(t, popup)
	receive(t, page)
	select {
	case env := <-orch:
		t.Fatalf("broadcast echoed to sender: %v", env.Message.Type())
	default:
	}
}

func TestReRegisterReplacesInbox(t *testing.T) {
	r := New()
	defer r.Shutdown()

	old := r.Register("page-1", 4)
	fresh := r.Register("page-1", 4)

	_, ok := <-old
	assert.False(t, ok, "old inbox must be closed on re-register")

	r.Send(messages.Envelope{From: "orchestrator", To: "page-1", Message: messages.ShowProgress{}})
	receive(t, fresh)
}

func TestUnregisterStopsDelivery(t *testing.T) {
	r := New()
	defer r.Shutdown()

	inbox := r.Register("popup", 4)
	r.Unregister("popup")

	_, ok := <-inbox
	assert.False(t, ok)
	r.Send(messages.Envelope{From: "a", To: "popup", Message: messages.ShowProgress{}})
	assert.NotContains(t, r.Active(), "popup")
}

func TestPingRoundTrip(t *testing.T) {
	r := New()
	defer r.Shutdown()

	inbox := r.Register("orchestrator", 4)
	go func() {
		env := <-inbox
		if ping, ok := env.Message.(messages.Ping); ok {
			ping.Ack <- struct{}{}
		}
	}()

	assert.True(t, r.Ping(context.Background(), "popup", "orchestrator", time.Second))
	assert.False(t, r.Ping(context.Background(), "popup", "nobody", 50*time.Millisecond))
}

func TestPingReachesLateRegistrant(t *testing.T) {
	r := New()
	defer r.Shutdown()

	// The inbox appears only after the first probe was already dropped.
	go func() {
		time.Sleep(120 * time.Millisecond)
		inbox := r.Register("orchestrator", 4)
		env := <-inbox
		if ping, ok := env.Message.(messages.Ping); ok {
			ping.Ack <- struct{}{}
		}
	}()

	assert.True(t, r.Ping(context.Background(), "popup", "orchestrator", 2*time.Second))
}

func TestShutdownClosesEverything(t *testing.T) {
	r := New()
	inbox := r.Register("popup", 4)

	r.Shutdown()
	_, ok := <-inbox
	assert.False(t, ok)
	assert.Empty(t, r.Active())

	// Sends after shutdown are swallowed.
	r.Send(messages.Envelope{From: "a", To: "popup", Message: messages.ShowProgress{}})
	r.Shutdown()
}

func receive(t *testing.T, inbox <-chan messages.Envelope) messages.Envelope {
	t.Helper()
	select {
	case env := <-inbox:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("no message arrived")
		return messages.Envelope{}
	}
}
