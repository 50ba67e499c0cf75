package reporting

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func event(id string, old, new SessionState) SessionEvent {
	return SessionEvent{
		SessionID: id,
		Name:      "pf-" + id,
		OldState:  old,
		NewState:  new,
		Time:      time.Now(),
	}
}

func TestPublishDeliversInOrder(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var got []SessionEvent
	sub := bus.Subscribe(nil, func(e SessionEvent) { got = append(got, e) })
	require.NotNil(t, sub)

	bus.Publish(event("a", StateRequested, StateValidating))
	bus.Publish(event("a", StateValidating, StateConnecting))
	bus.Publish(event("a", StateConnecting, StateConnected))

	require.Len(t, got, 3)
	assert.Equal(t, StateValidating, got[0].NewState)
	assert.Equal(t, StateConnecting, got[1].NewState)
	assert.Equal(t, StateConnected, got[2].NewState)
}

func TestFilterBySession(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var got []SessionEvent
	bus.Subscribe(FilterBySession("a"), func(e SessionEvent) { got = append(got, e) })

	bus.Publish(event("a", StateRequested, StateValidating))
	bus.Publish(event("b", StateRequested, StateValidating))

	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].SessionID)
}

func TestFilterByState(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var got []SessionEvent
	bus.Subscribe(FilterByState(StateError, StateStopped), func(e SessionEvent) { got = append(got, e) })

	bus.Publish(event("a", StateRequested, StateConnecting))
	bus.Publish(event("a", StateConnecting, StateError))
	bus.Publish(event("b", StateStopping, StateStopped))

	require.Len(t, got, 2)
	assert.Equal(t, StateError, got[0].NewState)
	assert.Equal(t, StateStopped, got[1].NewState)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	count := 0
	sub := bus.Subscribe(nil, func(SessionEvent) { count++ })

	bus.Publish(event("a", StateRequested, StateValidating))
	bus.Unsubscribe(sub)
	bus.Publish(event("a", StateValidating, StateConnecting))

	assert.Equal(t, 1, count)
}

func TestHandlerPanicIsContained(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	count := 0
	bus.Subscribe(nil, func(SessionEvent) { panic("boom") })
	bus.Subscribe(nil, func(SessionEvent) { count++ })

	assert.NotPanics(t, func() {
		bus.Publish(event("a", StateRequested, StateValidating))
	})
	assert.Equal(t, 1, count)
}

func TestClosedBusDropsEverything(t *testing.T) {
	bus := NewBus()

	count := 0
	bus.Subscribe(nil, func(SessionEvent) { count++ })
	bus.Close()

	bus.Publish(event("a", StateRequested, StateValidating))
	assert.Equal(t, 0, count)
	assert.Nil(t, bus.Subscribe(nil, func(SessionEvent) {}))
}

func TestErrorDetailError(t *testing.T) {
	e := &ErrorDetail{Kind: ErrKindPermissionDenied, Message: "pods \"nginx\" is forbidden"}
	assert.Equal(t, "PermissionDenied: pods \"nginx\" is forbidden", e.Error())

	bare := &ErrorDetail{Kind: ErrKindConnectingTimeout}
	assert.Equal(t, "ConnectingTimeout", bare.Error())
}

func TestTerminalStates(t *testing.T) {
	assert.True(t, StateStopped.Terminal())
	assert.True(t, StateError.Terminal())
	assert.False(t, StateConnected.Terminal())
	assert.False(t, StateStopping.Terminal())
}
