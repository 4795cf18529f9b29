package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBusFansOutInOrder(t *testing.T) {
	bus := NewBus(nil)
	var order []string
	bus.Subscribe(func(ev Event) { order = append(order, "a:"+string(ev.Type)) })
	bus.Subscribe(func(ev Event) { order = append(order, "b:"+string(ev.Type)) })

	bus.Emit(New(LobbyCreated))
	bus.Emit(New(LobbyLeft))

	assert.Equal(t, []string{
		"a:lobby_created", "b:lobby_created",
		"a:lobby_left", "b:lobby_left",
	}, order)
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus(nil)
	count := 0
	unsub := bus.Subscribe(func(Event) { count++ })

	bus.Emit(New(LobbyMembersChanged))
	unsub()
	unsub()
	bus.Emit(New(LobbyMembersChanged))

	assert.Equal(t, 1, count)
}

func TestBusSubscriberMaySubscribeDuringEmit(t *testing.T) {
	bus := NewBus(nil)
	late := 0
	bus.Subscribe(func(Event) {
		bus.Subscribe(func(Event) { late++ })
	})

	bus.Emit(New(AllPlayersReady))
	assert.Equal(t, 0, late)
	bus.Emit(New(AllPlayersReady))
	assert.Equal(t, 1, late)
}
