package cache

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/jason-s-yu/matchmaking/internal/events"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockPublisher struct {
	mu       sync.Mutex
	channels []string
	messages [][]byte
	err      error
}

func (m *mockPublisher) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, channel)
	m.messages = append(m.messages, message.([]byte))

	cmd := redis.NewIntCmd(ctx, "publish", channel, message)
	if m.err != nil {
		cmd.SetErr(m.err)
	} else {
		cmd.SetVal(1)
	}
	return cmd
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestEventSinkPublishes(t *testing.T) {
	pub := &mockPublisher{}
	sink := NewEventSink(pub, "", "player-1", quietLogger())

	bus := events.NewBus(quietLogger())
	bus.Subscribe(sink.Handle)

	ev := events.New(events.LobbyCreated)
	ev.LobbyID = "lobby-1"
	bus.Emit(ev)
	bus.Emit(events.New(events.AllPlayersReady))
	sink.Wait()

	require.Len(t, pub.messages, 2)
	assert.Equal(t, []string{DefaultChannel, DefaultChannel}, pub.channels)

	var got map[string]any
	for _, raw := range pub.messages {
		require.NoError(t, json.Unmarshal(raw, &got))
		if got["type"] == string(events.LobbyCreated) {
			break
		}
	}
	assert.Equal(t, "player-1", got["player"])
	assert.Equal(t, "lobby-1", got["lobby_id"])
}

func TestEventSinkPublishErrorIsLogged(t *testing.T) {
	pub := &mockPublisher{err: errors.New("connection refused")}
	sink := NewEventSink(pub, "custom", "p", quietLogger())

	sink.Handle(events.New(events.SessionJoined))
	sink.Wait()
	assert.Equal(t, []string{"custom"}, pub.channels)
}
