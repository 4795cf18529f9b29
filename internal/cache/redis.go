// internal/cache/redis.go
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jason-s-yu/matchmaking/internal/events"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// DefaultChannel is the pub/sub channel events are published on.
const DefaultChannel = "matchmaking:events"

const publishTimeout = 2 * time.Second

// Publisher is the part of a Redis client the sink needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Connect creates a Redis client and checks that the server answers.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return rdb, nil
}

// EventRecord is the JSON published for every event.
type EventRecord struct {
	Player string `json:"player"`
	events.Event
}

// EventSink forwards engine events to a Redis channel. Handle never blocks the caller; each
// publish runs on its own goroutine with a short timeout.
type EventSink struct {
	pub     Publisher
	channel string
	player  string
	logger  logrus.FieldLogger
	wg      sync.WaitGroup
}

func NewEventSink(pub Publisher, channel, player string, logger logrus.FieldLogger) *EventSink {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &EventSink{pub: pub, channel: channel, player: player, logger: logger}
}

// Handle is an events.Handler.
func (s *EventSink) Handle(ev events.Event) {
	data, err := json.Marshal(EventRecord{Player: s.player, Event: ev})
	if err != nil {
		s.logger.Warnf("event sink: failed to marshal %s: %v", ev.Type, err)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := s.pub.Publish(ctx, s.channel, data).Err(); err != nil {
			s.logger.Warnf("event sink: failed to publish %s to '%s': %v", ev.Type, s.channel, err)
		}
	}()
}

// Wait blocks until in-flight publishes finish.
func (s *EventSink) Wait() {
	s.wg.Wait()
}
