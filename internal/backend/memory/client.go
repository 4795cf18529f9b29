// internal/backend/memory/client.go
package memory

import (
	"slices"
	"sync"

	"github.com/jason-s-yu/matchmaking/internal/backend"
)

type notifyReg struct {
	kind    backend.NotificationKind
	handler func(backend.Notification)
}

// Client is the backend.Gateway of one player against a Service.
type Client struct {
	svc    *Service
	player backend.PlayerHandle

	mu         sync.Mutex
	nextNotify backend.NotificationID
	notifies   map[backend.NotificationID]notifyReg
	inbox      []backend.InboundPacket
	accepted   map[string]bool
	requested  map[string]bool
	onPacket   func(backend.InboundPacket)
	sessions   map[string]string // local session name -> session id
}

var _ backend.Gateway = (*Client)(nil)

func newClient(svc *Service, player backend.PlayerHandle) *Client {
	return &Client{
		svc:       svc,
		player:    player,
		notifies:  make(map[backend.NotificationID]notifyReg),
		accepted:  make(map[string]bool),
		requested: make(map[string]bool),
		sessions:  make(map[string]string),
	}
}

// Player returns the handle this client acts as.
func (c *Client) Player() backend.PlayerHandle { return c.player }

func (c *Client) AddNotify(kind backend.NotificationKind, handler func(backend.Notification)) backend.NotificationID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextNotify++
	id := c.nextNotify
	c.notifies[id] = notifyReg{kind: kind, handler: handler}
	return id
}

func (c *Client) RemoveNotify(id backend.NotificationID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.notifies, id)
}

// ActiveNotifications reports registered handlers of the given kind.
func (c *Client) ActiveNotifications(kind backend.NotificationKind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, reg := range c.notifies {
		if reg.kind == kind {
			n++
		}
	}
	return n
}

// handlersUnsafe returns the handlers for kind in registration order. Assumes c.mu is held.
func (c *Client) handlersUnsafe(kind backend.NotificationKind) []func(backend.Notification) {
	ids := make([]backend.NotificationID, 0, len(c.notifies))
	for id, reg := range c.notifies {
		if reg.kind == kind {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	handlers := make([]func(backend.Notification), 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, c.notifies[id].handler)
	}
	return handlers
}

// notify schedules delivery of n to the handlers registered when delivery happens.
func (c *Client) notify(n backend.Notification) {
	c.svc.deliver(func() {
		c.mu.Lock()
		handlers := c.handlersUnsafe(n.Kind)
		c.mu.Unlock()
		for _, h := range handlers {
			h(n)
		}
	})
}
