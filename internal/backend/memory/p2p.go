// internal/backend/memory/p2p.go
package memory

import (
	"github.com/jason-s-yu/matchmaking/internal/backend"
)

func peerKey(remote backend.PlayerHandle, socket string) string {
	return string(remote) + "/" + socket
}

// SetPacketListener switches the client from polled to pushed packet delivery.
// Pushed packets are delivered on the service's delivery goroutine.
func (c *Client) SetPacketListener(fn func(backend.InboundPacket)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPacket = fn
}

func (c *Client) SendPacket(pkt backend.OutboundPacket) error {
	if pkt.To == "" || pkt.SocketName == "" || pkt.To == c.player {
		return backend.ResultInvalidParameters.Err()
	}
	if len(pkt.Data) > backend.MaxPacketSize {
		return backend.ResultLimitExceeded.Err()
	}

	c.svc.mu.Lock()
	to := c.svc.clientUnsafe(pkt.To)
	c.svc.mu.Unlock()
	if to == nil {
		return backend.ResultNotFound.Err()
	}

	in := backend.InboundPacket{
		From:       c.player,
		SocketName: pkt.SocketName,
		Channel:    pkt.Channel,
		Data:       append([]byte(nil), pkt.Data...),
	}
	to.enqueuePacket(in)
	return nil
}

func (c *Client) enqueuePacket(in backend.InboundPacket) {
	key := peerKey(in.From, in.SocketName)

	c.mu.Lock()
	askAccept := !c.accepted[key] && !c.requested[key]
	if askAccept {
		c.requested[key] = true
	}
	listener := c.onPacket
	if listener == nil {
		c.inbox = append(c.inbox, in)
	}
	c.mu.Unlock()

	if askAccept {
		c.notify(backend.Notification{
			Kind:       backend.NotifyPeerConnectionRequest,
			TargetUser: in.From,
			SocketName: in.SocketName,
		})
	}
	if listener != nil {
		c.svc.deliver(func() { listener(in) })
	}
}

func (c *Client) NextPacketSize() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.inbox) == 0 {
		return 0, false
	}
	return len(c.inbox[0].Data), true
}

func (c *Client) ReceivePacket(maxBytes int) (backend.InboundPacket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.inbox) == 0 {
		return backend.InboundPacket{}, backend.ResultNotFound.Err()
	}
	if len(c.inbox[0].Data) > maxBytes {
		return backend.InboundPacket{}, backend.ResultLimitExceeded.Err()
	}
	pkt := c.inbox[0]
	c.inbox = c.inbox[1:]
	return pkt, nil
}

func (c *Client) AcceptConnection(remote backend.PlayerHandle, socketName string) error {
	if remote == "" || socketName == "" {
		return backend.ResultInvalidParameters.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accepted[peerKey(remote, socketName)] = true
	return nil
}

// Accepted reports whether the client accepted a connection from remote on socket.
func (c *Client) Accepted(remote backend.PlayerHandle, socketName string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accepted[peerKey(remote, socketName)]
}
