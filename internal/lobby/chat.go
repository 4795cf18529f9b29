// internal/lobby/chat.go
package lobby

import (
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/jason-s-yu/matchmaking/internal/backend"
	"github.com/jason-s-yu/matchmaking/internal/events"
)

// ChatSocket is the peer socket every chat packet travels on.
const ChatSocket = "CHAT"

const chatChannel uint8 = 0

// pumpState is guarded by the orchestrator's mutex. gen changes on every start and stop, so a
// tick queued before a stop is recognized as stale.
type pumpState struct {
	gen      uint64
	ticker   *clock.Ticker
	stop     chan struct{}
	connNote backend.NotificationID
}

func (o *Orchestrator) startPumpUnsafe() {
	o.stopPumpUnsafe()

	o.pump.gen++
	gen := o.pump.gen
	ticker := o.clock.Ticker(o.pumpInterval)
	stop := make(chan struct{})
	o.pump.ticker = ticker
	o.pump.stop = stop
	o.pump.connNote = o.gw.AddNotify(backend.NotifyPeerConnectionRequest, func(n backend.Notification) {
		o.post(func() { o.onConnectionRequest(gen, n) })
	})

	go func() {
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				o.post(func() { o.pumpStep(gen) })
			}
		}
	}()
}

func (o *Orchestrator) stopPumpUnsafe() {
	o.pump.gen++
	if o.pump.ticker != nil {
		o.pump.ticker.Stop()
		close(o.pump.stop)
		o.pump.ticker = nil
		o.pump.stop = nil
	}
	if o.pump.connNote != backend.InvalidNotificationID {
		o.gw.RemoveNotify(o.pump.connNote)
		o.pump.connNote = backend.InvalidNotificationID
	}
}

func (o *Orchestrator) pumpLive(gen uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return !o.closed && o.phase == PhasePresent && o.pump.gen == gen
}

// Running reports whether the packet pump is active.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pump.ticker != nil
}

// pumpStep drains at most one inbound packet.
func (o *Orchestrator) pumpStep(gen uint64) {
	if !o.pumpLive(gen) {
		return
	}
	if _, ok := o.gw.NextPacketSize(); !ok {
		return
	}
	pkt, err := o.gw.ReceivePacket(backend.MaxPacketSize)
	if err != nil {
		o.logger.Warnf("chat: receive failed: %v", err)
		return
	}
	if pkt.SocketName != ChatSocket {
		o.logger.Debugf("chat: dropping packet on socket %q from %s", pkt.SocketName, pkt.From)
		return
	}

	text := strings.TrimRight(string(pkt.Data), "\x00")
	o.mu.Lock()
	sender := string(pkt.From)
	if m, ok := o.st.members[pkt.From]; ok {
		sender = m.Name()
	}
	id := o.st.lobbyID
	o.mu.Unlock()

	ev := events.New(events.ChatMessageReceived)
	ev.LobbyID = id
	ev.Player = string(pkt.From)
	ev.Sender = sender
	ev.Text = text
	o.emit(ev)
}

func (o *Orchestrator) onConnectionRequest(gen uint64, n backend.Notification) {
	if !o.pumpLive(gen) || n.SocketName != ChatSocket {
		return
	}
	if err := o.gw.AcceptConnection(n.TargetUser, n.SocketName); err != nil {
		o.logger.Warnf("chat: accepting connection from %s failed: %v", n.TargetUser, err)
		return
	}
	o.logger.Debugf("chat: accepted connection from %s", n.TargetUser)
}

// SendChatMessage sends text to every mirrored member except the local player. A failed send
// to one member does not stop the others.
func (o *Orchestrator) SendChatMessage(text string) error {
	if text == "" {
		return ErrEmptyMessage
	}
	data := []byte(text)
	if len(data) > backend.MaxPacketSize {
		return ErrMessageTooLong
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	if o.phase != PhasePresent {
		o.mu.Unlock()
		return ErrNotInLobby
	}
	recipients := make([]backend.PlayerHandle, 0, len(o.st.members))
	for p := range o.st.members {
		if p != o.identity.Player {
			recipients = append(recipients, p)
		}
	}
	o.mu.Unlock()

	for _, to := range recipients {
		err := o.gw.SendPacket(backend.OutboundPacket{
			To:          to,
			SocketName:  ChatSocket,
			Channel:     chatChannel,
			Reliability: backend.ReliableOrdered,
			Data:        data,
		})
		if err != nil {
			o.logger.Warnf("chat: send to %s failed: %v", to, err)
		}
	}
	return nil
}
