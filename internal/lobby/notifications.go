// internal/lobby/notifications.go
package lobby

import (
	"github.com/jason-s-yu/matchmaking/internal/backend"
)

var lobbyNotificationKinds = []backend.NotificationKind{
	backend.NotifyLobbyUpdate,
	backend.NotifyMemberUpdate,
	backend.NotifyMemberStatus,
}

// notifications tracks the push handlers registered while in a lobby. Guarded by the
// orchestrator's mutex.
type notifications struct {
	gw  backend.Gateway
	ids map[backend.NotificationKind]backend.NotificationID
}

// subscribe always removes existing handlers first, so repeated calls never double deliver.
func (n *notifications) subscribe(handle func(backend.Notification)) {
	n.unsubscribe()
	n.ids = make(map[backend.NotificationKind]backend.NotificationID, len(lobbyNotificationKinds))
	for _, kind := range lobbyNotificationKinds {
		n.ids[kind] = n.gw.AddNotify(kind, handle)
	}
}

func (n *notifications) unsubscribe() {
	for kind, id := range n.ids {
		if id != backend.InvalidNotificationID {
			n.gw.RemoveNotify(id)
		}
		delete(n.ids, kind)
	}
}

func (n *notifications) active() bool {
	return len(n.ids) > 0
}

// UnsubscribeNotifications stops lobby push handling while keeping the lobby state, for
// members that have moved on to a game session.
func (o *Orchestrator) UnsubscribeNotifications() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.subs.unsubscribe()
}

// Subscribed reports whether lobby push handlers are registered.
func (o *Orchestrator) Subscribed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.subs.active()
}
