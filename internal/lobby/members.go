// internal/lobby/members.go
package lobby

import (
	"fmt"

	"github.com/jason-s-yu/matchmaking/internal/backend"
	"github.com/jason-s-yu/matchmaking/internal/events"
	"github.com/jason-s-yu/matchmaking/internal/models"
)

// RefreshMembers schedules a rebuild of the membership mirror from the backend.
func (o *Orchestrator) RefreshMembers() {
	o.post(o.syncMembers)
}

// RefreshLobbyInfo schedules a re-read of lobby metadata and attributes.
func (o *Orchestrator) RefreshLobbyInfo() {
	o.post(o.syncLobbyInfo)
}

// CheckMembership schedules a probe that drops local state if the backend no longer lists
// the local player in the current lobby.
func (o *Orchestrator) CheckMembership() {
	o.post(func() {
		id, ok := o.presentLobby()
		if !ok {
			return
		}
		details, err := o.gw.CopyLobbyDetails(id)
		if err != nil {
			o.forceAbsent(id, err.Error())
			return
		}
		details.Release()
	})
}

func (o *Orchestrator) presentLobby() (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || o.phase != PhasePresent {
		return "", false
	}
	return o.st.lobbyID, true
}

// syncMembers rebuilds the mirror so its key set equals the backend member list. Display names
// already resolved are carried over. Runs on the dispatch queue.
func (o *Orchestrator) syncMembers() {
	id, ok := o.presentLobby()
	if !ok {
		return
	}
	details, err := o.gw.CopyLobbyDetails(id)
	if err != nil {
		o.forceAbsent(id, err.Error())
		return
	}
	defer details.Release()
	info := details.Info()

	o.mu.Lock()
	if o.closed || o.st.lobbyID != id {
		o.mu.Unlock()
		return
	}
	next := make(map[backend.PlayerHandle]*models.MemberInfo, len(details.Members()))
	var unresolved []backend.PlayerHandle
	for _, p := range details.Members() {
		m := &models.MemberInfo{Player: p, IsOwner: p == info.OwnerID}
		if prev, ok := o.st.members[p]; ok {
			m.DisplayName = prev.DisplayName
		}
		if m.DisplayName == "" {
			if name, ok := o.resolver.Cached(p); ok {
				m.DisplayName = name
			} else {
				unresolved = append(unresolved, p)
			}
		}
		if a, ok := backend.FindAttribute(details.MemberAttributes(p), ReadyKey); ok && a.Type == backend.AttributeBool {
			m.IsReady = a.AsBool
		}
		next[p] = m
	}
	o.st.members = next
	o.st.ownerID = info.OwnerID
	allReady := o.areAllReadyUnsafe()
	becameReady := allReady && !o.st.allReady
	o.st.allReady = allReady
	count := len(next)
	o.mu.Unlock()

	o.logger.Debugf("lobby %s: %d members mirrored", id, count)
	for _, p := range unresolved {
		o.resolver.Resolve(p, o)
	}

	ev := events.New(events.LobbyMembersChanged)
	ev.LobbyID = id
	o.emit(ev)
	if becameReady {
		o.logger.Infof("lobby %s: all %d players ready", id, count)
		ev := events.New(events.AllPlayersReady)
		ev.LobbyID = id
		o.emit(ev)
	}
}

// syncLobbyInfo re-reads lobby metadata and raises SessionAddressUpdated when the address
// attribute differs from the last one seen. Runs on the dispatch queue.
func (o *Orchestrator) syncLobbyInfo() {
	id, ok := o.presentLobby()
	if !ok {
		return
	}
	details, err := o.gw.CopyLobbyDetails(id)
	if err != nil {
		o.forceAbsent(id, err.Error())
		return
	}
	defer details.Release()
	info := details.Info()
	attrs := details.Attributes()

	o.mu.Lock()
	if o.closed || o.st.lobbyID != id {
		o.mu.Unlock()
		return
	}
	o.st.ownerID = info.OwnerID
	o.st.bucket = info.BucketID
	o.st.maxPlayers = info.MaxMembers
	if a, ok := backend.FindAttribute(attrs, LobbyNameKey); ok && a.AsString != "" {
		o.st.name = a.AsString
	}
	for _, m := range o.st.members {
		m.IsOwner = m.Player == info.OwnerID
	}
	var address string
	if a, ok := backend.FindAttribute(attrs, SessionAddressKey); ok {
		address = a.AsString
	}
	changed := address != "" && address != o.st.sessionAddress
	if changed {
		o.st.sessionAddress = address
	}
	o.mu.Unlock()

	if changed {
		o.logger.Infof("lobby %s: session address is now %s", id, address)
		ev := events.New(events.SessionAddressUpdated)
		ev.LobbyID = id
		ev.Address = address
		o.emit(ev)
	}
}

// SetReady writes the local member's ready attribute. The mirror changes only once the
// backend reports the update back.
func (o *Orchestrator) SetReady(ready bool) error {
	id, err := o.requirePresent()
	if err != nil {
		o.logger.Warnf("set ready rejected: %v", err)
		return err
	}
	attr := backend.BoolAttribute(ReadyKey, ready, backend.VisibilityPublic)
	o.gw.SetMemberAttribute(id, attr, id, func(info backend.LobbyCallbackInfo) {
		o.post(func() { o.onAttributeWritten("ready", info, nil) })
	})
	return nil
}

// SetSessionAddress publishes address as the lobby's session address. Only the owner may
// write lobby attributes; callers check IsOwner first.
func (o *Orchestrator) SetSessionAddress(address string) error {
	if address == "" {
		return ErrEmptyAddress
	}
	id, err := o.requirePresent()
	if err != nil {
		o.logger.Warnf("set session address rejected: %v", err)
		return err
	}
	attr := backend.StringAttribute(SessionAddressKey, address, backend.VisibilityPublic)
	o.gw.SetLobbyAttribute(id, attr, id, func(info backend.LobbyCallbackInfo) {
		o.post(func() { o.onAttributeWritten("session address", info, o.syncLobbyInfo) })
	})
	return nil
}

func (o *Orchestrator) requirePresent() (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return "", ErrClosed
	}
	if o.phase != PhasePresent {
		return "", ErrNotInLobby
	}
	return o.st.lobbyID, nil
}

// onAttributeWritten reports a failed write; timeouts are only logged and never retried.
func (o *Orchestrator) onAttributeWritten(what string, info backend.LobbyCallbackInfo, then func()) {
	if o.isClosed() {
		return
	}
	lobbyID, _ := info.ClientData.(string)
	switch {
	case info.Result.OK():
		o.logger.Debugf("lobby %s: %s written", lobbyID, what)
		if then != nil {
			then()
		}
	case info.Result == backend.ResultTimedOut:
		o.logger.Warnf("lobby %s: %s update timed out, not retrying", lobbyID, what)
	default:
		o.logger.Errorf("lobby %s: %s update failed: %s", lobbyID, what, info.Result)
		o.emitError(lobbyID, fmt.Sprintf("%s update failed: %s", what, info.Result))
	}
}

// ApplyDisplayName stores a resolved name in the mirror. Called by the identity resolver on
// the dispatch queue.
func (o *Orchestrator) ApplyDisplayName(player backend.PlayerHandle, name string) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	if player == o.identity.Player {
		o.localDisplayName = name
	}
	m, ok := o.st.members[player]
	if ok {
		m.DisplayName = name
	}
	id := o.st.lobbyID
	o.mu.Unlock()

	if !ok {
		return
	}
	ev := events.New(events.MemberDisplayNameResolved)
	ev.LobbyID = id
	ev.Player = string(player)
	ev.Name = name
	o.emit(ev)
}

// onNotification turns a push into a targeted refresh. Runs on the dispatch queue.
func (o *Orchestrator) onNotification(n backend.Notification) {
	id, ok := o.presentLobby()
	if !ok {
		return
	}
	if n.LobbyID != "" && n.LobbyID != id {
		o.logger.Debugf("lobby %s: ignoring %s for lobby %s", id, n.Kind, n.LobbyID)
		return
	}

	switch n.Kind {
	case backend.NotifyLobbyUpdate:
		o.syncLobbyInfo()
	case backend.NotifyMemberUpdate:
		o.syncMembers()
	case backend.NotifyMemberStatus:
		o.logger.Infof("lobby %s: member %s %s", id, n.TargetUser, n.Status)
		o.syncMembers()
		if n.Status == backend.MemberPromoted {
			o.syncLobbyInfo()
		}
	}
}
