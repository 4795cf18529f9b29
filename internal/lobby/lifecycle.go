// internal/lobby/lifecycle.go
package lobby

import (
	"fmt"

	"github.com/jason-s-yu/matchmaking/internal/backend"
	"github.com/jason-s-yu/matchmaking/internal/events"
	"github.com/jason-s-yu/matchmaking/internal/models"
)

// checkCanEnterUnsafe guards create and join. Assumes o.mu is held.
func (o *Orchestrator) checkCanEnterUnsafe() error {
	switch {
	case o.closed:
		return ErrClosed
	case !o.identity.Valid():
		return ErrNoIdentity
	case o.phase == PhasePresent:
		return ErrAlreadyInLobby
	case o.phase != PhaseAbsent:
		return ErrOperationPending
	}
	return nil
}

// CreateLobby asks the backend for a new lobby owned by the local player.
// Zero fields of settings take their defaults.
func (o *Orchestrator) CreateLobby(settings models.LobbySettings) error {
	settings = settings.WithDefaults()

	o.mu.Lock()
	if err := o.checkCanEnterUnsafe(); err != nil {
		o.mu.Unlock()
		o.logger.Warnf("create lobby rejected: %v", err)
		return err
	}
	o.phase = PhaseCreating
	o.mu.Unlock()

	perm := backend.PermissionPublic
	if settings.Private {
		perm = backend.PermissionInviteOnly
	}
	opts := backend.CreateLobbyOptions{
		MaxMembers:      settings.MaxPlayers,
		Permission:      perm,
		BucketID:        settings.Bucket,
		PresenceEnabled: true,
		AllowInvites:    true,
		Attributes: []backend.Attribute{
			backend.StringAttribute(LobbyNameKey, settings.Name, backend.VisibilityPublic),
			backend.StringAttribute(BucketKey, settings.Bucket, backend.VisibilityPublic),
		},
	}
	o.logger.Infof("creating lobby %q in bucket %s (max %d)", settings.Name, settings.Bucket, settings.MaxPlayers)
	o.gw.CreateLobby(opts, settings, func(info backend.LobbyCallbackInfo) {
		o.post(func() { o.onCreateLobby(info) })
	})
	return nil
}

func (o *Orchestrator) onCreateLobby(info backend.LobbyCallbackInfo) {
	settings, _ := info.ClientData.(models.LobbySettings)

	o.mu.Lock()
	if o.closed || o.phase != PhaseCreating {
		o.mu.Unlock()
		o.logger.Debugf("create lobby completion ignored in phase %s", o.Phase())
		return
	}
	if !info.Result.OK() {
		o.phase = PhaseAbsent
		o.mu.Unlock()
		o.logger.Errorf("create lobby failed: %s", info.Result)
		o.emitError("", fmt.Sprintf("create lobby failed: %s", info.Result))
		return
	}
	o.enterUnsafe(backend.LobbyInfo{
		LobbyID:    info.LobbyID,
		OwnerID:    o.identity.Player,
		BucketID:   settings.Bucket,
		MaxMembers: settings.MaxPlayers,
	}, settings.Name)
	o.mu.Unlock()

	o.logger.Infof("lobby %s: created", info.LobbyID)
	ev := events.New(events.LobbyCreated)
	ev.LobbyID = info.LobbyID
	o.emit(ev)

	o.syncLobbyInfo()
	o.syncMembers()
}

// JoinLobby resolves the lobby by exact id first, then joins with the resulting detail handle.
func (o *Orchestrator) JoinLobby(lobbyID string) error {
	if lobbyID == "" {
		o.logger.Warn("join lobby rejected: empty id")
		return ErrEmptyLobbyID
	}

	o.mu.Lock()
	if err := o.checkCanEnterUnsafe(); err != nil {
		o.mu.Unlock()
		o.logger.Warnf("join lobby %s rejected: %v", lobbyID, err)
		return err
	}
	o.phase = PhaseJoining
	o.mu.Unlock()

	o.logger.Infof("lobby %s: looking up before join", lobbyID)
	search := backend.LobbySearch{LobbyID: lobbyID, MaxResults: joinSearchMax}
	o.gw.SearchLobbies(search, lobbyID, func(info backend.LobbySearchCallbackInfo) {
		o.post(func() { o.onJoinSearch(info) })
	})
	return nil
}

func (o *Orchestrator) onJoinSearch(info backend.LobbySearchCallbackInfo) {
	lobbyID, _ := info.ClientData.(string)

	var details backend.LobbyDetails
	for i, d := range info.Results {
		if i == 0 {
			details = d
			continue
		}
		d.Release()
	}

	o.mu.Lock()
	if o.closed || o.phase != PhaseJoining {
		o.mu.Unlock()
		if details != nil {
			details.Release()
		}
		return
	}
	if !info.Result.OK() || details == nil {
		o.phase = PhaseAbsent
		o.mu.Unlock()
		if details != nil {
			details.Release()
		}
		reason := info.Result.String()
		if info.Result.OK() {
			reason = "no matching lobby"
		}
		o.logger.Errorf("lobby %s: lookup before join failed: %s", lobbyID, reason)
		o.emitError(lobbyID, fmt.Sprintf("join lobby failed: %s", reason))
		return
	}
	o.mu.Unlock()

	o.gw.JoinLobby(details, lobbyID, func(res backend.LobbyCallbackInfo) {
		o.post(func() { o.onJoinLobby(res, details) })
	})
}

func (o *Orchestrator) onJoinLobby(info backend.LobbyCallbackInfo, details backend.LobbyDetails) {
	defer details.Release()
	lobbyID, _ := info.ClientData.(string)

	o.mu.Lock()
	if o.closed || o.phase != PhaseJoining {
		o.mu.Unlock()
		return
	}
	if !info.Result.OK() {
		o.phase = PhaseAbsent
		o.mu.Unlock()
		o.logger.Errorf("lobby %s: join failed: %s", lobbyID, info.Result)
		o.emitError(lobbyID, fmt.Sprintf("join lobby failed: %s", info.Result))
		return
	}
	meta := details.Info()
	name := models.UnnamedLobby
	if a, ok := backend.FindAttribute(details.Attributes(), LobbyNameKey); ok && a.AsString != "" {
		name = a.AsString
	}
	o.enterUnsafe(meta, name)
	o.mu.Unlock()

	o.logger.Infof("lobby %s: joined", meta.LobbyID)
	ev := events.New(events.LobbyJoined)
	ev.LobbyID = meta.LobbyID
	o.emit(ev)

	o.syncLobbyInfo()
	o.syncMembers()
}

// LeaveLobby leaves the current lobby.
func (o *Orchestrator) LeaveLobby() error {
	return o.depart(PhaseLeaving)
}

// DestroyLobby closes the current lobby for every member. Only the owner may do this.
func (o *Orchestrator) DestroyLobby() error {
	return o.depart(PhaseDestroying)
}

func (o *Orchestrator) depart(next Phase) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	if o.phase != PhasePresent {
		phase := o.phase
		o.mu.Unlock()
		o.logger.Warnf("%s requested while %s, ignoring", next, phase)
		return ErrNotInLobby
	}
	o.phase = next
	id := o.st.lobbyID
	o.mu.Unlock()

	cb := func(info backend.LobbyCallbackInfo) {
		o.post(func() { o.onDepart(next, info) })
	}
	if next == PhaseDestroying {
		o.logger.Infof("lobby %s: destroying", id)
		o.gw.DestroyLobby(id, id, cb)
	} else {
		o.logger.Infof("lobby %s: leaving", id)
		o.gw.LeaveLobby(id, id, cb)
	}
	return nil
}

// onDepart clears local state once the backend confirms. A rejected leave or destroy leaves
// the member present with its pump and subscriptions running.
func (o *Orchestrator) onDepart(phase Phase, info backend.LobbyCallbackInfo) {
	lobbyID, _ := info.ClientData.(string)

	o.mu.Lock()
	if o.closed || o.phase != phase || o.st.lobbyID != lobbyID {
		o.mu.Unlock()
		return
	}
	if !info.Result.OK() {
		o.phase = PhasePresent
		o.mu.Unlock()
		o.logger.Errorf("lobby %s: %s failed: %s", lobbyID, phase, info.Result)
		o.emitError(lobbyID, fmt.Sprintf("%s lobby failed: %s", phase, info.Result))
		// pushes that arrived while departing were dropped
		o.RefreshMembers()
		o.RefreshLobbyInfo()
		return
	}
	o.exitUnsafe()
	o.mu.Unlock()

	o.logger.Infof("lobby %s: left", lobbyID)
	ev := events.New(events.LobbyLeft)
	ev.LobbyID = lobbyID
	o.emit(ev)
}

// SearchLobbies searches a bucket, or every public lobby when bucket is empty.
func (o *Orchestrator) SearchLobbies(bucket string) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	if !o.identity.Valid() {
		o.mu.Unlock()
		return ErrNoIdentity
	}
	o.searchResults = nil
	o.mu.Unlock()

	search := backend.LobbySearch{BucketID: bucket, MaxResults: o.searchMax}
	o.gw.SearchLobbies(search, bucket, func(info backend.LobbySearchCallbackInfo) {
		o.post(func() { o.onSearchLobbies(info) })
	})
	return nil
}

func (o *Orchestrator) onSearchLobbies(info backend.LobbySearchCallbackInfo) {
	results := make([]models.LobbySearchResult, 0, len(info.Results))
	for _, d := range info.Results {
		results = append(results, searchResultFrom(d))
		d.Release()
	}

	if o.isClosed() {
		return
	}
	if !info.Result.OK() {
		o.logger.Errorf("lobby search failed: %s", info.Result)
		o.emitError("", fmt.Sprintf("lobby search failed: %s", info.Result))
		return
	}

	o.mu.Lock()
	o.searchResults = results
	o.mu.Unlock()

	o.logger.Infof("lobby search in %q found %d lobbies", info.ClientData, len(results))
	ev := events.New(events.LobbiesFound)
	ev.Lobbies = results
	o.emit(ev)
}

func searchResultFrom(d backend.LobbyDetails) models.LobbySearchResult {
	info := d.Info()
	name := models.UnnamedLobby
	if a, ok := backend.FindAttribute(d.Attributes(), LobbyNameKey); ok && a.AsString != "" {
		name = a.AsString
	}
	return models.LobbySearchResult{
		LobbyID:        info.LobbyID,
		LobbyName:      name,
		OwnerID:        info.OwnerID,
		Bucket:         info.BucketID,
		CurrentPlayers: info.MaxMembers - info.AvailableSlots,
		MaxPlayers:     info.MaxMembers,
	}
}
