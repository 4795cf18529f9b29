// internal/backend/memory/lobby.go
package memory

import (
	"sort"

	"github.com/google/uuid"
	"github.com/jason-s-yu/matchmaking/internal/backend"
)

const defaultSearchResults = 50

type lobbyRecord struct {
	seq         int
	id          string
	owner       backend.PlayerHandle
	bucket      string
	maxMembers  int
	permission  backend.Permission
	members     []backend.PlayerHandle
	attrs       map[string]backend.Attribute
	memberAttrs map[backend.PlayerHandle]map[string]backend.Attribute
}

func (l *lobbyRecord) hasMember(p backend.PlayerHandle) bool {
	for _, m := range l.members {
		if m == p {
			return true
		}
	}
	return false
}

func (l *lobbyRecord) removeMember(p backend.PlayerHandle) {
	for i, m := range l.members {
		if m == p {
			l.members = append(l.members[:i], l.members[i+1:]...)
			break
		}
	}
	delete(l.memberAttrs, p)
}

func (l *lobbyRecord) snapshot() *backend.LobbySnapshot {
	snap := &backend.LobbySnapshot{
		LobbyInfo: backend.LobbyInfo{
			LobbyID:        l.id,
			OwnerID:        l.owner,
			BucketID:       l.bucket,
			MaxMembers:     l.maxMembers,
			AvailableSlots: l.maxMembers - len(l.members),
			Permission:     l.permission,
		},
		MemberList:       append([]backend.PlayerHandle(nil), l.members...),
		MemberAttributeM: make(map[backend.PlayerHandle][]backend.Attribute),
	}
	snap.LobbyAttributes = sortedAttrs(l.attrs)
	for _, m := range l.members {
		snap.MemberAttributeM[m] = sortedAttrs(l.memberAttrs[m])
	}
	return snap
}

func sortedAttrs(m map[string]backend.Attribute) []backend.Attribute {
	out := make([]backend.Attribute, 0, len(m))
	for _, a := range m {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// notifyMembersUnsafe sends n to every current member except skip. Assumes s.mu is held.
func (s *Service) notifyMembersUnsafe(l *lobbyRecord, n backend.Notification, skip backend.PlayerHandle) {
	for _, m := range l.members {
		if m == skip {
			continue
		}
		if c := s.clientUnsafe(m); c != nil {
			c.notify(n)
		}
	}
}

func (c *Client) CreateLobby(opts backend.CreateLobbyOptions, clientData any, cb func(backend.LobbyCallbackInfo)) backend.Token {
	s := c.svc
	s.mu.Lock()
	defer s.mu.Unlock()

	info := backend.LobbyCallbackInfo{ClientData: clientData}
	if res, failed := s.beginUnsafe(OpCreateLobby); failed {
		info.Result = res
	} else if opts.MaxMembers <= 0 {
		info.Result = backend.ResultInvalidParameters
	} else {
		s.lobbySeq++
		l := &lobbyRecord{
			seq:         s.lobbySeq,
			id:          uuid.NewString(),
			owner:       c.player,
			bucket:      opts.BucketID,
			maxMembers:  opts.MaxMembers,
			permission:  opts.Permission,
			members:     []backend.PlayerHandle{c.player},
			attrs:       make(map[string]backend.Attribute),
			memberAttrs: map[backend.PlayerHandle]map[string]backend.Attribute{c.player: {}},
		}
		for _, a := range opts.Attributes {
			l.attrs[a.Key] = a
		}
		s.lobbies[l.id] = l
		info.LobbyID = l.id
		s.logger.Debugf("memory backend: lobby %s created by %s", l.id, c.player)
	}

	s.deliver(func() { cb(info) })
	return newToken()
}

func (c *Client) JoinLobby(details backend.LobbyDetails, clientData any, cb func(backend.LobbyCallbackInfo)) backend.Token {
	s := c.svc
	s.mu.Lock()
	defer s.mu.Unlock()

	info := backend.LobbyCallbackInfo{ClientData: clientData}
	if res, failed := s.beginUnsafe(OpJoinLobby); failed {
		info.Result = res
	} else if details == nil {
		info.Result = backend.ResultInvalidParameters
	} else {
		id := details.Info().LobbyID
		info.LobbyID = id
		l, ok := s.lobbies[id]
		switch {
		case !ok:
			info.Result = backend.ResultNotFound
		case l.hasMember(c.player):
		case len(l.members) >= l.maxMembers:
			info.Result = backend.ResultLimitExceeded
		default:
			l.members = append(l.members, c.player)
			l.memberAttrs[c.player] = make(map[string]backend.Attribute)
			s.notifyMembersUnsafe(l, backend.Notification{
				Kind:       backend.NotifyMemberStatus,
				LobbyID:    l.id,
				TargetUser: c.player,
				Status:     backend.MemberJoined,
			}, c.player)
		}
	}

	s.deliver(func() { cb(info) })
	return newToken()
}

func (c *Client) LeaveLobby(lobbyID string, clientData any, cb func(backend.LobbyCallbackInfo)) backend.Token {
	s := c.svc
	s.mu.Lock()
	defer s.mu.Unlock()

	info := backend.LobbyCallbackInfo{ClientData: clientData, LobbyID: lobbyID}
	if res, failed := s.beginUnsafe(OpLeaveLobby); failed {
		info.Result = res
	} else if l, ok := s.lobbies[lobbyID]; !ok || !l.hasMember(c.player) {
		info.Result = backend.ResultNotFound
	} else {
		s.removeFromLobbyUnsafe(l, c.player, backend.MemberLeft)
	}

	s.deliver(func() { cb(info) })
	return newToken()
}

// removeFromLobbyUnsafe drops player, migrates ownership and notifies the rest.
func (s *Service) removeFromLobbyUnsafe(l *lobbyRecord, player backend.PlayerHandle, status backend.MemberStatus) {
	l.removeMember(player)
	if len(l.members) == 0 {
		delete(s.lobbies, l.id)
		return
	}
	s.notifyMembersUnsafe(l, backend.Notification{
		Kind:       backend.NotifyMemberStatus,
		LobbyID:    l.id,
		TargetUser: player,
		Status:     status,
	}, "")
	if l.owner == player {
		l.owner = l.members[0]
		s.notifyMembersUnsafe(l, backend.Notification{
			Kind:       backend.NotifyMemberStatus,
			LobbyID:    l.id,
			TargetUser: l.owner,
			Status:     backend.MemberPromoted,
		}, "")
		s.notifyMembersUnsafe(l, backend.Notification{Kind: backend.NotifyLobbyUpdate, LobbyID: l.id}, "")
	}
}

func (c *Client) DestroyLobby(lobbyID string, clientData any, cb func(backend.LobbyCallbackInfo)) backend.Token {
	s := c.svc
	s.mu.Lock()
	defer s.mu.Unlock()

	info := backend.LobbyCallbackInfo{ClientData: clientData, LobbyID: lobbyID}
	l, ok := s.lobbies[lobbyID]
	if res, failed := s.beginUnsafe(OpDestroyLobby); failed {
		info.Result = res
	} else if !ok || !l.hasMember(c.player) {
		info.Result = backend.ResultNotFound
	} else if l.owner != c.player {
		info.Result = backend.ResultNotOwner
	} else {
		delete(s.lobbies, lobbyID)
		for _, m := range l.members {
			if m == c.player {
				continue
			}
			if mc := s.clientUnsafe(m); mc != nil {
				mc.notify(backend.Notification{
					Kind:       backend.NotifyMemberStatus,
					LobbyID:    lobbyID,
					TargetUser: m,
					Status:     backend.MemberClosed,
				})
			}
		}
	}

	s.deliver(func() { cb(info) })
	return newToken()
}

func (c *Client) SearchLobbies(search backend.LobbySearch, clientData any, cb func(backend.LobbySearchCallbackInfo)) backend.Token {
	s := c.svc
	s.mu.Lock()
	defer s.mu.Unlock()

	info := backend.LobbySearchCallbackInfo{ClientData: clientData}
	if res, failed := s.beginUnsafe(OpSearchLobbies); failed {
		info.Result = res
	} else {
		max := search.MaxResults
		if max <= 0 {
			max = defaultSearchResults
		}
		var matches []*lobbyRecord
		for _, l := range s.lobbies {
			if search.LobbyID != "" {
				if l.id == search.LobbyID {
					matches = append(matches, l)
				}
				continue
			}
			if l.permission != backend.PermissionPublic {
				continue
			}
			if search.BucketID != "" && l.bucket != search.BucketID {
				continue
			}
			matches = append(matches, l)
		}
		sort.Slice(matches, func(i, j int) bool { return matches[i].seq < matches[j].seq })
		if len(matches) > max {
			matches = matches[:max]
		}
		if search.LobbyID != "" && len(matches) == 0 {
			info.Result = backend.ResultNotFound
		}
		for _, l := range matches {
			info.Results = append(info.Results, l.snapshot())
		}
	}

	s.deliver(func() { cb(info) })
	return newToken()
}

func (c *Client) SetLobbyAttribute(lobbyID string, attr backend.Attribute, clientData any, cb func(backend.LobbyCallbackInfo)) backend.Token {
	s := c.svc
	s.mu.Lock()
	defer s.mu.Unlock()

	info := backend.LobbyCallbackInfo{ClientData: clientData, LobbyID: lobbyID}
	l, ok := s.lobbies[lobbyID]
	if res, failed := s.beginUnsafe(OpSetLobbyAttribute); failed {
		info.Result = res
	} else if !ok || !l.hasMember(c.player) {
		info.Result = backend.ResultNotFound
	} else if l.owner != c.player {
		info.Result = backend.ResultNotOwner
	} else if attr.Key == "" {
		info.Result = backend.ResultInvalidParameters
	} else {
		l.attrs[attr.Key] = attr
		s.notifyMembersUnsafe(l, backend.Notification{Kind: backend.NotifyLobbyUpdate, LobbyID: lobbyID}, "")
	}

	s.deliver(func() { cb(info) })
	return newToken()
}

func (c *Client) SetMemberAttribute(lobbyID string, attr backend.Attribute, clientData any, cb func(backend.LobbyCallbackInfo)) backend.Token {
	s := c.svc
	s.mu.Lock()
	defer s.mu.Unlock()

	info := backend.LobbyCallbackInfo{ClientData: clientData, LobbyID: lobbyID}
	l, ok := s.lobbies[lobbyID]
	if res, failed := s.beginUnsafe(OpSetMemberAttribute); failed {
		info.Result = res
	} else if !ok || !l.hasMember(c.player) {
		info.Result = backend.ResultNotFound
	} else if attr.Key == "" {
		info.Result = backend.ResultInvalidParameters
	} else {
		l.memberAttrs[c.player][attr.Key] = attr
		s.notifyMembersUnsafe(l, backend.Notification{
			Kind:       backend.NotifyMemberUpdate,
			LobbyID:    lobbyID,
			TargetUser: c.player,
		}, "")
	}

	s.deliver(func() { cb(info) })
	return newToken()
}

func (c *Client) CopyLobbyDetails(lobbyID string) (backend.LobbyDetails, error) {
	s := c.svc
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.lobbies[lobbyID]
	if !ok || !l.hasMember(c.player) {
		return nil, backend.ResultNotFound.Err()
	}
	return l.snapshot(), nil
}

// Kick removes player from the lobby as the backend would for a moderation action.
func (s *Service) Kick(lobbyID string, player backend.PlayerHandle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lobbies[lobbyID]
	if !ok || !l.hasMember(player) {
		return false
	}
	if c := s.clientUnsafe(player); c != nil {
		c.notify(backend.Notification{
			Kind:       backend.NotifyMemberStatus,
			LobbyID:    lobbyID,
			TargetUser: player,
			Status:     backend.MemberKicked,
		})
	}
	s.removeFromLobbyUnsafe(l, player, backend.MemberKicked)
	return true
}

// Renotify re-sends a push of the given kind to every member, as a flaky backend might.
func (s *Service) Renotify(lobbyID string, kind backend.NotificationKind, target backend.PlayerHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.lobbies[lobbyID]; ok {
		s.notifyMembersUnsafe(l, backend.Notification{Kind: kind, LobbyID: lobbyID, TargetUser: target}, "")
	}
}

// LobbyMembers returns the authoritative member list of a lobby.
func (s *Service) LobbyMembers(lobbyID string) []backend.PlayerHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.lobbies[lobbyID]; ok {
		return append([]backend.PlayerHandle(nil), l.members...)
	}
	return nil
}
