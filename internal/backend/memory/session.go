// internal/backend/memory/session.go
package memory

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/jason-s-yu/matchmaking/internal/backend"
)

type sessionRecord struct {
	seq         int
	id          string
	owner       backend.PlayerHandle
	bucket      string
	hostAddress string
	maxPlayers  int
	players     map[backend.PlayerHandle]bool
}

func (r *sessionRecord) info() backend.SessionInfo {
	return backend.SessionInfo{
		SessionID:         r.id,
		BucketID:          r.bucket,
		HostAddress:       r.hostAddress,
		MaxPlayers:        r.maxPlayers,
		RegisteredPlayers: len(r.players),
	}
}

// sessionHandle is a detail handle counted against the service until released.
type sessionHandle struct {
	svc      *Service
	info     backend.SessionInfo
	once     sync.Once
	released bool
}

func (h *sessionHandle) Info() backend.SessionInfo { return h.info }

func (h *sessionHandle) Release() {
	h.once.Do(func() {
		h.svc.mu.Lock()
		h.svc.openHandles--
		h.released = true
		h.svc.mu.Unlock()
	})
}

func (s *Service) newSessionHandleUnsafe(r *sessionRecord) *sessionHandle {
	s.openHandles++
	return &sessionHandle{svc: s, info: r.info()}
}

// CreateSessionRecord registers a session directly, as a dedicated server would.
func (s *Service) CreateSessionRecord(bucket, hostAddress string, maxPlayers int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionSeq++
	r := &sessionRecord{
		seq:         s.sessionSeq,
		id:          uuid.NewString(),
		bucket:      bucket,
		hostAddress: hostAddress,
		maxPlayers:  maxPlayers,
		players:     make(map[backend.PlayerHandle]bool),
	}
	s.sessions[r.id] = r
	return r.id
}

// SessionPlayers reports the players registered in a session.
func (s *Service) SessionPlayers(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.sessions[sessionID]; ok {
		return len(r.players)
	}
	return 0
}

func (c *Client) CreateSession(opts backend.CreateSessionOptions, clientData any, cb func(backend.SessionCallbackInfo)) backend.Token {
	s := c.svc
	s.mu.Lock()
	c.mu.Lock()

	info := backend.SessionCallbackInfo{ClientData: clientData, SessionName: opts.SessionName}
	if res, failed := s.beginUnsafe(OpCreateSession); failed {
		info.Result = res
	} else if opts.SessionName == "" || opts.MaxPlayers <= 0 {
		info.Result = backend.ResultInvalidParameters
	} else if _, exists := c.sessions[opts.SessionName]; exists {
		info.Result = backend.ResultSessionAlreadyExists
	} else {
		s.sessionSeq++
		r := &sessionRecord{
			seq:         s.sessionSeq,
			id:          uuid.NewString(),
			owner:       c.player,
			bucket:      opts.BucketID,
			hostAddress: opts.HostAddress,
			maxPlayers:  opts.MaxPlayers,
			players:     make(map[backend.PlayerHandle]bool),
		}
		s.sessions[r.id] = r
		c.sessions[opts.SessionName] = r.id
		info.SessionID = r.id
	}
	c.mu.Unlock()
	s.mu.Unlock()

	s.deliver(func() { cb(info) })
	return newToken()
}

func (c *Client) SearchSessions(search backend.SessionSearch, clientData any, cb func(backend.SessionSearchCallbackInfo)) backend.Token {
	s := c.svc
	s.mu.Lock()
	defer s.mu.Unlock()

	info := backend.SessionSearchCallbackInfo{ClientData: clientData}
	if res, failed := s.beginUnsafe(OpSearchSessions); failed {
		info.Result = res
	} else {
		max := search.MaxResults
		if max <= 0 {
			max = defaultSearchResults
		}
		var matches []*sessionRecord
		for _, r := range s.sessions {
			if search.SessionID != "" {
				if r.id == search.SessionID {
					matches = append(matches, r)
				}
				continue
			}
			if search.BucketID != "" && r.bucket != search.BucketID {
				continue
			}
			matches = append(matches, r)
		}
		sort.Slice(matches, func(i, j int) bool { return matches[i].seq < matches[j].seq })
		if len(matches) > max {
			matches = matches[:max]
		}
		if search.SessionID != "" && len(matches) == 0 {
			info.Result = backend.ResultNotFound
		}
		for _, r := range matches {
			info.Results = append(info.Results, s.newSessionHandleUnsafe(r))
		}
	}

	s.deliver(func() { cb(info) })
	return newToken()
}

func (c *Client) JoinSession(details backend.SessionDetails, sessionName string, clientData any, cb func(backend.SessionCallbackInfo)) backend.Token {
	s := c.svc
	s.mu.Lock()
	c.mu.Lock()

	info := backend.SessionCallbackInfo{ClientData: clientData, SessionName: sessionName}
	h, isHandle := details.(*sessionHandle)
	if res, failed := s.beginUnsafe(OpJoinSession); failed {
		info.Result = res
	} else if !isHandle || h.svc != s || h.released || sessionName == "" {
		info.Result = backend.ResultInvalidParameters
	} else {
		info.SessionID = h.info.SessionID
		r, ok := s.sessions[h.info.SessionID]
		switch {
		case !ok:
			info.Result = backend.ResultNotFound
		case c.sessions[sessionName] == r.id || r.players[c.player]:
			info.Result = backend.ResultSessionAlreadyExists
		case len(r.players) >= r.maxPlayers:
			info.Result = backend.ResultLimitExceeded
		default:
			r.players[c.player] = true
			c.sessions[sessionName] = r.id
		}
	}
	c.mu.Unlock()
	s.mu.Unlock()

	s.deliver(func() { cb(info) })
	return newToken()
}

func (c *Client) DestroySession(sessionName string, clientData any, cb func(backend.SessionCallbackInfo)) backend.Token {
	s := c.svc
	s.mu.Lock()
	c.mu.Lock()

	info := backend.SessionCallbackInfo{ClientData: clientData, SessionName: sessionName}
	id, ok := c.sessions[sessionName]
	if res, failed := s.beginUnsafe(OpDestroySession); failed {
		info.Result = res
	} else if !ok {
		info.Result = backend.ResultNotFound
	} else {
		info.SessionID = id
		delete(c.sessions, sessionName)
		if r, exists := s.sessions[id]; exists {
			delete(r.players, c.player)
			if r.owner == c.player {
				delete(s.sessions, id)
			}
		}
	}
	c.mu.Unlock()
	s.mu.Unlock()

	s.deliver(func() { cb(info) })
	return newToken()
}
