// internal/backend/memory/service.go
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/jason-s-yu/matchmaking/internal/backend"
	"github.com/jason-s-yu/matchmaking/internal/dispatch"
	"github.com/sirupsen/logrus"
)

// Op names an asynchronous backend operation for failure injection and call counting.
type Op string

const (
	OpCreateLobby            Op = "create_lobby"
	OpJoinLobby              Op = "join_lobby"
	OpLeaveLobby             Op = "leave_lobby"
	OpDestroyLobby           Op = "destroy_lobby"
	OpSearchLobbies          Op = "search_lobbies"
	OpSetLobbyAttribute      Op = "set_lobby_attribute"
	OpSetMemberAttribute     Op = "set_member_attribute"
	OpCreateSession          Op = "create_session"
	OpSearchSessions         Op = "search_sessions"
	OpJoinSession            Op = "join_session"
	OpDestroySession         Op = "destroy_session"
	OpResolveExternalAccount Op = "resolve_external_account"
	OpResolveDisplayName     Op = "resolve_display_name"
)

type account struct {
	external    backend.ExternalAccountID
	displayName string
}

// Service is an in-process backend shared by any number of player clients. Completions and
// notifications are delivered asynchronously, in order, on a single delivery goroutine.
type Service struct {
	mu          sync.Mutex
	lobbies     map[string]*lobbyRecord
	lobbySeq    int
	sessions    map[string]*sessionRecord
	sessionSeq  int
	accounts    map[backend.PlayerHandle]account
	names       map[backend.ExternalAccountID]string
	clients     map[backend.PlayerHandle]*Client
	failures    map[Op][]backend.Result
	calls       map[Op]int
	openHandles int

	queue  *dispatch.Queue
	cancel context.CancelFunc

	pauseMu sync.Mutex
	paused  bool
	resume  *sync.Cond

	logger logrus.FieldLogger
}

// NewService starts a backend and its delivery goroutine. Call Close to stop it.
func NewService(logger logrus.FieldLogger) *Service {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Service{
		lobbies:  make(map[string]*lobbyRecord),
		sessions: make(map[string]*sessionRecord),
		accounts: make(map[backend.PlayerHandle]account),
		names:    make(map[backend.ExternalAccountID]string),
		clients:  make(map[backend.PlayerHandle]*Client),
		failures: make(map[Op][]backend.Result),
		calls:    make(map[Op]int),
		queue:    dispatch.NewQueue(),
		logger:   logger,
	}
	s.resume = sync.NewCond(&s.pauseMu)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.queue.Run(ctx)
	return s
}

// Close stops delivery. Completions not yet delivered are dropped.
func (s *Service) Close() {
	s.Resume()
	s.queue.Close()
	s.cancel()
}

// RegisterAccount links player to an external account with a display name.
func (s *Service) RegisterAccount(player backend.PlayerHandle, external backend.ExternalAccountID, displayName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[player] = account{external: external, displayName: displayName}
	if external != "" {
		s.names[external] = displayName
	}
}

// NewAccount registers a fresh player with a linked account and returns its handle.
func (s *Service) NewAccount(displayName string) (backend.PlayerHandle, backend.ExternalAccountID) {
	player := backend.PlayerHandle(uuid.NewString())
	external := backend.ExternalAccountID(uuid.NewString())
	s.RegisterAccount(player, external, displayName)
	return player, external
}

// Client returns the gateway for player, creating it on first use.
func (s *Service) Client(player backend.PlayerHandle) *Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[player]; ok {
		return c
	}
	c := newClient(s, player)
	s.clients[player] = c
	return c
}

// FailNext makes the next call of op complete with result instead of running.
func (s *Service) FailNext(op Op, result backend.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], result)
}

// Calls reports how many times op was invoked.
func (s *Service) Calls(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// OpenSessionHandles reports session detail handles handed out and not yet released.
func (s *Service) OpenSessionHandles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openHandles
}

// Pause holds back delivery of completions and notifications until Resume.
func (s *Service) Pause() {
	s.pauseMu.Lock()
	s.paused = true
	s.pauseMu.Unlock()
}

func (s *Service) Resume() {
	s.pauseMu.Lock()
	s.paused = false
	s.pauseMu.Unlock()
	s.resume.Broadcast()
}

func (s *Service) waitUnpaused() {
	s.pauseMu.Lock()
	for s.paused {
		s.resume.Wait()
	}
	s.pauseMu.Unlock()
}

// deliver schedules fn on the delivery goroutine.
func (s *Service) deliver(fn func()) {
	s.queue.Post(func() {
		s.waitUnpaused()
		fn()
	})
}

// beginUnsafe counts the call and pops an injected failure. Assumes s.mu is held.
func (s *Service) beginUnsafe(op Op) (backend.Result, bool) {
	s.calls[op]++
	queued := s.failures[op]
	if len(queued) == 0 {
		return backend.ResultSuccess, false
	}
	res := queued[0]
	s.failures[op] = queued[1:]
	return res, true
}

func (s *Service) clientUnsafe(player backend.PlayerHandle) *Client {
	return s.clients[player]
}

func newToken() backend.Token {
	return backend.Token(uuid.NewString())
}
