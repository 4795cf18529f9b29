// internal/lobby/lobby.go
package lobby

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jason-s-yu/matchmaking/internal/backend"
	"github.com/jason-s-yu/matchmaking/internal/dispatch"
	"github.com/jason-s-yu/matchmaking/internal/events"
	"github.com/jason-s-yu/matchmaking/internal/identity"
	"github.com/jason-s-yu/matchmaking/internal/models"
	"github.com/sirupsen/logrus"
)

// Attribute keys shared by every member of a lobby.
const (
	ReadyKey          = "ready"
	SessionAddressKey = "session_address"
	LobbyNameKey      = "lobby_name"
	BucketKey         = "bucket"
)

const (
	DefaultPumpInterval = 100 * time.Millisecond
	DefaultSearchMax    = 50
	joinSearchMax       = 1
)

var (
	ErrAlreadyInLobby   = errors.New("already in a lobby")
	ErrOperationPending = errors.New("a lobby operation is already pending")
	ErrNotInLobby       = errors.New("not in a lobby")
	ErrEmptyLobbyID     = errors.New("lobby id is empty")
	ErrEmptyAddress     = errors.New("session address is empty")
	ErrNoIdentity       = errors.New("local identity is not set")
	ErrEmptyMessage     = errors.New("chat message is empty")
	ErrMessageTooLong   = errors.New("chat message exceeds packet size")
	ErrClosed           = errors.New("lobby orchestrator is closed")
)

// Phase is the lobby membership lifecycle state.
type Phase int

const (
	PhaseAbsent Phase = iota
	PhaseCreating
	PhaseJoining
	PhasePresent
	PhaseLeaving
	PhaseDestroying
)

func (p Phase) String() string {
	switch p {
	case PhaseAbsent:
		return "absent"
	case PhaseCreating:
		return "creating"
	case PhaseJoining:
		return "joining"
	case PhasePresent:
		return "present"
	case PhaseLeaving:
		return "leaving"
	case PhaseDestroying:
		return "destroying"
	}
	return "unknown"
}

// state mirrors the current lobby. lobbyID is non-empty exactly while phase is PhasePresent.
type state struct {
	lobbyID        string
	name           string
	ownerID        backend.PlayerHandle
	bucket         string
	maxPlayers     int
	members        map[backend.PlayerHandle]*models.MemberInfo
	sessionAddress string
	allReady       bool
}

type Options struct {
	Gateway  backend.Gateway
	Identity models.LocalIdentity
	Queue    *dispatch.Queue
	Bus      *events.Bus
	// Resolver is shared with other orchestrators; one is created when nil.
	Resolver *identity.Resolver
	Clock    clock.Clock
	Logger   logrus.FieldLogger

	PumpInterval time.Duration
	SearchMax    int
}

// Orchestrator owns the lobby lifecycle of the local player and mirrors its membership.
//
// Public methods may be called from any goroutine. Backend completions and push notifications
// are marshalled onto the dispatch queue, and events are only emitted from there.
type Orchestrator struct {
	gw       backend.Gateway
	identity models.LocalIdentity
	queue    *dispatch.Queue
	bus      *events.Bus
	resolver *identity.Resolver
	clock    clock.Clock
	logger   logrus.FieldLogger

	ownsResolver bool
	pumpInterval time.Duration
	searchMax    int

	mu               sync.Mutex
	phase            Phase
	st               state
	searchResults    []models.LobbySearchResult
	localDisplayName string
	subs             notifications
	pump             pumpState
	closed           bool
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Gateway == nil || opts.Queue == nil || opts.Bus == nil {
		return nil, errors.New("lobby: gateway, queue and bus are required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.PumpInterval <= 0 {
		opts.PumpInterval = DefaultPumpInterval
	}
	if opts.SearchMax <= 0 {
		opts.SearchMax = DefaultSearchMax
	}
	owns := false
	if opts.Resolver == nil {
		r, err := identity.NewResolver(opts.Gateway, opts.Queue, opts.Logger, 0)
		if err != nil {
			return nil, err
		}
		opts.Resolver = r
		owns = true
	}

	return &Orchestrator{
		gw:           opts.Gateway,
		identity:     opts.Identity,
		queue:        opts.Queue,
		bus:          opts.Bus,
		resolver:     opts.Resolver,
		clock:        opts.Clock,
		logger:       opts.Logger,
		ownsResolver: owns,
		pumpInterval: opts.PumpInterval,
		searchMax:    opts.SearchMax,
		subs:         notifications{gw: opts.Gateway},
	}, nil
}

// Close tears the orchestrator down. Completions arriving later are ignored and no further
// events are raised. It does not leave the lobby on the backend.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	o.stopPumpUnsafe()
	o.subs.unsubscribe()
	if o.ownsResolver {
		o.resolver.Close()
	}
	o.logger.Debugf("lobby orchestrator for %s closed", o.identity.Player)
}

// Phase returns the current lifecycle state.
func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// InLobby reports whether the local player is present in a lobby.
func (o *Orchestrator) InLobby() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase == PhasePresent
}

func (o *Orchestrator) LobbyID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.st.lobbyID
}

// SessionAddress returns the last observed session address attribute.
func (o *Orchestrator) SessionAddress() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.st.sessionAddress
}

// LocalDisplayName returns the local player's resolved name, empty until resolved.
func (o *Orchestrator) LocalDisplayName() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.localDisplayName
}

func (o *Orchestrator) Identity() models.LocalIdentity { return o.identity }

// Members returns a copy of the membership mirror.
func (o *Orchestrator) Members() map[backend.PlayerHandle]models.MemberInfo {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[backend.PlayerHandle]models.MemberInfo, len(o.st.members))
	for k, m := range o.st.members {
		out[k] = *m
	}
	return out
}

// MemberList returns the mirror sorted by player handle.
func (o *Orchestrator) MemberList() []models.MemberInfo {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]models.MemberInfo, 0, len(o.st.members))
	for _, m := range o.st.members {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Player < out[j].Player })
	return out
}

// SearchResults returns the results of the last completed search.
func (o *Orchestrator) SearchResults() []models.LobbySearchResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]models.LobbySearchResult(nil), o.searchResults...)
}

// AreAllReady is true when the mirror is non-empty and every member is ready.
func (o *Orchestrator) AreAllReady() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.areAllReadyUnsafe()
}

func (o *Orchestrator) areAllReadyUnsafe() bool {
	if len(o.st.members) == 0 {
		return false
	}
	for _, m := range o.st.members {
		if !m.IsReady {
			return false
		}
	}
	return true
}

// ReadyPlayerCount counts ready members in the mirror.
func (o *Orchestrator) ReadyPlayerCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, m := range o.st.members {
		if m.IsReady {
			n++
		}
	}
	return n
}

// IsOwner asks the backend whether the local player owns the current lobby.
// Any failure to read the lobby reports false.
func (o *Orchestrator) IsOwner() bool {
	o.mu.Lock()
	id := o.st.lobbyID
	present := o.phase == PhasePresent && !o.closed
	o.mu.Unlock()
	if !present {
		return false
	}

	details, err := o.gw.CopyLobbyDetails(id)
	if err != nil {
		o.logger.Debugf("lobby %s: owner check failed: %v", id, err)
		return false
	}
	defer details.Release()
	return details.Info().OwnerID == o.identity.Player
}

// enterUnsafe records a freshly created or joined lobby. Assumes o.mu is held.
func (o *Orchestrator) enterUnsafe(info backend.LobbyInfo, name string) {
	o.phase = PhasePresent
	o.st = state{
		lobbyID:    info.LobbyID,
		name:       name,
		ownerID:    info.OwnerID,
		bucket:     info.BucketID,
		maxPlayers: info.MaxMembers,
		members:    make(map[backend.PlayerHandle]*models.MemberInfo),
	}
	o.startPumpUnsafe()
	o.subs.subscribe(func(n backend.Notification) {
		o.post(func() { o.onNotification(n) })
	})
}

// exitUnsafe clears all lobby state and stops lobby-scoped tasks. Assumes o.mu is held.
func (o *Orchestrator) exitUnsafe() {
	o.stopPumpUnsafe()
	o.subs.unsubscribe()
	o.phase = PhaseAbsent
	o.st = state{}
}

// forceAbsent handles the backend no longer recognizing the local member.
func (o *Orchestrator) forceAbsent(lobbyID, reason string) {
	o.mu.Lock()
	if o.closed || o.phase != PhasePresent || o.st.lobbyID != lobbyID {
		o.mu.Unlock()
		return
	}
	o.exitUnsafe()
	o.mu.Unlock()

	o.logger.Warnf("lobby %s: no longer a member (%s), clearing local state", lobbyID, reason)
	ev := events.New(events.LobbyLeft)
	ev.LobbyID = lobbyID
	ev.Message = reason
	o.emit(ev)
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// emit raises ev unless the orchestrator has been torn down.
func (o *Orchestrator) emit(ev events.Event) {
	if o.isClosed() {
		return
	}
	o.bus.Emit(ev)
}

func (o *Orchestrator) emitError(lobbyID, message string) {
	ev := events.New(events.LobbyError)
	ev.LobbyID = lobbyID
	ev.Message = message
	o.emit(ev)
}

func (o *Orchestrator) post(fn func()) {
	if !o.queue.Post(fn) {
		o.logger.Debug("lobby: dispatch queue closed, dropping completion")
	}
}
