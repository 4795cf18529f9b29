// internal/matchmaking/coordinator.go
package matchmaking

import (
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jason-s-yu/matchmaking/internal/dispatch"
	"github.com/jason-s-yu/matchmaking/internal/events"
	"github.com/jason-s-yu/matchmaking/internal/lobby"
	"github.com/jason-s-yu/matchmaking/internal/session"
	"github.com/sirupsen/logrus"
)

const (
	DefaultJoinDelayMin = 500 * time.Millisecond
	DefaultJoinDelayMax = 2 * time.Second
)

type Options struct {
	Lobby   *lobby.Orchestrator
	Session *session.Orchestrator
	Queue   *dispatch.Queue
	Bus     *events.Bus
	Clock   clock.Clock
	Logger  logrus.FieldLogger

	// JoinDelayMin and JoinDelayMax bound the random delay a member waits before following a
	// published session address.
	JoinDelayMin time.Duration
	JoinDelayMax time.Duration
	// HostSessions makes the owner create the match session instead of joining an existing one.
	HostSessions bool
	// SessionName and SessionMaxPlayers are used when HostSessions is set.
	SessionName       string
	SessionMaxPlayers int
}

// Coordinator moves a lobby into a game session. The owner starts the match once everyone is
// ready and publishes the session id; the other members follow the published id after a short
// random delay.
//
// Every handler runs on the dispatch queue, either from the event bus or from a posted timer.
type Coordinator struct {
	lobby   *lobby.Orchestrator
	session *session.Orchestrator
	queue   *dispatch.Queue
	clock   clock.Clock
	logger  logrus.FieldLogger

	delayMin     time.Duration
	delayMax     time.Duration
	hostSessions bool
	sessionName  string
	maxPlayers   int

	mu             sync.Mutex
	unsubscribe    func()
	joinTimer      *clock.Timer
	joinGen        uint64
	startedFor     string
	awaitingSearch bool
	closed         bool
}

func New(opts Options) (*Coordinator, error) {
	if opts.Lobby == nil || opts.Session == nil || opts.Queue == nil || opts.Bus == nil {
		return nil, errors.New("matchmaking: lobby, session, queue and bus are required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.JoinDelayMin < 0 {
		opts.JoinDelayMin = 0
	}
	if opts.JoinDelayMin == 0 && opts.JoinDelayMax == 0 {
		opts.JoinDelayMin, opts.JoinDelayMax = DefaultJoinDelayMin, DefaultJoinDelayMax
	}
	if opts.JoinDelayMax < opts.JoinDelayMin {
		opts.JoinDelayMax = opts.JoinDelayMin
	}
	if opts.SessionMaxPlayers <= 0 {
		opts.SessionMaxPlayers = 4
	}

	c := &Coordinator{
		lobby:        opts.Lobby,
		session:      opts.Session,
		queue:        opts.Queue,
		clock:        opts.Clock,
		logger:       opts.Logger,
		delayMin:     opts.JoinDelayMin,
		delayMax:     opts.JoinDelayMax,
		hostSessions: opts.HostSessions,
		sessionName:  opts.SessionName,
		maxPlayers:   opts.SessionMaxPlayers,
	}
	c.unsubscribe = opts.Bus.Subscribe(c.handle)
	return c, nil
}

// Close cancels a scheduled join and closes both orchestrators.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.cancelJoinUnsafe()
	unsubscribe := c.unsubscribe
	c.mu.Unlock()

	unsubscribe()
	c.session.Close()
	c.lobby.Close()
}

// JoinScheduled reports whether a delayed session join is waiting to fire.
func (c *Coordinator) JoinScheduled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joinTimer != nil
}

func (c *Coordinator) handle(ev events.Event) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	switch ev.Type {
	case events.SessionAddressUpdated:
		c.onSessionAddress(ev.Address)
	case events.AllPlayersReady:
		c.onAllReady(ev.LobbyID)
	case events.SessionsFound:
		c.onSessionsFound(ev.Sessions)
	case events.SessionCreated:
		c.publish(ev.SessionID)
	case events.SessionJoined:
		c.onSessionJoined(ev.SessionID)
	case events.LobbyLeft, events.LobbyCreated, events.LobbyJoined:
		c.reset()
	}
}

func (c *Coordinator) onSessionAddress(address string) {
	if c.lobby.IsOwner() {
		return
	}
	if address == c.session.CurrentSessionID() {
		c.logger.Debugf("already headed to session %s", address)
		return
	}

	delay := c.jitter()
	c.mu.Lock()
	c.cancelJoinUnsafe()
	c.joinGen++
	gen := c.joinGen
	c.joinTimer = c.clock.AfterFunc(delay, func() {
		if !c.queue.Post(func() { c.fireJoin(gen, address) }) {
			c.logger.Debug("matchmaking: dispatch queue closed, dropping join")
		}
	})
	c.mu.Unlock()
	c.logger.Infof("joining session %s in %s", address, delay)
}

func (c *Coordinator) fireJoin(gen uint64, address string) {
	c.mu.Lock()
	if c.closed || gen != c.joinGen {
		c.mu.Unlock()
		return
	}
	c.joinTimer = nil
	c.mu.Unlock()

	if err := c.session.JoinSessionByID(address); err != nil {
		c.logger.Warnf("joining session %s failed: %v", address, err)
	}
}

func (c *Coordinator) onAllReady(lobbyID string) {
	if !c.lobby.IsOwner() {
		return
	}
	c.mu.Lock()
	if c.startedFor == lobbyID {
		c.mu.Unlock()
		return
	}
	c.startedFor = lobbyID
	c.awaitingSearch = !c.hostSessions
	c.mu.Unlock()

	if c.hostSessions {
		c.logger.Infof("lobby %s ready, creating session", lobbyID)
		if err := c.session.CreateSession(c.sessionName, c.maxPlayers); err != nil {
			c.logger.Warnf("creating session failed: %v", err)
		}
		return
	}
	c.logger.Infof("lobby %s ready, looking for a session", lobbyID)
	if err := c.session.SearchSessions(""); err != nil {
		c.mu.Lock()
		c.awaitingSearch = false
		c.mu.Unlock()
		c.logger.Warnf("session search failed: %v", err)
	}
}

func (c *Coordinator) onSessionsFound(ids []string) {
	c.mu.Lock()
	if !c.awaitingSearch {
		c.mu.Unlock()
		return
	}
	c.awaitingSearch = false
	c.mu.Unlock()

	if len(ids) == 0 {
		c.logger.Warn("no sessions available to start the match")
		return
	}
	if err := c.session.JoinSessionByID(ids[0]); err != nil {
		c.logger.Warnf("joining session %s failed: %v", ids[0], err)
	}
}

func (c *Coordinator) onSessionJoined(id string) {
	c.publish(id)
	c.lobby.UnsubscribeNotifications()
	c.logger.Infof("in session %s, stopped following lobby updates", id)
}

// publish writes id into the lobby when the local player owns it.
func (c *Coordinator) publish(id string) {
	if id == "" || !c.lobby.IsOwner() {
		return
	}
	if err := c.lobby.SetSessionAddress(id); err != nil {
		c.logger.Warnf("publishing session %s failed: %v", id, err)
	}
}

func (c *Coordinator) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelJoinUnsafe()
	c.startedFor = ""
	c.awaitingSearch = false
}

// cancelJoinUnsafe assumes c.mu is held.
func (c *Coordinator) cancelJoinUnsafe() {
	c.joinGen++
	if c.joinTimer != nil {
		c.joinTimer.Stop()
		c.joinTimer = nil
	}
}

func (c *Coordinator) jitter() time.Duration {
	span := c.delayMax - c.delayMin
	if span <= 0 {
		return c.delayMin
	}
	return c.delayMin + rand.N(span+1)
}
