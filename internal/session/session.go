// internal/session/session.go
package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/jason-s-yu/matchmaking/internal/backend"
	"github.com/jason-s-yu/matchmaking/internal/dispatch"
	"github.com/jason-s-yu/matchmaking/internal/events"
	"github.com/jason-s-yu/matchmaking/internal/models"
	"github.com/sirupsen/logrus"
)

const (
	DefaultBucket      = "GameSession"
	DefaultSessionName = "MyGameSession"
	DefaultSearchMax   = 50
	joinSearchMax      = 1
)

var (
	ErrEmptySessionID = errors.New("session id is empty")
	ErrNoSession      = errors.New("no current session")
	ErrBadMaxPlayers  = errors.New("max players must be positive")
	ErrNoIdentity     = errors.New("local identity is not set")
	ErrClosed         = errors.New("session orchestrator is closed")
)

// Traveler moves the game's network layer to a joined session.
type Traveler interface {
	Travel(sessionID, address string) error
}

// TravelerFunc adapts a function to Traveler.
type TravelerFunc func(sessionID, address string) error

func (f TravelerFunc) Travel(sessionID, address string) error { return f(sessionID, address) }

type Options struct {
	Gateway  backend.Gateway
	Identity models.LocalIdentity
	Queue    *dispatch.Queue
	Bus      *events.Bus
	Logger   logrus.FieldLogger
	Traveler Traveler

	// Bucket is the discovery bucket every session is created in and searched by.
	Bucket      string
	SessionName string
	DefaultPort int
	// ForceLocal resolves every session to loopback.
	ForceLocal bool
	// HostAddress is recorded in sessions this process creates.
	HostAddress string
	SearchMax   int
}

// joinAttempt is the client data carried through a join's search and join calls.
type joinAttempt struct {
	id string
	// host is the address recorded in the session, read from the handle the join used.
	host string
}

// Orchestrator owns session discovery and joining for the local player.
//
// Session detail handles live in a cache keyed by session id until the next join attempt
// finishes; every exit path of a join releases the whole cache.
type Orchestrator struct {
	gw       backend.Gateway
	identity models.LocalIdentity
	queue    *dispatch.Queue
	bus      *events.Bus
	logger   logrus.FieldLogger
	traveler Traveler

	bucket      string
	sessionName string
	defaultPort int
	forceLocal  bool
	hostAddress string
	searchMax   int

	mu            sync.Mutex
	cache         map[string]backend.SessionDetails
	pendingJoinID string
	inFlight      *joinAttempt
	currentID     string
	currentName   string
	address       string
	closed        bool
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Gateway == nil || opts.Queue == nil || opts.Bus == nil {
		return nil, errors.New("session: gateway, queue and bus are required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Bucket == "" {
		opts.Bucket = DefaultBucket
	}
	if opts.SessionName == "" {
		opts.SessionName = DefaultSessionName
	}
	if opts.DefaultPort <= 0 {
		opts.DefaultPort = DefaultPort
	}
	if opts.SearchMax <= 0 {
		opts.SearchMax = DefaultSearchMax
	}
	o := &Orchestrator{
		gw:          opts.Gateway,
		identity:    opts.Identity,
		queue:       opts.Queue,
		bus:         opts.Bus,
		logger:      opts.Logger,
		traveler:    opts.Traveler,
		bucket:      opts.Bucket,
		sessionName: opts.SessionName,
		defaultPort: opts.DefaultPort,
		forceLocal:  opts.ForceLocal,
		hostAddress: opts.HostAddress,
		searchMax:   opts.SearchMax,
		cache:       make(map[string]backend.SessionDetails),
	}
	if o.traveler == nil {
		o.traveler = TravelerFunc(func(id, addr string) error {
			o.logger.Infof("session %s: travel to %s", id, addr)
			return nil
		})
	}
	return o, nil
}

// Close releases cached handles. Completions arriving later are ignored.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	released := o.detachUnsafe("")
	o.mu.Unlock()
	releaseAll(released)
}

// CurrentSessionID returns the pending join target when there is one, else the current session.
func (o *Orchestrator) CurrentSessionID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pendingJoinID != "" {
		return o.pendingJoinID
	}
	return o.currentID
}

// HostAddress returns the resolved address of the last joined session.
func (o *Orchestrator) HostAddress() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.address
}

// CachedDetails reports how many session detail handles are held.
func (o *Orchestrator) CachedDetails() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.cache)
}

// detachUnsafe removes every cached handle except keep and returns them. Callers release
// them after dropping o.mu, since a release may reach the network. Assumes o.mu is held.
func (o *Orchestrator) detachUnsafe(keep string) []backend.SessionDetails {
	var out []backend.SessionDetails
	for id, d := range o.cache {
		if id == keep {
			continue
		}
		out = append(out, d)
		delete(o.cache, id)
	}
	return out
}

// cacheUnsafe stores d under id and returns the handle it replaced, if any.
func (o *Orchestrator) cacheUnsafe(id string, d backend.SessionDetails) backend.SessionDetails {
	old, ok := o.cache[id]
	o.cache[id] = d
	if ok && old != d {
		return old
	}
	return nil
}

// inFlightIDUnsafe returns the id of the join whose handle is in use. Assumes o.mu is held.
func (o *Orchestrator) inFlightIDUnsafe() string {
	if o.inFlight == nil {
		return ""
	}
	return o.inFlight.id
}

func releaseAll(ds []backend.SessionDetails) {
	for _, d := range ds {
		if d != nil {
			d.Release()
		}
	}
}

func (o *Orchestrator) guard() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	if !o.identity.Valid() {
		return ErrNoIdentity
	}
	return nil
}

// CreateSession registers a new session in the discovery bucket. Failure is final for the
// attempt and reported as SessionError.
func (o *Orchestrator) CreateSession(name string, maxPlayers int) error {
	if err := o.guard(); err != nil {
		return err
	}
	if maxPlayers <= 0 {
		return ErrBadMaxPlayers
	}
	if name == "" {
		name = o.sessionName
	}

	opts := backend.CreateSessionOptions{
		SessionName: name,
		BucketID:    o.bucket,
		MaxPlayers:  maxPlayers,
		HostAddress: o.hostAddress,
	}
	o.logger.Infof("creating session %q in bucket %s (max %d)", name, o.bucket, maxPlayers)
	o.gw.CreateSession(opts, name, func(info backend.SessionCallbackInfo) {
		o.post(func() { o.onCreateSession(info) })
	})
	return nil
}

func (o *Orchestrator) onCreateSession(info backend.SessionCallbackInfo) {
	name, _ := info.ClientData.(string)
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	if !info.Result.OK() {
		o.mu.Unlock()
		o.logger.Errorf("create session %q failed: %s", name, info.Result)
		o.emitError(fmt.Sprintf("create session failed: %s", info.Result))
		return
	}
	o.currentID = info.SessionID
	o.currentName = name
	o.mu.Unlock()

	o.logger.Infof("session %s: created as %q", info.SessionID, name)
	ev := events.New(events.SessionCreated)
	ev.SessionID = info.SessionID
	o.emit(ev)
}

// DestroySession leaves or tears down the current session.
func (o *Orchestrator) DestroySession() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	if o.currentID == "" {
		o.mu.Unlock()
		return ErrNoSession
	}
	name := o.currentName
	o.mu.Unlock()

	o.gw.DestroySession(name, name, func(info backend.SessionCallbackInfo) {
		o.post(func() { o.onDestroySession(info) })
	})
	return nil
}

func (o *Orchestrator) onDestroySession(info backend.SessionCallbackInfo) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	if !info.Result.OK() {
		o.mu.Unlock()
		o.logger.Errorf("destroy session failed: %s", info.Result)
		o.emitError(fmt.Sprintf("destroy session failed: %s", info.Result))
		return
	}
	id := o.currentID
	o.currentID = ""
	o.currentName = ""
	o.address = ""
	o.mu.Unlock()

	o.logger.Infof("session %s: destroyed", id)
	ev := events.New(events.SessionDestroyed)
	ev.SessionID = id
	o.emit(ev)
}

// SearchSessions lists sessions in bucket, or in the configured bucket when empty. Found
// handles are cached for a following join.
func (o *Orchestrator) SearchSessions(bucket string) error {
	if err := o.guard(); err != nil {
		return err
	}
	if bucket == "" {
		bucket = o.bucket
	}
	search := backend.SessionSearch{BucketID: bucket, MaxResults: o.searchMax}
	o.gw.SearchSessions(search, bucket, func(info backend.SessionSearchCallbackInfo) {
		o.post(func() { o.onSearchSessions(info) })
	})
	return nil
}

func (o *Orchestrator) onSearchSessions(info backend.SessionSearchCallbackInfo) {
	o.mu.Lock()
	if o.closed || !info.Result.OK() {
		closed := o.closed
		o.mu.Unlock()
		for _, d := range info.Results {
			d.Release()
		}
		if !closed {
			o.logger.Errorf("session search failed: %s", info.Result)
			o.emitError(fmt.Sprintf("session search failed: %s", info.Result))
		}
		return
	}
	keep := o.inFlightIDUnsafe()
	released := o.detachUnsafe(keep)
	ids := make([]string, 0, len(info.Results))
	for _, d := range info.Results {
		id := d.Info().SessionID
		if id == keep {
			released = append(released, d)
		} else {
			released = append(released, o.cacheUnsafe(id, d))
		}
		ids = append(ids, id)
	}
	o.mu.Unlock()
	releaseAll(released)

	o.logger.Infof("session search in %q found %d sessions", info.ClientData, len(ids))
	ev := events.New(events.SessionsFound)
	ev.Sessions = ids
	o.emit(ev)
}

// JoinSessionByID joins id, using a cached detail handle when one exists and an exact id
// search otherwise. A repeated call for a join already in flight is a no-op; a call for a
// different id replaces the pending target.
func (o *Orchestrator) JoinSessionByID(id string) error {
	if id == "" {
		o.logger.Warn("join session rejected: empty id")
		return ErrEmptySessionID
	}
	if err := o.guard(); err != nil {
		return err
	}

	o.mu.Lock()
	if o.inFlightIDUnsafe() == id {
		o.mu.Unlock()
		o.logger.Debugf("session %s: join already in flight", id)
		return nil
	}
	if o.pendingJoinID != "" {
		o.logger.Infof("session %s: replacing pending join of %s", id, o.pendingJoinID)
	}
	attempt := &joinAttempt{id: id}
	o.pendingJoinID = id
	o.inFlight = attempt
	details, cached := o.cache[id]
	o.mu.Unlock()

	if cached {
		o.logger.Infof("session %s: joining with cached details", id)
		o.join(attempt, details)
		return nil
	}

	o.logger.Infof("session %s: looking up before join", id)
	search := backend.SessionSearch{SessionID: id, MaxResults: joinSearchMax}
	o.gw.SearchSessions(search, attempt, func(info backend.SessionSearchCallbackInfo) {
		o.post(func() { o.onJoinSearch(info) })
	})
	return nil
}

func (o *Orchestrator) join(attempt *joinAttempt, details backend.SessionDetails) {
	attempt.host = details.Info().HostAddress
	o.gw.JoinSession(details, o.sessionName, attempt, func(info backend.SessionCallbackInfo) {
		o.post(func() { o.onJoinSession(info) })
	})
}

func (o *Orchestrator) onJoinSearch(info backend.SessionSearchCallbackInfo) {
	attempt, _ := info.ClientData.(*joinAttempt)
	var details backend.SessionDetails
	for _, d := range info.Results {
		if details == nil && d.Info().SessionID == attempt.id {
			details = d
			continue
		}
		d.Release()
	}

	o.mu.Lock()
	if o.closed || o.inFlight != attempt {
		o.mu.Unlock()
		if details != nil {
			details.Release()
		}
		o.logger.Debugf("session %s: lookup result ignored", attempt.id)
		return
	}
	if !info.Result.OK() || details == nil {
		o.pendingJoinID = ""
		o.inFlight = nil
		released := append(o.detachUnsafe(""), details)
		o.mu.Unlock()
		releaseAll(released)
		reason := info.Result.String()
		if info.Result.OK() {
			reason = "no matching session"
		}
		o.logger.Errorf("session %s: lookup before join failed: %s", attempt.id, reason)
		o.emitError(fmt.Sprintf("join session failed: %s", reason))
		return
	}
	replaced := o.cacheUnsafe(attempt.id, details)
	o.mu.Unlock()
	releaseAll([]backend.SessionDetails{replaced})

	o.join(attempt, details)
}

// onJoinSession treats success and "already in this session" alike. Every outcome releases
// the detail cache, except the handle of a newer join that is still in flight.
func (o *Orchestrator) onJoinSession(info backend.SessionCallbackInfo) {
	attempt, _ := info.ClientData.(*joinAttempt)
	joined := info.Result.OK() || info.Result == backend.ResultSessionAlreadyExists

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	address := ResolveHostAddress(attempt.host, o.forceLocal, o.defaultPort)
	if o.inFlight == attempt {
		o.inFlight = nil
	}
	released := o.detachUnsafe(o.inFlightIDUnsafe())
	superseded := o.pendingJoinID != attempt.id
	if !superseded {
		o.pendingJoinID = ""
	}
	if joined && !superseded {
		o.currentID = attempt.id
		o.currentName = o.sessionName
		o.address = address
	}
	o.mu.Unlock()
	releaseAll(released)

	switch {
	case superseded:
		o.logger.Infof("session %s: join finished (%s) after being replaced", attempt.id, info.Result)
	case !joined:
		o.logger.Errorf("session %s: join failed: %s", attempt.id, info.Result)
		o.emitError(fmt.Sprintf("join session failed: %s", info.Result))
	default:
		if info.Result == backend.ResultSessionAlreadyExists {
			o.logger.Infof("session %s: already joined", attempt.id)
		}
		if err := o.traveler.Travel(attempt.id, address); err != nil {
			o.logger.Errorf("session %s: travel to %s failed: %v", attempt.id, address, err)
			o.emitError(fmt.Sprintf("travel to session failed: %v", err))
			return
		}
		o.logger.Infof("session %s: joined at %s", attempt.id, address)
		ev := events.New(events.SessionJoined)
		ev.SessionID = attempt.id
		ev.Address = address
		o.emit(ev)
	}
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func (o *Orchestrator) emit(ev events.Event) {
	if o.isClosed() {
		return
	}
	o.bus.Emit(ev)
}

func (o *Orchestrator) emitError(message string) {
	ev := events.New(events.SessionError)
	ev.Message = message
	o.emit(ev)
}

func (o *Orchestrator) post(fn func()) {
	if !o.queue.Post(fn) {
		o.logger.Debug("session: dispatch queue closed, dropping completion")
	}
}
