// internal/identity/resolver.go
package identity

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jason-s-yu/matchmaking/internal/backend"
	"github.com/jason-s-yu/matchmaking/internal/dispatch"
	"github.com/sirupsen/logrus"
)

// DefaultCacheSize bounds the number of remembered display names.
const DefaultCacheSize = 256

// Sink receives a resolved display name on the dispatch queue.
type Sink interface {
	ApplyDisplayName(player backend.PlayerHandle, name string)
}

// query travels through both backend hops as the opaque client data.
type query struct {
	player  backend.PlayerHandle
	owner   Sink
	account backend.ExternalAccountID
}

// Resolver maps player handles to display names in two hops: handle to linked external account,
// then external account to display name. At most one query per handle is in flight.
type Resolver struct {
	gw     backend.Gateway
	queue  *dispatch.Queue
	logger logrus.FieldLogger

	mu       sync.Mutex
	inFlight map[backend.PlayerHandle]*query
	cache    *lru.Cache[backend.PlayerHandle, string]
	closed   bool
}

func NewResolver(gw backend.Gateway, queue *dispatch.Queue, logger logrus.FieldLogger, cacheSize int) (*Resolver, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[backend.PlayerHandle, string](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Resolver{
		gw:       gw,
		queue:    queue,
		logger:   logger,
		inFlight: make(map[backend.PlayerHandle]*query),
		cache:    cache,
	}, nil
}

// Resolve starts a lookup for player and reports the name to owner when it arrives.
// A cached name is reported without a backend call. If a lookup for player is already
// running, owner replaces the previous recipient.
func (r *Resolver) Resolve(player backend.PlayerHandle, owner Sink) {
	if player == "" || owner == nil {
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if name, ok := r.cache.Get(player); ok {
		r.mu.Unlock()
		r.post(func() {
			if !r.isClosed() {
				owner.ApplyDisplayName(player, name)
			}
		})
		return
	}
	if q, ok := r.inFlight[player]; ok {
		q.owner = owner
		r.mu.Unlock()
		return
	}
	q := &query{player: player, owner: owner}
	r.inFlight[player] = q
	r.mu.Unlock()

	r.gw.ResolveExternalAccount(player, q, func(info backend.ExternalAccountCallbackInfo) {
		r.post(func() { r.onExternalAccount(info) })
	})
}

// Cached returns a previously resolved name.
func (r *Resolver) Cached(player backend.PlayerHandle) (string, bool) {
	return r.cache.Peek(player)
}

// Pending reports the number of lookups in flight.
func (r *Resolver) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inFlight)
}

// Close abandons every lookup in flight. Later completions are ignored.
func (r *Resolver) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.inFlight = make(map[backend.PlayerHandle]*query)
}

func (r *Resolver) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// claimUnsafe returns the query if it is still the live one for its handle. Assumes r.mu is held.
func (r *Resolver) claimUnsafe(data any) (*query, bool) {
	q, ok := data.(*query)
	if !ok || r.closed {
		return nil, false
	}
	if r.inFlight[q.player] != q {
		return nil, false
	}
	return q, true
}

func (r *Resolver) onExternalAccount(info backend.ExternalAccountCallbackInfo) {
	r.mu.Lock()
	q, ok := r.claimUnsafe(info.ClientData)
	if !ok {
		r.mu.Unlock()
		return
	}
	if !info.Result.OK() || info.Account == "" {
		delete(r.inFlight, q.player)
		r.mu.Unlock()
		r.logger.Debugf("identity: no linked account for %s (%s)", q.player, info.Result)
		return
	}
	q.account = info.Account
	r.mu.Unlock()

	r.gw.ResolveDisplayName(q.account, q, func(info backend.DisplayNameCallbackInfo) {
		r.post(func() { r.onDisplayName(info) })
	})
}

func (r *Resolver) onDisplayName(info backend.DisplayNameCallbackInfo) {
	r.mu.Lock()
	q, ok := r.claimUnsafe(info.ClientData)
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.inFlight, q.player)
	if !info.Result.OK() {
		r.mu.Unlock()
		r.logger.Warnf("identity: display name lookup for %s failed: %s", q.player, info.Result)
		return
	}
	r.cache.Add(q.player, info.DisplayName)
	owner := q.owner
	r.mu.Unlock()

	owner.ApplyDisplayName(q.player, info.DisplayName)
}

func (r *Resolver) post(fn func()) {
	if r.queue == nil {
		fn()
		return
	}
	r.queue.Post(fn)
}
