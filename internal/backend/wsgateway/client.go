// internal/backend/wsgateway/client.go
package wsgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/jason-s-yu/matchmaking/internal/backend"
	"github.com/sirupsen/logrus"
)

const (
	writeTimeout = 5 * time.Second
	readLimit    = 1 << 20
)

type notifyReg struct {
	kind    backend.NotificationKind
	handler func(backend.Notification)
}

// Client is a backend.Gateway speaking to a relay over one websocket.
//
// Completions and notifications run on the client's read goroutine in the order the relay sent
// them. Lobby snapshots carried by responses and notifications are cached before any callback
// runs, which is what CopyLobbyDetails reads.
type Client struct {
	conn   *websocket.Conn
	logger logrus.FieldLogger
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	pending    map[string]func(Frame)
	lobbies    map[string]*backend.LobbySnapshot
	nextNotify backend.NotificationID
	notifies   map[backend.NotificationID]notifyReg
	inbox      []backend.InboundPacket
	closed     bool
	err        error
}

var _ backend.Gateway = (*Client)(nil)

// Dial connects to the relay at wsURL, authenticating with an identity token.
func Dial(ctx context.Context, wsURL, token string, logger logrus.FieldLogger) (*Client, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
		HTTPHeader:   http.Header{"Authorization": []string{"Bearer " + token}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dial relay %s: %w", wsURL, err)
	}
	conn.SetReadLimit(readLimit)

	cctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:     conn,
		logger:   logger,
		ctx:      cctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		pending:  make(map[string]func(Frame)),
		lobbies:  make(map[string]*backend.LobbySnapshot),
		notifies: make(map[backend.NotificationID]notifyReg),
	}
	go c.readLoop()
	return c, nil
}

// Close ends the connection. Calls still pending complete with ResultNoConnection.
func (c *Client) Close() error {
	err := c.conn.Close(websocket.StatusNormalClosure, "client closing")
	c.cancel()
	<-c.done
	return err
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		var f Frame
		if err := wsjson.Read(c.ctx, c.conn, &f); err != nil {
			c.shutdown(err)
			return
		}
		c.dispatch(f)
	}
}

func (c *Client) shutdown(err error) {
	c.mu.Lock()
	c.closed = true
	c.err = err
	pending := c.pending
	c.pending = make(map[string]func(Frame))
	c.lobbies = make(map[string]*backend.LobbySnapshot)
	c.mu.Unlock()

	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		c.logger.Debugf("relay connection closed: %v", err)
	default:
		if !errors.Is(err, context.Canceled) {
			c.logger.Warnf("relay connection lost: %v", err)
		}
	}
	for _, fn := range pending {
		fn(Frame{Type: FrameResponse, Result: backend.ResultNoConnection})
	}
}

func (c *Client) dispatch(f Frame) {
	switch f.Type {
	case FrameResponse:
		c.mu.Lock()
		fn, ok := c.pending[f.Token]
		delete(c.pending, f.Token)
		c.mu.Unlock()
		if !ok {
			c.logger.Debugf("relay: response for unknown token %s (%s)", f.Token, f.Op)
			return
		}
		fn(f)

	case FrameNotify:
		var p notifyPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			c.logger.Warnf("relay: bad notify payload: %v", err)
			return
		}
		n := p.Notification
		c.mu.Lock()
		if n.LobbyID != "" {
			if p.Lobby != nil {
				c.lobbies[n.LobbyID] = p.Lobby
			} else {
				delete(c.lobbies, n.LobbyID)
			}
		}
		// registration order
		ids := make([]backend.NotificationID, 0, len(c.notifies))
		for id, reg := range c.notifies {
			if reg.kind == n.Kind {
				ids = append(ids, id)
			}
		}
		slices.Sort(ids)
		handlers := make([]func(backend.Notification), 0, len(ids))
		for _, id := range ids {
			handlers = append(handlers, c.notifies[id].handler)
		}
		c.mu.Unlock()
		for _, h := range handlers {
			h(n)
		}

	case FramePacket:
		var p packetPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			c.logger.Warnf("relay: bad packet payload: %v", err)
			return
		}
		c.mu.Lock()
		c.inbox = append(c.inbox, backend.InboundPacket{
			From:       p.Peer,
			SocketName: p.SocketName,
			Channel:    p.Channel,
			Data:       p.Data,
		})
		c.mu.Unlock()

	default:
		c.logger.Debugf("relay: ignoring %q frame", f.Type)
	}
}

func (c *Client) write(f Frame) error {
	ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.conn, f)
}

// request sends op and arranges for complete to run with the decoded response payload. A
// request that cannot be sent completes with ResultNoConnection on a new goroutine.
func request[P any](c *Client, op string, body any, complete func(backend.Result, P)) backend.Token {
	token := uuid.NewString()
	fail := func(res backend.Result) {
		var zero P
		complete(res, zero)
	}
	handle := func(f Frame) {
		var p P
		if len(f.Payload) > 0 {
			if err := json.Unmarshal(f.Payload, &p); err != nil {
				c.logger.Warnf("relay: bad %s payload: %v", op, err)
				fail(backend.ResultUnexpected)
				return
			}
		}
		complete(f.Result, p)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		go fail(backend.ResultNoConnection)
		return backend.Token(token)
	}
	c.pending[token] = handle
	c.mu.Unlock()

	if err := c.write(Frame{Type: FrameRequest, Token: token, Op: op, Payload: encode(body)}); err != nil {
		c.mu.Lock()
		_, still := c.pending[token]
		delete(c.pending, token)
		c.mu.Unlock()
		c.logger.Warnf("relay: sending %s failed: %v", op, err)
		if still {
			go fail(backend.ResultNoConnection)
		}
	}
	return backend.Token(token)
}

// storeLobby records snap as the cached view of lobbyID, or drops the entry when snap is nil.
// Called on the read goroutine before the completion runs.
func (c *Client) storeLobby(lobbyID string, snap *backend.LobbySnapshot) {
	if lobbyID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if snap == nil {
		delete(c.lobbies, lobbyID)
		return
	}
	c.lobbies[lobbyID] = snap
}

// lobbyCall runs a lobby op. lobbyID is the lobby the request names, empty for create.
func (c *Client) lobbyCall(op, lobbyID string, body any, clientData any, cb func(backend.LobbyCallbackInfo)) backend.Token {
	return request(c, op, body, func(res backend.Result, p lobbyResponse) {
		if p.LobbyID == "" {
			p.LobbyID = lobbyID
		}
		switch {
		case res.OK() && (op == OpLeaveLobby || op == OpDestroyLobby):
			c.storeLobby(p.LobbyID, nil)
		case res.OK():
			c.storeLobby(p.LobbyID, p.Lobby)
		}
		cb(backend.LobbyCallbackInfo{Result: res, ClientData: clientData, LobbyID: p.LobbyID})
	})
}

func (c *Client) CreateLobby(opts backend.CreateLobbyOptions, clientData any, cb func(backend.LobbyCallbackInfo)) backend.Token {
	return c.lobbyCall(OpCreateLobby, "", createLobbyRequest{Options: opts}, clientData, cb)
}

func (c *Client) JoinLobby(details backend.LobbyDetails, clientData any, cb func(backend.LobbyCallbackInfo)) backend.Token {
	if details == nil {
		go cb(backend.LobbyCallbackInfo{Result: backend.ResultInvalidParameters, ClientData: clientData})
		return backend.Token(uuid.NewString())
	}
	id := details.Info().LobbyID
	return c.lobbyCall(OpJoinLobby, id, lobbyRequest{LobbyID: id}, clientData, cb)
}

func (c *Client) LeaveLobby(lobbyID string, clientData any, cb func(backend.LobbyCallbackInfo)) backend.Token {
	return c.lobbyCall(OpLeaveLobby, lobbyID, lobbyRequest{LobbyID: lobbyID}, clientData, cb)
}

func (c *Client) DestroyLobby(lobbyID string, clientData any, cb func(backend.LobbyCallbackInfo)) backend.Token {
	return c.lobbyCall(OpDestroyLobby, lobbyID, lobbyRequest{LobbyID: lobbyID}, clientData, cb)
}

func (c *Client) SearchLobbies(search backend.LobbySearch, clientData any, cb func(backend.LobbySearchCallbackInfo)) backend.Token {
	return request(c, OpSearchLobbies, searchLobbiesRequest{Search: search}, func(res backend.Result, p lobbySearchResponse) {
		info := backend.LobbySearchCallbackInfo{Result: res, ClientData: clientData}
		for _, snap := range p.Results {
			info.Results = append(info.Results, snap)
		}
		cb(info)
	})
}

func (c *Client) SetLobbyAttribute(lobbyID string, attr backend.Attribute, clientData any, cb func(backend.LobbyCallbackInfo)) backend.Token {
	return c.lobbyCall(OpSetLobbyAttribute, lobbyID, attributeRequest{LobbyID: lobbyID, Attribute: attr}, clientData, cb)
}

func (c *Client) SetMemberAttribute(lobbyID string, attr backend.Attribute, clientData any, cb func(backend.LobbyCallbackInfo)) backend.Token {
	return c.lobbyCall(OpSetMemberAttribute, lobbyID, attributeRequest{LobbyID: lobbyID, Attribute: attr}, clientData, cb)
}

func (c *Client) CopyLobbyDetails(lobbyID string) (backend.LobbyDetails, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap, ok := c.lobbies[lobbyID]
	if !ok {
		return nil, backend.ResultNotFound.Err()
	}
	return snap, nil
}

// sessionHandle names a session detail handle held by the relay until released.
type sessionHandle struct {
	c        *Client
	id       string
	info     backend.SessionInfo
	once     sync.Once
	released atomic.Bool
}

func (h *sessionHandle) Info() backend.SessionInfo { return h.info }

func (h *sessionHandle) Release() {
	h.once.Do(func() {
		h.released.Store(true)
		if err := h.c.write(Frame{Type: FrameRelease, Payload: encode(releasePayload{Handle: h.id})}); err != nil {
			h.c.logger.Debugf("relay: releasing session handle %s failed: %v", h.id, err)
		}
	})
}

func (c *Client) CreateSession(opts backend.CreateSessionOptions, clientData any, cb func(backend.SessionCallbackInfo)) backend.Token {
	return request(c, OpCreateSession, createSessionRequest{Options: opts}, func(res backend.Result, p sessionResponse) {
		cb(backend.SessionCallbackInfo{Result: res, ClientData: clientData, SessionName: opts.SessionName, SessionID: p.SessionID})
	})
}

func (c *Client) SearchSessions(search backend.SessionSearch, clientData any, cb func(backend.SessionSearchCallbackInfo)) backend.Token {
	return request(c, OpSearchSessions, searchSessionsRequest{Search: search}, func(res backend.Result, p sessionSearchResponse) {
		info := backend.SessionSearchCallbackInfo{Result: res, ClientData: clientData}
		for _, e := range p.Results {
			info.Results = append(info.Results, &sessionHandle{c: c, id: e.Handle, info: e.Info})
		}
		cb(info)
	})
}

func (c *Client) JoinSession(details backend.SessionDetails, sessionName string, clientData any, cb func(backend.SessionCallbackInfo)) backend.Token {
	h, ok := details.(*sessionHandle)
	if !ok || h.c != c || h.released.Load() {
		go cb(backend.SessionCallbackInfo{Result: backend.ResultInvalidParameters, ClientData: clientData, SessionName: sessionName})
		return backend.Token(uuid.NewString())
	}
	body := joinSessionRequest{Handle: h.id, SessionName: sessionName}
	return request(c, OpJoinSession, body, func(res backend.Result, p sessionResponse) {
		cb(backend.SessionCallbackInfo{Result: res, ClientData: clientData, SessionName: sessionName, SessionID: p.SessionID})
	})
}

func (c *Client) DestroySession(sessionName string, clientData any, cb func(backend.SessionCallbackInfo)) backend.Token {
	return request(c, OpDestroySession, destroySessionRequest{SessionName: sessionName}, func(res backend.Result, p sessionResponse) {
		cb(backend.SessionCallbackInfo{Result: res, ClientData: clientData, SessionName: sessionName, SessionID: p.SessionID})
	})
}

func (c *Client) SendPacket(pkt backend.OutboundPacket) error {
	if pkt.To == "" || pkt.SocketName == "" {
		return backend.ResultInvalidParameters.Err()
	}
	if len(pkt.Data) > backend.MaxPacketSize {
		return backend.ResultLimitExceeded.Err()
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return backend.ResultNoConnection.Err()
	}

	payload := packetPayload{
		Peer:        pkt.To,
		SocketName:  pkt.SocketName,
		Channel:     pkt.Channel,
		Reliability: pkt.Reliability,
		Data:        pkt.Data,
	}
	if err := c.write(Frame{Type: FramePacket, Payload: encode(payload)}); err != nil {
		return fmt.Errorf("%w: %v", backend.ResultNoConnection.Err(), err)
	}
	return nil
}

func (c *Client) NextPacketSize() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.inbox) == 0 {
		return 0, false
	}
	return len(c.inbox[0].Data), true
}

func (c *Client) ReceivePacket(maxBytes int) (backend.InboundPacket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.inbox) == 0 {
		return backend.InboundPacket{}, backend.ResultNotFound.Err()
	}
	if len(c.inbox[0].Data) > maxBytes {
		return backend.InboundPacket{}, backend.ResultLimitExceeded.Err()
	}
	pkt := c.inbox[0]
	c.inbox = c.inbox[1:]
	return pkt, nil
}

// AcceptConnection forwards the acceptance to the relay without waiting for it.
func (c *Client) AcceptConnection(remote backend.PlayerHandle, socketName string) error {
	if remote == "" || socketName == "" {
		return backend.ResultInvalidParameters.Err()
	}
	request(c, OpAcceptConnection, acceptRequest{Remote: remote, SocketName: socketName}, func(res backend.Result, _ struct{}) {
		if !res.OK() {
			c.logger.Warnf("relay: accepting %s on %s failed: %s", remote, socketName, res)
		}
	})
	return nil
}

func (c *Client) ResolveExternalAccount(target backend.PlayerHandle, clientData any, cb func(backend.ExternalAccountCallbackInfo)) backend.Token {
	return request(c, OpResolveExternalAccount, resolveAccountRequest{Target: target}, func(res backend.Result, p accountResponse) {
		cb(backend.ExternalAccountCallbackInfo{Result: res, ClientData: clientData, Target: target, Account: p.Account})
	})
}

func (c *Client) ResolveDisplayName(account backend.ExternalAccountID, clientData any, cb func(backend.DisplayNameCallbackInfo)) backend.Token {
	return request(c, OpResolveDisplayName, resolveNameRequest{Account: account}, func(res backend.Result, p nameResponse) {
		cb(backend.DisplayNameCallbackInfo{Result: res, ClientData: clientData, Account: account, DisplayName: p.DisplayName})
	})
}

func (c *Client) AddNotify(kind backend.NotificationKind, handler func(backend.Notification)) backend.NotificationID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextNotify++
	id := c.nextNotify
	c.notifies[id] = notifyReg{kind: kind, handler: handler}
	return id
}

func (c *Client) RemoveNotify(id backend.NotificationID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.notifies, id)
}

// HTTPBase turns a relay websocket URL into the base URL of its HTTP endpoints.
func HTTPBase(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", fmt.Errorf("invalid relay url %q: %w", wsURL, err)
	}
	switch u.Scheme {
	case "ws", "http":
		u.Scheme = "http"
	case "wss", "https":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("unsupported relay url scheme %q", u.Scheme)
	}
	u.Path, u.RawQuery, u.Fragment = "", "", ""
	return u.String(), nil
}

// DevLogin registers a throwaway account on the relay and returns its identity token.
func DevLogin(ctx context.Context, baseURL, displayName string) (DevLoginResponse, error) {
	body, err := json.Marshal(DevLoginRequest{DisplayName: displayName})
	if err != nil {
		return DevLoginResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+DevLoginPath, bytes.NewReader(body))
	if err != nil {
		return DevLoginResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return DevLoginResponse{}, fmt.Errorf("dev login failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return DevLoginResponse{}, fmt.Errorf("dev login failed: %s", resp.Status)
	}
	var out DevLoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return DevLoginResponse{}, fmt.Errorf("dev login: bad response: %w", err)
	}
	return out, nil
}
