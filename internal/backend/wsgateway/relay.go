// internal/backend/wsgateway/relay.go
package wsgateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/jason-s-yu/matchmaking/internal/auth"
	"github.com/jason-s-yu/matchmaking/internal/backend"
	"github.com/jason-s-yu/matchmaking/internal/backend/memory"
	"github.com/jason-s-yu/matchmaking/internal/middleware"
	"github.com/jason-s-yu/matchmaking/internal/models"
	"github.com/sirupsen/logrus"
)

const (
	WSPath       = "/backend/ws"
	DevLoginPath = "/auth/dev-login"

	authCookie = "auth_token"
	outboxSize = 64
)

var relayNotifyKinds = []backend.NotificationKind{
	backend.NotifyLobbyUpdate,
	backend.NotifyMemberUpdate,
	backend.NotifyMemberStatus,
	backend.NotifyPeerConnectionRequest,
}

// Handler exposes a memory backend to remote players over websockets.
type Handler struct {
	svc    *memory.Service
	keys   *auth.Keys
	logger logrus.FieldLogger
}

func NewHandler(svc *memory.Service, keys *auth.Keys, logger logrus.FieldLogger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{svc: svc, keys: keys, logger: logger}
}

// Routes mounts the relay and dev login endpoints on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.Handle(WSPath, h)
	mux.HandleFunc(DevLoginPath, h.DevLogin)
}

func tokenFromRequest(r *http.Request) string {
	if v := r.Header.Get("Authorization"); strings.HasPrefix(v, "Bearer ") {
		return strings.TrimPrefix(v, "Bearer ")
	}
	if c, err := r.Cookie(authCookie); err == nil {
		return c.Value
	}
	return ""
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{Subprotocol},
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Warnf("websocket accept error: %v", err)
		return
	}
	defer c.Close(websocket.StatusInternalError, "relay finished")

	if c.Subprotocol() != Subprotocol {
		c.Close(BadSubprotocolError, "client must speak the matchmaking subprotocol")
		return
	}
	id, err := h.keys.VerifyIdentityToken(tokenFromRequest(r))
	if err != nil {
		h.logger.Warnf("relay authentication failed from %s: %v", r.RemoteAddr, err)
		c.Close(StatusInvalidToken, "invalid identity token")
		return
	}
	c.SetReadLimit(readLimit)

	player := string(id.Player)
	middleware.LogWebSocketConnect(h.logger, r, player)
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	rc := &relayConn{
		conn:    c,
		client:  h.svc.Client(id.Player),
		logger:  h.logger.WithField("player", player),
		out:     make(chan Frame, outboxSize),
		ctx:     ctx,
		handles: make(map[string]backend.SessionDetails),
	}
	rc.attach()
	go rc.writePump()
	err = rc.readPump()
	rc.detach()

	middleware.LogWebSocketDisconnect(h.logger, r, player, err)
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		c.Close(websocket.StatusNormalClosure, "")
	}
}

// DevLogin registers a fresh account and returns an identity token for it.
func (h *Handler) DevLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req DevLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	name := strings.TrimSpace(req.DisplayName)
	if name == "" {
		http.Error(w, "display_name is required", http.StatusBadRequest)
		return
	}

	player, account := h.svc.NewAccount(name)
	token, err := h.keys.IssueIdentityToken(models.LocalIdentity{Player: player, Account: account})
	if err != nil {
		h.logger.Errorf("dev login: issuing token failed: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	h.logger.WithField("player", player).Infof("dev login as %q", name)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(DevLoginResponse{Token: token, Player: player, ExternalAccount: account})
}

// relayConn serves one player. Backend callbacks arrive on the memory service's delivery
// goroutine and are queued to the write pump in that order.
type relayConn struct {
	conn   *websocket.Conn
	client *memory.Client
	logger logrus.FieldLogger
	out    chan Frame
	ctx    context.Context

	mu        sync.Mutex
	handles   map[string]backend.SessionDetails
	notifyIDs []backend.NotificationID
}

func (rc *relayConn) attach() {
	for _, kind := range relayNotifyKinds {
		rc.notifyIDs = append(rc.notifyIDs, rc.client.AddNotify(kind, rc.onNotification))
	}
	rc.client.SetPacketListener(rc.onPacket)
}

func (rc *relayConn) detach() {
	for _, id := range rc.notifyIDs {
		rc.client.RemoveNotify(id)
	}
	rc.client.SetPacketListener(nil)

	rc.mu.Lock()
	defer rc.mu.Unlock()
	for id, d := range rc.handles {
		d.Release()
		delete(rc.handles, id)
	}
}

func (rc *relayConn) send(f Frame) {
	select {
	case rc.out <- f:
	case <-rc.ctx.Done():
	}
}

func (rc *relayConn) writePump() {
	for {
		select {
		case <-rc.ctx.Done():
			return
		case f := <-rc.out:
			ctx, cancel := context.WithTimeout(rc.ctx, writeTimeout)
			err := wsjson.Write(ctx, rc.conn, f)
			cancel()
			if err != nil {
				rc.logger.Warnf("relay write failed: %v", err)
				return
			}
		}
	}
}

func (rc *relayConn) readPump() error {
	for {
		var f Frame
		if err := wsjson.Read(rc.ctx, rc.conn, &f); err != nil {
			return err
		}
		switch f.Type {
		case FrameRequest:
			rc.handleRequest(f)
		case FramePacket:
			rc.handlePacket(f)
		case FrameRelease:
			var p releasePayload
			if err := json.Unmarshal(f.Payload, &p); err == nil {
				rc.release(p.Handle)
			}
		default:
			rc.logger.Debugf("relay: ignoring %q frame", f.Type)
		}
	}
}

func (rc *relayConn) snapshot(lobbyID string) *backend.LobbySnapshot {
	if lobbyID == "" {
		return nil
	}
	d, err := rc.client.CopyLobbyDetails(lobbyID)
	if err != nil {
		return nil
	}
	defer d.Release()
	return backend.NewLobbySnapshot(d)
}

func (rc *relayConn) onNotification(n backend.Notification) {
	rc.send(Frame{Type: FrameNotify, Payload: encode(notifyPayload{Notification: n, Lobby: rc.snapshot(n.LobbyID)})})
}

func (rc *relayConn) onPacket(pkt backend.InboundPacket) {
	payload := packetPayload{Peer: pkt.From, SocketName: pkt.SocketName, Channel: pkt.Channel, Data: pkt.Data}
	rc.send(Frame{Type: FramePacket, Payload: encode(payload)})
}

func (rc *relayConn) handlePacket(f Frame) {
	var p packetPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		rc.logger.Warnf("relay: bad packet payload: %v", err)
		return
	}
	err := rc.client.SendPacket(backend.OutboundPacket{
		To:          p.Peer,
		SocketName:  p.SocketName,
		Channel:     p.Channel,
		Reliability: p.Reliability,
		Data:        p.Data,
	})
	if err != nil {
		rc.logger.Warnf("relay: packet to %s failed: %v", p.Peer, err)
	}
}

func (rc *relayConn) respond(req Frame, res backend.Result, payload any) {
	rc.send(Frame{Type: FrameResponse, Token: req.Token, Op: req.Op, Result: res, Payload: encode(payload)})
}

func (rc *relayConn) lobbyDone(req Frame) func(backend.LobbyCallbackInfo) {
	return func(info backend.LobbyCallbackInfo) {
		var snap *backend.LobbySnapshot
		if info.Result.OK() && req.Op != OpLeaveLobby && req.Op != OpDestroyLobby {
			snap = rc.snapshot(info.LobbyID)
		}
		rc.respond(req, info.Result, lobbyResponse{LobbyID: info.LobbyID, Lobby: snap})
	}
}

func (rc *relayConn) sessionDone(req Frame) func(backend.SessionCallbackInfo) {
	return func(info backend.SessionCallbackInfo) {
		rc.respond(req, info.Result, sessionResponse{SessionName: info.SessionName, SessionID: info.SessionID})
	}
}

var errBadRequest = errors.New("bad request payload")

func decodeRequest[T any](f Frame) (T, error) {
	var v T
	if err := json.Unmarshal(f.Payload, &v); err != nil {
		return v, errBadRequest
	}
	return v, nil
}

func (rc *relayConn) handleRequest(f Frame) {
	gw := rc.client
	var err error

	switch f.Op {
	case OpCreateLobby:
		var req createLobbyRequest
		if req, err = decodeRequest[createLobbyRequest](f); err == nil {
			gw.CreateLobby(req.Options, nil, rc.lobbyDone(f))
		}
	case OpJoinLobby:
		var req lobbyRequest
		if req, err = decodeRequest[lobbyRequest](f); err == nil {
			details := &backend.LobbySnapshot{LobbyInfo: backend.LobbyInfo{LobbyID: req.LobbyID}}
			gw.JoinLobby(details, nil, rc.lobbyDone(f))
		}
	case OpLeaveLobby:
		var req lobbyRequest
		if req, err = decodeRequest[lobbyRequest](f); err == nil {
			gw.LeaveLobby(req.LobbyID, nil, rc.lobbyDone(f))
		}
	case OpDestroyLobby:
		var req lobbyRequest
		if req, err = decodeRequest[lobbyRequest](f); err == nil {
			gw.DestroyLobby(req.LobbyID, nil, rc.lobbyDone(f))
		}
	case OpSearchLobbies:
		var req searchLobbiesRequest
		if req, err = decodeRequest[searchLobbiesRequest](f); err == nil {
			gw.SearchLobbies(req.Search, nil, func(info backend.LobbySearchCallbackInfo) {
				resp := lobbySearchResponse{Results: make([]*backend.LobbySnapshot, 0, len(info.Results))}
				for _, d := range info.Results {
					resp.Results = append(resp.Results, backend.NewLobbySnapshot(d))
					d.Release()
				}
				rc.respond(f, info.Result, resp)
			})
		}
	case OpSetLobbyAttribute:
		var req attributeRequest
		if req, err = decodeRequest[attributeRequest](f); err == nil {
			gw.SetLobbyAttribute(req.LobbyID, req.Attribute, nil, rc.lobbyDone(f))
		}
	case OpSetMemberAttribute:
		var req attributeRequest
		if req, err = decodeRequest[attributeRequest](f); err == nil {
			gw.SetMemberAttribute(req.LobbyID, req.Attribute, nil, rc.lobbyDone(f))
		}
	case OpCreateSession:
		var req createSessionRequest
		if req, err = decodeRequest[createSessionRequest](f); err == nil {
			gw.CreateSession(req.Options, nil, rc.sessionDone(f))
		}
	case OpSearchSessions:
		var req searchSessionsRequest
		if req, err = decodeRequest[searchSessionsRequest](f); err == nil {
			gw.SearchSessions(req.Search, nil, func(info backend.SessionSearchCallbackInfo) {
				resp := sessionSearchResponse{Results: make([]sessionEntry, 0, len(info.Results))}
				rc.mu.Lock()
				for _, d := range info.Results {
					id := uuid.NewString()
					rc.handles[id] = d
					resp.Results = append(resp.Results, sessionEntry{Handle: id, Info: d.Info()})
				}
				rc.mu.Unlock()
				rc.respond(f, info.Result, resp)
			})
		}
	case OpJoinSession:
		var req joinSessionRequest
		if req, err = decodeRequest[joinSessionRequest](f); err == nil {
			rc.mu.Lock()
			d, ok := rc.handles[req.Handle]
			rc.mu.Unlock()
			if !ok {
				rc.respond(f, backend.ResultInvalidParameters, sessionResponse{SessionName: req.SessionName})
				return
			}
			gw.JoinSession(d, req.SessionName, nil, rc.sessionDone(f))
		}
	case OpDestroySession:
		var req destroySessionRequest
		if req, err = decodeRequest[destroySessionRequest](f); err == nil {
			gw.DestroySession(req.SessionName, nil, rc.sessionDone(f))
		}
	case OpResolveExternalAccount:
		var req resolveAccountRequest
		if req, err = decodeRequest[resolveAccountRequest](f); err == nil {
			gw.ResolveExternalAccount(req.Target, nil, func(info backend.ExternalAccountCallbackInfo) {
				rc.respond(f, info.Result, accountResponse{Target: info.Target, Account: info.Account})
			})
		}
	case OpResolveDisplayName:
		var req resolveNameRequest
		if req, err = decodeRequest[resolveNameRequest](f); err == nil {
			gw.ResolveDisplayName(req.Account, nil, func(info backend.DisplayNameCallbackInfo) {
				rc.respond(f, info.Result, nameResponse{Account: info.Account, DisplayName: info.DisplayName})
			})
		}
	case OpAcceptConnection:
		var req acceptRequest
		if req, err = decodeRequest[acceptRequest](f); err == nil {
			res := backend.ResultOf(gw.AcceptConnection(req.Remote, req.SocketName))
			rc.respond(f, res, nil)
		}
	default:
		rc.logger.Warnf("relay: unknown op %q", f.Op)
		rc.respond(f, backend.ResultInvalidParameters, nil)
		return
	}

	if err != nil {
		rc.logger.Warnf("relay: %s: %v", f.Op, err)
		rc.respond(f, backend.ResultInvalidParameters, nil)
	}
}

func (rc *relayConn) release(handle string) {
	rc.mu.Lock()
	d, ok := rc.handles[handle]
	delete(rc.handles, handle)
	rc.mu.Unlock()
	if ok {
		d.Release()
	}
}
