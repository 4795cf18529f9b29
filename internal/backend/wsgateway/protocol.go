// internal/backend/wsgateway/protocol.go
package wsgateway

import (
	"encoding/json"

	"github.com/coder/websocket"
	"github.com/jason-s-yu/matchmaking/internal/backend"
)

// Subprotocol is the websocket subprotocol both ends must speak.
const Subprotocol = "matchmaking"

// StatusInvalidToken closes a relay connection whose identity token failed verification.
const StatusInvalidToken websocket.StatusCode = 4001

// BadSubprotocolError closes a connection that did not negotiate Subprotocol.
const BadSubprotocolError websocket.StatusCode = 3000

const (
	FrameRequest  = "request"
	FrameResponse = "response"
	FrameNotify   = "notify"
	FramePacket   = "packet"
	FrameRelease  = "release"
)

// Request ops.
const (
	OpCreateLobby            = "create_lobby"
	OpJoinLobby              = "join_lobby"
	OpLeaveLobby             = "leave_lobby"
	OpDestroyLobby           = "destroy_lobby"
	OpSearchLobbies          = "search_lobbies"
	OpSetLobbyAttribute      = "set_lobby_attribute"
	OpSetMemberAttribute     = "set_member_attribute"
	OpCreateSession          = "create_session"
	OpSearchSessions         = "search_sessions"
	OpJoinSession            = "join_session"
	OpDestroySession         = "destroy_session"
	OpResolveExternalAccount = "resolve_external_account"
	OpResolveDisplayName     = "resolve_display_name"
	OpAcceptConnection       = "accept_connection"
)

// Frame is the envelope of every websocket message.
type Frame struct {
	Type    string          `json:"type"`
	Token   string          `json:"token,omitempty"`
	Op      string          `json:"op,omitempty"`
	Result  backend.Result  `json:"result,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type createLobbyRequest struct {
	Options backend.CreateLobbyOptions `json:"options"`
}

type lobbyRequest struct {
	LobbyID string `json:"lobby_id"`
}

type searchLobbiesRequest struct {
	Search backend.LobbySearch `json:"search"`
}

type attributeRequest struct {
	LobbyID   string            `json:"lobby_id"`
	Attribute backend.Attribute `json:"attribute"`
}

type createSessionRequest struct {
	Options backend.CreateSessionOptions `json:"options"`
}

type searchSessionsRequest struct {
	Search backend.SessionSearch `json:"search"`
}

type joinSessionRequest struct {
	Handle      string `json:"handle"`
	SessionName string `json:"session_name"`
}

type destroySessionRequest struct {
	SessionName string `json:"session_name"`
}

type resolveAccountRequest struct {
	Target backend.PlayerHandle `json:"target"`
}

type resolveNameRequest struct {
	Account backend.ExternalAccountID `json:"account"`
}

type acceptRequest struct {
	Remote     backend.PlayerHandle `json:"remote"`
	SocketName string               `json:"socket_name"`
}

// lobbyResponse carries the lobby as the caller sees it after the operation, or no snapshot
// when the caller is not a member.
type lobbyResponse struct {
	LobbyID string                 `json:"lobby_id"`
	Lobby   *backend.LobbySnapshot `json:"lobby,omitempty"`
}

type lobbySearchResponse struct {
	Results []*backend.LobbySnapshot `json:"results"`
}

type sessionResponse struct {
	SessionName string `json:"session_name"`
	SessionID   string `json:"session_id"`
}

type sessionEntry struct {
	Handle string              `json:"handle"`
	Info   backend.SessionInfo `json:"info"`
}

type sessionSearchResponse struct {
	Results []sessionEntry `json:"results"`
}

type accountResponse struct {
	Target  backend.PlayerHandle      `json:"target"`
	Account backend.ExternalAccountID `json:"account"`
}

type nameResponse struct {
	Account     backend.ExternalAccountID `json:"account"`
	DisplayName string                    `json:"display_name"`
}

type notifyPayload struct {
	Notification backend.Notification   `json:"notification"`
	Lobby        *backend.LobbySnapshot `json:"lobby,omitempty"`
}

// packetPayload names the recipient on the way to the relay and the sender on the way back.
type packetPayload struct {
	Peer        backend.PlayerHandle `json:"peer"`
	SocketName  string               `json:"socket_name"`
	Channel     uint8                `json:"channel"`
	Reliability backend.Reliability  `json:"reliability"`
	Data        []byte               `json:"data"`
}

type releasePayload struct {
	Handle string `json:"handle"`
}

// DevLoginRequest is the body of POST /auth/dev-login.
type DevLoginRequest struct {
	DisplayName string `json:"display_name"`
}

type DevLoginResponse struct {
	Token           string                    `json:"token"`
	Player          backend.PlayerHandle      `json:"player"`
	ExternalAccount backend.ExternalAccountID `json:"external_account"`
}

func encode(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
