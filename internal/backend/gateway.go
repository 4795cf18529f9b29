// internal/backend/gateway.go
package backend

// Gateway is the asynchronous multiplayer backend as seen by one logged in player.
//
// Asynchronous calls return a correlation token immediately and invoke cb exactly once, on a
// goroutine owned by the implementation, with the supplied clientData echoed back. Callers must
// marshal the completion onto their own event context before touching state.
//
// CopyLobbyDetails and the packet calls are local cache reads and complete synchronously.
type Gateway interface {
	CreateLobby(opts CreateLobbyOptions, clientData any, cb func(LobbyCallbackInfo)) Token
	JoinLobby(details LobbyDetails, clientData any, cb func(LobbyCallbackInfo)) Token
	LeaveLobby(lobbyID string, clientData any, cb func(LobbyCallbackInfo)) Token
	DestroyLobby(lobbyID string, clientData any, cb func(LobbyCallbackInfo)) Token
	SearchLobbies(search LobbySearch, clientData any, cb func(LobbySearchCallbackInfo)) Token
	SetLobbyAttribute(lobbyID string, attr Attribute, clientData any, cb func(LobbyCallbackInfo)) Token
	SetMemberAttribute(lobbyID string, attr Attribute, clientData any, cb func(LobbyCallbackInfo)) Token

	// CopyLobbyDetails fails with ResultNotFound when the local player is not a member.
	CopyLobbyDetails(lobbyID string) (LobbyDetails, error)

	CreateSession(opts CreateSessionOptions, clientData any, cb func(SessionCallbackInfo)) Token
	SearchSessions(search SessionSearch, clientData any, cb func(SessionSearchCallbackInfo)) Token
	JoinSession(details SessionDetails, sessionName string, clientData any, cb func(SessionCallbackInfo)) Token
	DestroySession(sessionName string, clientData any, cb func(SessionCallbackInfo)) Token

	SendPacket(pkt OutboundPacket) error
	// NextPacketSize reports the size of the next queued inbound packet.
	NextPacketSize() (int, bool)
	ReceivePacket(maxBytes int) (InboundPacket, error)
	AcceptConnection(remote PlayerHandle, socketName string) error

	ResolveExternalAccount(target PlayerHandle, clientData any, cb func(ExternalAccountCallbackInfo)) Token
	ResolveDisplayName(account ExternalAccountID, clientData any, cb func(DisplayNameCallbackInfo)) Token

	AddNotify(kind NotificationKind, handler func(Notification)) NotificationID
	RemoveNotify(id NotificationID)
}
