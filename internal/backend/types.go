// internal/backend/types.go
package backend

// PlayerHandle is the backend-local identifier of a logged in player.
type PlayerHandle string

// ExternalAccountID is the handle of an account linked to a PlayerHandle.
type ExternalAccountID string

// Token correlates a request with its completion.
type Token string

// NotificationID identifies one registered push handler. Zero is never issued.
type NotificationID uint64

const InvalidNotificationID NotificationID = 0

// Permission controls who can find and join a lobby.
type Permission int

const (
	PermissionPublic Permission = iota
	PermissionJoinViaPresence
	PermissionInviteOnly
)

// Visibility scopes an attribute to members only or to searches as well.
type Visibility int

const (
	VisibilityPublic Visibility = iota
	VisibilityPrivate
)

type AttributeType int

const (
	AttributeString AttributeType = iota
	AttributeBool
)

// Attribute is one key/value pair on a lobby or a lobby member.
type Attribute struct {
	Key        string        `json:"key"`
	Type       AttributeType `json:"type"`
	AsString   string        `json:"as_string,omitempty"`
	AsBool     bool          `json:"as_bool,omitempty"`
	Visibility Visibility    `json:"visibility"`
}

func StringAttribute(key, value string, vis Visibility) Attribute {
	return Attribute{Key: key, Type: AttributeString, AsString: value, Visibility: vis}
}

func BoolAttribute(key string, value bool, vis Visibility) Attribute {
	return Attribute{Key: key, Type: AttributeBool, AsBool: value, Visibility: vis}
}

// FindAttribute returns the attribute with the given key.
func FindAttribute(attrs []Attribute, key string) (Attribute, bool) {
	for _, a := range attrs {
		if a.Key == key {
			return a, true
		}
	}
	return Attribute{}, false
}

// LobbyInfo is the metadata block of a lobby detail handle.
type LobbyInfo struct {
	LobbyID        string       `json:"lobby_id"`
	OwnerID        PlayerHandle `json:"owner_id"`
	BucketID       string       `json:"bucket_id"`
	MaxMembers     int          `json:"max_members"`
	AvailableSlots int          `json:"available_slots"`
	Permission     Permission   `json:"permission"`
}

// LobbyDetails is a detail handle for one lobby. The holder must call Release when done.
type LobbyDetails interface {
	Info() LobbyInfo
	Attributes() []Attribute
	Members() []PlayerHandle
	MemberAttributes(member PlayerHandle) []Attribute
	Release()
}

// SessionInfo is the metadata block of a session detail handle.
type SessionInfo struct {
	SessionID         string `json:"session_id"`
	BucketID          string `json:"bucket_id"`
	HostAddress       string `json:"host_address"`
	MaxPlayers        int    `json:"max_players"`
	RegisteredPlayers int    `json:"registered_players"`
}

// SessionDetails is a detail handle for one session. The holder must call Release when done.
type SessionDetails interface {
	Info() SessionInfo
	Release()
}

type CreateLobbyOptions struct {
	MaxMembers      int
	Permission      Permission
	BucketID        string
	PresenceEnabled bool
	AllowInvites    bool
	Attributes      []Attribute
}

// LobbySearch filters by exact lobby id when LobbyID is set, by bucket otherwise.
type LobbySearch struct {
	LobbyID    string
	BucketID   string
	MaxResults int
}

type CreateSessionOptions struct {
	SessionName string
	BucketID    string
	MaxPlayers  int
	HostAddress string
}

// SessionSearch filters by exact session id when SessionID is set, by bucket otherwise.
type SessionSearch struct {
	SessionID  string
	BucketID   string
	MaxResults int
}

type LobbyCallbackInfo struct {
	Result     Result
	ClientData any
	LobbyID    string
}

type LobbySearchCallbackInfo struct {
	Result     Result
	ClientData any
	Results    []LobbyDetails
}

type SessionCallbackInfo struct {
	Result      Result
	ClientData  any
	SessionName string
	SessionID   string
}

type SessionSearchCallbackInfo struct {
	Result     Result
	ClientData any
	Results    []SessionDetails
}

type ExternalAccountCallbackInfo struct {
	Result     Result
	ClientData any
	Target     PlayerHandle
	Account    ExternalAccountID
}

type DisplayNameCallbackInfo struct {
	Result      Result
	ClientData  any
	Account     ExternalAccountID
	DisplayName string
}

type NotificationKind int

const (
	NotifyLobbyUpdate NotificationKind = iota + 1
	NotifyMemberUpdate
	NotifyMemberStatus
	NotifyPeerConnectionRequest
)

func (k NotificationKind) String() string {
	switch k {
	case NotifyLobbyUpdate:
		return "lobby_update"
	case NotifyMemberUpdate:
		return "member_update"
	case NotifyMemberStatus:
		return "member_status"
	case NotifyPeerConnectionRequest:
		return "peer_connection_request"
	}
	return "unknown"
}

type MemberStatus int

const (
	MemberJoined MemberStatus = iota
	MemberLeft
	MemberDisconnected
	MemberKicked
	MemberPromoted
	MemberClosed
)

func (s MemberStatus) String() string {
	switch s {
	case MemberJoined:
		return "joined"
	case MemberLeft:
		return "left"
	case MemberDisconnected:
		return "disconnected"
	case MemberKicked:
		return "kicked"
	case MemberPromoted:
		return "promoted"
	case MemberClosed:
		return "closed"
	}
	return "unknown"
}

// Notification is a push event. Fields not relevant to Kind are zero.
type Notification struct {
	Kind       NotificationKind `json:"kind"`
	LobbyID    string           `json:"lobby_id,omitempty"`
	TargetUser PlayerHandle     `json:"target_user,omitempty"`
	Status     MemberStatus     `json:"status,omitempty"`
	SocketName string           `json:"socket_name,omitempty"`
}

// Reliability of an outbound packet.
type Reliability int

const (
	UnreliableUnordered Reliability = iota
	ReliableUnordered
	ReliableOrdered
)

type OutboundPacket struct {
	To          PlayerHandle
	SocketName  string
	Channel     uint8
	Reliability Reliability
	Data        []byte
}

type InboundPacket struct {
	From       PlayerHandle `json:"from"`
	SocketName string       `json:"socket_name"`
	Channel    uint8        `json:"channel"`
	Data       []byte       `json:"data"`
}

// MaxPacketSize is the largest payload SendPacket accepts.
const MaxPacketSize = 1170
