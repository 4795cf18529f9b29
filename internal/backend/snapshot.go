// internal/backend/snapshot.go
package backend

// LobbySnapshot is an immutable, serializable copy of a lobby detail handle.
type LobbySnapshot struct {
	LobbyInfo        LobbyInfo                    `json:"info"`
	LobbyAttributes  []Attribute                  `json:"attributes"`
	MemberList       []PlayerHandle               `json:"members"`
	MemberAttributeM map[PlayerHandle][]Attribute `json:"member_attributes"`
}

// NewLobbySnapshot copies everything readable from d. d is not released.
func NewLobbySnapshot(d LobbyDetails) *LobbySnapshot {
	snap := &LobbySnapshot{
		LobbyInfo:        d.Info(),
		LobbyAttributes:  append([]Attribute(nil), d.Attributes()...),
		MemberList:       append([]PlayerHandle(nil), d.Members()...),
		MemberAttributeM: make(map[PlayerHandle][]Attribute),
	}
	for _, m := range snap.MemberList {
		snap.MemberAttributeM[m] = append([]Attribute(nil), d.MemberAttributes(m)...)
	}
	return snap
}

func (s *LobbySnapshot) Info() LobbyInfo { return s.LobbyInfo }

func (s *LobbySnapshot) Attributes() []Attribute {
	return append([]Attribute(nil), s.LobbyAttributes...)
}

func (s *LobbySnapshot) Members() []PlayerHandle {
	return append([]PlayerHandle(nil), s.MemberList...)
}

func (s *LobbySnapshot) MemberAttributes(member PlayerHandle) []Attribute {
	return append([]Attribute(nil), s.MemberAttributeM[member]...)
}

// Release is a no-op; snapshots hold no backend resources.
func (s *LobbySnapshot) Release() {}
