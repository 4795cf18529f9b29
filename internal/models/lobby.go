// internal/models/lobby.go
package models

import "github.com/jason-s-yu/matchmaking/internal/backend"

const (
	DefaultLobbyName       = "DefaultLobby"
	DefaultLobbyMaxPlayers = 4
	DefaultLobbyBucket     = "DefaultBucket"
	UnnamedLobby           = "Unnamed Lobby"
)

// LobbySettings is the input to CreateLobby.
type LobbySettings struct {
	Name       string `json:"name"`
	MaxPlayers int    `json:"max_players"`
	Private    bool   `json:"private"`
	Bucket     string `json:"bucket"`
}

// DefaultLobbySettings returns the settings used when the caller supplies none.
func DefaultLobbySettings() LobbySettings {
	return LobbySettings{
		Name:       DefaultLobbyName,
		MaxPlayers: DefaultLobbyMaxPlayers,
		Bucket:     DefaultLobbyBucket,
	}
}

// WithDefaults fills zero fields from DefaultLobbySettings.
func (s LobbySettings) WithDefaults() LobbySettings {
	d := DefaultLobbySettings()
	if s.Name == "" {
		s.Name = d.Name
	}
	if s.MaxPlayers <= 0 {
		s.MaxPlayers = d.MaxPlayers
	}
	if s.Bucket == "" {
		s.Bucket = d.Bucket
	}
	return s
}

// MemberInfo is the local mirror of one lobby member.
type MemberInfo struct {
	Player      backend.PlayerHandle `json:"player"`
	DisplayName string               `json:"display_name"`
	IsOwner     bool                 `json:"is_owner"`
	IsReady     bool                 `json:"is_ready"`
}

// Name returns the display name, or the raw handle while unresolved.
func (m MemberInfo) Name() string {
	if m.DisplayName != "" {
		return m.DisplayName
	}
	return string(m.Player)
}

// LobbySearchResult describes one lobby returned by a search.
type LobbySearchResult struct {
	LobbyID        string               `json:"lobby_id"`
	LobbyName      string               `json:"lobby_name"`
	OwnerID        backend.PlayerHandle `json:"owner_id"`
	Bucket         string               `json:"bucket"`
	CurrentPlayers int                  `json:"current_players"`
	MaxPlayers     int                  `json:"max_players"`
}
