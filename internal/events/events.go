// internal/events/events.go
package events

import (
	"time"

	"github.com/jason-s-yu/matchmaking/internal/models"
)

// EventType is an enum-like type naming what happened.
type EventType string

const (
	LobbyCreated              EventType = "lobby_created"
	LobbyJoined               EventType = "lobby_joined"
	LobbyLeft                 EventType = "lobby_left"
	LobbyError                EventType = "lobby_error"
	LobbiesFound              EventType = "lobbies_found"
	LobbyMembersChanged       EventType = "lobby_members_changed"
	AllPlayersReady           EventType = "all_players_ready"
	MemberDisplayNameResolved EventType = "member_display_name_resolved"
	SessionAddressUpdated     EventType = "session_address_updated"
	SessionsFound             EventType = "sessions_found"
	ChatMessageReceived       EventType = "chat_message_received"

	SessionCreated   EventType = "session_created"
	SessionJoined    EventType = "session_joined"
	SessionError     EventType = "session_error"
	SessionDestroyed EventType = "session_destroyed"
)

// Event is raised toward UI and game-logic subscribers. Only the fields relevant to Type are set.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	LobbyID   string                     `json:"lobby_id,omitempty"`
	SessionID string                     `json:"session_id,omitempty"`
	Address   string                     `json:"address,omitempty"`
	Message   string                     `json:"message,omitempty"`
	Sender    string                     `json:"sender,omitempty"`
	Text      string                     `json:"text,omitempty"`
	Player    string                     `json:"player,omitempty"`
	Name      string                     `json:"name,omitempty"`
	Lobbies   []models.LobbySearchResult `json:"lobbies,omitempty"`
	Sessions  []string                   `json:"sessions,omitempty"`
}

func New(t EventType) Event {
	return Event{Type: t, Timestamp: time.Now()}
}
