// internal/models/identity.go
package models

import "github.com/jason-s-yu/matchmaking/internal/backend"

// LocalIdentity is produced once at login and read everywhere afterwards.
type LocalIdentity struct {
	Player  backend.PlayerHandle      `json:"player"`
	Account backend.ExternalAccountID `json:"external_account,omitempty"`
}

// Valid reports whether the identity carries a player handle.
func (id LocalIdentity) Valid() bool {
	return id.Player != ""
}
