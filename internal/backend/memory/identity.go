// internal/backend/memory/identity.go
package memory

import (
	"github.com/jason-s-yu/matchmaking/internal/backend"
)

func (c *Client) ResolveExternalAccount(target backend.PlayerHandle, clientData any, cb func(backend.ExternalAccountCallbackInfo)) backend.Token {
	s := c.svc
	s.mu.Lock()
	defer s.mu.Unlock()

	info := backend.ExternalAccountCallbackInfo{ClientData: clientData, Target: target}
	if res, failed := s.beginUnsafe(OpResolveExternalAccount); failed {
		info.Result = res
	} else if acct, ok := s.accounts[target]; !ok || acct.external == "" {
		info.Result = backend.ResultNotFound
	} else {
		info.Account = acct.external
	}

	s.deliver(func() { cb(info) })
	return newToken()
}

func (c *Client) ResolveDisplayName(account backend.ExternalAccountID, clientData any, cb func(backend.DisplayNameCallbackInfo)) backend.Token {
	s := c.svc
	s.mu.Lock()
	defer s.mu.Unlock()

	info := backend.DisplayNameCallbackInfo{ClientData: clientData, Account: account}
	if res, failed := s.beginUnsafe(OpResolveDisplayName); failed {
		info.Result = res
	} else if name, ok := s.names[account]; !ok {
		info.Result = backend.ResultNotFound
	} else {
		info.DisplayName = name
	}

	s.deliver(func() { cb(info) })
	return newToken()
}
