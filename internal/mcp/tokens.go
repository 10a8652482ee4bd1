// ABOUTME: Link tokens that let header-less MCP clients connect as a specific user.
// ABOUTME: Tokens are minted for authenticated callers and embedded in /mcp/<token> URLs.

package mcp

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/fcp-dev/fcp-server/internal/auth"
)

// ErrDemoLinkToken is returned when a demo caller asks for a link token.
var ErrDemoLinkToken = errors.New("link tokens require an authenticated caller")

// TokenStore manages MCP link tokens and the identities they stand for.
type TokenStore struct {
	mu     sync.RWMutex
	tokens map[string]auth.Identity
}

// NewTokenStore creates a new token store.
func NewTokenStore() *TokenStore {
	return &TokenStore{
		tokens: make(map[string]auth.Identity),
	}
}

// CreateToken mints a token bound to id.
func (s *TokenStore) CreateToken(id auth.Identity) (string, error) {
	if !id.CanWrite() {
		return "", ErrDemoLinkToken
	}
	token := uuid.New().String()

	s.mu.Lock()
	s.tokens[token] = id
	s.mu.Unlock()

	return token, nil
}

// Lookup returns the identity bound to token.
func (s *TokenStore) Lookup(token string) (auth.Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.tokens[token]
	return id, ok
}

// InvalidateToken removes a token from the store.
func (s *TokenStore) InvalidateToken(token string) {
	s.mu.Lock()
	delete(s.tokens, token)
	s.mu.Unlock()
}

// TokenCount returns the number of active tokens (for monitoring).
func (s *TokenStore) TokenCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tokens)
}
