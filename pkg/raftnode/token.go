package raftnode

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// JoinToken authorizes one cluster-join attempt.
type JoinToken struct {
	Token     string
	Role      string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// TokenManager issues and validates join tokens. Tokens live only in the
// memory of the node that issued them and are not replicated through the
// Raft log, so a join request is accepted only by the node whose
// TokenManager issued its token.
type TokenManager struct {
	mu     sync.RWMutex
	tokens map[string]*JoinToken
}

func NewTokenManager() *TokenManager {
	return &TokenManager{tokens: make(map[string]*JoinToken)}
}

// GenerateToken creates a new join token for role, valid for duration.
func (tm *TokenManager) GenerateToken(role string, duration time.Duration) (*JoinToken, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("raftnode: generate token: %w", err)
	}

	now := time.Now()
	token := &JoinToken{
		Token:     hex.EncodeToString(buf),
		Role:      role,
		CreatedAt: now,
		ExpiresAt: now.Add(duration),
	}

	tm.mu.Lock()
	tm.tokens[token.Token] = token
	tm.mu.Unlock()

	return token, nil
}

// ValidateToken checks a token and returns its role if it is still valid.
func (tm *TokenManager) ValidateToken(token string) (string, error) {
	tm.mu.RLock()
	jt, ok := tm.tokens[token]
	tm.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("raftnode: invalid token")
	}
	if time.Now().After(jt.ExpiresAt) {
		return "", fmt.Errorf("raftnode: token expired")
	}
	return jt.Role, nil
}

// RevokeToken invalidates a token immediately.
func (tm *TokenManager) RevokeToken(token string) {
	tm.mu.Lock()
	delete(tm.tokens, token)
	tm.mu.Unlock()
}

// CleanupExpiredTokens removes all tokens past their expiry. Intended to
// be called periodically, e.g. alongside MetricsCollector's tick.
func (tm *TokenManager) CleanupExpiredTokens() {
	now := time.Now()
	tm.mu.Lock()
	defer tm.mu.Unlock()
	for token, jt := range tm.tokens {
		if now.After(jt.ExpiresAt) {
			delete(tm.tokens, token)
		}
	}
}

// ListTokens returns all currently known tokens, expired or not.
func (tm *TokenManager) ListTokens() []*JoinToken {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	out := make([]*JoinToken, 0, len(tm.tokens))
	for _, jt := range tm.tokens {
		out = append(out, jt)
	}
	return out
}
