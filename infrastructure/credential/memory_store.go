package credential

import (
	"context"
	"fmt"
	"sync"
	"time"

	pkgError "github.com/AzielCF/az-publisher/pkg/error"
	domainCredential "github.com/AzielCF/az-publisher/publishing/domain/credential"
)

// MemoryStore is a credential store for single process runs and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	tokens map[string]domainCredential.Token
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string]domainCredential.Token), now: time.Now}
}

func (s *MemoryStore) GetToken(ctx context.Context, organizationID, platform, accountID string) (domainCredential.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tokens[tokenKey(organizationID, platform, accountID)]
	if !ok || (t.ExpiresAt != nil && !t.ExpiresAt.After(s.now())) {
		return domainCredential.Token{}, domainCredential.ErrExpiredCredential
	}
	return t, nil
}

func (s *MemoryStore) PutToken(ctx context.Context, token domainCredential.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	token.Platform = normalizePlatform(token.Platform)
	s.tokens[tokenKey(token.OrganizationID, token.Platform, token.AccountID)] = token
	return nil
}

func (s *MemoryStore) RevokeToken(ctx context.Context, organizationID, platform, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := tokenKey(organizationID, platform, accountID)
	if _, ok := s.tokens[key]; !ok {
		return pkgError.NotFoundError(fmt.Sprintf("no credential for %s:%s", platform, accountID))
	}
	delete(s.tokens, key)
	return nil
}

func tokenKey(organizationID, platform, accountID string) string {
	return organizationID + "|" + normalizePlatform(platform) + "|" + accountID
}
