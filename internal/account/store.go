package account

import (
	"context"
	"sync"
	"time"

	"github.com/maragf/claude-relay/internal/domain"
)

// Store is the credential store adapter. The admin surface is the only
// writer of new accounts; the pool writes health and credential updates
// back through it.
type Store interface {
	ListAccounts(ctx context.Context) ([]*Account, error)
	SaveAccount(ctx context.Context, a *Account) error
	UpdateHealth(ctx context.Context, id string, health HealthState, resetsAt, coolingUntil time.Time) error
	UpdateCredentials(ctx context.Context, id string, oauth *OAuthToken, cookie string) error
	DeleteAccount(ctx context.Context, id string) error
}

// InMemoryStore keeps accounts in a map. Used for tests and for
// deployments that configure accounts purely through the admin API.
type InMemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*Account
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{accounts: make(map[string]*Account)}
}

func (s *InMemoryStore) ListAccounts(ctx context.Context) ([]*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a.Clone())
	}
	return out, nil
}

func (s *InMemoryStore) SaveAccount(ctx context.Context, a *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[a.ID] = a.Clone()
	return nil
}

func (s *InMemoryStore) UpdateHealth(ctx context.Context, id string, health HealthState, resetsAt, coolingUntil time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return domain.ErrAccountNotFound
	}
	a.Health = health
	a.ResetsAt = resetsAt
	a.CoolingUntil = coolingUntil
	return nil
}

func (s *InMemoryStore) UpdateCredentials(ctx context.Context, id string, oauth *OAuthToken, cookie string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return domain.ErrAccountNotFound
	}
	if oauth != nil {
		tok := *oauth
		a.OAuth = &tok
	}
	if cookie != "" {
		a.Cookie = cookie
	}
	return nil
}

func (s *InMemoryStore) DeleteAccount(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[id]; !ok {
		return domain.ErrAccountNotFound
	}
	delete(s.accounts, id)
	return nil
}
