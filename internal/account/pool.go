package account

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/maragf/claude-relay/internal/domain"
)

// Candidate pairs an account snapshot with the path it should be tried
// on. The router returns an ordered list so the caller can fall through
// to the next candidate on transient failure without re-querying.
type Candidate struct {
	Account *Account
	Path    Path
}

// record wraps one pool-owned account with its own lock so unrelated
// requests never serialize on each other.
type record struct {
	mu  sync.Mutex
	acc *Account
}

// Pool is the in-memory view of all configured accounts with live
// health state. It is the only owner of account records; mutation goes
// through the pool's entry points and is written back to the store.
type Pool struct {
	mu      sync.RWMutex
	records map[string]*record
	store   Store
}

func NewPool(store Store) *Pool {
	return &Pool{
		records: make(map[string]*record),
		store:   store,
	}
}

// Load populates the pool from the credential store.
func (p *Pool) Load(ctx context.Context) error {
	accounts, err := p.store.ListAccounts(ctx)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range accounts {
		p.records[a.ID] = &record{acc: a}
	}
	slog.Info("account pool loaded", "accounts", len(accounts))
	return nil
}

// Add registers a new or updated account.
func (p *Pool) Add(ctx context.Context, a *Account) error {
	if a.Health == "" {
		a.Health = HealthActive
	}
	if err := p.store.SaveAccount(ctx, a); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.records[a.ID]; ok {
		r.mu.Lock()
		r.acc = a.Clone()
		r.mu.Unlock()
		return nil
	}
	p.records[a.ID] = &record{acc: a.Clone()}
	return nil
}

// Remove drops an account from the pool and the store.
func (p *Pool) Remove(ctx context.Context, id string) error {
	if err := p.store.DeleteAccount(ctx, id); err != nil {
		return err
	}
	p.mu.Lock()
	delete(p.records, id)
	p.mu.Unlock()
	return nil
}

// Get returns a snapshot of one account.
func (p *Pool) Get(id string) (*Account, bool) {
	p.mu.RLock()
	r, ok := p.records[id]
	p.mu.RUnlock()
	if !ok {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.acc.Clone(), true
}

// Snapshot returns copies of every account, for the admin surface.
func (p *Pool) Snapshot() []*Account {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*Account, 0, len(p.records))
	for _, r := range p.records {
		r.mu.Lock()
		out = append(out, r.acc.Clone())
		r.mu.Unlock()
	}
	return out
}

// SelectCandidates returns the ordered (account, path) pairs that may
// serve a request for model. Accounts with api access for the model
// come first, then web-capable accounts, each tier ordered by ascending
// last-used time. The chosen accounts' last-used stamps are advanced at
// selection time so concurrent requests spread out instead of piling on
// the same account.
func (p *Pool) SelectCandidates(ctx context.Context, model string) ([]Candidate, error) {
	now := time.Now()

	p.mu.RLock()
	records := make([]*record, 0, len(p.records))
	for _, r := range p.records {
		records = append(records, r)
	}
	p.mu.RUnlock()

	var apiTier, webTier []*Account
	for _, r := range records {
		r.mu.Lock()
		snap := r.acc.Clone()
		r.mu.Unlock()

		if !snap.Available(now) {
			continue
		}
		if snap.HasAPIAccess() && snap.SupportsModel(model) {
			apiTier = append(apiTier, snap)
		} else if snap.HasWebAccess() {
			webTier = append(webTier, snap)
		}
	}

	byLastUsed := func(accs []*Account) {
		sort.Slice(accs, func(i, j int) bool {
			return accs[i].LastUsed.Before(accs[j].LastUsed)
		})
	}
	byLastUsed(apiTier)

	candidates := make([]Candidate, 0, len(apiTier)+len(webTier))
	for _, a := range apiTier {
		candidates = append(candidates, Candidate{Account: a, Path: PathAPI})
		// An api-capable account that also holds a cookie remains a
		// web-path fallback behind the dedicated web accounts.
		if a.HasWebAccess() {
			webTier = append(webTier, a)
		}
	}
	byLastUsed(webTier)
	for _, a := range webTier {
		candidates = append(candidates, Candidate{Account: a, Path: PathWebSession})
	}

	if len(candidates) == 0 {
		return nil, domain.ErrNoAvailableAccount
	}

	// Stamp last-used optimistically so the next concurrent selection
	// does not land on the same head of the list.
	p.Touch(candidates[0].Account.ID, now)

	return candidates, nil
}

// Touch advances an account's last-used stamp and request counter.
func (p *Pool) Touch(id string, now time.Time) {
	p.mu.RLock()
	r, ok := p.records[id]
	p.mu.RUnlock()
	if !ok {
		return
	}
	r.mu.Lock()
	r.acc.LastUsed = now
	r.acc.RequestCount++
	r.mu.Unlock()
}

// Mutate applies fn to the live record under its lock and persists the
// result. This is the single mutation entry point used by the health
// tracker.
func (p *Pool) Mutate(ctx context.Context, id string, fn func(*Account)) error {
	p.mu.RLock()
	r, ok := p.records[id]
	p.mu.RUnlock()
	if !ok {
		return domain.ErrAccountNotFound
	}

	r.mu.Lock()
	fn(r.acc)
	snap := r.acc.Clone()
	r.mu.Unlock()

	if err := p.store.UpdateHealth(ctx, id, snap.Health, snap.ResetsAt, snap.CoolingUntil); err != nil {
		slog.Warn("failed to persist account health", "account_id", id, "error", err)
		return err
	}
	return nil
}

// UpdateCredentials replaces an account's credentials in the pool and
// the store, used after an OAuth refresh.
func (p *Pool) UpdateCredentials(ctx context.Context, id string, oauth *OAuthToken, cookie string) error {
	p.mu.RLock()
	r, ok := p.records[id]
	p.mu.RUnlock()
	if !ok {
		return domain.ErrAccountNotFound
	}

	r.mu.Lock()
	if oauth != nil {
		tok := *oauth
		r.acc.OAuth = &tok
	}
	if cookie != "" {
		r.acc.Cookie = cookie
	}
	r.mu.Unlock()

	return p.store.UpdateCredentials(ctx, id, oauth, cookie)
}
