package credits

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ManuelReschke/PixelForge/app/models"
)

// MemoryStore is an in-process Store for tests and local development.
//
// Transactions are optimistic: reads go to the shared state, writes are staged
// on the transaction and applied at commit. Commit fails with
// ErrVersionConflict when an account it saved was changed by another
// transaction in the meantime, and with ErrDuplicateEvent when another
// transaction recorded the same event key first.
type MemoryStore struct {
	mu    sync.Mutex
	state *memoryState
}

type memoryState struct {
	accounts   map[uint]models.CreditAccount
	activities []models.CreditActivity
	eventKeys  map[string]int
	nextID     uint
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: &memoryState{
		accounts:  make(map[uint]models.CreditAccount),
		eventKeys: make(map[string]int),
	}}
}

func (s *MemoryStore) Transaction(ctx context.Context, fn func(tx Store) error) error {
	tx := newMemoryTx(s)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

func (s *MemoryStore) GetAccount(ctx context.Context, userID uint) (*models.CreditAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.getAccount(userID)
}

func (s *MemoryStore) CreateAccount(ctx context.Context, acct *models.CreditAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.createAccount(acct)
}

func (s *MemoryStore) SaveAccount(ctx context.Context, acct *models.CreditAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.saveAccount(acct)
}

func (s *MemoryStore) AppendActivity(ctx context.Context, rec *models.CreditActivity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.appendActivity(rec)
}

func (s *MemoryStore) FindActivityByEventKey(ctx context.Context, eventKey string) (*models.CreditActivity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.findActivityByEventKey(eventKey)
}

func (s *MemoryStore) ListActivities(ctx context.Context, userID uint, limit, offset int) ([]models.CreditActivity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.listActivities(userID, limit, offset), nil
}

func (s *MemoryStore) ListSweepCandidates(ctx context.Context, now time.Time, afterUserID uint, limit int) ([]models.CreditAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.listSweepCandidates(now, afterUserID, limit), nil
}

// memoryTx is the Store handed to a transaction callback. Account writes and
// activities stay local until commit.
type memoryTx struct {
	store *MemoryStore

	// accounts holds staged rows; base is the shared version each saved
	// row was read at, checked again at commit.
	accounts map[uint]models.CreditAccount
	base     map[uint]uint64
	created  map[uint]bool

	activities []*models.CreditActivity
	eventKeys  map[string]*models.CreditActivity
}

func newMemoryTx(s *MemoryStore) *memoryTx {
	return &memoryTx{
		store:     s,
		accounts:  make(map[uint]models.CreditAccount),
		base:      make(map[uint]uint64),
		created:   make(map[uint]bool),
		eventKeys: make(map[string]*models.CreditActivity),
	}
}

func (t *memoryTx) Transaction(ctx context.Context, fn func(tx Store) error) error {
	return fn(t)
}

func (t *memoryTx) GetAccount(ctx context.Context, userID uint) (*models.CreditAccount, error) {
	if acct, ok := t.accounts[userID]; ok {
		out := acct.Clone()
		return &out, nil
	}
	return t.store.GetAccount(ctx, userID)
}

func (t *memoryTx) CreateAccount(ctx context.Context, acct *models.CreditAccount) error {
	if _, ok := t.accounts[acct.UserID]; ok {
		return ErrAccountExists
	}
	t.store.mu.Lock()
	_, exists := t.store.state.accounts[acct.UserID]
	t.store.mu.Unlock()
	if exists {
		return ErrAccountExists
	}
	now := time.Now()
	acct.CreatedAt = now
	acct.UpdatedAt = now
	t.accounts[acct.UserID] = acct.Clone()
	t.created[acct.UserID] = true
	return nil
}

func (t *memoryTx) SaveAccount(ctx context.Context, acct *models.CreditAccount) error {
	current, ok := t.accounts[acct.UserID]
	if !ok {
		t.store.mu.Lock()
		current, ok = t.store.state.accounts[acct.UserID]
		t.store.mu.Unlock()
		if !ok {
			return ErrVersionConflict
		}
		t.base[acct.UserID] = current.Version
	}
	if current.Version != acct.Version {
		return ErrVersionConflict
	}
	acct.Version++
	acct.UpdatedAt = time.Now()
	t.accounts[acct.UserID] = acct.Clone()
	return nil
}

func (t *memoryTx) AppendActivity(ctx context.Context, rec *models.CreditActivity) error {
	if rec.EventKey != nil {
		if _, ok := t.eventKeys[*rec.EventKey]; ok {
			return ErrDuplicateEvent
		}
		if _, err := t.store.FindActivityByEventKey(ctx, *rec.EventKey); err == nil {
			return ErrDuplicateEvent
		}
		t.eventKeys[*rec.EventKey] = rec
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	t.activities = append(t.activities, rec)
	return nil
}

func (t *memoryTx) FindActivityByEventKey(ctx context.Context, eventKey string) (*models.CreditActivity, error) {
	if rec, ok := t.eventKeys[eventKey]; ok {
		out := *rec
		return &out, nil
	}
	return t.store.FindActivityByEventKey(ctx, eventKey)
}

// ListActivities and ListSweepCandidates read committed rows only.
func (t *memoryTx) ListActivities(ctx context.Context, userID uint, limit, offset int) ([]models.CreditActivity, error) {
	return t.store.ListActivities(ctx, userID, limit, offset)
}

func (t *memoryTx) ListSweepCandidates(ctx context.Context, now time.Time, afterUserID uint, limit int) ([]models.CreditAccount, error) {
	return t.store.ListSweepCandidates(ctx, now, afterUserID, limit)
}

// commit validates the staged writes against the shared state and applies
// them, all under the store lock.
func (t *memoryTx) commit() error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for userID := range t.accounts {
		stored, exists := s.state.accounts[userID]
		if t.created[userID] {
			if exists {
				return ErrAccountExists
			}
			continue
		}
		if !exists || stored.Version != t.base[userID] {
			return ErrVersionConflict
		}
	}
	for key := range t.eventKeys {
		if _, ok := s.state.eventKeys[key]; ok {
			return ErrDuplicateEvent
		}
	}

	for userID, acct := range t.accounts {
		s.state.accounts[userID] = acct.Clone()
	}
	for _, rec := range t.activities {
		if err := s.state.appendActivity(rec); err != nil {
			return err
		}
	}
	return nil
}

func (m *memoryState) getAccount(userID uint) (*models.CreditAccount, error) {
	acct, ok := m.accounts[userID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	out := acct.Clone()
	return &out, nil
}

func (m *memoryState) createAccount(acct *models.CreditAccount) error {
	if _, ok := m.accounts[acct.UserID]; ok {
		return ErrAccountExists
	}
	now := time.Now()
	acct.CreatedAt = now
	acct.UpdatedAt = now
	m.accounts[acct.UserID] = acct.Clone()
	return nil
}

func (m *memoryState) saveAccount(acct *models.CreditAccount) error {
	stored, ok := m.accounts[acct.UserID]
	if !ok || stored.Version != acct.Version {
		return ErrVersionConflict
	}
	acct.Version++
	acct.UpdatedAt = time.Now()
	m.accounts[acct.UserID] = acct.Clone()
	return nil
}

func (m *memoryState) appendActivity(rec *models.CreditActivity) error {
	if rec.EventKey != nil {
		if _, ok := m.eventKeys[*rec.EventKey]; ok {
			return ErrDuplicateEvent
		}
	}
	m.nextID++
	rec.ID = m.nextID
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	m.activities = append(m.activities, *rec)
	if rec.EventKey != nil {
		m.eventKeys[*rec.EventKey] = len(m.activities) - 1
	}
	return nil
}

func (m *memoryState) findActivityByEventKey(eventKey string) (*models.CreditActivity, error) {
	idx, ok := m.eventKeys[eventKey]
	if !ok {
		return nil, ErrActivityNotFound
	}
	rec := m.activities[idx]
	return &rec, nil
}

func (m *memoryState) listActivities(userID uint, limit, offset int) []models.CreditActivity {
	var out []models.CreditActivity
	for i := len(m.activities) - 1; i >= 0; i-- {
		if m.activities[i].UserID == userID {
			out = append(out, m.activities[i])
		}
	}
	if offset >= len(out) {
		return nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *memoryState) listSweepCandidates(now time.Time, afterUserID uint, limit int) []models.CreditAccount {
	var out []models.CreditAccount
	for _, acct := range m.accounts {
		if acct.UserID <= afterUserID {
			continue
		}
		expired := acct.SubscriptionStatus == models.SubscriptionStatusActive &&
			acct.SubscriptionEndDate != nil && acct.SubscriptionEndDate.Before(now)
		stray := acct.SubscriptionStatus != models.SubscriptionStatusActive && acct.SubscriptionCredits > 0
		if expired || stray {
			out = append(out, acct.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
