// Package memstore is an in-memory payment and account store.
// Transactions are serialised behind one mutex.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	"lendpay/internal/ledger"
	"lendpay/internal/payment"
)

// Store implements payment.Store and ledger.Accounts
type Store struct {
	// txMu serialises InTx; mu guards the maps
	txMu sync.Mutex
	mu   sync.RWMutex

	intents  map[string]*payment.Intent
	orders   map[string]string
	accounts map[string]*ledger.Account
	effects  map[string]*ledger.Effect
}

var (
	_ payment.Store   = (*Store)(nil)
	_ ledger.Accounts = (*Store)(nil)
)

// New creates an empty store
func New() *Store {
	return &Store{
		intents:  make(map[string]*payment.Intent),
		orders:   make(map[string]string),
		accounts: make(map[string]*ledger.Account),
		effects:  make(map[string]*ledger.Effect),
	}
}

// CreateIntent inserts a new intent
func (s *Store) CreateIntent(_ context.Context, in *payment.Intent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[in.OrderID]; ok {
		return fmt.Errorf("order %s: %w", in.OrderID, payment.ErrDuplicateOrderID)
	}
	if _, ok := s.intents[in.ID]; ok {
		return fmt.Errorf("intent %s already exists", in.ID)
	}
	cp := *in
	s.intents[in.ID] = &cp
	s.orders[in.OrderID] = in.ID
	return nil
}

// GetIntent retrieves an intent by ID
func (s *Store) GetIntent(_ context.Context, id string) (*payment.Intent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.intent(id)
}

// GetIntentByOrderID retrieves an intent by its external order id
func (s *Store) GetIntentByOrderID(_ context.Context, orderID string) (*payment.Intent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.orders[orderID]
	if !ok {
		return nil, payment.ErrNotFound
	}
	return s.intent(id)
}

// UpdateIntent writes in if the stored intent is still in expected
func (s *Store) UpdateIntent(_ context.Context, in *payment.Intent, expected payment.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateIntent(in, expected)
}

// ListDue lists intents in statuses that expired at or before before
func (s *Store) ListDue(_ context.Context, statuses []payment.Status, before time.Time, limit int) ([]*payment.Intent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	due := lo.Filter(lo.Values(s.intents), func(in *payment.Intent, _ int) bool {
		return lo.Contains(statuses, in.Status) && !in.ExpiresAt.After(before)
	})
	sort.Slice(due, func(i, j int) bool { return due[i].ExpiresAt.Before(due[j].ExpiresAt) })
	return copyIntents(due, limit), nil
}

// ListStale lists intents in status last updated before before
func (s *Store) ListStale(_ context.Context, status payment.Status, before time.Time, limit int) ([]*payment.Intent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stale := lo.Filter(lo.Values(s.intents), func(in *payment.Intent, _ int) bool {
		return in.Status == status && in.UpdatedAt.Before(before)
	})
	sort.Slice(stale, func(i, j int) bool { return stale[i].UpdatedAt.Before(stale[j].UpdatedAt) })
	return copyIntents(stale, limit), nil
}

// CreateAccount inserts an account
func (s *Store) CreateAccount(_ context.Context, account *ledger.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[account.ID]; ok {
		return fmt.Errorf("account %s: %w", account.ID, ledger.ErrAccountExists)
	}
	cp := *account
	s.accounts[account.ID] = &cp
	return nil
}

// GetAccount retrieves an account by ID
func (s *Store) GetAccount(_ context.Context, id string) (*ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.account(id)
}

// GetEffect retrieves the ledger effect of an intent
func (s *Store) GetEffect(_ context.Context, intentID string) (*ledger.Effect, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.effect(intentID)
}

// ListEffects lists an account's effects, newest first
func (s *Store) ListEffects(_ context.Context, accountID string, limit int) ([]*ledger.Effect, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	effects := lo.Filter(lo.Values(s.effects), func(e *ledger.Effect, _ int) bool {
		return e.AccountID == accountID
	})
	sort.Slice(effects, func(i, j int) bool { return effects[i].AppliedAt.After(effects[j].AppliedAt) })
	if limit > 0 && len(effects) > limit {
		effects = effects[:limit]
	}
	return lo.Map(effects, func(e *ledger.Effect, _ int) *ledger.Effect {
		cp := *e
		return &cp
	}), nil
}

// InTx runs fn against a staged copy; the copy is committed only if fn succeeds
func (s *Store) InTx(ctx context.Context, fn func(tx payment.Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx := &memTx{
		store:    s,
		intents:  make(map[string]staged[*payment.Intent]),
		accounts: make(map[string]*ledger.Account),
		effects:  make(map[string]*ledger.Effect),
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

type staged[T any] struct {
	value    T
	expected payment.Status
}

// memTx buffers writes until commit. Reads see its own writes.
type memTx struct {
	store    *Store
	intents  map[string]staged[*payment.Intent]
	accounts map[string]*ledger.Account
	effects  map[string]*ledger.Effect
}

func (t *memTx) LockIntent(_ context.Context, id string) (*payment.Intent, error) {
	if st, ok := t.intents[id]; ok {
		cp := *st.value
		return &cp, nil
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	return t.store.intent(id)
}

func (t *memTx) UpdateIntent(ctx context.Context, in *payment.Intent, expected payment.Status) error {
	current, err := t.LockIntent(ctx, in.ID)
	if err != nil {
		return err
	}
	if current.Status != expected {
		return fmt.Errorf("intent %s not %s: %w", in.ID, expected, payment.ErrStaleStatus)
	}

	base := expected
	if st, ok := t.intents[in.ID]; ok {
		base = st.expected
	}
	cp := *in
	t.intents[in.ID] = staged[*payment.Intent]{value: &cp, expected: base}
	return nil
}

func (t *memTx) LockAccount(_ context.Context, id string) (*ledger.Account, error) {
	if a, ok := t.accounts[id]; ok {
		cp := *a
		return &cp, nil
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	return t.store.account(id)
}

func (t *memTx) UpdateAccount(ctx context.Context, account *ledger.Account) error {
	if _, err := t.LockAccount(ctx, account.ID); err != nil {
		return err
	}
	cp := *account
	t.accounts[account.ID] = &cp
	return nil
}

func (t *memTx) InsertEffect(_ context.Context, effect *ledger.Effect) error {
	if _, ok := t.effects[effect.IntentID]; ok {
		return fmt.Errorf("intent %s: %w", effect.IntentID, ledger.ErrAlreadyApplied)
	}
	t.store.mu.RLock()
	_, exists := t.store.effects[effect.IntentID]
	t.store.mu.RUnlock()
	if exists {
		return fmt.Errorf("intent %s: %w", effect.IntentID, ledger.ErrAlreadyApplied)
	}

	cp := *effect
	t.effects[effect.IntentID] = &cp
	return nil
}

func (t *memTx) GetEffect(_ context.Context, intentID string) (*ledger.Effect, error) {
	if e, ok := t.effects[intentID]; ok {
		cp := *e
		return &cp, nil
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	return t.store.effect(intentID)
}

// commit re-checks intent statuses so writes made outside InTx still lose
func (t *memTx) commit() error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, st := range t.intents {
		current, ok := s.intents[id]
		if !ok || current.Status != st.expected {
			return fmt.Errorf("intent %s not %s: %w", id, st.expected, payment.ErrStaleStatus)
		}
	}
	for id := range t.effects {
		if _, ok := s.effects[id]; ok {
			return fmt.Errorf("intent %s: %w", id, ledger.ErrAlreadyApplied)
		}
	}

	for id, st := range t.intents {
		s.intents[id] = st.value
	}
	for id, a := range t.accounts {
		s.accounts[id] = a
	}
	for id, e := range t.effects {
		s.effects[id] = e
	}
	return nil
}

func (s *Store) updateIntent(in *payment.Intent, expected payment.Status) error {
	current, ok := s.intents[in.ID]
	if !ok {
		return payment.ErrNotFound
	}
	if current.Status != expected {
		return fmt.Errorf("intent %s not %s: %w", in.ID, expected, payment.ErrStaleStatus)
	}
	cp := *in
	s.intents[in.ID] = &cp
	return nil
}

func (s *Store) intent(id string) (*payment.Intent, error) {
	in, ok := s.intents[id]
	if !ok {
		return nil, payment.ErrNotFound
	}
	cp := *in
	return &cp, nil
}

func (s *Store) account(id string) (*ledger.Account, error) {
	a, ok := s.accounts[id]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *Store) effect(intentID string) (*ledger.Effect, error) {
	e, ok := s.effects[intentID]
	if !ok {
		return nil, ledger.ErrEffectNotFound
	}
	cp := *e
	return &cp, nil
}

func copyIntents(in []*payment.Intent, limit int) []*payment.Intent {
	if limit > 0 && len(in) > limit {
		in = in[:limit]
	}
	return lo.Map(in, func(i *payment.Intent, _ int) *payment.Intent {
		cp := *i
		return &cp
	})
}
