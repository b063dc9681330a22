package billing

import (
	"context"
	"sync"
	"time"

	"reddog.dev/internal/ids"
)

// InMemory implements Store with in-process concurrency safety. It backs
// tests and the explicitly opted-in memory mode; production runs on the
// Postgres store.
type InMemory struct {
	mu    sync.RWMutex
	accts map[string]*Account
	txs   map[string][]Transaction // account id -> newest last
}

// NewInMemory creates an empty in-memory ledger store.
func NewInMemory() *InMemory {
	return &InMemory{
		accts: make(map[string]*Account),
		txs:   make(map[string][]Transaction),
	}
}

var _ Store = (*InMemory)(nil)

func (s *InMemory) CreateAccount(ctx context.Context, acc Account) (Account, error) {
	if acc.ID == "" {
		return Account{}, ErrAccountNotFound
	}
	if acc.Credits < 0 {
		return Account{}, ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accts[acc.ID]; ok {
		return Account{}, ErrAccountExists
	}

	now := time.Now().UTC()
	acc.CreatedAt = now
	acc.UpdatedAt = now
	if acc.Status == "" {
		acc.Status = StatusActive
	}
	stored := acc
	s.accts[acc.ID] = &stored

	if acc.Credits > 0 {
		s.appendTx(acc.ID, Transaction{
			ID:            ids.New(),
			AccountID:     acc.ID,
			Amount:        acc.Credits,
			Operation:     "credit_added",
			BalanceBefore: 0,
			BalanceAfter:  acc.Credits,
			Metadata:      map[string]string{"source": "plan_grant"},
			CreatedAt:     now,
		})
	}
	return acc, nil
}

func (s *InMemory) GetAccount(ctx context.Context, id string) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accts[id]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return *acc, nil
}

func (s *InMemory) SetAccountStatus(ctx context.Context, id string, status AccountStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accts[id]
	if !ok {
		return ErrAccountNotFound
	}
	acc.Status = status
	acc.UpdatedAt = time.Now().UTC()
	return nil
}

// Debit checks the balance and applies the debit plus its transaction under
// one lock hold, mirroring the single conditional update the Postgres store
// performs.
func (s *InMemory) Debit(ctx context.Context, id string, amount int64, operation string, metadata map[string]string) (Transaction, error) {
	if amount <= 0 {
		return Transaction{}, ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accts[id]
	if !ok {
		return Transaction{}, ErrAccountNotFound
	}
	if acc.Status != StatusActive {
		return Transaction{}, ErrAccountInactive
	}
	if acc.Credits < amount {
		return Transaction{}, ErrInsufficientCredits
	}

	before := acc.Credits
	acc.Credits -= amount
	acc.UpdatedAt = time.Now().UTC()

	tx := Transaction{
		ID:            ids.New(),
		AccountID:     id,
		Amount:        -amount,
		Operation:     operation,
		BalanceBefore: before,
		BalanceAfter:  acc.Credits,
		Metadata:      copyMeta(metadata),
		CreatedAt:     acc.UpdatedAt,
	}
	s.appendTx(id, tx)
	return tx, nil
}

func (s *InMemory) Credit(ctx context.Context, id string, amount int64, source string, metadata map[string]string) (Transaction, error) {
	if amount <= 0 {
		return Transaction{}, ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accts[id]
	if !ok {
		return Transaction{}, ErrAccountNotFound
	}

	before := acc.Credits
	acc.Credits += amount
	acc.UpdatedAt = time.Now().UTC()

	meta := copyMeta(metadata)
	if meta == nil {
		meta = make(map[string]string, 1)
	}
	meta["source"] = source

	tx := Transaction{
		ID:            ids.New(),
		AccountID:     id,
		Amount:        amount,
		Operation:     "credit_added",
		BalanceBefore: before,
		BalanceAfter:  acc.Credits,
		Metadata:      meta,
		CreatedAt:     acc.UpdatedAt,
	}
	s.appendTx(id, tx)
	return tx, nil
}

func (s *InMemory) RecentTransactions(ctx context.Context, id string, limit int) ([]Transaction, error) {
	if limit <= 0 || limit > 1000 {
		limit = 20
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.accts[id]; !ok {
		return nil, ErrAccountNotFound
	}
	history := s.txs[id]
	n := len(history)
	if limit > n {
		limit = n
	}
	// newest first
	out := make([]Transaction, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, history[i])
	}
	return out, nil
}

func (s *InMemory) appendTx(id string, tx Transaction) {
	s.txs[id] = append(s.txs[id], tx)
}

func copyMeta(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
