package billing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestService(t *testing.T, opts ...Option) (*Service, *InMemory) {
	t.Helper()
	store := NewInMemory()
	return NewService(store, opts...), store
}

func provision(t *testing.T, s *Service, id string, plan Plan) Account {
	t.Helper()
	acc, err := s.Provision(context.Background(), id, id+"@example.com", "", plan)
	if err != nil {
		t.Fatalf("provision %s: %v", id, err)
	}
	return acc
}

func TestProvisionGrantsPlanCredits(t *testing.T) {
	s, _ := newTestService(t)
	acc := provision(t, s, "u1", PlanStarter)
	if acc.Credits != 1000 {
		t.Fatalf("starter grant = %d, want 1000", acc.Credits)
	}
	if acc.Status != StatusActive {
		t.Fatalf("status = %s", acc.Status)
	}

	if _, err := s.Provision(context.Background(), "u1", "", "", PlanStarter); !errors.Is(err, ErrAccountExists) {
		t.Fatalf("expected ErrAccountExists, got %v", err)
	}
	if _, err := s.Provision(context.Background(), "u2", "", "", Plan("gold")); err == nil {
		t.Fatal("expected error for unknown plan")
	}
}

func TestConsumeDebitsAndRecordsTransaction(t *testing.T) {
	s, store := newTestService(t)
	provision(t, s, "u1", PlanStarter)
	ctx := context.Background()

	res, err := s.Consume(ctx, "u1", "farm_query", 0, map[string]string{"query": "fields"})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if res.Consumed != 2 || res.Remaining != 998 {
		t.Fatalf("unexpected result: %+v", res)
	}

	txs, err := store.RecentTransactions(ctx, "u1", 1)
	if err != nil {
		t.Fatal(err)
	}
	tx := txs[0]
	if tx.Amount != -2 || tx.BalanceBefore != 1000 || tx.BalanceAfter != 998 {
		t.Fatalf("transaction does not match debit: %+v", tx)
	}
	if tx.Operation != "farm_query" {
		t.Fatalf("operation = %s", tx.Operation)
	}
}

func TestConsumeInsufficientAndInactive(t *testing.T) {
	s, _ := newTestService(t)
	provision(t, s, "u1", PlanStarter)
	ctx := context.Background()

	if _, err := s.Consume(ctx, "u1", "", 2000, nil); !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if err := s.Deactivate(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Consume(ctx, "u1", "api_call", 0, nil); !errors.Is(err, ErrAccountInactive) {
		t.Fatalf("expected ErrAccountInactive, got %v", err)
	}
	if _, err := s.Consume(ctx, "missing", "api_call", 0, nil); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestSequentialDrainToZero(t *testing.T) {
	s, _ := newTestService(t)
	provision(t, s, "u1", PlanStarter) // 1000 credits
	ctx := context.Background()

	for i := 0; i < 1000; i++ {
		if _, err := s.Consume(ctx, "u1", "api_call", 1, nil); err != nil {
			t.Fatalf("consume %d: %v", i, err)
		}
	}
	b, err := s.GetBalance(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if b.Credits != 0 {
		t.Fatalf("balance = %d, want 0", b.Credits)
	}
	if _, err := s.Consume(ctx, "u1", "api_call", 1, nil); !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("1001st consume: expected ErrInsufficientCredits, got %v", err)
	}
}

func TestNoOverdraftUnderConcurrency(t *testing.T) {
	s, _ := newTestService(t)
	provision(t, s, "u1", PlanStarter) // 1000 credits
	ctx := context.Background()

	const n = 50
	const amount = 30 // 1000/30 -> 33 can succeed

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes, insufficient := 0, 0

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Consume(ctx, "u1", "export_data", amount, nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrInsufficientCredits):
				insufficient++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successes != 1000/amount {
		t.Fatalf("successes = %d, want %d", successes, 1000/amount)
	}
	if successes+insufficient != n {
		t.Fatalf("accounted calls = %d, want %d", successes+insufficient, n)
	}
	b, _ := s.GetBalance(ctx, "u1")
	if want := int64(1000 - (1000/amount)*amount); b.Credits != want {
		t.Fatalf("final balance = %d, want %d", b.Credits, want)
	}
}

func TestConservation(t *testing.T) {
	s, store := newTestService(t)
	provision(t, s, "u1", PlanStarter)
	ctx := context.Background()

	var credited, consumed int64
	for i := 0; i < 10; i++ {
		if _, err := s.Credit(ctx, "u1", 50, "stripe_payment", nil); err != nil {
			t.Fatal(err)
		}
		credited += 50
		if _, err := s.Consume(ctx, "u1", "farm_query", 0, nil); err != nil {
			t.Fatal(err)
		}
		consumed += 2
	}

	b, _ := s.GetBalance(ctx, "u1")
	if b.Credits != 1000+credited-consumed {
		t.Fatalf("balance = %d, want %d", b.Credits, 1000+credited-consumed)
	}

	txs, err := store.RecentTransactions(ctx, "u1", 1000)
	if err != nil {
		t.Fatal(err)
	}
	for _, tx := range txs {
		if tx.BalanceAfter-tx.BalanceBefore != tx.Amount {
			t.Fatalf("transaction %s breaks balance arithmetic: %+v", tx.ID, tx)
		}
	}
}

func TestCacheCoherenceAfterMutation(t *testing.T) {
	s, _ := newTestService(t, WithCacheTTL(time.Hour))
	provision(t, s, "u1", PlanStarter)
	ctx := context.Background()

	// warm the cache
	if _, err := s.GetBalance(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Consume(ctx, "u1", "api_call", 1, nil); err != nil {
		t.Fatal(err)
	}
	b, err := s.GetBalance(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if b.Credits != 999 {
		t.Fatalf("stale cached balance after consume: %d", b.Credits)
	}

	if _, err := s.Credit(ctx, "u1", 10, "stripe_payment", nil); err != nil {
		t.Fatal(err)
	}
	b, _ = s.GetBalance(ctx, "u1")
	if b.Credits != 1009 {
		t.Fatalf("stale cached balance after credit: %d", b.Credits)
	}
}

func TestCheckFundsAdvisory(t *testing.T) {
	s, _ := newTestService(t)
	provision(t, s, "u1", PlanStarter)
	ctx := context.Background()

	res, err := s.CheckFunds(ctx, "u1", "farm_query", 0)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Allowed || res.Required != 2 {
		t.Fatalf("unexpected check result: %+v", res)
	}

	res, err = s.CheckFunds(ctx, "u1", "", 5000)
	if err != nil {
		t.Fatal(err)
	}
	if res.Allowed || res.Reason != "insufficient credits" || res.Available != 1000 {
		t.Fatalf("unexpected check result: %+v", res)
	}
}

func TestCheckFundsPolicyOnMissingAccount(t *testing.T) {
	ctx := context.Background()

	open, _ := newTestService(t, WithFailOpen(true))
	res, err := open.CheckFunds(ctx, "ghost", "api_call", 0)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Allowed || !res.Degraded {
		t.Fatalf("fail-open should pass through flagged degraded: %+v", res)
	}

	closed, _ := newTestService(t, WithFailOpen(false))
	res, err = closed.CheckFunds(ctx, "ghost", "api_call", 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Allowed {
		t.Fatalf("fail-closed should reject: %+v", res)
	}
}

func TestCheckFundsPolicyOnStorageFailure(t *testing.T) {
	ctx := context.Background()
	failing := &failingStore{}

	open := NewService(failing, WithFailOpen(true), WithCacheTTL(0))
	res, err := open.CheckFunds(ctx, "u1", "api_call", 0)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Allowed || !res.Degraded {
		t.Fatalf("fail-open on storage outage: %+v", res)
	}

	closed := NewService(failing, WithFailOpen(false), WithCacheTTL(0))
	res, err = closed.CheckFunds(ctx, "u1", "api_call", 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Allowed {
		t.Fatalf("fail-closed on storage outage: %+v", res)
	}

	// Reads degrade to an explicit transient error, never fake data.
	if _, err := open.GetBalance(ctx, "u1"); !errors.Is(err, ErrTransientStorage) {
		t.Fatalf("expected ErrTransientStorage, got %v", err)
	}
}

func TestSummary(t *testing.T) {
	s, _ := newTestService(t)
	provision(t, s, "u1", PlanStarter)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := s.Consume(ctx, "u1", "api_call", 1, nil); err != nil {
			t.Fatal(err)
		}
	}

	sum, err := s.Summary(ctx, "u1", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(sum.Transactions) != 3 {
		t.Fatalf("transactions = %d, want 3", len(sum.Transactions))
	}
	// newest first
	for i := 1; i < len(sum.Transactions); i++ {
		if sum.Transactions[i].CreatedAt.After(sum.Transactions[i-1].CreatedAt) {
			t.Fatal("transactions not in reverse-chronological order")
		}
	}
	if sum.Account.Credits != 995 {
		t.Fatalf("account credits = %d", sum.Account.Credits)
	}
}

func TestLowBalanceAlert(t *testing.T) {
	s, _ := newTestService(t)
	provision(t, s, "u1", PlanStarter)
	ctx := context.Background()

	lb, err := s.CheckLowBalance(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if lb.Alert {
		t.Fatalf("no alert expected at %d credits", lb.Credits)
	}

	if _, err := s.Consume(ctx, "u1", "", 950, nil); err != nil {
		t.Fatal(err)
	}
	lb, err = s.CheckLowBalance(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !lb.Alert || lb.Credits != 50 {
		t.Fatalf("expected alert at 50 credits: %+v", lb)
	}
}

// gatedStore holds GetAccount results until released, so a test can let a
// mutation commit while a read is still in flight.
type gatedStore struct {
	*InMemory
	hold    chan struct{}
	entered chan struct{}
}

func (g *gatedStore) GetAccount(ctx context.Context, id string) (Account, error) {
	acc, err := g.InMemory.GetAccount(ctx, id)
	g.entered <- struct{}{}
	<-g.hold
	return acc, err
}

func TestGetBalanceOverlappedByConsume(t *testing.T) {
	gated := &gatedStore{
		InMemory: NewInMemory(),
		hold:     make(chan struct{}),
		entered:  make(chan struct{}, 1),
	}
	s := NewService(gated)
	ctx := context.Background()

	if _, err := s.Provision(ctx, "u1", "", "", PlanStarter); err != nil {
		t.Fatal(err)
	}

	// Reader fetches 1000 from the store, then stalls before caching.
	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := s.GetBalance(ctx, "u1"); err != nil {
			t.Errorf("GetBalance: %v", err)
		}
	}()
	<-gated.entered

	// Debit commits and invalidates while the read is parked. Consume
	// goes straight to Debit, which the gate does not cover.
	if _, err := s.Consume(ctx, "u1", "api_call", 1, nil); err != nil {
		t.Fatal(err)
	}

	close(gated.hold)
	<-done

	// The stalled reader must not have re-cached the pre-debit balance.
	b, err := s.GetBalance(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if b.Credits != 999 {
		t.Fatalf("balance after consume = %d, want 999", b.Credits)
	}
}

// failingStore simulates an unreachable backing store.
type failingStore struct{}

var errDown = errors.New("connection refused")

func (f *failingStore) CreateAccount(ctx context.Context, acc Account) (Account, error) {
	return Account{}, errDown
}
func (f *failingStore) GetAccount(ctx context.Context, id string) (Account, error) {
	return Account{}, errDown
}
func (f *failingStore) SetAccountStatus(ctx context.Context, id string, status AccountStatus) error {
	return errDown
}
func (f *failingStore) Debit(ctx context.Context, id string, amount int64, operation string, metadata map[string]string) (Transaction, error) {
	return Transaction{}, errDown
}
func (f *failingStore) Credit(ctx context.Context, id string, amount int64, source string, metadata map[string]string) (Transaction, error) {
	return Transaction{}, errDown
}
func (f *failingStore) RecentTransactions(ctx context.Context, id string, limit int) ([]Transaction, error) {
	return nil, errDown
}
