package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"reddog.dev/internal/obs"
)

// lowBalanceThreshold triggers the top-up alert.
const lowBalanceThreshold int64 = 100

// Service is the metering front of the credit ledger. It owns the read
// cache and the fail-open/fail-closed policy; all mutations go through the
// Store, whose Debit/Credit are atomic.
type Service struct {
	store    Store
	pricing  Pricing
	failOpen bool
	cache    *balanceCache
}

// Option configures Service construction.
type Option func(*Service)

// WithPricing overrides the default price table.
func WithPricing(p Pricing) Option {
	return func(s *Service) { s.pricing = p }
}

// WithFailOpen sets the advisory-check policy for degraded storage.
// Production deployments pass false (fail-closed).
func WithFailOpen(failOpen bool) Option {
	return func(s *Service) { s.failOpen = failOpen }
}

// WithCacheTTL sets the balance read-cache lifetime. Zero disables caching.
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *Service) { s.cache = newBalanceCache(ttl) }
}

// NewService builds a ledger service over the given store.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:    store,
		pricing:  DefaultPricing(),
		failOpen: false,
		cache:    newBalanceCache(5 * time.Minute),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Pricing exposes the static price table for the dashboard.
func (s *Service) Pricing() Pricing { return s.pricing }

// Provision creates an account on the given plan and grants its monthly
// credits. Returns ErrAccountExists when the id is already taken.
func (s *Service) Provision(ctx context.Context, id, email, name string, plan Plan) (Account, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Account{}, fmt.Errorf("account id is required")
	}
	if !s.pricing.KnownPlan(plan) {
		return Account{}, fmt.Errorf("%w %q", ErrUnknownPlan, plan)
	}
	acc, err := s.store.CreateAccount(ctx, Account{
		ID:      id,
		Email:   email,
		Name:    name,
		Plan:    plan,
		Credits: s.pricing.GrantFor(plan),
		Status:  StatusActive,
	})
	if err != nil {
		return Account{}, storageError(err)
	}
	obs.ObserveCredit("plan_grant", acc.Credits)
	return acc, nil
}

// Deactivate retires an account. Accounts are never hard-deleted.
func (s *Service) Deactivate(ctx context.Context, id string) error {
	if err := s.store.SetAccountStatus(ctx, id, StatusInactive); err != nil {
		return storageError(err)
	}
	s.cache.invalidate(id)
	return nil
}

// GetBalance returns the account balance, served from the TTL cache when
// fresh. A mutation on the same account invalidates the cache before it
// returns, so a read that follows a successful Consume/Credit reflects it.
// The generation snapshot makes the fill conditional: if a mutation commits
// while this read is in flight, the fill is dropped instead of re-caching
// the pre-mutation balance.
func (s *Service) GetBalance(ctx context.Context, id string) (Balance, error) {
	if b, ok := s.cache.get(id); ok {
		return b, nil
	}
	gen := s.cache.generation(id)
	acc, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return Balance{}, storageError(err)
	}
	b := Balance{Credits: acc.Credits, Plan: acc.Plan, Status: acc.Status, UpdatedAt: acc.UpdatedAt}
	s.cache.put(id, b, gen)
	return b, nil
}

// CheckFunds is the advisory pre-flight check. It never mutates state and is
// not atomic with a later Consume; Consume re-checks under its own lock.
// When the account is unknown or storage is unreachable the configured
// policy decides: fail-open passes the request through flagged as degraded,
// fail-closed rejects it.
func (s *Service) CheckFunds(ctx context.Context, id, operation string, amount int64) (CheckResult, error) {
	required := amount
	if required <= 0 {
		required = s.pricing.CostOf(operation)
	}

	b, err := s.GetBalance(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) || errors.Is(err, ErrTransientStorage) {
			if s.failOpen {
				obs.LogEvent("billing.check.degraded", map[string]any{
					"account": id, "operation": operation, "error": err.Error(),
				})
				return CheckResult{Allowed: true, Required: required, Degraded: true}, nil
			}
			obs.ObserveConsumeDenied("degraded_fail_closed")
			return CheckResult{Allowed: false, Reason: "billing unavailable", Required: required}, nil
		}
		return CheckResult{}, err
	}

	if b.Status != StatusActive {
		obs.ObserveConsumeDenied("account_inactive")
		return CheckResult{Allowed: false, Reason: "account is not active", Required: required, Available: b.Credits}, nil
	}
	if b.Credits < required {
		obs.ObserveConsumeDenied("insufficient_credits")
		return CheckResult{Allowed: false, Reason: "insufficient credits", Required: required, Available: b.Credits}, nil
	}
	return CheckResult{Allowed: true, Required: required, Available: b.Credits}, nil
}

// Consume debits the account for one billable operation. The store applies
// the balance check, the debit, and the transaction append atomically, so
// concurrent calls can never jointly overdraw.
func (s *Service) Consume(ctx context.Context, id, operation string, amount int64, metadata map[string]string) (ConsumeResult, error) {
	required := amount
	if required <= 0 {
		required = s.pricing.CostOf(operation)
	}
	if required <= 0 {
		return ConsumeResult{}, ErrInvalidAmount
	}

	tx, err := s.store.Debit(ctx, id, required, operation, metadata)
	if err != nil {
		switch {
		case errors.Is(err, ErrInsufficientCredits):
			obs.ObserveConsumeDenied("insufficient_credits")
		case errors.Is(err, ErrAccountInactive):
			obs.ObserveConsumeDenied("account_inactive")
		}
		return ConsumeResult{}, storageError(err)
	}
	s.cache.invalidate(id)
	obs.ObserveConsume(operation, required)
	return ConsumeResult{Consumed: required, Remaining: tx.BalanceAfter}, nil
}

// Credit adds funds from a payment confirmation or subscription renewal and
// returns the new balance.
func (s *Service) Credit(ctx context.Context, id string, amount int64, source string, metadata map[string]string) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	tx, err := s.store.Credit(ctx, id, amount, source, metadata)
	if err != nil {
		return 0, storageError(err)
	}
	s.cache.invalidate(id)
	obs.ObserveCredit(source, amount)
	return tx.BalanceAfter, nil
}

// GetAccount looks up the full account record, bypassing the balance cache.
func (s *Service) GetAccount(ctx context.Context, id string) (Account, error) {
	acc, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return Account{}, storageError(err)
	}
	return acc, nil
}

// Summary returns the account plus its most recent transactions, newest
// first. Read-only.
func (s *Service) Summary(ctx context.Context, id string, limit int) (Summary, error) {
	acc, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return Summary{}, storageError(err)
	}
	txs, err := s.store.RecentTransactions(ctx, id, limit)
	if err != nil {
		return Summary{}, storageError(err)
	}
	return Summary{Account: acc, Transactions: txs}, nil
}

// CheckLowBalance reports whether the account dipped under the alert
// threshold.
func (s *Service) CheckLowBalance(ctx context.Context, id string) (LowBalance, error) {
	b, err := s.GetBalance(ctx, id)
	if err != nil {
		return LowBalance{}, err
	}
	if b.Status == StatusActive && b.Credits < lowBalanceThreshold {
		return LowBalance{Alert: true, Credits: b.Credits, Threshold: lowBalanceThreshold}, nil
	}
	return LowBalance{Alert: false, Credits: b.Credits, Threshold: lowBalanceThreshold}, nil
}

// storageError keeps domain sentinels intact and classifies everything else
// as transient so callers can retry with backoff. The service itself never
// retries a mutation; that risks double-charging.
func storageError(err error) error {
	switch {
	case errors.Is(err, ErrAccountNotFound),
		errors.Is(err, ErrAccountExists),
		errors.Is(err, ErrAccountInactive),
		errors.Is(err, ErrInsufficientCredits),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrTransientStorage):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrTransientStorage, err)
	}
}
