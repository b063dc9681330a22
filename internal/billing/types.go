package billing

import (
	"context"
	"errors"
	"time"
)

// Plan is a subscription tier with a monthly credit grant.
type Plan string

const (
	PlanStarter      Plan = "starter"
	PlanProfessional Plan = "professional"
	PlanEnterprise   Plan = "enterprise"
)

// AccountStatus drives whether an account may consume credits.
type AccountStatus string

const (
	StatusActive    AccountStatus = "active"
	StatusInactive  AccountStatus = "inactive"
	StatusSuspended AccountStatus = "suspended"
)

// Account is a billing identity with a prepaid credit balance.
// Credits are whole units; the balance is never negative.
type Account struct {
	ID        string        `json:"id"`
	Email     string        `json:"email,omitempty"`
	Name      string        `json:"name,omitempty"`
	Plan      Plan          `json:"plan"`
	Credits   int64         `json:"credits"`
	Status    AccountStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Transaction is one immutable entry in the append-only credit ledger.
// Every balance mutation writes exactly one of these.
type Transaction struct {
	ID            string            `json:"id"`
	AccountID     string            `json:"account_id"`
	Amount        int64             `json:"amount"` // signed: negative for debits
	Operation     string            `json:"operation"`
	BalanceBefore int64             `json:"balance_before"`
	BalanceAfter  int64             `json:"balance_after"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// Balance is the read-model served by GetBalance, possibly from cache.
type Balance struct {
	Credits   int64         `json:"credits"`
	Plan      Plan          `json:"plan"`
	Status    AccountStatus `json:"status"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// CheckResult is the advisory answer of CheckFunds. Allowed=true does not
// reserve anything; Consume remains the only authoritative gate.
type CheckResult struct {
	Allowed   bool   `json:"allowed"`
	Reason    string `json:"reason,omitempty"`
	Required  int64  `json:"required"`
	Available int64  `json:"available"`
	Degraded  bool   `json:"degraded,omitempty"` // fail-open pass-through
}

// ConsumeResult reports a committed debit. LowBalance is attached when the
// remaining credits crossed the alert threshold.
type ConsumeResult struct {
	Consumed   int64       `json:"consumed"`
	Remaining  int64       `json:"remaining"`
	LowBalance *LowBalance `json:"low_balance,omitempty"`
}

// Summary is the dashboard projection: account state plus recent history.
type Summary struct {
	Account      Account       `json:"account"`
	Transactions []Transaction `json:"transactions"`
}

// LowBalance reports whether an account crossed the alert threshold.
type LowBalance struct {
	Alert     bool  `json:"alert"`
	Credits   int64 `json:"credits"`
	Threshold int64 `json:"threshold"`
}

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrAccountExists       = errors.New("account already exists")
	ErrAccountInactive     = errors.New("account is not active")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrInvalidAmount       = errors.New("invalid amount (must be > 0)")
	ErrUnknownPlan         = errors.New("unknown plan")
	ErrTransientStorage    = errors.New("billing storage unavailable")
)

// Store is the durable ledger contract. Debit and Credit must be atomic:
// the balance check, the balance change, and the transaction append commit
// as one unit or not at all.
type Store interface {
	CreateAccount(ctx context.Context, acc Account) (Account, error)
	GetAccount(ctx context.Context, id string) (Account, error)
	SetAccountStatus(ctx context.Context, id string, status AccountStatus) error
	Debit(ctx context.Context, id string, amount int64, operation string, metadata map[string]string) (Transaction, error)
	Credit(ctx context.Context, id string, amount int64, source string, metadata map[string]string) (Transaction, error)
	RecentTransactions(ctx context.Context, id string, limit int) ([]Transaction, error)
}
