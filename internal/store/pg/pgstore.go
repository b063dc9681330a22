package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"reddog.dev/internal/billing"
	"reddog.dev/internal/ids"
)

// Store persists billing accounts, the append-only transaction ledger and
// the approvals audit trail in PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ billing.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle; used by tests.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) CreateAccount(ctx context.Context, acc billing.Account) (billing.Account, error) {
	if acc.Credits < 0 {
		return billing.Account{}, billing.ErrInvalidAmount
	}
	if acc.Status == "" {
		acc.Status = billing.StatusActive
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return billing.Account{}, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		insert into accounts(id, email, name, plan, credits, status, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6, now(), now())
		on conflict (id) do nothing
	`, acc.ID, acc.Email, acc.Name, string(acc.Plan), acc.Credits, string(acc.Status))
	if err != nil {
		return billing.Account{}, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return billing.Account{}, err
	} else if n == 0 {
		return billing.Account{}, billing.ErrAccountExists
	}

	if acc.Credits > 0 {
		meta, _ := json.Marshal(map[string]string{"source": "plan_grant"})
		if _, err := tx.ExecContext(ctx, `
			insert into transactions(id, account_id, amount, operation, balance_before, balance_after, metadata)
			values ($1,$2,$3,'credit_added',0,$3,$4)
		`, ids.New(), acc.ID, acc.Credits, meta); err != nil {
			return billing.Account{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return billing.Account{}, err
	}

	now := time.Now().UTC()
	acc.CreatedAt = now
	acc.UpdatedAt = now
	return acc, nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (billing.Account, error) {
	var acc billing.Account
	var plan, status string
	err := s.db.QueryRowContext(ctx, `
		select id, email, name, plan, credits, status, created_at, updated_at
		from accounts where id=$1
	`, id).Scan(&acc.ID, &acc.Email, &acc.Name, &plan, &acc.Credits, &status, &acc.CreatedAt, &acc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.Account{}, billing.ErrAccountNotFound
	}
	if err != nil {
		return billing.Account{}, err
	}
	acc.Plan = billing.Plan(plan)
	acc.Status = billing.AccountStatus(status)
	return acc, nil
}

func (s *Store) SetAccountStatus(ctx context.Context, id string, status billing.AccountStatus) error {
	res, err := s.db.ExecContext(ctx, `
		update accounts set status=$2, updated_at=now() where id=$1
	`, id, string(status))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return billing.ErrAccountNotFound
	}
	return nil
}

// Debit performs the balance check, the debit and the transaction append as
// one atomic unit. The conditional update is the race guard: two concurrent
// debits cannot both pass `credits >= $2` against the same committed row.
func (s *Store) Debit(ctx context.Context, id string, amount int64, operation string, metadata map[string]string) (billing.Transaction, error) {
	if amount <= 0 {
		return billing.Transaction{}, billing.ErrInvalidAmount
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return billing.Transaction{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var after int64
	err = tx.QueryRowContext(ctx, `
		update accounts set credits = credits - $2, updated_at = now()
		where id=$1 and status='active' and credits >= $2
		returning credits
	`, id, amount).Scan(&after)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.Transaction{}, s.classifyDebitFailure(ctx, tx, id, amount)
	}
	if err != nil {
		return billing.Transaction{}, err
	}

	record := billing.Transaction{
		ID:            ids.New(),
		AccountID:     id,
		Amount:        -amount,
		Operation:     operation,
		BalanceBefore: after + amount,
		BalanceAfter:  after,
		Metadata:      metadata,
		CreatedAt:     time.Now().UTC(),
	}
	if err := insertTransaction(ctx, tx, record); err != nil {
		return billing.Transaction{}, err
	}
	if err := tx.Commit(); err != nil {
		return billing.Transaction{}, err
	}
	return record, nil
}

// classifyDebitFailure distinguishes a missing account, an inactive one and
// an insufficient balance after the conditional update matched no row.
func (s *Store) classifyDebitFailure(ctx context.Context, tx *sql.Tx, id string, amount int64) error {
	var status string
	var credits int64
	err := tx.QueryRowContext(ctx, `select status, credits from accounts where id=$1`, id).Scan(&status, &credits)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.ErrAccountNotFound
	}
	if err != nil {
		return err
	}
	if billing.AccountStatus(status) != billing.StatusActive {
		return billing.ErrAccountInactive
	}
	return billing.ErrInsufficientCredits
}

func (s *Store) Credit(ctx context.Context, id string, amount int64, source string, metadata map[string]string) (billing.Transaction, error) {
	if amount <= 0 {
		return billing.Transaction{}, billing.ErrInvalidAmount
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return billing.Transaction{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var after int64
	err = tx.QueryRowContext(ctx, `
		update accounts set credits = credits + $2, updated_at = now()
		where id=$1
		returning credits
	`, id, amount).Scan(&after)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.Transaction{}, billing.ErrAccountNotFound
	}
	if err != nil {
		return billing.Transaction{}, err
	}

	meta := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		meta[k] = v
	}
	meta["source"] = source

	record := billing.Transaction{
		ID:            ids.New(),
		AccountID:     id,
		Amount:        amount,
		Operation:     "credit_added",
		BalanceBefore: after - amount,
		BalanceAfter:  after,
		Metadata:      meta,
		CreatedAt:     time.Now().UTC(),
	}
	if err := insertTransaction(ctx, tx, record); err != nil {
		return billing.Transaction{}, err
	}
	if err := tx.Commit(); err != nil {
		return billing.Transaction{}, err
	}
	return record, nil
}

func (s *Store) RecentTransactions(ctx context.Context, id string, limit int) ([]billing.Transaction, error) {
	if limit <= 0 || limit > 1000 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, account_id, amount, operation, balance_before, balance_after, coalesce(metadata,'{}'), created_at
		from transactions
		where account_id=$1
		order by created_at desc, id desc
		limit $2
	`, id, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []billing.Transaction
	for rows.Next() {
		var t billing.Transaction
		var meta []byte
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Amount, &t.Operation, &t.BalanceBefore, &t.BalanceAfter, &meta, &t.CreatedAt); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &t.Metadata)
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func insertTransaction(ctx context.Context, tx *sql.Tx, record billing.Transaction) error {
	meta, err := json.Marshal(record.Metadata)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		insert into transactions(id, account_id, amount, operation, balance_before, balance_after, metadata)
		values ($1,$2,$3,$4,$5,$6,$7)
	`, record.ID, record.AccountID, record.Amount, record.Operation, record.BalanceBefore, record.BalanceAfter, meta)
	return err
}
