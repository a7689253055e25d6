package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"lendpay/internal/common/database"
	"lendpay/internal/common/money"
	"lendpay/internal/ledger"
)

const effectIntentKey = "ledger_effects_intent_id_key"

const accountColumns = `id, owner_id, kind, status, balance, currency, created_at, updated_at`

const effectColumns = `intent_id, account_id, direction, amount, balance_before, balance_after, applied_at`

// Store provides account and effect reads outside a transaction
type Store struct {
	q database.Querier
}

// New creates a new ledger store
func New(q database.Querier) *Store {
	return &Store{q: q}
}

// CreateAccount inserts a new account
func (s *Store) CreateAccount(ctx context.Context, account *ledger.Account) error {
	query := `
		INSERT INTO accounts (
			id, owner_id, kind, status, balance, currency, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8
		)
	`

	_, err := s.q.Exec(ctx, query,
		account.ID,
		account.OwnerID,
		account.Kind,
		account.Status,
		account.Balance,
		account.Currency,
		account.CreatedAt,
		account.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("account %s: %w", account.ID, ledger.ErrAccountExists)
		}
		return fmt.Errorf("creating account: %w", err)
	}
	return nil
}

// GetAccount retrieves an account by ID
func (s *Store) GetAccount(ctx context.Context, id string) (*ledger.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	return scanAccount(s.q.QueryRow(ctx, query, id))
}

// GetEffect retrieves the effect of an intent
func (s *Store) GetEffect(ctx context.Context, intentID string) (*ledger.Effect, error) {
	return getEffect(ctx, s.q, intentID)
}

// ListEffects lists an account's effects, newest first
func (s *Store) ListEffects(ctx context.Context, accountID string, limit int) ([]*ledger.Effect, error) {
	query := `SELECT ` + effectColumns + ` FROM ledger_effects
		WHERE account_id = $1
		ORDER BY applied_at DESC
		LIMIT $2`

	rows, err := s.q.Query(ctx, query, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing effects: %w", err)
	}
	defer rows.Close()

	var effects []*ledger.Effect
	for rows.Next() {
		effect, err := scanEffect(rows)
		if err != nil {
			return nil, err
		}
		effects = append(effects, effect)
	}
	return effects, rows.Err()
}

// Tx binds ledger.Tx to a pgx transaction
type Tx struct {
	tx pgx.Tx
}

var _ ledger.Tx = (*Tx)(nil)

// NewTx wraps tx
func NewTx(tx pgx.Tx) *Tx {
	return &Tx{tx: tx}
}

// LockAccount reads the account holding a row lock until commit
func (t *Tx) LockAccount(ctx context.Context, id string) (*ledger.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1 FOR UPDATE`
	return scanAccount(t.tx.QueryRow(ctx, query, id))
}

// UpdateAccount writes balance and status
func (t *Tx) UpdateAccount(ctx context.Context, account *ledger.Account) error {
	query := `UPDATE accounts SET balance = $2, status = $3, updated_at = $4 WHERE id = $1`

	tag, err := t.tx.Exec(ctx, query, account.ID, account.Balance, account.Status, account.UpdatedAt)
	if err != nil {
		return fmt.Errorf("updating account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %s: %w", account.ID, ledger.ErrAccountNotFound)
	}
	return nil
}

// InsertEffect inserts the effect; a second effect for the same intent is ErrAlreadyApplied
func (t *Tx) InsertEffect(ctx context.Context, effect *ledger.Effect) error {
	query := `INSERT INTO ledger_effects (` + effectColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := t.tx.Exec(ctx, query,
		effect.IntentID,
		effect.AccountID,
		effect.Direction,
		effect.Amount,
		effect.BalanceBefore,
		effect.BalanceAfter,
		effect.AppliedAt,
	)
	if err != nil {
		if database.IsUniqueViolationOn(err, effectIntentKey) {
			return fmt.Errorf("intent %s: %w", effect.IntentID, ledger.ErrAlreadyApplied)
		}
		return fmt.Errorf("inserting effect: %w", err)
	}
	return nil
}

// GetEffect reads the effect of an intent within the transaction
func (t *Tx) GetEffect(ctx context.Context, intentID string) (*ledger.Effect, error) {
	return getEffect(ctx, t.tx, intentID)
}

func getEffect(ctx context.Context, q database.Querier, intentID string) (*ledger.Effect, error) {
	query := `SELECT ` + effectColumns + ` FROM ledger_effects WHERE intent_id = $1`
	return scanEffect(q.QueryRow(ctx, query, intentID))
}

func scanAccount(row pgx.Row) (*ledger.Account, error) {
	var a ledger.Account
	var currency string
	err := row.Scan(
		&a.ID,
		&a.OwnerID,
		&a.Kind,
		&a.Status,
		&a.Balance,
		&currency,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ledger.ErrAccountNotFound
		}
		return nil, fmt.Errorf("scanning account: %w", err)
	}
	a.Currency = money.Currency(currency)
	return &a, nil
}

func scanEffect(row pgx.Row) (*ledger.Effect, error) {
	var e ledger.Effect
	err := row.Scan(
		&e.IntentID,
		&e.AccountID,
		&e.Direction,
		&e.Amount,
		&e.BalanceBefore,
		&e.BalanceAfter,
		&e.AppliedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ledger.ErrEffectNotFound
		}
		return nil, fmt.Errorf("scanning effect: %w", err)
	}
	return &e, nil
}
