package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/samber/lo"

	"lendpay/internal/common/database"
	"lendpay/internal/common/money"
	"lendpay/internal/ledger"
	ledgerstore "lendpay/internal/ledger/store"
)

const orderIDKey = "payment_intents_order_id_key"

const intentColumns = `id, kind, owner_id, target_account_id, amount, currency, description,
	order_id, COALESCE(payment_key, ''), COALESCE(checkout_url, ''), gateway, status,
	COALESCE(failure_reason, ''), COALESCE(transaction_id, ''), COALESCE(fingerprint, ''),
	created_at, updated_at, confirmed_at, expires_at`

// PostgresStore is the pgx-backed Store
type PostgresStore struct {
	db       *database.DB
	accounts *ledgerstore.Store
}

var (
	_ Store           = (*PostgresStore)(nil)
	_ ledger.Accounts = (*PostgresStore)(nil)
)

// NewPostgresStore creates a new Postgres store
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db, accounts: ledgerstore.New(db.Pool())}
}

// CreateIntent inserts a new intent
func (s *PostgresStore) CreateIntent(ctx context.Context, in *Intent) error {
	query := `
		INSERT INTO payment_intents (
			id, kind, owner_id, target_account_id, amount, currency, description,
			order_id, payment_key, checkout_url, gateway, status, failure_reason,
			transaction_id, fingerprint, created_at, updated_at, confirmed_at, expires_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19
		)
	`

	_, err := s.db.Pool().Exec(ctx, query,
		in.ID,
		in.Kind,
		in.OwnerID,
		in.TargetAccountID,
		in.Amount,
		in.Currency,
		in.Description,
		in.OrderID,
		nullable(in.PaymentKey),
		nullable(in.CheckoutURL),
		in.Gateway,
		in.Status,
		nullable(string(in.FailureReason)),
		nullable(in.TransactionID),
		nullable(in.Fingerprint),
		in.CreatedAt,
		in.UpdatedAt,
		in.ConfirmedAt,
		in.ExpiresAt,
	)
	if err != nil {
		if database.IsUniqueViolationOn(err, orderIDKey) {
			return fmt.Errorf("order %s: %w", in.OrderID, ErrDuplicateOrderID)
		}
		return fmt.Errorf("inserting intent: %w", err)
	}
	return nil
}

// GetIntent retrieves an intent by ID
func (s *PostgresStore) GetIntent(ctx context.Context, id string) (*Intent, error) {
	query := `SELECT ` + intentColumns + ` FROM payment_intents WHERE id = $1`
	return scanIntent(s.db.Pool().QueryRow(ctx, query, id))
}

// GetIntentByOrderID retrieves an intent by its external order id
func (s *PostgresStore) GetIntentByOrderID(ctx context.Context, orderID string) (*Intent, error) {
	query := `SELECT ` + intentColumns + ` FROM payment_intents WHERE order_id = $1`
	return scanIntent(s.db.Pool().QueryRow(ctx, query, orderID))
}

// UpdateIntent writes the mutable fields if the row is still in expected
func (s *PostgresStore) UpdateIntent(ctx context.Context, in *Intent, expected Status) error {
	return updateIntent(ctx, s.db.Pool(), in, expected)
}

// ListDue lists intents in statuses that expired at or before before
func (s *PostgresStore) ListDue(ctx context.Context, statuses []Status, before time.Time, limit int) ([]*Intent, error) {
	query := `SELECT ` + intentColumns + ` FROM payment_intents
		WHERE status = ANY($1) AND expires_at <= $2
		ORDER BY expires_at
		LIMIT $3`

	names := lo.Map(statuses, func(st Status, _ int) string { return string(st) })
	return s.list(ctx, query, names, before, limit)
}

// ListStale lists intents in status last updated before before
func (s *PostgresStore) ListStale(ctx context.Context, status Status, before time.Time, limit int) ([]*Intent, error) {
	query := `SELECT ` + intentColumns + ` FROM payment_intents
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3`
	return s.list(ctx, query, status, before, limit)
}

func (s *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*Intent, error) {
	rows, err := s.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing intents: %w", err)
	}
	defer rows.Close()

	var intents []*Intent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		intents = append(intents, in)
	}
	return intents, rows.Err()
}

// GetAccount retrieves an account by ID
func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*ledger.Account, error) {
	return s.accounts.GetAccount(ctx, id)
}

// CreateAccount inserts an account
func (s *PostgresStore) CreateAccount(ctx context.Context, account *ledger.Account) error {
	return s.accounts.CreateAccount(ctx, account)
}

// ListEffects lists an account's effects, newest first
func (s *PostgresStore) ListEffects(ctx context.Context, accountID string, limit int) ([]*ledger.Effect, error) {
	return s.accounts.ListEffects(ctx, accountID, limit)
}

// GetEffect retrieves the ledger effect of an intent
func (s *PostgresStore) GetEffect(ctx context.Context, intentID string) (*ledger.Effect, error) {
	return s.accounts.GetEffect(ctx, intentID)
}

// InTx runs fn in a read-committed transaction
func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		return fn(&pgTx{Tx: ledgerstore.NewTx(tx), tx: tx})
	})
}

type pgTx struct {
	*ledgerstore.Tx
	tx pgx.Tx
}

func (t *pgTx) LockIntent(ctx context.Context, id string) (*Intent, error) {
	query := `SELECT ` + intentColumns + ` FROM payment_intents WHERE id = $1 FOR UPDATE`
	return scanIntent(t.tx.QueryRow(ctx, query, id))
}

func (t *pgTx) UpdateIntent(ctx context.Context, in *Intent, expected Status) error {
	return updateIntent(ctx, t.tx, in, expected)
}

func updateIntent(ctx context.Context, q database.Querier, in *Intent, expected Status) error {
	query := `
		UPDATE payment_intents SET
			status = $3,
			payment_key = $4,
			checkout_url = $5,
			failure_reason = $6,
			transaction_id = $7,
			fingerprint = $8,
			confirmed_at = $9,
			updated_at = $10
		WHERE id = $1 AND status = $2
	`

	tag, err := q.Exec(ctx, query,
		in.ID,
		expected,
		in.Status,
		nullable(in.PaymentKey),
		nullable(in.CheckoutURL),
		nullable(string(in.FailureReason)),
		nullable(in.TransactionID),
		nullable(in.Fingerprint),
		in.ConfirmedAt,
		in.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("updating intent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("intent %s not %s: %w", in.ID, expected, ErrStaleStatus)
	}
	return nil
}

func scanIntent(row pgx.Row) (*Intent, error) {
	var in Intent
	var currency, reason string
	err := row.Scan(
		&in.ID,
		&in.Kind,
		&in.OwnerID,
		&in.TargetAccountID,
		&in.Amount,
		&currency,
		&in.Description,
		&in.OrderID,
		&in.PaymentKey,
		&in.CheckoutURL,
		&in.Gateway,
		&in.Status,
		&reason,
		&in.TransactionID,
		&in.Fingerprint,
		&in.CreatedAt,
		&in.UpdatedAt,
		&in.ConfirmedAt,
		&in.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning intent: %w", err)
	}
	in.Currency = money.Currency(currency)
	in.FailureReason = Reason(reason)
	return &in, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
