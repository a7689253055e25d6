package payment

import (
	"context"
	"time"

	"lendpay/internal/ledger"
)

// Store persists intents. Every status write is a compare-and-set on
// the expected current status and returns ErrStaleStatus when it loses.
type Store interface {
	CreateIntent(ctx context.Context, intent *Intent) error
	GetIntent(ctx context.Context, id string) (*Intent, error)
	GetIntentByOrderID(ctx context.Context, orderID string) (*Intent, error)
	UpdateIntent(ctx context.Context, intent *Intent, expected Status) error

	// ListDue lists intents in statuses whose expiresAt <= before, oldest first
	ListDue(ctx context.Context, statuses []Status, before time.Time, limit int) ([]*Intent, error)
	// ListStale lists intents in status not updated since before, oldest first
	ListStale(ctx context.Context, status Status, before time.Time, limit int) ([]*Intent, error)

	GetAccount(ctx context.Context, id string) (*ledger.Account, error)
	GetEffect(ctx context.Context, intentID string) (*ledger.Effect, error)

	// InTx runs fn in one transaction; fn's error rolls it back
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the transactional view used to finalize a confirmation
type Tx interface {
	ledger.Tx
	// LockIntent reads the intent and holds it until the transaction ends
	LockIntent(ctx context.Context, id string) (*Intent, error)
	UpdateIntent(ctx context.Context, intent *Intent, expected Status) error
}
