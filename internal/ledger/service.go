package ledger

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/oklog/ulid/v2"

	"lendpay/internal/common/clock"
	"lendpay/internal/common/money"
)

// Accounts is the non-transactional account store
type Accounts interface {
	CreateAccount(ctx context.Context, account *Account) error
	GetAccount(ctx context.Context, id string) (*Account, error)
	ListEffects(ctx context.Context, accountID string, limit int) ([]*Effect, error)
}

// Service provides owner-scoped account operations
type Service struct {
	accounts Accounts
	clock    clock.Clock
	logger   *slog.Logger
}

// NewService creates a new ledger service
func NewService(accounts Accounts, clk clock.Clock, logger *slog.Logger) *Service {
	return &Service{accounts: accounts, clock: clk, logger: logger}
}

// OpenVirtualAccount opens a VIRTUAL account awaiting its activation payment
func (s *Service) OpenVirtualAccount(ctx context.Context, ownerID string, currency money.Currency) (*Account, error) {
	id := "acc_" + ulid.Make().String()

	account, err := NewAccount(id, ownerID, AccountKindVirtual, AccountStatusPendingActivation, currency, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if err := s.accounts.CreateAccount(ctx, account); err != nil {
		return nil, err
	}

	s.logger.Info("account opened",
		"account_id", account.ID,
		"owner_id", ownerID,
		"kind", account.Kind,
	)
	return account, nil
}

// GetAccount returns the account if ownerID owns it.
// Accounts of other owners are reported as not found.
func (s *Service) GetAccount(ctx context.Context, ownerID, id string) (*Account, error) {
	account, err := s.accounts.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if account.OwnerID != ownerID {
		return nil, errors.Wrapf(ErrAccountNotFound, "account %s", id)
	}
	return account, nil
}

// ListEffects lists the effects applied to an owner's account
func (s *Service) ListEffects(ctx context.Context, ownerID, accountID string, limit int) ([]*Effect, error) {
	if _, err := s.GetAccount(ctx, ownerID, accountID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	return s.accounts.ListEffects(ctx, accountID, limit)
}
