// Package store defines the persistence interface for the pot engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/solpot/pot-engine/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned when a uniqueness constraint is violated.
var ErrConflict = errors.New("store: conflict")

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
//
// WithinTx runs fn against a serializable transaction view of the same
// interface. Share accounting (mint/burn) must run inside WithinTx so
// concurrent withdrawals cannot read the same totalShares snapshot and
// double-spend the base asset.
type Store interface {
	// --- Transaction scope ---

	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error

	// --- Users ---

	CreateUser(ctx context.Context, u *model.User) error
	GetUser(ctx context.Context, id string) (*model.User, error)

	// --- Pots ---

	CreatePot(ctx context.Context, p *model.Pot) error
	GetPot(ctx context.Context, id string) (*model.Pot, error)
	ListPotsByUser(ctx context.Context, userID string) ([]model.Pot, error)
	UpdatePotTotalShares(ctx context.Context, potID string, totalShares uint64) error

	// --- Members ---

	CreateMember(ctx context.Context, m *model.PotMember) error
	GetMember(ctx context.Context, potID, userID string) (*model.PotMember, error)
	ListMembers(ctx context.Context, potID string) ([]model.PotMember, error)
	UpdateMemberRole(ctx context.Context, potID, userID string, role model.Role) error
	UpdateMemberShares(ctx context.Context, potID, userID string, shares uint64) error

	// --- Assets ---

	GetAsset(ctx context.Context, potID, mint string) (*model.Asset, error)
	ListAssets(ctx context.Context, potID string) ([]model.Asset, error)

	// UpsertAsset sets the balance for (potID, mint), creating the row if
	// absent. Balance rows are only written as the mirror image of a
	// recorded Trade, Deposit, or Withdrawal.
	UpsertAsset(ctx context.Context, potID, mint string, balance uint64) error

	// --- Immutable ledger ---

	InsertTrade(ctx context.Context, t *model.Trade) error
	ListTradesByPot(ctx context.Context, potID string, limit int) ([]model.Trade, error)
	InsertDeposit(ctx context.Context, d *model.Deposit) error
	ListDepositsByUser(ctx context.Context, potID, userID string) ([]model.Deposit, error)
	InsertWithdrawal(ctx context.Context, w *model.Withdrawal) error
	ListWithdrawalsByUser(ctx context.Context, potID, userID string) ([]model.Withdrawal, error)

	// --- Copy trading ---

	CreateCopyTrading(ctx context.Context, c *model.CopyTrading) error
	GetCopyTradingByUser(ctx context.Context, userID string) (*model.CopyTrading, error)
	ListActiveCopyTrading(ctx context.Context) ([]model.CopyTrading, error)
	SetCopyTradingActive(ctx context.Context, id string, active bool) error

	CreateCopiedTrade(ctx context.Context, c *model.CopiedTrade) error
	GetCopiedTrade(ctx context.Context, id string) (*model.CopiedTrade, error)

	// GetCopiedTradeByOriginalHash is the persisted half of copy-trade
	// deduplication; the in-memory hash set is only an optimization.
	GetCopiedTradeByOriginalHash(ctx context.Context, hash string) (*model.CopiedTrade, error)
	UpdateCopiedTrade(ctx context.Context, id string, status model.CopiedTradeStatus, outAmount uint64, copiedTxHash string) error

	// TransitionCopiedTrade moves a copied trade from one status to
	// another only if it is still in the from status, returning
	// ErrConflict otherwise. Concurrent confirms and rejects of the same
	// pending trade race on this; exactly one transition wins.
	TransitionCopiedTrade(ctx context.Context, id string, from, to model.CopiedTradeStatus) error

	// --- Delegations ---

	CreateDelegation(ctx context.Context, d *model.Delegation) error
	UpdateDelegationState(ctx context.Context, id string, state model.DelegationState) error

	// ListStaleDelegations returns delegations still in a non-terminal
	// state (DELEGATED or SWAPPING) created before the cutoff. Used by
	// the startup sweep to force-revoke authorizations a crashed process
	// left standing.
	ListStaleDelegations(ctx context.Context, cutoff time.Time) ([]model.Delegation, error)
}
