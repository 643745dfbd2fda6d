// Package model defines the core domain types shared across the pot engine.
// Shares, balances, and trade amounts are uint64 in the asset's smallest
// unit — never float64 for ledger values. USD valuations use
// shopspring/decimal and are display-only.
package model

import (
	"time"
)

// Well-known mint addresses and unit constants.
const (
	// SolMint is the wrapped-native SOL mint address.
	SolMint = "So11111111111111111111111111111111111111112"

	// SystemProgramID shows up in indexer transfer data in place of the
	// native asset; it must be normalized to SolMint before matching.
	SystemProgramID = "11111111111111111111111111111111"

	LamportsPerSOL = uint64(1_000_000_000)

	// FeeReserveLamports is the minimum SOL balance kept back for
	// network fees on any spend from a wallet or vault.
	FeeReserveLamports = uint64(5_000_000) // 0.005 SOL
)

// Role is a pot membership role. Exactly one member per pot is ADMIN.
type Role string

const (
	RoleAdmin  Role = "ADMIN"
	RoleTrader Role = "TRADER"
	RoleMember Role = "MEMBER"
)

// TradeStatus marks an executed or failed swap attempt.
type TradeStatus string

const (
	TradeCompleted TradeStatus = "COMPLETED"
	TradeFailed    TradeStatus = "FAILED"
)

// CopyMode selects whether mirrored trades require explicit confirmation.
type CopyMode string

const (
	CopyPermissioned   CopyMode = "PERMISSIONED"
	CopyPermissionless CopyMode = "PERMISSIONLESS"
)

// CopiedTradeStatus is the lifecycle of one mirrored trade.
type CopiedTradeStatus string

const (
	CopiedPending   CopiedTradeStatus = "PENDING"
	CopiedConfirmed CopiedTradeStatus = "CONFIRMED"
	CopiedExecuted  CopiedTradeStatus = "EXECUTED"
	CopiedFailed    CopiedTradeStatus = "FAILED"
	CopiedCancelled CopiedTradeStatus = "CANCELLED"
)

// DelegationState tracks an in-flight spend delegation through the
// authorize -> swap -> revoke protocol. Persisted so a crash mid-protocol
// leaves a record that the startup sweep can detect and force-revoke.
type DelegationState string

const (
	DelegationDelegated DelegationState = "DELEGATED"
	DelegationSwapping  DelegationState = "SWAPPING"
	DelegationSettled   DelegationState = "SETTLED"
	DelegationFailed    DelegationState = "FAILED"
	DelegationRevoked   DelegationState = "REVOKED"
)

// User is a registered user with a generated keypair-backed wallet.
type User struct {
	ID        string    `json:"id" db:"id"`
	PublicKey string    `json:"public_key" db:"public_key"`
	SecretKey string    `json:"-" db:"secret_key"` // base58, never serialized
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Pot is a shared trading pool with a vault wallet.
//
// Invariant: TotalShares == sum of member shares at all times; both are
// only ever mutated inside the same serializable transaction.
type Pot struct {
	ID           string    `json:"id" db:"id"`
	Name         string    `json:"name" db:"name"`
	AdminID      string    `json:"admin_id" db:"admin_id"`
	VaultAddress string    `json:"-" db:"vault_address"` // wallet JSON or program vault address
	CashOutMint  string    `json:"cash_out_mint" db:"cash_out_mint"`
	TotalShares  uint64    `json:"total_shares" db:"total_shares"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// PotMember is a (userID, potID) membership carrying a claim on
// Pot.TotalShares. Removing a trader demotes to MEMBER, never deletes.
type PotMember struct {
	ID       string    `json:"id" db:"id"`
	UserID   string    `json:"user_id" db:"user_id"`
	PotID    string    `json:"pot_id" db:"pot_id"`
	Role     Role      `json:"role" db:"role"`
	Shares   uint64    `json:"shares" db:"shares"`
	JoinedAt time.Time `json:"joined_at" db:"joined_at"`
}

// Asset is the pot vault's holding of one token, smallest units.
// Invariant: Balance never goes negative; any operation that would drive
// it below zero is rejected pre-flight.
type Asset struct {
	ID          string `json:"id" db:"id"`
	PotID       string `json:"pot_id" db:"pot_id"`
	MintAddress string `json:"mint_address" db:"mint_address"`
	Balance     uint64 `json:"balance" db:"balance"`
}

// Trade is an immutable record of one attempted swap, created exactly
// once after the on-chain result is known (or synthesized for a failure).
type Trade struct {
	ID          string      `json:"id" db:"id"`
	PotID       string      `json:"pot_id" db:"pot_id"`
	TraderID    string      `json:"trader_id" db:"trader_id"`
	InMint      string      `json:"in_mint" db:"in_mint"`
	InAmount    uint64      `json:"in_amount" db:"in_amount"`
	OutMint     string      `json:"out_mint" db:"out_mint"`
	OutAmount   uint64      `json:"out_amount" db:"out_amount"`
	TxSignature string      `json:"tx_signature" db:"tx_signature"`
	Status      TradeStatus `json:"status" db:"status"`
	CreatedAt   time.Time   `json:"created_at" db:"created_at"`
}

// Deposit is an immutable per-user ledger entry: lamports in, shares minted.
type Deposit struct {
	ID           string    `json:"id" db:"id"`
	PotID        string    `json:"pot_id" db:"pot_id"`
	UserID       string    `json:"user_id" db:"user_id"`
	Amount       uint64    `json:"amount" db:"amount"`
	SharesMinted uint64    `json:"shares_minted" db:"shares_minted"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// Withdrawal is an immutable per-user ledger entry: shares burned,
// base asset out.
type Withdrawal struct {
	ID           string    `json:"id" db:"id"`
	PotID        string    `json:"pot_id" db:"pot_id"`
	UserID       string    `json:"user_id" db:"user_id"`
	SharesBurned uint64    `json:"shares_burned" db:"shares_burned"`
	AmountOut    uint64    `json:"amount_out" db:"amount_out"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// CopyTrading is a follower's configuration mirroring a target wallet.
type CopyTrading struct {
	ID                  string    `json:"id" db:"id"`
	UserID              string    `json:"user_id" db:"user_id"`
	TargetWalletAddress string    `json:"target_wallet_address" db:"target_wallet_address"`
	AllocatedPercentage int       `json:"allocated_percentage" db:"allocated_percentage"` // 1–100
	Mode                CopyMode  `json:"mode" db:"mode"`
	IsActive            bool      `json:"is_active" db:"is_active"`
	CreatedAt           time.Time `json:"created_at" db:"created_at"`
}

// CopiedTrade is one mirrored trade, keyed by the original transaction
// hash for idempotent deduplication.
type CopiedTrade struct {
	ID             string            `json:"id" db:"id"`
	CopyTradingID  string            `json:"copy_trading_id" db:"copy_trading_id"`
	OriginalTxHash string            `json:"original_tx_hash" db:"original_tx_hash"`
	InMint         string            `json:"in_mint" db:"in_mint"`
	InAmount       uint64            `json:"in_amount" db:"in_amount"`
	OutMint        string            `json:"out_mint" db:"out_mint"`
	OutAmount      uint64            `json:"out_amount" db:"out_amount"`
	CopiedTxHash   string            `json:"copied_tx_hash,omitempty" db:"copied_tx_hash"`
	Status         CopiedTradeStatus `json:"status" db:"status"`
	CreatedAt      time.Time         `json:"created_at" db:"created_at"`
}

// Delegation is the persisted in-flight record of a spend authorization
// granted on the vault for one swap attempt.
type Delegation struct {
	ID        string          `json:"id" db:"id"`
	PotID     string          `json:"pot_id" db:"pot_id"`
	TraderID  string          `json:"trader_id" db:"trader_id"`
	Mint      string          `json:"mint" db:"mint"`
	Amount    uint64          `json:"amount" db:"amount"`
	State     DelegationState `json:"state" db:"state"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// NormalizeMint maps the system-program placeholder some indexers report
// for the native asset onto the wrapped-native mint.
func NormalizeMint(mint string) string {
	if mint == SystemProgramID {
		return SolMint
	}
	return mint
}
