// Package ledger is the share accounting engine: deposits mint shares,
// withdrawals burn shares for a pro-rata slice of the pot's base asset.
//
// All share and balance arithmetic is uint64 in smallest units, and every
// proportional computation floors. Flooring biases rounding dust toward
// the pot, so no sequence of mints and burns can extract more than was
// put in. USD figures are display-only and never feed back into share
// math except to price non-bootstrap deposits.
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/solpot/pot-engine/internal/fault"
	"github.com/solpot/pot-engine/internal/metrics"
	"github.com/solpot/pot-engine/internal/model"
	"github.com/solpot/pot-engine/internal/store"
)

// Valuer prices pot holdings in USD.
type Valuer interface {
	PotValueUSD(ctx context.Context, assets []model.Asset) decimal.Decimal
	AssetValueUSD(ctx context.Context, mint string, amount uint64) decimal.Decimal
}

// WithdrawalPreview is a read-only projection of a withdrawal.
type WithdrawalPreview struct {
	SharesToBurn  uint64          `json:"shares_to_burn"`
	Percentage    decimal.Decimal `json:"percentage"`
	AssetToReturn string          `json:"asset_to_return"`
	AmountOut     uint64          `json:"amount_out"`
	ValueUSD      decimal.Decimal `json:"value_usd"`
}

// WithdrawalResult records a committed withdrawal.
type WithdrawalResult struct {
	SharesBurned  uint64          `json:"shares_burned"`
	AssetToReturn string          `json:"asset_to_return"`
	AmountOut     uint64          `json:"amount_out"`
	ValueUSD      decimal.Decimal `json:"value_usd"`
}

// DepositResult records a committed deposit.
type DepositResult struct {
	Amount       uint64 `json:"amount"`
	SharesMinted uint64 `json:"shares_minted"`
	TotalShares  uint64 `json:"total_shares"`
}

// Service owns all mutation of totalShares, member shares, and the base
// asset balance. The three always move together inside one serializable
// transaction.
type Service struct {
	store  store.Store
	valuer Valuer
	log    *slog.Logger
	now    func() time.Time
}

// NewService creates a share ledger.
func NewService(st store.Store, valuer Valuer, log *slog.Logger) *Service {
	return &Service{store: st, valuer: valuer, log: log, now: time.Now}
}

// floorMulDiv computes floor(a*b/c) exactly. The intermediate product
// can exceed uint64, so it goes through math/big.
func floorMulDiv(a, b, c uint64) uint64 {
	if c == 0 {
		return 0
	}
	p := new(big.Int).Mul(new(big.Int).SetUint64(a), new(big.Int).SetUint64(b))
	p.Quo(p, new(big.Int).SetUint64(c))
	if !p.IsUint64() {
		// a*b/c <= a when b <= c; callers only pass b <= c, so this
		// branch means a caller bug, not an overflow in valid input.
		return a
	}
	return p.Uint64()
}

// floorShares computes floor(totalShares * depositValue / potValue)
// exactly on the decimals' integer coefficients. Decimal division is
// bounded by DivisionPrecision, so it cannot guarantee the exact floor
// that share issuance requires.
func floorShares(totalShares uint64, depositValue, potValue decimal.Decimal) uint64 {
	num := new(big.Int).Mul(new(big.Int).SetUint64(totalShares), depositValue.Coefficient())
	den := potValue.Coefficient()
	shift := int64(depositValue.Exponent()) - int64(potValue.Exponent())
	if shift > 0 {
		num.Mul(num, new(big.Int).Exp(big.NewInt(10), big.NewInt(shift), nil))
	} else if shift < 0 {
		den.Mul(den, new(big.Int).Exp(big.NewInt(10), big.NewInt(-shift), nil))
	}
	if den.Sign() <= 0 {
		return 0
	}
	num.Quo(num, den)
	if !num.IsUint64() {
		return 0
	}
	return num.Uint64()
}

// available returns how much of the base asset may actually leave the
// vault. Native SOL keeps back the fee reserve; token balances are fully
// withdrawable since fees are paid in SOL.
func available(mint string, balance uint64) uint64 {
	if mint != model.SolMint {
		return balance
	}
	if balance <= model.FeeReserveLamports {
		return 0
	}
	return balance - model.FeeReserveLamports
}

// PreviewWithdrawal computes what burning sharesToBurn would return,
// without mutating anything. The preview is advisory: a concurrent
// withdrawal can change the pot before commit, which is why Withdraw
// re-validates inside its transaction.
func (s *Service) PreviewWithdrawal(ctx context.Context, potID, userID string, sharesToBurn uint64) (*WithdrawalPreview, error) {
	pot, member, base, err := s.loadWithdrawalState(ctx, s.store, potID, userID)
	if err != nil {
		return nil, err
	}
	preview, err := s.computeWithdrawal(pot, member, base, sharesToBurn)
	if err != nil {
		return nil, err
	}
	preview.ValueUSD = s.valuer.AssetValueUSD(ctx, preview.AssetToReturn, preview.AmountOut)
	return preview, nil
}

// Withdraw burns sharesToBurn of the member's shares and pays out the
// proportional slice of the base asset, all inside one serializable
// transaction. Validation runs again inside the transaction because the
// preview read and this commit are not atomic with each other.
func (s *Service) Withdraw(ctx context.Context, potID, userID string, sharesToBurn uint64) (*WithdrawalResult, error) {
	var result *WithdrawalResult
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Store) error {
		pot, member, base, err := s.loadWithdrawalState(ctx, tx, potID, userID)
		if err != nil {
			return err
		}
		preview, err := s.computeWithdrawal(pot, member, base, sharesToBurn)
		if err != nil {
			return err
		}

		if err := tx.UpsertAsset(ctx, potID, base.MintAddress, base.Balance-preview.AmountOut); err != nil {
			return err
		}
		if err := tx.UpdatePotTotalShares(ctx, potID, pot.TotalShares-sharesToBurn); err != nil {
			return err
		}
		if err := tx.UpdateMemberShares(ctx, potID, userID, member.Shares-sharesToBurn); err != nil {
			return err
		}
		if err := tx.InsertWithdrawal(ctx, &model.Withdrawal{
			ID:           uuid.NewString(),
			PotID:        potID,
			UserID:       userID,
			SharesBurned: sharesToBurn,
			AmountOut:    preview.AmountOut,
			CreatedAt:    s.now().UTC(),
		}); err != nil {
			return err
		}

		result = &WithdrawalResult{
			SharesBurned:  sharesToBurn,
			AssetToReturn: preview.AssetToReturn,
			AmountOut:     preview.AmountOut,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// USD figures are display-only; pricing after commit keeps price
	// lookups out of the serializable transaction.
	result.ValueUSD = s.valuer.AssetValueUSD(ctx, result.AssetToReturn, result.AmountOut)

	metrics.SharesBurned.Add(float64(result.SharesBurned))
	s.log.Info("withdrawal committed",
		"pot_id", potID, "user_id", userID,
		"shares_burned", result.SharesBurned,
		"amount_out", result.AmountOut, "mint", result.AssetToReturn)
	return result, nil
}

// Deposit credits the vault's base asset and mints shares. The first
// deposit into an empty pot bootstraps shares 1:1 with the deposited
// amount; later deposits are priced at the pot's pre-deposit NAV so an
// incoming depositor cannot dilute existing members.
func (s *Service) Deposit(ctx context.Context, potID, userID string, amount uint64) (*DepositResult, error) {
	if amount == 0 {
		return nil, fault.New(fault.Validation, "deposit amount must be positive")
	}

	// Price lookups can hit the network on a cache miss; snapshot them
	// before the serializable transaction opens so it never blocks on
	// HTTP I/O. Only store state is re-read inside the transaction.
	var potValue, depositValue decimal.Decimal
	pre, err := s.store.GetPot(ctx, potID)
	if err != nil {
		return nil, asNotFound(err, "pot not found")
	}
	if pre.TotalShares > 0 {
		assets, err := s.store.ListAssets(ctx, potID)
		if err != nil {
			return nil, err
		}
		potValue = s.valuer.PotValueUSD(ctx, assets)
		depositValue = s.valuer.AssetValueUSD(ctx, pre.CashOutMint, amount)
	}

	var result *DepositResult
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx store.Store) error {
		pot, err := tx.GetPot(ctx, potID)
		if err != nil {
			return asNotFound(err, "pot not found")
		}
		member, err := tx.GetMember(ctx, potID, userID)
		if err != nil {
			return asNotFound(err, "you are not a member of this pot")
		}

		var shares uint64
		if pot.TotalShares == 0 {
			shares = amount
		} else {
			// A zero value also covers a pot that gained its first
			// shares after the snapshot read.
			if potValue.IsZero() {
				return fault.New(fault.External,
					"pot cannot be valued right now; try again shortly")
			}
			shares = floorShares(pot.TotalShares, depositValue, potValue)
		}
		if shares == 0 {
			return fault.New(fault.Validation, "deposit too small to mint a share")
		}

		baseBalance := uint64(0)
		if base, err := tx.GetAsset(ctx, potID, pot.CashOutMint); err == nil {
			baseBalance = base.Balance
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		if err := tx.UpsertAsset(ctx, potID, pot.CashOutMint, baseBalance+amount); err != nil {
			return err
		}
		if err := tx.UpdatePotTotalShares(ctx, potID, pot.TotalShares+shares); err != nil {
			return err
		}
		if err := tx.UpdateMemberShares(ctx, potID, userID, member.Shares+shares); err != nil {
			return err
		}
		if err := tx.InsertDeposit(ctx, &model.Deposit{
			ID:           uuid.NewString(),
			PotID:        potID,
			UserID:       userID,
			Amount:       amount,
			SharesMinted: shares,
			CreatedAt:    s.now().UTC(),
		}); err != nil {
			return err
		}

		result = &DepositResult{
			Amount:       amount,
			SharesMinted: shares,
			TotalShares:  pot.TotalShares + shares,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.SharesMinted.Add(float64(result.SharesMinted))
	s.log.Info("deposit committed",
		"pot_id", potID, "user_id", userID,
		"amount", result.Amount, "shares_minted", result.SharesMinted)
	return result, nil
}

func (s *Service) loadWithdrawalState(ctx context.Context, st store.Store, potID, userID string) (*model.Pot, *model.PotMember, *model.Asset, error) {
	pot, err := st.GetPot(ctx, potID)
	if err != nil {
		return nil, nil, nil, asNotFound(err, "pot not found")
	}
	member, err := st.GetMember(ctx, potID, userID)
	if err != nil {
		return nil, nil, nil, asNotFound(err, "you are not a member of this pot")
	}
	base, err := st.GetAsset(ctx, potID, pot.CashOutMint)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, nil, fault.New(fault.Liquidity, "the pot holds none of its base asset")
		}
		return nil, nil, nil, err
	}
	return pot, member, base, nil
}

func (s *Service) computeWithdrawal(pot *model.Pot, member *model.PotMember, base *model.Asset, sharesToBurn uint64) (*WithdrawalPreview, error) {
	if sharesToBurn == 0 {
		return nil, fault.New(fault.Validation, "shares to burn must be positive")
	}
	if sharesToBurn > member.Shares {
		return nil, fault.Liquidityf(0, member.Shares,
			"you hold %d shares; cannot burn %d", member.Shares, sharesToBurn)
	}
	if base.Balance == 0 || pot.TotalShares == 0 {
		return nil, fault.New(fault.Liquidity, "the pot has no base-asset liquidity")
	}

	amountOut := floorMulDiv(base.Balance, sharesToBurn, pot.TotalShares)
	if amountOut == 0 {
		return nil, fault.New(fault.Validation,
			"withdrawal amount floors to zero; burn more shares")
	}

	avail := available(base.MintAddress, base.Balance)
	if amountOut > avail {
		// Tell the caller the exact amount and share count that would
		// go through, so the retry is not a guess.
		maxShares := floorMulDiv(avail, pot.TotalShares, base.Balance)
		if maxShares > member.Shares {
			maxShares = member.Shares
		}
		return nil, fault.Liquidityf(avail, maxShares,
			"vault can pay out at most %d after the fee reserve; retry with up to %d shares",
			avail, maxShares)
	}

	percentage := decimal.NewFromUint64(sharesToBurn).
		Div(decimal.NewFromUint64(pot.TotalShares)).
		Mul(decimal.NewFromInt(100))

	return &WithdrawalPreview{
		SharesToBurn:  sharesToBurn,
		Percentage:    percentage,
		AssetToReturn: base.MintAddress,
		AmountOut:     amountOut,
	}, nil
}

func asNotFound(err error, msg string) error {
	if errors.Is(err, store.ErrNotFound) {
		return fault.Wrap(fault.NotFound, err, "%s", msg)
	}
	return err
}
