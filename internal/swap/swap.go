// Package swap executes vault trades through a three-phase delegated
// protocol: the admin key authorizes a bounded spend delegation to the
// trader's key, the trader signs and submits the aggregator's swap
// transaction, and the delegation is revoked no matter how the swap
// ended. The vault's own key never touches the swap path, so a
// compromised trader credential is bounded to one authorized amount.
package swap

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/solpot/pot-engine/internal/fault"
	"github.com/solpot/pot-engine/internal/metrics"
	"github.com/solpot/pot-engine/internal/model"
	"github.com/solpot/pot-engine/internal/store"
	"github.com/solpot/pot-engine/internal/tradelock"
	"github.com/solpot/pot-engine/internal/wallet"
)

// Quote is an aggregator price for one swap.
type Quote struct {
	InMint         string          `json:"in_mint"`
	OutMint        string          `json:"out_mint"`
	InAmount       uint64          `json:"in_amount"`
	OutAmount      uint64          `json:"out_amount"`
	PriceImpactPct decimal.Decimal `json:"price_impact_pct"`
	SlippageBps    int             `json:"slippage_bps"`
	SwapUSDValue   decimal.Decimal `json:"swap_usd_value"`

	// Raw is the aggregator's original quote payload, passed back
	// verbatim when requesting the swap transaction.
	Raw json.RawMessage `json:"-"`
}

// Aggregator prices and builds swap transactions.
type Aggregator interface {
	GetQuote(ctx context.Context, inMint, outMint string, amount uint64, signer solana.PublicKey) (*Quote, error)

	// BuildSwap returns an unsigned transaction executing the quote,
	// spending from the signer's authority.
	BuildSwap(ctx context.Context, quote *Quote, signer solana.PublicKey) ([]byte, error)
}

// Chain is the on-chain capability surface the coordinator consumes.
type Chain interface {
	// SetDelegate grants delegate authority over the vault's holdings
	// of mint, capped at amount. Signed by the admin's key.
	SetDelegate(ctx context.Context, admin solana.PrivateKey, vault wallet.Vault, delegate solana.PublicKey, mint string, amount uint64) error

	// RevokeDelegate removes any delegate authority on mint.
	RevokeDelegate(ctx context.Context, admin solana.PrivateKey, vault wallet.Vault, mint string) error

	// SubmitSigned signs the transaction with key and submits it,
	// returning the signature.
	SubmitSigned(ctx context.Context, tx []byte, key solana.PrivateKey) (string, error)

	// Confirm blocks until the signature is finalized or fails.
	Confirm(ctx context.Context, signature string) error
}

// Notifier delivers out-of-band messages. OperatorAlert is the critical
// escalation channel: it must be distinct from ordinary trade
// notifications because its one job is flagging a live spend
// authorization the engine failed to revoke.
type Notifier interface {
	OperatorAlert(potID, message string)
	TradeUpdate(userID, message string)
}

// failedTxSignature marks Trade rows for swaps that never landed on
// chain, so the signature column stays non-null and visibly synthetic.
const failedTxSignature = "failed"

// Coordinator runs the delegated swap protocol for pots.
type Coordinator struct {
	store store.Store
	locks *tradelock.Manager
	agg   Aggregator
	chain Chain
	notif Notifier
	log   *slog.Logger
	now   func() time.Time
}

// NewCoordinator creates a swap coordinator.
func NewCoordinator(st store.Store, locks *tradelock.Manager, agg Aggregator, chain Chain, notif Notifier, log *slog.Logger) *Coordinator {
	return &Coordinator{
		store: st,
		locks: locks,
		agg:   agg,
		chain: chain,
		notif: notif,
		log:   log,
		now:   time.Now,
	}
}

// Execute swaps amount of inMint into outMint from the pot's vault on
// behalf of actorID. The caller must be the pot admin or a designated
// trader. Exactly one swap runs per pot at a time.
func (c *Coordinator) Execute(ctx context.Context, potID, actorID, inMint, outMint string, amount uint64) (*model.Trade, error) {
	if amount == 0 {
		return nil, fault.New(fault.Validation, "swap amount must be positive")
	}
	if inMint == outMint {
		return nil, fault.New(fault.Validation, "cannot swap a token into itself")
	}
	if err := wallet.ValidateAddress(inMint); err != nil {
		return nil, err
	}
	if err := wallet.ValidateAddress(outMint); err != nil {
		return nil, err
	}

	pot, err := c.store.GetPot(ctx, potID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fault.Wrap(fault.NotFound, err, "pot not found")
		}
		return nil, err
	}
	if err := c.authorizeActor(ctx, pot, actorID); err != nil {
		return nil, err
	}

	if err := c.locks.Acquire(potID, actorID); err != nil {
		metrics.LockContention.Inc()
		return nil, err
	}
	defer c.locks.Release(potID, actorID)

	if err := c.preflight(ctx, potID, inMint, amount); err != nil {
		return nil, err
	}

	vault, err := wallet.ParseVault(pot.VaultAddress, pot.ID)
	if err != nil {
		return nil, err
	}
	adminKey, err := c.loadKey(ctx, pot.AdminID)
	if err != nil {
		return nil, fault.Wrap(fault.Validation, err, "pot admin credential unavailable")
	}
	traderKey, err := c.loadKey(ctx, actorID)
	if err != nil {
		return nil, fault.Wrap(fault.Validation, err, "trader credential unavailable")
	}

	// A wallet vault signs with its own custodied key; a program vault
	// spends through the trader's delegated authority.
	signKey := traderKey
	if wv, ok := vault.(wallet.WalletVault); ok {
		signKey = wv.Key
	}

	quote, err := c.agg.GetQuote(ctx, inMint, outMint, amount, signKey.PublicKey())
	if err != nil {
		return nil, fault.Wrap(fault.External, err,
			"no route for this pair; the token may be untradeable or too illiquid")
	}

	started := c.now()
	trade, err := c.runProtocol(ctx, pot, vault, adminKey, signKey, actorID, quote)
	metrics.SwapLatency.Observe(c.now().Sub(started).Seconds())
	return trade, err
}

// runProtocol executes authorize -> swap -> revoke. The revoke runs on
// every path once the delegation exists; a revoke failure outranks
// whatever the swap itself did.
func (c *Coordinator) runProtocol(ctx context.Context, pot *model.Pot, vault wallet.Vault, adminKey, traderKey solana.PrivateKey, actorID string, quote *Quote) (*model.Trade, error) {
	var del *model.Delegation
	if vault.Delegated() {
		del = &model.Delegation{
			ID:        uuid.NewString(),
			PotID:     pot.ID,
			TraderID:  actorID,
			Mint:      quote.InMint,
			Amount:    quote.InAmount,
			State:     model.DelegationDelegated,
			CreatedAt: c.now().UTC(),
			UpdatedAt: c.now().UTC(),
		}
		if err := c.store.CreateDelegation(ctx, del); err != nil {
			return nil, err
		}
		if err := c.chain.SetDelegate(ctx, adminKey, vault, traderKey.PublicKey(), quote.InMint, quote.InAmount); err != nil {
			// Authorization never landed: the delegation record is
			// terminal and there is nothing on chain to revoke.
			c.setDelegationState(ctx, del, model.DelegationFailed)
			return nil, fault.Wrap(fault.External, err, "could not authorize the vault spend")
		}
	}

	if del != nil {
		c.setDelegationState(ctx, del, model.DelegationSwapping)
	}
	signature, swapErr := c.submitSwap(ctx, traderKey, quote)

	if del != nil {
		if swapErr == nil {
			c.setDelegationState(ctx, del, model.DelegationSettled)
		} else {
			c.setDelegationState(ctx, del, model.DelegationFailed)
		}
	}

	trade, recordErr := c.recordOutcome(ctx, pot.ID, actorID, quote, signature, swapErr)

	if del != nil {
		if err := c.chain.RevokeDelegate(ctx, adminKey, vault, quote.InMint); err != nil {
			// The delegation may still stand on chain. Leaving the
			// record in a non-terminal state keeps it visible to the
			// stale-delegation sweep.
			metrics.RevokeFailures.Inc()
			c.log.Error("delegate revocation failed",
				"pot_id", pot.ID, "mint", quote.InMint, "delegation_id", del.ID, "error", err)
			c.notif.OperatorAlert(pot.ID,
				"URGENT: failed to revoke spend delegation on mint "+quote.InMint+
					"; a live authorization may remain on the vault")
			return trade, fault.Wrap(fault.Critical, err,
				"swap finished but the spend authorization could not be revoked")
		}
		c.setDelegationState(ctx, del, model.DelegationRevoked)
	}

	if recordErr != nil {
		return nil, recordErr
	}
	if swapErr != nil {
		return trade, swapErr
	}
	return trade, nil
}

// submitSwap builds, signs, submits, and confirms the swap transaction.
func (c *Coordinator) submitSwap(ctx context.Context, traderKey solana.PrivateKey, quote *Quote) (string, error) {
	blob, err := c.agg.BuildSwap(ctx, quote, traderKey.PublicKey())
	if err != nil {
		return "", fault.Wrap(fault.External, err, "aggregator could not build the swap transaction")
	}
	signature, err := c.chain.SubmitSigned(ctx, blob, traderKey)
	if err != nil {
		return "", classifySwapError(err)
	}
	if err := c.chain.Confirm(ctx, signature); err != nil {
		return signature, classifySwapError(err)
	}
	return signature, nil
}

// recordOutcome writes the immutable Trade row and, on success, moves
// the two asset balances in the same transaction.
func (c *Coordinator) recordOutcome(ctx context.Context, potID, actorID string, quote *Quote, signature string, swapErr error) (*model.Trade, error) {
	trade := &model.Trade{
		ID:          uuid.NewString(),
		PotID:       potID,
		TraderID:    actorID,
		InMint:      quote.InMint,
		InAmount:    quote.InAmount,
		OutMint:     quote.OutMint,
		TxSignature: signature,
		CreatedAt:   c.now().UTC(),
	}

	if swapErr != nil {
		trade.Status = model.TradeFailed
		trade.OutAmount = 0
		if trade.TxSignature == "" {
			trade.TxSignature = failedTxSignature
		}
		metrics.SwapsTotal.WithLabelValues("failed").Inc()
		if err := c.store.InsertTrade(ctx, trade); err != nil {
			return nil, err
		}
		return trade, nil
	}

	trade.Status = model.TradeCompleted
	trade.OutAmount = quote.OutAmount

	err := c.store.WithinTx(ctx, func(ctx context.Context, tx store.Store) error {
		in, err := tx.GetAsset(ctx, potID, quote.InMint)
		if err != nil {
			return err
		}
		spent := quote.InAmount
		if spent > in.Balance {
			// Should be unreachable past preflight; clamp rather than
			// underflow the unsigned balance.
			spent = in.Balance
		}
		if err := tx.UpsertAsset(ctx, potID, quote.InMint, in.Balance-spent); err != nil {
			return err
		}

		outBalance := uint64(0)
		if out, err := tx.GetAsset(ctx, potID, quote.OutMint); err == nil {
			outBalance = out.Balance
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if err := tx.UpsertAsset(ctx, potID, quote.OutMint, outBalance+quote.OutAmount); err != nil {
			return err
		}
		return tx.InsertTrade(ctx, trade)
	})
	if err != nil {
		return nil, err
	}

	metrics.SwapsTotal.WithLabelValues("completed").Inc()
	c.log.Info("swap completed",
		"pot_id", potID, "trader_id", actorID,
		"in_mint", quote.InMint, "in_amount", quote.InAmount,
		"out_mint", quote.OutMint, "out_amount", quote.OutAmount,
		"signature", signature)
	return trade, nil
}

// ExecuteWithKey swaps from a wallet whose key the caller already holds:
// no delegation and no pot lock, since the key's owner is the only
// possible spender. This is the copy-trade path.
func (c *Coordinator) ExecuteWithKey(ctx context.Context, key solana.PrivateKey, inMint, outMint string, amount uint64) (string, uint64, error) {
	if amount == 0 {
		return "", 0, fault.New(fault.Validation, "swap amount must be positive")
	}
	quote, err := c.agg.GetQuote(ctx, inMint, outMint, amount, key.PublicKey())
	if err != nil {
		return "", 0, fault.Wrap(fault.External, err,
			"no route for this pair; the token may be untradeable or too illiquid")
	}
	signature, err := c.submitSwap(ctx, key, quote)
	if err != nil {
		return signature, 0, err
	}
	return signature, quote.OutAmount, nil
}

// LockStatus reports the pot's trade lock as seen by callerID.
func (c *Coordinator) LockStatus(potID, callerID string) tradelock.Status {
	return c.locks.Status(potID, callerID)
}

// SweepStaleDelegations force-revokes delegations left in a non-terminal
// state for longer than maxAge. Run at startup and periodically: a crash
// between authorize and revoke leaves a live spend authorization that
// in-process cleanup can no longer reach.
func (c *Coordinator) SweepStaleDelegations(ctx context.Context, maxAge time.Duration) error {
	stale, err := c.store.ListStaleDelegations(ctx, c.now().Add(-maxAge))
	if err != nil {
		return err
	}
	for _, del := range stale {
		c.log.Warn("force-revoking stale delegation",
			"delegation_id", del.ID, "pot_id", del.PotID, "mint", del.Mint,
			"age", c.now().Sub(del.CreatedAt).String())

		pot, err := c.store.GetPot(ctx, del.PotID)
		if err != nil {
			c.log.Error("stale delegation references missing pot", "delegation_id", del.ID, "error", err)
			continue
		}
		vault, err := wallet.ParseVault(pot.VaultAddress, pot.ID)
		if err != nil {
			c.log.Error("stale delegation vault unreadable", "delegation_id", del.ID, "error", err)
			continue
		}
		adminKey, err := c.loadKey(ctx, pot.AdminID)
		if err != nil {
			c.log.Error("stale delegation admin key unavailable", "delegation_id", del.ID, "error", err)
			continue
		}

		if err := c.chain.RevokeDelegate(ctx, adminKey, vault, del.Mint); err != nil {
			metrics.RevokeFailures.Inc()
			c.notif.OperatorAlert(del.PotID,
				"URGENT: stale spend delegation on mint "+del.Mint+" could not be revoked")
			continue
		}
		if err := c.store.UpdateDelegationState(ctx, del.ID, model.DelegationRevoked); err != nil {
			c.log.Error("could not mark delegation revoked", "delegation_id", del.ID, "error", err)
		}
	}
	return nil
}

func (c *Coordinator) authorizeActor(ctx context.Context, pot *model.Pot, actorID string) error {
	if actorID == pot.AdminID {
		return nil
	}
	member, err := c.store.GetMember(ctx, pot.ID, actorID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fault.New(fault.Authorization, "you are not a member of this pot")
		}
		return err
	}
	if member.Role != model.RoleTrader && member.Role != model.RoleAdmin {
		return fault.New(fault.Authorization, "only the admin or a designated trader can trade")
	}
	return nil
}

// preflight rejects swaps the vault cannot cover, reporting the maximum
// spendable amount. Native SOL keeps back the fee reserve.
func (c *Coordinator) preflight(ctx context.Context, potID, inMint string, amount uint64) error {
	asset, err := c.store.GetAsset(ctx, potID, inMint)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fault.New(fault.Liquidity, "the pot does not hold this token")
		}
		return err
	}

	max := asset.Balance
	if inMint == model.SolMint {
		if max <= model.FeeReserveLamports {
			max = 0
		} else {
			max -= model.FeeReserveLamports
		}
	}
	if amount > max {
		return fault.Liquidityf(max, 0,
			"vault can spend at most %d of this token; retry with that amount or less", max)
	}
	return nil
}

func (c *Coordinator) loadKey(ctx context.Context, userID string) (solana.PrivateKey, error) {
	user, err := c.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return wallet.ParseSecret(user.SecretKey)
}

func (c *Coordinator) setDelegationState(ctx context.Context, del *model.Delegation, state model.DelegationState) {
	del.State = state
	if err := c.store.UpdateDelegationState(ctx, del.ID, state); err != nil {
		c.log.Error("could not persist delegation state",
			"delegation_id", del.ID, "state", string(state), "error", err)
	}
}

// classifySwapError sniffs the failure message to give the user an
// actionable reason. Message inspection steers wording only, never
// control flow.
func classifySwapError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "slippage"):
		return fault.Wrap(fault.External, err,
			"swap failed: price moved beyond the slippage tolerance; retry or raise slippage")
	case strings.Contains(msg, "insufficient"):
		return fault.Wrap(fault.External, err,
			"swap failed: insufficient balance to cover the trade and network fees")
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return fault.Wrap(fault.External, err,
			"swap failed: the network did not confirm in time; check the explorer before retrying")
	default:
		return fault.Wrap(fault.External, err, "swap failed")
	}
}
