// Package copytrade mirrors trades observed on a followed wallet into
// the follower's own wallet, sized down to the follower's allocation.
// One polling loop serves every active follower; dedup is by original
// transaction hash, with the persisted record as the source of truth
// and the in-memory set as a restart-lossy fast path.
package copytrade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"github.com/solpot/pot-engine/internal/fault"
	"github.com/solpot/pot-engine/internal/metrics"
	"github.com/solpot/pot-engine/internal/model"
	"github.com/solpot/pot-engine/internal/store"
	"github.com/solpot/pot-engine/internal/swap"
	"github.com/solpot/pot-engine/internal/wallet"
)

// buyCapPct bounds one mirrored buy to a tenth of the allocated base
// balance, so a single large observed trade cannot consume the whole
// allocation.
const buyCapPct = 10

// Transfer is one leg of an observed transaction.
type Transfer struct {
	Direction string // "in" or "out" from the observed wallet's view
	Mint      string
	Amount    uint64
	Symbol    string
}

// WalletTrade is one observed transaction on the followed wallet.
type WalletTrade struct {
	Hash      string
	Type      string // "trade" for swaps
	Status    string // "confirmed" once final
	Transfers []Transfer
}

// HistorySource fetches a wallet's recent transactions.
type HistorySource interface {
	RecentTrades(ctx context.Context, walletAddress string, limit int) ([]WalletTrade, error)
}

// BalanceSource reads live balances from the follower's wallet.
type BalanceSource interface {
	Balance(ctx context.Context, owner solana.PublicKey, mint string) (uint64, error)
}

// Executor is the swap capability the mirror replays trades through.
type Executor interface {
	ExecuteWithKey(ctx context.Context, key solana.PrivateKey, inMint, outMint string, amount uint64) (string, uint64, error)
}

// Mirror is the copy-trade engine.
type Mirror struct {
	store    store.Store
	history  HistorySource
	balances BalanceSource
	exec     Executor
	notif    swap.Notifier
	log      *slog.Logger

	interval  time.Duration
	pollLimit int
	now       func() time.Time

	mu   sync.Mutex
	seen map[string]struct{}
}

// NewMirror creates a copy-trade mirror polling at the given interval.
func NewMirror(st store.Store, history HistorySource, balances BalanceSource, exec Executor, notif swap.Notifier, interval time.Duration, log *slog.Logger) *Mirror {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Mirror{
		store:     st,
		history:   history,
		balances:  balances,
		exec:      exec,
		notif:     notif,
		log:       log,
		interval:  interval,
		pollLimit: 10,
		now:       time.Now,
		seen:      make(map[string]struct{}),
	}
}

// Start begins a follower's mirror configuration. Percentage is the
// share of the follower's balance committed to copying, 1-100.
func (m *Mirror) Start(ctx context.Context, userID, targetWallet string, percentage int, mode model.CopyMode) (*model.CopyTrading, error) {
	if err := wallet.ValidateAddress(targetWallet); err != nil {
		return nil, err
	}
	if percentage < 1 || percentage > 100 {
		return nil, fault.New(fault.Validation, "allocation must be between 1 and 100 percent")
	}
	if mode != model.CopyPermissioned && mode != model.CopyPermissionless {
		return nil, fault.New(fault.Validation, "mode must be PERMISSIONED or PERMISSIONLESS")
	}
	if _, err := m.store.GetUser(ctx, userID); err != nil {
		return nil, fault.Wrap(fault.NotFound, err, "user not found")
	}

	if existing, err := m.store.GetCopyTradingByUser(ctx, userID); err == nil {
		if existing.IsActive {
			return nil, fault.New(fault.Validation,
				"copy trading already active; stop it before starting a new target")
		}
		// One config per user: reactivate rather than insert.
		if err := m.store.SetCopyTradingActive(ctx, existing.ID, true); err != nil {
			return nil, err
		}
		existing.IsActive = true
		return existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	cfg := &model.CopyTrading{
		ID:                  uuid.NewString(),
		UserID:              userID,
		TargetWalletAddress: targetWallet,
		AllocatedPercentage: percentage,
		Mode:                mode,
		IsActive:            true,
		CreatedAt:           m.now().UTC(),
	}
	if err := m.store.CreateCopyTrading(ctx, cfg); err != nil {
		return nil, err
	}
	m.log.Info("copy trading started",
		"user_id", userID, "target", targetWallet,
		"percentage", percentage, "mode", string(mode))
	return cfg, nil
}

// Stop deactivates a follower's mirror.
func (m *Mirror) Stop(ctx context.Context, userID string) error {
	cfg, err := m.store.GetCopyTradingByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fault.New(fault.NotFound, "no copy-trading configuration found")
		}
		return err
	}
	if err := m.store.SetCopyTradingActive(ctx, cfg.ID, false); err != nil {
		return err
	}
	m.log.Info("copy trading stopped", "user_id", userID, "target", cfg.TargetWalletAddress)
	return nil
}

// Run polls until ctx is cancelled.
func (m *Mirror) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Poll(ctx)
		}
	}
}

// Poll runs one pass over every active follower.
func (m *Mirror) Poll(ctx context.Context) {
	started := m.now()
	defer func() {
		metrics.CopyPollLatency.Observe(m.now().Sub(started).Seconds())
	}()

	configs, err := m.store.ListActiveCopyTrading(ctx)
	if err != nil {
		m.log.Error("copy poll: listing followers failed", "error", err)
		return
	}
	for _, cfg := range configs {
		trades, err := m.history.RecentTrades(ctx, cfg.TargetWalletAddress, m.pollLimit)
		if err != nil {
			m.log.Warn("copy poll: history fetch failed",
				"target", cfg.TargetWalletAddress, "error", err)
			continue
		}
		for _, wt := range trades {
			if err := m.ProcessTrade(ctx, &cfg, wt); err != nil {
				m.log.Warn("copy poll: trade processing failed",
					"hash", wt.Hash, "user_id", cfg.UserID, "error", err)
			}
		}
	}
}

// ProcessTrade mirrors one observed transaction for one follower.
// Re-processing an already-seen hash is a no-op, never an error.
func (m *Mirror) ProcessTrade(ctx context.Context, cfg *model.CopyTrading, wt WalletTrade) error {
	if wt.Status != "confirmed" || wt.Type != "trade" {
		return nil
	}

	m.mu.Lock()
	_, dup := m.seen[wt.Hash]
	m.mu.Unlock()
	if dup {
		return nil
	}
	// Persisted check is the correctness guarantee; the set above only
	// saves a query.
	if _, err := m.store.GetCopiedTradeByOriginalHash(ctx, wt.Hash); err == nil {
		m.markSeen(wt.Hash)
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	soldMint, boughtMint, ok := tradeLegs(wt)
	if !ok {
		// Expected for airdrops, transfers, and partial indexer data.
		m.markSeen(wt.Hash)
		m.log.Debug("skipping transaction without resolvable swap legs", "hash", wt.Hash)
		return nil
	}

	user, err := m.store.GetUser(ctx, cfg.UserID)
	if err != nil {
		return err
	}
	owner, err := solana.PublicKeyFromBase58(user.PublicKey)
	if err != nil {
		return fmt.Errorf("follower public key: %w", err)
	}

	amount, skipReason, err := m.orderSize(ctx, cfg, owner, soldMint)
	if err != nil {
		return err
	}
	if skipReason != "" {
		m.markSeen(wt.Hash)
		metrics.CopiedTradesTotal.WithLabelValues("skipped").Inc()
		m.notif.TradeUpdate(cfg.UserID,
			"Skipped copying trade "+shortHash(wt.Hash)+": "+skipReason)
		return nil
	}

	ct := &model.CopiedTrade{
		ID:             uuid.NewString(),
		CopyTradingID:  cfg.ID,
		OriginalTxHash: wt.Hash,
		InMint:         soldMint,
		InAmount:       amount,
		OutMint:        boughtMint,
		Status:         model.CopiedPending,
		CreatedAt:      m.now().UTC(),
	}
	if err := m.store.CreateCopiedTrade(ctx, ct); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Another pass won the race; that copy owns the hash.
			m.markSeen(wt.Hash)
			return nil
		}
		return err
	}
	m.markSeen(wt.Hash)

	if cfg.Mode == model.CopyPermissioned {
		metrics.CopiedTradesTotal.WithLabelValues("pending").Inc()
		m.notif.TradeUpdate(cfg.UserID, fmt.Sprintf(
			"Target wallet traded %s -> %s. Confirm copy %s to mirror %d (smallest units), or reject it.",
			shortMint(soldMint), shortMint(boughtMint), ct.ID, amount))
		return nil
	}

	m.notif.TradeUpdate(cfg.UserID, "Mirroring trade "+shortHash(wt.Hash)+" now")
	return m.execute(ctx, cfg, ct, user)
}

// Confirm executes a pending permissioned copy. The pending check in
// loadPending and the status write are not atomic with each other, so
// the conditional transition below is what guarantees a single winner
// when two confirms (or a confirm and a reject) race; the loser sees
// ErrConflict and never spends.
func (m *Mirror) Confirm(ctx context.Context, userID, copiedTradeID string) error {
	cfg, ct, err := m.loadPending(ctx, userID, copiedTradeID)
	if err != nil {
		return err
	}
	if err := m.store.TransitionCopiedTrade(ctx, ct.ID, model.CopiedPending, model.CopiedConfirmed); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return fault.New(fault.Concurrency, "copied trade was already confirmed or rejected")
		}
		return err
	}
	ct.Status = model.CopiedConfirmed

	user, err := m.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	return m.execute(ctx, cfg, ct, user)
}

// Reject cancels a pending permissioned copy.
func (m *Mirror) Reject(ctx context.Context, userID, copiedTradeID string) error {
	_, ct, err := m.loadPending(ctx, userID, copiedTradeID)
	if err != nil {
		return err
	}
	if err := m.store.TransitionCopiedTrade(ctx, ct.ID, model.CopiedPending, model.CopiedCancelled); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return fault.New(fault.Concurrency, "copied trade was already confirmed or rejected")
		}
		return err
	}
	metrics.CopiedTradesTotal.WithLabelValues("cancelled").Inc()
	return nil
}

func (m *Mirror) loadPending(ctx context.Context, userID, copiedTradeID string) (*model.CopyTrading, *model.CopiedTrade, error) {
	cfg, err := m.store.GetCopyTradingByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, fault.New(fault.NotFound, "no copy-trading configuration found")
		}
		return nil, nil, err
	}
	ct, err := m.store.GetCopiedTrade(ctx, copiedTradeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, fault.New(fault.NotFound, "copied trade not found")
		}
		return nil, nil, err
	}
	if ct.CopyTradingID != cfg.ID {
		return nil, nil, fault.New(fault.Authorization, "this copied trade is not yours")
	}
	if ct.Status != model.CopiedPending {
		return nil, nil, fault.New(fault.Validation,
			"copied trade is %s, not pending", string(ct.Status))
	}
	return cfg, ct, nil
}

func (m *Mirror) execute(ctx context.Context, cfg *model.CopyTrading, ct *model.CopiedTrade, user *model.User) error {
	key, err := wallet.ParseSecret(user.SecretKey)
	if err != nil {
		return err
	}

	signature, outAmount, err := m.exec.ExecuteWithKey(ctx, key, ct.InMint, ct.OutMint, ct.InAmount)
	if err != nil {
		if uerr := m.store.UpdateCopiedTrade(ctx, ct.ID, model.CopiedFailed, 0, signature); uerr != nil {
			m.log.Error("could not mark copied trade failed", "id", ct.ID, "error", uerr)
		}
		metrics.CopiedTradesTotal.WithLabelValues("failed").Inc()
		m.notif.TradeUpdate(cfg.UserID, "Copy of "+shortHash(ct.OriginalTxHash)+" failed: "+userMessage(err))
		return err
	}

	if err := m.store.UpdateCopiedTrade(ctx, ct.ID, model.CopiedExecuted, outAmount, signature); err != nil {
		return err
	}
	metrics.CopiedTradesTotal.WithLabelValues("executed").Inc()
	m.notif.TradeUpdate(cfg.UserID, fmt.Sprintf(
		"Copied trade %s executed: spent %d, received %d", shortHash(ct.OriginalTxHash), ct.InAmount, outAmount))
	m.log.Info("copied trade executed",
		"user_id", cfg.UserID, "original", ct.OriginalTxHash, "signature", signature)
	return nil
}

// orderSize computes the follower's spend for a mirrored trade. A
// non-empty skip reason means the trade is intentionally not copied.
func (m *Mirror) orderSize(ctx context.Context, cfg *model.CopyTrading, owner solana.PublicKey, soldMint string) (uint64, string, error) {
	solBalance, err := m.balances.Balance(ctx, owner, model.SolMint)
	if err != nil {
		return 0, "", fmt.Errorf("sol balance: %w", err)
	}
	if solBalance < model.FeeReserveLamports {
		return 0, "wallet is below the network fee reserve", nil
	}

	pct := uint64(cfg.AllocatedPercentage)
	if soldMint == model.SolMint {
		// Buying with the base asset: allocate, then cap one trade at
		// a tenth of the allocation.
		spendable := solBalance - model.FeeReserveLamports
		amount := mulDivFloor(mulDivFloor(spendable, pct, 100), buyCapPct, 100)
		if amount == 0 {
			return 0, "allocation too small to place a trade", nil
		}
		return amount, "", nil
	}

	owned, err := m.balances.Balance(ctx, owner, soldMint)
	if err != nil {
		return 0, "", fmt.Errorf("balance of %s: %w", soldMint, err)
	}
	if owned == 0 {
		return 0, "you do not hold the token being sold", nil
	}
	amount := mulDivFloor(owned, pct, 100)
	if amount == 0 {
		return 0, "allocation too small to place a trade", nil
	}
	return amount, "", nil
}

// tradeLegs resolves the sold and bought mints from the transfer list.
func tradeLegs(wt WalletTrade) (soldMint, boughtMint string, ok bool) {
	for _, tr := range wt.Transfers {
		mint := model.NormalizeMint(tr.Mint)
		if mint == "" || tr.Amount == 0 {
			continue
		}
		switch tr.Direction {
		case "out":
			if soldMint == "" {
				soldMint = mint
			}
		case "in":
			if boughtMint == "" {
				boughtMint = mint
			}
		}
	}
	if soldMint == "" || boughtMint == "" || soldMint == boughtMint {
		return "", "", false
	}
	return soldMint, boughtMint, true
}

func (m *Mirror) markSeen(hash string) {
	m.mu.Lock()
	m.seen[hash] = struct{}{}
	m.mu.Unlock()
}

func mulDivFloor(a, b, c uint64) uint64 {
	if c == 0 {
		return 0
	}
	p := new(big.Int).Mul(new(big.Int).SetUint64(a), new(big.Int).SetUint64(b))
	p.Quo(p, new(big.Int).SetUint64(c))
	if !p.IsUint64() {
		return a
	}
	return p.Uint64()
}

func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8] + "..."
	}
	return h
}

func shortMint(m string) string {
	if len(m) > 6 {
		return m[:6] + "..."
	}
	return m
}

func userMessage(err error) string {
	if f := fault.Get(err); f != nil {
		return f.Message
	}
	return "unexpected error"
}
