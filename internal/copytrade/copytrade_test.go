package copytrade

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"github.com/solpot/pot-engine/internal/fault"
	"github.com/solpot/pot-engine/internal/model"
	"github.com/solpot/pot-engine/internal/store"
	"github.com/solpot/pot-engine/internal/wallet"
)

type fakeHistory struct {
	trades []WalletTrade
}

func (f *fakeHistory) RecentTrades(_ context.Context, _ string, _ int) ([]WalletTrade, error) {
	return f.trades, nil
}

type fakeBalances struct {
	byMint map[string]uint64
}

func (f *fakeBalances) Balance(_ context.Context, _ solana.PublicKey, mint string) (uint64, error) {
	return f.byMint[mint], nil
}

type execCall struct {
	inMint  string
	outMint string
	amount  uint64
}

type fakeExecutor struct {
	mu    sync.Mutex
	calls []execCall
	err   error
}

func (f *fakeExecutor) ExecuteWithKey(_ context.Context, _ solana.PrivateKey, inMint, outMint string, amount uint64) (string, uint64, error) {
	f.mu.Lock()
	f.calls = append(f.calls, execCall{inMint: inMint, outMint: outMint, amount: amount})
	f.mu.Unlock()
	if f.err != nil {
		return "", 0, f.err
	}
	return "copied-sig", amount * 2, nil
}

type fakeNotifier struct {
	updates []string
	alerts  []string
}

func (f *fakeNotifier) TradeUpdate(_, message string) { f.updates = append(f.updates, message) }
func (f *fakeNotifier) OperatorAlert(_, message string) {
	f.alerts = append(f.alerts, message)
}

type fixture struct {
	mirror   *Mirror
	store    *store.MemoryStore
	history  *fakeHistory
	balances *fakeBalances
	exec     *fakeExecutor
	notif    *fakeNotifier
	userID   string
	target   string
}

func newFixture(t *testing.T, mode model.CopyMode, pct int) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	ctx := context.Background()

	kp, err := wallet.NewKeypair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	userID := uuid.NewString()
	if err := st.CreateUser(ctx, &model.User{
		ID: userID, PublicKey: kp.PublicKey, SecretKey: kp.Secret, CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("create user: %v", err)
	}

	targetKP, err := wallet.NewKeypair()
	if err != nil {
		t.Fatalf("target keypair: %v", err)
	}

	history := &fakeHistory{}
	balances := &fakeBalances{byMint: map[string]uint64{
		model.SolMint: 10 * model.LamportsPerSOL,
	}}
	exec := &fakeExecutor{}
	notif := &fakeNotifier{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	mirror := NewMirror(st, history, balances, exec, notif, time.Second, log)
	if _, err := mirror.Start(ctx, userID, targetKP.PublicKey, pct, mode); err != nil {
		t.Fatalf("start: %v", err)
	}

	return &fixture{
		mirror: mirror, store: st, history: history,
		balances: balances, exec: exec, notif: notif,
		userID: userID, target: targetKP.PublicKey,
	}
}

func mintAddr(t *testing.T) string {
	t.Helper()
	kp, err := wallet.NewKeypair()
	if err != nil {
		t.Fatalf("mint keypair: %v", err)
	}
	return kp.PublicKey
}

func buyTrade(hash, boughtMint string) WalletTrade {
	return WalletTrade{
		Hash:   hash,
		Type:   "trade",
		Status: "confirmed",
		Transfers: []Transfer{
			{Direction: "out", Mint: model.SolMint, Amount: 1_000_000},
			{Direction: "in", Mint: boughtMint, Amount: 5_000_000},
		},
	}
}

func TestPermissionlessExecutesImmediately(t *testing.T) {
	f := newFixture(t, model.CopyPermissionless, 50)
	f.history.trades = []WalletTrade{buyTrade("hash-1", mintAddr(t))}

	f.mirror.Poll(context.Background())

	if len(f.exec.calls) != 1 {
		t.Fatalf("executor calls = %d, want 1", len(f.exec.calls))
	}
	// Spendable 10 SOL minus reserve, 50% allocated, 10% per-trade cap.
	spendable := 10*model.LamportsPerSOL - model.FeeReserveLamports
	want := spendable / 2 / 10
	if got := f.exec.calls[0].amount; got != want {
		t.Fatalf("spend = %d, want %d", got, want)
	}

	ct, err := f.store.GetCopiedTradeByOriginalHash(context.Background(), "hash-1")
	if err != nil {
		t.Fatalf("copied trade not persisted: %v", err)
	}
	if ct.Status != model.CopiedExecuted {
		t.Fatalf("status = %s, want EXECUTED", ct.Status)
	}
	if ct.CopiedTxHash != "copied-sig" {
		t.Fatalf("copied tx hash = %q", ct.CopiedTxHash)
	}
}

func TestReplayedHashIsIdempotent(t *testing.T) {
	f := newFixture(t, model.CopyPermissionless, 50)
	f.history.trades = []WalletTrade{buyTrade("hash-1", mintAddr(t))}
	ctx := context.Background()

	f.mirror.Poll(ctx)
	f.mirror.Poll(ctx)
	f.mirror.Poll(ctx)

	if len(f.exec.calls) != 1 {
		t.Fatalf("executor calls = %d, want 1 despite replays", len(f.exec.calls))
	}
}

func TestDedupSurvivesRestart(t *testing.T) {
	f := newFixture(t, model.CopyPermissionless, 50)
	trade := buyTrade("hash-1", mintAddr(t))
	f.history.trades = []WalletTrade{trade}
	ctx := context.Background()

	f.mirror.Poll(ctx)
	if len(f.exec.calls) != 1 {
		t.Fatalf("executor calls = %d", len(f.exec.calls))
	}

	// Fresh Mirror over the same store: the in-memory set is gone, the
	// persisted record still blocks a second execution.
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	exec2 := &fakeExecutor{}
	restarted := NewMirror(f.store, f.history, f.balances, exec2, f.notif, time.Second, log)
	restarted.Poll(ctx)

	if len(exec2.calls) != 0 {
		t.Fatalf("restarted mirror re-executed a seen trade %d times", len(exec2.calls))
	}
}

func TestSellSizingIsProportional(t *testing.T) {
	f := newFixture(t, model.CopyPermissionless, 25)
	token := mintAddr(t)
	f.balances.byMint[token] = 4_000_000

	f.history.trades = []WalletTrade{{
		Hash: "hash-sell", Type: "trade", Status: "confirmed",
		Transfers: []Transfer{
			{Direction: "out", Mint: token, Amount: 999},
			{Direction: "in", Mint: model.SolMint, Amount: 123},
		},
	}}
	f.mirror.Poll(context.Background())

	if len(f.exec.calls) != 1 {
		t.Fatalf("executor calls = %d, want 1", len(f.exec.calls))
	}
	// Selling an owned token: 25% of the 4M held, no buy cap.
	if got := f.exec.calls[0].amount; got != 1_000_000 {
		t.Fatalf("sell size = %d, want 1000000", got)
	}
	if f.exec.calls[0].inMint != token || f.exec.calls[0].outMint != model.SolMint {
		t.Fatalf("legs = %s -> %s", f.exec.calls[0].inMint, f.exec.calls[0].outMint)
	}
}

func TestSkipsWhenTokenNotOwned(t *testing.T) {
	f := newFixture(t, model.CopyPermissionless, 50)
	token := mintAddr(t) // follower owns none of it

	f.history.trades = []WalletTrade{{
		Hash: "hash-2", Type: "trade", Status: "confirmed",
		Transfers: []Transfer{
			{Direction: "out", Mint: token, Amount: 999},
			{Direction: "in", Mint: model.SolMint, Amount: 123},
		},
	}}
	f.mirror.Poll(context.Background())

	if len(f.exec.calls) != 0 {
		t.Fatal("should not execute a sell of an unowned token")
	}
	// Skip is explained to the user, and no record is created.
	if len(f.notif.updates) == 0 {
		t.Fatal("expected a skip notification")
	}
	if _, err := f.store.GetCopiedTradeByOriginalHash(context.Background(), "hash-2"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("skip should not persist a copied trade: %v", err)
	}
}

func TestSkipsBelowFeeReserve(t *testing.T) {
	f := newFixture(t, model.CopyPermissionless, 50)
	f.balances.byMint[model.SolMint] = model.FeeReserveLamports - 1
	f.history.trades = []WalletTrade{buyTrade("hash-3", mintAddr(t))}

	f.mirror.Poll(context.Background())
	if len(f.exec.calls) != 0 {
		t.Fatal("should not trade below the fee reserve")
	}
}

func TestSkipsUnresolvableLegs(t *testing.T) {
	f := newFixture(t, model.CopyPermissionless, 50)
	f.history.trades = []WalletTrade{
		{Hash: "one-leg", Type: "trade", Status: "confirmed",
			Transfers: []Transfer{{Direction: "in", Mint: model.SolMint, Amount: 5}}},
		{Hash: "pending-tx", Type: "trade", Status: "pending",
			Transfers: buyTrade("", mintAddr(t)).Transfers},
		{Hash: "not-a-trade", Type: "send", Status: "confirmed",
			Transfers: buyTrade("", mintAddr(t)).Transfers},
	}

	f.mirror.Poll(context.Background())
	if len(f.exec.calls) != 0 {
		t.Fatalf("executed %d non-mirrorable transactions", len(f.exec.calls))
	}
}

func TestNormalizesSystemProgramToNativeMint(t *testing.T) {
	f := newFixture(t, model.CopyPermissionless, 50)
	token := mintAddr(t)

	// The indexer reported the native leg as the system program.
	f.history.trades = []WalletTrade{{
		Hash: "hash-native", Type: "trade", Status: "confirmed",
		Transfers: []Transfer{
			{Direction: "out", Mint: model.SystemProgramID, Amount: 1_000_000},
			{Direction: "in", Mint: token, Amount: 5_000_000},
		},
	}}
	f.mirror.Poll(context.Background())

	if len(f.exec.calls) != 1 {
		t.Fatalf("executor calls = %d, want 1", len(f.exec.calls))
	}
	if f.exec.calls[0].inMint != model.SolMint {
		t.Fatalf("in mint = %s, want normalized native mint", f.exec.calls[0].inMint)
	}
}

func TestPermissionedWaitsForConfirm(t *testing.T) {
	f := newFixture(t, model.CopyPermissioned, 50)
	f.history.trades = []WalletTrade{buyTrade("hash-4", mintAddr(t))}
	ctx := context.Background()

	f.mirror.Poll(ctx)
	if len(f.exec.calls) != 0 {
		t.Fatal("permissioned mode must not execute before confirmation")
	}

	ct, err := f.store.GetCopiedTradeByOriginalHash(ctx, "hash-4")
	if err != nil {
		t.Fatalf("pending record missing: %v", err)
	}
	if ct.Status != model.CopiedPending {
		t.Fatalf("status = %s, want PENDING", ct.Status)
	}

	if err := f.mirror.Confirm(ctx, f.userID, ct.ID); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if len(f.exec.calls) != 1 {
		t.Fatalf("executor calls after confirm = %d, want 1", len(f.exec.calls))
	}

	ct, _ = f.store.GetCopiedTrade(ctx, ct.ID)
	if ct.Status != model.CopiedExecuted {
		t.Fatalf("status = %s, want EXECUTED", ct.Status)
	}

	// A second confirm must fail: the trade is no longer pending.
	if err := f.mirror.Confirm(ctx, f.userID, ct.ID); !fault.Is(err, fault.Validation) {
		t.Fatalf("double confirm: expected validation fault, got %v", err)
	}
}

// stalledReads holds every copied-trade read until released, so
// concurrent callers all observe the same pre-transition status.
type stalledReads struct {
	store.Store
	arrived chan struct{}
	release chan struct{}
}

func (g *stalledReads) GetCopiedTrade(ctx context.Context, id string) (*model.CopiedTrade, error) {
	g.arrived <- struct{}{}
	<-g.release
	return g.Store.GetCopiedTrade(ctx, id)
}

func TestConcurrentConfirmsExecuteOnce(t *testing.T) {
	f := newFixture(t, model.CopyPermissioned, 50)
	f.history.trades = []WalletTrade{buyTrade("hash-race", mintAddr(t))}
	ctx := context.Background()

	f.mirror.Poll(ctx)
	ct, err := f.store.GetCopiedTradeByOriginalHash(ctx, "hash-race")
	if err != nil {
		t.Fatalf("pending record missing: %v", err)
	}

	gated := &stalledReads{Store: f.store, arrived: make(chan struct{}), release: make(chan struct{})}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	mirror := NewMirror(gated, f.history, f.balances, f.exec, f.notif, time.Second, log)

	errs := make(chan error, 2)
	go func() { errs <- mirror.Confirm(ctx, f.userID, ct.ID) }()
	go func() { errs <- mirror.Confirm(ctx, f.userID, ct.ID) }()

	// Both confirms have read the trade as pending; let them race to
	// the status transition.
	<-gated.arrived
	<-gated.arrived
	close(gated.release)

	var failures []error
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			failures = append(failures, err)
		}
	}

	if len(f.exec.calls) != 1 {
		t.Fatalf("executor calls = %d, want exactly 1", len(f.exec.calls))
	}
	if len(failures) != 1 || !fault.Is(failures[0], fault.Concurrency) {
		t.Fatalf("expected exactly one concurrency fault, got %v", failures)
	}
	after, _ := f.store.GetCopiedTrade(ctx, ct.ID)
	if after.Status != model.CopiedExecuted {
		t.Fatalf("status = %s, want EXECUTED", after.Status)
	}

	// A late reject of the executed trade is refused outright.
	if err := f.mirror.Reject(ctx, f.userID, ct.ID); !fault.Is(err, fault.Validation) {
		t.Fatalf("late reject: expected validation fault, got %v", err)
	}
}

func TestRejectCancels(t *testing.T) {
	f := newFixture(t, model.CopyPermissioned, 50)
	f.history.trades = []WalletTrade{buyTrade("hash-5", mintAddr(t))}
	ctx := context.Background()

	f.mirror.Poll(ctx)
	ct, err := f.store.GetCopiedTradeByOriginalHash(ctx, "hash-5")
	if err != nil {
		t.Fatalf("pending record missing: %v", err)
	}

	if err := f.mirror.Reject(ctx, f.userID, ct.ID); err != nil {
		t.Fatalf("reject: %v", err)
	}
	ct, _ = f.store.GetCopiedTrade(ctx, ct.ID)
	if ct.Status != model.CopiedCancelled {
		t.Fatalf("status = %s, want CANCELLED", ct.Status)
	}
	if len(f.exec.calls) != 0 {
		t.Fatal("rejected trade must never execute")
	}
}

func TestConfirmRejectsForeignTrade(t *testing.T) {
	f := newFixture(t, model.CopyPermissioned, 50)
	other := newFixture(t, model.CopyPermissioned, 50)
	other.history.trades = []WalletTrade{buyTrade("hash-6", mintAddr(t))}
	ctx := context.Background()

	other.mirror.Poll(ctx)
	ct, err := other.store.GetCopiedTradeByOriginalHash(ctx, "hash-6")
	if err != nil {
		t.Fatalf("pending record missing: %v", err)
	}

	// f's user confirming other's trade against other's store.
	if err := other.mirror.Confirm(ctx, f.userID, ct.ID); !fault.Is(err, fault.NotFound) {
		t.Fatalf("expected not_found for foreign user, got %v", err)
	}
}

func TestExecutionFailureMarksFailed(t *testing.T) {
	f := newFixture(t, model.CopyPermissionless, 50)
	f.exec.err = errors.New("slippage tolerance exceeded")
	f.history.trades = []WalletTrade{buyTrade("hash-7", mintAddr(t))}
	ctx := context.Background()

	f.mirror.Poll(ctx)

	ct, err := f.store.GetCopiedTradeByOriginalHash(ctx, "hash-7")
	if err != nil {
		t.Fatalf("record missing: %v", err)
	}
	if ct.Status != model.CopiedFailed {
		t.Fatalf("status = %s, want FAILED", ct.Status)
	}
}

func TestStartValidation(t *testing.T) {
	f := newFixture(t, model.CopyPermissionless, 50)
	ctx := context.Background()

	if _, err := f.mirror.Start(ctx, f.userID, "bad-address", 50, model.CopyPermissionless); !fault.Is(err, fault.Validation) {
		t.Fatalf("bad address: %v", err)
	}
	if _, err := f.mirror.Start(ctx, f.userID, f.target, 0, model.CopyPermissionless); !fault.Is(err, fault.Validation) {
		t.Fatalf("zero percent: %v", err)
	}
	if _, err := f.mirror.Start(ctx, f.userID, f.target, 101, model.CopyPermissionless); !fault.Is(err, fault.Validation) {
		t.Fatalf("over 100 percent: %v", err)
	}
	// Already active.
	if _, err := f.mirror.Start(ctx, f.userID, f.target, 50, model.CopyPermissionless); !fault.Is(err, fault.Validation) {
		t.Fatalf("double start: %v", err)
	}
}

func TestStopAndRestart(t *testing.T) {
	f := newFixture(t, model.CopyPermissionless, 50)
	ctx := context.Background()

	if err := f.mirror.Stop(ctx, f.userID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	cfg, _ := f.store.GetCopyTradingByUser(ctx, f.userID)
	if cfg.IsActive {
		t.Fatal("config still active after stop")
	}

	// A stopped follower is not polled.
	f.history.trades = []WalletTrade{buyTrade("hash-8", mintAddr(t))}
	f.mirror.Poll(ctx)
	if len(f.exec.calls) != 0 {
		t.Fatal("stopped follower still mirrored a trade")
	}

	// Restart reactivates the one config per user.
	cfg2, err := f.mirror.Start(ctx, f.userID, f.target, 50, model.CopyPermissionless)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if cfg2.ID != cfg.ID || !cfg2.IsActive {
		t.Fatalf("restart created a second config: %+v", cfg2)
	}
}
