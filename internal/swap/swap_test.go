package swap

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/solpot/pot-engine/internal/fault"
	"github.com/solpot/pot-engine/internal/model"
	"github.com/solpot/pot-engine/internal/store"
	"github.com/solpot/pot-engine/internal/tradelock"
	"github.com/solpot/pot-engine/internal/wallet"
)

type fakeAggregator struct {
	quoteErr error
	buildErr error
	outRatio uint64 // outAmount = inAmount * outRatio
}

func (f *fakeAggregator) GetQuote(_ context.Context, inMint, outMint string, amount uint64, _ solana.PublicKey) (*Quote, error) {
	if f.quoteErr != nil {
		return nil, f.quoteErr
	}
	ratio := f.outRatio
	if ratio == 0 {
		ratio = 1
	}
	return &Quote{
		InMint:       inMint,
		OutMint:      outMint,
		InAmount:     amount,
		OutAmount:    amount * ratio,
		SlippageBps:  50,
		SwapUSDValue: decimal.NewFromInt(1),
	}, nil
}

func (f *fakeAggregator) BuildSwap(_ context.Context, _ *Quote, _ solana.PublicKey) ([]byte, error) {
	if f.buildErr != nil {
		return nil, f.buildErr
	}
	return []byte("tx"), nil
}

type fakeChain struct {
	mu          sync.Mutex
	setCalls    int
	revokeCalls int
	submitCalls int
	submitErr   error
	confirmErr  error
	revokeErr   error
}

func (f *fakeChain) SetDelegate(_ context.Context, _ solana.PrivateKey, _ wallet.Vault, _ solana.PublicKey, _ string, _ uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setCalls++
	return nil
}

func (f *fakeChain) RevokeDelegate(_ context.Context, _ solana.PrivateKey, _ wallet.Vault, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revokeCalls++
	return f.revokeErr
}

func (f *fakeChain) SubmitSigned(_ context.Context, _ []byte, _ solana.PrivateKey) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitCalls++
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return "sig-" + uuid.NewString(), nil
}

func (f *fakeChain) Confirm(_ context.Context, _ string) error {
	return f.confirmErr
}

type fakeNotifier struct {
	mu     sync.Mutex
	alerts []string
}

func (f *fakeNotifier) OperatorAlert(_, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, message)
}

func (f *fakeNotifier) TradeUpdate(_, _ string) {}

type fixture struct {
	coord  *Coordinator
	store  *store.MemoryStore
	chain  *fakeChain
	agg    *fakeAggregator
	notif  *fakeNotifier
	potID  string
	admin  string
	trader string
	mintB  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	ctx := context.Background()

	newUser := func() string {
		kp, err := wallet.NewKeypair()
		if err != nil {
			t.Fatalf("keypair: %v", err)
		}
		id := uuid.NewString()
		if err := st.CreateUser(ctx, &model.User{
			ID: id, PublicKey: kp.PublicKey, SecretKey: kp.Secret, CreatedAt: time.Now(),
		}); err != nil {
			t.Fatalf("create user: %v", err)
		}
		return id
	}

	admin := newUser()
	trader := newUser()

	vaultKP, err := wallet.NewKeypair()
	if err != nil {
		t.Fatalf("vault keypair: %v", err)
	}
	potID := uuid.NewString()
	if err := st.CreatePot(ctx, &model.Pot{
		ID: potID, Name: "test", AdminID: admin,
		VaultAddress: vaultKP.PublicKey, // base58 address: program vault
		CashOutMint:  model.SolMint, TotalShares: 1_000_000,
		CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("create pot: %v", err)
	}
	for id, role := range map[string]model.Role{admin: model.RoleAdmin, trader: model.RoleTrader} {
		if err := st.CreateMember(ctx, &model.PotMember{
			ID: uuid.NewString(), UserID: id, PotID: potID,
			Role: role, Shares: 500_000, JoinedAt: time.Now(),
		}); err != nil {
			t.Fatalf("create member: %v", err)
		}
	}
	if err := st.UpsertAsset(ctx, potID, model.SolMint, 10*model.LamportsPerSOL); err != nil {
		t.Fatalf("seed asset: %v", err)
	}

	mintBKP, err := wallet.NewKeypair()
	if err != nil {
		t.Fatalf("mint keypair: %v", err)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	chain := &fakeChain{}
	agg := &fakeAggregator{outRatio: 2}
	notif := &fakeNotifier{}
	locks := tradelock.NewManager(tradelock.DefaultTimeout, log)

	return &fixture{
		coord:  NewCoordinator(st, locks, agg, chain, notif, log),
		store:  st,
		chain:  chain,
		agg:    agg,
		notif:  notif,
		potID:  potID,
		admin:  admin,
		trader: trader,
		mintB:  mintBKP.PublicKey,
	}
}

func TestExecuteSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	trade, err := f.coord.Execute(ctx, f.potID, f.trader, model.SolMint, f.mintB, model.LamportsPerSOL)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if trade.Status != model.TradeCompleted {
		t.Fatalf("status = %s, want COMPLETED", trade.Status)
	}
	if trade.OutAmount != 2*model.LamportsPerSOL {
		t.Fatalf("out amount = %d, want %d", trade.OutAmount, 2*model.LamportsPerSOL)
	}

	// Protocol ran fully: one authorize, one revoke.
	if f.chain.setCalls != 1 || f.chain.revokeCalls != 1 {
		t.Fatalf("setDelegate=%d revoke=%d, want 1/1", f.chain.setCalls, f.chain.revokeCalls)
	}

	// Balances moved as the mirror of the trade.
	in, _ := f.store.GetAsset(ctx, f.potID, model.SolMint)
	if in.Balance != 9*model.LamportsPerSOL {
		t.Fatalf("in balance = %d, want %d", in.Balance, 9*model.LamportsPerSOL)
	}
	out, _ := f.store.GetAsset(ctx, f.potID, f.mintB)
	if out.Balance != 2*model.LamportsPerSOL {
		t.Fatalf("out balance = %d, want %d", out.Balance, 2*model.LamportsPerSOL)
	}

	// Lock released: another trader can acquire immediately.
	trade2, err := f.coord.Execute(ctx, f.potID, f.admin, model.SolMint, f.mintB, model.LamportsPerSOL)
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if trade2.Status != model.TradeCompleted {
		t.Fatalf("second status = %s", trade2.Status)
	}
}

func TestConcurrentSellsOneWins(t *testing.T) {
	f := newFixture(t)

	// Admin grabs the lock out of band, simulating an in-flight trade.
	if err := f.coord.locks.Acquire(f.potID, f.admin); err != nil {
		t.Fatalf("seed lock: %v", err)
	}

	_, err := f.coord.Execute(context.Background(), f.potID, f.trader, model.SolMint, f.mintB, model.LamportsPerSOL)
	if !fault.Is(err, fault.Concurrency) {
		t.Fatalf("expected concurrency fault, got %v", err)
	}
	// The loser never reached the authorize phase.
	if f.chain.setCalls != 0 {
		t.Fatalf("setDelegate called %d times by losing trader", f.chain.setCalls)
	}
}

func TestSwapFailureStillRevokes(t *testing.T) {
	f := newFixture(t)
	f.chain.submitErr = errors.New("custom program error: slippage tolerance exceeded")
	ctx := context.Background()

	trade, err := f.coord.Execute(ctx, f.potID, f.trader, model.SolMint, f.mintB, model.LamportsPerSOL)
	if !fault.Is(err, fault.External) {
		t.Fatalf("expected external fault, got %v", err)
	}

	// Failed trade recorded with zero out and a synthetic signature.
	if trade == nil || trade.Status != model.TradeFailed || trade.OutAmount != 0 {
		t.Fatalf("trade record = %+v", trade)
	}
	if trade.TxSignature != failedTxSignature {
		t.Fatalf("signature = %q, want synthetic placeholder", trade.TxSignature)
	}

	// Revoke ran exactly once despite the failure.
	if f.chain.revokeCalls != 1 {
		t.Fatalf("revoke calls = %d, want 1", f.chain.revokeCalls)
	}

	// Balances untouched.
	in, _ := f.store.GetAsset(ctx, f.potID, model.SolMint)
	if in.Balance != 10*model.LamportsPerSOL {
		t.Fatalf("in balance mutated to %d", in.Balance)
	}
	if _, err := f.store.GetAsset(ctx, f.potID, f.mintB); !errors.Is(err, store.ErrNotFound) {
		t.Fatal("out asset created for a failed swap")
	}

	// Lock released on the failure path.
	if st := f.coord.LockStatus(f.potID, f.admin); st.Locked {
		t.Fatalf("lock still held after failure: %+v", st)
	}
}

func TestRevokeFailureEscalates(t *testing.T) {
	f := newFixture(t)
	f.chain.revokeErr = errors.New("rpc unavailable")

	_, err := f.coord.Execute(context.Background(), f.potID, f.trader, model.SolMint, f.mintB, model.LamportsPerSOL)
	if !fault.Is(err, fault.Critical) {
		t.Fatalf("expected critical fault, got %v", err)
	}
	if len(f.notif.alerts) != 1 {
		t.Fatalf("operator alerts = %d, want 1", len(f.notif.alerts))
	}
}

func TestPreflightLiquidity(t *testing.T) {
	f := newFixture(t)

	// 10 SOL held; spendable is balance minus the fee reserve.
	_, err := f.coord.Execute(context.Background(), f.potID, f.trader, model.SolMint, f.mintB, 10*model.LamportsPerSOL)
	if !fault.Is(err, fault.Liquidity) {
		t.Fatalf("expected liquidity fault, got %v", err)
	}
	flt := fault.Get(err)
	if want := 10*model.LamportsPerSOL - model.FeeReserveLamports; flt.MaxAmount != want {
		t.Fatalf("max amount = %d, want %d", flt.MaxAmount, want)
	}
	// Nothing on chain happened.
	if f.chain.setCalls != 0 || f.chain.submitCalls != 0 {
		t.Fatal("preflight rejection must precede any chain call")
	}
}

func TestUnauthorizedActor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Plain member (non-trader).
	memberID := uuid.NewString()
	kp, _ := wallet.NewKeypair()
	if err := f.store.CreateUser(ctx, &model.User{
		ID: memberID, PublicKey: kp.PublicKey, SecretKey: kp.Secret, CreatedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}
	if err := f.store.CreateMember(ctx, &model.PotMember{
		ID: uuid.NewString(), UserID: memberID, PotID: f.potID,
		Role: model.RoleMember, JoinedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := f.coord.Execute(ctx, f.potID, memberID, model.SolMint, f.mintB, 1000); !fault.Is(err, fault.Authorization) {
		t.Fatalf("member: expected authorization fault, got %v", err)
	}
	if _, err := f.coord.Execute(ctx, f.potID, "stranger", model.SolMint, f.mintB, 1000); !fault.Is(err, fault.Authorization) {
		t.Fatalf("stranger: expected authorization fault, got %v", err)
	}
}

func TestQuoteFailure(t *testing.T) {
	f := newFixture(t)
	f.agg.quoteErr = errors.New("no route found")

	_, err := f.coord.Execute(context.Background(), f.potID, f.trader, model.SolMint, f.mintB, 1000)
	if !fault.Is(err, fault.External) {
		t.Fatalf("expected external fault, got %v", err)
	}
	if f.chain.setCalls != 0 {
		t.Fatal("quote failure must precede the authorize phase")
	}
	if st := f.coord.LockStatus(f.potID, f.admin); st.Locked {
		t.Fatal("lock leaked after quote failure")
	}
}

func TestSweepStaleDelegations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	old := time.Now().Add(-time.Hour).UTC()
	del := &model.Delegation{
		ID: uuid.NewString(), PotID: f.potID, TraderID: f.trader,
		Mint: model.SolMint, Amount: 1000,
		State: model.DelegationSwapping, CreatedAt: old, UpdatedAt: old,
	}
	if err := f.store.CreateDelegation(ctx, del); err != nil {
		t.Fatal(err)
	}

	if err := f.coord.SweepStaleDelegations(ctx, 10*time.Minute); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if f.chain.revokeCalls != 1 {
		t.Fatalf("revoke calls = %d, want 1", f.chain.revokeCalls)
	}

	// The delegation is now terminal; a second sweep finds nothing.
	if err := f.coord.SweepStaleDelegations(ctx, 10*time.Minute); err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if f.chain.revokeCalls != 1 {
		t.Fatalf("revoked an already-terminal delegation")
	}
}

func TestClassifySwapError(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Slippage tolerance exceeded", "slippage"},
		{"insufficient lamports for fee", "insufficient balance"},
		{"context deadline exceeded", "did not confirm in time"},
		{"something else entirely", "swap failed"},
	}
	for _, tc := range cases {
		err := classifySwapError(errors.New(tc.in))
		if !fault.Is(err, fault.External) {
			t.Errorf("%q: expected external fault", tc.in)
		}
		if f := fault.Get(err); f == nil || !strings.Contains(f.Message, tc.want) {
			t.Errorf("%q: message %q does not mention %q", tc.in, f.Message, tc.want)
		}
	}
}
