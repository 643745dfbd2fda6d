package valuation

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/solpot/pot-engine/internal/model"
	"github.com/solpot/pot-engine/internal/store"
)

type fakeTokens struct {
	prices     map[string]decimal.Decimal
	decimals   map[string]int
	priceCalls map[string]int
}

func newFakeTokens() *fakeTokens {
	return &fakeTokens{
		prices:     make(map[string]decimal.Decimal),
		decimals:   make(map[string]int),
		priceCalls: make(map[string]int),
	}
}

func (f *fakeTokens) PriceUSD(_ context.Context, mint string) (decimal.Decimal, error) {
	f.priceCalls[mint]++
	p, ok := f.prices[mint]
	if !ok {
		return decimal.Zero, fmt.Errorf("no price for %s", mint)
	}
	return p, nil
}

func (f *fakeTokens) Decimals(_ context.Context, mint string) (int, error) {
	d, ok := f.decimals[mint]
	if !ok {
		return 0, fmt.Errorf("no metadata for %s", mint)
	}
	return d, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPotValueSumsAssets(t *testing.T) {
	tokens := newFakeTokens()
	tokens.decimals[model.SolMint] = 9
	tokens.prices[model.SolMint] = decimal.NewFromInt(200)
	tokens.decimals["USDCmint"] = 6
	tokens.prices["USDCmint"] = decimal.NewFromInt(1)

	svc := NewService(store.NewMemoryStore(), tokens, 0, discardLogger())

	assets := []model.Asset{
		{MintAddress: model.SolMint, Balance: 2_000_000_000}, // 2 SOL
		{MintAddress: "USDCmint", Balance: 50_000_000},       // 50 USDC
	}
	got := svc.PotValueUSD(context.Background(), assets)
	if want := decimal.NewFromInt(450); !got.Equal(want) {
		t.Fatalf("pot value = %s, want %s", got, want)
	}
}

func TestPotValueSkipsUnpricedAsset(t *testing.T) {
	tokens := newFakeTokens()
	tokens.decimals[model.SolMint] = 9
	tokens.prices[model.SolMint] = decimal.NewFromInt(200)
	// "JUNKmint" has no price: it must be skipped, not fail the total.

	svc := NewService(store.NewMemoryStore(), tokens, 0, discardLogger())

	assets := []model.Asset{
		{MintAddress: model.SolMint, Balance: 1_000_000_000},
		{MintAddress: "JUNKmint", Balance: 999},
	}
	got := svc.PotValueUSD(context.Background(), assets)
	if want := decimal.NewFromInt(200); !got.Equal(want) {
		t.Fatalf("pot value = %s, want %s", got, want)
	}
}

func TestPotValueIgnoresZeroBalances(t *testing.T) {
	tokens := newFakeTokens()
	svc := NewService(store.NewMemoryStore(), tokens, 0, discardLogger())

	assets := []model.Asset{{MintAddress: model.SolMint, Balance: 0}}
	if got := svc.PotValueUSD(context.Background(), assets); !got.IsZero() {
		t.Fatalf("pot value = %s, want 0", got)
	}
	if tokens.priceCalls[model.SolMint] != 0 {
		t.Fatal("zero-balance asset should not trigger a price lookup")
	}
}

func seedPot(t *testing.T, st store.Store, totalShares, memberShares uint64) (potID, userID string) {
	t.Helper()
	ctx := context.Background()
	potID = uuid.NewString()
	userID = uuid.NewString()
	if err := st.CreatePot(ctx, &model.Pot{
		ID: potID, Name: "test", AdminID: userID,
		CashOutMint: model.SolMint, TotalShares: totalShares,
		CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("create pot: %v", err)
	}
	if err := st.CreateMember(ctx, &model.PotMember{
		ID: uuid.NewString(), UserID: userID, PotID: potID,
		Role: model.RoleAdmin, Shares: memberShares, JoinedAt: time.Now(),
	}); err != nil {
		t.Fatalf("create member: %v", err)
	}
	return potID, userID
}

func TestMemberPosition(t *testing.T) {
	st := store.NewMemoryStore()
	potID, userID := seedPot(t, st, 1000, 250)

	ctx := context.Background()
	if err := st.UpsertAsset(ctx, potID, model.SolMint, 4_000_000_000); err != nil {
		t.Fatalf("seed asset: %v", err)
	}

	tokens := newFakeTokens()
	tokens.decimals[model.SolMint] = 9
	tokens.prices[model.SolMint] = decimal.NewFromInt(100) // pot value $400

	svc := NewService(st, tokens, 0, discardLogger())
	pos, err := svc.MemberPosition(ctx, potID, userID)
	if err != nil {
		t.Fatalf("member position: %v", err)
	}

	if pos.Shares != 250 {
		t.Fatalf("shares = %d, want 250", pos.Shares)
	}
	if want := decimal.NewFromInt(25); !pos.SharePercentage.Equal(want) {
		t.Fatalf("share percentage = %s, want %s", pos.SharePercentage, want)
	}
	if want := decimal.NewFromInt(100); !pos.ValueUSD.Equal(want) {
		t.Fatalf("value = %s, want %s", pos.ValueUSD, want)
	}
	if want := decimal.NewFromFloat(0.4); !pos.SharePrice.Equal(want) {
		t.Fatalf("share price = %s, want %s", pos.SharePrice, want)
	}
}

func TestMemberPositionZeroTotalShares(t *testing.T) {
	st := store.NewMemoryStore()
	potID, userID := seedPot(t, st, 0, 0)

	svc := NewService(st, newFakeTokens(), 0, discardLogger())
	pos, err := svc.MemberPosition(context.Background(), potID, userID)
	if err != nil {
		t.Fatalf("member position: %v", err)
	}
	if pos.Shares != 0 || !pos.ValueUSD.IsZero() || !pos.SharePercentage.IsZero() || !pos.SharePrice.IsZero() {
		t.Fatalf("expected all-zero position, got %+v", pos)
	}
}

func TestPriceCacheWithinTTL(t *testing.T) {
	tokens := newFakeTokens()
	tokens.decimals[model.SolMint] = 9
	tokens.prices[model.SolMint] = decimal.NewFromInt(200)

	svc := NewService(store.NewMemoryStore(), tokens, time.Minute, discardLogger())
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	assets := []model.Asset{{MintAddress: model.SolMint, Balance: 1_000_000_000}}
	ctx := context.Background()

	svc.PotValueUSD(ctx, assets)
	svc.PotValueUSD(ctx, assets)
	if got := tokens.priceCalls[model.SolMint]; got != 1 {
		t.Fatalf("price calls = %d, want 1 (second read cached)", got)
	}

	now = now.Add(2 * time.Minute)
	svc.PotValueUSD(ctx, assets)
	if got := tokens.priceCalls[model.SolMint]; got != 2 {
		t.Fatalf("price calls = %d, want 2 after TTL expiry", got)
	}
}
