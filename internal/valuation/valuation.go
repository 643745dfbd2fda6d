// Package valuation computes USD values for pots and member positions.
// Valuations are display-only reads: share accounting never depends on
// them, so a degraded price feed degrades the UI, not the ledger.
package valuation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/solpot/pot-engine/internal/model"
	"github.com/solpot/pot-engine/internal/store"
)

// TokenInfoSource looks up token metadata and pricing.
type TokenInfoSource interface {
	// PriceUSD returns the USD price of one whole token of mint.
	PriceUSD(ctx context.Context, mint string) (decimal.Decimal, error)

	// Decimals returns the mint's decimal places.
	Decimals(ctx context.Context, mint string) (int, error)
}

// Position is one member's stake in a pot.
type Position struct {
	Shares          uint64          `json:"shares"`
	SharePercentage decimal.Decimal `json:"share_percentage"`
	ValueUSD        decimal.Decimal `json:"value_usd"`
	SharePrice      decimal.Decimal `json:"share_price"`
}

// Service values pot holdings via a TokenInfoSource. Decimals are cached
// indefinitely (a mint's decimals never change); prices are cached for a
// short TTL to keep polling loops off the price API.
type Service struct {
	store  store.Store
	tokens TokenInfoSource
	log    *slog.Logger

	mu         sync.Mutex
	decimalsBy map[string]int
	prices     map[string]pricePoint
	priceTTL   time.Duration
	now        func() time.Time
}

type pricePoint struct {
	price decimal.Decimal
	at    time.Time
}

// NewService creates a valuation service. priceTTL bounds price cache
// staleness; a non-positive TTL disables price caching.
func NewService(st store.Store, tokens TokenInfoSource, priceTTL time.Duration, log *slog.Logger) *Service {
	return &Service{
		store:      st,
		tokens:     tokens,
		log:        log,
		decimalsBy: make(map[string]int),
		prices:     make(map[string]pricePoint),
		priceTTL:   priceTTL,
		now:        time.Now,
	}
}

// PotValueUSD sums the USD value of the given asset balances. A mint
// whose price or decimals lookup fails is skipped with a warning rather
// than zeroing out the whole valuation.
func (s *Service) PotValueUSD(ctx context.Context, assets []model.Asset) decimal.Decimal {
	total := decimal.Zero
	for _, a := range assets {
		if a.Balance == 0 {
			continue
		}
		v, err := s.assetValueUSD(ctx, a.MintAddress, a.Balance)
		if err != nil {
			s.log.Warn("skipping unpriced asset in valuation",
				"mint", a.MintAddress, "error", err)
			continue
		}
		total = total.Add(v)
	}
	return total
}

// AssetValueUSD prices an amount (smallest units) of one mint. Returns
// zero when the mint cannot be priced; callers treating zero as "no
// price" must tolerate genuinely worthless holdings too.
func (s *Service) AssetValueUSD(ctx context.Context, mint string, amount uint64) decimal.Decimal {
	if amount == 0 {
		return decimal.Zero
	}
	v, err := s.assetValueUSD(ctx, mint, amount)
	if err != nil {
		s.log.Warn("asset price unavailable", "mint", mint, "error", err)
		return decimal.Zero
	}
	return v
}

// MemberPosition computes a member's share count, percentage of the pot,
// USD value, and NAV per share. All values are zero when the pot has no
// shares outstanding or the member holds none.
func (s *Service) MemberPosition(ctx context.Context, potID, userID string) (*Position, error) {
	pot, err := s.store.GetPot(ctx, potID)
	if err != nil {
		return nil, err
	}
	member, err := s.store.GetMember(ctx, potID, userID)
	if err != nil {
		return nil, err
	}

	pos := &Position{Shares: member.Shares}
	if pot.TotalShares == 0 || member.Shares == 0 {
		return pos, nil
	}

	assets, err := s.store.ListAssets(ctx, potID)
	if err != nil {
		return nil, err
	}
	potValue := s.PotValueUSD(ctx, assets)

	shares := decimal.NewFromUint64(member.Shares)
	totalShares := decimal.NewFromUint64(pot.TotalShares)

	pos.SharePercentage = shares.Div(totalShares).Mul(decimal.NewFromInt(100))
	pos.ValueUSD = potValue.Mul(shares).Div(totalShares)
	pos.SharePrice = potValue.Div(totalShares)
	return pos, nil
}

func (s *Service) assetValueUSD(ctx context.Context, mint string, balance uint64) (decimal.Decimal, error) {
	decimals, err := s.decimals(ctx, mint)
	if err != nil {
		return decimal.Zero, err
	}
	price, err := s.price(ctx, mint)
	if err != nil {
		return decimal.Zero, err
	}
	whole := decimal.NewFromUint64(balance).Shift(int32(-decimals))
	return whole.Mul(price), nil
}

func (s *Service) decimals(ctx context.Context, mint string) (int, error) {
	s.mu.Lock()
	d, ok := s.decimalsBy[mint]
	s.mu.Unlock()
	if ok {
		return d, nil
	}

	d, err := s.tokens.Decimals(ctx, mint)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.decimalsBy[mint] = d
	s.mu.Unlock()
	return d, nil
}

func (s *Service) price(ctx context.Context, mint string) (decimal.Decimal, error) {
	now := s.now()
	s.mu.Lock()
	p, ok := s.prices[mint]
	s.mu.Unlock()
	if ok && s.priceTTL > 0 && now.Sub(p.at) < s.priceTTL {
		return p.price, nil
	}

	price, err := s.tokens.PriceUSD(ctx, mint)
	if err != nil {
		return decimal.Zero, err
	}
	s.mu.Lock()
	s.prices[mint] = pricePoint{price: price, at: now}
	s.mu.Unlock()
	return price, nil
}
