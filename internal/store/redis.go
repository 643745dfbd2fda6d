package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/solpot/pot-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary. Only hot display reads
// are cached (pot, membership, asset balances); share accounting always
// runs against the primary inside WithinTx.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// cachedPot mirrors model.Pot for cache serialization. model.Pot hides
// VaultAddress from JSON; the cache must keep it.
type cachedPot struct {
	model.Pot
	Vault string `json:"vault"`
}

// WithinTx runs fn against the primary store's transaction, wrapping the
// tx view so writes record which cache keys to invalidate after commit.
func (s *CachedStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	var stale []string
	err := s.primary.WithinTx(ctx, func(ctx context.Context, tx Store) error {
		return fn(ctx, &invalidatingTx{Store: tx, stale: &stale})
	})
	if err != nil {
		return err
	}
	if len(stale) > 0 {
		s.rdb.Del(ctx, stale...)
	}
	return nil
}

// invalidatingTx passes every operation through to the transaction view
// and records cache keys touched by writes to cached projections.
type invalidatingTx struct {
	Store
	stale *[]string
}

func (t *invalidatingTx) UpdatePotTotalShares(ctx context.Context, potID string, totalShares uint64) error {
	*t.stale = append(*t.stale, potKey(potID))
	return t.Store.UpdatePotTotalShares(ctx, potID, totalShares)
}

func (t *invalidatingTx) CreateMember(ctx context.Context, m *model.PotMember) error {
	*t.stale = append(*t.stale, memberCacheKey(m.PotID, m.UserID))
	return t.Store.CreateMember(ctx, m)
}

func (t *invalidatingTx) UpdateMemberRole(ctx context.Context, potID, userID string, role model.Role) error {
	*t.stale = append(*t.stale, memberCacheKey(potID, userID))
	return t.Store.UpdateMemberRole(ctx, potID, userID, role)
}

func (t *invalidatingTx) UpdateMemberShares(ctx context.Context, potID, userID string, shares uint64) error {
	*t.stale = append(*t.stale, memberCacheKey(potID, userID))
	return t.Store.UpdateMemberShares(ctx, potID, userID, shares)
}

func (t *invalidatingTx) UpsertAsset(ctx context.Context, potID, mint string, balance uint64) error {
	*t.stale = append(*t.stale, assetsKey(potID))
	return t.Store.UpsertAsset(ctx, potID, mint, balance)
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreatePot(ctx context.Context, p *model.Pot) error {
	if err := s.primary.CreatePot(ctx, p); err != nil {
		return err
	}
	s.cachePot(ctx, p)
	return nil
}

func (s *CachedStore) UpdatePotTotalShares(ctx context.Context, potID string, totalShares uint64) error {
	if err := s.primary.UpdatePotTotalShares(ctx, potID, totalShares); err != nil {
		return err
	}
	// Invalidate cache; next read will re-populate.
	s.rdb.Del(ctx, potKey(potID))
	return nil
}

func (s *CachedStore) CreateMember(ctx context.Context, m *model.PotMember) error {
	if err := s.primary.CreateMember(ctx, m); err != nil {
		return err
	}
	s.rdb.Del(ctx, memberCacheKey(m.PotID, m.UserID))
	return nil
}

func (s *CachedStore) UpdateMemberRole(ctx context.Context, potID, userID string, role model.Role) error {
	if err := s.primary.UpdateMemberRole(ctx, potID, userID, role); err != nil {
		return err
	}
	s.rdb.Del(ctx, memberCacheKey(potID, userID))
	return nil
}

func (s *CachedStore) UpdateMemberShares(ctx context.Context, potID, userID string, shares uint64) error {
	if err := s.primary.UpdateMemberShares(ctx, potID, userID, shares); err != nil {
		return err
	}
	s.rdb.Del(ctx, memberCacheKey(potID, userID))
	return nil
}

func (s *CachedStore) UpsertAsset(ctx context.Context, potID, mint string, balance uint64) error {
	if err := s.primary.UpsertAsset(ctx, potID, mint, balance); err != nil {
		return err
	}
	s.rdb.Del(ctx, assetsKey(potID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPot(ctx context.Context, id string) (*model.Pot, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, potKey(id)).Bytes()
	if err == nil {
		var cp cachedPot
		if json.Unmarshal(data, &cp) == nil {
			p := cp.Pot
			p.VaultAddress = cp.Vault
			return &p, nil
		}
	}

	// Cache miss: read from primary.
	p, err := s.primary.GetPot(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cachePot(ctx, p)
	return p, nil
}

func (s *CachedStore) GetMember(ctx context.Context, potID, userID string) (*model.PotMember, error) {
	data, err := s.rdb.Get(ctx, memberCacheKey(potID, userID)).Bytes()
	if err == nil {
		var m model.PotMember
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	m, err := s.primary.GetMember(ctx, potID, userID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, memberCacheKey(potID, userID), data, s.ttl)
	}
	return m, nil
}

func (s *CachedStore) ListAssets(ctx context.Context, potID string) ([]model.Asset, error) {
	data, err := s.rdb.Get(ctx, assetsKey(potID)).Bytes()
	if err == nil {
		var assets []model.Asset
		if json.Unmarshal(data, &assets) == nil {
			return assets, nil
		}
	}

	assets, err := s.primary.ListAssets(ctx, potID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(assets); err == nil {
		s.rdb.Set(ctx, assetsKey(potID), data, s.ttl)
	}
	return assets, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) CreateUser(ctx context.Context, u *model.User) error {
	return s.primary.CreateUser(ctx, u)
}

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	return s.primary.GetUser(ctx, id)
}

func (s *CachedStore) ListPotsByUser(ctx context.Context, userID string) ([]model.Pot, error) {
	return s.primary.ListPotsByUser(ctx, userID)
}

func (s *CachedStore) ListMembers(ctx context.Context, potID string) ([]model.PotMember, error) {
	return s.primary.ListMembers(ctx, potID)
}

func (s *CachedStore) GetAsset(ctx context.Context, potID, mint string) (*model.Asset, error) {
	return s.primary.GetAsset(ctx, potID, mint)
}

func (s *CachedStore) InsertTrade(ctx context.Context, t *model.Trade) error {
	return s.primary.InsertTrade(ctx, t)
}

func (s *CachedStore) ListTradesByPot(ctx context.Context, potID string, limit int) ([]model.Trade, error) {
	return s.primary.ListTradesByPot(ctx, potID, limit)
}

func (s *CachedStore) InsertDeposit(ctx context.Context, d *model.Deposit) error {
	return s.primary.InsertDeposit(ctx, d)
}

func (s *CachedStore) ListDepositsByUser(ctx context.Context, potID, userID string) ([]model.Deposit, error) {
	return s.primary.ListDepositsByUser(ctx, potID, userID)
}

func (s *CachedStore) InsertWithdrawal(ctx context.Context, w *model.Withdrawal) error {
	return s.primary.InsertWithdrawal(ctx, w)
}

func (s *CachedStore) ListWithdrawalsByUser(ctx context.Context, potID, userID string) ([]model.Withdrawal, error) {
	return s.primary.ListWithdrawalsByUser(ctx, potID, userID)
}

func (s *CachedStore) CreateCopyTrading(ctx context.Context, c *model.CopyTrading) error {
	return s.primary.CreateCopyTrading(ctx, c)
}

func (s *CachedStore) GetCopyTradingByUser(ctx context.Context, userID string) (*model.CopyTrading, error) {
	return s.primary.GetCopyTradingByUser(ctx, userID)
}

func (s *CachedStore) ListActiveCopyTrading(ctx context.Context) ([]model.CopyTrading, error) {
	return s.primary.ListActiveCopyTrading(ctx)
}

func (s *CachedStore) SetCopyTradingActive(ctx context.Context, id string, active bool) error {
	return s.primary.SetCopyTradingActive(ctx, id, active)
}

func (s *CachedStore) CreateCopiedTrade(ctx context.Context, c *model.CopiedTrade) error {
	return s.primary.CreateCopiedTrade(ctx, c)
}

func (s *CachedStore) GetCopiedTrade(ctx context.Context, id string) (*model.CopiedTrade, error) {
	return s.primary.GetCopiedTrade(ctx, id)
}

func (s *CachedStore) GetCopiedTradeByOriginalHash(ctx context.Context, hash string) (*model.CopiedTrade, error) {
	return s.primary.GetCopiedTradeByOriginalHash(ctx, hash)
}

func (s *CachedStore) UpdateCopiedTrade(ctx context.Context, id string, status model.CopiedTradeStatus, outAmount uint64, copiedTxHash string) error {
	return s.primary.UpdateCopiedTrade(ctx, id, status, outAmount, copiedTxHash)
}

func (s *CachedStore) TransitionCopiedTrade(ctx context.Context, id string, from, to model.CopiedTradeStatus) error {
	return s.primary.TransitionCopiedTrade(ctx, id, from, to)
}

func (s *CachedStore) CreateDelegation(ctx context.Context, d *model.Delegation) error {
	return s.primary.CreateDelegation(ctx, d)
}

func (s *CachedStore) UpdateDelegationState(ctx context.Context, id string, state model.DelegationState) error {
	return s.primary.UpdateDelegationState(ctx, id, state)
}

func (s *CachedStore) ListStaleDelegations(ctx context.Context, cutoff time.Time) ([]model.Delegation, error) {
	return s.primary.ListStaleDelegations(ctx, cutoff)
}

// --- Cache helpers ---

func (s *CachedStore) cachePot(ctx context.Context, p *model.Pot) {
	cp := cachedPot{Pot: *p, Vault: p.VaultAddress}
	if data, err := json.Marshal(cp); err == nil {
		s.rdb.Set(ctx, potKey(p.ID), data, s.ttl)
	}
}

func potKey(id string) string                   { return fmt.Sprintf("pot:%s", id) }
func memberCacheKey(potID, userID string) string { return fmt.Sprintf("member:%s:%s", potID, userID) }
func assetsKey(potID string) string             { return fmt.Sprintf("assets:%s", potID) }
