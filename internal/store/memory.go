package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/solpot/pot-engine/internal/model"
)

// MemoryStore is an in-memory Store used in tests. WithinTx serializes
// whole transactions with a dedicated mutex; callers are expected to
// validate before mutating, so no rollback is implemented.
type MemoryStore struct {
	mu   sync.RWMutex
	txmu sync.Mutex

	users        map[string]model.User
	pots         map[string]model.Pot
	members      map[string]model.PotMember // key: potID + "/" + userID
	assets       map[string]model.Asset     // key: potID + "/" + mint
	trades       []model.Trade
	deposits     []model.Deposit
	withdrawals  []model.Withdrawal
	copyConfigs  map[string]model.CopyTrading // key: config ID
	copiedTrades map[string]model.CopiedTrade // key: copied trade ID
	delegations  map[string]model.Delegation
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:        make(map[string]model.User),
		pots:         make(map[string]model.Pot),
		members:      make(map[string]model.PotMember),
		assets:       make(map[string]model.Asset),
		copyConfigs:  make(map[string]model.CopyTrading),
		copiedTrades: make(map[string]model.CopiedTrade),
		delegations:  make(map[string]model.Delegation),
	}
}

// WithinTx serializes fn against all other transactions. Individual
// operations inside fn still take the data mutex, so reads outside a
// transaction remain safe.
func (s *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	s.txmu.Lock()
	defer s.txmu.Unlock()
	return fn(ctx, s)
}

func memberKey(potID, userID string) string { return potID + "/" + userID }
func assetKey(potID, mint string) string    { return potID + "/" + mint }

// --- Users ---

func (s *MemoryStore) CreateUser(ctx context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; ok {
		return fmt.Errorf("user %s: %w", u.ID, ErrConflict)
	}
	s.users[u.ID] = *u
	return nil
}

func (s *MemoryStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return &u, nil
}

// --- Pots ---

func (s *MemoryStore) CreatePot(ctx context.Context, p *model.Pot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pots[p.ID]; ok {
		return fmt.Errorf("pot %s: %w", p.ID, ErrConflict)
	}
	s.pots[p.ID] = *p
	return nil
}

func (s *MemoryStore) GetPot(ctx context.Context, id string) (*model.Pot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pots[id]
	if !ok {
		return nil, fmt.Errorf("pot %s: %w", id, ErrNotFound)
	}
	return &p, nil
}

func (s *MemoryStore) ListPotsByUser(ctx context.Context, userID string) ([]model.Pot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	var pots []model.Pot
	for _, p := range s.pots {
		if p.AdminID == userID {
			seen[p.ID] = true
			pots = append(pots, p)
		}
	}
	for _, m := range s.members {
		if m.UserID != userID || seen[m.PotID] {
			continue
		}
		if p, ok := s.pots[m.PotID]; ok {
			seen[p.ID] = true
			pots = append(pots, p)
		}
	}
	sort.Slice(pots, func(i, j int) bool { return pots[i].CreatedAt.After(pots[j].CreatedAt) })
	return pots, nil
}

func (s *MemoryStore) UpdatePotTotalShares(ctx context.Context, potID string, totalShares uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pots[potID]
	if !ok {
		return fmt.Errorf("pot %s: %w", potID, ErrNotFound)
	}
	p.TotalShares = totalShares
	s.pots[potID] = p
	return nil
}

// --- Members ---

func (s *MemoryStore) CreateMember(ctx context.Context, m *model.PotMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memberKey(m.PotID, m.UserID)
	if _, ok := s.members[key]; ok {
		return fmt.Errorf("member %s: %w", m.UserID, ErrConflict)
	}
	s.members[key] = *m
	return nil
}

func (s *MemoryStore) GetMember(ctx context.Context, potID, userID string) (*model.PotMember, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[memberKey(potID, userID)]
	if !ok {
		return nil, fmt.Errorf("member %s: %w", userID, ErrNotFound)
	}
	return &m, nil
}

func (s *MemoryStore) ListMembers(ctx context.Context, potID string) ([]model.PotMember, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var members []model.PotMember
	for _, m := range s.members {
		if m.PotID == potID {
			members = append(members, m)
		}
	}
	sort.Slice(members, func(i, j int) bool { return members[i].JoinedAt.Before(members[j].JoinedAt) })
	return members, nil
}

func (s *MemoryStore) UpdateMemberRole(ctx context.Context, potID, userID string, role model.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memberKey(potID, userID)
	m, ok := s.members[key]
	if !ok {
		return fmt.Errorf("member %s: %w", userID, ErrNotFound)
	}
	m.Role = role
	s.members[key] = m
	return nil
}

func (s *MemoryStore) UpdateMemberShares(ctx context.Context, potID, userID string, shares uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memberKey(potID, userID)
	m, ok := s.members[key]
	if !ok {
		return fmt.Errorf("member %s: %w", userID, ErrNotFound)
	}
	m.Shares = shares
	s.members[key] = m
	return nil
}

// --- Assets ---

func (s *MemoryStore) GetAsset(ctx context.Context, potID, mint string) (*model.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assets[assetKey(potID, mint)]
	if !ok {
		return nil, fmt.Errorf("asset %s: %w", mint, ErrNotFound)
	}
	return &a, nil
}

func (s *MemoryStore) ListAssets(ctx context.Context, potID string) ([]model.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var assets []model.Asset
	for _, a := range s.assets {
		if a.PotID == potID {
			assets = append(assets, a)
		}
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i].MintAddress < assets[j].MintAddress })
	return assets, nil
}

func (s *MemoryStore) UpsertAsset(ctx context.Context, potID, mint string, balance uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := assetKey(potID, mint)
	a, ok := s.assets[key]
	if !ok {
		a = model.Asset{ID: key, PotID: potID, MintAddress: mint}
	}
	a.Balance = balance
	s.assets[key] = a
	return nil
}

// --- Immutable ledger ---

func (s *MemoryStore) InsertTrade(ctx context.Context, t *model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades = append(s.trades, *t)
	return nil
}

func (s *MemoryStore) ListTradesByPot(ctx context.Context, potID string, limit int) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var trades []model.Trade
	for _, t := range s.trades {
		if t.PotID == potID {
			trades = append(trades, t)
		}
	}
	sort.Slice(trades, func(i, j int) bool { return trades[i].CreatedAt.After(trades[j].CreatedAt) })
	if limit > 0 && len(trades) > limit {
		trades = trades[:limit]
	}
	return trades, nil
}

func (s *MemoryStore) InsertDeposit(ctx context.Context, d *model.Deposit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deposits = append(s.deposits, *d)
	return nil
}

func (s *MemoryStore) ListDepositsByUser(ctx context.Context, potID, userID string) ([]model.Deposit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var deposits []model.Deposit
	for _, d := range s.deposits {
		if d.PotID == potID && d.UserID == userID {
			deposits = append(deposits, d)
		}
	}
	return deposits, nil
}

func (s *MemoryStore) InsertWithdrawal(ctx context.Context, w *model.Withdrawal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.withdrawals = append(s.withdrawals, *w)
	return nil
}

func (s *MemoryStore) ListWithdrawalsByUser(ctx context.Context, potID, userID string) ([]model.Withdrawal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var withdrawals []model.Withdrawal
	for _, w := range s.withdrawals {
		if w.PotID == potID && w.UserID == userID {
			withdrawals = append(withdrawals, w)
		}
	}
	return withdrawals, nil
}

// --- Copy trading ---

func (s *MemoryStore) CreateCopyTrading(ctx context.Context, c *model.CopyTrading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.copyConfigs {
		if existing.UserID == c.UserID {
			return fmt.Errorf("copy_trading for user %s: %w", c.UserID, ErrConflict)
		}
	}
	s.copyConfigs[c.ID] = *c
	return nil
}

func (s *MemoryStore) GetCopyTradingByUser(ctx context.Context, userID string) (*model.CopyTrading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.copyConfigs {
		if c.UserID == userID {
			return &c, nil
		}
	}
	return nil, fmt.Errorf("copy_trading %s: %w", userID, ErrNotFound)
}

func (s *MemoryStore) ListActiveCopyTrading(ctx context.Context) ([]model.CopyTrading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var configs []model.CopyTrading
	for _, c := range s.copyConfigs {
		if c.IsActive {
			configs = append(configs, c)
		}
	}
	sort.Slice(configs, func(i, j int) bool { return configs[i].CreatedAt.Before(configs[j].CreatedAt) })
	return configs, nil
}

func (s *MemoryStore) SetCopyTradingActive(ctx context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.copyConfigs[id]
	if !ok {
		return fmt.Errorf("copy_trading %s: %w", id, ErrNotFound)
	}
	c.IsActive = active
	s.copyConfigs[id] = c
	return nil
}

func (s *MemoryStore) CreateCopiedTrade(ctx context.Context, c *model.CopiedTrade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.copiedTrades {
		if existing.OriginalTxHash == c.OriginalTxHash {
			return fmt.Errorf("copied trade %s: %w", c.OriginalTxHash, ErrConflict)
		}
	}
	s.copiedTrades[c.ID] = *c
	return nil
}

func (s *MemoryStore) GetCopiedTrade(ctx context.Context, id string) (*model.CopiedTrade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.copiedTrades[id]
	if !ok {
		return nil, fmt.Errorf("copied trade %s: %w", id, ErrNotFound)
	}
	return &c, nil
}

func (s *MemoryStore) GetCopiedTradeByOriginalHash(ctx context.Context, hash string) (*model.CopiedTrade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.copiedTrades {
		if c.OriginalTxHash == hash {
			return &c, nil
		}
	}
	return nil, fmt.Errorf("copied trade %s: %w", hash, ErrNotFound)
}

func (s *MemoryStore) UpdateCopiedTrade(ctx context.Context, id string, status model.CopiedTradeStatus, outAmount uint64, copiedTxHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.copiedTrades[id]
	if !ok {
		return fmt.Errorf("copied trade %s: %w", id, ErrNotFound)
	}
	c.Status = status
	c.OutAmount = outAmount
	c.CopiedTxHash = copiedTxHash
	s.copiedTrades[id] = c
	return nil
}

func (s *MemoryStore) TransitionCopiedTrade(ctx context.Context, id string, from, to model.CopiedTradeStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.copiedTrades[id]
	if !ok {
		return fmt.Errorf("copied trade %s: %w", id, ErrNotFound)
	}
	if c.Status != from {
		return fmt.Errorf("copied trade %s is %s, not %s: %w", id, c.Status, from, ErrConflict)
	}
	c.Status = to
	s.copiedTrades[id] = c
	return nil
}

// --- Delegations ---

func (s *MemoryStore) CreateDelegation(ctx context.Context, d *model.Delegation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.delegations[d.ID]; ok {
		return fmt.Errorf("delegation %s: %w", d.ID, ErrConflict)
	}
	s.delegations[d.ID] = *d
	return nil
}

func (s *MemoryStore) UpdateDelegationState(ctx context.Context, id string, state model.DelegationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.delegations[id]
	if !ok {
		return fmt.Errorf("delegation %s: %w", id, ErrNotFound)
	}
	d.State = state
	d.UpdatedAt = time.Now().UTC()
	s.delegations[id] = d
	return nil
}

func (s *MemoryStore) ListStaleDelegations(ctx context.Context, cutoff time.Time) ([]model.Delegation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var dels []model.Delegation
	for _, d := range s.delegations {
		if (d.State == model.DelegationDelegated || d.State == model.DelegationSwapping) && d.CreatedAt.Before(cutoff) {
			dels = append(dels, d)
		}
	}
	sort.Slice(dels, func(i, j int) bool { return dels[i].CreatedAt.Before(dels[j].CreatedAt) })
	return dels, nil
}
