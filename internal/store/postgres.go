package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/solpot/pot-engine/internal/model"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx so every store
// method works inside and outside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All uint64 amounts are stored as NUMERIC for exact precision.
type PostgresStore struct {
	pool *pgxpool.Pool
	q    querier
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, q: pool}
}

// WithinTx runs fn inside a serializable transaction. The Store passed to
// fn routes every query through the transaction.
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	pgtx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin serializable tx: %w", err)
	}
	txStore := &PostgresStore{pool: s.pool, q: pgtx}
	if err := fn(ctx, txStore); err != nil {
		_ = pgtx.Rollback(ctx)
		return err
	}
	return pgtx.Commit(ctx)
}

func u64(s string) uint64 {
	v, _ := strconv.ParseUint(s, 10, 64)
	return v
}

func numeric(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func mapNotFound(err error, what, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return err
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO users (id, public_key, secret_key, created_at)
		 VALUES ($1, $2, $3, $4)`,
		u.ID, u.PublicKey, u.SecretKey, u.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	err := s.q.QueryRow(ctx,
		`SELECT id, public_key, secret_key, created_at FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.PublicKey, &u.SecretKey, &u.CreatedAt)
	if err != nil {
		return nil, mapNotFound(err, "user", id)
	}
	return &u, nil
}

// --- Pots ---

func (s *PostgresStore) CreatePot(ctx context.Context, p *model.Pot) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO pots (id, name, admin_id, vault_address, cash_out_mint, total_shares, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7)`,
		p.ID, p.Name, p.AdminID, p.VaultAddress, p.CashOutMint, numeric(p.TotalShares), p.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetPot(ctx context.Context, id string) (*model.Pot, error) {
	var p model.Pot
	var totalShares string
	err := s.q.QueryRow(ctx,
		`SELECT id, name, admin_id, vault_address, cash_out_mint, total_shares::TEXT, created_at
		 FROM pots WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.AdminID, &p.VaultAddress, &p.CashOutMint, &totalShares, &p.CreatedAt)
	if err != nil {
		return nil, mapNotFound(err, "pot", id)
	}
	p.TotalShares = u64(totalShares)
	return &p, nil
}

func (s *PostgresStore) ListPotsByUser(ctx context.Context, userID string) ([]model.Pot, error) {
	rows, err := s.q.Query(ctx,
		`SELECT DISTINCT p.id, p.name, p.admin_id, p.vault_address, p.cash_out_mint,
		        p.total_shares::TEXT, p.created_at
		 FROM pots p
		 LEFT JOIN pot_members m ON m.pot_id = p.id
		 WHERE p.admin_id = $1 OR m.user_id = $1
		 ORDER BY p.created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pots []model.Pot
	for rows.Next() {
		var p model.Pot
		var totalShares string
		if err := rows.Scan(&p.ID, &p.Name, &p.AdminID, &p.VaultAddress, &p.CashOutMint,
			&totalShares, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.TotalShares = u64(totalShares)
		pots = append(pots, p)
	}
	return pots, rows.Err()
}

func (s *PostgresStore) UpdatePotTotalShares(ctx context.Context, potID string, totalShares uint64) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE pots SET total_shares = $2::NUMERIC WHERE id = $1`,
		potID, numeric(totalShares))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("pot %s: %w", potID, ErrNotFound)
	}
	return nil
}

// --- Members ---

func (s *PostgresStore) CreateMember(ctx context.Context, m *model.PotMember) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO pot_members (id, user_id, pot_id, role, shares, joined_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6)`,
		m.ID, m.UserID, m.PotID, string(m.Role), numeric(m.Shares), m.JoinedAt,
	)
	return err
}

func (s *PostgresStore) GetMember(ctx context.Context, potID, userID string) (*model.PotMember, error) {
	var m model.PotMember
	var role, shares string
	err := s.q.QueryRow(ctx,
		`SELECT id, user_id, pot_id, role, shares::TEXT, joined_at
		 FROM pot_members WHERE pot_id = $1 AND user_id = $2`, potID, userID).
		Scan(&m.ID, &m.UserID, &m.PotID, &role, &shares, &m.JoinedAt)
	if err != nil {
		return nil, mapNotFound(err, "member", userID)
	}
	m.Role = model.Role(role)
	m.Shares = u64(shares)
	return &m, nil
}

func (s *PostgresStore) ListMembers(ctx context.Context, potID string) ([]model.PotMember, error) {
	rows, err := s.q.Query(ctx,
		`SELECT id, user_id, pot_id, role, shares::TEXT, joined_at
		 FROM pot_members WHERE pot_id = $1 ORDER BY joined_at`, potID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []model.PotMember
	for rows.Next() {
		var m model.PotMember
		var role, shares string
		if err := rows.Scan(&m.ID, &m.UserID, &m.PotID, &role, &shares, &m.JoinedAt); err != nil {
			return nil, err
		}
		m.Role = model.Role(role)
		m.Shares = u64(shares)
		members = append(members, m)
	}
	return members, rows.Err()
}

func (s *PostgresStore) UpdateMemberRole(ctx context.Context, potID, userID string, role model.Role) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE pot_members SET role = $3 WHERE pot_id = $1 AND user_id = $2`,
		potID, userID, string(role))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("member %s: %w", userID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) UpdateMemberShares(ctx context.Context, potID, userID string, shares uint64) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE pot_members SET shares = $3::NUMERIC WHERE pot_id = $1 AND user_id = $2`,
		potID, userID, numeric(shares))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("member %s: %w", userID, ErrNotFound)
	}
	return nil
}

// --- Assets ---

func (s *PostgresStore) GetAsset(ctx context.Context, potID, mint string) (*model.Asset, error) {
	var a model.Asset
	var balance string
	err := s.q.QueryRow(ctx,
		`SELECT id, pot_id, mint_address, balance::TEXT
		 FROM assets WHERE pot_id = $1 AND mint_address = $2`, potID, mint).
		Scan(&a.ID, &a.PotID, &a.MintAddress, &balance)
	if err != nil {
		return nil, mapNotFound(err, "asset", mint)
	}
	a.Balance = u64(balance)
	return &a, nil
}

func (s *PostgresStore) ListAssets(ctx context.Context, potID string) ([]model.Asset, error) {
	rows, err := s.q.Query(ctx,
		`SELECT id, pot_id, mint_address, balance::TEXT
		 FROM assets WHERE pot_id = $1 ORDER BY mint_address`, potID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assets []model.Asset
	for rows.Next() {
		var a model.Asset
		var balance string
		if err := rows.Scan(&a.ID, &a.PotID, &a.MintAddress, &balance); err != nil {
			return nil, err
		}
		a.Balance = u64(balance)
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

func (s *PostgresStore) UpsertAsset(ctx context.Context, potID, mint string, balance uint64) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO assets (id, pot_id, mint_address, balance)
		 VALUES (gen_random_uuid(), $1, $2, $3::NUMERIC)
		 ON CONFLICT (pot_id, mint_address) DO UPDATE SET balance = EXCLUDED.balance`,
		potID, mint, numeric(balance))
	return err
}

// --- Immutable ledger ---

func (s *PostgresStore) InsertTrade(ctx context.Context, t *model.Trade) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO trades (id, pot_id, trader_id, in_mint, in_amount, out_mint, out_amount, tx_signature, status, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7::NUMERIC, $8, $9, $10)`,
		t.ID, t.PotID, t.TraderID, t.InMint, numeric(t.InAmount),
		t.OutMint, numeric(t.OutAmount), t.TxSignature, string(t.Status), t.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListTradesByPot(ctx context.Context, potID string, limit int) ([]model.Trade, error) {
	rows, err := s.q.Query(ctx,
		`SELECT id, pot_id, trader_id, in_mint, in_amount::TEXT, out_mint, out_amount::TEXT,
		        tx_signature, status, created_at
		 FROM trades WHERE pot_id = $1 ORDER BY created_at DESC LIMIT $2`, potID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var inAmount, outAmount, status string
		if err := rows.Scan(&t.ID, &t.PotID, &t.TraderID, &t.InMint, &inAmount,
			&t.OutMint, &outAmount, &t.TxSignature, &status, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.InAmount = u64(inAmount)
		t.OutAmount = u64(outAmount)
		t.Status = model.TradeStatus(status)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) InsertDeposit(ctx context.Context, d *model.Deposit) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO deposits (id, pot_id, user_id, amount, shares_minted, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6)`,
		d.ID, d.PotID, d.UserID, numeric(d.Amount), numeric(d.SharesMinted), d.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListDepositsByUser(ctx context.Context, potID, userID string) ([]model.Deposit, error) {
	rows, err := s.q.Query(ctx,
		`SELECT id, pot_id, user_id, amount::TEXT, shares_minted::TEXT, created_at
		 FROM deposits WHERE pot_id = $1 AND user_id = $2 ORDER BY created_at`, potID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deposits []model.Deposit
	for rows.Next() {
		var d model.Deposit
		var amount, shares string
		if err := rows.Scan(&d.ID, &d.PotID, &d.UserID, &amount, &shares, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.Amount = u64(amount)
		d.SharesMinted = u64(shares)
		deposits = append(deposits, d)
	}
	return deposits, rows.Err()
}

func (s *PostgresStore) InsertWithdrawal(ctx context.Context, w *model.Withdrawal) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO withdrawals (id, pot_id, user_id, shares_burned, amount_out, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6)`,
		w.ID, w.PotID, w.UserID, numeric(w.SharesBurned), numeric(w.AmountOut), w.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListWithdrawalsByUser(ctx context.Context, potID, userID string) ([]model.Withdrawal, error) {
	rows, err := s.q.Query(ctx,
		`SELECT id, pot_id, user_id, shares_burned::TEXT, amount_out::TEXT, created_at
		 FROM withdrawals WHERE pot_id = $1 AND user_id = $2 ORDER BY created_at`, potID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var withdrawals []model.Withdrawal
	for rows.Next() {
		var w model.Withdrawal
		var shares, amount string
		if err := rows.Scan(&w.ID, &w.PotID, &w.UserID, &shares, &amount, &w.CreatedAt); err != nil {
			return nil, err
		}
		w.SharesBurned = u64(shares)
		w.AmountOut = u64(amount)
		withdrawals = append(withdrawals, w)
	}
	return withdrawals, rows.Err()
}

// --- Copy trading ---

func (s *PostgresStore) CreateCopyTrading(ctx context.Context, c *model.CopyTrading) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO copy_trading (id, user_id, target_wallet_address, allocated_percentage, mode, is_active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.UserID, c.TargetWalletAddress, c.AllocatedPercentage, string(c.Mode), c.IsActive, c.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetCopyTradingByUser(ctx context.Context, userID string) (*model.CopyTrading, error) {
	var c model.CopyTrading
	var mode string
	err := s.q.QueryRow(ctx,
		`SELECT id, user_id, target_wallet_address, allocated_percentage, mode, is_active, created_at
		 FROM copy_trading WHERE user_id = $1`, userID).
		Scan(&c.ID, &c.UserID, &c.TargetWalletAddress, &c.AllocatedPercentage, &mode, &c.IsActive, &c.CreatedAt)
	if err != nil {
		return nil, mapNotFound(err, "copy_trading", userID)
	}
	c.Mode = model.CopyMode(mode)
	return &c, nil
}

func (s *PostgresStore) ListActiveCopyTrading(ctx context.Context) ([]model.CopyTrading, error) {
	rows, err := s.q.Query(ctx,
		`SELECT id, user_id, target_wallet_address, allocated_percentage, mode, is_active, created_at
		 FROM copy_trading WHERE is_active ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []model.CopyTrading
	for rows.Next() {
		var c model.CopyTrading
		var mode string
		if err := rows.Scan(&c.ID, &c.UserID, &c.TargetWalletAddress, &c.AllocatedPercentage,
			&mode, &c.IsActive, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Mode = model.CopyMode(mode)
		configs = append(configs, c)
	}
	return configs, rows.Err()
}

func (s *PostgresStore) SetCopyTradingActive(ctx context.Context, id string, active bool) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE copy_trading SET is_active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("copy_trading %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) CreateCopiedTrade(ctx context.Context, c *model.CopiedTrade) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO copied_trades (id, copy_trading_id, original_tx_hash, in_mint, in_amount, out_mint, out_amount, copied_tx_hash, status, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7::NUMERIC, $8, $9, $10)`,
		c.ID, c.CopyTradingID, c.OriginalTxHash, c.InMint, numeric(c.InAmount),
		c.OutMint, numeric(c.OutAmount), c.CopiedTxHash, string(c.Status), c.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return fmt.Errorf("copied trade %s: %w", c.OriginalTxHash, ErrConflict)
		}
	}
	return err
}

func (s *PostgresStore) scanCopiedTrade(row pgx.Row) (*model.CopiedTrade, error) {
	var c model.CopiedTrade
	var inAmount, outAmount, status string
	err := row.Scan(&c.ID, &c.CopyTradingID, &c.OriginalTxHash, &c.InMint, &inAmount,
		&c.OutMint, &outAmount, &c.CopiedTxHash, &status, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	c.InAmount = u64(inAmount)
	c.OutAmount = u64(outAmount)
	c.Status = model.CopiedTradeStatus(status)
	return &c, nil
}

const copiedTradeCols = `id, copy_trading_id, original_tx_hash, in_mint, in_amount::TEXT,
	out_mint, out_amount::TEXT, copied_tx_hash, status, created_at`

func (s *PostgresStore) GetCopiedTrade(ctx context.Context, id string) (*model.CopiedTrade, error) {
	c, err := s.scanCopiedTrade(s.q.QueryRow(ctx,
		`SELECT `+copiedTradeCols+` FROM copied_trades WHERE id = $1`, id))
	if err != nil {
		return nil, mapNotFound(err, "copied trade", id)
	}
	return c, nil
}

func (s *PostgresStore) GetCopiedTradeByOriginalHash(ctx context.Context, hash string) (*model.CopiedTrade, error) {
	c, err := s.scanCopiedTrade(s.q.QueryRow(ctx,
		`SELECT `+copiedTradeCols+` FROM copied_trades WHERE original_tx_hash = $1`, hash))
	if err != nil {
		return nil, mapNotFound(err, "copied trade", hash)
	}
	return c, nil
}

func (s *PostgresStore) UpdateCopiedTrade(ctx context.Context, id string, status model.CopiedTradeStatus, outAmount uint64, copiedTxHash string) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE copied_trades SET status = $2, out_amount = $3::NUMERIC, copied_tx_hash = $4
		 WHERE id = $1`,
		id, string(status), numeric(outAmount), copiedTxHash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("copied trade %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) TransitionCopiedTrade(ctx context.Context, id string, from, to model.CopiedTradeStatus) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE copied_trades SET status = $3 WHERE id = $1 AND status = $2`,
		id, string(from), string(to))
	if err != nil {
		return err
	}
	// Zero rows means the status moved (or the row is gone); either way
	// another caller owns the trade now.
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("copied trade %s not %s: %w", id, from, ErrConflict)
	}
	return nil
}

// --- Delegations ---

func (s *PostgresStore) CreateDelegation(ctx context.Context, d *model.Delegation) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO delegations (id, pot_id, trader_id, mint, amount, state, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8)`,
		d.ID, d.PotID, d.TraderID, d.Mint, numeric(d.Amount), string(d.State), d.CreatedAt, d.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) UpdateDelegationState(ctx context.Context, id string, state model.DelegationState) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE delegations SET state = $2, updated_at = now() WHERE id = $1`,
		id, string(state))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delegation %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListStaleDelegations(ctx context.Context, cutoff time.Time) ([]model.Delegation, error) {
	rows, err := s.q.Query(ctx,
		`SELECT id, pot_id, trader_id, mint, amount::TEXT, state, created_at, updated_at
		 FROM delegations
		 WHERE state IN ('DELEGATED', 'SWAPPING') AND created_at < $1
		 ORDER BY created_at`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var dels []model.Delegation
	for rows.Next() {
		var d model.Delegation
		var amount, state string
		if err := rows.Scan(&d.ID, &d.PotID, &d.TraderID, &d.Mint, &amount, &state,
			&d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		d.Amount = u64(amount)
		d.State = model.DelegationState(state)
		dels = append(dels, d)
	}
	return dels, rows.Err()
}
