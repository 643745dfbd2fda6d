package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/solpot/pot-engine/internal/copytrade"
	"github.com/solpot/pot-engine/internal/fault"
	"github.com/solpot/pot-engine/internal/ledger"
	"github.com/solpot/pot-engine/internal/model"
	"github.com/solpot/pot-engine/internal/store"
	"github.com/solpot/pot-engine/internal/swap"
	"github.com/solpot/pot-engine/internal/valuation"
	"github.com/solpot/pot-engine/internal/wallet"
)

// Service handles pot-engine HTTP operations.
type Service struct {
	store  store.Store
	ledger *ledger.Service
	swaps  *swap.Coordinator
	mirror *copytrade.Mirror
	values *valuation.Service
	hub    *Hub
	log    *slog.Logger
}

// NewService creates the HTTP service.
func NewService(st store.Store, led *ledger.Service, coord *swap.Coordinator, mirror *copytrade.Mirror, values *valuation.Service, hub *Hub, log *slog.Logger) *Service {
	return &Service{
		store:  st,
		ledger: led,
		swaps:  coord,
		mirror: mirror,
		values: values,
		hub:    hub,
		log:    log,
	}
}

// --- Request/Response types ---

// CreatePotRequest is the JSON body for pot creation.
type CreatePotRequest struct {
	AdminID     string `json:"admin_id"`
	Name        string `json:"name"`
	CashOutMint string `json:"cash_out_mint"` // empty defaults to native SOL
}

// JoinPotRequest is the JSON body for joining a pot.
type JoinPotRequest struct {
	UserID string `json:"user_id"`
}

// RoleRequest grants or removes the trader role.
type RoleRequest struct {
	ActorID  string `json:"actor_id"`
	TargetID string `json:"target_id"`
}

// DepositRequest is the JSON body for a deposit.
type DepositRequest struct {
	UserID string `json:"user_id"`
	Amount uint64 `json:"amount"` // smallest units of the base asset
}

// WithdrawRequest burns shares for base asset. Exactly one of Shares or
// Percent must be set; Percent is of the member's own holding.
type WithdrawRequest struct {
	UserID  string `json:"user_id"`
	Shares  uint64 `json:"shares,omitempty"`
	Percent int    `json:"percent,omitempty"`
}

// SwapRequest is the JSON body for a vault swap. Exactly one of Amount
// or Percent must be set; Percent spends that share of the vault's
// spendable in_mint balance.
type SwapRequest struct {
	ActorID string `json:"actor_id"`
	InMint  string `json:"in_mint"`
	OutMint string `json:"out_mint"`
	Amount  uint64 `json:"amount,omitempty"`
	Percent int    `json:"percent,omitempty"`
}

// CopyTradeRequest starts mirroring a target wallet.
type CopyTradeRequest struct {
	UserID       string `json:"user_id"`
	TargetWallet string `json:"target_wallet"`
	Percentage   int    `json:"percentage"`
	Mode         string `json:"mode"`
}

// UserIDRequest carries just the acting user.
type UserIDRequest struct {
	UserID string `json:"user_id"`
}

// --- Users ---

// RegisterUser handles POST /api/v1/users: creates a user with a fresh
// keypair-backed wallet. The secret never leaves the server.
func (s *Service) RegisterUser(w http.ResponseWriter, r *http.Request) {
	kp, err := wallet.NewKeypair()
	if err != nil {
		s.writeFault(w, err)
		return
	}
	user := &model.User{
		ID:        uuid.NewString(),
		PublicKey: kp.PublicKey,
		SecretKey: kp.Secret,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateUser(r.Context(), user); err != nil {
		s.writeFault(w, err)
		return
	}

	s.log.Info("user registered", "user_id", user.ID, "public_key", user.PublicKey)
	writeJSON(w, http.StatusCreated, user)
}

// GetUser handles GET /api/v1/users/{userID}.
func (s *Service) GetUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.store.GetUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// ListUserPots handles GET /api/v1/users/{userID}/pots.
func (s *Service) ListUserPots(w http.ResponseWriter, r *http.Request) {
	pots, err := s.store.ListPotsByUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.writeFault(w, err)
		return
	}
	if pots == nil {
		pots = []model.Pot{}
	}
	writeJSON(w, http.StatusOK, pots)
}

// --- Pots ---

// CreatePot handles POST /api/v1/pots: creates a pot with a fresh
// wallet-mode vault and the creator as its sole admin.
func (s *Service) CreatePot(w http.ResponseWriter, r *http.Request) {
	var req CreatePotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.AdminID == "" || req.Name == "" {
		writeError(w, "admin_id and name are required", http.StatusBadRequest)
		return
	}
	cashOut := req.CashOutMint
	if cashOut == "" {
		cashOut = model.SolMint
	}
	if err := wallet.ValidateAddress(cashOut); err != nil {
		s.writeFault(w, err)
		return
	}

	ctx := r.Context()
	if _, err := s.store.GetUser(ctx, req.AdminID); err != nil {
		s.writeFault(w, err)
		return
	}

	vaultKP, err := wallet.NewKeypair()
	if err != nil {
		s.writeFault(w, err)
		return
	}
	vaultKey, err := wallet.ParseSecret(vaultKP.Secret)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	stored, err := wallet.EncodeWalletVault(vaultKey)
	if err != nil {
		s.writeFault(w, err)
		return
	}

	pot := &model.Pot{
		ID:           uuid.NewString(),
		Name:         req.Name,
		AdminID:      req.AdminID,
		VaultAddress: stored,
		CashOutMint:  cashOut,
		TotalShares:  0,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.CreatePot(ctx, pot); err != nil {
		s.writeFault(w, err)
		return
	}
	if err := s.store.CreateMember(ctx, &model.PotMember{
		ID:       uuid.NewString(),
		UserID:   req.AdminID,
		PotID:    pot.ID,
		Role:     model.RoleAdmin,
		Shares:   0,
		JoinedAt: time.Now().UTC(),
	}); err != nil {
		s.writeFault(w, err)
		return
	}

	s.log.Info("pot created",
		"pot_id", pot.ID, "admin_id", req.AdminID,
		"vault", vaultKP.PublicKey, "cash_out_mint", cashOut)
	writeJSON(w, http.StatusCreated, pot)
}

// GetPot handles GET /api/v1/pots/{potID}.
func (s *Service) GetPot(w http.ResponseWriter, r *http.Request) {
	pot, err := s.store.GetPot(r.Context(), chi.URLParam(r, "potID"))
	if err != nil {
		s.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pot)
}

// JoinPot handles POST /api/v1/pots/{potID}/join.
func (s *Service) JoinPot(w http.ResponseWriter, r *http.Request) {
	var req JoinPotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	potID := chi.URLParam(r, "potID")
	ctx := r.Context()

	if _, err := s.store.GetPot(ctx, potID); err != nil {
		s.writeFault(w, err)
		return
	}
	if _, err := s.store.GetUser(ctx, req.UserID); err != nil {
		s.writeFault(w, err)
		return
	}
	if _, err := s.store.GetMember(ctx, potID, req.UserID); err == nil {
		writeError(w, "already a member of this pot", http.StatusConflict)
		return
	}

	member := &model.PotMember{
		ID:       uuid.NewString(),
		UserID:   req.UserID,
		PotID:    potID,
		Role:     model.RoleMember,
		Shares:   0,
		JoinedAt: time.Now().UTC(),
	}
	if err := s.store.CreateMember(ctx, member); err != nil {
		s.writeFault(w, err)
		return
	}

	s.log.Info("member joined", "pot_id", potID, "user_id", req.UserID)
	writeJSON(w, http.StatusCreated, member)
}

// ListMembers handles GET /api/v1/pots/{potID}/members.
func (s *Service) ListMembers(w http.ResponseWriter, r *http.Request) {
	members, err := s.store.ListMembers(r.Context(), chi.URLParam(r, "potID"))
	if err != nil {
		s.writeFault(w, err)
		return
	}
	if members == nil {
		members = []model.PotMember{}
	}
	writeJSON(w, http.StatusOK, members)
}

// GrantTrader handles POST /api/v1/pots/{potID}/traders: the admin
// promotes a member to TRADER.
func (s *Service) GrantTrader(w http.ResponseWriter, r *http.Request) {
	s.setRole(w, r, model.RoleTrader)
}

// RevokeTrader handles DELETE /api/v1/pots/{potID}/traders: demotes a
// trader back to MEMBER. Membership and shares are never deleted.
func (s *Service) RevokeTrader(w http.ResponseWriter, r *http.Request) {
	s.setRole(w, r, model.RoleMember)
}

func (s *Service) setRole(w http.ResponseWriter, r *http.Request, role model.Role) {
	var req RoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ActorID == "" || req.TargetID == "" {
		writeError(w, "actor_id and target_id are required", http.StatusBadRequest)
		return
	}
	potID := chi.URLParam(r, "potID")
	ctx := r.Context()

	pot, err := s.store.GetPot(ctx, potID)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	if pot.AdminID != req.ActorID {
		s.writeFault(w, fault.New(fault.Authorization, "only the pot admin can manage trader roles"))
		return
	}
	if req.TargetID == pot.AdminID {
		s.writeFault(w, fault.New(fault.Validation, "the admin's role cannot be changed"))
		return
	}
	if _, err := s.store.GetMember(ctx, potID, req.TargetID); err != nil {
		s.writeFault(w, err)
		return
	}

	if err := s.store.UpdateMemberRole(ctx, potID, req.TargetID, role); err != nil {
		s.writeFault(w, err)
		return
	}
	s.log.Info("member role changed",
		"pot_id", potID, "target_id", req.TargetID, "role", string(role))
	writeJSON(w, http.StatusOK, map[string]string{"user_id": req.TargetID, "role": string(role)})
}

// --- Share ledger ---

// Deposit handles POST /api/v1/pots/{potID}/deposits.
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, "user_id and amount are required", http.StatusBadRequest)
		return
	}
	potID := chi.URLParam(r, "potID")

	res, err := s.ledger.Deposit(r.Context(), potID, req.UserID, req.Amount)
	if err != nil {
		s.writeFault(w, err)
		return
	}

	s.hub.Broadcast(Event{Type: "deposit", PotID: potID, UserID: req.UserID, Payload: res})
	writeJSON(w, http.StatusCreated, res)
}

// PreviewWithdrawal handles POST /api/v1/pots/{potID}/withdrawals/preview.
func (s *Service) PreviewWithdrawal(w http.ResponseWriter, r *http.Request) {
	req, shares, err := s.withdrawShares(r)
	if err != nil {
		s.writeFault(w, err)
		return
	}

	preview, err := s.ledger.PreviewWithdrawal(r.Context(), chi.URLParam(r, "potID"), req.UserID, shares)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

// Withdraw handles POST /api/v1/pots/{potID}/withdrawals.
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	req, shares, err := s.withdrawShares(r)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	potID := chi.URLParam(r, "potID")

	res, err := s.ledger.Withdraw(r.Context(), potID, req.UserID, shares)
	if err != nil {
		s.writeFault(w, err)
		return
	}

	s.hub.Broadcast(Event{Type: "withdrawal", PotID: potID, UserID: req.UserID, Payload: res})
	writeJSON(w, http.StatusOK, res)
}

// withdrawShares resolves a withdrawal request to a concrete share
// count, translating a percent of the member's holding when given.
func (s *Service) withdrawShares(r *http.Request) (*WithdrawRequest, uint64, error) {
	var req WithdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		return nil, 0, fault.New(fault.Validation, "user_id and shares or percent are required")
	}
	if req.Shares > 0 && req.Percent > 0 {
		return nil, 0, fault.New(fault.Validation, "specify shares or percent, not both")
	}
	if req.Shares > 0 {
		return &req, req.Shares, nil
	}
	if req.Percent < 1 || req.Percent > 100 {
		return nil, 0, fault.New(fault.Validation, "percent must be between 1 and 100")
	}

	member, err := s.store.GetMember(r.Context(), chi.URLParam(r, "potID"), req.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, 0, fault.New(fault.NotFound, "you are not a member of this pot")
		}
		return nil, 0, err
	}
	return &req, percentOf(member.Shares, req.Percent), nil
}

// percentOf computes floor(n*pct/100) without overflowing the
// intermediate product. pct is at most 100, so the result fits.
func percentOf(n uint64, pct int) uint64 {
	p := new(big.Int).Mul(new(big.Int).SetUint64(n), big.NewInt(int64(pct)))
	p.Quo(p, big.NewInt(100))
	return p.Uint64()
}

// ListDeposits handles GET /api/v1/pots/{potID}/deposits/{userID}.
func (s *Service) ListDeposits(w http.ResponseWriter, r *http.Request) {
	deposits, err := s.store.ListDepositsByUser(r.Context(), chi.URLParam(r, "potID"), chi.URLParam(r, "userID"))
	if err != nil {
		s.writeFault(w, err)
		return
	}
	if deposits == nil {
		deposits = []model.Deposit{}
	}
	writeJSON(w, http.StatusOK, deposits)
}

// ListWithdrawals handles GET /api/v1/pots/{potID}/withdrawals/{userID}.
func (s *Service) ListWithdrawals(w http.ResponseWriter, r *http.Request) {
	withdrawals, err := s.store.ListWithdrawalsByUser(r.Context(), chi.URLParam(r, "potID"), chi.URLParam(r, "userID"))
	if err != nil {
		s.writeFault(w, err)
		return
	}
	if withdrawals == nil {
		withdrawals = []model.Withdrawal{}
	}
	writeJSON(w, http.StatusOK, withdrawals)
}

// --- Trading ---

// ExecuteSwap handles POST /api/v1/pots/{potID}/swaps: the full
// lock/authorize/swap/revoke protocol.
func (s *Service) ExecuteSwap(w http.ResponseWriter, r *http.Request) {
	var req SwapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ActorID == "" {
		writeError(w, "actor_id, in_mint, out_mint, and amount are required", http.StatusBadRequest)
		return
	}
	potID := chi.URLParam(r, "potID")

	amount, err := s.swapAmount(r.Context(), potID, &req)
	if err != nil {
		s.writeFault(w, err)
		return
	}

	trade, err := s.swaps.Execute(r.Context(), potID, req.ActorID, req.InMint, req.OutMint, amount)
	if err != nil {
		// A failed swap may still carry an audit record worth showing.
		if trade != nil {
			s.hub.Broadcast(Event{Type: "trade_failed", PotID: potID, UserID: req.ActorID, Payload: trade})
		}
		s.writeFault(w, err)
		return
	}

	s.hub.Broadcast(Event{Type: "trade_executed", PotID: potID, UserID: req.ActorID, Payload: trade})
	writeJSON(w, http.StatusCreated, trade)
}

// swapAmount resolves a swap request to an absolute spend, translating
// a percent of the vault's spendable in_mint balance when given.
func (s *Service) swapAmount(ctx context.Context, potID string, req *SwapRequest) (uint64, error) {
	if req.Amount > 0 && req.Percent > 0 {
		return 0, fault.New(fault.Validation, "specify amount or percent, not both")
	}
	if req.Percent == 0 {
		return req.Amount, nil
	}
	if req.Percent < 1 || req.Percent > 100 {
		return 0, fault.New(fault.Validation, "percent must be between 1 and 100")
	}

	asset, err := s.store.GetAsset(ctx, potID, req.InMint)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, fault.New(fault.Liquidity, "the pot does not hold this token")
		}
		return 0, err
	}
	spendable := asset.Balance
	if req.InMint == model.SolMint {
		if spendable <= model.FeeReserveLamports {
			spendable = 0
		} else {
			spendable -= model.FeeReserveLamports
		}
	}
	return percentOf(spendable, req.Percent), nil
}

// ListTrades handles GET /api/v1/pots/{potID}/trades.
func (s *Service) ListTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.store.ListTradesByPot(r.Context(), chi.URLParam(r, "potID"), 50)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// LockStatus handles GET /api/v1/pots/{potID}/lock?user_id=...
func (s *Service) LockStatus(w http.ResponseWriter, r *http.Request) {
	st := s.swaps.LockStatus(chi.URLParam(r, "potID"), r.URL.Query().Get("user_id"))
	writeJSON(w, http.StatusOK, st)
}

// --- Valuation ---

// PotValue handles GET /api/v1/pots/{potID}/value.
func (s *Service) PotValue(w http.ResponseWriter, r *http.Request) {
	potID := chi.URLParam(r, "potID")
	ctx := r.Context()

	if _, err := s.store.GetPot(ctx, potID); err != nil {
		s.writeFault(w, err)
		return
	}
	assets, err := s.store.ListAssets(ctx, potID)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	if assets == nil {
		assets = []model.Asset{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"value_usd": s.values.PotValueUSD(ctx, assets),
		"assets":    assets,
	})
}

// MemberPosition handles GET /api/v1/pots/{potID}/position/{userID}.
func (s *Service) MemberPosition(w http.ResponseWriter, r *http.Request) {
	pos, err := s.values.MemberPosition(r.Context(), chi.URLParam(r, "potID"), chi.URLParam(r, "userID"))
	if err != nil {
		s.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// --- Copy trading ---

// StartCopyTrade handles POST /api/v1/copytrade.
func (s *Service) StartCopyTrade(w http.ResponseWriter, r *http.Request) {
	var req CopyTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, "user_id, target_wallet, percentage, and mode are required", http.StatusBadRequest)
		return
	}

	cfg, err := s.mirror.Start(r.Context(), req.UserID, req.TargetWallet, req.Percentage, model.CopyMode(req.Mode))
	if err != nil {
		s.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cfg)
}

// StopCopyTrade handles DELETE /api/v1/copytrade.
func (s *Service) StopCopyTrade(w http.ResponseWriter, r *http.Request) {
	var req UserIDRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if err := s.mirror.Stop(r.Context(), req.UserID); err != nil {
		s.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// ConfirmCopiedTrade handles POST /api/v1/copytrade/{copiedTradeID}/confirm.
func (s *Service) ConfirmCopiedTrade(w http.ResponseWriter, r *http.Request) {
	var req UserIDRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if err := s.mirror.Confirm(r.Context(), req.UserID, chi.URLParam(r, "copiedTradeID")); err != nil {
		s.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "executed"})
}

// RejectCopiedTrade handles POST /api/v1/copytrade/{copiedTradeID}/reject.
func (s *Service) RejectCopiedTrade(w http.ResponseWriter, r *http.Request) {
	var req UserIDRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if err := s.mirror.Reject(r.Context(), req.UserID, chi.URLParam(r, "copiedTradeID")); err != nil {
		s.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// --- Error mapping ---

// writeFault maps a classified fault (or a raw store error) onto an
// HTTP status and a JSON body. Liquidity faults include the maximum
// satisfiable amount so clients can retry without guessing.
func (s *Service) writeFault(w http.ResponseWriter, err error) {
	if f := fault.Get(err); f != nil {
		body := map[string]any{
			"error": f.Message,
			"kind":  f.Kind.String(),
		}
		if f.Kind == fault.Liquidity {
			body["max_amount"] = f.MaxAmount
			body["max_shares"] = f.MaxShares
		}
		writeJSON(w, statusFor(f.Kind), body)
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "not found", http.StatusNotFound)
		return
	}
	if errors.Is(err, store.ErrConflict) {
		writeError(w, "conflict", http.StatusConflict)
		return
	}
	s.log.Error("unclassified error", "error", err)
	writeError(w, "internal error", http.StatusInternalServerError)
}

func statusFor(k fault.Kind) int {
	switch k {
	case fault.Validation:
		return http.StatusBadRequest
	case fault.NotFound:
		return http.StatusNotFound
	case fault.Authorization:
		return http.StatusForbidden
	case fault.Concurrency:
		return http.StatusConflict
	case fault.Liquidity:
		return http.StatusUnprocessableEntity
	case fault.External:
		return http.StatusBadGateway
	case fault.Critical:
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
