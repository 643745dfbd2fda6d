package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/solpot/pot-engine/internal/api"
	"github.com/solpot/pot-engine/internal/copytrade"
	"github.com/solpot/pot-engine/internal/ledger"
	"github.com/solpot/pot-engine/internal/metrics"
	"github.com/solpot/pot-engine/internal/store"
	"github.com/solpot/pot-engine/internal/swap"
	"github.com/solpot/pot-engine/internal/tradelock"
	"github.com/solpot/pot-engine/internal/valuation"
	"github.com/solpot/pot-engine/internal/wallet"
)

func main() {
	godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	rpcEndpoint := os.Getenv("SOLANA_RPC_URL")
	if rpcEndpoint == "" {
		rpcEndpoint = "https://api.mainnet-beta.solana.com"
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- WebSocket hub ---
	hub := api.NewHub(logger)
	go hub.Run()

	// --- External clients ---
	tokens := valuation.NewTokenClient(os.Getenv("PRICE_API_URL"), rpcEndpoint, 10*time.Second)
	aggregator := swap.NewJupiterClient(os.Getenv("JUPITER_API_URL"), 50, 15*time.Second)
	chain := swap.NewRPCChain(rpcEndpoint)
	history := copytrade.NewZerionClient(os.Getenv("ZERION_API_URL"), os.Getenv("ZERION_API_KEY"), 15*time.Second)
	balances := wallet.NewRPCBalances(rpcEndpoint)

	// --- Engine services ---
	values := valuation.NewService(st, tokens, 30*time.Second, logger)
	ledgerSvc := ledger.NewService(st, values, logger)
	locks := tradelock.NewManager(tradelock.DefaultTimeout, logger)
	coordinator := swap.NewCoordinator(st, locks, aggregator, chain, hub, logger)
	mirror := copytrade.NewMirror(st, history, balances, coordinator, hub, 30*time.Second, logger)

	rootCtx, stop := context.WithCancel(context.Background())
	defer stop()

	// A crash mid-swap can leave a live spend authorization behind;
	// sweep for any before taking traffic.
	if err := coordinator.SweepStaleDelegations(rootCtx, time.Hour); err != nil {
		slog.Error("stale delegation sweep failed", "err", err)
	}

	go mirror.Run(rootCtx)

	svc := api.NewService(st, ledgerSvc, coordinator, mirror, values, hub, logger)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"pot-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for trade and alert events.
		r.Get("/ws", hub.HandleWS)

		// Users.
		r.Post("/users", svc.RegisterUser)
		r.Get("/users/{userID}", svc.GetUser)
		r.Get("/users/{userID}/pots", svc.ListUserPots)

		// Pot management.
		r.Post("/pots", svc.CreatePot)
		r.Get("/pots/{potID}", svc.GetPot)
		r.Post("/pots/{potID}/join", svc.JoinPot)
		r.Get("/pots/{potID}/members", svc.ListMembers)
		r.Post("/pots/{potID}/traders", svc.GrantTrader)
		r.Delete("/pots/{potID}/traders", svc.RevokeTrader)

		// Share ledger.
		r.Post("/pots/{potID}/deposits", svc.Deposit)
		r.Get("/pots/{potID}/deposits/{userID}", svc.ListDeposits)
		r.Post("/pots/{potID}/withdrawals/preview", svc.PreviewWithdrawal)
		r.Post("/pots/{potID}/withdrawals", svc.Withdraw)
		r.Get("/pots/{potID}/withdrawals/{userID}", svc.ListWithdrawals)

		// Trading.
		r.Post("/pots/{potID}/swaps", svc.ExecuteSwap)
		r.Get("/pots/{potID}/trades", svc.ListTrades)
		r.Get("/pots/{potID}/lock", svc.LockStatus)

		// Valuation.
		r.Get("/pots/{potID}/value", svc.PotValue)
		r.Get("/pots/{potID}/position/{userID}", svc.MemberPosition)

		// Copy trading.
		r.Post("/copytrade", svc.StartCopyTrade)
		r.Delete("/copytrade", svc.StopCopyTrade)
		r.Post("/copytrade/{copiedTradeID}/confirm", svc.ConfirmCopiedTrade)
		r.Post("/copytrade/{copiedTradeID}/reject", svc.RejectCopiedTrade)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("pot-engine listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down pot-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("pot-engine stopped")
}
