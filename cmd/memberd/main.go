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

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/paulbrigner/pgpcommunity-sub002/internal/admin"
	"github.com/paulbrigner/pgpcommunity-sub002/internal/chain"
	"github.com/paulbrigner/pgpcommunity-sub002/internal/config"
	"github.com/paulbrigner/pgpcommunity-sub002/internal/kv"
	"github.com/paulbrigner/pgpcommunity-sub002/internal/membership"
	"github.com/paulbrigner/pgpcommunity-sub002/internal/roster"
	"github.com/paulbrigner/pgpcommunity-sub002/internal/sponsor"
	"github.com/paulbrigner/pgpcommunity-sub002/internal/store/postgres"
	"github.com/paulbrigner/pgpcommunity-sub002/internal/subgraph"
	"github.com/paulbrigner/pgpcommunity-sub002/internal/tier"
)

const shutdownGrace = 5 * time.Second

func main() {
	// Setup logger
	logLevel := slog.LevelInfo
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	logger.Info("starting memberd",
		"chain_id", cfg.Chain.ChainID,
		"rpc", cfg.Chain.RPCURL,
		"tiers_path", cfg.Chain.TiersPath,
		"roster_mode", cfg.Roster.Mode,
		"roster_ttl", cfg.Roster.TTL,
		"sponsor_enabled", cfg.Sponsor.Enabled,
		"admin_port", cfg.Server.AdminPort,
		"health_port", cfg.Server.HealthPort,
	)

	// Connect to PostgreSQL
	db, err := postgres.New(postgres.Config{
		URL:             cfg.DB.URL,
		MaxOpenConns:    cfg.DB.MaxOpenConns,
		MaxIdleConns:    cfg.DB.MaxIdleConns,
		ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
	})
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("connected to database")

	if cfg.DB.MigrationsDir != "" {
		if err := db.RunMigrations(cfg.DB.MigrationsDir); err != nil {
			logger.Error("failed to run migrations", "dir", cfg.DB.MigrationsDir, "error", err)
			os.Exit(1)
		}
		logger.Info("migrations applied", "dir", cfg.DB.MigrationsDir)
	}

	// Shared coordination store
	store, err := kv.NewRedis(context.Background(), cfg.Redis.URL)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err, "redis_url", cfg.Redis.URL)
		os.Exit(1)
	}
	defer store.Close()
	logger.Info("connected to redis")

	// Chain reader
	eth, err := ethclient.Dial(cfg.Chain.RPCURL)
	if err != nil {
		logger.Error("failed to dial rpc", "error", err)
		os.Exit(1)
	}
	defer eth.Close()

	probeSpec := cfg.Chain.ExpiryProbes
	if probeSpec == "" {
		probeSpec = chain.DefaultProbeSpec
	}
	probes, err := chain.ParseProbes(probeSpec)
	if err != nil {
		logger.Error("failed to parse expiry probes", "error", err)
		os.Exit(1)
	}
	reader, err := chain.NewReader(eth, chain.Config{
		RPS:    cfg.Chain.RPS,
		Burst:  cfg.Chain.Burst,
		Probes: probes,
	}, logger)
	if err != nil {
		logger.Error("failed to create chain reader", "error", err)
		os.Exit(1)
	}

	// Tier configuration; its hash fingerprints every roster cache entry.
	tiers, err := tier.Load(cfg.Chain.TiersPath)
	if err != nil {
		logger.Error("failed to load tier config", "path", cfg.Chain.TiersPath, "error", err)
		os.Exit(1)
	}
	logger.Info("tier config loaded", "tiers", len(tiers.Tiers), "hash", tiers.Hash())

	var sg membership.SubgraphClient
	if cfg.Subgraph.Endpoint != "" {
		sg = subgraph.NewClient(cfg.Subgraph.Endpoint, cfg.Subgraph.APIKey, logger)
		logger.Info("subgraph resolution enabled", "endpoint", cfg.Subgraph.Endpoint)
	}

	states := membership.NewService(tiers, reader, sg, cfg.Chain.ChainID, 0, logger)

	// Roster cache
	mode, err := roster.ParseMode(cfg.Roster.Mode)
	if err != nil {
		logger.Error("invalid roster cache mode", "error", err)
		os.Exit(1)
	}
	build := roster.NewBuilder(
		postgres.NewUserRepo(db),
		states,
		tiers,
		cfg.Chain.ChainID,
		cfg.Roster.BuildConcurrency,
		logger,
	)
	rosters, err := roster.NewManager(roster.Config{
		Mode:      mode,
		TTL:       cfg.Roster.TTL,
		MaxStale:  cfg.Roster.MaxStale,
		PageSize:  cfg.Roster.PageSize,
		TiersHash: tiers.Hash(),
	}, store, build, logger)
	if err != nil {
		logger.Error("failed to create roster manager", "error", err)
		os.Exit(1)
	}

	// Admin API
	opts := []admin.ServerOption{admin.WithJobSecret(cfg.Roster.JobSecret)}
	if cfg.Sponsor.Enabled {
		sponsors := sponsor.NewManager(store, logger)
		opts = append(opts, admin.WithSponsorStatus(
			sponsorStatusFunc(sponsors, reader, cfg.Sponsor, cfg.Chain.ChainID, logger),
		))
		logger.Info("sponsor wallet enabled",
			"address", cfg.Sponsor.Address,
			"lease_ttl", cfg.Sponsor.LeaseTTL,
			"max_tx_per_day", cfg.Sponsor.MaxTxPerDay,
		)
	}
	adminSrv := admin.NewServer(rosters, logger, opts...)
	rateLimiter := admin.NewRateLimitMiddleware(logger)
	defer rateLimiter.Stop()
	adminHandler := admin.AuditMiddleware(logger, rateLimiter.Wrap(adminSrv.Handler()))

	// Context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runServer(gCtx, "admin", cfg.Server.AdminPort, adminHandler, logger)
	})

	g.Go(func() error {
		return runServer(gCtx, "health", cfg.Server.HealthPort, healthHandler(logger), logger)
	})

	// Signal handler
	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error("memberd exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("memberd shut down gracefully")
}

// sponsorStatusFunc adapts the sponsor manager and chain reader to the admin
// diagnostic endpoint. Balance check failures degrade to an absent balanceOk
// field rather than failing the whole status read.
func sponsorStatusFunc(sponsors *sponsor.Manager, reader *chain.Reader, cfg config.SponsorConfig, chainID int64, logger *slog.Logger) admin.SponsorStatusFunc {
	addr := common.HexToAddress(cfg.Address)
	return func(ctx context.Context) (*admin.SponsorStatusResponse, error) {
		st, err := sponsors.GetStatus(ctx, chainID, addr)
		if err != nil {
			return nil, err
		}
		resp := &admin.SponsorStatusResponse{
			Enabled:      true,
			Address:      addr.Hex(),
			LeaseHeld:    st.LeaseHeld,
			NextNonce:    st.NextNonce,
			LastTxHash:   st.LastTxHash,
			LastError:    st.LastError,
			TxCountToday: st.TxCountToday,
			TxMaxPerDay:  cfg.MaxTxPerDay,
		}
		if st.LeaseExpiresAt != nil {
			resp.LeaseExpiresAt = st.LeaseExpiresAt.UTC().Format(time.RFC3339)
		}
		if cfg.MinBalanceWei != nil {
			ok, err := sponsor.MinBalanceMet(ctx, reader.Balance, addr, cfg.MinBalanceWei)
			if err != nil {
				logger.Warn("sponsor balance check failed", "error", err)
			} else {
				resp.BalanceOK = &ok
			}
		}
		return resp, nil
	}
}

func healthHandler(logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			logger.Warn("failed to write health response", "error", err)
		}
	})
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func runServer(ctx context.Context, name string, port int, handler http.Handler, logger *slog.Logger) error {
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: handler,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("server shutdown error", "server", name, "error", err)
		}
	}()

	logger.Info("server started", "server", name, "port", port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}
