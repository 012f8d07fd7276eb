package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arhyth/ledgerxgo"
	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func main() {
	var cfgPath string
	cmd := &cobra.Command{
		Use:           "ledgerxgo",
		Short:         "Run the ledger HTTP server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfgPath)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "config.yml", "path to configuration file")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.ExecuteContext(ctx); err != nil {
		logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
		logger.Fatal().Err(err).Msg("server exited")
	}
}

func run(ctx context.Context, cfgPath string) error {
	cfg, err := ledgerxgo.LoadConfig(cfgPath)
	if err != nil {
		return err
	}
	lvl, err := zerolog.ParseLevel(cfg.Server.LogLevel)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(lvl)
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	node, err := snowflake.NewNode(cfg.Server.NodeID)
	if err != nil {
		return err
	}

	var (
		accts   ledgerxgo.AccountStore
		ledger  ledgerxgo.LedgerStore
		primary ledgerxgo.AuditSink
		uow     ledgerxgo.UnitOfWork
	)
	if cfg.Database.ConnectionString != "" {
		pgendpt, err := ledgerxgo.NewPostgresEndpoint(ctx, cfg.Database.ConnectionString, &logger)
		if err != nil {
			return err
		}
		defer pgendpt.Close()
		accts, ledger, primary = pgendpt.Accounts(), pgendpt.Ledger(), pgendpt.AuditLog()
		uow = pgendpt
	} else {
		logger.Warn().Msg("no database configured, running on in-memory stores")
		accts = ledgerxgo.NewMemAccounts(cfg.Accounts(time.Now())...)
		ledger = ledgerxgo.NewMemLedger()
		primary = ledgerxgo.NewMemAuditLog()
	}

	var cache ledgerxgo.RecentActivity = ledgerxgo.NewMiniStatements(ledger)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err = rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		cache = ledgerxgo.NewRedisMiniStatements(rdb, ledger, cfg.Redis.Prefix)
	}

	var secondaries []ledgerxgo.Secondary
	if cfg.Mongo.URI != "" {
		client, err := ledgerxgo.ConnectMongo(ctx, cfg.Mongo.URI)
		if err != nil {
			return err
		}
		defer client.Disconnect(context.Background())
		sink, err := ledgerxgo.NewMongoAuditLog(ctx, client, cfg.Mongo.Database, cfg.Mongo.Collection)
		if err != nil {
			return err
		}
		secondaries = append(secondaries, ledgerxgo.Secondary{Name: "mongo", Sink: sink})
	}
	if cfg.NATS.URL != "" {
		nc, err := ledgerxgo.ConnectNATS(cfg.NATS.URL)
		if err != nil {
			return err
		}
		defer nc.Drain()
		secondaries = append(secondaries, ledgerxgo.Secondary{
			Name: "nats",
			Sink: ledgerxgo.NewNATSAuditFeed(nc, cfg.NATS.Subject),
		})
	}

	orch, err := ledgerxgo.NewService(ledgerxgo.Deps{
		Accounts:     accts,
		Ledger:       ledger,
		UnitOfWork:   uow,
		Audit:        ledgerxgo.NewAuditTrail(primary, &logger, secondaries...),
		Cache:        cache,
		Node:         node,
		Log:          &logger,
		StoreTimeout: cfg.Server.StoreTimeout,
	})
	if err != nil {
		return err
	}
	svc := ledgerxgo.Chain(orch,
		ledgerxgo.NewLoggingMiddleware(&logger),
		ledgerxgo.NewValidationMiddleware(),
		ledgerxgo.NewCircuitBreakMiddleware(ledgerxgo.NewServiceBreaker(&logger)),
		ledgerxgo.NewLimitMiddleware(ledgerxgo.NewServiceLimits(cfg.Limits.InFlight, cfg.Limits.AcquireTimeout)),
	)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           ledgerxgo.NewHTTPHandler(svc, &logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err = <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	}
}
