package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/storycredits/internal/config"
	"github.com/MarkoPoloResearchLab/storycredits/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/storycredits/internal/httpapi"
	"github.com/MarkoPoloResearchLab/storycredits/internal/jobevents"
	"github.com/MarkoPoloResearchLab/storycredits/internal/rpcapi"
	"github.com/MarkoPoloResearchLab/storycredits/internal/servicetoken"
	"github.com/MarkoPoloResearchLab/storycredits/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/storycredits/internal/sweeper"
	"github.com/MarkoPoloResearchLab/storycredits/internal/zaplog"
	"github.com/MarkoPoloResearchLab/storycredits/pkg/ledger"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

const flagAutoMigrate = "auto-migrate"

// component is one long-running part of serve.
type component struct {
	name string
	run  func(ctx context.Context) error
}

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gRPC and HTTP surfaces, the sweeper and the job event consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			autoMigrate, err := cmd.Flags().GetBool(flagAutoMigrate)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, autoMigrate)
		},
	}
	cmd.Flags().Bool(flagAutoMigrate, false, "apply embedded PostgreSQL migrations on start")
	return cmd
}

func runServe(ctx context.Context, cfg config.Config, autoMigrate bool) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	service, cleanup, err := openLedger(ctx, cfg, autoMigrate, logger)
	if err != nil {
		return err
	}
	defer func() { _ = cleanup() }()

	handler := rpcapi.NewHandler(service)
	components := make([]component, 0, 4)
	if cfg.GRPCListenAddr != "" {
		components = append(components, grpcComponent(cfg, handler, logger))
	}
	if cfg.HTTPListenAddr != "" {
		httpComponent, err := newHTTPComponent(cfg, handler, logger)
		if err != nil {
			return err
		}
		components = append(components, httpComponent)
	}
	if cfg.SweepEnabled {
		runner, err := sweeper.New(service, cfg.SweepInterval, ledger.ScanRequest{
			Lookback: cfg.SweepLookback,
			Limit:    cfg.SweepBatchSize,
		}, logger.Named("sweeper"))
		if err != nil {
			return err
		}
		components = append(components, component{name: "sweeper", run: runner.Run})
	}
	events, closeEvents, err := eventsComponent(ctx, cfg, service, logger)
	if err != nil {
		return err
	}
	defer closeEvents()
	if events != nil {
		components = append(components, *events)
	}
	return runComponents(ctx, logger, components)
}

// openLedger opens the database, prepares its schema and builds the
// service every command shares.
func openLedger(ctx context.Context, cfg config.Config, autoMigrate bool, logger *zap.Logger) (*ledger.Service, func() error, error) {
	db, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("database open: %w", err)
	}
	if err := prepareSchema(db, driver, cfg.DatabaseURL, autoMigrate, logger); err != nil {
		_ = cleanup()
		return nil, nil, err
	}
	clock := func() int64 { return time.Now().UTC().Unix() }
	service, err := ledger.NewService(gormstore.New(db), clock,
		ledger.WithOperationLogger(zaplog.New(logger.Named("ledger"))),
		ledger.WithTierAllowances(cfg.TierAllowances),
		ledger.WithDefaultTier(cfg.DefaultTier),
		ledger.WithAccountProvisioning(cfg.AutoProvision),
	)
	if err != nil {
		_ = cleanup()
		return nil, nil, fmt.Errorf("ledger service init: %w", err)
	}
	return service, cleanup, nil
}

func grpcComponent(cfg config.Config, handler *rpcapi.Handler, logger *zap.Logger) component {
	return component{name: "grpc", run: func(ctx context.Context) error {
		interceptors := []grpc.UnaryServerInterceptor{grpcserver.RequestTimeout(cfg.RequestTimeout)}
		if cfg.ServiceTokenSecret != "" {
			verifier := servicetoken.NewVerifier([]byte(cfg.ServiceTokenSecret), cfg.ServiceTokenIssuer)
			interceptors = append([]grpc.UnaryServerInterceptor{grpcserver.ServiceTokenInterceptor(verifier)}, interceptors...)
		} else {
			logger.Warn("gRPC surface is unauthenticated; set a service token secret")
		}
		listener, err := net.Listen("tcp", cfg.GRPCListenAddr)
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(interceptors...))
		grpcserver.Register(grpcServer, grpcserver.NewCreditLedgerServer(handler, logger.Named("grpc")))

		errCh := make(chan error, 1)
		go func() {
			logger.Info("gRPC server starting", zap.String("listen_addr", cfg.GRPCListenAddr))
			errCh <- grpcServer.Serve(listener)
		}()
		select {
		case <-ctx.Done():
			grpcServer.GracefulStop()
			if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
				return serveErr
			}
			return nil
		case serveErr := <-errCh:
			if errors.Is(serveErr, grpc.ErrServerStopped) {
				return nil
			}
			return serveErr
		}
	}}
}

func newHTTPComponent(cfg config.Config, handler *rpcapi.Handler, logger *zap.Logger) (component, error) {
	routerConfig := httpapi.Config{
		AllowedOrigins:     cfg.AllowedOrigins,
		ServiceTokenSecret: []byte(cfg.ServiceTokenSecret),
		ServiceTokenIssuer: cfg.ServiceTokenIssuer,
		RequestTimeout:     cfg.RequestTimeout,
	}
	if cfg.SessionSigningKey != "" {
		sessions, err := httpapi.SessionMiddleware([]byte(cfg.SessionSigningKey), cfg.SessionIssuer, cfg.SessionCookieName)
		if err != nil {
			return component{}, fmt.Errorf("session validator: %w", err)
		}
		routerConfig.Sessions = sessions
	}
	httpLogger := logger.Named("http")
	router := httpapi.NewRouter(routerConfig, handler, httpLogger)
	return component{name: "http", run: func(ctx context.Context) error {
		return httpapi.Serve(ctx, cfg.HTTPListenAddr, router, httpLogger)
	}}, nil
}

// eventsComponent builds the configured job event consumer. The returned
// close function releases its client and is always safe to call.
func eventsComponent(ctx context.Context, cfg config.Config, service *ledger.Service, logger *zap.Logger) (*component, func(), error) {
	eventsLogger := logger.Named("events")
	dispatcher := jobevents.NewDispatcher(service, eventsLogger)
	switch cfg.EventsSource {
	case config.EventsRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, func() {}, fmt.Errorf("redis ping: %w", err)
		}
		source := jobevents.NewRedisSource(client, cfg.EventsQueue, dispatcher, eventsLogger)
		return &component{name: "events", run: source.Run}, func() { _ = client.Close() }, nil
	case config.EventsPostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, func() {}, fmt.Errorf("listener pool: %w", err)
		}
		source := jobevents.NewPostgresSource(pool, cfg.EventsChannel, dispatcher, eventsLogger)
		return &component{name: "events", run: source.Run}, pool.Close, nil
	default:
		return nil, func() {}, nil
	}
}

// runComponents runs every component until ctx is cancelled or one fails,
// then stops the rest and returns the first failure.
func runComponents(ctx context.Context, logger *zap.Logger, components []component) error {
	if len(components) == 0 {
		return errors.New("nothing to run")
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	group, groupCtx := errgroup.WithContext(runCtx)
	for _, part := range components {
		part := part
		group.Go(func() error {
			// any component exiting, cleanly or not, stops the others
			defer cancel()
			if err := part.run(groupCtx); err != nil {
				logger.Error("component stopped", zap.String("component", part.name), zap.Error(err))
				return fmt.Errorf("%s: %w", part.name, err)
			}
			return nil
		})
	}
	<-groupCtx.Done()
	logger.Info("shutdown requested")
	return group.Wait()
}
