package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"tenantry.org/internal/audit"
	"tenantry.org/internal/auth"
	"tenantry.org/internal/authz"
	"tenantry.org/internal/cascade"
	"tenantry.org/internal/config"
	"tenantry.org/internal/grpcauth"
	"tenantry.org/internal/httpapi"
	"tenantry.org/internal/invalidate"
	"tenantry.org/internal/obs"
	"tenantry.org/internal/store/memory"
	"tenantry.org/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// backend is what both stores provide.
type backend interface {
	auth.Directory
	authz.ResourceLookup
	authz.WorkspaceLocator
	cascade.Store
	cascade.OverrideStore
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tenantryd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := obs.NewLogger(cfg.LogLevel.String())
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	restore := obs.SetLogger(logger)
	defer restore()

	obs.Init()
	build := obs.ReadBuild(version, commit)
	obs.SetBuild(build)
	logger.Info("starting tenantryd", build.Fields()...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := invalidate.New()

	var (
		store    backend
		ready    httpapi.ReadyProbe
		listener *pg.Listener
	)
	if cfg.UsesDatabase() {
		pgStore, err := pg.Open(cfg.PGDSN, pg.WithChannel(cfg.InvalidationChannel))
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer pgStore.Close()
		store, ready = pgStore, pgStore
		listener = pg.NewListener(cfg.PGDSN, cfg.InvalidationChannel, bus)
	} else {
		mem, err := seedMemory(ctx, cfg)
		if err != nil {
			return err
		}
		store = mem
		logger.Warn("no database configured, using in-memory store")
	}

	verifier, err := auth.NewVerifier([]byte(cfg.TokenSecret), auth.WithIssuer(cfg.TokenIssuer))
	if err != nil {
		return err
	}
	resolver, err := auth.NewResolver(verifier, store)
	if err != nil {
		return err
	}

	cache := cascade.NewCache(store, cascade.WithCacheLogger(logger))
	bus.Handle(func(e invalidate.Event) {
		n := cache.Invalidate(e.Key())
		logger.Debug("config invalidated",
			zap.String("module", e.Module),
			zap.String("org_id", e.OrgID),
			zap.String("workspace_id", e.WorkspaceID),
			zap.String("source", e.Source),
			zap.Int("entries", n))
	})

	auditLog := audit.New(logger)
	facade, err := authz.NewFacade(resolver,
		authz.WithResources(store),
		authz.WithWorkspaceLocator(store),
		authz.WithConfigs(cache),
		authz.WithAuditor(auditLog),
		authz.WithLookupTimeout(cfg.LookupTimeout),
		authz.WithLogger(logger))
	if err != nil {
		return err
	}

	api := httpapi.New(httpapi.Deps{
		Facade:    facade,
		Overrides: store,
		Bus:       bus,
		Audit:     auditLog,
		Ready:     ready,
		Logger:    logger,
	}, build.Version,
		httpapi.WithRateLimit(cfg.RatePerSec, cfg.RateBurst),
		httpapi.WithMaxBodyBytes(cfg.MaxBodyBytes),
		httpapi.WithTrustedProxies(cfg.TrustedProxies))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// No write timeout: the invalidation stream is long lived.
		IdleTimeout: 60 * time.Second,
	}

	authorizer := grpcauth.New(facade, grpcauth.HealthRules, logger)
	grpcSrv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(authorizer.Unary()),
		grpc.ChainStreamInterceptor(authorizer.Stream()),
	)
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	var lis net.Listener
	if cfg.GRPCAddr != "" {
		if lis, err = net.Listen("tcp", cfg.GRPCAddr); err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", srv.Addr), zap.String("version", build.Version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	if lis != nil {
		g.Go(func() error {
			logger.Info("grpc listening", zap.String("addr", cfg.GRPCAddr))
			return grpcSrv.Serve(lis)
		})
	}
	if listener != nil {
		g.Go(func() error {
			if err := listener.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		healthSrv.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		stopped := make(chan struct{})
		go func() {
			grpcSrv.GracefulStop()
			close(stopped)
		}()
		err := srv.Shutdown(shutdownCtx)
		select {
		case <-stopped:
		case <-shutdownCtx.Done():
			grpcSrv.Stop()
		}
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("stopped")
	return nil
}

// seedMemory installs every shipped module and the bootstrap administrator.
func seedMemory(ctx context.Context, cfg *config.Config) (*memory.Store, error) {
	mem := memory.New()
	for _, m := range cascade.KnownModules {
		if err := mem.PutSystem(ctx, cascade.SystemConfig{Module: m, Installed: true, Enabled: true}); err != nil {
			return nil, err
		}
	}
	if cfg.BootstrapAdmin == "" {
		return mem, nil
	}
	mem.PutUser(auth.Profile{UserID: cfg.BootstrapAdmin, SystemRole: authz.SystemRoleAdmin})

	issuer, err := auth.NewIssuer([]byte(cfg.TokenSecret), cfg.TokenIssuer)
	if err != nil {
		return nil, err
	}
	token, err := issuer.Issue(cfg.BootstrapAdmin, 12*time.Hour)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(os.Stderr, "bootstrap admin %q token: %s\n", cfg.BootstrapAdmin, token)
	return mem, nil
}
