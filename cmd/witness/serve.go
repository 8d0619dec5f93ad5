package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"witness/internal/config"
	"witness/internal/domain"
	"witness/internal/infra/cesr"
	"witness/internal/infra/db"
	httpinfra "witness/internal/infra/http"
	"witness/internal/infra/kel"
	"witness/internal/infra/kelmem"
	"witness/internal/infra/keys/soft"
	"witness/internal/infra/policyopa"
	"witness/internal/infra/ratelimit"
	"witness/internal/infra/resolver"
	"witness/internal/usecase"
	"witness/migrations"
)

const shutdownTimeout = 10 * time.Second

type ServeOptions struct {
	*RootOptions
	Migrate bool
}

func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the witness HTTP service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if opts.Migrate {
				cfg.AutoMigrate = true
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}
	cmd.Flags().BoolVar(&opts.Migrate, "migrate", false, "apply database migrations before serving")
	return cmd
}

func serve(ctx context.Context, cfg config.Config, base *logrus.Logger) error {
	var log logrus.FieldLogger = base
	manager, err := soft.NewManagerFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("load witness key: %w", err)
	}
	if manager.Ephemeral() {
		log.Warn("no witness key configured; using an ephemeral key, the identifier changes on restart")
	}
	witness, err := usecase.NewWitness(manager)
	if err != nil {
		return err
	}
	log = log.WithField("witness", witness.Prefix())

	store, err := db.NewStore(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.WithError(err).Warn("close database")
		}
	}()

	var backend kel.Backend = kelmem.New()
	if store.Enabled() {
		if cfg.AutoMigrate {
			if err := db.Migrate(ctx, store.DB, migrations.FS); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
		backend = db.NewKELRepository(store.DB)
	}
	processor := kel.NewProcessor(backend)
	codec := cesr.Codec{}

	var admission usecase.AdmissionPolicy
	if cfg.AdmissionPolicyPath != "" {
		engine, err := policyopa.NewEngine(ctx, cfg.AdmissionPolicyPath, cfg.AdmissionPolicyBundleID)
		if err != nil {
			return fmt.Errorf("admission policy: %w", err)
		}
		log.WithField("bundle_hash", engine.BundleHash()).Info("admission policy loaded")
		admission = engine
	}

	var (
		dispatcher usecase.Dispatcher
		forwarding *resolver.Dispatcher
	)
	if cfg.ResolverAddr != "" {
		client := resolver.New(cfg.ResolverAddr)
		forwarding = resolver.NewDispatcher(client, cfg.ForwardTimeout(), cfg.ForwardRatePerSecond, log)
		dispatcher = forwarding
		publishAddress(ctx, cfg, client, witness.Prefix(), log)
	}
	forward, err := usecase.NewForwardPolicy(cfg.ForwardPolicy, processor, dispatcher, log)
	if err != nil {
		return err
	}

	limiter, closeLimiter, err := newRateLimiter(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeLimiter()

	engine, err := usecase.NewReceiptEngine(usecase.ReceiptEngineDeps{
		Store:     processor,
		Codec:     codec,
		Witness:   witness,
		Admission: admission,
		Log:       log,
	})
	if err != nil {
		return err
	}
	streams, err := usecase.NewStreamProcessor(usecase.StreamProcessorDeps{Codec: codec, Engine: engine, Forward: forward, Log: log})
	if err != nil {
		return err
	}
	query, err := usecase.NewQueryService(processor, codec, witness)
	if err != nil {
		return err
	}
	discovery, err := usecase.NewDiscoveryService(codec, witness, time.Now)
	if err != nil {
		return err
	}

	server := httpinfra.NewServer(cfg, httpinfra.ServerDeps{
		Processor:   streams,
		Query:       query,
		Discovery:   discovery,
		Witness:     witness,
		RateLimiter: limiter,
		Log:         log,
		DBMode:      store.Enabled(),
	})
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("witness listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server exited: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	if err := forwarding.Wait(shutdownCtx); err != nil {
		log.WithError(err).Warn("pending resolver forwards abandoned")
	}
	return nil
}

// publishAddress announces where the witness listens. Failure is logged only.
func publishAddress(ctx context.Context, cfg config.Config, client *resolver.Client, prefix domain.Prefix, log logrus.FieldLogger) {
	if cfg.PublicURL == "" {
		log.Warn("RESOLVER_ADDR set without PUBLIC_URL; witness address not published")
		return
	}
	hostPort, err := resolver.HostPort(cfg.PublicURL)
	if err != nil {
		log.WithError(err).Warn("witness address not published")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.ForwardTimeout())
	defer cancel()
	if err := client.PublishAddress(ctx, prefix, hostPort); err != nil {
		log.WithError(err).WithField("resolver", cfg.ResolverAddr).Warn("problem publishing witness address to resolver")
		return
	}
	log.WithFields(logrus.Fields{"resolver": cfg.ResolverAddr, "address": hostPort}).Info("witness address published")
}

func newRateLimiter(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (domain.RateLimiter, func(), error) {
	noop := func() {}
	if cfg.RateLimitRequests <= 0 {
		return nil, noop, nil
	}
	if cfg.RedisAddr != "" {
		limiter, err := ratelimit.NewRedis(ratelimit.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, noop, err
		}
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := limiter.Ping(pingCtx); err != nil {
			log.WithError(err).WithField("fail_closed", cfg.RateLimitFailClosed).Warn("redis rate limiter unreachable at startup")
		}
		return limiter, func() { _ = limiter.Close() }, nil
	}
	return ratelimit.NewMemory(ratelimit.MemoryConfig{MaxKeys: cfg.RateLimitMaxKeys}), noop, nil
}
