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

	"github.com/AlexKimmel/accountgate/internal/auth"
	"github.com/AlexKimmel/accountgate/internal/config"
	"github.com/AlexKimmel/accountgate/internal/controlplane"
	"github.com/AlexKimmel/accountgate/internal/gateway"
	"github.com/AlexKimmel/accountgate/internal/messaging"
	"github.com/AlexKimmel/accountgate/internal/obs"
	"github.com/AlexKimmel/accountgate/internal/pool"
	"github.com/AlexKimmel/accountgate/internal/probe"
	"github.com/AlexKimmel/accountgate/internal/ratelimit/memory"
	"github.com/AlexKimmel/accountgate/internal/ratelimit/redisstats"
	"github.com/AlexKimmel/accountgate/internal/runner"
	"github.com/AlexKimmel/accountgate/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	sweepEvery = time.Minute
	pruneEvery = time.Hour
)

func newServeCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane HTTP API and its background tasks",
		Long: `Run the control plane. Endpoints:
  POST /v1/admission              may this account act now?
  POST /v1/outcome                report what happened after an action
  POST /v1/probe                  run one delivery probe
  POST /v1/canary/receipts        confirm a canary arrived
  GET  /v1/accounts/{id}/health   signals, score, plan and limits
  GET  /health, /version          unauthenticated ops endpoints`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, obs.SetupLogger(cfg.Observability.LogLevel))
		},
	}
}

func runServe(ctx context.Context, cfg *config.Root, logger zerolog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := obs.NewMetrics(reg)

	pools := pool.NewRegistry()
	var backend *pool.SQLite
	defer func() {
		if err := pools.Close(); err != nil {
			logger.Warn().Err(err).Msg("close pools")
		}
		if backend != nil {
			_ = backend.Close()
		}
	}()

	var st store.Store
	switch cfg.Store.Driver {
	case "sqlite":
		var err error
		if backend, err = pool.OpenSQLite(cfg.Store.DSN, cfg.Store.Pool.MaxConnections); err != nil {
			return err
		}
		p, err := pool.New(ctx, backend.Open, poolOptions("store", cfg.Store.Pool), logger)
		if err != nil {
			return fmt.Errorf("open store pool: %w", err)
		}
		if err := pools.Register(p); err != nil {
			return err
		}
		if st, err = store.NewSQLite(ctx, p); err != nil {
			return err
		}
	default:
		logger.Warn().Msg("using in-memory store, state is lost on restart")
		st = store.NewMemory()
	}
	defer st.Close()

	tasks := runner.New(logger, runner.WithMetrics(metrics))

	defaultLimit, err := limitFrom(cfg.Limits.Default)
	if err != nil {
		return fmt.Errorf("limits.default: %w", err)
	}
	limOpts := []memory.Option{memory.WithDefault(defaultLimit), memory.WithLogger(logger)}
	if cfg.Stats.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Stats.RedisAddr,
			Password: cfg.Stats.RedisPassword,
			DB:       cfg.Stats.RedisDB,
		})
		defer rdb.Close()
		rec := redisstats.New(rdb,
			redisstats.WithPrefix(cfg.Stats.Prefix),
			redisstats.WithTTL(cfg.Stats.TTL()),
			redisstats.WithLogger(logger),
		)
		limOpts = append(limOpts, memory.WithRecorder(rec))
		tasks.Add("redis-stats", rec.Run)
	}
	limiter := memory.New(limOpts...)

	pcfg, err := planeConfig(cfg)
	if err != nil {
		return err
	}
	planeOpts := []controlplane.Option{controlplane.WithMetrics(metrics)}

	var inbox *probe.Inbox
	if cfg.Probe.MessagingURL != "" {
		client, err := messaging.New(cfg.Probe.MessagingURL, messaging.WithToken(cfg.Probe.MessagingToken))
		if err != nil {
			return fmt.Errorf("probe.messaging_url: %w", err)
		}
		inbox = probe.NewInbox(0)
		prober := probe.New(client, inbox,
			probe.WithTimeout(cfg.Probe.Timeout()),
			probe.WithLogger(logger),
			probe.WithMetrics(metrics),
		)
		planeOpts = append(planeOpts, controlplane.WithProber(prober))
	}

	plane, err := controlplane.New(pcfg, limiter, st, logger, planeOpts...)
	if err != nil {
		return err
	}

	for _, name := range pools.Names() {
		m, _ := pools.Get(name)
		tasks.Add("pool:"+name, func(ctx context.Context) error {
			return m.Run(ctx, func(s pool.Stats) {
				metrics.SetPoolConnections(name, s.Size, s.Idle, s.InUse)
			})
		})
	}
	tasks.Add("recovery-sweep", runner.Every(sweepEvery, logger, plane.SweepRecovery))
	tasks.Add("probe-prune", runner.Every(pruneEvery, logger, func(ctx context.Context) error {
		n, err := st.PruneProbes(ctx, time.Now().Add(-cfg.Probe.Retention()))
		if n > 0 {
			logger.Info().Int64("probes", n).Msg("pruned probe history")
		}
		return err
	}))
	if targets := probeTargets(cfg.Probe.Schedule); len(targets) > 0 && inbox != nil {
		tasks.Add("probe-schedule", runner.Every(cfg.Probe.Interval(), logger, func(ctx context.Context) error {
			return plane.ProbeAll(ctx, targets)
		}))
	}

	apiLimit, err := limitFrom(cfg.Limits.API)
	if err != nil {
		return fmt.Errorf("limits.api: %w", err)
	}
	apiLimiter := memory.New(memory.WithDefault(apiLimit), memory.WithLogger(logger))

	skip := map[string]struct{}{cfg.Observability.PrometheusPath: {}}
	for p := range gateway.OpsPaths {
		skip[p] = struct{}{}
	}

	mux := http.NewServeMux()
	gateway.NewAPI(plane, inbox, version).Register(mux)
	mux.Handle("GET "+cfg.Observability.PrometheusPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	authStore := auth.FromConfig(cfg.Auth)
	if !authStore.Enabled() {
		logger.Warn().Msg("no api keys configured, authentication disabled")
	}

	handler := gateway.Chain(
		mux,
		obs.Logger(logger),
		gateway.BodyLimit(cfg.Server.MaxBody()),
		authStore.Middleware(skip),
		gateway.RateLimit(apiLimiter, skip, func(keyID string) {
			logger.Warn().Str("key_id", keyID).Msg("api caller rate limited")
		}),
		metrics.Middleware(skip),
	)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout(),
		IdleTimeout:       cfg.Server.IdleTimeout(),
		ReadTimeout:       cfg.Server.ReadTimeout(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Str("store", cfg.Store.Driver).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := tasks.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("graceful shutdown failed")
		}
		return nil
	})

	err = g.Wait()
	logger.Info().Msg("bye")
	return err
}
