package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"

	"intercept-proxy-go/internal/client"
	"intercept-proxy-go/internal/config"
	"intercept-proxy-go/internal/handler"
	"intercept-proxy-go/internal/intercept"
	"intercept-proxy-go/internal/interceptors"
	"intercept-proxy-go/internal/journal"
	"intercept-proxy-go/internal/metrics"
	"intercept-proxy-go/internal/middleware"
	"intercept-proxy-go/internal/policy"
	"intercept-proxy-go/internal/registry"
	"intercept-proxy-go/internal/relay"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("intercept-proxy"),
		kong.Description("Intercepting HTTP/1.1 forward proxy."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			registry.New,
			newResolver,
			newDialer,
			newPool,
			newJournal,
			newChain,
			newPolicy,
			newRelay,
			newEcho,
			newRoutes,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, startRelay, startAdmin),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

// newResolver returns nil when no DNS server is configured, so direct
// dialing falls back to the system resolver.
func newResolver(cfg *config.Config) *client.Resolver {
	if cfg.DNS.Server == "" {
		return nil
	}
	return client.NewResolver(cfg.DNS.Server, cfg.DNS.CacheTTL())
}

func newDialer(cfg *config.Config, resolver *client.Resolver, logger *slog.Logger, m *metrics.Metrics) (*client.Dialer, error) {
	d, err := client.NewDialer(cfg.Upstream, resolver, logger, m)
	if err != nil {
		return nil, err
	}
	logger.Info("upstream configured", "kind", d.Kind(), "address", cfg.Upstream.Address, "dns", cfg.DNS.Server)
	return d, nil
}

func newPool(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *client.Pool {
	p := client.NewPool(cfg.Pool, logger, m)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return p.StartSweeper(cfg.Pool.SweepSchedule)
		},
		OnStop: func(context.Context) error {
			p.Close()
			return nil
		},
	})
	return p
}

// journalParts holds the journal components; all fields are nil when the
// journal is disabled.
type journalParts struct {
	store    *journal.Store
	recorder *journal.Recorder
}

func newJournal(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*journalParts, error) {
	if !cfg.Journal.Enabled {
		return &journalParts{}, nil
	}
	store, err := journal.Open(cfg.Journal.Path)
	if err != nil {
		return nil, err
	}
	rec := journal.NewRecorder(store, cfg.Journal, logger, m)
	sched := journal.NewScheduler(store, cfg.Journal.PruneSchedule, cfg.Journal.Retention(), logger)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			logger.Info("journal enabled", "path", cfg.Journal.Path, "codec", cfg.Journal.Codec,
				"capture_bytes", cfg.Journal.CaptureBytes)
			return sched.Start()
		},
		OnStop: func(context.Context) error {
			sched.Stop()
			_ = rec.Close()
			return store.Close()
		},
	})
	return &journalParts{store: store, recorder: rec}, nil
}

func newChain(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger, j *journalParts) (*intercept.Chain, error) {
	var extra []intercept.Stage
	if j.recorder != nil {
		extra = append(extra, j.recorder)
	}
	chain, rules, err := interceptors.FromConfig(cfg.Intercept, logger, extra...)
	if err != nil {
		return nil, err
	}
	if rules != nil {
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				go func() {
					if err := rules.Watch(context.Background()); err != nil {
						logger.Error("rules watcher stopped", "err", err)
					}
				}()
				return nil
			},
			OnStop: func(context.Context) error {
				return rules.Close()
			},
		})
	}
	return chain, nil
}

func newPolicy(logger *slog.Logger, m *metrics.Metrics) policy.Policy {
	return policy.NewDefault(logger, m)
}

func newRelay(cfg *config.Config, dialer *client.Dialer, pool *client.Pool, chain *intercept.Chain,
	pol policy.Policy, reg *registry.Registry, logger *slog.Logger, m *metrics.Metrics,
) *relay.Server {
	return relay.New(relay.Params{
		Addr:     cfg.Proxy.Addr(),
		Options:  relay.OptionsFrom(cfg.Proxy),
		Dialer:   dialer,
		Pool:     pool,
		Chain:    chain,
		Policy:   pol,
		Registry: reg,
		Logger:   logger,
		Metrics:  m,
	})
}

func newRoutes(cfg *config.Config, v handler.Version, srv *relay.Server, pool *client.Pool,
	reg *registry.Registry, j *journalParts, logger *slog.Logger,
) handler.Routes {
	var counter handler.RecordCounter
	r := handler.Routes{Pairs: handler.NewPairsHandler(reg)}
	if j.store != nil {
		counter = j.store
		r.Journal = handler.NewJournalHandler(j.store, logger)
	}
	r.Health = handler.NewHealthHandler(cfg, v, srv, pool, counter)
	return r
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	e.Server.WriteTimeout = 30 * time.Second
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger, "/healthz", cfg.Metrics.Path))
	e.Use(echomw.BodyLimit("1KB"))
	e.Use(middleware.SecurityHeaders())
	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m, cfg.Metrics.Path))
	}

	if mw := middleware.RateLimiter(cfg.Admin.RateLimit); mw != nil {
		e.Use(mw)
		logger.Info("admin rate limiter enabled", "rps", cfg.Admin.RateLimit.RequestsPerSecond)
	}

	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startRelay(lc fx.Lifecycle, srv *relay.Server, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return srv.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down proxy")
			return srv.Stop(ctx)
		},
	})
}

func startAdmin(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Admin.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting admin server", "addr", addr)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("admin server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down admin server")
			return e.Shutdown(ctx)
		},
	})
}
