package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/angeloszaimis/devserver/config"
	"github.com/angeloszaimis/devserver/internal/circuitbreaker"
	"github.com/angeloszaimis/devserver/internal/handler"
	"github.com/angeloszaimis/devserver/internal/healthcheck"
	"github.com/angeloszaimis/devserver/internal/httpserver"
	"github.com/angeloszaimis/devserver/internal/livereload"
	"github.com/angeloszaimis/devserver/internal/metrics"
	"github.com/angeloszaimis/devserver/internal/proxy"
	"github.com/angeloszaimis/devserver/internal/static"
	"github.com/angeloszaimis/devserver/internal/upstream"
	"github.com/angeloszaimis/devserver/pkg/logger"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "devserver",
		Short: "Serve front-end assets and proxy API and WebSocket traffic to a backend",
		Long: `devserver serves the built front-end from a local directory and forwards
requests that match a proxy rule (by default /api and /ws) to the backend.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			loader := config.NewLoader(configPath)
			if err := loader.BindFlags(cmd.Flags()); err != nil {
				return fmt.Errorf("bind flags: %w", err)
			}

			cfg, err := loader.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return run(ctx, loader, cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "", "config file (default searches ./devserver.yaml and ./config/devserver.yaml)")
	flags.IntP("port", "p", 5173, "port to listen on")
	flags.String("host", "", "address to bind; true or 0.0.0.0 listens on every interface")
	flags.Bool("strict-port", false, "exit instead of trying the next port when the port is taken")
	flags.String("root", "dist", "directory holding the built front-end")
	flags.String("log-level", config.LogLevelInfo, "debug, info, warn or error")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("devserver version %s\n", version)
		},
	})

	return cmd
}

func run(ctx context.Context, loader *config.Loader, cfg *config.Config) error {
	log := logger.New(logger.Options{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Environment: cfg.Server.Environment,
	})

	metricsCollector := metrics.NewCollector(1000, log)
	metricsCollector.Start(ctx)

	pool := upstream.NewPool(cfg.DialTimeout())
	defer pool.Close()
	pool.OnNew(startHealthCheck(ctx, cfg, metricsCollector, log))

	breakers := circuitbreaker.NewRegistry(cfg.Upstream.BreakerThreshold, cfg.BreakerTimeout(), log)

	router, err := proxy.NewRouter(cfg.Proxy, pool, log)
	if err != nil {
		return fmt.Errorf("build proxy table: %w", err)
	}

	var hub *livereload.Hub
	staticOpts := []static.Option{static.WithSPAFallback(cfg.Static.SPAFallback)}
	if cfg.LiveReload.Enabled {
		hub = livereload.NewHub(log)
		staticOpts = append(staticOpts, static.WithLiveReload(livereload.Endpoint))
	}

	if info, err := os.Stat(cfg.Static.Root); err != nil || !info.IsDir() {
		log.Warn("Static root not found, only proxied paths will resolve",
			slog.String("root", cfg.Static.Root))
	} else if hub != nil {
		watcher := livereload.NewWatcher(cfg.Static.Root, hub, cfg.LiveReloadDebounce(), log)
		go func() {
			if err := watcher.Run(ctx); err != nil {
				log.Error("Live reload watcher stopped", slog.Any("err", err))
			}
		}()
	}

	devHandler := handler.NewDevServerHandler(log, router,
		breakers, static.NewSPAHandler(cfg.Static.Root, staticOpts...),
		metricsCollector, cfg.BreakerTimeout())

	// Viper delivers changes one at a time from its watcher goroutine.
	current := cfg
	loader.Watch(ctx, log, func(next *config.Config) {
		if err := reloadRouter(devHandler, current, next, pool, log); err != nil {
			log.Error("Failed to apply new proxy table", slog.Any("err", err))
			return
		}
		current = next
	})

	srv, err := httpserver.New(cfg.Server.Host, cfg.Server.Port, cfg.Server.StrictPort,
		setupRouter(devHandler, metricsCollector, breakers, hub), log)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	if err := srv.Listen(); err != nil {
		return err
	}

	logStartup(log, srv, cfg, devHandler.Router())

	srvErrCh := make(chan error, 1)

	go func() {
		srvErrCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
		if err := srv.Shutdown(context.Background()); err != nil {
			log.Error("Error during shutdown", slog.Any("err", err))
		}
	case err := <-srvErrCh:
		if err != nil {
			log.Error("Error running dev server", slog.Any("err", err))
			return err
		}
	}

	return nil
}

// startHealthCheck returns the hook that puts every new upstream under a
// health probe for the lifetime of ctx.
func startHealthCheck(ctx context.Context, cfg *config.Config, collector *metrics.Collector, log *slog.Logger) func(*upstream.Upstream) {
	return func(u *upstream.Upstream) {
		collector.Emit(metrics.MetricEvent{
			Type:     metrics.EventHealthChanged,
			Upstream: u.Origin(),
			Healthy:  u.IsHealthy(),
		})

		go healthcheck.HealthCheck(ctx, u, cfg.HealthInterval(), cfg.DialTimeout(), log,
			func(u *upstream.Upstream, healthy bool) {
				collector.Emit(metrics.MetricEvent{
					Type:     metrics.EventHealthChanged,
					Upstream: u.Origin(),
					Healthy:  healthy,
				})
			})
	}
}

// reloadRouter swaps in the proxy rules of next and retires upstreams no
// rule points at anymore. Settings that only take effect at startup are
// reported when they differ from current and otherwise ignored.
func reloadRouter(h *handler.DevServerHandler, current, next *config.Config, pool *upstream.Pool, log *slog.Logger) error {
	router, err := proxy.NewRouter(next.Proxy, pool, log)
	if err != nil {
		return err
	}

	h.SetRouter(router)
	log.Info("Proxy table updated", slog.Int("rules", len(router.Rules())))

	for _, u := range pool.Retain(router.Upstreams()) {
		log.Info("Upstream no longer proxied", slog.String("upstream", u.Origin()))
	}

	if current.ListenAddr() != next.ListenAddr() || current.Static != next.Static {
		log.Warn("Server and static settings changed, restart devserver to apply them")
	}

	return nil
}

func logStartup(log *slog.Logger, srv *httpserver.Server, cfg *config.Config, router *proxy.Router) {
	local, network := srv.URLs()
	for _, u := range local {
		log.Info("Dev server ready", slog.String("local", u))
	}
	for _, u := range network {
		log.Info("Dev server ready", slog.String("network", u))
	}
	if len(network) == 0 && !cfg.ExposesNetwork() {
		log.Info("Use --host to expose the dev server on the network")
	}

	if srv.Port() != cfg.Server.Port {
		log.Warn("Configured port was busy, using another one",
			slog.Int("configured", cfg.Server.Port),
			slog.Int("port", srv.Port()))
	}

	for _, rule := range router.Rules() {
		log.Info("Proxying",
			slog.String("pattern", rule.Pattern),
			slog.String("target", rule.Target.String()),
			slog.Bool("ws", rule.WS),
			slog.Bool("change_origin", rule.ChangeOrigin))
	}

	if len(cfg.Plugins) > 0 {
		log.Info("Front-end plugins are handled by the build, not the dev server",
			slog.String("plugins", strings.Join(cfg.Plugins, ",")))
	}
}

func setupRouter(devHandler http.Handler, metricsCollector *metrics.Collector, breakers *circuitbreaker.Registry, hub *livereload.Hub) *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("/", devHandler)
	mux.HandleFunc(metrics.Endpoint, metricsCollector.Handler(breakers.Stats))
	if hub != nil {
		mux.Handle(livereload.Endpoint, hub)
	}

	return mux
}
