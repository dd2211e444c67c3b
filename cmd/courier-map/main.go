package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"courier-map/internal/auth"
	"courier-map/internal/config"
	"courier-map/internal/courier"
	"courier-map/internal/logging"
	"courier-map/internal/mapsync"
	"courier-map/internal/observability"
	"courier-map/internal/tracking"
	"courier-map/internal/web"
)

var (
	configPath = flag.String("config", "", "Path to config.yml (defaults apply when empty)")
	httpPort   = flag.Int("port", 0, "HTTP port, overrides config and PORT")
	apiURL     = flag.String("courier_api_url", "", "Courier API base URL, overrides config")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *httpPort != 0 {
		cfg.Server.Port = *httpPort
	}
	if *apiURL != "" {
		cfg.CourierAPI.BaseURL = *apiURL
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	if err := run(cfg, log); err != nil {
		log.Error(context.Background(), "server exited", logging.Err(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		Exporter:    cfg.Tracing.Exporter,
		Endpoint:    cfg.Tracing.Endpoint,
		SampleRatio: cfg.Tracing.SampleRatio,
	}, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	var collector *observability.TrackerCollector
	if cfg.Metrics.Enabled {
		if collector, err = observability.NewTrackerCollector(nil); err != nil {
			return fmt.Errorf("init metrics: %w", err)
		}
	}

	if cfg.Auth.Secret == config.DevSecret {
		log.Warn(ctx, "using the built-in session secret; set AUTH_SECRET in production")
	}

	deps := web.Deps{
		Auth: auth.NewService(auth.Config{
			Username: cfg.Auth.Username,
			Password: cfg.Auth.Password,
			Secret:   cfg.Auth.Secret,
			TTL:      cfg.Auth.SessionTTL(),
			Secure:   cfg.Auth.SecureCookie,
		}),
		Fetcher: courier.NewHTTPFetcher(cfg.CourierAPI.BaseURL, cfg.CourierAPI.Timeout()),
		Session: tracking.SessionConfig{
			Scheduler: tracking.Options{
				Interval:     cfg.Polling.Interval(),
				RetryDelay:   cfg.Polling.RetryDelay(),
				FetchTimeout: cfg.CourierAPI.Timeout(),
				Metrics:      collector,
			},
			Icon: mapsync.Icon{
				URL:    cfg.Render.IconURL,
				Width:  cfg.Render.IconWidth,
				Height: cfg.Render.IconHeight,
			},
			PathStyle: mapsync.PathStyle{
				Color:     cfg.Render.PathColor,
				Weight:    cfg.Render.PathWeight,
				Opacity:   cfg.Render.PathOpacity,
				DashArray: cfg.Render.PathDashArray,
			},
		},
		Map: web.MapConfig{
			CenterLat:   cfg.Map.CenterLat,
			CenterLon:   cfg.Map.CenterLon,
			Zoom:        cfg.Map.Zoom,
			MaxZoom:     cfg.Map.MaxZoom,
			TileURL:     cfg.Map.TileURL,
			Attribution: cfg.Map.Attribution,
		},
		StaticDir: cfg.Server.StaticDir,
		Logger:    log,
	}
	if collector != nil {
		deps.Metrics = collector
		deps.MetricsHandler = collector.Handler()
		deps.MetricsPath = cfg.Metrics.Path
	}

	srv, err := web.NewServer(deps)
	if err != nil {
		return err
	}

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info(gctx, "server starting",
			logging.String("url", fmt.Sprintf("http://localhost:%d/", cfg.Server.Port)),
			logging.String("courier_api", cfg.CourierAPI.BaseURL),
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info(context.Background(), "shutdown initiated")

		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Warn(sctx, "viewer sessions did not drain", logging.Err(err))
		}
		if err := httpSrv.Shutdown(sctx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		log.Info(sctx, "HTTP server shut down")
		return nil
	})
	return g.Wait()
}
