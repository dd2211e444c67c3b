package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"courier-map/internal/config"
	"courier-map/internal/logging"
	"courier-map/internal/simulator"
)

var (
	configPath = flag.String("config", "", "Path to config.yml (defaults apply when empty)")
	httpPort   = flag.Int("port", 0, "HTTP port, overrides mock.port")
	redisAddr  = flag.String("redis", "", "Redis address; couriers are kept in memory when empty")
	couriers   = flag.Int("couriers", 0, "Number of simulated couriers, overrides mock.couriers")
	seed       = flag.Int64("seed", 0, "Random seed, zero for time-based")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *httpPort != 0 {
		cfg.Mock.Port = *httpPort
	}
	if *redisAddr != "" {
		cfg.Mock.RedisAddr = *redisAddr
	}
	if *couriers != 0 {
		cfg.Mock.Couriers = *couriers
	}
	if *seed != 0 {
		cfg.Mock.Seed = *seed
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format}).
		With(logging.String("service", "courier-mock"))
	if err := run(cfg.Mock, log); err != nil {
		log.Error(context.Background(), "mock exited", logging.Err(err))
		os.Exit(1)
	}
}

func run(cfg config.MockConfig, log logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg.RedisAddr, log)
	if err != nil {
		return err
	}
	defer closeStore()

	sim, err := simulator.New(simulator.Config{
		Couriers: cfg.Couriers,
		Speed:    cfg.Speed,
		Step:     cfg.Step(),
		Seed:     cfg.Seed,
		Logger:   log,
	}, store)
	if err != nil {
		return err
	}
	app := simulator.NewApp(store, simulator.APIConfig{}, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sim.Run(gctx) })
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.Port)
		log.Info(gctx, "courier API listening", logging.String("addr", addr))
		return app.Listen(addr)
	})
	g.Go(func() error {
		<-gctx.Done()
		return app.ShutdownWithTimeout(5 * time.Second)
	})
	return g.Wait()
}

func openStore(ctx context.Context, addr string, log logging.Logger) (simulator.Store, func(), error) {
	if addr == "" {
		return simulator.NewMemoryStore(), func() {}, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	store := simulator.NewRedisStore(rdb)
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := store.Ping(pctx); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	log.Info(ctx, "courier state kept in redis", logging.String("addr", addr))
	return store, func() { _ = rdb.Close() }, nil
}
