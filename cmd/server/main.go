/*
Package main implements a gRPC server streaming live range bars.

The server subscribes to trade feeds from Binance, Coinbase and OKX (and
optionally OKX top-of-book quotes), builds range bars for every pair and
threshold, publishes completed bars to Redis and Postgres when configured,
and serves them to gRPC subscribers.

Usage:

	go run ./cmd/server -config=rangebar.toml -symbols=BTC-USDT,ETH-USDT -thresholds=250,1000

Flags override the matching config file keys, which in turn can be
overridden by RANGEBAR_* environment variables.
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"rangebar/internal/config"
	"rangebar/internal/exchange"
	"rangebar/internal/logging"
	"rangebar/internal/rpc"
	"rangebar/internal/service"
	"rangebar/internal/sink"
	"rangebar/internal/stream"
	"rangebar/internal/utils"
)

// Command-line flags. Empty values keep the configured setting.
var (
	configPath = flag.String("config", "", "Path to a TOML config file")
	addr       = flag.String("port", "", "The server address, e.g. :50051")
	symbols    = flag.String("symbols", "", "Comma-separated list of symbols")
	thresholds = flag.String("thresholds", "", "Comma-separated thresholds in 0.1bp units, e.g. 250,1000")
	snapshot   = flag.Duration("snapshot", -1, "Interval for incomplete bar snapshots, 0 disables")
)

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		// logging is not configured yet
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sinks, err := newSinks(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise sinks")
	}
	defer func() {
		if err := sinks.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close sinks")
		}
	}()

	aggregator, err := newAggregator(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create aggregator")
	}

	dispatcher := service.NewDispatcher(service.DispatcherConfig{
		MaxSymbolsAllowed: cfg.Server.MaxSymbols,
		SubscriberBuffer:  cfg.Server.SubscriberBuffer,
	})

	writers := make([]service.BarWriter, 0, len(sinks))
	for _, s := range sinks {
		writers = append(writers, s)
	}
	barService := service.NewRangeBarService(dispatcher, aggregator, writers...)

	if err := barService.Start(ctx, cfg.Stream.Pairs); err != nil {
		log.Fatal().Err(err).Msg("failed to start range bar service")
	}
	defer barService.Stop()

	lis, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to listen")
	}

	s := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle: 5 * time.Minute,
			MaxConnectionAge:  30 * time.Minute,
			Time:              20 * time.Second,
			Timeout:           10 * time.Second,
		}),
	)
	rpc.RegisterRangeBarServiceServer(s, barService)

	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(s, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(rpc.ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	go reportStats(ctx, aggregator, dispatcher)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info().Msg("initiating graceful shutdown")
		healthServer.Shutdown()
		cancel()
		s.GracefulStop()
	}()

	log.Info().
		Str("addr", cfg.Server.Addr).
		Strs("symbols", cfg.Stream.Pairs).
		Strs("exchanges", cfg.Stream.Exchanges).
		Ints("thresholds", cfg.Stream.Thresholds).
		Int("sinks", len(sinks)).
		Msg("server starting")

	if err := s.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		log.Error().Err(err).Msg("failed to serve")
	}
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, err
	}

	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *symbols != "" {
		pairs, err := utils.ParsePairs(*symbols, cfg.Server.MaxSymbols)
		if err != nil {
			return nil, fmt.Errorf("invalid symbols: %w", err)
		}
		cfg.Stream.Pairs = pairs
	}
	if *thresholds != "" {
		ths, err := utils.ParseThresholds(*thresholds)
		if err != nil {
			return nil, fmt.Errorf("invalid thresholds: %w", err)
		}
		cfg.Stream.Thresholds = ths
	}
	if *snapshot >= 0 {
		cfg.Stream.SnapshotInterval = config.Duration{Duration: *snapshot}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := utils.ValidatePairs(cfg.Stream.Pairs, cfg.Server.MaxSymbols); err != nil {
		return nil, fmt.Errorf("invalid symbols: %w", err)
	}
	return cfg, nil
}

// newAggregator creates one connector per configured exchange.
func newAggregator(cfg *config.Config) (*stream.Aggregator, error) {
	exCfg := &exchange.ExchangeConfig{MaxSymbols: cfg.Server.MaxSymbols, Reconnect: true}

	connectors := make([]stream.ExchangeConnector, 0, len(cfg.Stream.Exchanges))
	for _, name := range cfg.Stream.Exchanges {
		var (
			c   stream.ExchangeConnector
			err error
		)
		switch name {
		case "binance":
			c, err = exchange.NewBinanceConnector(exCfg)
		case "coinbase":
			c, err = exchange.NewCoinbaseConnector(exCfg)
		case "okx":
			c, err = exchange.NewOkxConnector(exCfg)
		case "okx-quotes":
			c, err = exchange.NewOkxQuoteConnector(exCfg)
		default:
			err = fmt.Errorf("unknown exchange %q", name)
		}
		if err != nil {
			return nil, fmt.Errorf("%s connector: %w", name, err)
		}
		connectors = append(connectors, c)
	}

	return stream.NewAggregator(connectors, stream.Config{
		Thresholds:       cfg.Stream.Thresholds,
		SnapshotInterval: cfg.Stream.SnapshotInterval.Duration,
	})
}

// newSinks connects the enabled bar sinks.
func newSinks(ctx context.Context, cfg *config.Config) (sink.Multi, error) {
	var sinks sink.Multi

	if cfg.Redis.Enabled {
		r, err := sink.NewRedisSink(ctx, sink.RedisConfig{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			TLSEnabled:   cfg.Redis.TLSEnabled,
			Prefix:       cfg.Redis.Prefix,
			StreamMaxLen: cfg.Redis.StreamMaxLen,
		})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, r)
	}

	if cfg.Postgres.Enabled {
		p, err := sink.NewPostgresSink(ctx, sink.PostgresConfig{
			DSN:           cfg.Postgres.DSN,
			MaxConns:      cfg.Postgres.MaxConns,
			BatchSize:     cfg.Postgres.BatchSize,
			FlushInterval: cfg.Postgres.FlushInterval.Duration,
		})
		if err != nil {
			_ = sinks.Close()
			return nil, err
		}
		sinks = append(sinks, p)
	}

	return sinks, nil
}

// reportStats periodically logs pipeline counters.
func reportStats(ctx context.Context, agg *stream.Aggregator, d *service.Dispatcher) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			accepted, dropped, rejected := agg.Stats()
			log.Info().
				Int64("accepted", accepted).
				Int64("dropped", dropped).
				Int64("rejected", rejected).
				Int64("slow_client_drops", d.Dropped()).
				Msg("pipeline stats")
		}
	}
}
