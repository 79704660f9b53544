/*
Package main runs the market-data server.

The server keeps one authenticated real-time session to the brokerage, fans trade
quotes out to websocket clients and evaluates price conditions against the live
feed. Moving-average and trend-line conditions are recomputed from historical
candles on a schedule that follows their candle interval.

Configuration comes from the environment (and an optional .env file):

	KIWOOM_APP_KEY, KIWOOM_SECRET_KEY   required credentials
	KIWOOM_WS_URL, KIWOOM_API_URL        venue endpoints
	REDIS_ADDR                           share the access token through Redis
	CANDLE_API_URL                       historical candle service
	HTTP_ADDR, GRPC_ADDR                 listen addresses

Usage:

	go run ./cmd/server -connect

HTTP routes live under /api/v1; the gRPC listener only serves health checks, with
the "kiwoom" service reporting whether the venue session is up.
*/
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/StockTradingKSS/stock-trading-server-sub000/internal/api"
	"github.com/StockTradingKSS/stock-trading-server-sub000/internal/auth"
	"github.com/StockTradingKSS/stock-trading-server-sub000/internal/candles"
	"github.com/StockTradingKSS/stock-trading-server-sub000/internal/condition"
	"github.com/StockTradingKSS/stock-trading-server-sub000/internal/config"
	"github.com/StockTradingKSS/stock-trading-server-sub000/internal/exchange"
	"github.com/StockTradingKSS/stock-trading-server-sub000/internal/service"
	"github.com/StockTradingKSS/stock-trading-server-sub000/internal/trigger"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

const (
	venueHealthService = "kiwoom"
	healthPollInterval = 5 * time.Second
	shutdownTimeout    = 10 * time.Second
)

var (
	// connect opens the venue session at startup instead of on the first subscribe
	connect = flag.Bool("connect", false, "Connect to the venue at startup")
	// pretty switches to human-readable console logs
	pretty = flag.Bool("pretty", true, "Console log output")
)

func main() {
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	if *pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	level, _ := cfg.Level()
	zerolog.SetGlobalLevel(level)
	loc, _ := cfg.Location()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tokens, store, err := newTokenCache(cfg, loc)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up venue authentication")
	}

	broadcaster := service.NewBroadcaster(service.BroadcasterConfig{})
	if err := broadcaster.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start broadcaster")
	}

	mux := service.NewMultiplexer(tokens, broadcaster, service.MultiplexerConfig{
		Endpoint:          cfg.Kiwoom.WSURL,
		LoginTimeout:      cfg.Kiwoom.LoginTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		TLSInsecureSkip:   cfg.Kiwoom.TLSInsecureSkip,
	})
	if cfg.Kiwoom.TLSInsecureSkip {
		log.Warn().Msg("venue TLS certificate verification is disabled")
	}
	if err := mux.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start multiplexer")
	}
	if *connect {
		dialCtx, dialCancel := context.WithTimeout(ctx, 2*cfg.Kiwoom.LoginTimeout)
		if err := mux.EnsureConnected(dialCtx); err != nil {
			// subscribe calls retry the connection
			log.Warn().Err(err).Msg("initial venue connection failed")
		}
		dialCancel()
	}

	engine := trigger.NewEngine(mux)

	loader, err := candles.NewHTTPLoader(cfg.CandleAPIURL, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create candle loader")
	}
	scheduler := condition.NewScheduler(engine, loader, condition.Config{Location: loc})
	if err := scheduler.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start condition scheduler")
	}

	handler := api.NewHandler(mux, scheduler, api.Options{Location: loc})
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewRouter(handler),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		// quote streams are long-lived, so no WriteTimeout
	}

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to listen")
	}
	grpcServer := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle: 5 * time.Minute,
			MaxConnectionAge:  30 * time.Minute,
			Time:              20 * time.Second,
			Timeout:           10 * time.Second,
		}),
	)
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	var wg conc.WaitGroup
	wg.Go(func() { reportVenueHealth(ctx, healthServer, mux) })
	wg.Go(func() {
		if err := grpcServer.Serve(lis); err != nil {
			log.Error().Err(err).Msg("grpc server stopped")
		}
	})
	wg.Go(func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server stopped")
			cancel()
		}
	})

	log.Info().
		Str("http", cfg.HTTPAddr).
		Str("grpc", cfg.GRPCAddr).
		Str("venue", cfg.Kiwoom.WSURL).
		Bool("shared_token", cfg.RedisAddr != "").
		Msg("server starting")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	log.Info().Msg("initiating graceful shutdown")

	healthServer.Shutdown()
	scheduler.Close()
	engine.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}
	grpcServer.GracefulStop()

	// ending the broadcaster closes every open quote stream
	cancel()
	mux.Close()
	wg.Wait()
	if store != nil {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close token store")
		}
	}
	log.Info().Msg("server stopped")
}

// newTokenCache builds the OAuth token cache, shared through Redis when configured.
// The returned store is nil without Redis; the caller closes it on shutdown.
func newTokenCache(cfg *config.Config, loc *time.Location) (*auth.Cache, *auth.RedisStore, error) {
	issuer, err := exchange.NewOAuthIssuer(exchange.OAuthConfig{
		BaseURL:   cfg.Kiwoom.APIURL,
		AppKey:    cfg.Kiwoom.AppKey,
		SecretKey: cfg.Kiwoom.SecretKey,
		Location:  loc,
	})
	if err != nil {
		return nil, nil, err
	}

	cacheCfg := auth.CacheConfig{Margin: cfg.Kiwoom.TokenRefreshMargin}
	var store *auth.RedisStore
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		store = auth.NewRedisStore(client, cfg.RedisTokenKey)
		cacheCfg.Store = store
	}
	return auth.NewCache(issuer, cacheCfg), store, nil
}

// reportVenueHealth mirrors the venue connection state into the health server.
func reportVenueHealth(ctx context.Context, hs *health.Server, mux *service.Multiplexer) {
	ticker := time.NewTicker(healthPollInterval)
	defer ticker.Stop()

	for {
		status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
		if mux.Connected() {
			status = grpc_health_v1.HealthCheckResponse_SERVING
		}
		hs.SetServingStatus(venueHealthService, status)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
