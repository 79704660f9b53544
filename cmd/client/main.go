/*
Package main implements a command-line client for the market-data server.

It opens the quote stream for the given codes and logs every quote and heartbeat
until interrupted. With -health it instead asks the gRPC health service whether
the server's venue session is up and exits.

Usage:

	go run ./cmd/client -addr=localhost:8080 -codes=005930,000660
	go run ./cmd/client -grpc=localhost:50051 -health
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/StockTradingKSS/stock-trading-server-sub000/internal/api"
	"github.com/StockTradingKSS/stock-trading-server-sub000/internal/utils"
	"github.com/StockTradingKSS/stock-trading-server-sub000/internal/websocket"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
)

var (
	// serverAddr is the HTTP address of the server
	serverAddr = flag.String("addr", "localhost:8080", "The server HTTP address in the format host:port")
	// grpcAddr is used only with -health
	grpcAddr = flag.String("grpc", "localhost:50051", "The server gRPC address in the format host:port")
	// codes are the instrument codes to stream
	codes = flag.String("codes", "005930", "Comma-separated list of instrument codes")
	// checkHealth switches to a one-shot health check
	checkHealth = flag.Bool("health", false, "Check venue health over gRPC and exit")
)

func main() {
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		Level(zerolog.InfoLevel).With().Timestamp().Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info().Msg("received shutdown signal")
		cancel()
	}()

	if *checkHealth {
		status, err := venueHealth(ctx, *grpcAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("health check failed")
		}
		log.Info().Str("status", status.String()).Msg("venue health")
		if status != grpc_health_v1.HealthCheckResponse_SERVING {
			os.Exit(1)
		}
		return
	}

	codeList := utils.SplitCodes(*codes)
	if err := utils.ValidateCodes(codeList, 100); err != nil {
		log.Fatal().Err(err).Msg("configuration error")
	}
	if *serverAddr == "" {
		log.Fatal().Msg("server address cannot be empty")
	}

	endpoint := url.URL{
		Scheme:   "ws",
		Host:     *serverAddr,
		Path:     "/api/v1/quotes/stream",
		RawQuery: url.Values{"codes": {strings.Join(codeList, ",")}}.Encode(),
	}

	log.Info().Strs("codes", codeList).Msg("subscribing")

	client, err := websocket.NewWebsocketClient(ctx, websocket.Config{
		Endpoint: endpoint.String(),
		Handler: func(data []byte, _ websocket.Replier) error {
			var msg api.StreamMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				return fmt.Errorf("decode stream message: %w", err)
			}
			if msg.Quote == nil {
				log.Debug().Time("at", msg.At).Msg("heartbeat")
				return nil
			}
			q := msg.Quote
			log.Info().
				Str("code", q.Code).
				Str("price", q.CurrentPrice).
				Str("change", q.PriceChange).
				Str("rate", q.ChangeRate).
				Str("volume", q.CumulativeVolume).
				Str("trade_time", q.TradeTime).
				Msg("received quote")
			return nil
		},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("could not subscribe")
	}
	defer client.Close()

	select {
	case <-ctx.Done():
	case <-client.DisconnectChan():
		select {
		case err := <-client.ErrChan():
			log.Warn().Err(err).Msg("stream ended")
		default:
			log.Info().Msg("stream has closed")
		}
	}
}

// venueHealth queries the "kiwoom" health service.
func venueHealth(ctx context.Context, addr string) (grpc_health_v1.HealthCheckResponse_ServingStatus, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return grpc_health_v1.HealthCheckResponse_UNKNOWN, err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	resp, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: "kiwoom"})
	if err != nil {
		return grpc_health_v1.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}
