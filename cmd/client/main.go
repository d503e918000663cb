/*
Package main implements a gRPC client for subscribing to live range bars.

The client connects to the range bar server, subscribes to the given pairs
and optional exchange and threshold filters, and logs every bar it receives
until interrupted.

Usage:

	go run ./cmd/client -addr=localhost:50051 -symbols=BTC-USDT,ETH-USDT -thresholds=250
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"rangebar/internal/logging"
	"rangebar/internal/rpc"
	"rangebar/internal/timestamp"
	"rangebar/internal/utils"
)

// Command-line flags for the connection and the subscription.
var (
	serverAddr = flag.String("addr", "localhost:50051", "The server address in the format host:port")
	symbols    = flag.String("symbols", "BTC-USDT,ETH-USDT,SOL-USDT", "Comma-separated list of symbols to subscribe to")
	exchanges  = flag.String("exchanges", "", "Comma-separated list of exchanges, empty for all")
	thresholds = flag.String("thresholds", "", "Comma-separated thresholds in 0.1bp units, empty for all")
	incomplete = flag.Bool("incomplete", false, "Also receive snapshots of bars under construction")
	logFormat  = flag.String("log-format", "console", "Log format: console or json")
)

func main() {
	flag.Parse()

	if err := logging.Setup("info", *logFormat); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	req, err := buildRequest()
	if err != nil {
		log.Fatal().Err(err).Msg("Configuration error")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info().Msg("received shutdown signal")
		cancel()
	}()

	conn, err := grpc.NewClient(*serverAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatal().Err(err).Msg("did not connect")
	}
	defer conn.Close()

	client := rpc.NewRangeBarServiceClient(conn)

	log.Info().
		Strs("symbols", req.Pairs).
		Strs("exchanges", req.Exchanges).
		Ints("thresholds", req.Thresholds).
		Msg("Subscribing")

	stream, err := client.Subscribe(ctx, req)
	if err != nil {
		log.Fatal().Err(err).Msg("could not subscribe")
	}

	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			log.Info().Msg("stream has closed")
			return
		}
		if status.Code(err) == codes.Canceled {
			return
		}
		if err != nil {
			log.Fatal().Err(err).Msg("failed to receive bar")
		}

		b := msg.Bar
		log.Info().
			Str("exchange", msg.Exchange).
			Str("pair", msg.Pair).
			Int("threshold", msg.ThresholdUnits).
			Bool("incomplete", msg.Incomplete).
			Str("open_time", timestamp.ToTime(b.OpenTime).Format(time.RFC3339Nano)).
			Str("close_time", timestamp.ToTime(b.CloseTime).Format(time.RFC3339Nano)).
			Str("open", b.Open.String()).
			Str("high", b.High.String()).
			Str("low", b.Low.String()).
			Str("close", b.Close.String()).
			Str("volume", b.Volume.String()).
			Str("vwap", b.VWAP.String()).
			Int64("trades", b.TradeCount).
			Msg("Range bar")
	}
}

// buildRequest validates the flags and turns them into a subscription.
func buildRequest() (*rpc.SubscribeRequest, error) {
	if *serverAddr == "" {
		return nil, errors.New("server address cannot be empty")
	}
	pairs, err := utils.ParsePairs(*symbols, 100)
	if err != nil {
		return nil, err
	}

	req := &rpc.SubscribeRequest{Pairs: pairs, IncludeIncomplete: *incomplete}
	for _, e := range strings.Split(*exchanges, ",") {
		if e = strings.TrimSpace(e); e != "" {
			req.Exchanges = append(req.Exchanges, strings.ToLower(e))
		}
	}
	if *thresholds != "" {
		if req.Thresholds, err = utils.ParseThresholds(*thresholds); err != nil {
			return nil, err
		}
	}
	return req, nil
}
