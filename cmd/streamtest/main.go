// streamtest connects to a bar stream, starts one stream, and prints the
// aggregated series to the console.
// Usage: go run ./cmd/streamtest --url ws://localhost:8000/ws --symbol BTC/USD --tf 1m
//
// With --prompt the start command comes from the strategy agent instead:
//
//	go run ./cmd/streamtest --url ws://localhost:8000/ws --agent-url http://localhost:8000 --prompt "stream BTC hourly"
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rickgao/barstream/internal/aggregator"
	"github.com/rickgao/barstream/internal/api"
	"github.com/rickgao/barstream/internal/auth"
	"github.com/rickgao/barstream/internal/connection"
	"github.com/rickgao/barstream/internal/model"
)

func main() {
	wsURL := flag.String("url", "ws://localhost:8000/ws", "stream WebSocket endpoint")
	symbol := flag.String("symbol", "BTC/USD", "symbol to stream")
	tf := flag.String("tf", api.DefaultTimeframe, "timeframe (e.g. 1m, 1h, 1d)")
	asset := flag.String("asset", api.DefaultAssetType, "asset type")
	start := flag.String("start", "", "RFC 3339 backlog start (default now)")
	token := flag.String("token", os.Getenv("STREAM_TOKEN"), "optional bearer token")
	prompt := flag.String("prompt", "", "ask the strategy agent for stream commands instead of building one")
	agentURL := flag.String("agent-url", "http://localhost:8000", "strategy agent base URL")
	verbose := flag.Bool("verbose", false, "print every raw frame")
	flag.Parse()

	// Setup logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := connection.DefaultClientConfig()
	cfg.URL = *wsURL
	if *token != "" {
		cfg.TokenProvider = auth.Static(*token)
	}
	client := connection.NewClient(cfg, logger)
	client.OnStatusChange(func(s connection.State) {
		fmt.Printf("[STATUS] %s\n", s)
	})

	if *verbose {
		client.SubscribeRaw(func(msg connection.TimestampedMessage) {
			fmt.Printf("[RAW] %s %s\n", msg.ReceivedAt.Format(time.TimeOnly), msg.Data)
		})
	}

	agg := aggregator.New(aggregator.Options{Logger: logger})
	agg.Attach(client)
	agg.Subscribe(printSnapshot)

	if err := client.Connect(ctx); err != nil {
		logger.Warn("initial connect failed, reconnecting in background", "error", err)
	}

	if *prompt != "" {
		agent := api.NewClient(*agentURL, os.Getenv("AGENT_API_KEY"),
			api.WithLogger(logger),
			api.WithUserAgent("barstream-streamtest"),
		)
		resp, err := agent.RunAgent(ctx, *prompt)
		if err != nil {
			logger.Error("strategy agent request failed", "error", err)
			os.Exit(1)
		}
		fmt.Printf("[AGENT] %s\n", resp.FinalOutput)
		n := api.ForwardStreams(client, resp.Streams, logger)
		logger.Info("forwarded agent stream commands", "forwarded", n)
	} else {
		cmd := api.BuildStartStream(api.StartStreamParams{
			Symbol:    *symbol,
			AssetType: *asset,
			Timeframe: *tf,
			Start:     *start,
		})
		if err := client.SendRaw(cmd); err != nil {
			logger.Error("failed to send start_stream", "error", err)
			os.Exit(1)
		}
		logger.Info("start_stream sent", "symbol", cmd.Symbol, "tf", cmd.Tf, "start", cmd.Start)
	}

	// Stats printer
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cs := client.Stats()
				as := agg.Stats()
				logger.Info("stats",
					"state", cs.State,
					"queued", cs.Queued,
					"frames_received", as.FramesReceived,
					"frames_applied", as.FramesApplied,
					"mismatched", as.Mismatched,
					"parse_errors", as.ParseErrors,
				)
			}
		}
	}()

	logger.Info("streaming started - press Ctrl+C to stop")

	<-ctx.Done()

	logger.Info("shutting down...")
	client.Disconnect()
	logger.Info("shutdown complete")
}

func printSnapshot(snap model.Snapshot) {
	if snap.Meta == nil {
		fmt.Println("[SERIES] reset")
		return
	}
	c, ok := snap.Latest()
	if !ok {
		fmt.Printf("[SERIES] %s %s session=%s (no candles)\n",
			snap.Meta.Symbol, snap.Meta.Timeframe, snap.Meta.SessionID)
		return
	}
	fmt.Printf("[SERIES] %s %s candles=%d last=%s o=%g h=%g l=%g c=%g v=%g\n",
		snap.Meta.Symbol, snap.Meta.Timeframe, len(snap.Candles),
		time.Unix(c.Time, 0).UTC().Format(time.RFC3339),
		c.Open, c.High, c.Low, c.Close, c.Volume)
}
