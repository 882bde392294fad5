// streamer keeps one bar stream connection alive, aggregates it into a
// candle series, and optionally archives bars, mirrors snapshots to Redis,
// and serves a status API.
//
// Usage: go run ./cmd/streamer --config configs/streamer.example.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/barstream/internal/aggregator"
	"github.com/rickgao/barstream/internal/api"
	"github.com/rickgao/barstream/internal/auth"
	"github.com/rickgao/barstream/internal/cache"
	"github.com/rickgao/barstream/internal/config"
	"github.com/rickgao/barstream/internal/connection"
	"github.com/rickgao/barstream/internal/database"
	"github.com/rickgao/barstream/internal/recorder"
	"github.com/rickgao/barstream/internal/status"
	"github.com/rickgao/barstream/internal/version"
)

const (
	statsInterval   = time.Minute
	recorderTimeout = 10 * time.Second
)

func main() {
	configPath := flag.String("config", "configs/streamer.example.yaml", "path to config file")
	envFile := flag.String("env", ".env", "optional dotenv file loaded before the config")
	prompt := flag.String("prompt", "", "strategy agent prompt whose stream commands are sent once running")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to load env file", "path", *envFile, "error", err)
	}

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	logger.Info("starting streamer",
		"version", version.Version,
		"commit", version.Commit,
		"instance_id", cfg.Instance.ID,
		"config", *configPath,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *prompt, logger); err != nil {
		logger.Error("streamer failed", "error", err)
		os.Exit(1)
	}
	logger.Info("streamer stopped")
}

func run(ctx context.Context, cfg *config.Config, prompt string, logger *slog.Logger) error {
	tokens, err := auth.NewFromConfig(cfg.Auth)
	if err != nil {
		return err
	}

	client := connection.NewClient(clientConfig(cfg.Stream, tokens), logger)
	client.OnStatusChange(func(s connection.State) {
		logger.Info("connection state changed", "state", s)
	})

	agg := aggregator.New(aggregator.Options{
		SessionFilter:    cfg.Aggregator.SessionFilter,
		DefaultSessionID: cfg.Aggregator.DefaultSessionID,
		Logger:           logger,
	})
	defer agg.Attach(client)()

	g, gctx := errgroup.WithContext(ctx)

	// Bar archive
	var rec *recorder.Recorder
	if cfg.Recorder.Enabled {
		logger.Info("connecting to database",
			"host", cfg.Database.Timescale.Host,
			"port", cfg.Database.Timescale.Port,
			"database", cfg.Database.Timescale.Name,
		)
		pool, err := database.Connect(ctx, cfg.Database.Timescale)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := database.EnsureSchema(ctx, pool); err != nil {
			return err
		}

		rec = recorder.New(recorder.Config{
			BatchSize:     cfg.Recorder.BatchSize,
			FlushInterval: cfg.Recorder.FlushInterval,
			MaxPending:    cfg.Recorder.MaxPending,
		}, recorder.NewPgStore(pool), logger)
		defer rec.Attach(client)()

		if err := rec.Start(gctx); err != nil {
			return err
		}
		g.Go(func() error {
			<-gctx.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), recorderTimeout)
			defer cancel()
			return rec.Stop(stopCtx)
		})
	}

	// Snapshot mirror
	var pub *cache.Publisher
	if cfg.Redis.Enabled {
		rdb, err := cache.Connect(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer rdb.Close()

		pub = cache.NewPublisher(cache.NewRedisSink(rdb), cfg.Redis.KeyPrefix, logger)
		defer agg.Subscribe(pub.Offer)()
		g.Go(func() error { return pub.Run(gctx) })
	}

	// Status API
	if cfg.Status.Enabled {
		if cfg.Log.Level != "debug" {
			gin.SetMode(gin.ReleaseMode)
		}
		srv := status.NewServer(cfg.Status.Port, cfg.Status.AllowOrigins, status.Deps{
			Conn:   client,
			Sender: client,
			Stream: agg,
		}, logger)
		g.Go(func() error { return srv.Run(gctx) })
	}

	// A failed first dial is retried in the background.
	if err := client.Connect(gctx); err != nil {
		logger.Warn("initial connect failed, reconnecting in background", "error", err)
	}

	if prompt != "" {
		g.Go(func() error {
			runPrompt(gctx, cfg.Agent, prompt, client, logger)
			return nil
		})
	}

	g.Go(func() error {
		logStats(gctx, client, agg, rec, pub, logger)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		client.Disconnect()
		return nil
	})

	return g.Wait()
}

// runPrompt asks the strategy agent for stream commands and forwards them.
// Frames sent before the socket opens wait in the outbox.
func runPrompt(ctx context.Context, cfg config.AgentConfig, prompt string, sender api.RawSender, logger *slog.Logger) {
	if cfg.BaseURL == "" {
		logger.Warn("prompt given but agent.base_url is not set")
		return
	}

	agent := api.NewClientFromConfig(cfg, logger)

	resp, err := agent.RunAgent(ctx, prompt)
	if err != nil {
		logger.Error("strategy agent request failed", "error", err)
		return
	}

	n := api.ForwardStreams(sender, resp.Streams, logger)
	logger.Info("strategy agent replied",
		"streams", len(resp.Streams),
		"forwarded", n,
		"output", resp.FinalOutput,
	)
}

func logStats(ctx context.Context, client *connection.Client, agg *aggregator.Aggregator, rec *recorder.Recorder, pub *cache.Publisher, logger *slog.Logger) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cs := client.Stats()
		as := agg.Stats()
		attrs := []any{
			"state", cs.State,
			"queued", cs.Queued,
			"pending", cs.Pending,
			"reconnect_attempts", cs.ReconnectAttempts,
			"frames_received", as.FramesReceived,
			"frames_applied", as.FramesApplied,
			"parse_errors", as.ParseErrors,
		}
		if rec != nil {
			rs := rec.Stats()
			attrs = append(attrs, "bars_inserted", rs.Inserts, "bars_dropped", rs.Dropped, "recorder_errors", rs.Errors)
		}
		if pub != nil {
			ps := pub.Stats()
			attrs = append(attrs, "snapshots_written", ps.Written, "snapshots_coalesced", ps.Coalesced)
		}
		logger.Info("streamer stats", attrs...)
	}
}

func clientConfig(s config.StreamConfig, tokens connection.TokenProvider) connection.ClientConfig {
	return connection.ClientConfig{
		URL:               s.URL,
		Protocols:         s.Protocols,
		TokenProvider:     tokens,
		HeartbeatInterval: s.HeartbeatInterval,
		IdleTimeout:       s.IdleTimeout,
		ReconnectBaseWait: s.ReconnectBaseDelay,
		ReconnectMaxWait:  s.ReconnectMaxDelay,
		ReconnectJitter:   s.ReconnectJitter,
		RequestTimeout:    s.RequestTimeout,
		WriteTimeout:      s.WriteTimeout,
		HandshakeTimeout:  s.HandshakeTimeout,
		OutboxSize:        s.OutboxSize,
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
