// Command chatterboard is the main entrypoint for the mention leaderboard API
// and background workers. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Optionally migrates the legacy Redis score log (MIGRATE_LEGACY=1).
//   - Starts the chat mention monitor when bot credentials are present.
//   - Exposes the HTTP API with /leaderboard, /single, /exists, /mention,
//     /healthz, /readyz, and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"

	"github.com/onnwee/chatterboard/chat"
	"github.com/onnwee/chatterboard/config"
	"github.com/onnwee/chatterboard/db"
	"github.com/onnwee/chatterboard/leaderboard"
	"github.com/onnwee/chatterboard/legacy"
	"github.com/onnwee/chatterboard/server"
	"github.com/onnwee/chatterboard/telemetry"
	"github.com/onnwee/chatterboard/tenantcache"
	"github.com/onnwee/chatterboard/twitchapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	var handler slog.Handler
	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("chatterboard", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// DB
	database, err := db.Connect()
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.Migrate(context.Background(), database); err != nil {
		slog.Error("failed to migrate db", slog.Any("err", err))
		os.Exit(1)
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Helix enrichment client. Requires app credentials; without them the
	// leaderboard still serves, just with placeholder identities.
	var helix *twitchapi.Client
	if err := cfg.ValidateHelixReady(); err == nil {
		helix = &twitchapi.Client{
			ClientID: cfg.TwitchClientID,
			AppTokenSource: &twitchapi.TokenSource{
				ClientID:     cfg.TwitchClientID,
				ClientSecret: cfg.TwitchClientSecret,
			},
		}
		// Best-effort early token fetch so credential problems surface at startup.
		tokCtx, cancel := context.WithTimeout(ctx, 8*time.Second)
		if tok, err := helix.AppTokenSource.Get(tokCtx); err != nil {
			slog.Warn("twitch app token fetch failed", slog.Any("err", err))
		} else if len(tok) > 6 {
			slog.Info("twitch app token acquired", slog.String("tail", "***"+tok[len(tok)-6:]))
		}
		cancel()
	} else {
		slog.Warn("helix disabled, profile enrichment off", slog.Any("reason", err))
	}

	store := leaderboard.NewStore(database)
	var enricher leaderboard.Enricher
	if helix != nil {
		enricher = helix
	}
	service := leaderboard.NewService(store, enricher)

	// Tenant roster cache
	var tenants *tenantcache.Cache
	if cfg.ChannelListURL != "" {
		tenants = tenantcache.New(tenantcache.HTTPLineSource(cfg.ChannelListURL, &http.Client{Timeout: 10 * time.Second}), cfg.ChannelCacheTTL)
		if err := tenants.Refresh(ctx); err != nil {
			slog.Warn("initial tenant roster fetch failed", slog.Any("err", err))
		}
	} else {
		slog.Warn("CHANNEL_LIST_URL not set; tenant roster empty")
		tenants = tenantcache.New(func(context.Context) ([]string, error) { return nil, nil }, cfg.ChannelCacheTTL)
	}

	// One-shot legacy migration when requested
	if os.Getenv("MIGRATE_LEGACY") == "1" {
		if cfg.RedisAddr == "" || helix == nil {
			slog.Error("legacy migration needs REDIS_ADDR and helix credentials")
			os.Exit(1)
		}
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := legacy.NewMigrator(rdb, store, helix).Run(ctx); err != nil {
			slog.Error("legacy migration failed", slog.Any("err", err))
			os.Exit(1)
		}
		if err := rdb.Close(); err != nil {
			slog.Warn("redis close failed", slog.Any("err", err))
		}
	}

	// Chat mention monitor
	if err := cfg.ValidateChatReady(); err == nil && helix != nil {
		monitor := chat.NewMonitor(cfg.TwitchBotUsername, cfg.TwitchOAuthToken, service, helix, tenants)
		go func() {
			if err := monitor.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("chat monitor stopped", slog.Any("err", err))
			}
		}()
	} else {
		slog.Info("chat monitor disabled", slog.Any("reason", err))
	}

	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	slog.Info("http server starting", slog.String("addr", addr))
	if err := server.Start(ctx, service, tenants, addr); err != nil {
		slog.Error("http server exited", slog.Any("err", err))
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}
