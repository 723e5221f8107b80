package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/maragf/claude-relay/internal/account"
	"github.com/maragf/claude-relay/internal/api"
	"github.com/maragf/claude-relay/internal/auth"
	"github.com/maragf/claude-relay/internal/config"
	"github.com/maragf/claude-relay/internal/crypto"
	"github.com/maragf/claude-relay/internal/health"
	"github.com/maragf/claude-relay/internal/notifications"
	"github.com/maragf/claude-relay/internal/ratelimit"
	"github.com/maragf/claude-relay/internal/secrets"
	"github.com/maragf/claude-relay/internal/telemetry"
	"github.com/maragf/claude-relay/internal/toolcall"
	"github.com/maragf/claude-relay/internal/translate"
	upstreamapi "github.com/maragf/claude-relay/internal/upstream/api"
	upstreamweb "github.com/maragf/claude-relay/internal/upstream/web"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	slog.Info("starting claude-relay", "addr", cfg.Addr, "version", "0.1.0")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.SecretsName != "" {
		if err := loadSecrets(ctx, cfg); err != nil {
			slog.Error("failed to load secrets", "name", cfg.SecretsName, "error", err)
			os.Exit(1)
		}
	}

	shutdownTelemetry, err := telemetry.Init(ctx, "claude-relay", cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}

	var enc *crypto.Encryptor
	if cfg.EncryptionKey != "" {
		if enc, err = crypto.NewEncryptor(cfg.EncryptionKey); err != nil {
			slog.Error("invalid encryption key", "error", err)
			os.Exit(1)
		}
	}

	store, closeStore, err := openStore(ctx, cfg, enc)
	if err != nil {
		slog.Error("failed to open credential store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	if cfg.AccountsFile != "" {
		if err := seedAccounts(ctx, store, cfg.AccountsFile); err != nil {
			slog.Error("failed to seed accounts", "file", cfg.AccountsFile, "error", err)
			os.Exit(1)
		}
	}

	pool := account.NewPool(store)
	if err := pool.Load(ctx); err != nil {
		slog.Error("failed to load account pool", "error", err)
		os.Exit(1)
	}

	var notifier health.Notifier
	if cfg.SNSTopicARN != "" {
		sns, err := notifications.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.SNSTopicARN)
		if err != nil {
			slog.Error("failed to create sns notifier", "error", err)
			os.Exit(1)
		}
		notifier = sns
		slog.Info("health notifications enabled", "topic", cfg.SNSTopicARN)
	}

	healthCfg := health.DefaultConfig()
	healthCfg.DefaultQuotaWindow = cfg.QuotaWindow
	healthCfg.SweepInterval = cfg.SweepInterval
	tracker := health.NewTracker(pool, healthCfg, notifier)
	go tracker.Start(ctx)

	coord := toolcall.NewCoordinator(toolcall.Config{
		MaxHeldSessions: cfg.MaxToolSessions,
		HoldTimeout:     cfg.ToolCallTimeout,
		IdleLimit:       cfg.SessionIdleLimit,
		SweepInterval:   cfg.SweepInterval,
	})
	go coord.Start(ctx)

	apiClient := upstreamapi.NewClient(cfg.APIBaseURL)
	webClient := upstreamweb.NewClient(cfg.WebBaseURL)

	webTranslator := translate.NewWebTranslator(webClient, coord)
	webTranslator.PreserveConversations = cfg.PreserveChats

	var rateLimiter ratelimit.RateLimiter
	if cfg.RedisURL != "" {
		rateLimiter, err = ratelimit.NewRedisRateLimiter(cfg.RedisURL)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		slog.Info("using redis rate limiter")
	} else {
		rateLimiter = ratelimit.NewInMemoryRateLimiter()
		slog.Info("using in-memory rate limiter")
	}

	keyring := auth.NewKeyring(splitKeys(cfg.RelayAPIKeys), cfg.AdminKeyHash)

	handler := api.NewHandler(api.HandlerConfig{
		Pool:    pool,
		Tracker: tracker,
		Translators: []translate.Translator{
			translate.NewAPITranslator(apiClient, pool),
			webTranslator,
		},
		Coordinator:  coord,
		Keyring:      keyring,
		RateLimiter:  rateLimiter,
		RateLimitRPM: cfg.RateLimitRPM,
	})

	srv := &http.Server{
		Addr:        cfg.Addr,
		Handler:     handler,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	cancel()
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown failed", "error", err)
	}

	slog.Info("server stopped")
}

// openStore picks the credential store backend: postgres when a DSN is
// configured, then redis, then process memory.
func openStore(ctx context.Context, cfg *config.Config, enc *crypto.Encryptor) (account.Store, func(), error) {
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		store := account.NewPostgresStore(db, enc)
		if err := store.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		slog.Info("using postgres credential store")
		return store, func() { db.Close() }, nil
	}

	if cfg.RedisURL != "" {
		store, err := account.NewRedisStore(cfg.RedisURL, enc)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("using redis credential store")
		return store, func() { store.Close() }, nil
	}

	slog.Info("using in-memory credential store")
	return account.NewInMemoryStore(), func() {}, nil
}

// seedAccounts merges accounts from a JSON file into the store, so a
// fresh deployment can start from a checked-in credential manifest.
func seedAccounts(ctx context.Context, store account.Store, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var accounts []*account.Account
	if err := json.Unmarshal(data, &accounts); err != nil {
		return err
	}

	for _, a := range accounts {
		if a.Health == "" {
			a.Health = account.HealthActive
		}
		if err := store.SaveAccount(ctx, a); err != nil {
			return err
		}
	}
	slog.Info("seeded accounts from file", "file", path, "accounts", len(accounts))
	return nil
}

// relaySecrets is the Secrets Manager payload shape.
type relaySecrets struct {
	DatabaseURL   string `json:"database_url"`
	RedisURL      string `json:"redis_url"`
	EncryptionKey string `json:"encryption_key"`
	RelayAPIKeys  string `json:"relay_api_keys"`
	AdminKeyHash  string `json:"admin_key_hash"`
}

func loadSecrets(ctx context.Context, cfg *config.Config) error {
	loader, err := secrets.NewLoader(ctx, cfg.AWSRegion)
	if err != nil {
		return err
	}

	var s relaySecrets
	if err := loader.FetchJSON(ctx, cfg.SecretsName, &s); err != nil {
		return err
	}

	if s.DatabaseURL != "" {
		cfg.DatabaseURL = s.DatabaseURL
	}
	if s.RedisURL != "" {
		cfg.RedisURL = s.RedisURL
	}
	if s.EncryptionKey != "" {
		cfg.EncryptionKey = s.EncryptionKey
	}
	if s.RelayAPIKeys != "" {
		cfg.RelayAPIKeys = s.RelayAPIKeys
	}
	if s.AdminKeyHash != "" {
		cfg.AdminKeyHash = s.AdminKeyHash
	}
	slog.Info("configuration loaded from secrets manager", "name", cfg.SecretsName)
	return nil
}

func splitKeys(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
