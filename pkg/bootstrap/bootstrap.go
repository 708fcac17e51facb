// Package bootstrap wires configuration, logging and the shared service
// dependencies for the server binary.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"

	shared "github.com/vitalsync/server/pkg"
	"github.com/vitalsync/server/pkg/bus"
	fsstore "github.com/vitalsync/server/pkg/infrastructure/firestore"
	"github.com/vitalsync/server/pkg/secrets"
	"github.com/vitalsync/server/pkg/storage"
)

// Config holds standard configuration for the server, read from environment
// variables once at startup. Validation failures here are fatal; nothing else
// in the system treats configuration as recoverable.
type Config struct {
	ProjectID     string
	EnablePublish bool
	ListenAddr    string

	MaxConcurrency     int64
	RateLimitPerMinute int
	QueueBuffer        int
	SyncInterval       time.Duration

	AnonymousMode     bool
	IdentityProviders []string
	TokenAudience     string

	GoogleFitClientID     string
	GoogleFitClientSecret string
	GoogleFitRedirectURL  string

	SentryDSN string
}

// Service holds initialized dependencies.
type Service struct {
	Users   shared.UserStore
	Cursors shared.CursorStore
	Bus     bus.Emitter
	Secrets shared.SecretStore
	Config  *Config
}

// LoadConfig reads configuration from environment variables.
func LoadConfig() (*Config, error) {
	projectID := os.Getenv("GOOGLE_CLOUD_PROJECT")
	if projectID == "" {
		projectID = shared.ProjectID // Fallback
	}

	// Static OAuth client credentials resolve through the env-backed secret
	// store. Absence surfaces in validate below.
	env := &secrets.EnvStore{}
	clientID, _ := env.GetSecret(context.Background(), "googlefit-client-id")
	clientSecret, _ := env.GetSecret(context.Background(), "googlefit-client-secret")

	cfg := &Config{
		ProjectID:             projectID,
		EnablePublish:         os.Getenv("ENABLE_PUBLISH") == "true",
		ListenAddr:            envOr("LISTEN_ADDR", ":8080"),
		MaxConcurrency:        int64(envInt("MAX_CONCURRENCY", 10)),
		RateLimitPerMinute:    envInt("RATE_LIMIT_PER_MINUTE", 300),
		QueueBuffer:           envInt("QUEUE_BUFFER", 256),
		SyncInterval:          envDuration("SYNC_INTERVAL", time.Hour),
		AnonymousMode:         os.Getenv("ANONYMOUS_MODE") == "true",
		TokenAudience:         os.Getenv("TOKEN_AUDIENCE"),
		GoogleFitClientID:     clientID,
		GoogleFitClientSecret: clientSecret,
		GoogleFitRedirectURL:  os.Getenv("GOOGLEFIT_REDIRECT_URL"),
		SentryDSN:             os.Getenv("SENTRY_DSN"),
	}

	if providers := os.Getenv("IDENTITY_PROVIDERS"); providers != "" {
		for _, p := range strings.Split(providers, ",") {
			if p = strings.TrimSpace(p); p != "" {
				cfg.IdentityProviders = append(cfg.IdentityProviders, p)
			}
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if !c.AnonymousMode && len(c.IdentityProviders) == 0 {
		return fmt.Errorf("config: IDENTITY_PROVIDERS is required unless ANONYMOUS_MODE=true")
	}
	if c.GoogleFitClientID == "" || c.GoogleFitClientSecret == "" {
		return fmt.Errorf("config: GOOGLEFIT_CLIENT_ID and GOOGLEFIT_CLIENT_SECRET are required")
	}
	if c.GoogleFitRedirectURL == "" {
		return fmt.Errorf("config: GOOGLEFIT_REDIRECT_URL is required")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// GetSlogHandlerOptions returns standard handler options for GCP.
func GetSlogHandlerOptions(level slog.Level) *slog.HandlerOptions {
	return &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Map standard keys to Cloud Logging keys
			if a.Key == slog.MessageKey {
				return slog.Attr{Key: "message", Value: a.Value}
			}
			if a.Key == slog.LevelKey {
				return slog.Attr{Key: "severity", Value: a.Value}
			}
			return a
		},
	}
}

// NewLogger creates a configured logger instance. LOG_LEVEL selects the
// level; the default is info.
func NewLogger(serviceName string) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, GetSlogHandlerOptions(level))
	return slog.New(handler).With("service", serviceName)
}

// NewService initializes all standard dependencies. With ENABLE_PUBLISH=true
// the real Firestore and Pub/Sub backends are used; otherwise everything runs
// against in-memory stores and a log-only emitter for local development.
func NewService(ctx context.Context, cfg *Config, logger *slog.Logger) (*Service, error) {
	svc := &Service{Config: cfg}

	if cfg.EnablePublish {
		fsClient, err := firestore.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("firestore init: %w", err)
		}
		store := fsstore.NewStore(fsClient)
		svc.Users = store
		svc.Cursors = store
		// Refresh credentials must survive restarts, so the secret store is
		// durable whenever the user store is.
		svc.Secrets = store

		psClient, err := pubsub.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub init: %w", err)
		}
		svc.Bus = bus.NewPubSubEmitter(psClient, "//vitalsync/server")
		logger.Info("Backends: REAL (ENABLE_PUBLISH=true)", "project_id", cfg.ProjectID)
	} else {
		svc.Users = storage.NewMemoryUserStore()
		svc.Cursors = storage.NewMemoryCursorStore()
		svc.Secrets = secrets.NewMemoryStore()
		svc.Bus = &bus.LogEmitter{Logger: logger}
		logger.Info("Backends: MOCK (in-memory stores, log emitter)")
	}

	return svc, nil
}
