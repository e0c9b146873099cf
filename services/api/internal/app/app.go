package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"bookclub/internal/metrics"
	"bookclub/internal/util"
	"bookclub/pkg/events"
	"bookclub/pkg/storage"
	"bookclub/pkg/store"
)

const (
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"

	defaultCoverMaxBytes = 5 << 20
	defaultObjectBaseURL = "http://localhost:9000/bookclub"
)

// Config holds runtime configuration for the core application.
type Config struct {
	StorageDriver string
	DatabaseURL   string
	AutoMigrate   bool

	RedisAddr     string
	RedisPassword string

	JWTSecret   string
	JWTIssuer   string
	JWTAudience string
	JWTLeeway   time.Duration
	SessionTTL  time.Duration

	Minio         storage.MinioConfig
	ObjectBaseURL string
	CoverMaxBytes int64

	AMQPURL      string
	AMQPExchange string

	LoanPeriod time.Duration

	// Optional pre-built dependencies, mainly for tests.
	Store    store.Store
	Sessions store.SessionStore
	Objects  storage.ObjectStore
	Events   events.Publisher
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

// App is the core application service wiring together storage, sessions,
// object storage and activity events.
type App struct {
	store         store.Store
	sessions      store.SessionStore
	objects       storage.ObjectStore
	events        events.Publisher
	metrics       *metrics.Metrics
	redis         *redis.Client
	coverMaxBytes int64
	loanPeriod    time.Duration
	now           func() time.Time
}

// New constructs the application, building any dependency not supplied in
// cfg from its connection settings.
func New(cfg Config) (*App, error) {
	a := &App{
		store:         cfg.Store,
		sessions:      cfg.Sessions,
		objects:       cfg.Objects,
		events:        cfg.Events,
		metrics:       cfg.Metrics,
		coverMaxBytes: cfg.CoverMaxBytes,
		loanPeriod:    cfg.LoanPeriod,
		now:           cfg.Now,
	}
	if a.coverMaxBytes <= 0 {
		a.coverMaxBytes = defaultCoverMaxBytes
	}
	if a.now == nil {
		a.now = time.Now
	}
	if a.metrics == nil {
		a.metrics = metrics.New()
	}

	if a.store == nil {
		dataStore, err := openStore(cfg)
		if err != nil {
			return nil, err
		}
		a.store = dataStore
	}

	if a.sessions == nil {
		var revoker store.TokenRevoker = store.NewMemoryTokenRevoker()
		if strings.TrimSpace(cfg.RedisAddr) != "" {
			a.redis = redis.NewClient(&redis.Options{
				Addr:     cfg.RedisAddr,
				Password: cfg.RedisPassword,
			})
			revoker = store.NewRedisTokenRevoker(a.redis)
		}
		sessions, err := store.NewJWTSessionStore(cfg.JWTSecret, cfg.SessionTTL, revoker, store.JWTOptions{
			Issuer:   cfg.JWTIssuer,
			Audience: cfg.JWTAudience,
			Leeway:   cfg.JWTLeeway,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("init jwt session store: %w", err)
		}
		a.sessions = sessions
	}

	if a.objects == nil {
		if strings.TrimSpace(cfg.Minio.Endpoint) != "" {
			objects, err := storage.NewMinioStore(cfg.Minio)
			if err != nil {
				a.Close()
				return nil, fmt.Errorf("init object storage: %w", err)
			}
			a.objects = objects
		} else {
			baseURL := cfg.ObjectBaseURL
			if baseURL == "" {
				baseURL = defaultObjectBaseURL
			}
			a.objects = storage.NewMemoryStore(baseURL)
		}
	}

	if a.events == nil {
		if strings.TrimSpace(cfg.AMQPURL) != "" {
			publisher, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
			if err != nil {
				a.Close()
				return nil, fmt.Errorf("init event publisher: %w", err)
			}
			a.events = publisher
		} else {
			a.events = events.NopPublisher{}
		}
	}
	return a, nil
}

func openStore(cfg Config) (store.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.StorageDriver)) {
	case StorageDriverMemory:
		return store.NewMemoryStore(), nil
	case "", StorageDriverPostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		dataStore, err := store.NewGormStore(cfg.DatabaseURL, store.WithAutoMigrate(cfg.AutoMigrate))
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		return dataStore, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}
}

// Metrics returns the instrumentation shared with the HTTP layer.
func (a *App) Metrics() *metrics.Metrics {
	return a.metrics
}

// Health describes storage connectivity.
type Health struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Database  map[string]string `json:"database"`
}

// Healthy reports whether every dependency is reachable.
func (h Health) Healthy() bool {
	for _, state := range h.Database {
		if state != "connected" {
			return false
		}
	}
	return true
}

// Health pings the store and, when configured, Redis.
func (a *App) Health(ctx context.Context) Health {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	h := Health{
		Status:    "Server is running",
		Timestamp: a.now().UTC(),
		Database:  map[string]string{"store": "connected"},
	}
	if err := a.store.Ping(ctx); err != nil {
		h.Database["store"] = "disconnected"
	}
	if a.redis != nil {
		h.Database["redis"] = "connected"
		if err := a.redis.Ping(ctx).Err(); err != nil {
			h.Database["redis"] = "disconnected"
		}
	}
	return h
}

// Close releases every connection the app owns.
func (a *App) Close() error {
	var errs []error
	if a.events != nil {
		errs = append(errs, a.events.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}

// publish records a successful lifecycle operation. Delivery failures are
// logged and never fail the caller.
func (a *App) publish(ctx context.Context, e events.Event) {
	e.ID = util.NewID()
	e.OccurredAt = a.now().UTC()
	e.RequestID = util.RequestIDFromContext(ctx)
	a.metrics.BookEvent(e.Type)
	if err := a.events.Publish(context.WithoutCancel(ctx), e); err != nil {
		a.metrics.EventPublishFailed()
		util.LoggerFromContext(ctx).Warn("event publish failed", "type", e.Type, "book_id", e.BookID, "err", err)
	}
}

// CoverMaxBytes is the largest accepted cover upload.
func (a *App) CoverMaxBytes() int64 {
	return a.coverMaxBytes
}
