package api

import (
    "os"
    "strings"

    "go.uber.org/zap"

    "rutanav/internal/auth"
    "rutanav/internal/checklist"
    "rutanav/internal/logging"
    "rutanav/internal/store"
    "rutanav/internal/webhooks"
)

type Server struct {
    Store     store.Store
    Templates *checklist.Registry
    Pub       *webhooks.Publisher
    Auth      *auth.Verifier
    Broker    EventBroker
    Locations *LocationCache
    log       *zap.Logger
}

// NewServer creates a Server. If DATABASE_URL is unset, uses in-memory store.
func NewServer() (*Server, error) {
    tpls, err := checklist.Load(os.Getenv("CHECKLIST_TEMPLATES"))
    if err != nil {
        return nil, err
    }
    dsn := os.Getenv("DATABASE_URL")
    var s store.Store
    if strings.TrimSpace(dsn) == "" {
        s = store.NewMemory(tpls)
    } else {
        sp, err := store.NewPostgres(dsn, tpls)
        if err != nil {
            return nil, err
        }
        // Run migrations (dev helper)
        if os.Getenv("DB_MIGRATE") != "false" {
            if err := sp.MigrateDir("db/migrations"); err != nil {
                logging.Named("store").Warn("migrations failed", zap.Error(err))
            }
        }
        s = sp
    }
    // Broker selection
    var broker EventBroker
    if os.Getenv("REDIS_URL") != "" {
        if rb, err := NewRedisBroker(); err == nil { broker = rb } else { broker = NewBroker() }
    } else {
        broker = NewBroker()
    }
    return &Server{
        Store:     s,
        Templates: tpls,
        Pub:       webhooks.NewPublisher(s),
        Auth:      auth.NewVerifierFromEnv(),
        Broker:    broker,
        Locations: NewLocationCache(),
        log:       logging.Named("api"),
    }, nil
}

// NewWebhookWorker creates a background worker for webhook deliveries.
func (s *Server) NewWebhookWorker() *webhooks.Worker {
    return webhooks.NewWorker(s.Store)
}
