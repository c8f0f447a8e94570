package main

import (
    "bufio"
    "net"
    "net/http"
    "os"
    "strconv"
    "time"

    "github.com/joho/godotenv"
    "github.com/prometheus/client_golang/prometheus/promhttp"
    "go.uber.org/zap"

    "rutanav/internal/api"
    "rutanav/internal/logging"
    "rutanav/internal/metrics"
)

func main() {
    _ = godotenv.Load()
    if err := logging.Init(os.Getenv("APP_ENV")); err != nil {
        panic(err)
    }
    defer logging.Close()
    log := logging.Named("api")

    metrics.RegisterDefault()

    srv, err := api.NewServer()
    if err != nil {
        log.Fatal("failed to init server", zap.Error(err))
    }

    mux := http.NewServeMux()

    // Routes
    mux.HandleFunc("/v1/routes", srv.RoutesIndexHandler)
    mux.HandleFunc("/v1/routes/", srv.RouteByIDHandler) // includes /accept, /start, /stops/{id}/deliver, /events/stream

    // Shipments and sales notes
    mux.HandleFunc("/v1/shipments", srv.ShipmentsHandler)
    mux.HandleFunc("/v1/shipments/", srv.ShipmentByIDHandler)
    mux.HandleFunc("/v1/sales-notes", srv.SalesNotesHandler)
    mux.HandleFunc("/v1/incidents", srv.IncidentsHandler)
    mux.HandleFunc("/v1/incidents/", srv.IncidentByIDHandler)

    // Checklist templates
    mux.HandleFunc("/v1/checklist-templates", srv.ChecklistTemplatesHandler)

    // Live tracking
    mux.HandleFunc("/tracking", srv.TrackingWSHandler)
    mux.HandleFunc("/v1/locations/active", srv.ActiveLocationsHandler)

    // Webhook subscriptions
    mux.HandleFunc("/v1/subscriptions", srv.SubscriptionsHandler)
    mux.HandleFunc("/v1/subscriptions/", srv.SubscriptionByIDHandler)

    // Health
    mux.HandleFunc("/healthz", srv.HealthHandler)
    mux.HandleFunc("/readyz", srv.ReadyHandler)
    mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

    // Admin
    mux.HandleFunc("/v1/admin/webhook-deliveries", srv.WebhookDeliveriesHandler)
    mux.HandleFunc("/v1/admin/webhook-deliveries/", srv.WebhookDeliveryRetryHandler)
    mux.HandleFunc("/v1/admin/routes/stats", srv.RouteStatsHandler)
    mux.HandleFunc("/v1/admin/sales-notes/backfill", srv.SalesNoteBackfillHandler)
    mux.HandleFunc("/v1/admin/debug", srv.DebugJSON)

    addr := ":8080"
    if v := os.Getenv("PORT"); v != "" {
        addr = ":" + v
    }

    httpSrv := &http.Server{
        Addr:              addr,
        Handler:           logMiddleware(log, mux),
        ReadHeaderTimeout: 5 * time.Second,
    }

    if srv.Pub != nil {
        worker := srv.NewWebhookWorker()
        worker.Start()
    }
    log.Info("API listening", zap.String("addr", addr))
    if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
        log.Fatal("server error", zap.Error(err))
    }
}

type statusWriter struct {
    http.ResponseWriter
    status int
}

func (w *statusWriter) WriteHeader(code int) {
    w.status = code
    w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
    if f, ok := w.ResponseWriter.(http.Flusher); ok {
        f.Flush()
    }
}

// Hijack is required for the websocket upgrade on /tracking.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
    h, ok := w.ResponseWriter.(http.Hijacker)
    if !ok {
        return nil, nil, http.ErrNotSupported
    }
    return h.Hijack()
}

func logMiddleware(log *zap.Logger, next http.Handler) http.Handler {
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        start := time.Now()
        sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
        next.ServeHTTP(sw, r)
        dur := time.Since(start)
        status := strconv.Itoa(sw.status)
        metrics.HTTPRequests.WithLabelValues(r.Method, r.URL.Path, status).Inc()
        metrics.HTTPDuration.WithLabelValues(r.Method, r.URL.Path, status).Observe(dur.Seconds())
        log.Debug("request",
            zap.String("method", r.Method),
            zap.String("path", r.URL.Path),
            zap.String("status", status),
            zap.Duration("duration", dur),
        )
    })
}
