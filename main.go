package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"time"

	alarmapp "fleetwatch/internal/alarms/application"
	alarmrepo "fleetwatch/internal/alarms/infrastructure/postgres"
	alarmhttp "fleetwatch/internal/alarms/interfaces/http"
	"fleetwatch/internal/auth"
	fleetrepo "fleetwatch/internal/fleet/infrastructure/postgres"
	"fleetwatch/internal/observability/metrics"
	telemetryrepo "fleetwatch/internal/telemetry/infrastructure/postgres"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg := loadConfig()
	logger := log.New(os.Stdout, "", log.LstdFlags)

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("db open error: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.Fatalf("db ping error: %v", err)
	}

	metrics.Init(db, logger)

	engineCfg, err := alarmapp.LoadEngineConfig()
	if err != nil {
		logger.Fatalf("engine config error: %v", err)
	}

	telemetry := telemetryrepo.NewTelemetryAccessor(db)
	registry := fleetrepo.NewFleetRegistry(db)
	history := alarmrepo.NewAlarmHistoryRepository(db)
	stateRepo := alarmrepo.NewEvalStateRepository(db)

	resolver, err := alarmapp.NewResolver(registry)
	if err != nil {
		logger.Fatalf("resolver error: %v", err)
	}
	evaluator, err := alarmapp.NewEvaluator(telemetry)
	if err != nil {
		logger.Fatalf("evaluator error: %v", err)
	}
	previewer, err := alarmapp.NewPreviewer(resolver, evaluator)
	if err != nil {
		logger.Fatalf("previewer error: %v", err)
	}
	statsEngine, err := alarmapp.NewStatsEngine(resolver, telemetry, alarmapp.WithStatsMinSamples(engineCfg.StatsMinSamples))
	if err != nil {
		logger.Fatalf("stats engine error: %v", err)
	}

	ruleStore := alarmapp.NewRuleStore()
	broker := alarmhttp.NewSSEBroker()
	scheduler, err := alarmapp.NewScheduler(ruleStore, resolver, evaluator, history, logger,
		alarmapp.WithNotifier(broker),
		alarmapp.WithStateStore(stateRepo),
		alarmapp.WithMinTick(engineCfg.MinTick()),
		alarmapp.WithWorkers(engineCfg.Workers),
	)
	if err != nil {
		logger.Fatalf("scheduler error: %v", err)
	}
	if err := scheduler.Restore(context.Background()); err != nil {
		logger.Fatalf("scheduler restore error: %v", err)
	}
	go scheduler.Start(context.Background())

	ruleHandler, err := alarmhttp.NewHandler(ruleStore, previewer, statsEngine, scheduler, history)
	if err != nil {
		logger.Fatalf("alarm rules handler error: %v", err)
	}

	policy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, nil)
	authMiddleware := auth.NewMiddleware([]byte(cfg.JWTSecret), policy)

	mux := http.NewServeMux()
	mux.Handle("/api/v1/alarm-rules", ruleHandler)
	mux.Handle("/api/v1/alarm-rules/", ruleHandler)
	mux.Handle("/api/v1/alarms/stream", alarmhttp.NewStreamHandler(broker))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: loggingMiddleware(authMiddleware.Wrap(mux), logger)}
	logger.Printf("http listening on %s", cfg.HTTPAddr)
	logger.Fatal(server.ListenAndServe())
}

type config struct {
	DatabaseURL string
	HTTPAddr    string
	JWTSecret   string
}

func loadConfig() config {
	cfg := config{
		DatabaseURL: getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", "")),
		HTTPAddr:    getenvDefault("HTTP_ADDR", ":8080"),
		JWTSecret:   getenvDefault("AUTH_JWT_SECRET", getenvDefault("JWT_SECRET", "")),
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL or PG_DSN is required")
	}
	if cfg.JWTSecret == "" {
		log.Fatal("AUTH_JWT_SECRET is required")
	}
	return cfg
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func loggingMiddleware(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Printf("http %s %s %d %s", r.Method, r.URL.Path, resp.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
