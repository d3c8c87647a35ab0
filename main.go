package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	_ "github.com/jackc/pgx/v5/stdlib"

	"charge-cloud/internal/auth"
	"charge-cloud/internal/config"
	detectapp "charge-cloud/internal/detect/application"
	detectrepo "charge-cloud/internal/detect/infrastructure/postgres"
	detecthttp "charge-cloud/internal/detect/interfaces/http"
	"charge-cloud/internal/export"
	"charge-cloud/internal/health"
	ingestapp "charge-cloud/internal/ingest/application"
	ingestrepo "charge-cloud/internal/ingest/infrastructure/postgres"
	"charge-cloud/internal/observability/metrics"
	pricingapp "charge-cloud/internal/pricing/application"
	"charge-cloud/internal/pricing/infrastructure/energidataservice"
	pricingrepo "charge-cloud/internal/pricing/infrastructure/postgres"
	pricinghttp "charge-cloud/internal/pricing/interfaces/http"
	sessionapp "charge-cloud/internal/session/application"
	sessionrepo "charge-cloud/internal/session/infrastructure/postgres"
	sessionhttp "charge-cloud/internal/session/interfaces/http"
	"charge-cloud/internal/vehicle"
)

func main() {
	_ = godotenv.Load()

	cfg := loadConfig()
	logger := log.New(os.Stdout, "", log.LstdFlags)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pipeline, err := config.Load()
	if err != nil {
		logger.Fatalf("config error: %v", err)
	}

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("db open error: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.Fatalf("db ping error: %v", err)
	}
	if err := createTables(db); err != nil {
		logger.Fatalf("db bootstrap error: %v", err)
	}

	client, err := vehicle.NewClient(cfg.VehicleAPIURL, cfg.VehicleAPIToken)
	if err != nil {
		logger.Fatalf("vehicle client error: %v", err)
	}

	vin := cfg.VIN
	if vin == "" {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		vins, err := client.ListVINs(ctx)
		cancel()
		if err != nil || len(vins) == 0 {
			logger.Fatalf("vin discovery error: %v (set VIN to skip discovery)", err)
		}
		vin = vins[0]
		logger.Printf("discovered vehicle %s", vin)
	}

	monitor, err := health.NewMonitor(health.Config{
		QuietWarn:      pipeline.Thresholds.QuietWarn,
		QuietReconnect: pipeline.Thresholds.QuietReconnect,
		BackoffBase:    pipeline.BackoffBase,
		BackoffCap:     pipeline.BackoffCap,
		RetryBudget:    pipeline.ReconnectBudget,
	}, time.Now().UTC(), logger)
	if err != nil {
		logger.Fatalf("health monitor error: %v", err)
	}
	metrics.Init(func() float64 {
		return monitor.LastEventAge(time.Now().UTC()).Seconds()
	})

	rawLogRepo := ingestrepo.NewRawLogRepository(db)
	eventRepo := detectrepo.NewEventRepository(db)
	sessionStore := sessionrepo.NewSessionRepository(db)
	priceRepo := pricingrepo.NewPriceRepository(db)

	ingestor, err := ingestapp.NewIngestor(client, monitor, rawLogRepo, vin, logger)
	if err != nil {
		logger.Fatalf("ingestor error: %v", err)
	}

	detector, err := detectapp.NewService(eventRepo, eventRepo, eventRepo, pipeline.Thresholds, systemClock{}, logger)
	if err != nil {
		logger.Fatalf("detector error: %v", err)
	}

	aggregator, err := sessionapp.NewAggregator(eventRepo, sessionStore, sessionapp.Config{
		HomeLatitude:  pipeline.HomeLatitude,
		HomeLongitude: pipeline.HomeLongitude,
		ChargePowerKW: pipeline.ChargePowerKW,
	}, logger)
	if err != nil {
		logger.Fatalf("aggregator error: %v", err)
	}

	spotClient, err := energidataservice.NewClient(pipeline.SpotPriceArea)
	if err != nil {
		logger.Fatalf("spot client error: %v", err)
	}
	pricer, err := pricingapp.NewService(priceRepo, spotClient, logger)
	if err != nil {
		logger.Fatalf("pricing service error: %v", err)
	}

	detectHandler, err := detecthttp.NewTriggerHandler(detector, vin, logger)
	if err != nil {
		logger.Fatalf("detect handler error: %v", err)
	}
	aggregateHandler, err := sessionhttp.NewTriggerHandler(aggregator, vin, logger)
	if err != nil {
		logger.Fatalf("aggregate handler error: %v", err)
	}
	priceHandler, err := pricinghttp.NewTriggerHandler(pricer, vin, logger)
	if err != nil {
		logger.Fatalf("pricing handler error: %v", err)
	}
	listHandler, err := sessionhttp.NewListHandler(sessionStore, vin, logger)
	if err != nil {
		logger.Fatalf("session list handler error: %v", err)
	}
	xlsxHandler, err := export.NewHandler(sessionStore, vin, export.FormatXLSX, logger)
	if err != nil {
		logger.Fatalf("xlsx export handler error: %v", err)
	}
	pdfHandler, err := export.NewHandler(sessionStore, vin, export.FormatPDF, logger)
	if err != nil {
		logger.Fatalf("pdf export handler error: %v", err)
	}

	// On SIGTERM ctx cancels: the ingestor flushes delivered messages and
	// closes the upstream stream before Run returns.
	ingestDone := make(chan struct{})
	go func() {
		defer close(ingestDone)
		if err := ingestor.Run(ctx); err != nil {
			logger.Fatalf("ingest stopped: %v", err)
		}
	}()

	go runPipeline(ctx, cfg.PipelineInterval, logger, func(ctx context.Context) {
		if _, err := detector.Run(ctx, vin); err != nil {
			logger.Printf("detect tick error: %v", err)
		}
		if _, err := aggregator.Run(ctx, vin); err != nil {
			logger.Printf("aggregate tick error: %v", err)
		}
	})
	go runPipeline(ctx, cfg.PricingInterval, logger, func(ctx context.Context) {
		if _, err := pricer.AnnotateAll(ctx, vin); err != nil {
			logger.Printf("pricing tick error: %v", err)
		}
	})

	policy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, nil)
	authMiddleware := auth.NewMiddleware([]byte(cfg.JWTSecret), policy)

	router := mux.NewRouter()
	router.Handle("/api/v1/detect", detectHandler).Methods(http.MethodPost)
	router.Handle("/api/v1/aggregate", aggregateHandler).Methods(http.MethodPost)
	router.Handle("/api/v1/prices/update", priceHandler).Methods(http.MethodPost)
	router.Handle("/api/v1/sessions", listHandler).Methods(http.MethodGet)
	router.Handle("/api/v1/exports/sessions.xlsx", xlsxHandler).Methods(http.MethodGet)
	router.Handle("/api/v1/exports/sessions.pdf", pdfHandler).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler())
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		now := time.Now().UTC()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":                 "ok",
			"connection":             monitor.State().String(),
			"last_event_age_seconds": monitor.LastEventAge(now).Seconds(),
		})
	})

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: loggingMiddleware(authMiddleware.Wrap(router), logger)}
	go func() {
		<-ctx.Done()
		logger.Printf("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Printf("http shutdown error: %v", err)
		}
	}()

	logger.Printf("http listening on %s", cfg.HTTPAddr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalf("http server error: %v", err)
	}
	<-ingestDone
	logger.Printf("shutdown complete")
}

func runPipeline(ctx context.Context, every time.Duration, logger *log.Logger, tick func(ctx context.Context)) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tickCtx, cancel := context.WithTimeout(ctx, every)
			tick(tickCtx)
			cancel()
		}
	}
}

type appConfig struct {
	DatabaseURL      string
	HTTPAddr         string
	VehicleAPIURL    string
	VehicleAPIToken  string
	VIN              string
	JWTSecret        string
	PipelineInterval time.Duration
	PricingInterval  time.Duration
}

func loadConfig() appConfig {
	cfg := appConfig{
		DatabaseURL:      getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", "")),
		HTTPAddr:         getenvDefault("HTTP_ADDR", ":8080"),
		VehicleAPIURL:    getenvDefault("VEHICLE_API_URL", ""),
		VehicleAPIToken:  getenvDefault("VEHICLE_API_TOKEN", ""),
		VIN:              getenvDefault("VIN", ""),
		JWTSecret:        getenvDefault("AUTH_JWT_SECRET", getenvDefault("JWT_SECRET", "")),
		PipelineInterval: getenvDuration("PIPELINE_INTERVAL", time.Minute),
		PricingInterval:  getenvDuration("PRICING_INTERVAL", time.Hour),
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL or PG_DSN is required")
	}
	if cfg.VehicleAPIURL == "" {
		log.Fatal("VEHICLE_API_URL is required")
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

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
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

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
