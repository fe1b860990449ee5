package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/healthbridge/ahi-uploader/internal/batch"
	"github.com/healthbridge/ahi-uploader/internal/config"
	"github.com/healthbridge/ahi-uploader/internal/credentials"
	"github.com/healthbridge/ahi-uploader/internal/dicom"
	"github.com/healthbridge/ahi-uploader/internal/handlers"
	"github.com/healthbridge/ahi-uploader/internal/importer"
	"github.com/healthbridge/ahi-uploader/internal/models"
	"github.com/healthbridge/ahi-uploader/internal/storage"
	"github.com/healthbridge/ahi-uploader/internal/tracing"
)

func main() {
	log.Println("Starting AHI uploader service...")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	log.Printf("Service: %s, Port: %s", cfg.ServiceName, cfg.ServicePort)

	// Initialize OpenTelemetry tracing
	shutdownTracer, err := tracing.InitTracer(cfg.ServiceName, cfg.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	// Credential provider backed by the session-validation endpoint.
	// Constructed once and injected everywhere that needs credentials.
	httpClient := &http.Client{
		Timeout:   15 * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	provider := credentials.NewProvider(
		cfg.ValidateEndpoint,
		cfg.SessionCookieName,
		cfg.SessionCookieValue,
		httpClient,
	)

	// Study registry and aggregator
	registry := dicom.NewRegistry()
	aggregator := dicom.NewAggregator(registry)

	// Initialize the Redis status cache and republish every snapshot
	log.Println("Connecting to Redis...")
	statusCache, err := storage.NewStatusCache(cfg.GetRedisAddr(), cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		log.Fatalf("Failed to initialize status cache: %v", err)
	}
	defer statusCache.Close()
	log.Println("Status cache initialized")

	registry.Subscribe(func(studies []*models.Study) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := statusCache.SetSnapshot(ctx, studies); err != nil {
			log.Printf("Warning: failed to cache snapshot: %v", err)
		}
	})

	// Initialize the MySQL import ledger
	log.Println("Connecting to MySQL...")
	ledger, err := storage.NewImportLedger(cfg.GetDSN())
	if err != nil {
		log.Fatalf("Failed to initialize import ledger: %v", err)
	}
	defer ledger.Close()
	log.Println("Import ledger initialized")

	// Batch orchestrator: uploader and importer are rebuilt per run so
	// refreshed session credentials take effect.
	newUploader := func(appCfg models.AppConfig, creds models.SigningCredentials) (batch.Uploader, error) {
		return storage.NewObjectStore(cfg.S3Endpoint, appCfg.Region, appCfg.SourceBucketName, creds, cfg.S3UseSSL)
	}
	retryPolicy := importer.RetryPolicy{
		MaxAttempts: cfg.ImportMaxAttempts,
		Delay:       cfg.GetImportRetryDelay(),
	}
	newImporter := func(region string) batch.Importer {
		return importer.NewClient(provider, region, retryPolicy)
	}
	orchestrator := batch.NewOrchestrator(provider, registry, newUploader, newImporter, ledger, cfg.StrictUploads)

	// Initialize handlers
	ingestHandler := handlers.NewIngestHandler(registry, aggregator, cfg.SpoolDir)
	studyHandler := handlers.NewStudyHandler(registry, orchestrator, ledger)

	// Setup HTTP router
	router := mux.NewRouter()

	// Health check endpoint (no tracing needed)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	// API routes with tracing
	api := router.PathPrefix("/api").Subrouter()
	api.Handle("/scan", otelhttp.NewHandler(http.HandlerFunc(ingestHandler.Scan), "POST /api/scan")).Methods("POST")
	api.Handle("/files", otelhttp.NewHandler(http.HandlerFunc(ingestHandler.Files), "POST /api/files")).Methods("POST")
	api.Handle("/studies", otelhttp.NewHandler(http.HandlerFunc(studyHandler.List), "GET /api/studies")).Methods("GET")
	api.Handle("/studies/{study_uid}/select", otelhttp.NewHandler(http.HandlerFunc(studyHandler.Select), "POST /api/studies/{study_uid}/select")).Methods("POST")
	api.Handle("/upload", otelhttp.NewHandler(http.HandlerFunc(studyHandler.Upload), "POST /api/upload")).Methods("POST")
	api.Handle("/reset", otelhttp.NewHandler(http.HandlerFunc(studyHandler.Reset), "POST /api/reset")).Methods("POST")
	api.Handle("/imports", otelhttp.NewHandler(http.HandlerFunc(studyHandler.Imports), "GET /api/imports")).Methods("GET")

	// Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.ServicePort,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Printf("Server listening on port %s", cfg.ServicePort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}
