package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kenneth256/neurolearn-ai-sub000/internal/api"
	"github.com/kenneth256/neurolearn-ai-sub000/internal/config"
	"github.com/kenneth256/neurolearn-ai-sub000/internal/db"
	"github.com/kenneth256/neurolearn-ai-sub000/internal/queue"
	"github.com/kenneth256/neurolearn-ai-sub000/internal/services"
	"github.com/kenneth256/neurolearn-ai-sub000/internal/storage"
	"github.com/kenneth256/neurolearn-ai-sub000/internal/worker"
)

func main() {
	log.Println("Starting NeuroLearn video service...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Connect to database
	database, err := db.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()
	log.Println("Connected to database")

	// Connect to Redis queue
	queueCfg := queue.DefaultConfig()
	queueCfg.Attempts = cfg.JobAttempts
	queueCfg.BackoffBase = cfg.JobBackoffBase
	queueCfg.RateLimitMax = int64(cfg.RateLimitMax)
	queueCfg.RateLimitWindow = cfg.RateLimitWindow

	q, err := queue.New(cfg.RedisURL, queueCfg)
	if err != nil {
		log.Fatalf("Failed to connect to queue: %v", err)
	}
	defer q.Close()
	log.Println("Connected to Redis queue")

	// Initialize services
	compilerSvc := services.NewCompilerService(cfg.TempDir)
	stor := storage.New(cfg.StorageURL, cfg.StorageServiceKey, cfg.StorageBucket, compilerSvc)
	log.Println("Initialized object storage")

	// Create API handler
	handler := api.NewHandler(database, q)
	router := api.NewRouter(handler, api.RouterConfig{
		BackendAPIKey:      cfg.BackendAPIKey,
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
	})

	if cfg.BackendAPIKey != "" {
		log.Println("API key authentication enabled")
	} else {
		log.Println("WARNING: No BACKEND_API_KEY set — API is unprotected (dev mode)")
	}

	// Start HTTP server
	server := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: router,
	}

	// Start worker if enabled
	var workerCtx context.Context
	var workerCancel context.CancelFunc
	if cfg.WorkerEnabled {
		log.Println("Worker enabled, starting background processing...")

		generatorSvc := services.NewGeneratorService(cfg.GeneratorBaseURL, cfg.GeneratorAPIKey)

		w := worker.New(database, q, stor, generatorSvc, compilerSvc, worker.Config{
			Concurrency:  cfg.MaxConcurrentJobs,
			PollAttempts: cfg.GeneratorPollAttempts,
			PollInterval: cfg.GeneratorPollInterval,
			AspectRatio:  cfg.AspectRatio,
		})

		// Start worker in background
		workerCtx, workerCancel = context.WithCancel(context.Background())
		go w.Start(workerCtx)
	}

	// Start server in goroutine
	go func() {
		log.Printf("API server listening on :%s", cfg.APIPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Shutdown worker
	if workerCancel != nil {
		workerCancel()
	}

	// Shutdown HTTP server
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}
