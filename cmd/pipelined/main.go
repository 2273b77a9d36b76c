package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/quizfeed/quiz-pipeline/internal/analytics"
	"github.com/quizfeed/quiz-pipeline/internal/api"
	"github.com/quizfeed/quiz-pipeline/internal/artifacts"
	"github.com/quizfeed/quiz-pipeline/internal/auth"
	"github.com/quizfeed/quiz-pipeline/internal/collab"
	"github.com/quizfeed/quiz-pipeline/internal/pipeline"
	"github.com/quizfeed/quiz-pipeline/internal/refinement"
	"github.com/quizfeed/quiz-pipeline/internal/storage"
)

func main() {
	// Load configuration from environment
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	host := os.Getenv("HOST")
	if host == "" {
		host = "0.0.0.0"
	}

	dbPath := os.Getenv("PIPELINE_DB_PATH")
	if dbPath == "" {
		dbPath = "/var/lib/quiz-pipeline/pipeline.db"
	}

	// Initialize components
	store, err := storage.NewStore(dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize pipeline store: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("Failed to close pipeline store: %v", err)
		}
	}()

	artifactStore, err := artifacts.NewStore()
	if err != nil {
		log.Fatalf("Failed to initialize artifact store: %v", err)
	}

	collaborators, err := collab.NewClient()
	if err != nil {
		log.Fatalf("Failed to initialize collaborator client: %v", err)
	}

	authValidator, err := auth.NewValidator()
	if err != nil {
		log.Fatalf("Failed to initialize auth validator: %v", err)
	}

	driver := pipeline.NewDriver(store,
		pipeline.NewGenerateProcessor(store, collaborators, artifactStore),
		pipeline.NewRenderProcessor(collaborators, artifactStore),
		pipeline.NewAssembleProcessor(collaborators, artifactStore),
		pipeline.NewPublishProcessor(collaborators, artifactStore),
	)

	aggregator := analytics.NewAggregator(store, collaborators)
	engine := refinement.NewEngine(store)

	// Initialize Gin router
	router := gin.Default()
	router.Use(gin.Recovery())

	apiHandler := api.NewHandler(driver, store, aggregator, engine)
	api.SetupRoutes(router, apiHandler, authValidator.Middleware())

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%s", host, port),
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      120 * time.Second, // Trigger invocations are synchronous
		IdleTimeout:       60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Printf("Starting quiz-pipeline server on %s:%s", host, port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Give in-flight trigger invocations 30 seconds to complete
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}
