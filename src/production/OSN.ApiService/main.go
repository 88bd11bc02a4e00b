package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/opensensor-io/sensor-server/src/production/OSN.ApiService/controllers"
	authMiddleware "github.com/opensensor-io/sensor-server/src/production/OSN.ApiService/middleware"
	container "github.com/opensensor-io/sensor-server/src/production/OSN.Container"
)

func main() {
	// Initialize dependency injection container
	ctr, err := container.NewApiContainer()
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize container: %v", err))
	}
	defer ctr.Shutdown(context.Background())

	logger := ctr.GetLogger()
	logger.Info("Starting API Service")

	config := ctr.GetConfig()

	// Connect backing services up front so startup fails loudly
	userRepo, err := ctr.GetUserRepository()
	if err != nil {
		logger.FatalWithError(err, "Failed to initialize user repository")
	}
	readingRepo, err := ctr.GetReadingRepository()
	if err != nil {
		logger.FatalWithError(err, "Failed to initialize reading repository")
	}
	migrationRepo, err := ctr.GetMigrationRepository()
	if err != nil {
		logger.FatalWithError(err, "Failed to initialize migration repository")
	}

	// The request path reads the cutover flag; make sure the record exists.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := migrationRepo.EnsureMigration(ctx, config.Migration.Name); err != nil {
		cancel()
		logger.FatalWithError(err, "Failed to ensure migration record")
	}
	cancel()

	// Create auth middleware
	verifier := authMiddleware.NewJWTVerifier(&config.Auth)
	auth := authMiddleware.NewAuthMiddleware(verifier, userRepo, ctr.GetCache(), config.Auth.TokenCacheTTL)

	// Initialize Gin router
	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	// Configure CORS from config
	corsConfig := cors.Config{
		AllowOrigins:     config.CORS.AllowedOrigins,
		AllowMethods:     config.CORS.AllowedMethods,
		AllowHeaders:     config.CORS.AllowedHeaders,
		ExposeHeaders:    config.CORS.ExposedHeaders,
		AllowCredentials: config.CORS.AllowCredentials,
		MaxAge:           time.Duration(config.CORS.MaxAge) * time.Second,
	}
	router.Use(cors.New(corsConfig))

	// Create controllers and register routes
	readingController := controllers.NewReadingController(readingRepo, userRepo, logger, auth)
	deviceController := controllers.NewDeviceController(userRepo, logger, auth)
	healthController := controllers.NewHealthController(ctr)

	readingController.RegisterRoutes(router)
	deviceController.RegisterRoutes(router)
	healthController.RegisterRoutes(router)

	// Get port from configuration
	port := config.Server.Port

	// Create HTTP server with timeouts
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  config.Server.ReadTimeout,
		WriteTimeout: config.Server.WriteTimeout,
		IdleTimeout:  config.Server.IdleTimeout,
	}

	// Start HTTP server in a goroutine
	go func() {
		logger.Info("HTTP server starting on port " + port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.FatalWithError(err, "Failed to start HTTP server")
		}
	}()

	logger.Info("API service running... press Ctrl+C to stop")

	// Wait for shutdown signal
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("Shutting down...")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.ErrorWithError(err, "Server forced to shutdown")
	}
}
