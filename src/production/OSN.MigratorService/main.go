package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	container "github.com/opensensor-io/sensor-server/src/production/OSN.Container"
	"github.com/opensensor-io/sensor-server/src/production/OSN.MigratorService/migrator"
)

func main() {
	// Initialize dependency injection container
	ctr, err := container.NewMigratorContainer()
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize container: %v", err))
	}
	defer ctr.Shutdown(context.Background())

	logger := ctr.GetLogger()
	logger.Info("Starting Migrator Service")

	db, err := ctr.GetDatabase()
	if err != nil {
		logger.FatalWithError(err, "Failed to get database connection")
	}
	migrationRepo, err := ctr.GetMigrationRepository()
	if err != nil {
		logger.FatalWithError(err, "Failed to initialize migration repository")
	}

	config := ctr.GetConfig()

	// Cancel the run on SIGINT/SIGTERM; the next run resumes where the
	// upserts left off.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Warn("Shutdown signal received, stopping migration")
		cancel()
	}()

	m := migrator.New(db, migrationRepo, &config.Migration, logger)
	if err := m.Run(ctx); err != nil {
		logger.FatalWithError(err, "Migration failed")
	}

	logger.Info("Migrator service finished")
}
