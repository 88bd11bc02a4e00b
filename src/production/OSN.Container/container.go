package container

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	cache "github.com/opensensor-io/sensor-server/src/production/OSN.Cache"
	config "github.com/opensensor-io/sensor-server/src/production/OSN.Config"
	logger "github.com/opensensor-io/sensor-server/src/production/OSN.Logger"
	implementation "github.com/opensensor-io/sensor-server/src/production/OSN.Repository/Implementation"
	interfaces "github.com/opensensor-io/sensor-server/src/production/OSN.Repository/Interfaces"
)

// Container manages dependencies and their lifecycle
type Container struct {
	config *config.Config
	logger *logger.Logger

	mongoClient *mongo.Client
	database    *mongo.Database
	cache       *cache.Cache

	userRepo      interfaces.UserRepository
	readingRepo   interfaces.ReadingRepository
	migrationRepo interfaces.MigrationRepository

	// Mutex for thread-safe access
	mu sync.Mutex

	// Cleanup functions
	cleanupFuncs []func() error
}

// ApiContainer manages dependencies for the API service
type ApiContainer struct {
	*Container
}

// MigratorContainer manages dependencies for the migration batch job
type MigratorContainer struct {
	*Container
}

// IngestorContainer manages dependencies for the MQTT ingest bridge
type IngestorContainer struct {
	config *config.IngestorConfig
	logger *logger.Logger
}

// NewApiContainer creates a new container for the API service
func NewApiContainer() (*ApiContainer, error) {
	cfg, err := config.LoadApiConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load API configuration: %w", err)
	}

	log := logger.NewLogger(&cfg.Logging)

	return &ApiContainer{Container: &Container{config: cfg, logger: log}}, nil
}

// NewMigratorContainer creates a new container for the migration batch job
func NewMigratorContainer() (*MigratorContainer, error) {
	cfg, err := config.LoadMigratorConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load migrator configuration: %w", err)
	}

	log := logger.NewLogger(&cfg.Logging)

	return &MigratorContainer{Container: &Container{config: cfg, logger: log}}, nil
}

// NewIngestorContainer creates a new container for the MQTT ingest bridge
func NewIngestorContainer() (*IngestorContainer, error) {
	cfg, err := config.LoadIngestorConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load ingestor configuration: %w", err)
	}

	log := logger.NewLogger(&cfg.Logging)

	return &IngestorContainer{config: cfg, logger: log}, nil
}

// GetConfig returns the configuration
func (c *Container) GetConfig() *config.Config {
	return c.config
}

// GetConfig returns the ingestor configuration
func (c *IngestorContainer) GetConfig() *config.IngestorConfig {
	return c.config
}

// GetLogger returns the logger
func (c *Container) GetLogger() *logger.Logger {
	return c.logger
}

// GetLogger returns the logger
func (c *IngestorContainer) GetLogger() *logger.Logger {
	return c.logger
}

// GetDatabase returns the mongo database handle, connecting on first use.
func (c *Container) GetDatabase() (*mongo.Database, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getDatabaseLocked()
}

func (c *Container) getDatabaseLocked() (*mongo.Database, error) {
	if c.database != nil {
		return c.database, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(c.config.Mongo.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	c.mongoClient = client
	c.database = client.Database(c.config.Mongo.Database)
	c.cleanupFuncs = append(c.cleanupFuncs, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return client.Disconnect(ctx)
	})

	c.logger.WithField("database", c.config.Mongo.Database).Info("MongoDB connection established")
	return c.database, nil
}

// GetCache returns the shared cache, connecting on first use. A missing or
// unreachable redis yields a disabled cache, never an error.
func (c *Container) GetCache() *cache.Cache {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getCacheLocked()
}

func (c *Container) getCacheLocked() *cache.Cache {
	if c.cache == nil {
		c.cache = cache.New(c.config.Redis.URL, c.logger)
		c.cleanupFuncs = append(c.cleanupFuncs, c.cache.Close)
	}
	return c.cache
}

// GetUserRepository returns the user repository
func (c *Container) GetUserRepository() (interfaces.UserRepository, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.userRepo == nil {
		db, err := c.getDatabaseLocked()
		if err != nil {
			return nil, err
		}
		c.userRepo = implementation.NewMongoUserRepository(db, c.getCacheLocked(), c.logger)
	}
	return c.userRepo, nil
}

// GetMigrationRepository returns the migration repository
func (c *Container) GetMigrationRepository() (interfaces.MigrationRepository, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getMigrationRepositoryLocked()
}

func (c *Container) getMigrationRepositoryLocked() (interfaces.MigrationRepository, error) {
	if c.migrationRepo == nil {
		db, err := c.getDatabaseLocked()
		if err != nil {
			return nil, err
		}
		c.migrationRepo = implementation.NewMongoMigrationRepository(db)
	}
	return c.migrationRepo, nil
}

// GetReadingRepository returns the reading repository
func (c *Container) GetReadingRepository() (interfaces.ReadingRepository, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.readingRepo == nil {
		db, err := c.getDatabaseLocked()
		if err != nil {
			return nil, err
		}
		migrations, err := c.getMigrationRepositoryLocked()
		if err != nil {
			return nil, err
		}
		c.readingRepo = implementation.NewMongoReadingRepository(db, c.getCacheLocked(), migrations, &c.config.Migration, c.logger)
	}
	return c.readingRepo, nil
}

// HealthCheck reports the state of the container's backing services.
func (c *Container) HealthCheck(ctx context.Context) map[string]interface{} {
	status := map[string]interface{}{"status": "ok"}

	c.mu.Lock()
	client := c.mongoClient
	c.mu.Unlock()

	if client == nil {
		status["status"] = "degraded"
		status["mongodb"] = "not connected"
	} else {
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
			status["status"] = "error"
			status["mongodb"] = err.Error()
		} else {
			status["mongodb"] = "connected"
		}
	}

	status["cache"] = c.GetCache().Stats(ctx)
	return status
}

// Shutdown gracefully shuts down the container and all its dependencies
func (c *Container) Shutdown(ctx context.Context) error {
	c.logger.Info("Shutting down container...")

	c.mu.Lock()
	defer c.mu.Unlock()

	// Execute cleanup functions in reverse order
	for i := len(c.cleanupFuncs) - 1; i >= 0; i-- {
		if err := c.cleanupFuncs[i](); err != nil {
			c.logger.ErrorWithError(err, "Error during cleanup")
		}
	}
	c.cleanupFuncs = nil

	c.logger.Info("Container shutdown complete")
	return nil
}

// Shutdown gracefully shuts down the ingestor container
func (c *IngestorContainer) Shutdown(ctx context.Context) error {
	c.logger.Info("Ingestor container shutdown complete")
	return nil
}

// AddCleanupFunc adds a cleanup function
func (c *Container) AddCleanupFunc(fn func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanupFuncs = append(c.cleanupFuncs, fn)
}
