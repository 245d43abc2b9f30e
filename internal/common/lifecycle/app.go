package lifecycle

import (
	"context"
	"fmt"
	"log/slog"

	"go.mongodb.org/mongo-driver/mongo"

	mongoc "go.flowcatalyst.tech/internal/common/mongo"
	"go.flowcatalyst.tech/internal/config"
)

// App holds initialized infrastructure that is guaranteed to be connected.
// If the App was created with NeedsMongoDB, the database is connected and
// ready; otherwise Mongo and DB are nil.
//
// This is NOT a god object - it just holds the "dangerous" infrastructure
// that requires connection/retry logic. Application logic should NOT go here.
//
// Queue initialization is left to specific binaries since the configuration
// (publisher vs consumer, stream names, etc.) varies by use case.
type App struct {
	Config *config.Config

	// Database
	Mongo *mongoc.Client
	DB    *mongo.Database

	// Internal cleanup - call AddCleanup to register cleanup functions
	cleanupFuncs []func() error
}

// AppOptions configures which infrastructure to initialize.
type AppOptions struct {
	// NeedsMongoDB indicates MongoDB connection is required
	NeedsMongoDB bool

	// Config, when non-nil, is used instead of loading from the
	// environment. Lets binaries that already loaded (and merged) config
	// share it with the lifecycle layer.
	Config *config.Config
}

// Initialize creates an App with connected infrastructure.
// Returns an error if any required connection fails.
//
// Usage:
//
//	app, cleanup, err := lifecycle.Initialize(ctx, lifecycle.AppOptions{
//	    NeedsMongoDB: true,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer cleanup()
func Initialize(ctx context.Context, opts AppOptions) (*App, func(), error) {
	app := &App{}

	// Load configuration first unless the caller already has it
	if opts.Config != nil {
		app.Config = opts.Config
	} else {
		cfg, err := config.LoadWithFile()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load config: %w", err)
		}
		app.Config = cfg
	}

	// Initialize MongoDB if needed
	if opts.NeedsMongoDB {
		if err := app.initMongoDB(ctx); err != nil {
			app.Cleanup()
			return nil, nil, err
		}
	}

	cleanup := func() {
		app.Cleanup()
	}

	return app, cleanup, nil
}

// AddCleanup registers a cleanup function to be called on shutdown.
// Functions are called in reverse order of registration.
func (app *App) AddCleanup(fn func() error) {
	app.cleanupFuncs = append(app.cleanupFuncs, fn)
}

// initMongoDB connects to MongoDB and ensures indexes exist.
func (app *App) initMongoDB(ctx context.Context) error {
	cfg := app.Config

	slog.Info("Connecting to MongoDB", "database", cfg.MongoDB.Database)

	client, err := mongoc.Connect(ctx, cfg.MongoDB)
	if err != nil {
		return fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	app.Mongo = client
	app.DB = client.Database()

	app.AddCleanup(func() error {
		slog.Info("Disconnecting from MongoDB")
		return client.Disconnect(context.Background())
	})

	if err := mongoc.NewIndexInitializer(client).Initialize(ctx); err != nil {
		slog.Warn("Index initialization failed", "error", err)
	}

	return nil
}

// Cleanup runs all cleanup functions in reverse order.
func (app *App) Cleanup() {
	for i := len(app.cleanupFuncs) - 1; i >= 0; i-- {
		if err := app.cleanupFuncs[i](); err != nil {
			slog.Error("Cleanup error", "error", err)
		}
	}
}
