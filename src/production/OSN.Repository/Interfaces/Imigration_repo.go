package interfaces

import "context"

type MigrationRepository interface {
	// EnsureMigration inserts the tracking record if it does not exist yet.
	EnsureMigration(ctx context.Context, name string) error

	// IsComplete reports whether the named migration has finished. A missing
	// record reads as incomplete.
	IsComplete(ctx context.Context, name string) (bool, error)

	// MarkComplete flips the completion flag, switching readers over to the
	// unified collection.
	MarkComplete(ctx context.Context, name string) error
}
