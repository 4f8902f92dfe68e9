package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/salesflow/internal/platform/db"
)

// MigrateOptions selects the migrate subcommand behaviour.
type MigrateOptions struct {
	Action string
	Stdout io.Writer
	Stderr io.Writer
}

// MigrateCommand applies or reports schema migrations and returns the exit code.
func MigrateCommand(ctx context.Context, pool *pgxpool.Pool, opts MigrateOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	switch opts.Action {
	case "", "up":
		if err := db.Migrate(ctx, pool); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "migrate: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintln(opts.Stdout, "migrate: schema up to date")
		return 0
	case "status":
		if err := db.MigrationStatus(ctx, pool); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "migrate status: %v\n", err)
			return 1
		}
		return 0
	default:
		_, _ = fmt.Fprintf(opts.Stderr, "migrate: unknown action %q (expected up or status)\n", opts.Action)
		return 2
	}
}
