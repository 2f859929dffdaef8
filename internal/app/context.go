package app

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"worktower/internal/config"
	"worktower/internal/db"
	"worktower/internal/migrate"
)

// Setup opens the workspace database, applies migrations, and loads the
// workspace config, seeding the default file when missing.
func Setup(workspace string) (*sql.DB, *config.Config, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	if cfg == nil {
		cfg, err = Seed(workspace)
		if err != nil {
			conn.Close()
			return nil, nil, err
		}
	}
	return conn, cfg, nil
}

// Seed writes the default config file and returns the parsed result.
func Seed(workspace string) (*config.Config, error) {
	root := DefaultTraceRoot(workspace)
	path := config.Path(workspace)
	if err := os.WriteFile(path, []byte(config.GenerateDefault(root)), 0o644); err != nil {
		return nil, fmt.Errorf("seed config: %w", err)
	}
	return config.Default(root), nil
}

// DefaultTraceRoot places traces next to the workspace database.
func DefaultTraceRoot(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	abs, err := filepath.Abs(filepath.Join(workspace, ".worktower", "traces"))
	if err != nil {
		abs = filepath.Join(workspace, ".worktower", "traces")
	}
	return "file://" + filepath.ToSlash(abs)
}
