package agent

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pressly/goose/v3"

	"github.com/loopflowstudio/cadenza/internal/client/migrations"
	"github.com/loopflowstudio/cadenza/internal/client/repositories/submissions"
)

// RunMigrations applies the embedded schema migrations to db.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	return goose.UpContext(ctx, db, ".")
}

// InitDatabase opens the local SQLite store, migrates it and returns the
// submission repository. The caller owns the returned *sql.DB.
func InitDatabase(ctx context.Context, dsn string) (*sql.DB, *submissions.SQLiteRepository, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, nil, err
	}

	if err := RunMigrations(ctx, db); err != nil {
		db.Close()
		return nil, nil, err
	}

	return db, submissions.NewSQLiteRepository(db), nil
}
