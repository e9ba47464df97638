package notification

import (
	"context"
	"database/sql"
	"embed"
	"log/slog"

	"github.com/nao1215/taskflow/pkg/migration"
)

//go:embed migrations
var migrationsFS embed.FS

// initSchema はマイグレーションを実行してSQLiteストアのスキーマを適用する。
func initSchema(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	return migration.Run(ctx, db, migrationsFS, "migrations", logger)
}
