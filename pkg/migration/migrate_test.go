package migration

import (
	"context"
	"database/sql"
	"testing"
	"testing/fstest"

	"github.com/nao1215/taskflow/pkg/logger"
	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("インメモリDBの作成に失敗: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRun(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"migrations/000002_add_index.up.sql":      {Data: []byte("CREATE INDEX idx_items_name ON items(name);")},
		"migrations/000001_create_items.up.sql":   {Data: []byte("CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT);")},
		"migrations/000001_create_items.down.sql": {Data: []byte("DROP TABLE items;")},
		"migrations/README.md":                    {Data: []byte("ignored")},
	}

	t.Run("バージョン順に適用され2回目は何もしないこと", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		db := openTestDB(t)

		if err := Run(ctx, db, fsys, "migrations", logger.Discard()); err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if err := Run(ctx, db, fsys, "migrations", logger.Discard()); err != nil {
			t.Fatalf("2回目のRun() error = %v", err)
		}

		var count int
		if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
			t.Fatalf("schema_migrationsの参照に失敗: %v", err)
		}
		if count != 2 {
			t.Errorf("適用済みマイグレーション = %d, want 2", count)
		}
		if _, err := db.ExecContext(ctx, "INSERT INTO items (name) VALUES ('a')"); err != nil {
			t.Errorf("itemsテーブルが作成されていない: %v", err)
		}
	})

	t.Run("SQLが不正な場合はエラーになり記録されないこと", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		db := openTestDB(t)
		broken := fstest.MapFS{
			"migrations/000001_broken.up.sql": {Data: []byte("CREATE TABLE (;")},
		}

		if err := Run(ctx, db, broken, "migrations", logger.Discard()); err == nil {
			t.Fatal("Run() error = nil, want error")
		}
		var count int
		if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
			t.Fatalf("schema_migrationsの参照に失敗: %v", err)
		}
		if count != 0 {
			t.Errorf("適用済みマイグレーション = %d, want 0", count)
		}
	})
}

func TestParseMigrationName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		filename    string
		wantVersion int
		wantName    string
		wantOK      bool
	}{
		{"000001_create_notifications.up.sql", 1, "create_notifications", true},
		{"000012_add.up.sql", 12, "add", true},
		{"000001_create.down.sql", 0, "", false},
		{"create.up.sql", 0, "", false},
		{"abc_create.up.sql", 0, "", false},
		{"000000_zero.up.sql", 0, "", false},
		{"000001_.up.sql", 0, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			t.Parallel()

			version, name, ok := parseMigrationName(tt.filename)
			if version != tt.wantVersion || name != tt.wantName || ok != tt.wantOK {
				t.Errorf("parseMigrationName(%q) = (%d, %q, %v), want (%d, %q, %v)",
					tt.filename, version, name, ok, tt.wantVersion, tt.wantName, tt.wantOK)
			}
		})
	}
}
