package migration_test

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/cswenor/conductor/internal/migration"
	_ "modernc.org/sqlite"
)

func openTempDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func openTempFileDB(t *testing.T) (*sql.DB, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open sqlite file: %v", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS _init (x INTEGER)`); err != nil {
		t.Fatalf("init table: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, path
}

func TestCurrentVersion_FreshDB(t *testing.T) {
	db := openTempDB(t)
	v, err := migration.CurrentVersion(db)
	if err != nil {
		t.Fatalf("CurrentVersion: %v", err)
	}
	if v != 0 {
		t.Errorf("want 0, got %d", v)
	}
}

func TestSetAndCurrentVersion(t *testing.T) {
	db := openTempDB(t)

	if err := migration.SetVersion(db, 3); err != nil {
		t.Fatalf("SetVersion(3): %v", err)
	}
	v, err := migration.CurrentVersion(db)
	if err != nil {
		t.Fatalf("CurrentVersion: %v", err)
	}
	if v != 3 {
		t.Errorf("want 3, got %d", v)
	}
}

func TestEnsureVersionIsIdempotent(t *testing.T) {
	db := openTempDB(t)

	if err := migration.EnsureVersion(db, 1); err != nil {
		t.Fatalf("EnsureVersion(1): %v", err)
	}
	if err := migration.SetVersion(db, 5); err != nil {
		t.Fatalf("SetVersion(5): %v", err)
	}
	// Calling EnsureVersion again must not reset an already-recorded version.
	if err := migration.EnsureVersion(db, 1); err != nil {
		t.Fatalf("EnsureVersion(1) again: %v", err)
	}
	v, err := migration.CurrentVersion(db)
	if err != nil {
		t.Fatalf("CurrentVersion: %v", err)
	}
	if v != 5 {
		t.Errorf("EnsureVersion clobbered an existing version: got %d, want 5", v)
	}
}

func TestCheckVersionRejectsNewerSchema(t *testing.T) {
	db := openTempDB(t)
	if err := migration.SetVersion(db, 9); err != nil {
		t.Fatalf("SetVersion(9): %v", err)
	}
	if err := migration.CheckVersion(db, 3); err == nil {
		t.Fatal("expected CheckVersion to reject a schema newer than the binary")
	}
	if err := migration.CheckVersion(db, 9); err != nil {
		t.Fatalf("CheckVersion(9) on schema 9: %v", err)
	}
}

func TestBackupDatabaseAndBackupBeforeUpgrade(t *testing.T) {
	db, path := openTempFileDB(t)
	if err := migration.EnsureVersion(db, 1); err != nil {
		t.Fatalf("EnsureVersion: %v", err)
	}

	backupPath, err := migration.BackupDatabase(path)
	if err != nil {
		t.Fatalf("BackupDatabase: %v", err)
	}
	if backupPath == path {
		t.Fatal("backup path must differ from source path")
	}

	noop, err := migration.BackupBeforeUpgrade(path, db, 1)
	if err != nil {
		t.Fatalf("BackupBeforeUpgrade (no-op case): %v", err)
	}
	if noop != "" {
		t.Fatalf("expected no backup when already at target version, got %q", noop)
	}

	backedUp, err := migration.BackupBeforeUpgrade(path, db, 2)
	if err != nil {
		t.Fatalf("BackupBeforeUpgrade (upgrade case): %v", err)
	}
	if backedUp == "" {
		t.Fatal("expected a backup path when schema is behind target version")
	}

	if err := migration.CleanOldBackups(path, 0); err != nil {
		t.Fatalf("CleanOldBackups: %v", err)
	}
}

func TestMigrationRunnerAppliesInOrder(t *testing.T) {
	db := openTempDB(t)

	var applied []int
	runner := migration.NewRunner("test-store", []migration.Migration{
		{
			Version:     2,
			Description: "second",
			Up: func(tx *sql.Tx) error {
				applied = append(applied, 2)
				return nil
			},
		},
		{
			Version:     1,
			Description: "first",
			Up: func(tx *sql.Tx) error {
				applied = append(applied, 1)
				return nil
			},
		},
	})

	if err := runner.Migrate(db); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if len(applied) != 2 || applied[0] != 1 || applied[1] != 2 {
		t.Fatalf("migrations applied out of order: %v", applied)
	}

	v, err := migration.CurrentVersion(db)
	if err != nil {
		t.Fatalf("CurrentVersion: %v", err)
	}
	if v != 2 {
		t.Errorf("want version 2 after migrate, got %d", v)
	}

	// Re-running must be a no-op.
	applied = nil
	if err := runner.Migrate(db); err != nil {
		t.Fatalf("Migrate (second run): %v", err)
	}
	if len(applied) != 0 {
		t.Fatalf("expected no migrations to re-apply, got %v", applied)
	}
}
