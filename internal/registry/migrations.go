package registry

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Migration is one versioned schema change.
type Migration struct {
	Version     int
	Description string
	Up          string
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "Devices table",
		Up: `
CREATE TABLE IF NOT EXISTS devices (
    uid                 TEXT PRIMARY KEY,
    name                TEXT NOT NULL,
    address             TEXT NOT NULL UNIQUE,
    ek_cert             BLOB NOT NULL,
    last_attestation_ms INTEGER NOT NULL DEFAULT 0,
    last_succeeded      INTEGER NOT NULL DEFAULT 0,
    created_at_ms       INTEGER NOT NULL
);
`,
	},
	{
		Version:     2,
		Description: "Failure kind and PCR baseline",
		Up: `
ALTER TABLE devices ADD COLUMN last_failure TEXT NOT NULL DEFAULT '';
ALTER TABLE devices ADD COLUMN pcr_baseline BLOB;
CREATE INDEX IF NOT EXISTS idx_devices_created ON devices(created_at_ms);
`,
	},
	{
		Version:     3,
		Description: "Verdict secret",
		Up: `
ALTER TABLE devices ADD COLUMN secret BLOB;
`,
	},
}

// migrate applies pending migrations, each in its own transaction.
func migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  INTEGER NOT NULL,
			description TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	current, err := schemaVersion(ctx, db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.Up); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			m.Version, time.Now().UnixNano(), m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

func schemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v); err != nil {
		return 0, fmt.Errorf("get schema version: %w", err)
	}
	return v, nil
}
